package transport

import (
	"context"
	"encoding/hex"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paracord-validate/internal/domain"
)

func testVerifier(t *testing.T, id *Identity) *Verifier {
	t.Helper()
	keys := make(StaticKeys)
	keys.Add(id.Origin, id.KeyID, id.PublicKey())
	return &Verifier{Keys: keys, Replays: NewMemoryReplayStore()}
}

func TestVerifyAcceptsExactlyOnce(t *testing.T) {
	id := testIdentity(t)
	v := testVerifier(t, id)

	body := []byte(`{"probe":true}`)
	now := time.UnixMilli(1700000000000)
	h := id.SignAt("POST", "/_paracord/federation/v1/event", body, now.UnixMilli())

	err := v.Verify(context.Background(), h, "POST", "/_paracord/federation/v1/event", body, now)
	require.NoError(t, err, "first presentation must be judged on signature and freshness alone")

	err = v.Verify(context.Background(), h, "POST", "/_paracord/federation/v1/event", body, now)
	assert.ErrorIs(t, err, domain.ErrReplay)
	assert.Equal(t, http.StatusConflict, domain.RejectStatus(err))
}

func TestVerifyRejectsEverySingleBitFlip(t *testing.T) {
	id := testIdentity(t)
	v := testVerifier(t, id)

	body := []byte(`{}`)
	now := time.UnixMilli(1700000000000)
	h := id.SignAt("POST", "/x", body, now.UnixMilli())

	sig, err := hex.DecodeString(h.Signature)
	require.NoError(t, err)

	for i := range sig {
		for bit := 0; bit < 8; bit++ {
			mutated := make([]byte, len(sig))
			copy(mutated, sig)
			mutated[i] ^= 1 << bit

			flipped := h
			flipped.Signature = hex.EncodeToString(mutated)
			err := v.Verify(context.Background(), flipped, "POST", "/x", body, now)
			require.ErrorIs(t, err, domain.ErrBadSignature, "byte %d bit %d", i, bit)
		}
	}
}

func TestVerifyRejectsStaleTimestamp(t *testing.T) {
	id := testIdentity(t)
	v := testVerifier(t, id)

	body := []byte(`{}`)
	now := time.UnixMilli(1700000000000)
	// 15-minute-old probe, correctly signed.
	h := id.SignAt("POST", "/x", body, now.Add(-900000*time.Millisecond).UnixMilli())

	err := v.Verify(context.Background(), h, "POST", "/x", body, now)
	assert.ErrorIs(t, err, domain.ErrStale)
	assert.Equal(t, http.StatusUnauthorized, domain.RejectStatus(err))
}

func TestVerifyBindsPath(t *testing.T) {
	id := testIdentity(t)
	v := testVerifier(t, id)

	body := []byte(`{}`)
	now := time.UnixMilli(1700000000000)
	h := id.SignAt("POST", "/x", body, now.UnixMilli())

	err := v.Verify(context.Background(), h, "POST", "/y", body, now)
	assert.ErrorIs(t, err, domain.ErrBadSignature, "identical signature and body must not verify for a different path")
}

func TestVerifyBindsQueryString(t *testing.T) {
	id := testIdentity(t)
	v := testVerifier(t, id)

	now := time.UnixMilli(1700000000000)
	h := id.SignAt("GET", "/events?room_id=!1:a&since_depth=0", nil, now.UnixMilli())

	err := v.Verify(context.Background(), h, "GET", "/events?room_id=!1:a&since_depth=0", nil, now)
	require.NoError(t, err)

	h2 := id.SignAt("GET", "/events?room_id=!1:a&since_depth=0", nil, now.UnixMilli()+1)
	err = v.Verify(context.Background(), h2, "GET", "/events?room_id=!2:a&since_depth=0", nil, now)
	assert.ErrorIs(t, err, domain.ErrBadSignature)
}

func TestVerifyBindsExactBodyBytes(t *testing.T) {
	id := testIdentity(t)
	v := testVerifier(t, id)

	now := time.UnixMilli(1700000000000)
	// Same JSON value, different serialization: must not verify.
	h := id.SignAt("POST", "/x", []byte(`{"a":1,"b":2}`), now.UnixMilli())
	err := v.Verify(context.Background(), h, "POST", "/x", []byte(`{"b":2,"a":1}`), now)
	assert.ErrorIs(t, err, domain.ErrBadSignature)
}

func TestVerifyRejectionPriorityOrder(t *testing.T) {
	id := testIdentity(t)
	v := testVerifier(t, id)
	now := time.UnixMilli(1700000000000)

	// Stale AND tampered: signature validity is checked before freshness.
	h := id.SignAt("POST", "/x", []byte(`{}`), now.Add(-time.Hour).UnixMilli())
	sig, err := hex.DecodeString(h.Signature)
	require.NoError(t, err)
	sig[0] ^= 1
	h.Signature = hex.EncodeToString(sig)
	assert.ErrorIs(t, v.Verify(context.Background(), h, "POST", "/x", []byte(`{}`), now), domain.ErrBadSignature)
}

func TestVerifyUnknownSigner(t *testing.T) {
	id := testIdentity(t)
	v := testVerifier(t, id)
	now := time.UnixMilli(1700000000000)

	h := id.SignAt("POST", "/x", []byte(`{}`), now.UnixMilli())
	h.Origin = "node-z.test"
	err := v.Verify(context.Background(), h, "POST", "/x", []byte(`{}`), now)
	assert.ErrorIs(t, err, domain.ErrBadSignature)
}

func TestVerifyRequest(t *testing.T) {
	id := testIdentity(t)
	v := testVerifier(t, id)

	body := []byte(`{"probe":1}`)
	path := "/_paracord/federation/v1/event"
	h := id.Sign("POST", path, body)

	req, err := http.NewRequest(http.MethodPost, "https://node-b.test"+path, nil)
	require.NoError(t, err)
	h.Apply(req.Header)

	require.NoError(t, v.VerifyRequest(req, body, time.Now()))

	// No signature headers at all.
	bare, err := http.NewRequest(http.MethodPost, "https://node-b.test"+path, nil)
	require.NoError(t, err)
	err = v.VerifyRequest(bare, body, time.Now())
	assert.ErrorIs(t, err, domain.ErrUnsigned)
	assert.Equal(t, http.StatusUnauthorized, domain.RejectStatus(err))
}

func TestParseHeadersPartialEnvelope(t *testing.T) {
	hdr := http.Header{}
	hdr.Set(HeaderOrigin, "o")
	hdr.Set(HeaderKeyID, "k")
	// Timestamp and signature missing.
	_, err := ParseHeaders(hdr)
	assert.ErrorIs(t, err, domain.ErrUnsigned)
}

func TestParseHeadersMalformedTimestamp(t *testing.T) {
	hdr := http.Header{}
	Headers{Origin: "o", KeyID: "k", TimestampMS: 1, Signature: "aa"}.Apply(hdr)
	hdr.Set(HeaderTimestamp, "yesterday")
	_, err := ParseHeaders(hdr)
	assert.ErrorIs(t, err, domain.ErrBadSignature)
}

func TestMemoryReplayStoreCheckAndInsert(t *testing.T) {
	s := NewMemoryReplayStore()
	exp := time.Now().Add(time.Minute)

	ok, err := s.CheckAndInsert("sig-1", exp)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.CheckAndInsert("sig-1", exp)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.CheckAndInsert("sig-2", exp)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryReplayStoreEvictsExpired(t *testing.T) {
	s := NewMemoryReplayStore()
	base := time.Now()
	s.now = func() time.Time { return base }

	_, err := s.CheckAndInsert("old", base.Add(10*time.Millisecond))
	require.NoError(t, err)
	require.Equal(t, 1, s.Len())

	s.now = func() time.Time { return base.Add(time.Second) }
	_, err = s.CheckAndInsert("new", base.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, s.Len(), "expired entry swept on insert")

	// A key whose entry expired is accepted again; the stale timestamp check
	// rejects such envelopes independently.
	ok, err := s.CheckAndInsert("old", base.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryReplayStoreConcurrentSingleWinner(t *testing.T) {
	s := NewMemoryReplayStore()
	exp := time.Now().Add(time.Minute)

	const goroutines = 32
	var wg sync.WaitGroup
	wins := make(chan bool, goroutines)
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.CheckAndInsert("contested", exp)
			assert.NoError(t, err)
			wins <- ok
		}()
	}
	wg.Wait()
	close(wins)

	winners := 0
	for ok := range wins {
		if ok {
			winners++
		}
	}
	assert.Equal(t, 1, winners, "exactly one concurrent duplicate may be accepted")
}

func TestSQLiteReplayStore(t *testing.T) {
	s, err := NewSQLiteReplayStore(t.TempDir() + "/replay.db")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	exp := time.Now().Add(time.Minute)
	ok, err := s.CheckAndInsert("sig-1", exp)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.CheckAndInsert("sig-1", exp)
	require.NoError(t, err)
	assert.False(t, ok)

	// Expired entries are evicted, so the key becomes insertable again.
	ok, err = s.CheckAndInsert("short-lived", time.Now().Add(-time.Second))
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.CheckAndInsert("short-lived", time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)
}
