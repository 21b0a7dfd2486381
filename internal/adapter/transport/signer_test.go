package transport

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSeedHex = "9d61b19deffd5a60ba844af492ec2cc44449c5697b326919703bac031cae7f60"

func testIdentity(t *testing.T) *Identity {
	t.Helper()
	id, err := NewIdentity("node-a.test", "k1", testSeedHex)
	require.NoError(t, err)
	return id
}

func TestNewIdentityRejectsBadSeeds(t *testing.T) {
	tests := []struct {
		name string
		seed string
	}{
		{"empty", ""},
		{"odd length", "abc"},
		{"not hex", strings.Repeat("zz", 32)},
		{"short", "9d61b19d"},
		{"long", testSeedHex + "ff"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewIdentity("o", "k", tt.seed)
			assert.Error(t, err)
		})
	}
}

func TestNewIdentityTrimsWhitespace(t *testing.T) {
	id, err := NewIdentity("o", "k", "  "+testSeedHex+"\n")
	require.NoError(t, err)
	assert.Len(t, id.PublicKey(), ed25519.PublicKeySize)
}

func TestCanonicalBytesGolden(t *testing.T) {
	digest := sha256.Sum256([]byte("{}"))
	want := "POST\n/x\n1000\n" + hex.EncodeToString(digest[:])
	got := CanonicalBytes("POST", "/x", 1000, []byte("{}"))
	assert.Equal(t, want, string(got))
}

func TestCanonicalBytesDeterministic(t *testing.T) {
	a := CanonicalBytes("post", "/api/v1/things?limit=5", 1234567890123, []byte(`{"k":"v"}`))
	b := CanonicalBytes("POST", "/api/v1/things?limit=5", 1234567890123, []byte(`{"k":"v"}`))
	assert.Equal(t, a, b, "method casing must not change the canonical form")

	id := testIdentity(t)
	h1 := id.SignAt("POST", "/x", []byte("{}"), 1000)
	h2 := id.SignAt("POST", "/x", []byte("{}"), 1000)
	assert.Equal(t, h1.Signature, h2.Signature, "ed25519 is deterministic for a fixed key and message")
}

func TestSignProducesVerifiableHeaders(t *testing.T) {
	id := testIdentity(t)
	body := []byte(`{"event":"probe"}`)
	h := id.SignAt("POST", "/_paracord/federation/v1/event", body, 1700000000000)

	assert.Equal(t, "node-a.test", h.Origin)
	assert.Equal(t, "k1", h.KeyID)
	assert.Equal(t, int64(1700000000000), h.TimestampMS)

	sig, err := hex.DecodeString(h.Signature)
	require.NoError(t, err)
	canonical := CanonicalBytes("POST", "/_paracord/federation/v1/event", 1700000000000, body)
	assert.True(t, ed25519.Verify(id.PublicKey(), canonical, sig))
}

func TestHeadersApply(t *testing.T) {
	hdr := http.Header{}
	Headers{Origin: "o", KeyID: "k", TimestampMS: 42, Signature: "aa"}.Apply(hdr)

	assert.Equal(t, "o", hdr.Get("X-Paracord-Origin"))
	assert.Equal(t, "k", hdr.Get("X-Paracord-Key-Id"))
	assert.Equal(t, "42", hdr.Get("X-Paracord-Timestamp"))
	assert.Equal(t, "aa", hdr.Get("X-Paracord-Signature"))
}
