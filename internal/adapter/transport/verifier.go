package transport

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"paracord-validate/internal/domain"
)

// DefaultFreshnessWindow is the maximum accepted age of a signed request's
// timestamp. Matches the federation transport's 300s skew allowance.
const DefaultFreshnessWindow = 5 * time.Minute

// KeyResolver maps a (origin, key id) pair to the ed25519 verification key
// published for it.
type KeyResolver interface {
	ResolveKey(ctx context.Context, origin, keyID string) (ed25519.PublicKey, error)
}

// StaticKeys is a fixed in-memory KeyResolver.
type StaticKeys map[string]ed25519.PublicKey

func keyRef(origin, keyID string) string { return origin + "/" + keyID }

// Add registers a verification key for (origin, keyID).
func (s StaticKeys) Add(origin, keyID string, key ed25519.PublicKey) {
	s[keyRef(origin, keyID)] = key
}

func (s StaticKeys) ResolveKey(_ context.Context, origin, keyID string) (ed25519.PublicKey, error) {
	key, ok := s[keyRef(origin, keyID)]
	if !ok {
		return nil, fmt.Errorf("%w: no key for %s", domain.ErrKeyUnavailable, keyRef(origin, keyID))
	}
	return key, nil
}

// Verifier is the ingest-side decision function for signed transport
// requests. It is pure apart from the replay store: rejection reasons are
// checked strictly in order — header absence, signature validity, freshness,
// replay — so each probe class maps to exactly one sentinel.
type Verifier struct {
	Keys    KeyResolver
	Replays ReplayStore
	Window  time.Duration // freshness window; DefaultFreshnessWindow when zero
}

// ParseHeaders extracts the four-field signed envelope from request headers.
// Returns ErrUnsigned when any field is absent.
func ParseHeaders(h http.Header) (Headers, error) {
	origin := h.Get(HeaderOrigin)
	keyID := h.Get(HeaderKeyID)
	tsRaw := h.Get(HeaderTimestamp)
	sig := h.Get(HeaderSignature)
	if origin == "" || keyID == "" || tsRaw == "" || sig == "" {
		return Headers{}, domain.ErrUnsigned
	}
	ts, err := strconv.ParseInt(tsRaw, 10, 64)
	if err != nil {
		return Headers{}, fmt.Errorf("%w: malformed timestamp %q", domain.ErrBadSignature, tsRaw)
	}
	return Headers{Origin: origin, KeyID: keyID, TimestampMS: ts, Signature: sig}, nil
}

// Verify decides whether a signed request is acceptable. The canonical form
// is recomputed from the received method, path (query included), timestamp,
// and exact body bytes; any mismatch fails the signature check. On
// acceptance the replay key is recorded before returning, so a caller that
// commits side effects afterwards cannot double-accept a concurrent
// duplicate.
func (v *Verifier) Verify(ctx context.Context, hdr Headers, method, path string, body []byte, now time.Time) error {
	key, err := v.Keys.ResolveKey(ctx, hdr.Origin, hdr.KeyID)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrBadSignature, err)
	}

	sig, err := hex.DecodeString(hdr.Signature)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return fmt.Errorf("%w: malformed signature encoding", domain.ErrBadSignature)
	}
	canonical := CanonicalBytes(method, path, hdr.TimestampMS, body)
	if !ed25519.Verify(key, canonical, sig) {
		return domain.ErrBadSignature
	}

	window := v.Window
	if window <= 0 {
		window = DefaultFreshnessWindow
	}
	sent := time.UnixMilli(hdr.TimestampMS)
	if now.Sub(sent) > window {
		return fmt.Errorf("%w: timestamp %d is %s old", domain.ErrStale, hdr.TimestampMS, now.Sub(sent).Truncate(time.Second))
	}

	// The signature is already a strong binding of method, path, timestamp,
	// and body hash, so it serves as the replay key on its own. Entries
	// become irrelevant once the timestamp itself goes stale.
	inserted, err := v.Replays.CheckAndInsert(hdr.Signature, sent.Add(window))
	if err != nil {
		return fmt.Errorf("replay store: %w", err)
	}
	if !inserted {
		return domain.ErrReplay
	}
	return nil
}

// VerifyRequest is Verify for an in-flight *http.Request whose body bytes
// have already been read. The signed path component is the request URI
// including the query string.
func (v *Verifier) VerifyRequest(r *http.Request, body []byte, now time.Time) error {
	hdr, err := ParseHeaders(r.Header)
	if err != nil {
		return err
	}
	return v.Verify(r.Context(), hdr, r.Method, r.URL.RequestURI(), body, now)
}
