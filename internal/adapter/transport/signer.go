package transport

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Signed request header names, exact wire form.
const (
	HeaderOrigin    = "X-Paracord-Origin"
	HeaderKeyID     = "X-Paracord-Key-Id"
	HeaderTimestamp = "X-Paracord-Timestamp"
	HeaderSignature = "X-Paracord-Signature"

	// HeaderFederationToken is the bearer alternative granting federation
	// read access without per-request signing.
	HeaderFederationToken = "X-Paracord-Federation-Token"
)

// Identity is a federation signing identity: the origin server name, the key
// id published for that origin, and an ed25519 key derived from a 32-byte
// seed. Immutable for the lifetime of a run.
type Identity struct {
	Origin string
	KeyID  string
	key    ed25519.PrivateKey
}

// NewIdentity builds an Identity from a hex-encoded 32-byte seed.
func NewIdentity(origin, keyID, seedHex string) (*Identity, error) {
	seed, err := hex.DecodeString(strings.TrimSpace(seedHex))
	if err != nil {
		return nil, fmt.Errorf("decode signing seed: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("signing seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	return &Identity{
		Origin: origin,
		KeyID:  keyID,
		key:    ed25519.NewKeyFromSeed(seed),
	}, nil
}

// PublicKey returns the verification half of the identity's key.
func (id *Identity) PublicKey() ed25519.PublicKey {
	return id.key.Public().(ed25519.PublicKey)
}

// CanonicalBytes builds the exact byte string a transport signature covers:
//
//	METHOD \n PATH \n TIMESTAMP_MS \n hex(sha256(body))
//
// The body is committed via its digest so signature size is independent of
// payload size, and verification binds to the raw bytes sent rather than any
// re-serialization. The path includes the query string.
func CanonicalBytes(method, path string, timestampMS int64, body []byte) []byte {
	digest := sha256.Sum256(body)
	canonical := strings.ToUpper(method) + "\n" +
		path + "\n" +
		strconv.FormatInt(timestampMS, 10) + "\n" +
		hex.EncodeToString(digest[:])
	return []byte(canonical)
}

// Headers is the four-field signed request envelope. A signature is
// meaningless without the other three fields.
type Headers struct {
	Origin      string
	KeyID       string
	TimestampMS int64
	Signature   string // hex-encoded ed25519 signature
}

// Apply sets the transport headers on an outgoing request header map.
func (h Headers) Apply(dst http.Header) {
	dst.Set(HeaderOrigin, h.Origin)
	dst.Set(HeaderKeyID, h.KeyID)
	dst.Set(HeaderTimestamp, strconv.FormatInt(h.TimestampMS, 10))
	dst.Set(HeaderSignature, h.Signature)
}

// Sign produces transport headers for a request using the current time.
func (id *Identity) Sign(method, path string, body []byte) Headers {
	return id.SignAt(method, path, body, time.Now().UnixMilli())
}

// SignAt produces transport headers with an explicit timestamp. The stale and
// replay probes depend on controlling the timestamp exactly.
func (id *Identity) SignAt(method, path string, body []byte, timestampMS int64) Headers {
	sig := ed25519.Sign(id.key, CanonicalBytes(method, path, timestampMS, body))
	return Headers{
		Origin:      id.Origin,
		KeyID:       id.KeyID,
		TimestampMS: timestampMS,
		Signature:   hex.EncodeToString(sig),
	}
}
