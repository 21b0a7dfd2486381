package transport

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	"paracord-validate/internal/domain"
)

// serverKeysResponse is the federation `<endpoint>/keys` payload.
type serverKeysResponse struct {
	ServerName string `json:"server_name"`
	Keys       []struct {
		KeyID        string `json:"key_id"`
		PublicKeyHex string `json:"public_key_hex"`
	} `json:"keys"`
}

// KeyDirectory resolves verification keys for federation origins, preferring
// locally pinned keys and falling back to each origin's published key
// endpoint. Remote fetches go through a circuit breaker: a peer that is down
// should fail fast rather than stall every verification behind an HTTP
// timeout.
type KeyDirectory struct {
	client  *http.Client
	logger  *slog.Logger
	breaker *gobreaker.CircuitBreaker[ed25519.PublicKey]

	mu        sync.RWMutex
	pinned    StaticKeys        // origin/keyID -> key, never evicted
	endpoints map[string]string // origin -> federation endpoint URL
	cache     map[string]ed25519.PublicKey
}

// NewKeyDirectory creates a directory with an empty pin set.
func NewKeyDirectory(client *http.Client, logger *slog.Logger) *KeyDirectory {
	d := &KeyDirectory{
		client:    client,
		logger:    logger,
		pinned:    make(StaticKeys),
		endpoints: make(map[string]string),
		cache:     make(map[string]ed25519.PublicKey),
	}
	d.breaker = gobreaker.NewCircuitBreaker[ed25519.PublicKey](gobreaker.Settings{
		Name:        "federation-keys",
		MaxRequests: 1, // allow 1 probe in half-open state
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})
	return d
}

// Pin registers a locally trusted key for (origin, keyID).
func (d *KeyDirectory) Pin(origin, keyID string, key ed25519.PublicKey) {
	d.mu.Lock()
	d.pinned.Add(origin, keyID, key)
	d.mu.Unlock()
}

// SetEndpoint records the federation endpoint serving an origin's keys.
func (d *KeyDirectory) SetEndpoint(origin, federationEndpoint string) {
	d.mu.Lock()
	d.endpoints[origin] = strings.TrimRight(federationEndpoint, "/")
	d.mu.Unlock()
}

// ResolveKey implements KeyResolver.
func (d *KeyDirectory) ResolveKey(ctx context.Context, origin, keyID string) (ed25519.PublicKey, error) {
	ref := keyRef(origin, keyID)

	d.mu.RLock()
	if key, ok := d.pinned[ref]; ok {
		d.mu.RUnlock()
		return key, nil
	}
	if key, ok := d.cache[ref]; ok {
		d.mu.RUnlock()
		return key, nil
	}
	endpoint, ok := d.endpoints[origin]
	d.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: no endpoint known for origin %s", domain.ErrKeyUnavailable, origin)
	}

	key, err := d.breaker.Execute(func() (ed25519.PublicKey, error) {
		return d.fetchKey(ctx, endpoint, origin, keyID)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrKeyUnavailable, err)
	}

	d.mu.Lock()
	d.cache[ref] = key
	d.mu.Unlock()
	return key, nil
}

func (d *KeyDirectory) fetchKey(ctx context.Context, endpoint, origin, keyID string) (ed25519.PublicKey, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"/keys", nil)
	if err != nil {
		return nil, err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("keys endpoint returned %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}

	var keys serverKeysResponse
	if err := json.Unmarshal(data, &keys); err != nil {
		return nil, fmt.Errorf("parse keys response: %w", err)
	}
	if keys.ServerName != origin {
		return nil, fmt.Errorf("keys endpoint serves %q, wanted %q", keys.ServerName, origin)
	}
	for _, k := range keys.Keys {
		if k.KeyID != keyID {
			continue
		}
		raw, err := hex.DecodeString(k.PublicKeyHex)
		if err != nil || len(raw) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("malformed public key for %s/%s", origin, keyID)
		}
		return ed25519.PublicKey(raw), nil
	}
	return nil, fmt.Errorf("origin %s does not publish key %s", origin, keyID)
}
