package transport

import (
	"sync"
	"time"
)

// ReplayStore records accepted envelope keys within the freshness window.
// CheckAndInsert must be atomic: two identical concurrent envelopes must not
// both observe "unseen". It returns true when the key was inserted (first
// presentation) and false when it was already present (replay).
//
// Entries older than the freshness window may be evicted: an expired
// timestamp is rejected independently, so forgetting the key is safe.
type ReplayStore interface {
	CheckAndInsert(key string, expiresAt time.Time) (bool, error)
}

// MemoryReplayStore is the in-process ReplayStore. Suitable for a single
// verifier instance; federation deployments with several ingest workers
// should use the SQLite store instead.
type MemoryReplayStore struct {
	mu   sync.Mutex
	seen map[string]time.Time // key -> expiry
	now  func() time.Time
}

// NewMemoryReplayStore creates an empty store.
func NewMemoryReplayStore() *MemoryReplayStore {
	return &MemoryReplayStore{
		seen: make(map[string]time.Time),
		now:  time.Now,
	}
}

// CheckAndInsert implements ReplayStore. Expired entries are swept lazily
// under the same lock, keeping the table bounded by the freshness window.
func (s *MemoryReplayStore) CheckAndInsert(key string, expiresAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for k, exp := range s.seen {
		if now.After(exp) {
			delete(s.seen, k)
		}
	}

	if exp, ok := s.seen[key]; ok && now.Before(exp) {
		return false, nil
	}
	s.seen[key] = expiresAt
	return true, nil
}

// Len reports the number of live entries. Test hook.
func (s *MemoryReplayStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}
