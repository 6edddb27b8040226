package security

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// ReplayStore remembers nonces of accepted signatures for a bounded window.
type ReplayStore interface {
	// Seen reports whether nonce was already accepted.
	Seen(ctx context.Context, nonce string) (bool, error)
	// Remember stores nonce and reports false if it was already present.
	Remember(ctx context.Context, nonce string, ttl time.Duration) (bool, error)
}

// MemoryReplayStore keeps nonces in an expirable LRU. When full, the oldest
// nonces are evicted before their window ends; size it above the expected
// number of signed messages per window.
type MemoryReplayStore struct {
	mu    sync.Mutex
	cache *expirable.LRU[string, struct{}]
}

func NewMemoryReplayStore(capacity int, window time.Duration) *MemoryReplayStore {
	return &MemoryReplayStore{
		cache: expirable.NewLRU[string, struct{}](capacity, nil, window),
	}
}

func (s *MemoryReplayStore) Seen(_ context.Context, nonce string) (bool, error) {
	return s.cache.Contains(nonce), nil
}

// Remember ignores ttl; entries expire after the window given at construction.
func (s *MemoryReplayStore) Remember(_ context.Context, nonce string, _ time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cache.Contains(nonce) {
		return false, nil
	}
	s.cache.Add(nonce, struct{}{})
	return true, nil
}

func (s *MemoryReplayStore) Len() int {
	return s.cache.Len()
}
