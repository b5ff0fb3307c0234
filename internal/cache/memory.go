package cache

import (
	"context"
	"sync"
	"time"
)

type memItem struct {
	v         []byte
	expiresAt time.Time
}

// MemoryStore is the in-process fallback. Expired entries are invisible to
// readers and physically removed by Sweep.
type MemoryStore struct {
	now func() time.Time

	mu    sync.RWMutex
	items map[string]memItem
}

// NewMemoryStore builds an empty store. A nil clock means time.Now.
func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{now: now, items: map[string]memItem{}}
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.RLock()
	it, ok := s.items[key]
	s.mu.RUnlock()
	if !ok || !s.now().Before(it.expiresAt) {
		return nil, false, nil
	}
	return clone(it.v), true, nil
}

func (s *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	it := memItem{v: clone(value), expiresAt: s.now().Add(ttl)}
	s.mu.Lock()
	s.items[key] = it
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, keys ...string) (int, error) {
	now := s.now()
	removed := 0
	s.mu.Lock()
	for _, key := range keys {
		if it, ok := s.items[key]; ok {
			if now.Before(it.expiresAt) {
				removed++
			}
			delete(s.items, key)
		}
	}
	s.mu.Unlock()
	return removed, nil
}

func (s *MemoryStore) Keys(_ context.Context, pattern string) ([]string, error) {
	now := s.now()
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0)
	for key, it := range s.items {
		if now.Before(it.expiresAt) && Match(pattern, key) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

func (s *MemoryStore) Len(_ context.Context) (int, error) {
	now := s.now()
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, it := range s.items {
		if now.Before(it.expiresAt) {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Ping(_ context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

// Sweep drops expired entries and returns how many were removed.
func (s *MemoryStore) Sweep() int {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for key, it := range s.items {
		if !now.Before(it.expiresAt) {
			delete(s.items, key)
			removed++
		}
	}
	return removed
}

// size counts physical entries, expired or not.
func (s *MemoryStore) size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

func clone(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

var _ Store = (*MemoryStore)(nil)
