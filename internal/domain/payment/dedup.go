package payment

import (
	"context"
	"sync"
	"time"
)

// MemoryDedupStore keeps notification ids in memory for a fixed TTL.
type MemoryDedupStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]time.Time
	now     func() time.Time
}

func NewMemoryDedupStore(ttl time.Duration) *MemoryDedupStore {
	return &MemoryDedupStore{
		ttl:     ttl,
		entries: make(map[string]time.Time),
		now:     time.Now,
	}
}

func (s *MemoryDedupStore) MarkSeen(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if exp, ok := s.entries[id]; ok && now.Before(exp) {
		return false, nil
	}
	s.entries[id] = now.Add(s.ttl)
	return true, nil
}

// Cleanup drops expired ids and returns how many were removed.
func (s *MemoryDedupStore) Cleanup() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for id, exp := range s.entries {
		if !now.Before(exp) {
			delete(s.entries, id)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked ids.
func (s *MemoryDedupStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
