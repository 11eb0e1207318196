package counter

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type entry struct {
	value     int64
	expiresAt time.Time
}

// MemoryStore is an in-process Store for tests and local development.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*entry
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*entry),
		now:     time.Now,
	}
}

// NewMemoryStoreWithClock allows tests to control expiry.
func NewMemoryStoreWithClock(now func() time.Time) *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*entry),
		now:     now,
	}
}

func (s *MemoryStore) live(key string) *entry {
	e, ok := s.entries[key]
	if !ok {
		return nil
	}

	if !e.expiresAt.IsZero() && !s.now().Before(e.expiresAt) {
		delete(s.entries, key)

		return nil
	}

	return e
}

func (s *MemoryStore) Increment(_ context.Context, key string, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.live(key)
	if e == nil {
		e = &entry{}
		s.entries[key] = e
	}

	e.value += delta

	return e.value, nil
}

func (s *MemoryStore) Set(_ context.Context, key string, value int64, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := &entry{value: value}
	if ttl > 0 {
		e.expiresAt = s.now().Add(ttl)
	}

	s.entries[key] = e

	return nil
}

func (s *MemoryStore) Get(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.live(key)
	if e == nil {
		return 0, fmt.Errorf("%w: %s", ErrNotFound, key)
	}

	return e.value, nil
}

func (s *MemoryStore) Delete(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, key := range keys {
		delete(s.entries, key)
	}

	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}
