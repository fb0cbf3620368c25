package guard

import (
	"context"
	"sync"
	"time"

	"github.com/clavis-auth/clavis/internal/cache"
)

// memoryStore provides process-local counters. Suitable for single-instance
// deployments and tests; multi-instance setups should use the database store
// so counters survive restarts.
type memoryStore struct {
	mu    sync.Mutex
	data  map[string]*memoryCounter
	clock func() time.Time
}

type memoryCounter struct {
	count     int64
	windowEnd time.Time
}

// MemoryStoreOption customises the in-memory counter store.
type MemoryStoreOption func(*memoryStore)

// WithMemoryClock overrides the store clock, primarily for testing.
func WithMemoryClock(clock func() time.Time) MemoryStoreOption {
	return func(s *memoryStore) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// NewMemoryStore constructs an in-memory counter store.
func NewMemoryStore(opts ...MemoryStoreOption) cache.Store {
	store := &memoryStore{
		data:  make(map[string]*memoryCounter),
		clock: time.Now,
	}
	for _, opt := range opts {
		opt(store)
	}
	return store
}

func (s *memoryStore) IncrementWithTTL(_ context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	if window <= 0 {
		window = time.Minute
	}

	now := s.clock()

	s.mu.Lock()
	defer s.mu.Unlock()

	counter, ok := s.data[key]
	if !ok || now.After(counter.windowEnd) {
		counter = &memoryCounter{
			count:     0,
			windowEnd: now.Add(window),
		}
		s.data[key] = counter
	}

	counter.count++

	return counter.count, counter.windowEnd.Sub(now), nil
}

func (s *memoryStore) Peek(_ context.Context, key string) (int64, time.Duration, error) {
	now := s.clock()

	s.mu.Lock()
	defer s.mu.Unlock()

	counter, ok := s.data[key]
	if !ok || now.After(counter.windowEnd) {
		return 0, 0, nil
	}

	return counter.count, counter.windowEnd.Sub(now), nil
}

func (s *memoryStore) PurgeExpired(_ context.Context) (int64, error) {
	now := s.clock()

	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	for key, counter := range s.data {
		if now.After(counter.windowEnd) {
			delete(s.data, key)
			removed++
		}
	}
	return removed, nil
}
