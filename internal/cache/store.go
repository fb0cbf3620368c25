package cache

import (
	"context"
	"time"
)

// Store is a shared counter/cache backend. The database implementation keeps
// counters across process restarts so lockout windows survive redeploys; an
// in-memory implementation lives with the guard for single-instance setups.
type Store interface {
	// IncrementWithTTL atomically increments the counter stored under key,
	// starting a fresh window of the given duration when none is active.
	// It returns the post-increment count and the time left in the window.
	IncrementWithTTL(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error)

	// Peek returns the current count and remaining window without mutating
	// state. A missing or expired entry reports a zero count.
	Peek(ctx context.Context, key string) (int64, time.Duration, error)

	// PurgeExpired deletes entries whose window has fully elapsed.
	PurgeExpired(ctx context.Context) (int64, error)
}
