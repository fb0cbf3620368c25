package guard

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/clavis-auth/clavis/internal/database/testutil"
	"github.com/clavis-auth/clavis/internal/models"
	"github.com/clavis-auth/clavis/internal/security"
)

type testClock struct {
	current time.Time
}

func newTestClock() *testClock {
	return &testClock{current: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	return c.current
}

func (c *testClock) Advance(d time.Duration) {
	c.current = c.current.Add(d)
}

func TestRecordAttemptWithinBudget(t *testing.T) {
	clock := newTestClock()
	store := NewMemoryStore(WithMemoryClock(clock.Now))

	g, err := New("login", store, Policy{MaxAttempts: 5, Window: 15 * time.Minute}, nil)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.False(t, g.RecordAttempt(context.Background(), "alice", Attempt{}), "attempt %d", i+1)
	}

	// The sixth attempt inside the window is blocked.
	require.True(t, g.RecordAttempt(context.Background(), "alice", Attempt{}))
}

func TestWindowResetsEntirely(t *testing.T) {
	clock := newTestClock()
	store := NewMemoryStore(WithMemoryClock(clock.Now))

	g, err := New("login", store, Policy{MaxAttempts: 3, Window: 15 * time.Minute}, nil)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		g.RecordAttempt(context.Background(), "bob", Attempt{})
	}
	require.True(t, g.IsBlocked(context.Background(), "bob"))

	clock.Advance(16 * time.Minute)

	// A fresh window starts from zero rather than sliding.
	require.False(t, g.IsBlocked(context.Background(), "bob"))
	require.False(t, g.RecordAttempt(context.Background(), "bob", Attempt{}))
}

func TestKeysAreIndependent(t *testing.T) {
	clock := newTestClock()
	store := NewMemoryStore(WithMemoryClock(clock.Now))

	g, err := New("login", store, Policy{MaxAttempts: 2, Window: 15 * time.Minute}, nil)
	require.NoError(t, err)

	g.RecordAttempt(context.Background(), "carol", Attempt{})
	g.RecordAttempt(context.Background(), "carol", Attempt{})

	require.True(t, g.IsBlocked(context.Background(), "carol"))
	require.False(t, g.IsBlocked(context.Background(), "dave"))
}

func TestGuardsShareStoreWithoutCollision(t *testing.T) {
	clock := newTestClock()
	store := NewMemoryStore(WithMemoryClock(clock.Now))

	login, err := New("login", store, Policy{MaxAttempts: 2, Window: 15 * time.Minute}, nil)
	require.NoError(t, err)
	sensitive, err := New("sensitive", store, Policy{MaxAttempts: 2, Window: 15 * time.Minute}, nil)
	require.NoError(t, err)

	login.RecordAttempt(context.Background(), "erin", Attempt{})
	login.RecordAttempt(context.Background(), "erin", Attempt{})

	// Same key, different guard name, separate counter.
	require.True(t, login.IsBlocked(context.Background(), "erin"))
	require.False(t, sensitive.IsBlocked(context.Background(), "erin"))
}

func TestBlockedAttemptEmitsSecurityEvent(t *testing.T) {
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	clock := newTestClock()

	recorder, err := security.NewRecorder(db, security.WithClock(clock.Now))
	require.NoError(t, err)

	store := NewMemoryStore(WithMemoryClock(clock.Now))
	g, err := New("sensitive", store, Policy{MaxAttempts: 1, Window: 15 * time.Minute}, recorder,
		WithSeverity(models.SeverityHigh))
	require.NoError(t, err)

	require.False(t, g.RecordAttempt(context.Background(), "frank", Attempt{IPAddress: "203.0.113.5"}))
	require.True(t, g.RecordAttempt(context.Background(), "frank", Attempt{IPAddress: "203.0.113.5"}))

	var events []models.SecurityEvent
	require.NoError(t, db.Where("event_type = ?", security.EventRateLimitExceeded).Find(&events).Error)
	require.Len(t, events, 1)
	require.Equal(t, models.SeverityHigh, events[0].Severity)
	require.Equal(t, "203.0.113.5", events[0].IPAddress)
}

func TestCheckAttemptReportsExhaustedBudget(t *testing.T) {
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	clock := newTestClock()

	recorder, err := security.NewRecorder(db, security.WithClock(clock.Now))
	require.NoError(t, err)

	store := NewMemoryStore(WithMemoryClock(clock.Now))
	g, err := New("login", store, Policy{MaxAttempts: 2, Window: 15 * time.Minute}, recorder)
	require.NoError(t, err)

	require.False(t, g.CheckAttempt(context.Background(), "heidi", Attempt{}))

	g.RecordAttempt(context.Background(), "heidi", Attempt{})
	g.RecordAttempt(context.Background(), "heidi", Attempt{})

	// The check does not consume budget but every blocked check lands in
	// the event trail, same as a counted block.
	require.True(t, g.CheckAttempt(context.Background(), "heidi", Attempt{IPAddress: "198.51.100.7"}))
	require.True(t, g.CheckAttempt(context.Background(), "heidi", Attempt{IPAddress: "198.51.100.7"}))

	var events []models.SecurityEvent
	require.NoError(t, db.Where("event_type = ?", security.EventRateLimitExceeded).Find(&events).Error)
	require.Len(t, events, 2)
	require.Equal(t, "198.51.100.7", events[0].IPAddress)

	count, _, err := store.Peek(context.Background(), "login:heidi")
	require.NoError(t, err)
	require.Equal(t, int64(2), count)
}

func TestStoreErrorBlocksAttempt(t *testing.T) {
	g, err := New("login", failingStore{}, Policy{MaxAttempts: 1, Window: time.Minute}, nil)
	require.NoError(t, err)

	// An unavailable counter rejects the attempt instead of waving it
	// through; ambiguity resolves toward denial.
	require.True(t, g.RecordAttempt(context.Background(), "grace", Attempt{}))
	require.True(t, g.CheckAttempt(context.Background(), "grace", Attempt{}))
	require.True(t, g.IsBlocked(context.Background(), "grace"))
}

type failingStore struct{}

func (failingStore) IncrementWithTTL(context.Context, string, time.Duration) (int64, time.Duration, error) {
	return 0, 0, context.DeadlineExceeded
}

func (failingStore) Peek(context.Context, string) (int64, time.Duration, error) {
	return 0, 0, context.DeadlineExceeded
}

func (failingStore) PurgeExpired(context.Context) (int64, error) {
	return 0, context.DeadlineExceeded
}
