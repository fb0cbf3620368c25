package guard

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/clavis-auth/clavis/internal/cache"
	"github.com/clavis-auth/clavis/internal/models"
	"github.com/clavis-auth/clavis/internal/security"
	"github.com/clavis-auth/clavis/pkg/logger"
	"github.com/clavis-auth/clavis/pkg/metrics"
)

// Policy fixes the attempt budget for one guard use site.
type Policy struct {
	MaxAttempts int
	Window      time.Duration
}

// Default policies for the standard use sites.
var (
	LoginPolicy     = Policy{MaxAttempts: 5, Window: 15 * time.Minute}
	SensitivePolicy = Policy{MaxAttempts: 3, Window: 15 * time.Minute}
	GeneralPolicy   = Policy{MaxAttempts: 100, Window: 15 * time.Minute}
)

// Attempt carries request context for the security event emitted on a block.
type Attempt struct {
	ActorID   *string
	IPAddress string
	UserAgent string
}

// Guard counts attempts per key within a fixed window and blocks once the
// budget is exhausted. The window resets entirely when it elapses; this is
// not a sliding window. Counting goes through an atomic increment on the
// backing store, never a read-then-write, so concurrent attempts against the
// same key cannot slip past the threshold.
//
// A counter-store failure blocks the attempt. Ambiguity is treated as
// rejection here, same as in session validation; an attacker must not be
// able to convert store pressure into unlimited attempts.
type Guard struct {
	name     string
	store    cache.Store
	policy   Policy
	severity models.Severity
	recorder *security.Recorder
	log      *zap.Logger
}

// Option customises a Guard.
type Option func(*Guard)

// WithSeverity sets the severity of the security event emitted when the
// guard blocks an attempt. Sensitive-operation guards report HIGH; the
// default is WARNING.
func WithSeverity(severity models.Severity) Option {
	return func(g *Guard) {
		if severity != "" {
			g.severity = severity
		}
	}
}

// New constructs a guard over the supplied counter store.
func New(name string, store cache.Store, policy Policy, recorder *security.Recorder, opts ...Option) (*Guard, error) {
	if strings.TrimSpace(name) == "" {
		return nil, errors.New("guard: name is required")
	}
	if store == nil {
		return nil, errors.New("guard: counter store is required")
	}
	if policy.MaxAttempts <= 0 || policy.Window <= 0 {
		return nil, errors.New("guard: policy requires positive max attempts and window")
	}

	g := &Guard{
		name:     name,
		store:    store,
		policy:   policy,
		severity: models.SeverityWarning,
		recorder: recorder,
		log:      logger.WithModule("guard"),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// RecordAttempt counts one attempt against key and reports whether the
// attempt is blocked. Attempts up to MaxAttempts pass; every attempt beyond
// the budget inside the window is blocked and reported as a security event.
func (g *Guard) RecordAttempt(ctx context.Context, key string, attempt Attempt) bool {
	if ctx == nil {
		ctx = context.Background()
	}

	count, _, err := g.store.IncrementWithTTL(ctx, g.key(key), g.policy.Window)
	if err != nil {
		g.log.Warn("attempt counter unavailable, rejecting attempt",
			zap.String("guard", g.name),
			zap.Error(err),
		)
		return true
	}

	if count <= int64(g.policy.MaxAttempts) {
		return false
	}

	g.reportBlock(ctx, key, attempt, count)
	return true
}

// CheckAttempt reports whether key has already exhausted its attempt budget
// in the current window, without consuming an attempt. A blocked attempt is
// reported as a security event exactly like a counted block, so rejections
// from pre-credential checks still land in the audit trail.
func (g *Guard) CheckAttempt(ctx context.Context, key string, attempt Attempt) bool {
	if ctx == nil {
		ctx = context.Background()
	}

	count, _, err := g.store.Peek(ctx, g.key(key))
	if err != nil {
		g.log.Warn("attempt counter unavailable, rejecting attempt",
			zap.String("guard", g.name),
			zap.Error(err),
		)
		return true
	}

	if count < int64(g.policy.MaxAttempts) {
		return false
	}

	g.reportBlock(ctx, key, attempt, count)
	return true
}

// IsBlocked reports whether key has already exhausted its attempt budget in
// the current window, without consuming an attempt or emitting an event.
func (g *Guard) IsBlocked(ctx context.Context, key string) bool {
	if ctx == nil {
		ctx = context.Background()
	}

	count, _, err := g.store.Peek(ctx, g.key(key))
	if err != nil {
		g.log.Warn("attempt counter unavailable, rejecting attempt",
			zap.String("guard", g.name),
			zap.Error(err),
		)
		return true
	}

	return count >= int64(g.policy.MaxAttempts)
}

func (g *Guard) reportBlock(ctx context.Context, key string, attempt Attempt, count int64) {
	metrics.LockoutTrips.WithLabelValues(g.name).Inc()

	if g.recorder == nil {
		return
	}
	g.recorder.Record(ctx, security.Event{
		Type:        security.EventRateLimitExceeded,
		Severity:    g.severity,
		Description: "attempt threshold exceeded",
		ActorID:     attempt.ActorID,
		IPAddress:   attempt.IPAddress,
		UserAgent:   attempt.UserAgent,
		Metadata: map[string]any{
			"guard":        g.name,
			"key":          key,
			"count":        count,
			"max_attempts": g.policy.MaxAttempts,
			"window":       g.policy.Window.String(),
		},
	})
}

// Policy returns the guard's configured budget.
func (g *Guard) Policy() Policy {
	return g.policy
}

func (g *Guard) key(key string) string {
	return g.name + ":" + key
}
