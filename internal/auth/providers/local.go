package providers

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/clavis-auth/clavis/internal/guard"
	"github.com/clavis-auth/clavis/internal/models"
	"github.com/clavis-auth/clavis/internal/security"
	"github.com/clavis-auth/clavis/pkg/crypto"
	"github.com/clavis-auth/clavis/pkg/metrics"
)

var (
	// ErrInvalidCredentials is returned when the supplied identity/password pair is invalid.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	// ErrAccountLocked signals that the user has exceeded the permitted failed attempts.
	ErrAccountLocked = errors.New("auth: account locked")
	// ErrAccountDisabled signals that the user has been deactivated.
	ErrAccountDisabled = errors.New("auth: account disabled")
	// ErrTooManyAttempts signals that the login guard has blocked further attempts.
	ErrTooManyAttempts = errors.New("auth: too many attempts")
)

// LocalConfig defines tunable behaviour for the local provider.
type LocalConfig struct {
	LockoutThreshold int
	LockoutDuration  time.Duration
	Clock            func() time.Time
}

// AuthenticateInput contains metadata required to authenticate a local user.
type AuthenticateInput struct {
	Identifier string
	Password   string
	IPAddress  string
	UserAgent  string
}

// RegisterInput captures the details required to register a new local user.
type RegisterInput struct {
	Username   string
	Email      string
	Password   string
	LegacyRole string
}

// LocalProvider implements username/password authentication.
//
// Two layers protect against credential guessing. The login guard counts
// attempts per identifier within a window and blocks before any credential
// check runs. Independently, repeated failures against an existing account
// lock that account for the lockout duration; the lock is persisted on the
// user row so it survives restarts and is honoured by session validation.
type LocalProvider struct {
	db        *gorm.DB
	guard     *guard.Guard
	recorder  *security.Recorder
	clock     func() time.Time
	threshold int
	duration  time.Duration
}

// NewLocalProvider builds a provider with sane defaults. The guard is
// optional; without one only the persistent account lockout applies.
func NewLocalProvider(db *gorm.DB, loginGuard *guard.Guard, recorder *security.Recorder, cfg LocalConfig) (*LocalProvider, error) {
	if db == nil {
		return nil, errors.New("local provider: db is required")
	}

	threshold := cfg.LockoutThreshold
	if threshold <= 0 {
		threshold = 5
	}

	duration := cfg.LockoutDuration
	if duration <= 0 {
		duration = 15 * time.Minute
	}

	clock := time.Now
	if cfg.Clock != nil {
		clock = cfg.Clock
	}

	return &LocalProvider{
		db:        db,
		guard:     loginGuard,
		recorder:  recorder,
		clock:     clock,
		threshold: threshold,
		duration:  duration,
	}, nil
}

// Authenticate verifies the supplied credentials and returns the associated
// user when successful. Callers must still check the user's MFAEnabled flag
// and complete second-factor verification before establishing a session.
func (p *LocalProvider) Authenticate(ctx context.Context, input AuthenticateInput) (*models.User, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	identity := strings.ToLower(strings.TrimSpace(input.Identifier))
	if identity == "" || input.Password == "" {
		return nil, ErrInvalidCredentials
	}

	if p.guard != nil && p.guard.CheckAttempt(ctx, identity, guard.Attempt{
		IPAddress: input.IPAddress,
		UserAgent: input.UserAgent,
	}) {
		metrics.AuthAttempts.WithLabelValues("blocked").Inc()
		return nil, ErrTooManyAttempts
	}

	var user models.User
	err := p.db.WithContext(ctx).
		Where("LOWER(username) = ? OR LOWER(email) = ?", identity, identity).
		Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		// Unknown identifiers still consume an attempt so enumeration
		// probes hit the guard like any other failure.
		p.noteFailure(ctx, identity, nil, input, "unknown identifier")
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("local provider: query user: %w", err)
	}

	now := p.clock()

	if !user.IsActive {
		p.noteFailure(ctx, identity, &user.ID, input, "account disabled")
		return nil, ErrAccountDisabled
	}

	if user.Locked(now) {
		p.noteFailure(ctx, identity, &user.ID, input, "account locked")
		return nil, ErrAccountLocked
	}

	// Clear an elapsed lock before evaluating the password.
	if user.LockedUntil != nil && !user.LockedUntil.After(now) {
		user.LockedUntil = nil
		user.FailedAttempts = 0
		if err := p.db.WithContext(ctx).Model(&user).Updates(map[string]any{
			"locked_until":    nil,
			"failed_attempts": 0,
		}).Error; err != nil {
			return nil, fmt.Errorf("local provider: reset lock state: %w", err)
		}
	}

	if !crypto.VerifyPassword(user.Password, input.Password) {
		return nil, p.handleFailedPassword(ctx, identity, &user, input, now)
	}

	updates := map[string]any{
		"failed_attempts": 0,
		"locked_until":    nil,
		"last_login_at":   now,
		"last_login_ip":   strings.TrimSpace(input.IPAddress),
	}
	if err := p.db.WithContext(ctx).Model(&user).Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("local provider: update user: %w", err)
	}

	user.FailedAttempts = 0
	user.LockedUntil = nil
	user.LastLoginAt = &now
	user.LastLoginIP = strings.TrimSpace(input.IPAddress)

	metrics.AuthAttempts.WithLabelValues("success").Inc()

	if p.recorder != nil {
		p.recorder.Record(ctx, security.Event{
			Type:        security.EventLoginSucceeded,
			Severity:    models.SeverityInfo,
			Description: "login succeeded",
			ActorID:     &user.ID,
			IPAddress:   input.IPAddress,
			UserAgent:   input.UserAgent,
		})
	}

	return &user, nil
}

func (p *LocalProvider) handleFailedPassword(ctx context.Context, identity string, user *models.User, input AuthenticateInput, now time.Time) error {
	user.FailedAttempts++

	updates := map[string]any{
		"failed_attempts": user.FailedAttempts,
	}

	locked := false
	if user.FailedAttempts >= p.threshold {
		lockUntil := now.Add(p.duration)
		user.LockedUntil = &lockUntil
		updates["locked_until"] = lockUntil
		locked = true
	}

	if err := p.db.WithContext(ctx).Model(user).Updates(updates).Error; err != nil {
		return fmt.Errorf("local provider: update failed attempts: %w", err)
	}

	p.noteFailure(ctx, identity, &user.ID, input, "password rejected")

	if locked {
		if p.recorder != nil {
			p.recorder.Record(ctx, security.Event{
				Type:        security.EventAccountLocked,
				Severity:    models.SeverityHigh,
				Description: "account locked after repeated failures",
				ActorID:     &user.ID,
				IPAddress:   input.IPAddress,
				UserAgent:   input.UserAgent,
				Metadata: map[string]any{
					"failed_attempts": user.FailedAttempts,
					"locked_until":    user.LockedUntil.UTC().Format(time.RFC3339),
				},
			})
		}
		return ErrAccountLocked
	}

	return ErrInvalidCredentials
}

func (p *LocalProvider) noteFailure(ctx context.Context, identity string, userID *string, input AuthenticateInput, reason string) {
	metrics.AuthAttempts.WithLabelValues("failure").Inc()

	if p.guard != nil {
		p.guard.RecordAttempt(ctx, identity, guard.Attempt{
			ActorID:   userID,
			IPAddress: input.IPAddress,
			UserAgent: input.UserAgent,
		})
	}

	if p.recorder != nil {
		p.recorder.Record(ctx, security.Event{
			Type:        security.EventLoginFailed,
			Severity:    models.SeverityWarning,
			Description: reason,
			ActorID:     userID,
			IPAddress:   input.IPAddress,
			UserAgent:   input.UserAgent,
			Metadata: map[string]any{
				"identifier": identity,
			},
		})
	}
}

// Register creates a new local user with a hashed password.
func (p *LocalProvider) Register(ctx context.Context, input RegisterInput) (*models.User, error) {
	if strings.TrimSpace(input.Username) == "" || strings.TrimSpace(input.Email) == "" || input.Password == "" {
		return nil, errors.New("local provider: username, email and password are required")
	}

	hashed, err := crypto.HashPassword(input.Password)
	if err != nil {
		return nil, fmt.Errorf("local provider: hash password: %w", err)
	}

	user := &models.User{
		Username:   strings.TrimSpace(input.Username),
		Email:      strings.ToLower(strings.TrimSpace(input.Email)),
		Password:   hashed,
		LegacyRole: strings.TrimSpace(input.LegacyRole),
		IsActive:   true,
	}

	if err := p.db.WithContext(ctx).Create(user).Error; err != nil {
		return nil, fmt.Errorf("local provider: create user: %w", err)
	}

	return user, nil
}

// ChangePassword updates a user's password after verifying the existing
// credential. Callers should revoke the user's other sessions afterwards.
func (p *LocalProvider) ChangePassword(ctx context.Context, userID, currentPassword, newPassword string) error {
	if strings.TrimSpace(userID) == "" || newPassword == "" {
		return errors.New("local provider: user id and new password are required")
	}

	var user models.User
	if err := p.db.WithContext(ctx).Take(&user, "id = ?", userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrInvalidCredentials
		}
		return fmt.Errorf("local provider: find user: %w", err)
	}

	if !crypto.VerifyPassword(user.Password, currentPassword) {
		return ErrInvalidCredentials
	}

	hashed, err := crypto.HashPassword(newPassword)
	if err != nil {
		return fmt.Errorf("local provider: hash password: %w", err)
	}

	if err := p.db.WithContext(ctx).Model(&user).Update("password", hashed).Error; err != nil {
		return fmt.Errorf("local provider: update password: %w", err)
	}

	return nil
}
