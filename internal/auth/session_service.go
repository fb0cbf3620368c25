package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/clavis-auth/clavis/internal/models"
	"github.com/clavis-auth/clavis/internal/security"
	"github.com/clavis-auth/clavis/pkg/crypto"
	"github.com/clavis-auth/clavis/pkg/metrics"
)

// DefaultRefreshTokenTTL is the fallback refresh token lifetime.
const DefaultRefreshTokenTTL = 30 * 24 * time.Hour

// SessionConfig describes tunable behaviour for the SessionService.
type SessionConfig struct {
	RefreshTokenTTL time.Duration
	RefreshLength   int
	Clock           func() time.Time
}

// SessionMetadata captures contextual information about the client.
type SessionMetadata struct {
	IPAddress string
	UserAgent string
}

// TokenPair represents an access token and refresh token pair.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
}

var (
	// ErrSessionNotFound indicates that no session matches the provided token or identifier.
	ErrSessionNotFound = errors.New("session: not found")
	// ErrSessionRevoked marks a session that has been revoked by the user or administrators.
	ErrSessionRevoked = errors.New("session: revoked")
	// ErrSessionExpired signals that the session has reached its expiry.
	ErrSessionExpired = errors.New("session: expired")
	// ErrSessionInvalidToken is returned when the supplied token is malformed.
	ErrSessionInvalidToken = errors.New("session: invalid token")
	// ErrPrincipalInactive rejects sessions whose owner has been deactivated.
	ErrPrincipalInactive = errors.New("session: principal deactivated")
	// ErrPrincipalLocked rejects sessions whose owner is currently locked out.
	ErrPrincipalLocked = errors.New("session: principal locked")
)

// SessionService manages creation, validation, rotation, and revocation of
// user sessions. One session backs one issued refresh token; access tokens
// reference the session by ID.
type SessionService struct {
	db         *gorm.DB
	tokens     *TokenService
	recorder   *security.Recorder
	refreshTTL time.Duration
	tokenLen   int
	now        func() time.Time
}

// NewSessionService constructs a session manager backed by the provided database and token service.
func NewSessionService(db *gorm.DB, tokens *TokenService, recorder *security.Recorder, cfg SessionConfig) (*SessionService, error) {
	if db == nil {
		return nil, errors.New("session service: db is required")
	}
	if tokens == nil {
		return nil, errors.New("session service: token service is required")
	}
	if recorder == nil {
		return nil, errors.New("session service: security recorder is required")
	}

	ttl := cfg.RefreshTokenTTL
	if ttl <= 0 {
		ttl = DefaultRefreshTokenTTL
	}

	length := cfg.RefreshLength
	if length <= 0 {
		length = 48
	}

	clock := time.Now
	if cfg.Clock != nil {
		clock = cfg.Clock
	}

	return &SessionService{
		db:         db,
		tokens:     tokens,
		recorder:   recorder,
		refreshTTL: ttl,
		tokenLen:   length,
		now:        clock,
	}, nil
}

// Create generates a new session and issues a fresh token pair.
func (s *SessionService) Create(user *models.User, meta SessionMetadata) (TokenPair, *models.Session, error) {
	if user == nil || strings.TrimSpace(user.ID) == "" {
		return TokenPair{}, nil, errors.New("session service: user is required")
	}

	refreshToken, err := crypto.GenerateToken(s.tokenLen)
	if err != nil {
		return TokenPair{}, nil, fmt.Errorf("session service: generate refresh token: %w", err)
	}

	now := s.now()

	session := &models.Session{
		UserID:       user.ID,
		RefreshToken: refreshToken,
		IPAddress:    strings.TrimSpace(meta.IPAddress),
		UserAgent:    strings.TrimSpace(meta.UserAgent),
		ExpiresAt:    now.Add(s.refreshTTL),
		LastUsedAt:   now,
	}

	if err := s.db.Create(session).Error; err != nil {
		return TokenPair{}, nil, fmt.Errorf("session service: create session: %w", err)
	}

	metrics.ActiveSessions.Inc()

	accessToken, err := s.tokens.Issue(AccessTokenInput{
		UserID:    user.ID,
		SessionID: session.ID,
		Email:     user.Email,
	})
	if err != nil {
		return TokenPair{}, nil, fmt.Errorf("session service: issue access token: %w", err)
	}

	return TokenPair{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
	}, session, nil
}

// Validate confirms that the session identified by the verified access token
// is still fit to authenticate a request. Checks run in a fixed order and the
// first failure wins: session exists and is not revoked, session not expired,
// owning principal active, principal not locked. Every rejection is reported
// to the security recorder with its reason. A store failure is a rejection,
// never a pass.
func (s *SessionService) Validate(ctx context.Context, sessionID string, meta SessionMetadata) (*models.Session, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if strings.TrimSpace(sessionID) == "" {
		return nil, ErrSessionInvalidToken
	}

	var session models.Session
	err := s.db.WithContext(ctx).Take(&session, "id = ?", sessionID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		s.reportRejection(ctx, nil, sessionID, meta, "not_found")
		return nil, ErrSessionNotFound
	}
	if err != nil {
		s.reportRejection(ctx, nil, sessionID, meta, "store_error")
		return nil, ErrSessionNotFound
	}

	now := s.now()

	if session.RevokedAt != nil {
		s.reportRejection(ctx, &session.UserID, sessionID, meta, "revoked")
		return nil, ErrSessionRevoked
	}

	if !session.ExpiresAt.After(now) {
		s.reportRejection(ctx, &session.UserID, sessionID, meta, "expired")
		return nil, ErrSessionExpired
	}

	var user models.User
	if err := s.db.WithContext(ctx).Take(&user, "id = ?", session.UserID).Error; err != nil {
		s.reportRejection(ctx, &session.UserID, sessionID, meta, "store_error")
		return nil, ErrSessionNotFound
	}

	if !user.IsActive {
		s.reportRejection(ctx, &session.UserID, sessionID, meta, "principal_inactive")
		return nil, ErrPrincipalInactive
	}

	if user.Locked(now) {
		s.reportRejection(ctx, &session.UserID, sessionID, meta, "principal_locked")
		return nil, ErrPrincipalLocked
	}

	session.User = &user
	return &session, nil
}

// Touch updates the session's last activity timestamp. The write is advisory
// telemetry: failures are ignored and concurrent lost updates are acceptable.
func (s *SessionService) Touch(ctx context.Context, sessionID string) {
	if ctx == nil {
		ctx = context.Background()
	}
	if strings.TrimSpace(sessionID) == "" {
		return
	}

	_ = s.db.WithContext(ctx).
		Model(&models.Session{}).
		Where("id = ?", sessionID).
		Update("last_used_at", s.now()).Error
}

// Refresh rotates the refresh token and issues a new access token. The old
// refresh token is superseded in place; its session row continues to back the
// rotated credential.
func (s *SessionService) Refresh(refreshToken string, meta SessionMetadata) (TokenPair, *models.Session, error) {
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return TokenPair{}, nil, ErrSessionInvalidToken
	}

	var session models.Session
	err := s.db.Where("refresh_token = ?", refreshToken).Take(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return TokenPair{}, nil, ErrSessionNotFound
	}
	if err != nil {
		return TokenPair{}, nil, fmt.Errorf("session service: find session: %w", err)
	}

	now := s.now()

	if session.RevokedAt != nil {
		return TokenPair{}, nil, ErrSessionRevoked
	}

	if session.ExpiresAt.Before(now) {
		return TokenPair{}, nil, ErrSessionExpired
	}

	var user models.User
	if err := s.db.Take(&user, "id = ?", session.UserID).Error; err != nil {
		return TokenPair{}, nil, ErrSessionNotFound
	}
	if !user.IsActive {
		return TokenPair{}, nil, ErrPrincipalInactive
	}
	if user.Locked(now) {
		return TokenPair{}, nil, ErrPrincipalLocked
	}

	newRefresh, err := crypto.GenerateToken(s.tokenLen)
	if err != nil {
		return TokenPair{}, nil, fmt.Errorf("session service: generate refresh token: %w", err)
	}

	expiresAt := now.Add(s.refreshTTL)
	updates := map[string]any{
		"refresh_token": newRefresh,
		"expires_at":    expiresAt,
		"last_used_at":  now,
	}

	if err := s.db.Model(&session).Updates(updates).Error; err != nil {
		return TokenPair{}, nil, fmt.Errorf("session service: update session: %w", err)
	}

	session.RefreshToken = newRefresh
	session.ExpiresAt = expiresAt
	session.LastUsedAt = now

	accessToken, err := s.tokens.Issue(AccessTokenInput{
		UserID:    session.UserID,
		SessionID: session.ID,
		Email:     user.Email,
	})
	if err != nil {
		return TokenPair{}, nil, fmt.Errorf("session service: issue access token: %w", err)
	}

	return TokenPair{
		AccessToken:  accessToken,
		RefreshToken: newRefresh,
	}, &session, nil
}

// Revoke marks a session as revoked, preventing further use.
func (s *SessionService) Revoke(sessionID string) error {
	if strings.TrimSpace(sessionID) == "" {
		return ErrSessionInvalidToken
	}

	now := s.now()

	result := s.db.Model(&models.Session{}).
		Where("id = ? AND revoked_at IS NULL", sessionID).
		Update("revoked_at", now)

	if result.Error != nil {
		return fmt.Errorf("session service: revoke session: %w", result.Error)
	}

	if result.RowsAffected == 0 {
		return ErrSessionNotFound
	}

	metrics.ActiveSessions.Sub(float64(result.RowsAffected))

	return nil
}

// RevokeAll revokes every active session belonging to a user. Used for global
// logout, for example after a password change.
func (s *SessionService) RevokeAll(userID string) error {
	if strings.TrimSpace(userID) == "" {
		return ErrSessionInvalidToken
	}

	result := s.db.Model(&models.Session{}).
		Where("user_id = ? AND revoked_at IS NULL", userID).
		Update("revoked_at", s.now())
	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected > 0 {
		metrics.ActiveSessions.Sub(float64(result.RowsAffected))
	}

	return nil
}

// ListForUser returns the user's sessions, newest first.
func (s *SessionService) ListForUser(ctx context.Context, userID string) ([]models.Session, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	var sessions []models.Session
	if err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Find(&sessions).Error; err != nil {
		return nil, fmt.Errorf("session service: list sessions: %w", err)
	}
	return sessions, nil
}

// CleanupExpired removes expired and revoked sessions. Expiry is checked at
// read time regardless, so the sweep only reclaims storage.
func (s *SessionService) CleanupExpired(ctx context.Context) (int64, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	now := s.now()

	var activeExpired int64
	if err := s.db.WithContext(ctx).
		Model(&models.Session{}).
		Where("expires_at < ? AND revoked_at IS NULL", now).
		Count(&activeExpired).Error; err != nil {
		return 0, fmt.Errorf("session service: count expired sessions: %w", err)
	}

	result := s.db.WithContext(ctx).
		Where("expires_at < ?", now).
		Or("revoked_at IS NOT NULL").
		Delete(&models.Session{})
	if result.Error != nil {
		return 0, fmt.Errorf("session service: cleanup expired sessions: %w", result.Error)
	}

	if activeExpired > 0 {
		metrics.ActiveSessions.Sub(float64(activeExpired))
	}

	return result.RowsAffected, nil
}

func (s *SessionService) reportRejection(ctx context.Context, userID *string, sessionID string, meta SessionMetadata, reason string) {
	s.recorder.Record(ctx, security.Event{
		Type:        security.EventSessionRejected,
		Severity:    models.SeverityWarning,
		Description: "session validation rejected",
		ActorID:     userID,
		IPAddress:   meta.IPAddress,
		UserAgent:   meta.UserAgent,
		Metadata: map[string]any{
			"session_id": sessionID,
			"reason":     reason,
		},
	})
}
