package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/clavis-auth/clavis/internal/database/testutil"
	"github.com/clavis-auth/clavis/internal/models"
	"github.com/clavis-auth/clavis/internal/security"
)

func newTestSessionService(t *testing.T) (*SessionService, *gorm.DB, *testClock) {
	t.Helper()

	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	clock := newTestClock()

	tokens := newTestTokenService(t, clock)

	recorder, err := security.NewRecorder(db, security.WithClock(clock.Now))
	require.NoError(t, err)

	svc, err := NewSessionService(db, tokens, recorder, SessionConfig{
		RefreshTokenTTL: 24 * time.Hour,
		Clock:           clock.Now,
	})
	require.NoError(t, err)

	return svc, db, clock
}

func createSessionUser(t *testing.T, db *gorm.DB) *models.User {
	t.Helper()

	user := &models.User{
		Username: "session-user",
		Email:    "session-user@example.com",
		Password: "irrelevant",
		IsActive: true,
	}
	require.NoError(t, db.Create(user).Error)
	return user
}

func TestCreateAndValidateSession(t *testing.T) {
	svc, db, _ := newTestSessionService(t)
	user := createSessionUser(t, db)

	pair, session, err := svc.Create(user, SessionMetadata{IPAddress: "198.51.100.4", UserAgent: "cli"})
	require.NoError(t, err)
	require.NotEmpty(t, pair.AccessToken)
	require.NotEmpty(t, pair.RefreshToken)
	require.Equal(t, user.ID, session.UserID)

	validated, err := svc.Validate(context.Background(), session.ID, SessionMetadata{})
	require.NoError(t, err)
	require.Equal(t, session.ID, validated.ID)
	require.NotNil(t, validated.User)
	require.Equal(t, user.ID, validated.User.ID)
}

func TestValidateUnknownSession(t *testing.T) {
	svc, _, _ := newTestSessionService(t)

	_, err := svc.Validate(context.Background(), "no-such-session", SessionMetadata{})
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestValidateRevokedSession(t *testing.T) {
	svc, db, _ := newTestSessionService(t)
	user := createSessionUser(t, db)

	_, session, err := svc.Create(user, SessionMetadata{})
	require.NoError(t, err)

	require.NoError(t, svc.Revoke(session.ID))

	_, err = svc.Validate(context.Background(), session.ID, SessionMetadata{})
	require.ErrorIs(t, err, ErrSessionRevoked)

	// Revoking twice reports not found since the session is already dead.
	require.ErrorIs(t, svc.Revoke(session.ID), ErrSessionNotFound)
}

func TestValidateExpiredSession(t *testing.T) {
	svc, db, clock := newTestSessionService(t)
	user := createSessionUser(t, db)

	_, session, err := svc.Create(user, SessionMetadata{})
	require.NoError(t, err)

	clock.Advance(25 * time.Hour)

	_, err = svc.Validate(context.Background(), session.ID, SessionMetadata{})
	require.ErrorIs(t, err, ErrSessionExpired)
}

func TestValidateDeactivatedPrincipal(t *testing.T) {
	svc, db, _ := newTestSessionService(t)
	user := createSessionUser(t, db)

	_, session, err := svc.Create(user, SessionMetadata{})
	require.NoError(t, err)

	require.NoError(t, db.Model(&models.User{}).Where("id = ?", user.ID).Update("is_active", false).Error)

	_, err = svc.Validate(context.Background(), session.ID, SessionMetadata{})
	require.ErrorIs(t, err, ErrPrincipalInactive)
}

func TestValidateLockedPrincipal(t *testing.T) {
	svc, db, clock := newTestSessionService(t)
	user := createSessionUser(t, db)

	_, session, err := svc.Create(user, SessionMetadata{})
	require.NoError(t, err)

	lockedUntil := clock.Now().Add(time.Hour)
	require.NoError(t, db.Model(&models.User{}).Where("id = ?", user.ID).Update("locked_until", lockedUntil).Error)

	_, err = svc.Validate(context.Background(), session.ID, SessionMetadata{})
	require.ErrorIs(t, err, ErrPrincipalLocked)

	// Lock expiry restores the session without any write.
	clock.Advance(2 * time.Hour)
	_, err = svc.Validate(context.Background(), session.ID, SessionMetadata{})
	require.NoError(t, err)
}

func TestValidateRejectionIsAudited(t *testing.T) {
	svc, db, _ := newTestSessionService(t)
	user := createSessionUser(t, db)

	_, session, err := svc.Create(user, SessionMetadata{})
	require.NoError(t, err)
	require.NoError(t, svc.Revoke(session.ID))

	_, err = svc.Validate(context.Background(), session.ID, SessionMetadata{IPAddress: "198.51.100.9"})
	require.ErrorIs(t, err, ErrSessionRevoked)

	var events []models.SecurityEvent
	require.NoError(t, db.Where("event_type = ?", security.EventSessionRejected).Find(&events).Error)
	require.Len(t, events, 1)
	require.Equal(t, models.SeverityWarning, events[0].Severity)
	require.Equal(t, user.ID, *events[0].ActorID)
}

func TestRefreshRotatesToken(t *testing.T) {
	svc, db, _ := newTestSessionService(t)
	user := createSessionUser(t, db)

	pair, session, err := svc.Create(user, SessionMetadata{})
	require.NoError(t, err)

	rotated, refreshed, err := svc.Refresh(pair.RefreshToken, SessionMetadata{})
	require.NoError(t, err)
	require.Equal(t, session.ID, refreshed.ID)
	require.NotEqual(t, pair.RefreshToken, rotated.RefreshToken)

	// The superseded refresh token no longer resolves.
	_, _, err = svc.Refresh(pair.RefreshToken, SessionMetadata{})
	require.ErrorIs(t, err, ErrSessionNotFound)

	// The rotated token keeps working.
	_, _, err = svc.Refresh(rotated.RefreshToken, SessionMetadata{})
	require.NoError(t, err)
}

func TestRefreshRejectsLockedPrincipal(t *testing.T) {
	svc, db, clock := newTestSessionService(t)
	user := createSessionUser(t, db)

	pair, _, err := svc.Create(user, SessionMetadata{})
	require.NoError(t, err)

	lockedUntil := clock.Now().Add(time.Hour)
	require.NoError(t, db.Model(&models.User{}).Where("id = ?", user.ID).Update("locked_until", lockedUntil).Error)

	_, _, err = svc.Refresh(pair.RefreshToken, SessionMetadata{})
	require.ErrorIs(t, err, ErrPrincipalLocked)
}

func TestRevokeAll(t *testing.T) {
	svc, db, _ := newTestSessionService(t)
	user := createSessionUser(t, db)

	_, first, err := svc.Create(user, SessionMetadata{})
	require.NoError(t, err)
	_, second, err := svc.Create(user, SessionMetadata{})
	require.NoError(t, err)

	require.NoError(t, svc.RevokeAll(user.ID))

	_, err = svc.Validate(context.Background(), first.ID, SessionMetadata{})
	require.ErrorIs(t, err, ErrSessionRevoked)
	_, err = svc.Validate(context.Background(), second.ID, SessionMetadata{})
	require.ErrorIs(t, err, ErrSessionRevoked)
}

func TestListForUser(t *testing.T) {
	svc, db, _ := newTestSessionService(t)
	user := createSessionUser(t, db)

	_, _, err := svc.Create(user, SessionMetadata{IPAddress: "10.0.0.1"})
	require.NoError(t, err)
	_, _, err = svc.Create(user, SessionMetadata{IPAddress: "10.0.0.2"})
	require.NoError(t, err)

	sessions, err := svc.ListForUser(context.Background(), user.ID)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
}

func TestCleanupExpired(t *testing.T) {
	svc, db, clock := newTestSessionService(t)
	user := createSessionUser(t, db)

	_, stale, err := svc.Create(user, SessionMetadata{})
	require.NoError(t, err)
	require.NoError(t, svc.Revoke(stale.ID))

	clock.Advance(25 * time.Hour)

	removed, err := svc.CleanupExpired(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 1, removed)

	var count int64
	require.NoError(t, db.Model(&models.Session{}).Count(&count).Error)
	require.EqualValues(t, 0, count)
}

func TestTouchUpdatesLastUsed(t *testing.T) {
	svc, db, clock := newTestSessionService(t)
	user := createSessionUser(t, db)

	_, session, err := svc.Create(user, SessionMetadata{})
	require.NoError(t, err)

	clock.Advance(10 * time.Minute)
	svc.Touch(context.Background(), session.ID)

	var stored models.Session
	require.NoError(t, db.First(&stored, "id = ?", session.ID).Error)
	require.WithinDuration(t, clock.Now(), stored.LastUsedAt, time.Second)
}
