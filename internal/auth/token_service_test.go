package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
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

func newTestTokenService(t *testing.T, clock *testClock) *TokenService {
	t.Helper()

	svc, err := NewTokenService(TokenConfig{
		Secret:         "test-signing-secret",
		Issuer:         "clavis-test",
		AccessTokenTTL: time.Hour,
		Clock:          clock.Now,
	})
	require.NoError(t, err)
	return svc
}

func TestIssueAndVerify(t *testing.T) {
	clock := newTestClock()
	svc := newTestTokenService(t, clock)

	token, err := svc.Issue(AccessTokenInput{
		UserID:    "user-1",
		SessionID: "session-1",
		Email:     "user@example.com",
	})
	require.NoError(t, err)
	require.NotEmpty(t, token)

	claims, err := svc.Verify(token)
	require.NoError(t, err)
	require.Equal(t, "user-1", claims.UserID)
	require.Equal(t, "session-1", claims.SessionID)
	require.Equal(t, "user@example.com", claims.Email)
	require.Equal(t, "clavis-test", claims.Issuer)
}

func TestVerifyExpiredToken(t *testing.T) {
	clock := newTestClock()
	svc := newTestTokenService(t, clock)

	token, err := svc.Issue(AccessTokenInput{UserID: "user-1", SessionID: "session-1"})
	require.NoError(t, err)

	clock.Advance(2 * time.Hour)

	_, err = svc.Verify(token)
	require.ErrorIs(t, err, ErrTokenExpired)
}

func TestVerifyTamperedToken(t *testing.T) {
	clock := newTestClock()
	svc := newTestTokenService(t, clock)

	other, err := NewTokenService(TokenConfig{
		Secret: "a-different-secret",
		Issuer: "clavis-test",
		Clock:  clock.Now,
	})
	require.NoError(t, err)

	token, err := other.Issue(AccessTokenInput{UserID: "user-1"})
	require.NoError(t, err)

	_, err = svc.Verify(token)
	require.ErrorIs(t, err, ErrTokenSignatureInvalid)
}

func TestVerifyMalformedToken(t *testing.T) {
	clock := newTestClock()
	svc := newTestTokenService(t, clock)

	_, err := svc.Verify("not-a-jwt")
	require.ErrorIs(t, err, ErrTokenMalformed)

	_, err = svc.Verify("")
	require.ErrorIs(t, err, ErrTokenMalformed)
}

func TestVerifyWithRetiredSecret(t *testing.T) {
	clock := newTestClock()

	oldSvc, err := NewTokenService(TokenConfig{
		Secret: "old-secret",
		Issuer: "clavis-test",
		Clock:  clock.Now,
	})
	require.NoError(t, err)

	token, err := oldSvc.Issue(AccessTokenInput{UserID: "user-1", SessionID: "session-1"})
	require.NoError(t, err)

	// After rotation the old key still verifies but no longer signs.
	rotated, err := NewTokenService(TokenConfig{
		Secret:         "new-secret",
		RetiredSecrets: []string{"old-secret"},
		Issuer:         "clavis-test",
		Clock:          clock.Now,
	})
	require.NoError(t, err)

	claims, err := rotated.Verify(token)
	require.NoError(t, err)
	require.Equal(t, "user-1", claims.UserID)

	fresh, err := rotated.Issue(AccessTokenInput{UserID: "user-2"})
	require.NoError(t, err)
	_, err = oldSvc.Verify(fresh)
	require.ErrorIs(t, err, ErrTokenSignatureInvalid)
}

func TestVerifyWrongIssuer(t *testing.T) {
	clock := newTestClock()

	issuerA, err := NewTokenService(TokenConfig{
		Secret: "shared-secret",
		Issuer: "service-a",
		Clock:  clock.Now,
	})
	require.NoError(t, err)

	issuerB, err := NewTokenService(TokenConfig{
		Secret: "shared-secret",
		Issuer: "service-b",
		Clock:  clock.Now,
	})
	require.NoError(t, err)

	token, err := issuerA.Issue(AccessTokenInput{UserID: "user-1"})
	require.NoError(t, err)

	_, err = issuerB.Verify(token)
	require.Error(t, err)
}

func TestNewTokenServiceRequiresSecret(t *testing.T) {
	_, err := NewTokenService(TokenConfig{})
	require.Error(t, err)
}
