package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/clavis-auth/clavis/internal/api"
	iauth "github.com/clavis-auth/clavis/internal/auth"
	"github.com/clavis-auth/clavis/internal/auth/mfa"
	"github.com/clavis-auth/clavis/internal/auth/providers"
	"github.com/clavis-auth/clavis/internal/database/testutil"
	"github.com/clavis-auth/clavis/internal/guard"
	"github.com/clavis-auth/clavis/internal/rbac"
	"github.com/clavis-auth/clavis/internal/security"
)

func init() {
	gin.SetMode(gin.TestMode)
}

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

type apiFixture struct {
	router   *gin.Engine
	db       *gorm.DB
	provider *providers.LocalProvider
	clock    *testClock
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	db := testutil.MustOpenTestDB(t, testutil.WithSeedData())
	clock := newTestClock()

	recorder, err := security.NewRecorder(db, security.WithClock(clock.Now))
	require.NoError(t, err)

	tokens, err := iauth.NewTokenService(iauth.TokenConfig{
		Secret: "router-test-secret",
		Issuer: "clavis-test",
		Clock:  clock.Now,
	})
	require.NoError(t, err)

	sessions, err := iauth.NewSessionService(db, tokens, recorder, iauth.SessionConfig{
		Clock: clock.Now,
	})
	require.NoError(t, err)

	store := guard.NewMemoryStore(guard.WithMemoryClock(clock.Now))

	loginGuard, err := guard.New("login", store, guard.LoginPolicy, recorder)
	require.NoError(t, err)
	generalGuard, err := guard.New("general", store, guard.GeneralPolicy, recorder)
	require.NoError(t, err)
	sensitiveGuard, err := guard.New("sensitive", store, guard.SensitivePolicy, recorder)
	require.NoError(t, err)

	provider, err := providers.NewLocalProvider(db, loginGuard, recorder, providers.LocalConfig{
		Clock: clock.Now,
	})
	require.NoError(t, err)

	mfaService, err := mfa.NewService(db, recorder, mfa.Config{
		EncryptionKey: bytes.Repeat([]byte{0x42}, 32),
		Clock:         clock.Now,
	})
	require.NoError(t, err)

	engine, err := rbac.NewEngine(db, recorder, rbac.WithClock(clock.Now))
	require.NoError(t, err)

	router, err := api.NewRouter(api.Dependencies{
		Tokens:         tokens,
		Sessions:       sessions,
		Provider:       provider,
		MFA:            mfaService,
		Engine:         engine,
		Recorder:       recorder,
		GeneralGuard:   generalGuard,
		SensitiveGuard: sensitiveGuard,
		HealthEnabled:  true,
	})
	require.NoError(t, err)

	return &apiFixture{
		router:   router,
		db:       db,
		provider: provider,
		clock:    clock,
	}
}

func (f *apiFixture) register(t *testing.T, username, password, legacyRole string) {
	t.Helper()

	_, err := f.provider.Register(context.Background(), providers.RegisterInput{
		Username:   username,
		Email:      username + "@example.com",
		Password:   password,
		LegacyRole: legacyRole,
	})
	require.NoError(t, err)
}

func (f *apiFixture) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	return f.doWithHeaders(t, method, path, token, nil, body)
}

func (f *apiFixture) doWithHeaders(t *testing.T, method, path, token string, headers map[string]string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var payload *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		payload = bytes.NewReader(raw)
	} else {
		payload = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, payload)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for name, value := range headers {
		req.Header.Set(name, value)
	}

	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func (f *apiFixture) login(t *testing.T, identifier, password string) (string, string) {
	t.Helper()

	rec := f.do(t, http.MethodPost, "/api/v1/auth/login", "", gin.H{
		"identifier": identifier,
		"password":   password,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var body struct {
		Data struct {
			AccessToken  string `json:"access_token"`
			RefreshToken string `json:"refresh_token"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.NotEmpty(t, body.Data.AccessToken)
	require.NotEmpty(t, body.Data.RefreshToken)
	return body.Data.AccessToken, body.Data.RefreshToken
}

func TestHealthz(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestLoginAndMe(t *testing.T) {
	f := newAPIFixture(t)
	f.register(t, "alice", "correct-horse-battery", "")

	access, _ := f.login(t, "alice", "correct-horse-battery")

	rec := f.do(t, http.MethodGet, "/api/v1/auth/me", access, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"username":"alice"`)
}

func TestLoginRejectsBadPassword(t *testing.T) {
	f := newAPIFixture(t)
	f.register(t, "bob", "correct-horse-battery", "")

	rec := f.do(t, http.MethodPost, "/api/v1/auth/login", "", gin.H{
		"identifier": "bob",
		"password":   "wrong",
	})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Contains(t, rec.Body.String(), `"success":false`)
}

func TestProtectedRouteRequiresToken(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodGet, "/api/v1/auth/me", "", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/auth/me", "garbage-token", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRefreshRotation(t *testing.T) {
	f := newAPIFixture(t)
	f.register(t, "carol", "correct-horse-battery", "")

	_, refresh := f.login(t, "carol", "correct-horse-battery")

	rec := f.do(t, http.MethodPost, "/api/v1/auth/refresh", "", gin.H{"refresh_token": refresh})
	require.Equal(t, http.StatusOK, rec.Code)

	// The superseded token is rejected on reuse.
	rec = f.do(t, http.MethodPost, "/api/v1/auth/refresh", "", gin.H{"refresh_token": refresh})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestLogoutInvalidatesSession(t *testing.T) {
	f := newAPIFixture(t)
	f.register(t, "dave", "correct-horse-battery", "")

	access, _ := f.login(t, "dave", "correct-horse-battery")

	rec := f.do(t, http.MethodPost, "/api/v1/auth/logout", access, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/auth/me", access, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRoleRoutesEnforcePermissions(t *testing.T) {
	f := newAPIFixture(t)
	f.register(t, "admin-user", "correct-horse-battery", "admin")
	f.register(t, "plain-user", "correct-horse-battery", "user")

	adminToken, _ := f.login(t, "admin-user", "correct-horse-battery")
	plainToken, _ := f.login(t, "plain-user", "correct-horse-battery")

	rec := f.do(t, http.MethodGet, "/api/v1/roles/export", plainToken, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/roles/export", adminToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"viewer"`)
}

func (f *apiFixture) enroll(t *testing.T, token string) string {
	t.Helper()

	rec := f.do(t, http.MethodPost, "/api/v1/mfa/enroll", token, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var body struct {
		Data struct {
			Secret string `json:"secret"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.NotEmpty(t, body.Data.Secret)
	return body.Data.Secret
}

func (f *apiFixture) totpCode(t *testing.T, secret string) string {
	t.Helper()

	code, err := totp.GenerateCode(secret, f.clock.Now())
	require.NoError(t, err)
	return code
}

func TestSensitiveRoutesDemandSecondFactorHeader(t *testing.T) {
	f := newAPIFixture(t)
	f.register(t, "frida", "correct-horse-battery", "")

	access, _ := f.login(t, "frida", "correct-horse-battery")

	secret := f.enroll(t, access)
	rec := f.do(t, http.MethodPost, "/api/v1/mfa/confirm", access, gin.H{
		"code": f.totpCode(t, secret),
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// Enroll and confirm consumed sensitive-guard budget; start a fresh
	// window so the three password attempts below stay inside it.
	f.clock.Advance(16 * time.Minute)

	// Without the code header the gated operation is refused with a hint
	// to re-prompt; with it the same request goes through.
	rec = f.do(t, http.MethodPost, "/api/v1/auth/password", access, gin.H{
		"current_password": "correct-horse-battery",
		"new_password":     "battery-staple-horse",
	})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Contains(t, rec.Body.String(), `"MFA_REQUIRED"`)

	rec = f.doWithHeaders(t, http.MethodPost, "/api/v1/auth/password", access,
		map[string]string{"X-MFA-Code": "000000"}, gin.H{
			"current_password": "correct-horse-battery",
			"new_password":     "battery-staple-horse",
		})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Contains(t, rec.Body.String(), `"MFA_INVALID"`)

	rec = f.doWithHeaders(t, http.MethodPost, "/api/v1/auth/password", access,
		map[string]string{"X-MFA-Code": f.totpCode(t, secret)}, gin.H{
			"current_password": "correct-horse-battery",
			"new_password":     "battery-staple-horse",
		})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestLoginAcceptsCodeFromHeader(t *testing.T) {
	f := newAPIFixture(t)
	f.register(t, "grace", "correct-horse-battery", "")

	access, _ := f.login(t, "grace", "correct-horse-battery")
	secret := f.enroll(t, access)
	rec := f.do(t, http.MethodPost, "/api/v1/mfa/confirm", access, gin.H{
		"code": f.totpCode(t, secret),
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	f.clock.Advance(30 * time.Second)

	rec = f.do(t, http.MethodPost, "/api/v1/auth/login", "", gin.H{
		"identifier": "grace",
		"password":   "correct-horse-battery",
	})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Contains(t, rec.Body.String(), `"MFA_REQUIRED"`)

	rec = f.doWithHeaders(t, http.MethodPost, "/api/v1/auth/login", "",
		map[string]string{"X-MFA-Code": f.totpCode(t, secret)}, gin.H{
			"identifier": "grace",
			"password":   "correct-horse-battery",
		})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestPendingEnrollmentCancelsWithoutCode(t *testing.T) {
	f := newAPIFixture(t)
	f.register(t, "henry", "correct-horse-battery", "")

	access, _ := f.login(t, "henry", "correct-horse-battery")
	f.enroll(t, access)

	// A pending secret was never confirmed, so cancelling needs no code.
	rec := f.do(t, http.MethodPost, "/api/v1/mfa/disable", access, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/api/v1/mfa/status", access, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"disabled"`)
}

func TestExpiredTokenRejected(t *testing.T) {
	f := newAPIFixture(t)
	f.register(t, "erin", "correct-horse-battery", "")

	access, _ := f.login(t, "erin", "correct-horse-battery")

	f.clock.Advance(24 * time.Hour)

	rec := f.do(t, http.MethodGet, "/api/v1/auth/me", access, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}
