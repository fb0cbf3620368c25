package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	iauth "github.com/clavis-auth/clavis/internal/auth"
	"github.com/clavis-auth/clavis/internal/auth/mfa"
	"github.com/clavis-auth/clavis/internal/auth/providers"
	"github.com/clavis-auth/clavis/internal/middleware"
	"github.com/clavis-auth/clavis/internal/models"
	apperrors "github.com/clavis-auth/clavis/pkg/errors"
	"github.com/clavis-auth/clavis/pkg/response"
)

// ErrAccountLocked is the client-facing form of a locked account. 423 keeps
// it distinguishable from plain bad credentials without leaking timing.
var errAccountLocked = apperrors.New("ACCOUNT_LOCKED", "Account temporarily locked", http.StatusLocked)

// AuthHandler serves login, token refresh, and logout.
type AuthHandler struct {
	provider *providers.LocalProvider
	sessions *iauth.SessionService
	mfa      *mfa.Service
}

// NewAuthHandler constructs the authentication handler.
func NewAuthHandler(provider *providers.LocalProvider, sessions *iauth.SessionService, mfaService *mfa.Service) *AuthHandler {
	return &AuthHandler{
		provider: provider,
		sessions: sessions,
		mfa:      mfaService,
	}
}

type loginRequest struct {
	Identifier string `json:"identifier" validate:"required"`
	Password   string `json:"password" validate:"required"`
	MFACode    string `json:"mfa_code"`
}

type tokenResponse struct {
	AccessToken  string       `json:"access_token"`
	RefreshToken string       `json:"refresh_token"`
	User         *models.User `json:"user,omitempty"`
}

// Login authenticates credentials and establishes a session. Users with an
// active second factor must supply a valid code in the same request; the
// MFA_REQUIRED error tells clients to re-prompt.
func (h *AuthHandler) Login(c *gin.Context) {
	var req loginRequest
	if !bindAndValidate(c, &req) {
		return
	}

	user, err := h.provider.Authenticate(c.Request.Context(), providers.AuthenticateInput{
		Identifier: req.Identifier,
		Password:   req.Password,
		IPAddress:  c.ClientIP(),
		UserAgent:  c.Request.UserAgent(),
	})
	if err != nil {
		switch {
		case errors.Is(err, providers.ErrTooManyAttempts):
			response.Error(c, apperrors.ErrRateLimited)
		case errors.Is(err, providers.ErrAccountLocked):
			response.Error(c, errAccountLocked)
		case errors.Is(err, providers.ErrAccountDisabled),
			errors.Is(err, providers.ErrInvalidCredentials):
			response.Error(c, apperrors.ErrInvalidCredentials)
		default:
			response.Error(c, apperrors.ErrInternalServer.WithInternal(err))
		}
		return
	}

	if user.MFAEnabled {
		// The code may arrive in the body or in the dedicated header used
		// by MFA-gated routes; the body wins when both are present.
		code := req.MFACode
		if code == "" {
			code = strings.TrimSpace(c.GetHeader(middleware.HeaderMFACode))
		}
		if code == "" {
			response.Error(c, apperrors.ErrMFARequired)
			return
		}
		if err := h.mfa.Verify(c.Request.Context(), user.ID, code); err != nil {
			if errors.Is(err, mfa.ErrInvalidCode) || errors.Is(err, mfa.ErrNotEnrolled) {
				response.Error(c, apperrors.ErrMFAInvalid)
				return
			}
			response.Error(c, apperrors.ErrInternalServer.WithInternal(err))
			return
		}
	}

	pair, _, err := h.sessions.Create(user, iauth.SessionMetadata{
		IPAddress: c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
	})
	if err != nil {
		response.Error(c, apperrors.ErrInternalServer.WithInternal(err))
		return
	}

	response.Success(c, http.StatusOK, tokenResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		User:         user,
	})
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
}

// Refresh rotates the refresh token and issues a fresh access token.
func (h *AuthHandler) Refresh(c *gin.Context) {
	var req refreshRequest
	if !bindAndValidate(c, &req) {
		return
	}

	pair, _, err := h.sessions.Refresh(req.RefreshToken, iauth.SessionMetadata{
		IPAddress: c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
	})
	if err != nil {
		switch {
		case errors.Is(err, iauth.ErrSessionNotFound),
			errors.Is(err, iauth.ErrSessionRevoked),
			errors.Is(err, iauth.ErrSessionExpired),
			errors.Is(err, iauth.ErrSessionInvalidToken),
			errors.Is(err, iauth.ErrPrincipalInactive),
			errors.Is(err, iauth.ErrPrincipalLocked):
			response.Error(c, apperrors.ErrUnauthenticated)
		default:
			response.Error(c, apperrors.ErrInternalServer.WithInternal(err))
		}
		return
	}

	response.Success(c, http.StatusOK, tokenResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
	})
}

// Logout revokes the current session.
func (h *AuthHandler) Logout(c *gin.Context) {
	sessionID, ok := currentSessionID(c)
	if !ok {
		response.Error(c, apperrors.ErrUnauthenticated)
		return
	}

	if err := h.sessions.Revoke(sessionID); err != nil && !errors.Is(err, iauth.ErrSessionNotFound) {
		response.Error(c, apperrors.ErrInternalServer.WithInternal(err))
		return
	}

	response.Success(c, http.StatusOK, gin.H{"message": "logged out"})
}

// LogoutAll revokes every session belonging to the current user.
func (h *AuthHandler) LogoutAll(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		response.Error(c, apperrors.ErrUnauthenticated)
		return
	}

	if err := h.sessions.RevokeAll(userID); err != nil {
		response.Error(c, apperrors.ErrInternalServer.WithInternal(err))
		return
	}

	response.Success(c, http.StatusOK, gin.H{"message": "all sessions revoked"})
}

// Me returns the authenticated user's profile.
func (h *AuthHandler) Me(c *gin.Context) {
	v, ok := c.Get(middleware.CtxSessionKey)
	if !ok {
		response.Error(c, apperrors.ErrUnauthenticated)
		return
	}

	session, ok := v.(*models.Session)
	if !ok || session.User == nil {
		response.Error(c, apperrors.ErrUnauthenticated)
		return
	}

	response.Success(c, http.StatusOK, session.User)
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password" validate:"required"`
	NewPassword     string `json:"new_password" validate:"required,min=12"`
}

// ChangePassword updates the caller's password and revokes every session,
// forcing re-authentication with the new credential.
func (h *AuthHandler) ChangePassword(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		response.Error(c, apperrors.ErrUnauthenticated)
		return
	}

	var req changePasswordRequest
	if !bindAndValidate(c, &req) {
		return
	}

	err := h.provider.ChangePassword(c.Request.Context(), userID, req.CurrentPassword, req.NewPassword)
	if err != nil {
		if errors.Is(err, providers.ErrInvalidCredentials) {
			response.Error(c, apperrors.ErrInvalidCredentials)
			return
		}
		response.Error(c, apperrors.ErrInternalServer.WithInternal(err))
		return
	}

	if err := h.sessions.RevokeAll(userID); err != nil {
		response.Error(c, apperrors.ErrInternalServer.WithInternal(err))
		return
	}

	response.Success(c, http.StatusOK, gin.H{"message": "password changed"})
}
