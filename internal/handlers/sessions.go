package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	iauth "github.com/clavis-auth/clavis/internal/auth"
	apperrors "github.com/clavis-auth/clavis/pkg/errors"
	"github.com/clavis-auth/clavis/pkg/response"
)

// SessionHandler serves session introspection and revocation.
type SessionHandler struct {
	sessions *iauth.SessionService
}

// NewSessionHandler constructs the session handler.
func NewSessionHandler(sessions *iauth.SessionService) *SessionHandler {
	return &SessionHandler{sessions: sessions}
}

// List returns the caller's sessions, newest first. Refresh tokens are never
// serialised, so the listing is safe to show in account settings.
func (h *SessionHandler) List(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		response.Error(c, apperrors.ErrUnauthenticated)
		return
	}

	sessions, err := h.sessions.ListForUser(c.Request.Context(), userID)
	if err != nil {
		response.Error(c, apperrors.ErrInternalServer.WithInternal(err))
		return
	}

	currentID, _ := currentSessionID(c)

	type sessionView struct {
		ID         string    `json:"id"`
		IPAddress  string    `json:"ip_address"`
		UserAgent  string    `json:"user_agent"`
		CreatedAt  time.Time `json:"created_at"`
		LastUsedAt time.Time `json:"last_used_at"`
		ExpiresAt  time.Time `json:"expires_at"`
		Revoked    bool      `json:"revoked"`
		Current    bool      `json:"current"`
	}

	views := make([]sessionView, 0, len(sessions))
	for _, s := range sessions {
		views = append(views, sessionView{
			ID:         s.ID,
			IPAddress:  s.IPAddress,
			UserAgent:  s.UserAgent,
			CreatedAt:  s.CreatedAt,
			LastUsedAt: s.LastUsedAt,
			ExpiresAt:  s.ExpiresAt,
			Revoked:    s.RevokedAt != nil,
			Current:    s.ID == currentID,
		})
	}

	response.Success(c, http.StatusOK, views)
}

// Revoke terminates one of the caller's sessions by ID.
func (h *SessionHandler) Revoke(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		response.Error(c, apperrors.ErrUnauthenticated)
		return
	}

	sessionID := c.Param("sessionID")

	// Only the owner may revoke through this endpoint.
	sessions, err := h.sessions.ListForUser(c.Request.Context(), userID)
	if err != nil {
		response.Error(c, apperrors.ErrInternalServer.WithInternal(err))
		return
	}

	owned := false
	for _, s := range sessions {
		if s.ID == sessionID {
			owned = true
			break
		}
	}
	if !owned {
		response.Error(c, apperrors.ErrNotFound)
		return
	}

	if err := h.sessions.Revoke(sessionID); err != nil {
		if errors.Is(err, iauth.ErrSessionNotFound) {
			response.Error(c, apperrors.ErrNotFound)
			return
		}
		response.Error(c, apperrors.ErrInternalServer.WithInternal(err))
		return
	}

	response.Success(c, http.StatusOK, gin.H{"message": "session revoked"})
}
