package middleware

import (
	"errors"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/clavis-auth/clavis/internal/auth/mfa"
	"github.com/clavis-auth/clavis/internal/models"
	apperrors "github.com/clavis-auth/clavis/pkg/errors"
	"github.com/clavis-auth/clavis/pkg/response"
)

// HeaderMFACode carries the second-factor code on MFA-gated requests.
const HeaderMFACode = "X-MFA-Code"

// RequireMFA gates sensitive operations behind a fresh second-factor code.
//
// Users without an active second factor pass through untouched. For enabled
// users the code travels in the X-MFA-Code header; a missing code yields
// MFA_REQUIRED so clients know to prompt, and a rejected code yields
// MFA_INVALID. Must run after Auth, which stores the session in the context.
func RequireMFA(service *mfa.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		value, exists := c.Get(CtxSessionKey)
		if !exists {
			response.Error(c, apperrors.ErrUnauthenticated)
			c.Abort()
			return
		}

		session, ok := value.(*models.Session)
		if !ok || session.User == nil {
			response.Error(c, apperrors.ErrUnauthenticated)
			c.Abort()
			return
		}

		if !session.User.MFAEnabled {
			c.Next()
			return
		}

		code := strings.TrimSpace(c.GetHeader(HeaderMFACode))
		if code == "" {
			response.Error(c, apperrors.ErrMFARequired)
			c.Abort()
			return
		}

		if err := service.Verify(c.Request.Context(), session.UserID, code); err != nil {
			if errors.Is(err, mfa.ErrInvalidCode) || errors.Is(err, mfa.ErrNotEnrolled) {
				response.Error(c, apperrors.ErrMFAInvalid)
			} else {
				response.Error(c, apperrors.ErrInternalServer.WithInternal(err))
			}
			c.Abort()
			return
		}

		c.Next()
	}
}
