package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	iauth "github.com/clavis-auth/clavis/internal/auth"
	"github.com/clavis-auth/clavis/internal/auditctx"
	"github.com/clavis-auth/clavis/pkg/errors"
	"github.com/clavis-auth/clavis/pkg/response"
)

const (
	CtxClaimsKey    = "authClaims"
	CtxUserIDKey    = "userID"
	CtxSessionIDKey = "sessionID"
	CtxSessionKey   = "session"
)

// Auth authenticates requests with a bearer access token.
//
// The token signature and expiry are checked first; the session the token
// references is then validated against the store, so revocation, principal
// deactivation, and lockout take effect immediately even for tokens that are
// cryptographically valid. All failures normalise to 401.
func Auth(tokens *iauth.TokenService, sessions *iauth.SessionService) gin.HandlerFunc {
	return func(c *gin.Context) {
		authz := c.GetHeader("Authorization")
		if len(authz) < 8 || !strings.EqualFold(authz[:7], "Bearer ") {
			unauthorized(c)
			return
		}

		claims, err := tokens.Verify(strings.TrimSpace(authz[7:]))
		if err != nil {
			unauthorized(c)
			return
		}

		meta := iauth.SessionMetadata{
			IPAddress: c.ClientIP(),
			UserAgent: c.Request.UserAgent(),
		}

		session, err := sessions.Validate(c.Request.Context(), claims.SessionID, meta)
		if err != nil {
			unauthorized(c)
			return
		}

		sessions.Touch(c.Request.Context(), session.ID)

		c.Set(CtxClaimsKey, claims)
		c.Set(CtxUserIDKey, claims.UserID)
		c.Set(CtxSessionIDKey, session.ID)
		c.Set(CtxSessionKey, session)

		actor := auditctx.Actor{
			UserID:    claims.UserID,
			IPAddress: meta.IPAddress,
			UserAgent: meta.UserAgent,
		}
		if session.User != nil {
			actor.Username = session.User.Username
		}
		c.Request = c.Request.WithContext(auditctx.WithActor(c.Request.Context(), actor))

		c.Next()
	}
}

func unauthorized(c *gin.Context) {
	c.Header("WWW-Authenticate", "Bearer")
	response.Error(c, errors.ErrUnauthenticated)
	c.Abort()
}
