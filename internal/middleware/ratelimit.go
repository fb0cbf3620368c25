package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/clavis-auth/clavis/internal/guard"
	"github.com/clavis-auth/clavis/pkg/errors"
	"github.com/clavis-auth/clavis/pkg/response"
)

// RateLimit throttles requests through the supplied guard, keyed by the
// authenticated user when available and the client IP otherwise. Blocked
// requests receive 429 without reaching the handler.
func RateLimit(g *guard.Guard) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.ClientIP()

		var actorID *string
		if v, ok := c.Get(CtxUserIDKey); ok {
			if userID, ok := v.(string); ok && userID != "" {
				key = userID
				actorID = &userID
			}
		}

		blocked := g.RecordAttempt(c.Request.Context(), key, guard.Attempt{
			ActorID:   actorID,
			IPAddress: c.ClientIP(),
			UserAgent: c.Request.UserAgent(),
		})
		if blocked {
			response.Error(c, errors.ErrRateLimited)
			c.Abort()
			return
		}

		c.Next()
	}
}
