package middleware

import (
	stderrors "errors"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/clavis-auth/clavis/internal/models"
	"github.com/clavis-auth/clavis/internal/rbac"
	"github.com/clavis-auth/clavis/internal/security"
	"github.com/clavis-auth/clavis/pkg/errors"
	"github.com/clavis-auth/clavis/pkg/logger"
	"github.com/clavis-auth/clavis/pkg/response"
)

// RequirePermission checks that the authenticated user holds the named
// permission. The project scope is taken from the :projectID route parameter
// when present, falling back to the project_id query parameter; absence of
// both means the check runs against the global scope.
//
// Denials are appended to the security event log with the permission and
// scope so access review can reconstruct who was refused what.
func RequirePermission(engine *rbac.Engine, recorder *security.Recorder, permission string) gin.HandlerFunc {
	return func(c *gin.Context) {
		v, ok := c.Get(CtxUserIDKey)
		if !ok {
			response.Error(c, errors.ErrUnauthenticated)
			c.Abort()
			return
		}
		userID, _ := v.(string)

		projectID := c.Param("projectID")
		if projectID == "" {
			projectID = c.Query("project_id")
		}

		allowed, err := engine.UserHasPermission(c.Request.Context(), userID, permission, projectID)
		if err != nil {
			// An unknown permission name is a wiring bug and surfaces as
			// 500. Store trouble resolves toward denial instead.
			if stderrors.Is(err, rbac.ErrUnknownPermission) {
				response.Error(c, errors.ErrInternalServer.WithInternal(err))
				c.Abort()
				return
			}
			logger.WithModule("middleware").Warn("permission check unavailable, denying",
				zap.String("permission", permission),
				zap.Error(err),
			)
			response.Error(c, errors.ErrForbidden)
			c.Abort()
			return
		}

		if !allowed {
			if recorder != nil {
				recorder.Record(c.Request.Context(), security.Event{
					Type:        security.EventAccessDenied,
					Severity:    models.SeverityWarning,
					Description: "permission denied",
					ActorID:     &userID,
					IPAddress:   c.ClientIP(),
					UserAgent:   c.Request.UserAgent(),
					Metadata: map[string]any{
						"permission": permission,
						"project_id": projectID,
						"path":       c.Request.URL.Path,
					},
				})
			}
			response.Error(c, errors.ErrForbidden)
			c.Abort()
			return
		}

		c.Next()
	}
}
