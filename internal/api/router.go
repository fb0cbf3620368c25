package api

import (
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	iauth "github.com/clavis-auth/clavis/internal/auth"
	"github.com/clavis-auth/clavis/internal/auth/mfa"
	"github.com/clavis-auth/clavis/internal/auth/providers"
	"github.com/clavis-auth/clavis/internal/guard"
	"github.com/clavis-auth/clavis/internal/handlers"
	"github.com/clavis-auth/clavis/internal/middleware"
	"github.com/clavis-auth/clavis/internal/rbac"
	"github.com/clavis-auth/clavis/internal/security"
)

// Dependencies bundles the services the router wires into handlers.
type Dependencies struct {
	Tokens   *iauth.TokenService
	Sessions *iauth.SessionService
	Provider *providers.LocalProvider
	MFA      *mfa.Service
	Engine   *rbac.Engine
	Recorder *security.Recorder

	// GeneralGuard throttles authenticated API traffic; SensitiveGuard
	// protects operations like password and MFA changes.
	GeneralGuard   *guard.Guard
	SensitiveGuard *guard.Guard

	MetricsEndpoint string
	HealthEnabled   bool
}

// routePermissions lists every permission name the router guards routes
// with. Validated against the registry at assembly so a typo here fails the
// boot instead of silently denying everyone.
var routePermissions = []string{
	"manage_roles",
	"view_users",
	"manage_system",
	"view_audit_log",
}

// NewRouter assembles the HTTP surface.
func NewRouter(deps Dependencies) (*gin.Engine, error) {
	if err := rbac.ValidateNames(routePermissions...); err != nil {
		return nil, fmt.Errorf("router: %w", err)
	}

	router := gin.New()

	router.Use(middleware.Recovery())
	router.Use(middleware.Logger())
	router.Use(middleware.Metrics())
	router.Use(middleware.SecurityHeaders())

	if deps.HealthEnabled {
		router.GET("/healthz", func(c *gin.Context) {
			c.JSON(200, gin.H{"status": "ok"})
		})
	}
	if deps.MetricsEndpoint != "" {
		router.GET(deps.MetricsEndpoint, gin.WrapH(promhttp.Handler()))
	}

	authHandler := handlers.NewAuthHandler(deps.Provider, deps.Sessions, deps.MFA)
	mfaHandler := handlers.NewMFAHandler(deps.MFA)
	roleHandler := handlers.NewRoleHandler(deps.Engine)
	sessionHandler := handlers.NewSessionHandler(deps.Sessions)
	auditHandler := handlers.NewAuditHandler(deps.Recorder)

	v1 := router.Group("/api/v1")

	// Unauthenticated endpoints. Login has its own guard inside the
	// provider; refresh rotation is self-limiting.
	v1.POST("/auth/login", authHandler.Login)
	v1.POST("/auth/refresh", authHandler.Refresh)

	authed := v1.Group("")
	authed.Use(middleware.Auth(deps.Tokens, deps.Sessions))
	if deps.GeneralGuard != nil {
		authed.Use(middleware.RateLimit(deps.GeneralGuard))
	}

	authed.GET("/auth/me", authHandler.Me)
	authed.POST("/auth/logout", authHandler.Logout)
	authed.POST("/auth/logout-all", authHandler.LogoutAll)

	sensitive := authed.Group("")
	if deps.SensitiveGuard != nil {
		sensitive.Use(middleware.RateLimit(deps.SensitiveGuard))
	}
	sensitive.Use(middleware.RequireMFA(deps.MFA))
	sensitive.POST("/auth/password", authHandler.ChangePassword)
	sensitive.POST("/mfa/enroll", mfaHandler.Enroll)
	sensitive.POST("/mfa/confirm", mfaHandler.Confirm)
	sensitive.POST("/mfa/disable", mfaHandler.Disable)

	authed.GET("/mfa/status", mfaHandler.Status)

	authed.GET("/sessions", sessionHandler.List)
	authed.DELETE("/sessions/:sessionID", sessionHandler.Revoke)

	roles := authed.Group("/roles")
	roles.POST("/assignments",
		middleware.RequirePermission(deps.Engine, deps.Recorder, "manage_roles"),
		roleHandler.Assign)
	roles.POST("/assignments/remove",
		middleware.RequirePermission(deps.Engine, deps.Recorder, "manage_roles"),
		roleHandler.Remove)
	roles.GET("/users/:userID",
		middleware.RequirePermission(deps.Engine, deps.Recorder, "view_users"),
		roleHandler.UserRoles)
	roles.GET("/export",
		middleware.RequirePermission(deps.Engine, deps.Recorder, "manage_roles"),
		roleHandler.Export)
	roles.POST("/import",
		middleware.RequirePermission(deps.Engine, deps.Recorder, "manage_system"),
		roleHandler.Import)

	audit := authed.Group("/audit")
	audit.GET("/events",
		middleware.RequirePermission(deps.Engine, deps.Recorder, "view_audit_log"),
		auditHandler.List)
	audit.GET("/export",
		middleware.RequirePermission(deps.Engine, deps.Recorder, "view_audit_log"),
		auditHandler.Export)

	router.NoRoute(middleware.NotFoundHandler)

	return router, nil
}
