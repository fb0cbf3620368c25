package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/clavis-auth/clavis/internal/api"
	"github.com/clavis-auth/clavis/internal/app"
	"github.com/clavis-auth/clavis/internal/app/maintenance"
	iauth "github.com/clavis-auth/clavis/internal/auth"
	"github.com/clavis-auth/clavis/internal/auth/mfa"
	"github.com/clavis-auth/clavis/internal/auth/providers"
	"github.com/clavis-auth/clavis/internal/cache"
	"github.com/clavis-auth/clavis/internal/database"
	"github.com/clavis-auth/clavis/internal/guard"
	"github.com/clavis-auth/clavis/internal/models"
	"github.com/clavis-auth/clavis/internal/rbac"
	"github.com/clavis-auth/clavis/internal/security"
	"github.com/clavis-auth/clavis/pkg/logger"
)

// runtimeStack bundles long-lived services used by the HTTP server.
type runtimeStack struct {
	DB       *gorm.DB
	Sessions *iauth.SessionService
	Recorder *security.Recorder
	Cleaner  *maintenance.Cleaner
	Router   *gin.Engine
}

// bootstrapRuntime initialises the database, services, guards, and the HTTP router.
func bootstrapRuntime(cfg *app.Config, log *zap.Logger) (*runtimeStack, error) {
	stack := &runtimeStack{}
	var err error
	success := false

	defer func() {
		if !success {
			stack.Shutdown(context.Background(), log)
		}
	}()

	if debug, _ := os.LookupEnv("GIN_DEBUG"); debug != "true" {
		gin.SetMode(gin.ReleaseMode)
	}

	stack.DB, err = initialiseDatabase(cfg)
	if err != nil {
		return nil, err
	}

	stack.Recorder, err = security.NewRecorder(stack.DB)
	if err != nil {
		return nil, fmt.Errorf("initialise security recorder: %w", err)
	}

	var counters cache.Store
	if strings.EqualFold(cfg.Guards.Store, "memory") {
		counters = guard.NewMemoryStore()
	} else {
		counters = cache.NewDatabaseStore(stack.DB)
	}

	loginGuard, err := guard.New("login", counters,
		cfg.Guards.Login.Policy(guard.LoginPolicy), stack.Recorder)
	if err != nil {
		return nil, fmt.Errorf("initialise login guard: %w", err)
	}

	sensitiveGuard, err := guard.New("sensitive", counters,
		cfg.Guards.Sensitive.Policy(guard.SensitivePolicy), stack.Recorder,
		guard.WithSeverity(models.SeverityHigh))
	if err != nil {
		return nil, fmt.Errorf("initialise sensitive guard: %w", err)
	}

	generalGuard, err := guard.New("general", counters,
		cfg.Guards.General.Policy(guard.GeneralPolicy), stack.Recorder)
	if err != nil {
		return nil, fmt.Errorf("initialise general guard: %w", err)
	}

	tokenSvc, err := iauth.NewTokenService(cfg.Auth.TokenServiceConfig())
	if err != nil {
		return nil, fmt.Errorf("initialise token service: %w", err)
	}

	stack.Sessions, err = iauth.NewSessionService(stack.DB, tokenSvc, stack.Recorder, cfg.Auth.SessionServiceConfig())
	if err != nil {
		return nil, fmt.Errorf("initialise session service: %w", err)
	}

	provider, err := providers.NewLocalProvider(stack.DB, loginGuard, stack.Recorder, cfg.Auth.LocalProviderConfig())
	if err != nil {
		return nil, fmt.Errorf("initialise local provider: %w", err)
	}

	mfaCfg, err := cfg.Auth.MFAServiceConfig()
	if err != nil {
		return nil, fmt.Errorf("decode mfa encryption key: %w", err)
	}
	mfaSvc, err := mfa.NewService(stack.DB, stack.Recorder, mfaCfg)
	if err != nil {
		return nil, fmt.Errorf("initialise mfa service: %w", err)
	}

	engine, err := rbac.NewEngine(stack.DB, stack.Recorder)
	if err != nil {
		return nil, fmt.Errorf("initialise rbac engine: %w", err)
	}

	stack.Cleaner = maintenance.NewCleaner(stack.DB, stack.Sessions, stack.Recorder, counters,
		maintenance.WithAuditRetentionDays(cfg.Maintenance.AuditRetentionDays),
		maintenance.WithSweepSchedule(cfg.Maintenance.Schedule))
	if err := stack.Cleaner.Start(); err != nil {
		return nil, fmt.Errorf("start maintenance jobs: %w", err)
	}

	metricsEndpoint := ""
	if cfg.Monitoring.Prometheus.Enabled {
		metricsEndpoint = cfg.Monitoring.Prometheus.Endpoint
		if metricsEndpoint == "" {
			metricsEndpoint = "/metrics"
		}
	}

	stack.Router, err = api.NewRouter(api.Dependencies{
		Tokens:          tokenSvc,
		Sessions:        stack.Sessions,
		Provider:        provider,
		MFA:             mfaSvc,
		Engine:          engine,
		Recorder:        stack.Recorder,
		GeneralGuard:    generalGuard,
		SensitiveGuard:  sensitiveGuard,
		MetricsEndpoint: metricsEndpoint,
		HealthEnabled:   cfg.Monitoring.Health.Enabled,
	})
	if err != nil {
		return nil, fmt.Errorf("assemble router: %w", err)
	}

	success = true
	return stack, nil
}

// Shutdown gracefully stops background jobs and releases resources.
func (s *runtimeStack) Shutdown(ctx context.Context, log *zap.Logger) {
	if s == nil {
		return
	}

	if s.Cleaner != nil {
		stopCtx := s.Cleaner.Stop()
		if stopCtx != nil {
			ctx = stopCtx
		}
		if err := s.Cleaner.RunOnce(ctx); err != nil {
			log.Warn("maintenance shutdown cleanup failed", zap.Error(err))
		}
	}

	if s.DB != nil {
		closeDatabase(s.DB, log)
	}
}

func initialiseDatabase(cfg *app.Config) (*gorm.DB, error) {
	dbCfg := convertDatabaseConfig(cfg)
	db, err := database.Open(dbCfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := database.AutoMigrateAndSeed(db); err != nil {
		return nil, fmt.Errorf("auto-migrate database: %w", err)
	}

	log := logger.WithModule("database")
	log.Info("database connected", zap.String("driver", strings.ToLower(strings.TrimSpace(dbCfg.Driver))))

	return db, nil
}

func convertDatabaseConfig(cfg *app.Config) database.Config {
	dbCfg := database.Config{
		Driver: strings.ToLower(strings.TrimSpace(cfg.Database.Driver)),
		Path:   strings.TrimSpace(cfg.Database.Path),
		DSN:    strings.TrimSpace(cfg.Database.DSN),
	}

	switch dbCfg.Driver {
	case "", "sqlite":
		dbCfg.Driver = "sqlite"
	case "postgres", "postgresql":
		dbCfg.Driver = "postgres"
		dbCfg.Host = strings.TrimSpace(cfg.Database.Postgres.Host)
		dbCfg.Port = cfg.Database.Postgres.Port
		dbCfg.Name = strings.TrimSpace(cfg.Database.Postgres.Database)
		dbCfg.User = strings.TrimSpace(cfg.Database.Postgres.Username)
		dbCfg.Password = strings.TrimSpace(cfg.Database.Postgres.Password)
	case "mysql":
		dbCfg.Host = strings.TrimSpace(cfg.Database.MySQL.Host)
		dbCfg.Port = cfg.Database.MySQL.Port
		dbCfg.Name = strings.TrimSpace(cfg.Database.MySQL.Database)
		dbCfg.User = strings.TrimSpace(cfg.Database.MySQL.Username)
		dbCfg.Password = strings.TrimSpace(cfg.Database.MySQL.Password)
	default:
		// Leave driver as-is to surface unsupported driver error during open.
	}

	return dbCfg
}

func closeDatabase(db *gorm.DB, log *zap.Logger) {
	if db == nil {
		return
	}

	sqlDB, err := db.DB()
	if err != nil {
		log.Warn("failed to obtain underlying sql DB for closing", zap.Error(err))
		return
	}

	if err := sqlDB.Close(); err != nil {
		log.Warn("failed to close database", zap.Error(err))
	}
}
