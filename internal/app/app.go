// Package app boots the gateway: configuration, storage, the admission
// pipeline, the HTTP server, and the maintenance cron jobs.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"

	"github.com/tokengate/tokengate/internal/admission"
	"github.com/tokengate/tokengate/internal/api"
	"github.com/tokengate/tokengate/internal/config"
	"github.com/tokengate/tokengate/internal/counter"
	"github.com/tokengate/tokengate/internal/db"
	"github.com/tokengate/tokengate/internal/identity"
	"github.com/tokengate/tokengate/internal/ledger"
	"github.com/tokengate/tokengate/internal/metrics"
	"github.com/tokengate/tokengate/internal/quota"
	"github.com/tokengate/tokengate/internal/ratelimit"
	"github.com/tokengate/tokengate/internal/tariff"
	"github.com/tokengate/tokengate/internal/upstream"
	"github.com/tokengate/tokengate/internal/watcher"
)

// Cron schedules for the maintenance jobs.
const (
	// cleanupSchedule purges expired ledger rows nightly.
	cleanupSchedule = "0 3 * * *"
	// quotaResetSchedule zeroes the cumulative quota counters on the first
	// of each month.
	quotaResetSchedule = "0 0 1 * *"
)

// shutdownTimeout bounds the graceful HTTP shutdown.
const shutdownTimeout = 10 * time.Second

// Migrate opens the database and runs migrations, then exits.
func Migrate(_ context.Context, configPath string) error {
	cfg, err := config.Load(config.ResolveConfigPath(configPath))
	if err != nil {
		return err
	}
	conn, err := db.Open(cfg.DatabaseDSN)
	if err != nil {
		return err
	}
	return db.Migrate(conn)
}

// RunServer boots the gateway and serves until the context is canceled.
func RunServer(ctx context.Context, configPath string, portOverride int) error {
	resolvedPath := config.ResolveConfigPath(configPath)
	cfg, err := config.Load(resolvedPath)
	if err != nil {
		return err
	}
	applyLogLevel(cfg.LogLevel)
	if portOverride > 0 {
		cfg.Server.Port = portOverride
	}

	conn, err := db.Open(cfg.DatabaseDSN)
	if err != nil {
		return err
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		return errMigrate
	}
	log.WithField("dialect", db.DialectName(conn)).Info("ledger database ready")

	store := buildCounterStore(ctx, cfg)
	limiter := ratelimit.NewLimiter(store, cfg.RateLimit.Requests, cfg.RateWindow())
	tracker := quota.NewTracker(store, nil)
	registry := tariff.NewRegistry(cfg.Tariffs.Default, cfg.Tariffs.Overrides)
	keys := identity.NewKeySet(cfg.AllowedKeys)
	bank := ledger.New(conn, cfg.Limits.Daily, cfg.Limits.Monthly, nil)
	client := upstream.NewClient(cfg.Upstream.URL, cfg.UpstreamTimeout())

	promRegistry := prometheus.NewRegistry()
	metricSet := metrics.New(promRegistry)

	pipeline := admission.New(limiter, registry, tracker, bank, client, metricSet, store)

	if gin.Mode() == gin.DebugMode && cfg.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	server := api.NewServer(api.Config{
		Pipeline:   pipeline,
		Limiter:    limiter,
		Tracker:    tracker,
		Tariffs:    registry,
		Ledger:     bank,
		Keys:       keys,
		Health:     store,
		Gatherer:   promRegistry,
		AdminToken: cfg.Server.AdminToken,
		Retention:  cfg.RetentionDays,
	})
	server.Register(engine)

	cfgWatcher := watcher.New(resolvedPath, registry, keys, limiter, bank)
	if errWatch := cfgWatcher.Start(ctx); errWatch != nil {
		log.WithError(errWatch).Warn("config watcher unavailable, continuing without hot reload")
	} else {
		defer cfgWatcher.Stop()
	}

	jobs := startMaintenanceJobs(ctx, bank, tracker, cfg.RetentionDays)
	defer func() { <-jobs.Stop().Done() }()

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: engine,
	}
	errCh := make(chan error, 1)
	go func() {
		log.WithField("port", cfg.Server.Port).Info("gateway listening")
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if errShutdown := httpServer.Shutdown(shutdownCtx); errShutdown != nil {
			return errShutdown
		}
		log.Info("gateway stopped")
		return nil
	case errServe := <-errCh:
		if errors.Is(errServe, http.ErrServerClosed) {
			return nil
		}
		return errServe
	}
}

// buildCounterStore assembles the fallback counter store, probing Redis when
// it is configured. A failed probe still returns the fallback store; the
// breaker keeps re-probing at runtime.
func buildCounterStore(ctx context.Context, cfg *config.Config) *counter.FallbackStore {
	if !cfg.Redis.Enabled || cfg.Redis.Addr == "" {
		log.Info("counter store: redis disabled, using in-process memory")
		return counter.NewFallbackStore(nil, nil, nil)
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	remote := counter.NewRedisStore(client, cfg.Redis.Prefix)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if errPing := remote.Ping(pingCtx); errPing != nil {
		log.WithError(errPing).Warn("counter store: redis unreachable at startup, starting degraded")
	} else {
		log.WithField("addr", cfg.Redis.Addr).Info("counter store: redis connected")
	}
	return counter.NewFallbackStore(remote, nil, nil)
}

// startMaintenanceJobs schedules the nightly ledger cleanup and the monthly
// quota sweep.
func startMaintenanceJobs(ctx context.Context, bank *ledger.Ledger, tracker *quota.Tracker, retentionDays int) *cron.Cron {
	jobs := cron.New()

	if _, err := jobs.AddFunc(cleanupSchedule, func() {
		if _, errCleanup := bank.Cleanup(ctx, retentionDays); errCleanup != nil {
			log.WithError(errCleanup).Error("cron: ledger cleanup failed")
		}
	}); err != nil {
		log.WithError(err).Error("cron: schedule cleanup failed")
	}

	if _, err := jobs.AddFunc(quotaResetSchedule, func() {
		if _, errReset := tracker.ResetAll(ctx); errReset != nil {
			log.WithError(errReset).Error("cron: monthly quota sweep failed")
		}
	}); err != nil {
		log.WithError(err).Error("cron: schedule quota sweep failed")
	}

	jobs.Start()
	return jobs
}

// applyLogLevel sets the global log level, defaulting to info on bad input.
func applyLogLevel(level string) {
	parsed, err := log.ParseLevel(level)
	if err != nil {
		parsed = log.InfoLevel
	}
	log.SetLevel(parsed)
}
