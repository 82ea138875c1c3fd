package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/aegis-authz/aegis/internal/app"
	"github.com/aegis-authz/aegis/internal/audit"
	"github.com/aegis-authz/aegis/internal/authz"
	"github.com/aegis-authz/aegis/internal/observability"
	"github.com/aegis-authz/aegis/internal/platform/cache"
	"github.com/aegis-authz/aegis/internal/platform/db"
	"github.com/aegis-authz/aegis/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	dbpool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

	// The remote cache tier is optional: an unreachable Redis degrades the
	// engine to local-tier-only instead of failing startup.
	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Warn("redis ping, continuing local-tier-only", slog.Any("error", err))
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	auditRecorder := audit.NewRecorder(audit.NewPGStore(dbpool), logger, cfg.AuditQueueSize)
	auditRecorder.Start(ctx)

	metrics := observability.NewMetrics(func() float64 {
		return float64(auditRecorder.Stats().Dropped)
	})

	store := authz.NewRepository(dbpool)
	permCache := authz.NewPermissionCache(authz.CacheConfig{
		Capacity:      cfg.CacheCapacity,
		TTL:           cfg.CacheTTL,
		RemoteTimeout: cfg.CacheRemoteTimeout,
		Observer:      metrics.ObserveCacheEvent,
	}, redisClient, logger)
	enforcer := authz.NewSecurityEnforcer(authz.EnforcerConfig{
		CriticalUserBlock: cfg.CriticalUserBlock,
		CriticalIPBlock:   cfg.CriticalIPBlock,
		HighUserBlock:     cfg.HighUserBlock,
		RateLimitWindow:   cfg.RateLimitWindow,
		RateLimitBudget:   cfg.RateLimitBudget,
	}, auditRecorder, logger)

	engine := authz.NewEngine(authz.EngineParams{
		Store:     store,
		Cache:     permCache,
		Validator: authz.NewPermissionValidator(store, cfg.FreshnessWindow),
		Resolver:  authz.NewRoleResolver(store),
		Detector:  authz.NewBypassDetector(),
		Enforcer:  enforcer,
		Metrics:   metrics,
		Logger:    logger,
	})

	coordinator := authz.NewInvalidationCoordinator(permCache, store, logger)
	bus := authz.NewEventBus(redisClient, coordinator, logger)
	go func() {
		if err := bus.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("invalidation bus stopped", slog.Any("error", err))
		}
	}()

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	jobsClient, err := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	if err != nil {
		logger.Error("init jobs client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := jobsClient.Close(); err != nil {
			logger.Warn("jobs client close", slog.Any("error", err))
		}
	}()

	router := app.NewRouter(app.RouterParams{
		Logger:       logger,
		Config:       cfg,
		AuthzHandler: authz.NewHandler(engine, logger),
		JobHandler:   jobs.NewHandler(inspector, jobsClient, logger),
		Metrics:      metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
	auditRecorder.Wait()
}
