package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/aegis-authz/aegis/internal/app"
	"github.com/aegis-authz/aegis/internal/audit"
	"github.com/aegis-authz/aegis/internal/authz"
	"github.com/aegis-authz/aegis/internal/platform/cache"
	"github.com/aegis-authz/aegis/internal/platform/db"
	"github.com/aegis-authz/aegis/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
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

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Warn("redis ping", slog.Any("error", err))
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	auditRecorder := audit.NewRecorder(audit.NewPGStore(pool), logger, cfg.AuditQueueSize)
	auditRecorder.Start(ctx)

	store := authz.NewRepository(pool)
	permCache := authz.NewPermissionCache(authz.CacheConfig{
		Capacity:      cfg.CacheCapacity,
		TTL:           cfg.CacheTTL,
		RemoteTimeout: cfg.CacheRemoteTimeout,
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
		Logger:    logger,
	})

	sweepJob := jobs.NewSecuritySweepJob(engine, logger)
	digestJob := jobs.NewSecurityDigestJob(engine, logger)

	sweepTask, err := jobs.NewSecuritySweepTask(jobs.SecuritySweepPayload{})
	if err != nil {
		logger.Error("build sweep task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskSecuritySweep, Handler: sweepJob.Handle},
			{Type: jobs.TaskSecurityDigest, Handler: digestJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: "*/10 * * * *", Task: sweepTask},
			{Spec: "0 6 * * *", Task: jobs.NewSecurityDigestTask()},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("starting worker")
	if err := worker.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error("worker stopped", slog.Any("error", err))
		os.Exit(1)
	}
	auditRecorder.Wait()
}
