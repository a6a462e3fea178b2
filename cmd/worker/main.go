package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/odyssey-authz/internal/app"
	"github.com/odyssey-erp/odyssey-authz/internal/audit"
	"github.com/odyssey-erp/odyssey-authz/internal/grants"
	jobmetrics "github.com/odyssey-erp/odyssey-authz/internal/jobs"
	"github.com/odyssey-erp/odyssey-authz/internal/platform/cache"
	"github.com/odyssey-erp/odyssey-authz/internal/platform/db"
	"github.com/odyssey-erp/odyssey-authz/internal/rbac"
	"github.com/odyssey-erp/odyssey-authz/internal/shared"
	"github.com/odyssey-erp/odyssey-authz/internal/stores"
	"github.com/odyssey-erp/odyssey-authz/internal/users"
	"github.com/odyssey-erp/odyssey-authz/jobs"
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

	evaluator, err := rbac.NewEvaluator(cfg.ConditionCacheSize)
	if err != nil {
		logger.Error("init condition evaluator", slog.Any("error", err))
		os.Exit(1)
	}
	catalog, err := rbac.LoadCatalog(cfg.RoleCatalogPath)
	if err != nil {
		logger.Error("load role catalog", slog.Any("error", err))
		os.Exit(1)
	}

	grantsRepo := grants.NewRepository(pool)
	directory := rbac.NewDirectory(users.NewRepository(pool), stores.NewRepository(pool))
	authorizer := rbac.NewAuthorizer(rbac.NewResolver(catalog, grantsRepo, evaluator), rbac.WithLogger(logger))
	sweeper := grants.NewService(grantsRepo, authorizer, directory, stores.NewRepository(pool), evaluator).WithLogger(logger)
	if cfg.GrantCacheEnabled {
		redisClient, err := cache.New(ctx, cfg.RedisAddr)
		if err != nil {
			logger.Warn("redis unavailable, cache invalidation disabled", slog.Any("error", err))
		} else {
			defer func() { _ = redisClient.Close() }()
			sweeper = sweeper.WithCache(rbac.NewGrantCache(redisClient, grantsRepo, cfg.GrantCacheTTL, logger))
		}
	}

	metrics := jobmetrics.NewMetrics(nil)
	recorder := audit.NewRecorder(shared.NewAuditLogger(pool))
	auditJob := jobs.NewAuditDecisionJob(recorder, logger, metrics)
	sweepJob := jobs.NewGrantsSweepJob(sweeper, logger, metrics)

	sweepTask, err := jobs.NewGrantsSweepTask(cfg.SweepBatchSize)
	if err != nil {
		logger.Error("build sweep task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskAuditDecision, Handler: auditJob.Handle},
			{Type: jobs.TaskGrantsSweep, Handler: sweepJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: cfg.SweepCron, Task: sweepTask, Options: []asynq.Option{asynq.MaxRetry(3), asynq.Queue(jobs.QueueDefault)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
