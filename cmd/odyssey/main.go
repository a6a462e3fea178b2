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
	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/odyssey-authz/internal/app"
	"github.com/odyssey-erp/odyssey-authz/internal/audit"
	"github.com/odyssey-erp/odyssey-authz/internal/auth"
	"github.com/odyssey-erp/odyssey-authz/internal/grants"
	"github.com/odyssey-erp/odyssey-authz/internal/observability"
	"github.com/odyssey-erp/odyssey-authz/internal/platform/cache"
	"github.com/odyssey-erp/odyssey-authz/internal/platform/db"
	"github.com/odyssey-erp/odyssey-authz/internal/rbac"
	"github.com/odyssey-erp/odyssey-authz/internal/roles"
	"github.com/odyssey-erp/odyssey-authz/internal/stores"
	"github.com/odyssey-erp/odyssey-authz/internal/users"
	"github.com/odyssey-erp/odyssey-authz/jobs"
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

	if cfg.AutoMigrate {
		if err := db.Migrate(cfg.PGDSN); err != nil {
			logger.Error("migrate database", slog.Any("error", err))
			os.Exit(1)
		}
	}

	dbpool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

	catalog, err := rbac.LoadCatalog(cfg.RoleCatalogPath)
	if err != nil {
		logger.Error("load role catalog", slog.Any("error", err))
		os.Exit(1)
	}
	evaluator, err := rbac.NewEvaluator(cfg.ConditionCacheSize)
	if err != nil {
		logger.Error("init condition evaluator", slog.Any("error", err))
		os.Exit(1)
	}

	var redisClient *redis.Client
	if cfg.GrantCacheEnabled {
		redisClient, err = cache.New(ctx, cfg.RedisAddr)
		if err != nil {
			// Decisions fall back to PostgreSQL without the cache.
			logger.Warn("redis unavailable, grant cache disabled", slog.Any("error", err))
			redisClient = nil
		} else {
			defer func() {
				if err := redisClient.Close(); err != nil {
					logger.Warn("redis close", slog.Any("error", err))
				}
			}()
		}
	}

	metrics := observability.NewMetrics()
	authzMetrics := rbac.NewMetrics(metrics.Registerer())

	jobClient, err := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	if err != nil {
		logger.Error("init job client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()
	auditSink := audit.NewAsyncSink(jobClient, audit.SinkConfig{
		BufferSize: cfg.AuditBufferSize,
		Workers:    cfg.AuditWorkers,
		Logger:     logger,
	})

	usersRepo := users.NewRepository(dbpool)
	storesRepo := stores.NewRepository(dbpool)
	grantsRepo := grants.NewRepository(dbpool)

	var grantStore rbac.GrantStore = grantsRepo
	var grantCache *rbac.GrantCache
	if redisClient != nil {
		grantCache = rbac.NewGrantCache(redisClient, grantsRepo, cfg.GrantCacheTTL, logger)
		grantStore = grantCache
	}

	resolver := rbac.NewResolver(catalog, grantStore, evaluator)
	authorizer := rbac.NewAuthorizer(resolver,
		rbac.WithAuditSink(auditSink),
		rbac.WithMetrics(authzMetrics),
		rbac.WithLogger(logger),
	)
	directory := rbac.NewDirectory(usersRepo, storesRepo)
	rbacMiddleware := rbac.Middleware{Authorizer: authorizer, Directory: directory, Logger: logger}

	tokens, err := auth.NewTokens(cfg.JWTSecret, cfg.JWTIssuer, cfg.JWTTTL)
	if err != nil {
		logger.Error("init tokens", slog.Any("error", err))
		os.Exit(1)
	}

	grantsService := grants.NewService(grantsRepo, authorizer, directory, storesRepo, evaluator).WithLogger(logger)
	if grantCache != nil {
		grantsService = grantsService.WithCache(grantCache)
	}

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	readiness := []app.ReadinessCheck{{Name: "postgres", Check: dbpool.Ping}}
	if redisClient != nil {
		readiness = append(readiness, app.ReadinessCheck{Name: "redis", Check: func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		}})
	}

	router := app.NewRouter(app.RouterParams{
		Logger:             logger,
		Config:             cfg,
		AuthMiddleware:     auth.NewMiddleware(tokens, directory, logger),
		PermissionsHandler: grants.NewHandler(logger, grantsService),
		UsersHandler:       users.NewHandler(logger, users.NewService(usersRepo, logger), rbacMiddleware),
		StoresHandler:      stores.NewHandler(logger, stores.NewService(storesRepo, logger), rbacMiddleware),
		RolesHandler:       roles.NewHandler(logger, roles.NewService(catalog), rbacMiddleware),
		AuditHandler:       audit.NewHandler(logger, audit.NewService(audit.NewRepository(dbpool)), rbacMiddleware),
		JobHandler:         jobs.NewHandler(inspector, logger),
		Readiness:          readiness,
		Metrics:            metrics,
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
	if err := auditSink.Close(shutdownCtx); err != nil {
		logger.Warn("audit sink drain", slog.Any("error", err))
	}
}
