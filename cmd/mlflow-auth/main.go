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

	"github.com/dylinzl/mlflow-auth/internal/api"
	"github.com/dylinzl/mlflow-auth/internal/app"
	"github.com/dylinzl/mlflow-auth/internal/authn"
	"github.com/dylinzl/mlflow-auth/internal/authz"
	"github.com/dylinzl/mlflow-auth/internal/observability"
	"github.com/dylinzl/mlflow-auth/internal/permission"
	"github.com/dylinzl/mlflow-auth/internal/platform/db"
	"github.com/dylinzl/mlflow-auth/internal/proxy"
	"github.com/dylinzl/mlflow-auth/internal/shared"
	"github.com/dylinzl/mlflow-auth/internal/store"
	"github.com/dylinzl/mlflow-auth/internal/tracking"
	"github.com/dylinzl/mlflow-auth/internal/view"
	internalweb "github.com/dylinzl/mlflow-auth/internal/web"
	"github.com/dylinzl/mlflow-auth/jobs"
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

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	permStore := store.NewPostgres(pool)
	if err := permStore.EnsureSchema(ctx); err != nil {
		logger.Error("ensure schema", slog.Any("error", err))
		os.Exit(1)
	}
	if err := permStore.EnsureAdmin(ctx, cfg.AdminUsername, cfg.AdminPassword); err != nil {
		logger.Error("ensure admin user", slog.Any("error", err))
		os.Exit(1)
	}

	var sessionManager *shared.SessionManager
	if cfg.AuthMethod == app.AuthMethodSession {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Warn("redis ping", slog.Any("error", err))
		}
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close", slog.Any("error", err))
			}
		}()
		sessionManager = shared.NewSessionManager(redisClient, "mlflow_session", cfg.SessionTTL, cfg.IsProduction())
	}

	auth, err := authn.New(cfg.AuthMethod, authn.Config{
		Users:           permStore,
		SessionLifetime: cfg.SessionTTL,
	})
	if err != nil {
		logger.Error("init authenticator", slog.Any("error", err))
		os.Exit(1)
	}

	defaultPerm, err := permission.Get(cfg.DefaultPermission)
	if err != nil {
		logger.Error("default permission", slog.Any("error", err))
		os.Exit(1)
	}

	upstream, err := cfg.Upstream()
	if err != nil {
		logger.Error("parse upstream url", slog.Any("error", err))
		os.Exit(1)
	}

	trackingClient := tracking.NewClient(cfg.UpstreamURL, cfg.UpstreamUsername, cfg.UpstreamPassword)
	metrics := observability.NewMetrics()

	svc := authz.NewService(permStore, trackingClient, defaultPerm, logger)
	hooks := authz.NewHooks(permStore, svc, logger)
	table := authz.NewTable(svc, hooks)
	interceptor := authz.NewInterceptor(authz.InterceptorParams{
		Table:             table,
		Service:           svc,
		Auth:              auth,
		Logger:            logger,
		Recorder:          metrics,
		PermissiveRouting: cfg.PermissiveRouting,
	})

	upstreamProxy := proxy.New(proxy.Params{
		Upstream:    upstream,
		Interceptor: interceptor,
		Logger:      logger,
		Errors:      metrics,
	})

	templates, err := view.NewEngine()
	if err != nil {
		logger.Error("parse templates", slog.Any("error", err))
		os.Exit(1)
	}
	webService := internalweb.NewService(permStore)
	webHandler := internalweb.NewHandler(logger, webService, templates, sessionManager)

	queue := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := queue.Close(); err != nil {
			logger.Warn("queue close", slog.Any("error", err))
		}
	}()
	apiHandler := api.NewHandler(logger, permStore, func(ctx context.Context) error {
		_, err := queue.EnqueueOrphanSweep(ctx)
		return err
	})

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobHandler := jobs.NewHandler(inspector, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:         logger,
		Config:         cfg,
		SessionManager: sessionManager,
		Metrics:        metrics,
		WebHandler:     webHandler,
		APIHandler:     apiHandler,
		JobsHandler:    jobHandler,
		Interceptor:    interceptor,
		Proxy:          upstreamProxy,
	})

	server := &http.Server{
		Addr:        cfg.AppAddr,
		Handler:     router,
		ReadTimeout: cfg.AppReadTimeout,
	}

	go func() {
		logger.Info("starting http server",
			slog.String("addr", cfg.AppAddr),
			slog.String("upstream", cfg.UpstreamURL),
			slog.String("auth_method", cfg.AuthMethod))
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
}
