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
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kayatiwi/fees-portal/internal/app"
	"github.com/kayatiwi/fees-portal/internal/auth"
	"github.com/kayatiwi/fees-portal/internal/billing"
	"github.com/kayatiwi/fees-portal/internal/observability"
	"github.com/kayatiwi/fees-portal/internal/payments"
	"github.com/kayatiwi/fees-portal/internal/platform/cache"
	"github.com/kayatiwi/fees-portal/internal/rbac"
	"github.com/kayatiwi/fees-portal/internal/registry"
	"github.com/kayatiwi/fees-portal/internal/shared"
	"github.com/kayatiwi/fees-portal/internal/view"
	"github.com/kayatiwi/fees-portal/jobs"
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

	dbpool, err := pgxpool.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	sessionManager := shared.NewSessionManager(redisClient, "portal_session", cfg.SessionSecret, cfg.SessionTTL, cfg.IsProduction())
	csrfManager := shared.NewCSRFManager(cfg.CSRFSecret)

	templates, err := view.NewEngine()
	if err != nil {
		logger.Error("parse templates", slog.Any("error", err))
		os.Exit(1)
	}

	authRepo := auth.NewRepository(dbpool)
	authService := auth.NewService(authRepo)
	authHandler := auth.NewHandler(logger, authService, templates, sessionManager, csrfManager)

	auditLogger := shared.NewAuditLogger(dbpool)
	idempotencyStore := shared.NewIdempotencyStore(dbpool)
	metrics := observability.NewMetrics()

	rbacService := rbac.NewService(dbpool)
	rbacMiddleware := rbac.Middleware{Service: rbacService, Logger: logger}

	registryRepo := registry.NewRepository(dbpool)
	registryService := registry.NewService(registryRepo)

	billingRepo := billing.NewRepository(dbpool)
	billingService := billing.NewService(billingRepo, registryService, logger, metrics, auditLogger)

	providers := map[payments.Method]payments.Provider{
		payments.MethodMpesa:  payments.NewMpesaClient(nil, cfg.MpesaEndpoint, cfg.MpesaShortcode),
		payments.MethodStripe: payments.NewStripeClient(nil, cfg.StripeEndpoint),
		payments.MethodBank:   payments.BankProvider{},
	}
	paymentsRepo := payments.NewRepository(dbpool)
	paymentsService := payments.NewService(paymentsRepo, providers, logger, metrics, auditLogger, cfg.ProviderTimeout)

	billingHandler := billing.NewHandler(logger, billingService, registryService, paymentsService, templates, csrfManager, sessionManager, rbacMiddleware)
	paymentsHandler := payments.NewHandler(logger, paymentsService, billingService, registryService, templates, csrfManager, sessionManager, rbacMiddleware, idempotencyStore, payments.BankDetails{
		Name:        cfg.BankName,
		AccountName: cfg.BankAccountName,
		Account:     cfg.BankAccount,
		Branch:      cfg.BankBranch,
	}, cfg.ProofUploadDir)

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobHandler := jobs.NewHandler(inspector, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:          logger,
		Config:          cfg,
		Templates:       templates,
		SessionManager:  sessionManager,
		CSRFManager:     csrfManager,
		AuthHandler:     authHandler,
		BillingHandler:  billingHandler,
		PaymentsHandler: paymentsHandler,
		JobHandler:      jobHandler,
		RBACMiddleware:  rbacMiddleware,
		Metrics:         metrics,
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
}
