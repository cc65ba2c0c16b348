package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kayatiwi/fees-portal/internal/app"
	"github.com/kayatiwi/fees-portal/internal/billing"
	jobmetrics "github.com/kayatiwi/fees-portal/internal/jobs"
	"github.com/kayatiwi/fees-portal/internal/payments"
	"github.com/kayatiwi/fees-portal/internal/registry"
	"github.com/kayatiwi/fees-portal/internal/shared"
	"github.com/kayatiwi/fees-portal/jobs"
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

	pool, err := pgxpool.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	auditLogger := shared.NewAuditLogger(pool)

	registryRepo := registry.NewRepository(pool)
	registryService := registry.NewService(registryRepo)

	billingRepo := billing.NewRepository(pool)
	billingService := billing.NewService(billingRepo, registryService, logger, nil, auditLogger)

	providers := map[payments.Method]payments.Provider{
		payments.MethodMpesa:  payments.NewMpesaClient(nil, cfg.MpesaEndpoint, cfg.MpesaShortcode),
		payments.MethodStripe: payments.NewStripeClient(nil, cfg.StripeEndpoint),
		payments.MethodBank:   payments.BankProvider{},
	}
	paymentsRepo := payments.NewRepository(pool)
	paymentsService := payments.NewService(paymentsRepo, providers, logger, nil, auditLogger, cfg.ProviderTimeout)

	metrics := jobmetrics.NewMetrics(nil)

	expireTask, err := jobs.NewExpireStaleTask(jobs.ExpireStalePayload{TTL: cfg.PendingPaymentTTL})
	if err != nil {
		logger.Error("build expire task", slog.Any("error", err))
		os.Exit(1)
	}
	overdueTask := jobs.NewMarkOverdueTask()

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskExpireStalePayments, Handler: jobs.NewExpireStaleHandler(paymentsService, cfg.PendingPaymentTTL, logger, metrics)},
			{Type: jobs.TaskMarkOverdueInvoices, Handler: jobs.NewMarkOverdueHandler(billingService, logger, metrics)},
		},
		Cron: []jobs.CronRegistration{
			{Spec: "@every 5m", Task: expireTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
			{Spec: "0 * * * *", Task: overdueTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
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
