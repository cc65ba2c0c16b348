package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/kayatiwi/fees-portal/internal/billing"
	jobmetrics "github.com/kayatiwi/fees-portal/internal/jobs"
	"github.com/kayatiwi/fees-portal/internal/payments"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskExpireStalePayments sweeps payments stuck in pending.
	TaskExpireStalePayments = "payments:expire_stale"
	// TaskMarkOverdueInvoices flips past-due invoices to overdue.
	TaskMarkOverdueInvoices = "invoices:mark_overdue"
)

// ExpireStalePayload configures a stale-payment sweep run.
type ExpireStalePayload struct {
	TTL time.Duration `json:"ttl"`
}

// NewExpireStaleTask constructs the sweep task.
func NewExpireStaleTask(payload ExpireStalePayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskExpireStalePayments, data), nil
}

// NewMarkOverdueTask constructs the overdue-marking task.
func NewMarkOverdueTask() *asynq.Task {
	return asynq.NewTask(TaskMarkOverdueInvoices, nil)
}

// NewExpireStaleHandler builds the handler for stale pending payments.
// Each run polls the provider for every stale payment and settles it one
// way or the other.
func NewExpireStaleHandler(service *payments.Service, defaultTTL time.Duration, logger *slog.Logger, metrics *jobmetrics.Metrics) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		tracker := metrics.Track("expire_stale_payments")
		var payload ExpireStalePayload
		if len(t.Payload()) > 0 {
			if err := json.Unmarshal(t.Payload(), &payload); err != nil {
				return tracker.End(asynq.SkipRetry)
			}
		}
		ttl := payload.TTL
		if ttl <= 0 {
			ttl = defaultTTL
		}
		processed, err := service.ExpireStalePending(ctx, ttl)
		if err != nil {
			logger.Error("expire stale payments", slog.Any("error", err))
			return tracker.End(err)
		}
		metrics.AddSwept("expire_stale_payments", processed)
		if processed > 0 {
			logger.Info("stale payments settled", slog.Int("count", processed))
		}
		return tracker.End(nil)
	}
}

// NewMarkOverdueHandler builds the handler that marks past-due invoices.
func NewMarkOverdueHandler(service *billing.Service, logger *slog.Logger, metrics *jobmetrics.Metrics) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		tracker := metrics.Track("mark_overdue_invoices")
		updated, err := service.MarkOverdue(ctx, time.Now())
		if err != nil {
			logger.Error("mark overdue invoices", slog.Any("error", err))
			return tracker.End(err)
		}
		metrics.AddSwept("mark_overdue_invoices", int(updated))
		return tracker.End(nil)
	}
}
