package shared

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// AuditLog represents a record stored in audit_logs. Rows are append-only;
// nothing in the portal updates or deletes them.
type AuditLog struct {
	UserID   string
	Action   string
	Entity   string
	EntityID string
	Data     map[string]any
	At       time.Time
}

// AuditLogger writes records into audit_logs.
type AuditLogger struct {
	pool *pgxpool.Pool
}

// NewAuditLogger returns a new AuditLogger.
func NewAuditLogger(pool *pgxpool.Pool) *AuditLogger {
	return &AuditLogger{pool: pool}
}

// Record persists the log entry.
func (l *AuditLogger) Record(ctx context.Context, log AuditLog) error {
	if l == nil {
		return errors.New("audit logger not initialised")
	}
	if log.Action == "" || log.Entity == "" || log.EntityID == "" {
		return errors.New("audit log requires action/entity/entity_id")
	}
	dataJSON, err := json.Marshal(log.Data)
	if err != nil {
		return err
	}
	var userID any
	if log.UserID != "" {
		userID = log.UserID
	}
	var at any
	if !log.At.IsZero() {
		at = log.At
	}
	_, err = l.pool.Exec(ctx, `INSERT INTO audit_logs (user_id, action, entity, entity_id, data, "timestamp") VALUES ($1, $2, $3, $4, $5, COALESCE($6, NOW()))`, userID, log.Action, log.Entity, log.EntityID, dataJSON, at)
	return err
}
