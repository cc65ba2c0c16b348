package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kayatiwi/fees-portal/internal/platform/db"
	"github.com/kayatiwi/fees-portal/internal/shared"
)

// Repository provides PostgreSQL backed persistence for billing.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const invoiceColumns = `id, invoice_no, student_id, guardian_id, term_id, due_date, total_amount, paid_amount, status, created_at, updated_at`

func scanInvoice(row pgx.Row) (*Invoice, error) {
	var inv Invoice
	err := row.Scan(&inv.ID, &inv.InvoiceNo, &inv.StudentID, &inv.GuardianID, &inv.TermID, &inv.DueDate, &inv.TotalAmount, &inv.PaidAmount, &inv.Status, &inv.CreatedAt, &inv.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, shared.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &inv, nil
}

// GetInvoice retrieves an invoice by ID.
func (r *Repository) GetInvoice(ctx context.Context, id string) (*Invoice, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE id = $1`, id)
	return scanInvoice(row)
}

// ListInvoicesByGuardian returns the guardian's invoices, newest first.
func (r *Repository) ListInvoicesByGuardian(ctx context.Context, guardianID string) ([]Invoice, error) {
	return r.listInvoices(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE guardian_id = $1 ORDER BY created_at DESC`, guardianID)
}

// ListInvoicesByStudent returns a student's invoices, newest first.
func (r *Repository) ListInvoicesByStudent(ctx context.Context, studentID string) ([]Invoice, error) {
	return r.listInvoices(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE student_id = $1 ORDER BY created_at DESC`, studentID)
}

func (r *Repository) listInvoices(ctx context.Context, query string, args ...any) ([]Invoice, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var invoices []Invoice
	for rows.Next() {
		var inv Invoice
		if err := rows.Scan(&inv.ID, &inv.InvoiceNo, &inv.StudentID, &inv.GuardianID, &inv.TermID, &inv.DueDate, &inv.TotalAmount, &inv.PaidAmount, &inv.Status, &inv.CreatedAt, &inv.UpdatedAt); err != nil {
			return nil, err
		}
		invoices = append(invoices, inv)
	}
	return invoices, rows.Err()
}

// ListInvoiceLines returns the line items for an invoice.
func (r *Repository) ListInvoiceLines(ctx context.Context, invoiceID string) ([]InvoiceLine, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, invoice_id, fee_item_id, description, amount, created_at FROM invoice_lines WHERE invoice_id = $1 ORDER BY created_at`, invoiceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var lines []InvoiceLine
	for rows.Next() {
		var line InvoiceLine
		if err := rows.Scan(&line.ID, &line.InvoiceID, &line.FeeItemID, &line.Description, &line.Amount, &line.CreatedAt); err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}
	return lines, rows.Err()
}

// CreateInvoiceWithLines inserts an invoice and all its lines atomically.
func (r *Repository) CreateInvoiceWithLines(ctx context.Context, invoice Invoice, lines []InvoiceLine) (*Invoice, error) {
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `INSERT INTO invoices (invoice_no, student_id, guardian_id, term_id, due_date, total_amount, paid_amount, status, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, 0, $7, NOW(), NOW()) RETURNING id, created_at, updated_at`,
			invoice.InvoiceNo, invoice.StudentID, invoice.GuardianID, invoice.TermID, invoice.DueDate, invoice.TotalAmount, invoice.Status,
		).Scan(&invoice.ID, &invoice.CreatedAt, &invoice.UpdatedAt)
		if err != nil {
			return err
		}
		for _, line := range lines {
			_, err := tx.Exec(ctx, `INSERT INTO invoice_lines (invoice_id, fee_item_id, description, amount, created_at)
VALUES ($1, $2, $3, $4, NOW())`, invoice.ID, line.FeeItemID, line.Description, line.Amount)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	invoice.PaidAmount = 0
	return &invoice, nil
}

// NextInvoiceNumber allocates the next sequential invoice number for a year.
func (r *Repository) NextInvoiceNumber(ctx context.Context, year int) (string, error) {
	prefix := fmt.Sprintf("INV-%d-", year)
	var seq int
	err := r.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(SUBSTRING(invoice_no FROM $2)::int), 0) + 1
		 FROM invoices WHERE invoice_no LIKE $1 || '%'`,
		prefix, len(prefix)+1,
	).Scan(&seq)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s%05d", prefix, seq), nil
}

// CreateAdjustment records a scholarship adjustment.
func (r *Repository) CreateAdjustment(ctx context.Context, adj ScholarshipAdjustment) (*ScholarshipAdjustment, error) {
	err := r.pool.QueryRow(ctx, `INSERT INTO scholarships_adjustments (student_id, invoice_id, amount, reason, applied_by, created_at)
VALUES ($1, $2, $3, $4, $5, NOW()) RETURNING id, created_at`,
		adj.StudentID, adj.InvoiceID, adj.Amount, adj.Reason, adj.AppliedBy,
	).Scan(&adj.ID, &adj.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &adj, nil
}

// ListAdjustmentsByInvoice returns adjustments applied to an invoice.
func (r *Repository) ListAdjustmentsByInvoice(ctx context.Context, invoiceID string) ([]ScholarshipAdjustment, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, student_id, invoice_id, amount, reason, applied_by, created_at FROM scholarships_adjustments WHERE invoice_id = $1 ORDER BY created_at`, invoiceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var adjustments []ScholarshipAdjustment
	for rows.Next() {
		var adj ScholarshipAdjustment
		if err := rows.Scan(&adj.ID, &adj.StudentID, &adj.InvoiceID, &adj.Amount, &adj.Reason, &adj.AppliedBy, &adj.CreatedAt); err != nil {
			return nil, err
		}
		adjustments = append(adjustments, adj)
	}
	return adjustments, rows.Err()
}

// MarkOverdue flips issued and partial invoices past their due date to
// overdue. Returns the number of rows updated.
func (r *Repository) MarkOverdue(ctx context.Context, asOf time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE invoices SET status = 'overdue', updated_at = NOW()
		 WHERE status IN ('issued', 'partial') AND due_date < $1`, asOf)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

var _ RepositoryPort = (*Repository)(nil)
