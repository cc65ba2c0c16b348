package payments

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kayatiwi/fees-portal/internal/billing"
	"github.com/kayatiwi/fees-portal/internal/shared"
)

// Repository provides PostgreSQL backed persistence for payments.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const paymentColumns = `id, invoice_id, amount, method, status, payer_user_id, provider_ref, raw_payload, created_at, updated_at`

func scanPayment(row pgx.Row) (*Payment, error) {
	var p Payment
	err := row.Scan(&p.ID, &p.InvoiceID, &p.Amount, &p.Method, &p.Status, &p.PayerUserID, &p.ProviderRef, &p.RawPayload, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, shared.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// CreatePayment inserts a payment row, always pending.
func (r *Repository) CreatePayment(ctx context.Context, payment Payment) (*Payment, error) {
	err := r.pool.QueryRow(ctx, `INSERT INTO payments (invoice_id, amount, method, status, payer_user_id, provider_ref, raw_payload, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW()) RETURNING id, created_at, updated_at`,
		payment.InvoiceID, payment.Amount, payment.Method, payment.Status, payment.PayerUserID, payment.ProviderRef, payment.RawPayload,
	).Scan(&payment.ID, &payment.CreatedAt, &payment.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &payment, nil
}

// GetPayment retrieves a payment by ID.
func (r *Repository) GetPayment(ctx context.Context, id string) (*Payment, error) {
	return scanPayment(r.pool.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id))
}

// FindByProviderRef locates the payment carrying a provider reference.
func (r *Repository) FindByProviderRef(ctx context.Context, ref string) (*Payment, error) {
	return scanPayment(r.pool.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE provider_ref = $1`, ref))
}

// ListForInvoice returns payments recorded against an invoice.
func (r *Repository) ListForInvoice(ctx context.Context, invoiceID string) ([]Payment, error) {
	return r.list(ctx, `SELECT `+paymentColumns+` FROM payments WHERE invoice_id = $1 ORDER BY created_at DESC`, invoiceID)
}

// ListStalePending returns pending payments created before the cutoff.
func (r *Repository) ListStalePending(ctx context.Context, olderThan time.Time) ([]Payment, error) {
	return r.list(ctx, `SELECT `+paymentColumns+` FROM payments WHERE status = 'pending' AND created_at < $1 ORDER BY created_at`, olderThan)
}

func (r *Repository) list(ctx context.Context, query string, args ...any) ([]Payment, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var payments []Payment
	for rows.Next() {
		var p Payment
		if err := rows.Scan(&p.ID, &p.InvoiceID, &p.Amount, &p.Method, &p.Status, &p.PayerUserID, &p.ProviderRef, &p.RawPayload, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

// SetProviderRef stores the gateway reference on a payment.
func (r *Repository) SetProviderRef(ctx context.Context, id, ref string) error {
	_, err := r.pool.Exec(ctx, `UPDATE payments SET provider_ref = $1, updated_at = NOW() WHERE id = $2`, ref, id)
	return err
}

// CreateMpesaTransaction records an M-Pesa callback. Rows are immutable.
func (r *Repository) CreateMpesaTransaction(ctx context.Context, txn MpesaTransaction) (*MpesaTransaction, error) {
	err := r.pool.QueryRow(ctx, `INSERT INTO mpesa_transactions (payment_id, phone, mpesa_receipt_no, transaction_date, amount, created_at)
VALUES ($1, $2, $3, $4, $5, NOW()) RETURNING id, created_at`,
		txn.PaymentID, txn.Phone, txn.MpesaReceiptNo, txn.TransactionDate, txn.Amount,
	).Scan(&txn.ID, &txn.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &txn, nil
}

// CreateBankProof records an uploaded transfer proof.
func (r *Repository) CreateBankProof(ctx context.Context, proof BankProof) (*BankProof, error) {
	err := r.pool.QueryRow(ctx, `INSERT INTO bank_proofs (payment_id, bank_ref, file_url, created_at)
VALUES ($1, $2, $3, NOW()) RETURNING id, created_at`,
		proof.PaymentID, proof.BankRef, proof.FileURL,
	).Scan(&proof.ID, &proof.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &proof, nil
}

// GetBankProof retrieves a proof by ID.
func (r *Repository) GetBankProof(ctx context.Context, id string) (*BankProof, error) {
	var proof BankProof
	err := r.pool.QueryRow(ctx, `SELECT id, payment_id, bank_ref, file_url, verified_by, verified_at, created_at FROM bank_proofs WHERE id = $1`, id).
		Scan(&proof.ID, &proof.PaymentID, &proof.BankRef, &proof.FileURL, &proof.VerifiedBy, &proof.VerifiedAt, &proof.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, shared.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &proof, nil
}

// VerifyBankProof stamps the verification fields, once.
func (r *Repository) VerifyBankProof(ctx context.Context, id, verifiedBy string) (*BankProof, error) {
	var proof BankProof
	err := r.pool.QueryRow(ctx, `UPDATE bank_proofs SET verified_by = $1, verified_at = NOW()
WHERE id = $2 AND verified_at IS NULL
RETURNING id, payment_id, bank_ref, file_url, verified_by, verified_at, created_at`, verifiedBy, id).
		Scan(&proof.ID, &proof.PaymentID, &proof.BankRef, &proof.FileURL, &proof.VerifiedBy, &proof.VerifiedAt, &proof.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		// Either missing or already verified.
		existing, getErr := r.GetBankProof(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		return existing, ErrAlreadyCompleted
	}
	if err != nil {
		return nil, err
	}
	return &proof, nil
}

type txRepo struct {
	tx pgx.Tx
}

// WithTx wraps fn in a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxPort) error) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return err
	}
	wrapper := &txRepo{tx: tx}
	if err := fn(ctx, wrapper); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

// LockPayment selects the payment row FOR UPDATE.
func (t *txRepo) LockPayment(ctx context.Context, id string) (*Payment, error) {
	return scanPayment(t.tx.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1 FOR UPDATE`, id))
}

// LockInvoice selects the invoice row FOR UPDATE, serialising concurrent
// completions against the same invoice.
func (t *txRepo) LockInvoice(ctx context.Context, id string) (*billing.Invoice, error) {
	var inv billing.Invoice
	err := t.tx.QueryRow(ctx, `SELECT id, invoice_no, student_id, guardian_id, term_id, due_date, total_amount, paid_amount, status, created_at, updated_at
FROM invoices WHERE id = $1 FOR UPDATE`, id).
		Scan(&inv.ID, &inv.InvoiceNo, &inv.StudentID, &inv.GuardianID, &inv.TermID, &inv.DueDate, &inv.TotalAmount, &inv.PaidAmount, &inv.Status, &inv.CreatedAt, &inv.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, shared.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &inv, nil
}

func (t *txRepo) UpdatePayment(ctx context.Context, id string, status Status, providerRef *string, rawPayload []byte) error {
	_, err := t.tx.Exec(ctx, `UPDATE payments SET status = $1, provider_ref = COALESCE($2, provider_ref), raw_payload = COALESCE($3, raw_payload), updated_at = NOW() WHERE id = $4`,
		status, providerRef, rawPayload, id)
	return err
}

func (t *txRepo) ApplyToInvoice(ctx context.Context, invoiceID string, paidAmount float64, status billing.InvoiceStatus) error {
	_, err := t.tx.Exec(ctx, `UPDATE invoices SET paid_amount = $1, status = $2, updated_at = NOW() WHERE id = $3`,
		paidAmount, status, invoiceID)
	return err
}

func (t *txRepo) RecordAudit(ctx context.Context, log shared.AuditLog) error {
	data, err := json.Marshal(log.Data)
	if err != nil {
		return err
	}
	var userID any
	if log.UserID != "" {
		userID = log.UserID
	}
	_, err = t.tx.Exec(ctx, `INSERT INTO audit_logs (user_id, action, entity, entity_id, data, "timestamp") VALUES ($1, $2, $3, $4, $5, NOW())`,
		userID, log.Action, log.Entity, log.EntityID, data)
	return err
}

var _ RepositoryPort = (*Repository)(nil)
