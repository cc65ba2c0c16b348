package payments

import (
	"context"
	"errors"
	"time"

	"github.com/kayatiwi/fees-portal/internal/billing"
	"github.com/kayatiwi/fees-portal/internal/shared"
)

// Method enumerates payment channels.
type Method string

const (
	MethodMpesa  Method = "mpesa"
	MethodStripe Method = "stripe"
	MethodBank   Method = "bank_transfer"
	MethodManual Method = "manual"
)

// Valid reports whether the method is a known value.
func (m Method) Valid() bool {
	switch m {
	case MethodMpesa, MethodStripe, MethodBank, MethodManual:
		return true
	}
	return false
}

// Status enumerates payment lifecycle states.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusRefunded  Status = "refunded"
)

// Payment is a single payment attempt against an invoice. Every attempt
// is persisted as pending before any provider is contacted.
type Payment struct {
	ID          string
	InvoiceID   *string
	Amount      float64
	Method      Method
	Status      Status
	PayerUserID *string
	ProviderRef *string
	RawPayload  []byte
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// MpesaTransaction mirrors the provider callback. Rows are immutable.
type MpesaTransaction struct {
	ID              string
	PaymentID       string
	Phone           string
	MpesaReceiptNo  string
	TransactionDate time.Time
	Amount          float64
	CreatedAt       time.Time
}

// BankProof is an uploaded evidence of a bank transfer. Only the
// verification fields ever change after insert.
type BankProof struct {
	ID         string
	PaymentID  string
	BankRef    string
	FileURL    string
	VerifiedBy *string
	VerifiedAt *time.Time
	CreatedAt  time.Time
}

// Reconciliation and initiation errors.
var (
	ErrAlreadyCompleted = errors.New("payments: payment already completed")
	ErrNotPending       = errors.New("payments: payment is not pending")
	ErrOverpayment      = errors.New("payments: amount exceeds balance due")
	ErrInvalidPhone     = errors.New("payments: phone number must have at least 10 digits")
	ErrInvalidAmount    = errors.New("payments: amount must be positive")
	ErrProofNotVerified = errors.New("payments: bank proof is not verified")
)

// TxPort exposes row-locked operations inside a reconciliation transaction.
type TxPort interface {
	LockPayment(ctx context.Context, id string) (*Payment, error)
	LockInvoice(ctx context.Context, id string) (*billing.Invoice, error)
	UpdatePayment(ctx context.Context, id string, status Status, providerRef *string, rawPayload []byte) error
	ApplyToInvoice(ctx context.Context, invoiceID string, paidAmount float64, status billing.InvoiceStatus) error
	RecordAudit(ctx context.Context, log shared.AuditLog) error
}

// RepositoryPort defines data access for payments.
type RepositoryPort interface {
	CreatePayment(ctx context.Context, payment Payment) (*Payment, error)
	GetPayment(ctx context.Context, id string) (*Payment, error)
	FindByProviderRef(ctx context.Context, ref string) (*Payment, error)
	ListForInvoice(ctx context.Context, invoiceID string) ([]Payment, error)
	ListStalePending(ctx context.Context, olderThan time.Time) ([]Payment, error)
	SetProviderRef(ctx context.Context, id, ref string) error
	CreateMpesaTransaction(ctx context.Context, txn MpesaTransaction) (*MpesaTransaction, error)
	CreateBankProof(ctx context.Context, proof BankProof) (*BankProof, error)
	GetBankProof(ctx context.Context, id string) (*BankProof, error)
	VerifyBankProof(ctx context.Context, id, verifiedBy string) (*BankProof, error)
	WithTx(ctx context.Context, fn func(context.Context, TxPort) error) error
}
