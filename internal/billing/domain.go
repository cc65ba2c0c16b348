package billing

import (
	"context"
	"time"
)

// InvoiceStatus enumerates invoice lifecycle states.
type InvoiceStatus string

const (
	StatusDraft     InvoiceStatus = "draft"
	StatusIssued    InvoiceStatus = "issued"
	StatusPaid      InvoiceStatus = "paid"
	StatusPartial   InvoiceStatus = "partial"
	StatusOverdue   InvoiceStatus = "overdue"
	StatusCancelled InvoiceStatus = "cancelled"
)

// Valid reports whether the status is a known value.
func (s InvoiceStatus) Valid() bool {
	switch s {
	case StatusDraft, StatusIssued, StatusPaid, StatusPartial, StatusOverdue, StatusCancelled:
		return true
	}
	return false
}

// Invoice is a termly fee bill for one student.
type Invoice struct {
	ID          string
	InvoiceNo   string
	StudentID   string
	GuardianID  string
	TermID      string
	DueDate     time.Time
	TotalAmount float64
	PaidAmount  float64
	Status      InvoiceStatus
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// BalanceDue is the unpaid remainder, never negative.
func (i Invoice) BalanceDue() float64 {
	balance := i.TotalAmount - i.PaidAmount
	if balance < 0 {
		return 0
	}
	return balance
}

// InvoiceLine is a single fee item billed on an invoice.
type InvoiceLine struct {
	ID          string
	InvoiceID   string
	FeeItemID   string
	Description string
	Amount      float64
	CreatedAt   time.Time
}

// ScholarshipAdjustment reduces a student's effective balance without
// changing the invoice total.
type ScholarshipAdjustment struct {
	ID        string
	StudentID string
	InvoiceID *string
	Amount    float64
	Reason    string
	AppliedBy string
	CreatedAt time.Time
}

// PaymentRecord is the slice of a payment the billing views need.
type PaymentRecord struct {
	ID          string
	Method      string
	Status      string
	ProviderRef string
	Amount      float64
	CreatedAt   time.Time
}

// PaymentSource supplies payment history for invoice views.
type PaymentSource interface {
	PaymentsForInvoice(ctx context.Context, invoiceID string) ([]PaymentRecord, error)
}

// RepositoryPort defines data access for billing.
type RepositoryPort interface {
	GetInvoice(ctx context.Context, id string) (*Invoice, error)
	ListInvoicesByGuardian(ctx context.Context, guardianID string) ([]Invoice, error)
	ListInvoicesByStudent(ctx context.Context, studentID string) ([]Invoice, error)
	ListInvoiceLines(ctx context.Context, invoiceID string) ([]InvoiceLine, error)
	CreateInvoiceWithLines(ctx context.Context, invoice Invoice, lines []InvoiceLine) (*Invoice, error)
	NextInvoiceNumber(ctx context.Context, year int) (string, error)
	CreateAdjustment(ctx context.Context, adj ScholarshipAdjustment) (*ScholarshipAdjustment, error)
	ListAdjustmentsByInvoice(ctx context.Context, invoiceID string) ([]ScholarshipAdjustment, error)
	MarkOverdue(ctx context.Context, asOf time.Time) (int64, error)
}
