package billing

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kayatiwi/fees-portal/internal/observability"
	"github.com/kayatiwi/fees-portal/internal/registry"
	"github.com/kayatiwi/fees-portal/internal/shared"
)

// MasterData narrows the registry surface billing depends on.
type MasterData interface {
	GetTerm(ctx context.Context, id string) (registry.Term, error)
	ListClasses(ctx context.Context) ([]registry.Class, error)
	StudentsInClass(ctx context.Context, classID string) ([]registry.Student, error)
	FeeStructuresFor(ctx context.Context, classID, termID string) ([]registry.FeeStructure, error)
	ListFeeItems(ctx context.Context) ([]registry.FeeItem, error)
}

// Service handles billing business logic.
type Service struct {
	repo    RepositoryPort
	master  MasterData
	logger  *slog.Logger
	metrics *observability.Metrics
	audit   *shared.AuditLogger
}

// NewService builds a Service instance.
func NewService(repo RepositoryPort, master MasterData, logger *slog.Logger, metrics *observability.Metrics, audit *shared.AuditLogger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, master: master, logger: logger, metrics: metrics, audit: audit}
}

// Summary carries the dashboard headline figures.
type Summary struct {
	Outstanding float64
	UpcomingDue int
}

// GuardianInvoices lists a guardian's invoices with the dashboard summary.
// Negative balances are clamped inside OutstandingBalance; each occurrence
// is logged and counted as a data-integrity warning.
func (s *Service) GuardianInvoices(ctx context.Context, guardianID string) ([]Invoice, Summary, error) {
	invoices, err := s.repo.ListInvoicesByGuardian(ctx, guardianID)
	if err != nil {
		return nil, Summary{}, err
	}
	outstanding, clamped := OutstandingBalance(invoices)
	if clamped > 0 {
		s.logger.Warn("invoice balance clamped to zero",
			slog.String("guardian_id", guardianID),
			slog.Int("count", clamped))
		for i := 0; i < clamped; i++ {
			s.metrics.BalanceClamped()
		}
	}
	return invoices, Summary{
		Outstanding: outstanding,
		UpcomingDue: UpcomingDueCount(invoices, time.Now()),
	}, nil
}

// InvoiceDetail bundles everything the invoice page shows.
type InvoiceDetail struct {
	Invoice     Invoice
	Lines       []InvoiceLine
	Adjustments []ScholarshipAdjustment
	BalanceDue  float64
}

// GetInvoiceDetail loads an invoice with lines and adjustments. When
// guardianID is non-empty the invoice must belong to that guardian.
func (s *Service) GetInvoiceDetail(ctx context.Context, id, guardianID string) (*InvoiceDetail, error) {
	invoice, err := s.repo.GetInvoice(ctx, id)
	if err != nil {
		return nil, err
	}
	if guardianID != "" && invoice.GuardianID != guardianID {
		return nil, shared.ErrForbidden
	}
	lines, err := s.repo.ListInvoiceLines(ctx, id)
	if err != nil {
		return nil, err
	}
	adjustments, err := s.repo.ListAdjustmentsByInvoice(ctx, id)
	if err != nil {
		return nil, err
	}
	return &InvoiceDetail{
		Invoice:     *invoice,
		Lines:       lines,
		Adjustments: adjustments,
		BalanceDue:  EffectiveBalance(*invoice, adjustments),
	}, nil
}

// GenerateInvoices creates one issued invoice per enrolled student from the
// fee structures of the student's class for the given term. Students in
// classes without a fee structure, and students already billed for the
// term, are skipped, so the operation can be re-run safely. Returns the
// number of invoices created.
func (s *Service) GenerateInvoices(ctx context.Context, termID string, dueDate time.Time, generatedBy string) (int, error) {
	term, err := s.master.GetTerm(ctx, termID)
	if err != nil {
		return 0, err
	}
	if dueDate.IsZero() {
		dueDate = term.EndDate
	}

	feeItems, err := s.master.ListFeeItems(ctx)
	if err != nil {
		return 0, err
	}
	titles := make(map[string]string, len(feeItems))
	categories := make(map[string]string, len(feeItems))
	for _, item := range feeItems {
		titles[item.ID] = item.Title
		categories[item.ID] = item.Category
	}

	classes, err := s.master.ListClasses(ctx)
	if err != nil {
		return 0, err
	}

	created := 0
	year := term.StartDate.Year()
	for _, class := range classes {
		structures, err := s.master.FeeStructuresFor(ctx, class.ID, termID)
		if err != nil {
			return created, err
		}
		if len(structures) == 0 {
			continue
		}
		students, err := s.master.StudentsInClass(ctx, class.ID)
		if err != nil {
			return created, err
		}
		for _, student := range students {
			if student.GuardianID == nil {
				s.logger.Warn("student has no guardian, skipping invoice",
					slog.String("student_id", student.ID))
				continue
			}
			// Re-running generation must not double-bill a student.
			existing, err := s.repo.ListInvoicesByStudent(ctx, student.ID)
			if err != nil {
				return created, err
			}
			billed := false
			for _, inv := range existing {
				if inv.TermID == termID && inv.Status != StatusCancelled {
					billed = true
					break
				}
			}
			if billed {
				continue
			}
			var lines []InvoiceLine
			var total float64
			for _, fs := range structures {
				// Boarding fees only apply to boarders.
				if categories[fs.FeeItemID] == "boarding" && student.BoardingStatus == registry.BoardingDay {
					continue
				}
				lines = append(lines, InvoiceLine{
					FeeItemID:   fs.FeeItemID,
					Description: titles[fs.FeeItemID],
					Amount:      fs.Amount,
				})
				total += fs.Amount
			}
			if len(lines) == 0 {
				continue
			}
			number, err := s.repo.NextInvoiceNumber(ctx, year)
			if err != nil {
				return created, err
			}
			invoice, err := s.repo.CreateInvoiceWithLines(ctx, Invoice{
				InvoiceNo:   number,
				StudentID:   student.ID,
				GuardianID:  *student.GuardianID,
				TermID:      termID,
				DueDate:     dueDate,
				TotalAmount: total,
				Status:      StatusIssued,
			}, lines)
			if err != nil {
				return created, err
			}
			created++
			s.logger.Info("invoice generated",
				slog.String("invoice_no", invoice.InvoiceNo),
				slog.String("student_id", student.ID))
		}
	}

	if s.audit != nil && created > 0 {
		if err := s.audit.Record(ctx, shared.AuditLog{
			UserID:   generatedBy,
			Action:   "invoices.generate",
			Entity:   "term",
			EntityID: termID,
			Data:     map[string]any{"created": created},
		}); err != nil {
			s.logger.Warn("audit invoice generation", slog.Any("error", err))
		}
	}
	return created, nil
}

// ApplyScholarship records a scholarship adjustment for a student.
func (s *Service) ApplyScholarship(ctx context.Context, adj ScholarshipAdjustment) (*ScholarshipAdjustment, error) {
	if adj.StudentID == "" {
		return nil, fmt.Errorf("%w: student is required", shared.ErrValidation)
	}
	if adj.Amount <= 0 {
		return nil, fmt.Errorf("%w: adjustment amount must be positive", shared.ErrValidation)
	}
	if strings.TrimSpace(adj.Reason) == "" {
		return nil, fmt.Errorf("%w: a reason is required", shared.ErrValidation)
	}
	if adj.InvoiceID != nil {
		invoice, err := s.repo.GetInvoice(ctx, *adj.InvoiceID)
		if err != nil {
			return nil, err
		}
		if invoice.StudentID != adj.StudentID {
			return nil, fmt.Errorf("%w: invoice does not belong to student", shared.ErrValidation)
		}
	}
	created, err := s.repo.CreateAdjustment(ctx, adj)
	if err != nil {
		return nil, err
	}
	if s.audit != nil {
		if err := s.audit.Record(ctx, shared.AuditLog{
			UserID:   adj.AppliedBy,
			Action:   "scholarship.apply",
			Entity:   "student",
			EntityID: adj.StudentID,
			Data:     map[string]any{"amount": adj.Amount, "reason": adj.Reason},
		}); err != nil {
			s.logger.Warn("audit scholarship", slog.Any("error", err))
		}
	}
	return created, nil
}

// MarkOverdue flips past-due issued and partial invoices to overdue.
func (s *Service) MarkOverdue(ctx context.Context, asOf time.Time) (int64, error) {
	updated, err := s.repo.MarkOverdue(ctx, asOf)
	if err != nil {
		return 0, err
	}
	if updated > 0 {
		s.logger.Info("invoices marked overdue", slog.Int64("count", updated))
	}
	return updated, nil
}
