package billing

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kayatiwi/fees-portal/internal/registry"
	"github.com/kayatiwi/fees-portal/internal/shared"
)

type memoryBillingRepo struct {
	invoices    map[string]*Invoice
	lines       map[string][]InvoiceLine
	adjustments map[string][]ScholarshipAdjustment
	nextID      int
	nextSeq     map[int]int
}

func newMemoryBillingRepo() *memoryBillingRepo {
	return &memoryBillingRepo{
		invoices:    make(map[string]*Invoice),
		lines:       make(map[string][]InvoiceLine),
		adjustments: make(map[string][]ScholarshipAdjustment),
		nextSeq:     make(map[int]int),
	}
}

func (m *memoryBillingRepo) id() string {
	m.nextID++
	return fmt.Sprintf("00000000-0000-0000-0000-%012d", m.nextID)
}

func (m *memoryBillingRepo) GetInvoice(ctx context.Context, id string) (*Invoice, error) {
	inv, ok := m.invoices[id]
	if !ok {
		return nil, shared.ErrNotFound
	}
	copied := *inv
	return &copied, nil
}

func (m *memoryBillingRepo) ListInvoicesByGuardian(ctx context.Context, guardianID string) ([]Invoice, error) {
	var out []Invoice
	for _, inv := range m.invoices {
		if inv.GuardianID == guardianID {
			out = append(out, *inv)
		}
	}
	return out, nil
}

func (m *memoryBillingRepo) ListInvoicesByStudent(ctx context.Context, studentID string) ([]Invoice, error) {
	var out []Invoice
	for _, inv := range m.invoices {
		if inv.StudentID == studentID {
			out = append(out, *inv)
		}
	}
	return out, nil
}

func (m *memoryBillingRepo) ListInvoiceLines(ctx context.Context, invoiceID string) ([]InvoiceLine, error) {
	return m.lines[invoiceID], nil
}

func (m *memoryBillingRepo) CreateInvoiceWithLines(ctx context.Context, invoice Invoice, lines []InvoiceLine) (*Invoice, error) {
	invoice.ID = m.id()
	invoice.CreatedAt = time.Now()
	invoice.UpdatedAt = invoice.CreatedAt
	m.invoices[invoice.ID] = &invoice
	for i := range lines {
		lines[i].ID = m.id()
		lines[i].InvoiceID = invoice.ID
	}
	m.lines[invoice.ID] = lines
	copied := invoice
	return &copied, nil
}

func (m *memoryBillingRepo) NextInvoiceNumber(ctx context.Context, year int) (string, error) {
	m.nextSeq[year]++
	return fmt.Sprintf("INV-%d-%05d", year, m.nextSeq[year]), nil
}

func (m *memoryBillingRepo) CreateAdjustment(ctx context.Context, adj ScholarshipAdjustment) (*ScholarshipAdjustment, error) {
	adj.ID = m.id()
	adj.CreatedAt = time.Now()
	if adj.InvoiceID != nil {
		m.adjustments[*adj.InvoiceID] = append(m.adjustments[*adj.InvoiceID], adj)
	}
	copied := adj
	return &copied, nil
}

func (m *memoryBillingRepo) ListAdjustmentsByInvoice(ctx context.Context, invoiceID string) ([]ScholarshipAdjustment, error) {
	return m.adjustments[invoiceID], nil
}

func (m *memoryBillingRepo) MarkOverdue(ctx context.Context, asOf time.Time) (int64, error) {
	var count int64
	for _, inv := range m.invoices {
		if (inv.Status == StatusIssued || inv.Status == StatusPartial) && inv.DueDate.Before(asOf) {
			inv.Status = StatusOverdue
			count++
		}
	}
	return count, nil
}

var _ RepositoryPort = (*memoryBillingRepo)(nil)

type fakeMasterData struct {
	term       registry.Term
	classes    []registry.Class
	students   map[string][]registry.Student
	structures map[string][]registry.FeeStructure
	feeItems   []registry.FeeItem
}

func (f *fakeMasterData) GetTerm(ctx context.Context, id string) (registry.Term, error) {
	if f.term.ID != id {
		return registry.Term{}, shared.ErrNotFound
	}
	return f.term, nil
}

func (f *fakeMasterData) ListClasses(ctx context.Context) ([]registry.Class, error) {
	return f.classes, nil
}

func (f *fakeMasterData) StudentsInClass(ctx context.Context, classID string) ([]registry.Student, error) {
	return f.students[classID], nil
}

func (f *fakeMasterData) FeeStructuresFor(ctx context.Context, classID, termID string) ([]registry.FeeStructure, error) {
	return f.structures[classID], nil
}

func (f *fakeMasterData) ListFeeItems(ctx context.Context) ([]registry.FeeItem, error) {
	return f.feeItems, nil
}

func strPtr(s string) *string { return &s }

func TestGenerateInvoices(t *testing.T) {
	repo := newMemoryBillingRepo()
	master := &fakeMasterData{
		term: registry.Term{ID: "t1", Name: "Term 1 2026", StartDate: time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC), EndDate: time.Date(2026, 4, 3, 0, 0, 0, 0, time.UTC)},
		classes: []registry.Class{
			{ID: "c1", Name: "Form 1", Level: 1, Year: 2026},
			{ID: "c2", Name: "Form 2", Level: 2, Year: 2026},
		},
		students: map[string][]registry.Student{
			"c1": {
				{ID: "s1", AdmissionNo: "ADM-001", FirstName: "Amina", GuardianID: strPtr("g1")},
				{ID: "s2", AdmissionNo: "ADM-002", FirstName: "Brian", GuardianID: strPtr("g2")},
				{ID: "s3", AdmissionNo: "ADM-003", FirstName: "Cynthia"}, // no guardian
			},
		},
		structures: map[string][]registry.FeeStructure{
			"c1": {
				{ID: "fs1", ClassID: "c1", FeeItemID: "tuition", TermID: "t1", Amount: 25000},
				{ID: "fs2", ClassID: "c1", FeeItemID: "transport", TermID: "t1", Amount: 5000},
			},
		},
		feeItems: []registry.FeeItem{
			{ID: "tuition", Code: "TUI", Title: "Tuition"},
			{ID: "transport", Code: "TRA", Title: "Transport"},
		},
	}

	svc := NewService(repo, master, nil, nil, nil)
	created, err := svc.GenerateInvoices(context.Background(), "t1", time.Time{}, "admin")
	require.NoError(t, err)
	require.Equal(t, 2, created)

	invoices, err := repo.ListInvoicesByGuardian(context.Background(), "g1")
	require.NoError(t, err)
	require.Len(t, invoices, 1)

	inv := invoices[0]
	require.Equal(t, 30000.0, inv.TotalAmount)
	require.Equal(t, StatusIssued, inv.Status)
	require.Equal(t, master.term.EndDate, inv.DueDate)
	require.Regexp(t, `^INV-2026-\d{5}$`, inv.InvoiceNo)

	lines, err := repo.ListInvoiceLines(context.Background(), inv.ID)
	require.NoError(t, err)
	require.Len(t, lines, 2)
	var lineTotal float64
	for _, line := range lines {
		lineTotal += line.Amount
	}
	require.Equal(t, inv.TotalAmount, lineTotal)
}

func TestGuardianInvoicesSummary(t *testing.T) {
	repo := newMemoryBillingRepo()
	due := time.Now().AddDate(0, 1, 0)
	_, err := repo.CreateInvoiceWithLines(context.Background(), Invoice{
		InvoiceNo: "INV-2026-00001", StudentID: "s1", GuardianID: "g1", TermID: "t1",
		DueDate: due, TotalAmount: 30000, Status: StatusIssued,
	}, nil)
	require.NoError(t, err)

	svc := NewService(repo, nil, nil, nil, nil)
	invoices, summary, err := svc.GuardianInvoices(context.Background(), "g1")
	require.NoError(t, err)
	require.Len(t, invoices, 1)
	require.Equal(t, 30000.0, summary.Outstanding)
	require.Equal(t, 1, summary.UpcomingDue)
}

func TestGetInvoiceDetailScopesGuardian(t *testing.T) {
	repo := newMemoryBillingRepo()
	inv, err := repo.CreateInvoiceWithLines(context.Background(), Invoice{
		InvoiceNo: "INV-2026-00001", StudentID: "s1", GuardianID: "g1", TermID: "t1",
		DueDate: time.Now(), TotalAmount: 30000, Status: StatusIssued,
	}, nil)
	require.NoError(t, err)

	svc := NewService(repo, nil, nil, nil, nil)

	detail, err := svc.GetInvoiceDetail(context.Background(), inv.ID, "g1")
	require.NoError(t, err)
	require.Equal(t, 30000.0, detail.BalanceDue)

	_, err = svc.GetInvoiceDetail(context.Background(), inv.ID, "g2")
	require.ErrorIs(t, err, shared.ErrForbidden)

	// Staff context passes no guardian scope.
	_, err = svc.GetInvoiceDetail(context.Background(), inv.ID, "")
	require.NoError(t, err)
}

func TestApplyScholarshipValidation(t *testing.T) {
	repo := newMemoryBillingRepo()
	svc := NewService(repo, nil, nil, nil, nil)
	ctx := context.Background()

	_, err := svc.ApplyScholarship(ctx, ScholarshipAdjustment{StudentID: "s1", Amount: 0, Reason: "bursary"})
	require.ErrorIs(t, err, shared.ErrValidation)

	_, err = svc.ApplyScholarship(ctx, ScholarshipAdjustment{StudentID: "s1", Amount: 5000})
	require.ErrorIs(t, err, shared.ErrValidation)

	inv, err := repo.CreateInvoiceWithLines(ctx, Invoice{
		InvoiceNo: "INV-2026-00001", StudentID: "other", GuardianID: "g1", TermID: "t1",
		DueDate: time.Now(), TotalAmount: 30000, Status: StatusIssued,
	}, nil)
	require.NoError(t, err)

	_, err = svc.ApplyScholarship(ctx, ScholarshipAdjustment{StudentID: "s1", InvoiceID: &inv.ID, Amount: 5000, Reason: "bursary"})
	require.ErrorIs(t, err, shared.ErrValidation)

	adj, err := svc.ApplyScholarship(ctx, ScholarshipAdjustment{StudentID: "other", InvoiceID: &inv.ID, Amount: 5000, Reason: "bursary", AppliedBy: "bursar-1"})
	require.NoError(t, err)
	require.NotEmpty(t, adj.ID)

	detail, err := svc.GetInvoiceDetail(ctx, inv.ID, "")
	require.NoError(t, err)
	require.Equal(t, 25000.0, detail.BalanceDue)
}

func TestMarkOverdue(t *testing.T) {
	repo := newMemoryBillingRepo()
	ctx := context.Background()
	_, err := repo.CreateInvoiceWithLines(ctx, Invoice{
		InvoiceNo: "INV-2026-00001", StudentID: "s1", GuardianID: "g1", TermID: "t1",
		DueDate: time.Now().AddDate(0, 0, -7), TotalAmount: 30000, Status: StatusIssued,
	}, nil)
	require.NoError(t, err)
	_, err = repo.CreateInvoiceWithLines(ctx, Invoice{
		InvoiceNo: "INV-2026-00002", StudentID: "s2", GuardianID: "g1", TermID: "t1",
		DueDate: time.Now().AddDate(0, 0, 7), TotalAmount: 30000, Status: StatusIssued,
	}, nil)
	require.NoError(t, err)

	svc := NewService(repo, nil, nil, nil, nil)
	updated, err := svc.MarkOverdue(ctx, time.Now())
	require.NoError(t, err)
	require.Equal(t, int64(1), updated)
}

func TestGenerateInvoicesSkipsBoardingFeesForDayScholars(t *testing.T) {
	repo := newMemoryBillingRepo()
	master := &fakeMasterData{
		term: registry.Term{ID: "t1", Name: "Term 1 2026", StartDate: time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC), EndDate: time.Date(2026, 4, 3, 0, 0, 0, 0, time.UTC)},
		classes: []registry.Class{
			{ID: "c1", Name: "Form 1", Level: 1, Year: 2026},
		},
		students: map[string][]registry.Student{
			"c1": {
				{ID: "s1", AdmissionNo: "ADM-001", FirstName: "Amina", BoardingStatus: registry.BoardingBoarding, GuardianID: strPtr("g1")},
				{ID: "s2", AdmissionNo: "ADM-002", FirstName: "Brian", BoardingStatus: registry.BoardingDay, GuardianID: strPtr("g2")},
			},
		},
		structures: map[string][]registry.FeeStructure{
			"c1": {
				{ID: "fs1", ClassID: "c1", FeeItemID: "tuition", TermID: "t1", Amount: 25000},
				{ID: "fs2", ClassID: "c1", FeeItemID: "boarding", TermID: "t1", Amount: 18500},
			},
		},
		feeItems: []registry.FeeItem{
			{ID: "tuition", Code: "TUI", Title: "Tuition", Category: "tuition"},
			{ID: "boarding", Code: "BRD", Title: "Boarding", Category: "boarding"},
		},
	}

	svc := NewService(repo, master, nil, nil, nil)
	created, err := svc.GenerateInvoices(context.Background(), "t1", time.Time{}, "admin")
	require.NoError(t, err)
	require.Equal(t, 2, created)

	boarder, err := repo.ListInvoicesByGuardian(context.Background(), "g1")
	require.NoError(t, err)
	require.Len(t, boarder, 1)
	require.Equal(t, 43500.0, boarder[0].TotalAmount)

	day, err := repo.ListInvoicesByGuardian(context.Background(), "g2")
	require.NoError(t, err)
	require.Len(t, day, 1)
	require.Equal(t, 25000.0, day[0].TotalAmount)

	lines, err := repo.ListInvoiceLines(context.Background(), day[0].ID)
	require.NoError(t, err)
	require.Len(t, lines, 1)
	require.Equal(t, "Tuition", lines[0].Description)
}

func TestGenerateInvoicesSkipsAlreadyBilledStudents(t *testing.T) {
	repo := newMemoryBillingRepo()
	master := &fakeMasterData{
		term: registry.Term{ID: "t1", Name: "Term 1 2026", StartDate: time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC), EndDate: time.Date(2026, 4, 3, 0, 0, 0, 0, time.UTC)},
		classes: []registry.Class{
			{ID: "c1", Name: "Form 1", Level: 1, Year: 2026},
		},
		students: map[string][]registry.Student{
			"c1": {
				{ID: "s1", AdmissionNo: "ADM-001", FirstName: "Amina", GuardianID: strPtr("g1")},
			},
		},
		structures: map[string][]registry.FeeStructure{
			"c1": {
				{ID: "fs1", ClassID: "c1", FeeItemID: "tuition", TermID: "t1", Amount: 25000},
			},
		},
		feeItems: []registry.FeeItem{
			{ID: "tuition", Code: "TUI", Title: "Tuition"},
		},
	}

	svc := NewService(repo, master, nil, nil, nil)
	ctx := context.Background()

	created, err := svc.GenerateInvoices(ctx, "t1", time.Time{}, "admin")
	require.NoError(t, err)
	require.Equal(t, 1, created)

	// A second run, like a double-click or a retry, bills nobody twice.
	created, err = svc.GenerateInvoices(ctx, "t1", time.Time{}, "admin")
	require.NoError(t, err)
	require.Equal(t, 0, created)

	invoices, err := repo.ListInvoicesByStudent(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, invoices, 1)

	// A cancelled invoice does not block re-billing.
	repo.invoices[invoices[0].ID].Status = StatusCancelled
	created, err = svc.GenerateInvoices(ctx, "t1", time.Time{}, "admin")
	require.NoError(t, err)
	require.Equal(t, 1, created)
}
