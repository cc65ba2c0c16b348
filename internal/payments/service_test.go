package payments

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kayatiwi/fees-portal/internal/billing"
	"github.com/kayatiwi/fees-portal/internal/shared"
)

// memoryPaymentsRepo is an in-memory RepositoryPort. A single mutex stands
// in for the row locks, so WithTx callbacks serialise like they do against
// postgres.
type memoryPaymentsRepo struct {
	mu        sync.Mutex
	payments  map[string]*Payment
	invoices  map[string]*billing.Invoice
	mpesaTxns []MpesaTransaction
	proofs    map[string]*BankProof
	audits    []shared.AuditLog
	nextID    int
}

func newMemoryPaymentsRepo() *memoryPaymentsRepo {
	return &memoryPaymentsRepo{
		payments: make(map[string]*Payment),
		invoices: make(map[string]*billing.Invoice),
		proofs:   make(map[string]*BankProof),
	}
}

func (m *memoryPaymentsRepo) id() string {
	m.nextID++
	return fmt.Sprintf("00000000-0000-0000-0000-%012d", m.nextID)
}

func (m *memoryPaymentsRepo) addInvoice(total, paid float64) *billing.Invoice {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv := &billing.Invoice{
		ID:          m.id(),
		InvoiceNo:   fmt.Sprintf("INV-2026-%05d", m.nextID),
		TotalAmount: total,
		PaidAmount:  paid,
		Status:      billing.DeriveStatus(paid, total),
	}
	m.invoices[inv.ID] = inv
	return inv
}

func (m *memoryPaymentsRepo) CreatePayment(ctx context.Context, payment Payment) (*Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	payment.ID = m.id()
	payment.CreatedAt = time.Now()
	payment.UpdatedAt = payment.CreatedAt
	m.payments[payment.ID] = &payment
	copied := payment
	return &copied, nil
}

func (m *memoryPaymentsRepo) GetPayment(ctx context.Context, id string) (*Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[id]
	if !ok {
		return nil, shared.ErrNotFound
	}
	copied := *p
	return &copied, nil
}

func (m *memoryPaymentsRepo) FindByProviderRef(ctx context.Context, ref string) (*Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.payments {
		if p.ProviderRef != nil && *p.ProviderRef == ref {
			copied := *p
			return &copied, nil
		}
	}
	return nil, shared.ErrNotFound
}

func (m *memoryPaymentsRepo) ListForInvoice(ctx context.Context, invoiceID string) ([]Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Payment
	for _, p := range m.payments {
		if p.InvoiceID != nil && *p.InvoiceID == invoiceID {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (m *memoryPaymentsRepo) ListStalePending(ctx context.Context, olderThan time.Time) ([]Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Payment
	for _, p := range m.payments {
		if p.Status == StatusPending && p.CreatedAt.Before(olderThan) {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (m *memoryPaymentsRepo) SetProviderRef(ctx context.Context, id, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[id]
	if !ok {
		return shared.ErrNotFound
	}
	p.ProviderRef = &ref
	return nil
}

func (m *memoryPaymentsRepo) CreateMpesaTransaction(ctx context.Context, txn MpesaTransaction) (*MpesaTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	txn.ID = m.id()
	txn.CreatedAt = time.Now()
	m.mpesaTxns = append(m.mpesaTxns, txn)
	return &txn, nil
}

func (m *memoryPaymentsRepo) CreateBankProof(ctx context.Context, proof BankProof) (*BankProof, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	proof.ID = m.id()
	proof.CreatedAt = time.Now()
	m.proofs[proof.ID] = &proof
	copied := proof
	return &copied, nil
}

func (m *memoryPaymentsRepo) GetBankProof(ctx context.Context, id string) (*BankProof, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	proof, ok := m.proofs[id]
	if !ok {
		return nil, shared.ErrNotFound
	}
	copied := *proof
	return &copied, nil
}

func (m *memoryPaymentsRepo) VerifyBankProof(ctx context.Context, id, verifiedBy string) (*BankProof, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	proof, ok := m.proofs[id]
	if !ok {
		return nil, shared.ErrNotFound
	}
	if proof.VerifiedAt != nil {
		copied := *proof
		return &copied, ErrAlreadyCompleted
	}
	now := time.Now()
	proof.VerifiedBy = &verifiedBy
	proof.VerifiedAt = &now
	copied := *proof
	return &copied, nil
}

type memoryTx struct {
	repo *memoryPaymentsRepo
}

func (m *memoryPaymentsRepo) WithTx(ctx context.Context, fn func(context.Context, TxPort) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(ctx, &memoryTx{repo: m})
}

func (t *memoryTx) LockPayment(ctx context.Context, id string) (*Payment, error) {
	p, ok := t.repo.payments[id]
	if !ok {
		return nil, shared.ErrNotFound
	}
	copied := *p
	return &copied, nil
}

func (t *memoryTx) LockInvoice(ctx context.Context, id string) (*billing.Invoice, error) {
	inv, ok := t.repo.invoices[id]
	if !ok {
		return nil, shared.ErrNotFound
	}
	copied := *inv
	return &copied, nil
}

func (t *memoryTx) UpdatePayment(ctx context.Context, id string, status Status, providerRef *string, rawPayload []byte) error {
	p, ok := t.repo.payments[id]
	if !ok {
		return shared.ErrNotFound
	}
	p.Status = status
	if providerRef != nil {
		p.ProviderRef = providerRef
	}
	if rawPayload != nil {
		p.RawPayload = rawPayload
	}
	p.UpdatedAt = time.Now()
	return nil
}

func (t *memoryTx) ApplyToInvoice(ctx context.Context, invoiceID string, paidAmount float64, status billing.InvoiceStatus) error {
	inv, ok := t.repo.invoices[invoiceID]
	if !ok {
		return shared.ErrNotFound
	}
	inv.PaidAmount = paidAmount
	inv.Status = status
	return nil
}

func (t *memoryTx) RecordAudit(ctx context.Context, log shared.AuditLog) error {
	t.repo.audits = append(t.repo.audits, log)
	return nil
}

var _ RepositoryPort = (*memoryPaymentsRepo)(nil)

// fakeProvider scripts Initiate/PollStatus results.
type fakeProvider struct {
	ref      string
	initErr  error
	state    ProviderState
	pollErr  error
	initLog  []float64
	pollLog  []string
}

func (f *fakeProvider) Initiate(ctx context.Context, amount float64, destination string) (string, error) {
	f.initLog = append(f.initLog, amount)
	if f.initErr != nil {
		return "", f.initErr
	}
	return f.ref, nil
}

func (f *fakeProvider) PollStatus(ctx context.Context, ref string) (ProviderState, error) {
	f.pollLog = append(f.pollLog, ref)
	return f.state, f.pollErr
}

func newTestService(repo *memoryPaymentsRepo, mpesa, stripe Provider) *Service {
	providers := map[Method]Provider{MethodBank: BankProvider{}}
	if mpesa != nil {
		providers[MethodMpesa] = mpesa
	}
	if stripe != nil {
		providers[MethodStripe] = stripe
	}
	return NewService(repo, providers, nil, nil, nil, time.Second)
}

func TestInitiateMpesaValidatesPhoneBeforeAnyRecord(t *testing.T) {
	repo := newMemoryPaymentsRepo()
	inv := repo.addInvoice(30000, 0)
	svc := newTestService(repo, &fakeProvider{ref: "ws_CO_1"}, nil)

	_, err := svc.InitiateMpesa(context.Background(), InitiateInput{InvoiceID: inv.ID, Amount: 30000}, "07123")
	require.ErrorIs(t, err, ErrInvalidPhone)
	require.Empty(t, repo.payments)
}

func TestInitiateMpesaCreatesPendingAndStoresRef(t *testing.T) {
	repo := newMemoryPaymentsRepo()
	inv := repo.addInvoice(30000, 0)
	provider := &fakeProvider{ref: "ws_CO_42"}
	svc := newTestService(repo, provider, nil)

	payment, err := svc.InitiateMpesa(context.Background(), InitiateInput{InvoiceID: inv.ID, Amount: 30000, PayerUserID: "u1"}, "0712 345 678")
	require.NoError(t, err)
	require.Equal(t, StatusPending, payment.Status)
	require.NotNil(t, payment.ProviderRef)
	require.Equal(t, "ws_CO_42", *payment.ProviderRef)
	require.Equal(t, []float64{30000}, provider.initLog)
}

func TestInitiateMpesaProviderFailureFailsPayment(t *testing.T) {
	repo := newMemoryPaymentsRepo()
	inv := repo.addInvoice(30000, 0)
	provider := &fakeProvider{initErr: errors.New("gateway down")}
	svc := newTestService(repo, provider, nil)

	_, err := svc.InitiateMpesa(context.Background(), InitiateInput{InvoiceID: inv.ID, Amount: 30000}, "0712345678")
	require.Error(t, err)
	require.Len(t, repo.payments, 1)
	for _, p := range repo.payments {
		require.Equal(t, StatusFailed, p.Status)
	}
}

func TestInitiateRejectsNonPositiveAmount(t *testing.T) {
	repo := newMemoryPaymentsRepo()
	svc := newTestService(repo, &fakeProvider{ref: "r"}, nil)

	_, err := svc.InitiateBank(context.Background(), InitiateInput{InvoiceID: "i1", Amount: 0})
	require.ErrorIs(t, err, ErrInvalidAmount)
	require.Empty(t, repo.payments)
}

func TestCompletePaymentUpdatesInvoice(t *testing.T) {
	repo := newMemoryPaymentsRepo()
	inv := repo.addInvoice(30000, 0)
	svc := newTestService(repo, nil, nil)

	payment, err := repo.CreatePayment(context.Background(), Payment{InvoiceID: &inv.ID, Amount: 10000, Method: MethodMpesa, Status: StatusPending})
	require.NoError(t, err)

	require.NoError(t, svc.CompletePayment(context.Background(), payment.ID, "RCPT1", []byte(`{}`), ""))

	stored := repo.invoices[inv.ID]
	require.Equal(t, 10000.0, stored.PaidAmount)
	require.Equal(t, billing.StatusPartial, stored.Status)
	require.Equal(t, StatusCompleted, repo.payments[payment.ID].Status)
	require.NotEmpty(t, repo.audits)

	// Paying the rest flips the invoice to paid.
	second, err := repo.CreatePayment(context.Background(), Payment{InvoiceID: &inv.ID, Amount: 20000, Method: MethodMpesa, Status: StatusPending})
	require.NoError(t, err)
	require.NoError(t, svc.CompletePayment(context.Background(), second.ID, "RCPT2", nil, ""))
	require.Equal(t, billing.StatusPaid, repo.invoices[inv.ID].Status)
}

func TestCompletePaymentIdempotent(t *testing.T) {
	repo := newMemoryPaymentsRepo()
	inv := repo.addInvoice(30000, 0)
	svc := newTestService(repo, nil, nil)

	payment, err := repo.CreatePayment(context.Background(), Payment{InvoiceID: &inv.ID, Amount: 10000, Method: MethodMpesa, Status: StatusPending})
	require.NoError(t, err)

	require.NoError(t, svc.CompletePayment(context.Background(), payment.ID, "RCPT1", nil, ""))
	err = svc.CompletePayment(context.Background(), payment.ID, "RCPT1", nil, "")
	require.ErrorIs(t, err, ErrAlreadyCompleted)

	// The invoice was credited exactly once.
	require.Equal(t, 10000.0, repo.invoices[inv.ID].PaidAmount)
}

func TestCompletePaymentConcurrent(t *testing.T) {
	repo := newMemoryPaymentsRepo()
	inv := repo.addInvoice(30000, 0)
	svc := newTestService(repo, nil, nil)

	payment, err := repo.CreatePayment(context.Background(), Payment{InvoiceID: &inv.ID, Amount: 10000, Method: MethodMpesa, Status: StatusPending})
	require.NoError(t, err)

	const workers = 8
	results := make(chan error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- svc.CompletePayment(context.Background(), payment.ID, "RCPT1", nil, "")
		}()
	}
	wg.Wait()
	close(results)

	succeeded := 0
	for err := range results {
		if err == nil {
			succeeded++
		} else {
			require.ErrorIs(t, err, ErrAlreadyCompleted)
		}
	}
	require.Equal(t, 1, succeeded)
	require.Equal(t, 10000.0, repo.invoices[inv.ID].PaidAmount)
}

func TestCompletePaymentRejectsOverpayment(t *testing.T) {
	repo := newMemoryPaymentsRepo()
	inv := repo.addInvoice(30000, 25000)
	svc := newTestService(repo, nil, nil)

	payment, err := repo.CreatePayment(context.Background(), Payment{InvoiceID: &inv.ID, Amount: 10000, Method: MethodMpesa, Status: StatusPending})
	require.NoError(t, err)

	err = svc.CompletePayment(context.Background(), payment.ID, "RCPT1", nil, "")
	require.ErrorIs(t, err, ErrOverpayment)

	// Nothing was credited and the payment is still pending.
	require.Equal(t, 25000.0, repo.invoices[inv.ID].PaidAmount)
	require.Equal(t, StatusPending, repo.payments[payment.ID].Status)
}

func TestFailPayment(t *testing.T) {
	repo := newMemoryPaymentsRepo()
	inv := repo.addInvoice(30000, 0)
	svc := newTestService(repo, nil, nil)

	payment, err := repo.CreatePayment(context.Background(), Payment{InvoiceID: &inv.ID, Amount: 10000, Method: MethodMpesa, Status: StatusPending})
	require.NoError(t, err)

	require.NoError(t, svc.FailPayment(context.Background(), payment.ID, "push cancelled"))
	require.Equal(t, StatusFailed, repo.payments[payment.ID].Status)

	// Failing a completed payment is refused.
	second, err := repo.CreatePayment(context.Background(), Payment{InvoiceID: &inv.ID, Amount: 10000, Method: MethodMpesa, Status: StatusPending})
	require.NoError(t, err)
	require.NoError(t, svc.CompletePayment(context.Background(), second.ID, "RCPT", nil, ""))
	require.ErrorIs(t, svc.FailPayment(context.Background(), second.ID, "late"), ErrAlreadyCompleted)
}

func TestVerifyProofReconciles(t *testing.T) {
	repo := newMemoryPaymentsRepo()
	inv := repo.addInvoice(30000, 0)
	svc := newTestService(repo, nil, nil)

	payment, err := svc.InitiateBank(context.Background(), InitiateInput{InvoiceID: inv.ID, Amount: 30000, PayerUserID: "u1"})
	require.NoError(t, err)

	proof, err := svc.AttachProof(context.Background(), payment.ID, "KCB-REF-1", "/uploads/proofs/x.pdf")
	require.NoError(t, err)

	// Pending until staff verification.
	require.Equal(t, StatusPending, repo.payments[payment.ID].Status)
	require.Equal(t, 0.0, repo.invoices[inv.ID].PaidAmount)

	require.NoError(t, svc.VerifyProof(context.Background(), proof.ID, "bursar-1"))
	require.Equal(t, StatusCompleted, repo.payments[payment.ID].Status)
	require.Equal(t, billing.StatusPaid, repo.invoices[inv.ID].Status)

	// Verifying twice stays a no-op.
	require.NoError(t, svc.VerifyProof(context.Background(), proof.ID, "bursar-2"))
	require.Equal(t, 30000.0, repo.invoices[inv.ID].PaidAmount)
}

func TestRecordMpesaCallbackCompletes(t *testing.T) {
	repo := newMemoryPaymentsRepo()
	inv := repo.addInvoice(30000, 0)
	svc := newTestService(repo, &fakeProvider{ref: "ws_CO_1"}, nil)

	payment, err := svc.InitiateMpesa(context.Background(), InitiateInput{InvoiceID: inv.ID, Amount: 30000}, "0712345678")
	require.NoError(t, err)

	err = svc.RecordMpesaCallback(context.Background(), payment.ID, MpesaTransaction{
		Phone:          "0712345678",
		MpesaReceiptNo: "QXT123",
		Amount:         30000,
	}, []byte(`{"ResultCode":0}`))
	require.NoError(t, err)
	require.Len(t, repo.mpesaTxns, 1)
	require.Equal(t, billing.StatusPaid, repo.invoices[inv.ID].Status)
}

func TestExpireStalePending(t *testing.T) {
	repo := newMemoryPaymentsRepo()
	inv := repo.addInvoice(30000, 0)
	provider := &fakeProvider{ref: "ws_CO_1", state: ProviderSucceeded}
	svc := newTestService(repo, provider, nil)

	stale, err := svc.InitiateMpesa(context.Background(), InitiateInput{InvoiceID: inv.ID, Amount: 30000}, "0712345678")
	require.NoError(t, err)
	repo.payments[stale.ID].CreatedAt = time.Now().Add(-time.Hour)

	// Bank transfers are left alone by the sweep.
	bankInv := repo.addInvoice(5000, 0)
	bank, err := svc.InitiateBank(context.Background(), InitiateInput{InvoiceID: bankInv.ID, Amount: 5000})
	require.NoError(t, err)
	repo.payments[bank.ID].CreatedAt = time.Now().Add(-time.Hour)

	processed, err := svc.ExpireStalePending(context.Background(), 30*time.Minute)
	require.NoError(t, err)
	require.Equal(t, 1, processed)
	require.Equal(t, StatusCompleted, repo.payments[stale.ID].Status)
	require.Equal(t, StatusPending, repo.payments[bank.ID].Status)

	// A push the provider never saw succeed is failed after the TTL.
	inv2 := repo.addInvoice(10000, 0)
	provider.state = ProviderFailed
	lost, err := svc.InitiateMpesa(context.Background(), InitiateInput{InvoiceID: inv2.ID, Amount: 10000}, "0712345678")
	require.NoError(t, err)
	repo.payments[lost.ID].CreatedAt = time.Now().Add(-time.Hour)

	processed, err = svc.ExpireStalePending(context.Background(), 30*time.Minute)
	require.NoError(t, err)
	require.Equal(t, 1, processed)
	require.Equal(t, StatusFailed, repo.payments[lost.ID].Status)
}

func TestValidatePhone(t *testing.T) {
	require.NoError(t, ValidatePhone("0712345678"))
	require.NoError(t, ValidatePhone("+254 712 345 678"))
	require.ErrorIs(t, ValidatePhone("012345"), ErrInvalidPhone)
	require.ErrorIs(t, ValidatePhone(""), ErrInvalidPhone)
}
