package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kayatiwi/fees-portal/internal/billing"
	"github.com/kayatiwi/fees-portal/internal/observability"
	"github.com/kayatiwi/fees-portal/internal/shared"
)

// Service handles payment initiation and reconciliation.
type Service struct {
	repo            RepositoryPort
	providers       map[Method]Provider
	logger          *slog.Logger
	metrics         *observability.Metrics
	audit           *shared.AuditLogger
	providerTimeout time.Duration
}

// NewService builds a Service instance.
func NewService(repo RepositoryPort, providers map[Method]Provider, logger *slog.Logger, metrics *observability.Metrics, audit *shared.AuditLogger, providerTimeout time.Duration) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if providerTimeout <= 0 {
		providerTimeout = 10 * time.Second
	}
	return &Service{repo: repo, providers: providers, logger: logger, metrics: metrics, audit: audit, providerTimeout: providerTimeout}
}

// InitiateInput carries the fields shared by all initiation paths. Amount
// is the caller-computed balance due; it is required to be positive but
// never recomputed here.
type InitiateInput struct {
	InvoiceID   string
	Amount      float64
	PayerUserID string
}

// ValidatePhone enforces the minimum length rule before any record is
// created. Formatting characters do not count towards the minimum.
func ValidatePhone(phone string) error {
	digits := 0
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			digits++
		}
	}
	if digits < 10 {
		return ErrInvalidPhone
	}
	return nil
}

func (s *Service) newPending(ctx context.Context, input InitiateInput, method Method) (*Payment, error) {
	if input.Amount <= 0 {
		return nil, ErrInvalidAmount
	}
	payment := Payment{
		Amount: input.Amount,
		Method: method,
		Status: StatusPending,
	}
	if input.InvoiceID != "" {
		payment.InvoiceID = &input.InvoiceID
	}
	if input.PayerUserID != "" {
		payment.PayerUserID = &input.PayerUserID
	}
	created, err := s.repo.CreatePayment(ctx, payment)
	if err != nil {
		return nil, err
	}
	s.metrics.PaymentInitiated(string(method))
	return created, nil
}

// InitiateMpesa validates the phone, records a pending payment and sends
// the STK push. A push failure moves the payment to failed and the error
// is returned so the caller can offer a retry.
func (s *Service) InitiateMpesa(ctx context.Context, input InitiateInput, phone string) (*Payment, error) {
	phone = strings.TrimSpace(phone)
	if err := ValidatePhone(phone); err != nil {
		return nil, err
	}
	payment, err := s.newPending(ctx, input, MethodMpesa)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, s.providerTimeout)
	defer cancel()
	ref, err := s.providers[MethodMpesa].Initiate(callCtx, input.Amount, phone)
	if err != nil {
		s.logger.Error("mpesa initiate", slog.Any("error", err), slog.String("payment_id", payment.ID))
		if failErr := s.FailPayment(ctx, payment.ID, "provider rejected or timed out"); failErr != nil {
			s.logger.Error("fail payment after provider error", slog.Any("error", failErr))
		}
		return nil, fmt.Errorf("initiate mpesa: %w", err)
	}
	if err := s.repo.SetProviderRef(ctx, payment.ID, ref); err != nil {
		return nil, err
	}
	payment.ProviderRef = &ref
	return payment, nil
}

// InitiateStripe records a pending payment and creates a hosted checkout
// session. The returned URL is where the payer gets redirected.
func (s *Service) InitiateStripe(ctx context.Context, input InitiateInput) (*Payment, string, error) {
	payment, err := s.newPending(ctx, input, MethodStripe)
	if err != nil {
		return nil, "", err
	}

	callCtx, cancel := context.WithTimeout(ctx, s.providerTimeout)
	defer cancel()
	checkoutURL, err := s.providers[MethodStripe].Initiate(callCtx, input.Amount, payment.ID)
	if err != nil {
		s.logger.Error("stripe initiate", slog.Any("error", err), slog.String("payment_id", payment.ID))
		if failErr := s.FailPayment(ctx, payment.ID, "provider rejected or timed out"); failErr != nil {
			s.logger.Error("fail payment after provider error", slog.Any("error", failErr))
		}
		return nil, "", fmt.Errorf("initiate stripe: %w", err)
	}
	if err := s.repo.SetProviderRef(ctx, payment.ID, checkoutURL); err != nil {
		return nil, "", err
	}
	payment.ProviderRef = &checkoutURL
	return payment, checkoutURL, nil
}

// InitiateBank records a pending bank-transfer payment on the payer's
// self-attestation. Reconciliation waits for staff verification.
func (s *Service) InitiateBank(ctx context.Context, input InitiateInput) (*Payment, error) {
	return s.newPending(ctx, input, MethodBank)
}

// AttachProof stores an uploaded transfer proof for a pending bank payment.
func (s *Service) AttachProof(ctx context.Context, paymentID, bankRef, fileURL string) (*BankProof, error) {
	payment, err := s.repo.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if payment.Method != MethodBank {
		return nil, fmt.Errorf("%w: proofs only apply to bank transfers", shared.ErrValidation)
	}
	if payment.Status != StatusPending {
		return nil, ErrNotPending
	}
	return s.repo.CreateBankProof(ctx, BankProof{PaymentID: paymentID, BankRef: bankRef, FileURL: fileURL})
}

// VerifyProof stamps the proof as verified and reconciles the payment.
func (s *Service) VerifyProof(ctx context.Context, proofID, verifiedBy string) error {
	proof, err := s.repo.VerifyBankProof(ctx, proofID, verifiedBy)
	if err != nil && !errors.Is(err, ErrAlreadyCompleted) {
		return err
	}
	err = s.CompletePayment(ctx, proof.PaymentID, "", nil, verifiedBy)
	if errors.Is(err, ErrAlreadyCompleted) {
		return nil
	}
	return err
}

// RecordMpesaCallback stores the provider callback and reconciles the
// payment in one pass. The transaction row is immutable once written.
func (s *Service) RecordMpesaCallback(ctx context.Context, paymentID string, txn MpesaTransaction, raw []byte) error {
	txn.PaymentID = paymentID
	if _, err := s.repo.CreateMpesaTransaction(ctx, txn); err != nil {
		return err
	}
	return s.CompletePayment(ctx, paymentID, txn.MpesaReceiptNo, raw, "")
}

// FindByProviderRef resolves a payment from a gateway reference.
func (s *Service) FindByProviderRef(ctx context.Context, ref string) (*Payment, error) {
	return s.repo.FindByProviderRef(ctx, ref)
}

// GetPayment retrieves a payment by ID.
func (s *Service) GetPayment(ctx context.Context, id string) (*Payment, error) {
	return s.repo.GetPayment(ctx, id)
}

// CompletePayment reconciles a pending payment against its invoice inside
// a single repeatable-read transaction. Both rows are locked FOR UPDATE so
// concurrent completions against the same invoice serialise. Completing an
// already-completed payment is a no-op returning ErrAlreadyCompleted.
// Amounts above the balance due are rejected with ErrOverpayment and the
// discrepancy lands in the audit log; nothing is credited silently.
func (s *Service) CompletePayment(ctx context.Context, paymentID, providerRef string, rawPayload []byte, actorUserID string) error {
	var method Method
	var overpay *Payment

	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxPort) error {
		payment, err := tx.LockPayment(ctx, paymentID)
		if err != nil {
			return err
		}
		method = payment.Method
		if payment.Status == StatusCompleted {
			return ErrAlreadyCompleted
		}
		if payment.Status != StatusPending {
			return ErrNotPending
		}

		var ref *string
		if providerRef != "" {
			ref = &providerRef
		}

		if payment.InvoiceID == nil {
			// Unallocated payment: complete the row, nothing to reconcile.
			if err := tx.UpdatePayment(ctx, paymentID, StatusCompleted, ref, rawPayload); err != nil {
				return err
			}
			return tx.RecordAudit(ctx, shared.AuditLog{
				UserID:   actorUserID,
				Action:   "payment.complete",
				Entity:   "payment",
				EntityID: paymentID,
				Data:     map[string]any{"amount": payment.Amount, "method": string(payment.Method)},
			})
		}

		invoice, err := tx.LockInvoice(ctx, *payment.InvoiceID)
		if err != nil {
			return err
		}
		balance := invoice.TotalAmount - invoice.PaidAmount
		if payment.Amount > balance {
			overpay = payment
			return ErrOverpayment
		}

		newPaid := invoice.PaidAmount + payment.Amount
		newStatus := billing.DeriveStatus(newPaid, invoice.TotalAmount)

		if err := tx.UpdatePayment(ctx, paymentID, StatusCompleted, ref, rawPayload); err != nil {
			return err
		}
		if err := tx.ApplyToInvoice(ctx, invoice.ID, newPaid, newStatus); err != nil {
			return err
		}
		return tx.RecordAudit(ctx, shared.AuditLog{
			UserID:   actorUserID,
			Action:   "payment.complete",
			Entity:   "invoice",
			EntityID: invoice.ID,
			Data: map[string]any{
				"payment_id": paymentID,
				"amount":     payment.Amount,
				"method":     string(payment.Method),
				"paid":       newPaid,
				"status":     string(newStatus),
			},
		})
	})

	if errors.Is(err, ErrOverpayment) && overpay != nil {
		// The rejection itself must leave a trail; the transaction above
		// rolled back, so record it outside.
		s.recordAudit(ctx, shared.AuditLog{
			UserID:   actorUserID,
			Action:   "payment.overpayment_rejected",
			Entity:   "payment",
			EntityID: paymentID,
			Data:     map[string]any{"amount": overpay.Amount, "invoice_id": *overpay.InvoiceID},
		})
		s.logger.Warn("overpayment rejected",
			slog.String("payment_id", paymentID),
			slog.Float64("amount", overpay.Amount))
		return err
	}
	if err != nil {
		return err
	}

	s.metrics.PaymentCompleted(string(method))
	return nil
}

// FailPayment moves a pending payment to failed with an audit entry.
func (s *Service) FailPayment(ctx context.Context, paymentID, reason string) error {
	var method Method
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxPort) error {
		payment, err := tx.LockPayment(ctx, paymentID)
		if err != nil {
			return err
		}
		method = payment.Method
		if payment.Status == StatusCompleted {
			return ErrAlreadyCompleted
		}
		if payment.Status != StatusPending {
			return ErrNotPending
		}
		if err := tx.UpdatePayment(ctx, paymentID, StatusFailed, nil, nil); err != nil {
			return err
		}
		return tx.RecordAudit(ctx, shared.AuditLog{
			Action:   "payment.fail",
			Entity:   "payment",
			EntityID: paymentID,
			Data:     map[string]any{"reason": reason, "method": string(payment.Method)},
		})
	})
	if err != nil {
		return err
	}
	s.metrics.PaymentFailed(string(method))
	return nil
}

// ExpireStalePending sweeps payments that stayed pending past the TTL.
// The provider is polled first so a push that actually went through still
// credits the invoice; anything else fails with an audit trail. Bank
// transfers are excluded, they pend until staff verification.
func (s *Service) ExpireStalePending(ctx context.Context, ttl time.Duration) (int, error) {
	cutoff := time.Now().Add(-ttl)
	stale, err := s.repo.ListStalePending(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	var processed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, payment := range stale {
		if payment.Method == MethodBank {
			continue
		}
		g.Go(func() error {
			state := ProviderFailed
			if payment.ProviderRef != nil {
				provider, ok := s.providers[payment.Method]
				if ok {
					callCtx, cancel := context.WithTimeout(gctx, s.providerTimeout)
					polled, pollErr := provider.PollStatus(callCtx, *payment.ProviderRef)
					cancel()
					if pollErr != nil {
						s.logger.Warn("poll provider status", slog.Any("error", pollErr), slog.String("payment_id", payment.ID))
					} else {
						state = polled
					}
				}
			}
			var settleErr error
			switch state {
			case ProviderSucceeded:
				settleErr = s.CompletePayment(gctx, payment.ID, "", nil, "")
			default:
				settleErr = s.FailPayment(gctx, payment.ID, "pending payment expired")
			}
			if settleErr != nil && !errors.Is(settleErr, ErrAlreadyCompleted) {
				s.logger.Error("expire stale payment", slog.Any("error", settleErr), slog.String("payment_id", payment.ID))
				return nil
			}
			processed.Add(1)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return int(processed.Load()), err
	}
	return int(processed.Load()), nil
}

// PaymentsForInvoice implements the billing view's payment history.
func (s *Service) PaymentsForInvoice(ctx context.Context, invoiceID string) ([]billing.PaymentRecord, error) {
	payments, err := s.repo.ListForInvoice(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	records := make([]billing.PaymentRecord, 0, len(payments))
	for _, p := range payments {
		record := billing.PaymentRecord{
			ID:        p.ID,
			Method:    string(p.Method),
			Status:    string(p.Status),
			Amount:    p.Amount,
			CreatedAt: p.CreatedAt,
		}
		if p.ProviderRef != nil {
			record.ProviderRef = *p.ProviderRef
		}
		records = append(records, record)
	}
	return records, nil
}

var _ billing.PaymentSource = (*Service)(nil)

func (s *Service) recordAudit(ctx context.Context, log shared.AuditLog) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, log); err != nil {
		s.logger.Warn("record audit", slog.Any("error", err))
	}
}
