package payments

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/kayatiwi/fees-portal/internal/billing"
	"github.com/kayatiwi/fees-portal/internal/platform/httpx"
	"github.com/kayatiwi/fees-portal/internal/rbac"
	"github.com/kayatiwi/fees-portal/internal/shared"
	"github.com/kayatiwi/fees-portal/internal/view"
)

// IdempotencyGuard deduplicates provider callbacks.
type IdempotencyGuard interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key string) error
}

// BankDetails is what the bank-transfer page displays.
type BankDetails struct {
	Name        string
	AccountName string
	Account     string
	Branch      string
}

// Handler manages payment endpoints.
type Handler struct {
	logger      *slog.Logger
	service     *Service
	billing     *billing.Service
	guardians   billing.GuardianResolver
	templates   *view.Engine
	csrf        *shared.CSRFManager
	sessions    *shared.SessionManager
	rbac        rbac.Middleware
	idempotency IdempotencyGuard
	validator   *validator.Validate
	bank        BankDetails
	uploadDir   string
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service, billingSvc *billing.Service, guardians billing.GuardianResolver, templates *view.Engine, csrf *shared.CSRFManager, sessions *shared.SessionManager, rbacMW rbac.Middleware, idempotency IdempotencyGuard, bank BankDetails, uploadDir string) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:      logger,
		service:     service,
		billing:     billingSvc,
		guardians:   guardians,
		templates:   templates,
		csrf:        csrf,
		sessions:    sessions,
		rbac:        rbacMW,
		idempotency: idempotency,
		validator:   validator.New(),
		bank:        bank,
		uploadDir:   uploadDir,
	}
}

// MountRoutes registers parent-facing payment routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/payments/new", h.showMethodSelect)
	r.Post("/payments/mpesa", h.initiateMpesa)
	r.Post("/payments/stripe", h.initiateStripe)
	r.Post("/payments/bank", h.initiateBank)
	r.Get("/payments/{id}/processing", h.showProcessing)
	r.Get("/payments/{id}/success", h.showSuccess)
	r.Post("/payments/bank/{id}/proof", h.uploadProof)
}

// MountStaffRoutes registers bursar-only payment routes.
func (h *Handler) MountStaffRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(rbac.RoleBursar, rbac.RoleSuperAdmin))
		r.Post("/payments/proofs/{id}/verify", h.verifyProof)
	})
}

// MountWebhooks registers provider callback routes. These sit outside the
// session/CSRF stack; replays are absorbed by the idempotency store.
func (h *Handler) MountWebhooks(r chi.Router) {
	r.Post("/mpesa", h.mpesaWebhook)
	r.Post("/stripe", h.stripeWebhook)
}

type formErrors map[string]string

// invoiceScope loads the invoice for the signed-in guardian, enforcing
// ownership. Users without a guardian record only pass when they hold a
// staff role.
func (h *Handler) invoiceScope(r *http.Request, invoiceID string) (*billing.InvoiceDetail, error) {
	userID := h.currentUser(r)
	guardianScope := ""
	guardian, err := h.guardians.GuardianForUser(r.Context(), userID)
	switch {
	case err == nil:
		guardianScope = guardian.ID
	case errors.Is(err, shared.ErrNotFound):
		staff, roleErr := h.rbac.HasAny(r.Context(), userID, rbac.RoleBursar, rbac.RoleSuperAdmin, rbac.RoleAuditor)
		if roleErr != nil {
			return nil, roleErr
		}
		if !staff {
			return nil, shared.ErrNotFound
		}
	default:
		return nil, err
	}
	return h.billing.GetInvoiceDetail(r.Context(), invoiceID, guardianScope)
}

// showMethodSelect renders the payment method chooser for an invoice.
func (h *Handler) showMethodSelect(w http.ResponseWriter, r *http.Request) {
	invoiceID := r.URL.Query().Get("invoice")
	detail, err := h.invoiceScope(r, invoiceID)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) || errors.Is(err, shared.ErrForbidden) {
			http.NotFound(w, r)
			return
		}
		h.logger.Error("load invoice for payment", slog.Any("error", err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	if detail.BalanceDue <= 0 {
		h.redirectWithFlash(w, r, "/invoices/"+invoiceID, "info", "This invoice has no balance due")
		return
	}
	h.render(w, r, "pages/payment_select.html", map[string]any{
		"Invoice":    detail.Invoice,
		"BalanceDue": detail.BalanceDue,
		"Bank":       h.bank,
	}, http.StatusOK)
}

type mpesaForm struct {
	InvoiceID string `validate:"required,uuid4"`
	Phone     string `validate:"required,min=10"`
	Amount    float64
}

// initiateMpesa validates the form and fires the STK push. Validation
// failures re-render the details form without creating any record.
func (h *Handler) initiateMpesa(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	invoiceID := r.PostFormValue("invoice_id")
	phone := r.PostFormValue("phone")

	detail, err := h.invoiceScope(r, invoiceID)
	if err != nil {
		http.NotFound(w, r)
		return
	}

	form := mpesaForm{InvoiceID: invoiceID, Phone: phone, Amount: detail.BalanceDue}
	if err := h.validator.Struct(form); err != nil {
		h.render(w, r, "pages/payment_select.html", map[string]any{
			"Invoice":    detail.Invoice,
			"BalanceDue": detail.BalanceDue,
			"Bank":       h.bank,
			"Errors":     formErrors{"phone": "Enter a valid M-Pesa phone number (at least 10 digits)"},
		}, http.StatusBadRequest)
		return
	}

	payment, err := h.service.InitiateMpesa(r.Context(), InitiateInput{
		InvoiceID:   invoiceID,
		Amount:      detail.BalanceDue,
		PayerUserID: h.currentUser(r),
	}, phone)
	if err != nil {
		if errors.Is(err, ErrInvalidPhone) {
			h.render(w, r, "pages/payment_select.html", map[string]any{
				"Invoice":    detail.Invoice,
				"BalanceDue": detail.BalanceDue,
				"Bank":       h.bank,
				"Errors":     formErrors{"phone": "Enter a valid M-Pesa phone number (at least 10 digits)"},
			}, http.StatusBadRequest)
			return
		}
		h.logger.Error("initiate mpesa", slog.Any("error", err))
		h.redirectWithFlash(w, r, "/payments/new?invoice="+invoiceID, "error", "Payment could not be started. Please try again.")
		return
	}
	http.Redirect(w, r, "/payments/"+payment.ID+"/processing", http.StatusSeeOther)
}

// initiateStripe creates the checkout session and redirects to it.
func (h *Handler) initiateStripe(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	invoiceID := r.PostFormValue("invoice_id")
	detail, err := h.invoiceScope(r, invoiceID)
	if err != nil {
		http.NotFound(w, r)
		return
	}

	_, checkoutURL, err := h.service.InitiateStripe(r.Context(), InitiateInput{
		InvoiceID:   invoiceID,
		Amount:      detail.BalanceDue,
		PayerUserID: h.currentUser(r),
	})
	if err != nil {
		h.logger.Error("initiate stripe", slog.Any("error", err))
		h.redirectWithFlash(w, r, "/payments/new?invoice="+invoiceID, "error", "Card payment could not be started. Please try again.")
		return
	}
	http.Redirect(w, r, checkoutURL, http.StatusSeeOther)
}

// initiateBank records the self-attested transfer and shows the proof form.
func (h *Handler) initiateBank(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	invoiceID := r.PostFormValue("invoice_id")
	detail, err := h.invoiceScope(r, invoiceID)
	if err != nil {
		http.NotFound(w, r)
		return
	}

	payment, err := h.service.InitiateBank(r.Context(), InitiateInput{
		InvoiceID:   invoiceID,
		Amount:      detail.BalanceDue,
		PayerUserID: h.currentUser(r),
	})
	if err != nil {
		h.logger.Error("initiate bank transfer", slog.Any("error", err))
		h.redirectWithFlash(w, r, "/payments/new?invoice="+invoiceID, "error", "Could not record the transfer. Please try again.")
		return
	}
	h.redirectWithFlash(w, r, "/payments/"+payment.ID+"/processing", "info", "Transfer recorded. Upload your deposit slip for verification.")
}

// paymentForViewer loads a payment and enforces that the signed-in user
// owns it. Payments without a recorded payer fall back to the owning
// invoice's guardian; they are never open to every signed-in user.
func (h *Handler) paymentForViewer(r *http.Request, id string) (*Payment, error) {
	payment, err := h.service.GetPayment(r.Context(), id)
	if err != nil {
		return nil, err
	}
	userID := h.currentUser(r)
	if payment.PayerUserID != nil {
		if *payment.PayerUserID != userID {
			return nil, shared.ErrForbidden
		}
		return payment, nil
	}
	if payment.InvoiceID == nil {
		return nil, shared.ErrForbidden
	}
	guardian, err := h.guardians.GuardianForUser(r.Context(), userID)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return nil, shared.ErrForbidden
		}
		return nil, err
	}
	if _, err := h.billing.GetInvoiceDetail(r.Context(), *payment.InvoiceID, guardian.ID); err != nil {
		return nil, err
	}
	return payment, nil
}

// showProcessing renders the in-flight payment page. Completed payments
// redirect to the success page; the bank path shows the proof upload form.
func (h *Handler) showProcessing(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	payment, err := h.paymentForViewer(r, id)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	if payment.Status == StatusCompleted {
		http.Redirect(w, r, "/payments/"+id+"/success", http.StatusSeeOther)
		return
	}
	h.render(w, r, "pages/payment_processing.html", map[string]any{
		"Payment": payment,
		"IsBank":  payment.Method == MethodBank,
		"Failed":  payment.Status == StatusFailed,
		"Bank":    h.bank,
	}, http.StatusOK)
}

// showSuccess renders the completion page.
func (h *Handler) showSuccess(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	payment, err := h.paymentForViewer(r, id)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	if payment.Status != StatusCompleted {
		http.Redirect(w, r, "/payments/"+id+"/processing", http.StatusSeeOther)
		return
	}
	h.render(w, r, "pages/payment_success.html", map[string]any{
		"Payment": payment,
	}, http.StatusOK)
}

// uploadProof stores the deposit slip and attaches it to the payment.
func (h *Handler) uploadProof(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	payment, err := h.paymentForViewer(r, id)
	if err != nil {
		http.NotFound(w, r)
		return
	}

	if err := r.ParseMultipartForm(10 << 20); err != nil {
		http.Error(w, "Upload too large", http.StatusBadRequest)
		return
	}
	file, header, err := r.FormFile("proof")
	if err != nil {
		h.redirectWithFlash(w, r, "/payments/"+id+"/processing", "error", "Select a file to upload")
		return
	}
	defer file.Close()

	if err := os.MkdirAll(h.uploadDir, 0o755); err != nil {
		h.logger.Error("create upload dir", slog.Any("error", err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	name := uuid.NewString() + filepath.Ext(header.Filename)
	path := filepath.Join(h.uploadDir, name)
	dst, err := os.Create(path)
	if err != nil {
		h.logger.Error("create proof file", slog.Any("error", err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	defer dst.Close()
	if _, err := io.Copy(dst, file); err != nil {
		h.logger.Error("write proof file", slog.Any("error", err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	_, err = h.service.AttachProof(r.Context(), payment.ID, r.PostFormValue("bank_ref"), "/uploads/proofs/"+name)
	if err != nil {
		h.logger.Error("attach proof", slog.Any("error", err))
		h.redirectWithFlash(w, r, "/payments/"+id+"/processing", "error", shared.UserSafeMessage(err))
		return
	}
	h.redirectWithFlash(w, r, "/payments/"+id+"/processing", "success", "Proof uploaded. The bursar will verify it shortly.")
}

// verifyProof marks a proof verified and reconciles the payment.
func (h *Handler) verifyProof(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.service.VerifyProof(r.Context(), id, h.currentUser(r)); err != nil {
		if errors.Is(err, ErrOverpayment) {
			h.redirectWithFlash(w, r, "/dashboard", "error", "Payment exceeds the invoice balance and was rejected")
			return
		}
		h.logger.Error("verify proof", slog.Any("error", err), slog.String("proof_id", id))
		h.redirectWithFlash(w, r, "/dashboard", "error", shared.UserSafeMessage(err))
		return
	}
	h.redirectWithFlash(w, r, "/dashboard", "success", "Payment verified and applied")
}

type mpesaCallback struct {
	CheckoutRequestID string  `json:"checkout_request_id"`
	Phone             string  `json:"phone"`
	MpesaReceiptNo    string  `json:"mpesa_receipt_no"`
	TransactionDate   string  `json:"transaction_date"`
	Amount            float64 `json:"amount"`
	ResultCode        int     `json:"result_code"`
}

// mpesaWebhook handles the STK push result callback. The payment is
// resolved from the checkout reference stored at initiation, never from
// an ID supplied by the caller.
func (h *Handler) mpesaWebhook(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid payload")
		return
	}
	var payload mpesaCallback
	if err := json.Unmarshal(raw, &payload); err != nil || payload.CheckoutRequestID == "" {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid payload")
		return
	}

	payment, err := h.service.FindByProviderRef(r.Context(), payload.CheckoutRequestID)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			httpx.Problem(w, http.StatusNotFound, "Not Found", "unknown payment reference")
			return
		}
		h.logger.Error("resolve mpesa payment", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "processing failed")
		return
	}

	if payload.ResultCode != 0 {
		if err := h.service.FailPayment(r.Context(), payment.ID, "mpesa result code "+strconv.Itoa(payload.ResultCode)); err != nil && !errors.Is(err, ErrAlreadyCompleted) && !errors.Is(err, ErrNotPending) {
			h.logger.Error("mpesa webhook fail", slog.Any("error", err))
			httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "processing failed")
			return
		}
		httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	if payload.MpesaReceiptNo == "" {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid payload")
		return
	}
	key := "mpesa:" + payload.MpesaReceiptNo
	if err := h.idempotency.CheckAndInsert(r.Context(), key, "payments"); err != nil {
		if errors.Is(err, shared.ErrIdempotencyConflict) {
			httpx.JSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
			return
		}
		h.logger.Error("mpesa idempotency", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "processing failed")
		return
	}

	txnDate, _ := time.Parse(time.RFC3339, payload.TransactionDate)
	err = h.service.RecordMpesaCallback(r.Context(), payment.ID, MpesaTransaction{
		Phone:           payload.Phone,
		MpesaReceiptNo:  payload.MpesaReceiptNo,
		TransactionDate: txnDate,
		Amount:          payload.Amount,
	}, raw)
	if err != nil {
		if errors.Is(err, ErrAlreadyCompleted) {
			httpx.JSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
			return
		}
		// Roll the key back so the provider's retry can succeed.
		if delErr := h.idempotency.Delete(r.Context(), key); delErr != nil {
			h.logger.Error("rollback idempotency key", slog.Any("error", delErr))
		}
		h.logger.Error("mpesa webhook", slog.Any("error", err), slog.String("payment_id", payment.ID))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "processing failed")
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type stripeCallback struct {
	PaymentID string `json:"payment_id"`
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
}

// stripeWebhook handles checkout session completion events.
func (h *Handler) stripeWebhook(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid payload")
		return
	}
	var payload stripeCallback
	if err := json.Unmarshal(raw, &payload); err != nil || payload.PaymentID == "" || payload.SessionID == "" {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid payload")
		return
	}

	key := "stripe:" + payload.SessionID
	if err := h.idempotency.CheckAndInsert(r.Context(), key, "payments"); err != nil {
		if errors.Is(err, shared.ErrIdempotencyConflict) {
			httpx.JSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
			return
		}
		h.logger.Error("stripe idempotency", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "processing failed")
		return
	}

	switch payload.Status {
	case "complete", "paid":
		err = h.service.CompletePayment(r.Context(), payload.PaymentID, payload.SessionID, raw, "")
	default:
		err = h.service.FailPayment(r.Context(), payload.PaymentID, "stripe status "+payload.Status)
	}
	if err != nil {
		if errors.Is(err, ErrAlreadyCompleted) {
			httpx.JSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
			return
		}
		if delErr := h.idempotency.Delete(r.Context(), key); delErr != nil {
			h.logger.Error("rollback idempotency key", slog.Any("error", delErr))
		}
		h.logger.Error("stripe webhook", slog.Any("error", err), slog.String("payment_id", payload.PaymentID))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "processing failed")
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) currentUser(r *http.Request) string {
	if sess := shared.SessionFromContext(r.Context()); sess != nil {
		return sess.User()
	}
	return ""
}

func (h *Handler) render(w http.ResponseWriter, r *http.Request, template string, data map[string]any, status int) {
	sess := shared.SessionFromContext(r.Context())
	csrfToken, _ := h.csrf.EnsureToken(r.Context(), sess)
	var flash *shared.FlashMessage
	if sess != nil {
		flash = sess.PopFlash()
	}
	viewData := view.TemplateData{
		Title:       "Pay Fees",
		CSRFToken:   csrfToken,
		Flash:       flash,
		CurrentPath: r.URL.Path,
		Data:        data,
	}
	w.WriteHeader(status)
	if err := h.templates.Render(w, template, viewData); err != nil {
		h.logger.Error("render template", slog.Any("error", err))
	}
}

func (h *Handler) redirectWithFlash(w http.ResponseWriter, r *http.Request, location, kind, message string) {
	if sess := shared.SessionFromContext(r.Context()); sess != nil {
		sess.AddFlash(shared.FlashMessage{Kind: kind, Message: message})
	}
	http.Redirect(w, r, location, http.StatusSeeOther)
}
