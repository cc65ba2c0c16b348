package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kayatiwi/fees-portal/internal/rbac"
	"github.com/kayatiwi/fees-portal/internal/registry"
	"github.com/kayatiwi/fees-portal/internal/shared"
	"github.com/kayatiwi/fees-portal/internal/view"
)

// GuardianResolver resolves guardian records for signed-in users.
type GuardianResolver interface {
	GuardianForUser(ctx context.Context, userID string) (registry.Guardian, error)
	StudentsForGuardian(ctx context.Context, guardianID string) ([]registry.Student, error)
	GetStudent(ctx context.Context, id string) (registry.Student, error)
}

// Handler manages billing endpoints.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	guardians GuardianResolver
	payments  PaymentSource
	templates *view.Engine
	csrf      *shared.CSRFManager
	sessions  *shared.SessionManager
	rbac      rbac.Middleware
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service, guardians GuardianResolver, payments PaymentSource, templates *view.Engine, csrf *shared.CSRFManager, sessions *shared.SessionManager, rbacMW rbac.Middleware) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, guardians: guardians, payments: payments, templates: templates, csrf: csrf, sessions: sessions, rbac: rbacMW}
}

// MountRoutes registers parent-facing billing routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/dashboard", h.showDashboard)
	r.Get("/invoices/{id}", h.showInvoiceDetail)
	r.Get("/invoices/{id}/receipt", h.downloadReceipt)
}

// MountStaffRoutes registers bursar-only billing routes.
func (h *Handler) MountStaffRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(rbac.RoleBursar, rbac.RoleSuperAdmin))
		r.Post("/terms/{id}/invoices", h.generateInvoices)
		r.Post("/scholarships", h.applyScholarship)
	})
}

type formErrors map[string]string

type invoiceRow struct {
	Invoice Invoice
	Label   string
	Balance float64
}

type dashboardData struct {
	GuardianName string
	HasGuardian  bool
	Students     []registry.Student
	Invoices     []invoiceRow
	Outstanding  float64
	UpcomingDue  int
}

// showDashboard renders the guardian's fee overview. A signed-in user
// without a guardian record sees the empty state, not an error page.
func (h *Handler) showDashboard(w http.ResponseWriter, r *http.Request) {
	sess := shared.SessionFromContext(r.Context())
	userID := ""
	if sess != nil {
		userID = sess.User()
	}

	guardian, err := h.guardians.GuardianForUser(r.Context(), userID)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			h.render(w, r, "pages/dashboard.html", map[string]any{
				"Dashboard": dashboardData{},
			}, http.StatusOK)
			return
		}
		h.logger.Error("resolve guardian", slog.Any("error", err))
		h.render(w, r, "pages/dashboard.html", map[string]any{
			"Errors": formErrors{"general": shared.UserSafeMessage(err)},
		}, http.StatusInternalServerError)
		return
	}

	students, err := h.guardians.StudentsForGuardian(r.Context(), guardian.ID)
	if err != nil {
		h.logger.Error("list students", slog.Any("error", err))
		students = nil
	}

	invoices, summary, err := h.service.GuardianInvoices(r.Context(), guardian.ID)
	if err != nil {
		h.logger.Error("list guardian invoices", slog.Any("error", err))
		h.render(w, r, "pages/dashboard.html", map[string]any{
			"Errors": formErrors{"general": shared.UserSafeMessage(err)},
		}, http.StatusInternalServerError)
		return
	}

	rows := make([]invoiceRow, 0, len(invoices))
	for _, inv := range invoices {
		rows = append(rows, invoiceRow{Invoice: inv, Label: StatusLabel(inv.Status), Balance: inv.BalanceDue()})
	}

	h.render(w, r, "pages/dashboard.html", map[string]any{
		"Dashboard": dashboardData{
			GuardianName: guardian.Name,
			HasGuardian:  true,
			Students:     students,
			Invoices:     rows,
			Outstanding:  summary.Outstanding,
			UpcomingDue:  summary.UpcomingDue,
		},
	}, http.StatusOK)
}

// showInvoiceDetail renders a single invoice with lines and payments.
func (h *Handler) showInvoiceDetail(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess := shared.SessionFromContext(r.Context())
	userID := ""
	if sess != nil {
		userID = sess.User()
	}

	// Parents only see their own invoices; reading without a guardian
	// scope is reserved for staff roles.
	guardianScope := ""
	guardian, err := h.guardians.GuardianForUser(r.Context(), userID)
	switch {
	case err == nil:
		guardianScope = guardian.ID
	case errors.Is(err, shared.ErrNotFound):
		staff, roleErr := h.rbac.HasAny(r.Context(), userID, rbac.RoleBursar, rbac.RoleSuperAdmin, rbac.RoleAuditor)
		if roleErr != nil {
			h.logger.Error("check staff roles", slog.Any("error", roleErr))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}
		if !staff {
			http.NotFound(w, r)
			return
		}
	default:
		h.logger.Error("resolve guardian", slog.Any("error", err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	detail, err := h.service.GetInvoiceDetail(r.Context(), id, guardianScope)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) || errors.Is(err, shared.ErrForbidden) {
			http.NotFound(w, r)
			return
		}
		h.logger.Error("get invoice detail", slog.Any("error", err), slog.String("id", id))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	student, err := h.guardians.GetStudent(r.Context(), detail.Invoice.StudentID)
	if err != nil {
		h.logger.Warn("load invoice student", slog.Any("error", err))
	}

	payments, err := h.payments.PaymentsForInvoice(r.Context(), id)
	if err != nil {
		h.logger.Error("list invoice payments", slog.Any("error", err))
		payments = nil
	}

	h.render(w, r, "pages/invoice_detail.html", map[string]any{
		"Invoice":     detail.Invoice,
		"Label":       StatusLabel(detail.Invoice.Status),
		"Lines":       detail.Lines,
		"Adjustments": detail.Adjustments,
		"BalanceDue":  detail.BalanceDue,
		"Student":     student,
		"Payments":    payments,
	}, http.StatusOK)
}

// downloadReceipt is a stub; receipt rendering is not implemented.
func (h *Handler) downloadReceipt(w http.ResponseWriter, r *http.Request) {
	http.Error(w, "Receipt download is not available yet", http.StatusNotImplemented)
}

// generateInvoices bulk-creates invoices for a term.
func (h *Handler) generateInvoices(w http.ResponseWriter, r *http.Request) {
	termID := chi.URLParam(r, "id")
	if err := r.ParseForm(); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	dueDate, _ := time.Parse("2006-01-02", r.PostFormValue("due_date"))

	sess := shared.SessionFromContext(r.Context())
	userID := ""
	if sess != nil {
		userID = sess.User()
	}

	created, err := h.service.GenerateInvoices(r.Context(), termID, dueDate, userID)
	if err != nil {
		h.logger.Error("generate invoices", slog.Any("error", err), slog.String("term_id", termID))
		h.redirectWithFlash(w, r, "/dashboard", "error", shared.UserSafeMessage(err))
		return
	}
	h.redirectWithFlash(w, r, "/dashboard", "success", fmt.Sprintf("%d invoices generated", created))
}

// applyScholarship records a scholarship adjustment.
func (h *Handler) applyScholarship(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	amount, _ := strconv.ParseFloat(r.PostFormValue("amount"), 64)
	var invoiceID *string
	if v := r.PostFormValue("invoice_id"); v != "" {
		invoiceID = &v
	}

	sess := shared.SessionFromContext(r.Context())
	userID := ""
	if sess != nil {
		userID = sess.User()
	}

	_, err := h.service.ApplyScholarship(r.Context(), ScholarshipAdjustment{
		StudentID: r.PostFormValue("student_id"),
		InvoiceID: invoiceID,
		Amount:    amount,
		Reason:    r.PostFormValue("reason"),
		AppliedBy: userID,
	})
	if err != nil {
		h.logger.Error("apply scholarship", slog.Any("error", err))
		h.redirectWithFlash(w, r, "/dashboard", "error", shared.UserSafeMessage(err))
		return
	}
	h.redirectWithFlash(w, r, "/dashboard", "success", "Scholarship applied")
}

func (h *Handler) render(w http.ResponseWriter, r *http.Request, template string, data map[string]any, status int) {
	sess := shared.SessionFromContext(r.Context())
	csrfToken, _ := h.csrf.EnsureToken(r.Context(), sess)
	var flash *shared.FlashMessage
	if sess != nil {
		flash = sess.PopFlash()
	}
	viewData := view.TemplateData{
		Title:       "Fees",
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
