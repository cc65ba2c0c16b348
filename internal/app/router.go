package app

import (
	"io/fs"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/kayatiwi/fees-portal/internal/auth"
	"github.com/kayatiwi/fees-portal/internal/billing"
	"github.com/kayatiwi/fees-portal/internal/observability"
	"github.com/kayatiwi/fees-portal/internal/payments"
	"github.com/kayatiwi/fees-portal/internal/rbac"
	"github.com/kayatiwi/fees-portal/internal/shared"
	"github.com/kayatiwi/fees-portal/internal/view"
	"github.com/kayatiwi/fees-portal/jobs"
	"github.com/kayatiwi/fees-portal/web"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger          *slog.Logger
	Config          *Config
	Templates       *view.Engine
	SessionManager  *shared.SessionManager
	CSRFManager     *shared.CSRFManager
	AuthHandler     *auth.Handler
	BillingHandler  *billing.Handler
	PaymentsHandler *payments.Handler
	JobHandler      *jobs.Handler
	RBACMiddleware  rbac.Middleware
	Metrics         *observability.Metrics
}

// NewRouter constructs the chi.Router for the portal.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:         params.Logger,
		Config:         params.Config,
		SessionManager: params.SessionManager,
		CSRFManager:    params.CSRFManager,
		Metrics:        params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Use(chimw.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	// Landing page for unauthenticated users
	r.Get("/welcome", func(w http.ResponseWriter, r *http.Request) {
		sess := shared.SessionFromContext(r.Context())
		csrfToken, _ := params.CSRFManager.EnsureToken(r.Context(), sess)
		var flash *shared.FlashMessage
		if sess != nil {
			flash = sess.PopFlash()
		}
		data := view.TemplateData{
			Title:     "Kayatiwi Fees Portal",
			CSRFToken: csrfToken,
			Flash:     flash,
		}
		if err := params.Templates.Render(w, "pages/landing.html", data); err != nil {
			params.Logger.Error("render landing", slog.Any("error", err))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
	})

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		sess := shared.SessionFromContext(r.Context())
		if sess == nil || sess.User() == "" {
			http.Redirect(w, r, "/welcome", http.StatusSeeOther)
			return
		}
		http.Redirect(w, r, "/dashboard", http.StatusSeeOther)
	})

	r.Route("/auth", params.AuthHandler.MountRoutes)

	// Signed-in surface: guardian dashboard, invoices, payment flows.
	r.Group(func(r chi.Router) {
		r.Use(params.RBACMiddleware.RequireUser)
		params.BillingHandler.MountRoutes(r)
		params.PaymentsHandler.MountRoutes(r)

		// Staff operations carry their own role checks.
		params.BillingHandler.MountStaffRoutes(r)
		params.PaymentsHandler.MountStaffRoutes(r)
	})

	// Provider callbacks bypass the session stack; see isWebhookPath.
	r.Route("/webhooks", params.PaymentsHandler.MountWebhooks)

	if params.JobHandler != nil {
		r.Route("/jobs", params.JobHandler.MountRoutes)
	}
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	staticFS, err := fs.Sub(web.Static, "static")
	if err != nil {
		params.Logger.Error("create static sub filesystem", slog.Any("error", err))
	} else {
		// Static assets skip session and CSRF handling entirely.
		fileServer := http.StripPrefix("/static/", http.FileServer(http.FS(staticFS)))
		r.Handle("/static/*", staticCacheHandler(fileServer))
	}

	// Uploaded bank-transfer proofs, stored on local disk.
	if params.Config != nil && params.Config.ProofUploadDir != "" {
		proofServer := http.StripPrefix("/uploads/proofs/", http.FileServer(http.Dir(params.Config.ProofUploadDir)))
		r.With(params.RBACMiddleware.RequireUser).Handle("/uploads/proofs/*", proofServer)
	}

	return r
}

// staticCacheHandler wraps a file server with Cache-Control headers.
func staticCacheHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "public, max-age=3600")
		next.ServeHTTP(w, r)
	})
}
