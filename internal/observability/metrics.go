package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects Prometheus metrics for the portal.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	paymentsInitiated  *prometheus.CounterVec
	paymentsCompleted  *prometheus.CounterVec
	paymentsFailed     *prometheus.CounterVec
	balanceClampEvents prometheus.Counter
}

// NewMetrics initialises the registry and base metrics.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "portal_http_requests_total",
		Help: "HTTP requests by route and status code.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "portal_http_request_duration_seconds",
		Help:    "HTTP request duration per route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	initiated := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "portal_payments_initiated_total",
		Help: "Payments initiated, by method.",
	}, []string{"method"})
	completed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "portal_payments_completed_total",
		Help: "Payments reconciled to completed, by method.",
	}, []string{"method"})
	failed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "portal_payments_failed_total",
		Help: "Payments moved to failed, by method.",
	}, []string{"method"})
	clamps := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "portal_invoice_balance_clamps_total",
		Help: "Invoices whose computed balance was negative and clamped to zero.",
	})
	registry.MustRegister(requests, duration, initiated, completed, failed, clamps)
	return &Metrics{
		registry:           registry,
		handler:            promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:      requests,
		requestDuration:    duration,
		paymentsInitiated:  initiated,
		paymentsCompleted:  completed,
		paymentsFailed:     failed,
		balanceClampEvents: clamps,
	}
}

// Handler returns the http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Middleware records metrics for every HTTP request.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(&recorder, r)
		route := routePattern(r)
		m.requestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// PaymentInitiated increments the initiation counter for a method.
func (m *Metrics) PaymentInitiated(method string) {
	if m == nil {
		return
	}
	m.paymentsInitiated.WithLabelValues(method).Inc()
}

// PaymentCompleted increments the completion counter for a method.
func (m *Metrics) PaymentCompleted(method string) {
	if m == nil {
		return
	}
	m.paymentsCompleted.WithLabelValues(method).Inc()
}

// PaymentFailed increments the failure counter for a method.
func (m *Metrics) PaymentFailed(method string) {
	if m == nil {
		return
	}
	m.paymentsFailed.WithLabelValues(method).Inc()
}

// BalanceClamped records a negative-balance clamp, a data-integrity warning.
func (m *Metrics) BalanceClamped() {
	if m == nil {
		return
	}
	m.balanceClampEvents.Inc()
}

// Registerer exposes the registry for custom metric registration.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func routePattern(r *http.Request) string {
	if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
		if pattern := routeCtx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unknown"
}
