package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	jobmetrics "github.com/odyssey-erp/odyssey-transfer/internal/jobs"
)

// Metrics collects Prometheus metrics for the HTTP surface and the transfer
// engine.
type Metrics struct {
	registry         *prometheus.Registry
	handler          http.Handler
	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	transfersFulfill *prometheus.CounterVec
	debtTransitions  *prometheus.CounterVec
	shipmentStatus   *prometheus.CounterVec
	courierCalls     *prometheus.CounterVec
	jobs             *jobmetrics.Metrics
}

// NewMetrics initialises the registry with HTTP, domain and job collectors.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odyssey_http_requests_total",
		Help: "HTTP requests by route and status code.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "odyssey_http_request_duration_seconds",
		Help:    "HTTP request duration per route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	fulfill := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odyssey_transfer_fulfillments_total",
		Help: "Transfer fulfillment attempts by resulting request status.",
	}, []string{"status"})
	debts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odyssey_debt_order_transitions_total",
		Help: "Debt order status transitions by target status.",
	}, []string{"status"})
	shipments := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odyssey_shipment_transitions_total",
		Help: "Internal shipment status transitions by target status.",
	}, []string{"status"})
	courier := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odyssey_courier_calls_total",
		Help: "Courier API calls by operation and outcome.",
	}, []string{"operation", "outcome"})
	registry.MustRegister(requests, duration, fulfill, debts, shipments, courier)
	return &Metrics{
		registry:         registry,
		handler:          promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:    requests,
		requestDuration:  duration,
		transfersFulfill: fulfill,
		debtTransitions:  debts,
		shipmentStatus:   shipments,
		courierCalls:     courier,
		jobs:             jobmetrics.NewMetrics(registry),
	}
}

// Handler returns the http.Handler serving /metrics.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Middleware records metrics for each HTTP request.
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

// Registerer exposes the registry for custom collectors.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
}

// Jobs returns the background job collectors bound to this registry.
func (m *Metrics) Jobs() *jobmetrics.Metrics {
	if m == nil {
		return nil
	}
	return m.jobs
}

// TransferFulfilled counts a fulfillment by the status it produced.
func (m *Metrics) TransferFulfilled(status string) {
	if m == nil {
		return
	}
	m.transfersFulfill.WithLabelValues(status).Inc()
}

// DebtTransition counts debt orders moving into status.
func (m *Metrics) DebtTransition(status string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.debtTransitions.WithLabelValues(status).Add(float64(count))
}

// ShipmentTransition counts shipments moving into status.
func (m *Metrics) ShipmentTransition(status string) {
	if m == nil {
		return
	}
	m.shipmentStatus.WithLabelValues(status).Inc()
}

// CourierCall counts a courier API call outcome.
func (m *Metrics) CourierCall(operation string, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	m.courierCalls.WithLabelValues(operation, outcome).Inc()
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
