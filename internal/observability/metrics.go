package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects Prometheus metrics for the application.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	grantsApplied   prometheus.Counter
	grantsRevoked   prometheus.Counter
	reconciliations prometheus.Counter
	reconcileKeys   *prometheus.CounterVec
	notifyFanout    prometheus.Counter
}

// NewMetrics initialises the registry with HTTP and permission-engine metrics.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "halcyon_http_requests_total",
		Help: "HTTP requests by route and status code.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "halcyon_http_request_duration_seconds",
		Help:    "HTTP request duration per route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})

	grantsApplied := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "halcyon_perm_grants_applied_total",
		Help: "Single permission grants written.",
	})
	grantsRevoked := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "halcyon_perm_grants_revoked_total",
		Help: "Single permission grants removed.",
	})
	reconciliations := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "halcyon_perm_reconciliations_total",
		Help: "Role permission set reconciliations committed.",
	})
	reconcileKeys := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "halcyon_perm_reconciled_keys_total",
		Help: "Keys added or removed by reconciliations.",
	}, []string{"op"})
	notifyFanout := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "halcyon_perm_notify_fanout_total",
		Help: "Per-user permission refresh notifications published.",
	})

	registry.MustRegister(requests, duration, grantsApplied, grantsRevoked, reconciliations, reconcileKeys, notifyFanout)
	return &Metrics{
		registry:        registry,
		handler:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:   requests,
		requestDuration: duration,
		grantsApplied:   grantsApplied,
		grantsRevoked:   grantsRevoked,
		reconciliations: reconciliations,
		reconcileKeys:   reconcileKeys,
		notifyFanout:    notifyFanout,
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

// GrantApplied counts one written grant.
func (m *Metrics) GrantApplied() {
	if m != nil {
		m.grantsApplied.Inc()
	}
}

// GrantRevoked counts one removed grant.
func (m *Metrics) GrantRevoked() {
	if m != nil {
		m.grantsRevoked.Inc()
	}
}

// Reconciliation counts one committed set reconciliation and its diff size.
func (m *Metrics) Reconciliation(added, removed int) {
	if m == nil {
		return
	}
	m.reconciliations.Inc()
	m.reconcileKeys.WithLabelValues("add").Add(float64(added))
	m.reconcileKeys.WithLabelValues("remove").Add(float64(removed))
}

// NotifyFanout counts published per-user refresh notifications.
func (m *Metrics) NotifyFanout(users int) {
	if m != nil {
		m.notifyFanout.Add(float64(users))
	}
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
