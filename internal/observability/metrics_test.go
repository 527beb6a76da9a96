package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("scrape status = %d", rec.Code)
	}
	return rec.Body.String()
}

func TestMiddlewareRecordsRouteAndStatus(t *testing.T) {
	m := NewMetrics()

	handler := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	routeCtx := chi.NewRouteContext()
	routeCtx.RoutePatterns = []string{"/test"}
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, routeCtx))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusTeapot {
		t.Fatalf("status = %d, want 418", rec.Code)
	}

	body := scrape(t, m)
	if !strings.Contains(body, `halcyon_http_requests_total{code="418",route="/test"} 1`) {
		t.Fatalf("request counter missing from scrape:\n%s", body)
	}
	if !strings.Contains(body, `halcyon_http_request_duration_seconds_count{route="/test"} 1`) {
		t.Fatalf("duration histogram missing from scrape:\n%s", body)
	}
}

func TestMiddlewareFallsBackToUnknownRoute(t *testing.T) {
	m := NewMetrics()

	handler := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/whatever", nil))

	body := scrape(t, m)
	if !strings.Contains(body, `halcyon_http_requests_total{code="200",route="unknown"} 1`) {
		t.Fatalf("unknown-route counter missing from scrape:\n%s", body)
	}
}

func TestEngineCounters(t *testing.T) {
	m := NewMetrics()

	m.GrantApplied()
	m.GrantApplied()
	m.GrantRevoked()
	m.Reconciliation(3, 2)
	m.NotifyFanout(5)

	body := scrape(t, m)
	for _, want := range []string{
		"halcyon_perm_grants_applied_total 2",
		"halcyon_perm_grants_revoked_total 1",
		"halcyon_perm_reconciliations_total 1",
		`halcyon_perm_reconciled_keys_total{op="add"} 3`,
		`halcyon_perm_reconciled_keys_total{op="remove"} 2`,
		"halcyon_perm_notify_fanout_total 5",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("scrape missing %q:\n%s", want, body)
		}
	}
}

func TestRegistererExposesCustomCollectors(t *testing.T) {
	m := NewMetrics()

	gauge := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "halcyon_perm_custom_keys",
		Help: "Custom permission keys currently registered.",
	})
	m.Registerer().MustRegister(gauge)
	gauge.Set(3)

	body := scrape(t, m)
	if !strings.Contains(body, "halcyon_perm_custom_keys 3") {
		t.Fatalf("custom gauge missing from scrape:\n%s", body)
	}
}

func TestNilMetricsRegistererFallsBackToDefault(t *testing.T) {
	var m *Metrics
	if m.Registerer() != prometheus.DefaultRegisterer {
		t.Fatal("nil metrics must fall back to the default registerer")
	}
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics

	m.GrantApplied()
	m.GrantRevoked()
	m.Reconciliation(1, 1)
	m.NotifyFanout(1)

	if m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})) == nil {
		t.Fatal("nil metrics middleware returned nil handler")
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("nil metrics handler status = %d, want 503", rec.Code)
	}
}
