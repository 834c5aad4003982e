package observability

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/jkaninda/cloudrelay/internal/config"
)

// --- No-op Path ---

func TestNew_NilConfig(t *testing.T) {
	obs, err := New(nil, nil)
	if err != nil {
		t.Fatalf("New(nil) error: %v", err)
	}
	if obs != nil {
		t.Fatal("expected nil Observability for nil config")
	}
	// Accessors must be nil-safe.
	if obs.MetricsOrNil() != nil || obs.SpanTracer() != nil || obs.AnomalyOrNil() != nil || obs.HealthOrNil() != nil {
		t.Error("accessors on nil Observability should return nil")
	}
	obs.Shutdown(context.Background())
}

func TestNew_AllDisabled(t *testing.T) {
	obs, err := New(&config.ObservabilityConfig{}, nil)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if obs.Metrics != nil {
		t.Error("metrics should be nil when not enabled")
	}
	if obs.Tracer != nil {
		t.Error("tracer should be nil when not enabled")
	}
	if obs.Anomaly != nil {
		t.Error("anomaly should be nil when not enabled")
	}
	if obs.Health == nil {
		t.Error("health checker should always be created")
	}
}

func TestNew_MetricsAndAnomaly(t *testing.T) {
	obs, err := New(&config.ObservabilityConfig{
		Metrics: &config.MetricsConfig{Enabled: true},
		Anomaly: &config.AnomalyConfig{Enabled: true},
	}, nil)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if obs.MetricsOrNil() == nil {
		t.Error("expected metrics")
	}
	if obs.AnomalyOrNil() == nil {
		t.Error("expected anomaly detector")
	}
}

// --- MetricsCollector ---

func TestMetricsCollector_Registered(t *testing.T) {
	m := NewMetricsCollector()

	// Vectors only appear in Gather after first use.
	m.RecordRegistration("registered")
	m.RecordForward("GET", OutcomeRelayed)
	m.RecordUpstream("GET", 200, 0.1)
	m.HTTPRequestsTotal.WithLabelValues("GET", "/proxy", "200").Inc()

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("gather error: %v", err)
	}
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, expected := range []string{
		"cloudrelay_credentials_registrations_total",
		"cloudrelay_credentials_revocations_total",
		"cloudrelay_credentials_purged_total",
		"cloudrelay_credentials_stored",
		"cloudrelay_proxy_forwards_total",
		"cloudrelay_upstream_requests_total",
		"cloudrelay_upstream_request_duration_seconds",
		"cloudrelay_http_requests_total",
		"cloudrelay_active_requests",
	} {
		if !names[expected] {
			t.Errorf("metric %q not found in registry", expected)
		}
	}
}

func TestMetricsCollector_Recorders(t *testing.T) {
	m := NewMetricsCollector()

	m.RecordForward("POST", OutcomeRelayed)
	m.RecordForward("POST", OutcomeRelayed)
	m.RecordForward("GET", OutcomeNotRegistered)
	m.RecordUpstream("DELETE", 0, 1)
	m.RecordRevocation()
	m.RecordPurge(3)
	m.RecordPurge(0)
	m.SetStored(7)

	if got := counterValue(t, m.Registry, "cloudrelay_proxy_forwards_total", prometheus.Labels{"method": "POST", "outcome": OutcomeRelayed}); got != 2 {
		t.Errorf("relayed POST = %v, want 2", got)
	}
	if got := counterValue(t, m.Registry, "cloudrelay_proxy_forwards_total", prometheus.Labels{"method": "GET", "outcome": OutcomeNotRegistered}); got != 1 {
		t.Errorf("not_registered GET = %v, want 1", got)
	}
	if got := counterValue(t, m.Registry, "cloudrelay_upstream_requests_total", prometheus.Labels{"method": "DELETE", "status_code": "none"}); got != 1 {
		t.Errorf("upstream without response = %v, want 1", got)
	}
	if got := counterValue(t, m.Registry, "cloudrelay_credentials_revocations_total", nil); got != 1 {
		t.Errorf("revocations = %v, want 1", got)
	}
	if got := counterValue(t, m.Registry, "cloudrelay_credentials_purged_total", nil); got != 3 {
		t.Errorf("purged = %v, want 3", got)
	}
	if got := gaugeValue(t, m.Registry, "cloudrelay_credentials_stored"); got != 7 {
		t.Errorf("stored = %v, want 7", got)
	}
}

func TestMetricsCollector_NilSafe(t *testing.T) {
	var m *MetricsCollector
	m.RecordRegistration("registered")
	m.RecordForward("GET", OutcomeRelayed)
	m.RecordUpstream("GET", 200, 0)
	m.RecordRevocation()
	m.RecordPurge(1)
	m.SetStored(1)
}

func TestMetricsCollector_Handler(t *testing.T) {
	m := NewMetricsCollector()
	m.RecordRegistration("registered")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `cloudrelay_credentials_registrations_total{result="registered"} 1`) {
		t.Errorf("exposition missing registration counter:\n%s", rec.Body.String())
	}
}

// --- HealthChecker ---

func TestHealthChecker_NoChecks(t *testing.T) {
	h := NewHealthChecker(nil)
	if status := h.CheckReady(context.Background()); status.Status != StatusOK {
		t.Errorf("status = %q, want ok", status.Status)
	}
}

func TestHealthChecker_OneFails(t *testing.T) {
	h := NewHealthChecker(slog.New(slog.DiscardHandler))
	h.AddCheck("store", func(ctx context.Context) error { return errors.New("connection refused") })
	h.AddCheck("sealer", func(ctx context.Context) error { return nil })

	status := h.CheckReady(context.Background())
	if status.Status != StatusDegraded {
		t.Errorf("status = %q, want degraded", status.Status)
	}
	if status.Checks["store"].Status != StatusFail || status.Checks["store"].Message != "connection refused" {
		t.Errorf("store check = %+v", status.Checks["store"])
	}
	if status.Checks["sealer"].Status != StatusOK {
		t.Errorf("sealer check = %q, want ok", status.Checks["sealer"].Status)
	}
}

func TestHealthChecker_TimeoutPropagates(t *testing.T) {
	h := NewHealthChecker(nil)
	h.AddCheck("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if status := h.CheckReady(ctx); status.Status != StatusDegraded {
		t.Errorf("status = %q, want degraded", status.Status)
	}
}

func TestHealthChecker_Liveness(t *testing.T) {
	h := NewHealthChecker(nil)
	status := h.CheckHealth()
	if status.Status != StatusOK {
		t.Errorf("liveness status = %q, want ok", status.Status)
	}
	if status.Uptime == "" {
		t.Error("expected uptime")
	}
}

// --- AnomalyDetector ---

func TestAnomalyDetector_NilSafe(t *testing.T) {
	var a *AnomalyDetector
	a.RecordError("test")
	a.RecordSuccess("test")
	if a.RecordProbe("10.0.0.1") {
		t.Error("nil detector should never alert")
	}
	if rate, n := a.ErrorRate("test"); rate != 0 || n != 0 {
		t.Errorf("ErrorRate on nil = %v, %d", rate, n)
	}
}

func TestAnomalyDetector_ErrorRate(t *testing.T) {
	a := NewAnomalyDetector(&config.AnomalyConfig{
		Enabled:            true,
		ErrorRateThreshold: 0.5,
		WindowSeconds:      60,
	}, nil)

	for i := 0; i < 4; i++ {
		a.RecordSuccess("GET")
	}
	for i := 0; i < 6; i++ {
		a.RecordError("GET")
	}

	rate, n := a.ErrorRate("GET")
	if n != 10 {
		t.Errorf("samples = %d, want 10", n)
	}
	if rate != 0.6 {
		t.Errorf("rate = %v, want 0.6", rate)
	}
}

func TestAnomalyDetector_WindowExpires(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	a := NewAnomalyDetector(&config.AnomalyConfig{WindowSeconds: 60}, nil)
	a.now = func() time.Time { return now }

	a.RecordError("POST")
	now = now.Add(2 * time.Minute)
	a.RecordSuccess("POST")

	rate, n := a.ErrorRate("POST")
	if n != 1 || rate != 0 {
		t.Errorf("ErrorRate = %v over %d samples, want 0 over 1", rate, n)
	}
}

func TestAnomalyDetector_ProbeThreshold(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	a := NewAnomalyDetector(&config.AnomalyConfig{ProbeThreshold: 3, WindowSeconds: 60}, slog.New(slog.DiscardHandler))
	a.now = func() time.Time { return now }

	var alerts int
	for i := 0; i < 5; i++ {
		if a.RecordProbe("10.0.0.1") {
			alerts++
		}
	}
	if alerts != 1 {
		t.Errorf("alerts = %d, want exactly 1 per crossing", alerts)
	}
	if a.RecordProbe("10.0.0.2") {
		t.Error("other client should be tracked independently")
	}

	// After the window passes the counter resets and may alert again.
	now = now.Add(2 * time.Minute)
	a.RecordProbe("10.0.0.1")
	a.RecordProbe("10.0.0.1")
	if !a.RecordProbe("10.0.0.1") {
		t.Error("expected a new alert after the window elapsed")
	}
}

// --- HTTP Middleware ---

func TestHTTPMetricsMiddleware(t *testing.T) {
	metrics := NewMetricsCollector()

	handler := HTTPMetricsMiddleware(metrics, nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, "no")
	}), "/proxy")

	for _, path := range []string{"/proxy", "/random/123", "/random/456"} {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path, nil))
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", rec.Code)
		}
	}

	if got := counterValue(t, metrics.Registry, "cloudrelay_http_requests_total", prometheus.Labels{"method": "POST", "path": "/proxy", "status_code": "401"}); got != 1 {
		t.Errorf("/proxy requests = %v, want 1", got)
	}
	if got := counterValue(t, metrics.Registry, "cloudrelay_http_requests_total", prometheus.Labels{"method": "POST", "path": OtherPath, "status_code": "401"}); got != 2 {
		t.Errorf("other requests = %v, want 2", got)
	}
	if got := gaugeValue(t, metrics.Registry, "cloudrelay_active_requests"); got != 0 {
		t.Errorf("active requests = %v, want 0 after completion", got)
	}
}

func TestHTTPMetricsMiddleware_ImplicitOK(t *testing.T) {
	metrics := NewMetricsCollector()
	handler := HTTPMetricsMiddleware(metrics, nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "ok")
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if got := counterValue(t, metrics.Registry, "cloudrelay_http_requests_total", prometheus.Labels{"method": "GET", "path": "/healthz", "status_code": "200"}); got != 1 {
		t.Errorf("requests = %v, want 1", got)
	}
}

func TestHTTPMetricsMiddleware_Tracing(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	handler := HTTPMetricsMiddleware(nil, tp.Tracer("test"), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, child := StartSpan(r.Context(), tp.Tracer("test"), "upstream")
		child.End()
		w.WriteHeader(http.StatusBadGateway)
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/proxy", nil))

	spans := exporter.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("spans = %d, want 2", len(spans))
	}
	child, parent := spans[0], spans[1]
	if parent.Name != "http.request" {
		t.Errorf("parent span = %q", parent.Name)
	}
	if child.Parent.SpanID() != parent.SpanContext.SpanID() {
		t.Error("upstream span should be a child of the request span")
	}
}

func TestStartSpan_NilTracer(t *testing.T) {
	ctx := context.Background()
	got, span := StartSpan(ctx, nil, "noop")
	if got != ctx {
		t.Error("nil tracer should return the same context")
	}
	span.End()
}

func TestTracerSetup_Nil(t *testing.T) {
	var ts *TracerSetup
	if ts.Tracer() == nil {
		t.Error("nil TracerSetup should return a noop tracer")
	}
	if err := ts.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown on nil = %v", err)
	}
	if ts, err := NewTracerSetup(&config.TracingConfig{Enabled: false}); ts != nil || err != nil {
		t.Errorf("disabled tracing = %v, %v", ts, err)
	}
}

// --- Helpers ---

func labelMap(pairs []*dto.LabelPair) map[string]string {
	m := make(map[string]string)
	for _, p := range pairs {
		m[p.GetName()] = p.GetValue()
	}
	return m
}

func findMetric(t *testing.T, reg *prometheus.Registry, name string, labels prometheus.Labels) *dto.Metric {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather error: %v", err)
	}
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, metric := range f.GetMetric() {
			lm := labelMap(metric.GetLabel())
			match := true
			for k, v := range labels {
				if lm[k] != v {
					match = false
					break
				}
			}
			if match {
				return metric
			}
		}
	}
	return nil
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels prometheus.Labels) float64 {
	t.Helper()
	return findMetric(t, reg, name, labels).GetCounter().GetValue()
}

func gaugeValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	return findMetric(t, reg, name, nil).GetGauge().GetValue()
}
