package observability

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector holds all Prometheus metrics for the broker.
// Uses a custom registry, not the global one.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Credential lifecycle.
	RegistrationsTotal *prometheus.CounterVec
	RevocationsTotal   prometheus.Counter
	PurgedTotal        prometheus.Counter
	StoredCredentials  prometheus.Gauge

	// Forwarding.
	ForwardsTotal           *prometheus.CounterVec
	UpstreamRequestsTotal   *prometheus.CounterVec
	UpstreamRequestDuration *prometheus.HistogramVec

	// HTTP surface.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	ActiveRequests      prometheus.Gauge
}

// Forward outcomes used as the "outcome" label of ForwardsTotal.
const (
	OutcomeRelayed       = "relayed"
	OutcomeNotRegistered = "not_registered"
	OutcomeRejected      = "rejected"
	OutcomeRateLimited   = "rate_limited"
	OutcomeUnreachable   = "unreachable"
	OutcomeTooLarge      = "too_large"
	OutcomeFailed        = "failed"
)

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		RegistrationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cloudrelay",
			Subsystem: "credentials",
			Name:      "registrations_total",
			Help:      "Credential registrations by result.",
		}, []string{"result"}),

		RevocationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cloudrelay",
			Subsystem: "credentials",
			Name:      "revocations_total",
			Help:      "Credentials removed on request.",
		}),

		PurgedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cloudrelay",
			Subsystem: "credentials",
			Name:      "purged_total",
			Help:      "Expired credentials removed by the sweeper.",
		}),

		StoredCredentials: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "cloudrelay",
			Subsystem: "credentials",
			Name:      "stored",
			Help:      "Credentials currently held by the store.",
		}),

		ForwardsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cloudrelay",
			Subsystem: "proxy",
			Name:      "forwards_total",
			Help:      "Forward requests by method and outcome.",
		}, []string{"method", "outcome"}),

		UpstreamRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cloudrelay",
			Subsystem: "upstream",
			Name:      "requests_total",
			Help:      "Requests sent to the provider API.",
		}, []string{"method", "status_code"}),

		UpstreamRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "cloudrelay",
			Subsystem: "upstream",
			Name:      "request_duration_seconds",
			Help:      "Provider API request duration in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}, []string{"method"}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cloudrelay",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "cloudrelay",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "cloudrelay",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),
	}

	// Register all collectors.
	reg.MustRegister(
		m.RegistrationsTotal,
		m.RevocationsTotal,
		m.PurgedTotal,
		m.StoredCredentials,
		m.ForwardsTotal,
		m.UpstreamRequestsTotal,
		m.UpstreamRequestDuration,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ActiveRequests,
	)

	return m
}

// Handler exposes the registry in the Prometheus text format.
func (m *MetricsCollector) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// RecordRegistration counts one registration attempt. Nil-safe.
func (m *MetricsCollector) RecordRegistration(result string) {
	if m == nil {
		return
	}
	m.RegistrationsTotal.WithLabelValues(result).Inc()
}

// RecordForward counts one forward request. Nil-safe.
func (m *MetricsCollector) RecordForward(method, outcome string) {
	if m == nil {
		return
	}
	m.ForwardsTotal.WithLabelValues(method, outcome).Inc()
}

// RecordUpstream records one upstream round trip. code 0 means no response.
func (m *MetricsCollector) RecordUpstream(method string, code int, seconds float64) {
	if m == nil {
		return
	}
	m.UpstreamRequestsTotal.WithLabelValues(method, statusCode(code)).Inc()
	m.UpstreamRequestDuration.WithLabelValues(method).Observe(seconds)
}

// RecordRevocation counts a revoked credential. Nil-safe.
func (m *MetricsCollector) RecordRevocation() {
	if m == nil {
		return
	}
	m.RevocationsTotal.Inc()
}

// RecordPurge counts credentials removed by the sweeper. Nil-safe.
func (m *MetricsCollector) RecordPurge(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.PurgedTotal.Add(float64(n))
}

// SetStored sets the stored-credentials gauge. Nil-safe.
func (m *MetricsCollector) SetStored(n int) {
	if m == nil {
		return
	}
	m.StoredCredentials.Set(float64(n))
}

// statusCode returns the HTTP status code as a string for metric labels.
func statusCode(code int) string {
	if code == 0 {
		return "none"
	}
	return strconv.Itoa(code)
}
