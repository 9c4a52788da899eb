// Package metrics provides Prometheus metrics for the settings service.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

// Metrics holds all Prometheus metrics for the settings service.
type Metrics struct {
	// Request metrics
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	// Domain metrics
	DeclarationsTotal *prometheus.CounterVec
	RulesCreatedTotal prometheus.Counter
	QueriesTotal      prometheus.Counter

	// Health
	Healthy prometheus.Gauge

	registry *prometheus.Registry
}

// New creates a new Metrics instance with all collectors registered.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}

	// Request metrics
	m.RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "heksher_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	m.RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "heksher_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	m.RequestsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "heksher_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
	)

	// Domain metrics
	m.DeclarationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "heksher_declarations_total",
			Help: "Total number of setting declarations by outcome",
		},
		[]string{"outcome"},
	)

	m.RulesCreatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "heksher_rules_created_total",
			Help: "Total number of rules created",
		},
	)

	m.QueriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "heksher_queries_total",
			Help: "Total number of rule queries",
		},
	)

	// Health
	m.Healthy = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "heksher_healthy",
			Help: "Whether the last health check passed (1) or failed (0)",
		},
	)

	// Register all collectors
	m.registry.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.DeclarationsTotal,
		m.RulesCreatedTotal,
		m.QueriesTotal,
		m.Healthy,
	)

	// Also register the default collectors (go runtime, process info)
	m.registry.MustRegister(prometheus.NewGoCollector())
	m.registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	return m
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Gather collects the current metric families from the underlying registry.
func (m *Metrics) Gather() ([]*dto.MetricFamily, error) {
	return m.registry.Gather()
}

// Middleware returns HTTP middleware that records request metrics.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Skip metrics endpoint itself
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		m.RequestsInFlight.Inc()

		// Wrap response writer to capture status code
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		m.RequestsInFlight.Dec()
		duration := time.Since(start).Seconds()

		// Normalize path for metrics (avoid high cardinality)
		path := normalizePath(r.URL.Path)

		m.RequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.statusCode)).Inc()
		m.RequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// normalizePath normalizes a URL path to reduce cardinality.
func normalizePath(path string) string {
	switch {
	// Fixed paths that would otherwise match a parameterized pattern
	case path == "/api/v1/settings/declare",
		path == "/api/v1/settings",
		path == "/api/v1/rules",
		path == "/api/v1/rules/search",
		path == "/api/v1/rules/query",
		path == "/api/v1/query",
		path == "/api/v1/context_features",
		path == "/api/health":
		return path

	// Setting sub-resources
	case startsWith(path, "/api/v1/settings/") && contains(path, "/metadata/"):
		return "/api/v1/settings/{name}/metadata/{key}"
	case startsWith(path, "/api/v1/settings/") && endsWith(path, "/metadata"):
		return "/api/v1/settings/{name}/metadata"
	case startsWith(path, "/api/v1/settings/") && endsWith(path, "/type"):
		return "/api/v1/settings/{name}/type"
	case startsWith(path, "/api/v1/settings/") && endsWith(path, "/name"):
		return "/api/v1/settings/{name}/name"
	case startsWith(path, "/api/v1/settings/") && endsWith(path, "/configurable_features"):
		return "/api/v1/settings/{name}/configurable_features"
	case startsWith(path, "/api/v1/settings/"):
		return "/api/v1/settings/{name}"

	// Rule sub-resources
	case startsWith(path, "/api/v1/rules/") && contains(path, "/metadata/"):
		return "/api/v1/rules/{id}/metadata/{key}"
	case startsWith(path, "/api/v1/rules/") && endsWith(path, "/metadata"):
		return "/api/v1/rules/{id}/metadata"
	case startsWith(path, "/api/v1/rules/") && endsWith(path, "/value"):
		return "/api/v1/rules/{id}/value"
	case startsWith(path, "/api/v1/rules/"):
		return "/api/v1/rules/{id}"

	case startsWith(path, "/api/v1/context_features/") && endsWith(path, "/index"):
		return "/api/v1/context_features/{name}/index"
	case startsWith(path, "/api/v1/context_features/"):
		return "/api/v1/context_features/{name}"
	}
	return path
}

// String helper functions to avoid importing strings package
func startsWith(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

func endsWith(s, suffix string) bool {
	return len(s) >= len(suffix) && s[len(s)-len(suffix):] == suffix
}

func contains(s, substr string) bool {
	for i := 0; i <= len(s)-len(substr); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}

// RecordDeclaration records the outcome of a setting declaration.
func (m *Metrics) RecordDeclaration(outcome string) {
	m.DeclarationsTotal.WithLabelValues(outcome).Inc()
}

// RecordRuleCreated records a successful rule creation.
func (m *Metrics) RecordRuleCreated() {
	m.RulesCreatedTotal.Inc()
}

// RecordQuery records a rule query.
func (m *Metrics) RecordQuery() {
	m.QueriesTotal.Inc()
}

// SetHealthy records the result of the latest health check.
func (m *Metrics) SetHealthy(healthy bool) {
	if healthy {
		m.Healthy.Set(1)
	} else {
		m.Healthy.Set(0)
	}
}
