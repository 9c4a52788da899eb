package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	dto "github.com/prometheus/client_model/go"
)

func TestNew(t *testing.T) {
	m := New()
	if m == nil {
		t.Fatal("Expected non-nil Metrics")
	}
	if m.RequestsTotal == nil {
		t.Error("Expected RequestsTotal to be initialized")
	}
	if m.DeclarationsTotal == nil {
		t.Error("Expected DeclarationsTotal to be initialized")
	}
	if m.Healthy == nil {
		t.Error("Expected Healthy to be initialized")
	}
}

func TestMetrics_Handler(t *testing.T) {
	m := New()

	// Record some metrics so they appear in output
	m.RequestsTotal.WithLabelValues("GET", "/api/v1/settings", "200").Inc()

	handler := m.Handler()

	req := httptest.NewRequest("GET", "/metrics", nil)
	rr := httptest.NewRecorder()

	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", rr.Code)
	}

	body, _ := io.ReadAll(rr.Body)
	// Check for our custom metric
	if !strings.Contains(string(body), "heksher_http_requests_total") {
		t.Error("Expected metrics output to contain heksher_http_requests_total")
	}
	// Check for Go runtime metrics (always present)
	if !strings.Contains(string(body), "go_") {
		t.Error("Expected metrics output to contain Go runtime metrics")
	}
}

func TestMetrics_Middleware(t *testing.T) {
	m := New()

	var called bool
	handler := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/api/v1/settings", nil)
	rr := httptest.NewRecorder()

	handler.ServeHTTP(rr, req)

	if !called {
		t.Error("Handler should have been called")
	}
	if rr.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", rr.Code)
	}

	value := counterValue(t, m, "heksher_http_requests_total", map[string]string{
		"method": "GET",
		"path":   "/api/v1/settings",
		"status": "200",
	})
	if value != 1 {
		t.Errorf("Expected 1 recorded request, got %v", value)
	}
}

func TestMetrics_MiddlewareNormalizesPath(t *testing.T) {
	m := New()

	handler := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	req := httptest.NewRequest("DELETE", "/api/v1/rules/1234", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	value := counterValue(t, m, "heksher_http_requests_total", map[string]string{
		"method": "DELETE",
		"path":   "/api/v1/rules/{id}",
		"status": "404",
	})
	if value != 1 {
		t.Errorf("Expected 1 recorded request for normalized path, got %v", value)
	}
}

func TestMetrics_RecordDeclaration(t *testing.T) {
	m := New()

	m.RecordDeclaration("created")
	m.RecordDeclaration("created")
	m.RecordDeclaration("uptodate")

	value := counterValue(t, m, "heksher_declarations_total", map[string]string{"outcome": "created"})
	if value != 2 {
		t.Errorf("Expected 2 created declarations, got %v", value)
	}
}

func TestMetrics_RecordRuleCreated(t *testing.T) {
	m := New()

	m.RecordRuleCreated()
	m.RecordRuleCreated()

	value := counterValue(t, m, "heksher_rules_created_total", nil)
	if value != 2 {
		t.Errorf("Expected 2 rules created, got %v", value)
	}
}

func TestMetrics_RecordQuery(t *testing.T) {
	m := New()

	m.RecordQuery()

	value := counterValue(t, m, "heksher_queries_total", nil)
	if value != 1 {
		t.Errorf("Expected 1 query, got %v", value)
	}
}

func TestMetrics_SetHealthy(t *testing.T) {
	m := New()

	m.SetHealthy(true)
	if value := gaugeValue(t, m, "heksher_healthy"); value != 1 {
		t.Errorf("Expected healthy gauge 1, got %v", value)
	}

	m.SetHealthy(false)
	if value := gaugeValue(t, m, "heksher_healthy"); value != 0 {
		t.Errorf("Expected healthy gauge 0, got %v", value)
	}
}

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"/api/v1/settings", "/api/v1/settings"},
		{"/api/v1/settings/declare", "/api/v1/settings/declare"},
		{"/api/v1/settings/cache_size", "/api/v1/settings/{name}"},
		{"/api/v1/settings/cache_size/type", "/api/v1/settings/{name}/type"},
		{"/api/v1/settings/cache_size/name", "/api/v1/settings/{name}/name"},
		{"/api/v1/settings/cache_size/configurable_features", "/api/v1/settings/{name}/configurable_features"},
		{"/api/v1/settings/cache_size/metadata", "/api/v1/settings/{name}/metadata"},
		{"/api/v1/settings/cache_size/metadata/owner", "/api/v1/settings/{name}/metadata/{key}"},
		{"/api/v1/rules", "/api/v1/rules"},
		{"/api/v1/rules/search", "/api/v1/rules/search"},
		{"/api/v1/rules/query", "/api/v1/rules/query"},
		{"/api/v1/rules/17", "/api/v1/rules/{id}"},
		{"/api/v1/rules/17/value", "/api/v1/rules/{id}/value"},
		{"/api/v1/rules/17/metadata", "/api/v1/rules/{id}/metadata"},
		{"/api/v1/rules/17/metadata/owner", "/api/v1/rules/{id}/metadata/{key}"},
		{"/api/v1/query", "/api/v1/query"},
		{"/api/v1/context_features", "/api/v1/context_features"},
		{"/api/v1/context_features/user", "/api/v1/context_features/{name}"},
		{"/api/v1/context_features/user/index", "/api/v1/context_features/{name}/index"},
		{"/api/health", "/api/health"},
		{"/redoc", "/redoc"},
	}

	for _, tt := range tests {
		result := normalizePath(tt.input)
		if result != tt.expected {
			t.Errorf("normalizePath(%q) = %q, want %q", tt.input, result, tt.expected)
		}
	}
}

func TestStartsWith(t *testing.T) {
	if !startsWith("/api/v1/settings/test", "/api/v1/settings/") {
		t.Error("Expected startsWith to return true")
	}
	if startsWith("/api/v1/rules/test", "/api/v1/settings/") {
		t.Error("Expected startsWith to return false")
	}
}

func TestEndsWith(t *testing.T) {
	if !endsWith("/api/v1/settings/test/type", "/type") {
		t.Error("Expected endsWith to return true")
	}
	if endsWith("/api/v1/settings/test", "/type") {
		t.Error("Expected endsWith to return false")
	}
}

func TestContains(t *testing.T) {
	if !contains("/api/v1/rules/17/metadata/owner", "/metadata/") {
		t.Error("Expected contains to return true")
	}
	if contains("/api/v1/rules/17", "/metadata/") {
		t.Error("Expected contains to return false")
	}
}

// counterValue finds a counter by name and label set via Gather.
func counterValue(t *testing.T, m *Metrics, name string, labels map[string]string) float64 {
	t.Helper()
	metric := findMetric(t, m, name, labels)
	if metric == nil {
		return 0
	}
	return metric.GetCounter().GetValue()
}

// gaugeValue finds a gauge by name via Gather.
func gaugeValue(t *testing.T, m *Metrics, name string) float64 {
	t.Helper()
	metric := findMetric(t, m, name, nil)
	if metric == nil {
		return 0
	}
	return metric.GetGauge().GetValue()
}

func findMetric(t *testing.T, m *Metrics, name string, labels map[string]string) *dto.Metric {
	t.Helper()
	families, err := m.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		for _, metric := range family.GetMetric() {
			if matchesLabels(metric, labels) {
				return metric
			}
		}
	}
	return nil
}

func matchesLabels(metric *dto.Metric, labels map[string]string) bool {
	got := make(map[string]string, len(metric.GetLabel()))
	for _, pair := range metric.GetLabel() {
		got[pair.GetName()] = pair.GetValue()
	}
	for k, v := range labels {
		if got[k] != v {
			return false
		}
	}
	return true
}
