//go:build integration

// Package integration provides integration tests for the settings service
// against a real database selected by STORAGE_TYPE.
package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/biocatchltd/heksher/internal/api"
	"github.com/biocatchltd/heksher/internal/api/types"
	"github.com/biocatchltd/heksher/internal/cache"
	"github.com/biocatchltd/heksher/internal/config"
	"github.com/biocatchltd/heksher/internal/registry"
	"github.com/biocatchltd/heksher/internal/storage"
	"github.com/biocatchltd/heksher/internal/storage/mysql"
	"github.com/biocatchltd/heksher/internal/storage/postgres"
)

var (
	testServer *httptest.Server
	testStore  storage.Storage
)

func TestMain(m *testing.M) {
	ctx := context.Background()

	store, err := createStorage(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create storage: %v\n", err)
		os.Exit(1)
	}
	testStore = store

	reg := registry.New(store, cache.NewTypeCache(1024, time.Minute))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	testServer = httptest.NewServer(api.NewServer(config.DefaultConfig(), reg, logger))

	if err := ensureContextFeatures("account", "user", "theme"); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to seed context features: %v\n", err)
		os.Exit(1)
	}

	code := m.Run()

	testServer.Close()
	store.Close()

	os.Exit(code)
}

func createStorage(_ context.Context) (storage.Storage, error) {
	storageType := os.Getenv("STORAGE_TYPE")

	switch storageType {
	case "postgres":
		cfg := postgres.Config{
			Host:     getEnvOrDefault("POSTGRES_HOST", "localhost"),
			Port:     getEnvOrDefaultInt("POSTGRES_PORT", 5432),
			Username: getEnvOrDefault("POSTGRES_USER", "heksher"),
			Password: getEnvOrDefault("POSTGRES_PASSWORD", "heksher"),
			Database: getEnvOrDefault("POSTGRES_DATABASE", "heksher"),
			SSLMode:  "disable",
		}
		return postgres.NewStore(cfg)

	case "mysql":
		cfg := mysql.Config{
			Host:     getEnvOrDefault("MYSQL_HOST", "localhost"),
			Port:     getEnvOrDefaultInt("MYSQL_PORT", 3306),
			Username: getEnvOrDefault("MYSQL_USER", "heksher"),
			Password: getEnvOrDefault("MYSQL_PASSWORD", "heksher"),
			Database: getEnvOrDefault("MYSQL_DATABASE", "heksher"),
		}
		return mysql.NewStore(cfg)

	default:
		return nil, fmt.Errorf("unsupported storage type: %s", storageType)
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvOrDefaultInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var intValue int
		fmt.Sscanf(value, "%d", &intValue)
		return intValue
	}
	return defaultValue
}

// ensureContextFeatures adds the features the tests rely on. A conflict means
// a previous run already added them.
func ensureContextFeatures(names ...string) error {
	for _, name := range names {
		body, _ := json.Marshal(types.AddContextFeatureRequest{ContextFeature: name})
		resp, err := http.Post(testServer.URL+"/api/v1/context_features", "application/json", bytes.NewReader(body))
		if err != nil {
			return err
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusConflict {
			return fmt.Errorf("adding context feature %q: status %d", name, resp.StatusCode)
		}
	}
	return nil
}

// uniqueName keeps test data apart across runs against a persistent database.
func uniqueName(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
}

func doRequest(t *testing.T, method, path string, body interface{}) *http.Response {
	t.Helper()

	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("Failed to marshal body: %v", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequest(method, testServer.URL+path, bodyReader)
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	return resp
}

func parseResponse(t *testing.T, resp *http.Response, target interface{}) {
	t.Helper()
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read response: %v", err)
	}
	if err := json.Unmarshal(body, target); err != nil {
		t.Fatalf("Failed to parse response: %v\nBody: %s", err, string(body))
	}
}

func expectStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("Expected status %d, got %d. Body: %s", expected, resp.StatusCode, body)
	}
}

func declare(t *testing.T, req types.DeclareSettingRequest) (int, types.DeclareSettingResponse) {
	t.Helper()
	resp := doRequest(t, "POST", "/api/v1/settings/declare", req)
	status := resp.StatusCode
	var out types.DeclareSettingResponse
	parseResponse(t, resp, &out)
	return status, out
}

func mustDeclare(t *testing.T, req types.DeclareSettingRequest) {
	t.Helper()
	status, out := declare(t, req)
	if status != http.StatusOK {
		t.Fatalf("Declaration of %s not accepted: status %d, outcome %s, differences %v",
			req.Name, status, out.Outcome, out.Differences)
	}
}

func addRule(t *testing.T, setting string, conditions map[string]string, value string) int64 {
	t.Helper()
	resp := doRequest(t, "POST", "/api/v1/rules", types.AddRuleRequest{
		Setting:       setting,
		FeatureValues: conditions,
		Value:         json.RawMessage(value),
	})
	expectStatus(t, resp, http.StatusCreated)
	var out types.RuleIDResponse
	parseResponse(t, resp, &out)
	return out.RuleID
}

func TestHealthCheck(t *testing.T) {
	resp := doRequest(t, "GET", "/api/health", nil)
	expectStatus(t, resp, http.StatusOK)

	var health types.HealthResponse
	parseResponse(t, resp, &health)
	if health.Version == "" {
		t.Error("Expected version in health response")
	}
}

func TestContextFeatureLifecycle(t *testing.T) {
	name := uniqueName("integ-feature")

	resp := doRequest(t, "POST", "/api/v1/context_features", types.AddContextFeatureRequest{ContextFeature: name})
	expectStatus(t, resp, http.StatusNoContent)
	resp.Body.Close()

	resp = doRequest(t, "GET", "/api/v1/context_features/"+name, nil)
	expectStatus(t, resp, http.StatusOK)
	var idx types.ContextFeatureIndexResponse
	parseResponse(t, resp, &idx)
	if idx.Index < 3 {
		t.Errorf("Expected new feature after the seeded ones, got index %d", idx.Index)
	}

	resp = doRequest(t, "GET", "/api/v1/context_features", nil)
	expectStatus(t, resp, http.StatusOK)
	var list types.ContextFeaturesResponse
	parseResponse(t, resp, &list)
	found := false
	for _, f := range list.ContextFeatures {
		if f == name {
			found = true
		}
	}
	if !found {
		t.Errorf("Feature %q missing from list %v", name, list.ContextFeatures)
	}

	resp = doRequest(t, "DELETE", "/api/v1/context_features/"+name, nil)
	expectStatus(t, resp, http.StatusNoContent)
	resp.Body.Close()

	resp = doRequest(t, "GET", "/api/v1/context_features/"+name, nil)
	expectStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()
}

func TestDeclarationLifecycle(t *testing.T) {
	name := uniqueName("integ-lifecycle")

	status, out := declare(t, types.DeclareSettingRequest{
		Name:                 name,
		Type:                 "int",
		DefaultValue:         json.RawMessage("10"),
		ConfigurableFeatures: []string{"account"},
		Version:              "1.0",
	})
	if status != http.StatusOK || out.Outcome != "created" {
		t.Fatalf("Expected created, got status %d outcome %s", status, out.Outcome)
	}

	status, out = declare(t, types.DeclareSettingRequest{
		Name:                 name,
		Type:                 "int",
		DefaultValue:         json.RawMessage("10"),
		ConfigurableFeatures: []string{"account"},
		Version:              "1.0",
	})
	if status != http.StatusOK || out.Outcome != "uptodate" {
		t.Fatalf("Expected uptodate, got status %d outcome %s", status, out.Outcome)
	}

	status, out = declare(t, types.DeclareSettingRequest{
		Name:                 name,
		Type:                 "float",
		DefaultValue:         json.RawMessage("10"),
		ConfigurableFeatures: []string{"account"},
		Version:              "2.0",
	})
	if status != http.StatusOK || out.Outcome != "upgraded" {
		t.Fatalf("Expected upgraded, got status %d outcome %s (%v)", status, out.Outcome, out.Differences)
	}
	if out.LatestVersion != "2.0" {
		t.Errorf("Expected latest version 2.0, got %s", out.LatestVersion)
	}

	status, out = declare(t, types.DeclareSettingRequest{
		Name:                 name,
		Type:                 "int",
		DefaultValue:         json.RawMessage("10"),
		ConfigurableFeatures: []string{"account"},
		Version:              "1.0",
	})
	if status != http.StatusOK || out.Outcome != "outdated" {
		t.Fatalf("Expected outdated, got status %d outcome %s", status, out.Outcome)
	}

	// The stored definition must still be the newest one.
	resp := doRequest(t, "GET", "/api/v1/settings/"+name, nil)
	expectStatus(t, resp, http.StatusOK)
	var setting types.SettingResponse
	parseResponse(t, resp, &setting)
	if setting.Type != "float" || setting.Version != "2.0" {
		t.Errorf("Expected float at 2.0, got %s at %s", setting.Type, setting.Version)
	}
}

func TestDeclarationRequiresDefault(t *testing.T) {
	status, _ := declare(t, types.DeclareSettingRequest{
		Name:                 uniqueName("integ-nodefault"),
		Type:                 "int",
		ConfigurableFeatures: []string{"account"},
		Version:              "1.0",
	})
	if status != http.StatusUnprocessableEntity {
		t.Fatalf("Expected 422, got %d", status)
	}
}

func TestRuleLifecycle(t *testing.T) {
	name := uniqueName("integ-rules")
	account := uniqueName("acct")

	mustDeclare(t, types.DeclareSettingRequest{
		Name:                 name,
		Type:                 "int",
		DefaultValue:         json.RawMessage("0"),
		ConfigurableFeatures: []string{"account", "user"},
		Version:              "1.0",
	})

	id := addRule(t, name, map[string]string{"account": account}, "17")

	resp := doRequest(t, "GET", fmt.Sprintf("/api/v1/rules/%d", id), nil)
	expectStatus(t, resp, http.StatusOK)
	var rule types.RuleResponse
	parseResponse(t, resp, &rule)
	if rule.Setting != name || string(rule.Value) != "17" {
		t.Errorf("Unexpected rule: setting %s value %s", rule.Setting, rule.Value)
	}

	resp = doRequest(t, "GET", "/api/v1/rules/search?setting="+name+"&feature_values=account:"+account, nil)
	expectStatus(t, resp, http.StatusOK)
	var search types.RuleIDResponse
	parseResponse(t, resp, &search)
	if search.RuleID != id {
		t.Errorf("Search found rule %d, want %d", search.RuleID, id)
	}

	resp = doRequest(t, "PUT", fmt.Sprintf("/api/v1/rules/%d/value", id), types.UpdateRuleValueRequest{
		Value: json.RawMessage("23"),
	})
	expectStatus(t, resp, http.StatusNoContent)
	resp.Body.Close()

	resp = doRequest(t, "GET", fmt.Sprintf("/api/v1/rules/%d", id), nil)
	expectStatus(t, resp, http.StatusOK)
	parseResponse(t, resp, &rule)
	if string(rule.Value) != "23" {
		t.Errorf("Expected updated value 23, got %s", rule.Value)
	}

	resp = doRequest(t, "DELETE", fmt.Sprintf("/api/v1/rules/%d", id), nil)
	expectStatus(t, resp, http.StatusNoContent)
	resp.Body.Close()

	resp = doRequest(t, "GET", fmt.Sprintf("/api/v1/rules/%d", id), nil)
	expectStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()
}

func TestQueryFilters(t *testing.T) {
	name := uniqueName("integ-query")
	a1 := uniqueName("a")
	u1 := uniqueName("u")
	u2 := uniqueName("v")

	mustDeclare(t, types.DeclareSettingRequest{
		Name:                 name,
		Type:                 "int",
		DefaultValue:         json.RawMessage("0"),
		ConfigurableFeatures: []string{"account", "user"},
		Version:              "1.0",
	})

	r1 := addRule(t, name, map[string]string{"account": a1}, "1")
	r2 := addRule(t, name, map[string]string{"account": a1, "user": u1}, "2")
	r3 := addRule(t, name, map[string]string{"user": u2}, "3")

	query := func(filters string) map[int64]string {
		resp := doRequest(t, "GET", "/api/v1/query?settings="+name+"&context_filters="+filters, nil)
		expectStatus(t, resp, http.StatusOK)
		var out struct {
			Settings map[string]struct {
				Rules []struct {
					Value  json.RawMessage `json:"value"`
					RuleID int64           `json:"rule_id"`
				} `json:"rules"`
			} `json:"settings"`
		}
		parseResponse(t, resp, &out)
		got := map[int64]string{}
		for _, rule := range out.Settings[name].Rules {
			got[rule.RuleID] = string(rule.Value)
		}
		return got
	}

	all := query("*")
	if len(all) != 3 {
		t.Fatalf("Expected 3 rules under wildcard, got %v", all)
	}

	filtered := query(fmt.Sprintf("account:(%s),user:%s", a1, u1))
	if len(filtered) != 2 {
		t.Fatalf("Expected 2 rules under filter, got %v", filtered)
	}
	if filtered[r1] != "1" || filtered[r2] != "2" {
		t.Errorf("Wrong rules matched: %v", filtered)
	}
	if _, ok := filtered[r3]; ok {
		t.Errorf("Rule %d should not match the filter", r3)
	}
}

func TestQueryETagRevalidation(t *testing.T) {
	name := uniqueName("integ-etag")

	mustDeclare(t, types.DeclareSettingRequest{
		Name:                 name,
		Type:                 "int",
		DefaultValue:         json.RawMessage("0"),
		ConfigurableFeatures: []string{"account"},
		Version:              "1.0",
	})

	resp := doRequest(t, "GET", "/api/v1/query?settings="+name, nil)
	expectStatus(t, resp, http.StatusOK)
	etag := resp.Header.Get("ETag")
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if etag == "" {
		t.Fatal("Expected an ETag on the query response")
	}

	req, err := http.NewRequest("GET", testServer.URL+"/api/v1/query?settings="+name, nil)
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}
	req.Header.Set("If-None-Match", etag)
	cached, err := (&http.Client{Timeout: 10 * time.Second}).Do(req)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	cached.Body.Close()
	if cached.StatusCode != http.StatusNotModified {
		t.Fatalf("Expected 304 with matching ETag, got %d", cached.StatusCode)
	}

	addRule(t, name, map[string]string{"account": uniqueName("acct")}, "9")

	req, err = http.NewRequest("GET", testServer.URL+"/api/v1/query?settings="+name, nil)
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}
	req.Header.Set("If-None-Match", etag)
	fresh, err := (&http.Client{Timeout: 10 * time.Second}).Do(req)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer fresh.Body.Close()
	if fresh.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200 after rule change, got %d", fresh.StatusCode)
	}
	if fresh.Header.Get("ETag") == etag {
		t.Error("Expected a new ETag after the rule change")
	}
}

func TestSettingRename(t *testing.T) {
	oldName := uniqueName("integ-old")
	newName := uniqueName("integ-new")

	mustDeclare(t, types.DeclareSettingRequest{
		Name:                 oldName,
		Type:                 "int",
		DefaultValue:         json.RawMessage("0"),
		ConfigurableFeatures: []string{"account"},
		Version:              "1.0",
	})

	resp := doRequest(t, "PUT", "/api/v1/settings/"+oldName+"/name", types.RenameSettingRequest{
		Name:    newName,
		Version: "1.1",
	})
	expectStatus(t, resp, http.StatusNoContent)
	resp.Body.Close()

	// Both names must resolve to the renamed setting.
	for _, lookup := range []string{oldName, newName} {
		resp = doRequest(t, "GET", "/api/v1/settings/"+lookup, nil)
		expectStatus(t, resp, http.StatusOK)
		var setting types.SettingResponse
		parseResponse(t, resp, &setting)
		if setting.Name != newName {
			t.Errorf("Lookup by %q returned name %q, want %q", lookup, setting.Name, newName)
		}
	}

	resp = doRequest(t, "GET", "/api/v1/settings/"+newName, nil)
	expectStatus(t, resp, http.StatusOK)
	var setting types.SettingResponse
	parseResponse(t, resp, &setting)
	if len(setting.Aliases) != 1 || setting.Aliases[0] != oldName {
		t.Errorf("Expected aliases [%s], got %v", oldName, setting.Aliases)
	}
}

func TestTypeChangeConflicts(t *testing.T) {
	name := uniqueName("integ-enum")
	theme := uniqueName("th")

	mustDeclare(t, types.DeclareSettingRequest{
		Name:                 name,
		Type:                 `Enum["low","mid","high"]`,
		DefaultValue:         json.RawMessage(`"mid"`),
		ConfigurableFeatures: []string{"theme"},
		Version:              "1.0",
	})

	id := addRule(t, name, map[string]string{"theme": theme}, `"low"`)

	resp := doRequest(t, "PUT", "/api/v1/settings/"+name+"/type", types.UpdateSettingTypeRequest{
		Type:    `Enum["mid","high"]`,
		Version: "1.1",
	})
	if resp.StatusCode != http.StatusConflict {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("Expected 409, got %d: %s", resp.StatusCode, body)
	}
	var conflicts types.ConflictResponse
	parseResponse(t, resp, &conflicts)
	if len(conflicts.Conflicts) != 1 {
		t.Fatalf("Expected one conflict, got %v", conflicts.Conflicts)
	}

	resp = doRequest(t, "DELETE", fmt.Sprintf("/api/v1/rules/%d", id), nil)
	expectStatus(t, resp, http.StatusNoContent)
	resp.Body.Close()

	resp = doRequest(t, "PUT", "/api/v1/settings/"+name+"/type", types.UpdateSettingTypeRequest{
		Type:    `Enum["mid","high"]`,
		Version: "1.1",
	})
	expectStatus(t, resp, http.StatusNoContent)
	resp.Body.Close()

	resp = doRequest(t, "GET", "/api/v1/settings/"+name, nil)
	expectStatus(t, resp, http.StatusOK)
	var setting types.SettingResponse
	parseResponse(t, resp, &setting)
	if setting.Type != `Enum["high","mid"]` {
		t.Errorf("Expected narrowed type, got %s", setting.Type)
	}
}

func TestSettingMetadata(t *testing.T) {
	name := uniqueName("integ-meta")

	mustDeclare(t, types.DeclareSettingRequest{
		Name:                 name,
		Type:                 "bool",
		DefaultValue:         json.RawMessage("false"),
		ConfigurableFeatures: []string{"account"},
		Version:              "1.0",
	})

	resp := doRequest(t, "PUT", "/api/v1/settings/"+name+"/metadata", types.MetadataRequest{
		Metadata: map[string]any{"owner": "infra", "team": "core"},
	})
	expectStatus(t, resp, http.StatusNoContent)
	resp.Body.Close()

	resp = doRequest(t, "POST", "/api/v1/settings/"+name+"/metadata", types.MetadataRequest{
		Metadata: map[string]any{"tier": "gold"},
	})
	expectStatus(t, resp, http.StatusNoContent)
	resp.Body.Close()

	resp = doRequest(t, "DELETE", "/api/v1/settings/"+name+"/metadata/owner", nil)
	expectStatus(t, resp, http.StatusNoContent)
	resp.Body.Close()

	resp = doRequest(t, "GET", "/api/v1/settings/"+name+"/metadata", nil)
	expectStatus(t, resp, http.StatusOK)
	var meta types.MetadataResponse
	parseResponse(t, resp, &meta)
	if len(meta.Metadata) != 2 || meta.Metadata["team"] != "core" || meta.Metadata["tier"] != "gold" {
		t.Errorf("Unexpected metadata: %v", meta.Metadata)
	}
}

func TestDeleteSettingCascades(t *testing.T) {
	name := uniqueName("integ-cascade")

	mustDeclare(t, types.DeclareSettingRequest{
		Name:                 name,
		Type:                 "int",
		DefaultValue:         json.RawMessage("0"),
		ConfigurableFeatures: []string{"account"},
		Version:              "1.0",
	})
	id := addRule(t, name, map[string]string{"account": uniqueName("acct")}, "1")

	resp := doRequest(t, "DELETE", "/api/v1/settings/"+name, nil)
	expectStatus(t, resp, http.StatusNoContent)
	resp.Body.Close()

	resp = doRequest(t, "GET", "/api/v1/settings/"+name, nil)
	expectStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()

	resp = doRequest(t, "GET", fmt.Sprintf("/api/v1/rules/%d", id), nil)
	expectStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()
}

func TestLegacyQuery(t *testing.T) {
	name := uniqueName("integ-legacy")
	account := uniqueName("acct")

	mustDeclare(t, types.DeclareSettingRequest{
		Name:                 name,
		Type:                 "int",
		DefaultValue:         json.RawMessage("0"),
		ConfigurableFeatures: []string{"account"},
		Version:              "1.0",
	})
	id := addRule(t, name, map[string]string{"account": account}, "5")

	resp := doRequest(t, "POST", "/api/v1/rules/query", map[string]any{
		"setting_names":            []string{name},
		"context_features_options": "*",
	})
	expectStatus(t, resp, http.StatusOK)

	var out struct {
		Rules map[string][]struct {
			Value           json.RawMessage `json:"value"`
			ContextFeatures [][2]string     `json:"context_features"`
			RuleID          int64           `json:"rule_id"`
		} `json:"rules"`
	}
	parseResponse(t, resp, &out)

	rules := out.Rules[name]
	if len(rules) != 1 || rules[0].RuleID != id || string(rules[0].Value) != "5" {
		t.Errorf("Unexpected legacy query result: %+v", out.Rules)
	}
}
