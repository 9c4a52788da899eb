//go:build concurrency

// Package concurrency exercises the service from several instances sharing
// one backing store.
package concurrency

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/biocatchltd/heksher/internal/api"
	"github.com/biocatchltd/heksher/internal/cache"
	"github.com/biocatchltd/heksher/internal/config"
	"github.com/biocatchltd/heksher/internal/registry"
	"github.com/biocatchltd/heksher/internal/storage"
	"github.com/biocatchltd/heksher/internal/storage/memory"
	"github.com/biocatchltd/heksher/internal/storage/mysql"
	"github.com/biocatchltd/heksher/internal/storage/postgres"
)

const (
	numInstances   = 3
	numConcurrent  = 10
	numOperations  = 100
	requestTimeout = 30 * time.Second
)

type instance struct {
	server *api.Server
	addr   string
}

var instances []*instance

func TestMain(m *testing.M) {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	// The memory backend is process local, so all instances share one store.
	// SQL backends get their own pool against the same database, the way
	// separate deployments would.
	var shared storage.Storage
	if storageType() == "memory" {
		shared = memory.NewStore()
	}

	for i := 0; i < numInstances; i++ {
		store := shared
		if store == nil {
			s, err := createStorage(ctx)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Failed to create storage for instance %d: %v\n", i, err)
				os.Exit(1)
			}
			store = s
		}

		reg := registry.New(store, cache.NewTypeCache(1024, time.Minute))

		cfg := config.DefaultConfig()
		cfg.Server.Host = "localhost"
		cfg.Server.Port = 18081 + i

		server := api.NewServer(cfg, reg, logger)

		// Start server in background
		go func(port int) {
			addr := fmt.Sprintf(":%d", port)
			_ = http.ListenAndServe(addr, server)
		}(cfg.Server.Port)

		instances = append(instances, &instance{
			server: server,
			addr:   fmt.Sprintf("http://localhost:%d", cfg.Server.Port),
		})
	}

	// Wait for servers to start
	time.Sleep(2 * time.Second)

	if err := seedContextFeatures(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to seed context features: %v\n", err)
		os.Exit(1)
	}

	os.Exit(m.Run())
}

func storageType() string {
	if t := os.Getenv("STORAGE_TYPE"); t != "" {
		return t
	}
	return "memory"
}

func createStorage(_ context.Context) (storage.Storage, error) {
	switch storageType() {
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
		return nil, fmt.Errorf("unsupported storage type: %s", storageType())
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
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// seedContextFeatures makes sure the features the tests condition on exist.
// A 409 means a previous run already added the feature.
func seedContextFeatures() error {
	for _, name := range []string{"account", "user", "theme"} {
		resp, err := doRequest("POST", instances[0].addr+"/api/v1/context_features",
			map[string]string{"context_feature": name})
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

func getRandomInstance() *instance {
	return instances[time.Now().UnixNano()%int64(len(instances))]
}

func doRequest(method, url string, body interface{}) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequest(method, url, bodyReader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: requestTimeout}
	return client.Do(req)
}

func declareBody(name string) map[string]interface{} {
	return map[string]interface{}{
		"name":                  name,
		"type":                  "int",
		"default_value":         0,
		"configurable_features": []string{"account", "user"},
		"version":               "1.0",
	}
}

// TestConcurrentDeclarations declares distinct settings from multiple
// instances concurrently.
func TestConcurrentDeclarations(t *testing.T) {
	var wg sync.WaitGroup
	var successCount, errorCount int64
	errors := make(chan error, numConcurrent*numOperations)

	for i := 0; i < numConcurrent; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()

			for j := 0; j < numOperations; j++ {
				inst := getRandomInstance()
				name := fmt.Sprintf("conc-decl-%d-%d-%d", time.Now().UnixNano(), workerID, j)

				resp, err := doRequest("POST", inst.addr+"/api/v1/settings/declare", declareBody(name))
				if err != nil {
					atomic.AddInt64(&errorCount, 1)
					errors <- fmt.Errorf("worker %d op %d: %v", workerID, j, err)
					continue
				}

				if resp.StatusCode == http.StatusOK {
					atomic.AddInt64(&successCount, 1)
					resp.Body.Close()
				} else {
					body, _ := io.ReadAll(resp.Body)
					resp.Body.Close()
					atomic.AddInt64(&errorCount, 1)
					errors <- fmt.Errorf("worker %d op %d: status %d, body: %s", workerID, j, resp.StatusCode, string(body))
				}
			}
		}(i)
	}

	wg.Wait()
	close(errors)

	t.Logf("Concurrent declarations: %d successes, %d errors", successCount, errorCount)

	// Print first 10 errors
	count := 0
	for err := range errors {
		if count < 10 {
			t.Logf("Error: %v", err)
		}
		count++
	}

	if errorCount > int64(numConcurrent*numOperations/10) {
		t.Errorf("Too many errors: %d out of %d", errorCount, numConcurrent*numOperations)
	}
}

// TestConcurrentRedeclarations redeclares one setting from every worker with
// an identical definition. Every response must report an accepted outcome.
func TestConcurrentRedeclarations(t *testing.T) {
	name := fmt.Sprintf("conc-redecl-%d", time.Now().UnixNano())

	resp, err := doRequest("POST", instances[0].addr+"/api/v1/settings/declare", declareBody(name))
	if err != nil {
		t.Fatalf("Failed to declare initial setting: %v", err)
	}
	resp.Body.Close()

	var wg sync.WaitGroup
	var outcomesMu sync.Mutex
	outcomes := map[string]int{}
	var errorCount int64

	for i := 0; i < numConcurrent; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()

			for j := 0; j < numOperations; j++ {
				inst := getRandomInstance()

				resp, err := doRequest("POST", inst.addr+"/api/v1/settings/declare", declareBody(name))
				if err != nil {
					atomic.AddInt64(&errorCount, 1)
					continue
				}

				var result struct {
					Outcome string `json:"outcome"`
				}
				json.NewDecoder(resp.Body).Decode(&result)
				resp.Body.Close()

				if resp.StatusCode != http.StatusOK {
					atomic.AddInt64(&errorCount, 1)
					continue
				}
				outcomesMu.Lock()
				outcomes[result.Outcome]++
				outcomesMu.Unlock()
			}
		}(i)
	}

	wg.Wait()

	t.Logf("Redeclaration outcomes: %v, %d errors", outcomes, errorCount)

	if errorCount > 0 {
		t.Errorf("Redeclarations failed %d times", errorCount)
	}
	if outcomes["uptodate"] == 0 {
		t.Errorf("Expected uptodate outcomes, got %v", outcomes)
	}
}

// TestConcurrentRuleCreation adds rules with distinct conditions to one
// setting from multiple instances.
func TestConcurrentRuleCreation(t *testing.T) {
	name := fmt.Sprintf("conc-rules-%d", time.Now().UnixNano())

	resp, err := doRequest("POST", instances[0].addr+"/api/v1/settings/declare", declareBody(name))
	if err != nil {
		t.Fatalf("Failed to declare setting: %v", err)
	}
	resp.Body.Close()

	var wg sync.WaitGroup
	var successCount, errorCount int64
	errors := make(chan error, numConcurrent*numOperations)

	for i := 0; i < numConcurrent; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()

			for j := 0; j < numOperations; j++ {
				inst := getRandomInstance()

				rule := map[string]interface{}{
					"setting":        name,
					"feature_values": map[string]string{"account": fmt.Sprintf("acct-%d-%d", workerID, j)},
					"value":          workerID*numOperations + j,
				}

				resp, err := doRequest("POST", inst.addr+"/api/v1/rules", rule)
				if err != nil {
					atomic.AddInt64(&errorCount, 1)
					errors <- fmt.Errorf("worker %d op %d: %v", workerID, j, err)
					continue
				}

				if resp.StatusCode == http.StatusCreated {
					atomic.AddInt64(&successCount, 1)
					resp.Body.Close()
				} else {
					body, _ := io.ReadAll(resp.Body)
					resp.Body.Close()
					atomic.AddInt64(&errorCount, 1)
					errors <- fmt.Errorf("worker %d op %d: status %d, body: %s", workerID, j, resp.StatusCode, string(body))
				}
			}
		}(i)
	}

	wg.Wait()
	close(errors)

	t.Logf("Concurrent rule creation: %d successes, %d errors", successCount, errorCount)

	count := 0
	for err := range errors {
		if count < 10 {
			t.Logf("Error: %v", err)
		}
		count++
	}

	if errorCount > int64(numConcurrent*numOperations/10) {
		t.Errorf("Too many errors: %d out of %d", errorCount, numConcurrent*numOperations)
	}
}

// TestConcurrentDuplicateRules races every worker to create the same rule.
// Each attempt must either create the rule or report the conflict.
func TestConcurrentDuplicateRules(t *testing.T) {
	name := fmt.Sprintf("conc-dup-%d", time.Now().UnixNano())

	resp, err := doRequest("POST", instances[0].addr+"/api/v1/settings/declare", declareBody(name))
	if err != nil {
		t.Fatalf("Failed to declare setting: %v", err)
	}
	resp.Body.Close()

	rule := map[string]interface{}{
		"setting":        name,
		"feature_values": map[string]string{"account": "contested"},
		"value":          1,
	}

	var wg sync.WaitGroup
	var createdCount, conflictCount, otherCount int64

	for i := 0; i < numConcurrent; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			inst := getRandomInstance()
			resp, err := doRequest("POST", inst.addr+"/api/v1/rules", rule)
			if err != nil {
				atomic.AddInt64(&otherCount, 1)
				return
			}
			resp.Body.Close()

			switch resp.StatusCode {
			case http.StatusCreated:
				atomic.AddInt64(&createdCount, 1)
			case http.StatusConflict:
				atomic.AddInt64(&conflictCount, 1)
			default:
				atomic.AddInt64(&otherCount, 1)
			}
		}()
	}

	wg.Wait()

	t.Logf("Duplicate rule race: %d created, %d conflicts, %d other", createdCount, conflictCount, otherCount)

	if createdCount < 1 {
		t.Errorf("Expected at least one rule creation to win, got %d", createdCount)
	}
	if otherCount > 0 {
		t.Errorf("Expected only created or conflict responses, got %d others", otherCount)
	}
}

// TestConcurrentReads reads one setting from multiple instances.
func TestConcurrentReads(t *testing.T) {
	name := fmt.Sprintf("conc-reads-%d", time.Now().UnixNano())

	resp, err := doRequest("POST", instances[0].addr+"/api/v1/settings/declare", declareBody(name))
	if err != nil {
		t.Fatalf("Failed to declare setting: %v", err)
	}
	resp.Body.Close()

	rule := map[string]interface{}{
		"setting":        name,
		"feature_values": map[string]string{"account": "reader"},
		"value":          7,
	}
	resp, err = doRequest("POST", instances[0].addr+"/api/v1/rules", rule)
	if err != nil {
		t.Fatalf("Failed to add rule: %v", err)
	}
	resp.Body.Close()

	var wg sync.WaitGroup
	var successCount, errorCount int64

	for i := 0; i < numConcurrent; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()

			for j := 0; j < numOperations; j++ {
				inst := getRandomInstance()

				// Alternate between different read operations
				var resp *http.Response
				var err error

				switch j % 4 {
				case 0:
					resp, err = doRequest("GET", inst.addr+"/api/v1/settings/"+name, nil)
				case 1:
					resp, err = doRequest("GET", inst.addr+"/api/v1/query?settings="+name, nil)
				case 2:
					resp, err = doRequest("GET", inst.addr+"/api/v1/settings", nil)
				case 3:
					resp, err = doRequest("GET", inst.addr+"/api/v1/context_features", nil)
				}

				if err != nil {
					atomic.AddInt64(&errorCount, 1)
					continue
				}
				resp.Body.Close()

				if resp.StatusCode == http.StatusOK {
					atomic.AddInt64(&successCount, 1)
				} else {
					atomic.AddInt64(&errorCount, 1)
				}
			}
		}(i)
	}

	wg.Wait()

	t.Logf("Concurrent reads: %d successes, %d errors", successCount, errorCount)

	if errorCount > int64(numConcurrent*numOperations/20) {
		t.Errorf("Too many read errors: %d out of %d", errorCount, numConcurrent*numOperations)
	}
}

// TestConcurrentMixedOperations interleaves declarations, queries and
// deletions across instances.
func TestConcurrentMixedOperations(t *testing.T) {
	base := fmt.Sprintf("conc-mixed-%d", time.Now().UnixNano())

	var wg sync.WaitGroup
	var declareSuccess, querySuccess, deleteSuccess int64
	var declareError, queryError, deleteError int64

	for i := 0; i < numConcurrent; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()

			for j := 0; j < numOperations/3; j++ {
				inst := getRandomInstance()
				name := fmt.Sprintf("%s-%d-%d", base, workerID, j)

				// Declare
				resp, err := doRequest("POST", inst.addr+"/api/v1/settings/declare", declareBody(name))
				if err != nil {
					atomic.AddInt64(&declareError, 1)
					continue
				}
				if resp.StatusCode == http.StatusOK {
					atomic.AddInt64(&declareSuccess, 1)
				} else {
					atomic.AddInt64(&declareError, 1)
				}
				resp.Body.Close()

				// Query
				resp, err = doRequest("GET", inst.addr+"/api/v1/query?settings="+name, nil)
				if err != nil {
					atomic.AddInt64(&queryError, 1)
					continue
				}
				if resp.StatusCode == http.StatusOK {
					atomic.AddInt64(&querySuccess, 1)
				} else {
					atomic.AddInt64(&queryError, 1)
				}
				resp.Body.Close()

				// Delete
				resp, err = doRequest("DELETE", inst.addr+"/api/v1/settings/"+name, nil)
				if err != nil {
					atomic.AddInt64(&deleteError, 1)
					continue
				}
				if resp.StatusCode == http.StatusNoContent {
					atomic.AddInt64(&deleteSuccess, 1)
				} else {
					atomic.AddInt64(&deleteError, 1)
				}
				resp.Body.Close()
			}
		}(i)
	}

	wg.Wait()

	t.Logf("Mixed operations - Declares: %d/%d, Queries: %d/%d, Deletes: %d/%d",
		declareSuccess, declareSuccess+declareError,
		querySuccess, querySuccess+queryError,
		deleteSuccess, deleteSuccess+deleteError)
}

// TestConcurrentMetadataUpdates updates metadata keys of one setting from
// multiple instances.
func TestConcurrentMetadataUpdates(t *testing.T) {
	name := fmt.Sprintf("conc-meta-%d", time.Now().UnixNano())

	resp, err := doRequest("POST", instances[0].addr+"/api/v1/settings/declare", declareBody(name))
	if err != nil {
		t.Fatalf("Failed to declare setting: %v", err)
	}
	resp.Body.Close()

	var wg sync.WaitGroup
	var successCount, errorCount int64

	for i := 0; i < numConcurrent; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()

			for j := 0; j < numOperations/5; j++ {
				inst := getRandomInstance()
				key := fmt.Sprintf("worker-%d", workerID)

				body := map[string]interface{}{"value": j}
				resp, err := doRequest("PUT", inst.addr+"/api/v1/settings/"+name+"/metadata/"+key, body)
				if err != nil {
					atomic.AddInt64(&errorCount, 1)
					continue
				}
				resp.Body.Close()

				if resp.StatusCode == http.StatusNoContent {
					atomic.AddInt64(&successCount, 1)
				} else {
					atomic.AddInt64(&errorCount, 1)
				}
			}
		}(i)
	}

	wg.Wait()

	t.Logf("Metadata updates: %d successes, %d errors", successCount, errorCount)

	// Every worker's key must have survived with some value.
	resp, err = doRequest("GET", instances[0].addr+"/api/v1/settings/"+name+"/metadata", nil)
	if err != nil {
		t.Fatalf("Failed to read metadata: %v", err)
	}
	defer resp.Body.Close()

	var result struct {
		Metadata map[string]interface{} `json:"metadata"`
	}
	json.NewDecoder(resp.Body).Decode(&result)

	if len(result.Metadata) != numConcurrent {
		t.Errorf("Expected %d metadata keys, got %d: %v", numConcurrent, len(result.Metadata), result.Metadata)
	}
}

// TestDataConsistency verifies data written through one instance can be read
// through another.
func TestDataConsistency(t *testing.T) {
	name := fmt.Sprintf("consistency-%d", time.Now().UnixNano())

	// Write through instance 0
	resp, err := doRequest("POST", instances[0].addr+"/api/v1/settings/declare", declareBody(name))
	if err != nil {
		t.Fatalf("Failed to declare: %v", err)
	}
	resp.Body.Close()

	rule := map[string]interface{}{
		"setting":        name,
		"feature_values": map[string]string{"account": "shared"},
		"value":          42,
	}
	resp, err = doRequest("POST", instances[0].addr+"/api/v1/rules", rule)
	if err != nil {
		t.Fatalf("Failed to add rule: %v", err)
	}
	var created struct {
		RuleID int64 `json:"rule_id"`
	}
	json.NewDecoder(resp.Body).Decode(&created)
	resp.Body.Close()

	// Small delay for replication
	time.Sleep(100 * time.Millisecond)

	// Read through all other instances
	for i := 1; i < len(instances); i++ {
		resp, err := doRequest("GET", instances[i].addr+"/api/v1/settings/"+name, nil)
		if err != nil {
			t.Errorf("Instance %d failed to read setting: %v", i, err)
			continue
		}
		if resp.StatusCode != http.StatusOK {
			t.Errorf("Instance %d returned status %d for setting", i, resp.StatusCode)
		}
		resp.Body.Close()

		resp, err = doRequest("GET", fmt.Sprintf("%s/api/v1/rules/%d", instances[i].addr, created.RuleID), nil)
		if err != nil {
			t.Errorf("Instance %d failed to read rule: %v", i, err)
			continue
		}

		var rule struct {
			Value json.RawMessage `json:"value"`
		}
		json.NewDecoder(resp.Body).Decode(&rule)
		resp.Body.Close()

		if string(rule.Value) != "42" {
			t.Errorf("Instance %d returned rule value %s, want 42", i, rule.Value)
		}
	}
}
