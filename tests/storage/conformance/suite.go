// Package conformance provides a shared behavioral test suite that every
// storage backend must pass. Backend test files call RunAll with a factory
// that hands out a fresh, empty store per sub-test.
package conformance

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/biocatchltd/heksher/internal/storage"
)

// StoreFactory returns a fresh, empty store. SQL backends truncate their
// tables here and hand out a shared connection wrapped so Close is a no-op.
type StoreFactory func() storage.Storage

// RunAll runs every conformance category against the given factory.
func RunAll(t *testing.T, newStore StoreFactory) {
	t.Helper()

	t.Run("ContextFeature", func(t *testing.T) { RunContextFeatureTests(t, newStore) })
	t.Run("Setting", func(t *testing.T) { RunSettingTests(t, newStore) })
	t.Run("Rule", func(t *testing.T) { RunRuleTests(t, newStore) })
	t.Run("Metadata", func(t *testing.T) { RunMetadataTests(t, newStore) })
	t.Run("Error", func(t *testing.T) { RunErrorTests(t, newStore) })

	t.Run("Health", func(t *testing.T) {
		store := newStore()
		defer store.Close()

		if !store.IsHealthy(context.Background()) {
			t.Error("expected a reachable store to report healthy")
		}
	})
}

// seedFeatures registers the given context features in order, skipping any
// that an earlier seed call already registered.
func seedFeatures(t *testing.T, store storage.Storage, names ...string) {
	t.Helper()
	ctx := context.Background()
	for _, name := range names {
		if _, err := store.AddContextFeature(ctx, name); err != nil && !errors.Is(err, storage.ErrContextFeatureExists) {
			t.Fatalf("AddContextFeature %s: %v", name, err)
		}
	}
}

// seedSetting registers the context features and creates a setting
// configurable by all of them, returning the record it was created from.
func seedSetting(t *testing.T, store storage.Storage, name string, features ...string) *storage.SettingRecord {
	t.Helper()
	seedFeatures(t, store, features...)

	rec := &storage.SettingRecord{
		Name:                 name,
		Type:                 "int",
		DefaultValue:         json.RawMessage(`0`),
		ConfigurableFeatures: features,
		Metadata:             map[string]any{},
		VersionMajor:         1,
		VersionMinor:         0,
	}
	if err := store.CreateSetting(context.Background(), rec); err != nil {
		t.Fatalf("CreateSetting %s: %v", name, err)
	}
	return rec
}

// seedRule creates a rule for the given setting and returns its id.
func seedRule(t *testing.T, store storage.Storage, setting string, conditions map[string]string, value string) int64 {
	t.Helper()

	rec := &storage.RuleRecord{
		Setting:    setting,
		Value:      json.RawMessage(value),
		Conditions: conditions,
		Metadata:   map[string]any{},
	}
	id, err := store.CreateRule(context.Background(), rec)
	if err != nil {
		t.Fatalf("CreateRule for %s: %v", setting, err)
	}
	return id
}
