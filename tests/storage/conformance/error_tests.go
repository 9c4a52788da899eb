package conformance

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/biocatchltd/heksher/internal/storage"
)

// RunErrorTests verifies that every sentinel error is returned by each
// operation that documents it. The API layer maps these to status codes, so
// a backend returning a bare error instead of the sentinel breaks clients.
func RunErrorTests(t *testing.T, newStore StoreFactory) {
	t.Helper()

	t.Run("ErrSettingNotFound", func(t *testing.T) {
		store := newStore()
		defer store.Close()
		ctx := context.Background()

		newType := "str"
		checks := map[string]func() error{
			"GetSetting": func() error {
				_, err := store.GetSetting(ctx, "nonexistent")
				return err
			},
			"UpdateSetting": func() error {
				return store.UpdateSetting(ctx, "nonexistent", storage.SettingUpdate{Type: &newType})
			},
			"DeleteSetting": func() error {
				return store.DeleteSetting(ctx, "nonexistent")
			},
			"SearchRule": func() error {
				_, err := store.SearchRule(ctx, "nonexistent", map[string]string{"a": "b"})
				return err
			},
			"ListRules": func() error {
				_, err := store.ListRules(ctx, "nonexistent")
				return err
			},
			"CreateRule": func() error {
				_, err := store.CreateRule(ctx, &storage.RuleRecord{
					Setting: "nonexistent", Value: json.RawMessage(`1`),
					Conditions: map[string]string{"a": "b"},
				})
				return err
			},
		}
		for op, check := range checks {
			if err := check(); !errors.Is(err, storage.ErrSettingNotFound) {
				t.Errorf("%s: expected ErrSettingNotFound, got %v", op, err)
			}
		}
	})

	t.Run("ErrRuleNotFound", func(t *testing.T) {
		store := newStore()
		defer store.Close()
		ctx := context.Background()
		seedSetting(t, store, "cache_ttl", "environment")

		checks := map[string]func() error{
			"GetRule": func() error {
				_, err := store.GetRule(ctx, 999)
				return err
			},
			"DeleteRule": func() error {
				return store.DeleteRule(ctx, 999)
			},
			"UpdateRuleValue": func() error {
				return store.UpdateRuleValue(ctx, 999, json.RawMessage(`1`))
			},
			"SearchRule_NoMatch": func() error {
				_, err := store.SearchRule(ctx, "cache_ttl", map[string]string{"environment": "prod"})
				return err
			},
			"UpdateRuleMetadata": func() error {
				return store.UpdateRuleMetadata(ctx, 999, map[string]any{"k": "v"})
			},
		}
		for op, check := range checks {
			if err := check(); !errors.Is(err, storage.ErrRuleNotFound) {
				t.Errorf("%s: expected ErrRuleNotFound, got %v", op, err)
			}
		}
	})

	t.Run("ErrContextFeatureNotFound", func(t *testing.T) {
		store := newStore()
		defer store.Close()
		ctx := context.Background()

		checks := map[string]func() error{
			"GetContextFeature": func() error {
				_, err := store.GetContextFeature(ctx, "nonexistent")
				return err
			},
			"DeleteContextFeature": func() error {
				return store.DeleteContextFeature(ctx, "nonexistent")
			},
			"MoveContextFeature": func() error {
				return store.MoveContextFeature(ctx, "nonexistent", 0)
			},
		}
		for op, check := range checks {
			if err := check(); !errors.Is(err, storage.ErrContextFeatureNotFound) {
				t.Errorf("%s: expected ErrContextFeatureNotFound, got %v", op, err)
			}
		}
	})

	t.Run("ErrContextFeatureExists", func(t *testing.T) {
		store := newStore()
		defer store.Close()
		ctx := context.Background()
		seedFeatures(t, store, "environment")

		if _, err := store.AddContextFeature(ctx, "environment"); !errors.Is(err, storage.ErrContextFeatureExists) {
			t.Errorf("expected ErrContextFeatureExists, got %v", err)
		}
	})

	t.Run("ErrContextFeatureInUse", func(t *testing.T) {
		store := newStore()
		defer store.Close()
		seedSetting(t, store, "cache_ttl", "environment")

		err := store.DeleteContextFeature(context.Background(), "environment")
		if !errors.Is(err, storage.ErrContextFeatureInUse) {
			t.Errorf("expected ErrContextFeatureInUse, got %v", err)
		}
	})

	t.Run("ErrNameTaken", func(t *testing.T) {
		store := newStore()
		defer store.Close()
		ctx := context.Background()
		seedSetting(t, store, "cache_ttl")
		seedSetting(t, store, "log_level")

		if err := store.CreateSetting(ctx, &storage.SettingRecord{Name: "cache_ttl", Type: "str", VersionMajor: 1}); !errors.Is(err, storage.ErrNameTaken) {
			t.Errorf("CreateSetting: expected ErrNameTaken, got %v", err)
		}

		newName := "cache_ttl"
		if err := store.UpdateSetting(ctx, "log_level", storage.SettingUpdate{Rename: &newName}); !errors.Is(err, storage.ErrNameTaken) {
			t.Errorf("UpdateSetting rename: expected ErrNameTaken, got %v", err)
		}
	})

	t.Run("ErrRuleExists", func(t *testing.T) {
		store := newStore()
		defer store.Close()
		seedSetting(t, store, "cache_ttl", "environment")
		seedRule(t, store, "cache_ttl", map[string]string{"environment": "prod"}, `300`)

		_, err := store.CreateRule(context.Background(), &storage.RuleRecord{
			Setting: "cache_ttl", Value: json.RawMessage(`600`),
			Conditions: map[string]string{"environment": "prod"},
		})
		if !errors.Is(err, storage.ErrRuleExists) {
			t.Errorf("expected ErrRuleExists, got %v", err)
		}
	})
}
