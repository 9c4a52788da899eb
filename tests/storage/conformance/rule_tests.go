package conformance

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"testing"

	"github.com/biocatchltd/heksher/internal/storage"
)

// RunRuleTests tests rule CRUD, condition uniqueness and search.
func RunRuleTests(t *testing.T, newStore StoreFactory) {
	t.Helper()

	t.Run("CreateAndGet_Roundtrip", func(t *testing.T) {
		store := newStore()
		defer store.Close()
		ctx := context.Background()
		seedSetting(t, store, "cache_ttl", "environment", "user")

		rec := &storage.RuleRecord{
			Setting:    "cache_ttl",
			Value:      json.RawMessage(`300`),
			Conditions: map[string]string{"environment": "prod", "user": "john"},
			Metadata:   map[string]any{"added_by": "jira-123"},
		}
		id, err := store.CreateRule(ctx, rec)
		if err != nil {
			t.Fatalf("CreateRule: %v", err)
		}
		if id == 0 {
			t.Error("expected a non-zero rule id")
		}
		if rec.ID != id {
			t.Errorf("expected record id %d, got %d", id, rec.ID)
		}

		got, err := store.GetRule(ctx, id)
		if err != nil {
			t.Fatalf("GetRule: %v", err)
		}
		if got.ID != id {
			t.Errorf("expected id %d, got %d", id, got.ID)
		}
		if got.Setting != "cache_ttl" {
			t.Errorf("expected setting cache_ttl, got %q", got.Setting)
		}
		if string(got.Value) != `300` {
			t.Errorf("expected value 300, got %s", got.Value)
		}
		if !reflect.DeepEqual(got.Conditions, map[string]string{"environment": "prod", "user": "john"}) {
			t.Errorf("unexpected conditions: %v", got.Conditions)
		}
		if got.Metadata["added_by"] != "jira-123" {
			t.Errorf("expected metadata added_by=jira-123, got %v", got.Metadata)
		}
	})

	t.Run("Create_IDsIncrease", func(t *testing.T) {
		store := newStore()
		defer store.Close()
		seedSetting(t, store, "cache_ttl", "environment")

		first := seedRule(t, store, "cache_ttl", map[string]string{"environment": "dev"}, `10`)
		second := seedRule(t, store, "cache_ttl", map[string]string{"environment": "prod"}, `20`)
		if second <= first {
			t.Errorf("expected ids to increase, got %d then %d", first, second)
		}
	})

	t.Run("Create_UnknownSetting", func(t *testing.T) {
		store := newStore()
		defer store.Close()
		seedFeatures(t, store, "environment")

		rec := &storage.RuleRecord{
			Setting:    "walrus",
			Value:      json.RawMessage(`1`),
			Conditions: map[string]string{"environment": "prod"},
		}
		_, err := store.CreateRule(context.Background(), rec)
		if !errors.Is(err, storage.ErrSettingNotFound) {
			t.Errorf("expected ErrSettingNotFound, got %v", err)
		}
	})

	t.Run("Create_ByAliasRejected", func(t *testing.T) {
		store := newStore()
		defer store.Close()
		seedSetting(t, store, "cache_ttl", "environment")
		renameSetting(t, store, "cache_ttl", "cache_ttl_v2")

		rec := &storage.RuleRecord{
			Setting:    "cache_ttl",
			Value:      json.RawMessage(`1`),
			Conditions: map[string]string{"environment": "prod"},
		}
		_, err := store.CreateRule(context.Background(), rec)
		if !errors.Is(err, storage.ErrSettingNotFound) {
			t.Errorf("expected ErrSettingNotFound, got %v", err)
		}
	})

	t.Run("Create_DuplicateConditions", func(t *testing.T) {
		store := newStore()
		defer store.Close()
		seedSetting(t, store, "cache_ttl", "environment")
		seedRule(t, store, "cache_ttl", map[string]string{"environment": "prod"}, `300`)

		rec := &storage.RuleRecord{
			Setting:    "cache_ttl",
			Value:      json.RawMessage(`600`),
			Conditions: map[string]string{"environment": "prod"},
		}
		_, err := store.CreateRule(context.Background(), rec)
		if !errors.Is(err, storage.ErrRuleExists) {
			t.Errorf("expected ErrRuleExists, got %v", err)
		}
	})

	t.Run("Create_SameConditionsOtherSetting", func(t *testing.T) {
		store := newStore()
		defer store.Close()
		seedSetting(t, store, "cache_ttl", "environment")
		seedSetting(t, store, "log_level", "environment")
		seedRule(t, store, "cache_ttl", map[string]string{"environment": "prod"}, `300`)

		// Condition uniqueness is scoped per setting.
		seedRule(t, store, "log_level", map[string]string{"environment": "prod"}, `"warning"`)
	})

	t.Run("Get_Unknown", func(t *testing.T) {
		store := newStore()
		defer store.Close()

		_, err := store.GetRule(context.Background(), 12345)
		if !errors.Is(err, storage.ErrRuleNotFound) {
			t.Errorf("expected ErrRuleNotFound, got %v", err)
		}
	})

	t.Run("Delete_ThenGone", func(t *testing.T) {
		store := newStore()
		defer store.Close()
		ctx := context.Background()
		seedSetting(t, store, "cache_ttl", "environment")
		id := seedRule(t, store, "cache_ttl", map[string]string{"environment": "prod"}, `300`)

		if err := store.DeleteRule(ctx, id); err != nil {
			t.Fatalf("DeleteRule: %v", err)
		}
		if _, err := store.GetRule(ctx, id); !errors.Is(err, storage.ErrRuleNotFound) {
			t.Errorf("expected ErrRuleNotFound after delete, got %v", err)
		}
		if err := store.DeleteRule(ctx, id); !errors.Is(err, storage.ErrRuleNotFound) {
			t.Errorf("expected ErrRuleNotFound on second delete, got %v", err)
		}
	})

	t.Run("Delete_FreesConditionsForReuse", func(t *testing.T) {
		store := newStore()
		defer store.Close()
		ctx := context.Background()
		seedSetting(t, store, "cache_ttl", "environment")
		id := seedRule(t, store, "cache_ttl", map[string]string{"environment": "prod"}, `300`)

		if err := store.DeleteRule(ctx, id); err != nil {
			t.Fatalf("DeleteRule: %v", err)
		}

		seedRule(t, store, "cache_ttl", map[string]string{"environment": "prod"}, `600`)
	})

	t.Run("UpdateValue", func(t *testing.T) {
		store := newStore()
		defer store.Close()
		ctx := context.Background()
		seedSetting(t, store, "cache_ttl", "environment")
		id := seedRule(t, store, "cache_ttl", map[string]string{"environment": "prod"}, `300`)

		if err := store.UpdateRuleValue(ctx, id, json.RawMessage(`900`)); err != nil {
			t.Fatalf("UpdateRuleValue: %v", err)
		}

		got, err := store.GetRule(ctx, id)
		if err != nil {
			t.Fatalf("GetRule: %v", err)
		}
		if string(got.Value) != `900` {
			t.Errorf("expected value 900, got %s", got.Value)
		}
	})

	t.Run("UpdateValue_Unknown", func(t *testing.T) {
		store := newStore()
		defer store.Close()

		err := store.UpdateRuleValue(context.Background(), 12345, json.RawMessage(`1`))
		if !errors.Is(err, storage.ErrRuleNotFound) {
			t.Errorf("expected ErrRuleNotFound, got %v", err)
		}
	})

	t.Run("Search_ExactMatch", func(t *testing.T) {
		store := newStore()
		defer store.Close()
		ctx := context.Background()
		seedSetting(t, store, "cache_ttl", "environment", "user")
		seedRule(t, store, "cache_ttl", map[string]string{"environment": "prod"}, `300`)
		id := seedRule(t, store, "cache_ttl", map[string]string{"environment": "prod", "user": "john"}, `600`)

		got, err := store.SearchRule(ctx, "cache_ttl", map[string]string{"environment": "prod", "user": "john"})
		if err != nil {
			t.Fatalf("SearchRule: %v", err)
		}
		if got.ID != id {
			t.Errorf("expected rule %d, got %d", id, got.ID)
		}
	})

	t.Run("Search_SubsetIsNotAMatch", func(t *testing.T) {
		store := newStore()
		defer store.Close()
		ctx := context.Background()
		seedSetting(t, store, "cache_ttl", "environment", "user")
		seedRule(t, store, "cache_ttl", map[string]string{"environment": "prod", "user": "john"}, `600`)

		_, err := store.SearchRule(ctx, "cache_ttl", map[string]string{"environment": "prod"})
		if !errors.Is(err, storage.ErrRuleNotFound) {
			t.Errorf("expected ErrRuleNotFound, got %v", err)
		}
	})

	t.Run("Search_UnknownSetting", func(t *testing.T) {
		store := newStore()
		defer store.Close()

		_, err := store.SearchRule(context.Background(), "walrus", map[string]string{"environment": "prod"})
		if !errors.Is(err, storage.ErrSettingNotFound) {
			t.Errorf("expected ErrSettingNotFound, got %v", err)
		}
	})

	t.Run("List_CreationOrder", func(t *testing.T) {
		store := newStore()
		defer store.Close()
		ctx := context.Background()
		seedSetting(t, store, "cache_ttl", "environment")

		var ids []int64
		for _, env := range []string{"dev", "staging", "prod"} {
			ids = append(ids, seedRule(t, store, "cache_ttl", map[string]string{"environment": env}, `1`))
		}

		rules, err := store.ListRules(ctx, "cache_ttl")
		if err != nil {
			t.Fatalf("ListRules: %v", err)
		}
		if len(rules) != 3 {
			t.Fatalf("expected 3 rules, got %d", len(rules))
		}
		for i, rule := range rules {
			if rule.ID != ids[i] {
				t.Errorf("position %d: expected rule %d, got %d", i, ids[i], rule.ID)
			}
		}
	})

	t.Run("List_EmptySetting", func(t *testing.T) {
		store := newStore()
		defer store.Close()
		seedSetting(t, store, "cache_ttl")

		rules, err := store.ListRules(context.Background(), "cache_ttl")
		if err != nil {
			t.Fatalf("ListRules: %v", err)
		}
		if len(rules) != 0 {
			t.Errorf("expected 0 rules, got %d", len(rules))
		}
	})

	t.Run("List_UnknownSetting", func(t *testing.T) {
		store := newStore()
		defer store.Close()

		_, err := store.ListRules(context.Background(), "walrus")
		if !errors.Is(err, storage.ErrSettingNotFound) {
			t.Errorf("expected ErrSettingNotFound, got %v", err)
		}
	})

	t.Run("ListForSettings_SkipsUnknown", func(t *testing.T) {
		store := newStore()
		defer store.Close()
		ctx := context.Background()
		seedSetting(t, store, "cache_ttl", "environment")
		seedSetting(t, store, "log_level", "environment")
		ttlRule := seedRule(t, store, "cache_ttl", map[string]string{"environment": "prod"}, `300`)
		levelRule := seedRule(t, store, "log_level", map[string]string{"environment": "prod"}, `"warning"`)

		rules, err := store.ListRulesForSettings(ctx, []string{"cache_ttl", "log_level", "walrus"})
		if err != nil {
			t.Fatalf("ListRulesForSettings: %v", err)
		}
		if len(rules["cache_ttl"]) != 1 || rules["cache_ttl"][0].ID != ttlRule {
			t.Errorf("unexpected cache_ttl rules: %v", rules["cache_ttl"])
		}
		if len(rules["log_level"]) != 1 || rules["log_level"][0].ID != levelRule {
			t.Errorf("unexpected log_level rules: %v", rules["log_level"])
		}
		if _, ok := rules["walrus"]; ok {
			t.Error("expected unknown setting to be skipped")
		}
	})

	t.Run("ListForSettings_Empty", func(t *testing.T) {
		store := newStore()
		defer store.Close()

		rules, err := store.ListRulesForSettings(context.Background(), nil)
		if err != nil {
			t.Fatalf("ListRulesForSettings: %v", err)
		}
		if len(rules) != 0 {
			t.Errorf("expected an empty map, got %v", rules)
		}
	})
}
