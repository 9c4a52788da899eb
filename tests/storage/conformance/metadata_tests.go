package conformance

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/biocatchltd/heksher/internal/storage"
)

// RunMetadataTests tests the metadata operations for settings and rules.
// Values are strings throughout so the assertions hold regardless of how a
// backend encodes its metadata.
func RunMetadataTests(t *testing.T, newStore StoreFactory) {
	t.Helper()

	t.Run("Setting_MergeKeepsOtherKeys", func(t *testing.T) {
		store := newStore()
		defer store.Close()
		ctx := context.Background()
		seedSetting(t, store, "cache_ttl")

		if err := store.UpdateSettingMetadata(ctx, "cache_ttl", map[string]any{"owner": "infra", "tier": "gold"}); err != nil {
			t.Fatalf("UpdateSettingMetadata: %v", err)
		}
		if err := store.UpdateSettingMetadata(ctx, "cache_ttl", map[string]any{"tier": "silver", "reason": "load"}); err != nil {
			t.Fatalf("UpdateSettingMetadata (second): %v", err)
		}

		assertSettingMetadata(t, store, "cache_ttl", map[string]any{
			"owner": "infra", "tier": "silver", "reason": "load",
		})
	})

	t.Run("Setting_ReplaceDropsOtherKeys", func(t *testing.T) {
		store := newStore()
		defer store.Close()
		ctx := context.Background()
		seedSetting(t, store, "cache_ttl")

		if err := store.UpdateSettingMetadata(ctx, "cache_ttl", map[string]any{"owner": "infra", "tier": "gold"}); err != nil {
			t.Fatalf("UpdateSettingMetadata: %v", err)
		}
		if err := store.ReplaceSettingMetadata(ctx, "cache_ttl", map[string]any{"reason": "load"}); err != nil {
			t.Fatalf("ReplaceSettingMetadata: %v", err)
		}

		assertSettingMetadata(t, store, "cache_ttl", map[string]any{"reason": "load"})
	})

	t.Run("Setting_ReplaceWithEmptyClears", func(t *testing.T) {
		store := newStore()
		defer store.Close()
		ctx := context.Background()
		seedSetting(t, store, "cache_ttl")

		if err := store.UpdateSettingMetadata(ctx, "cache_ttl", map[string]any{"owner": "infra"}); err != nil {
			t.Fatalf("UpdateSettingMetadata: %v", err)
		}
		if err := store.ReplaceSettingMetadata(ctx, "cache_ttl", map[string]any{}); err != nil {
			t.Fatalf("ReplaceSettingMetadata: %v", err)
		}

		got, err := store.GetSetting(ctx, "cache_ttl")
		if err != nil {
			t.Fatalf("GetSetting: %v", err)
		}
		if len(got.Metadata) != 0 {
			t.Errorf("expected empty metadata, got %v", got.Metadata)
		}
	})

	t.Run("Setting_KeyUpsert", func(t *testing.T) {
		store := newStore()
		defer store.Close()
		ctx := context.Background()
		seedSetting(t, store, "cache_ttl")

		if err := store.UpdateSettingMetadataKey(ctx, "cache_ttl", "owner", "infra"); err != nil {
			t.Fatalf("UpdateSettingMetadataKey: %v", err)
		}
		if err := store.UpdateSettingMetadataKey(ctx, "cache_ttl", "owner", "platform"); err != nil {
			t.Fatalf("UpdateSettingMetadataKey (overwrite): %v", err)
		}

		assertSettingMetadata(t, store, "cache_ttl", map[string]any{"owner": "platform"})
	})

	t.Run("Setting_KeyDelete", func(t *testing.T) {
		store := newStore()
		defer store.Close()
		ctx := context.Background()
		seedSetting(t, store, "cache_ttl")

		if err := store.UpdateSettingMetadata(ctx, "cache_ttl", map[string]any{"owner": "infra", "tier": "gold"}); err != nil {
			t.Fatalf("UpdateSettingMetadata: %v", err)
		}
		if err := store.DeleteSettingMetadataKey(ctx, "cache_ttl", "owner"); err != nil {
			t.Fatalf("DeleteSettingMetadataKey: %v", err)
		}

		assertSettingMetadata(t, store, "cache_ttl", map[string]any{"tier": "gold"})
	})

	t.Run("Setting_KeyDeleteAbsentIsFine", func(t *testing.T) {
		store := newStore()
		defer store.Close()
		seedSetting(t, store, "cache_ttl")

		if err := store.DeleteSettingMetadataKey(context.Background(), "cache_ttl", "walrus"); err != nil {
			t.Errorf("expected no error for absent key, got %v", err)
		}
	})

	t.Run("Rule_MergeKeepsOtherKeys", func(t *testing.T) {
		store := newStore()
		defer store.Close()
		ctx := context.Background()
		seedSetting(t, store, "cache_ttl", "environment")
		id := seedRule(t, store, "cache_ttl", map[string]string{"environment": "prod"}, `300`)

		if err := store.UpdateRuleMetadata(ctx, id, map[string]any{"added_by": "jira-123", "tier": "gold"}); err != nil {
			t.Fatalf("UpdateRuleMetadata: %v", err)
		}
		if err := store.UpdateRuleMetadata(ctx, id, map[string]any{"tier": "silver"}); err != nil {
			t.Fatalf("UpdateRuleMetadata (second): %v", err)
		}

		assertRuleMetadata(t, store, id, map[string]any{"added_by": "jira-123", "tier": "silver"})
	})

	t.Run("Rule_ReplaceDropsOtherKeys", func(t *testing.T) {
		store := newStore()
		defer store.Close()
		ctx := context.Background()
		seedSetting(t, store, "cache_ttl", "environment")
		id := seedRule(t, store, "cache_ttl", map[string]string{"environment": "prod"}, `300`)

		if err := store.UpdateRuleMetadata(ctx, id, map[string]any{"added_by": "jira-123"}); err != nil {
			t.Fatalf("UpdateRuleMetadata: %v", err)
		}
		if err := store.ReplaceRuleMetadata(ctx, id, map[string]any{"reason": "load"}); err != nil {
			t.Fatalf("ReplaceRuleMetadata: %v", err)
		}

		assertRuleMetadata(t, store, id, map[string]any{"reason": "load"})
	})

	t.Run("Rule_KeyUpsertAndDelete", func(t *testing.T) {
		store := newStore()
		defer store.Close()
		ctx := context.Background()
		seedSetting(t, store, "cache_ttl", "environment")
		id := seedRule(t, store, "cache_ttl", map[string]string{"environment": "prod"}, `300`)

		if err := store.UpdateRuleMetadataKey(ctx, id, "added_by", "jira-123"); err != nil {
			t.Fatalf("UpdateRuleMetadataKey: %v", err)
		}
		assertRuleMetadata(t, store, id, map[string]any{"added_by": "jira-123"})

		if err := store.DeleteRuleMetadataKey(ctx, id, "added_by"); err != nil {
			t.Fatalf("DeleteRuleMetadataKey: %v", err)
		}
		if err := store.DeleteRuleMetadataKey(ctx, id, "added_by"); err != nil {
			t.Errorf("expected no error for absent key, got %v", err)
		}

		rule, err := store.GetRule(ctx, id)
		if err != nil {
			t.Fatalf("GetRule: %v", err)
		}
		if len(rule.Metadata) != 0 {
			t.Errorf("expected empty metadata, got %v", rule.Metadata)
		}
	})

	t.Run("Setting_UnknownOwner", func(t *testing.T) {
		store := newStore()
		defer store.Close()
		ctx := context.Background()

		ops := map[string]error{
			"merge":      store.UpdateSettingMetadata(ctx, "walrus", map[string]any{"k": "v"}),
			"replace":    store.ReplaceSettingMetadata(ctx, "walrus", map[string]any{"k": "v"}),
			"key upsert": store.UpdateSettingMetadataKey(ctx, "walrus", "k", "v"),
			"key delete": store.DeleteSettingMetadataKey(ctx, "walrus", "k"),
		}
		for op, err := range ops {
			if !errors.Is(err, storage.ErrSettingNotFound) {
				t.Errorf("%s: expected ErrSettingNotFound, got %v", op, err)
			}
		}
	})

	t.Run("Rule_UnknownOwner", func(t *testing.T) {
		store := newStore()
		defer store.Close()
		ctx := context.Background()

		ops := map[string]error{
			"merge":      store.UpdateRuleMetadata(ctx, 12345, map[string]any{"k": "v"}),
			"replace":    store.ReplaceRuleMetadata(ctx, 12345, map[string]any{"k": "v"}),
			"key upsert": store.UpdateRuleMetadataKey(ctx, 12345, "k", "v"),
			"key delete": store.DeleteRuleMetadataKey(ctx, 12345, "k"),
		}
		for op, err := range ops {
			if !errors.Is(err, storage.ErrRuleNotFound) {
				t.Errorf("%s: expected ErrRuleNotFound, got %v", op, err)
			}
		}
	})
}

func assertSettingMetadata(t *testing.T, store storage.Storage, name string, want map[string]any) {
	t.Helper()

	got, err := store.GetSetting(context.Background(), name)
	if err != nil {
		t.Fatalf("GetSetting %s: %v", name, err)
	}
	if !reflect.DeepEqual(got.Metadata, want) {
		t.Errorf("expected metadata %v, got %v", want, got.Metadata)
	}
}

func assertRuleMetadata(t *testing.T, store storage.Storage, id int64, want map[string]any) {
	t.Helper()

	got, err := store.GetRule(context.Background(), id)
	if err != nil {
		t.Fatalf("GetRule %d: %v", id, err)
	}
	if !reflect.DeepEqual(got.Metadata, want) {
		t.Errorf("expected metadata %v, got %v", want, got.Metadata)
	}
}
