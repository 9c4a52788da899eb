package conformance

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"testing"

	"github.com/biocatchltd/heksher/internal/storage"
)

// RunSettingTests tests setting CRUD, aliasing and rename behavior.
func RunSettingTests(t *testing.T, newStore StoreFactory) {
	t.Helper()

	t.Run("CreateAndGet_Roundtrip", func(t *testing.T) {
		store := newStore()
		defer store.Close()
		ctx := context.Background()
		seedFeatures(t, store, "environment", "user")

		rec := &storage.SettingRecord{
			Name:                 "cache_ttl",
			Type:                 "int",
			DefaultValue:         json.RawMessage(`60`),
			ConfigurableFeatures: []string{"environment", "user"},
			Metadata:             map[string]any{"owner": "infra"},
			VersionMajor:         2,
			VersionMinor:         3,
		}
		if err := store.CreateSetting(ctx, rec); err != nil {
			t.Fatalf("CreateSetting: %v", err)
		}

		got, err := store.GetSetting(ctx, "cache_ttl")
		if err != nil {
			t.Fatalf("GetSetting: %v", err)
		}
		if got.Name != "cache_ttl" {
			t.Errorf("expected name cache_ttl, got %q", got.Name)
		}
		if got.Type != "int" {
			t.Errorf("expected type int, got %q", got.Type)
		}
		if string(got.DefaultValue) != `60` {
			t.Errorf("expected default 60, got %s", got.DefaultValue)
		}
		if !reflect.DeepEqual(got.ConfigurableFeatures, []string{"environment", "user"}) {
			t.Errorf("unexpected configurable features: %v", got.ConfigurableFeatures)
		}
		if got.Metadata["owner"] != "infra" {
			t.Errorf("expected metadata owner=infra, got %v", got.Metadata)
		}
		if got.Version() != "2.3" {
			t.Errorf("expected version 2.3, got %s", got.Version())
		}
		if len(got.Aliases) != 0 {
			t.Errorf("expected no aliases, got %v", got.Aliases)
		}
	})

	t.Run("Create_NoDefault", func(t *testing.T) {
		store := newStore()
		defer store.Close()
		ctx := context.Background()

		rec := &storage.SettingRecord{
			Name:         "log_level",
			Type:         "str",
			VersionMajor: 1,
		}
		if err := store.CreateSetting(ctx, rec); err != nil {
			t.Fatalf("CreateSetting: %v", err)
		}

		got, err := store.GetSetting(ctx, "log_level")
		if err != nil {
			t.Fatalf("GetSetting: %v", err)
		}
		if got.DefaultValue != nil {
			t.Errorf("expected nil default, got %s", got.DefaultValue)
		}
	})

	t.Run("Create_NameTakenBySetting", func(t *testing.T) {
		store := newStore()
		defer store.Close()
		ctx := context.Background()
		seedSetting(t, store, "cache_ttl")

		err := store.CreateSetting(ctx, &storage.SettingRecord{Name: "cache_ttl", Type: "str", VersionMajor: 1})
		if !errors.Is(err, storage.ErrNameTaken) {
			t.Errorf("expected ErrNameTaken, got %v", err)
		}
	})

	t.Run("Create_NameTakenByAlias", func(t *testing.T) {
		store := newStore()
		defer store.Close()
		ctx := context.Background()
		seedSetting(t, store, "cache_ttl")
		renameSetting(t, store, "cache_ttl", "cache_ttl_v2")

		// cache_ttl now survives only as an alias, but the name stays taken.
		err := store.CreateSetting(ctx, &storage.SettingRecord{Name: "cache_ttl", Type: "str", VersionMajor: 1})
		if !errors.Is(err, storage.ErrNameTaken) {
			t.Errorf("expected ErrNameTaken, got %v", err)
		}
	})

	t.Run("Get_ByAliasResolvesCanonical", func(t *testing.T) {
		store := newStore()
		defer store.Close()
		ctx := context.Background()
		seedSetting(t, store, "cache_ttl")
		renameSetting(t, store, "cache_ttl", "cache_ttl_v2")

		got, err := store.GetSetting(ctx, "cache_ttl")
		if err != nil {
			t.Fatalf("GetSetting by alias: %v", err)
		}
		if got.Name != "cache_ttl_v2" {
			t.Errorf("expected canonical name cache_ttl_v2, got %q", got.Name)
		}
		if !reflect.DeepEqual(got.Aliases, []string{"cache_ttl"}) {
			t.Errorf("expected aliases [cache_ttl], got %v", got.Aliases)
		}
	})

	t.Run("Get_Unknown", func(t *testing.T) {
		store := newStore()
		defer store.Close()

		_, err := store.GetSetting(context.Background(), "walrus")
		if !errors.Is(err, storage.ErrSettingNotFound) {
			t.Errorf("expected ErrSettingNotFound, got %v", err)
		}
	})

	t.Run("List_SortedByName", func(t *testing.T) {
		store := newStore()
		defer store.Close()
		ctx := context.Background()
		seedSetting(t, store, "zeta")
		seedSetting(t, store, "alpha")
		seedSetting(t, store, "mid")

		settings, err := store.ListSettings(ctx)
		if err != nil {
			t.Fatalf("ListSettings: %v", err)
		}
		if len(settings) != 3 {
			t.Fatalf("expected 3 settings, got %d", len(settings))
		}
		for i, want := range []string{"alpha", "mid", "zeta"} {
			if settings[i].Name != want {
				t.Errorf("position %d: expected %s, got %s", i, want, settings[i].Name)
			}
		}
	})

	t.Run("Update_Attributes", func(t *testing.T) {
		store := newStore()
		defer store.Close()
		ctx := context.Background()
		seedSetting(t, store, "cache_ttl", "environment", "user")

		newType := "float"
		newDefault := json.RawMessage(`1.5`)
		newFeatures := []string{"environment"}
		major, minor := 2, 0
		update := storage.SettingUpdate{
			Type:                 &newType,
			DefaultValue:         &newDefault,
			ConfigurableFeatures: &newFeatures,
			VersionMajor:         &major,
			VersionMinor:         &minor,
		}
		if err := store.UpdateSetting(ctx, "cache_ttl", update); err != nil {
			t.Fatalf("UpdateSetting: %v", err)
		}

		got, err := store.GetSetting(ctx, "cache_ttl")
		if err != nil {
			t.Fatalf("GetSetting: %v", err)
		}
		if got.Type != "float" {
			t.Errorf("expected type float, got %q", got.Type)
		}
		if string(got.DefaultValue) != `1.5` {
			t.Errorf("expected default 1.5, got %s", got.DefaultValue)
		}
		if !reflect.DeepEqual(got.ConfigurableFeatures, []string{"environment"}) {
			t.Errorf("unexpected configurable features: %v", got.ConfigurableFeatures)
		}
		if got.Version() != "2.0" {
			t.Errorf("expected version 2.0, got %s", got.Version())
		}
	})

	t.Run("Update_NilFieldsKeepValues", func(t *testing.T) {
		store := newStore()
		defer store.Close()
		ctx := context.Background()
		seedSetting(t, store, "cache_ttl", "environment")

		newDefault := json.RawMessage(`90`)
		if err := store.UpdateSetting(ctx, "cache_ttl", storage.SettingUpdate{DefaultValue: &newDefault}); err != nil {
			t.Fatalf("UpdateSetting: %v", err)
		}

		got, err := store.GetSetting(ctx, "cache_ttl")
		if err != nil {
			t.Fatalf("GetSetting: %v", err)
		}
		if string(got.DefaultValue) != `90` {
			t.Errorf("expected default 90, got %s", got.DefaultValue)
		}
		if got.Type != "int" {
			t.Errorf("type should be unchanged, got %q", got.Type)
		}
		if !reflect.DeepEqual(got.ConfigurableFeatures, []string{"environment"}) {
			t.Errorf("configurable features should be unchanged, got %v", got.ConfigurableFeatures)
		}
		if got.Version() != "1.0" {
			t.Errorf("version should be unchanged, got %s", got.Version())
		}
	})

	t.Run("Update_Unknown", func(t *testing.T) {
		store := newStore()
		defer store.Close()

		newType := "str"
		err := store.UpdateSetting(context.Background(), "walrus", storage.SettingUpdate{Type: &newType})
		if !errors.Is(err, storage.ErrSettingNotFound) {
			t.Errorf("expected ErrSettingNotFound, got %v", err)
		}
	})

	t.Run("Update_ByAliasRejected", func(t *testing.T) {
		store := newStore()
		defer store.Close()
		ctx := context.Background()
		seedSetting(t, store, "cache_ttl")
		renameSetting(t, store, "cache_ttl", "cache_ttl_v2")

		// Writes go through the canonical name only.
		newType := "str"
		err := store.UpdateSetting(ctx, "cache_ttl", storage.SettingUpdate{Type: &newType})
		if !errors.Is(err, storage.ErrSettingNotFound) {
			t.Errorf("expected ErrSettingNotFound, got %v", err)
		}
	})

	t.Run("Rename_KeepsOldNameAsAlias", func(t *testing.T) {
		store := newStore()
		defer store.Close()
		ctx := context.Background()
		seedSetting(t, store, "cache_ttl")

		renameSetting(t, store, "cache_ttl", "cache_ttl_v2")

		got, err := store.GetSetting(ctx, "cache_ttl_v2")
		if err != nil {
			t.Fatalf("GetSetting: %v", err)
		}
		if got.Name != "cache_ttl_v2" {
			t.Errorf("expected canonical name cache_ttl_v2, got %q", got.Name)
		}
		if !reflect.DeepEqual(got.Aliases, []string{"cache_ttl"}) {
			t.Errorf("expected aliases [cache_ttl], got %v", got.Aliases)
		}
	})

	t.Run("Rename_AccumulatesSortedAliases", func(t *testing.T) {
		store := newStore()
		defer store.Close()
		ctx := context.Background()
		seedSetting(t, store, "b_name")

		renameSetting(t, store, "b_name", "c_name")
		renameSetting(t, store, "c_name", "a_name")

		got, err := store.GetSetting(ctx, "a_name")
		if err != nil {
			t.Fatalf("GetSetting: %v", err)
		}
		if !reflect.DeepEqual(got.Aliases, []string{"b_name", "c_name"}) {
			t.Errorf("expected aliases [b_name c_name], got %v", got.Aliases)
		}
	})

	t.Run("Rename_BackToOwnAliasPromotes", func(t *testing.T) {
		store := newStore()
		defer store.Close()
		ctx := context.Background()
		seedSetting(t, store, "cache_ttl")
		renameSetting(t, store, "cache_ttl", "cache_ttl_v2")

		renameSetting(t, store, "cache_ttl_v2", "cache_ttl")

		got, err := store.GetSetting(ctx, "cache_ttl")
		if err != nil {
			t.Fatalf("GetSetting: %v", err)
		}
		if got.Name != "cache_ttl" {
			t.Errorf("expected canonical name cache_ttl, got %q", got.Name)
		}
		if !reflect.DeepEqual(got.Aliases, []string{"cache_ttl_v2"}) {
			t.Errorf("expected aliases [cache_ttl_v2], got %v", got.Aliases)
		}
	})

	t.Run("Rename_ToTakenName", func(t *testing.T) {
		store := newStore()
		defer store.Close()
		ctx := context.Background()
		seedSetting(t, store, "cache_ttl")
		seedSetting(t, store, "log_level")

		newName := "log_level"
		err := store.UpdateSetting(ctx, "cache_ttl", storage.SettingUpdate{Rename: &newName})
		if !errors.Is(err, storage.ErrNameTaken) {
			t.Errorf("expected ErrNameTaken, got %v", err)
		}
	})

	t.Run("Rename_ToOtherSettingsAlias", func(t *testing.T) {
		store := newStore()
		defer store.Close()
		ctx := context.Background()
		seedSetting(t, store, "cache_ttl")
		renameSetting(t, store, "cache_ttl", "cache_ttl_v2")
		seedSetting(t, store, "log_level")

		newName := "cache_ttl"
		err := store.UpdateSetting(ctx, "log_level", storage.SettingUpdate{Rename: &newName})
		if !errors.Is(err, storage.ErrNameTaken) {
			t.Errorf("expected ErrNameTaken, got %v", err)
		}
	})

	t.Run("Rename_RulesFollow", func(t *testing.T) {
		store := newStore()
		defer store.Close()
		ctx := context.Background()
		seedSetting(t, store, "cache_ttl", "environment")
		id := seedRule(t, store, "cache_ttl", map[string]string{"environment": "prod"}, `300`)

		renameSetting(t, store, "cache_ttl", "cache_ttl_v2")

		rule, err := store.GetRule(ctx, id)
		if err != nil {
			t.Fatalf("GetRule: %v", err)
		}
		if rule.Setting != "cache_ttl_v2" {
			t.Errorf("expected rule to follow rename to cache_ttl_v2, got %q", rule.Setting)
		}

		rules, err := store.ListRules(ctx, "cache_ttl_v2")
		if err != nil {
			t.Fatalf("ListRules: %v", err)
		}
		if len(rules) != 1 || rules[0].ID != id {
			t.Errorf("expected rule %d under the new name, got %v", id, rules)
		}
	})

	t.Run("Delete_CascadesRulesAndAliases", func(t *testing.T) {
		store := newStore()
		defer store.Close()
		ctx := context.Background()
		seedSetting(t, store, "cache_ttl", "environment")
		renameSetting(t, store, "cache_ttl", "cache_ttl_v2")
		id := seedRule(t, store, "cache_ttl_v2", map[string]string{"environment": "prod"}, `300`)

		if err := store.DeleteSetting(ctx, "cache_ttl_v2"); err != nil {
			t.Fatalf("DeleteSetting: %v", err)
		}

		if _, err := store.GetSetting(ctx, "cache_ttl_v2"); !errors.Is(err, storage.ErrSettingNotFound) {
			t.Errorf("expected ErrSettingNotFound for deleted setting, got %v", err)
		}
		if _, err := store.GetRule(ctx, id); !errors.Is(err, storage.ErrRuleNotFound) {
			t.Errorf("expected ErrRuleNotFound for cascaded rule, got %v", err)
		}

		// The freed alias is usable as a fresh setting name again.
		err := store.CreateSetting(ctx, &storage.SettingRecord{Name: "cache_ttl", Type: "str", VersionMajor: 1})
		if err != nil {
			t.Errorf("expected freed alias to be reusable, got %v", err)
		}
	})

	t.Run("Delete_Unknown", func(t *testing.T) {
		store := newStore()
		defer store.Close()

		err := store.DeleteSetting(context.Background(), "walrus")
		if !errors.Is(err, storage.ErrSettingNotFound) {
			t.Errorf("expected ErrSettingNotFound, got %v", err)
		}
	})
}

// renameSetting renames a setting through UpdateSetting.
func renameSetting(t *testing.T, store storage.Storage, from, to string) {
	t.Helper()

	if err := store.UpdateSetting(context.Background(), from, storage.SettingUpdate{Rename: &to}); err != nil {
		t.Fatalf("rename %s to %s: %v", from, to, err)
	}
}
