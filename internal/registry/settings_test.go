package registry

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/biocatchltd/heksher/internal/storage"
)

func TestRenameSetting(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	addFeatures(t, r, "user", "theme")
	mustDeclare(t, r, intDeclaration("cache_size"))

	if err := r.RenameSetting(ctx, "cache_size", "cache_size_v2", "1.1"); err != nil {
		t.Fatalf("RenameSetting failed: %v", err)
	}

	rec, err := r.GetSetting(ctx, "cache_size")
	if err != nil {
		t.Fatalf("GetSetting by alias failed: %v", err)
	}
	if rec.Name != "cache_size_v2" {
		t.Errorf("Expected canonical name cache_size_v2, got %s", rec.Name)
	}
	if !reflect.DeepEqual(rec.Aliases, []string{"cache_size"}) {
		t.Errorf("Expected aliases [cache_size], got %v", rec.Aliases)
	}
	if rec.Version() != "1.1" {
		t.Errorf("Expected version 1.1, got %s", rec.Version())
	}
}

func TestRenameSettingErrors(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	addFeatures(t, r, "user", "theme")
	mustDeclare(t, r, intDeclaration("first"))
	mustDeclare(t, r, intDeclaration("second"))

	var verr *ValidationError
	if err := r.RenameSetting(ctx, "first", "bad name", "1.1"); !errors.As(err, &verr) {
		t.Errorf("Expected validation error for a bad name, got %v", err)
	}
	if err := r.RenameSetting(ctx, "first", "renamed", ""); !errors.As(err, &verr) {
		t.Errorf("Expected validation error for a missing version, got %v", err)
	}

	var cerr *ConflictError
	if err := r.RenameSetting(ctx, "first", "renamed", "1.0"); !errors.As(err, &cerr) {
		t.Errorf("Expected conflict for a stale version, got %v", err)
	}
	if err := r.RenameSetting(ctx, "first", "second", "1.1"); !errors.Is(err, storage.ErrNameTaken) {
		t.Errorf("Expected ErrNameTaken, got %v", err)
	}
	if err := r.RenameSetting(ctx, "missing", "renamed", "1.1"); !errors.Is(err, storage.ErrSettingNotFound) {
		t.Errorf("Expected ErrSettingNotFound, got %v", err)
	}
}

func TestUpdateSettingType(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	addFeatures(t, r, "user", "theme")
	mustDeclare(t, r, intDeclaration("cache_size"))

	// widening int to float is a major change
	var cerr *ConflictError
	if err := r.UpdateSettingType(ctx, "cache_size", "float", "1.1"); !errors.As(err, &cerr) {
		t.Fatalf("Expected conflict without a major bump, got %v", err)
	}
	if err := r.UpdateSettingType(ctx, "cache_size", "float", "2.0"); err != nil {
		t.Fatalf("UpdateSettingType failed: %v", err)
	}

	rec, err := r.GetSetting(ctx, "cache_size")
	if err != nil {
		t.Fatalf("GetSetting failed: %v", err)
	}
	if rec.Type != "float" {
		t.Errorf("Expected type float, got %s", rec.Type)
	}
	if rec.Version() != "2.0" {
		t.Errorf("Expected version 2.0, got %s", rec.Version())
	}
}

func TestUpdateSettingTypeNarrowing(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	addFeatures(t, r, "user")

	in := DeclareInput{
		Name:                 "mode",
		Type:                 `Enum["low","mid","high"]`,
		DefaultValue:         json.RawMessage(`"mid"`),
		ConfigurableFeatures: []string{"user"},
	}
	mustDeclare(t, r, in)
	if _, err := r.AddRule(ctx, AddRuleInput{
		Setting:       "mode",
		FeatureValues: map[string]string{"user": "john"},
		Value:         json.RawMessage(`"low"`),
	}); err != nil {
		t.Fatalf("AddRule failed: %v", err)
	}

	err := r.UpdateSettingType(ctx, "mode", `Enum["mid","high"]`, "1.1")
	var cerr *ConflictError
	if !errors.As(err, &cerr) {
		t.Fatalf("Expected conflict for the offending rule, got %v", err)
	}
	want := []string{`rule 1: value "low" does not match the new type Enum["high","mid"]`}
	if !reflect.DeepEqual(cerr.Conflicts, want) {
		t.Errorf("Expected conflicts %v, got %v", want, cerr.Conflicts)
	}

	// dropping the offending rule unblocks the narrowing with a minor bump
	if err := r.DeleteRule(ctx, 1); err != nil {
		t.Fatalf("DeleteRule failed: %v", err)
	}
	if err := r.UpdateSettingType(ctx, "mode", `Enum["mid","high"]`, "1.1"); err != nil {
		t.Fatalf("UpdateSettingType failed: %v", err)
	}
	rec, err := r.GetSetting(ctx, "mode")
	if err != nil {
		t.Fatalf("GetSetting failed: %v", err)
	}
	if rec.Type != `Enum["high","mid"]` {
		t.Errorf("Expected canonical narrowed type, got %s", rec.Type)
	}
}

func TestUpdateSettingTypeDefaultConflict(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	addFeatures(t, r, "user")

	in := DeclareInput{
		Name:                 "mode",
		Type:                 `Enum["low","mid","high"]`,
		DefaultValue:         json.RawMessage(`"low"`),
		ConfigurableFeatures: []string{"user"},
	}
	mustDeclare(t, r, in)

	err := r.UpdateSettingType(ctx, "mode", `Enum["mid","high"]`, "1.1")
	var cerr *ConflictError
	if !errors.As(err, &cerr) {
		t.Fatalf("Expected conflict for the default value, got %v", err)
	}
	want := []string{`the default value "low" does not match the new type Enum["high","mid"]`}
	if !reflect.DeepEqual(cerr.Conflicts, want) {
		t.Errorf("Expected conflicts %v, got %v", want, cerr.Conflicts)
	}
}

func TestUpdateSettingTypeErrors(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	addFeatures(t, r, "user", "theme")
	mustDeclare(t, r, intDeclaration("cache_size"))

	var verr *ValidationError
	if err := r.UpdateSettingType(ctx, "cache_size", "Complex", "2.0"); !errors.As(err, &verr) {
		t.Errorf("Expected validation error for an unknown type, got %v", err)
	}
	if err := r.UpdateSettingType(ctx, "cache_size", "float", ""); !errors.As(err, &verr) {
		t.Errorf("Expected validation error for a missing version, got %v", err)
	}
	if err := r.UpdateSettingType(ctx, "missing", "float", "2.0"); !errors.Is(err, storage.ErrSettingNotFound) {
		t.Errorf("Expected ErrSettingNotFound, got %v", err)
	}
}

func TestUpdateSettingConfigurableFeatures(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	addFeatures(t, r, "user", "theme", "trust")
	mustDeclare(t, r, intDeclaration("cache_size"))

	// additions require a major bump
	var cerr *ConflictError
	err := r.UpdateSettingConfigurableFeatures(ctx, "cache_size", []string{"user", "theme", "trust"}, "1.1")
	if !errors.As(err, &cerr) {
		t.Fatalf("Expected conflict without a major bump, got %v", err)
	}
	if err := r.UpdateSettingConfigurableFeatures(ctx, "cache_size", []string{"user", "theme", "trust"}, "2.0"); err != nil {
		t.Fatalf("UpdateSettingConfigurableFeatures failed: %v", err)
	}

	rec, err := r.GetSetting(ctx, "cache_size")
	if err != nil {
		t.Fatalf("GetSetting failed: %v", err)
	}
	if !reflect.DeepEqual(rec.ConfigurableFeatures, []string{"user", "theme", "trust"}) {
		t.Errorf("Expected features [user theme trust], got %v", rec.ConfigurableFeatures)
	}

	// removing an unused feature is minor
	if err := r.UpdateSettingConfigurableFeatures(ctx, "cache_size", []string{"user"}, "2.1"); err != nil {
		t.Fatalf("UpdateSettingConfigurableFeatures failed: %v", err)
	}
	rec, err = r.GetSetting(ctx, "cache_size")
	if err != nil {
		t.Fatalf("GetSetting failed: %v", err)
	}
	if !reflect.DeepEqual(rec.ConfigurableFeatures, []string{"user"}) {
		t.Errorf("Expected features [user], got %v", rec.ConfigurableFeatures)
	}
}

func TestUpdateSettingConfigurableFeaturesInUse(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	addFeatures(t, r, "user", "theme")
	mustDeclare(t, r, intDeclaration("cache_size"))
	if _, err := r.AddRule(ctx, AddRuleInput{
		Setting:       "cache_size",
		FeatureValues: map[string]string{"user": "john"},
		Value:         json.RawMessage(`10`),
	}); err != nil {
		t.Fatalf("AddRule failed: %v", err)
	}

	err := r.UpdateSettingConfigurableFeatures(ctx, "cache_size", []string{"theme"}, "1.1")
	var cerr *ConflictError
	if !errors.As(err, &cerr) {
		t.Fatalf("Expected conflict for the in-use feature, got %v", err)
	}
	if len(cerr.Conflicts) != 1 || !strings.Contains(cerr.Conflicts[0], "still in use by rules [1]") {
		t.Errorf("Unexpected conflicts %v", cerr.Conflicts)
	}
}

func TestUpdateSettingConfigurableFeaturesErrors(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	addFeatures(t, r, "user", "theme")
	mustDeclare(t, r, intDeclaration("cache_size"))

	var verr *ValidationError
	err := r.UpdateSettingConfigurableFeatures(ctx, "cache_size", []string{"user", "user"}, "1.1")
	if !errors.As(err, &verr) {
		t.Errorf("Expected validation error for duplicates, got %v", err)
	}

	var uerr *UnknownContextFeaturesError
	err = r.UpdateSettingConfigurableFeatures(ctx, "cache_size", []string{"user", "missing"}, "1.1")
	if !errors.As(err, &uerr) {
		t.Errorf("Expected UnknownContextFeaturesError, got %v", err)
	}

	err = r.UpdateSettingConfigurableFeatures(ctx, "missing", []string{"user"}, "1.1")
	if !errors.Is(err, storage.ErrSettingNotFound) {
		t.Errorf("Expected ErrSettingNotFound, got %v", err)
	}
}

func TestDeleteSetting(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	addFeatures(t, r, "user", "theme")
	mustDeclare(t, r, intDeclaration("cache_size"))
	id, err := r.AddRule(ctx, AddRuleInput{
		Setting:       "cache_size",
		FeatureValues: map[string]string{"user": "john"},
		Value:         json.RawMessage(`10`),
	})
	if err != nil {
		t.Fatalf("AddRule failed: %v", err)
	}
	if err := r.RenameSetting(ctx, "cache_size", "cache_size_v2", "1.1"); err != nil {
		t.Fatalf("RenameSetting failed: %v", err)
	}

	// deleting through the old alias removes the setting and its rules
	if err := r.DeleteSetting(ctx, "cache_size"); err != nil {
		t.Fatalf("DeleteSetting failed: %v", err)
	}
	if _, err := r.GetSetting(ctx, "cache_size_v2"); !errors.Is(err, storage.ErrSettingNotFound) {
		t.Errorf("Expected setting to be gone, got %v", err)
	}
	if _, err := r.GetRule(ctx, id); !errors.Is(err, storage.ErrRuleNotFound) {
		t.Errorf("Expected rule to be gone, got %v", err)
	}
	if err := r.DeleteSetting(ctx, "cache_size"); !errors.Is(err, storage.ErrSettingNotFound) {
		t.Errorf("Expected ErrSettingNotFound on repeat delete, got %v", err)
	}
}

func TestSettingMetadata(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	addFeatures(t, r, "user", "theme")
	mustDeclare(t, r, intDeclaration("cache_size"))

	if err := r.UpdateSettingMetadata(ctx, "cache_size", map[string]any{"owner": "infra"}); err != nil {
		t.Fatalf("UpdateSettingMetadata failed: %v", err)
	}
	md, err := r.GetSettingMetadata(ctx, "cache_size")
	if err != nil {
		t.Fatalf("GetSettingMetadata failed: %v", err)
	}
	want := map[string]any{"description": "testing", "owner": "infra"}
	if !reflect.DeepEqual(md, want) {
		t.Errorf("Expected metadata %v, got %v", want, md)
	}

	// merging an empty map changes nothing
	if err := r.UpdateSettingMetadata(ctx, "cache_size", map[string]any{}); err != nil {
		t.Fatalf("UpdateSettingMetadata failed: %v", err)
	}
	md, err = r.GetSettingMetadata(ctx, "cache_size")
	if err != nil {
		t.Fatalf("GetSettingMetadata failed: %v", err)
	}
	if !reflect.DeepEqual(md, want) {
		t.Errorf("Expected metadata unchanged, got %v", md)
	}

	if err := r.ReplaceSettingMetadata(ctx, "cache_size", map[string]any{"team": "core"}); err != nil {
		t.Fatalf("ReplaceSettingMetadata failed: %v", err)
	}
	if err := r.UpdateSettingMetadataKey(ctx, "cache_size", "owner", "infra"); err != nil {
		t.Fatalf("UpdateSettingMetadataKey failed: %v", err)
	}
	value, ok, err := r.GetSettingMetadataKey(ctx, "cache_size", "owner")
	if err != nil {
		t.Fatalf("GetSettingMetadataKey failed: %v", err)
	}
	if !ok || value != "infra" {
		t.Errorf("Expected owner=infra, got %v (present %t)", value, ok)
	}
	if _, ok, _ := r.GetSettingMetadataKey(ctx, "cache_size", "missing"); ok {
		t.Errorf("Expected missing key to be absent")
	}

	if err := r.DeleteSettingMetadataKey(ctx, "cache_size", "team"); err != nil {
		t.Fatalf("DeleteSettingMetadataKey failed: %v", err)
	}
	md, err = r.GetSettingMetadata(ctx, "cache_size")
	if err != nil {
		t.Fatalf("GetSettingMetadata failed: %v", err)
	}
	if !reflect.DeepEqual(md, map[string]any{"owner": "infra"}) {
		t.Errorf("Expected only the owner key, got %v", md)
	}

	if err := r.DeleteSettingMetadata(ctx, "cache_size"); err != nil {
		t.Fatalf("DeleteSettingMetadata failed: %v", err)
	}
	md, err = r.GetSettingMetadata(ctx, "cache_size")
	if err != nil {
		t.Fatalf("GetSettingMetadata failed: %v", err)
	}
	if len(md) != 0 {
		t.Errorf("Expected cleared metadata, got %v", md)
	}
}

func TestSettingMetadataErrors(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	addFeatures(t, r, "user", "theme")
	mustDeclare(t, r, intDeclaration("cache_size"))

	var verr *ValidationError
	if err := r.UpdateSettingMetadata(ctx, "cache_size", map[string]any{"bad key": 1}); !errors.As(err, &verr) {
		t.Errorf("Expected validation error for a bad key, got %v", err)
	}
	if err := r.UpdateSettingMetadataKey(ctx, "cache_size", "bad key", 1); !errors.As(err, &verr) {
		t.Errorf("Expected validation error for a bad key, got %v", err)
	}

	if err := r.UpdateSettingMetadata(ctx, "missing", map[string]any{"owner": "infra"}); !errors.Is(err, storage.ErrSettingNotFound) {
		t.Errorf("Expected ErrSettingNotFound, got %v", err)
	}
	// the owner existence check fires even for a no-op merge
	if err := r.UpdateSettingMetadata(ctx, "missing", map[string]any{}); !errors.Is(err, storage.ErrSettingNotFound) {
		t.Errorf("Expected ErrSettingNotFound, got %v", err)
	}
	if _, err := r.GetSettingMetadata(ctx, "missing"); !errors.Is(err, storage.ErrSettingNotFound) {
		t.Errorf("Expected ErrSettingNotFound, got %v", err)
	}
}
