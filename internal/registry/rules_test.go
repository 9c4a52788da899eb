package registry

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"testing"

	"github.com/biocatchltd/heksher/internal/storage"
)

func ruleFixture(t *testing.T) *Registry {
	t.Helper()
	r := newTestRegistry(t)
	addFeatures(t, r, "user", "theme", "trust")
	mustDeclare(t, r, intDeclaration("cache_size"))
	return r
}

func TestAddRule(t *testing.T) {
	r := ruleFixture(t)
	ctx := context.Background()

	id, err := r.AddRule(ctx, AddRuleInput{
		Setting:       "cache_size",
		FeatureValues: map[string]string{"user": "john", "theme": "dark"},
		Value:         json.RawMessage(`10`),
		Metadata:      map[string]any{"note": "john prefers a big cache"},
	})
	if err != nil {
		t.Fatalf("AddRule failed: %v", err)
	}
	if id != 1 {
		t.Errorf("Expected rule id 1, got %d", id)
	}

	rule, err := r.GetRule(ctx, id)
	if err != nil {
		t.Fatalf("GetRule failed: %v", err)
	}
	if rule.Setting != "cache_size" {
		t.Errorf("Expected setting cache_size, got %s", rule.Setting)
	}
	if string(rule.Value) != "10" {
		t.Errorf("Expected value 10, got %s", rule.Value)
	}
	if !reflect.DeepEqual(rule.Conditions, map[string]string{"user": "john", "theme": "dark"}) {
		t.Errorf("Unexpected conditions %v", rule.Conditions)
	}
	if !reflect.DeepEqual(rule.Metadata, map[string]any{"note": "john prefers a big cache"}) {
		t.Errorf("Unexpected metadata %v", rule.Metadata)
	}
}

func TestAddRuleDuplicateConditions(t *testing.T) {
	r := ruleFixture(t)
	ctx := context.Background()

	conditions := map[string]string{"user": "john"}
	if _, err := r.AddRule(ctx, AddRuleInput{Setting: "cache_size", FeatureValues: conditions, Value: json.RawMessage(`10`)}); err != nil {
		t.Fatalf("AddRule failed: %v", err)
	}
	_, err := r.AddRule(ctx, AddRuleInput{Setting: "cache_size", FeatureValues: conditions, Value: json.RawMessage(`20`)})
	if !errors.Is(err, storage.ErrRuleExists) {
		t.Fatalf("Expected ErrRuleExists, got %v", err)
	}
}

func TestAddRuleByAlias(t *testing.T) {
	r := ruleFixture(t)
	ctx := context.Background()

	if err := r.RenameSetting(ctx, "cache_size", "cache_size_v2", "1.1"); err != nil {
		t.Fatalf("RenameSetting failed: %v", err)
	}
	id, err := r.AddRule(ctx, AddRuleInput{
		Setting:       "cache_size",
		FeatureValues: map[string]string{"user": "john"},
		Value:         json.RawMessage(`10`),
	})
	if err != nil {
		t.Fatalf("AddRule through alias failed: %v", err)
	}
	rule, err := r.GetRule(ctx, id)
	if err != nil {
		t.Fatalf("GetRule failed: %v", err)
	}
	if rule.Setting != "cache_size_v2" {
		t.Errorf("Expected canonical setting name, got %s", rule.Setting)
	}
}

func TestAddRuleValidation(t *testing.T) {
	tests := []struct {
		name string
		in   AddRuleInput
	}{
		{"empty feature values", AddRuleInput{
			Setting: "cache_size", Value: json.RawMessage(`10`),
		}},
		{"empty feature value", AddRuleInput{
			Setting: "cache_size", FeatureValues: map[string]string{"user": ""}, Value: json.RawMessage(`10`),
		}},
		{"wildcard feature value", AddRuleInput{
			Setting: "cache_size", FeatureValues: map[string]string{"user": "*"}, Value: json.RawMessage(`10`),
		}},
		{"invalid feature name", AddRuleInput{
			Setting: "cache_size", FeatureValues: map[string]string{"no spaces": "x"}, Value: json.RawMessage(`10`),
		}},
		{"not configurable", AddRuleInput{
			Setting: "cache_size", FeatureValues: map[string]string{"trust": "full"}, Value: json.RawMessage(`10`),
		}},
		{"missing value", AddRuleInput{
			Setting: "cache_size", FeatureValues: map[string]string{"user": "john"},
		}},
		{"malformed value", AddRuleInput{
			Setting: "cache_size", FeatureValues: map[string]string{"user": "john"}, Value: json.RawMessage(`{`),
		}},
		{"value of wrong type", AddRuleInput{
			Setting: "cache_size", FeatureValues: map[string]string{"user": "john"}, Value: json.RawMessage(`"ten"`),
		}},
		{"invalid metadata key", AddRuleInput{
			Setting: "cache_size", FeatureValues: map[string]string{"user": "john"}, Value: json.RawMessage(`10`),
			Metadata: map[string]any{"bad key": 1},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := ruleFixture(t)
			_, err := r.AddRule(context.Background(), tt.in)
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("Expected validation error, got %v", err)
			}
		})
	}
}

func TestAddRuleUnknownSetting(t *testing.T) {
	r := ruleFixture(t)
	_, err := r.AddRule(context.Background(), AddRuleInput{
		Setting:       "missing",
		FeatureValues: map[string]string{"user": "john"},
		Value:         json.RawMessage(`10`),
	})
	if !errors.Is(err, storage.ErrSettingNotFound) {
		t.Fatalf("Expected ErrSettingNotFound, got %v", err)
	}
}

func TestSearchRule(t *testing.T) {
	r := ruleFixture(t)
	ctx := context.Background()

	id, err := r.AddRule(ctx, AddRuleInput{
		Setting:       "cache_size",
		FeatureValues: map[string]string{"user": "john", "theme": "dark"},
		Value:         json.RawMessage(`10`),
	})
	if err != nil {
		t.Fatalf("AddRule failed: %v", err)
	}

	rule, err := r.SearchRule(ctx, "cache_size", map[string]string{"theme": "dark", "user": "john"})
	if err != nil {
		t.Fatalf("SearchRule failed: %v", err)
	}
	if rule.ID != id {
		t.Errorf("Expected rule %d, got %d", id, rule.ID)
	}

	if _, err := r.SearchRule(ctx, "cache_size", map[string]string{"user": "john"}); !errors.Is(err, storage.ErrRuleNotFound) {
		t.Errorf("Expected ErrRuleNotFound for a partial match, got %v", err)
	}
	if _, err := r.SearchRule(ctx, "missing", map[string]string{"user": "john"}); !errors.Is(err, storage.ErrSettingNotFound) {
		t.Errorf("Expected ErrSettingNotFound, got %v", err)
	}
	var verr *ValidationError
	if _, err := r.SearchRule(ctx, "cache_size", nil); !errors.As(err, &verr) {
		t.Errorf("Expected validation error for empty conditions, got %v", err)
	}
}

func TestUpdateRuleValue(t *testing.T) {
	r := ruleFixture(t)
	ctx := context.Background()

	id, err := r.AddRule(ctx, AddRuleInput{
		Setting:       "cache_size",
		FeatureValues: map[string]string{"user": "john"},
		Value:         json.RawMessage(`10`),
	})
	if err != nil {
		t.Fatalf("AddRule failed: %v", err)
	}

	if err := r.UpdateRuleValue(ctx, id, json.RawMessage(`20`)); err != nil {
		t.Fatalf("UpdateRuleValue failed: %v", err)
	}
	rule, err := r.GetRule(ctx, id)
	if err != nil {
		t.Fatalf("GetRule failed: %v", err)
	}
	if string(rule.Value) != "20" {
		t.Errorf("Expected value 20, got %s", rule.Value)
	}

	var verr *ValidationError
	if err := r.UpdateRuleValue(ctx, id, json.RawMessage(`"twenty"`)); !errors.As(err, &verr) {
		t.Errorf("Expected validation error for a wrong type, got %v", err)
	}
	if err := r.UpdateRuleValue(ctx, id, nil); !errors.As(err, &verr) {
		t.Errorf("Expected validation error for a missing value, got %v", err)
	}
	if err := r.UpdateRuleValue(ctx, 99, json.RawMessage(`20`)); !errors.Is(err, storage.ErrRuleNotFound) {
		t.Errorf("Expected ErrRuleNotFound, got %v", err)
	}
}

func TestDeleteRule(t *testing.T) {
	r := ruleFixture(t)
	ctx := context.Background()

	id, err := r.AddRule(ctx, AddRuleInput{
		Setting:       "cache_size",
		FeatureValues: map[string]string{"user": "john"},
		Value:         json.RawMessage(`10`),
	})
	if err != nil {
		t.Fatalf("AddRule failed: %v", err)
	}
	if err := r.DeleteRule(ctx, id); err != nil {
		t.Fatalf("DeleteRule failed: %v", err)
	}
	if _, err := r.GetRule(ctx, id); !errors.Is(err, storage.ErrRuleNotFound) {
		t.Errorf("Expected ErrRuleNotFound, got %v", err)
	}
	if err := r.DeleteRule(ctx, id); !errors.Is(err, storage.ErrRuleNotFound) {
		t.Errorf("Expected ErrRuleNotFound on repeat delete, got %v", err)
	}
}

func TestRuleMetadata(t *testing.T) {
	r := ruleFixture(t)
	ctx := context.Background()

	id, err := r.AddRule(ctx, AddRuleInput{
		Setting:       "cache_size",
		FeatureValues: map[string]string{"user": "john"},
		Value:         json.RawMessage(`10`),
	})
	if err != nil {
		t.Fatalf("AddRule failed: %v", err)
	}

	md, err := r.GetRuleMetadata(ctx, id)
	if err != nil {
		t.Fatalf("GetRuleMetadata failed: %v", err)
	}
	if md == nil || len(md) != 0 {
		t.Errorf("Expected empty metadata, got %v", md)
	}

	if err := r.UpdateRuleMetadata(ctx, id, map[string]any{"note": "testing", "owner": "infra"}); err != nil {
		t.Fatalf("UpdateRuleMetadata failed: %v", err)
	}
	if err := r.DeleteRuleMetadataKey(ctx, id, "note"); err != nil {
		t.Fatalf("DeleteRuleMetadataKey failed: %v", err)
	}
	if err := r.UpdateRuleMetadataKey(ctx, id, "team", "core"); err != nil {
		t.Fatalf("UpdateRuleMetadataKey failed: %v", err)
	}
	md, err = r.GetRuleMetadata(ctx, id)
	if err != nil {
		t.Fatalf("GetRuleMetadata failed: %v", err)
	}
	want := map[string]any{"owner": "infra", "team": "core"}
	if !reflect.DeepEqual(md, want) {
		t.Errorf("Expected metadata %v, got %v", want, md)
	}

	value, ok, err := r.GetRuleMetadataKey(ctx, id, "team")
	if err != nil {
		t.Fatalf("GetRuleMetadataKey failed: %v", err)
	}
	if !ok || value != "core" {
		t.Errorf("Expected team=core, got %v (present %t)", value, ok)
	}

	if err := r.ReplaceRuleMetadata(ctx, id, map[string]any{"only": "this"}); err != nil {
		t.Fatalf("ReplaceRuleMetadata failed: %v", err)
	}
	if err := r.DeleteRuleMetadata(ctx, id); err != nil {
		t.Fatalf("DeleteRuleMetadata failed: %v", err)
	}
	md, err = r.GetRuleMetadata(ctx, id)
	if err != nil {
		t.Fatalf("GetRuleMetadata failed: %v", err)
	}
	if len(md) != 0 {
		t.Errorf("Expected cleared metadata, got %v", md)
	}
}

func TestRuleMetadataErrors(t *testing.T) {
	r := ruleFixture(t)
	ctx := context.Background()

	var verr *ValidationError
	if err := r.UpdateRuleMetadata(ctx, 1, map[string]any{"bad key": 1}); !errors.As(err, &verr) {
		t.Errorf("Expected validation error for a bad key, got %v", err)
	}
	if err := r.UpdateRuleMetadata(ctx, 99, map[string]any{"owner": "infra"}); !errors.Is(err, storage.ErrRuleNotFound) {
		t.Errorf("Expected ErrRuleNotFound, got %v", err)
	}
	if _, err := r.GetRuleMetadata(ctx, 99); !errors.Is(err, storage.ErrRuleNotFound) {
		t.Errorf("Expected ErrRuleNotFound, got %v", err)
	}
	if err := r.DeleteRuleMetadataKey(ctx, 99, "note"); !errors.Is(err, storage.ErrRuleNotFound) {
		t.Errorf("Expected ErrRuleNotFound, got %v", err)
	}
}
