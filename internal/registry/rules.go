package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/biocatchltd/heksher/internal/names"
	"github.com/biocatchltd/heksher/internal/settingtypes"
	"github.com/biocatchltd/heksher/internal/storage"
)

// AddRuleInput describes a new rule: the setting it configures, the exact
// feature values it matches and the value it yields.
type AddRuleInput struct {
	Setting       string
	FeatureValues map[string]string
	Value         json.RawMessage
	Metadata      map[string]any
}

// AddRule validates and stores a new rule, returning its id. The setting
// name may be an alias. No two rules of a setting may share the same
// condition set.
func (r *Registry) AddRule(ctx context.Context, in AddRuleInput) (int64, error) {
	if len(in.FeatureValues) == 0 {
		return 0, Validationf("feature_values must not be empty")
	}
	for feature, value := range in.FeatureValues {
		if !names.IsValid(feature) {
			return 0, Validationf("invalid context feature name %q", feature)
		}
		if value == "" || value == "*" {
			return 0, Validationf("invalid value %q for context feature %s", value, feature)
		}
	}
	if key, bad := names.InvalidMetadataKey(in.Metadata); bad {
		return 0, Validationf("invalid metadata key %q", key)
	}
	if in.Value == nil {
		return 0, Validationf("rule value is required")
	}

	rec, err := r.storage.GetSetting(ctx, in.Setting)
	if err != nil {
		return 0, err
	}
	configurable := make(map[string]struct{}, len(rec.ConfigurableFeatures))
	for _, f := range rec.ConfigurableFeatures {
		configurable[f] = struct{}{}
	}
	var invalid []string
	for feature := range in.FeatureValues {
		if _, ok := configurable[feature]; !ok {
			invalid = append(invalid, feature)
		}
	}
	if len(invalid) > 0 {
		sort.Strings(invalid)
		return 0, Validationf("setting is not configurable at context features %v", invalid)
	}

	settingType, err := r.parseType(rec.Type)
	if err != nil {
		return 0, fmt.Errorf("stored type of setting %s is invalid: %w", rec.Name, err)
	}
	value, err := canonicalJSON(in.Value)
	if err != nil {
		return 0, Validationf("rule value is not valid JSON: %s", err)
	}
	if !settingtypes.ValidateRaw(settingType, value) {
		return 0, Validationf("rule value is incompatible with setting type %s", settingType)
	}

	return r.storage.CreateRule(ctx, &storage.RuleRecord{
		Setting:    rec.Name,
		Value:      value,
		Conditions: in.FeatureValues,
		Metadata:   in.Metadata,
	})
}

// GetRule returns a rule by id.
func (r *Registry) GetRule(ctx context.Context, id int64) (*storage.RuleRecord, error) {
	return r.storage.GetRule(ctx, id)
}

// DeleteRule removes a rule by id.
func (r *Registry) DeleteRule(ctx context.Context, id int64) error {
	return r.storage.DeleteRule(ctx, id)
}

// SearchRule finds the rule of a setting with exactly the given conditions.
func (r *Registry) SearchRule(ctx context.Context, setting string, conditions map[string]string) (*storage.RuleRecord, error) {
	if len(conditions) == 0 {
		return nil, Validationf("feature_values must not be empty")
	}
	rec, err := r.storage.GetSetting(ctx, setting)
	if err != nil {
		return nil, err
	}
	return r.storage.SearchRule(ctx, rec.Name, conditions)
}

// UpdateRuleValue replaces the value a rule yields. The new value must
// conform to the setting's type.
func (r *Registry) UpdateRuleValue(ctx context.Context, id int64, value json.RawMessage) error {
	if value == nil {
		return Validationf("rule value is required")
	}
	rule, err := r.storage.GetRule(ctx, id)
	if err != nil {
		return err
	}
	rec, err := r.storage.GetSetting(ctx, rule.Setting)
	if err != nil {
		return fmt.Errorf("setting %s of rule %d: %w", rule.Setting, id, err)
	}
	settingType, err := r.parseType(rec.Type)
	if err != nil {
		return fmt.Errorf("stored type of setting %s is invalid: %w", rec.Name, err)
	}
	canonical, err := canonicalJSON(value)
	if err != nil {
		return Validationf("rule value is not valid JSON: %s", err)
	}
	if !settingtypes.ValidateRaw(settingType, canonical) {
		return Validationf("rule value is incompatible with setting type %s", settingType)
	}
	return r.storage.UpdateRuleValue(ctx, id, canonical)
}

// GetRuleMetadata returns a rule's metadata, never nil.
func (r *Registry) GetRuleMetadata(ctx context.Context, id int64) (map[string]any, error) {
	rule, err := r.storage.GetRule(ctx, id)
	if err != nil {
		return nil, err
	}
	if rule.Metadata == nil {
		return map[string]any{}, nil
	}
	return rule.Metadata, nil
}

// GetRuleMetadataKey returns one metadata value and whether the key is
// present.
func (r *Registry) GetRuleMetadataKey(ctx context.Context, id int64, key string) (any, bool, error) {
	rule, err := r.storage.GetRule(ctx, id)
	if err != nil {
		return nil, false, err
	}
	value, ok := rule.Metadata[key]
	return value, ok, nil
}

// UpdateRuleMetadata merges the given keys into a rule's metadata. An empty
// map is a no-op.
func (r *Registry) UpdateRuleMetadata(ctx context.Context, id int64, metadata map[string]any) error {
	if key, bad := names.InvalidMetadataKey(metadata); bad {
		return Validationf("invalid metadata key %q", key)
	}
	if _, err := r.storage.GetRule(ctx, id); err != nil {
		return err
	}
	if len(metadata) == 0 {
		return nil
	}
	return r.storage.UpdateRuleMetadata(ctx, id, metadata)
}

// ReplaceRuleMetadata replaces a rule's metadata wholesale. An empty map
// clears it.
func (r *Registry) ReplaceRuleMetadata(ctx context.Context, id int64, metadata map[string]any) error {
	if key, bad := names.InvalidMetadataKey(metadata); bad {
		return Validationf("invalid metadata key %q", key)
	}
	if _, err := r.storage.GetRule(ctx, id); err != nil {
		return err
	}
	if metadata == nil {
		metadata = map[string]any{}
	}
	return r.storage.ReplaceRuleMetadata(ctx, id, metadata)
}

// UpdateRuleMetadataKey sets a single metadata key.
func (r *Registry) UpdateRuleMetadataKey(ctx context.Context, id int64, key string, value any) error {
	if !names.IsValid(key) {
		return Validationf("invalid metadata key %q", key)
	}
	if _, err := r.storage.GetRule(ctx, id); err != nil {
		return err
	}
	return r.storage.UpdateRuleMetadataKey(ctx, id, key, value)
}

// DeleteRuleMetadata clears a rule's metadata.
func (r *Registry) DeleteRuleMetadata(ctx context.Context, id int64) error {
	if _, err := r.storage.GetRule(ctx, id); err != nil {
		return err
	}
	return r.storage.ReplaceRuleMetadata(ctx, id, map[string]any{})
}

// DeleteRuleMetadataKey removes a single metadata key. Removing an absent
// key is not an error.
func (r *Registry) DeleteRuleMetadataKey(ctx context.Context, id int64, key string) error {
	if _, err := r.storage.GetRule(ctx, id); err != nil {
		return err
	}
	return r.storage.DeleteRuleMetadataKey(ctx, id, key)
}
