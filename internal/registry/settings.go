package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/biocatchltd/heksher/internal/declaration"
	"github.com/biocatchltd/heksher/internal/names"
	"github.com/biocatchltd/heksher/internal/settingtypes"
	"github.com/biocatchltd/heksher/internal/storage"
)

// GetSetting returns a setting by its canonical name or any of its aliases.
func (r *Registry) GetSetting(ctx context.Context, name string) (*storage.SettingRecord, error) {
	return r.storage.GetSetting(ctx, name)
}

// ListSettings returns every setting, ordered by name.
func (r *Registry) ListSettings(ctx context.Context) ([]*storage.SettingRecord, error) {
	return r.storage.ListSettings(ctx)
}

// DeleteSetting removes a setting and its rules. The name may be an alias.
func (r *Registry) DeleteSetting(ctx context.Context, name string) error {
	rec, err := r.storage.GetSetting(ctx, name)
	if err != nil {
		return err
	}
	return r.storage.DeleteSetting(ctx, rec.Name)
}

// RenameSetting gives a setting a new canonical name, keeping the old name
// as an alias. Renaming is a minor change, so any version bump carries it.
// Renaming a setting to its current canonical name changes nothing.
func (r *Registry) RenameSetting(ctx context.Context, name, newName, version string) error {
	if !names.IsValid(newName) {
		return Validationf("invalid setting name %q", newName)
	}
	rec, err := r.storage.GetSetting(ctx, name)
	if err != nil {
		return err
	}
	if newName == rec.Name {
		return nil
	}
	next, err := bumpedVersion(version, rec)
	if err != nil {
		return err
	}
	return r.storage.UpdateSetting(ctx, rec.Name, storage.SettingUpdate{
		Rename:       &newName,
		VersionMajor: &next.Major,
		VersionMinor: &next.Minor,
	})
}

// UpdateSettingType changes the type of a setting. The stored default and
// every rule value must conform to the new type; a change to anything but a
// subtype of the current type also requires a major version bump.
func (r *Registry) UpdateSettingType(ctx context.Context, name, typeExpr, version string) error {
	newType, err := r.parseType(typeExpr)
	if err != nil {
		return &ValidationError{Detail: err.Error()}
	}
	rec, err := r.storage.GetSetting(ctx, name)
	if err != nil {
		return err
	}
	next, err := bumpedVersion(version, rec)
	if err != nil {
		return err
	}
	currentType, err := r.parseType(rec.Type)
	if err != nil {
		return fmt.Errorf("stored type of setting %s is invalid: %w", rec.Name, err)
	}

	relation := settingtypes.Compare(newType, currentType)
	if relation != settingtypes.Equal {
		var conflicts []string
		if value, ok := decodeDefault(rec.DefaultValue); ok && !newType.Validate(value) {
			conflicts = append(conflicts,
				fmt.Sprintf("the default value %s does not match the new type %s", rec.DefaultValue, newType))
		}
		rules, err := r.storage.ListRules(ctx, rec.Name)
		if err != nil {
			return err
		}
		for _, rule := range rules {
			var value any
			if err := json.Unmarshal(rule.Value, &value); err != nil {
				return fmt.Errorf("stored value of rule %d is invalid: %w", rule.ID, err)
			}
			if !newType.Validate(value) {
				conflicts = append(conflicts,
					fmt.Sprintf("rule %d: value %s does not match the new type %s", rule.ID, rule.Value, newType))
			}
		}
		if len(conflicts) > 0 {
			return &ConflictError{Conflicts: conflicts}
		}
		if relation != settingtypes.Subtype && next.Major <= rec.VersionMajor {
			return Conflictf("changing the type from %s to %s requires a major version bump", currentType, newType)
		}
	}

	typeString := newType.String()
	return r.storage.UpdateSetting(ctx, rec.Name, storage.SettingUpdate{
		Type:         &typeString,
		VersionMajor: &next.Major,
		VersionMinor: &next.Minor,
	})
}

// UpdateSettingConfigurableFeatures replaces the set of context features a
// setting can be configured by. Features conditioned on by existing rules
// cannot be removed, and additions require a major version bump.
func (r *Registry) UpdateSettingConfigurableFeatures(ctx context.Context, name string, features []string, version string) error {
	if invalid, ok := names.FirstInvalid(features...); ok {
		return Validationf("invalid context feature name %q", invalid)
	}
	seen := make(map[string]struct{}, len(features))
	for _, f := range features {
		if _, dup := seen[f]; dup {
			return Validationf("duplicate configurable feature %q", f)
		}
		seen[f] = struct{}{}
	}
	rec, err := r.storage.GetSetting(ctx, name)
	if err != nil {
		return err
	}
	next, err := bumpedVersion(version, rec)
	if err != nil {
		return err
	}
	indexes, _, err := r.featureIndexes(ctx)
	if err != nil {
		return err
	}
	var unknown []string
	for _, f := range features {
		if _, ok := indexes[f]; !ok {
			unknown = append(unknown, f)
		}
	}
	if len(unknown) > 0 {
		return &UnknownContextFeaturesError{Names: unknown}
	}
	configurable := sortByHierarchy(features, indexes)

	removed := absentFrom(rec.ConfigurableFeatures, configurable)
	added := absentFrom(configurable, rec.ConfigurableFeatures)
	if len(removed) > 0 {
		rules, err := r.storage.ListRules(ctx, rec.Name)
		if err != nil {
			return err
		}
		featureUse := make(map[string][]int64)
		for _, rule := range rules {
			for feature := range rule.Conditions {
				featureUse[feature] = append(featureUse[feature], rule.ID)
			}
		}
		var conflicts []string
		for _, f := range removed {
			ids := featureUse[f]
			if len(ids) == 0 {
				continue
			}
			sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
			conflicts = append(conflicts, fmt.Sprintf("configurable feature %q is still in use by rules %v", f, ids))
		}
		if len(conflicts) > 0 {
			return &ConflictError{Conflicts: conflicts}
		}
	}
	if len(added) > 0 && next.Major <= rec.VersionMajor {
		return Conflictf("adding configurable features requires a major version bump")
	}
	return r.storage.UpdateSetting(ctx, rec.Name, storage.SettingUpdate{
		ConfigurableFeatures: &configurable,
		VersionMajor:         &next.Major,
		VersionMinor:         &next.Minor,
	})
}

// GetSettingMetadata returns a setting's metadata, never nil.
func (r *Registry) GetSettingMetadata(ctx context.Context, name string) (map[string]any, error) {
	rec, err := r.storage.GetSetting(ctx, name)
	if err != nil {
		return nil, err
	}
	if rec.Metadata == nil {
		return map[string]any{}, nil
	}
	return rec.Metadata, nil
}

// GetSettingMetadataKey returns one metadata value and whether the key is
// present.
func (r *Registry) GetSettingMetadataKey(ctx context.Context, name, key string) (any, bool, error) {
	rec, err := r.storage.GetSetting(ctx, name)
	if err != nil {
		return nil, false, err
	}
	value, ok := rec.Metadata[key]
	return value, ok, nil
}

// UpdateSettingMetadata merges the given keys into a setting's metadata. An
// empty map is a no-op.
func (r *Registry) UpdateSettingMetadata(ctx context.Context, name string, metadata map[string]any) error {
	if key, bad := names.InvalidMetadataKey(metadata); bad {
		return Validationf("invalid metadata key %q", key)
	}
	rec, err := r.storage.GetSetting(ctx, name)
	if err != nil {
		return err
	}
	if len(metadata) == 0 {
		return nil
	}
	return r.storage.UpdateSettingMetadata(ctx, rec.Name, metadata)
}

// ReplaceSettingMetadata replaces a setting's metadata wholesale. An empty
// map clears it.
func (r *Registry) ReplaceSettingMetadata(ctx context.Context, name string, metadata map[string]any) error {
	if key, bad := names.InvalidMetadataKey(metadata); bad {
		return Validationf("invalid metadata key %q", key)
	}
	rec, err := r.storage.GetSetting(ctx, name)
	if err != nil {
		return err
	}
	if metadata == nil {
		metadata = map[string]any{}
	}
	return r.storage.ReplaceSettingMetadata(ctx, rec.Name, metadata)
}

// UpdateSettingMetadataKey sets a single metadata key.
func (r *Registry) UpdateSettingMetadataKey(ctx context.Context, name, key string, value any) error {
	if !names.IsValid(key) {
		return Validationf("invalid metadata key %q", key)
	}
	rec, err := r.storage.GetSetting(ctx, name)
	if err != nil {
		return err
	}
	return r.storage.UpdateSettingMetadataKey(ctx, rec.Name, key, value)
}

// DeleteSettingMetadata clears a setting's metadata.
func (r *Registry) DeleteSettingMetadata(ctx context.Context, name string) error {
	rec, err := r.storage.GetSetting(ctx, name)
	if err != nil {
		return err
	}
	return r.storage.ReplaceSettingMetadata(ctx, rec.Name, map[string]any{})
}

// DeleteSettingMetadataKey removes a single metadata key. Removing an absent
// key is not an error.
func (r *Registry) DeleteSettingMetadataKey(ctx context.Context, name, key string) error {
	rec, err := r.storage.GetSetting(ctx, name)
	if err != nil {
		return err
	}
	return r.storage.DeleteSettingMetadataKey(ctx, rec.Name, key)
}

// bumpedVersion parses and gates the version carried by a setting change: it
// must parse and exceed the stored version.
func bumpedVersion(version string, rec *storage.SettingRecord) (declaration.Version, error) {
	if version == "" {
		return declaration.Version{}, Validationf("version is required")
	}
	next, err := declaration.ParseVersion(version)
	if err != nil {
		return declaration.Version{}, &ValidationError{Detail: err.Error()}
	}
	current := declaration.Version{Major: rec.VersionMajor, Minor: rec.VersionMinor}
	if next.Compare(current) <= 0 {
		return declaration.Version{}, Conflictf("version %s must be greater than the stored version %s", next, current)
	}
	return next, nil
}

// absentFrom returns the members of from missing in in, sorted.
func absentFrom(from, in []string) []string {
	have := make(map[string]struct{}, len(in))
	for _, s := range in {
		have[s] = struct{}{}
	}
	var out []string
	for _, s := range from {
		if _, ok := have[s]; !ok {
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}
