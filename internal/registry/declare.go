package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/biocatchltd/heksher/internal/declaration"
	"github.com/biocatchltd/heksher/internal/names"
	"github.com/biocatchltd/heksher/internal/storage"
)

// DeclareInput is a setting declaration. A nil DefaultValue means the key was
// absent from the request; JSON null arrives as the literal "null".
type DeclareInput struct {
	Name                 string
	Type                 string
	DefaultValue         json.RawMessage
	ConfigurableFeatures []string
	Metadata             map[string]any
	Alias                string
	Version              string
}

// DeclareResult reports how a declaration resolved against the stored state.
type DeclareResult struct {
	Outcome declaration.Outcome

	// PreviousVersion is the stored version the declaration was compared
	// against, empty when the setting was created.
	PreviousVersion string

	// LatestVersion is the version the setting stands at after the
	// declaration.
	LatestVersion string

	Differences []string
}

// Declare runs the declaration protocol: validate the declaration, resolve
// it against the stored setting (by name, then by alias) and either create
// the setting, upgrade it, or report why no change was applied.
func (r *Registry) Declare(ctx context.Context, in DeclareInput) (*DeclareResult, error) {
	if in.Version == "" {
		in.Version = "1.0"
	}

	// --- validate the declaration in isolation ---

	if !names.IsValid(in.Name) {
		return nil, Validationf("invalid setting name %q", in.Name)
	}
	if in.Alias != "" {
		if !names.IsValid(in.Alias) {
			return nil, Validationf("invalid setting alias %q", in.Alias)
		}
		if in.Alias == in.Name {
			return nil, Validationf("name (%s) and alias (%s) must differ", in.Name, in.Alias)
		}
	}
	version, err := declaration.ParseVersion(in.Version)
	if err != nil {
		return nil, &ValidationError{Detail: err.Error()}
	}
	settingType, err := r.parseType(in.Type)
	if err != nil {
		return nil, &ValidationError{Detail: err.Error()}
	}
	if in.DefaultValue == nil {
		return nil, Validationf("default value is required")
	}
	defaultValue, err := canonicalJSON(in.DefaultValue)
	if err != nil {
		return nil, Validationf("default value is not valid JSON: %s", err)
	}
	declaredDefault, hasDefault := decodeDefault(defaultValue)
	if hasDefault && !settingType.Validate(declaredDefault) {
		return nil, Validationf("type (%s) and default value (%s) must match", settingType, defaultValue)
	}
	if invalid, ok := names.FirstInvalid(in.ConfigurableFeatures...); ok {
		return nil, Validationf("invalid context feature name %q", invalid)
	}
	seen := make(map[string]struct{}, len(in.ConfigurableFeatures))
	for _, f := range in.ConfigurableFeatures {
		if _, dup := seen[f]; dup {
			return nil, Validationf("duplicate configurable feature %q", f)
		}
		seen[f] = struct{}{}
	}
	if key, ok := names.InvalidMetadataKey(in.Metadata); ok {
		return nil, Validationf("invalid metadata key %q", key)
	}

	// --- validate the configurable features against the hierarchy ---

	indexes, _, err := r.featureIndexes(ctx)
	if err != nil {
		return nil, err
	}
	var unknown []string
	for _, f := range in.ConfigurableFeatures {
		if _, ok := indexes[f]; !ok {
			unknown = append(unknown, f)
		}
	}
	if len(unknown) > 0 {
		return nil, &UnknownContextFeaturesError{Names: unknown}
	}
	configurable := sortByHierarchy(in.ConfigurableFeatures, indexes)

	metadata := in.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}

	// --- resolve against the stored state ---

	existing, err := r.storage.GetSetting(ctx, in.Name)
	switch {
	case errors.Is(err, storage.ErrSettingNotFound):
		if in.Alias != "" {
			existing, err = r.storage.GetSetting(ctx, in.Alias)
			if errors.Is(err, storage.ErrSettingNotFound) {
				return nil, fmt.Errorf("%w: alias %s does not exist", storage.ErrSettingNotFound, in.Alias)
			}
			if err != nil {
				return nil, err
			}
			break
		}
		return r.createSetting(ctx, in, version, settingType.String(), defaultValue, configurable, metadata)
	case err != nil:
		return nil, err
	default:
		if in.Alias != "" {
			byAlias, err := r.storage.GetSetting(ctx, in.Alias)
			if errors.Is(err, storage.ErrSettingNotFound) {
				return nil, Conflictf("%s is not a known alias of setting %s", in.Alias, existing.Name)
			}
			if err != nil {
				return nil, err
			}
			if byAlias.Name != existing.Name {
				return nil, Conflictf("alias %s is an alias of unrelated setting %s", in.Alias, byAlias.Name)
			}
		}
	}

	// --- compare the declaration against the stored setting ---

	existingType, err := r.parseType(existing.Type)
	if err != nil {
		return nil, fmt.Errorf("stored type of setting %s is invalid: %w", existing.Name, err)
	}
	existingDefault, existingHasDefault := decodeDefault(existing.DefaultValue)

	rules, err := r.storage.ListRules(ctx, existing.Name)
	if err != nil {
		return nil, err
	}
	ruleValues := make([]declaration.RuleValue, 0, len(rules))
	featureUse := make(map[string][]int64)
	for _, rule := range rules {
		var value any
		if err := json.Unmarshal(rule.Value, &value); err != nil {
			return nil, fmt.Errorf("stored value of rule %d is invalid: %w", rule.ID, err)
		}
		ruleValues = append(ruleValues, declaration.RuleValue{ID: rule.ID, Value: value})
		for feature := range rule.Conditions {
			featureUse[feature] = append(featureUse[feature], rule.ID)
		}
	}

	current := declaration.Version{Major: existing.VersionMajor, Minor: existing.VersionMinor}
	result := declaration.Compare(declaration.Input{
		Existing: declaration.Snapshot{
			Name:                 existing.Name,
			Type:                 existingType,
			Default:              existingDefault,
			HasDefault:           existingHasDefault,
			ConfigurableFeatures: existing.ConfigurableFeatures,
			Metadata:             existing.Metadata,
			Version:              current,
		},
		Declared: declaration.Snapshot{
			Name:                 in.Name,
			Type:                 settingType,
			Default:              declaredDefault,
			HasDefault:           hasDefault,
			ConfigurableFeatures: configurable,
			Metadata:             metadata,
			Version:              version,
		},
		Rules:      ruleValues,
		FeatureUse: featureUse,
	})

	outcome := declaration.Decide(current, version, result)
	declared := &DeclareResult{
		Outcome:         outcome,
		PreviousVersion: current.String(),
		LatestVersion:   current.String(),
	}
	switch outcome {
	case declaration.OutcomeUpToDate:
		// nothing changed and nothing to report
	case declaration.OutcomeOutdated, declaration.OutcomeRejected:
		declared.Differences = result.Strings()
	case declaration.OutcomeMismatch:
		declared.Differences = result.Escalated(declaration.Mismatch).Strings()
	case declaration.OutcomeUpgraded:
		update := storage.SettingUpdate{
			VersionMajor: &version.Major,
			VersionMinor: &version.Minor,
		}
		if result.NameChanged {
			update.Rename = &in.Name
		}
		if result.TypeChanged {
			typeString := settingType.String()
			update.Type = &typeString
		}
		if result.DefaultChanged {
			update.DefaultValue = &defaultValue
		}
		if result.FeaturesChanged {
			update.ConfigurableFeatures = &configurable
		}
		if result.MetadataChanged {
			update.Metadata = &metadata
		}
		if err := r.storage.UpdateSetting(ctx, existing.Name, update); err != nil {
			return nil, err
		}
		declared.LatestVersion = version.String()
		declared.Differences = result.Strings()
	}
	return declared, nil
}

// createSetting handles the declaration of a name that resolves to nothing.
func (r *Registry) createSetting(ctx context.Context, in DeclareInput, version declaration.Version,
	typeString string, defaultValue json.RawMessage, configurable []string, metadata map[string]any) (*DeclareResult, error) {
	if version != declaration.Initial {
		diff := declaration.Difference{
			Level:       declaration.Mismatch,
			Description: "newly created settings must have version 1.0",
		}
		return &DeclareResult{
			Outcome:     declaration.OutcomeMismatch,
			Differences: []string{diff.String()},
		}, nil
	}
	record := &storage.SettingRecord{
		Name:                 in.Name,
		Type:                 typeString,
		DefaultValue:         defaultValue,
		ConfigurableFeatures: configurable,
		Metadata:             metadata,
		VersionMajor:         version.Major,
		VersionMinor:         version.Minor,
	}
	if err := r.storage.CreateSetting(ctx, record); err != nil {
		return nil, err
	}
	return &DeclareResult{
		Outcome:       declaration.OutcomeCreated,
		LatestVersion: version.String(),
	}, nil
}

// decodeDefault decodes a stored default value. A nil raw value or a JSON
// null both mean the setting carries no usable default.
func decodeDefault(raw json.RawMessage) (any, bool) {
	if raw == nil {
		return nil, false
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, false
	}
	return v, v != nil
}

// sortByHierarchy orders feature names by their hierarchy index.
func sortByHierarchy(features []string, indexes map[string]int) []string {
	out := append([]string(nil), features...)
	sort.Slice(out, func(i, j int) bool { return indexes[out[i]] < indexes[out[j]] })
	return out
}
