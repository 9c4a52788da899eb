package declaration

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"

	"github.com/biocatchltd/heksher/internal/settingtypes"
)

// Difference is one divergence between a declaration and the stored setting.
type Difference struct {
	Level       Level
	Description string
}

// String renders the difference as "<level>: <description>".
func (d Difference) String() string {
	return d.Level.String() + ": " + d.Description
}

// Snapshot is one side of a declaration comparison.
type Snapshot struct {
	Name                 string
	Type                 settingtypes.Type
	Default              any
	HasDefault           bool
	ConfigurableFeatures []string
	Metadata             map[string]any
	Version              Version
}

// RuleValue is the decoded value of one stored rule.
type RuleValue struct {
	ID    int64
	Value any
}

// Input gathers everything needed to classify a declaration against the
// stored setting without further storage access.
type Input struct {
	Existing Snapshot
	Declared Snapshot

	// Rules holds every rule of the setting, used to vet type changes.
	Rules []RuleValue

	// FeatureUse maps a context feature to the ids of rules conditioning on
	// it, used to vet feature removal.
	FeatureUse map[string][]int64
}

// Result carries the classified differences and which attributes diverge.
type Result struct {
	Differences []Difference

	NameChanged     bool
	TypeChanged     bool
	FeaturesChanged bool
	DefaultChanged  bool
	MetadataChanged bool
}

// MaxLevel returns the highest level among the differences, Minor when there
// are none.
func (r Result) MaxLevel() Level {
	max := Minor
	for _, d := range r.Differences {
		if d.Level > max {
			max = d.Level
		}
	}
	return max
}

// Escalated returns a copy of the result with every difference raised to at
// least the given level.
func (r Result) Escalated(min Level) Result {
	out := r
	out.Differences = make([]Difference, len(r.Differences))
	for i, d := range r.Differences {
		if d.Level < min {
			d.Level = min
		}
		out.Differences[i] = d
	}
	return out
}

// Strings renders the differences in order, highest level first.
func (r Result) Strings() []string {
	out := make([]string, len(r.Differences))
	for i, d := range r.Differences {
		out[i] = d.String()
	}
	return out
}

// Compare classifies every difference between the declared and stored sides.
// Differences come back ordered mismatch, then major, then minor.
func Compare(in Input) Result {
	var res Result
	var mismatches, majors, minors []Difference

	removed := missingFrom(in.Existing.ConfigurableFeatures, in.Declared.ConfigurableFeatures)
	added := missingFrom(in.Declared.ConfigurableFeatures, in.Existing.ConfigurableFeatures)
	if len(removed) > 0 || len(added) > 0 {
		res.FeaturesChanged = true
		inUse := false
		for _, f := range removed {
			ids := in.FeatureUse[f]
			if len(ids) == 0 {
				continue
			}
			inUse = true
			sorted := append([]int64(nil), ids...)
			sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
			mismatches = append(mismatches, Difference{
				Level:       Mismatch,
				Description: fmt.Sprintf("configurable feature %q is still in use by rules %v", f, sorted),
			})
		}
		switch {
		case inUse:
			// an in-use removal dominates any other feature reshaping
		case len(added) > 0:
			majors = append(majors, Difference{
				Level: Major,
				Description: fmt.Sprintf("change of configurable features from %v to %v",
					sortedCopy(in.Existing.ConfigurableFeatures), sortedCopy(in.Declared.ConfigurableFeatures)),
			})
		default:
			minors = append(minors, Difference{
				Level:       Minor,
				Description: fmt.Sprintf("removal of configurable features %v", removed),
			})
		}
	}

	switch settingtypes.Compare(in.Declared.Type, in.Existing.Type) {
	case settingtypes.Equal:
	case settingtypes.Subtype:
		res.TypeChanged = true
		minors = append(minors, Difference{
			Level:       Minor,
			Description: fmt.Sprintf("change of type from %s to subtype %s", in.Existing.Type, in.Declared.Type),
		})
	default:
		res.TypeChanged = true
		var bad []int64
		for _, r := range in.Rules {
			if !in.Declared.Type.Validate(r.Value) {
				bad = append(bad, r.ID)
			}
		}
		if len(bad) > 0 {
			sort.Slice(bad, func(i, j int) bool { return bad[i] < bad[j] })
			mismatches = append(mismatches, Difference{
				Level:       Mismatch,
				Description: fmt.Sprintf("setting type incompatible with values for rules: %v", bad),
			})
		} else {
			majors = append(majors, Difference{
				Level:       Major,
				Description: fmt.Sprintf("change of type from %s to %s", in.Existing.Type, in.Declared.Type),
			})
		}
	}

	if in.Declared.Name != in.Existing.Name {
		res.NameChanged = true
		minors = append(minors, Difference{
			Level:       Minor,
			Description: fmt.Sprintf("rename of setting from %s to %s", in.Existing.Name, in.Declared.Name),
		})
	}

	if in.Declared.HasDefault != in.Existing.HasDefault ||
		(in.Declared.HasDefault && !reflect.DeepEqual(in.Declared.Default, in.Existing.Default)) {
		res.DefaultChanged = true
		minors = append(minors, Difference{
			Level: Minor,
			Description: fmt.Sprintf("change of default value from %s to %s",
				jsonDisplay(in.Existing.Default), jsonDisplay(in.Declared.Default)),
		})
	}

	for _, k := range metadataKeys(in.Existing.Metadata, in.Declared.Metadata) {
		ev, eok := in.Existing.Metadata[k]
		dv, dok := in.Declared.Metadata[k]
		switch {
		case !eok:
			res.MetadataChanged = true
			minors = append(minors, Difference{
				Level:       Minor,
				Description: fmt.Sprintf("addition of metadata key %s with value %s", k, jsonDisplay(dv)),
			})
		case !dok:
			res.MetadataChanged = true
			minors = append(minors, Difference{Level: Minor, Description: fmt.Sprintf("removal of metadata key %s", k)})
		case !reflect.DeepEqual(ev, dv):
			res.MetadataChanged = true
			minors = append(minors, Difference{
				Level: Minor,
				Description: fmt.Sprintf("change of metadata key %s from %s to %s",
					k, jsonDisplay(ev), jsonDisplay(dv)),
			})
		}
	}

	res.Differences = make([]Difference, 0, len(mismatches)+len(majors)+len(minors))
	res.Differences = append(res.Differences, mismatches...)
	res.Differences = append(res.Differences, majors...)
	res.Differences = append(res.Differences, minors...)
	return res
}

// Decide resolves the outcome of declaring version req against a stored
// setting at version cur with the given comparison result.
func Decide(cur, req Version, res Result) Outcome {
	switch req.Compare(cur) {
	case -1:
		return OutcomeOutdated
	case 0:
		if len(res.Differences) == 0 {
			return OutcomeUpToDate
		}
		return OutcomeMismatch
	}
	switch {
	case res.MaxLevel() == Mismatch:
		return OutcomeRejected
	case res.MaxLevel() == Major && req.Major == cur.Major:
		return OutcomeRejected
	default:
		return OutcomeUpgraded
	}
}

// missingFrom returns the members of from that are absent in in, sorted.
func missingFrom(from, in []string) []string {
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

func sortedCopy(ss []string) []string {
	out := append([]string(nil), ss...)
	sort.Strings(out)
	return out
}

func metadataKeys(a, b map[string]any) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	var keys []string
	for k := range a {
		seen[k] = struct{}{}
		keys = append(keys, k)
	}
	for k := range b {
		if _, ok := seen[k]; !ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

func jsonDisplay(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}
