package declaration

import (
	"strings"
	"testing"

	"github.com/biocatchltd/heksher/internal/settingtypes"
)

func baseSnapshot() Snapshot {
	return Snapshot{
		Name:                 "cache_ttl",
		Type:                 settingtypes.Int,
		Default:              float64(60),
		HasDefault:           true,
		ConfigurableFeatures: []string{"env", "trust"},
		Metadata:             map[string]any{"owner": "infra"},
		Version:              Version{1, 0},
	}
}

func TestCompareIdentical(t *testing.T) {
	res := Compare(Input{Existing: baseSnapshot(), Declared: baseSnapshot()})
	if len(res.Differences) != 0 {
		t.Fatalf("Expected no differences, got %v", res.Strings())
	}
	if res.MaxLevel() != Minor {
		t.Errorf("Expected Minor max level for empty result, got %v", res.MaxLevel())
	}
}

func TestCompareMinorDifferences(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(*Snapshot)
		contains string
	}{
		{
			"default changed",
			func(s *Snapshot) { s.Default = float64(120) },
			"change of default value from 60 to 120",
		},
		{
			"renamed",
			func(s *Snapshot) { s.Name = "cache_timeout" },
			"rename of setting from cache_ttl to cache_timeout",
		},
		{
			"type narrowed",
			func(s *Snapshot) { s.Type = settingtypes.Int },
			"change of type from float to subtype int",
		},
		{
			"metadata key added",
			func(s *Snapshot) { s.Metadata = map[string]any{"owner": "infra", "team": "core"} },
			`addition of metadata key team with value "core"`,
		},
		{
			"metadata key removed",
			func(s *Snapshot) { s.Metadata = map[string]any{} },
			"removal of metadata key owner",
		},
		{
			"metadata key changed",
			func(s *Snapshot) { s.Metadata = map[string]any{"owner": "platform"} },
			`change of metadata key owner from "infra" to "platform"`,
		},
		{
			"unused feature removed",
			func(s *Snapshot) { s.ConfigurableFeatures = []string{"env"} },
			"removal of configurable features [trust]",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			existing := baseSnapshot()
			declared := baseSnapshot()
			if tt.name == "type narrowed" {
				existing.Type = settingtypes.Float
			}
			tt.mutate(&declared)

			res := Compare(Input{Existing: existing, Declared: declared})
			if len(res.Differences) == 0 {
				t.Fatal("Expected differences, got none")
			}
			if res.MaxLevel() != Minor {
				t.Errorf("Expected Minor, got %v: %v", res.MaxLevel(), res.Strings())
			}
			found := false
			for _, d := range res.Differences {
				if strings.Contains(d.Description, tt.contains) {
					found = true
				}
			}
			if !found {
				t.Errorf("Expected a difference containing %q, got %v", tt.contains, res.Strings())
			}
		})
	}
}

func TestCompareTypeWidenedIsMajor(t *testing.T) {
	existing := baseSnapshot()
	declared := baseSnapshot()
	declared.Type = settingtypes.Float

	rules := []RuleValue{{ID: 1, Value: float64(10)}, {ID: 2, Value: float64(20)}}
	res := Compare(Input{Existing: existing, Declared: declared, Rules: rules})

	if res.MaxLevel() != Major {
		t.Fatalf("Expected Major, got %v: %v", res.MaxLevel(), res.Strings())
	}
	if !res.TypeChanged {
		t.Error("Expected TypeChanged")
	}
	if got := res.Differences[0].String(); got != "major: change of type from int to float" {
		t.Errorf("Unexpected difference: %s", got)
	}
}

func TestCompareTypeIncompatibleWithRules(t *testing.T) {
	existing := baseSnapshot()
	existing.Type = settingtypes.Str
	declared := baseSnapshot()
	declared.Type = settingtypes.MustParse(`Enum["a","b"]`)

	rules := []RuleValue{
		{ID: 7, Value: "a"},
		{ID: 9, Value: "z"},
		{ID: 3, Value: "zz"},
	}
	res := Compare(Input{Existing: existing, Declared: declared, Rules: rules})

	if res.MaxLevel() != Mismatch {
		t.Fatalf("Expected Mismatch, got %v: %v", res.MaxLevel(), res.Strings())
	}
	want := "mismatch: setting type incompatible with values for rules: [3 9]"
	if got := res.Differences[0].String(); got != want {
		t.Errorf("Expected %q, got %q", want, got)
	}
}

func TestCompareFeatureAdditionIsMajor(t *testing.T) {
	existing := baseSnapshot()
	declared := baseSnapshot()
	declared.ConfigurableFeatures = []string{"env", "trust", "user"}

	res := Compare(Input{Existing: existing, Declared: declared})
	if res.MaxLevel() != Major {
		t.Fatalf("Expected Major, got %v: %v", res.MaxLevel(), res.Strings())
	}
	if !res.FeaturesChanged {
		t.Error("Expected FeaturesChanged")
	}
	if got := res.Differences[0].Description; got != "change of configurable features from [env trust] to [env trust user]" {
		t.Errorf("Unexpected description: %s", got)
	}
}

func TestCompareInUseFeatureRemovalIsMismatch(t *testing.T) {
	existing := baseSnapshot()
	declared := baseSnapshot()
	declared.ConfigurableFeatures = []string{"env"}

	res := Compare(Input{
		Existing:   existing,
		Declared:   declared,
		FeatureUse: map[string][]int64{"trust": {12, 4}},
	})
	if res.MaxLevel() != Mismatch {
		t.Fatalf("Expected Mismatch, got %v: %v", res.MaxLevel(), res.Strings())
	}
	want := `mismatch: configurable feature "trust" is still in use by rules [4 12]`
	if got := res.Differences[0].String(); got != want {
		t.Errorf("Expected %q, got %q", want, got)
	}
}

func TestCompareOrdersDifferencesByLevel(t *testing.T) {
	existing := baseSnapshot()
	declared := baseSnapshot()
	declared.ConfigurableFeatures = []string{"env", "user"}
	declared.Default = float64(5)
	declared.Metadata = map[string]any{"owner": "core"}

	res := Compare(Input{
		Existing:   existing,
		Declared:   declared,
		FeatureUse: map[string][]int64{"trust": {2}},
	})

	if len(res.Differences) < 3 {
		t.Fatalf("Expected at least 3 differences, got %v", res.Strings())
	}
	last := Mismatch
	for _, d := range res.Differences {
		if d.Level > last {
			t.Fatalf("Differences out of order: %v", res.Strings())
		}
		last = d.Level
	}
	if res.Differences[0].Level != Mismatch {
		t.Errorf("Expected mismatch first, got %v", res.Differences[0])
	}
}

func TestEscalated(t *testing.T) {
	res := Result{Differences: []Difference{
		{Minor, "renamed"},
		{Major, "type changed"},
	}}
	up := res.Escalated(Mismatch)
	for _, d := range up.Differences {
		if d.Level != Mismatch {
			t.Errorf("Expected mismatch, got %v", d)
		}
	}
	// the original result is untouched
	if res.Differences[0].Level != Minor {
		t.Error("Escalated mutated its receiver")
	}
}

func TestDecide(t *testing.T) {
	minor := Result{Differences: []Difference{{Minor, "renamed"}}}
	major := Result{Differences: []Difference{{Major, "type changed"}}}
	mismatch := Result{Differences: []Difference{{Mismatch, "feature in use"}}}

	tests := []struct {
		name string
		cur  Version
		req  Version
		res  Result
		want Outcome
	}{
		{"older declaration", Version{2, 0}, Version{1, 5}, minor, OutcomeOutdated},
		{"older by minor", Version{1, 2}, Version{1, 1}, Result{}, OutcomeOutdated},
		{"same version no diff", Version{1, 0}, Version{1, 0}, Result{}, OutcomeUpToDate},
		{"same version with diff", Version{1, 0}, Version{1, 0}, minor, OutcomeMismatch},
		{"minor bump minor diff", Version{1, 0}, Version{1, 1}, minor, OutcomeUpgraded},
		{"minor bump no diff", Version{1, 0}, Version{1, 1}, Result{}, OutcomeUpgraded},
		{"minor bump major diff", Version{1, 0}, Version{1, 1}, major, OutcomeRejected},
		{"major bump major diff", Version{1, 0}, Version{2, 0}, major, OutcomeUpgraded},
		{"major bump minor diff", Version{1, 0}, Version{2, 0}, minor, OutcomeUpgraded},
		{"major bump mismatch", Version{1, 0}, Version{2, 0}, mismatch, OutcomeRejected},
		{"minor bump mismatch", Version{1, 0}, Version{1, 1}, mismatch, OutcomeRejected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Decide(tt.cur, tt.req, tt.res); got != tt.want {
				t.Errorf("Decide(%v, %v) = %s, want %s", tt.cur, tt.req, got, tt.want)
			}
		})
	}
}

func TestOutcomeAccepted(t *testing.T) {
	accepted := []Outcome{OutcomeCreated, OutcomeUpToDate, OutcomeUpgraded, OutcomeOutdated}
	for _, o := range accepted {
		if !o.Accepted() {
			t.Errorf("Expected %s to be accepted", o)
		}
	}
	for _, o := range []Outcome{OutcomeRejected, OutcomeMismatch} {
		if o.Accepted() {
			t.Errorf("Expected %s to be a conflict", o)
		}
	}
}
