package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/biocatchltd/heksher/internal/storage"
)

// ContextFilter restricts which rules a query returns. With All set every
// rule passes. Otherwise a rule passes iff each of its conditions names a
// feature listed in Features and matches its values; a nil value slice
// accepts any value. A rule conditioning on an unlisted feature never
// passes.
type ContextFilter struct {
	All      bool
	Features map[string][]string
}

// Matches reports whether a rule with the given conditions passes the
// filter.
func (f ContextFilter) Matches(conditions map[string]string) bool {
	if f.All {
		return true
	}
	for feature, value := range conditions {
		values, ok := f.Features[feature]
		if !ok {
			return false
		}
		if values == nil {
			continue
		}
		found := false
		for _, v := range values {
			if v == value {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

var filterEntryPattern = regexp.MustCompile(`^([A-Za-z0-9_-]+):(\*|[A-Za-z0-9_-]+|\(([A-Za-z0-9_-]+(?:,[A-Za-z0-9_-]+)*)\))`)

// ParseContextFilters parses the context_filters query parameter: either the
// wildcard "*" or a comma-separated list of feature:value entries, where a
// value is a single name, "*" or a parenthesized name list such as
// "env:(dev,staging)". The empty string is a filter no conditioned rule can
// pass.
func ParseContextFilters(raw string) (ContextFilter, error) {
	if raw == "*" {
		return ContextFilter{All: true}, nil
	}
	if raw == "" {
		return ContextFilter{Features: map[string][]string{}}, nil
	}
	filter := ContextFilter{Features: make(map[string][]string)}
	rest := raw
	for {
		m := filterEntryPattern.FindStringSubmatch(rest)
		if m == nil {
			return ContextFilter{}, fmt.Errorf("invalid context filter near %q", rest)
		}
		feature := m[1]
		if _, dup := filter.Features[feature]; dup {
			return ContextFilter{}, fmt.Errorf("context name repeated in context filter: %s", feature)
		}
		switch {
		case m[2] == "*":
			filter.Features[feature] = nil
		case m[3] != "":
			filter.Features[feature] = strings.Split(m[3], ",")
		default:
			filter.Features[feature] = []string{m[2]}
		}
		rest = rest[len(m[0]):]
		if rest == "" {
			return filter, nil
		}
		if !strings.HasPrefix(rest, ",") {
			return ContextFilter{}, fmt.Errorf("invalid context filter near %q", rest)
		}
		rest = rest[1:]
	}
}

// MatchedRule is one rule accepted by a query.
type MatchedRule struct {
	Value json.RawMessage `json:"value"`

	// FeatureValues holds the rule's conditions as [feature, value] pairs
	// ordered by the feature hierarchy.
	FeatureValues [][2]string `json:"feature_values"`

	ID       int64          `json:"rule_id"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// QueriedSetting groups the matched rules of one setting with its default
// value.
type QueriedSetting struct {
	Rules        []MatchedRule   `json:"rules"`
	DefaultValue json.RawMessage `json:"default_value"`
}

// Query returns, per setting, the rules passing the filter. An empty
// settings list queries every setting; named settings may be aliases and
// resolve to their canonical names in the result.
func (r *Registry) Query(ctx context.Context, settings []string, filter ContextFilter, includeMetadata bool) (map[string]QueriedSetting, error) {
	var records []*storage.SettingRecord
	if len(settings) == 0 {
		all, err := r.storage.ListSettings(ctx)
		if err != nil {
			return nil, err
		}
		records = all
	} else {
		seen := make(map[string]struct{}, len(settings))
		var unknown []string
		for _, name := range settings {
			rec, err := r.storage.GetSetting(ctx, name)
			if errors.Is(err, storage.ErrSettingNotFound) {
				unknown = append(unknown, name)
				continue
			}
			if err != nil {
				return nil, err
			}
			if _, dup := seen[rec.Name]; dup {
				continue
			}
			seen[rec.Name] = struct{}{}
			records = append(records, rec)
		}
		if len(unknown) > 0 {
			return nil, &UnknownSettingsError{Names: unknown}
		}
	}

	_, ordered, err := r.featureIndexes(ctx)
	if err != nil {
		return nil, err
	}

	queried := make([]string, len(records))
	for i, rec := range records {
		queried[i] = rec.Name
	}
	rulesBySetting, err := r.storage.ListRulesForSettings(ctx, queried)
	if err != nil {
		return nil, err
	}

	out := make(map[string]QueriedSetting, len(records))
	for _, rec := range records {
		matched := make([]MatchedRule, 0, len(rulesBySetting[rec.Name]))
		for _, rule := range rulesBySetting[rec.Name] {
			if !filter.Matches(rule.Conditions) {
				continue
			}
			pairs := make([][2]string, 0, len(rule.Conditions))
			for _, feature := range ordered {
				if value, ok := rule.Conditions[feature]; ok {
					pairs = append(pairs, [2]string{feature, value})
				}
			}
			m := MatchedRule{ID: rule.ID, Value: rule.Value, FeatureValues: pairs}
			if includeMetadata {
				m.Metadata = rule.Metadata
			}
			matched = append(matched, m)
		}
		sort.Slice(matched, func(i, j int) bool { return matched[i].ID < matched[j].ID })
		out[rec.Name] = QueriedSetting{Rules: matched, DefaultValue: rec.DefaultValue}
	}
	return out, nil
}
