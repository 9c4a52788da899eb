package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/biocatchltd/heksher/internal/api/types"
	"github.com/biocatchltd/heksher/internal/registry"
)

// QueryRules handles GET /api/v1/query
// Returns the matching rules and default value for each requested setting.
// An empty or absent settings parameter queries all settings. The response
// carries a strong ETag so clients can poll with If-None-Match.
func (h *Handler) QueryRules(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	var settings []string
	if raw := query.Get("settings"); raw != "" {
		for _, name := range strings.Split(raw, ",") {
			if name != "" {
				settings = append(settings, name)
			}
		}
	}

	rawFilters := "*"
	if query.Has("context_filters") {
		rawFilters = query.Get("context_filters")
	}
	filter, err := registry.ParseContextFilters(rawFilters)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, types.ErrorCodeValidation, err.Error())
		return
	}

	includeMetadata := false
	if raw := query.Get("include_metadata"); raw != "" {
		includeMetadata, err = strconv.ParseBool(raw)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, types.ErrorCodeValidation,
				"include_metadata must be a boolean")
			return
		}
	}

	result, err := h.registry.Query(r.Context(), settings, filter, includeMetadata)
	if err != nil {
		writeRegistryError(w, err)
		return
	}

	h.recordQuery()
	writeJSONETag(w, r, http.StatusOK, types.QueryResponse{Settings: result})
}

// QueryRulesLegacy handles POST /api/v1/rules/query
// Kept for old clients. The body names settings explicitly and filters with
// context_features_options; settings left unnamed are not returned, and no
// default values are reported.
func (h *Handler) QueryRulesLegacy(w http.ResponseWriter, r *http.Request) {
	var req types.LegacyQueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, types.ErrorCodeValidation, "request body is not valid JSON")
		return
	}

	if req.CacheTime != "" {
		if err := validateCacheTime(req.CacheTime); err != nil {
			writeError(w, http.StatusUnprocessableEntity, types.ErrorCodeValidation, err.Error())
			return
		}
	}

	filter, err := decodeLegacyFilter(req.ContextFeaturesOptions)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, types.ErrorCodeValidation, err.Error())
		return
	}

	if len(req.SettingNames) == 0 {
		writeJSON(w, http.StatusOK, types.LegacyQueryResponse{Rules: map[string][]types.LegacyQueryRule{}})
		return
	}

	if !filter.All {
		known, err := h.registry.ListContextFeatures(r.Context())
		if err != nil {
			writeRegistryError(w, err)
			return
		}
		valid := make(map[string]bool, len(known))
		for _, name := range known {
			valid[name] = true
		}
		var unknown []string
		for name := range filter.Features {
			if !valid[name] {
				unknown = append(unknown, name)
			}
		}
		if len(unknown) > 0 {
			sort.Strings(unknown)
			writeError(w, http.StatusNotFound, types.ErrorCodeContextFeatureNotFound,
				fmt.Sprintf("the following are not valid context features: %v", unknown))
			return
		}
	}

	result, err := h.registry.Query(r.Context(), req.SettingNames, filter, req.IncludeMetadata)
	if err != nil {
		writeRegistryError(w, err)
		return
	}

	h.recordQuery()
	rules := make(map[string][]types.LegacyQueryRule, len(result))
	for name, setting := range result {
		converted := make([]types.LegacyQueryRule, 0, len(setting.Rules))
		for _, rule := range setting.Rules {
			converted = append(converted, types.LegacyQueryRule{
				Value:           rule.Value,
				ContextFeatures: rule.FeatureValues,
				RuleID:          rule.ID,
				Metadata:        rule.Metadata,
			})
		}
		rules[name] = converted
	}
	writeJSON(w, http.StatusOK, types.LegacyQueryResponse{Rules: rules})
}

// validateCacheTime rejects cache_time values the legacy endpoint never
// accepted: timezone-aware stamps and stamps in the future.
func validateCacheTime(raw string) error {
	if _, err := time.Parse(time.RFC3339, raw); err == nil {
		return fmt.Errorf("cannot accept datetime with timezone")
	}
	t, err := time.Parse("2006-01-02T15:04:05.999999999", raw)
	if err != nil {
		return fmt.Errorf("invalid cache_time: %s", raw)
	}
	if t.After(time.Now().UTC()) {
		return fmt.Errorf("got cache time in the future")
	}
	return nil
}

// decodeLegacyFilter converts a context_features_options document into a
// context filter. The document is either the string "*" or a map from
// feature name to "*" or a non-empty list of values.
func decodeLegacyFilter(raw json.RawMessage) (registry.ContextFilter, error) {
	if len(raw) == 0 {
		return registry.ContextFilter{}, fmt.Errorf("context_features_options is required")
	}

	var all string
	if err := json.Unmarshal(raw, &all); err == nil {
		if all == "*" {
			return registry.ContextFilter{All: true}, nil
		}
		return registry.ContextFilter{}, fmt.Errorf("invalid context_features_options %q", all)
	}

	var options map[string]json.RawMessage
	if err := json.Unmarshal(raw, &options); err != nil {
		return registry.ContextFilter{}, fmt.Errorf(`context_features_options must be a map or "*"`)
	}

	filter := registry.ContextFilter{Features: make(map[string][]string, len(options))}
	for feature, rawValue := range options {
		var star string
		if err := json.Unmarshal(rawValue, &star); err == nil {
			if star != "*" {
				return registry.ContextFilter{}, fmt.Errorf("invalid option %q for context feature %s", star, feature)
			}
			filter.Features[feature] = nil
			continue
		}
		var values []string
		if err := json.Unmarshal(rawValue, &values); err != nil {
			return registry.ContextFilter{}, fmt.Errorf("invalid options for context feature %s", feature)
		}
		if len(values) == 0 {
			return registry.ContextFilter{}, fmt.Errorf("cannot accept an empty option")
		}
		filter.Features[feature] = values
	}
	return filter, nil
}
