// Package types provides API request and response types.
package types

import (
	"encoding/json"

	"github.com/biocatchltd/heksher/internal/registry"
)

// ContextFeaturesResponse is the response for listing context features.
type ContextFeaturesResponse struct {
	ContextFeatures []string `json:"context_features"`
}

// ContextFeatureIndexResponse is the response for getting a context feature.
type ContextFeatureIndexResponse struct {
	Index int `json:"index"`
}

// AddContextFeatureRequest is the request body for adding a context feature.
type AddContextFeatureRequest struct {
	ContextFeature string `json:"context_feature"`
}

// MoveContextFeatureRequest is the request body for repositioning a context
// feature. Exactly one of ToBefore and ToAfter must be set.
type MoveContextFeatureRequest struct {
	ToBefore string `json:"to_before,omitempty"`
	ToAfter  string `json:"to_after,omitempty"`
}

// DeclareSettingRequest is the request body for declaring a setting.
type DeclareSettingRequest struct {
	Name                 string          `json:"name"`
	Type                 string          `json:"type"`
	DefaultValue         json.RawMessage `json:"default_value,omitempty"`
	ConfigurableFeatures []string        `json:"configurable_features"`
	Metadata             map[string]any  `json:"metadata,omitempty"`
	Alias                string          `json:"alias,omitempty"`
	Version              string          `json:"version,omitempty"`
}

// DeclareSettingResponse is the response for declaring a setting.
type DeclareSettingResponse struct {
	Outcome         string   `json:"outcome"`
	PreviousVersion string   `json:"previous_version,omitempty"`
	LatestVersion   string   `json:"latest_version,omitempty"`
	Differences     []string `json:"differences,omitempty"`
}

// SettingResponse is the response for getting a setting.
type SettingResponse struct {
	Name                 string          `json:"name"`
	ConfigurableFeatures []string        `json:"configurable_features"`
	Type                 string          `json:"type"`
	DefaultValue         json.RawMessage `json:"default_value"`
	Metadata             map[string]any  `json:"metadata"`
	Aliases              []string        `json:"aliases"`
	Version              string          `json:"version"`
}

// SettingListItem is a setting in the plain list response.
type SettingListItem struct {
	Name string `json:"name"`
}

// SettingsListResponse is the response for listing settings.
type SettingsListResponse struct {
	Settings []SettingListItem `json:"settings"`
}

// SettingsListWithDataResponse is the response for listing settings with
// include_additional_data set.
type SettingsListWithDataResponse struct {
	Settings []SettingResponse `json:"settings"`
}

// RenameSettingRequest is the request body for renaming a setting.
type RenameSettingRequest struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// UpdateSettingTypeRequest is the request body for changing a setting's type.
type UpdateSettingTypeRequest struct {
	Type    string `json:"type"`
	Version string `json:"version"`
}

// UpdateConfigurableFeaturesRequest is the request body for replacing the
// context features a setting can be configured by.
type UpdateConfigurableFeaturesRequest struct {
	ConfigurableFeatures []string `json:"configurable_features"`
	Version              string   `json:"version"`
}

// AddRuleRequest is the request body for creating a rule.
type AddRuleRequest struct {
	Setting       string            `json:"setting"`
	FeatureValues map[string]string `json:"feature_values"`
	Value         json.RawMessage   `json:"value"`
	Metadata      map[string]any    `json:"metadata,omitempty"`
}

// RuleIDResponse carries a rule id, returned by create and search.
type RuleIDResponse struct {
	RuleID int64 `json:"rule_id"`
}

// RuleResponse is the response for getting a rule. FeatureValues holds the
// rule's conditions as [feature, value] pairs in hierarchy order.
type RuleResponse struct {
	Setting       string          `json:"setting"`
	Value         json.RawMessage `json:"value"`
	FeatureValues [][2]string     `json:"feature_values"`
	Metadata      map[string]any  `json:"metadata"`
}

// UpdateRuleValueRequest is the request body for changing a rule's value.
type UpdateRuleValueRequest struct {
	Value json.RawMessage `json:"value"`
}

// MetadataResponse is the response for reading a metadata document.
type MetadataResponse struct {
	Metadata map[string]any `json:"metadata"`
}

// MetadataRequest is the request body for merging or replacing metadata.
type MetadataRequest struct {
	Metadata map[string]any `json:"metadata"`
}

// MetadataKeyRequest is the request body for setting a single metadata key.
type MetadataKeyRequest struct {
	Value any `json:"value"`
}

// QueryResponse is the response for the query endpoint.
type QueryResponse struct {
	Settings map[string]registry.QueriedSetting `json:"settings"`
}

// LegacyQueryRequest is the request body for the deprecated body-based query
// endpoint. ContextFeaturesOptions is either the string "*" or a map of
// feature name to "*" or a non-empty value list.
type LegacyQueryRequest struct {
	SettingNames           []string        `json:"setting_names"`
	ContextFeaturesOptions json.RawMessage `json:"context_features_options"`
	CacheTime              string          `json:"cache_time,omitempty"`
	IncludeMetadata        bool            `json:"include_metadata,omitempty"`
}

// LegacyQueryRule is one rule in the deprecated query response. The condition
// pairs keep their historical context_features key.
type LegacyQueryRule struct {
	Value           json.RawMessage `json:"value"`
	ContextFeatures [][2]string     `json:"context_features"`
	RuleID          int64           `json:"rule_id"`
	Metadata        map[string]any  `json:"metadata,omitempty"`
}

// LegacyQueryResponse is the response for the deprecated query endpoint.
type LegacyQueryResponse struct {
	Rules map[string][]LegacyQueryRule `json:"rules"`
}

// HealthResponse is the response for the health endpoint.
type HealthResponse struct {
	Version string `json:"version"`
}

// ConflictResponse reports why a state-changing request could not be
// applied, one entry per offending value or constraint.
type ConflictResponse struct {
	Conflicts []string `json:"conflicts"`
}

// ErrorResponse is the error response format.
type ErrorResponse struct {
	ErrorCode int    `json:"error_code"`
	Message   string `json:"message"`
}

// Error codes grouped by status family.
const (
	ErrorCodeSettingNotFound        = 40401
	ErrorCodeRuleNotFound           = 40402
	ErrorCodeContextFeatureNotFound = 40403

	ErrorCodeRuleExists           = 40901
	ErrorCodeContextFeatureExists = 40902
	ErrorCodeContextFeatureInUse  = 40903
	ErrorCodeNameTaken            = 40904

	ErrorCodeValidation = 42201

	ErrorCodeInternalServerError = 50001
	ErrorCodeDocOnly             = 50002
)
