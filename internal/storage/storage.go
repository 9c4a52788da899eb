// Package storage provides storage interfaces and implementations for the
// settings service.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
)

// Common errors
var (
	ErrSettingNotFound        = errors.New("setting not found")
	ErrRuleNotFound           = errors.New("rule not found")
	ErrContextFeatureNotFound = errors.New("context feature not found")
	ErrContextFeatureExists   = errors.New("context feature already exists")
	ErrContextFeatureInUse    = errors.New("context feature is in use")
	ErrRuleExists             = errors.New("a rule with the same conditions already exists")
	ErrNameTaken              = errors.New("name is already in use by a setting or alias")
)

// ContextFeatureRecord represents a stored context feature and its position
// in the feature hierarchy.
type ContextFeatureRecord struct {
	Name  string `json:"name"`
	Index int    `json:"index"`
}

// SettingRecord represents a stored setting.
type SettingRecord struct {
	Name                 string          `json:"name"`
	Type                 string          `json:"type"`
	DefaultValue         json.RawMessage `json:"default_value"` // nil when the setting has no default
	ConfigurableFeatures []string        `json:"configurable_features"`
	Metadata             map[string]any  `json:"metadata,omitempty"`
	Aliases              []string        `json:"aliases,omitempty"`
	VersionMajor         int             `json:"-"`
	VersionMinor         int             `json:"-"`
}

// Version formats the stored version pair as "<major>.<minor>".
func (r *SettingRecord) Version() string {
	return strconv.Itoa(r.VersionMajor) + "." + strconv.Itoa(r.VersionMinor)
}

// RuleRecord represents a stored rule.
type RuleRecord struct {
	ID         int64             `json:"rule_id"`
	Setting    string            `json:"setting"`
	Value      json.RawMessage   `json:"value"`
	Conditions map[string]string `json:"context_features"`
	Metadata   map[string]any    `json:"metadata,omitempty"`
}

// SettingUpdate carries setting attributes to overwrite. Nil fields keep
// their stored value.
type SettingUpdate struct {
	Rename               *string
	Type                 *string
	DefaultValue         *json.RawMessage
	ConfigurableFeatures *[]string
	Metadata             *map[string]any
	VersionMajor         *int
	VersionMinor         *int
}

// Storage defines the interface for settings storage backends.
//
// Setting lookups by name resolve aliases: fetching a setting through any of
// its past names yields the record under its canonical name. Writes require
// the canonical name. Renaming keeps the old name as an alias.
type Storage interface {
	// Context feature operations. Features are kept contiguously indexed
	// from zero; removal compacts the indices and insertion shifts them.
	ListContextFeatures(ctx context.Context) ([]ContextFeatureRecord, error)
	GetContextFeature(ctx context.Context, name string) (*ContextFeatureRecord, error)
	AddContextFeature(ctx context.Context, name string) (int, error)
	DeleteContextFeature(ctx context.Context, name string) error
	MoveContextFeature(ctx context.Context, name string, index int) error
	SetContextFeatures(ctx context.Context, names []string) error

	// Setting operations
	CreateSetting(ctx context.Context, record *SettingRecord) error
	GetSetting(ctx context.Context, name string) (*SettingRecord, error)
	ListSettings(ctx context.Context) ([]*SettingRecord, error)
	UpdateSetting(ctx context.Context, name string, update SettingUpdate) error
	DeleteSetting(ctx context.Context, name string) error

	// Setting metadata operations
	UpdateSettingMetadata(ctx context.Context, name string, metadata map[string]any) error
	ReplaceSettingMetadata(ctx context.Context, name string, metadata map[string]any) error
	UpdateSettingMetadataKey(ctx context.Context, name, key string, value any) error
	DeleteSettingMetadataKey(ctx context.Context, name, key string) error

	// Rule operations
	CreateRule(ctx context.Context, record *RuleRecord) (int64, error)
	GetRule(ctx context.Context, id int64) (*RuleRecord, error)
	DeleteRule(ctx context.Context, id int64) error
	UpdateRuleValue(ctx context.Context, id int64, value json.RawMessage) error
	SearchRule(ctx context.Context, setting string, conditions map[string]string) (*RuleRecord, error)
	ListRules(ctx context.Context, setting string) ([]*RuleRecord, error)
	ListRulesForSettings(ctx context.Context, settings []string) (map[string][]*RuleRecord, error)

	// Rule metadata operations
	UpdateRuleMetadata(ctx context.Context, id int64, metadata map[string]any) error
	ReplaceRuleMetadata(ctx context.Context, id int64, metadata map[string]any) error
	UpdateRuleMetadataKey(ctx context.Context, id int64, key string, value any) error
	DeleteRuleMetadataKey(ctx context.Context, id int64, key string) error

	// Lifecycle
	Close() error
	IsHealthy(ctx context.Context) bool
}
