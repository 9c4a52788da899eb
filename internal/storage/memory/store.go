// Package memory provides an in-memory storage implementation.
package memory

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/biocatchltd/heksher/internal/storage"
)

// Store implements the storage.Storage interface using in-memory data structures.
type Store struct {
	mu sync.RWMutex

	// features holds context feature names in hierarchy order; the slice
	// index is the feature index
	features []string

	// settings stores setting records by canonical name
	settings map[string]*storage.SettingRecord

	// aliases maps every past setting name to its canonical name
	aliases map[string]string

	// rules stores rule records by id
	rules map[int64]*storage.RuleRecord

	// settingRules holds rule ids per canonical setting name, in creation order
	settingRules map[string][]int64

	// nextRuleID is the next rule id to assign
	nextRuleID int64
}

// NewStore creates a new in-memory store.
func NewStore() *Store {
	return &Store{
		settings:     make(map[string]*storage.SettingRecord),
		aliases:      make(map[string]string),
		rules:        make(map[int64]*storage.RuleRecord),
		settingRules: make(map[string][]int64),
		nextRuleID:   1,
	}
}

// ListContextFeatures returns all context features in hierarchy order.
func (s *Store) ListContextFeatures(ctx context.Context) ([]storage.ContextFeatureRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := make([]storage.ContextFeatureRecord, len(s.features))
	for i, name := range s.features {
		records[i] = storage.ContextFeatureRecord{Name: name, Index: i}
	}
	return records, nil
}

// GetContextFeature retrieves a single context feature by name.
func (s *Store) GetContextFeature(ctx context.Context, name string) (*storage.ContextFeatureRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i, f := range s.features {
		if f == name {
			return &storage.ContextFeatureRecord{Name: name, Index: i}, nil
		}
	}
	return nil, storage.ErrContextFeatureNotFound
}

// AddContextFeature appends a context feature at the end of the hierarchy
// and returns its index.
func (s *Store) AddContextFeature(ctx context.Context, name string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, f := range s.features {
		if f == name {
			return 0, storage.ErrContextFeatureExists
		}
	}
	s.features = append(s.features, name)
	return len(s.features) - 1, nil
}

// DeleteContextFeature removes a context feature. The feature must not be
// configurable for any setting nor conditioned on by any rule.
func (s *Store) DeleteContextFeature(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pos := -1
	for i, f := range s.features {
		if f == name {
			pos = i
			break
		}
	}
	if pos == -1 {
		return storage.ErrContextFeatureNotFound
	}

	for _, rec := range s.settings {
		for _, f := range rec.ConfigurableFeatures {
			if f == name {
				return storage.ErrContextFeatureInUse
			}
		}
	}
	for _, rule := range s.rules {
		if _, ok := rule.Conditions[name]; ok {
			return storage.ErrContextFeatureInUse
		}
	}

	s.features = append(s.features[:pos], s.features[pos+1:]...)
	return nil
}

// MoveContextFeature repositions a context feature at the given index,
// where the index is interpreted against the hierarchy with the feature
// already removed.
func (s *Store) MoveContextFeature(ctx context.Context, name string, index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pos := -1
	for i, f := range s.features {
		if f == name {
			pos = i
			break
		}
	}
	if pos == -1 {
		return storage.ErrContextFeatureNotFound
	}

	rest := append(append([]string(nil), s.features[:pos]...), s.features[pos+1:]...)
	if index < 0 {
		index = 0
	}
	if index > len(rest) {
		index = len(rest)
	}
	s.features = append(rest[:index:index], append([]string{name}, rest[index:]...)...)
	return nil
}

// SetContextFeatures replaces the whole feature hierarchy.
func (s *Store) SetContextFeatures(ctx context.Context, names []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.features = append([]string(nil), names...)
	return nil
}

// CreateSetting stores a new setting record.
func (s *Store) CreateSetting(ctx context.Context, record *storage.SettingRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.nameTaken(record.Name) {
		return storage.ErrNameTaken
	}
	for _, alias := range record.Aliases {
		if s.nameTaken(alias) {
			return storage.ErrNameTaken
		}
	}

	rec := cloneSetting(record)
	s.settings[rec.Name] = rec
	for _, alias := range rec.Aliases {
		s.aliases[alias] = rec.Name
	}
	return nil
}

// GetSetting retrieves a setting by canonical name or alias.
func (s *Store) GetSetting(ctx context.Context, name string) (*storage.SettingRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, err := s.lookup(name)
	if err != nil {
		return nil, err
	}
	return cloneSetting(rec), nil
}

// ListSettings returns all settings ordered by canonical name.
func (s *Store) ListSettings(ctx context.Context) ([]*storage.SettingRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.settings))
	for name := range s.settings {
		names = append(names, name)
	}
	sort.Strings(names)

	records := make([]*storage.SettingRecord, len(names))
	for i, name := range names {
		records[i] = cloneSetting(s.settings[name])
	}
	return records, nil
}

// UpdateSetting overwrites the attributes carried by update. The name must
// be canonical.
func (s *Store) UpdateSetting(ctx context.Context, name string, update storage.SettingUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.settings[name]
	if !ok {
		return storage.ErrSettingNotFound
	}

	if update.Rename != nil && *update.Rename != name {
		newName := *update.Rename
		if canonical, ok := s.aliases[newName]; ok && canonical != name {
			return storage.ErrNameTaken
		}
		if _, ok := s.settings[newName]; ok {
			return storage.ErrNameTaken
		}
		s.rename(rec, newName)
	}

	if update.Type != nil {
		rec.Type = *update.Type
	}
	if update.DefaultValue != nil {
		rec.DefaultValue = append(json.RawMessage(nil), (*update.DefaultValue)...)
	}
	if update.ConfigurableFeatures != nil {
		rec.ConfigurableFeatures = append([]string(nil), (*update.ConfigurableFeatures)...)
	}
	if update.Metadata != nil {
		rec.Metadata = cloneMetadata(*update.Metadata)
	}
	if update.VersionMajor != nil {
		rec.VersionMajor = *update.VersionMajor
	}
	if update.VersionMinor != nil {
		rec.VersionMinor = *update.VersionMinor
	}
	return nil
}

// rename moves rec under newName, keeping the old name as an alias. If the
// new name was one of the setting's aliases it is promoted back to canonical.
func (s *Store) rename(rec *storage.SettingRecord, newName string) {
	oldName := rec.Name

	aliases := []string{oldName}
	for _, a := range rec.Aliases {
		if a != newName {
			aliases = append(aliases, a)
		}
	}
	sort.Strings(aliases)
	rec.Aliases = aliases
	rec.Name = newName

	delete(s.settings, oldName)
	s.settings[newName] = rec
	delete(s.aliases, newName)
	for alias, canonical := range s.aliases {
		if canonical == oldName {
			s.aliases[alias] = newName
		}
	}
	s.aliases[oldName] = newName

	s.settingRules[newName] = s.settingRules[oldName]
	delete(s.settingRules, oldName)
	for _, id := range s.settingRules[newName] {
		s.rules[id].Setting = newName
	}
}

// DeleteSetting removes a setting, its aliases and all its rules. The name
// must be canonical.
func (s *Store) DeleteSetting(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.settings[name]; !ok {
		return storage.ErrSettingNotFound
	}

	for _, id := range s.settingRules[name] {
		delete(s.rules, id)
	}
	delete(s.settingRules, name)
	for alias, canonical := range s.aliases {
		if canonical == name {
			delete(s.aliases, alias)
		}
	}
	delete(s.settings, name)
	return nil
}

// UpdateSettingMetadata merges the given keys into the setting's metadata.
func (s *Store) UpdateSettingMetadata(ctx context.Context, name string, metadata map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.settings[name]
	if !ok {
		return storage.ErrSettingNotFound
	}
	if rec.Metadata == nil {
		rec.Metadata = make(map[string]any, len(metadata))
	}
	for k, v := range metadata {
		rec.Metadata[k] = v
	}
	return nil
}

// ReplaceSettingMetadata replaces the setting's metadata wholesale.
func (s *Store) ReplaceSettingMetadata(ctx context.Context, name string, metadata map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.settings[name]
	if !ok {
		return storage.ErrSettingNotFound
	}
	rec.Metadata = cloneMetadata(metadata)
	return nil
}

// UpdateSettingMetadataKey sets a single metadata key.
func (s *Store) UpdateSettingMetadataKey(ctx context.Context, name, key string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.settings[name]
	if !ok {
		return storage.ErrSettingNotFound
	}
	if rec.Metadata == nil {
		rec.Metadata = make(map[string]any, 1)
	}
	rec.Metadata[key] = value
	return nil
}

// DeleteSettingMetadataKey removes a single metadata key. Removing an absent
// key is not an error.
func (s *Store) DeleteSettingMetadataKey(ctx context.Context, name, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.settings[name]
	if !ok {
		return storage.ErrSettingNotFound
	}
	delete(rec.Metadata, key)
	return nil
}

// CreateRule stores a new rule and returns its id. The setting must exist
// and no rule with the same conditions may exist for it.
func (s *Store) CreateRule(ctx context.Context, record *storage.RuleRecord) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.settings[record.Setting]; !ok {
		return 0, storage.ErrSettingNotFound
	}
	for _, id := range s.settingRules[record.Setting] {
		if equalConditions(s.rules[id].Conditions, record.Conditions) {
			return 0, storage.ErrRuleExists
		}
	}

	rec := cloneRule(record)
	rec.ID = s.nextRuleID
	s.nextRuleID++
	s.rules[rec.ID] = rec
	s.settingRules[rec.Setting] = append(s.settingRules[rec.Setting], rec.ID)
	record.ID = rec.ID
	return rec.ID, nil
}

// GetRule retrieves a rule by id.
func (s *Store) GetRule(ctx context.Context, id int64) (*storage.RuleRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.rules[id]
	if !ok {
		return nil, storage.ErrRuleNotFound
	}
	return cloneRule(rec), nil
}

// DeleteRule removes a rule by id.
func (s *Store) DeleteRule(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.rules[id]
	if !ok {
		return storage.ErrRuleNotFound
	}
	delete(s.rules, id)

	ids := s.settingRules[rec.Setting]
	for i, rid := range ids {
		if rid == id {
			s.settingRules[rec.Setting] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	return nil
}

// UpdateRuleValue overwrites the value of a rule.
func (s *Store) UpdateRuleValue(ctx context.Context, id int64, value json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.rules[id]
	if !ok {
		return storage.ErrRuleNotFound
	}
	rec.Value = append(json.RawMessage(nil), value...)
	return nil
}

// SearchRule finds the rule of a setting with exactly the given conditions.
func (s *Store) SearchRule(ctx context.Context, setting string, conditions map[string]string) (*storage.RuleRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.settings[setting]; !ok {
		return nil, storage.ErrSettingNotFound
	}
	for _, id := range s.settingRules[setting] {
		if equalConditions(s.rules[id].Conditions, conditions) {
			return cloneRule(s.rules[id]), nil
		}
	}
	return nil, storage.ErrRuleNotFound
}

// ListRules returns all rules of a setting in creation order.
func (s *Store) ListRules(ctx context.Context, setting string) ([]*storage.RuleRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.settings[setting]; !ok {
		return nil, storage.ErrSettingNotFound
	}
	ids := s.settingRules[setting]
	records := make([]*storage.RuleRecord, 0, len(ids))
	for _, id := range ids {
		records = append(records, cloneRule(s.rules[id]))
	}
	return records, nil
}

// ListRulesForSettings returns the rules of each named setting. Unknown
// settings are skipped.
func (s *Store) ListRulesForSettings(ctx context.Context, settings []string) (map[string][]*storage.RuleRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string][]*storage.RuleRecord, len(settings))
	for _, name := range settings {
		if _, ok := s.settings[name]; !ok {
			continue
		}
		ids := s.settingRules[name]
		records := make([]*storage.RuleRecord, 0, len(ids))
		for _, id := range ids {
			records = append(records, cloneRule(s.rules[id]))
		}
		out[name] = records
	}
	return out, nil
}

// UpdateRuleMetadata merges the given keys into the rule's metadata.
func (s *Store) UpdateRuleMetadata(ctx context.Context, id int64, metadata map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.rules[id]
	if !ok {
		return storage.ErrRuleNotFound
	}
	if rec.Metadata == nil {
		rec.Metadata = make(map[string]any, len(metadata))
	}
	for k, v := range metadata {
		rec.Metadata[k] = v
	}
	return nil
}

// ReplaceRuleMetadata replaces the rule's metadata wholesale.
func (s *Store) ReplaceRuleMetadata(ctx context.Context, id int64, metadata map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.rules[id]
	if !ok {
		return storage.ErrRuleNotFound
	}
	rec.Metadata = cloneMetadata(metadata)
	return nil
}

// UpdateRuleMetadataKey sets a single metadata key.
func (s *Store) UpdateRuleMetadataKey(ctx context.Context, id int64, key string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.rules[id]
	if !ok {
		return storage.ErrRuleNotFound
	}
	if rec.Metadata == nil {
		rec.Metadata = make(map[string]any, 1)
	}
	rec.Metadata[key] = value
	return nil
}

// DeleteRuleMetadataKey removes a single metadata key. Removing an absent
// key is not an error.
func (s *Store) DeleteRuleMetadataKey(ctx context.Context, id int64, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.rules[id]
	if !ok {
		return storage.ErrRuleNotFound
	}
	delete(rec.Metadata, key)
	return nil
}

// Close is a no-op for the in-memory store.
func (s *Store) Close() error {
	return nil
}

// IsHealthy always returns true for the in-memory store.
func (s *Store) IsHealthy(ctx context.Context) bool {
	return true
}

// lookup resolves a canonical name or alias to its record. Callers must hold
// the lock.
func (s *Store) lookup(name string) (*storage.SettingRecord, error) {
	if rec, ok := s.settings[name]; ok {
		return rec, nil
	}
	if canonical, ok := s.aliases[name]; ok {
		return s.settings[canonical], nil
	}
	return nil, storage.ErrSettingNotFound
}

// nameTaken reports whether name is in use as a canonical name or alias.
// Callers must hold the lock.
func (s *Store) nameTaken(name string) bool {
	if _, ok := s.settings[name]; ok {
		return true
	}
	_, ok := s.aliases[name]
	return ok
}

func cloneSetting(r *storage.SettingRecord) *storage.SettingRecord {
	out := *r
	out.DefaultValue = append(json.RawMessage(nil), r.DefaultValue...)
	out.ConfigurableFeatures = append([]string(nil), r.ConfigurableFeatures...)
	out.Aliases = append([]string(nil), r.Aliases...)
	out.Metadata = cloneMetadata(r.Metadata)
	return &out
}

func cloneRule(r *storage.RuleRecord) *storage.RuleRecord {
	out := *r
	out.Value = append(json.RawMessage(nil), r.Value...)
	if r.Conditions != nil {
		out.Conditions = make(map[string]string, len(r.Conditions))
		for k, v := range r.Conditions {
			out.Conditions[k] = v
		}
	}
	out.Metadata = cloneMetadata(r.Metadata)
	return &out
}

func cloneMetadata(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func equalConditions(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if bv, ok := b[k]; !ok || bv != v {
			return false
		}
	}
	return true
}
