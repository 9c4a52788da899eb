// Package registry implements the service's domain operations on top of a
// storage backend: the context feature hierarchy, setting declarations,
// setting and rule management and the rule query engine.
//
// The registry validates requests, resolves aliases to canonical setting
// names and enforces the versioned declaration protocol. Storage-level
// conditions (not found, already exists) surface as the storage package's
// sentinel errors; everything the registry itself rejects is reported with
// the structured error types in errors.go.
package registry

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/biocatchltd/heksher/internal/cache"
	"github.com/biocatchltd/heksher/internal/names"
	"github.com/biocatchltd/heksher/internal/settingtypes"
	"github.com/biocatchltd/heksher/internal/storage"
)

// Registry coordinates domain operations against a storage backend.
type Registry struct {
	storage storage.Storage
	types   *cache.TypeCache
}

// New creates a registry over the given storage backend. Parsed setting
// types are memoized in the given cache.
func New(store storage.Storage, types *cache.TypeCache) *Registry {
	return &Registry{
		storage: store,
		types:   types,
	}
}

// IsHealthy reports whether the storage backend is reachable.
func (r *Registry) IsHealthy(ctx context.Context) bool {
	return r.storage.IsHealthy(ctx)
}

// ListContextFeatures returns the context feature names in hierarchy order.
func (r *Registry) ListContextFeatures(ctx context.Context) ([]string, error) {
	records, err := r.storage.ListContextFeatures(ctx)
	if err != nil {
		return nil, err
	}
	features := make([]string, len(records))
	for i, rec := range records {
		features[i] = rec.Name
	}
	return features, nil
}

// featureIndexes returns the hierarchy as a name-to-index map alongside the
// ordered name list.
func (r *Registry) featureIndexes(ctx context.Context) (map[string]int, []string, error) {
	records, err := r.storage.ListContextFeatures(ctx)
	if err != nil {
		return nil, nil, err
	}
	indexes := make(map[string]int, len(records))
	ordered := make([]string, len(records))
	for i, rec := range records {
		indexes[rec.Name] = rec.Index
		ordered[i] = rec.Name
	}
	return indexes, ordered, nil
}

// GetContextFeatureIndex returns the hierarchy index of a context feature.
func (r *Registry) GetContextFeatureIndex(ctx context.Context, name string) (int, error) {
	rec, err := r.storage.GetContextFeature(ctx, name)
	if err != nil {
		return 0, err
	}
	return rec.Index, nil
}

// AddContextFeature appends a context feature to the end of the hierarchy
// and returns its index.
func (r *Registry) AddContextFeature(ctx context.Context, name string) (int, error) {
	if !names.IsValid(name) {
		return 0, Validationf("invalid context feature name %q", name)
	}
	return r.storage.AddContextFeature(ctx, name)
}

// DeleteContextFeature removes a context feature. Features configured on a
// setting or conditioned on by a rule cannot be removed.
func (r *Registry) DeleteContextFeature(ctx context.Context, name string) error {
	return r.storage.DeleteContextFeature(ctx, name)
}

// MoveContextFeature moves a context feature to the position immediately
// before or after the target feature. Moving a feature relative to itself is
// a no-op.
func (r *Registry) MoveContextFeature(ctx context.Context, name, target string, after bool) error {
	moved, err := r.storage.GetContextFeature(ctx, name)
	if err != nil {
		return err
	}
	anchor, err := r.storage.GetContextFeature(ctx, target)
	if err != nil {
		return err
	}
	if moved.Name == anchor.Name {
		return nil
	}
	// The move removes the feature first, shifting the anchor left when it
	// sat beyond the moved feature.
	index := anchor.Index
	if anchor.Index > moved.Index {
		index--
	}
	if after {
		index++
	}
	return r.storage.MoveContextFeature(ctx, name, index)
}

// EnsureContextFeatures reconciles the stored hierarchy with the configured
// feature list. The stored features must form a subsequence of expected;
// anything configured but not yet stored is inserted at its configured
// position. An empty expected list leaves the store untouched.
func (r *Registry) EnsureContextFeatures(ctx context.Context, expected []string) error {
	if len(expected) == 0 {
		return nil
	}
	position := make(map[string]int, len(expected))
	for i, name := range expected {
		if !names.IsValid(name) {
			return fmt.Errorf("invalid context feature name %q", name)
		}
		if _, dup := position[name]; dup {
			return fmt.Errorf("duplicate context feature %q in configured features", name)
		}
		position[name] = i
	}

	stored, err := r.storage.ListContextFeatures(ctx)
	if err != nil {
		return err
	}
	last := -1
	for _, rec := range stored {
		p, ok := position[rec.Name]
		if !ok {
			return fmt.Errorf("stored context feature %s is missing from the configured features", rec.Name)
		}
		if p < last {
			return fmt.Errorf("stored context feature %s is out of order in the configured features", rec.Name)
		}
		last = p
	}
	if len(stored) == len(expected) {
		return nil
	}
	return r.storage.SetContextFeatures(ctx, expected)
}

// parseType parses a setting type expression through the memoizing cache.
func (r *Registry) parseType(expr string) (settingtypes.Type, error) {
	return r.types.Parse(expr)
}

// canonicalJSON re-encodes a raw JSON value into its canonical form: object
// keys sorted, insignificant whitespace dropped.
func canonicalJSON(raw json.RawMessage) (json.RawMessage, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return json.Marshal(v)
}
