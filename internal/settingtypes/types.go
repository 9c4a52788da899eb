// Package settingtypes implements the value type system for settings:
// parsing of type expressions, conformance of JSON values, canonical forms,
// and the subtype partial order that gates type changes.
package settingtypes

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
)

// Relation describes how two types relate under the subtype partial order.
type Relation int

const (
	// Incomparable means neither type is a subtype of the other.
	Incomparable Relation = iota
	// Equal means the canonical forms match.
	Equal
	// Subtype means the left type is a strict subtype of the right.
	Subtype
	// Supertype means the left type is a strict supertype of the right.
	Supertype
)

// String returns a human-readable form of the relation.
func (r Relation) String() string {
	switch r {
	case Equal:
		return "equal"
	case Subtype:
		return "subtype"
	case Supertype:
		return "supertype"
	default:
		return "incomparable"
	}
}

// Type is a setting value type. The set of implementations is closed: the
// four primitives, Enum, Flag, Sequence and Mapping.
type Type interface {
	// String returns the canonical text form of the type. Two types are
	// equal iff their canonical forms match.
	String() string

	// Validate reports whether v, a decoded JSON value, conforms to the
	// type.
	Validate(v any) bool

	// subtypeOf reports whether the type is a subtype of other. The
	// relation is reflexive.
	subtypeOf(other Type) bool
}

// Compare returns the relation of a to b.
func Compare(a, b Type) Relation {
	if a.String() == b.String() {
		return Equal
	}
	if a.subtypeOf(b) {
		return Subtype
	}
	if b.subtypeOf(a) {
		return Supertype
	}
	return Incomparable
}

// ValidateRaw reports whether a raw JSON document conforms to the type.
// Malformed JSON never conforms.
func ValidateRaw(t Type, raw []byte) bool {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return false
	}
	return t.Validate(v)
}

// primitive is one of int, float, str, bool.
type primitive struct {
	name  string
	check func(v any) bool
}

// The primitive types of the algebra.
var (
	Int   Type = primitive{"int", validateInt}
	Float Type = primitive{"float", validateFloat}
	Str   Type = primitive{"str", validateString}
	Bool  Type = primitive{"bool", validateBool}
)

func (p primitive) String() string      { return p.name }
func (p primitive) Validate(v any) bool { return p.check(v) }

func (p primitive) subtypeOf(other Type) bool {
	o, ok := other.(primitive)
	if !ok {
		return false
	}
	return p.name == o.name || (p.name == "int" && o.name == "float")
}

// asNumber extracts a numeric JSON value. Booleans are never numbers.
func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// validateInt accepts any whole-valued JSON number, so 5.0 conforms to int.
func validateInt(v any) bool {
	n, ok := asNumber(v)
	return ok && !math.IsInf(n, 0) && n == math.Trunc(n)
}

func validateFloat(v any) bool {
	_, ok := asNumber(v)
	return ok
}

func validateString(v any) bool {
	_, ok := v.(string)
	return ok
}

func validateBool(v any) bool {
	_, ok := v.(bool)
	return ok
}

// enumType is a closed set of scalar literals. Only the canonical JSON
// encodings of the literals are kept; construction sorts and deduplicates.
type enumType struct {
	literals []string
}

// NewEnum builds an Enum type over the given literals. Literals must be JSON
// scalars (string, bool or number); numbers equal in value collapse into a
// single literal.
func NewEnum(values ...any) (Type, error) {
	literals, err := canonicalLiterals("Enum", values)
	if err != nil {
		return nil, err
	}
	return enumType{literals: literals}, nil
}

func (t enumType) String() string {
	return "Enum[" + strings.Join(t.literals, ",") + "]"
}

func (t enumType) Validate(v any) bool {
	key, ok := literalKey(v)
	return ok && containsLiteral(t.literals, key)
}

func (t enumType) subtypeOf(other Type) bool {
	o, ok := other.(enumType)
	return ok && literalSubset(t.literals, o.literals)
}

// flagType values are arrays drawn from a closed literal set; order and
// duplicates carry no meaning.
type flagType struct {
	literals []string
}

// NewFlag builds a Flag type over the given literals, under the same literal
// rules as NewEnum.
func NewFlag(values ...any) (Type, error) {
	literals, err := canonicalLiterals("Flag", values)
	if err != nil {
		return nil, err
	}
	return flagType{literals: literals}, nil
}

func (t flagType) String() string {
	return "Flag[" + strings.Join(t.literals, ",") + "]"
}

func (t flagType) Validate(v any) bool {
	items, ok := v.([]any)
	if !ok {
		return false
	}
	for _, item := range items {
		key, ok := literalKey(item)
		if !ok || !containsLiteral(t.literals, key) {
			return false
		}
	}
	return true
}

func (t flagType) subtypeOf(other Type) bool {
	o, ok := other.(flagType)
	return ok && literalSubset(t.literals, o.literals)
}

// sequenceType values are arrays whose elements conform to the element type.
type sequenceType struct {
	elem Type
}

// NewSequence builds a Sequence type over elem.
func NewSequence(elem Type) Type { return sequenceType{elem: elem} }

func (t sequenceType) String() string {
	return "Sequence<" + t.elem.String() + ">"
}

func (t sequenceType) Validate(v any) bool {
	items, ok := v.([]any)
	if !ok {
		return false
	}
	for _, item := range items {
		if !t.elem.Validate(item) {
			return false
		}
	}
	return true
}

func (t sequenceType) subtypeOf(other Type) bool {
	o, ok := other.(sequenceType)
	return ok && t.elem.subtypeOf(o.elem)
}

// mappingType values are objects whose values conform to the element type.
type mappingType struct {
	elem Type
}

// NewMapping builds a Mapping type over elem.
func NewMapping(elem Type) Type { return mappingType{elem: elem} }

func (t mappingType) String() string {
	return "Mapping<" + t.elem.String() + ">"
}

func (t mappingType) Validate(v any) bool {
	obj, ok := v.(map[string]any)
	if !ok {
		return false
	}
	for _, item := range obj {
		if !t.elem.Validate(item) {
			return false
		}
	}
	return true
}

func (t mappingType) subtypeOf(other Type) bool {
	o, ok := other.(mappingType)
	return ok && t.elem.subtypeOf(o.elem)
}

// canonicalLiterals encodes, deduplicates and sorts a literal list.
func canonicalLiterals(family string, values []any) ([]string, error) {
	seen := make(map[string]struct{}, len(values))
	literals := make([]string, 0, len(values))
	for _, v := range values {
		key, ok := literalKey(v)
		if !ok {
			return nil, fmt.Errorf("%s literals must be JSON scalars, got %T", family, v)
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		literals = append(literals, key)
	}
	sort.Strings(literals)
	return literals, nil
}

// literalKey canonicalizes a scalar into its JSON encoding. Numbers compare
// by value, so 1 and 1.0 share a key; booleans are distinct from numbers.
func literalKey(v any) (string, bool) {
	switch s := v.(type) {
	case string:
		b, err := json.Marshal(s)
		if err != nil {
			return "", false
		}
		return string(b), true
	case bool:
		if s {
			return "true", true
		}
		return "false", true
	}
	if n, ok := asNumber(v); ok && !math.IsInf(n, 0) && !math.IsNaN(n) {
		b, err := json.Marshal(n)
		if err != nil {
			return "", false
		}
		return string(b), true
	}
	return "", false
}

func containsLiteral(sorted []string, key string) bool {
	i := sort.SearchStrings(sorted, key)
	return i < len(sorted) && sorted[i] == key
}

// literalSubset reports whether every element of sub appears in super. Both
// slices are sorted.
func literalSubset(sub, super []string) bool {
	i := 0
	for _, lit := range sub {
		for i < len(super) && super[i] < lit {
			i++
		}
		if i >= len(super) || super[i] != lit {
			return false
		}
		i++
	}
	return true
}
