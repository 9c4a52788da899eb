package settingtypes

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

var (
	// Flags is accepted as a legacy spelling of Flag.
	listedPattern  = regexp.MustCompile(`^(Enum|Flags?)\s*\[(.*)]$`)
	genericPattern = regexp.MustCompile(`^(Sequence|Mapping)\s*<(.*)>$`)
)

// Parse parses the textual form of a type expression. The returned type is
// canonical: Enum and Flag literals are sorted and deduplicated, and the
// legacy Flags spelling collapses to Flag.
func Parse(expr string) (Type, error) {
	expr = strings.TrimSpace(expr)
	switch expr {
	case "int":
		return Int, nil
	case "float":
		return Float, nil
	case "str":
		return Str, nil
	case "bool":
		return Bool, nil
	}
	if m := listedPattern.FindStringSubmatch(expr); m != nil {
		var values []any
		if err := json.Unmarshal([]byte("["+m[2]+"]"), &values); err != nil {
			return nil, fmt.Errorf("invalid %s literal list: %w", m[1], err)
		}
		if m[1] == "Enum" {
			return NewEnum(values...)
		}
		return NewFlag(values...)
	}
	if m := genericPattern.FindStringSubmatch(expr); m != nil {
		elem, err := Parse(m[2])
		if err != nil {
			return nil, fmt.Errorf("invalid %s element: %w", m[1], err)
		}
		if m[1] == "Sequence" {
			return NewSequence(elem), nil
		}
		return NewMapping(elem), nil
	}
	return nil, fmt.Errorf("cannot parse type expression %q", expr)
}

// MustParse parses a type expression and panics on failure. For tests and
// static initialization only.
func MustParse(expr string) Type {
	t, err := Parse(expr)
	if err != nil {
		panic(err)
	}
	return t
}
