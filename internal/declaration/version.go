// Package declaration implements the versioned setting declaration protocol:
// version pairs, classification of differences between a declared setting and
// its stored counterpart, and the outcome decision.
package declaration

import (
	"fmt"
	"regexp"
	"strconv"
)

var versionPattern = regexp.MustCompile(`^([0-9]+)\.([0-9]+)$`)

// Version is a (major, minor) setting version.
type Version struct {
	Major int
	Minor int
}

// Initial is the version every setting must be first declared at.
var Initial = Version{Major: 1, Minor: 0}

// ParseVersion parses a "<major>.<minor>" string.
func ParseVersion(s string) (Version, error) {
	m := versionPattern.FindStringSubmatch(s)
	if m == nil {
		return Version{}, fmt.Errorf("invalid version %q, expected <major>.<minor>", s)
	}
	major, err := strconv.Atoi(m[1])
	if err != nil {
		return Version{}, fmt.Errorf("invalid major version in %q: %w", s, err)
	}
	minor, err := strconv.Atoi(m[2])
	if err != nil {
		return Version{}, fmt.Errorf("invalid minor version in %q: %w", s, err)
	}
	return Version{Major: major, Minor: minor}, nil
}

// String formats the version as "<major>.<minor>".
func (v Version) String() string {
	return strconv.Itoa(v.Major) + "." + strconv.Itoa(v.Minor)
}

// Compare returns -1, 0 or 1; versions order lexicographically by
// (major, minor).
func (v Version) Compare(o Version) int {
	if v.Major != o.Major {
		if v.Major < o.Major {
			return -1
		}
		return 1
	}
	if v.Minor != o.Minor {
		if v.Minor < o.Minor {
			return -1
		}
		return 1
	}
	return 0
}
