// Package names validates the identifiers used across the service: setting
// names, aliases, context feature names and values, and metadata keys.
package names

import "regexp"

var identifierPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// IsValid reports whether s is a legal identifier: one or more ASCII
// letters, digits, underscores or hyphens.
func IsValid(s string) bool {
	return identifierPattern.MatchString(s)
}

// FirstInvalid returns the first illegal identifier among ss.
func FirstInvalid(ss ...string) (string, bool) {
	for _, s := range ss {
		if !IsValid(s) {
			return s, true
		}
	}
	return "", false
}

// InvalidMetadataKey returns the first illegal key of md.
func InvalidMetadataKey(md map[string]any) (string, bool) {
	for k := range md {
		if !IsValid(k) {
			return k, true
		}
	}
	return "", false
}
