package registry

import (
	"fmt"
	"sort"
)

// Structured errors for the registry layer.
// These allow handlers to map failures to status codes with errors.As()
// instead of string matching. Not-found and already-exists conditions are
// reported with the storage package's sentinel errors.

// ValidationError reports a request that is well-formed JSON but invalid,
// such as a bad name or a value that does not match the setting type.
type ValidationError struct {
	Detail string
}

func (e *ValidationError) Error() string {
	return e.Detail
}

// Validationf builds a ValidationError from a format string.
func Validationf(format string, args ...any) error {
	return &ValidationError{Detail: fmt.Sprintf(format, args...)}
}

// UnknownSettingsError reports setting names that resolve to nothing, neither
// as a canonical name nor as an alias.
type UnknownSettingsError struct {
	Names []string
}

func (e *UnknownSettingsError) Error() string {
	sort.Strings(e.Names)
	return fmt.Sprintf("the following are not setting names: %v", e.Names)
}

// UnknownContextFeaturesError reports feature names missing from the
// configured context feature hierarchy.
type UnknownContextFeaturesError struct {
	Names []string
}

func (e *UnknownContextFeaturesError) Error() string {
	sort.Strings(e.Names)
	return fmt.Sprintf("%v are not acceptable context features", e.Names)
}

// ConflictError reports an operation that cannot be applied to the current
// state, carrying one entry per offending value or constraint.
type ConflictError struct {
	Conflicts []string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflicts: %v", e.Conflicts)
}

// Conflictf builds a ConflictError with a single entry.
func Conflictf(format string, args ...any) error {
	return &ConflictError{Conflicts: []string{fmt.Sprintf(format, args...)}}
}
