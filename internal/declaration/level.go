package declaration

// Level classifies a single difference between a declaration and the stored
// setting.
type Level int

const (
	// Minor differences are absorbed by any version bump.
	Minor Level = iota

	// Major differences require a major version bump.
	Major

	// Mismatch differences cannot be bridged by any version bump.
	Mismatch
)

// String returns the wire name of the level.
func (l Level) String() string {
	switch l {
	case Minor:
		return "minor"
	case Major:
		return "major"
	case Mismatch:
		return "mismatch"
	default:
		return "unknown"
	}
}

// Outcome is the result of a declaration.
type Outcome string

const (
	// OutcomeCreated means the setting did not exist and was created.
	OutcomeCreated Outcome = "created"

	// OutcomeUpToDate means the declaration matches the stored setting exactly.
	OutcomeUpToDate Outcome = "uptodate"

	// OutcomeUpgraded means the declaration was newer and was applied.
	OutcomeUpgraded Outcome = "upgraded"

	// OutcomeOutdated means the declaration was older than the stored setting
	// and was ignored.
	OutcomeOutdated Outcome = "outdated"

	// OutcomeRejected means the declared version does not license the
	// differences it carries.
	OutcomeRejected Outcome = "rejected"

	// OutcomeMismatch means the declaration repeats the stored version but
	// differs from it, or carries differences no version bump can bridge.
	OutcomeMismatch Outcome = "mismatch"
)

// Accepted reports whether the outcome mutated or matched the stored state,
// as opposed to a conflict the caller must resolve.
func (o Outcome) Accepted() bool {
	switch o {
	case OutcomeCreated, OutcomeUpToDate, OutcomeUpgraded, OutcomeOutdated:
		return true
	default:
		return false
	}
}
