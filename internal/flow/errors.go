package flow

import "errors"

var (
	// ErrValidation marks a malformed or out-of-physical-range observation.
	// Rejected before evaluation; no queue mutation occurs.
	ErrValidation = errors.New("observation failed validation")

	// ErrVersionConflict marks a command referencing a stale assessment
	// version. The caller must reload and retry; no partial state applies.
	ErrVersionConflict = errors.New("stale assessment version")

	// ErrStateConflict marks a transition the state machine forbids, such
	// as any transition out of a terminal state or a disposition with no
	// completed score.
	ErrStateConflict = errors.New("transition not allowed from current state")

	// ErrNotFound marks an unknown or already-archived patient.
	ErrNotFound = errors.New("patient not found in active set")

	// ErrInvariant marks internal corruption that should never occur under
	// correct usage, e.g. a failed queue band-ordering check. It triggers a
	// full reconciliation pass and is never silently swallowed.
	ErrInvariant = errors.New("engine invariant violated")
)
