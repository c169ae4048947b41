package wizard

import "errors"

var (
	// ErrInvalidTransition is returned by any mutation whose status
	// precondition is not met. Callers are expected to have consulted
	// CurrentStep first.
	ErrInvalidTransition = errors.New("invalid wizard status transition")

	// ErrCorruptSession marks a session whose status disagrees with its
	// ids/hashes. Such a session is unrecoverable and requires a reset.
	ErrCorruptSession = errors.New("wizard session violates status invariants")

	// ErrPrecondition marks a step activated without its upstream ids or
	// hashes. This is a programming error, not a user-facing failure.
	ErrPrecondition = errors.New("step precondition violated")

	// ErrBudgetExceeded is returned when milestone rewards sum above the
	// total funding captured at the escrow step.
	ErrBudgetExceeded = errors.New("milestone rewards exceed total funding")

	// ErrOwnershipMismatch is returned when a non-idle session is accessed
	// under a different authenticated actor than its owner.
	ErrOwnershipMismatch = errors.New("wizard session owner mismatch")

	// ErrStartInFlight guards against a double-fired start trigger creating
	// two database ids for one logical session.
	ErrStartInFlight = errors.New("session creation already in flight")
)

// IsFatal reports whether the error requires a full session reset rather than
// a retry of the active step.
func IsFatal(err error) bool {
	return errors.Is(err, ErrCorruptSession) ||
		errors.Is(err, ErrPrecondition) ||
		errors.Is(err, ErrOwnershipMismatch)
}
