package sequence

import "errors"

// Domain errors for the sequence package.
//
// These errors can be checked using errors.Is():
//
//	if errors.Is(err, sequence.ErrProgramNotFound) {
//	    // no program for that step
//	}
var (
	// ErrProgramNotFound is returned when no program exists for a step.
	ErrProgramNotFound = errors.New("sequence: program not found")

	// ErrInvalidProgram is returned when program validation fails.
	ErrInvalidProgram = errors.New("sequence: invalid program")

	// ErrInvalidAction is returned when an action is malformed.
	ErrInvalidAction = errors.New("sequence: invalid action")

	// ErrNoActions is returned when a program has no actions.
	ErrNoActions = errors.New("sequence: no actions")

	// ErrUnknownPoint is returned when a move references an undefined waypoint.
	ErrUnknownPoint = errors.New("sequence: unknown point")

	// ErrDuplicateStep is returned when two programs share a step id.
	ErrDuplicateStep = errors.New("sequence: duplicate step")

	// ErrArmUnavailable is returned when a program needs an actuator but
	// the executor has none.
	ErrArmUnavailable = errors.New("sequence: actuator unavailable")
)
