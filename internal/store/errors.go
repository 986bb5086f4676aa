package store

import "fmt"

// Phase classifies where in a store operation a failure occurred, so
// callers can tell "the database itself is broken" (open, prepare) apart
// from "this one operation was rejected" (execute, insert, delete).
// Decode failures are row-level and never propagate from multi-row reads.
type Phase string

const (
	PhaseOpen    Phase = "open"
	PhasePrepare Phase = "prepare"
	PhaseExecute Phase = "execute"
	PhaseInsert  Phase = "insert"
	PhaseDelete  Phase = "delete"
	PhaseDecode  Phase = "decode"
)

// Error is a phase-tagged store failure.
type Error struct {
	Phase Phase
	Op    string
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Fatal reports whether the error indicates the store itself is unusable
// rather than a single rejected operation.
func (e *Error) Fatal() bool {
	return e.Phase == PhaseOpen || e.Phase == PhasePrepare
}
