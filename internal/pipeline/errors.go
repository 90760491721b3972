package pipeline

import "fmt"

// ErrPhase wraps a failure inside one phase with enough context to
// reconstruct what happened without re-running the turn.
type ErrPhase struct {
	UserID string
	TurnID int64
	Phase  int
	Cause  error
}

func (e ErrPhase) Error() string {
	return fmt.Sprintf("turn %s/%d phase %d (%s): %v", e.UserID, e.TurnID, e.Phase, PhaseName(e.Phase), e.Cause)
}

func (e ErrPhase) Unwrap() error { return e.Cause }

// ErrTurnNotFound is returned by status and cancel lookups for turns that
// are not currently running.
type ErrTurnNotFound struct {
	UserID string
	TurnID int64
}

func (e ErrTurnNotFound) Error() string {
	return fmt.Sprintf("turn %s/%d is not running", e.UserID, e.TurnID)
}
