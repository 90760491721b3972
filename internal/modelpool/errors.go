package modelpool

import "fmt"

// ErrUnknownRole is returned when a logical role has no slot mapping.
type ErrUnknownRole struct {
	Role string
}

func (e ErrUnknownRole) Error() string {
	return fmt.Sprintf("no slot mapping for role %q", e.Role)
}

// ErrSwapFailed is returned when loading or unloading a slot occupant
// fails. A failed swap is fatal for every role that needs the resource;
// there is no silent fallback to a different role.
type ErrSwapFailed struct {
	Slot  string
	Class string
	Cause error
}

func (e ErrSwapFailed) Error() string {
	return fmt.Sprintf("swap failed for slot %q (class %q): %v", e.Slot, e.Class, e.Cause)
}

func (e ErrSwapFailed) Unwrap() error { return e.Cause }
