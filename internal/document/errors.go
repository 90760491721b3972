package document

import "fmt"

// ErrInvariant reports a violation of the document's write discipline.
// Invariant violations are programming bugs: the orchestrator treats them as
// fatal for the turn and never continues past one.
type ErrInvariant struct {
	Op      string
	Section int
	Reason  string
}

func (e ErrInvariant) Error() string {
	return fmt.Sprintf("document invariant violated in %s (section %d): %s", e.Op, e.Section, e.Reason)
}
