package budget

import "fmt"

// ErrExceeded is returned when content remains over budget after every
// compression level has been applied, or when turn-level usage surpasses a
// configured limit.
type ErrExceeded struct {
	Kind  string // "section", "document", "tokens" or "time"
	Index int    // section index when Kind == "section"
	Usage string
	Limit string
}

func (e ErrExceeded) Error() string {
	if e.Kind == "section" {
		return fmt.Sprintf("budget exceeded for section %d: usage=%s limit=%s", e.Index, e.Usage, e.Limit)
	}
	return fmt.Sprintf("budget %s exceeded: usage=%s limit=%s", e.Kind, e.Usage, e.Limit)
}
