package document

import (
	"fmt"
	"time"
)

// Claim is an evidence unit extracted by tool execution. Claims are owned by
// the section that recorded them and are referenced, never mutated, by
// downstream sections.
type Claim struct {
	ID         string        `json:"id"`
	Statement  string        `json:"statement"`
	Confidence float64       `json:"confidence"`
	Source     string        `json:"source"`
	TTL        time.Duration `json:"ttl"`
	RecordedAt time.Time     `json:"recorded_at"`
}

// Validate checks the claim fields before it is attached to a section.
func (c Claim) Validate() error {
	if c.Statement == "" {
		return fmt.Errorf("claim statement is empty")
	}
	if c.Confidence < 0 || c.Confidence > 1 {
		return fmt.Errorf("claim confidence %v outside [0,1]", c.Confidence)
	}
	return nil
}

// Expired reports whether the claim's TTL has elapsed at the given time.
// A zero TTL means the claim never expires.
func (c Claim) Expired(now time.Time) bool {
	if c.TTL <= 0 {
		return false
	}
	return now.After(c.RecordedAt.Add(c.TTL))
}
