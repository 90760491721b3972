package pipeline

import "time"

// Event is emitted after each phase completes. Delivery is a plain channel
// send: a consumer that stops draining blocks the producing turn, which is
// the intended backpressure.
type Event struct {
	UserID   string        `json:"user_id"`
	TurnID   int64         `json:"turn_id"`
	Phase    int           `json:"phase"`
	Name     string        `json:"name"`
	Elapsed  time.Duration `json:"elapsed"`
	Terminal bool          `json:"terminal"`
	Outcome  Outcome       `json:"outcome,omitempty"`
	Message  string        `json:"message,omitempty"`
}
