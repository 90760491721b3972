package provider

import (
	"context"
	"fmt"
)

// Message is one entry in a conversation passed to a model.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Completion is the result of a single inference call, including token usage
// so callers can do budget accounting.
type Completion struct {
	Text             string
	PromptTokens     int
	CompletionTokens int
}

// Client is the interface all model backends must satisfy. Implementations
// never retry silently: any transport, timeout or malformed-response failure
// comes back as a typed error for the caller to weigh.
type Client interface {
	Complete(ctx context.Context, model string, messages []Message, temperature float64, maxTokens int) (Completion, error)
}

// ErrInvoke is returned when an inference request fails.
type ErrInvoke struct {
	Model  string
	Status int
	Reason string
}

func (e ErrInvoke) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("inference failed for model %s: status %d: %s", e.Model, e.Status, e.Reason)
	}
	return fmt.Sprintf("inference failed for model %s: %s", e.Model, e.Reason)
}
