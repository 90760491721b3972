package turn

import (
	"context"
	"fmt"
	"time"
)

// Mode is the operating mode a turn runs under.
type Mode string

const (
	// ModeReadOnly forbids tool executions with side effects. The mode is
	// passed to the tool surface with every instruction, which rejects
	// mutating operations for read-only turns.
	ModeReadOnly Mode = "read_only"
	// ModeWriteEnabled allows the full tool surface.
	ModeWriteEnabled Mode = "write_enabled"
)

// Valid reports whether the mode is one of the known values.
func (m Mode) Valid() bool {
	return m == ModeReadOnly || m == ModeWriteEnabled
}

// Turn is one user request/response cycle. It is owned exclusively by the
// orchestrator driving it and becomes immutable once persisted.
type Turn struct {
	ID        int64     `json:"turn_id"`
	UserID    string    `json:"user_id"`
	Mode      Mode      `json:"mode"`
	CreatedAt time.Time `json:"created_at"`
}

// Allocator hands out per-user turn numbers. Implementations must guarantee
// that concurrent calls for the same user produce distinct, gapless,
// strictly increasing numbers.
type Allocator interface {
	Next(ctx context.Context, userID string) (int64, error)
}

// ErrAllocate reports that the turn number allocator failed, typically
// because its backing store is unreachable. It lets callers tell an
// infrastructure failure apart from invalid input.
type ErrAllocate struct {
	UserID string
	Cause  error
}

func (e ErrAllocate) Error() string {
	return fmt.Sprintf("turn: allocating number for user %s: %v", e.UserID, e.Cause)
}

func (e ErrAllocate) Unwrap() error { return e.Cause }

// New allocates the next turn number for the user and builds the turn.
func New(ctx context.Context, alloc Allocator, userID string, mode Mode) (Turn, error) {
	if userID == "" {
		return Turn{}, fmt.Errorf("turn: user id is required")
	}
	if !mode.Valid() {
		return Turn{}, fmt.Errorf("turn: unknown mode %q", mode)
	}
	id, err := alloc.Next(ctx, userID)
	if err != nil {
		return Turn{}, ErrAllocate{UserID: userID, Cause: err}
	}
	return Turn{ID: id, UserID: userID, Mode: mode, CreatedAt: time.Now().UTC()}, nil
}
