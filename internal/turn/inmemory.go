package turn

import (
	"context"
	"sync"
)

// MemoryAllocator keeps per-user counters in process memory. Suitable for a
// single-process deployment and for tests; multi-process deployments use the
// redis-backed allocator instead.
type MemoryAllocator struct {
	mu   sync.Mutex
	next map[string]int64
}

func NewMemoryAllocator() *MemoryAllocator {
	return &MemoryAllocator{next: make(map[string]int64)}
}

// Next returns the user's next turn number, starting at 1. The mutex is the
// per-user critical section the numbering guarantee requires.
func (a *MemoryAllocator) Next(ctx context.Context, userID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.next[userID]++
	return a.next[userID], nil
}
