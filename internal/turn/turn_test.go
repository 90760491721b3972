package turn

import (
	"context"
	"errors"
	"os"
	"sort"
	"sync"
	"testing"
	"time"
)

func TestNewValidatesInput(t *testing.T) {
	alloc := NewMemoryAllocator()
	if _, err := New(context.Background(), alloc, "", ModeReadOnly); err == nil {
		t.Fatalf("empty user id must be rejected")
	}
	if _, err := New(context.Background(), alloc, "u1", Mode("turbo")); err == nil {
		t.Fatalf("unknown mode must be rejected")
	}
	tr, err := New(context.Background(), alloc, "u1", ModeWriteEnabled)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tr.ID != 1 || tr.UserID != "u1" || tr.Mode != ModeWriteEnabled {
		t.Fatalf("unexpected turn: %+v", tr)
	}
	if tr.CreatedAt.IsZero() {
		t.Fatalf("created_at must be set")
	}
}

type failingAllocator struct{}

func (failingAllocator) Next(ctx context.Context, userID string) (int64, error) {
	return 0, errors.New("connection refused")
}

func TestAllocatorFailureIsTyped(t *testing.T) {
	_, err := New(context.Background(), failingAllocator{}, "u1", ModeReadOnly)
	var alloc ErrAllocate
	if !errors.As(err, &alloc) {
		t.Fatalf("expected typed allocation failure, got %v", err)
	}
	if alloc.UserID != "u1" || alloc.Cause == nil {
		t.Fatalf("allocation error missing context: %+v", alloc)
	}
}

func TestConcurrentAllocationIsGapless(t *testing.T) {
	alloc := NewMemoryAllocator()
	const k = 64

	var mu sync.Mutex
	ids := make([]int64, 0, k)
	var wg sync.WaitGroup
	for i := 0; i < k; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := alloc.Next(context.Background(), "alice")
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			mu.Lock()
			ids = append(ids, id)
			mu.Unlock()
		}()
	}
	wg.Wait()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for i, id := range ids {
		if id != int64(i+1) {
			t.Fatalf("expected gapless sequence 1..%d, got %v", k, ids)
		}
	}
}

func TestAllocatorsAreIndependentPerUser(t *testing.T) {
	alloc := NewMemoryAllocator()
	ctx := context.Background()
	if id, _ := alloc.Next(ctx, "alice"); id != 1 {
		t.Fatalf("expected 1, got %d", id)
	}
	if id, _ := alloc.Next(ctx, "bob"); id != 1 {
		t.Fatalf("bob's counter must start independently, got %d", id)
	}
	if id, _ := alloc.Next(ctx, "alice"); id != 2 {
		t.Fatalf("expected 2, got %d", id)
	}
}

func TestRedisAllocator(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	client, err := DialRedis(ctx, addr, "", 0, 5*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	alloc := NewRedisAllocator(client)
	user := "it-" + time.Now().Format("150405.000000000")
	first, err := alloc.Next(ctx, user)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := alloc.Next(ctx, user)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second != first+1 {
		t.Fatalf("expected consecutive numbers, got %d then %d", first, second)
	}
}
