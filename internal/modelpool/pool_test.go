package modelpool

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/arman-rafiee/turnpipe/internal/budget"
	"github.com/arman-rafiee/turnpipe/provider"
)

type fakeClient struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeClient) Complete(ctx context.Context, model string, messages []provider.Message, temperature float64, maxTokens int) (provider.Completion, error) {
	f.mu.Lock()
	f.calls = append(f.calls, model)
	f.mu.Unlock()
	return provider.Completion{Text: "ok", PromptTokens: 10, CompletionTokens: 5}, nil
}

// trackingLoader records residency transitions and can simulate slow or
// failing swaps.
type trackingLoader struct {
	mu       sync.Mutex
	resident map[string]bool
	delay    time.Duration
	failLoad string
	maxConcurrentResidents int
}

func newTrackingLoader() *trackingLoader {
	return &trackingLoader{resident: make(map[string]bool)}
}

func (l *trackingLoader) Load(ctx context.Context, slot Slot) error {
	if l.delay > 0 {
		time.Sleep(l.delay)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if slot.Name == l.failLoad {
		return errors.New("out of memory")
	}
	l.resident[slot.Name] = true
	count := 0
	for _, ok := range l.resident {
		if ok {
			count++
		}
	}
	if count > l.maxConcurrentResidents {
		l.maxConcurrentResidents = count
	}
	return nil
}

func (l *trackingLoader) Unload(ctx context.Context, slot Slot) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.resident[slot.Name] = false
	return nil
}

func testSlots() []Slot {
	return []Slot{
		{Name: "main", Kind: Hot, Model: "llama-8b"},
		{Name: "vision", Kind: Cold, Model: "llava-13b", Class: "gpu0"},
		{Name: "reasoner", Kind: Cold, Model: "qwen-32b", Class: "gpu0"},
	}
}

func testRoles() map[string]Role {
	return map[string]Role{
		"classify":  {Slot: "main", Temperature: 0.0, MaxTokens: 256},
		"summarize": {Slot: "main", Temperature: 0.2, MaxTokens: 512},
		"vision":    {Slot: "vision", Temperature: 0.1, MaxTokens: 1024},
		"deep":      {Slot: "reasoner", Temperature: 0.4, MaxTokens: 2048},
	}
}

func newTestPool(t *testing.T, loader Loader) *Pool {
	t.Helper()
	p, err := New(&fakeClient{}, loader, testSlots(), testRoles(), nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return p
}

func TestNewValidation(t *testing.T) {
	if _, err := New(&fakeClient{}, nil, []Slot{{Name: "c", Kind: Cold, Model: "m"}}, nil, nil, nil); err == nil {
		t.Fatalf("cold slot without class must be rejected")
	}
	roles := map[string]Role{"x": {Slot: "missing"}}
	if _, err := New(&fakeClient{}, nil, testSlots(), roles, nil, nil); err == nil {
		t.Fatalf("role referencing unknown slot must be rejected")
	}
}

func TestHotRolesNeedNoSwap(t *testing.T) {
	loader := newTrackingLoader()
	p := newTestPool(t, loader)
	if _, err := p.InvokeRole(context.Background(), "classify", nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if loader.resident["main"] {
		t.Fatalf("hot slots must never go through the loader")
	}
}

func TestColdSwapExclusivity(t *testing.T) {
	loader := newTrackingLoader()
	loader.delay = 5 * time.Millisecond
	p := newTestPool(t, loader)

	// alternate two roles competing for gpu0 across goroutines
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		role := "vision"
		if i%2 == 1 {
			role = "deep"
		}
		wg.Add(1)
		go func(role string) {
			defer wg.Done()
			if _, err := p.InvokeRole(context.Background(), role, nil); err != nil {
				t.Errorf("invoke %s: %v", role, err)
			}
		}(role)
	}
	wg.Wait()

	if loader.maxConcurrentResidents > 1 {
		t.Fatalf("two occupants held the exclusive class simultaneously")
	}
	occ := p.ClassOccupant("gpu0")
	if occ != "vision" && occ != "reasoner" {
		t.Fatalf("expected a final occupant, got %q", occ)
	}
}

func TestSwapBlocksThenProceeds(t *testing.T) {
	loader := newTrackingLoader()
	loader.delay = 20 * time.Millisecond
	p := newTestPool(t, loader)

	started := make(chan struct{})
	go func() {
		close(started)
		_, _ = p.InvokeRole(context.Background(), "vision", nil)
	}()
	<-started
	time.Sleep(time.Millisecond)

	// a concurrent turn needing the other cold occupant blocks until the
	// in-flight swap completes, then succeeds
	if _, err := p.InvokeRole(context.Background(), "deep", nil); err != nil {
		t.Fatalf("blocked caller should proceed without error after swap: %v", err)
	}
	if p.ClassOccupant("gpu0") != "reasoner" {
		t.Fatalf("expected reasoner resident after second swap, got %q", p.ClassOccupant("gpu0"))
	}
}

func TestRepeatInvokeSkipsSwap(t *testing.T) {
	loader := newTrackingLoader()
	p := newTestPool(t, loader)
	ctx := context.Background()
	if _, err := p.InvokeRole(ctx, "vision", nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	before := p.ClassOccupant("gpu0")
	if _, err := p.InvokeRole(ctx, "vision", nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.ClassOccupant("gpu0") != before {
		t.Fatalf("occupant changed without need")
	}
}

func TestSwapFailurePropagates(t *testing.T) {
	loader := newTrackingLoader()
	loader.failLoad = "vision"
	p := newTestPool(t, loader)
	_, err := p.InvokeRole(context.Background(), "vision", nil)
	var swapErr ErrSwapFailed
	if !errors.As(err, &swapErr) {
		t.Fatalf("expected typed swap failure, got %v", err)
	}
	if swapErr.Slot != "vision" {
		t.Fatalf("expected failing slot in error, got %+v", swapErr)
	}
}

func TestInvokeChargesTurnMonitor(t *testing.T) {
	roles := map[string]Role{
		"classify": {Slot: "main", MaxTokens: 256, CostPer1KIn: 2.0, CostPer1KOut: 4.0},
	}
	p, err := New(&fakeClient{}, nil, testSlots(), roles, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	mon := budget.NewMonitor(0, 0)
	ctx := budget.WithMonitor(context.Background(), mon)
	for i := 0; i < 2; i++ {
		if _, err := p.InvokeRole(ctx, "classify", nil); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	tokens, cost, _ := mon.Usage()
	if tokens != 30 {
		t.Fatalf("expected 30 tokens charged across two calls, got %d", tokens)
	}
	want := 2 * (10.0/1000*2.0 + 5.0/1000*4.0)
	if math.Abs(cost-want) > 1e-9 {
		t.Fatalf("expected cost %v charged, got %v", want, cost)
	}

	// without a carried monitor the call still succeeds
	if _, err := p.InvokeRole(context.Background(), "classify", nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tokens, _, _ := mon.Usage(); tokens != 30 {
		t.Fatalf("detached call must not charge the monitor, got %d", tokens)
	}
}

func TestUnknownRole(t *testing.T) {
	p := newTestPool(t, newTrackingLoader())
	_, err := p.InvokeRole(context.Background(), "nope", nil)
	var unknown ErrUnknownRole
	if !errors.As(err, &unknown) {
		t.Fatalf("expected typed unknown-role error, got %v", err)
	}
}
