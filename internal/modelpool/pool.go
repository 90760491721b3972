package modelpool

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/arman-rafiee/turnpipe/internal/budget"
	"github.com/arman-rafiee/turnpipe/provider"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// SlotKind distinguishes always-resident capacity from on-demand capacity.
type SlotKind string

const (
	// Hot slots are loaded at process start and never change occupant
	// during normal operation.
	Hot SlotKind = "hot"
	// Cold slots are loaded on demand and are mutually exclusive with
	// other occupants of the same resource class.
	Cold SlotKind = "cold"
)

// Slot describes one physical model execution unit.
type Slot struct {
	Name  string
	Kind  SlotKind
	Model string
	// Class names the exclusive capacity a cold slot competes for. Hot
	// slots leave it empty.
	Class string
}

// Role maps a logical usage profile onto a slot plus invocation parameters.
// Several roles typically share one hot slot and differ only in temperature
// and token limits.
type Role struct {
	Slot         string
	Temperature  float64
	MaxTokens    int
	CostPer1KIn  float64
	CostPer1KOut float64
}

// Recorder receives pool events for metrics. Implementations must be safe
// for concurrent use.
type Recorder interface {
	RecordSwap(class, from, to string, d time.Duration)
	RecordInvoke(role, model string, promptTokens, completionTokens int, cost float64, err error)
}

// resourceClass serializes occupancy of one exclusive capacity unit. The
// lock is held for the full swap duration: every turn needing this class
// blocks until the swap completes.
type resourceClass struct {
	mu         sync.Mutex
	occupant   string
	lastSwapAt time.Time
}

// Pool multiplexes a small fixed set of model slots across logical roles,
// enforcing physical exclusivity for cold capacity.
type Pool struct {
	client   provider.Client
	loader   Loader
	logger   *log.Logger
	recorder Recorder

	slots   map[string]Slot
	roles   map[string]Role
	classes map[string]*resourceClass
}

var poolTracer trace.Tracer = otel.Tracer("turnpipe/internal/modelpool")

// New builds a pool. Every role must reference a declared slot, and every
// cold slot must declare a resource class; both are checked eagerly.
func New(client provider.Client, loader Loader, slots []Slot, roles map[string]Role, logger *log.Logger, recorder Recorder) (*Pool, error) {
	if client == nil {
		return nil, fmt.Errorf("modelpool requires a provider client")
	}
	if loader == nil {
		loader = NopLoader{}
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[POOL] ", log.LstdFlags)
	}
	p := &Pool{
		client:   client,
		loader:   loader,
		logger:   logger,
		recorder: recorder,
		slots:    make(map[string]Slot, len(slots)),
		roles:    roles,
		classes:  make(map[string]*resourceClass),
	}
	for _, s := range slots {
		if s.Name == "" || s.Model == "" {
			return nil, fmt.Errorf("slot needs name and model: %+v", s)
		}
		if s.Kind == Cold && s.Class == "" {
			return nil, fmt.Errorf("cold slot %q needs a resource class", s.Name)
		}
		if _, dup := p.slots[s.Name]; dup {
			return nil, fmt.Errorf("duplicate slot %q", s.Name)
		}
		p.slots[s.Name] = s
		if s.Class != "" {
			if _, ok := p.classes[s.Class]; !ok {
				p.classes[s.Class] = &resourceClass{}
			}
		}
	}
	for name, r := range roles {
		if _, ok := p.slots[r.Slot]; !ok {
			return nil, fmt.Errorf("role %q references unknown slot %q", name, r.Slot)
		}
	}
	return p, nil
}

// RoleDefaults returns the invocation parameters configured for a role.
func (p *Pool) RoleDefaults(role string) (Role, error) {
	r, ok := p.roles[role]
	if !ok {
		return Role{}, ErrUnknownRole{Role: role}
	}
	return r, nil
}

// ClassOccupant reports which slot currently holds an exclusive class.
// Empty means nothing is loaded.
func (p *Pool) ClassOccupant(class string) string {
	rc, ok := p.classes[class]
	if !ok {
		return ""
	}
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.occupant
}

// EnsureResident makes the slot backing a role resident. Hot slots return
// immediately. For cold slots the class lock is taken for the full swap:
// unload the current occupant, load the requested one, then release. Callers
// blocked on the same class observe either the old or the new occupant,
// never a partial swap.
func (p *Pool) EnsureResident(ctx context.Context, role string) error {
	r, ok := p.roles[role]
	if !ok {
		return ErrUnknownRole{Role: role}
	}
	slot := p.slots[r.Slot]
	if slot.Kind == Hot {
		return nil
	}
	rc := p.classes[slot.Class]

	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.occupant == slot.Name {
		return nil
	}

	start := time.Now()
	previous := rc.occupant
	if previous != "" {
		if err := p.loader.Unload(ctx, p.slots[previous]); err != nil {
			return ErrSwapFailed{Slot: previous, Class: slot.Class, Cause: err}
		}
		rc.occupant = ""
	}
	if err := p.loader.Load(ctx, slot); err != nil {
		return ErrSwapFailed{Slot: slot.Name, Class: slot.Class, Cause: err}
	}
	rc.occupant = slot.Name
	rc.lastSwapAt = time.Now()
	p.logger.Printf("swapped class %s: %q -> %q in %v", slot.Class, previous, slot.Name, time.Since(start))
	if p.recorder != nil {
		p.recorder.RecordSwap(slot.Class, previous, slot.Name, time.Since(start))
	}
	return nil
}

// Invoke runs one inference call for a role, making its slot resident
// first. Inference failures come back typed and are never retried here.
func (p *Pool) Invoke(ctx context.Context, role string, messages []provider.Message, temperature float64, maxTokens int) (provider.Completion, error) {
	r, ok := p.roles[role]
	if !ok {
		return provider.Completion{}, ErrUnknownRole{Role: role}
	}
	slot := p.slots[r.Slot]

	ctx, span := poolTracer.Start(ctx, "pool.invoke",
		trace.WithAttributes(
			attribute.String("pool.role", role),
			attribute.String("pool.slot", slot.Name),
			attribute.String("pool.model", slot.Model),
		))
	defer span.End()

	if err := p.EnsureResident(ctx, role); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return provider.Completion{}, err
	}

	out, err := p.client.Complete(ctx, slot.Model, messages, temperature, maxTokens)
	cost := p.cost(r, out)
	if p.recorder != nil {
		p.recorder.RecordInvoke(role, slot.Model, out.PromptTokens, out.CompletionTokens, cost, err)
	}
	if m, ok := budget.MonitorFrom(ctx); ok {
		// a breach is enforced at the next phase boundary, not mid-call
		_ = m.Add(int64(out.PromptTokens+out.CompletionTokens), cost)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return provider.Completion{}, err
	}
	span.SetAttributes(
		attribute.Int("pool.prompt_tokens", out.PromptTokens),
		attribute.Int("pool.completion_tokens", out.CompletionTokens),
	)
	span.SetStatus(codes.Ok, "completed")
	return out, nil
}

// InvokeRole is Invoke with the role's configured defaults.
func (p *Pool) InvokeRole(ctx context.Context, role string, messages []provider.Message) (provider.Completion, error) {
	r, ok := p.roles[role]
	if !ok {
		return provider.Completion{}, ErrUnknownRole{Role: role}
	}
	return p.Invoke(ctx, role, messages, r.Temperature, r.MaxTokens)
}

func (p *Pool) cost(r Role, out provider.Completion) float64 {
	return float64(out.PromptTokens)/1000*r.CostPer1KIn + float64(out.CompletionTokens)/1000*r.CostPer1KOut
}
