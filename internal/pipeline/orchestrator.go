package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/arman-rafiee/turnpipe/internal/budget"
	"github.com/arman-rafiee/turnpipe/internal/compress"
	"github.com/arman-rafiee/turnpipe/internal/document"
	"github.com/arman-rafiee/turnpipe/internal/turn"
)

var tracer trace.Tracer = otel.Tracer("turnpipe/internal/pipeline")

// promptOverheadTokens approximates the instruction scaffolding added around
// document sections when assembling a phase prompt.
const promptOverheadTokens = 512

// Config bounds the state machine. All loop bounds are counts of permitted
// transitions: MaxRetry=1 means one RETRY is honored and the second forces
// FAIL.
type Config struct {
	MaxTaskIterations  int
	MaxRevise          int
	MaxRetry           int
	PhaseTimeout       time.Duration
	MaxTurnDuration    time.Duration
	MaxTurnTokens      int
	MaxConcurrentTurns int
}

func (c Config) Validate() error {
	if c.MaxTaskIterations <= 0 {
		return fmt.Errorf("max_task_iterations must be positive")
	}
	if c.MaxRevise < 0 || c.MaxRetry < 0 {
		return fmt.Errorf("loop bounds must be non-negative")
	}
	if c.PhaseTimeout <= 0 {
		return fmt.Errorf("phase_timeout must be positive")
	}
	if c.MaxConcurrentTurns <= 0 {
		return fmt.Errorf("max_concurrent_turns must be positive")
	}
	return nil
}

// Result is the terminal state of one turn, handed to persistence and back
// to the caller.
type Result struct {
	Turn         turn.Turn
	Outcome      Outcome
	Answer       string
	QualityScore float64
	Warnings     []string
	Document     *document.Document
	TokensUsed   int64
	CostUSD      float64
	Elapsed      time.Duration
}

// Archiver persists finished turns (phase 7). It runs for every terminal
// outcome except CLARIFY, including FAIL and CANCELLED.
type Archiver interface {
	SaveTurn(ctx context.Context, res Result) error
}

// Recorder receives turn-level observability events.
type Recorder interface {
	RecordTurn(res Result)
}

// TurnStatus is the externally visible progress of a running turn.
type TurnStatus struct {
	UserID      string    `json:"user_id"`
	TurnID      int64     `json:"turn_id"`
	Phase       int       `json:"phase"`
	State       string    `json:"state"`
	Message     string    `json:"message,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	LastUpdated time.Time `json:"last_updated"`
}

type turnHandle struct {
	mu        sync.Mutex
	status    TurnStatus
	cancelled atomic.Bool
}

// errCancelled flows internally between loop helpers; it is translated into
// the CANCELLED outcome at the top of Run and never escapes the package.
var errCancelled = errors.New("turn cancelled")

// Orchestrator drives the phase state machine for concurrent turns. Each
// turn is strictly sequential internally; the only cross-turn state is the
// model pool (behind the phase set) and the running-turn registry here.
type Orchestrator struct {
	cfg      Config
	policy   budget.Policy
	engine   *compress.Engine
	phases   PhaseSet
	tools    ToolExecutor
	archiver Archiver
	recorder Recorder
	logger   *log.Logger

	mu      sync.RWMutex
	running map[string]*turnHandle

	semaphore chan struct{}
}

func New(cfg Config, policy budget.Policy, engine *compress.Engine, phases PhaseSet, tools ToolExecutor, archiver Archiver, recorder Recorder, logger *log.Logger) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("pipeline config: %w", err)
	}
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("budget policy: %w", err)
	}
	if engine == nil || phases == nil || tools == nil {
		return nil, fmt.Errorf("pipeline: engine, phases and tools are required")
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[PIPELINE] ", log.LstdFlags)
	}
	return &Orchestrator{
		cfg:       cfg,
		policy:    policy,
		engine:    engine,
		phases:    phases,
		tools:     tools,
		archiver:  archiver,
		recorder:  recorder,
		logger:    logger,
		running:   make(map[string]*turnHandle),
		semaphore: make(chan struct{}, cfg.MaxConcurrentTurns),
	}, nil
}

func turnKey(userID string, turnID int64) string {
	return fmt.Sprintf("%s/%d", userID, turnID)
}

// Status reports the progress of a running turn.
func (o *Orchestrator) Status(userID string, turnID int64) (TurnStatus, error) {
	o.mu.RLock()
	handle, ok := o.running[turnKey(userID, turnID)]
	o.mu.RUnlock()
	if !ok {
		return TurnStatus{}, ErrTurnNotFound{UserID: userID, TurnID: turnID}
	}
	handle.mu.Lock()
	defer handle.mu.Unlock()
	return handle.status, nil
}

// Cancel requests cancellation of a running turn. The flag is honored at the
// next phase boundary, never mid-call.
func (o *Orchestrator) Cancel(userID string, turnID int64) error {
	o.mu.RLock()
	handle, ok := o.running[turnKey(userID, turnID)]
	o.mu.RUnlock()
	if !ok {
		return ErrTurnNotFound{UserID: userID, TurnID: turnID}
	}
	handle.cancelled.Store(true)
	return nil
}

// Run drives one turn through phases 0-7. The turn's document is owned by
// this call alone. If events is non-nil, a phase-completion event is sent
// after every phase; a consumer that stops draining blocks the turn.
func (o *Orchestrator) Run(ctx context.Context, tr turn.Turn, query string, events chan<- Event) (Result, error) {
	ctx, span := tracer.Start(ctx, "pipeline.run",
		trace.WithAttributes(
			attribute.String("turn.user_id", tr.UserID),
			attribute.Int64("turn.id", tr.ID),
			attribute.String("turn.mode", string(tr.Mode)),
		))
	defer span.End()

	key := turnKey(tr.UserID, tr.ID)
	handle := &turnHandle{status: TurnStatus{
		UserID:      tr.UserID,
		TurnID:      tr.ID,
		State:       "pending",
		StartedAt:   time.Now(),
		LastUpdated: time.Now(),
	}}
	o.mu.Lock()
	if _, exists := o.running[key]; exists {
		o.mu.Unlock()
		return Result{}, fmt.Errorf("turn %s is already running", key)
	}
	o.running[key] = handle
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.running, key)
		o.mu.Unlock()
	}()

	select {
	case o.semaphore <- struct{}{}:
		defer func() { <-o.semaphore }()
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}

	r := &turnRun{
		o:       o,
		tr:      tr,
		doc:     document.New(query, o.policy),
		monitor: budget.NewMonitor(o.cfg.MaxTurnTokens, o.cfg.MaxTurnDuration),
		handle:  handle,
		events:  events,
		started: time.Now(),
	}

	// model calls anywhere below (phases, tools, compression) charge this
	// turn's monitor through the context
	ctx = budget.WithMonitor(ctx, r.monitor)

	o.logger.Printf("turn %s started", key)
	res, err := r.execute(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetAttributes(
			attribute.String("turn.outcome", string(res.Outcome)),
			attribute.Int64("turn.tokens", res.TokensUsed),
			attribute.Float64("turn.cost_usd", res.CostUSD),
		)
		span.SetStatus(codes.Ok, string(res.Outcome))
	}
	o.logger.Printf("turn %s finished: outcome=%s elapsed=%v", key, res.Outcome, res.Elapsed)
	if o.recorder != nil {
		o.recorder.RecordTurn(res)
	}
	return res, err
}

// turnRun is the per-turn state of one Run call.
type turnRun struct {
	o       *Orchestrator
	tr      turn.Turn
	doc     *document.Document
	monitor *budget.Monitor
	handle  *turnHandle
	events  chan<- Event
	started time.Time

	answer   string
	quality  float64
	warnings []string
}

func (r *turnRun) execute(ctx context.Context) (Result, error) {
	// phase 0: resolve the query
	resolved, err := r.callPhase(ctx, PhaseEnrich, []int{0}, r.o.phases.Enrich)
	if err != nil {
		return r.finish(ctx, OutcomeFail, err)
	}
	if err := r.doc.EnrichQuery(resolved); err != nil {
		return r.finish(ctx, OutcomeFail, err)
	}
	r.emit(ctx, PhaseEnrich, "", false)
	if err := r.checkpoint(); err != nil {
		return r.boundary(ctx, err)
	}

	// phase 1: gate
	decision, gateContent, err := r.gate(ctx)
	if err != nil {
		return r.finish(ctx, OutcomeFail, err)
	}
	r.emit(ctx, PhaseGate, "", false)
	if decision == Clarify {
		r.answer = gateContent
		return r.finish(ctx, OutcomeClarify, nil)
	}
	if err := r.checkpoint(); err != nil {
		return r.boundary(ctx, err)
	}

	// phase 2: recall
	recall, err := r.callPhase(ctx, PhaseRecall, []int{0, 1}, r.o.phases.Recall)
	if err != nil {
		return r.finish(ctx, OutcomeFail, err)
	}
	if err := r.writeSection(ctx, PhaseRecall, recall, document.Replace); err != nil {
		return r.finish(ctx, OutcomeFail, err)
	}
	r.emit(ctx, PhaseRecall, "", false)
	if err := r.checkpoint(); err != nil {
		return r.boundary(ctx, err)
	}

	// phases 3-4: bounded task loop
	route, err := r.taskLoop(ctx)
	if err != nil {
		return r.boundary(ctx, err)
	}
	if route == RouteClarify {
		return r.finish(ctx, OutcomeClarify, nil)
	}

	// phases 5-6: bounded validation loop
	outcome, err := r.validationLoop(ctx)
	if err != nil {
		return r.boundary(ctx, err)
	}
	return r.finish(ctx, outcome, nil)
}

// boundary translates internal loop errors at a phase boundary into the
// terminal outcome: cancellation is a first-class result, everything else
// fails the turn.
func (r *turnRun) boundary(ctx context.Context, err error) (Result, error) {
	if errors.Is(err, errCancelled) {
		return r.finish(ctx, OutcomeCancelled, nil)
	}
	return r.finish(ctx, OutcomeFail, err)
}

func (r *turnRun) gate(ctx context.Context) (GateDecision, string, error) {
	r.setPhase(PhaseGate, "gating query")
	if err := r.trim(ctx); err != nil {
		return "", "", r.phaseErr(PhaseGate, err)
	}
	input, err := r.doc.ReadSections(0)
	if err != nil {
		return "", "", r.phaseErr(PhaseGate, err)
	}
	pctx, cancel := r.phaseCtx(ctx)
	defer cancel()
	decision, content, err := r.o.phases.Gate(pctx, input)
	if err != nil {
		return "", "", r.phaseErr(PhaseGate, err)
	}
	if decision != Proceed && decision != Clarify {
		return "", "", r.phaseErr(PhaseGate, fmt.Errorf("unknown gate decision %q", decision))
	}
	if err := r.writeSection(ctx, PhaseGate, content, document.Replace); err != nil {
		return "", "", err
	}
	return decision, content, nil
}

// taskLoop runs phases 3 and 4 until the planner routes away from execute or
// the iteration bound trips. It returns the effective route: complete or
// clarify.
func (r *turnRun) taskLoop(ctx context.Context) (Route, error) {
	for iter := 0; iter < r.o.cfg.MaxTaskIterations; iter++ {
		route, instruction, err := r.plan(ctx)
		if err != nil {
			return "", err
		}
		r.emit(ctx, PhasePlan, "", false)
		if err := r.checkpoint(); err != nil {
			return "", err
		}

		switch route {
		case RouteComplete:
			return RouteComplete, nil
		case RouteClarify:
			r.answer = instruction
			return RouteClarify, nil
		case RouteExecute:
			if err := r.runTool(ctx, instruction); err != nil {
				return "", err
			}
			r.emit(ctx, PhaseExecute, "", false)
			if err := r.checkpoint(); err != nil {
				return "", err
			}
		default:
			return "", r.phaseErr(PhasePlan, fmt.Errorf("unknown route %q", route))
		}
	}

	r.warn(fmt.Sprintf("task iteration limit %d reached, forcing completion", r.o.cfg.MaxTaskIterations))
	if err := r.writeSection(ctx, PhaseExecute, "WARNING: task iteration limit reached, proceeding with partial results", document.Append); err != nil {
		return "", err
	}
	return RouteComplete, nil
}

func (r *turnRun) plan(ctx context.Context) (Route, string, error) {
	r.setPhase(PhasePlan, "planning next step")
	if err := r.trim(ctx); err != nil {
		return "", "", r.phaseErr(PhasePlan, err)
	}
	input, err := r.doc.ReadSections(0, 1, 2, 3, 4)
	if err != nil {
		return "", "", r.phaseErr(PhasePlan, err)
	}
	pctx, cancel := r.phaseCtx(ctx)
	defer cancel()
	route, content, err := r.o.phases.Plan(pctx, input)
	if err != nil {
		return "", "", r.phaseErr(PhasePlan, err)
	}
	if err := r.writeSection(ctx, PhasePlan, content, document.Replace); err != nil {
		return "", "", err
	}
	return route, content, nil
}

func (r *turnRun) runTool(ctx context.Context, instruction string) error {
	r.setPhase(PhaseExecute, "executing planned step")
	pctx, cancel := r.phaseCtx(ctx)
	defer cancel()
	res, err := r.o.tools.Execute(pctx, r.tr.Mode, instruction)
	if err != nil {
		return r.phaseErr(PhaseExecute, err)
	}
	if res.Status == ToolError {
		return r.phaseErr(PhaseExecute, fmt.Errorf("tool execution failed: %s", res.Result))
	}
	if err := r.writeSection(ctx, PhaseExecute, res.Result, document.Append); err != nil {
		return err
	}
	if len(res.Claims) > 0 {
		now := time.Now().UTC()
		for i := range res.Claims {
			if res.Claims[i].ID == "" {
				res.Claims[i].ID = uuid.NewString()
			}
			if res.Claims[i].RecordedAt.IsZero() {
				res.Claims[i].RecordedAt = now
			}
		}
		if err := r.doc.AddClaims(PhaseExecute, res.Claims); err != nil {
			return r.phaseErr(PhaseExecute, err)
		}
	}
	return nil
}

// validationLoop runs phases 5 and 6 with independent REVISE and RETRY
// counters. Neither counter ever resets within a turn; exhausting REVISE
// forces a best-effort APPROVE, exhausting RETRY forces FAIL.
func (r *turnRun) validationLoop(ctx context.Context) (Outcome, error) {
	reviseCount, retryCount := 0, 0
	for {
		answer, err := r.callPhase(ctx, PhaseSynthesize, []int{0, 2, 3, 4}, r.o.phases.Synthesize)
		if err != nil {
			return "", err
		}
		if err := r.writeSection(ctx, PhaseSynthesize, answer, document.Replace); err != nil {
			return "", err
		}
		if sec, serr := r.doc.GetSection(PhaseSynthesize); serr == nil {
			r.answer = sec.Content
		}
		r.emit(ctx, PhaseSynthesize, "", false)
		if err := r.checkpoint(); err != nil {
			return "", err
		}

		val, err := r.validate(ctx)
		if err != nil {
			return "", err
		}
		r.quality = val.Quality
		r.emit(ctx, PhaseValidate, val.Outcome, false)
		if err := r.checkpoint(); err != nil {
			return "", err
		}

		switch val.Outcome {
		case OutcomeApprove:
			return OutcomeApprove, nil
		case OutcomeFail:
			return OutcomeFail, nil
		case OutcomeRevise:
			reviseCount++
			if reviseCount > r.o.cfg.MaxRevise {
				r.warn(fmt.Sprintf("revise limit %d exhausted, accepting best-effort answer", r.o.cfg.MaxRevise))
				return OutcomeApprove, nil
			}
		case OutcomeRetry:
			retryCount++
			if retryCount > r.o.cfg.MaxRetry {
				r.warn(fmt.Sprintf("retry limit %d exhausted", r.o.cfg.MaxRetry))
				return OutcomeFail, nil
			}
			route, err := r.taskLoop(ctx)
			if err != nil {
				return "", err
			}
			if route == RouteClarify {
				return OutcomeClarify, nil
			}
		default:
			return "", r.phaseErr(PhaseValidate, fmt.Errorf("unknown validation outcome %q", val.Outcome))
		}
	}
}

func (r *turnRun) validate(ctx context.Context) (Validation, error) {
	r.setPhase(PhaseValidate, "validating answer")
	if err := r.trim(ctx); err != nil {
		return Validation{}, r.phaseErr(PhaseValidate, err)
	}
	input, err := r.doc.ReadSections(0, 4, 5)
	if err != nil {
		return Validation{}, r.phaseErr(PhaseValidate, err)
	}
	pctx, cancel := r.phaseCtx(ctx)
	defer cancel()
	val, err := r.o.phases.Validate(pctx, input)
	if err != nil {
		return Validation{}, r.phaseErr(PhaseValidate, err)
	}
	if err := r.writeSection(ctx, PhaseValidate, val.Content, document.Replace); err != nil {
		return Validation{}, err
	}
	return val, nil
}

// callPhase runs a content-only phase: trim for the upcoming call, assemble
// input from the given sections, invoke with a budget-derived timeout.
func (r *turnRun) callPhase(ctx context.Context, phase int, sections []int, fn func(context.Context, string) (string, error)) (string, error) {
	r.setPhase(phase, "running "+PhaseName(phase))
	if err := r.trim(ctx); err != nil {
		return "", r.phaseErr(phase, err)
	}
	input, err := r.doc.ReadSections(sections...)
	if err != nil {
		return "", r.phaseErr(phase, err)
	}
	pctx, cancel := r.phaseCtx(ctx)
	defer cancel()
	out, err := fn(pctx, input)
	if err != nil {
		return "", r.phaseErr(phase, err)
	}
	return out, nil
}

// writeSection routes a phase write through the compression engine, choosing
// revision for sections a bounded loop is revisiting.
func (r *turnRun) writeSection(ctx context.Context, index int, content string, mode document.WriteMode) error {
	sec, err := r.doc.GetSection(index)
	if err != nil {
		return r.phaseErr(index, err)
	}
	var exceeded bool
	if mode == document.Replace && index >= 3 && sec.AttemptCount > 0 {
		exceeded, err = r.o.engine.Revise(ctx, r.doc, index, content)
	} else {
		exceeded, err = r.o.engine.Write(ctx, r.doc, index, content, mode)
	}
	if err != nil {
		return r.phaseErr(index, err)
	}
	if exceeded {
		r.warn(fmt.Sprintf("section %d over budget after maximum compression", index))
	}
	return nil
}

func (r *turnRun) trim(ctx context.Context) error {
	return r.o.engine.TrimForCall(ctx, r.doc, promptOverheadTokens)
}

// phaseCtx derives the per-phase timeout: the configured ceiling, capped by
// whatever remains of the turn's elapsed-time budget.
func (r *turnRun) phaseCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := r.o.cfg.PhaseTimeout
	if rem := r.monitor.Remaining(); rem > 0 && rem < timeout {
		timeout = rem
	}
	return context.WithTimeout(ctx, timeout)
}

// checkpoint is the phase-boundary check: cancellation flag first, then the
// turn's token and time budgets.
func (r *turnRun) checkpoint() error {
	if r.handle.cancelled.Load() {
		return errCancelled
	}
	if err := r.monitor.CheckTokens(); err != nil {
		return err
	}
	return r.monitor.CheckTime()
}

func (r *turnRun) phaseErr(phase int, err error) error {
	if errors.Is(err, errCancelled) {
		return err
	}
	return ErrPhase{UserID: r.tr.UserID, TurnID: r.tr.ID, Phase: phase, Cause: err}
}

func (r *turnRun) warn(msg string) {
	r.warnings = append(r.warnings, msg)
	r.o.logger.Printf("turn %s/%d: %s", r.tr.UserID, r.tr.ID, msg)
}

func (r *turnRun) setPhase(phase int, msg string) {
	r.handle.mu.Lock()
	r.handle.status.Phase = phase
	r.handle.status.State = PhaseName(phase)
	r.handle.status.Message = msg
	r.handle.status.LastUpdated = time.Now()
	r.handle.mu.Unlock()
}

func (r *turnRun) emit(ctx context.Context, phase int, outcome Outcome, terminal bool) {
	if r.events == nil {
		return
	}
	ev := Event{
		UserID:   r.tr.UserID,
		TurnID:   r.tr.ID,
		Phase:    phase,
		Name:     PhaseName(phase),
		Elapsed:  time.Since(r.started),
		Terminal: terminal,
		Outcome:  outcome,
	}
	select {
	case r.events <- ev:
	case <-ctx.Done():
	}
}

// finish is phase 7: persist the terminal state (except for CLARIFY, which
// is a question back to the user, not a completed turn) and assemble the
// result. Persistence runs even when the surrounding context is cancelled.
func (r *turnRun) finish(ctx context.Context, outcome Outcome, runErr error) (Result, error) {
	tokens, cost, elapsed := r.monitor.Usage()
	res := Result{
		Turn:         r.tr,
		Outcome:      outcome,
		Answer:       r.answer,
		QualityScore: r.quality,
		Warnings:     r.warnings,
		Document:     r.doc,
		TokensUsed:   tokens,
		CostUSD:      cost,
		Elapsed:      elapsed,
	}
	r.setPhase(PhaseSave, "persisting turn")
	if outcome != OutcomeClarify && r.o.archiver != nil {
		saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.o.cfg.PhaseTimeout)
		defer cancel()
		if err := r.o.archiver.SaveTurn(saveCtx, res); err != nil {
			r.warn(fmt.Sprintf("persisting turn state failed: %v", err))
			res.Warnings = r.warnings
		}
	}
	r.emit(ctx, PhaseSave, outcome, true)
	if runErr != nil {
		var pe ErrPhase
		if errors.As(runErr, &pe) {
			return res, runErr
		}
		return res, ErrPhase{UserID: r.tr.UserID, TurnID: r.tr.ID, Phase: res.lastPhase(), Cause: runErr}
	}
	return res, nil
}

func (res Result) lastPhase() int {
	if res.Document == nil {
		return PhaseEnrich
	}
	hw := res.Document.HighWater()
	if hw < 0 {
		return PhaseEnrich
	}
	return hw
}
