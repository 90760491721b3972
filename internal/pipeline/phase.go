package pipeline

import (
	"context"

	"github.com/arman-rafiee/turnpipe/internal/document"
	"github.com/arman-rafiee/turnpipe/internal/turn"
)

// Phase indices. Each maps one-to-one onto a document section, except Save,
// which persists the finished document.
const (
	PhaseEnrich     = 0
	PhaseGate       = 1
	PhaseRecall     = 2
	PhasePlan       = 3
	PhaseExecute    = 4
	PhaseSynthesize = 5
	PhaseValidate   = 6
	PhaseSave       = 7
)

var phaseNames = [...]string{
	"enrich", "gate", "recall", "plan", "execute", "synthesize", "validate", "save",
}

// PhaseName returns the stable lowercase name of a phase index.
func PhaseName(index int) string {
	if index < 0 || index >= len(phaseNames) {
		return "unknown"
	}
	return phaseNames[index]
}

// GateDecision is the binary outcome of the initial gate phase.
type GateDecision string

const (
	Proceed GateDecision = "PROCEED"
	Clarify GateDecision = "CLARIFY"
)

// Route is the planning phase's decision about what happens next.
type Route string

const (
	RouteExecute  Route = "execute"
	RouteComplete Route = "complete"
	RouteClarify  Route = "clarify"
)

// Outcome is a validation decision or a terminal turn result. APPROVE,
// REVISE, RETRY and FAIL come from the validator; CLARIFY and CANCELLED are
// produced by the orchestrator itself.
type Outcome string

const (
	OutcomeApprove   Outcome = "APPROVE"
	OutcomeRevise    Outcome = "REVISE"
	OutcomeRetry     Outcome = "RETRY"
	OutcomeFail      Outcome = "FAIL"
	OutcomeClarify   Outcome = "CLARIFY"
	OutcomeCancelled Outcome = "CANCELLED"
)

// Terminal reports whether the outcome ends a turn.
func (o Outcome) Terminal() bool {
	switch o {
	case OutcomeApprove, OutcomeFail, OutcomeClarify, OutcomeCancelled:
		return true
	}
	return false
}

// Validation is the full result of the validation phase: the decision, the
// section content recording it, and a quality score for the turn's answer.
type Validation struct {
	Outcome Outcome
	Content string
	Quality float64
}

// PhaseSet holds the decision logic the orchestrator drives. Every method is
// a pure transformation from assembled section input to new section content
// plus, where applicable, a routing decision. Implementations never write to
// the document themselves.
type PhaseSet interface {
	// Enrich resolves the raw query (references, ambiguity) into the form
	// stored back into section 0.
	Enrich(ctx context.Context, input string) (string, error)
	// Gate decides whether the turn can proceed; on CLARIFY the content is
	// the clarification question returned to the user.
	Gate(ctx context.Context, input string) (GateDecision, string, error)
	// Recall gathers prior context relevant to the query.
	Recall(ctx context.Context, input string) (string, error)
	// Plan decides the next route and, for execute, the instruction content.
	Plan(ctx context.Context, input string) (Route, string, error)
	// Synthesize produces the user-facing answer from accumulated state.
	Synthesize(ctx context.Context, input string) (string, error)
	// Validate judges the synthesized answer.
	Validate(ctx context.Context, input string) (Validation, error)
}

// ToolStatus classifies a tool execution result.
type ToolStatus string

const (
	ToolSuccess       ToolStatus = "success"
	ToolNeedsMoreInfo ToolStatus = "needs_more_info"
	ToolError         ToolStatus = "error"
)

// ToolResult is what one tool execution produced.
type ToolResult struct {
	Status ToolStatus
	Result string
	Claims []document.Claim
}

// ToolExecutor runs a natural-language instruction against the external tool
// surface. Implementations live outside the core; the orchestrator only sees
// this boundary. The turn's mode travels with every instruction so the tool
// surface can reject side-effecting operations on read-only turns.
type ToolExecutor interface {
	Execute(ctx context.Context, mode turn.Mode, instruction string) (ToolResult, error)
}
