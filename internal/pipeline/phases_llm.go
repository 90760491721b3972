package pipeline

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/arman-rafiee/turnpipe/internal/modelpool"
	"github.com/arman-rafiee/turnpipe/provider"
)

// Role names the pool phases resolve against. Routing from role to physical
// slot is configuration, not code.
const (
	RoleEnrich     = "enrich"
	RoleGate       = "gate"
	RoleRecall     = "recall"
	RolePlan       = "plan"
	RoleSynthesize = "synthesize"
	RoleValidate   = "validate"
)

// PoolPhases is the default PhaseSet: every decision is one model invocation
// through the pool, with the decision encoded on the first output line. An
// output that does not carry a parseable decision is an error, never a
// guessed default.
type PoolPhases struct {
	pool *modelpool.Pool
}

func NewPoolPhases(pool *modelpool.Pool) *PoolPhases {
	return &PoolPhases{pool: pool}
}

func (p *PoolPhases) invoke(ctx context.Context, role, system, input string) (string, error) {
	out, err := p.pool.InvokeRole(ctx, role, []provider.Message{
		{Role: "system", Content: system},
		{Role: "user", Content: input},
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out.Text), nil
}

func (p *PoolPhases) Enrich(ctx context.Context, input string) (string, error) {
	return p.invoke(ctx, RoleEnrich,
		"Rewrite the user query into a fully resolved, self-contained form. Resolve pronouns and implicit references. Output only the resolved query.",
		input)
}

func (p *PoolPhases) Gate(ctx context.Context, input string) (GateDecision, string, error) {
	out, err := p.invoke(ctx, RoleGate,
		"Decide whether the query is actionable. First line: PROCEED or CLARIFY. If CLARIFY, the rest is the clarification question to ask the user.",
		input)
	if err != nil {
		return "", "", err
	}
	head, rest := splitHead(out)
	switch GateDecision(head) {
	case Proceed:
		return Proceed, rest, nil
	case Clarify:
		if rest == "" {
			return "", "", fmt.Errorf("gate returned CLARIFY without a question")
		}
		return Clarify, rest, nil
	}
	return "", "", fmt.Errorf("gate returned unparseable decision %q", head)
}

func (p *PoolPhases) Recall(ctx context.Context, input string) (string, error) {
	return p.invoke(ctx, RoleRecall,
		"List prior knowledge and context relevant to this query. Be concise; omit speculation.",
		input)
}

func (p *PoolPhases) Plan(ctx context.Context, input string) (Route, string, error) {
	out, err := p.invoke(ctx, RolePlan,
		"Decide the next step. First line: ROUTE: execute, ROUTE: complete or ROUTE: clarify. For execute, the rest is one natural-language tool instruction. For clarify, the rest is the question for the user.",
		input)
	if err != nil {
		return "", "", err
	}
	head, rest := splitHead(out)
	head = strings.TrimSpace(strings.TrimPrefix(head, "ROUTE:"))
	switch Route(head) {
	case RouteExecute:
		if rest == "" {
			return "", "", fmt.Errorf("plan routed to execute without an instruction")
		}
		return RouteExecute, rest, nil
	case RouteComplete:
		return RouteComplete, rest, nil
	case RouteClarify:
		if rest == "" {
			return "", "", fmt.Errorf("plan routed to clarify without a question")
		}
		return RouteClarify, rest, nil
	}
	return "", "", fmt.Errorf("plan returned unparseable route %q", head)
}

func (p *PoolPhases) Synthesize(ctx context.Context, input string) (string, error) {
	return p.invoke(ctx, RoleSynthesize,
		"Write the final answer for the user from the accumulated context. Cite evidence where present; do not invent facts.",
		input)
}

func (p *PoolPhases) Validate(ctx context.Context, input string) (Validation, error) {
	out, err := p.invoke(ctx, RoleValidate,
		"Judge the drafted answer against the query and the gathered evidence. First line: OUTCOME: APPROVE, REVISE, RETRY or FAIL. Second line: SCORE: a number in [0,1]. The rest explains the judgment.",
		input)
	if err != nil {
		return Validation{}, err
	}
	head, rest := splitHead(out)
	head = strings.TrimSpace(strings.TrimPrefix(head, "OUTCOME:"))
	outcome := Outcome(head)
	switch outcome {
	case OutcomeApprove, OutcomeRevise, OutcomeRetry, OutcomeFail:
	default:
		return Validation{}, fmt.Errorf("validator returned unparseable outcome %q", head)
	}

	score := 0.0
	scoreLine, body := splitHead(rest)
	if v, ok := strings.CutPrefix(scoreLine, "SCORE:"); ok {
		parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil || parsed < 0 || parsed > 1 {
			return Validation{}, fmt.Errorf("validator returned unparseable score %q", scoreLine)
		}
		score = parsed
	} else {
		body = rest
	}

	content := fmt.Sprintf("outcome: %s\nscore: %.2f\n%s", outcome, score, body)
	return Validation{Outcome: outcome, Content: strings.TrimSpace(content), Quality: score}, nil
}

// splitHead separates the first line from the remainder.
func splitHead(s string) (string, string) {
	head, rest, found := strings.Cut(s, "\n")
	if !found {
		return strings.TrimSpace(head), ""
	}
	return strings.TrimSpace(head), strings.TrimSpace(rest)
}
