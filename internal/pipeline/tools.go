package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/arman-rafiee/turnpipe/internal/document"
	"github.com/arman-rafiee/turnpipe/internal/turn"
)

// ExecutorFunc adapts a function to the ToolExecutor interface.
type ExecutorFunc func(ctx context.Context, mode turn.Mode, instruction string) (ToolResult, error)

func (f ExecutorFunc) Execute(ctx context.Context, mode turn.Mode, instruction string) (ToolResult, error) {
	return f(ctx, mode, instruction)
}

// HTTPExecutor forwards instructions to an external tool service. The wire
// contract mirrors the executor interface: one instruction in, a status, an
// opaque result and zero or more claims out.
type HTTPExecutor struct {
	baseURL string
	client  *http.Client
}

func NewHTTPExecutor(baseURL string, timeout time.Duration) *HTTPExecutor {
	return &HTTPExecutor{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

type toolRequest struct {
	Instruction string `json:"instruction"`
	Mode        string `json:"mode"`
}

type toolResponse struct {
	Status string           `json:"status"`
	Result string           `json:"result"`
	Claims []document.Claim `json:"claims,omitempty"`
}

func (e *HTTPExecutor) Execute(ctx context.Context, mode turn.Mode, instruction string) (ToolResult, error) {
	body, err := json.Marshal(toolRequest{Instruction: instruction, Mode: string(mode)})
	if err != nil {
		return ToolResult{}, fmt.Errorf("encoding tool request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/execute", bytes.NewReader(body))
	if err != nil {
		return ToolResult{}, fmt.Errorf("building tool request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return ToolResult{}, fmt.Errorf("tool executor call: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return ToolResult{}, fmt.Errorf("tool executor returned status %d: %s", resp.StatusCode, snippet)
	}

	var tr toolResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return ToolResult{}, fmt.Errorf("decoding tool response: %w", err)
	}
	status := ToolStatus(tr.Status)
	switch status {
	case ToolSuccess, ToolNeedsMoreInfo, ToolError:
	default:
		return ToolResult{}, fmt.Errorf("tool executor returned unknown status %q", tr.Status)
	}
	return ToolResult{Status: status, Result: tr.Result, Claims: tr.Claims}, nil
}
