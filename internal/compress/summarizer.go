package compress

import (
	"context"
	"fmt"
	"strings"

	"github.com/arman-rafiee/turnpipe/internal/modelpool"
	"github.com/arman-rafiee/turnpipe/provider"
)

// CompressRole is the logical pool role used for summarization. It maps to
// a hot slot with low temperature; compression must never trigger a cold
// swap of its own.
const CompressRole = "compress"

// PoolSummarizer performs compression through the model pool.
type PoolSummarizer struct {
	Pool *modelpool.Pool
}

// Summarize asks the compression role to shorten content to roughly
// targetWords, with explicit hints for the spans that must survive
// verbatim. The engine re-checks preservation afterwards regardless.
func (s *PoolSummarizer) Summarize(ctx context.Context, content string, targetWords int, preserve []string) (string, error) {
	var hints string
	if len(preserve) > 0 {
		hints = "Preserve the following fragments exactly as written:\n" + strings.Join(preserve, "\n") + "\n\n"
	}
	prompt := fmt.Sprintf(
		"Compress the text below to at most %d words. Keep facts, drop filler; never invent content.\n%sText:\n%s",
		targetWords, hints, content,
	)
	out, err := s.Pool.InvokeRole(ctx, CompressRole, []provider.Message{{Role: "user", Content: prompt}})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out.Text), nil
}
