package budget

import (
	"fmt"
	"sync"
	"time"
)

// Monitor tracks turn-level token usage and elapsed time during a pipeline
// run. It does not enforce section budgets (the compression engine owns
// those); it is the orchestrator's accounting for the whole turn.
type Monitor struct {
	maxTokens  int
	maxElapsed time.Duration
	tokensUsed int64
	costUsed   float64
	startTime  time.Time
	mu         sync.Mutex
}

// NewMonitor starts tracking usage. Zero limits disable the corresponding
// check.
func NewMonitor(maxTokens int, maxElapsed time.Duration) *Monitor {
	return &Monitor{
		maxTokens:  maxTokens,
		maxElapsed: maxElapsed,
		startTime:  time.Now(),
	}
}

// Add records incremental token usage and cost, returning an error if the
// token limit is breached.
func (m *Monitor) Add(tokens int64, cost float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokensUsed += tokens
	m.costUsed += cost
	if m.maxTokens > 0 && m.tokensUsed > int64(m.maxTokens) {
		return ErrExceeded{
			Kind:  "tokens",
			Usage: fmt.Sprintf("%d tokens", m.tokensUsed),
			Limit: fmt.Sprintf("%d tokens", m.maxTokens),
		}
	}
	return nil
}

// CheckTokens verifies accumulated tokens against the configured limit.
func (m *Monitor) CheckTokens() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.maxTokens <= 0 || m.tokensUsed <= int64(m.maxTokens) {
		return nil
	}
	return ErrExceeded{
		Kind:  "tokens",
		Usage: fmt.Sprintf("%d tokens", m.tokensUsed),
		Limit: fmt.Sprintf("%d tokens", m.maxTokens),
	}
}

// CheckTime verifies elapsed time against the configured limit.
func (m *Monitor) CheckTime() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.maxElapsed <= 0 {
		return nil
	}
	elapsed := time.Since(m.startTime)
	if elapsed > m.maxElapsed {
		return ErrExceeded{
			Kind:  "time",
			Usage: elapsed.String(),
			Limit: m.maxElapsed.String(),
		}
	}
	return nil
}

// Usage returns the accumulated metrics.
func (m *Monitor) Usage() (tokens int64, cost float64, elapsed time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tokensUsed, m.costUsed, time.Since(m.startTime)
}

// Remaining reports how much of the elapsed-time budget is left. It is used
// to derive per-phase timeouts; a zero or negative value means the turn is
// already out of time.
func (m *Monitor) Remaining() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.maxElapsed <= 0 {
		return 0
	}
	return m.maxElapsed - time.Since(m.startTime)
}
