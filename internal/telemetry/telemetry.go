package telemetry

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/arman-rafiee/turnpipe/internal/pipeline"
)

// Telemetry aggregates pipeline, pool and compression metrics onto one
// prometheus registry. It satisfies the recorder interfaces of the packages
// it observes; all methods are safe for concurrent use.
type Telemetry struct {
	logger   *log.Logger
	registry *prometheus.Registry

	turnsTotal  *prometheus.CounterVec
	turnSeconds prometheus.Histogram
	turnTokens  prometheus.Counter
	turnCost    prometheus.Counter

	invokesTotal *prometheus.CounterVec
	invokeTokens *prometheus.CounterVec

	swapsTotal  *prometheus.CounterVec
	swapSeconds prometheus.Histogram

	compressionsTotal *prometheus.CounterVec
	wordsSaved        prometheus.Counter
	dataLossWords     prometheus.Counter

	costs *CostTracker
}

func New(logger *log.Logger) *Telemetry {
	if logger == nil {
		logger = log.New(log.Writer(), "[TELEMETRY] ", log.LstdFlags)
	}
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Telemetry{
		logger:   logger,
		registry: registry,
		turnsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "turnpipe_turns_total",
			Help: "Finished turns by terminal outcome.",
		}, []string{"outcome"}),
		turnSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "turnpipe_turn_duration_seconds",
			Help:    "Wall-clock duration of finished turns.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		}),
		turnTokens: factory.NewCounter(prometheus.CounterOpts{
			Name: "turnpipe_turn_tokens_total",
			Help: "Total tokens consumed by finished turns.",
		}),
		turnCost: factory.NewCounter(prometheus.CounterOpts{
			Name: "turnpipe_turn_cost_usd_total",
			Help: "Total estimated model cost of finished turns.",
		}),
		invokesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "turnpipe_pool_invokes_total",
			Help: "Model invocations by role, model and status.",
		}, []string{"role", "model", "status"}),
		invokeTokens: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "turnpipe_pool_tokens_total",
			Help: "Tokens moved through the pool by role and direction.",
		}, []string{"role", "direction"}),
		swapsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "turnpipe_pool_swaps_total",
			Help: "Cold slot swaps by resource class.",
		}, []string{"class"}),
		swapSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "turnpipe_pool_swap_duration_seconds",
			Help:    "Duration of cold slot swaps.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		}),
		compressionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "turnpipe_compressions_total",
			Help: "Compression passes by trigger level.",
		}, []string{"level"}),
		wordsSaved: factory.NewCounter(prometheus.CounterOpts{
			Name: "turnpipe_compression_words_saved_total",
			Help: "Words removed by compression passes.",
		}),
		dataLossWords: factory.NewCounter(prometheus.CounterOpts{
			Name: "turnpipe_compression_data_loss_words_total",
			Help: "Words dropped outright by last-resort truncation.",
		}),
		costs: NewCostTracker(),
	}
}

// Registry exposes the underlying registry for additional collectors.
func (t *Telemetry) Registry() *prometheus.Registry { return t.registry }

// Handler serves the metrics endpoint.
func (t *Telemetry) Handler() http.Handler {
	return promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{})
}

// Costs exposes the cost tracker.
func (t *Telemetry) Costs() *CostTracker { return t.costs }

// RecordTurn implements pipeline.Recorder.
func (t *Telemetry) RecordTurn(res pipeline.Result) {
	t.turnsTotal.WithLabelValues(string(res.Outcome)).Inc()
	t.turnSeconds.Observe(res.Elapsed.Seconds())
	t.turnTokens.Add(float64(res.TokensUsed))
	t.turnCost.Add(res.CostUSD)
	t.costs.AddTurn(res.TokensUsed, res.CostUSD)
}

// RecordSwap implements modelpool.Recorder.
func (t *Telemetry) RecordSwap(class, from, to string, d time.Duration) {
	t.swapsTotal.WithLabelValues(class).Inc()
	t.swapSeconds.Observe(d.Seconds())
	t.logger.Printf("swap class=%s %q -> %q in %v", class, from, to, d)
}

// RecordInvoke implements modelpool.Recorder.
func (t *Telemetry) RecordInvoke(role, model string, promptTokens, completionTokens int, cost float64, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	t.invokesTotal.WithLabelValues(role, model, status).Inc()
	t.invokeTokens.WithLabelValues(role, "prompt").Add(float64(promptTokens))
	t.invokeTokens.WithLabelValues(role, "completion").Add(float64(completionTokens))
	t.costs.AddInvoke(model, int64(promptTokens+completionTokens), cost)
}

// RecordCompression implements compress.Recorder.
func (t *Telemetry) RecordCompression(section, originalWords, compressedWords, level int) {
	t.compressionsTotal.WithLabelValues(levelLabel(level)).Inc()
	if saved := originalWords - compressedWords; saved > 0 {
		t.wordsSaved.Add(float64(saved))
	}
}

// RecordDataLoss implements compress.Recorder.
func (t *Telemetry) RecordDataLoss(section, droppedWords int) {
	t.dataLossWords.Add(float64(droppedWords))
	t.logger.Printf("data loss: section %d dropped %d words", section, droppedWords)
}

func levelLabel(level int) string {
	switch level {
	case 1:
		return "section"
	case 2:
		return "document"
	case 3:
		return "call"
	}
	return "unknown"
}

// CostTracker keeps a running account of spend per model, independent of the
// metrics registry so it can be served as JSON.
type CostTracker struct {
	mu          sync.RWMutex
	modelCosts  map[string]float64
	modelTokens map[string]int64
	totalCost   float64
	totalTokens int64
	turns       int64
}

func NewCostTracker() *CostTracker {
	return &CostTracker{
		modelCosts:  make(map[string]float64),
		modelTokens: make(map[string]int64),
	}
}

func (c *CostTracker) AddInvoke(model string, tokens int64, cost float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.modelCosts[model] += cost
	c.modelTokens[model] += tokens
}

func (c *CostTracker) AddTurn(tokens int64, cost float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.turns++
	c.totalTokens += tokens
	c.totalCost += cost
}

// CostSnapshot is a point-in-time copy of the accumulated spend.
type CostSnapshot struct {
	Turns       int64              `json:"turns"`
	TotalTokens int64              `json:"total_tokens"`
	TotalCost   float64            `json:"total_cost_usd"`
	ModelCosts  map[string]float64 `json:"model_costs_usd"`
	ModelTokens map[string]int64   `json:"model_tokens"`
}

func (c *CostTracker) Snapshot() CostSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snap := CostSnapshot{
		Turns:       c.turns,
		TotalTokens: c.totalTokens,
		TotalCost:   c.totalCost,
		ModelCosts:  make(map[string]float64, len(c.modelCosts)),
		ModelTokens: make(map[string]int64, len(c.modelTokens)),
	}
	for k, v := range c.modelCosts {
		snap.ModelCosts[k] = v
	}
	for k, v := range c.modelTokens {
		snap.ModelTokens[k] = v
	}
	return snap
}
