package compress

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"

	"github.com/arman-rafiee/turnpipe/internal/budget"
	"github.com/arman-rafiee/turnpipe/internal/document"
)

// Summarizer performs the actual lightweight compression invocation. The
// pool-backed implementation lives in summarizer.go; tests substitute fakes.
type Summarizer interface {
	Summarize(ctx context.Context, content string, targetWords int, preserve []string) (string, error)
}

// Recorder receives compression observability events.
type Recorder interface {
	RecordCompression(section, originalWords, compressedWords, level int)
	RecordDataLoss(section, droppedWords int)
}

// documentClasses groups the sections document-level compression may touch,
// most expendable class first: recall narrative, execution iterations and
// synthesis drafts, then plan and gate, then validation. Section 0 is never
// touched.
var documentClasses = [][]int{
	{2, 4, 5},
	{3, 1},
	{6},
}

// compressionOrder walks the classes in ascending priority and, within each
// class, visits the largest section first.
func compressionOrder(doc *document.Document) []int {
	order := make([]int, 0, 6)
	for _, class := range documentClasses {
		sorted := append([]int(nil), class...)
		sort.SliceStable(sorted, func(i, j int) bool {
			return sectionTokens(doc, sorted[i]) > sectionTokens(doc, sorted[j])
		})
		order = append(order, sorted...)
	}
	return order
}

func sectionTokens(doc *document.Document, index int) int {
	sec, err := doc.GetSection(index)
	if err != nil {
		return 0
	}
	return budget.EstimateTokens(sec.Content)
}

// Engine guarantees that section writes land within budget, escalating
// through three trigger levels: per-section summarization, document-level
// compression, and aggressive truncation before a model call.
type Engine struct {
	policy     budget.Policy
	summarizer Summarizer
	logger     *log.Logger
	recorder   Recorder
}

// NewEngine builds the engine. The policy must already be validated.
func NewEngine(policy budget.Policy, summarizer Summarizer, logger *log.Logger, recorder Recorder) *Engine {
	if logger == nil {
		logger = log.New(log.Writer(), "[COMPRESS] ", log.LstdFlags)
	}
	return &Engine{policy: policy, summarizer: summarizer, logger: logger, recorder: recorder}
}

// Write applies a phase write to the document. The content passes through
// the trigger hierarchy before the document keeps it; if even the last level
// cannot bring the section under budget the write still lands, flagged, and
// the returned bool is true.
func (e *Engine) Write(ctx context.Context, doc *document.Document, index int, content string, mode document.WriteMode) (bool, error) {
	if err := doc.WriteSection(index, content, mode); err != nil {
		return false, err
	}
	exceeded, err := e.shrinkSection(ctx, doc, index)
	if err != nil {
		return false, err
	}
	if err := e.shrinkDocument(ctx, doc); err != nil {
		return exceeded, err
	}
	return exceeded, nil
}

// Revise is Write for the bounded loops' section rewrites.
func (e *Engine) Revise(ctx context.Context, doc *document.Document, index int, content string) (bool, error) {
	if err := doc.ReviseSection(index, content); err != nil {
		return false, err
	}
	exceeded, err := e.shrinkSection(ctx, doc, index)
	if err != nil {
		return false, err
	}
	if err := e.shrinkDocument(ctx, doc); err != nil {
		return exceeded, err
	}
	return exceeded, nil
}

// shrinkSection applies level 1 (summarize) and, when that is not enough,
// falls through to truncation for the single section.
func (e *Engine) shrinkSection(ctx context.Context, doc *document.Document, index int) (bool, error) {
	sec, err := doc.GetSection(index)
	if err != nil {
		return false, err
	}
	limits := e.policy.ForSection(index)
	words := sec.WordCount()
	if words <= limits.MaxWords {
		return false, nil
	}

	target := e.policy.TargetWords(index)
	spans := e.spans(doc, sec.Content)
	compressed, err := e.summarizer.Summarize(ctx, sec.Content, target, spans)
	if err != nil {
		return false, fmt.Errorf("summarization for section %d: %w", index, err)
	}
	compressed = EnsurePreserved(compressed, spans)
	if e.recorder != nil {
		e.recorder.RecordCompression(index, words, budget.Words(compressed), 1)
	}

	if budget.Words(compressed) > limits.MaxWords {
		// level 1 was not enough; drop narrative outright, keeping the
		// preserved classes. This is data loss and is logged as such.
		truncated := truncate(compressed, limits.MaxWords, spans)
		dropped := budget.Words(compressed) - budget.Words(truncated)
		e.logger.Printf("data loss: section %d truncated by %d words", index, dropped)
		if e.recorder != nil {
			e.recorder.RecordDataLoss(index, dropped)
		}
		compressed = truncated
	}

	if err := doc.SetContent(index, compressed); err != nil {
		return false, err
	}
	if budget.Words(compressed) > limits.MaxWords {
		// preserved content alone is over budget; keep it and flag.
		if err := doc.FlagBudgetExceeded(index); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}

// shrinkDocument is level 2: while the document sits above the soft token
// ceiling, compress the most expendable sections toward their target size.
func (e *Engine) shrinkDocument(ctx context.Context, doc *document.Document) error {
	plan := BuildPlan(doc, e.policy)
	if !plan.OverSoftCeiling() {
		return nil
	}
	for _, index := range compressionOrder(doc) {
		sec, err := doc.GetSection(index)
		if err != nil {
			return err
		}
		if sec.Content == "" {
			continue
		}
		target := e.policy.TargetWords(index)
		words := sec.WordCount()
		if words <= target {
			continue
		}
		spans := e.spans(doc, sec.Content)
		compressed, err := e.summarizer.Summarize(ctx, sec.Content, target, spans)
		if err != nil {
			return fmt.Errorf("document compression for section %d: %w", index, err)
		}
		compressed = EnsurePreserved(compressed, spans)
		if err := doc.SetContent(index, compressed); err != nil {
			return err
		}
		if e.recorder != nil {
			e.recorder.RecordCompression(index, words, budget.Words(compressed), 2)
		}
		if !BuildPlan(doc, e.policy).OverSoftCeiling() {
			return nil
		}
	}
	return nil
}

// TrimForCall is level 3: before assembling the next phase call, make sure
// prompt plus document fit the hard per-call ceiling. Lowest-priority
// content is dropped outright, logged as a data-loss event. If preserved
// content alone still cannot fit, a typed budget error is returned so the
// orchestrator can surface it.
func (e *Engine) TrimForCall(ctx context.Context, doc *document.Document, promptTokens int) error {
	over := func() int {
		return promptTokens + doc.TotalTokens() - e.policy.DocumentMaxTokens
	}
	if over() <= 0 {
		return nil
	}
	e.logger.Printf("call overflow: %d tokens over hard ceiling, truncating", over())
	for _, index := range compressionOrder(doc) {
		if over() <= 0 {
			return nil
		}
		sec, err := doc.GetSection(index)
		if err != nil {
			return err
		}
		if sec.Content == "" {
			continue
		}
		spans := e.spans(doc, sec.Content)
		kept := strings.Join(spans, "\n")
		dropped := budget.Words(sec.Content) - budget.Words(kept)
		if dropped <= 0 {
			continue
		}
		if err := doc.SetContent(index, kept); err != nil {
			return err
		}
		if e.recorder != nil {
			e.recorder.RecordDataLoss(index, dropped)
		}
		e.logger.Printf("data loss: section %d dropped to preserved content (-%d words)", index, dropped)
	}
	if over() > 0 {
		return budget.ErrExceeded{
			Kind:  "document",
			Usage: fmt.Sprintf("%d tokens", promptTokens+doc.TotalTokens()),
			Limit: fmt.Sprintf("%d tokens", e.policy.DocumentMaxTokens),
		}
	}
	return nil
}

// spans extends the content's preserve classes with the original query
// text when a section quotes it; the query must survive any level verbatim.
func (e *Engine) spans(doc *document.Document, content string) []string {
	spans := PreservedSpans(content)
	if query, err := doc.GetSection(0); err == nil {
		q := strings.TrimSpace(query.Content)
		if q != "" && strings.Contains(content, q) {
			spans = append([]string{q}, spans...)
		}
	}
	return spans
}

// truncate keeps the preserved spans and as much leading narrative as fits.
func truncate(content string, maxWords int, spans []string) string {
	preserved := strings.Join(spans, "\n")
	budgetLeft := maxWords - budget.Words(preserved)
	if budgetLeft <= 0 {
		return preserved
	}
	spanSet := make(map[string]bool, len(spans))
	for _, s := range spans {
		spanSet[s] = true
	}
	var kept []string
	for _, line := range strings.Split(content, "\n") {
		if spanSet[strings.TrimSpace(line)] {
			continue
		}
		w := budget.Words(line)
		if w > budgetLeft {
			break
		}
		budgetLeft -= w
		kept = append(kept, line)
	}
	narrative := strings.TrimSpace(strings.Join(kept, "\n"))
	if narrative == "" {
		return preserved
	}
	if preserved == "" {
		return narrative
	}
	return narrative + "\n" + preserved
}
