package compress

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/arman-rafiee/turnpipe/internal/budget"
	"github.com/arman-rafiee/turnpipe/internal/document"
)

// fakeSummarizer keeps the first targetWords words and drops everything
// else, including preserve hints; the engine must repair preservation
// itself.
type fakeSummarizer struct {
	calls int
}

func (f *fakeSummarizer) Summarize(ctx context.Context, content string, targetWords int, preserve []string) (string, error) {
	f.calls++
	fields := strings.Fields(content)
	if len(fields) > targetWords {
		fields = fields[:targetWords]
	}
	return strings.Join(fields, " "), nil
}

type failingSummarizer struct{}

func (failingSummarizer) Summarize(ctx context.Context, content string, targetWords int, preserve []string) (string, error) {
	return "", errors.New("summarizer unavailable")
}

type recordedEvent struct {
	section int
	level   int
}

type fakeRecorder struct {
	compressions []recordedEvent
	losses       []int
}

func (r *fakeRecorder) RecordCompression(section, originalWords, compressedWords, level int) {
	r.compressions = append(r.compressions, recordedEvent{section: section, level: level})
}

func (r *fakeRecorder) RecordDataLoss(section, droppedWords int) {
	r.losses = append(r.losses, section)
}

func loosePolicy() budget.Policy {
	return budget.Policy{
		DefaultSection:         budget.SectionLimits{MaxWords: 500, MaxTokens: 4000},
		DocumentSoftTokens:     100000,
		DocumentMaxTokens:      200000,
		CompressionTargetRatio: 0.5,
	}
}

func narrative(n int) string {
	words := make([]string, n)
	for i := range words {
		words[i] = fmt.Sprintf("w%03d", i)
	}
	return strings.Join(words, " ")
}

func TestSmallWriteStoredVerbatim(t *testing.T) {
	sum := &fakeSummarizer{}
	eng := NewEngine(loosePolicy(), sum, nil, nil)
	doc := document.New("query", loosePolicy())

	content := "a short gate decision well under budget"
	exceeded, err := eng.Write(context.Background(), doc, 1, content, document.Replace)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if exceeded {
		t.Fatalf("small write must not be flagged")
	}
	if sum.calls != 0 {
		t.Fatalf("compression must not run for content under budget")
	}
	sec, _ := doc.GetSection(1)
	if sec.Content != content {
		t.Fatalf("expected verbatim storage, got %q", sec.Content)
	}
}

func TestOversizeWriteCompressed(t *testing.T) {
	sum := &fakeSummarizer{}
	eng := NewEngine(loosePolicy(), sum, nil, nil)
	doc := document.New("query", loosePolicy())

	original := narrative(1200)
	exceeded, err := eng.Write(context.Background(), doc, 2, original, document.Replace)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if exceeded {
		t.Fatalf("compressible narrative must not be flagged")
	}
	if sum.calls != 1 {
		t.Fatalf("expected one summarization call, got %d", sum.calls)
	}
	sec, _ := doc.GetSection(2)
	if got := sec.WordCount(); got > 500 {
		t.Fatalf("compressed section still over budget: %d words", got)
	}
	// nothing fabricated: every surviving word came from the original
	for _, w := range strings.Fields(sec.Content) {
		if !strings.Contains(original, w) {
			t.Fatalf("compressed output contains invented word %q", w)
		}
	}
}

func TestCriticalContentSurvivesCompression(t *testing.T) {
	query := "compare laptop prices under 1500"
	errorLine := "ERROR: fetch failed with status 503"
	url := "https://shop.example.com/listing/7"
	price := "$1,299.99"

	pol := loosePolicy()
	pol.Sections = map[int]budget.SectionLimits{4: {MaxWords: 100, MaxTokens: 4000}}
	eng := NewEngine(pol, &fakeSummarizer{}, nil, nil)
	doc := document.New(query, pol)

	content := query + "\n" + errorLine + "\nfound " + url + " at " + price + "\n" + narrative(600)
	if _, err := eng.Write(context.Background(), doc, 4, content, document.Replace); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	sec, _ := doc.GetSection(4)
	for _, must := range []string{query, errorLine, url, price} {
		if !strings.Contains(sec.Content, must) {
			t.Fatalf("critical content %q lost during compression", must)
		}
	}
}

func TestPreservedAloneOverBudgetFlags(t *testing.T) {
	pol := loosePolicy()
	pol.Sections = map[int]budget.SectionLimits{4: {MaxWords: 50, MaxTokens: 4000}}
	rec := &fakeRecorder{}
	eng := NewEngine(pol, &fakeSummarizer{}, nil, rec)
	doc := document.New("query", pol)

	// every line is an error line, so nothing may be dropped
	lines := make([]string, 40)
	for i := range lines {
		lines[i] = fmt.Sprintf("ERROR: step %03d failed with a long diagnostic message attached", i)
	}
	content := strings.Join(lines, "\n")

	exceeded, err := eng.Write(context.Background(), doc, 4, content, document.Replace)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !exceeded {
		t.Fatalf("section that cannot shrink under budget must report exceeded")
	}
	sec, _ := doc.GetSection(4)
	if !sec.BudgetExceeded {
		t.Fatalf("budget-exceeded flag not set on section")
	}
	for _, line := range lines {
		if !strings.Contains(sec.Content, line) {
			t.Fatalf("error line %q dropped even though errors are preserved", line)
		}
	}
}

func TestDocumentCeilingCompression(t *testing.T) {
	pol := budget.Policy{
		DefaultSection:         budget.SectionLimits{MaxWords: 10000, MaxTokens: 100000},
		DocumentSoftTokens:     400,
		DocumentMaxTokens:      5000,
		CompressionTargetRatio: 0.01,
	}
	rec := &fakeRecorder{}
	eng := NewEngine(pol, &fakeSummarizer{}, nil, rec)
	doc := document.New("q", pol)

	// section 2 alone sits under the soft ceiling
	if _, err := eng.Write(context.Background(), doc, 2, narrative(300), document.Replace); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rec.compressions) != 0 {
		t.Fatalf("no compression expected below the soft ceiling")
	}

	// section 3 pushes the document over; expendable sections shrink in order
	if _, err := eng.Write(context.Background(), doc, 3, narrative(300), document.Replace); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if doc.TotalTokens() > pol.DocumentSoftTokens {
		t.Fatalf("document still over soft ceiling: %d tokens", doc.TotalTokens())
	}
	if len(rec.compressions) == 0 {
		t.Fatalf("expected level 2 compression events")
	}
	if rec.compressions[0].section != 2 || rec.compressions[0].level != 2 {
		t.Fatalf("expected recall narrative compressed first at level 2, got %+v", rec.compressions[0])
	}
}

func TestDocumentCompressionTargetsLargestFirst(t *testing.T) {
	pol := budget.Policy{
		DefaultSection:         budget.SectionLimits{MaxWords: 10000, MaxTokens: 100000},
		DocumentSoftTokens:     400,
		DocumentMaxTokens:      5000,
		CompressionTargetRatio: 0.01,
	}
	rec := &fakeRecorder{}
	eng := NewEngine(pol, &fakeSummarizer{}, nil, rec)
	doc := document.New("q", pol)

	if _, err := eng.Write(context.Background(), doc, 2, narrative(100), document.Replace); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// section 4 shares section 2's priority class but is five times larger,
	// so it must be the first one compressed when the ceiling is crossed
	if _, err := eng.Write(context.Background(), doc, 4, narrative(500), document.Replace); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if doc.TotalTokens() > pol.DocumentSoftTokens {
		t.Fatalf("document still over soft ceiling: %d tokens", doc.TotalTokens())
	}
	if len(rec.compressions) != 1 {
		t.Fatalf("expected exactly one compression event, got %+v", rec.compressions)
	}
	if rec.compressions[0].section != 4 || rec.compressions[0].level != 2 {
		t.Fatalf("expected the larger execution section compressed first, got %+v", rec.compressions[0])
	}
}

func TestTrimForCallDropsToPreserved(t *testing.T) {
	pol := loosePolicy()
	pol.DocumentMaxTokens = 600
	pol.DocumentSoftTokens = 600
	rec := &fakeRecorder{}
	eng := NewEngine(pol, &fakeSummarizer{}, nil, rec)
	doc := document.New("q", pol)

	url := "https://api.example.com/results/99"
	content := narrative(400) + "\nevidence at " + url
	if _, err := eng.Write(context.Background(), doc, 4, content, document.Replace); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := eng.TrimForCall(context.Background(), doc, 550); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sec, _ := doc.GetSection(4)
	if sec.Content != url {
		t.Fatalf("expected section reduced to preserved evidence, got %q", sec.Content)
	}
	if len(rec.losses) == 0 {
		t.Fatalf("call-level truncation must record data loss")
	}
}

func TestTrimForCallHardFailure(t *testing.T) {
	pol := loosePolicy()
	pol.DocumentMaxTokens = 100
	pol.DocumentSoftTokens = 100
	eng := NewEngine(pol, &fakeSummarizer{}, nil, nil)
	doc := document.New("q", pol)

	if _, err := eng.Write(context.Background(), doc, 4, "result stored", document.Replace); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	err := eng.TrimForCall(context.Background(), doc, 10000)
	var exceeded budget.ErrExceeded
	if !errors.As(err, &exceeded) {
		t.Fatalf("expected typed budget error, got %v", err)
	}
	if exceeded.Kind != "document" {
		t.Fatalf("expected document-kind breach, got %+v", exceeded)
	}
}

func TestReviseCompressesRewrite(t *testing.T) {
	sum := &fakeSummarizer{}
	eng := NewEngine(loosePolicy(), sum, nil, nil)
	doc := document.New("q", loosePolicy())
	ctx := context.Background()

	for idx := 1; idx <= 5; idx++ {
		if _, err := eng.Write(ctx, doc, idx, "pass one", document.Replace); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if _, err := eng.Revise(ctx, doc, 4, narrative(900)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sec, _ := doc.GetSection(4)
	if sec.WordCount() > 500 {
		t.Fatalf("revised section still over budget: %d words", sec.WordCount())
	}
	if doc.HighWater() != 4 {
		t.Fatalf("revision must pull the high-water mark back, got %d", doc.HighWater())
	}
}

func TestReviseRejectsEarlySections(t *testing.T) {
	eng := NewEngine(loosePolicy(), &fakeSummarizer{}, nil, nil)
	doc := document.New("q", loosePolicy())
	_, err := eng.Revise(context.Background(), doc, 1, "rewrite")
	var inv document.ErrInvariant
	if !errors.As(err, &inv) {
		t.Fatalf("expected invariant violation, got %v", err)
	}
}

func TestSummarizerFailurePropagates(t *testing.T) {
	eng := NewEngine(loosePolicy(), failingSummarizer{}, nil, nil)
	doc := document.New("q", loosePolicy())
	_, err := eng.Write(context.Background(), doc, 2, narrative(900), document.Replace)
	if err == nil || !strings.Contains(err.Error(), "summarization") {
		t.Fatalf("expected wrapped summarizer failure, got %v", err)
	}
}
