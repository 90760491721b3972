package document

import (
	"fmt"
	"strings"

	"github.com/arman-rafiee/turnpipe/internal/budget"
)

// SectionCount is the fixed number of sections in a context document.
const SectionCount = 7

// SectionTitles are the stable header names, indexed by section. Persisted
// turn layouts and the audit index depend on these strings staying put.
var SectionTitles = [SectionCount]string{
	"Query",
	"Gate",
	"Recall",
	"Plan",
	"Execution",
	"Synthesis",
	"Validation",
}

// WriteMode selects how a section write is applied.
type WriteMode int

const (
	// Replace overwrites the section; legal only for the section the
	// active phase is currently producing.
	Replace WriteMode = iota
	// Append accumulates content across loop iterations.
	Append
)

// Section is one numbered, budgeted region of a context document.
type Section struct {
	Index          int     `json:"index"`
	Content        string  `json:"content"`
	AttemptCount   int     `json:"attempt_count"`
	BudgetExceeded bool    `json:"budget_exceeded"`
	Claims         []Claim `json:"claims,omitempty"`
}

// WordCount returns the current word count of the section.
func (s Section) WordCount() int { return budget.Words(s.Content) }

// Document is the per-turn append-only state container. It is owned
// exclusively by its turn's orchestrator, so it carries no lock; concurrent
// access from multiple turns is a bug, not a supported mode.
type Document struct {
	sections [SectionCount]Section
	policy   budget.Policy

	enriched  bool
	highWater int // highest index ever written in Replace mode
	refs      []Reference
}

// New initializes a document with the raw query in section 0 and all other
// sections empty.
func New(initialQuery string, policy budget.Policy) *Document {
	d := &Document{policy: policy, highWater: -1}
	for i := range d.sections {
		d.sections[i].Index = i
	}
	d.sections[0].Content = initialQuery
	return d
}

// Policy returns the budget policy the document was created with.
func (d *Document) Policy() budget.Policy { return d.policy }

// EnrichQuery replaces section 0 with the resolved form of the query. It is
// allowed exactly once; any later attempt is an invariant violation.
func (d *Document) EnrichQuery(resolved string) error {
	if d.enriched {
		return ErrInvariant{Op: "EnrichQuery", Section: 0, Reason: "section 0 already enriched"}
	}
	d.sections[0].Content = resolved
	d.enriched = true
	return nil
}

// Enriched reports whether section 0 has received its resolved form.
func (d *Document) Enriched() bool { return d.enriched }

// WriteSection stores content in the given section. Replace-mode writes must
// arrive in non-decreasing index order; writing below the high-water mark is
// an invariant violation (loop revisits go through ReviseSection instead).
// The caller is expected to have passed content through the compression
// engine first.
func (d *Document) WriteSection(index int, content string, mode WriteMode) error {
	if err := d.checkIndex("WriteSection", index); err != nil {
		return err
	}
	if index == 0 {
		return ErrInvariant{Op: "WriteSection", Section: 0, Reason: "section 0 is written only at creation and by EnrichQuery"}
	}
	switch mode {
	case Replace:
		if index < d.highWater {
			return ErrInvariant{
				Op:      "WriteSection",
				Section: index,
				Reason:  fmt.Sprintf("replace below high-water mark %d", d.highWater),
			}
		}
		d.sections[index].Content = content
		d.sections[index].BudgetExceeded = false
		d.highWater = index
	case Append:
		if index > d.highWater {
			d.highWater = index
		}
		if d.sections[index].Content == "" {
			d.sections[index].Content = content
		} else {
			d.sections[index].Content += "\n" + content
		}
	default:
		return ErrInvariant{Op: "WriteSection", Section: index, Reason: "unknown write mode"}
	}
	d.sections[index].AttemptCount++
	return nil
}

// ReviseSection rewrites a section revisited by one of the bounded loops.
// Only sections 3–6 may be revisited; the high-water mark drops back to the
// revised index so the forward pass can replay from there.
func (d *Document) ReviseSection(index int, content string) error {
	if err := d.checkIndex("ReviseSection", index); err != nil {
		return err
	}
	if index < 3 {
		return ErrInvariant{Op: "ReviseSection", Section: index, Reason: "only sections 3-6 may be revisited"}
	}
	d.sections[index].Content = content
	d.sections[index].AttemptCount++
	d.sections[index].BudgetExceeded = false
	d.highWater = index
	return nil
}

// SetContent overwrites a section's text without touching write-order state.
// It exists for the compression engine, which shrinks already-accepted
// content in place; phase writes must use WriteSection/ReviseSection.
func (d *Document) SetContent(index int, content string) error {
	if err := d.checkIndex("SetContent", index); err != nil {
		return err
	}
	if index == 0 {
		return ErrInvariant{Op: "SetContent", Section: 0, Reason: "section 0 is never compressed"}
	}
	d.sections[index].Content = content
	return nil
}

// FlagBudgetExceeded marks a section whose content could not be brought
// under budget even at the most aggressive compression level.
func (d *Document) FlagBudgetExceeded(index int) error {
	if err := d.checkIndex("FlagBudgetExceeded", index); err != nil {
		return err
	}
	d.sections[index].BudgetExceeded = true
	return nil
}

// AddClaims attaches validated claims to the section that produced them.
func (d *Document) AddClaims(index int, claims []Claim) error {
	if err := d.checkIndex("AddClaims", index); err != nil {
		return err
	}
	for _, c := range claims {
		if err := c.Validate(); err != nil {
			return fmt.Errorf("rejecting claim for section %d: %w", index, err)
		}
	}
	d.sections[index].Claims = append(d.sections[index].Claims, claims...)
	return nil
}

// GetSection returns a copy of the section, including metadata.
func (d *Document) GetSection(index int) (Section, error) {
	if err := d.checkIndex("GetSection", index); err != nil {
		return Section{}, err
	}
	sec := d.sections[index]
	sec.Claims = append([]Claim(nil), sec.Claims...)
	return sec, nil
}

// Sections returns copies of all sections in index order.
func (d *Document) Sections() []Section {
	out := make([]Section, 0, SectionCount)
	for i := range d.sections {
		sec, _ := d.GetSection(i)
		out = append(out, sec)
	}
	return out
}

// ReadSections concatenates the requested sections in index order, each
// prefixed by its stable header. Reads never trigger compression.
func (d *Document) ReadSections(indices ...int) (string, error) {
	seen := make(map[int]bool, len(indices))
	ordered := make([]int, 0, len(indices))
	for _, idx := range indices {
		if err := d.checkIndex("ReadSections", idx); err != nil {
			return "", err
		}
		if !seen[idx] {
			seen[idx] = true
			ordered = append(ordered, idx)
		}
	}
	for i := 1; i < len(ordered); i++ {
		for j := i; j > 0 && ordered[j] < ordered[j-1]; j-- {
			ordered[j], ordered[j-1] = ordered[j-1], ordered[j]
		}
	}
	var b strings.Builder
	for _, idx := range ordered {
		b.WriteString(SectionHeader(idx))
		b.WriteString("\n")
		b.WriteString(d.sections[idx].Content)
		b.WriteString("\n\n")
	}
	return b.String(), nil
}

// TotalTokens estimates the token count of the whole document.
func (d *Document) TotalTokens() int {
	total := 0
	for i := range d.sections {
		total += budget.EstimateTokens(d.sections[i].Content)
	}
	return total
}

// HighWater returns the highest section index written in replace mode.
func (d *Document) HighWater() int { return d.highWater }

// AddReference records an outgoing document link.
func (d *Document) AddReference(ref Reference) { d.refs = append(d.refs, ref) }

// References returns the document's outgoing links.
func (d *Document) References() []Reference {
	return append([]Reference(nil), d.refs...)
}

func (d *Document) checkIndex(op string, index int) error {
	if index < 0 || index >= SectionCount {
		return ErrInvariant{Op: op, Section: index, Reason: "section index out of range"}
	}
	return nil
}

// SectionHeader returns the stable header line for a section index. This is
// a compatibility surface: persisted layouts and the audit index depend on
// the exact text.
func SectionHeader(index int) string {
	return fmt.Sprintf("## Section %d: %s", index, SectionTitles[index])
}
