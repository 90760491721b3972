package compress

import (
	"github.com/arman-rafiee/turnpipe/internal/budget"
	"github.com/arman-rafiee/turnpipe/internal/document"
)

// SectionOverage describes one section over its word budget.
type SectionOverage struct {
	Index     int
	Words     int
	MaxWords  int
	OverWords int
}

// Plan is the ephemeral description of what is over budget and by how much.
// It is produced, consumed immediately and never persisted.
type Plan struct {
	Sections       []SectionOverage
	DocumentTokens int
	SoftCeiling    int
	HardCeiling    int
}

// OverSoftCeiling reports whether document-level compression is needed.
func (p Plan) OverSoftCeiling() bool { return p.DocumentTokens > p.SoftCeiling }

// BuildPlan measures the document against its policy.
func BuildPlan(doc *document.Document, policy budget.Policy) Plan {
	plan := Plan{
		DocumentTokens: doc.TotalTokens(),
		SoftCeiling:    policy.DocumentSoftTokens,
		HardCeiling:    policy.DocumentMaxTokens,
	}
	for _, sec := range doc.Sections() {
		limits := policy.ForSection(sec.Index)
		words := sec.WordCount()
		if words > limits.MaxWords {
			plan.Sections = append(plan.Sections, SectionOverage{
				Index:     sec.Index,
				Words:     words,
				MaxWords:  limits.MaxWords,
				OverWords: words - limits.MaxWords,
			})
		}
	}
	return plan
}
