package budget

import "fmt"

// SectionLimits defines the caps applied to a single document section.
type SectionLimits struct {
	MaxWords  int
	MaxTokens int
}

// Policy defines budget guardrails for a context document: per-section caps,
// document-wide token ceilings, and the target ratio used when compressing.
// Policies are shared read-only between the document manager and the
// compression engine.
type Policy struct {
	DefaultSection SectionLimits
	Sections       map[int]SectionLimits
	// DocumentSoftTokens is the ceiling that triggers document-level
	// compression; DocumentMaxTokens is the hard per-call ceiling.
	DocumentSoftTokens int
	DocumentMaxTokens  int
	// CompressionTargetRatio scales a section's word cap into the target
	// size handed to the summarizer (0 < ratio <= 1).
	CompressionTargetRatio float64
}

// Validate ensures the policy values are sane before use.
func (p Policy) Validate() error {
	if p.DefaultSection.MaxWords <= 0 {
		return fmt.Errorf("default section max_words must be positive")
	}
	if p.DefaultSection.MaxTokens <= 0 {
		return fmt.Errorf("default section max_tokens must be positive")
	}
	for idx, limits := range p.Sections {
		if limits.MaxWords <= 0 {
			return fmt.Errorf("section %d max_words must be positive", idx)
		}
		if limits.MaxTokens <= 0 {
			return fmt.Errorf("section %d max_tokens must be positive", idx)
		}
	}
	if p.DocumentSoftTokens <= 0 {
		return fmt.Errorf("document soft token ceiling must be positive")
	}
	if p.DocumentMaxTokens <= 0 {
		return fmt.Errorf("document max token ceiling must be positive")
	}
	if p.DocumentSoftTokens > p.DocumentMaxTokens {
		return fmt.Errorf("document soft ceiling %d exceeds hard ceiling %d", p.DocumentSoftTokens, p.DocumentMaxTokens)
	}
	if p.CompressionTargetRatio <= 0 || p.CompressionTargetRatio > 1 {
		return fmt.Errorf("compression target ratio must be in (0, 1], got %v", p.CompressionTargetRatio)
	}
	return nil
}

// Clone produces a deep copy of the policy.
func (p Policy) Clone() Policy {
	clone := p
	if p.Sections != nil {
		clone.Sections = make(map[int]SectionLimits, len(p.Sections))
		for k, v := range p.Sections {
			clone.Sections[k] = v
		}
	}
	return clone
}

// ForSection returns the limits applying to the given section index.
func (p Policy) ForSection(index int) SectionLimits {
	if limits, ok := p.Sections[index]; ok {
		return limits
	}
	return p.DefaultSection
}

// TargetWords computes the compression target size for a section.
func (p Policy) TargetWords(index int) int {
	target := int(float64(p.ForSection(index).MaxWords) * p.CompressionTargetRatio)
	if target < 1 {
		target = 1
	}
	return target
}
