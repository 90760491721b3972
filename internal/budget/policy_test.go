package budget

import "testing"

func validPolicy() Policy {
	return Policy{
		DefaultSection:         SectionLimits{MaxWords: 500, MaxTokens: 2000},
		Sections:               map[int]SectionLimits{0: {MaxWords: 200, MaxTokens: 800}},
		DocumentSoftTokens:     8000,
		DocumentMaxTokens:      12000,
		CompressionTargetRatio: 0.6,
	}
}

func TestPolicyValidate(t *testing.T) {
	if err := validPolicy().Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	p := validPolicy()
	p.DefaultSection.MaxWords = 0
	if err := p.Validate(); err == nil {
		t.Fatalf("expected validation error for zero max_words")
	}

	p = validPolicy()
	p.DocumentSoftTokens = p.DocumentMaxTokens + 1
	if err := p.Validate(); err == nil {
		t.Fatalf("expected validation error for soft ceiling above hard ceiling")
	}

	p = validPolicy()
	p.CompressionTargetRatio = 1.5
	if err := p.Validate(); err == nil {
		t.Fatalf("expected validation error for ratio above 1")
	}
}

func TestPolicyForSection(t *testing.T) {
	p := validPolicy()
	if got := p.ForSection(0).MaxWords; got != 200 {
		t.Fatalf("expected section 0 override, got %d", got)
	}
	if got := p.ForSection(3).MaxWords; got != 500 {
		t.Fatalf("expected default limits for section 3, got %d", got)
	}
}

func TestPolicyClone(t *testing.T) {
	p := validPolicy()
	clone := p.Clone()
	clone.Sections[0] = SectionLimits{MaxWords: 1, MaxTokens: 1}
	if p.Sections[0].MaxWords != 200 {
		t.Fatalf("clone should not share section map with original")
	}
}

func TestTargetWords(t *testing.T) {
	p := validPolicy()
	if got := p.TargetWords(0); got != 120 {
		t.Fatalf("expected target 120, got %d", got)
	}
	p.CompressionTargetRatio = 0.001
	if got := p.TargetWords(0); got != 1 {
		t.Fatalf("target should never drop below one word, got %d", got)
	}
}

func TestCounting(t *testing.T) {
	if got := Words("hello there  general kenobi"); got != 4 {
		t.Fatalf("expected 4 words, got %d", got)
	}
	if got := Words(""); got != 0 {
		t.Fatalf("expected 0 words, got %d", got)
	}
	if got := EstimateTokens("abcd"); got != 1 {
		t.Fatalf("expected 1 token, got %d", got)
	}
	if got := EstimateTokens("abcde"); got != 2 {
		t.Fatalf("expected 2 tokens, got %d", got)
	}
}
