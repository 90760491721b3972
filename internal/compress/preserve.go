package compress

import (
	"regexp"
	"strings"
)

// Preserve classes, in priority order. The original query (section 0) is
// handled by the document manager and never reaches the engine; here we
// extract the content classes that must survive compression verbatim:
// error/failure lines and structured evidence (URLs, prices, identifiers).

var (
	urlPattern   = regexp.MustCompile(`https?://[^\s<>"')\]]+`)
	pricePattern = regexp.MustCompile(`[$€£]\s?\d[\d,]*(?:\.\d+)?`)
	identPattern = regexp.MustCompile(`\b[A-Z]{2,}-\d+\b`)
)

func isErrorLine(line string) bool {
	lower := strings.ToLower(line)
	return strings.Contains(lower, "error") ||
		strings.Contains(lower, "failed") ||
		strings.Contains(lower, "failure")
}

// PreservedSpans extracts the strings that must appear verbatim in any
// compressed form of content: whole error lines, then structured evidence.
func PreservedSpans(content string) []string {
	var spans []string
	seen := make(map[string]bool)
	add := func(s string) {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			return
		}
		seen[s] = true
		spans = append(spans, s)
	}

	for _, line := range strings.Split(content, "\n") {
		if isErrorLine(line) {
			add(line)
		}
	}
	for _, m := range urlPattern.FindAllString(content, -1) {
		add(m)
	}
	for _, m := range pricePattern.FindAllString(content, -1) {
		add(m)
	}
	for _, m := range identPattern.FindAllString(content, -1) {
		add(m)
	}
	return spans
}

// EnsurePreserved verifies every span survives in compressed and appends the
// missing ones. The engine enforces preservation rather than trusting the
// summarizer to honor its hints.
func EnsurePreserved(compressed string, spans []string) string {
	var missing []string
	for _, s := range spans {
		if !strings.Contains(compressed, s) {
			missing = append(missing, s)
		}
	}
	if len(missing) == 0 {
		return compressed
	}
	var b strings.Builder
	b.WriteString(strings.TrimRight(compressed, "\n"))
	b.WriteString("\n")
	b.WriteString(strings.Join(missing, "\n"))
	return b.String()
}
