package compress

import (
	"strings"
	"testing"
)

func TestPreservedSpans(t *testing.T) {
	content := strings.Join([]string{
		"Scanned three retailers for availability.",
		"ERROR: checkout probe failed with status 503",
		"Best offer found at https://shop.example.com/item/42 for $1,299.99",
		"Tracking reference JIRA-4821 filed for the outage.",
		"ERROR: checkout probe failed with status 503",
	}, "\n")

	spans := PreservedSpans(content)

	want := []string{
		"ERROR: checkout probe failed with status 503",
		"https://shop.example.com/item/42",
		"$1,299.99",
		"JIRA-4821",
	}
	for _, w := range want {
		found := false
		for _, s := range spans {
			if s == w {
				found = true
				break
			}
		}
		if !found {
			t.Fatalf("expected span %q, got %v", w, spans)
		}
	}

	// duplicate error line appears once
	count := 0
	for _, s := range spans {
		if strings.Contains(s, "status 503") {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("expected deduplicated error line, got %d copies", count)
	}
}

func TestPreservedSpansEmpty(t *testing.T) {
	if spans := PreservedSpans("plain narrative with nothing special"); len(spans) != 0 {
		t.Fatalf("expected no spans, got %v", spans)
	}
}

func TestEnsurePreservedAppendsMissing(t *testing.T) {
	spans := []string{"ERROR: fetch failed", "https://a.example.com"}
	out := EnsurePreserved("a short summary", spans)
	for _, s := range spans {
		if !strings.Contains(out, s) {
			t.Fatalf("span %q missing from %q", s, out)
		}
	}
}

func TestEnsurePreservedNoopWhenPresent(t *testing.T) {
	in := "summary retains ERROR: fetch failed inline"
	if out := EnsurePreserved(in, []string{"ERROR: fetch failed"}); out != in {
		t.Fatalf("expected unchanged content, got %q", out)
	}
}
