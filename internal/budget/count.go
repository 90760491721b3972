package budget

import "strings"

// Words counts whitespace-delimited words in s.
func Words(s string) int {
	return len(strings.Fields(s))
}

// EstimateTokens approximates the token count of s. The engine never sees
// the model's real tokenizer, so it uses the common four-characters-per-token
// heuristic, rounded up. Good enough for budget enforcement; callers must
// leave headroom in the hard ceiling.
func EstimateTokens(s string) int {
	n := len(s)
	if n == 0 {
		return 0
	}
	return (n + 3) / 4
}
