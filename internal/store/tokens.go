package store

import "unicode/utf8"

// EstimateTokens returns a conservative token estimate for a piece of text.
//
// This is not a tokenizer. It exists so session token accounting and the
// compaction threshold work without a model round trip, and it deliberately
// over-estimates so compaction triggers early rather than late.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	b := len(text)
	r := utf8.RuneCountInString(text)
	byBytes := b / 3
	byRunes := r / 2
	if byBytes < byRunes {
		return byRunes
	}
	return byBytes
}
