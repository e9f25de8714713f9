// Package tokenizer estimates LLM token counts without calling a tokenizer
// model. The estimate separates CJK codepoints (roughly 1 token per 1.5
// characters) from everything else (roughly 1 token per 4 characters), which
// tracks the billing behavior of OpenAI-compatible providers closely enough
// for budget enforcement.
package tokenizer

import "strings"

// Ellipsis is appended to text shortened by Truncate.
const Ellipsis = "..."

// truncateMargin keeps truncated text 5% under the requested budget so the
// estimate error cannot push the real token count over it.
const truncateMargin = 0.95

// isCJK reports whether r falls in the CJK unified ideograph ranges.
func isCJK(r rune) bool {
	switch {
	case r >= 0x3400 && r <= 0x4DBF:
		return true
	case r >= 0x4E00 && r <= 0x9FFF:
		return true
	case r >= 0xF900 && r <= 0xFAFF:
		return true
	}
	return false
}

// EstimateTokens returns an estimated token count for text.
// It never returns a negative value.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}

	cjk, other := 0, 0
	for _, r := range text {
		if isCJK(r) {
			cjk++
		} else {
			other++
		}
	}

	return estimate(cjk, other)
}

// estimate computes ceil(cjk/1.5) + ceil(other/4) in integer arithmetic.
func estimate(cjk, other int) int {
	return (2*cjk+2)/3 + (other+3)/4
}

// Truncate returns a prefix of text whose estimated token count is at most
// maxTokens. When truncation occurs the returned string ends with Ellipsis.
// A non-positive maxTokens yields the empty string.
func Truncate(text string, maxTokens int) string {
	if maxTokens <= 0 {
		return ""
	}
	if EstimateTokens(text) <= maxTokens {
		return text
	}

	target := int(float64(maxTokens) * truncateMargin)
	if target < 1 {
		target = 1
	}

	var b strings.Builder
	cjk, other := 0, len(Ellipsis) // reserve room for the ellipsis
	for _, r := range text {
		if isCJK(r) {
			cjk++
		} else {
			other++
		}
		if estimate(cjk, other) > target {
			break
		}
		b.WriteRune(r)
	}

	return b.String() + Ellipsis
}
