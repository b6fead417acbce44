package memory

import "math"

// charsPerToken approximates English prose tokenization. Budget accounting
// only needs to be consistent, not exact.
const charsPerToken = 3.5

// EstimateTokens returns the approximate token cost of text.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	return int(math.Ceil(float64(len(text)) / charsPerToken))
}
