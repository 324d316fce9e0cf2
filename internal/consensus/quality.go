package consensus

import "strings"

// minQualityLength is the shortest text that can score above zero.
const minQualityLength = 50

// EstimateQuality scores stage text in [0, 1] from structural cues:
// headings, balanced code fences, reasoning and actionable guidance.
func EstimateQuality(text string) float64 {
	if len(text) < minQualityLength {
		return 0
	}

	lower := strings.ToLower(text)
	var score float64
	if strings.Contains(text, "##") {
		score += 0.3
	}
	if fences := strings.Count(text, "```"); fences > 0 && fences%2 == 0 {
		score += 0.2
	}
	if strings.Contains(lower, "because") || strings.Contains(lower, "therefore") {
		score += 0.2
	}
	if strings.Contains(lower, "you can") || strings.Contains(lower, "steps") {
		score += 0.3
	}
	if score > 1 {
		score = 1
	}
	return score
}
