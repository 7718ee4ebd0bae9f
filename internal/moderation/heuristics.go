package moderation

import (
	"strings"
	"unicode"
)

// Heuristic thresholds. They are product tuning values carried over as-is.
const (
	CapsRatioThreshold    = 0.8
	CapsMinLength         = 15
	DiversityThreshold    = 0.3
	DiversityMinWords     = 10
	TermCountHighAbove    = 3
	PatternCountHighAbove = 2
)

// capsRatio returns the share of non-space characters that are uppercase.
func capsRatio(text string) float64 {
	var total, upper int
	for _, r := range text {
		if unicode.IsSpace(r) {
			continue
		}
		total++
		if unicode.IsUpper(r) {
			upper++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(upper) / float64(total)
}

// isShouting reports excessive caps on texts longer than CapsMinLength.
func isShouting(text string) bool {
	return len([]rune(strings.TrimSpace(text))) > CapsMinLength && capsRatio(text) > CapsRatioThreshold
}

// lexicalDiversity returns unique/total word ratio and the word count.
func lexicalDiversity(text string) (float64, int) {
	words := strings.Fields(strings.ToLower(text))
	if len(words) == 0 {
		return 1, 0
	}
	seen := make(map[string]struct{}, len(words))
	for _, w := range words {
		seen[w] = struct{}{}
	}
	return float64(len(seen)) / float64(len(words)), len(words)
}

// isRepetitive reports low lexical diversity on texts of more than
// DiversityMinWords words.
func isRepetitive(text string) bool {
	ratio, n := lexicalDiversity(text)
	return n > DiversityMinWords && ratio < DiversityThreshold
}

// dedupeWords keeps the first occurrence of each word, preserving order.
func dedupeWords(text string) string {
	words := strings.Fields(text)
	seen := make(map[string]struct{}, len(words))
	out := make([]string, 0, len(words))
	for _, w := range words {
		key := strings.ToLower(w)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, w)
	}
	return strings.Join(out, " ")
}
