package transcript

import "github.com/antzucaro/matchr"

// Levenshtein returns the rune-level edit distance between a and b with unit
// costs for insertion, deletion and substitution.
func Levenshtein(a, b string) int {
	return matchr.Levenshtein(a, b)
}

// Similarity returns 1 - Levenshtein(a, b)/max(len(a), len(b)). Two empty
// strings, or one empty string, score 0.
func Similarity(a, b string) float64 {
	la, lb := len([]rune(a)), len([]rune(b))
	if la == 0 || lb == 0 {
		return 0
	}
	return 1 - float64(Levenshtein(a, b))/float64(max(la, lb))
}
