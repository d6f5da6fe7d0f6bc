package integrity

import "strings"

// Similarity scores how alike two texts are, in [0, 1]. It is the length of
// the longest common subsequence of lowercase word tokens, normalized against
// the combined token count (2*LCS / (len(a)+len(b))). Token-level matching
// keeps short paraphrases ("sky is blue" vs "the sky is blue today") above
// the grouping threshold where character-level edit distance would not.
func Similarity(a, b string) float64 {
	if a == b {
		return 1.0
	}
	ta := tokenize(a)
	tb := tokenize(b)
	if len(ta) == 0 && len(tb) == 0 {
		return 1.0
	}
	if len(ta) == 0 || len(tb) == 0 {
		return 0.0
	}
	lcs := lcsLength(ta, tb)
	return 2.0 * float64(lcs) / float64(len(ta)+len(tb))
}

func tokenize(s string) []string {
	fields := strings.Fields(strings.ToLower(s))
	tokens := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.Trim(f, ".,;:!?\"'()[]{}")
		if f != "" {
			tokens = append(tokens, f)
		}
	}
	return tokens
}

// lcsLength computes longest-common-subsequence length over token slices
// using a two-row rolling table.
func lcsLength(a, b []string) int {
	if len(b) > len(a) {
		a, b = b, a
	}
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for i := 1; i <= len(a); i++ {
		for j := 1; j <= len(b); j++ {
			if a[i-1] == b[j-1] {
				curr[j] = prev[j-1] + 1
			} else if prev[j] >= curr[j-1] {
				curr[j] = prev[j]
			} else {
				curr[j] = curr[j-1]
			}
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}
