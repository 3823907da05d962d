package processor

import "strings"

// Similarity scores two strings in [0,1] as 1 minus the normalized
// Levenshtein distance over the lower-cased, whitespace-collapsed
// inputs. Identical strings score 1; fully disjoint strings score 0.
func Similarity(a, b string) float64 {
	a = canonical(a)
	b = canonical(b)
	if a == b {
		return 1
	}
	if a == "" || b == "" {
		return 0
	}

	dist := levenshtein(a, b)
	longest := len(a)
	if len(b) > longest {
		longest = len(b)
	}
	return 1 - float64(dist)/float64(longest)
}

func canonical(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// levenshtein computes edit distance with a rolling single-row buffer.
func levenshtein(a, b string) int {
	ra := []rune(a)
	rb := []rune(b)

	prev := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}

	for i := 1; i <= len(ra); i++ {
		current := prev[0]
		prev[0] = i
		for j := 1; j <= len(rb); j++ {
			insertion := prev[j-1] + 1
			deletion := prev[j] + 1
			substitution := current
			if ra[i-1] != rb[j-1] {
				substitution++
			}

			current = prev[j]
			best := insertion
			if deletion < best {
				best = deletion
			}
			if substitution < best {
				best = substitution
			}
			prev[j] = best
		}
	}
	return prev[len(rb)]
}
