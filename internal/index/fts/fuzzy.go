package fts

// fuzzyCandidate is a vocabulary term reachable within the edit
// budget, with its score penalty.
type fuzzyCandidate struct {
	term    string
	penalty float64
}

// expandFuzzy enumerates vocabulary terms within MaxDistance edits of
// term whose prefix of PrefixLength matches. Penalty follows
// (maxDistance - dist + 1) / (maxDistance + 1), zero when exceeded —
// so an exact match would score 1 and each edit shaves a step.
func (ix *Index) expandFuzzy(term string, vocab []string) []fuzzyCandidate {
	maxDist := ix.cfg.Fuzzy.MaxDistance
	prefixLen := ix.cfg.Fuzzy.PrefixLength

	termRunes := []rune(term)
	var prefix []rune
	if len(termRunes) >= prefixLen {
		prefix = termRunes[:prefixLen]
	} else {
		prefix = termRunes
	}

	var out []fuzzyCandidate
	for _, candidate := range vocab {
		candRunes := []rune(candidate)
		if len(candRunes) < len(prefix) || string(candRunes[:len(prefix)]) != string(prefix) {
			continue
		}
		dist := boundedDamerauLevenshtein(termRunes, candRunes, maxDist)
		if dist > maxDist {
			continue
		}
		penalty := float64(maxDist-dist+1) / float64(maxDist+1)
		out = append(out, fuzzyCandidate{term: candidate, penalty: penalty})
	}
	return out
}

// boundedDamerauLevenshtein computes the optimal-string-alignment
// distance between a and b, giving up early: when the true distance
// exceeds maxDist it returns maxDist+1 as a sentinel.
func boundedDamerauLevenshtein(a, b []rune, maxDist int) int {
	la, lb := len(a), len(b)
	sentinel := maxDist + 1

	if la-lb > maxDist || lb-la > maxDist {
		return sentinel
	}
	if la == 0 {
		return lb
	}
	if lb == 0 {
		return la
	}

	prev2 := make([]int, lb+1)
	prev := make([]int, lb+1)
	cur := make([]int, lb+1)
	for j := 0; j <= lb; j++ {
		prev[j] = j
	}

	for i := 1; i <= la; i++ {
		cur[0] = i
		rowMin := cur[0]
		for j := 1; j <= lb; j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			v := min3(
				prev[j]+1,      // deletion
				cur[j-1]+1,     // insertion
				prev[j-1]+cost, // substitution
			)
			// transposition
			if i > 1 && j > 1 && a[i-1] == b[j-2] && a[i-2] == b[j-1] {
				if t := prev2[j-2] + 1; t < v {
					v = t
				}
			}
			cur[j] = v
			if v < rowMin {
				rowMin = v
			}
		}
		if rowMin > maxDist {
			return sentinel
		}
		prev2, prev, cur = prev, cur, prev2
	}

	if prev[lb] > maxDist {
		return sentinel
	}
	return prev[lb]
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}
