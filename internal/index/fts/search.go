package fts

import (
	"sort"
	"strings"
)

// queryTerm is one parsed clause.
type queryTerm struct {
	stems    []string // one for terms, many for phrases
	required bool     // +term
	excluded bool     // -term
	phrase   bool
}

// parseQuery understands bare terms, +required, -excluded and quoted
// phrases (with modifiers). Single-word phrases degrade to terms.
func (ix *Index) parseQuery(q string) []queryTerm {
	var out []queryTerm
	rest := q
	for {
		rest = strings.TrimLeft(rest, " \t")
		if rest == "" {
			return out
		}

		required, excluded := false, false
		if strings.HasPrefix(rest, "+") {
			required = true
			rest = rest[1:]
		} else if strings.HasPrefix(rest, "-") {
			excluded = true
			rest = rest[1:]
		}

		var raw string
		var isPhrase bool
		if strings.HasPrefix(rest, `"`) {
			end := strings.Index(rest[1:], `"`)
			if end < 0 {
				raw = rest[1:]
				rest = ""
			} else {
				raw = rest[1 : 1+end]
				rest = rest[2+end:]
			}
			isPhrase = true
		} else {
			sp := strings.IndexAny(rest, " \t")
			if sp < 0 {
				raw = rest
				rest = ""
			} else {
				raw = rest[:sp]
				rest = rest[sp:]
			}
		}

		tokens := tokenize(raw, ix.cfg.Language, ix.cfg.MinWordLength)
		if len(tokens) == 0 {
			continue
		}
		stems := make([]string, len(tokens))
		for i, t := range tokens {
			stems[i] = t.stem
		}
		out = append(out, queryTerm{
			stems:    stems,
			required: required,
			excluded: excluded,
			phrase:   isPhrase && len(stems) > 1,
		})
	}
}

// Result is one scored document.
type Result struct {
	DocID string
	Score float64
}

// SearchOptions tunes one search.
type SearchOptions struct {
	Limit int
	Fuzzy bool // enable fuzzy expansion regardless of the index default
}

const phraseBoost = 2.0

// Search runs a parsed query and returns documents ranked by BM25,
// with a phrase boost where positions confirm contiguous stems and
// penalized scores for fuzzy-matched terms. Exact matches outrank
// fuzzy matches of the same term.
func (ix *Index) Search(q string, opts *SearchOptions) []Result {
	terms := ix.parseQuery(q)
	if len(terms) == 0 {
		return nil
	}

	fuzzy := ix.cfg.Fuzzy.Enabled
	limit := 0
	if opts != nil {
		if opts.Fuzzy {
			fuzzy = true
		}
		limit = opts.Limit
	}

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	scores := make(map[string]float64)
	matchedAny := make(map[string]bool)

	var vocab []string
	if fuzzy {
		vocab = ix.vocabulary()
	}

	for _, term := range terms {
		if term.excluded {
			continue
		}
		if term.phrase {
			ix.scorePhrase(term, scores, matchedAny)
			continue
		}
		for _, stem := range term.stems {
			ix.scoreTerm(stem, fuzzy, vocab, scores, matchedAny)
		}
	}

	// Required terms: drop documents missing any of them.
	for _, term := range terms {
		if !term.required {
			continue
		}
		holders := ix.docsHolding(term)
		for docID := range scores {
			if !holders[docID] {
				delete(scores, docID)
				delete(matchedAny, docID)
			}
		}
	}

	// Excluded terms: drop documents holding any of them.
	for _, term := range terms {
		if !term.excluded {
			continue
		}
		for docID := range ix.docsHolding(term) {
			delete(scores, docID)
			delete(matchedAny, docID)
		}
	}

	results := make([]Result, 0, len(scores))
	for docID := range matchedAny {
		if s, ok := scores[docID]; ok {
			results = append(results, Result{DocID: docID, Score: s})
		}
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].DocID < results[j].DocID
	})
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results
}

// scoreTerm scores an exact stem match, expanding to fuzzy vocabulary
// candidates when the exact term misses (or alongside, at a penalty).
func (ix *Index) scoreTerm(stem string, fuzzy bool, vocab []string, scores map[string]float64, matched map[string]bool) {
	if docs, ok := ix.postings[stem]; ok {
		for docID, p := range docs {
			scores[docID] += ix.bm25Term(p, docID, len(docs))
			matched[docID] = true
		}
	}

	if !fuzzy || len([]rune(stem)) < ix.cfg.Fuzzy.MinTermLength {
		return
	}
	for _, candidate := range ix.expandFuzzy(stem, vocab) {
		if candidate.term == stem {
			continue
		}
		docs := ix.postings[candidate.term]
		for docID, p := range docs {
			scores[docID] += ix.bm25Term(p, docID, len(docs)) * candidate.penalty
			matched[docID] = true
		}
	}
}

// scorePhrase scores documents where the stems appear contiguously
// (positions confirm adjacency), at a boost over the bare terms.
func (ix *Index) scorePhrase(term queryTerm, scores map[string]float64, matched map[string]bool) {
	candidates := ix.postings[term.stems[0]]
	for docID, first := range candidates {
		if !ix.phraseAt(docID, term.stems, first) {
			continue
		}
		var sum float64
		for _, stem := range term.stems {
			docs := ix.postings[stem]
			if p, ok := docs[docID]; ok {
				sum += ix.bm25Term(p, docID, len(docs))
			}
		}
		scores[docID] += sum * phraseBoost
		matched[docID] = true
	}
}

// phraseAt verifies contiguity via positions. Without positions the
// phrase degrades to all-terms-present.
func (ix *Index) phraseAt(docID string, stems []string, first *posting) bool {
	if !ix.cfg.IndexPositions || len(first.Positions) == 0 {
		for _, stem := range stems[1:] {
			if _, ok := ix.postings[stem][docID]; !ok {
				return false
			}
		}
		return true
	}
	for _, start := range first.Positions {
		ok := true
		for i, stem := range stems[1:] {
			p, present := ix.postings[stem][docID]
			if !present || !containsPosition(p.Positions, start+i+1) {
				ok = false
				break
			}
		}
		if ok {
			return true
		}
	}
	return false
}

func containsPosition(positions []int, want int) bool {
	for _, p := range positions {
		if p == want {
			return true
		}
	}
	return false
}

// docsHolding collects the documents matching a term (or phrase) for
// required- and excluded-term filtering. Only exact stems and
// confirmed phrases count; fuzzy-reachable documents are not included.
func (ix *Index) docsHolding(term queryTerm) map[string]bool {
	out := make(map[string]bool)
	if term.phrase {
		candidates := ix.postings[term.stems[0]]
		for docID, first := range candidates {
			if ix.phraseAt(docID, term.stems, first) {
				out[docID] = true
			}
		}
		return out
	}
	for _, stem := range term.stems {
		for docID := range ix.postings[stem] {
			out[docID] = true
		}
	}
	return out
}
