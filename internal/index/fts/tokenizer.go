// Package fts implements the full-text index: multi-language
// tokenization and stemming, positional postings for phrase queries,
// BM25 scoring and bounded-distance fuzzy matching.
package fts

import (
	"strings"
	"unicode"

	"github.com/blevesearch/snowballstem"
	"github.com/blevesearch/snowballstem/danish"
	"github.com/blevesearch/snowballstem/dutch"
	"github.com/blevesearch/snowballstem/english"
	"github.com/blevesearch/snowballstem/finnish"
	"github.com/blevesearch/snowballstem/french"
	"github.com/blevesearch/snowballstem/german"
	"github.com/blevesearch/snowballstem/italian"
	"github.com/blevesearch/snowballstem/norwegian"
	"github.com/blevesearch/snowballstem/portuguese"
	"github.com/blevesearch/snowballstem/russian"
	"github.com/blevesearch/snowballstem/spanish"
	"github.com/blevesearch/snowballstem/swedish"
	"github.com/blevesearch/snowballstem/turkish"
	"golang.org/x/text/unicode/norm"
)

// stemmers maps language codes to their Snowball algorithms. English
// runs the Porter-family stemmer; Arabic uses the affix stripper below.
var stemmers = map[string]func(*snowballstem.Env) bool{
	"en": english.Stem,
	"es": spanish.Stem,
	"fr": french.Stem,
	"de": german.Stem,
	"it": italian.Stem,
	"pt": portuguese.Stem,
	"nl": dutch.Stem,
	"ru": russian.Stem,
	"sv": swedish.Stem,
	"no": norwegian.Stem,
	"da": danish.Stem,
	"fi": finnish.Stem,
	"tr": turkish.Stem,
}

// stopwords per language; unlisted languages filter nothing.
var stopwords = map[string]map[string]bool{
	"en": wordSet("a an and are as at be by for from has he in is it its of on that the to was were will with this these those i you not or"),
	"es": wordSet("el la los las un una de del en y o que a por para con no es"),
	"fr": wordSet("le la les un une des de du en et ou que qui à pour pas est"),
	"de": wordSet("der die das ein eine und oder in zu von mit für ist nicht"),
	"ru": wordSet("и в не на я что с как а то все она так его но"),
}

func wordSet(words string) map[string]bool {
	set := make(map[string]bool)
	for _, w := range strings.Fields(words) {
		set[w] = true
	}
	return set
}

// token is one indexed term occurrence.
type token struct {
	stem     string
	position int
}

// tokenize runs the pipeline: Unicode normalization, lowercasing,
// splitting on non-letter/non-digit runs, stopword filtering, length
// filtering, stemming. Positions count surviving alphanumeric words
// before stopword removal, so phrase adjacency reflects the text.
func tokenize(text, lang string, minWordLength int) []token {
	normalized := norm.NFKC.String(text)
	lowered := strings.ToLower(normalized)

	words := strings.FieldsFunc(lowered, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	stops := stopwords[lang]
	var out []token
	for pos, word := range words {
		if stops != nil && stops[word] {
			continue
		}
		if minWordLength > 0 && len([]rune(word)) < minWordLength {
			continue
		}
		out = append(out, token{stem: stemWord(word, lang), position: pos})
	}
	return out
}

// stemWord dispatches to the language's stemmer; unknown languages
// index the raw word.
func stemWord(word, lang string) string {
	if lang == "ar" {
		return stemArabic(word)
	}
	stem, ok := stemmers[lang]
	if !ok {
		return word
	}
	env := snowballstem.NewEnv(word)
	stem(env)
	return env.Current()
}

// Arabic affixes (light-stemmer set), longest first so the greediest
// strip wins. Among the prefixes only the conjunction و strips as a
// single letter; bare consonants stay, so roots like كتاب survive
// intact. The suffixes ه, ة and ي strip as single letters.
var (
	arabicPrefixes = []string{"وال", "بال", "كال", "فال", "لل", "ال", "و"}
	arabicSuffixes = []string{"ها", "ان", "ات", "ون", "ين", "يه", "ية", "ه", "ة", "ي"}
)

// stemArabic strips one prefix and one suffix, keeping at least two
// letters of root.
func stemArabic(word string) string {
	runes := []rune(word)
	for _, p := range arabicPrefixes {
		pr := []rune(p)
		if len(runes)-len(pr) >= 2 && strings.HasPrefix(string(runes), p) {
			runes = runes[len(pr):]
			break
		}
	}
	for _, s := range arabicSuffixes {
		sr := []rune(s)
		if len(runes)-len(sr) >= 2 && strings.HasSuffix(string(runes), s) {
			runes = runes[:len(runes)-len(sr)]
			break
		}
	}
	return string(runes)
}
