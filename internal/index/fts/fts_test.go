package fts

import (
	"testing"
)

func newEnglishIndex(fuzzy bool) *Index {
	return NewIndex(Config{
		Language:       "en",
		IndexPositions: true,
		Fuzzy:          FuzzyConfig{Enabled: fuzzy},
	})
}

func docIDs(results []Result) []string {
	out := make([]string, len(results))
	for i, r := range results {
		out[i] = r.DocID
	}
	return out
}

func TestBasicTermSearch(t *testing.T) {
	ix := newEnglishIndex(false)
	ix.Add("d1", "Introduction to Databases")
	ix.Add("d2", "Web Development Guide")

	results := ix.Search("databases", nil)
	if len(results) != 1 || results[0].DocID != "d1" {
		t.Errorf("results = %v", docIDs(results))
	}

	// Stemming folds inflections onto the same stem.
	if got := ix.Search("database", nil); len(got) != 1 || got[0].DocID != "d1" {
		t.Errorf("stemmed search = %v", docIDs(got))
	}
}

func TestStopwordsAndMinLength(t *testing.T) {
	ix := NewIndex(Config{Language: "en", MinWordLength: 3})
	ix.Add("d1", "the cat is on a mat")

	if got := ix.Search("the", nil); len(got) != 0 {
		t.Errorf("stopword matched: %v", docIDs(got))
	}
	if got := ix.Search("cat", nil); len(got) != 1 {
		t.Errorf("cat = %v", docIDs(got))
	}
	// "on" is both a stopword and below min length.
	if got := ix.Search("on", nil); len(got) != 0 {
		t.Errorf("short token matched: %v", docIDs(got))
	}
}

func TestRequiredAndExcluded(t *testing.T) {
	ix := newEnglishIndex(false)
	ix.Add("d1", "rust systems programming")
	ix.Add("d2", "go systems programming")
	ix.Add("d3", "go web programming")

	got := ix.Search("programming +systems", nil)
	ids := docIDs(got)
	if len(ids) != 2 {
		t.Fatalf("required filter = %v", ids)
	}
	for _, id := range ids {
		if id == "d3" {
			t.Error("d3 lacks the required term")
		}
	}

	got = ix.Search("programming -go", nil)
	if len(got) != 1 || got[0].DocID != "d1" {
		t.Errorf("excluded filter = %v", docIDs(got))
	}
}

func TestPhraseQueries(t *testing.T) {
	ix := newEnglishIndex(false)
	ix.Add("d1", "the quick brown fox")
	ix.Add("d2", "the brown quick fox")

	got := ix.Search(`"quick brown"`, nil)
	if len(got) != 1 || got[0].DocID != "d1" {
		t.Errorf("phrase results = %v", docIDs(got))
	}

	// Phrase match outranks scattered terms.
	ix.Add("d3", "quick and also brown")
	got = ix.Search(`"quick brown" quick brown`, nil)
	if len(got) == 0 || got[0].DocID != "d1" {
		t.Errorf("phrase boost order = %v", docIDs(got))
	}

	// Single-word phrase degrades to a term.
	got = ix.Search(`"fox"`, nil)
	if len(got) != 2 {
		t.Errorf("single-word phrase = %v", docIDs(got))
	}

	// Excluded phrase.
	got = ix.Search(`fox -"quick brown"`, nil)
	if len(got) != 1 || got[0].DocID != "d2" {
		t.Errorf("excluded phrase = %v", docIDs(got))
	}
}

func TestFuzzyMatching(t *testing.T) {
	// S6: "databse" finds the database doc only with fuzzy on.
	ix := newEnglishIndex(false)
	ix.Add("d1", "Introduction to Databases")
	ix.Add("d2", "Web Development Guide")

	if got := ix.Search("databse", nil); len(got) != 0 {
		t.Errorf("non-fuzzy matched: %v", docIDs(got))
	}
	got := ix.Search("databse", &SearchOptions{Fuzzy: true})
	if len(got) != 1 || got[0].DocID != "d1" {
		t.Errorf("fuzzy results = %v", docIDs(got))
	}
}

func TestFuzzyTransposition(t *testing.T) {
	ix := newEnglishIndex(true)
	ix.Add("d1", "Receive notifications")

	got := ix.Search("recieve", nil)
	if len(got) != 1 || got[0].DocID != "d1" {
		t.Errorf("transposition results = %v", docIDs(got))
	}
}

func TestExactOutranksFuzzy(t *testing.T) {
	ix := newEnglishIndex(true)
	ix.Add("exact", "linked lists explained")
	ix.Add("fuzzy", "linker scripts explained")

	got := ix.Search("linked", nil)
	if len(got) < 1 || got[0].DocID != "exact" {
		t.Errorf("exact-first order = %v", docIDs(got))
	}
}

func TestFuzzyRespectsMinTermLength(t *testing.T) {
	ix := newEnglishIndex(true)
	ix.Add("d1", "cats everywhere")
	// "cut" is below MinTermLength (4), so no fuzzy expansion to "cat".
	if got := ix.Search("cut", nil); len(got) != 0 {
		t.Errorf("short term expanded: %v", docIDs(got))
	}
}

func TestBoundedDistance(t *testing.T) {
	cases := []struct {
		a, b string
		max  int
		want int
	}{
		{"abc", "abc", 2, 0},
		{"abc", "abd", 2, 1},
		{"abc", "acb", 2, 1}, // transposition
		{"abc", "xyz", 2, 3}, // sentinel = max+1
		{"abcdef", "abc", 2, 3},
		{"", "ab", 2, 2},
	}
	for _, tc := range cases {
		got := boundedDamerauLevenshtein([]rune(tc.a), []rune(tc.b), tc.max)
		if got != tc.want {
			t.Errorf("distance(%q, %q, max=%d) = %d, want %d", tc.a, tc.b, tc.max, got, tc.want)
		}
	}
}

func TestMultiLanguageStemming(t *testing.T) {
	es := NewIndex(Config{Language: "es"})
	es.Add("d1", "corriendo por las montañas")
	if got := es.Search("corriendo", nil); len(got) != 1 {
		t.Errorf("spanish = %v", docIDs(got))
	}

	ru := NewIndex(Config{Language: "ru"})
	ru.Add("d1", "быстрые базы данных")
	if got := ru.Search("быстрые", nil); len(got) != 1 {
		t.Errorf("russian = %v", docIDs(got))
	}

	ar := NewIndex(Config{Language: "ar"})
	ar.Add("d1", "الكتاب مفيد")
	// The article prefix strips, so the bare word matches.
	if got := ar.Search("كتاب", nil); len(got) != 1 {
		t.Errorf("arabic = %v", docIDs(got))
	}
}

func TestRemoveAndReplace(t *testing.T) {
	ix := newEnglishIndex(false)
	ix.Add("d1", "original text here")
	ix.Add("d1", "replacement words now")

	if got := ix.Search("original", nil); len(got) != 0 {
		t.Errorf("stale postings: %v", docIDs(got))
	}
	if got := ix.Search("replacement", nil); len(got) != 1 {
		t.Errorf("replacement = %v", docIDs(got))
	}

	ix.Remove("d1")
	if ix.DocCount() != 0 {
		t.Errorf("DocCount = %d", ix.DocCount())
	}
}

func TestSerializationRoundTrip(t *testing.T) {
	ix := newEnglishIndex(true)
	ix.Add("d1", "Introduction to Databases")
	ix.Add("d2", "Web Development Guide")

	data, err := ix.Marshal()
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	got, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if got.DocCount() != 2 {
		t.Errorf("DocCount = %d", got.DocCount())
	}
	results := got.Search("databse", nil) // fuzzy config survives
	if len(results) != 1 || results[0].DocID != "d1" {
		t.Errorf("search after round-trip = %v", docIDs(results))
	}
}
