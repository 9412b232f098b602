package fts

import (
	"encoding/json"
	"math"
	"sort"
	"sync"

	"github.com/kartikbazzad/lakedb/internal/errors"
)

// Config tunes one FTS index.
type Config struct {
	Language       string `json:"language"`
	MinWordLength  int    `json:"minWordLength"`
	IndexPositions bool   `json:"indexPositions"`

	Fuzzy FuzzyConfig `json:"fuzzy"`
}

// FuzzyConfig tunes fuzzy term expansion.
type FuzzyConfig struct {
	Enabled       bool `json:"enabled"`
	MaxDistance   int  `json:"maxDistance"`   // default 2
	PrefixLength  int  `json:"prefixLength"`  // default 1
	MinTermLength int  `json:"minTermLength"` // default 4
}

func (c Config) withDefaults() Config {
	if c.Language == "" {
		c.Language = "en"
	}
	if c.Fuzzy.MaxDistance <= 0 {
		c.Fuzzy.MaxDistance = 2
	}
	if c.Fuzzy.PrefixLength <= 0 {
		c.Fuzzy.PrefixLength = 1
	}
	if c.Fuzzy.MinTermLength <= 0 {
		c.Fuzzy.MinTermLength = 4
	}
	return c
}

// posting records a term's occurrences in one document.
type posting struct {
	Freq      int   `json:"f"`
	Positions []int `json:"p,omitempty"`
}

// Index is an inverted index with optional positions.
//
// Thread Safety: writes take an exclusive lock with respect to
// readers of the same index.
type Index struct {
	mu       sync.RWMutex
	cfg      Config
	postings map[string]map[string]*posting // stem -> docID -> posting
	docLens  map[string]int                 // docID -> token count
	totalLen int
}

// NewIndex builds an empty index.
func NewIndex(cfg Config) *Index {
	return &Index{
		cfg:      cfg.withDefaults(),
		postings: make(map[string]map[string]*posting),
		docLens:  make(map[string]int),
	}
}

// Config returns the index configuration.
func (ix *Index) Config() Config {
	return ix.cfg
}

// Add indexes a document's text. Re-adding a docID replaces it.
func (ix *Index) Add(docID, text string) {
	tokens := tokenize(text, ix.cfg.Language, ix.cfg.MinWordLength)

	ix.mu.Lock()
	defer ix.mu.Unlock()

	ix.removeLocked(docID)

	for _, tok := range tokens {
		docs, ok := ix.postings[tok.stem]
		if !ok {
			docs = make(map[string]*posting)
			ix.postings[tok.stem] = docs
		}
		p, ok := docs[docID]
		if !ok {
			p = &posting{}
			docs[docID] = p
		}
		p.Freq++
		if ix.cfg.IndexPositions {
			p.Positions = append(p.Positions, tok.position)
		}
	}
	ix.docLens[docID] = len(tokens)
	ix.totalLen += len(tokens)
}

// Remove drops a document.
func (ix *Index) Remove(docID string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.removeLocked(docID)
}

func (ix *Index) removeLocked(docID string) {
	length, ok := ix.docLens[docID]
	if !ok {
		return
	}
	for stem, docs := range ix.postings {
		if _, ok := docs[docID]; ok {
			delete(docs, docID)
			if len(docs) == 0 {
				delete(ix.postings, stem)
			}
		}
	}
	delete(ix.docLens, docID)
	ix.totalLen -= length
}

// DocCount reports indexed documents.
func (ix *Index) DocCount() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.docLens)
}

// bm25 parameters; the usual defaults.
const (
	bm25K1 = 1.2
	bm25B  = 0.75
)

// idf is the BM25 inverse document frequency, floored at a small
// positive value so ubiquitous terms still contribute.
func (ix *Index) idf(docsWithTerm int) float64 {
	n := float64(len(ix.docLens))
	d := float64(docsWithTerm)
	v := math.Log(1 + (n-d+0.5)/(d+0.5))
	if v < 0.01 {
		v = 0.01
	}
	return v
}

func (ix *Index) avgDocLen() float64 {
	if len(ix.docLens) == 0 {
		return 0
	}
	return float64(ix.totalLen) / float64(len(ix.docLens))
}

// bm25Term scores one term occurrence in one document.
func (ix *Index) bm25Term(p *posting, docID string, docsWithTerm int) float64 {
	tf := float64(p.Freq)
	dl := float64(ix.docLens[docID])
	avg := ix.avgDocLen()
	if avg == 0 {
		return 0
	}
	return ix.idf(docsWithTerm) * tf * (bm25K1 + 1) / (tf + bm25K1*(1-bm25B+bm25B*dl/avg))
}

// vocabulary snapshots the indexed stems; used by fuzzy expansion.
func (ix *Index) vocabulary() []string {
	terms := make([]string, 0, len(ix.postings))
	for stem := range ix.postings {
		terms = append(terms, stem)
	}
	sort.Strings(terms)
	return terms
}

// wire format ---------------------------------------------------------

type wireIndex struct {
	Config   Config                         `json:"config"`
	Postings map[string]map[string]*posting `json:"postings"`
	DocLens  map[string]int                 `json:"docLens"`
	TotalLen int                            `json:"totalLen"`
}

// Marshal serializes the index.
func (ix *Index) Marshal() ([]byte, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return json.Marshal(wireIndex{
		Config:   ix.cfg,
		Postings: ix.postings,
		DocLens:  ix.docLens,
		TotalLen: ix.totalLen,
	})
}

// Unmarshal reconstructs an index serialized with Marshal.
func Unmarshal(data []byte) (*Index, error) {
	var w wireIndex
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, errors.Wrap(err, errors.CodeIndexLoadError, "parsing fts index")
	}
	ix := NewIndex(w.Config)
	if w.Postings != nil {
		ix.postings = w.Postings
	}
	if w.DocLens != nil {
		ix.docLens = w.DocLens
	}
	ix.totalLen = w.TotalLen
	return ix, nil
}
