// Package btree provides an ordered secondary index over one dotted
// field path, backed by google/btree. It serves ordered lookups and
// range scans the bloom layer cannot answer.
package btree

import (
	"encoding/json"
	"sync"

	gbtree "github.com/google/btree"

	"github.com/kartikbazzad/lakedb/internal/query"
)

// entry is one (key, docId) pair. Keys order by type rank first
// (null < number < string < bool), then by value, then by docId so
// duplicate keys coexist.
type entry struct {
	key   any
	docID string
}

func typeRank(v any) int {
	switch v.(type) {
	case nil:
		return 0
	case float64, int, int64:
		return 1
	case string:
		return 2
	case bool:
		return 3
	}
	return 4
}

func lessEntry(a, b entry) bool {
	ra, rb := typeRank(a.key), typeRank(b.key)
	if ra != rb {
		return ra < rb
	}
	switch ak := a.key.(type) {
	case float64:
		bk := toF(b.key)
		if ak != bk {
			return ak < bk
		}
	case int:
		ak2, bk := float64(ak), toF(b.key)
		if ak2 != bk {
			return ak2 < bk
		}
	case int64:
		ak2, bk := float64(ak), toF(b.key)
		if ak2 != bk {
			return ak2 < bk
		}
	case string:
		bk, _ := b.key.(string)
		if ak != bk {
			return ak < bk
		}
	case bool:
		bk, _ := b.key.(bool)
		if ak != bk {
			return !ak && bk
		}
	}
	return a.docID < b.docID
}

func toF(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	}
	return 0
}

// Index is an ordered field index.
//
// Thread Safety: all methods are safe for concurrent use.
type Index struct {
	mu    sync.RWMutex
	field string
	tree  *gbtree.BTreeG[entry]
}

// NewIndex builds an empty index over a dotted field path.
func NewIndex(field string) *Index {
	return &Index{
		field: field,
		tree:  gbtree.NewG(32, lessEntry),
	}
}

// Field returns the indexed path.
func (idx *Index) Field() string {
	return idx.field
}

// AddRow indexes one row; rows without the field are skipped.
func (idx *Index) AddRow(docID string, row map[string]any) {
	v, ok := query.Lookup(row, idx.field)
	if !ok {
		return
	}
	idx.mu.Lock()
	idx.tree.ReplaceOrInsert(entry{key: v, docID: docID})
	idx.mu.Unlock()
}

// Remove drops one (key, docId) pair.
func (idx *Index) Remove(docID string, key any) {
	idx.mu.Lock()
	idx.tree.Delete(entry{key: key, docID: docID})
	idx.mu.Unlock()
}

// Lookup returns the doc ids holding exactly key, in id order.
func (idx *Index) Lookup(key any) []string {
	var out []string
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	idx.tree.AscendGreaterOrEqual(entry{key: key, docID: ""}, func(e entry) bool {
		if typeRank(e.key) != typeRank(key) || lessEntry(entry{key: key, docID: "￿"}, e) {
			return false
		}
		out = append(out, e.docID)
		return true
	})
	return out
}

// Range streams doc ids with keys in [min, max], either bound
// optional (nil = open). Stops early when fn returns false.
func (idx *Index) Range(min, max any, fn func(key any, docID string) bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	visit := func(e entry) bool {
		if max != nil {
			if lessEntry(entry{key: max, docID: "￿"}, e) {
				return false
			}
		}
		return fn(e.key, e.docID)
	}
	if min != nil {
		idx.tree.AscendGreaterOrEqual(entry{key: min, docID: ""}, visit)
		return
	}
	idx.tree.Ascend(visit)
}

// Len reports the number of indexed pairs.
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.tree.Len()
}

// wireEntry is the serialized pair.
type wireEntry struct {
	Key   any    `json:"k"`
	DocID string `json:"d"`
}

// Marshal serializes the index contents.
func (idx *Index) Marshal() ([]byte, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	entries := make([]wireEntry, 0, idx.tree.Len())
	idx.tree.Ascend(func(e entry) bool {
		entries = append(entries, wireEntry{Key: e.key, DocID: e.docID})
		return true
	})
	return json.Marshal(struct {
		Field   string      `json:"field"`
		Entries []wireEntry `json:"entries"`
	}{Field: idx.field, Entries: entries})
}

// Unmarshal reconstructs an index serialized with Marshal.
func Unmarshal(data []byte) (*Index, error) {
	var w struct {
		Field   string      `json:"field"`
		Entries []wireEntry `json:"entries"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, err
	}
	idx := NewIndex(w.Field)
	for _, e := range w.Entries {
		idx.tree.ReplaceOrInsert(entry{key: e.Key, docID: e.DocID})
	}
	return idx, nil
}
