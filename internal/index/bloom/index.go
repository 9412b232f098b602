package bloom

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/kartikbazzad/lakedb/internal/errors"
	"github.com/kartikbazzad/lakedb/internal/query"
)

// Index keeps one filter per indexed field and answers the planner's
// "could this file contain a match" question for equality predicates.
//
// Thread Safety: AddRow and MightMatch may run concurrently; writers
// are serialized by mu.
type Index struct {
	mu      sync.RWMutex
	fields  []string
	filters map[string]*Filter
}

// NewIndex creates a filter per field sized for expectedItems.
func NewIndex(fields []string, expectedItems int) *Index {
	idx := &Index{
		fields:  append([]string(nil), fields...),
		filters: make(map[string]*Filter, len(fields)),
	}
	for _, f := range fields {
		idx.filters[f] = New(expectedItems, 0.01)
	}
	return idx
}

// Fields returns the indexed field paths.
func (idx *Index) Fields() []string {
	return append([]string(nil), idx.fields...)
}

// AddRow indexes one row, resolving each field by dotted path. Null
// and absent values are skipped.
func (idx *Index) AddRow(row map[string]any) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	for _, field := range idx.fields {
		v, ok := query.Lookup(row, field)
		if !ok || v == nil {
			continue
		}
		idx.filters[field].Add(v)
	}
}

// MightMatch evaluates a filter against the per-field blooms:
//
//   - bare value or $eq: membership test; a definite no answers false
//   - $in: any-of; an empty array answers false
//   - range operators and $ne: conservative true
//   - unindexed fields: conservative true
//   - top-level $-keys (logical operators): skipped at this layer
func (idx *Index) MightMatch(f query.Filter) bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	for key, cond := range f {
		if strings.HasPrefix(key, "$") {
			continue
		}
		filter, ok := idx.filters[key]
		if !ok {
			continue
		}
		if !fieldMight(filter, cond) {
			return false
		}
	}
	return true
}

func fieldMight(filter *Filter, cond any) bool {
	ops, ok := cond.(map[string]any)
	if !ok || !operatorObject(ops) {
		if cond == nil {
			return true
		}
		return filter.MightContain(cond)
	}
	for op, arg := range ops {
		switch op {
		case "$eq":
			if arg != nil && !filter.MightContain(arg) {
				return false
			}
		case "$in":
			items, ok := arg.([]any)
			if !ok {
				continue
			}
			if len(items) == 0 {
				return false
			}
			anyMight := false
			for _, item := range items {
				if item == nil || filter.MightContain(item) {
					anyMight = true
					break
				}
			}
			if !anyMight {
				return false
			}
		}
	}
	return true
}

func operatorObject(m map[string]any) bool {
	if len(m) == 0 {
		return false
	}
	for k := range m {
		if !strings.HasPrefix(k, "$") {
			return false
		}
	}
	return true
}

// wireIndex is the serialized form.
type wireIndex struct {
	Fields  []string                   `json:"fields"`
	Filters map[string]json.RawMessage `json:"filters"`
}

// Marshal serializes the whole index.
func (idx *Index) Marshal() ([]byte, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	w := wireIndex{Fields: idx.fields, Filters: make(map[string]json.RawMessage, len(idx.filters))}
	for field, filter := range idx.filters {
		data, err := filter.Marshal()
		if err != nil {
			return nil, err
		}
		w.Filters[field] = data
	}
	return json.Marshal(w)
}

// UnmarshalIndex reconstructs an index serialized with Marshal.
func UnmarshalIndex(data []byte) (*Index, error) {
	var w wireIndex
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, errors.Wrap(err, errors.CodeIndexLoadError, "parsing bloom index")
	}
	idx := &Index{fields: w.Fields, filters: make(map[string]*Filter, len(w.Filters))}
	for field, raw := range w.Filters {
		f, err := Unmarshal(raw)
		if err != nil {
			return nil, err
		}
		idx.filters[field] = f
	}
	return idx, nil
}
