package lakedb

import (
	"bytes"
	"context"
	"fmt"
	"math/big"
	"sort"
	"strings"

	"github.com/kartikbazzad/lakedb/internal/errors"
	"github.com/kartikbazzad/lakedb/internal/index/bloom"
	"github.com/kartikbazzad/lakedb/internal/index/btree"
	"github.com/kartikbazzad/lakedb/internal/index/fts"
	"github.com/kartikbazzad/lakedb/internal/index/hilbert"
	"github.com/kartikbazzad/lakedb/internal/index/hnsw"
	"github.com/kartikbazzad/lakedb/internal/query"
	"github.com/kartikbazzad/lakedb/internal/types"
)

// Index storage paths.
func bloomIndexPath(ns string) string {
	return fmt.Sprintf("indexes/bloom/%s.bloom", ns)
}

func vectorIndexPath(ns, name string) string {
	return fmt.Sprintf("indexes/vector/%s.%s.hnsw", ns, name)
}

func ftsIndexPath(ns, name string) string {
	return fmt.Sprintf("indexes/fts/%s.%s.json", ns, name)
}

func indexKey(ns, name string) string {
	return ns + "." + name
}

func nsOf(key string) string {
	if i := strings.IndexByte(key, '.'); i > 0 {
		return key[:i]
	}
	return key
}

// EnsureBloomIndex creates (or loads) the namespace's bloom index over
// the given document fields, backfilling from current data.
func (db *DB) EnsureBloomIndex(ctx context.Context, ns string, fields []string, expectedItems int) error {
	if err := db.checkOpen(); err != nil {
		return err
	}
	db.mu.RLock()
	_, exists := db.bloomIdx[ns]
	db.mu.RUnlock()
	if exists {
		return nil
	}

	var idx *bloom.Index
	data, err := db.backend.Read(ctx, bloomIndexPath(ns))
	switch {
	case err == nil:
		idx, err = bloom.UnmarshalIndex(data)
		if err != nil {
			return err
		}
	case errors.CodeOf(err) == errors.CodeFileNotFound:
		if expectedItems <= 0 {
			expectedItems = 10_000
		}
		idx = bloom.NewIndex(fields, expectedItems)
		if err := db.backfill(ctx, ns, func(e *types.Entity) {
			idx.AddRow(entityDoc(e))
		}); err != nil {
			return err
		}
	default:
		return err
	}

	db.mu.Lock()
	db.bloomIdx[ns] = idx
	db.mu.Unlock()
	return nil
}

// EnsureVectorIndex creates (or loads) an HNSW index named name over a
// payload field holding a numeric array, backfilling from current
// data. Loading a persisted index with a different config fails.
func (db *DB) EnsureVectorIndex(ctx context.Context, ns, name, payloadField string, cfg hnsw.Config) error {
	if err := db.checkOpen(); err != nil {
		return err
	}
	key := indexKey(ns, name)
	db.mu.RLock()
	_, exists := db.vector[key]
	db.mu.RUnlock()
	if exists {
		return errors.New(errors.CodeIndexAlreadyExists, "vector index already exists").
			WithContext("namespace", ns).
			WithContext("index", name)
	}

	var idx *hnsw.Index
	data, err := db.backend.Read(ctx, vectorIndexPath(ns, name))
	switch {
	case err == nil:
		idx, err = hnsw.Load(bytes.NewReader(data), cfg)
		if err != nil {
			return err
		}
	case errors.CodeOf(err) == errors.CodeFileNotFound:
		idx, err = hnsw.New(cfg)
		if err != nil {
			return err
		}
		if berr := db.backfill(ctx, ns, func(e *types.Entity) {
			if vec, ok := vectorFromDoc(entityDoc(e), payloadField); ok {
				idx.Insert(e.ID, 0, 0, vec)
			}
		}); berr != nil {
			return berr
		}
	default:
		return err
	}

	db.mu.Lock()
	db.vector[key] = idx
	db.vectorFields[key] = payloadField
	db.mu.Unlock()
	return nil
}

// EnsureFTSIndex creates (or loads) a full-text index over the given
// document fields, backfilling from current data.
func (db *DB) EnsureFTSIndex(ctx context.Context, ns, name string, fields []string, cfg fts.Config) error {
	if err := db.checkOpen(); err != nil {
		return err
	}
	key := indexKey(ns, name)
	db.mu.RLock()
	_, exists := db.ftsIdx[key]
	db.mu.RUnlock()
	if exists {
		return nil
	}

	var idx *fts.Index
	data, err := db.backend.Read(ctx, ftsIndexPath(ns, name))
	switch {
	case err == nil:
		idx, err = fts.Unmarshal(data)
		if err != nil {
			return err
		}
	case errors.CodeOf(err) == errors.CodeFileNotFound:
		idx = fts.NewIndex(cfg)
		if berr := db.backfill(ctx, ns, func(e *types.Entity) {
			idx.Add(e.ID, ftsText(entityDoc(e), fields))
		}); berr != nil {
			return berr
		}
	default:
		return err
	}

	db.mu.Lock()
	db.ftsIdx[key] = idx
	db.ftsFields[key] = append([]string(nil), fields...)
	db.mu.Unlock()
	return nil
}

// EnsureFieldIndex creates an ordered B-tree index over one document
// field, backfilling from current data. Ordered indexes serve range
// lookups without a table scan.
func (db *DB) EnsureFieldIndex(ctx context.Context, ns, field string) error {
	if err := db.checkOpen(); err != nil {
		return err
	}
	key := indexKey(ns, field)
	db.mu.RLock()
	_, exists := db.fieldIdx[key]
	db.mu.RUnlock()
	if exists {
		return nil
	}

	idx := btree.NewIndex(field)
	if err := db.backfill(ctx, ns, func(e *types.Entity) {
		idx.AddRow(e.ID, entityDoc(e))
	}); err != nil {
		return err
	}

	db.mu.Lock()
	db.fieldIdx[key] = idx
	db.mu.Unlock()
	return nil
}

// FindRange resolves entities whose indexed field lies in [min, max]
// (either bound nil = open) via the ordered index, in key order.
func (c *Collection) FindRange(ctx context.Context, field string, min, max any, limit int) ([]*types.Entity, error) {
	if err := c.db.checkOpen(); err != nil {
		return nil, err
	}
	key := indexKey(c.ns, field)
	c.db.mu.RLock()
	idx := c.db.fieldIdx[key]
	c.db.mu.RUnlock()
	if idx == nil {
		return nil, errors.New(errors.CodeIndexNotFound, "field index not found").
			WithContext("namespace", c.ns).
			WithContext("field", field)
	}

	var ids []string
	idx.Range(min, max, func(_ any, docID string) bool {
		ids = append(ids, docID)
		return limit <= 0 || len(ids) < limit*2 // overshoot for tombstones
	})
	if len(ids) == 0 {
		return nil, nil
	}

	m, err := c.db.collectEntities(ctx, c.ns, query.Filter{})
	if err != nil {
		return nil, err
	}
	if err := c.db.overlayWAL(ctx, c.ns, m); err != nil {
		return nil, err
	}

	var out []*types.Entity
	for _, id := range ids {
		e, ok := m[id]
		if !ok || e.Deleted() {
			continue
		}
		// Re-verify against the live document: the index may hold
		// stale keys for entities whose field has since moved.
		v, present := query.Lookup(entityDoc(e), field)
		if !present || !inRange(v, min, max) {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func inRange(v, min, max any) bool {
	if min != nil {
		if lt, ok := lessValue(v, min); !ok || lt {
			return false
		}
	}
	if max != nil {
		if lt, ok := lessValue(max, v); !ok || lt {
			return false
		}
	}
	return true
}

// lessValue orders numbers and strings; ok=false for mixed kinds.
func lessValue(a, b any) (bool, bool) {
	if af, ok := asFloat(a); ok {
		bf, ok := asFloat(b)
		if !ok {
			return false, false
		}
		return af < bf, true
	}
	as, ok := a.(string)
	if !ok {
		return false, false
	}
	bs, ok := b.(string)
	if !ok {
		return false, false
	}
	return as < bs, true
}

// backfill feeds every live entity of a namespace (committed plus
// pending WAL) to fn.
func (db *DB) backfill(ctx context.Context, ns string, fn func(*types.Entity)) error {
	m, err := db.collectEntities(ctx, ns, query.Filter{})
	if err != nil {
		return err
	}
	if err := db.overlayWAL(ctx, ns, m); err != nil {
		return err
	}
	for _, e := range liveEntities(m) {
		fn(e)
	}
	return nil
}

// saveIndexes persists every in-memory index at its storage path.
func (db *DB) saveIndexes(ctx context.Context) error {
	db.mu.RLock()
	blooms := make(map[string]*bloom.Index, len(db.bloomIdx))
	for ns, ix := range db.bloomIdx {
		blooms[ns] = ix
	}
	vectors := make(map[string]*hnsw.Index, len(db.vector))
	for key, ix := range db.vector {
		vectors[key] = ix
	}
	ftsIndexes := make(map[string]*fts.Index, len(db.ftsIdx))
	for key, ix := range db.ftsIdx {
		ftsIndexes[key] = ix
	}
	db.mu.RUnlock()

	for ns, ix := range blooms {
		data, err := ix.Marshal()
		if err != nil {
			return err
		}
		if _, err := db.backend.WriteAtomic(ctx, bloomIndexPath(ns), data, nil); err != nil {
			return err
		}
	}
	for key, ix := range vectors {
		var buf bytes.Buffer
		if err := ix.Save(&buf); err != nil {
			return err
		}
		ns := nsOf(key)
		name := strings.TrimPrefix(key, ns+".")
		if _, err := db.backend.WriteAtomic(ctx, vectorIndexPath(ns, name), buf.Bytes(), nil); err != nil {
			return err
		}
	}
	for key, ix := range ftsIndexes {
		data, err := ix.Marshal()
		if err != nil {
			return err
		}
		ns := nsOf(key)
		name := strings.TrimPrefix(key, ns+".")
		if _, err := db.backend.WriteAtomic(ctx, ftsIndexPath(ns, name), data, nil); err != nil {
			return err
		}
	}
	return nil
}

// ftsText concatenates the indexed document fields into one text blob.
func ftsText(doc map[string]any, fields []string) string {
	var sb strings.Builder
	for _, field := range fields {
		v, ok := query.Lookup(doc, field)
		if !ok || v == nil {
			continue
		}
		if s, ok := v.(string); ok {
			if sb.Len() > 0 {
				sb.WriteByte(' ')
			}
			sb.WriteString(s)
		}
	}
	return sb.String()
}

// vectorFromDoc extracts a numeric array payload field.
func vectorFromDoc(doc map[string]any, field string) ([]float64, bool) {
	v, ok := query.Lookup(doc, field)
	if !ok {
		return nil, false
	}
	switch arr := v.(type) {
	case []float64:
		return arr, true
	case []any:
		out := make([]float64, 0, len(arr))
		for _, item := range arr {
			switch n := item.(type) {
			case float64:
				out = append(out, n)
			case int:
				out = append(out, float64(n))
			case int64:
				out = append(out, float64(n))
			default:
				return nil, false
			}
		}
		return out, true
	}
	return nil, false
}

// vectorCandidates resolves a $vector clause against the namespace's
// indexes: the clause's field first, then any index on the namespace.
func (db *DB) vectorCandidates(ns string, q *query.VectorQuery) ([]hnsw.Hit, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	var idx *hnsw.Index
	for key, ix := range db.vector {
		if nsOf(key) != ns {
			continue
		}
		if db.vectorFields[key] == q.Field || idx == nil {
			idx = ix
		}
	}
	if idx == nil {
		return nil, errors.New(errors.CodeIndexNotFound, "no vector index for namespace").
			WithContext("namespace", ns).
			WithContext("field", q.Field)
	}

	opts := &hnsw.SearchOptions{MinScore: q.MinScore, HasMin: q.HasMin}
	res, err := idx.Search(q.Near, q.K, opts)
	if err != nil {
		return nil, err
	}
	return res.Hits, nil
}

// Search runs a full-text query against a namespace's FTS index and
// resolves the hits to live entities, ranked by score.
func (c *Collection) Search(ctx context.Context, indexName, q string, opts *fts.SearchOptions) ([]*types.Entity, error) {
	if err := c.db.checkOpen(); err != nil {
		return nil, err
	}
	key := indexKey(c.ns, indexName)
	c.db.mu.RLock()
	idx := c.db.ftsIdx[key]
	c.db.mu.RUnlock()
	if idx == nil {
		return nil, errors.New(errors.CodeIndexNotFound, "fts index not found").
			WithContext("namespace", c.ns).
			WithContext("index", indexName)
	}

	results := idx.Search(q, opts)
	if len(results) == 0 {
		return nil, nil
	}

	m, err := c.db.collectEntities(ctx, c.ns, query.Filter{})
	if err != nil {
		return nil, err
	}
	if err := c.db.overlayWAL(ctx, c.ns, m); err != nil {
		return nil, err
	}

	var out []*types.Entity
	for _, r := range results {
		if e, ok := m[r.DocID]; ok && !e.Deleted() {
			out = append(out, e)
		}
	}
	return out, nil
}

// VectorSearch runs k-nearest-neighbor search against a named vector
// index and resolves hits to live entities in score order.
func (c *Collection) VectorSearch(ctx context.Context, indexName string, vector []float64, k int, opts *hnsw.SearchOptions) ([]*types.Entity, []hnsw.Hit, error) {
	if err := c.db.checkOpen(); err != nil {
		return nil, nil, err
	}
	key := indexKey(c.ns, indexName)
	c.db.mu.RLock()
	idx := c.db.vector[key]
	c.db.mu.RUnlock()
	if idx == nil {
		return nil, nil, errors.New(errors.CodeIndexNotFound, "vector index not found").
			WithContext("namespace", c.ns).
			WithContext("index", indexName)
	}

	res, err := idx.Search(vector, k, opts)
	if err != nil {
		return nil, nil, err
	}

	m, err := c.db.collectEntities(ctx, c.ns, query.Filter{})
	if err != nil {
		return nil, nil, err
	}
	if err := c.db.overlayWAL(ctx, c.ns, m); err != nil {
		return nil, nil, err
	}

	var out []*types.Entity
	for _, hit := range res.Hits {
		if e, ok := m[hit.DocID]; ok && !e.Deleted() {
			out = append(out, e)
		}
	}
	return out, res.Hits, nil
}

// Near returns live entities ordered by Hilbert-curve proximity to
// (lat, lng), reading coordinates from payload latField/lngField.
func (c *Collection) Near(ctx context.Context, lat, lng float64, latField, lngField string, limit int) ([]*types.Entity, error) {
	if err := c.db.checkOpen(); err != nil {
		return nil, err
	}
	m, err := c.db.collectEntities(ctx, c.ns, query.Filter{})
	if err != nil {
		return nil, err
	}
	if err := c.db.overlayWAL(ctx, c.ns, m); err != nil {
		return nil, err
	}

	queryCode, err := hilbert.EncodeHex(lat, lng, hilbert.DefaultOrder)
	if err != nil {
		return nil, err
	}

	type coded struct {
		e    *types.Entity
		code string
	}
	var tagged []coded
	for _, e := range liveEntities(m) {
		doc := entityDoc(e)
		latV, ok1 := query.Lookup(doc, latField)
		lngV, ok2 := query.Lookup(doc, lngField)
		if !ok1 || !ok2 {
			continue
		}
		latF, ok1 := asFloat(latV)
		lngF, ok2 := asFloat(lngV)
		if !ok1 || !ok2 {
			continue
		}
		code, err := hilbert.EncodeHex(latF, lngF, hilbert.DefaultOrder)
		if err != nil {
			continue
		}
		tagged = append(tagged, coded{e: e, code: code})
	}

	// Order by curve distance to the query point's cell.
	queryPos, _ := new(big.Int).SetString(queryCode, 16)
	dist := func(code string) *big.Int {
		pos, ok := new(big.Int).SetString(code, 16)
		if !ok {
			return new(big.Int)
		}
		return new(big.Int).Abs(new(big.Int).Sub(pos, queryPos))
	}
	sort.Slice(tagged, func(i, j int) bool {
		return dist(tagged[i].code).Cmp(dist(tagged[j].code)) < 0
	})

	if limit > 0 && len(tagged) > limit {
		tagged = tagged[:limit]
	}
	out := make([]*types.Entity, len(tagged))
	for i, tc := range tagged {
		out[i] = tc.e
	}
	return out, nil
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

