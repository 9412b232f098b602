// Package hnsw implements a Hierarchical Navigable Small World graph
// for approximate nearest-neighbor search: multi-layer graph, greedy
// descent, ef-bounded candidate search, bounded neighbor lists and
// binary persistence with strict config enforcement on load.
package hnsw

import (
	"container/heap"
	"math"
	"math/rand"
	"sync"

	"github.com/kartikbazzad/lakedb/internal/errors"
)

// Metric selects the distance function.
type Metric string

const (
	Cosine    Metric = "cosine"
	Euclidean Metric = "euclidean"
	Dot       Metric = "dot"
)

// Precision selects the stored vector width.
type Precision string

const (
	Float32 Precision = "float32"
	Float64 Precision = "float64"
)

// Config tunes the graph.
type Config struct {
	Dimensions     int
	Metric         Metric
	M              int
	EfConstruction int
	EfSearch       int
	Precision      Precision
}

func (c Config) withDefaults() Config {
	if c.Metric == "" {
		c.Metric = Cosine
	}
	if c.M <= 0 {
		c.M = 16
	}
	if c.EfConstruction <= 0 {
		c.EfConstruction = 200
	}
	if c.EfSearch <= 0 {
		c.EfSearch = 50
	}
	if c.Precision == "" {
		c.Precision = Float32
	}
	return c
}

func (c Config) validate() error {
	if c.Dimensions <= 0 {
		return errors.New(errors.CodeConfigurationError, "vector index requires positive dimensions")
	}
	switch c.Metric {
	case Cosine, Euclidean, Dot:
	default:
		return errors.Newf(errors.CodeConfigurationError, "unknown vector metric %q", c.Metric)
	}
	switch c.Precision {
	case Float32, Float64:
	default:
		return errors.Newf(errors.CodeConfigurationError, "unknown vector precision %q", c.Precision)
	}
	return nil
}

// node is one graph vertex.
type node struct {
	docID     string
	rowGroup  int32
	rowOffset int32
	vector    []float64
	layer     int
	neighbors [][]int32 // per layer (0..layer), bounded
	deleted   bool
}

// Index is the graph.
//
// Thread Safety: writes take an exclusive lock with respect to
// readers of the same index, per the engine's locking discipline.
type Index struct {
	mu         sync.RWMutex
	cfg        Config
	nodes      []*node
	byDoc      map[string]int32
	entryPoint int32 // -1 when empty
	maxLayer   int
	levelMult  float64
	rng        *rand.Rand
}

// New builds an empty index.
func New(cfg Config) (*Index, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Index{
		cfg:        cfg,
		byDoc:      make(map[string]int32),
		entryPoint: -1,
		levelMult:  1 / math.Log(float64(cfg.M)),
		rng:        rand.New(rand.NewSource(1)),
	}, nil
}

// Config returns the index configuration.
func (ix *Index) Config() Config {
	return ix.cfg
}

// Len reports live (non-deleted) vectors.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	n := 0
	for _, nd := range ix.nodes {
		if !nd.deleted {
			n++
		}
	}
	return n
}

// distance is smaller-is-better for every metric; dot flips sign.
func (ix *Index) distance(a, b []float64) float64 {
	switch ix.cfg.Metric {
	case Euclidean:
		var sum float64
		for i := range a {
			d := a[i] - b[i]
			sum += d * d
		}
		return math.Sqrt(sum)
	case Dot:
		var dot float64
		for i := range a {
			dot += a[i] * b[i]
		}
		return -dot
	default: // Cosine
		var dot, na, nb float64
		for i := range a {
			dot += a[i] * b[i]
			na += a[i] * a[i]
			nb += b[i] * b[i]
		}
		if na == 0 || nb == 0 {
			return 1
		}
		return 1 - dot/(math.Sqrt(na)*math.Sqrt(nb))
	}
}

// score converts an internal distance into the reported score:
// cosine similarity, raw dot product, or negated euclidean distance —
// always higher-is-better, so MinScore is a floor for every metric.
func (ix *Index) score(dist float64) float64 {
	switch ix.cfg.Metric {
	case Euclidean:
		return -dist
	case Dot:
		return -dist // distance was the negated dot product
	default:
		return 1 - dist
	}
}

func (ix *Index) maxNeighbors(layer int) int {
	if layer == 0 {
		return 2 * ix.cfg.M
	}
	return ix.cfg.M
}

// randomLevel draws from the exponentially decaying distribution.
func (ix *Index) randomLevel() int {
	return int(math.Floor(-math.Log(ix.rng.Float64()+1e-12) * ix.levelMult))
}

// candidate heaps ----------------------------------------------------

type candidate struct {
	id   int32
	dist float64
}

// minHeap pops the closest candidate first.
type minHeap []candidate

func (h minHeap) Len() int            { return len(h) }
func (h minHeap) Less(i, j int) bool  { return h[i].dist < h[j].dist }
func (h minHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *minHeap) Push(x any)         { *h = append(*h, x.(candidate)) }
func (h *minHeap) Pop() any           { old := *h; n := len(old); c := old[n-1]; *h = old[:n-1]; return c }

// maxHeap pops the farthest kept result first.
type maxHeap []candidate

func (h maxHeap) Len() int            { return len(h) }
func (h maxHeap) Less(i, j int) bool  { return h[i].dist > h[j].dist }
func (h maxHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *maxHeap) Push(x any)         { *h = append(*h, x.(candidate)) }
func (h *maxHeap) Pop() any           { old := *h; n := len(old); c := old[n-1]; *h = old[:n-1]; return c }

// greedyStep walks one layer greedily toward query, returning the
// closest reachable node.
func (ix *Index) greedyStep(query []float64, ep int32, layer int, scanned *int) int32 {
	cur := ep
	curDist := ix.distance(query, ix.nodes[cur].vector)
	*scanned++
	for {
		improved := false
		if layer < len(ix.nodes[cur].neighbors) {
			for _, nb := range ix.nodes[cur].neighbors[layer] {
				d := ix.distance(query, ix.nodes[nb].vector)
				*scanned++
				if d < curDist {
					curDist = d
					cur = nb
					improved = true
				}
			}
		}
		if !improved {
			return cur
		}
	}
}

// searchLayer is the ef-bounded best-first search at one layer.
func (ix *Index) searchLayer(query []float64, ep int32, ef, layer int, scanned *int) []candidate {
	visited := map[int32]bool{ep: true}
	epDist := ix.distance(query, ix.nodes[ep].vector)
	*scanned++

	cands := &minHeap{{id: ep, dist: epDist}}
	results := &maxHeap{{id: ep, dist: epDist}}
	heap.Init(cands)
	heap.Init(results)

	for cands.Len() > 0 {
		c := heap.Pop(cands).(candidate)
		worst := (*results)[0].dist
		if c.dist > worst && results.Len() >= ef {
			break
		}
		if c.id < int32(len(ix.nodes)) && len(ix.nodes[c.id].neighbors) > layer {
			for _, nb := range ix.nodes[c.id].neighbors[layer] {
				if visited[nb] {
					continue
				}
				visited[nb] = true
				d := ix.distance(query, ix.nodes[nb].vector)
				*scanned++
				if results.Len() < ef || d < (*results)[0].dist {
					heap.Push(cands, candidate{id: nb, dist: d})
					heap.Push(results, candidate{id: nb, dist: d})
					if results.Len() > ef {
						heap.Pop(results)
					}
				}
			}
		}
	}

	out := make([]candidate, results.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(results).(candidate)
	}
	return out
}

// selectClosest keeps the m closest candidates.
func selectClosest(cands []candidate, m int) []candidate {
	if len(cands) <= m {
		return cands
	}
	return cands[:m]
}

// Insert adds a vector. Vectors whose length differs from the
// configured dimensionality are skipped: added reports false.
func (ix *Index) Insert(docID string, rowGroup, rowOffset int, vector []float64) (added bool, err error) {
	if len(vector) != ix.cfg.Dimensions {
		return false, nil
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	if prev, ok := ix.byDoc[docID]; ok && !ix.nodes[prev].deleted {
		return false, errors.Newf(errors.CodeIndexError, "docId %q already indexed", docID)
	}

	level := ix.randomLevel()
	nd := &node{
		docID:     docID,
		rowGroup:  int32(rowGroup),
		rowOffset: int32(rowOffset),
		vector:    append([]float64(nil), vector...),
		layer:     level,
		neighbors: make([][]int32, level+1),
	}
	id := int32(len(ix.nodes))
	ix.nodes = append(ix.nodes, nd)
	ix.byDoc[docID] = id

	if ix.entryPoint < 0 {
		ix.entryPoint = id
		ix.maxLayer = level
		return true, nil
	}

	scanned := 0
	ep := ix.entryPoint

	// Greedy descent through the layers above the node's level.
	for layer := ix.maxLayer; layer > level; layer-- {
		ep = ix.greedyStep(vector, ep, layer, &scanned)
	}

	// Connect at each layer from min(level, maxLayer) down.
	top := level
	if top > ix.maxLayer {
		top = ix.maxLayer
	}
	for layer := top; layer >= 0; layer-- {
		cands := ix.searchLayer(vector, ep, ix.cfg.EfConstruction, layer, &scanned)
		selected := selectClosest(cands, ix.maxNeighbors(layer))

		for _, c := range selected {
			if c.id == id {
				continue
			}
			nd.neighbors[layer] = append(nd.neighbors[layer], c.id)
			ix.linkBack(c.id, id, layer)
		}
		if len(cands) > 0 {
			ep = cands[0].id
		}
	}

	if level > ix.maxLayer {
		ix.maxLayer = level
		ix.entryPoint = id
	}
	return true, nil
}

// linkBack adds a reverse edge and prunes the neighbor list back to
// its bound, keeping the closest.
func (ix *Index) linkBack(from, to int32, layer int) {
	nd := ix.nodes[from]
	if layer >= len(nd.neighbors) {
		return
	}
	nd.neighbors[layer] = append(nd.neighbors[layer], to)
	limit := ix.maxNeighbors(layer)
	if len(nd.neighbors[layer]) <= limit {
		return
	}
	cands := make([]candidate, 0, len(nd.neighbors[layer]))
	for _, nb := range nd.neighbors[layer] {
		cands = append(cands, candidate{id: nb, dist: ix.distance(nd.vector, ix.nodes[nb].vector)})
	}
	// partial sort: closest first
	for i := 0; i < limit; i++ {
		best := i
		for j := i + 1; j < len(cands); j++ {
			if cands[j].dist < cands[best].dist {
				best = j
			}
		}
		cands[i], cands[best] = cands[best], cands[i]
	}
	kept := make([]int32, limit)
	for i := 0; i < limit; i++ {
		kept[i] = cands[i].id
	}
	nd.neighbors[layer] = kept
}

// SearchOptions tunes one search.
type SearchOptions struct {
	EfSearch int
	MinScore float64
	HasMin   bool
}

// Hit is one search result.
type Hit struct {
	DocID     string
	Score     float64
	RowGroup  int
	RowOffset int
}

// SearchResult carries hits plus telemetry: approximate search never
// claims exactness, and EntriesScanned counts distance evaluations.
type SearchResult struct {
	Hits           []Hit
	Exact          bool
	EntriesScanned int
	RowGroups      []int
}

// Search returns the approximate top-k for query.
func (ix *Index) Search(query []float64, k int, opts *SearchOptions) (*SearchResult, error) {
	if len(query) != ix.cfg.Dimensions {
		return nil, errors.Newf(errors.CodeInvalidInput,
			"query vector has %d dimensions, index expects %d", len(query), ix.cfg.Dimensions)
	}
	if k <= 0 {
		k = 1
	}

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	result := &SearchResult{Exact: false}
	if ix.entryPoint < 0 {
		return result, nil
	}

	ef := ix.cfg.EfSearch
	if opts != nil && opts.EfSearch > 0 {
		ef = opts.EfSearch
	}
	if ef < k {
		ef = k
	}

	scanned := 0
	ep := ix.entryPoint
	for layer := ix.maxLayer; layer > 0; layer-- {
		ep = ix.greedyStep(query, ep, layer, &scanned)
	}
	cands := ix.searchLayer(query, ep, ef, 0, &scanned)
	result.EntriesScanned = scanned

	groups := make(map[int]bool)
	for _, c := range cands {
		nd := ix.nodes[c.id]
		if nd.deleted {
			continue
		}
		score := ix.score(c.dist)
		if opts != nil && opts.HasMin && score < opts.MinScore {
			continue
		}
		result.Hits = append(result.Hits, Hit{
			DocID:     nd.docID,
			Score:     score,
			RowGroup:  int(nd.rowGroup),
			RowOffset: int(nd.rowOffset),
		})
		groups[int(nd.rowGroup)] = true
		if len(result.Hits) == k {
			break
		}
	}
	for g := range groups {
		result.RowGroups = append(result.RowGroups, g)
	}
	return result, nil
}

// Delete tombstones a vector; search bypasses it. When the entry
// point dies, a live node is promoted.
func (ix *Index) Delete(docID string) bool {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	id, ok := ix.byDoc[docID]
	if !ok || ix.nodes[id].deleted {
		return false
	}
	ix.nodes[id].deleted = true
	delete(ix.byDoc, docID)

	if ix.entryPoint == id {
		ix.entryPoint = -1
		ix.maxLayer = 0
		for i, nd := range ix.nodes {
			if nd.deleted {
				continue
			}
			if ix.entryPoint < 0 || nd.layer > ix.maxLayer {
				ix.entryPoint = int32(i)
				ix.maxLayer = nd.layer
			}
		}
	}
	return true
}

// Update replaces a vector: delete plus insert at the new position.
func (ix *Index) Update(docID string, rowGroup, rowOffset int, vector []float64) (bool, error) {
	ix.Delete(docID)
	return ix.Insert(docID, rowGroup, rowOffset, vector)
}
