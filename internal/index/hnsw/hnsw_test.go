package hnsw

import (
	"bytes"
	"fmt"
	"math/rand"
	"testing"

	"github.com/kartikbazzad/lakedb/internal/errors"
)

func newTestIndex(t *testing.T, metric Metric) *Index {
	t.Helper()
	ix, err := New(Config{Dimensions: 4, Metric: metric, M: 8, EfConstruction: 64, EfSearch: 32})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return ix
}

func TestInsertAndExactNeighborFound(t *testing.T) {
	ix := newTestIndex(t, Cosine)
	vectors := map[string][]float64{
		"a": {1, 0, 0, 0},
		"b": {0, 1, 0, 0},
		"c": {0, 0, 1, 0},
		"d": {0.9, 0.1, 0, 0},
	}
	for id, v := range vectors {
		added, err := ix.Insert(id, 0, 0, v)
		if err != nil || !added {
			t.Fatalf("Insert(%s) = %v %v", id, added, err)
		}
	}

	res, err := ix.Search([]float64{1, 0, 0, 0}, 2, nil)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(res.Hits) != 2 {
		t.Fatalf("hits = %d, want 2", len(res.Hits))
	}
	if res.Hits[0].DocID != "a" {
		t.Errorf("closest = %s, want a", res.Hits[0].DocID)
	}
	if res.Hits[1].DocID != "d" {
		t.Errorf("second = %s, want d", res.Hits[1].DocID)
	}
	if res.Exact {
		t.Error("HNSW results must report Exact=false")
	}
	if res.EntriesScanned == 0 {
		t.Error("telemetry missing")
	}
}

func TestRecallOnRandomData(t *testing.T) {
	const dim = 8
	ix, err := New(Config{Dimensions: dim, Metric: Euclidean, M: 16, EfConstruction: 128, EfSearch: 64})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	rng := rand.New(rand.NewSource(7))
	vectors := make(map[string][]float64)
	for i := 0; i < 200; i++ {
		v := make([]float64, dim)
		for d := range v {
			v[d] = rng.NormFloat64()
		}
		id := fmt.Sprintf("doc-%03d", i)
		vectors[id] = v
		if _, err := ix.Insert(id, i/50, i%50, v); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}

	// Every indexed vector should find itself (property 9: some search
	// covering d's neighborhood returns d).
	misses := 0
	for id, v := range vectors {
		res, err := ix.Search(v, 1, nil)
		if err != nil {
			t.Fatalf("Search failed: %v", err)
		}
		if len(res.Hits) == 0 || res.Hits[0].DocID != id {
			misses++
		}
	}
	if misses > 4 { // allow tiny approximation slack
		t.Errorf("self-recall misses = %d/200", misses)
	}
}

func TestWrongDimensionSkippedSilently(t *testing.T) {
	ix := newTestIndex(t, Cosine)
	added, err := ix.Insert("short", 0, 0, []float64{1, 2})
	if err != nil {
		t.Fatalf("Insert returned error for wrong dims: %v", err)
	}
	if added {
		t.Error("wrong-dimension vector was indexed")
	}
	if ix.Len() != 0 {
		t.Errorf("Len = %d", ix.Len())
	}
}

func TestDeleteBypassesAndPromotesEntryPoint(t *testing.T) {
	ix := newTestIndex(t, Cosine)
	for i := 0; i < 10; i++ {
		v := []float64{float64(i), 1, 0, 0}
		if _, err := ix.Insert(fmt.Sprintf("doc-%d", i), 0, i, v); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}

	target := []float64{9, 1, 0, 0}
	res, _ := ix.Search(target, 1, nil)
	if len(res.Hits) == 0 {
		t.Fatal("no hits before delete")
	}
	victim := res.Hits[0].DocID
	if !ix.Delete(victim) {
		t.Fatal("Delete returned false")
	}
	if ix.Delete(victim) {
		t.Error("double delete returned true")
	}

	res, _ = ix.Search(target, 3, nil)
	for _, h := range res.Hits {
		if h.DocID == victim {
			t.Error("deleted doc still returned")
		}
	}

	// Deleting everything still leaves a searchable (empty) index.
	for i := 0; i < 10; i++ {
		ix.Delete(fmt.Sprintf("doc-%d", i))
	}
	res, err := ix.Search(target, 3, nil)
	if err != nil {
		t.Fatalf("Search on emptied index failed: %v", err)
	}
	if len(res.Hits) != 0 {
		t.Errorf("emptied index returned hits: %v", res.Hits)
	}
}

func TestUpdateMovesVector(t *testing.T) {
	ix := newTestIndex(t, Cosine)
	if _, err := ix.Insert("m", 0, 0, []float64{1, 0, 0, 0}); err != nil {
		t.Fatal(err)
	}
	if _, err := ix.Insert("other", 0, 1, []float64{0, 1, 0, 0}); err != nil {
		t.Fatal(err)
	}
	if _, err := ix.Update("m", 1, 5, []float64{0, 0, 1, 0}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	res, _ := ix.Search([]float64{0, 0, 1, 0}, 1, nil)
	if len(res.Hits) == 0 || res.Hits[0].DocID != "m" || res.Hits[0].RowGroup != 1 {
		t.Errorf("hits after update = %+v", res.Hits)
	}
}

func TestMinScoreAndMetricDirection(t *testing.T) {
	ix := newTestIndex(t, Dot)
	ix.Insert("big", 0, 0, []float64{10, 0, 0, 0})
	ix.Insert("small", 0, 1, []float64{0.1, 0, 0, 0})

	res, err := ix.Search([]float64{1, 0, 0, 0}, 2, &SearchOptions{MinScore: 5, HasMin: true})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(res.Hits) != 1 || res.Hits[0].DocID != "big" {
		t.Errorf("dot minScore filter = %+v", res.Hits)
	}
	if res.Hits[0].Score < 5 {
		t.Errorf("dot score = %v", res.Hits[0].Score)
	}
}

func TestSaveLoadPreservesTopK(t *testing.T) {
	ix := newTestIndex(t, Cosine)
	rng := rand.New(rand.NewSource(3))
	for i := 0; i < 50; i++ {
		v := []float64{rng.Float64(), rng.Float64(), rng.Float64(), rng.Float64()}
		if _, err := ix.Insert(fmt.Sprintf("doc-%02d", i), i/10, i%10, v); err != nil {
			t.Fatal(err)
		}
	}
	query := []float64{0.5, 0.5, 0.5, 0.5}
	before, err := ix.Search(query, 5, nil)
	if err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := ix.Save(&buf); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	loaded, err := Load(bytes.NewReader(buf.Bytes()), ix.Config())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	after, err := loaded.Search(query, 5, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(before.Hits) != len(after.Hits) {
		t.Fatalf("hit counts differ: %d vs %d", len(before.Hits), len(after.Hits))
	}
	for i := range before.Hits {
		if before.Hits[i].DocID != after.Hits[i].DocID {
			t.Errorf("top-k order changed at %d: %s vs %s", i, before.Hits[i].DocID, after.Hits[i].DocID)
		}
		if before.Hits[i].RowGroup != after.Hits[i].RowGroup || before.Hits[i].RowOffset != after.Hits[i].RowOffset {
			t.Errorf("row coordinates lost at %d", i)
		}
	}
}

func TestLoadRejectsConfigMismatch(t *testing.T) {
	ix := newTestIndex(t, Cosine)
	ix.Insert("a", 0, 0, []float64{1, 0, 0, 0})
	var buf bytes.Buffer
	if err := ix.Save(&buf); err != nil {
		t.Fatal(err)
	}

	mismatches := []Config{
		{Dimensions: 8, Metric: Cosine, Precision: Float32},
		{Dimensions: 4, Metric: Euclidean, Precision: Float32},
		{Dimensions: 4, Metric: Cosine, Precision: Float64},
	}
	for _, cfg := range mismatches {
		_, err := Load(bytes.NewReader(buf.Bytes()), cfg)
		if errors.CodeOf(err) != errors.CodeConfigurationError {
			t.Errorf("Load with %+v returned %v, want CONFIGURATION_ERROR", cfg, err)
		}
	}

	if _, err := Load(bytes.NewReader([]byte("garbage")), ix.Config()); errors.CodeOf(err) != errors.CodeIndexLoadError {
		t.Error("garbage accepted")
	}
}

func TestDuplicateInsertRejected(t *testing.T) {
	ix := newTestIndex(t, Cosine)
	ix.Insert("a", 0, 0, []float64{1, 0, 0, 0})
	_, err := ix.Insert("a", 0, 1, []float64{0, 1, 0, 0})
	if errors.CodeOf(err) != errors.CodeIndexError {
		t.Errorf("duplicate insert returned %v", err)
	}
}
