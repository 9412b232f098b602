package bloom

import (
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/kartikbazzad/lakedb/internal/query"
)

func TestNoFalseNegatives(t *testing.T) {
	f := New(1000, 0.01)
	values := []any{
		"hello", "", float64(0), float64(-1.5), true, false, nil,
		time.UnixMilli(1700000000000),
		[]byte{1, 2, 3},
		map[string]any{"a": 1.0},
	}
	for i := 0; i < 500; i++ {
		values = append(values, fmt.Sprintf("key-%d", i))
	}
	for _, v := range values {
		f.Add(v)
	}
	for _, v := range values {
		if !f.MightContain(v) {
			t.Errorf("false negative for %v", v)
		}
	}
}

func TestKindEncodingDistinguishes(t *testing.T) {
	f := New(100, 0.01)
	f.Add(nil)
	// A filter holding only null should not claim the empty string,
	// nor false, nor zero (modulo the tiny false-positive chance,
	// which the geometry makes negligible at this fill level).
	misses := 0
	for _, v := range []any{"", false, float64(0)} {
		if !f.MightContain(v) {
			misses++
		}
	}
	if misses == 0 {
		t.Error("null encoding collides with every scalar zero value")
	}
}

func TestFalsePositiveRateRoughlyHolds(t *testing.T) {
	f := New(1000, 0.01)
	for i := 0; i < 1000; i++ {
		f.Add(fmt.Sprintf("member-%d", i))
	}
	fp := 0
	const probes = 10000
	for i := 0; i < probes; i++ {
		if f.MightContain(fmt.Sprintf("absent-%d", i)) {
			fp++
		}
	}
	rate := float64(fp) / probes
	if rate > 0.05 {
		t.Errorf("false positive rate %.4f way above target 0.01", rate)
	}
}

func TestMergeRequiresSameGeometry(t *testing.T) {
	a := New(1000, 0.01)
	b := New(1000, 0.01)
	a.Add("left")
	b.Add("right")
	if err := a.Merge(b); err != nil {
		t.Fatalf("Merge failed: %v", err)
	}
	if !a.MightContain("left") || !a.MightContain("right") {
		t.Error("merge lost members")
	}

	c := New(10, 0.5)
	if err := a.Merge(c); err == nil {
		t.Error("mismatched geometry merged")
	}
}

func TestEstimateCount(t *testing.T) {
	f := New(1000, 0.01)
	for i := 0; i < 300; i++ {
		f.Add(fmt.Sprintf("v-%d", i))
	}
	est := f.EstimateCount()
	if est < 200 || est > 400 {
		t.Errorf("estimate = %.1f, want ~300", est)
	}

	// Saturate.
	sat := New(1, 0.01)
	for i := range sat.bits {
		sat.bits[i] = 0xFF
	}
	if !math.IsInf(sat.EstimateCount(), 1) {
		t.Error("saturated filter must estimate +Inf")
	}
}

func TestSerializationPreservesMembership(t *testing.T) {
	f := New(500, 0.01)
	members := []any{"a", "b", float64(7), true}
	for _, v := range members {
		f.Add(v)
	}
	data, err := f.Marshal()
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	got, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	for _, v := range members {
		if !got.MightContain(v) {
			t.Errorf("membership lost after round-trip: %v", v)
		}
	}
	if got.MightContain("definitely-absent-value-xyz") != f.MightContain("definitely-absent-value-xyz") {
		t.Error("round-trip changed answers")
	}
}

func TestIndexQueryMatching(t *testing.T) {
	idx := NewIndex([]string{"name", "meta.city"}, 100)
	idx.AddRow(map[string]any{"name": "alice", "meta": map[string]any{"city": "oslo"}})
	idx.AddRow(map[string]any{"name": "bob", "meta": map[string]any{"city": nil}})

	cases := []struct {
		f    query.Filter
		want bool
	}{
		{query.Filter{"name": "alice"}, true},
		{query.Filter{"name": "carol"}, false},
		{query.Filter{"name": map[string]any{"$eq": "bob"}}, true},
		{query.Filter{"name": map[string]any{"$in": []any{"carol", "alice"}}}, true},
		{query.Filter{"name": map[string]any{"$in": []any{"carol", "dave"}}}, false},
		{query.Filter{"name": map[string]any{"$in": []any{}}}, false},
		{query.Filter{"name": map[string]any{"$gt": "a"}}, true},   // ranges conservative
		{query.Filter{"name": map[string]any{"$ne": "alice"}}, true}, // $ne conservative
		{query.Filter{"unindexed": "whatever"}, true},
		{query.Filter{"$or": []any{map[string]any{"name": "zzz"}}}, true}, // logicals skipped here
		{query.Filter{"meta.city": "oslo"}, true},
		{query.Filter{"meta.city": "paris"}, false},
	}
	for _, tc := range cases {
		if got := idx.MightMatch(tc.f); got != tc.want {
			t.Errorf("MightMatch(%v) = %v, want %v", tc.f, got, tc.want)
		}
	}
}

func TestIndexRoundTrip(t *testing.T) {
	idx := NewIndex([]string{"name"}, 100)
	idx.AddRow(map[string]any{"name": "alice"})
	data, err := idx.Marshal()
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	got, err := UnmarshalIndex(data)
	if err != nil {
		t.Fatalf("UnmarshalIndex failed: %v", err)
	}
	if !got.MightMatch(query.Filter{"name": "alice"}) {
		t.Error("round-trip lost membership")
	}
	if got.MightMatch(query.Filter{"name": "zzz-absent"}) {
		t.Error("round-trip fabricated membership")
	}
}
