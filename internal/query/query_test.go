package query

import (
	"testing"
	"time"

	"github.com/kartikbazzad/lakedb/internal/codec"
	"github.com/kartikbazzad/lakedb/internal/errors"
)

func mustCompile(t *testing.T, f Filter) Predicate {
	t.Helper()
	p, err := Compile(f)
	if err != nil {
		t.Fatalf("Compile(%v) failed: %v", f, err)
	}
	return p
}

func TestValidate(t *testing.T) {
	valid := []Filter{
		{},
		{"name": "x"},
		{"age": map[string]any{"$gt": 10.0, "$lte": 20.0}},
		{"$and": []any{map[string]any{"a": 1.0}, map[string]any{"b": 2.0}}},
		{"$not": map[string]any{"a": 1.0}},
		{"tags": map[string]any{"$all": []any{"go"}}},
		{"items": map[string]any{"$elemMatch": map[string]any{"price": map[string]any{"$lt": 5.0}}}},
		{"embedding": map[string]any{"$vector": map[string]any{"$near": []any{1.0, 2.0}, "$k": 3.0}}},
	}
	for _, f := range valid {
		if err := Validate(f); err != nil {
			t.Errorf("Validate(%v) = %v", f, err)
		}
	}

	invalid := []Filter{
		{"age": map[string]any{"$bogus": 1.0}},
		{"$bogus": []any{}},
		{"$and": "not an array"},
		{"a": map[string]any{"$in": "not an array"}},
		{"v": map[string]any{"$vector": map[string]any{"$k": 3.0}}},
	}
	for _, f := range invalid {
		if err := Validate(f); errors.CodeOf(err) != errors.CodeInvalidFilter {
			t.Errorf("Validate(%v) = %v, want INVALID_FILTER", f, err)
		}
	}
}

func TestFieldsExtraction(t *testing.T) {
	f := Filter{
		"user.address.city": "berlin",
		"$or": []any{
			map[string]any{"age": map[string]any{"$gt": 10.0}},
			map[string]any{"items": map[string]any{"$elemMatch": map[string]any{"price": 1.0}}},
		},
	}
	fields := Fields(f)
	want := map[string]bool{
		"user": true, "user.address": true, "user.address.city": true,
		"age": true, "items": true, "items.price": true,
	}
	if len(fields) != len(want) {
		t.Fatalf("Fields = %v, want keys %v", fields, want)
	}
	for _, field := range fields {
		if !want[field] {
			t.Errorf("unexpected field %q", field)
		}
	}
}

func TestPredicateOperators(t *testing.T) {
	row := map[string]any{
		"name":  "Alice",
		"age":   float64(30),
		"nick":  nil,
		"tags":  []any{"go", "db"},
		"items": []any{map[string]any{"price": float64(4)}, map[string]any{"price": float64(9)}},
		"meta":  map[string]any{"depth": map[string]any{"level": float64(2)}},
	}

	cases := []struct {
		name string
		f    Filter
		want bool
	}{
		{"empty matches all", Filter{}, true},
		{"bare eq", Filter{"name": "Alice"}, true},
		{"bare eq miss", Filter{"name": "Bob"}, false},
		{"eq op", Filter{"age": map[string]any{"$eq": float64(30)}}, true},
		{"ne", Filter{"age": map[string]any{"$ne": float64(31)}}, true},
		{"gt", Filter{"age": map[string]any{"$gt": float64(29)}}, true},
		{"gt equal is false", Filter{"age": map[string]any{"$gt": float64(30)}}, false},
		{"gte", Filter{"age": map[string]any{"$gte": float64(30)}}, true},
		{"lt", Filter{"age": map[string]any{"$lt": float64(31)}}, true},
		{"lte miss", Filter{"age": map[string]any{"$lte": float64(29)}}, false},
		{"in", Filter{"name": map[string]any{"$in": []any{"Bob", "Alice"}}}, true},
		{"nin", Filter{"name": map[string]any{"$nin": []any{"Bob"}}}, true},
		{"exists true", Filter{"nick": map[string]any{"$exists": true}}, true},
		{"exists false", Filter{"ghost": map[string]any{"$exists": false}}, true},
		{"type", Filter{"age": map[string]any{"$type": "number"}}, true},
		{"regex", Filter{"name": map[string]any{"$regex": "^ali", "$options": "i"}}, true},
		{"regex case", Filter{"name": map[string]any{"$regex": "^ali"}}, false},
		{"startsWith", Filter{"name": map[string]any{"$startsWith": "Al"}}, true},
		{"endsWith", Filter{"name": map[string]any{"$endsWith": "ce"}}, true},
		{"contains string", Filter{"name": map[string]any{"$contains": "lic"}}, true},
		{"contains array", Filter{"tags": map[string]any{"$contains": "go"}}, true},
		{"all", Filter{"tags": map[string]any{"$all": []any{"db", "go"}}}, true},
		{"all miss", Filter{"tags": map[string]any{"$all": []any{"go", "rust"}}}, false},
		{"size", Filter{"tags": map[string]any{"$size": float64(2)}}, true},
		{"elemMatch", Filter{"items": map[string]any{"$elemMatch": map[string]any{"price": map[string]any{"$lt": float64(5)}}}}, true},
		{"elemMatch miss", Filter{"items": map[string]any{"$elemMatch": map[string]any{"price": map[string]any{"$gt": float64(10)}}}}, false},
		{"dotted", Filter{"meta.depth.level": float64(2)}, true},
		{"dotted through primitive", Filter{"name.sub": "x"}, false},
		{"null eq null", Filter{"nick": nil}, true},
		{"null ne value", Filter{"nick": "x"}, false},
		{"and", Filter{"$and": []any{map[string]any{"name": "Alice"}, map[string]any{"age": float64(30)}}}, true},
		{"or", Filter{"$or": []any{map[string]any{"name": "Bob"}, map[string]any{"age": float64(30)}}}, true},
		{"nor", Filter{"$nor": []any{map[string]any{"name": "Bob"}}}, true},
		{"not", Filter{"$not": map[string]any{"name": "Bob"}}, true},
		{"field not", Filter{"age": map[string]any{"$not": map[string]any{"$gt": float64(40)}}}, true},
		{"array deep equality", Filter{"tags": []any{"go", "db"}}, true},
		{"array order matters", Filter{"tags": []any{"db", "go"}}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := mustCompile(t, tc.f)(row); got != tc.want {
				t.Errorf("match = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestPredicateDates(t *testing.T) {
	early := time.UnixMilli(1000)
	late := time.UnixMilli(2000)
	row := map[string]any{"at": late}
	if !mustCompile(t, Filter{"at": map[string]any{"$gt": early}})(row) {
		t.Error("date comparison by timestamp failed")
	}
	if !mustCompile(t, Filter{"at": time.UnixMilli(2000)})(row) {
		t.Error("date equality failed")
	}
}

func TestEmptyFilterMatchesNil(t *testing.T) {
	if !mustCompile(t, Filter{})(nil) {
		t.Error("empty filter must match nil rows")
	}
}

func statsFor(min, max float64, nulls int64) map[string]codec.ColumnStats {
	return map[string]codec.ColumnStats{
		"age": {Min: min, Max: max, NullCount: nulls, HasMinMax: true, NumValues: 100},
	}
}

func TestRowGroupPruning(t *testing.T) {
	// Row groups with age ranges [10,30], [31,50], [51,70].
	groups := []map[string]codec.ColumnStats{
		statsFor(10, 30, 0),
		statsFor(31, 50, 0),
		statsFor(51, 70, 0),
	}

	survivors := func(f Filter) []int {
		var out []int
		for i, stats := range groups {
			if !CanPruneRowGroup(f, stats, nil) {
				out = append(out, i)
			}
		}
		return out
	}

	if got := survivors(Filter{"age": map[string]any{"$gt": float64(60)}}); len(got) != 1 || got[0] != 2 {
		t.Errorf("$gt 60 survivors = %v, want [2]", got)
	}
	if got := survivors(Filter{"age": map[string]any{"$gte": float64(50)}}); len(got) != 2 {
		t.Errorf("$gte 50 survivors = %v, want [1 2]", got)
	}
	if got := survivors(Filter{"age": map[string]any{"$lt": float64(31)}}); len(got) != 1 || got[0] != 0 {
		t.Errorf("$lt 31 survivors = %v, want [0]", got)
	}
	if got := survivors(Filter{"age": float64(40)}); len(got) != 1 || got[0] != 1 {
		t.Errorf("eq 40 survivors = %v, want [1]", got)
	}
	if got := survivors(Filter{"age": map[string]any{"$in": []any{float64(5), float64(65)}}}); len(got) != 1 || got[0] != 2 {
		t.Errorf("$in survivors = %v, want [2]", got)
	}
	if got := survivors(Filter{"age": map[string]any{"$in": []any{}}}); len(got) != 0 {
		t.Errorf("empty $in survivors = %v, want none", got)
	}
	// Missing stats: include.
	if CanPruneRowGroup(Filter{"unknown": float64(1)}, groups[0], nil) {
		t.Error("missing stats must not prune")
	}
	// null equality prunes when nullCount is zero.
	if !CanPruneRowGroup(Filter{"age": nil}, groups[0], nil) {
		t.Error("null filter with zero nulls must prune")
	}
	withNulls := statsFor(10, 30, 3)
	if CanPruneRowGroup(Filter{"age": nil}, withNulls, nil) {
		t.Error("null filter with nulls present must not prune")
	}
}

func TestPruningNeConservative(t *testing.T) {
	constant := map[string]codec.ColumnStats{
		"age": {Min: float64(42), Max: float64(42), NullCount: 0, HasMinMax: true},
	}
	if !CanPruneRowGroup(Filter{"age": map[string]any{"$ne": float64(42)}}, constant, nil) {
		t.Error("$ne must prune a constant column equal to the operand")
	}
	ranged := statsFor(10, 50, 0)
	if CanPruneRowGroup(Filter{"age": map[string]any{"$ne": float64(42)}}, ranged, nil) {
		t.Error("$ne must stay conservative on ranged columns")
	}
}

func TestPruningLogical(t *testing.T) {
	stats := statsFor(10, 30, 0)

	and := Filter{"$and": []any{
		map[string]any{"age": map[string]any{"$gt": float64(5)}},
		map[string]any{"age": map[string]any{"$gt": float64(40)}},
	}}
	if !CanPruneRowGroup(and, stats, nil) {
		t.Error("$and prunes when any child prunes")
	}

	or := Filter{"$or": []any{
		map[string]any{"age": map[string]any{"$gt": float64(40)}},
		map[string]any{"age": map[string]any{"$lt": float64(15)}},
	}}
	if CanPruneRowGroup(or, stats, nil) {
		t.Error("$or must keep the group while any child survives")
	}

	orAll := Filter{"$or": []any{
		map[string]any{"age": map[string]any{"$gt": float64(40)}},
		map[string]any{"age": map[string]any{"$lt": float64(5)}},
	}}
	if !CanPruneRowGroup(orAll, stats, nil) {
		t.Error("$or prunes when every child prunes")
	}
}

func TestPruningSoundness(t *testing.T) {
	// Any row group the planner prunes must contain no matching row.
	rows := []map[string]any{}
	for age := 10; age <= 30; age++ {
		rows = append(rows, map[string]any{"age": float64(age)})
	}
	stats := statsFor(10, 30, 0)

	filters := []Filter{
		{"age": map[string]any{"$gt": float64(25)}},
		{"age": map[string]any{"$gt": float64(30)}},
		{"age": map[string]any{"$lte": float64(9)}},
		{"age": float64(15)},
		{"age": float64(99)},
		{"age": map[string]any{"$in": []any{float64(1), float64(2)}}},
	}
	for _, f := range filters {
		if !CanPruneRowGroup(f, stats, nil) {
			continue
		}
		pred := mustCompile(t, f)
		for _, row := range rows {
			if pred(row) {
				t.Errorf("filter %v pruned a group containing matching row %v", f, row)
			}
		}
	}
}

func TestPathMapperRewrite(t *testing.T) {
	stats := map[string]codec.ColumnStats{
		"shred_n_0": {Min: float64(10), Max: float64(30), HasMinMax: true},
	}
	mapper := func(field string) string {
		if field == "payload.age" {
			return "shred_n_0"
		}
		return ""
	}
	if !CanPruneRowGroup(Filter{"payload.age": map[string]any{"$gt": float64(40)}}, stats, mapper) {
		t.Error("mapped field should prune via its physical column")
	}
	if CanPruneRowGroup(Filter{"payload.other": float64(1)}, stats, mapper) {
		t.Error("unmapped field must not prune")
	}
}

func TestBloomPruning(t *testing.T) {
	members := map[string]bool{"alice": true, "bob": true}
	might := func(field string, value any) bool {
		if field != "name" {
			return true
		}
		s, _ := value.(string)
		return members[s]
	}

	if CanPruneWithBloom(Filter{"name": "alice"}, might) {
		t.Error("present member must not prune")
	}
	if !CanPruneWithBloom(Filter{"name": "carol"}, might) {
		t.Error("definitive miss must prune")
	}
	if !CanPruneWithBloom(Filter{"name": map[string]any{"$in": []any{"carol", "dave"}}}, might) {
		t.Error("all-miss $in must prune")
	}
	if CanPruneWithBloom(Filter{"name": map[string]any{"$in": []any{"carol", "bob"}}}, might) {
		t.Error("partially present $in must not prune")
	}
	if !CanPruneWithBloom(Filter{"name": map[string]any{"$in": []any{}}}, might) {
		t.Error("empty $in must prune")
	}
	if CanPruneWithBloom(Filter{"name": map[string]any{"$gt": "a"}}, might) {
		t.Error("range operators stay conservative under bloom")
	}
	if CanPruneWithBloom(Filter{"other": "zzz"}, might) {
		t.Error("unknown fields stay conservative")
	}
}

func TestExtractVector(t *testing.T) {
	f := Filter{
		"embedding": map[string]any{"$vector": map[string]any{
			"$near":     []any{1.0, 2.0, 3.0},
			"$k":        5.0,
			"$minScore": 0.25,
		}},
		"status": "published",
	}
	q := ExtractVector(f)
	if q == nil {
		t.Fatal("ExtractVector returned nil")
	}
	if q.Field != "embedding" || q.K != 5 || !q.HasMin || q.MinScore != 0.25 {
		t.Errorf("vector query = %+v", q)
	}
	if len(q.Near) != 3 || q.Near[2] != 3.0 {
		t.Errorf("near = %v", q.Near)
	}
	if ExtractVector(Filter{"a": 1.0}) != nil {
		t.Error("non-vector filter extracted a query")
	}
}
