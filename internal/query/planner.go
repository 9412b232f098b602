package query

import (
	"github.com/kartikbazzad/lakedb/internal/codec"
)

// PathMapper rewrites a logical field path to the physical column
// whose statistics cover it, or returns "" when no single column does
// (the row group is then never pruned on that field). Variant
// shredding plugs in here.
type PathMapper func(field string) string

// BloomChecker answers whether a row group's bloom filter might
// contain value for a field. Absent filters must answer true.
type BloomChecker func(field string, value any) bool

// CanPruneRowGroup decides whether a row group provably contains no
// matching row, from its column statistics alone.
//
// Rules (conservative by construction — missing stats never prune):
//
//	$gt x   prune when max <= x      $gte x  prune when max < x
//	$lt x   prune when min >= x      $lte x  prune when min > x
//	$eq x   prune when x < min or x > max
//	$in xs  prune when no x falls inside [min, max]
//	$ne x   prune only when min == max == x
//	== null prune when nullCount == 0
//	$and    prune when any child prunes; $or when all children prune
func CanPruneRowGroup(f Filter, stats map[string]codec.ColumnStats, mapper PathMapper) bool {
	if len(f) == 0 {
		return false
	}
	for key, value := range f {
		switch key {
		case opAnd:
			children, _ := value.([]any)
			for _, child := range children {
				if sub, ok := child.(map[string]any); ok {
					if CanPruneRowGroup(sub, stats, mapper) {
						return true
					}
				}
			}
		case opOr:
			children, _ := value.([]any)
			if len(children) == 0 {
				continue
			}
			all := true
			for _, child := range children {
				sub, ok := child.(map[string]any)
				if !ok || !CanPruneRowGroup(sub, stats, mapper) {
					all = false
					break
				}
			}
			if all {
				return true
			}
		case opNor, opNot:
			// Negations cannot prune from min/max alone.
		default:
			if prunableField(key, value, stats, mapper) {
				return true
			}
		}
	}
	return false
}

func resolveStats(field string, stats map[string]codec.ColumnStats, mapper PathMapper) (codec.ColumnStats, bool) {
	column := field
	if mapper != nil {
		column = mapper(field)
		if column == "" {
			return codec.ColumnStats{}, false
		}
	}
	cs, ok := stats[column]
	return cs, ok
}

func prunableField(field string, cond any, stats map[string]codec.ColumnStats, mapper PathMapper) bool {
	cs, ok := resolveStats(field, stats, mapper)
	if !ok {
		return false
	}

	ops, isOps := cond.(map[string]any)
	if !isOps || !isOperatorObject(ops) {
		// Bare-value equality.
		return prunableEq(cond, cs)
	}

	for op, arg := range ops {
		switch op {
		case "$eq":
			if prunableEq(arg, cs) {
				return true
			}
		case "$gt":
			if cs.HasMinMax {
				if c, ok := compareValues(cs.Max, arg); ok && c <= 0 {
					return true
				}
			}
		case "$gte":
			if cs.HasMinMax {
				if c, ok := compareValues(cs.Max, arg); ok && c < 0 {
					return true
				}
			}
		case "$lt":
			if cs.HasMinMax {
				if c, ok := compareValues(cs.Min, arg); ok && c >= 0 {
					return true
				}
			}
		case "$lte":
			if cs.HasMinMax {
				if c, ok := compareValues(cs.Min, arg); ok && c > 0 {
					return true
				}
			}
		case "$in":
			items, ok := arg.([]any)
			if !ok {
				continue
			}
			if len(items) == 0 {
				return true
			}
			if !cs.HasMinMax {
				continue
			}
			anyInside := false
			for _, item := range items {
				if item == nil {
					// null candidates fall back to the null rule
					if cs.NullCount > 0 {
						anyInside = true
						break
					}
					continue
				}
				cMin, okMin := compareValues(item, cs.Min)
				cMax, okMax := compareValues(item, cs.Max)
				if !okMin || !okMax || (cMin >= 0 && cMax <= 0) {
					// unknown comparability counts as inside
					anyInside = true
					break
				}
			}
			if !anyInside {
				return true
			}
		case "$ne":
			// Only a constant column provably excludes everything.
			if cs.HasMinMax && cs.NullCount == 0 {
				cMin, okMin := compareValues(arg, cs.Min)
				cMax, okMax := compareValues(arg, cs.Max)
				if okMin && okMax && cMin == 0 && cMax == 0 {
					return true
				}
			}
		}
	}
	return false
}

func prunableEq(value any, cs codec.ColumnStats) bool {
	if value == nil {
		return cs.NullCount == 0
	}
	if !cs.HasMinMax {
		return false
	}
	if c, ok := compareValues(value, cs.Min); ok && c < 0 {
		return true
	}
	if c, ok := compareValues(value, cs.Max); ok && c > 0 {
		return true
	}
	return false
}

// CanPruneWithBloom consults bloom filters for equality and $in
// membership at the top (AND) level. A definitive miss prunes the row
// group; everything else is conservative.
func CanPruneWithBloom(f Filter, might BloomChecker) bool {
	if might == nil {
		return false
	}
	for key, value := range f {
		switch key {
		case opAnd:
			children, _ := value.([]any)
			for _, child := range children {
				if sub, ok := child.(map[string]any); ok {
					if CanPruneWithBloom(sub, might) {
						return true
					}
				}
			}
		case opOr, opNor, opNot:
			// Disjunctions and negations stay conservative here.
		default:
			ops, isOps := value.(map[string]any)
			if !isOps || !isOperatorObject(ops) {
				if value != nil && !might(key, value) {
					return true
				}
				continue
			}
			if eq, ok := ops["$eq"]; ok && eq != nil && !might(key, eq) {
				return true
			}
			if in, ok := ops["$in"]; ok {
				items, ok := in.([]any)
				if !ok {
					continue
				}
				if len(items) == 0 {
					return true
				}
				anyMight := false
				for _, item := range items {
					if item == nil || might(key, item) {
						anyMight = true
						break
					}
				}
				if !anyMight {
					return true
				}
			}
		}
	}
	return false
}

// VectorQuery is the $vector clause extracted from a filter.
type VectorQuery struct {
	Field    string
	Near     []float64
	K        int
	MinScore float64
	HasMin   bool
}

// ExtractVector reads the first $vector clause of a filter, if any,
// and returns nil when there is none. The filter itself is left
// unchanged (the clause is inert during row matching).
func ExtractVector(f Filter) *VectorQuery {
	for key, value := range f {
		ops, ok := value.(map[string]any)
		if !ok || !isOperatorObject(ops) {
			continue
		}
		vec, ok := ops["$vector"].(map[string]any)
		if !ok {
			continue
		}
		q := &VectorQuery{Field: key, K: 10}
		if vf, ok := vec["$field"].(string); ok && vf != "" {
			q.Field = vf
		}
		if near, ok := vec["$near"].([]any); ok {
			for _, n := range near {
				if fv, ok := toFloat(n); ok {
					q.Near = append(q.Near, fv)
				}
			}
		} else if near, ok := vec["$near"].([]float64); ok {
			q.Near = near
		}
		if k, ok := toFloat(vec["$k"]); ok && k > 0 {
			q.K = int(k)
		}
		if ms, ok := toFloat(vec["$minScore"]); ok {
			q.MinScore = ms
			q.HasMin = true
		}
		return q
	}
	return nil
}
