// Package variant implements dynamic-schema JSON columns with
// selective shredding: declared "hot" payload fields are promoted into
// typed sub-columns so filters on them can use real column statistics,
// while the full document stays in the JSON variant column.
//
// Logical filters written as column.field are rewritten to the
// physical path column.typed_value.field.typed_value; the codec then
// maps shredded paths onto its slot columns. Files record their own
// projection, so readers always honor the writer's shred config.
package variant

import (
	"fmt"
	"sort"
	"strings"

	"github.com/kartikbazzad/lakedb/internal/codec"
	"github.com/kartikbazzad/lakedb/internal/query"
)

// Config declares the shredded fields of one variant column.
type Config struct {
	// Column is the variant column name (the payload column).
	Column string
	// Fields are payload-relative dotted paths to shred.
	Fields []string
	// AutoDetectThreshold is the sampled occurrence count at which a
	// field is promoted automatically. Zero disables auto-detection.
	AutoDetectThreshold int
}

// RewritePath translates a logical column.field path into its
// physical typed_value form. Paths outside the variant column pass
// through unchanged.
func (c *Config) RewritePath(path string) string {
	if c == nil || c.Column == "" {
		return path
	}
	prefix := c.Column + "."
	if !strings.HasPrefix(path, prefix) {
		return path
	}
	rest := strings.TrimPrefix(path, prefix)
	for _, f := range c.Fields {
		if rest == f {
			return c.Column + ".typed_value." + f + ".typed_value"
		}
	}
	return path
}

// RewriteFilter rewrites every shredded field reference in a filter.
// The input is not modified.
func (c *Config) RewriteFilter(f query.Filter) query.Filter {
	if c == nil || len(f) == 0 {
		return f
	}
	out := make(query.Filter, len(f))
	for key, value := range f {
		switch key {
		case "$and", "$or", "$nor":
			if children, ok := value.([]any); ok {
				rewritten := make([]any, 0, len(children))
				for _, child := range children {
					if sub, ok := child.(map[string]any); ok {
						rewritten = append(rewritten, map[string]any(c.RewriteFilter(sub)))
					} else {
						rewritten = append(rewritten, child)
					}
				}
				out[key] = rewritten
			} else {
				out[key] = value
			}
		case "$not":
			if sub, ok := value.(map[string]any); ok {
				out[key] = map[string]any(c.RewriteFilter(sub))
			} else {
				out[key] = value
			}
		default:
			out[c.RewritePath(key)] = value
		}
	}
	return out
}

// Navigate resolves a dotted path against an in-memory variant row,
// transparently hopping over typed_value segments so both the logical
// and the physical spelling of a shredded path resolve.
func Navigate(row map[string]any, path string) (any, bool) {
	if v, ok := query.Lookup(row, path); ok {
		return v, true
	}
	// Strip typed_value hops and retry the logical spelling.
	if strings.Contains(path, "typed_value") {
		var parts []string
		for _, seg := range strings.Split(path, ".") {
			if seg != "typed_value" {
				parts = append(parts, seg)
			}
		}
		return query.Lookup(row, strings.Join(parts, "."))
	}
	return nil, false
}

// SlotAssignment maps shredded fields onto the codec's typed slot
// columns. Strings and numbers get their own slot kinds; fields of
// other types stay unshredded.
type SlotAssignment struct {
	// StringSlots and NumberSlots map payload field -> slot index.
	StringSlots map[string]int
	NumberSlots map[string]int
}

// Assign distributes cfg.Fields over the available slots, inspecting
// sampled rows to pick each field's kind. Deterministic: fields are
// processed in sorted order.
func Assign(cfg *Config, samples []map[string]any) *SlotAssignment {
	sa := &SlotAssignment{
		StringSlots: make(map[string]int),
		NumberSlots: make(map[string]int),
	}
	if cfg == nil {
		return sa
	}
	fields := append([]string(nil), cfg.Fields...)
	sort.Strings(fields)

	nextS, nextN := 0, 0
	for _, field := range fields {
		kind := sampleKind(samples, field)
		switch kind {
		case "string":
			if nextS < codec.ShredSlots {
				sa.StringSlots[field] = nextS
				nextS++
			}
		case "number":
			if nextN < codec.ShredSlots {
				sa.NumberSlots[field] = nextN
				nextN++
			}
		}
	}
	return sa
}

func sampleKind(samples []map[string]any, field string) string {
	for _, row := range samples {
		v, ok := query.Lookup(row, field)
		if !ok || v == nil {
			continue
		}
		switch v.(type) {
		case string:
			return "string"
		case float64, int, int64:
			return "number"
		default:
			return ""
		}
	}
	return ""
}

// ShredMap renders the assignment as codec file metadata, keyed by the
// physical filter path.
func (sa *SlotAssignment) ShredMap(column string) codec.ShredMap {
	m := make(codec.ShredMap, len(sa.StringSlots)+len(sa.NumberSlots))
	for field, slot := range sa.StringSlots {
		m[column+".typed_value."+field+".typed_value"] = fmt.Sprintf("shred_s_%d", slot)
	}
	for field, slot := range sa.NumberSlots {
		m[column+".typed_value."+field+".typed_value"] = fmt.Sprintf("shred_n_%d", slot)
	}
	return m
}

// Apply fills a row's shred slots from its payload.
func (sa *SlotAssignment) Apply(row *codec.EntityRow, payload map[string]any) {
	for field, slot := range sa.StringSlots {
		if v, ok := query.Lookup(payload, field); ok {
			if s, ok := v.(string); ok {
				row.SetStringSlot(slot, s)
			}
		}
	}
	for field, slot := range sa.NumberSlots {
		if v, ok := query.Lookup(payload, field); ok {
			switch n := v.(type) {
			case float64:
				row.SetNumberSlot(slot, n)
			case int:
				row.SetNumberSlot(slot, float64(n))
			case int64:
				row.SetNumberSlot(slot, float64(n))
			}
		}
	}
}

// AutoDetect counts field occurrences over sampled payloads and
// returns the fields at or above threshold, most frequent first —
// candidates for promotion to shredded columns.
func AutoDetect(samples []map[string]any, threshold int) []string {
	if threshold <= 0 {
		return nil
	}
	counts := make(map[string]int)
	for _, row := range samples {
		for field, v := range row {
			switch v.(type) {
			case string, float64, int, int64:
				counts[field]++
			}
		}
	}
	var promoted []string
	for field, n := range counts {
		if n >= threshold {
			promoted = append(promoted, field)
		}
	}
	sort.Slice(promoted, func(i, j int) bool {
		if counts[promoted[i]] != counts[promoted[j]] {
			return counts[promoted[i]] > counts[promoted[j]]
		}
		return promoted[i] < promoted[j]
	})
	return promoted
}
