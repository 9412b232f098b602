package variant

import (
	"testing"

	"github.com/kartikbazzad/lakedb/internal/codec"
	"github.com/kartikbazzad/lakedb/internal/query"
)

func TestRewritePath(t *testing.T) {
	cfg := &Config{Column: "payload", Fields: []string{"age", "city"}}

	if got := cfg.RewritePath("payload.age"); got != "payload.typed_value.age.typed_value" {
		t.Errorf("RewritePath = %q", got)
	}
	// Undeclared fields and foreign columns pass through.
	if got := cfg.RewritePath("payload.other"); got != "payload.other" {
		t.Errorf("undeclared field rewritten: %q", got)
	}
	if got := cfg.RewritePath("name"); got != "name" {
		t.Errorf("foreign column rewritten: %q", got)
	}
}

func TestRewriteFilter(t *testing.T) {
	cfg := &Config{Column: "payload", Fields: []string{"age"}}
	f := query.Filter{
		"payload.age": map[string]any{"$gt": 10.0},
		"$or": []any{
			map[string]any{"payload.age": 5.0},
			map[string]any{"name": "x"},
		},
	}
	out := cfg.RewriteFilter(f)
	if _, ok := out["payload.typed_value.age.typed_value"]; !ok {
		t.Errorf("top-level path not rewritten: %v", out)
	}
	children := out["$or"].([]any)
	first := children[0].(map[string]any)
	if _, ok := first["payload.typed_value.age.typed_value"]; !ok {
		t.Errorf("nested path not rewritten: %v", first)
	}
	// Original untouched.
	if _, ok := f["payload.age"]; !ok {
		t.Error("input filter was mutated")
	}
}

func TestNavigateHopsTypedValue(t *testing.T) {
	row := map[string]any{
		"payload": map[string]any{"age": float64(7), "addr": map[string]any{"city": "oslo"}},
	}
	v, ok := Navigate(row, "payload.typed_value.age.typed_value")
	if !ok || v != float64(7) {
		t.Errorf("typed_value navigation = %v %v", v, ok)
	}
	v, ok = Navigate(row, "payload.addr.city")
	if !ok || v != "oslo" {
		t.Errorf("plain navigation = %v %v", v, ok)
	}
	if _, ok := Navigate(row, "payload.missing"); ok {
		t.Error("missing field resolved")
	}
}

func TestAssignAndApply(t *testing.T) {
	cfg := &Config{Column: "payload", Fields: []string{"age", "city"}}
	samples := []map[string]any{
		{"age": float64(30), "city": "berlin"},
	}
	sa := Assign(cfg, samples)
	if _, ok := sa.NumberSlots["age"]; !ok {
		t.Fatalf("age not assigned a number slot: %+v", sa)
	}
	if _, ok := sa.StringSlots["city"]; !ok {
		t.Fatalf("city not assigned a string slot: %+v", sa)
	}

	var row codec.EntityRow
	sa.Apply(&row, map[string]any{"age": float64(41), "city": "oslo"})
	if row.ShredN0 == nil || *row.ShredN0 != 41 {
		t.Errorf("number slot = %v", row.ShredN0)
	}
	if row.ShredS0 == nil || *row.ShredS0 != "oslo" {
		t.Errorf("string slot = %v", row.ShredS0)
	}

	m := sa.ShredMap("payload")
	if m["payload.typed_value.age.typed_value"] != "shred_n_0" {
		t.Errorf("shred map = %v", m)
	}
}

func TestAutoDetect(t *testing.T) {
	samples := make([]map[string]any, 0, 20)
	for i := 0; i < 20; i++ {
		row := map[string]any{"always": float64(i)}
		if i < 5 {
			row["rare"] = "x"
		}
		samples = append(samples, row)
	}
	promoted := AutoDetect(samples, 10)
	if len(promoted) != 1 || promoted[0] != "always" {
		t.Errorf("promoted = %v", promoted)
	}
	if AutoDetect(samples, 0) != nil {
		t.Error("disabled auto-detect must return nil")
	}
}
