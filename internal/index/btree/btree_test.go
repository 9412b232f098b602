package btree

import (
	"testing"
)

func TestLookupAndDuplicates(t *testing.T) {
	idx := NewIndex("age")
	idx.AddRow("posts/a", map[string]any{"age": float64(30)})
	idx.AddRow("posts/b", map[string]any{"age": float64(30)})
	idx.AddRow("posts/c", map[string]any{"age": float64(31)})
	idx.AddRow("posts/skip", map[string]any{"other": float64(1)})

	got := idx.Lookup(float64(30))
	if len(got) != 2 || got[0] != "posts/a" || got[1] != "posts/b" {
		t.Errorf("Lookup(30) = %v", got)
	}
	if got := idx.Lookup(float64(99)); len(got) != 0 {
		t.Errorf("Lookup(99) = %v", got)
	}
	if idx.Len() != 3 {
		t.Errorf("Len = %d, want 3", idx.Len())
	}
}

func TestRangeScan(t *testing.T) {
	idx := NewIndex("n")
	for i := 0; i < 10; i++ {
		idx.AddRow(string(rune('a'+i)), map[string]any{"n": float64(i)})
	}

	var keys []float64
	idx.Range(float64(3), float64(6), func(key any, docID string) bool {
		keys = append(keys, key.(float64))
		return true
	})
	if len(keys) != 4 || keys[0] != 3 || keys[3] != 6 {
		t.Errorf("Range(3,6) keys = %v", keys)
	}

	// Open lower bound.
	count := 0
	idx.Range(nil, float64(2), func(any, string) bool { count++; return true })
	if count != 3 {
		t.Errorf("Range(nil,2) visited %d", count)
	}

	// Early termination.
	count = 0
	idx.Range(nil, nil, func(any, string) bool { count++; return count < 4 })
	if count != 4 {
		t.Errorf("early stop visited %d", count)
	}
}

func TestRemove(t *testing.T) {
	idx := NewIndex("age")
	idx.AddRow("x", map[string]any{"age": float64(1)})
	idx.Remove("x", float64(1))
	if idx.Len() != 0 {
		t.Errorf("Len after remove = %d", idx.Len())
	}
}

func TestMixedKeyTypesOrder(t *testing.T) {
	idx := NewIndex("v")
	idx.AddRow("num", map[string]any{"v": float64(5)})
	idx.AddRow("str", map[string]any{"v": "zzz"})
	idx.AddRow("null", map[string]any{"v": nil})

	var order []string
	idx.Range(nil, nil, func(_ any, docID string) bool {
		order = append(order, docID)
		return true
	})
	if len(order) != 3 || order[0] != "null" || order[1] != "num" || order[2] != "str" {
		t.Errorf("type-ranked order = %v", order)
	}
}

func TestSerializationRoundTrip(t *testing.T) {
	idx := NewIndex("age")
	idx.AddRow("a", map[string]any{"age": float64(1)})
	idx.AddRow("b", map[string]any{"age": "two"})
	data, err := idx.Marshal()
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	got, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if got.Field() != "age" || got.Len() != 2 {
		t.Errorf("round-trip = field %q len %d", got.Field(), got.Len())
	}
	if ids := got.Lookup(float64(1)); len(ids) != 1 || ids[0] != "a" {
		t.Errorf("Lookup after round-trip = %v", ids)
	}
}
