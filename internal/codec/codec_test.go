package codec

import (
	"testing"
)

func sampleEntities(n int, agesFrom int64) []EntityRow {
	rows := make([]EntityRow, 0, n)
	for i := 0; i < n; i++ {
		r := EntityRow{
			ID:        "posts/01hq000000000000000000000" + string(rune('a'+i%26)),
			Namespace: "posts",
			Type:      "Post",
			Name:      "post",
			CreatedAt: 1700000000000 + int64(i),
			CreatedBy: "tester",
			UpdatedAt: 1700000000000 + int64(i),
			UpdatedBy: "tester",
			Version:   1,
			Payload:   `{"n":` + string(rune('0'+i%10)) + `}`,
		}
		r.SetNumberSlot(0, float64(agesFrom+int64(i)))
		rows = append(rows, r)
	}
	return rows
}

func TestEntityRoundTrip(t *testing.T) {
	rows := sampleEntities(10, 20)
	data, err := WriteEntities(rows, &WriteOptions{
		Metadata: map[string]string{MetaNamespace: "posts"},
	})
	if err != nil {
		t.Fatalf("WriteEntities failed: %v", err)
	}

	got, err := ReadEntities(data)
	if err != nil {
		t.Fatalf("ReadEntities failed: %v", err)
	}
	if len(got) != len(rows) {
		t.Fatalf("row count = %d, want %d", len(got), len(rows))
	}
	if got[3].ID != rows[3].ID || got[3].Payload != rows[3].Payload {
		t.Errorf("row 3 mismatch: %+v", got[3])
	}
	if got[3].ShredN0 == nil || *got[3].ShredN0 != 23 {
		t.Errorf("shredded slot lost: %+v", got[3].ShredN0)
	}
}

func TestReaderMetadataAndRowGroups(t *testing.T) {
	rows := sampleEntities(30, 0)
	data, err := WriteEntities(rows, &WriteOptions{
		MaxRowsPerRowGroup: 10,
		Metadata:           map[string]string{MetaNamespace: "posts"},
	})
	if err != nil {
		t.Fatalf("WriteEntities failed: %v", err)
	}

	r, err := Open(data)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if r.NumRowGroups() != 3 {
		t.Fatalf("row groups = %d, want 3", r.NumRowGroups())
	}
	if ns, ok := r.Metadata(MetaNamespace); !ok || ns != "posts" {
		t.Errorf("metadata lost: %q %v", ns, ok)
	}

	group1, err := r.ReadEntityRowGroup(1)
	if err != nil {
		t.Fatalf("ReadEntityRowGroup failed: %v", err)
	}
	if len(group1) != 10 {
		t.Fatalf("group 1 rows = %d, want 10", len(group1))
	}
	if group1[0].ID != rows[10].ID {
		t.Errorf("group 1 starts at %q, want %q", group1[0].ID, rows[10].ID)
	}
}

func TestRowGroupStats(t *testing.T) {
	// Three row groups with disjoint shred_n_0 (age) ranges.
	rows := sampleEntities(30, 10)
	data, err := WriteEntities(rows, &WriteOptions{MaxRowsPerRowGroup: 10})
	if err != nil {
		t.Fatalf("WriteEntities failed: %v", err)
	}
	r, err := Open(data)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	stats, err := r.RowGroupStats(0)
	if err != nil {
		t.Fatalf("RowGroupStats failed: %v", err)
	}
	age, ok := stats["shred_n_0"]
	if !ok || !age.HasMinMax {
		t.Fatalf("no stats for shred_n_0: %+v", stats)
	}
	if age.Min != float64(10) || age.Max != float64(19) {
		t.Errorf("group 0 age range = [%v, %v], want [10, 19]", age.Min, age.Max)
	}

	stats2, err := r.RowGroupStats(2)
	if err != nil {
		t.Fatalf("RowGroupStats failed: %v", err)
	}
	age2 := stats2["shred_n_0"]
	if age2.Min != float64(30) || age2.Max != float64(39) {
		t.Errorf("group 2 age range = [%v, %v], want [30, 39]", age2.Min, age2.Max)
	}

	versions := stats["version"]
	if !versions.HasMinMax || versions.Min != int64(1) || versions.Max != int64(1) {
		t.Errorf("version stats = %+v", versions)
	}
}

func TestBloomFilter(t *testing.T) {
	rows := sampleEntities(26, 0)
	data, err := WriteEntities(rows, &WriteOptions{BloomColumns: []string{"id"}})
	if err != nil {
		t.Fatalf("WriteEntities failed: %v", err)
	}
	r, err := Open(data)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	ok, err := r.BloomMightContain(0, "id", rows[7].ID)
	if err != nil {
		t.Fatalf("BloomMightContain failed: %v", err)
	}
	if !ok {
		t.Error("bloom filter denied a present value")
	}

	// Column without a filter answers conservatively.
	ok, err = r.BloomMightContain(0, "name", "whatever")
	if err != nil || !ok {
		t.Errorf("unfiltered column should answer true: %v %v", ok, err)
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	add := `{"path":"data/part-0.parquet","size":123,"modificationTime":1700000000000,"dataChange":true}`
	proto := `{"minReaderVersion":1,"minWriterVersion":2}`
	rows := []CheckpointRow{
		{Protocol: &proto},
		{Add: &add},
	}
	data, err := WriteCheckpoint(rows, nil)
	if err != nil {
		t.Fatalf("WriteCheckpoint failed: %v", err)
	}
	got, err := ReadCheckpoint(data)
	if err != nil {
		t.Fatalf("ReadCheckpoint failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("rows = %d, want 2", len(got))
	}
	if got[0].Protocol == nil || *got[0].Protocol != proto || got[0].Add != nil {
		t.Errorf("protocol row mangled: %+v", got[0])
	}
	if got[1].Add == nil || *got[1].Add != add {
		t.Errorf("add row mangled: %+v", got[1])
	}
}

func TestEventRoundTrip(t *testing.T) {
	rows := []EventRow{
		{ID: "01hq1", TS: 1, Op: "CREATE", TargetKind: "entity", Namespace: "posts", EntityID: "posts/a", After: `{"x":1}`, Actor: "t"},
		{ID: "01hq2", TS: 2, Op: "DELETE", TargetKind: "relationship", Namespace: "posts", EntityID: "posts/a", Predicate: "author", ToNamespace: "users", ToID: "users/b", Actor: "t"},
	}
	data, err := WriteEvents(rows, nil)
	if err != nil {
		t.Fatalf("WriteEvents failed: %v", err)
	}
	got, err := ReadEvents(data)
	if err != nil {
		t.Fatalf("ReadEvents failed: %v", err)
	}
	if len(got) != 2 || got[1].Predicate != "author" || got[0].After != `{"x":1}` {
		t.Errorf("events mangled: %+v", got)
	}
}
