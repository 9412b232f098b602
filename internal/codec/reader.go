package codec

import (
	"bytes"

	"github.com/parquet-go/parquet-go"

	"github.com/kartikbazzad/lakedb/internal/errors"
)

// ColumnStats aggregates a column's page statistics over one row group.
type ColumnStats struct {
	Min       any
	Max       any
	NullCount int64
	HasMinMax bool
	NumValues int64
}

// Reader exposes row groups, statistics and bloom filters of one file
// without materializing data pages until asked.
type Reader struct {
	file *parquet.File
	data []byte
	cols []string // leaf column names in chunk order
	meta map[string]string
}

// Open parses a parquet file held in memory.
func Open(data []byte) (*Reader, error) {
	f, err := parquet.OpenFile(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeStorageReadError, "opening parquet file")
	}
	var cols []string
	for _, path := range f.Schema().Columns() {
		// Flat schemas only; leaf name is the column name.
		cols = append(cols, path[len(path)-1])
	}
	meta := make(map[string]string)
	for _, kv := range f.Metadata().KeyValueMetadata {
		meta[kv.Key] = kv.Value
	}
	return &Reader{file: f, data: data, cols: cols, meta: meta}, nil
}

// Metadata returns a file-level key/value metadata entry.
func (r *Reader) Metadata(key string) (string, bool) {
	v, ok := r.meta[key]
	return v, ok
}

// NumRowGroups returns the row-group count.
func (r *Reader) NumRowGroups() int {
	return len(r.file.RowGroups())
}

// NumRows returns the file's total row count.
func (r *Reader) NumRows() int64 {
	return r.file.NumRows()
}

func (r *Reader) columnChunk(rowGroup int, column string) (parquet.ColumnChunk, bool) {
	groups := r.file.RowGroups()
	if rowGroup < 0 || rowGroup >= len(groups) {
		return nil, false
	}
	chunks := groups[rowGroup].ColumnChunks()
	for i, name := range r.cols {
		if name == column && i < len(chunks) {
			return chunks[i], true
		}
	}
	return nil, false
}

// statValue converts a parquet statistics value to a Go value.
func statValue(v parquet.Value) (any, bool) {
	if v.IsNull() {
		return nil, false
	}
	switch v.Kind() {
	case parquet.Boolean:
		return v.Boolean(), true
	case parquet.Int32:
		return int64(v.Int32()), true
	case parquet.Int64:
		return v.Int64(), true
	case parquet.Float:
		return float64(v.Float()), true
	case parquet.Double:
		return v.Double(), true
	case parquet.ByteArray, parquet.FixedLenByteArray:
		return string(v.ByteArray()), true
	}
	return nil, false
}

func lessStat(a, b any) bool {
	switch av := a.(type) {
	case int64:
		if bv, ok := b.(int64); ok {
			return av < bv
		}
	case float64:
		if bv, ok := b.(float64); ok {
			return av < bv
		}
	case string:
		if bv, ok := b.(string); ok {
			return av < bv
		}
	case bool:
		if bv, ok := b.(bool); ok {
			return !av && bv
		}
	}
	return false
}

// RowGroupStats aggregates min/max/nullCount per column for one row
// group. Columns without statistics are absent from the result.
func (r *Reader) RowGroupStats(rowGroup int) (map[string]ColumnStats, error) {
	groups := r.file.RowGroups()
	if rowGroup < 0 || rowGroup >= len(groups) {
		return nil, errors.Newf(errors.CodeInvalidInput, "row group %d out of range", rowGroup)
	}
	stats := make(map[string]ColumnStats, len(r.cols))
	chunks := groups[rowGroup].ColumnChunks()
	for i, chunk := range chunks {
		if i >= len(r.cols) {
			break
		}
		ci, err := chunk.ColumnIndex()
		if err != nil || ci == nil {
			continue
		}
		cs := ColumnStats{NumValues: chunk.NumValues()}
		for page := 0; page < ci.NumPages(); page++ {
			cs.NullCount += ci.NullCount(page)
			if ci.NullPage(page) {
				continue
			}
			if mn, ok := statValue(ci.MinValue(page)); ok {
				if !cs.HasMinMax || lessStat(mn, cs.Min) {
					cs.Min = mn
				}
				if mx, ok := statValue(ci.MaxValue(page)); ok {
					if !cs.HasMinMax || lessStat(cs.Max, mx) {
						cs.Max = mx
					}
				}
				cs.HasMinMax = true
			}
		}
		stats[r.cols[i]] = cs
	}
	return stats, nil
}

// BloomMightContain tests a value against a row group's bloom filter
// for column. Columns without a filter answer true (cannot prune).
func (r *Reader) BloomMightContain(rowGroup int, column string, value any) (bool, error) {
	chunk, ok := r.columnChunk(rowGroup, column)
	if !ok {
		return true, nil
	}
	bf := chunk.BloomFilter()
	if bf == nil {
		return true, nil
	}
	ok, err := bf.Check(parquet.ValueOf(value))
	if err != nil {
		return true, errors.Wrap(err, errors.CodeStorageReadError, "checking bloom filter")
	}
	return ok, nil
}

func readRowGroup[T any](r *Reader, rowGroup int) ([]T, error) {
	groups := r.file.RowGroups()
	if rowGroup < 0 || rowGroup >= len(groups) {
		return nil, errors.Newf(errors.CodeInvalidInput, "row group %d out of range", rowGroup)
	}
	rg := groups[rowGroup]
	schema := parquet.SchemaOf(*new(T))

	rows := rg.Rows()
	defer rows.Close()

	out := make([]T, 0, rg.NumRows())
	buf := make([]parquet.Row, 64)
	for {
		n, err := rows.ReadRows(buf)
		for i := 0; i < n; i++ {
			var v T
			if rerr := schema.Reconstruct(&v, buf[i]); rerr != nil {
				return nil, errors.Wrap(rerr, errors.CodeStorageReadError, "reconstructing row")
			}
			out = append(out, v)
		}
		if err != nil {
			break
		}
		if n == 0 {
			break
		}
	}
	return out, nil
}

// ReadEntityRowGroup materializes one row group of entity rows.
func (r *Reader) ReadEntityRowGroup(rowGroup int) ([]EntityRow, error) {
	return readRowGroup[EntityRow](r, rowGroup)
}

// ReadEventRowGroup materializes one row group of event rows.
func (r *Reader) ReadEventRowGroup(rowGroup int) ([]EventRow, error) {
	return readRowGroup[EventRow](r, rowGroup)
}

// ReadRelationshipRowGroup materializes one row group of relationship rows.
func (r *Reader) ReadRelationshipRowGroup(rowGroup int) ([]RelationshipRow, error) {
	return readRowGroup[RelationshipRow](r, rowGroup)
}
