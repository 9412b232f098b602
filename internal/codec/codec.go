// Package codec reads and writes the engine's columnar files.
//
// Three physical row shapes exist: entity rows, event rows and
// relationship rows, plus the checkpoint rows of the Delta log. All
// are written with data-page statistics so the planner can prune row
// groups by column min/max/null counts, and optionally with
// split-block bloom filters on selected columns.
//
// Entity payloads are a JSON variant column; declared "hot" fields are
// additionally shredded into typed slot columns (shred_s_N for
// strings, shred_n_N for numbers) so they get real column statistics.
// The slot assignment travels in the file's key/value metadata, making
// every file self-describing: readers follow the writer's projection.
package codec

import (
	"bytes"
	"encoding/json"
	"io"

	"github.com/parquet-go/parquet-go"

	"github.com/kartikbazzad/lakedb/internal/errors"
)

// Metadata keys embedded in written files.
const (
	MetaShredMap  = "lakedb.shred"
	MetaNamespace = "lakedb.namespace"
)

// ShredSlots is the number of typed slot columns per kind.
const ShredSlots = 4

// EntityRow is the physical shape of one entity in a data file.
type EntityRow struct {
	ID        string   `parquet:"id"`
	Namespace string   `parquet:"namespace,dict"`
	Type      string   `parquet:"type,dict"`
	Name      string   `parquet:"name"`
	CreatedAt int64    `parquet:"created_at"`
	CreatedBy string   `parquet:"created_by,dict"`
	UpdatedAt int64    `parquet:"updated_at"`
	UpdatedBy string   `parquet:"updated_by,dict"`
	DeletedAt *int64   `parquet:"deleted_at,optional"`
	DeletedBy *string  `parquet:"deleted_by,optional"`
	Version   int64    `parquet:"version"`
	Payload   string   `parquet:"payload"` // JSON variant column

	ShredS0 *string  `parquet:"shred_s_0,optional"`
	ShredS1 *string  `parquet:"shred_s_1,optional"`
	ShredS2 *string  `parquet:"shred_s_2,optional"`
	ShredS3 *string  `parquet:"shred_s_3,optional"`
	ShredN0 *float64 `parquet:"shred_n_0,optional"`
	ShredN1 *float64 `parquet:"shred_n_1,optional"`
	ShredN2 *float64 `parquet:"shred_n_2,optional"`
	ShredN3 *float64 `parquet:"shred_n_3,optional"`
}

// SetStringSlot fills string slot i.
func (r *EntityRow) SetStringSlot(i int, v string) {
	switch i {
	case 0:
		r.ShredS0 = &v
	case 1:
		r.ShredS1 = &v
	case 2:
		r.ShredS2 = &v
	case 3:
		r.ShredS3 = &v
	}
}

// SetNumberSlot fills numeric slot i.
func (r *EntityRow) SetNumberSlot(i int, v float64) {
	switch i {
	case 0:
		r.ShredN0 = &v
	case 1:
		r.ShredN1 = &v
	case 2:
		r.ShredN2 = &v
	case 3:
		r.ShredN3 = &v
	}
}

// EventRow is the physical shape of one event in an event data file.
type EventRow struct {
	ID          string `parquet:"id"`
	TS          int64  `parquet:"ts"`
	Op          string `parquet:"op,dict"`
	TargetKind  string `parquet:"target_kind,dict"`
	Namespace   string `parquet:"namespace,dict"`
	EntityID    string `parquet:"entity_id"`
	Predicate   string `parquet:"predicate,dict"`
	ToNamespace string `parquet:"to_namespace,dict"`
	ToID        string `parquet:"to_id"`
	Before      string `parquet:"before"`
	After       string `parquet:"after"`
	Actor       string `parquet:"actor,dict"`
}

// RelationshipRow is the physical shape of one relationship.
type RelationshipRow struct {
	FromNamespace string  `parquet:"from_namespace,dict"`
	FromID        string  `parquet:"from_id"`
	Predicate     string  `parquet:"predicate,dict"`
	ToNamespace   string  `parquet:"to_namespace,dict"`
	ToID          string  `parquet:"to_id"`
	Version       int64   `parquet:"version"`
	CreatedAt     int64   `parquet:"created_at"`
	CreatedBy     string  `parquet:"created_by,dict"`
	UpdatedAt     int64   `parquet:"updated_at"`
	UpdatedBy     string  `parquet:"updated_by,dict"`
	DeletedAt     *int64  `parquet:"deleted_at,optional"`
	DeletedBy     *string `parquet:"deleted_by,optional"`
	Payload       string  `parquet:"payload"`
}

// CheckpointRow carries exactly one non-nil action column, each a
// JSON-encoded payload. Nested structs stay JSON strings so readers
// without nested-column support can consume checkpoints.
type CheckpointRow struct {
	Txn        *string `parquet:"txn,optional"`
	Add        *string `parquet:"add,optional"`
	Remove     *string `parquet:"remove,optional"`
	MetaData   *string `parquet:"metaData,optional"`
	Protocol   *string `parquet:"protocol,optional"`
	CommitInfo *string `parquet:"commitInfo,optional"`
}

// WriteOptions tunes file layout.
type WriteOptions struct {
	MaxRowsPerRowGroup int64
	BloomColumns       []string
	Metadata           map[string]string
}

func writerOptions(opts *WriteOptions) []parquet.WriterOption {
	wopts := []parquet.WriterOption{
		parquet.DataPageStatistics(true),
		parquet.Compression(&parquet.Snappy),
	}
	if opts == nil {
		return wopts
	}
	if opts.MaxRowsPerRowGroup > 0 {
		wopts = append(wopts, parquet.MaxRowsPerRowGroup(opts.MaxRowsPerRowGroup))
	}
	if len(opts.BloomColumns) > 0 {
		filters := make([]parquet.BloomFilterColumn, 0, len(opts.BloomColumns))
		for _, col := range opts.BloomColumns {
			filters = append(filters, parquet.SplitBlockFilter(10, col))
		}
		wopts = append(wopts, parquet.BloomFilters(filters...))
	}
	for k, v := range opts.Metadata {
		wopts = append(wopts, parquet.KeyValueMetadata(k, v))
	}
	return wopts
}

func write[T any](rows []T, opts *WriteOptions) ([]byte, error) {
	var buf bytes.Buffer
	w := parquet.NewGenericWriter[T](&buf, writerOptions(opts)...)
	for off := 0; off < len(rows); {
		n, err := w.Write(rows[off:])
		if err != nil {
			return nil, errors.Wrap(err, errors.CodeStorageError, "writing parquet rows")
		}
		if n == 0 {
			break
		}
		off += n
	}
	if err := w.Close(); err != nil {
		return nil, errors.Wrap(err, errors.CodeStorageError, "closing parquet writer")
	}
	return buf.Bytes(), nil
}

func read[T any](data []byte) ([]T, error) {
	rows, err := parquet.Read[T](bytes.NewReader(data), int64(len(data)))
	if err != nil && err != io.EOF {
		return nil, errors.Wrap(err, errors.CodeStorageReadError, "reading parquet rows")
	}
	return rows, nil
}

// WriteEntities serializes entity rows.
func WriteEntities(rows []EntityRow, opts *WriteOptions) ([]byte, error) {
	return write(rows, opts)
}

// ReadEntities deserializes every entity row in a file.
func ReadEntities(data []byte) ([]EntityRow, error) {
	return read[EntityRow](data)
}

// WriteEvents serializes event rows.
func WriteEvents(rows []EventRow, opts *WriteOptions) ([]byte, error) {
	return write(rows, opts)
}

// ReadEvents deserializes every event row in a file.
func ReadEvents(data []byte) ([]EventRow, error) {
	return read[EventRow](data)
}

// WriteRelationships serializes relationship rows.
func WriteRelationships(rows []RelationshipRow, opts *WriteOptions) ([]byte, error) {
	return write(rows, opts)
}

// ReadRelationships deserializes every relationship row in a file.
func ReadRelationships(data []byte) ([]RelationshipRow, error) {
	return read[RelationshipRow](data)
}

// WriteCheckpoint serializes checkpoint rows.
func WriteCheckpoint(rows []CheckpointRow, opts *WriteOptions) ([]byte, error) {
	return write(rows, opts)
}

// ReadCheckpoint deserializes a checkpoint file.
func ReadCheckpoint(data []byte) ([]CheckpointRow, error) {
	return read[CheckpointRow](data)
}

// ShredMap maps logical payload field paths to physical slot columns.
type ShredMap map[string]string

// EncodeShredMap serializes a shred map for file metadata.
func EncodeShredMap(m ShredMap) string {
	if len(m) == 0 {
		return ""
	}
	data, err := json.Marshal(m)
	if err != nil {
		return ""
	}
	return string(data)
}

// DecodeShredMap parses a shred map from file metadata.
func DecodeShredMap(s string) ShredMap {
	if s == "" {
		return nil
	}
	var m ShredMap
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil
	}
	return m
}
