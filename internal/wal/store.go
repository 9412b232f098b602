package wal

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	_ "modernc.org/sqlite"

	"github.com/kartikbazzad/lakedb/internal/errors"
	"github.com/kartikbazzad/lakedb/internal/types"
)

// Batch is one durable WAL row: a whole flushed buffer. Packing many
// events into one row is the cost model this log is built around —
// a flush is always exactly one insert.
type Batch struct {
	ID         int64
	Namespace  string
	FirstSeq   uint64
	LastSeq    uint64
	EventCount int
	Events     []types.Event
	MinTS      int64
	CreatedAt  time.Time
	Flushed    bool
}

// Store is the durable WAL table.
//
// Thread Safety: safe for concurrent use; sqlite serializes writers.
type Store struct {
	db *sql.DB
}

const walSchema = `
CREATE TABLE IF NOT EXISTS events_wal (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	ns          TEXT NOT NULL,
	first_seq   INTEGER NOT NULL,
	last_seq    INTEGER NOT NULL,
	event_count INTEGER NOT NULL,
	events      BLOB NOT NULL,
	min_ts      INTEGER NOT NULL,
	created_at  INTEGER NOT NULL,
	flushed     INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_events_wal_unflushed ON events_wal (flushed, min_ts, first_seq);
`

// OpenStore opens (creating if needed) the WAL database at path.
// ":memory:" gives an ephemeral store for tests.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeStorageError, "opening wal store")
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(walSchema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, errors.CodeStorageError, "creating events_wal table")
	}
	return &Store{db: db}, nil
}

// InsertBatch persists one flushed buffer as a single row and returns
// its row id.
func (s *Store) InsertBatch(ctx context.Context, b *Batch) (int64, error) {
	blob, err := json.Marshal(b.Events)
	if err != nil {
		return 0, errors.Wrap(err, errors.CodeEventError, "encoding event batch")
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO events_wal (ns, first_seq, last_seq, event_count, events, min_ts, created_at, flushed)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 0)`,
		b.Namespace, b.FirstSeq, b.LastSeq, len(b.Events), blob, b.MinTS, time.Now().UnixMilli())
	if err != nil {
		return 0, errors.Wrap(err, errors.CodeStorageError, "inserting wal batch")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, errors.Wrap(err, errors.CodeStorageError, "reading wal batch id")
	}
	return id, nil
}

func scanBatches(rows *sql.Rows) ([]Batch, error) {
	var batches []Batch
	for rows.Next() {
		var (
			b         Batch
			blob      []byte
			createdAt int64
			flushed   int
		)
		if err := rows.Scan(&b.ID, &b.Namespace, &b.FirstSeq, &b.LastSeq, &b.EventCount, &blob, &b.MinTS, &createdAt, &flushed); err != nil {
			return nil, errors.Wrap(err, errors.CodeStorageError, "scanning wal row")
		}
		if err := json.Unmarshal(blob, &b.Events); err != nil {
			return nil, errors.Wrap(err, errors.CodeEventError, "decoding event batch")
		}
		b.CreatedAt = time.UnixMilli(createdAt)
		b.Flushed = flushed != 0
		batches = append(batches, b)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.CodeStorageError, "iterating wal rows")
	}
	return batches, nil
}

// UnflushedBatches returns batches not yet materialized, in
// (min_ts, first_seq) order — the order consumers must apply them.
func (s *Store) UnflushedBatches(ctx context.Context) ([]Batch, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, ns, first_seq, last_seq, event_count, events, min_ts, created_at, flushed
		 FROM events_wal WHERE flushed = 0 ORDER BY min_ts, first_seq`)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeStorageError, "querying unflushed batches")
	}
	defer rows.Close()
	return scanBatches(rows)
}

// UnflushedBatchesForNamespace narrows UnflushedBatches to one namespace.
func (s *Store) UnflushedBatchesForNamespace(ctx context.Context, ns string) ([]Batch, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, ns, first_seq, last_seq, event_count, events, min_ts, created_at, flushed
		 FROM events_wal WHERE flushed = 0 AND ns = ? ORDER BY min_ts, first_seq`, ns)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeStorageError, "querying unflushed batches")
	}
	defer rows.Close()
	return scanBatches(rows)
}

// MarkFlushed marks materialized batches by id.
func (s *Store) MarkFlushed(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, errors.CodeStorageError, "beginning wal tx")
	}
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `UPDATE events_wal SET flushed = 1 WHERE id = ?`, id); err != nil {
			tx.Rollback()
			return errors.Wrap(err, errors.CodeStorageError, "marking batch flushed")
		}
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, errors.CodeStorageError, "committing wal tx")
	}
	return nil
}

// Prune deletes flushed batches created before cutoff, returning the
// number removed. The trimmer never touches unflushed rows.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM events_wal WHERE flushed = 1 AND created_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, errors.Wrap(err, errors.CodeStorageError, "pruning wal")
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// BatchCount reports total rows; used by tests and stats.
func (s *Store) BatchCount(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events_wal`).Scan(&n)
	if err != nil {
		return 0, errors.Wrap(err, errors.CodeStorageError, "counting wal rows")
	}
	return n, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
