package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/kartikbazzad/lakedb/internal/errors"
)

// SQLite stores objects in a single table. Conditional writes map to
// SQL-native atomic statements: INSERT OR IGNORE for create-only,
// UPDATE ... WHERE etag = ? for compare-and-swap, both inspected via
// RowsAffected. Append is one UPDATE with blob concatenation.
type SQLite struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS blobs (
	path         TEXT PRIMARY KEY,
	data         BLOB NOT NULL,
	etag         TEXT NOT NULL,
	content_type TEXT NOT NULL DEFAULT '',
	metadata     TEXT NOT NULL DEFAULT '',
	mod_time     INTEGER NOT NULL
);
`

// NewSQLite opens (creating if needed) a SQLite-backed store at path.
// ":memory:" gives an ephemeral store.
func NewSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeStorageError, "opening sqlite store")
	}
	// One connection serializes writers; sqlite handles the rest.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, errors.CodeStorageError, "creating blobs table")
	}
	return &SQLite{db: db}, nil
}

func encodeMetadata(md map[string]string) string {
	if len(md) == 0 {
		return ""
	}
	data, err := json.Marshal(md)
	if err != nil {
		return ""
	}
	return string(data)
}

func decodeMetadata(s string) map[string]string {
	if s == "" {
		return nil
	}
	var md map[string]string
	if err := json.Unmarshal([]byte(s), &md); err != nil {
		return nil
	}
	return md
}

func (s *SQLite) Read(ctx context.Context, p string) ([]byte, error) {
	if err := ValidatePath(p); err != nil {
		return nil, err
	}
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM blobs WHERE path = ?`, p).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, errFileNotFound(p)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeStorageReadError, "reading blob")
	}
	return data, nil
}

func (s *SQLite) ReadRange(ctx context.Context, p string, start, end int64) ([]byte, error) {
	data, err := s.Read(ctx, p)
	if err != nil {
		return nil, err
	}
	st, e, ok := clampRange(start, end, int64(len(data)))
	if !ok {
		return []byte{}, nil
	}
	return data[st:e], nil
}

func (s *SQLite) Write(ctx context.Context, p string, data []byte, opts *WriteOptions) (*WriteResult, error) {
	if err := ValidatePath(p); err != nil {
		return nil, err
	}
	etag := computeETag(data)
	now := time.Now().UnixMilli()
	var contentType, metadata string
	if opts != nil {
		contentType = opts.ContentType
		metadata = encodeMetadata(opts.Metadata)
	}

	if opts != nil && opts.IfNoneMatch == "*" {
		res, err := s.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO blobs (path, data, etag, content_type, metadata, mod_time)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			p, data, etag, contentType, metadata, now)
		if err != nil {
			return nil, errors.Wrap(err, errors.CodeStorageError, "inserting blob")
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, errors.Wrap(err, errors.CodeStorageError, "inspecting insert")
		}
		if n == 0 {
			return nil, errFileExists(p)
		}
		return &WriteResult{ETag: etag, Size: int64(len(data))}, nil
	}

	if opts != nil && opts.IfMatch != "" {
		res, err := s.db.ExecContext(ctx,
			`UPDATE blobs SET data = ?, etag = ?, content_type = ?, metadata = ?, mod_time = ?
			 WHERE path = ? AND etag = ?`,
			data, etag, contentType, metadata, now, p, opts.IfMatch)
		if err != nil {
			return nil, errors.Wrap(err, errors.CodeStorageError, "updating blob")
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, errors.Wrap(err, errors.CodeStorageError, "inspecting update")
		}
		if n == 0 {
			var actual string
			err := s.db.QueryRowContext(ctx, `SELECT etag FROM blobs WHERE path = ?`, p).Scan(&actual)
			if err == sql.ErrNoRows {
				return nil, errFileNotFound(p)
			}
			if err != nil {
				return nil, errors.Wrap(err, errors.CodeStorageError, "inspecting etag")
			}
			return nil, errETagMismatch(p, opts.IfMatch, actual)
		}
		return &WriteResult{ETag: etag, Size: int64(len(data))}, nil
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO blobs (path, data, etag, content_type, metadata, mod_time)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(path) DO UPDATE SET
			data = excluded.data, etag = excluded.etag,
			content_type = excluded.content_type,
			metadata = excluded.metadata, mod_time = excluded.mod_time`,
		p, data, etag, contentType, metadata, now)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeStorageError, "upserting blob")
	}
	return &WriteResult{ETag: etag, Size: int64(len(data))}, nil
}

func (s *SQLite) WriteAtomic(ctx context.Context, p string, data []byte, opts *WriteOptions) (*WriteResult, error) {
	// A single SQL statement is atomic.
	return s.Write(ctx, p, data, opts)
}

func (s *SQLite) WriteConditional(ctx context.Context, p string, data []byte, expectedETag *string) (*WriteResult, error) {
	opts := &WriteOptions{}
	if expectedETag == nil {
		opts.IfNoneMatch = "*"
	} else {
		opts.IfMatch = *expectedETag
	}
	return s.Write(ctx, p, data, opts)
}

func (s *SQLite) Append(ctx context.Context, p string, data []byte) error {
	if err := ValidatePath(p); err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	// Concatenation happens inside the statement; etag is recomputed
	// from the result so readers always see a consistent pair.
	res, err := s.db.ExecContext(ctx,
		`UPDATE blobs SET data = data || ?, mod_time = ? WHERE path = ?`, data, now, p)
	if err != nil {
		return errors.Wrap(err, errors.CodeStorageError, "appending to blob")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, errors.CodeStorageError, "inspecting append")
	}
	if n == 0 {
		_, err := s.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO blobs (path, data, etag, content_type, metadata, mod_time)
			 VALUES (?, ?, ?, '', '', ?)`,
			p, data, computeETag(data), now)
		if err != nil {
			return errors.Wrap(err, errors.CodeStorageError, "creating blob for append")
		}
		return nil
	}
	full, err := s.Read(ctx, p)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `UPDATE blobs SET etag = ? WHERE path = ?`, computeETag(full), p)
	if err != nil {
		return errors.Wrap(err, errors.CodeStorageError, "refreshing etag")
	}
	return nil
}

func (s *SQLite) Delete(ctx context.Context, p string) (bool, error) {
	if err := ValidatePath(p); err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM blobs WHERE path = ?`, p)
	if err != nil {
		return false, errors.Wrap(err, errors.CodeStorageError, "deleting blob")
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *SQLite) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	if err := ValidatePrefix(prefix); err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM blobs WHERE path >= ? AND path < ?`, prefix, prefix+"￿")
	if err != nil {
		return 0, errors.Wrap(err, errors.CodeStorageError, "deleting prefix")
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLite) Copy(ctx context.Context, src, dst string) error {
	data, err := s.Read(ctx, src)
	if err != nil {
		return err
	}
	info, err := s.Stat(ctx, src)
	if err != nil {
		return err
	}
	_, err = s.Write(ctx, dst, data, &WriteOptions{ContentType: info.ContentType, Metadata: info.Metadata})
	return err
}

func (s *SQLite) Move(ctx context.Context, src, dst string) error {
	if err := s.Copy(ctx, src, dst); err != nil {
		return err
	}
	_, err := s.Delete(ctx, src)
	return err
}

func (s *SQLite) Exists(ctx context.Context, p string) (bool, error) {
	if err := ValidatePath(p); err != nil {
		return false, err
	}
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM blobs WHERE path = ?`, p).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, errors.CodeStorageError, "checking existence")
	}
	return true, nil
}

func (s *SQLite) Stat(ctx context.Context, p string) (*FileInfo, error) {
	if err := ValidatePath(p); err != nil {
		return nil, err
	}
	var (
		size        int64
		etag        string
		contentType string
		metadata    string
		modTime     int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT length(data), etag, content_type, metadata, mod_time FROM blobs WHERE path = ?`, p).
		Scan(&size, &etag, &contentType, &metadata, &modTime)
	if err == sql.ErrNoRows {
		return nil, errFileNotFound(p)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeStorageError, "stat blob")
	}
	return &FileInfo{
		Path:        p,
		Size:        size,
		ModTime:     time.UnixMilli(modTime),
		ETag:        etag,
		ContentType: contentType,
		Metadata:    decodeMetadata(metadata),
	}, nil
}

func (s *SQLite) List(ctx context.Context, prefix string, opts *ListOptions) (*ListResult, error) {
	if err := ValidatePrefix(prefix); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT path, length(data), etag, content_type, metadata, mod_time
		 FROM blobs WHERE path >= ? AND path < ? ORDER BY path`,
		prefix, prefix+"￿")
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeStorageError, "listing blobs")
	}
	defer rows.Close()

	var objects []FileInfo
	for rows.Next() {
		var (
			info     FileInfo
			metadata string
			modTime  int64
		)
		if err := rows.Scan(&info.Path, &info.Size, &info.ETag, &info.ContentType, &metadata, &modTime); err != nil {
			return nil, errors.Wrap(err, errors.CodeStorageError, "scanning listing row")
		}
		info.ModTime = time.UnixMilli(modTime)
		info.Metadata = decodeMetadata(metadata)
		objects = append(objects, info)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.CodeStorageError, "iterating listing")
	}
	return paginate(objects, prefix, opts)
}

func (s *SQLite) Mkdir(ctx context.Context, p string) error {
	return ValidatePath(strings.TrimSuffix(p, "/"))
}

func (s *SQLite) Rmdir(ctx context.Context, p string, recursive bool) error {
	p = strings.TrimSuffix(p, "/")
	if err := ValidatePath(p); err != nil {
		return err
	}
	if recursive {
		_, err := s.DeletePrefix(ctx, p+"/")
		return err
	}
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM blobs WHERE path >= ? AND path < ? LIMIT 1`, p+"/", p+"/￿").Scan(&one)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, errors.CodeStorageError, "checking directory")
	}
	return errDirectoryNotEmpty(p)
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

var _ Backend = (*SQLite)(nil)
