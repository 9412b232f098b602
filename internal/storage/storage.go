// Package storage implements the pluggable blob store underlying every
// higher layer: the Delta log, data files, the WAL database and index
// persistence.
//
// Backends:
//   - Memory: map-backed, for tests and ephemeral instances
//   - Filesystem: rename(2)-based atomicity, link(2) create-only
//   - SQLite: single-table store with SQL-native conditional writes
//   - S3: object store with conditional PUT headers
//
// Conditional writes are the engine's concurrency primitive. Every
// backend implements WriteConditional and the IfMatch/IfNoneMatch
// write options atomically: SQLite and S3 use the store's own
// conditional statement or request; Memory and Filesystem check the
// current etag and write while holding a lock, so the check and the
// write are atomic only among writers in the same process.
//
// Path semantics: forward-slash separated, no leading slash, no "."
// or ".." segments. Listings are S3-style: lexicographic, optional
// delimiter grouping into common prefixes, opaque cursors.
package storage

import (
	"context"
	"encoding/base64"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/kartikbazzad/lakedb/internal/errors"
)

// MaxAppendRetries bounds the read-modify-write loop used by backends
// whose append is built on conditional writes.
const MaxAppendRetries = 10

// WriteOptions carries conditional-write and metadata options.
//
// IfNoneMatch "*" means create-only (fails with ALREADY_EXISTS when
// the path is present). IfMatch set to an etag means update-only
// (fails with ETAG_MISMATCH when the current etag differs).
type WriteOptions struct {
	ContentType string
	Metadata    map[string]string
	IfMatch     string
	IfNoneMatch string
}

// WriteResult reports the stored object's new etag and size.
type WriteResult struct {
	ETag string
	Size int64
}

// FileInfo describes a stored object.
type FileInfo struct {
	Path        string
	Size        int64
	ModTime     time.Time
	ETag        string
	ContentType string
	Metadata    map[string]string
}

// ListOptions controls listing.
type ListOptions struct {
	Delimiter       string
	Limit           int
	Cursor          string
	Pattern         string // path.Match pattern applied to the base name
	IncludeMetadata bool
}

// ListResult is one page of a listing.
type ListResult struct {
	Files    []FileInfo
	Prefixes []string
	Cursor   string
	HasMore  bool
}

// Backend is the uniform blob store interface.
//
// The SQLite and S3 backends pass ctx to their drivers; the Memory and
// Filesystem backends do not consult it. Paths are validated; invalid
// or traversing paths fail with INVALID_PATH / PATH_TRAVERSAL.
type Backend interface {
	Read(ctx context.Context, p string) ([]byte, error)
	// ReadRange returns bytes [start, end). end is clamped to the
	// object size; start at or past the size yields an empty slice.
	ReadRange(ctx context.Context, p string, start, end int64) ([]byte, error)

	Write(ctx context.Context, p string, data []byte, opts *WriteOptions) (*WriteResult, error)
	// WriteAtomic guarantees the object is never observable in a torn
	// state: readers see either the old content or the new content.
	WriteAtomic(ctx context.Context, p string, data []byte, opts *WriteOptions) (*WriteResult, error)
	// WriteConditional writes only when the current etag equals
	// expectedETag. A nil expectedETag means create-only.
	WriteConditional(ctx context.Context, p string, data []byte, expectedETag *string) (*WriteResult, error)
	Append(ctx context.Context, p string, data []byte) error

	Delete(ctx context.Context, p string) (bool, error)
	DeletePrefix(ctx context.Context, prefix string) (int, error)
	Copy(ctx context.Context, src, dst string) error
	Move(ctx context.Context, src, dst string) error

	Exists(ctx context.Context, p string) (bool, error)
	Stat(ctx context.Context, p string) (*FileInfo, error)
	List(ctx context.Context, prefix string, opts *ListOptions) (*ListResult, error)

	Mkdir(ctx context.Context, p string) error
	Rmdir(ctx context.Context, p string, recursive bool) error

	Close() error
}

// ValidatePath rejects empty, absolute, backslashed and traversing
// paths. A trailing slash is permitted on prefixes only; callers
// validating object paths strip it first.
func ValidatePath(p string) error {
	if p == "" {
		return errors.New(errors.CodeInvalidPath, "empty path")
	}
	if strings.HasPrefix(p, "/") || strings.Contains(p, "\\") {
		return errors.Newf(errors.CodeInvalidPath, "invalid path %q", p)
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return errors.Newf(errors.CodePathTraversal, "path %q escapes the store root", p)
		}
	}
	return nil
}

// ValidatePrefix allows the empty prefix (root listing) and otherwise
// applies ValidatePath to the prefix without its trailing slash.
func ValidatePrefix(prefix string) error {
	if prefix == "" {
		return nil
	}
	return ValidatePath(strings.TrimSuffix(prefix, "/"))
}

func errFileNotFound(p string) error {
	return errors.Newf(errors.CodeFileNotFound, "file not found").WithContext("path", p)
}

func errFileExists(p string) error {
	return errors.Newf(errors.CodeAlreadyExists, "file already exists").WithContext("path", p)
}

func errETagMismatch(p, expected, actual string) error {
	return errors.New(errors.CodeETagMismatch, "etag mismatch").
		WithContext("path", p).
		WithContext("expected", expected).
		WithContext("actual", actual)
}

func errDirectoryNotEmpty(p string) error {
	return errors.New(errors.CodeConflict, "directory not empty").
		WithContext("path", p).
		WithContext("reason", "directory_not_empty")
}

// checkConditions applies IfMatch / IfNoneMatch against the current
// etag ("" when the object is absent). Backends whose store cannot
// express the condition natively call this under their write lock so
// the check-and-write is atomic.
func checkConditions(p string, opts *WriteOptions, currentETag string) error {
	if opts == nil {
		return nil
	}
	if opts.IfNoneMatch == "*" && currentETag != "" {
		return errFileExists(p)
	}
	if opts.IfMatch != "" {
		if currentETag == "" {
			return errFileNotFound(p)
		}
		if opts.IfMatch != currentETag {
			return errETagMismatch(p, opts.IfMatch, currentETag)
		}
	}
	return nil
}

// clampRange normalizes a [start, end) byte range against size.
// Returns ok=false when the range selects nothing.
func clampRange(start, end, size int64) (int64, int64, bool) {
	if start < 0 {
		start = 0
	}
	if end > size || end < 0 {
		end = size
	}
	if start >= size || start >= end {
		return 0, 0, false
	}
	return start, end, true
}

// listEntry is either a file or a common prefix during pagination.
type listEntry struct {
	key    string
	isDir  bool
	info   FileInfo
}

// paginate applies S3-style listing semantics over a pre-filtered,
// possibly unsorted set of objects under prefix. Used by the backends
// that enumerate keys themselves (memory, filesystem, sqlite).
func paginate(objects []FileInfo, prefix string, opts *ListOptions) (*ListResult, error) {
	if opts == nil {
		opts = &ListOptions{}
	}

	var entries []listEntry
	seenPrefixes := make(map[string]bool)

	for _, obj := range objects {
		rest := strings.TrimPrefix(obj.Path, prefix)
		if opts.Delimiter != "" {
			if idx := strings.Index(rest, opts.Delimiter); idx >= 0 {
				common := prefix + rest[:idx+len(opts.Delimiter)]
				if !seenPrefixes[common] {
					seenPrefixes[common] = true
					entries = append(entries, listEntry{key: common, isDir: true})
				}
				continue
			}
		}
		if opts.Pattern != "" {
			ok, err := path.Match(opts.Pattern, path.Base(obj.Path))
			if err != nil {
				return nil, errors.Wrap(err, errors.CodeInvalidInput, "bad list pattern")
			}
			if !ok {
				continue
			}
		}
		entries = append(entries, listEntry{key: obj.Path, info: obj})
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].key < entries[j].key })

	start := 0
	if opts.Cursor != "" {
		after, err := decodeCursor(opts.Cursor)
		if err != nil {
			return nil, err
		}
		start = sort.Search(len(entries), func(i int) bool { return entries[i].key > after })
	}

	result := &ListResult{}
	end := len(entries)
	if opts.Limit > 0 && start+opts.Limit < end {
		end = start + opts.Limit
	}
	for _, e := range entries[start:end] {
		if e.isDir {
			result.Prefixes = append(result.Prefixes, e.key)
		} else {
			info := e.info
			if !opts.IncludeMetadata {
				info.Metadata = nil
			}
			result.Files = append(result.Files, info)
		}
	}
	if end < len(entries) {
		result.HasMore = true
		result.Cursor = encodeCursor(entries[end-1].key)
	}
	return result, nil
}

func encodeCursor(key string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(key))
}

func decodeCursor(cursor string) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return "", errors.Wrap(err, errors.CodeInvalidInput, "malformed list cursor")
	}
	return string(raw), nil
}
