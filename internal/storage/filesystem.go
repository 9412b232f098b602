package storage

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/natefinch/atomic"

	"github.com/kartikbazzad/lakedb/internal/errors"
)

// Filesystem stores objects as files under a root directory.
//
// Atomicity: every write lands in a temp file and is moved into place
// with rename(2). Create-only writes use link(2) from the temp file so
// the existence check and the publish are one syscall. Conditional
// updates additionally serialize through a per-path in-process lock;
// cross-process coordination relies on the caller using the Delta-log
// CAS protocol, which only ever needs create-only semantics.
type Filesystem struct {
	root  string
	locks pathLocks
}

// pathLocks hands out one mutex per object path.
type pathLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (pl *pathLocks) lock(p string) func() {
	pl.mu.Lock()
	if pl.locks == nil {
		pl.locks = make(map[string]*sync.Mutex)
	}
	l, ok := pl.locks[p]
	if !ok {
		l = &sync.Mutex{}
		pl.locks[p] = l
	}
	pl.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// NewFilesystem creates (if needed) and opens a filesystem backend
// rooted at dir.
func NewFilesystem(dir string) (*Filesystem, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, errors.CodeStorageError, "creating storage root")
	}
	return &Filesystem{root: dir}, nil
}

func (f *Filesystem) abs(p string) string {
	return filepath.Join(f.root, filepath.FromSlash(p))
}

func (f *Filesystem) Read(ctx context.Context, p string) ([]byte, error) {
	if err := ValidatePath(p); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(f.abs(p))
	if os.IsNotExist(err) {
		return nil, errFileNotFound(p)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeStorageReadError, "reading file")
	}
	return data, nil
}

func (f *Filesystem) ReadRange(ctx context.Context, p string, start, end int64) ([]byte, error) {
	if err := ValidatePath(p); err != nil {
		return nil, err
	}
	file, err := os.Open(f.abs(p))
	if os.IsNotExist(err) {
		return nil, errFileNotFound(p)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeStorageReadError, "opening file")
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeStorageReadError, "stat file")
	}
	s, e, ok := clampRange(start, end, info.Size())
	if !ok {
		return []byte{}, nil
	}
	buf := make([]byte, e-s)
	if _, err := file.ReadAt(buf, s); err != nil && err != io.EOF {
		return nil, errors.Wrap(err, errors.CodeStorageReadError, "reading range")
	}
	return buf, nil
}

func (f *Filesystem) etagOf(p string) (string, error) {
	data, err := os.ReadFile(f.abs(p))
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrap(err, errors.CodeStorageReadError, "reading file for etag")
	}
	return computeETag(data), nil
}

func (f *Filesystem) writeTemp(p string, data []byte) (string, error) {
	dir := filepath.Dir(f.abs(p))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.Wrap(err, errors.CodeStorageError, "creating parent directory")
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return "", errors.Wrap(err, errors.CodeStorageError, "creating temp file")
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(name)
		return "", errors.Wrap(err, errors.CodeStorageError, "writing temp file")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(name)
		return "", errors.Wrap(err, errors.CodeStorageError, "syncing temp file")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return "", errors.Wrap(err, errors.CodeStorageError, "closing temp file")
	}
	return name, nil
}

func (f *Filesystem) Write(ctx context.Context, p string, data []byte, opts *WriteOptions) (*WriteResult, error) {
	if err := ValidatePath(p); err != nil {
		return nil, err
	}
	unlock := f.locks.lock(p)
	defer unlock()

	if opts != nil && opts.IfNoneMatch == "*" {
		// link(2) publishes the temp file only when the target is
		// absent; existence check and publish are one operation.
		tmp, err := f.writeTemp(p, data)
		if err != nil {
			return nil, err
		}
		if err := os.Link(tmp, f.abs(p)); err != nil {
			os.Remove(tmp)
			if os.IsExist(err) {
				return nil, errFileExists(p)
			}
			return nil, errors.Wrap(err, errors.CodeStorageError, "publishing file")
		}
		os.Remove(tmp)
		return &WriteResult{ETag: computeETag(data), Size: int64(len(data))}, nil
	}

	if opts != nil && opts.IfMatch != "" {
		current, err := f.etagOf(p)
		if err != nil {
			return nil, err
		}
		if err := checkConditions(p, opts, current); err != nil {
			return nil, err
		}
	}

	tmp, err := f.writeTemp(p, data)
	if err != nil {
		return nil, err
	}
	if err := atomic.ReplaceFile(tmp, f.abs(p)); err != nil {
		os.Remove(tmp)
		return nil, errors.Wrap(err, errors.CodeStorageError, "replacing file")
	}
	return &WriteResult{ETag: computeETag(data), Size: int64(len(data))}, nil
}

func (f *Filesystem) WriteAtomic(ctx context.Context, p string, data []byte, opts *WriteOptions) (*WriteResult, error) {
	// Write already publishes via rename(2).
	return f.Write(ctx, p, data, opts)
}

func (f *Filesystem) WriteConditional(ctx context.Context, p string, data []byte, expectedETag *string) (*WriteResult, error) {
	opts := &WriteOptions{}
	if expectedETag == nil {
		opts.IfNoneMatch = "*"
	} else {
		opts.IfMatch = *expectedETag
	}
	return f.Write(ctx, p, data, opts)
}

func (f *Filesystem) Append(ctx context.Context, p string, data []byte) error {
	if err := ValidatePath(p); err != nil {
		return err
	}
	unlock := f.locks.lock(p)
	defer unlock()

	if err := os.MkdirAll(filepath.Dir(f.abs(p)), 0o755); err != nil {
		return errors.Wrap(err, errors.CodeStorageError, "creating parent directory")
	}
	file, err := os.OpenFile(f.abs(p), os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return errors.Wrap(err, errors.CodeStorageError, "opening file for append")
	}
	defer file.Close()
	if _, err := file.Write(data); err != nil {
		return errors.Wrap(err, errors.CodeStorageError, "appending")
	}
	return file.Sync()
}

func (f *Filesystem) Delete(ctx context.Context, p string) (bool, error) {
	if err := ValidatePath(p); err != nil {
		return false, err
	}
	err := os.Remove(f.abs(p))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, errors.CodeStorageError, "deleting file")
	}
	return true, nil
}

func (f *Filesystem) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	objects, err := f.walk(prefix)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, obj := range objects {
		ok, err := f.Delete(ctx, obj.Path)
		if err != nil {
			return count, err
		}
		if ok {
			count++
		}
	}
	return count, nil
}

func (f *Filesystem) Copy(ctx context.Context, src, dst string) error {
	data, err := f.Read(ctx, src)
	if err != nil {
		return err
	}
	_, err = f.Write(ctx, dst, data, nil)
	return err
}

func (f *Filesystem) Move(ctx context.Context, src, dst string) error {
	if err := ValidatePath(src); err != nil {
		return err
	}
	if err := ValidatePath(dst); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(f.abs(dst)), 0o755); err != nil {
		return errors.Wrap(err, errors.CodeStorageError, "creating parent directory")
	}
	err := os.Rename(f.abs(src), f.abs(dst))
	if os.IsNotExist(err) {
		return errFileNotFound(src)
	}
	if err != nil {
		return errors.Wrap(err, errors.CodeStorageError, "renaming file")
	}
	return nil
}

func (f *Filesystem) Exists(ctx context.Context, p string) (bool, error) {
	if err := ValidatePath(p); err != nil {
		return false, err
	}
	_, err := os.Stat(f.abs(p))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, errors.CodeStorageError, "stat file")
	}
	return true, nil
}

func (f *Filesystem) Stat(ctx context.Context, p string) (*FileInfo, error) {
	if err := ValidatePath(p); err != nil {
		return nil, err
	}
	info, err := os.Stat(f.abs(p))
	if os.IsNotExist(err) {
		return nil, errFileNotFound(p)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeStorageError, "stat file")
	}
	etag, err := f.etagOf(p)
	if err != nil {
		return nil, err
	}
	return &FileInfo{
		Path:    p,
		Size:    info.Size(),
		ModTime: info.ModTime(),
		ETag:    etag,
	}, nil
}

// walk enumerates all objects under prefix.
func (f *Filesystem) walk(prefix string) ([]FileInfo, error) {
	if err := ValidatePrefix(prefix); err != nil {
		return nil, err
	}
	var objects []FileInfo
	err := filepath.WalkDir(f.root, func(fp string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".tmp-") {
			return nil
		}
		rel, err := filepath.Rel(f.root, fp)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		objects = append(objects, FileInfo{
			Path:    key,
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeStorageError, "walking storage root")
	}
	return objects, nil
}

func (f *Filesystem) List(ctx context.Context, prefix string, opts *ListOptions) (*ListResult, error) {
	objects, err := f.walk(prefix)
	if err != nil {
		return nil, err
	}
	if opts != nil && opts.IncludeMetadata {
		for i := range objects {
			etag, err := f.etagOf(objects[i].Path)
			if err != nil {
				return nil, err
			}
			objects[i].ETag = etag
		}
	}
	return paginate(objects, prefix, opts)
}

func (f *Filesystem) Mkdir(ctx context.Context, p string) error {
	if err := ValidatePath(strings.TrimSuffix(p, "/")); err != nil {
		return err
	}
	return os.MkdirAll(f.abs(strings.TrimSuffix(p, "/")), 0o755)
}

func (f *Filesystem) Rmdir(ctx context.Context, p string, recursive bool) error {
	p = strings.TrimSuffix(p, "/")
	if err := ValidatePath(p); err != nil {
		return err
	}
	if recursive {
		if err := os.RemoveAll(f.abs(p)); err != nil {
			return errors.Wrap(err, errors.CodeStorageError, "removing directory")
		}
		return nil
	}
	err := os.Remove(f.abs(p))
	if err == nil || os.IsNotExist(err) {
		return nil
	}
	if pe, ok := err.(*os.PathError); ok && pe.Err != nil && strings.Contains(pe.Err.Error(), "not empty") {
		return errDirectoryNotEmpty(p)
	}
	return errors.Wrap(err, errors.CodeStorageError, "removing directory")
}

func (f *Filesystem) Close() error {
	return nil
}

var _ Backend = (*Filesystem)(nil)
