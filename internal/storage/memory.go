package storage

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"github.com/kartikbazzad/lakedb/internal/errors"
)

// Memory is a map-backed Backend. All operations run under one lock,
// so conditional writes and appends are trivially atomic.
type Memory struct {
	mu       sync.RWMutex
	objects  map[string]*memObject
	maxBytes int64
	used     int64
}

type memObject struct {
	data        []byte
	etag        string
	contentType string
	metadata    map[string]string
	modTime     time.Time
}

// MemoryOption configures a Memory backend.
type MemoryOption func(*Memory)

// WithMaxBytes bounds total stored bytes; writes past the bound fail
// with QUOTA_EXCEEDED.
func WithMaxBytes(n int64) MemoryOption {
	return func(m *Memory) { m.maxBytes = n }
}

// NewMemory creates an empty in-memory backend.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{objects: make(map[string]*memObject)}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func computeETag(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

func (m *Memory) currentETag(p string) string {
	if obj, ok := m.objects[p]; ok {
		return obj.etag
	}
	return ""
}

func (m *Memory) put(p string, data []byte, opts *WriteOptions) (*WriteResult, error) {
	var prev int64
	if old, ok := m.objects[p]; ok {
		prev = int64(len(old.data))
	}
	if m.maxBytes > 0 && m.used-prev+int64(len(data)) > m.maxBytes {
		return nil, errors.New(errors.CodeQuotaExceeded, "memory store quota exceeded").
			WithContext("path", p)
	}

	obj := &memObject{
		data:    append([]byte(nil), data...),
		etag:    computeETag(data),
		modTime: time.Now(),
	}
	if opts != nil {
		obj.contentType = opts.ContentType
		if len(opts.Metadata) > 0 {
			obj.metadata = make(map[string]string, len(opts.Metadata))
			for k, v := range opts.Metadata {
				obj.metadata[k] = v
			}
		}
	}
	m.used += int64(len(data)) - prev
	m.objects[p] = obj
	return &WriteResult{ETag: obj.etag, Size: int64(len(data))}, nil
}

func (m *Memory) Read(ctx context.Context, p string) ([]byte, error) {
	if err := ValidatePath(p); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[p]
	if !ok {
		return nil, errFileNotFound(p)
	}
	return append([]byte(nil), obj.data...), nil
}

func (m *Memory) ReadRange(ctx context.Context, p string, start, end int64) ([]byte, error) {
	if err := ValidatePath(p); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[p]
	if !ok {
		return nil, errFileNotFound(p)
	}
	s, e, ok := clampRange(start, end, int64(len(obj.data)))
	if !ok {
		return []byte{}, nil
	}
	return append([]byte(nil), obj.data[s:e]...), nil
}

func (m *Memory) Write(ctx context.Context, p string, data []byte, opts *WriteOptions) (*WriteResult, error) {
	if err := ValidatePath(p); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := checkConditions(p, opts, m.currentETag(p)); err != nil {
		return nil, err
	}
	return m.put(p, data, opts)
}

func (m *Memory) WriteAtomic(ctx context.Context, p string, data []byte, opts *WriteOptions) (*WriteResult, error) {
	// Map replacement under the lock is already atomic.
	return m.Write(ctx, p, data, opts)
}

func (m *Memory) WriteConditional(ctx context.Context, p string, data []byte, expectedETag *string) (*WriteResult, error) {
	opts := &WriteOptions{}
	if expectedETag == nil {
		opts.IfNoneMatch = "*"
	} else {
		opts.IfMatch = *expectedETag
	}
	return m.Write(ctx, p, data, opts)
}

func (m *Memory) Append(ctx context.Context, p string, data []byte) error {
	if err := ValidatePath(p); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var combined []byte
	if obj, ok := m.objects[p]; ok {
		combined = append(append([]byte(nil), obj.data...), data...)
	} else {
		combined = data
	}
	_, err := m.put(p, combined, nil)
	return err
}

func (m *Memory) Delete(ctx context.Context, p string) (bool, error) {
	if err := ValidatePath(p); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[p]
	if !ok {
		return false, nil
	}
	m.used -= int64(len(obj.data))
	delete(m.objects, p)
	return true, nil
}

func (m *Memory) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	if err := ValidatePrefix(prefix); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for p, obj := range m.objects {
		if strings.HasPrefix(p, prefix) {
			m.used -= int64(len(obj.data))
			delete(m.objects, p)
			count++
		}
	}
	return count, nil
}

func (m *Memory) Copy(ctx context.Context, src, dst string) error {
	if err := ValidatePath(src); err != nil {
		return err
	}
	if err := ValidatePath(dst); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[src]
	if !ok {
		return errFileNotFound(src)
	}
	_, err := m.put(dst, obj.data, &WriteOptions{ContentType: obj.contentType, Metadata: obj.metadata})
	return err
}

func (m *Memory) Move(ctx context.Context, src, dst string) error {
	if err := m.Copy(ctx, src, dst); err != nil {
		return err
	}
	_, err := m.Delete(ctx, src)
	return err
}

func (m *Memory) Exists(ctx context.Context, p string) (bool, error) {
	if err := ValidatePath(p); err != nil {
		return false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.objects[p]
	return ok, nil
}

func (m *Memory) Stat(ctx context.Context, p string) (*FileInfo, error) {
	if err := ValidatePath(p); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[p]
	if !ok {
		return nil, errFileNotFound(p)
	}
	return &FileInfo{
		Path:        p,
		Size:        int64(len(obj.data)),
		ModTime:     obj.modTime,
		ETag:        obj.etag,
		ContentType: obj.contentType,
		Metadata:    obj.metadata,
	}, nil
}

func (m *Memory) List(ctx context.Context, prefix string, opts *ListOptions) (*ListResult, error) {
	if err := ValidatePrefix(prefix); err != nil {
		return nil, err
	}
	m.mu.RLock()
	var objects []FileInfo
	for p, obj := range m.objects {
		if strings.HasPrefix(p, prefix) {
			objects = append(objects, FileInfo{
				Path:        p,
				Size:        int64(len(obj.data)),
				ModTime:     obj.modTime,
				ETag:        obj.etag,
				ContentType: obj.contentType,
				Metadata:    obj.metadata,
			})
		}
	}
	m.mu.RUnlock()
	return paginate(objects, prefix, opts)
}

func (m *Memory) Mkdir(ctx context.Context, p string) error {
	// Directories are implicit in a key/value store.
	return ValidatePath(strings.TrimSuffix(p, "/"))
}

func (m *Memory) Rmdir(ctx context.Context, p string, recursive bool) error {
	p = strings.TrimSuffix(p, "/")
	if err := ValidatePath(p); err != nil {
		return err
	}
	if recursive {
		_, err := m.DeletePrefix(ctx, p+"/")
		return err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for key := range m.objects {
		if strings.HasPrefix(key, p+"/") {
			return errDirectoryNotEmpty(p)
		}
	}
	return nil
}

func (m *Memory) Close() error {
	return nil
}

var _ Backend = (*Memory)(nil)
