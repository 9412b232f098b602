package delta

import (
	"context"
	"encoding/json"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/kartikbazzad/lakedb/internal/errors"
	"github.com/kartikbazzad/lakedb/internal/storage"
)

const (
	logDir            = "_delta_log"
	lastCheckpointKey = "_last_checkpoint"

	// commitRetries bounds the reload-and-retry loop when another
	// writer wins a version.
	commitRetries = 10
)

// lastCheckpoint is the sentinel pointing readers at the newest
// checkpoint. Size is the checkpoint's row count.
type lastCheckpoint struct {
	Version int64 `json:"version"`
	Size    int64 `json:"size"`
}

// Log is the transaction log of one table.
//
// Thread Safety: safe for concurrent use; the serialization point is
// the storage backend's conditional write, not an in-process lock, so
// multiple processes sharing the backend coordinate correctly.
type Log struct {
	store    storage.Backend
	root     string
	interval int64 // checkpoint every N commits; 0 disables
	logger   zerolog.Logger
}

// Option configures a Log.
type Option func(*Log)

// WithCheckpointInterval sets the commit count between checkpoints.
// Zero disables checkpointing.
func WithCheckpointInterval(n int64) Option {
	return func(l *Log) { l.interval = n }
}

// WithLogger attaches a logger.
func WithLogger(lg zerolog.Logger) Option {
	return func(l *Log) { l.logger = lg }
}

// NewLog opens the transaction log rooted at tableRoot.
func NewLog(store storage.Backend, tableRoot string, opts ...Option) *Log {
	l := &Log{
		store:    store,
		root:     strings.TrimSuffix(tableRoot, "/"),
		interval: 10,
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Root returns the table root path.
func (l *Log) Root() string {
	return l.root
}

func (l *Log) logPath(name string) string {
	return path.Join(l.root, logDir, name)
}

// readLastCheckpoint returns nil when no checkpoint exists.
func (l *Log) readLastCheckpoint(ctx context.Context) (*lastCheckpoint, error) {
	data, err := l.store.Read(ctx, l.logPath(lastCheckpointKey))
	if errors.CodeOf(err) == errors.CodeFileNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var lc lastCheckpoint
	if err := json.Unmarshal(data, &lc); err != nil {
		return nil, errors.Wrap(err, errors.CodeStorageReadError, "parsing _last_checkpoint")
	}
	return &lc, nil
}

// listCommitVersions returns the sorted versions of commit files at or
// after from.
func (l *Log) listCommitVersions(ctx context.Context, from int64) ([]int64, error) {
	var versions []int64
	cursor := ""
	for {
		res, err := l.store.List(ctx, path.Join(l.root, logDir)+"/", &storage.ListOptions{
			Pattern: "*.json",
			Cursor:  cursor,
		})
		if err != nil {
			return nil, err
		}
		for _, f := range res.Files {
			if v, ok := ParseCommitVersion(path.Base(f.Path)); ok && v >= from {
				versions = append(versions, v)
			}
		}
		if !res.HasMore {
			break
		}
		cursor = res.Cursor
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i] < versions[j] })
	return versions, nil
}

// Version returns the current committed version, -1 for an empty log.
// It prefers the checkpoint pointer plus a forward listing, falling
// back to a full listing of commit files.
func (l *Log) Version(ctx context.Context) (int64, error) {
	base := int64(0)
	lc, err := l.readLastCheckpoint(ctx)
	if err != nil {
		return -1, err
	}
	if lc != nil {
		base = lc.Version
	}
	versions, err := l.listCommitVersions(ctx, base)
	if err != nil {
		return -1, err
	}
	if len(versions) == 0 {
		if lc != nil {
			return lc.Version, nil
		}
		return -1, nil
	}
	return versions[len(versions)-1], nil
}

// Commit appends actions as the next version. On losing the race for
// a version it reloads and retries with backoff, bounded by
// commitRetries. Returns the version written.
func (l *Log) Commit(ctx context.Context, actions []Action) (int64, error) {
	data, err := EncodeActions(actions)
	if err != nil {
		return -1, err
	}

	version, _, err := errors.WithRetry(ctx, func() (int64, error) {
		current, err := l.Version(ctx)
		if err != nil {
			return -1, err
		}
		target := current + 1
		_, werr := l.store.WriteConditional(ctx, l.logPath(CommitFileName(target)), data, nil)
		if werr != nil {
			if errors.CodeOf(werr) == errors.CodeAlreadyExists {
				// Another writer owns this version; reload and retry.
				return -1, errors.Wrap(werr, errors.CodeVersionConflict, "commit version taken").
					WithContext("version", CommitFileName(target))
			}
			return -1, werr
		}
		return target, nil
	}, errors.RetryOptions{
		MaxRetries: commitRetries,
		BaseDelay:  5 * time.Millisecond,
		Jitter:     true,
	})
	if err != nil {
		return -1, err
	}

	l.logger.Debug().Int64("version", version).Int("actions", len(actions)).Msg("committed")

	if l.interval > 0 && version > 0 && version%l.interval == 0 {
		if cerr := l.Checkpoint(ctx, version); cerr != nil {
			// The commit is durable; checkpointing is an optimization
			// and will be retried at the next interval boundary.
			l.logger.Warn().Err(cerr).Int64("version", version).Msg("checkpoint failed")
		}
	}
	return version, nil
}

// state replays actions into table state.
type state struct {
	files    map[string]AddAction // path -> newest add
	metadata *MetaDataAction
	protocol *ProtocolAction
	txns     map[string]int64
}

func newState() *state {
	return &state{
		files: make(map[string]AddAction),
		txns:  make(map[string]int64),
	}
}

func (s *state) apply(a Action) {
	switch {
	case a.Add != nil:
		s.files[a.Add.Path] = *a.Add
	case a.Remove != nil:
		delete(s.files, a.Remove.Path)
	case a.MetaData != nil:
		md := *a.MetaData
		s.metadata = &md
	case a.Protocol != nil:
		p := *a.Protocol
		s.protocol = &p
	case a.Txn != nil:
		if v, ok := s.txns[a.Txn.AppID]; !ok || a.Txn.Version > v {
			s.txns[a.Txn.AppID] = a.Txn.Version
		}
	}
}

// Snapshot is a consistent view of the table at one version.
type Snapshot struct {
	Version  int64
	Files    []AddAction
	Metadata *MetaDataAction
	Protocol *ProtocolAction
	Txns     map[string]int64
}

// TxnVersion returns the recorded version for appID, -1 when unseen.
func (s *Snapshot) TxnVersion(appID string) int64 {
	if v, ok := s.Txns[appID]; ok {
		return v
	}
	return -1
}

// Snapshot reconstructs the table state: checkpoint base (when
// present) plus forward replay of newer commit files.
func (l *Log) Snapshot(ctx context.Context) (*Snapshot, error) {
	st := newState()
	replayFrom := int64(0)
	version := int64(-1)

	lc, err := l.readLastCheckpoint(ctx)
	if err != nil {
		return nil, err
	}
	if lc != nil {
		if err := l.loadCheckpoint(ctx, lc, st); err != nil {
			return nil, err
		}
		replayFrom = lc.Version + 1
		version = lc.Version
	}

	versions, err := l.listCommitVersions(ctx, replayFrom)
	if err != nil {
		return nil, err
	}
	for _, v := range versions {
		data, err := l.store.Read(ctx, l.logPath(CommitFileName(v)))
		if err != nil {
			return nil, err
		}
		actions, err := DecodeActions(data)
		if err != nil {
			return nil, err
		}
		for _, a := range actions {
			st.apply(a)
		}
		version = v
	}

	snap := &Snapshot{
		Version:  version,
		Metadata: st.metadata,
		Protocol: st.protocol,
		Txns:     st.txns,
	}
	for _, add := range st.files {
		snap.Files = append(snap.Files, add)
	}
	sort.Slice(snap.Files, func(i, j int) bool { return snap.Files[i].Path < snap.Files[j].Path })
	return snap, nil
}

// ReadFile reads a data file referenced by an add action, resolving
// the path relative to the table root.
func (l *Log) ReadFile(ctx context.Context, filePath string) ([]byte, error) {
	return l.store.Read(ctx, path.Join(l.root, filePath))
}

// WriteDataFile stores a data file under the table root and returns
// the table-relative path for use in an add action.
func (l *Log) WriteDataFile(ctx context.Context, name string, data []byte) (string, int64, error) {
	rel := path.Join("data", name)
	res, err := l.store.Write(ctx, path.Join(l.root, rel), data, &storage.WriteOptions{
		ContentType: "application/vnd.apache.parquet",
	})
	if err != nil {
		return "", 0, err
	}
	return rel, res.Size, nil
}
