// Package lakedb is an embeddable document database whose durable
// format is open columnar tables: Parquet data files organized under
// Delta-style transaction logs on a pluggable blob store.
//
// Applications read and write JSON-shaped entities and typed
// relationships through a MongoDB-style query API. Mutations flow
// through per-namespace WAL buffers into versioned table commits;
// reads plan against row-group statistics and secondary indexes
// (bloom, HNSW vector, full-text, Hilbert geo, B-tree) before touching
// data pages.
//
// Write path: Collection -> version check -> WAL buffer -> flush ->
// table commit -> storage. Read path: Collection -> planner -> table
// snapshot -> Parquet row groups, merged with not-yet-materialized
// WAL events in sequence order.
package lakedb

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/kartikbazzad/lakedb/internal/codec"
	"github.com/kartikbazzad/lakedb/internal/config"
	"github.com/kartikbazzad/lakedb/internal/delta"
	"github.com/kartikbazzad/lakedb/internal/errors"
	"github.com/kartikbazzad/lakedb/internal/index/bloom"
	"github.com/kartikbazzad/lakedb/internal/index/btree"
	"github.com/kartikbazzad/lakedb/internal/index/fts"
	"github.com/kartikbazzad/lakedb/internal/index/hnsw"
	"github.com/kartikbazzad/lakedb/internal/logger"
	"github.com/kartikbazzad/lakedb/internal/metrics"
	"github.com/kartikbazzad/lakedb/internal/storage"
	"github.com/kartikbazzad/lakedb/internal/types"
	"github.com/kartikbazzad/lakedb/internal/variant"
	"github.com/kartikbazzad/lakedb/internal/wal"
)

const (
	entitiesTableRoot      = "tables/entities"
	relationshipsTableRoot = "tables/relationships"
	eventsTableRoot        = "tables/events"

	// walAppID keys the txn actions that make WAL materialization
	// idempotent across crashes.
	walAppID = "wal"
)

// DB is one database instance.
//
// Thread Safety: all public methods are safe for concurrent use.
// Entity writes serialize per namespace; the commit log serializes
// cross-process via storage-level conditional writes.
type DB struct {
	cfg     *config.Config
	backend storage.Backend
	log     zerolog.Logger
	metrics *metrics.Metrics

	entities      *delta.Log
	relationships *delta.Log
	events        *delta.Log

	walStore  *wal.Store
	entityWal *wal.BufferManager
	relWal    *wal.BufferManager

	pool       *ants.Pool
	readerCache *lru.Cache[string, *codec.Reader]

	mu           sync.RWMutex // guards the maps below and closed
	nsLocks      map[string]*sync.Mutex
	shred        map[string]*variant.Config
	vector       map[string]*hnsw.Index // key ns "." name
	vectorFields map[string]string      // key -> payload field holding the vector
	ftsIdx       map[string]*fts.Index  // key ns "." name
	ftsFields    map[string][]string    // key -> document fields indexed
	bloomIdx     map[string]*bloom.Index
	fieldIdx     map[string]*btree.Index // key ns "." field

	materializeMu sync.Mutex
	closed        bool

	stopCh chan struct{}
	loopWg sync.WaitGroup

	actor string
}

// Option configures Open.
type Option func(*openOptions)

type openOptions struct {
	backend  storage.Backend
	registry prometheus.Registerer
	actor    string
}

// WithBackend supplies a pre-built storage backend, overriding the
// configured one. Tests use this to share a Memory store.
func WithBackend(b storage.Backend) Option {
	return func(o *openOptions) { o.backend = b }
}

// WithMetricsRegistry registers collectors on reg.
func WithMetricsRegistry(reg prometheus.Registerer) Option {
	return func(o *openOptions) { o.registry = reg }
}

// WithActor sets the default audit actor.
func WithActor(actor string) Option {
	return func(o *openOptions) { o.actor = actor }
}

// Open builds a DB from cfg, bootstrapping the table logs on first
// use.
func Open(ctx context.Context, cfg *config.Config, opts ...Option) (*DB, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var oo openOptions
	for _, opt := range opts {
		opt(&oo)
	}

	log := logger.New(logger.Config{Level: cfg.Log.Level, JSONOutput: cfg.Log.JSONOutput})

	backend := oo.backend
	if backend == nil {
		var err error
		switch cfg.Storage.Backend {
		case "memory":
			backend = storage.NewMemory()
		case "filesystem":
			backend, err = storage.NewFilesystem(cfg.DataDir)
		case "sqlite":
			path := cfg.Storage.SQLitePath
			if path == "" {
				path = filepath.Join(cfg.DataDir, "store.db")
			}
			backend, err = storage.NewSQLite(path)
		case "s3":
			backend, err = storage.NewS3(ctx, storage.S3Config{
				Bucket:   cfg.Storage.Bucket,
				Region:   cfg.Storage.Region,
				Endpoint: cfg.Storage.Endpoint,
			})
		}
		if err != nil {
			return nil, err
		}
	}

	walPath := cfg.WAL.Path
	if walPath == "" {
		if cfg.Storage.Backend == "filesystem" {
			walPath = filepath.Join(cfg.DataDir, "wal.db")
		} else {
			walPath = ":memory:"
		}
	}
	walStore, err := wal.OpenStore(walPath)
	if err != nil {
		backend.Close()
		return nil, err
	}

	pool, err := ants.NewPool(4, ants.WithNonblocking(false))
	if err != nil {
		walStore.Close()
		backend.Close()
		return nil, errors.Wrap(err, errors.CodeInternal, "creating worker pool")
	}

	readerCache, err := lru.New[string, *codec.Reader](max(cfg.Query.StatsCacheSize, 16))
	if err != nil {
		pool.Release()
		walStore.Close()
		backend.Close()
		return nil, errors.Wrap(err, errors.CodeInternal, "creating reader cache")
	}

	bpCfg := wal.BackpressureConfig{
		MaxBufferSizeBytes:  cfg.Backpressure.MaxBufferSizeBytes,
		MaxBufferEventCount: cfg.Backpressure.MaxBufferEventCount,
		MaxPendingFlushes:   cfg.Backpressure.MaxPendingFlushes,
		ReleaseThreshold:    cfg.Backpressure.ReleaseThreshold,
		Timeout:             cfg.Backpressure.Timeout,
	}
	bufCfg := wal.BufferConfig{
		EventBatchCountThreshold: cfg.WAL.EventBatchCountThreshold,
		EventBatchSizeThreshold:  cfg.WAL.EventBatchSizeThreshold,
	}

	walLog := logger.Component(log, "wal")
	db := &DB{
		cfg:         cfg,
		backend:     backend,
		log:         log,
		metrics:     metrics.New(oo.registry),
		walStore:    walStore,
		entityWal:   wal.NewBufferManager(bufCfg, wal.NewBackpressure(bpCfg), walStore, walLog),
		relWal:      wal.NewBufferManager(bufCfg, wal.NewBackpressure(bpCfg), walStore, walLog),
		pool:        pool,
		readerCache: readerCache,
		nsLocks:      make(map[string]*sync.Mutex),
		shred:        make(map[string]*variant.Config),
		vector:       make(map[string]*hnsw.Index),
		vectorFields: make(map[string]string),
		ftsIdx:       make(map[string]*fts.Index),
		ftsFields:    make(map[string][]string),
		bloomIdx:     make(map[string]*bloom.Index),
		fieldIdx:     make(map[string]*btree.Index),
		stopCh:       make(chan struct{}),
		actor:        oo.actor,
	}
	if db.actor == "" {
		db.actor = "system"
	}

	deltaOpts := []delta.Option{
		delta.WithCheckpointInterval(cfg.Checkpoint.Interval),
		delta.WithLogger(logger.Component(log, "delta")),
	}
	db.entities = delta.NewLog(backend, entitiesTableRoot, deltaOpts...)
	db.relationships = delta.NewLog(backend, relationshipsTableRoot, deltaOpts...)
	db.events = delta.NewLog(backend, eventsTableRoot, deltaOpts...)

	// Durable flushes schedule materialization in the background; an
	// explicit Sync drains synchronously. Both paths are idempotent
	// under the txn guard, so double-runs are harmless.
	schedule := func(string, int64) {
		db.metrics.FlushBatches.Inc()
		_ = pool.Submit(func() {
			if err := db.Materialize(context.Background()); err != nil {
				db.log.Warn().Err(err).Msg("background materialization failed")
			}
		})
	}
	db.entityWal.OnFlush(schedule)
	db.relWal.OnFlush(schedule)

	for _, tbl := range []struct {
		log  *delta.Log
		name string
	}{
		{db.entities, "entities"},
		{db.relationships, "relationships"},
		{db.events, "events"},
	} {
		if err := bootstrapTable(ctx, tbl.log, tbl.name); err != nil {
			db.Close(ctx)
			return nil, err
		}
	}

	if cfg.WAL.FlushInterval > 0 {
		db.loopWg.Add(1)
		go db.flushLoop(cfg.WAL.FlushInterval)
	}

	log.Info().Str("backend", cfg.Storage.Backend).Msg("database open")
	return db, nil
}

// flushLoop periodically force-flushes partial buffers so low-traffic
// namespaces still reach durable storage within the interval.
func (db *DB) flushLoop(interval time.Duration) {
	defer db.loopWg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-db.stopCh:
			return
		case <-ticker.C:
			ctx := context.Background()
			if err := db.entityWal.FlushAll(ctx); err != nil {
				db.log.Warn().Err(err).Msg("periodic entity flush failed")
			}
			if err := db.relWal.FlushAll(ctx); err != nil {
				db.log.Warn().Err(err).Msg("periodic relationship flush failed")
			}
		}
	}
}

// bootstrapTable writes protocol and metaData for an empty log.
func bootstrapTable(ctx context.Context, log *delta.Log, name string) error {
	version, err := log.Version(ctx)
	if err != nil {
		return err
	}
	if version >= 0 {
		return nil
	}
	_, err = log.Commit(ctx, []delta.Action{
		{Protocol: &delta.ProtocolAction{MinReaderVersion: 1, MinWriterVersion: 2}},
		{MetaData: &delta.MetaDataAction{
			ID:               uuid.NewString(),
			Name:             name,
			SchemaString:     `{"type":"struct"}`,
			PartitionColumns: []string{"namespace"},
			CreatedTime:      types.NowMillis(),
			Format:           &delta.Format{Provider: "parquet"},
		}},
	})
	if errors.CodeOf(err) == errors.CodeVersionConflict {
		// Another opener bootstrapped first.
		return nil
	}
	return err
}

// nsLock returns the write lock of a namespace.
func (db *DB) nsLock(ns string) *sync.Mutex {
	db.mu.Lock()
	defer db.mu.Unlock()
	l, ok := db.nsLocks[ns]
	if !ok {
		l = &sync.Mutex{}
		db.nsLocks[ns] = l
	}
	return l
}

func (db *DB) checkOpen() error {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return errors.New(errors.CodeInternal, "database is closed")
	}
	return nil
}

// Collection returns the entity surface of one namespace. Namespaces
// are plural-cased by convention (e.g. "posts").
func (db *DB) Collection(namespace string) *Collection {
	return &Collection{db: db, ns: namespace}
}

// Relationships returns the relationship surface.
func (db *DB) Relationships() *Relationships {
	return &Relationships{db: db}
}

// SetShredConfig declares the hot payload fields of a namespace. New
// data files written for the namespace shred these fields into typed
// columns; existing files keep their recorded projection.
func (db *DB) SetShredConfig(namespace string, fields []string) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.shred[namespace] = &variant.Config{
		Column:              "payload",
		Fields:              append([]string(nil), fields...),
		AutoDetectThreshold: db.cfg.Index.AutoDetectThreshold,
	}
}

func (db *DB) shredConfig(namespace string) *variant.Config {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.shred[namespace]
}

// Sync force-flushes every buffer and materializes the WAL into table
// commits. Readers opened on the same store afterwards see all data.
func (db *DB) Sync(ctx context.Context) error {
	if err := db.checkOpen(); err != nil {
		return err
	}
	if err := db.entityWal.FlushAll(ctx); err != nil {
		return err
	}
	if err := db.relWal.FlushAll(ctx); err != nil {
		return err
	}
	return db.Materialize(ctx)
}

// Close flushes, materializes, persists indexes and releases
// resources.
func (db *DB) Close(ctx context.Context) error {
	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return nil
	}
	db.closed = true
	db.mu.Unlock()

	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	close(db.stopCh)
	db.loopWg.Wait()

	// Stop background materialization first so the final drain below
	// races nothing; queued tasks get a grace period to finish.
	if err := db.pool.ReleaseTimeout(5 * time.Second); err != nil {
		db.log.Warn().Err(err).Msg("worker pool did not drain cleanly")
	}

	keep(db.entityWal.FlushAll(ctx))
	keep(db.relWal.FlushAll(ctx))
	keep(db.Materialize(ctx))
	keep(db.saveIndexes(ctx))

	keep(db.walStore.Close())
	keep(db.backend.Close())

	db.log.Info().Msg("database closed")
	return firstErr
}

// reader returns a cached parquet reader for a table-relative file.
func (db *DB) reader(ctx context.Context, log *delta.Log, filePath string) (*codec.Reader, error) {
	key := log.Root() + "/" + filePath
	if r, ok := db.readerCache.Get(key); ok {
		return r, nil
	}
	data, err := log.ReadFile(ctx, filePath)
	if err != nil {
		return nil, err
	}
	r, err := codec.Open(data)
	if err != nil {
		return nil, err
	}
	db.readerCache.Add(key, r)
	return r, nil
}

// entityDoc renders an entity as the document shape filters see.
func entityDoc(e *types.Entity) map[string]any {
	doc := map[string]any{
		"$id":       e.ID,
		"$type":     e.Type,
		"name":      e.Name,
		"createdAt": e.CreatedAt,
		"createdBy": e.CreatedBy,
		"updatedAt": e.UpdatedAt,
		"updatedBy": e.UpdatedBy,
		"version":   e.Version,
	}
	if e.DeletedAt != nil {
		doc["deletedAt"] = *e.DeletedAt
	}
	if e.DeletedBy != nil {
		doc["deletedBy"] = *e.DeletedBy
	}
	if e.Payload != nil {
		doc["payload"] = e.Payload
	}
	return doc
}

// entityFromDoc is the inverse of entityDoc; events carry docs.
func entityFromDoc(doc map[string]any) *types.Entity {
	e := &types.Entity{}
	if v, ok := doc["$id"].(string); ok {
		e.ID = v
	}
	if v, ok := doc["$type"].(string); ok {
		e.Type = v
	}
	if v, ok := doc["name"].(string); ok {
		e.Name = v
	}
	e.CreatedAt = asInt64(doc["createdAt"])
	if v, ok := doc["createdBy"].(string); ok {
		e.CreatedBy = v
	}
	e.UpdatedAt = asInt64(doc["updatedAt"])
	if v, ok := doc["updatedBy"].(string); ok {
		e.UpdatedBy = v
	}
	e.Version = asInt64(doc["version"])
	if v, ok := doc["deletedAt"]; ok && v != nil {
		ts := asInt64(v)
		e.DeletedAt = &ts
	}
	if v, ok := doc["deletedBy"].(string); ok {
		e.DeletedBy = &v
	}
	if v, ok := doc["payload"].(map[string]any); ok {
		e.Payload = v
	}
	return e
}

func asInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case float64:
		return int64(n)
	case int:
		return int64(n)
	case json.Number:
		i, _ := n.Int64()
		return i
	}
	return 0
}

// entityToRow converts an entity to its physical shape, applying the
// namespace's shred assignment.
func entityToRow(e *types.Entity, ns string, sa *variant.SlotAssignment) (codec.EntityRow, error) {
	payload := "{}"
	if e.Payload != nil {
		data, err := json.Marshal(e.Payload)
		if err != nil {
			return codec.EntityRow{}, errors.Wrap(err, errors.CodeInvalidInput, "encoding payload")
		}
		payload = string(data)
	}
	row := codec.EntityRow{
		ID:        e.ID,
		Namespace: ns,
		Type:      e.Type,
		Name:      e.Name,
		CreatedAt: e.CreatedAt,
		CreatedBy: e.CreatedBy,
		UpdatedAt: e.UpdatedAt,
		UpdatedBy: e.UpdatedBy,
		DeletedAt: e.DeletedAt,
		DeletedBy: e.DeletedBy,
		Version:   e.Version,
		Payload:   payload,
	}
	if sa != nil && e.Payload != nil {
		sa.Apply(&row, e.Payload)
	}
	return row, nil
}

// entityFromRow converts a physical row back.
func entityFromRow(row codec.EntityRow) (*types.Entity, error) {
	e := &types.Entity{
		ID:        row.ID,
		Type:      row.Type,
		Name:      row.Name,
		CreatedAt: row.CreatedAt,
		CreatedBy: row.CreatedBy,
		UpdatedAt: row.UpdatedAt,
		UpdatedBy: row.UpdatedBy,
		DeletedAt: row.DeletedAt,
		DeletedBy: row.DeletedBy,
		Version:   row.Version,
	}
	if row.Payload != "" && row.Payload != "{}" {
		if err := json.Unmarshal([]byte(row.Payload), &e.Payload); err != nil {
			return nil, errors.Wrap(err, errors.CodeStorageReadError, "decoding payload").
				WithContext("entityId", row.ID)
		}
	}
	return e, nil
}

// dataFileName builds a unique data file name.
func dataFileName(ns string) string {
	return fmt.Sprintf("%s-%s.parquet", ns, types.NewEventID(time.Now()))
}
