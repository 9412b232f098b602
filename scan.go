package lakedb

import (
	"context"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/kartikbazzad/lakedb/internal/codec"
	"github.com/kartikbazzad/lakedb/internal/delta"
	"github.com/kartikbazzad/lakedb/internal/query"
	"github.com/kartikbazzad/lakedb/internal/types"
	"github.com/kartikbazzad/lakedb/internal/variant"
)

// coreColumns maps logical document fields onto physical columns of
// the entity file schema.
var coreColumns = map[string]string{
	"$id":       "id",
	"$type":     "type",
	"name":      "name",
	"createdAt": "created_at",
	"createdBy": "created_by",
	"updatedAt": "updated_at",
	"updatedBy": "updated_by",
	"deletedAt": "deleted_at",
	"deletedBy": "deleted_by",
	"version":   "version",
}

// fileShredConfig reconstructs the writer's shred projection from the
// file's recorded shred map, so every file is read with the config it
// was written under.
func fileShredConfig(sm codec.ShredMap) *variant.Config {
	if len(sm) == 0 {
		return nil
	}
	cfg := &variant.Config{Column: "payload"}
	for physical := range sm {
		// payload.typed_value.<field>.typed_value
		rest := strings.TrimPrefix(physical, "payload.typed_value.")
		field := strings.TrimSuffix(rest, ".typed_value")
		if field != "" && field != physical {
			cfg.Fields = append(cfg.Fields, field)
		}
	}
	sort.Strings(cfg.Fields)
	return cfg
}

// columnMapper resolves rewritten filter fields to stats columns:
// core document fields map statically, shredded typed_value paths map
// through the file's shred map, everything else has no stats column.
func columnMapper(sm codec.ShredMap) query.PathMapper {
	return func(field string) string {
		if col, ok := coreColumns[field]; ok {
			return col
		}
		if col, ok := sm[field]; ok {
			return col
		}
		return ""
	}
}

// fileLevelStats converts an add action's serialized stats into the
// planner's column stats shape.
func fileLevelStats(add delta.AddAction) map[string]codec.ColumnStats {
	fs := delta.DecodeFileStats(add.Stats)
	if fs == nil {
		return nil
	}
	out := make(map[string]codec.ColumnStats)
	for col, mn := range fs.MinValues {
		cs := out[col]
		cs.Min = mn
		cs.HasMinMax = true
		out[col] = cs
	}
	for col, mx := range fs.MaxValues {
		cs := out[col]
		cs.Max = mx
		if cs.Min == nil {
			cs.Min = mx
		}
		cs.HasMinMax = true
		out[col] = cs
	}
	for col, nulls := range fs.NullCount {
		cs := out[col]
		cs.NullCount = nulls
		out[col] = cs
	}
	return out
}

// collectEntities scans the committed table state of one namespace,
// pruning files and row groups against the filter, and returns the
// newest version of every surviving entity (tombstones included — the
// caller decides their fate).
func (db *DB) collectEntities(ctx context.Context, ns string, f query.Filter) (map[string]*types.Entity, error) {
	snap, err := db.entities.Snapshot(ctx)
	if err != nil {
		return nil, err
	}

	var files []delta.AddAction
	for _, add := range snap.Files {
		if add.PartitionValues["namespace"] == ns {
			files = append(files, add)
		}
	}

	out := make(map[string]*types.Entity)
	if len(files) == 0 {
		return out, nil
	}

	// The namespace bloom index answers equality membership for the
	// whole materialized table; a definitive miss skips every file.
	// WAL overlay still runs — buffered events are not in the bloom.
	db.mu.RLock()
	blm := db.bloomIdx[ns]
	db.mu.RUnlock()
	if blm != nil && len(f) > 0 && !blm.MightMatch(f) {
		db.metrics.RowGroupsPruned.Inc()
		return out, nil
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(db.cfg.Query.MaxConcurrentScans, 1))

	for _, add := range files {
		add := add
		g.Go(func() error {
			entities, err := db.scanFile(gctx, add, f)
			if err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			for id, e := range entities {
				if cur, ok := out[id]; !ok || e.Version > cur.Version {
					out[id] = e
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// scanFile reads one data file, pruning row groups first. The filter
// is only used to skip work: survivors are returned unfiltered so the
// caller can overlay WAL events before predicate evaluation.
func (db *DB) scanFile(ctx context.Context, add delta.AddAction, f query.Filter) (map[string]*types.Entity, error) {
	// File-level pruning from the add action's stats, which use
	// physical column names already.
	if fls := fileLevelStats(add); fls != nil {
		if query.CanPruneRowGroup(f, fls, columnMapper(nil)) {
			db.metrics.RowGroupsPruned.Inc()
			return nil, nil
		}
	}

	r, err := db.reader(ctx, db.entities, add.Path)
	if err != nil {
		return nil, err
	}
	sm := codec.DecodeShredMap(metaOr(r, codec.MetaShredMap))
	rewritten := db.rewriteForFile(f, fileShredConfig(sm))
	mapper := columnMapper(sm)

	out := make(map[string]*types.Entity)
	for rg := 0; rg < r.NumRowGroups(); rg++ {
		stats, err := r.RowGroupStats(rg)
		if err == nil && stats != nil {
			if query.CanPruneRowGroup(rewritten, stats, mapper) {
				db.metrics.RowGroupsPruned.Inc()
				continue
			}
		}
		bloomCheck := func(field string, value any) bool {
			col := mapper(field)
			if col == "" {
				return true
			}
			ok, err := r.BloomMightContain(rg, col, value)
			if err != nil {
				return true
			}
			return ok
		}
		if query.CanPruneWithBloom(rewritten, bloomCheck) {
			db.metrics.RowGroupsPruned.Inc()
			continue
		}

		db.metrics.RowGroupsScanned.Inc()
		rows, err := r.ReadEntityRowGroup(rg)
		if err != nil {
			return nil, err
		}
		for _, row := range rows {
			e, err := entityFromRow(row)
			if err != nil {
				return nil, err
			}
			if cur, ok := out[e.ID]; !ok || e.Version > cur.Version {
				out[e.ID] = e
			}
		}
	}
	return out, nil
}

// rewriteForFile applies the file's shred projection to the filter so
// pruning sees the typed_value spellings its shred map records.
func (db *DB) rewriteForFile(f query.Filter, cfg *variant.Config) query.Filter {
	if cfg == nil {
		return f
	}
	return cfg.RewriteFilter(f)
}

func metaOr(r *codec.Reader, key string) string {
	v, _ := r.Metadata(key)
	return v
}

// overlayWAL applies not-yet-materialized events — durable unflushed
// batches first, in (min_ts, first_seq) order and then by position
// within the batch, then in-memory buffered events.
func (db *DB) overlayWAL(ctx context.Context, ns string, m map[string]*types.Entity) error {
	batches, err := db.walStore.UnflushedBatchesForNamespace(ctx, ns)
	if err != nil {
		return err
	}
	for _, b := range batches {
		for _, ev := range b.Events {
			applyEntityEvent(m, ev)
		}
	}
	for _, ev := range db.entityWal.Pending(ns) {
		applyEntityEvent(m, ev)
	}
	return nil
}

// applyEntityEvent folds one event into the entity map.
func applyEntityEvent(m map[string]*types.Entity, ev types.Event) {
	if ev.Target.Kind != types.TargetEntity {
		return
	}
	switch ev.Op {
	case types.OpCreate, types.OpUpdate, types.OpDelete:
		if ev.After == nil {
			return
		}
		e := entityFromDoc(ev.After)
		if cur, ok := m[e.ID]; !ok || e.Version > cur.Version {
			m[e.ID] = e
		}
	}
}

// liveEntities drops tombstones and returns entities sorted by id.
func liveEntities(m map[string]*types.Entity) []*types.Entity {
	out := make([]*types.Entity, 0, len(m))
	for _, e := range m {
		if !e.Deleted() {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
