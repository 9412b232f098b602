package lakedb

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/kartikbazzad/lakedb/internal/codec"
	"github.com/kartikbazzad/lakedb/internal/delta"
	"github.com/kartikbazzad/lakedb/internal/index/btree"
	"github.com/kartikbazzad/lakedb/internal/index/fts"
	"github.com/kartikbazzad/lakedb/internal/index/hnsw"
	"github.com/kartikbazzad/lakedb/internal/query"
	"github.com/kartikbazzad/lakedb/internal/types"
	"github.com/kartikbazzad/lakedb/internal/variant"
	"github.com/kartikbazzad/lakedb/internal/wal"
)

// Materialize drains durable-but-unapplied WAL batches into table
// commits: per namespace, the latest state of every touched entity or
// relationship becomes a new Parquet data file referenced by an add
// action, and the raw events land in the events table for audit.
// A txn action records the highest applied batch id, so a crash
// between commit and mark-flushed replays idempotently.
func (db *DB) Materialize(ctx context.Context) error {
	db.materializeMu.Lock()
	defer db.materializeMu.Unlock()

	batches, err := db.walStore.UnflushedBatches(ctx)
	if err != nil {
		return err
	}
	if len(batches) == 0 {
		return nil
	}

	entitySnap, err := db.entities.Snapshot(ctx)
	if err != nil {
		return err
	}
	relSnap, err := db.relationships.Snapshot(ctx)
	if err != nil {
		return err
	}
	appliedEntity := entitySnap.TxnVersion(walAppID)
	appliedRel := relSnap.TxnVersion(walAppID)

	entityBatches := make(map[string][]wal.Batch)
	relBatches := make(map[string][]wal.Batch)
	var allEvents []types.Event
	maxID := int64(0)
	var doneIDs []int64

	for _, b := range batches {
		if len(b.Events) == 0 {
			doneIDs = append(doneIDs, b.ID)
			continue
		}
		kind := b.Events[0].Target.Kind
		if kind == types.TargetRelationship {
			if b.ID <= appliedRel {
				doneIDs = append(doneIDs, b.ID)
				continue
			}
			relBatches[b.Namespace] = append(relBatches[b.Namespace], b)
		} else {
			if b.ID <= appliedEntity {
				doneIDs = append(doneIDs, b.ID)
				continue
			}
			entityBatches[b.Namespace] = append(entityBatches[b.Namespace], b)
		}
		allEvents = append(allEvents, b.Events...)
		if b.ID > maxID {
			maxID = b.ID
		}
		doneIDs = append(doneIDs, b.ID)
	}

	if len(entityBatches) > 0 {
		if err := db.materializeEntities(ctx, entityBatches, maxID); err != nil {
			return err
		}
	}
	if len(relBatches) > 0 {
		if err := db.materializeRelationships(ctx, relBatches, maxID); err != nil {
			return err
		}
	}
	if len(allEvents) > 0 {
		if err := db.materializeEvents(ctx, allEvents); err != nil {
			return err
		}
	}

	if err := db.walStore.MarkFlushed(ctx, doneIDs); err != nil {
		return err
	}
	db.metrics.EventsFlushed.Add(float64(len(allEvents)))
	db.metrics.EventsBuffered.Set(float64(db.entityWal.PendingCount() + db.relWal.PendingCount()))
	if db.cfg.WAL.Retention > 0 {
		if _, err := db.walStore.Prune(ctx, time.Now().Add(-db.cfg.WAL.Retention)); err != nil {
			return err
		}
	}
	return nil
}

func (db *DB) materializeEntities(ctx context.Context, groups map[string][]wal.Batch, maxID int64) error {
	var actions []delta.Action

	for ns, batches := range groups {
		// Latest committed state of the touched ids, then overlay.
		touched := make(map[string]*types.Entity)
		current, err := db.collectEntities(ctx, ns, query.Filter{})
		if err != nil {
			return err
		}
		for _, b := range batches {
			for _, ev := range b.Events {
				if ev.Target.Kind != types.TargetEntity || ev.After == nil {
					continue
				}
				e := entityFromDoc(ev.After)
				if cur, ok := current[e.ID]; ok && cur.Version >= e.Version {
					// already materialized (replay)
					continue
				}
				if cur, ok := touched[e.ID]; !ok || e.Version > cur.Version {
					touched[e.ID] = e
				}
			}
		}
		if len(touched) == 0 {
			continue
		}

		var samples []map[string]any
		for _, e := range touched {
			if e.Payload != nil {
				samples = append(samples, e.Payload)
			}
		}
		shredCfg := db.shredConfig(ns)
		if shredCfg == nil && db.cfg.Index.AutoDetectThreshold > 0 {
			// No declared projection: promote hot payload fields seen
			// often enough in this batch.
			if promoted := variant.AutoDetect(samples, db.cfg.Index.AutoDetectThreshold); len(promoted) > 0 {
				shredCfg = &variant.Config{Column: "payload", Fields: promoted}
			}
		}
		sa := variant.Assign(shredCfg, samples)

		rows := make([]codec.EntityRow, 0, len(touched))
		stats := &delta.FileStats{
			MinValues: map[string]any{},
			MaxValues: map[string]any{},
			NullCount: map[string]int64{},
		}
		for _, e := range liveAndDead(touched) {
			row, err := entityToRow(e, ns, sa)
			if err != nil {
				return err
			}
			rows = append(rows, row)
			foldStats(stats, row)
		}
		stats.NumRecords = int64(len(rows))

		data, err := codec.WriteEntities(rows, &codec.WriteOptions{
			BloomColumns: []string{"id"},
			Metadata: map[string]string{
				codec.MetaNamespace: ns,
				codec.MetaShredMap:  codec.EncodeShredMap(sa.ShredMap("payload")),
			},
		})
		if err != nil {
			return err
		}
		path, size, err := db.entities.WriteDataFile(ctx, dataFileName(ns), data)
		if err != nil {
			return err
		}
		actions = append(actions, delta.Action{Add: &delta.AddAction{
			Path:             path,
			Size:             size,
			ModificationTime: types.NowMillis(),
			DataChange:       true,
			PartitionValues:  map[string]string{"namespace": ns},
			Stats:            stats.Encode(),
		}})

		db.updateIndexes(ns, touched)
		db.log.Debug().Str("namespace", ns).Int("entities", len(rows)).Msg("materialized entity batch")
	}

	if len(actions) == 0 {
		return nil
	}
	actions = append(actions,
		delta.Action{Txn: &delta.TxnAction{AppID: walAppID, Version: maxID, LastUpdated: types.NowMillis()}},
		delta.Action{CommitInfo: &delta.CommitInfoAction{
			Timestamp: types.NowMillis(),
			Operation: "WRITE",
			TxnID:     uuid.NewString(),
		}},
	)
	if _, err := db.entities.Commit(ctx, actions); err != nil {
		return err
	}
	db.metrics.Commits.Inc()
	return nil
}

// liveAndDead returns all entities, tombstones included, sorted by id
// so files stay ordered.
func liveAndDead(m map[string]*types.Entity) []*types.Entity {
	out := make([]*types.Entity, 0, len(m))
	for _, e := range m {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// foldStats accumulates add-action statistics over the columns the
// planner prunes on.
func foldStats(fs *delta.FileStats, row codec.EntityRow) {
	foldMinMax(fs, "id", row.ID)
	foldMinMax(fs, "version", row.Version)
	foldMinMax(fs, "updated_at", row.UpdatedAt)
	if row.DeletedAt == nil {
		fs.NullCount["deleted_at"]++
	} else {
		foldMinMax(fs, "deleted_at", *row.DeletedAt)
	}
}

func foldMinMax(fs *delta.FileStats, col string, v any) {
	if cur, ok := fs.MinValues[col]; !ok || lessAny(v, cur) {
		fs.MinValues[col] = v
	}
	if cur, ok := fs.MaxValues[col]; !ok || lessAny(cur, v) {
		fs.MaxValues[col] = v
	}
}

func lessAny(a, b any) bool {
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av < bv
	case int64:
		switch bv := b.(type) {
		case int64:
			return av < bv
		case float64:
			return float64(av) < bv
		}
	case float64:
		switch bv := b.(type) {
		case int64:
			return av < float64(bv)
		case float64:
			return av < bv
		}
	}
	return false
}

func (db *DB) materializeRelationships(ctx context.Context, groups map[string][]wal.Batch, maxID int64) error {
	var actions []delta.Action

	for ns, batches := range groups {
		touched := make(map[string]*types.Relationship)
		deleted := make(map[string]*types.Relationship)
		for _, b := range batches {
			for _, ev := range b.Events {
				if ev.Target.Kind != types.TargetRelationship || ev.After == nil {
					continue
				}
				rel := relationshipFromDoc(ev.After)
				key := rel.Key()
				if ev.Op == types.OpDelete {
					delete(touched, key)
					deleted[key] = rel
				} else {
					delete(deleted, key)
					touched[key] = rel
				}
			}
		}
		if len(touched) == 0 && len(deleted) == 0 {
			continue
		}

		var rows []codec.RelationshipRow
		for _, rel := range touched {
			rows = append(rows, relationshipToRow(rel, nil))
		}
		now := types.NowMillis()
		for _, rel := range deleted {
			rows = append(rows, relationshipToRow(rel, &now))
		}

		data, err := codec.WriteRelationships(rows, &codec.WriteOptions{
			Metadata: map[string]string{codec.MetaNamespace: ns},
		})
		if err != nil {
			return err
		}
		path, size, err := db.relationships.WriteDataFile(ctx, dataFileName(ns), data)
		if err != nil {
			return err
		}
		actions = append(actions, delta.Action{Add: &delta.AddAction{
			Path:             path,
			Size:             size,
			ModificationTime: types.NowMillis(),
			DataChange:       true,
			PartitionValues:  map[string]string{"namespace": ns},
		}})
	}

	if len(actions) == 0 {
		return nil
	}
	actions = append(actions,
		delta.Action{Txn: &delta.TxnAction{AppID: walAppID, Version: maxID, LastUpdated: types.NowMillis()}},
		delta.Action{CommitInfo: &delta.CommitInfoAction{
			Timestamp: types.NowMillis(),
			Operation: "WRITE",
			TxnID:     uuid.NewString(),
		}},
	)
	if _, err := db.relationships.Commit(ctx, actions); err != nil {
		return err
	}
	db.metrics.Commits.Inc()
	return nil
}

// materializeEvents appends the raw event stream to the events table.
func (db *DB) materializeEvents(ctx context.Context, events []types.Event) error {
	rows := make([]codec.EventRow, 0, len(events))
	for _, ev := range events {
		row := codec.EventRow{
			ID:          ev.ID,
			TS:          ev.TS,
			Op:          string(ev.Op),
			TargetKind:  string(ev.Target.Kind),
			Namespace:   ev.Target.Namespace,
			EntityID:    ev.Target.EntityID,
			Predicate:   ev.Target.Predicate,
			ToNamespace: ev.Target.ToNamespace,
			ToID:        ev.Target.ToID,
			Actor:       ev.Actor,
		}
		if ev.Before != nil {
			if data, err := json.Marshal(ev.Before); err == nil {
				row.Before = string(data)
			}
		}
		if ev.After != nil {
			if data, err := json.Marshal(ev.After); err == nil {
				row.After = string(data)
			}
		}
		rows = append(rows, row)
	}

	data, err := codec.WriteEvents(rows, &codec.WriteOptions{BloomColumns: []string{"entity_id"}})
	if err != nil {
		return err
	}
	path, size, err := db.events.WriteDataFile(ctx, dataFileName("events"), data)
	if err != nil {
		return err
	}
	_, err = db.events.Commit(ctx, []delta.Action{{Add: &delta.AddAction{
		Path:             path,
		Size:             size,
		ModificationTime: types.NowMillis(),
		DataChange:       true,
	}}})
	if err != nil {
		return err
	}
	db.metrics.Commits.Inc()
	return nil
}

// updateIndexes folds freshly materialized entities into the
// namespace's secondary indexes. Index writes happen here, serialized
// with the flush that produced them.
func (db *DB) updateIndexes(ns string, touched map[string]*types.Entity) {
	db.mu.RLock()
	blm := db.bloomIdx[ns]
	var ftsIndexes []*nsFTS
	for key, ix := range db.ftsIdx {
		if nsOf(key) == ns {
			ftsIndexes = append(ftsIndexes, &nsFTS{ix: ix, fields: db.ftsFields[key]})
		}
	}
	var vectors []*nsVector
	for key, ix := range db.vector {
		if nsOf(key) == ns {
			vectors = append(vectors, &nsVector{ix: ix, field: db.vectorFields[key]})
		}
	}
	var fieldIndexes []*btree.Index
	for key, ix := range db.fieldIdx {
		if nsOf(key) == ns {
			fieldIndexes = append(fieldIndexes, ix)
		}
	}
	db.mu.RUnlock()

	for _, e := range touched {
		doc := entityDoc(e)
		if blm != nil && !e.Deleted() {
			blm.AddRow(doc)
		}
		for _, nf := range ftsIndexes {
			if e.Deleted() {
				nf.ix.Remove(e.ID)
				continue
			}
			nf.ix.Add(e.ID, ftsText(doc, nf.fields))
		}
		for _, nv := range vectors {
			if e.Deleted() {
				nv.ix.Delete(e.ID)
				continue
			}
			if vec, ok := vectorFromDoc(doc, nv.field); ok {
				nv.ix.Update(e.ID, 0, 0, vec)
			}
		}
		for _, fi := range fieldIndexes {
			if !e.Deleted() {
				fi.AddRow(e.ID, doc)
			}
		}
	}
}

type nsFTS struct {
	ix     *fts.Index
	fields []string
}

type nsVector struct {
	ix    *hnsw.Index
	field string
}
