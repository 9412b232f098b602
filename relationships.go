package lakedb

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/kartikbazzad/lakedb/internal/codec"
	"github.com/kartikbazzad/lakedb/internal/errors"
	"github.com/kartikbazzad/lakedb/internal/types"
)

// Relationships is the typed-edge surface: directed, predicate-tagged
// tuples between entities, versioned and audited like entities.
type Relationships struct {
	db *DB
}

// RelateParams describes one edge.
type RelateParams struct {
	FromNamespace string
	FromID        string
	Predicate     string
	ToNamespace   string
	ToID          string
	Payload       map[string]any
	Actor         string
}

func (rp RelateParams) validate() error {
	ctx := map[string]string{"predicate": rp.Predicate}
	if err := errors.AssertValid(rp.FromNamespace != "" && rp.FromID != "", "relationship requires a source", ctx); err != nil {
		return err
	}
	if err := errors.AssertValid(rp.ToNamespace != "" && rp.ToID != "", "relationship requires a target", ctx); err != nil {
		return err
	}
	return errors.AssertValid(rp.Predicate != "", "relationship requires a predicate", ctx)
}

// relNamespace is the WAL namespace edges buffer under: the source
// namespace, so per-namespace ordering covers an entity's edges.
func relNamespace(fromNs string) string {
	return fromNs
}

func relationshipDoc(r *types.Relationship) map[string]any {
	doc := map[string]any{
		"fromNs":    r.FromNamespace,
		"fromId":    r.FromID,
		"predicate": r.Predicate,
		"toNs":      r.ToNamespace,
		"toId":      r.ToID,
		"version":   r.Version,
		"createdAt": r.CreatedAt,
		"createdBy": r.CreatedBy,
		"updatedAt": r.UpdatedAt,
		"updatedBy": r.UpdatedBy,
	}
	if r.Payload != nil {
		doc["payload"] = r.Payload
	}
	return doc
}

func relationshipFromDoc(doc map[string]any) *types.Relationship {
	r := &types.Relationship{}
	if v, ok := doc["fromNs"].(string); ok {
		r.FromNamespace = v
	}
	if v, ok := doc["fromId"].(string); ok {
		r.FromID = v
	}
	if v, ok := doc["predicate"].(string); ok {
		r.Predicate = v
	}
	if v, ok := doc["toNs"].(string); ok {
		r.ToNamespace = v
	}
	if v, ok := doc["toId"].(string); ok {
		r.ToID = v
	}
	r.Version = asInt64(doc["version"])
	r.CreatedAt = asInt64(doc["createdAt"])
	if v, ok := doc["createdBy"].(string); ok {
		r.CreatedBy = v
	}
	r.UpdatedAt = asInt64(doc["updatedAt"])
	if v, ok := doc["updatedBy"].(string); ok {
		r.UpdatedBy = v
	}
	if v, ok := doc["payload"].(map[string]any); ok {
		r.Payload = v
	}
	return r
}

func relationshipToRow(r *types.Relationship, deletedAt *int64) codec.RelationshipRow {
	payload := "{}"
	if r.Payload != nil {
		if data, err := json.Marshal(r.Payload); err == nil {
			payload = string(data)
		}
	}
	row := codec.RelationshipRow{
		FromNamespace: r.FromNamespace,
		FromID:        r.FromID,
		Predicate:     r.Predicate,
		ToNamespace:   r.ToNamespace,
		ToID:          r.ToID,
		Version:       r.Version,
		CreatedAt:     r.CreatedAt,
		CreatedBy:     r.CreatedBy,
		UpdatedAt:     r.UpdatedAt,
		UpdatedBy:     r.UpdatedBy,
		Payload:       payload,
	}
	row.DeletedAt = deletedAt
	return row
}

func relationshipFromRow(row codec.RelationshipRow) (*types.Relationship, bool) {
	r := &types.Relationship{
		FromNamespace: row.FromNamespace,
		FromID:        row.FromID,
		Predicate:     row.Predicate,
		ToNamespace:   row.ToNamespace,
		ToID:          row.ToID,
		Version:       row.Version,
		CreatedAt:     row.CreatedAt,
		CreatedBy:     row.CreatedBy,
		UpdatedAt:     row.UpdatedAt,
		UpdatedBy:     row.UpdatedBy,
	}
	if row.Payload != "" && row.Payload != "{}" {
		_ = json.Unmarshal([]byte(row.Payload), &r.Payload)
	}
	return r, row.DeletedAt == nil
}

// Relate upserts an edge: creating it at version 1, or bumping the
// version of an existing edge with a new payload.
func (rs *Relationships) Relate(ctx context.Context, params RelateParams) (*types.Relationship, error) {
	if err := rs.db.checkOpen(); err != nil {
		return nil, err
	}
	if err := params.validate(); err != nil {
		return nil, err
	}

	ns := relNamespace(params.FromNamespace)
	lock := rs.db.nsLock("rel:" + ns)
	lock.Lock()
	defer lock.Unlock()

	now := types.NowMillis()
	actor := params.Actor
	if actor == "" {
		actor = rs.db.actor
	}

	rel := &types.Relationship{
		FromNamespace: params.FromNamespace,
		FromID:        params.FromID,
		Predicate:     params.Predicate,
		ToNamespace:   params.ToNamespace,
		ToID:          params.ToID,
		Version:       1,
		CreatedAt:     now,
		CreatedBy:     actor,
		UpdatedAt:     now,
		UpdatedBy:     actor,
		Payload:       params.Payload,
	}

	op := types.OpCreate
	existing, err := rs.find(ctx, params.FromNamespace, params.FromID, params.Predicate, params.ToNamespace, params.ToID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		op = types.OpUpdate
		rel.Version = existing.Version + 1
		rel.CreatedAt = existing.CreatedAt
		rel.CreatedBy = existing.CreatedBy
	}

	ev := types.Event{
		ID: types.NewEventID(time.Now()),
		TS: now,
		Op: op,
		Target: types.Target{
			Kind:        types.TargetRelationship,
			Namespace:   params.FromNamespace,
			EntityID:    types.EntityID(params.FromNamespace, params.FromID),
			Predicate:   params.Predicate,
			ToNamespace: params.ToNamespace,
			ToID:        params.ToID,
		},
		After: relationshipDoc(rel),
		Actor: actor,
	}
	if err := rs.db.relWal.Append(ctx, ns, ev); err != nil {
		return nil, err
	}
	return rel, nil
}

// Unrelate removes an edge. Removing a missing edge is a no-op.
func (rs *Relationships) Unrelate(ctx context.Context, params RelateParams) error {
	if err := rs.db.checkOpen(); err != nil {
		return err
	}
	if err := params.validate(); err != nil {
		return err
	}

	ns := relNamespace(params.FromNamespace)
	lock := rs.db.nsLock("rel:" + ns)
	lock.Lock()
	defer lock.Unlock()

	existing, err := rs.find(ctx, params.FromNamespace, params.FromID, params.Predicate, params.ToNamespace, params.ToID)
	if err != nil {
		return err
	}
	if existing == nil {
		return nil
	}

	now := types.NowMillis()
	actor := params.Actor
	if actor == "" {
		actor = rs.db.actor
	}
	next := *existing
	next.Version = existing.Version + 1
	next.UpdatedAt = now
	next.UpdatedBy = actor

	ev := types.Event{
		ID: types.NewEventID(time.Now()),
		TS: now,
		Op: types.OpDelete,
		Target: types.Target{
			Kind:        types.TargetRelationship,
			Namespace:   params.FromNamespace,
			EntityID:    types.EntityID(params.FromNamespace, params.FromID),
			Predicate:   params.Predicate,
			ToNamespace: params.ToNamespace,
			ToID:        params.ToID,
		},
		Before: relationshipDoc(existing),
		After:  relationshipDoc(&next),
		Actor:  actor,
	}
	return rs.db.relWal.Append(ctx, ns, ev)
}

// RelationsOf lists the live outgoing edges of an entity, optionally
// narrowed to one predicate, ordered by (predicate, target).
func (rs *Relationships) RelationsOf(ctx context.Context, namespace, localID, predicate string) ([]*types.Relationship, error) {
	if err := rs.db.checkOpen(); err != nil {
		return nil, err
	}
	all, err := rs.collect(ctx, namespace)
	if err != nil {
		return nil, err
	}

	var out []*types.Relationship
	for _, rel := range all {
		if rel.FromID != localID {
			continue
		}
		if predicate != "" && rel.Predicate != predicate {
			continue
		}
		out = append(out, rel)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Predicate != out[j].Predicate {
			return out[i].Predicate < out[j].Predicate
		}
		if out[i].ToNamespace != out[j].ToNamespace {
			return out[i].ToNamespace < out[j].ToNamespace
		}
		return out[i].ToID < out[j].ToID
	})
	return out, nil
}

// find returns one live edge, nil when absent.
func (rs *Relationships) find(ctx context.Context, fromNs, fromID, predicate, toNs, toID string) (*types.Relationship, error) {
	all, err := rs.collect(ctx, fromNs)
	if err != nil {
		return nil, err
	}
	key := (&types.Relationship{
		FromNamespace: fromNs, FromID: fromID, Predicate: predicate,
		ToNamespace: toNs, ToID: toID,
	}).Key()
	if rel, ok := all[key]; ok {
		return rel, nil
	}
	return nil, nil
}

// collect merges committed relationship rows with unmaterialized WAL
// events for one source namespace. The returned map holds live edges
// only.
func (rs *Relationships) collect(ctx context.Context, fromNs string) (map[string]*types.Relationship, error) {
	snap, err := rs.db.relationships.Snapshot(ctx)
	if err != nil {
		return nil, err
	}

	type versioned struct {
		rel  *types.Relationship
		live bool
	}
	state := make(map[string]versioned)

	for _, add := range snap.Files {
		if add.PartitionValues["namespace"] != fromNs {
			continue
		}
		r, err := rs.db.reader(ctx, rs.db.relationships, add.Path)
		if err != nil {
			return nil, err
		}
		for rg := 0; rg < r.NumRowGroups(); rg++ {
			rows, err := r.ReadRelationshipRowGroup(rg)
			if err != nil {
				return nil, err
			}
			for _, row := range rows {
				rel, live := relationshipFromRow(row)
				key := rel.Key()
				if cur, ok := state[key]; !ok || rel.Version > cur.rel.Version {
					state[key] = versioned{rel: rel, live: live}
				}
			}
		}
	}

	apply := func(ev types.Event) {
		if ev.Target.Kind != types.TargetRelationship || ev.After == nil {
			return
		}
		rel := relationshipFromDoc(ev.After)
		key := rel.Key()
		if cur, ok := state[key]; ok && cur.rel.Version >= rel.Version {
			return
		}
		state[key] = versioned{rel: rel, live: ev.Op != types.OpDelete}
	}

	batches, err := rs.db.walStore.UnflushedBatchesForNamespace(ctx, relNamespace(fromNs))
	if err != nil {
		return nil, err
	}
	for _, b := range batches {
		for _, ev := range b.Events {
			apply(ev)
		}
	}
	for _, ev := range rs.db.relWal.Pending(relNamespace(fromNs)) {
		apply(ev)
	}

	out := make(map[string]*types.Relationship)
	for key, v := range state {
		if v.live {
			out[key] = v.rel
		}
	}
	return out, nil
}
