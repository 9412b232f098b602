package lakedb

import (
	"context"
	"time"

	"github.com/kartikbazzad/lakedb/internal/errors"
	"github.com/kartikbazzad/lakedb/internal/occ"
	"github.com/kartikbazzad/lakedb/internal/query"
	"github.com/kartikbazzad/lakedb/internal/types"
)

// Collection is the entity surface of one namespace.
type Collection struct {
	db *DB
	ns string
}

// Namespace returns the collection's namespace.
func (c *Collection) Namespace() string {
	return c.ns
}

// CreateParams describes a new entity.
type CreateParams struct {
	// LocalID is optional; a ULID is assigned when empty.
	LocalID string
	Type    string
	Name    string
	Payload map[string]any
	Actor   string
}

// UpdateParams describes an entity mutation. ExpectedVersion enables
// optimistic concurrency; nil means last-writer-wins. Inc applies
// atomic increments to the latest durably-visible payload values.
type UpdateParams struct {
	Name            *string
	Payload         map[string]any
	Inc             map[string]float64
	ExpectedVersion *int64
	Actor           string
}

// DeleteParams controls a soft delete.
type DeleteParams struct {
	ExpectedVersion *int64
	Actor           string
}

// FindOptions pages query results.
type FindOptions struct {
	Limit  int
	Offset int
}

func (c *Collection) actor(explicit string) string {
	if explicit != "" {
		return explicit
	}
	return c.db.actor
}

// lookup returns the merged view of one entity, tombstones included.
func (c *Collection) lookup(ctx context.Context, localID string) (*types.Entity, error) {
	id := types.EntityID(c.ns, localID)
	m, err := c.db.collectEntities(ctx, c.ns, query.Filter{"$id": id})
	if err != nil {
		return nil, err
	}
	if err := c.db.overlayWAL(ctx, c.ns, m); err != nil {
		return nil, err
	}
	e, ok := m[id]
	if !ok {
		return nil, errors.New(errors.CodeEntityNotFound, "entity not found").
			WithContext("namespace", c.ns).
			WithContext("entityId", id)
	}
	return e, nil
}

// Create inserts a new entity at version 1.
func (c *Collection) Create(ctx context.Context, params CreateParams) (*types.Entity, error) {
	if err := c.db.checkOpen(); err != nil {
		return nil, err
	}
	if err := errors.AssertValid(params.Type != "", "entity $type is required",
		map[string]string{"namespace": c.ns}); err != nil {
		return nil, err
	}

	lock := c.db.nsLock(c.ns)
	lock.Lock()
	defer lock.Unlock()

	localID := params.LocalID
	if localID == "" {
		localID = types.NewID()
	}
	id := types.EntityID(c.ns, localID)

	if existing, err := c.lookup(ctx, localID); err == nil && !existing.Deleted() {
		return nil, errors.New(errors.CodeAlreadyExists, "entity already exists").
			WithContext("namespace", c.ns).
			WithContext("entityId", id)
	} else if err != nil && !errors.IsNotFound(err) {
		return nil, err
	}

	now := types.NowMillis()
	actor := c.actor(params.Actor)
	e := &types.Entity{
		ID:        id,
		Type:      params.Type,
		Name:      params.Name,
		CreatedAt: now,
		CreatedBy: actor,
		UpdatedAt: now,
		UpdatedBy: actor,
		Version:   1,
		Payload:   params.Payload,
	}

	ev := types.Event{
		ID:     types.NewEventID(time.Now()),
		TS:     now,
		Op:     types.OpCreate,
		Target: types.Target{Kind: types.TargetEntity, Namespace: c.ns, EntityID: id},
		After:  entityDoc(e),
		Actor:  actor,
	}
	if err := c.db.entityWal.Append(ctx, c.ns, ev); err != nil {
		return nil, err
	}
	return e, nil
}

// Get returns a live entity by local id.
func (c *Collection) Get(ctx context.Context, localID string) (*types.Entity, error) {
	if err := c.db.checkOpen(); err != nil {
		return nil, err
	}
	e, err := c.lookup(ctx, localID)
	if err != nil {
		return nil, err
	}
	if e.Deleted() {
		return nil, errors.New(errors.CodeEntityNotFound, "entity is deleted").
			WithContext("namespace", c.ns).
			WithContext("entityId", e.ID)
	}
	return e, nil
}

// Update mutates an entity. The version check, increment application
// and event append happen under the namespace write lock, so a
// matched ExpectedVersion admits exactly one concurrent writer.
func (c *Collection) Update(ctx context.Context, localID string, params UpdateParams) (*types.Entity, error) {
	if err := c.db.checkOpen(); err != nil {
		return nil, err
	}

	lock := c.db.nsLock(c.ns)
	lock.Lock()
	defer lock.Unlock()

	current, err := c.lookup(ctx, localID)
	if err != nil {
		return nil, err
	}
	if current.Deleted() {
		return nil, errors.New(errors.CodeEntityNotFound, "entity is deleted").
			WithContext("namespace", c.ns).
			WithContext("entityId", current.ID)
	}
	if err := occ.CheckVersion(params.ExpectedVersion, current.Version, c.ns, current.ID); err != nil {
		c.db.metrics.VersionConflicts.Inc()
		return nil, err
	}

	now := types.NowMillis()
	actor := c.actor(params.Actor)
	next := *current
	next.Version = occ.NextVersion(current.Version)
	next.UpdatedAt = now
	next.UpdatedBy = actor
	if params.Name != nil {
		next.Name = *params.Name
	}
	if params.Payload != nil {
		next.Payload = params.Payload
	} else if current.Payload != nil {
		next.Payload = cloneDoc(current.Payload)
	}
	if len(params.Inc) > 0 {
		if next.Payload == nil {
			next.Payload = make(map[string]any)
		}
		if err := occ.ApplyIncrements(next.Payload, params.Inc); err != nil {
			return nil, err
		}
	}

	ev := types.Event{
		ID:     types.NewEventID(time.Now()),
		TS:     now,
		Op:     types.OpUpdate,
		Target: types.Target{Kind: types.TargetEntity, Namespace: c.ns, EntityID: current.ID},
		Before: entityDoc(current),
		After:  entityDoc(&next),
		Actor:  actor,
	}
	if err := c.db.entityWal.Append(ctx, c.ns, ev); err != nil {
		return nil, err
	}
	return &next, nil
}

// Delete tombstones an entity (soft delete).
func (c *Collection) Delete(ctx context.Context, localID string, params DeleteParams) error {
	if err := c.db.checkOpen(); err != nil {
		return err
	}

	lock := c.db.nsLock(c.ns)
	lock.Lock()
	defer lock.Unlock()

	current, err := c.lookup(ctx, localID)
	if err != nil {
		return err
	}
	if current.Deleted() {
		return nil
	}
	if err := occ.CheckVersion(params.ExpectedVersion, current.Version, c.ns, current.ID); err != nil {
		c.db.metrics.VersionConflicts.Inc()
		return err
	}

	now := types.NowMillis()
	actor := c.actor(params.Actor)
	next := *current
	next.Version = occ.NextVersion(current.Version)
	next.UpdatedAt = now
	next.UpdatedBy = actor
	next.DeletedAt = &now
	next.DeletedBy = &actor

	ev := types.Event{
		ID:     types.NewEventID(time.Now()),
		TS:     now,
		Op:     types.OpDelete,
		Target: types.Target{Kind: types.TargetEntity, Namespace: c.ns, EntityID: current.ID},
		Before: entityDoc(current),
		After:  entityDoc(&next),
		Actor:  actor,
	}
	return c.db.entityWal.Append(ctx, c.ns, ev)
}

// Find runs a filter over the collection: plan, scan surviving row
// groups, overlay unmaterialized WAL events, evaluate the predicate.
func (c *Collection) Find(ctx context.Context, filter query.Filter, opts *FindOptions) ([]*types.Entity, error) {
	if err := c.db.checkOpen(); err != nil {
		return nil, err
	}
	started := time.Now()
	defer func() {
		c.db.metrics.QueryDuration.Observe(time.Since(started).Seconds())
	}()

	if filter == nil {
		filter = query.Filter{}
	}
	if err := query.Validate(filter); err != nil {
		return nil, err
	}

	vectorQ := query.ExtractVector(filter)

	m, err := c.db.collectEntities(ctx, c.ns, filter)
	if err != nil {
		return nil, err
	}
	if err := c.db.overlayWAL(ctx, c.ns, m); err != nil {
		return nil, err
	}

	pred, err := query.Compile(filter)
	if err != nil {
		return nil, err
	}

	var out []*types.Entity
	if vectorQ != nil {
		hits, err := c.db.vectorCandidates(c.ns, vectorQ)
		if err != nil {
			return nil, err
		}
		for _, hit := range hits {
			e, ok := m[hit.DocID]
			if !ok || e.Deleted() || !pred(entityDoc(e)) {
				continue
			}
			out = append(out, e)
		}
	} else {
		for _, e := range liveEntities(m) {
			if pred(entityDoc(e)) {
				out = append(out, e)
			}
		}
	}

	if opts != nil {
		if opts.Offset > 0 {
			if opts.Offset >= len(out) {
				return nil, nil
			}
			out = out[opts.Offset:]
		}
		if opts.Limit > 0 && len(out) > opts.Limit {
			out = out[:opts.Limit]
		}
	}
	return out, nil
}

// Count returns the number of live entities matching filter.
func (c *Collection) Count(ctx context.Context, filter query.Filter) (int, error) {
	results, err := c.Find(ctx, filter, nil)
	if err != nil {
		return 0, err
	}
	return len(results), nil
}

// cloneDoc deep-copies a JSON-shaped map.
func cloneDoc(doc map[string]any) map[string]any {
	out := make(map[string]any, len(doc))
	for k, v := range doc {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return cloneDoc(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	}
	return v
}
