// Package types defines the data model shared by every component:
// entities, relationships and mutation events.
//
// Events are the durable source of truth; entity rows in data files
// are a materialization of the event stream.
package types

import (
	"crypto/rand"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/kartikbazzad/lakedb/internal/errors"
)

// Entity is a JSON-shaped document identified by namespace/localId.
type Entity struct {
	ID        string         `json:"$id"`
	Type      string         `json:"$type"`
	Name      string         `json:"name"`
	CreatedAt int64          `json:"createdAt"`
	CreatedBy string         `json:"createdBy"`
	UpdatedAt int64          `json:"updatedAt"`
	UpdatedBy string         `json:"updatedBy"`
	DeletedAt *int64         `json:"deletedAt,omitempty"`
	DeletedBy *string        `json:"deletedBy,omitempty"`
	Version   int64          `json:"version"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Deleted reports whether the entity carries a soft-delete tombstone.
func (e *Entity) Deleted() bool {
	return e.DeletedAt != nil
}

// Relationship is a directed, tagged tuple between two entities.
type Relationship struct {
	FromNamespace string         `json:"fromNs"`
	FromID        string         `json:"fromId"`
	Predicate     string         `json:"predicate"`
	ToNamespace   string         `json:"toNs"`
	ToID          string         `json:"toId"`
	Version       int64          `json:"version"`
	CreatedAt     int64          `json:"createdAt"`
	CreatedBy     string         `json:"createdBy"`
	UpdatedAt     int64          `json:"updatedAt"`
	UpdatedBy     string         `json:"updatedBy"`
	Payload       map[string]any `json:"payload,omitempty"`
}

// Key returns the identity tuple as a single string.
func (r *Relationship) Key() string {
	return r.FromNamespace + "/" + r.FromID + "|" + r.Predicate + "|" + r.ToNamespace + "/" + r.ToID
}

// Op is a mutation kind.
type Op string

const (
	OpCreate Op = "CREATE"
	OpUpdate Op = "UPDATE"
	OpDelete Op = "DELETE"
)

// TargetKind discriminates event targets.
type TargetKind string

const (
	TargetEntity       TargetKind = "entity"
	TargetRelationship TargetKind = "relationship"
)

// Target locates the entity or relationship an event mutated.
type Target struct {
	Kind      TargetKind `json:"kind"`
	Namespace string     `json:"ns"`
	EntityID  string     `json:"entityId,omitempty"`

	// Relationship targets only.
	Predicate   string `json:"predicate,omitempty"`
	ToNamespace string `json:"toNs,omitempty"`
	ToID        string `json:"toId,omitempty"`
}

// Event is an immutable record of one mutation.
type Event struct {
	ID     string         `json:"id"` // ULID, monotonically sortable
	TS     int64          `json:"ts"` // ms since epoch
	Op     Op             `json:"op"`
	Target Target         `json:"target"`
	Before map[string]any `json:"before,omitempty"`
	After  map[string]any `json:"after,omitempty"`
	Actor  string         `json:"actor"`
}

// SizeBytes approximates the serialized size of the event for buffer
// accounting.
func (e *Event) SizeBytes() int {
	data, err := json.Marshal(e)
	if err != nil {
		return 256
	}
	return len(data)
}

var (
	ulidMu      sync.Mutex
	ulidEntropy = ulid.Monotonic(rand.Reader, 0)
)

// NewID returns a new lowercase ULID. IDs generated within the same
// process are strictly increasing.
func NewID() string {
	ulidMu.Lock()
	defer ulidMu.Unlock()
	id := ulid.MustNew(ulid.Timestamp(time.Now()), ulidEntropy)
	return strings.ToLower(id.String())
}

// NewEventID returns an event id for the given wall-clock time.
func NewEventID(t time.Time) string {
	ulidMu.Lock()
	defer ulidMu.Unlock()
	id := ulid.MustNew(ulid.Timestamp(t), ulidEntropy)
	return strings.ToLower(id.String())
}

// EntityID joins a namespace and local id into the canonical form.
func EntityID(namespace, localID string) string {
	return namespace + "/" + localID
}

// ParseEntityID splits "<namespace>/<localId>".
func ParseEntityID(id string) (namespace, localID string, err error) {
	idx := strings.IndexByte(id, '/')
	if idx <= 0 || idx == len(id)-1 {
		return "", "", errors.Newf(errors.CodeInvalidInput, "malformed entity id %q", id)
	}
	return id[:idx], id[idx+1:], nil
}

// NowMillis is the engine's canonical timestamp.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}
