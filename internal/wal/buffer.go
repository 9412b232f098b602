// Package wal implements the write-ahead log's front half: per-
// namespace in-memory event buffers with threshold-driven flushing,
// plus the durable batch store and the backpressure controller that
// bounds memory under sustained load.
//
// Buffering invariants:
//   - Events within a flushed batch preserve insertion order
//   - first_seq is strictly increasing across batches per namespace,
//     and never regresses, not even across a rollback
//   - A flush persists the whole buffer as one row or leaves the
//     buffer intact
package wal

import (
	"context"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"

	"github.com/kartikbazzad/lakedb/internal/types"
)

// BufferConfig sets the flush thresholds.
type BufferConfig struct {
	EventBatchCountThreshold int
	EventBatchSizeThreshold  int
}

// DefaultBufferConfig returns the engine defaults.
func DefaultBufferConfig() BufferConfig {
	return BufferConfig{
		EventBatchCountThreshold: 100,
		EventBatchSizeThreshold:  64 * 1024,
	}
}

// nsBuffer is one namespace's pending events.
type nsBuffer struct {
	events    []types.Event
	firstSeq  uint64
	lastSeq   uint64
	sizeBytes int
}

// TxMark captures a namespace buffer position for rollback.
type TxMark struct {
	ns        string
	eventLen  int
	firstSeq  uint64
	lastSeq   uint64
	sizeBytes int
}

// BufferManager keeps per-namespace queues of events awaiting
// flush into the durable WAL table. One manager handles entity
// events, a second one relationship events.
//
// Thread Safety: all methods are safe for concurrent use. Buffer
// mutations per namespace are linearizable under mu.
type BufferManager struct {
	mu      sync.Mutex
	flushMu sync.Mutex // serializes flushes so a batch is inserted once
	buffers map[string]*nsBuffer
	nextSeq map[string]uint64 // never regresses

	cfg    BufferConfig
	bp     *Backpressure
	store  *Store
	logger zerolog.Logger

	onFlush func(ns string, batchID int64) // optional flush hook
}

// NewBufferManager wires buffers to a durable store and a
// backpressure controller.
func NewBufferManager(cfg BufferConfig, bp *Backpressure, store *Store, logger zerolog.Logger) *BufferManager {
	return &BufferManager{
		buffers: make(map[string]*nsBuffer),
		nextSeq: make(map[string]uint64),
		cfg:     cfg,
		bp:      bp,
		store:   store,
		logger:  logger,
	}
}

// OnFlush registers a callback invoked after each durable flush.
func (m *BufferManager) OnFlush(fn func(ns string, batchID int64)) {
	m.onFlush = fn
}

// Append buffers one event. It waits under backpressure first, then
// flushes the namespace when a threshold trips.
func (m *BufferManager) Append(ctx context.Context, ns string, ev types.Event) error {
	if err := m.bp.Wait(ctx); err != nil {
		return err
	}

	size := ev.SizeBytes()

	m.mu.Lock()
	buf, ok := m.buffers[ns]
	if !ok {
		buf = &nsBuffer{}
		m.buffers[ns] = buf
	}
	seq := m.nextSeq[ns] + 1
	m.nextSeq[ns] = seq
	if len(buf.events) == 0 {
		buf.firstSeq = seq
	}
	buf.lastSeq = seq
	buf.events = append(buf.events, ev)
	buf.sizeBytes += size
	shouldFlush := len(buf.events) >= m.cfg.EventBatchCountThreshold ||
		buf.sizeBytes >= m.cfg.EventBatchSizeThreshold
	m.mu.Unlock()

	m.bp.Add(int64(size), 1)

	if shouldFlush {
		return m.Flush(ctx, ns)
	}
	return nil
}

// Begin marks the namespace buffer position so a failed multi-event
// operation can roll back.
func (m *BufferManager) Begin(ns string) TxMark {
	m.mu.Lock()
	defer m.mu.Unlock()
	buf, ok := m.buffers[ns]
	if !ok {
		return TxMark{ns: ns}
	}
	return TxMark{
		ns:        ns,
		eventLen:  len(buf.events),
		firstSeq:  buf.firstSeq,
		lastSeq:   buf.lastSeq,
		sizeBytes: buf.sizeBytes,
	}
}

// Rollback restores the buffer exactly to its marked position and
// re-checks backpressure thresholds. The namespace sequence counter
// is left where it is: firstSeq never regresses, so sequence numbers
// consumed by the rolled-back events are simply skipped.
func (m *BufferManager) Rollback(mark TxMark) {
	m.mu.Lock()
	buf, ok := m.buffers[mark.ns]
	if !ok || len(buf.events) < mark.eventLen {
		// The buffer was flushed since the mark; nothing to undo.
		m.mu.Unlock()
		return
	}
	drainedSize := buf.sizeBytes - mark.sizeBytes
	drainedCount := len(buf.events) - mark.eventLen
	buf.events = buf.events[:mark.eventLen]
	buf.firstSeq = mark.firstSeq
	buf.lastSeq = mark.lastSeq
	buf.sizeBytes = mark.sizeBytes
	m.mu.Unlock()

	if drainedCount > 0 || drainedSize > 0 {
		m.bp.Add(-int64(drainedSize), -drainedCount)
	}
}

// Flush persists a namespace's buffer as one durable row. The buffer
// is snapshotted under the lock, inserted, and only emptied after the
// insert succeeds; a failed insert leaves it intact.
func (m *BufferManager) Flush(ctx context.Context, ns string) error {
	m.flushMu.Lock()
	defer m.flushMu.Unlock()

	m.mu.Lock()
	buf, ok := m.buffers[ns]
	if !ok || len(buf.events) == 0 {
		m.mu.Unlock()
		return nil
	}
	snapshot := Batch{
		Namespace:  ns,
		FirstSeq:   buf.firstSeq,
		LastSeq:    buf.lastSeq,
		EventCount: len(buf.events),
		Events:     append([]types.Event(nil), buf.events...),
		MinTS:      buf.events[0].TS,
	}
	size := buf.sizeBytes
	m.mu.Unlock()

	m.bp.BeginFlush()
	id, err := m.store.InsertBatch(ctx, &snapshot)
	if err != nil {
		m.bp.EndFlush(0, 0)
		return err
	}

	// Drain exactly the snapshotted prefix; events appended during the
	// insert stay buffered.
	m.mu.Lock()
	if cur, ok := m.buffers[ns]; ok {
		if len(cur.events) >= snapshot.EventCount {
			cur.events = append([]types.Event(nil), cur.events[snapshot.EventCount:]...)
			cur.sizeBytes -= size
			if cur.sizeBytes < 0 {
				cur.sizeBytes = 0
			}
			if len(cur.events) > 0 {
				cur.firstSeq = snapshot.LastSeq + 1
			} else {
				cur.firstSeq = 0
				cur.lastSeq = 0
			}
		}
	}
	m.mu.Unlock()

	m.bp.EndFlush(int64(size), snapshot.EventCount)

	m.logger.Debug().
		Str("namespace", ns).
		Int("events", snapshot.EventCount).
		Str("size", humanize.Bytes(uint64(size))).
		Int64("batch", id).
		Msg("wal flush")

	if m.onFlush != nil {
		m.onFlush(ns, id)
	}
	return nil
}

// FlushAll force-flushes every namespace; used at shutdown and by
// explicit sync calls.
func (m *BufferManager) FlushAll(ctx context.Context) error {
	m.mu.Lock()
	namespaces := make([]string, 0, len(m.buffers))
	for ns, buf := range m.buffers {
		if len(buf.events) > 0 {
			namespaces = append(namespaces, ns)
		}
	}
	m.mu.Unlock()

	for _, ns := range namespaces {
		if err := m.Flush(ctx, ns); err != nil {
			return err
		}
	}
	return nil
}

// Pending returns the buffered (unflushed, in-memory) events for a
// namespace in insertion order; readers merge these over durable data.
func (m *BufferManager) Pending(ns string) []types.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	buf, ok := m.buffers[ns]
	if !ok {
		return nil
	}
	return append([]types.Event(nil), buf.events...)
}

// PendingCount reports total buffered events across namespaces.
func (m *BufferManager) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, buf := range m.buffers {
		n += len(buf.events)
	}
	return n
}

// Backpressure exposes the controller for state inspection.
func (m *BufferManager) Backpressure() *Backpressure {
	return m.bp
}
