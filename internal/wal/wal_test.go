package wal

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/kartikbazzad/lakedb/internal/errors"
	"github.com/kartikbazzad/lakedb/internal/logger"
	"github.com/kartikbazzad/lakedb/internal/types"
)

func setupManager(t *testing.T, bufCfg BufferConfig, bpCfg BackpressureConfig) (*BufferManager, *Store) {
	t.Helper()
	store, err := OpenStore(":memory:")
	if err != nil {
		t.Fatalf("OpenStore failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return NewBufferManager(bufCfg, NewBackpressure(bpCfg), store, logger.Nop()), store
}

func mkEvent(i int, ns string) types.Event {
	return types.Event{
		ID: types.NewEventID(time.Now()),
		TS: int64(1700000000000 + i),
		Op: types.OpCreate,
		Target: types.Target{
			Kind:      types.TargetEntity,
			Namespace: ns,
			EntityID:  fmt.Sprintf("%s/%026d", ns, i),
		},
		After: map[string]any{"i": i},
		Actor: "tester",
	}
}

func TestBatchingKeepsRowCountLow(t *testing.T) {
	// 500 events at threshold 100: 5 full batches; the forced flush
	// finds nothing left, and at most 6 rows are allowed.
	ctx := context.Background()
	m, store := setupManager(t,
		BufferConfig{EventBatchCountThreshold: 100, EventBatchSizeThreshold: 64 << 20},
		DefaultBackpressureConfig())

	for i := 0; i < 500; i++ {
		if err := m.Append(ctx, "posts", mkEvent(i, "posts")); err != nil {
			t.Fatalf("append %d failed: %v", i, err)
		}
	}
	if err := m.FlushAll(ctx); err != nil {
		t.Fatalf("FlushAll failed: %v", err)
	}

	n, err := store.BatchCount(ctx)
	if err != nil {
		t.Fatalf("BatchCount failed: %v", err)
	}
	if n > 6 {
		t.Errorf("wal rows = %d, want <= 6", n)
	}

	batches, err := store.UnflushedBatches(ctx)
	if err != nil {
		t.Fatalf("UnflushedBatches failed: %v", err)
	}
	total := 0
	var lastTS int64
	var lastFirstSeq uint64
	for _, b := range batches {
		total += b.EventCount
		if b.EventCount != len(b.Events) {
			t.Errorf("event_count %d != events %d", b.EventCount, len(b.Events))
		}
		if b.MinTS < lastTS {
			t.Errorf("batch min_ts regressed: %d after %d", b.MinTS, lastTS)
		}
		if b.FirstSeq <= lastFirstSeq {
			t.Errorf("first_seq not strictly increasing: %d after %d", b.FirstSeq, lastFirstSeq)
		}
		lastTS = b.MinTS
		lastFirstSeq = b.FirstSeq
		// Events inside a batch preserve insertion (ts) order.
		for i := 1; i < len(b.Events); i++ {
			if b.Events[i].TS < b.Events[i-1].TS {
				t.Errorf("in-batch order broken at %d", i)
			}
		}
	}
	if total != 500 {
		t.Errorf("sum of event counts = %d, want 500", total)
	}
}

func TestFlushEmptiesBufferAtomically(t *testing.T) {
	ctx := context.Background()
	m, store := setupManager(t,
		BufferConfig{EventBatchCountThreshold: 1000, EventBatchSizeThreshold: 64 << 20},
		DefaultBackpressureConfig())

	for i := 0; i < 10; i++ {
		if err := m.Append(ctx, "posts", mkEvent(i, "posts")); err != nil {
			t.Fatalf("append failed: %v", err)
		}
	}
	if got := m.PendingCount(); got != 10 {
		t.Fatalf("pending = %d, want 10", got)
	}

	if err := m.Flush(ctx, "posts"); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if got := m.PendingCount(); got != 0 {
		t.Errorf("pending after flush = %d, want 0", got)
	}

	batches, err := store.UnflushedBatchesForNamespace(ctx, "posts")
	if err != nil {
		t.Fatalf("UnflushedBatchesForNamespace failed: %v", err)
	}
	if len(batches) != 1 || batches[0].EventCount != 10 {
		t.Fatalf("batches = %+v", batches)
	}
	if batches[0].FirstSeq != 1 || batches[0].LastSeq != 10 {
		t.Errorf("seq range = [%d, %d], want [1, 10]", batches[0].FirstSeq, batches[0].LastSeq)
	}
}

func TestBackpressureTimeout(t *testing.T) {
	// S4: bound of 2 events, 50ms timeout, no flushing.
	ctx := context.Background()
	m, _ := setupManager(t,
		BufferConfig{EventBatchCountThreshold: 1000, EventBatchSizeThreshold: 64 << 20},
		BackpressureConfig{
			MaxBufferSizeBytes:  64 << 20,
			MaxBufferEventCount: 2,
			MaxPendingFlushes:   10,
			ReleaseThreshold:    0.8,
			Timeout:             50 * time.Millisecond,
		})

	for i := 0; i < 2; i++ {
		if err := m.Append(ctx, "posts", mkEvent(i, "posts")); err != nil {
			t.Fatalf("append %d failed: %v", i, err)
		}
	}

	start := time.Now()
	err := m.Append(ctx, "posts", mkEvent(2, "posts"))
	elapsed := time.Since(start)

	if errors.CodeOf(err) != errors.CodeBackpressureTimeout {
		t.Fatalf("err = %v, want BACKPRESSURE_TIMEOUT", err)
	}
	if elapsed < 40*time.Millisecond || elapsed > 500*time.Millisecond {
		t.Errorf("timeout fired after %v, want ~50ms", elapsed)
	}
	ectx := errors.ContextOf(err)
	if ectx["active"] != "true" || ectx["currentEventCount"] != "2" {
		t.Errorf("timeout context = %v", ectx)
	}

	state := m.Backpressure().State()
	if !state.Active || state.CurrentEventCount != 2 || state.BackpressureEvents == 0 {
		t.Errorf("state = %+v", state)
	}
}

func TestBackpressureReleasesAfterFlush(t *testing.T) {
	ctx := context.Background()
	m, _ := setupManager(t,
		BufferConfig{EventBatchCountThreshold: 1000, EventBatchSizeThreshold: 64 << 20},
		BackpressureConfig{
			MaxBufferSizeBytes:  64 << 20,
			MaxBufferEventCount: 4,
			MaxPendingFlushes:   10,
			ReleaseThreshold:    0.5,
			Timeout:             5 * time.Second,
		})

	for i := 0; i < 4; i++ {
		if err := m.Append(ctx, "posts", mkEvent(i, "posts")); err != nil {
			t.Fatalf("append failed: %v", err)
		}
	}
	if !m.Backpressure().State().Active {
		t.Fatal("backpressure should be active at the bound")
	}

	// A flush drains the buffer below the release threshold, so the
	// blocked append proceeds.
	done := make(chan error, 1)
	go func() {
		done <- m.Append(ctx, "posts", mkEvent(5, "posts"))
	}()

	time.Sleep(10 * time.Millisecond)
	if err := m.Flush(ctx, "posts"); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("append after release failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("append did not resume after release")
	}
	if m.Backpressure().State().Active {
		t.Error("backpressure still active after drain")
	}
}

func TestForceRelease(t *testing.T) {
	ctx := context.Background()
	m, _ := setupManager(t,
		BufferConfig{EventBatchCountThreshold: 1000, EventBatchSizeThreshold: 64 << 20},
		BackpressureConfig{
			MaxBufferSizeBytes:  64 << 20,
			MaxBufferEventCount: 1,
			MaxPendingFlushes:   10,
			ReleaseThreshold:    0.8,
			Timeout:             5 * time.Second,
		})

	if err := m.Append(ctx, "posts", mkEvent(0, "posts")); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- m.Append(ctx, "posts", mkEvent(1, "posts"))
	}()
	time.Sleep(10 * time.Millisecond)
	m.Backpressure().ForceRelease()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("append after force release failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("force release did not wake the waiter")
	}
}

func TestWaitHonorsContext(t *testing.T) {
	m, _ := setupManager(t,
		BufferConfig{EventBatchCountThreshold: 1000, EventBatchSizeThreshold: 64 << 20},
		BackpressureConfig{
			MaxBufferSizeBytes:  64 << 20,
			MaxBufferEventCount: 1,
			MaxPendingFlushes:   10,
			ReleaseThreshold:    0.8,
			Timeout:             time.Minute,
		})
	if err := m.Append(context.Background(), "posts", mkEvent(0, "posts")); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := m.Append(ctx, "posts", mkEvent(1, "posts"))
	if errors.CodeOf(err) != errors.CodeTimeout {
		t.Errorf("canceled wait returned %v", err)
	}
}

func TestRollbackRestoresBuffers(t *testing.T) {
	ctx := context.Background()
	m, _ := setupManager(t,
		BufferConfig{EventBatchCountThreshold: 1000, EventBatchSizeThreshold: 64 << 20},
		DefaultBackpressureConfig())

	for i := 0; i < 3; i++ {
		if err := m.Append(ctx, "posts", mkEvent(i, "posts")); err != nil {
			t.Fatalf("append failed: %v", err)
		}
	}

	mark := m.Begin("posts")
	for i := 3; i < 6; i++ {
		if err := m.Append(ctx, "posts", mkEvent(i, "posts")); err != nil {
			t.Fatalf("append failed: %v", err)
		}
	}
	m.Rollback(mark)

	pending := m.Pending("posts")
	if len(pending) != 3 {
		t.Fatalf("pending after rollback = %d, want 3", len(pending))
	}
	state := m.Backpressure().State()
	if state.CurrentEventCount != 3 {
		t.Errorf("backpressure count after rollback = %d, want 3", state.CurrentEventCount)
	}

	// Sequence numbers never regress: the next flush's first_seq is
	// past every sequence the rolled-back events consumed.
	if err := m.Flush(ctx, "posts"); err != nil {
		t.Fatalf("flush failed: %v", err)
	}
	if err := m.Append(ctx, "posts", mkEvent(6, "posts")); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if err := m.Flush(ctx, "posts"); err != nil {
		t.Fatalf("flush failed: %v", err)
	}

	batches, err := m.store.UnflushedBatchesForNamespace(ctx, "posts")
	if err != nil {
		t.Fatalf("UnflushedBatchesForNamespace failed: %v", err)
	}
	if len(batches) != 2 {
		t.Fatalf("batches = %d, want 2", len(batches))
	}
	if batches[1].FirstSeq <= batches[0].LastSeq {
		t.Errorf("first_seq regressed across rollback: %d <= %d", batches[1].FirstSeq, batches[0].LastSeq)
	}
	if batches[1].FirstSeq < 7 {
		t.Errorf("rolled-back sequences were reused: first_seq = %d", batches[1].FirstSeq)
	}
}

func TestMarkFlushedAndPrune(t *testing.T) {
	ctx := context.Background()
	m, store := setupManager(t,
		BufferConfig{EventBatchCountThreshold: 2, EventBatchSizeThreshold: 64 << 20},
		DefaultBackpressureConfig())

	for i := 0; i < 4; i++ {
		if err := m.Append(ctx, "posts", mkEvent(i, "posts")); err != nil {
			t.Fatalf("append failed: %v", err)
		}
	}

	batches, err := store.UnflushedBatches(ctx)
	if err != nil {
		t.Fatalf("UnflushedBatches failed: %v", err)
	}
	if len(batches) != 2 {
		t.Fatalf("batches = %d, want 2", len(batches))
	}

	ids := []int64{batches[0].ID, batches[1].ID}
	if err := store.MarkFlushed(ctx, ids); err != nil {
		t.Fatalf("MarkFlushed failed: %v", err)
	}
	remaining, err := store.UnflushedBatches(ctx)
	if err != nil {
		t.Fatalf("UnflushedBatches failed: %v", err)
	}
	if len(remaining) != 0 {
		t.Errorf("unflushed after mark = %d", len(remaining))
	}

	n, err := store.Prune(ctx, time.Now().Add(time.Second))
	if err != nil {
		t.Fatalf("Prune failed: %v", err)
	}
	if n != 2 {
		t.Errorf("pruned = %d, want 2", n)
	}
}

func TestSizeThresholdTriggersFlush(t *testing.T) {
	ctx := context.Background()
	m, store := setupManager(t,
		BufferConfig{EventBatchCountThreshold: 10_000, EventBatchSizeThreshold: 600},
		DefaultBackpressureConfig())

	// Each event serializes to a couple hundred bytes; a handful trips
	// the size threshold well before the count threshold.
	for i := 0; i < 6; i++ {
		if err := m.Append(ctx, "posts", mkEvent(i, "posts")); err != nil {
			t.Fatalf("append failed: %v", err)
		}
	}
	n, err := store.BatchCount(ctx)
	if err != nil {
		t.Fatalf("BatchCount failed: %v", err)
	}
	if n == 0 {
		t.Error("size threshold never flushed")
	}
}
