package wal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kartikbazzad/lakedb/internal/errors"
)

// BackpressureConfig bounds buffered memory.
//
// ReleaseThreshold is the fraction of the byte and event bounds that
// totals must be at or below before waiters resume. Timeout bounds
// each wait; zero means wait forever.
type BackpressureConfig struct {
	MaxBufferSizeBytes  int64
	MaxBufferEventCount int
	MaxPendingFlushes   int
	ReleaseThreshold    float64
	Timeout             time.Duration
}

// DefaultBackpressureConfig returns the engine defaults.
func DefaultBackpressureConfig() BackpressureConfig {
	return BackpressureConfig{
		MaxBufferSizeBytes:  1_048_576,
		MaxBufferEventCount: 1000,
		MaxPendingFlushes:   10,
		ReleaseThreshold:    0.8,
		Timeout:             30 * time.Second,
	}
}

// BackpressureState is a point-in-time snapshot of the controller.
type BackpressureState struct {
	Active                 bool          `json:"active"`
	CurrentBufferSizeBytes int64         `json:"currentBufferSizeBytes"`
	CurrentEventCount      int           `json:"currentEventCount"`
	PendingFlushCount      int           `json:"pendingFlushCount"`
	BackpressureEvents     uint64        `json:"backpressureEvents"`
	TotalWaitTime          time.Duration `json:"totalWaitTimeMs"`
	LastBackpressureAt     time.Time     `json:"lastBackpressureAt"`
}

// Backpressure is a cooperative flow controller: producers wait while
// any bound is reached and resume once byte and event totals are at or
// below the release threshold.
//
// Thread Safety: all methods are safe for concurrent use.
type Backpressure struct {
	mu  sync.Mutex
	cfg BackpressureConfig

	sizeBytes  int64
	eventCount int
	pending    int

	active  bool
	waitCh  chan struct{} // closed on release; replaced while active
	stats   struct {
		events    uint64
		waitTime  time.Duration
		lastAt    time.Time
	}
}

// NewBackpressure builds a controller from cfg.
func NewBackpressure(cfg BackpressureConfig) *Backpressure {
	return &Backpressure{cfg: cfg, waitCh: make(chan struct{})}
}

// overLimit reports whether any bound is currently reached.
func (b *Backpressure) overLimit() bool {
	return (b.cfg.MaxBufferSizeBytes > 0 && b.sizeBytes >= b.cfg.MaxBufferSizeBytes) ||
		(b.cfg.MaxBufferEventCount > 0 && b.eventCount >= b.cfg.MaxBufferEventCount) ||
		(b.cfg.MaxPendingFlushes > 0 && b.pending >= b.cfg.MaxPendingFlushes)
}

// belowRelease reports whether byte and event totals are both at or
// below the release threshold.
func (b *Backpressure) belowRelease() bool {
	if b.cfg.MaxBufferSizeBytes > 0 &&
		float64(b.sizeBytes) > b.cfg.ReleaseThreshold*float64(b.cfg.MaxBufferSizeBytes) {
		return false
	}
	if b.cfg.MaxBufferEventCount > 0 &&
		float64(b.eventCount) > b.cfg.ReleaseThreshold*float64(b.cfg.MaxBufferEventCount) {
		return false
	}
	return true
}

// recheck transitions between active and released under b.mu.
func (b *Backpressure) recheck() {
	if b.active {
		if b.belowRelease() {
			b.active = false
			close(b.waitCh)
			b.waitCh = make(chan struct{})
		}
		return
	}
	if b.overLimit() {
		b.active = true
		b.stats.events++
		b.stats.lastAt = time.Now()
	}
}

// Wait blocks while backpressure is active. It honors ctx and the
// configured timeout; expiry surfaces BACKPRESSURE_TIMEOUT carrying a
// state snapshot.
func (b *Backpressure) Wait(ctx context.Context) error {
	start := time.Now()
	var timeoutCh <-chan time.Time
	if b.cfg.Timeout > 0 {
		timer := time.NewTimer(b.cfg.Timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	for {
		b.mu.Lock()
		if !b.active {
			b.mu.Unlock()
			return nil
		}
		ch := b.waitCh
		b.mu.Unlock()

		select {
		case <-ch:
			// Released; loop to re-verify under the lock.
		case <-ctx.Done():
			b.noteWait(start)
			return errors.Wrap(ctx.Err(), errors.CodeTimeout, "backpressure wait aborted")
		case <-timeoutCh:
			b.noteWait(start)
			state := b.State()
			return errors.New(errors.CodeBackpressureTimeout, "backpressure wait timed out").
				WithContext("active", fmt.Sprintf("%v", state.Active)).
				WithContext("currentEventCount", fmt.Sprintf("%d", state.CurrentEventCount)).
				WithContext("currentBufferSizeBytes", fmt.Sprintf("%d", state.CurrentBufferSizeBytes)).
				WithContext("pendingFlushCount", fmt.Sprintf("%d", state.PendingFlushCount))
		}
	}
}

func (b *Backpressure) noteWait(start time.Time) {
	b.mu.Lock()
	b.stats.waitTime += time.Since(start)
	b.mu.Unlock()
}

// Add accounts appended events and re-evaluates the bounds.
func (b *Backpressure) Add(sizeDelta int64, countDelta int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sizeBytes += sizeDelta
	b.eventCount += countDelta
	if b.sizeBytes < 0 {
		b.sizeBytes = 0
	}
	if b.eventCount < 0 {
		b.eventCount = 0
	}
	b.recheck()
}

// BeginFlush accounts a flush entering the pending window.
func (b *Backpressure) BeginFlush() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending++
	b.recheck()
}

// EndFlush accounts a completed flush and the events it drained.
func (b *Backpressure) EndFlush(sizeDrained int64, countDrained int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending--
	if b.pending < 0 {
		b.pending = 0
	}
	b.sizeBytes -= sizeDrained
	if b.sizeBytes < 0 {
		b.sizeBytes = 0
	}
	b.eventCount -= countDrained
	if b.eventCount < 0 {
		b.eventCount = 0
	}
	b.recheck()
}

// ForceRelease immediately wakes all waiters regardless of totals.
func (b *Backpressure) ForceRelease() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.active {
		b.active = false
		close(b.waitCh)
		b.waitCh = make(chan struct{})
	}
}

// State snapshots the controller.
func (b *Backpressure) State() BackpressureState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BackpressureState{
		Active:                 b.active,
		CurrentBufferSizeBytes: b.sizeBytes,
		CurrentEventCount:      b.eventCount,
		PendingFlushCount:      b.pending,
		BackpressureEvents:     b.stats.events,
		TotalWaitTime:          b.stats.waitTime,
		LastBackpressureAt:     b.stats.lastAt,
	}
}

// ResetStats clears the cumulative counters, not the live totals.
func (b *Backpressure) ResetStats() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stats.events = 0
	b.stats.waitTime = 0
	b.stats.lastAt = time.Time{}
}

