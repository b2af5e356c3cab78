// Copyright 2022 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package snapshot

import (
	"context"
	"sync"
	"time"

	"github.com/pingcap/dagflow/engine/metrics"
	"github.com/pingcap/dagflow/engine/pkg/clock"
	"github.com/pingcap/dagflow/engine/pkg/logutil"
	"github.com/pingcap/dagflow/engine/pkg/notifier"
	"github.com/pingcap/dagflow/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// Config configures the Coordinator of one job execution.
type Config struct {
	JobID   string
	JobName string
	// Interval between periodic snapshots, 0 disables them.
	Interval time.Duration
	// Timeout after which an unacknowledged snapshot is discarded.
	Timeout time.Duration
	// Tasklets lists every tasklet of the execution.
	Tasklets []TaskletKey
	// RestoredID is the snapshot the execution starts from, 0 if none.
	RestoredID uint64
}

// Event reports the outcome of a snapshot.
type Event struct {
	SnapshotID uint64
	// Err is nil when the snapshot was committed.
	Err error
}

// Stats is a point-in-time view of the snapshots of an execution.
type Stats struct {
	LastCommitted uint64
	Completed     int
	Failed        int
	InFlight      uint64
}

type inFlight struct {
	id      uint64
	started time.Time
	acked   map[TaskletKey]struct{}
}

// Coordinator drives the snapshot barrier of one job execution. Tasklets
// of the execution poll RequestedSnapshot to inject barriers, report their
// state with SaveState and poll CommittedSnapshot to learn about commits.
type Coordinator struct {
	cfg    Config
	store  *Store
	clock  clock.Clock
	logger *zap.Logger

	requested atomic.Uint64
	committed atomic.Uint64

	mu          sync.Mutex
	lastID      uint64
	lastTrigger time.Time
	current     *inFlight
	done        map[TaskletKey]struct{}
	stats       Stats

	events *notifier.Notifier[Event]
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(cfg Config, store *Store, clk clock.Clock) *Coordinator {
	c := &Coordinator{
		cfg:    cfg,
		store:  store,
		clock:  clk,
		logger: logutil.NewLogger4Job(cfg.JobID, cfg.JobName).With(zap.String("component", "snapshot")),
		lastID: cfg.RestoredID,
		done:   make(map[TaskletKey]struct{}),
		events: notifier.NewNotifier[Event](),
	}
	c.requested.Store(cfg.RestoredID)
	c.committed.Store(cfg.RestoredID)
	c.stats.LastCommitted = cfg.RestoredID
	c.lastTrigger = clk.Now()
	return c
}

// Run triggers periodic snapshots and enforces the timeout until ctx is
// done.
func (c *Coordinator) Run(ctx context.Context) error {
	tick := c.cfg.Interval
	if tick <= 0 || (c.cfg.Timeout > 0 && c.cfg.Timeout < tick) {
		tick = c.cfg.Timeout
	}
	if tick <= 0 {
		<-ctx.Done()
		return errors.Trace(ctx.Err())
	}

	ticker := c.clock.Ticker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return errors.Trace(ctx.Err())
		case <-ticker.C:
		}
		now := c.clock.Now()
		c.checkTimeout(now)

		c.mu.Lock()
		due := c.cfg.Interval > 0 && c.current == nil &&
			now.Sub(c.lastTrigger) >= c.cfg.Interval
		c.mu.Unlock()
		if due {
			c.Trigger()
		}
	}
}

// Trigger starts the next snapshot unless one is in flight. It returns
// the id of the started snapshot.
func (c *Coordinator) Trigger() (uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current != nil {
		return 0, false
	}
	c.lastID++
	now := c.clock.Now()
	c.current = &inFlight{
		id:      c.lastID,
		started: now,
		acked:   make(map[TaskletKey]struct{}),
	}
	c.lastTrigger = now
	c.stats.InFlight = c.lastID
	c.requested.Store(c.lastID)
	c.logger.Debug("snapshot triggered", logutil.SnapshotID(c.lastID))

	c.maybeCompleteLocked()
	return c.lastID, true
}

// RequestedSnapshot returns the id of the latest requested snapshot.
func (c *Coordinator) RequestedSnapshot() uint64 {
	return c.requested.Load()
}

// CommittedSnapshot returns the id of the latest committed snapshot.
func (c *Coordinator) CommittedSnapshot() uint64 {
	return c.committed.Load()
}

// SaveState persists the state of a tasklet for snapshot id and counts
// its acknowledgement. States of snapshots that are no longer in flight
// are ignored.
func (c *Coordinator) SaveState(id uint64, key TaskletKey, state []byte) error {
	if !c.isCurrent(id) {
		c.logger.Debug("ignore stale snapshot state",
			logutil.SnapshotID(id), zap.String("vertex", key.Vertex), zap.Int("slot", key.Slot))
		return nil
	}
	if err := c.store.Put(c.cfg.JobID, id, key, Record{State: state}); err != nil {
		c.fail(id, err)
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil || c.current.id != id {
		return nil
	}
	c.current.acked[key] = struct{}{}
	c.maybeCompleteLocked()
	return nil
}

// TaskletDone records that a tasklet finished. Done tasklets acknowledge
// every later snapshot implicitly.
func (c *Coordinator) TaskletDone(key TaskletKey) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.done[key] = struct{}{}
	if c.current != nil {
		c.maybeCompleteLocked()
	}
}

// Stats returns the snapshot statistics.
func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Events returns a receiver of snapshot outcomes. The caller must close it.
func (c *Coordinator) Events() *notifier.Receiver[Event] {
	return c.events.NewReceiver()
}

// Close stops event delivery.
func (c *Coordinator) Close() {
	c.events.Close()
}

func (c *Coordinator) isCurrent(id uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current != nil && c.current.id == id
}

func (c *Coordinator) checkTimeout(now time.Time) {
	if c.cfg.Timeout <= 0 {
		return
	}
	c.mu.Lock()
	cur := c.current
	c.mu.Unlock()
	if cur == nil || now.Sub(cur.started) < c.cfg.Timeout {
		return
	}
	c.fail(cur.id, errors.ErrSnapshotFailed.GenWithStackByArgs(cur.id, c.cfg.JobID,
		"not acknowledged within "+c.cfg.Timeout.String()))
}

func (c *Coordinator) fail(id uint64, cause error) {
	c.mu.Lock()
	if c.current == nil || c.current.id != id {
		c.mu.Unlock()
		return
	}
	c.current = nil
	c.stats.Failed++
	c.stats.InFlight = 0
	c.mu.Unlock()

	if !errors.Is(cause, errors.ErrSnapshotFailed) {
		cause = errors.WrapError(errors.ErrSnapshotFailed, cause, id, c.cfg.JobID, "store failure")
	}
	c.logger.Warn("snapshot failed", logutil.SnapshotID(id), zap.Error(cause))
	if err := c.store.Discard(c.cfg.JobID, id); err != nil {
		c.logger.Warn("discard snapshot failed", logutil.SnapshotID(id), zap.Error(err))
	}
	metrics.SnapshotCounter.WithLabelValues(c.cfg.JobID, "failed").Inc()
	c.events.Notify(Event{SnapshotID: id, Err: cause})
}

func (c *Coordinator) maybeCompleteLocked() {
	cur := c.current
	var doneOnly []TaskletKey
	for _, key := range c.cfg.Tasklets {
		if _, ok := cur.acked[key]; ok {
			continue
		}
		if _, ok := c.done[key]; ok {
			doneOnly = append(doneOnly, key)
			continue
		}
		return
	}

	now := c.clock.Now()
	if err := c.store.Commit(c.cfg.JobID, cur.id, len(c.cfg.Tasklets), doneOnly, now); err != nil {
		c.current = nil
		c.stats.Failed++
		c.stats.InFlight = 0
		cause := errors.WrapError(errors.ErrSnapshotFailed, err, cur.id, c.cfg.JobID, "commit failure")
		c.logger.Warn("snapshot commit failed", logutil.SnapshotID(cur.id), zap.Error(cause))
		metrics.SnapshotCounter.WithLabelValues(c.cfg.JobID, "failed").Inc()
		c.events.Notify(Event{SnapshotID: cur.id, Err: cause})
		return
	}
	if err := c.store.PurgeBefore(c.cfg.JobID, cur.id); err != nil {
		c.logger.Warn("purge old snapshots failed", logutil.SnapshotID(cur.id), zap.Error(err))
	}

	c.current = nil
	c.stats.Completed++
	c.stats.InFlight = 0
	c.stats.LastCommitted = cur.id
	c.committed.Store(cur.id)

	elapsed := now.Sub(cur.started)
	metrics.SnapshotDuration.WithLabelValues(c.cfg.JobID).Observe(elapsed.Seconds())
	metrics.SnapshotCounter.WithLabelValues(c.cfg.JobID, "completed").Inc()
	c.logger.Info("snapshot committed", logutil.SnapshotID(cur.id),
		zap.Duration("duration", elapsed), zap.Int("done-tasklets", len(doneOnly)))
	c.events.Notify(Event{SnapshotID: cur.id})
}
