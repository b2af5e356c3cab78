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


package job

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pingcap/dagflow/engine/cluster"
	"github.com/pingcap/dagflow/engine/dag"
	"github.com/pingcap/dagflow/engine/meta"
	"github.com/pingcap/dagflow/engine/metrics"
	"github.com/pingcap/dagflow/engine/pkg/clock"
	"github.com/pingcap/dagflow/engine/pkg/logutil"
	"github.com/pingcap/dagflow/engine/pkg/notifier"
	"github.com/pingcap/dagflow/engine/processor"
	"github.com/pingcap/dagflow/engine/snapshot"
	"github.com/pingcap/dagflow/pkg/errors"
	"github.com/pingcap/dagflow/pkg/uuid"
	"go.uber.org/zap"
)

const persistTimeout = 10 * time.Second

type outcome int

const (
	outcomeCompleted outcome = iota
	outcomeFailed
	outcomeCancelled
	outcomeSuspended
)

// Coordinator owns the lifecycle of all jobs: it validates and plans
// submitted graphs, starts their executions on the cluster members,
// restarts them from snapshots and keeps their records.
type Coordinator struct {
	cfg       CoordinatorConfig
	cluster   *cluster.Cluster
	snapshots *snapshot.Store
	meta      meta.JobStore
	clock     clock.Clock
	idGen     uuid.Generator
	logger    *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	jobs   map[string]*jobState
	index  *jobIndex
	closed bool

	statusNotifier *notifier.Notifier[StatusEvent]
}

// NewCoordinator creates a Coordinator and loads the job history from
// metaStore. Jobs that were not terminal when the history was written can
// not be resumed and are marked FAILED.
func NewCoordinator(
	ctx context.Context,
	cfg CoordinatorConfig,
	cl *cluster.Cluster,
	snapshots *snapshot.Store,
	metaStore meta.JobStore,
	clk clock.Clock,
	idGen uuid.Generator,
) (*Coordinator, error) {
	cfg.adjust()
	c := &Coordinator{
		cfg:            cfg,
		cluster:        cl,
		snapshots:      snapshots,
		meta:           metaStore,
		clock:          clk,
		idGen:          idGen,
		logger:         logutil.NewLogger4Engine().With(zap.String("component", "job-coordinator")),
		jobs:           make(map[string]*jobState),
		index:          newJobIndex(),
		statusNotifier: notifier.NewNotifier[StatusEvent](),
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())

	if err := c.loadHistory(ctx); err != nil {
		c.cancel()
		c.statusNotifier.Close()
		return nil, err
	}
	return c, nil
}

func (c *Coordinator) loadHistory(ctx context.Context) error {
	records, err := c.meta.ListJobs(ctx)
	if err != nil {
		return err
	}
	for _, rec := range records {
		status, err := ParseStatus(rec.Status)
		if err != nil {
			c.logger.Warn("skip job record with unknown status",
				zap.String("job-id", rec.ID), zap.String("status", rec.Status))
			continue
		}
		js := newJobState(rec.ID, nil, Config{
			Name:      rec.Name,
			Guarantee: parseGuarantee(rec.Guarantee),
		}, logutil.NewLogger4Job(rec.ID, rec.Name))
		js.status = status
		js.submittedAt = rec.SubmittedAt
		js.completedAt = rec.CompletedAt
		js.lastSnapshot = rec.LastSnapshot
		js.restarts = rec.Restarts
		if rec.Failure != "" {
			js.failure = errors.New(rec.Failure)
		}
		if !status.IsTerminal() {
			now := c.clock.Now()
			js.failure = errors.ErrCoordinatorRestarted.GenWithStackByArgs(rec.ID, status)
			js.history = append(js.history, StatusChange{From: status, To: StatusFailed, At: now})
			js.status = StatusFailed
			js.completedAt = now
			c.persist(js)
		}
		close(js.doneCh)

		c.jobs[js.id] = js
		c.index.add(js.indexEntry())
		metrics.JobStatusGauge.WithLabelValues(js.status.String()).Inc()
	}
	if len(records) > 0 {
		c.logger.Info("job history loaded", zap.Int("jobs", c.index.len()))
	}
	return nil
}

// Submit validates, plans and starts a job. Every check happens before
// anything is allocated: a graph that fails validation creates no job.
func (c *Coordinator) Submit(ctx context.Context, g *dag.Graph, cfg Config) (*Job, error) {
	if g == nil {
		return nil, errors.ErrInvalidArgument.GenWithStackByArgs("graph is nil")
	}
	cfg.adjust(c.cfg)
	if err := g.Validate(); err != nil {
		return nil, err
	}
	if err := checkProcessors(g, cfg.Guarantee); err != nil {
		return nil, err
	}

	id := c.idGen.NewString()
	p, err := newPlan(id, g, c.cluster.Members())
	if err != nil {
		return nil, err
	}
	g.Freeze()

	js := newJobState(id, g, cfg, logutil.NewLogger4Job(id, cfg.Name))
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errors.ErrCoordinatorClosed.GenWithStackByArgs()
	}
	js.submittedAt = c.clock.Now()
	c.jobs[id] = js
	c.index.add(js.indexEntry())
	// registered under mu so that Close either rejects the job or waits for it
	c.wg.Add(1)
	c.mu.Unlock()
	metrics.JobStatusGauge.WithLabelValues(StatusNotRunning.String()).Inc()
	c.persist(js)

	if err := c.transit(js, StatusStarting, nil); err != nil {
		c.wg.Done()
		return nil, err
	}
	js.logger.Info("job submitted",
		zap.Stringer("guarantee", cfg.Guarantee),
		zap.Int("vertices", len(g.Vertices())),
		zap.Int("edges", len(g.Edges())))

	go func() {
		defer c.wg.Done()
		c.run(js, p)
	}()
	return &Job{id: id, c: c}, nil
}

// checkProcessors creates one processor of every vertex and checks that
// the job can snapshot it.
func checkProcessors(g *dag.Graph, guarantee processor.Guarantee) error {
	for _, v := range g.Vertices() {
		p := v.Supplier()()
		if p == nil {
			return errors.ErrInvalidVertex.GenWithStackByArgs(v.Name(), "supplier returned nil")
		}
		if guarantee != processor.GuaranteeNone && !processor.SupportsSnapshots(p) {
			return errors.ErrProcessorNotSnapshottable.GenWithStackByArgs(v.Name())
		}
	}
	return nil
}

func (c *Coordinator) run(js *jobState, p *plan) {
	bo := newRestartBackoff(js.cfg.RestartPolicy, c.clock, js.logger)
	var restoredID uint64
	for {
		result := outcomeFailed
		att, err := c.startAttempt(js, p, restoredID)
		if err == nil {
			c.mu.Lock()
			js.current = att
			js.userSuspended = false
			c.mu.Unlock()
			if err := c.transit(js, StatusRunning, nil); err != nil {
				js.logger.Panic("job status transition failed", zap.Error(err))
			}
			result, err = c.waitAttempt(js, att)
			c.mu.Lock()
			js.retire(att)
			c.mu.Unlock()
		}

		switch result {
		case outcomeCompleted:
			c.complete(js)
			return
		case outcomeCancelled:
			c.fail(js, errors.ErrJobCancelled.GenWithStackByArgs(js.id))
			return
		case outcomeSuspended:
			restoredID = c.latestSnapshot(js)
			if !c.suspend(js) {
				return
			}
		case outcomeFailed:
			var ok bool
			restoredID, ok = c.prepareRestart(js, bo, err)
			if !ok {
				return
			}
		default:
			panic(fmt.Sprintf("unknown attempt outcome %d", result))
		}

		next, err := p.reassign(js.id, js.graph, c.cluster.Members())
		if err != nil {
			c.fail(js, err)
			return
		}
		p = next
	}
}

// waitAttempt waits until the attempt finished, was cancelled or was
// suspended.
func (c *Coordinator) waitAttempt(js *jobState, att *attempt) (outcome, error) {
	done := att.done()
	result := outcomeCompleted
	select {
	case <-done:
	case <-js.cancelCh:
		result = outcomeCancelled
	case <-js.suspendCh:
		result = outcomeSuspended
		c.terminalSnapshot(js, att, done)
	}
	att.cancel()
	<-done
	att.stop()

	err := att.err()
	switch {
	case err == nil:
		// finished before the cancellation reached the tasklets
		return outcomeCompleted, nil
	case result == outcomeCompleted:
		return outcomeFailed, err
	default:
		return result, err
	}
}

// terminalSnapshot takes a snapshot before a suspension and waits for it
// to commit or fail.
func (c *Coordinator) terminalSnapshot(js *jobState, att *attempt, done <-chan struct{}) {
	if att.snapshots == nil {
		return
	}
	events := att.snapshots.Events()
	defer events.Close()

	id, ok := att.snapshots.Trigger()
	if !ok {
		id = att.snapshots.Stats().InFlight
	}
	timeout := c.clock.After(js.cfg.SnapshotTimeout)
	for {
		select {
		case ev, ok := <-events.C:
			if !ok || ev.SnapshotID >= id {
				js.logger.Info("terminal snapshot finished", logutil.SnapshotID(ev.SnapshotID), zap.Error(ev.Err))
				return
			}
		case <-timeout:
			js.logger.Warn("terminal snapshot timed out", logutil.SnapshotID(id))
			return
		case <-done:
			return
		}
	}
}

// suspend parks a job suspended by Suspend until Resume. It returns false
// if the job was cancelled or the coordinator closed meanwhile.
func (c *Coordinator) suspend(js *jobState) bool {
	select {
	case <-js.resumeCh:
	default:
	}
	c.mu.Lock()
	js.userSuspended = true
	c.mu.Unlock()
	if err := c.transit(js, StatusSuspended, nil); err != nil {
		js.logger.Panic("job status transition failed", zap.Error(err))
	}
	js.logger.Info("job suspended")

	select {
	case <-js.resumeCh:
		js.logger.Info("job resumed")
		return true
	case <-js.cancelCh:
		c.fail(js, errors.ErrJobCancelled.GenWithStackByArgs(js.id))
	case <-c.ctx.Done():
		c.fail(js, errors.ErrCoordinatorClosed.GenWithStackByArgs())
	}
	return false
}

// prepareRestart decides whether a failed attempt is restarted. It moves
// the job to SUSPENDED, waits for the backoff and returns the snapshot to
// restart from. It returns false after failing the job.
func (c *Coordinator) prepareRestart(js *jobState, bo *restartBackoff, cause error) (uint64, bool) {
	if c.ctx.Err() != nil {
		c.fail(js, errors.WrapError(errors.ErrCoordinatorClosed, cause))
		return 0, false
	}
	if !c.restartable(js, cause) {
		c.fail(js, cause)
		return 0, false
	}
	if bo.Terminate() {
		c.fail(js, errors.WrapError(errors.ErrJobRestartExhausted, cause, js.id, bo.Restarts()))
		return 0, false
	}
	id := c.latestSnapshot(js)
	if id == 0 {
		c.fail(js, errors.WrapError(errors.ErrNoSnapshotToRestore, cause, js.id))
		return 0, false
	}

	c.mu.RLock()
	status := js.status
	c.mu.RUnlock()
	if status != StatusSuspended {
		if err := c.transit(js, StatusSuspended, cause); err != nil {
			c.fail(js, cause)
			return 0, false
		}
	}

	wait := bo.Fail()
	c.mu.Lock()
	js.restarts = bo.Restarts()
	c.mu.Unlock()
	metrics.JobRestartCounter.WithLabelValues(js.id).Inc()
	js.logger.Warn("job execution failed, restarting",
		zap.Int("restarts", bo.Restarts()),
		zap.Duration("backoff", wait),
		logutil.SnapshotID(id),
		zap.Error(cause))

	select {
	case <-c.clock.After(wait):
		return id, true
	case <-js.cancelCh:
		c.fail(js, errors.ErrJobCancelled.GenWithStackByArgs(js.id))
	case <-c.ctx.Done():
		c.fail(js, errors.ErrCoordinatorClosed.GenWithStackByArgs())
	}
	return 0, false
}

func (c *Coordinator) restartable(js *jobState, err error) bool {
	if errors.Is(err, errors.ErrMemberLost) {
		return true
	}
	return js.cfg.RestartPolicy.RestartOnProcessorFailure && errors.Is(err, errors.ErrProcessorFailed)
}

// latestSnapshot returns the latest complete snapshot of the job, 0 if
// there is none.
func (c *Coordinator) latestSnapshot(js *jobState) uint64 {
	if js.cfg.Guarantee == processor.GuaranteeNone {
		return 0
	}
	id, ok, err := c.snapshots.LatestComplete(js.id)
	if err != nil {
		js.logger.Warn("read latest snapshot failed", zap.Error(err))
		return 0
	}
	if !ok {
		return 0
	}
	c.onSnapshotCommitted(js, id)
	return id
}

func (c *Coordinator) onSnapshotCommitted(js *jobState, id uint64) {
	c.mu.Lock()
	changed := id > js.lastSnapshot
	if changed {
		js.lastSnapshot = id
	}
	c.mu.Unlock()
	if changed {
		c.persist(js)
	}
}

func (c *Coordinator) complete(js *jobState) {
	if err := c.transit(js, StatusCompleting, nil); err != nil {
		js.logger.Panic("job status transition failed", zap.Error(err))
	}
	if err := c.snapshots.PurgeJob(js.id); err != nil {
		js.logger.Warn("purge snapshots of completed job failed", zap.Error(err))
	}
	if err := c.transit(js, StatusCompleted, nil); err != nil {
		js.logger.Panic("job status transition failed", zap.Error(err))
	}
	js.logger.Info("job completed")
}

func (c *Coordinator) fail(js *jobState, cause error) {
	if err := c.transit(js, StatusFailed, cause); err != nil {
		js.logger.Panic("job status transition failed", zap.Error(err))
	}
	js.logger.Warn("job failed", zap.Error(cause))
}

// transit moves the job to status to. Transitions of a job are only made
// by the goroutine running it.
func (c *Coordinator) transit(js *jobState, to Status, cause error) error {
	c.mu.Lock()
	from := js.status
	if !from.CanTransitTo(to) {
		c.mu.Unlock()
		return errors.ErrJobStatusTransition.GenWithStackByArgs(js.id, from, to)
	}
	change := StatusChange{From: from, To: to, At: c.clock.Now()}
	js.status = to
	js.history = append(js.history, change)
	if to == StatusFailed {
		js.failure = cause
	}
	if to.IsTerminal() {
		js.completedAt = change.At
	}
	c.mu.Unlock()

	metrics.JobStatusGauge.WithLabelValues(from.String()).Dec()
	metrics.JobStatusGauge.WithLabelValues(to.String()).Inc()
	js.logger.Info("job status changed", zap.Stringer("from", from), zap.Stringer("to", to))
	c.persist(js)
	c.statusNotifier.Notify(StatusEvent{JobID: js.id, Name: js.name, StatusChange: change})
	if to.IsTerminal() {
		close(js.doneCh)
	}
	return nil
}

func (c *Coordinator) persist(js *jobState) {
	js.persistMu.Lock()
	defer js.persistMu.Unlock()

	c.mu.RLock()
	rec := js.record()
	c.mu.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := c.meta.UpsertJob(ctx, rec); err != nil {
		js.logger.Warn("persist job record failed", zap.Error(err))
	}
}

func (c *Coordinator) lookup(id string) (*jobState, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	js, ok := c.jobs[id]
	if !ok {
		return nil, errors.ErrJobNotFound.GenWithStackByArgs(id)
	}
	return js, nil
}

// Join blocks until the job is terminal. It returns nil for a COMPLETED
// job and ErrJobFailed wrapping the cause for a FAILED one.
func (c *Coordinator) Join(ctx context.Context, id string) error {
	js, err := c.lookup(id)
	if err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return errors.Trace(ctx.Err())
	case <-js.doneCh:
	}

	c.mu.RLock()
	status, failure := js.status, js.failure
	c.mu.RUnlock()
	if status == StatusFailed {
		if failure == nil {
			failure = errors.ErrUnknown.GenWithStackByArgs()
		}
		return errors.WrapError(errors.ErrJobFailed, failure, id)
	}
	return nil
}

// Cancel requests the cooperative shutdown of the job, which then fails
// with ErrJobCancelled. Cancelling a terminal job does nothing.
func (c *Coordinator) Cancel(id string) error {
	js, err := c.lookup(id)
	if err != nil {
		return err
	}
	c.mu.RLock()
	terminal := js.status.IsTerminal()
	c.mu.RUnlock()
	if terminal {
		return nil
	}
	js.logger.Info("job cancellation requested")
	js.requestCancel()
	return nil
}

// Suspend takes a terminal snapshot of a RUNNING job and stops its
// execution. The job becomes SUSPENDED asynchronously.
func (c *Coordinator) Suspend(id string) error {
	js, err := c.lookup(id)
	if err != nil {
		return err
	}
	c.mu.RLock()
	status := js.status
	c.mu.RUnlock()
	if status != StatusRunning {
		return errors.ErrJobNotRunning.GenWithStackByArgs(id)
	}
	select {
	case js.suspendCh <- struct{}{}:
	default:
	}
	return nil
}

// Resume restarts a job suspended by Suspend from its latest snapshot.
func (c *Coordinator) Resume(id string) error {
	js, err := c.lookup(id)
	if err != nil {
		return err
	}
	c.mu.RLock()
	suspended := js.status == StatusSuspended && js.userSuspended
	c.mu.RUnlock()
	if !suspended {
		return errors.ErrJobNotSuspended.GenWithStackByArgs(id)
	}
	select {
	case js.resumeCh <- struct{}{}:
	default:
	}
	return nil
}

// TriggerSnapshot starts a snapshot of a RUNNING job and returns its id.
// If a snapshot is already in flight its id is returned instead.
func (c *Coordinator) TriggerSnapshot(id string) (uint64, error) {
	js, err := c.lookup(id)
	if err != nil {
		return 0, err
	}
	c.mu.RLock()
	status, att := js.status, js.current
	c.mu.RUnlock()
	if status != StatusRunning || att == nil {
		return 0, errors.ErrJobNotRunning.GenWithStackByArgs(id)
	}
	if att.snapshots == nil {
		return 0, errors.ErrInvalidArgument.GenWithStackByArgs("job " + id + " runs without a processing guarantee")
	}
	snapshotID, ok := att.snapshots.Trigger()
	if !ok {
		snapshotID = att.snapshots.Stats().InFlight
	}
	return snapshotID, nil
}

// GetJob returns a copy of the job record.
func (c *Coordinator) GetJob(id string) (*JobInfo, error) {
	js, err := c.lookup(id)
	if err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return js.info(), nil
}

// ListJobs returns copies of the jobs matching filter, latest submission
// first.
func (c *Coordinator) ListJobs(filter JobFilter) []*JobInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := c.index.query(filter)
	ret := make([]*JobInfo, 0, len(ids))
	for _, id := range ids {
		ret = append(ret, c.jobs[id].info())
	}
	return ret
}

// JobMetrics returns the progress counters of the job.
func (c *Coordinator) JobMetrics(id string) (*JobMetrics, error) {
	js, err := c.lookup(id)
	if err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return js.metrics(), nil
}

// WatchJobStatuses returns a receiver of all status changes. The caller
// must close it.
func (c *Coordinator) WatchJobStatuses() *notifier.Receiver[StatusEvent] {
	return c.statusNotifier.NewReceiver()
}

// Purge forgets a terminal job together with its snapshots and metrics.
func (c *Coordinator) Purge(ctx context.Context, id string) error {
	c.mu.Lock()
	js, ok := c.jobs[id]
	if !ok {
		c.mu.Unlock()
		return errors.ErrJobNotFound.GenWithStackByArgs(id)
	}
	if !js.status.IsTerminal() {
		c.mu.Unlock()
		return errors.ErrJobNotTerminated.GenWithStackByArgs(id)
	}
	delete(c.jobs, id)
	c.index.remove(js.indexEntry())
	status := js.status
	c.mu.Unlock()

	metrics.JobStatusGauge.WithLabelValues(status.String()).Dec()
	metrics.RemoveJob(id)
	if err := c.snapshots.PurgeJob(id); err != nil {
		return err
	}
	if err := c.meta.DeleteJob(ctx, id); err != nil {
		return err
	}
	js.logger.Info("job purged")
	return nil
}

// Close stops every running job, they end FAILED with
// ErrCoordinatorClosed.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
	c.statusNotifier.Close()
	c.logger.Info("job coordinator closed")
}
