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
	"sync"
	"time"

	"github.com/pingcap/dagflow/engine/dag"
	"github.com/pingcap/dagflow/engine/meta"
	"github.com/pingcap/dagflow/engine/processor"
	"github.com/pingcap/dagflow/engine/snapshot"
	"go.uber.org/zap"
)

// Job is a handle to a submitted job.
type Job struct {
	id string
	c  *Coordinator
}

// ID returns the job id.
func (j *Job) ID() string {
	return j.id
}

// Join blocks until the job is terminal, see Coordinator.Join.
func (j *Job) Join(ctx context.Context) error {
	return j.c.Join(ctx, j.id)
}

// Info returns a copy of the job record.
func (j *Job) Info() (*JobInfo, error) {
	return j.c.GetJob(j.id)
}

// Status returns the current status of the job.
func (j *Job) Status() (Status, error) {
	info, err := j.c.GetJob(j.id)
	if err != nil {
		return 0, err
	}
	return info.Status, nil
}

// Cancel cancels the job.
func (j *Job) Cancel() error {
	return j.c.Cancel(j.id)
}

// StatusChange is one entry of the status history of a job.
type StatusChange struct {
	From Status
	To   Status
	At   time.Time
}

// JobInfo is a point-in-time copy of a job record.
type JobInfo struct {
	ID          string
	Name        string
	Status      Status
	Guarantee   processor.Guarantee
	SubmittedAt time.Time
	CompletedAt time.Time
	// Failure is the cause of a FAILED job.
	Failure error
	// LastSnapshot is the latest complete snapshot, 0 if none.
	LastSnapshot uint64
	Restarts     int
	History      []StatusChange
}

// StatusEvent is delivered to WatchJobStatuses receivers on every
// status change.
type StatusEvent struct {
	JobID string
	Name  string
	StatusChange
}

// VertexMetrics counts the items a vertex consumed and emitted over all
// its slots.
type VertexMetrics struct {
	ItemsIn  int64
	ItemsOut int64
}

// JobMetrics are the progress counters of a job. Counters of a restarted
// execution add to the counters of the previous ones.
type JobMetrics struct {
	Vertices  map[string]VertexMetrics
	Snapshots snapshot.Stats
	Restarts  int
}

type jobState struct {
	id     string
	name   string
	graph  *dag.Graph
	cfg    Config
	logger *zap.Logger

	// fields below are guarded by Coordinator.mu
	status       Status
	submittedAt  time.Time
	completedAt  time.Time
	failure      error
	lastSnapshot uint64
	restarts     int
	history      []StatusChange
	current      *attempt
	progress     map[string]VertexMetrics
	snapStats    snapshot.Stats

	// userSuspended is set while the job is suspended by Suspend, as
	// opposed to waiting for a restart.
	userSuspended bool

	// persistMu orders the writes of the job record.
	persistMu sync.Mutex

	doneCh     chan struct{}
	cancelCh   chan struct{}
	cancelOnce sync.Once
	suspendCh  chan struct{}
	resumeCh   chan struct{}
}

func newJobState(id string, g *dag.Graph, cfg Config, logger *zap.Logger) *jobState {
	return &jobState{
		id:        id,
		name:      cfg.Name,
		graph:     g,
		cfg:       cfg,
		logger:    logger,
		status:    StatusNotRunning,
		progress:  make(map[string]VertexMetrics),
		doneCh:    make(chan struct{}),
		cancelCh:  make(chan struct{}),
		suspendCh: make(chan struct{}, 1),
		resumeCh:  make(chan struct{}, 1),
	}
}

func (js *jobState) indexEntry() indexEntry {
	return indexEntry{name: js.name, submittedAt: js.submittedAt, id: js.id}
}

func (js *jobState) info() *JobInfo {
	history := make([]StatusChange, len(js.history))
	copy(history, js.history)
	return &JobInfo{
		ID:           js.id,
		Name:         js.name,
		Status:       js.status,
		Guarantee:    js.cfg.Guarantee,
		SubmittedAt:  js.submittedAt,
		CompletedAt:  js.completedAt,
		Failure:      js.failure,
		LastSnapshot: js.lastSnapshot,
		Restarts:     js.restarts,
		History:      history,
	}
}

func (js *jobState) record() *meta.JobRecord {
	rec := &meta.JobRecord{
		ID:           js.id,
		Name:         js.name,
		Status:       js.status.String(),
		Guarantee:    js.cfg.Guarantee.String(),
		SubmittedAt:  js.submittedAt,
		CompletedAt:  js.completedAt,
		LastSnapshot: js.lastSnapshot,
		Restarts:     js.restarts,
	}
	if js.failure != nil {
		rec.Failure = js.failure.Error()
	}
	return rec
}

// parseGuarantee maps unknown persisted values to GuaranteeNone.
func parseGuarantee(s string) processor.Guarantee {
	g, err := processor.ParseGuarantee(s)
	if err != nil {
		return processor.GuaranteeNone
	}
	return g
}

func (js *jobState) metrics() *JobMetrics {
	ret := &JobMetrics{
		Vertices:  make(map[string]VertexMetrics, len(js.progress)),
		Snapshots: js.snapStats,
		Restarts:  js.restarts,
	}
	for v, m := range js.progress {
		ret.Vertices[v] = m
	}
	if js.current != nil {
		for v, m := range js.current.progress() {
			acc := ret.Vertices[v]
			acc.ItemsIn += m.ItemsIn
			acc.ItemsOut += m.ItemsOut
			ret.Vertices[v] = acc
		}
		if js.current.snapshots != nil {
			stats := js.current.snapshots.Stats()
			ret.Snapshots.Completed += stats.Completed
			ret.Snapshots.Failed += stats.Failed
			ret.Snapshots.InFlight = stats.InFlight
			if stats.LastCommitted > ret.Snapshots.LastCommitted {
				ret.Snapshots.LastCommitted = stats.LastCommitted
			}
		}
	}
	return ret
}

// retire folds the counters of the finished attempt into the job.
func (js *jobState) retire(att *attempt) {
	for v, m := range att.progress() {
		acc := js.progress[v]
		acc.ItemsIn += m.ItemsIn
		acc.ItemsOut += m.ItemsOut
		js.progress[v] = acc
	}
	if att.snapshots != nil {
		stats := att.snapshots.Stats()
		js.snapStats.Completed += stats.Completed
		js.snapStats.Failed += stats.Failed
		js.snapStats.InFlight = 0
		if stats.LastCommitted > js.snapStats.LastCommitted {
			js.snapStats.LastCommitted = stats.LastCommitted
		}
	}
	if js.current == att {
		js.current = nil
	}
}

func (js *jobState) requestCancel() {
	js.cancelOnce.Do(func() { close(js.cancelCh) })
}
