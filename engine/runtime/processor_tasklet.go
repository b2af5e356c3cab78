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

package runtime

import (
	"fmt"
	"math"

	"github.com/pingcap/dagflow/engine/metrics"
	"github.com/pingcap/dagflow/engine/pkg/logutil"
	"github.com/pingcap/dagflow/engine/processor"
	"github.com/pingcap/dagflow/engine/snapshot"
	"github.com/pingcap/dagflow/engine/transport"
	"github.com/pingcap/dagflow/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// InboundEdge is one input ordinal of a tasklet together with the
// conveyor its producers write to.
type InboundEdge struct {
	Ordinal  int
	Priority int
	Conveyor *transport.Conveyor
}

// TaskletConfig describes a ProcessorTasklet.
type TaskletConfig struct {
	Processor processor.Processor
	Context   *processor.Context
	Inputs    []InboundEdge
	// Outputs are indexed by output ordinal.
	Outputs        []*transport.Collector
	InboxBatchSize int
	OutboxCapacity int
	// Snapshots is nil when the job runs without a processing guarantee.
	Snapshots SnapshotHandler
	// Restore is nil when the execution starts from scratch.
	Restore *RestoreState
}

type taskletState int

const (
	stateProcessInput taskletState = iota + 1
	stateComplete
	stateEmitDone
	stateDone
)

func (s taskletState) String() string {
	switch s {
	case stateProcessInput:
		return "process-input"
	case stateComplete:
		return "complete"
	case stateEmitDone:
		return "emit-done"
	case stateDone:
		return "done"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

type inputEdge struct {
	InboundEdge
	queues []*transport.Queue
	// done and barrier are indexed like queues, barrier holds the id of
	// the last barrier received from the queue
	done      []bool
	barrier   []uint64
	live      int
	completed bool
	nextQueue int
}

// ProcessorTasklet drives one processor instance: it moves items from the
// inbound queues to the processor, from the outbox to the outbound
// collectors, aligns snapshot barriers and finally emits Done downstream.
type ProcessorTasklet struct {
	id          string
	key         snapshot.TaskletKey
	proc        processor.Processor
	ctx         *processor.Context
	exactlyOnce bool
	snapshots   SnapshotHandler
	restore     *RestoreState
	logger      *zap.Logger

	inputs       []*inputEdge
	nextInput    int
	inbox        *processor.ArrayInbox
	inboxOrdinal int
	batchSize    int
	outbox       *processor.BucketOutbox
	outputs      []*transport.Collector

	state          taskletState
	pendingBarrier uint64
	lastSnapshot   uint64
	committedSeen  uint64
	// control is the Barrier or Done being broadcast, controlSent tracks
	// the outputs that already accepted it
	control     any
	controlSent []bool

	itemsIn  prometheus.Counter
	itemsOut prometheus.Counter
	inCount  atomic.Int64
	outCount atomic.Int64
}

// NewProcessorTasklet creates a ProcessorTasklet.
func NewProcessorTasklet(cfg TaskletConfig) *ProcessorTasklet {
	if cfg.InboxBatchSize <= 0 {
		cfg.InboxBatchSize = DefaultInboxBatchSize
	}
	if cfg.OutboxCapacity <= 0 {
		cfg.OutboxCapacity = DefaultOutboxCapacity
	}
	ctx := cfg.Context
	if ctx.Logger == nil {
		ctx.Logger = logutil.NewLogger4Tasklet(ctx.JobID, ctx.Vertex, ctx.GlobalSlot)
	}
	t := &ProcessorTasklet{
		id:          fmt.Sprintf("%s#%d", ctx.Vertex, ctx.GlobalSlot),
		key:         snapshot.TaskletKey{Vertex: ctx.Vertex, Slot: ctx.GlobalSlot},
		proc:        cfg.Processor,
		ctx:         ctx,
		exactlyOnce: ctx.Guarantee == processor.GuaranteeExactlyOnce,
		snapshots:   cfg.Snapshots,
		restore:     cfg.Restore,
		logger:      ctx.Logger,
		inbox:       processor.NewArrayInbox(cfg.InboxBatchSize),
		batchSize:   cfg.InboxBatchSize,
		outbox:      processor.NewBucketOutbox(len(cfg.Outputs), cfg.OutboxCapacity),
		outputs:     cfg.Outputs,
		controlSent: make([]bool, len(cfg.Outputs)),
		state:       stateProcessInput,
		itemsIn:     metrics.ItemsInCounter.WithLabelValues(ctx.JobID, ctx.Vertex),
		itemsOut:    metrics.ItemsOutCounter.WithLabelValues(ctx.JobID, ctx.Vertex),
	}
	for _, in := range sortInputs(cfg.Inputs) {
		edge := &inputEdge{InboundEdge: in}
		for i := 0; i < in.Conveyor.QueueCount(); i++ {
			edge.queues = append(edge.queues, in.Conveyor.Queue(i))
		}
		edge.done = make([]bool, len(edge.queues))
		edge.barrier = make([]uint64, len(edge.queues))
		edge.live = len(edge.queues)
		t.inputs = append(t.inputs, edge)
	}
	return t
}

// sortInputs orders inputs by priority, then by ordinal.
func sortInputs(inputs []InboundEdge) []InboundEdge {
	sorted := make([]InboundEdge, len(inputs))
	copy(sorted, inputs)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && lessInput(sorted[j], sorted[j-1]); j-- {
			sorted[j], sorted[j-1] = sorted[j-1], sorted[j]
		}
	}
	return sorted
}

func lessInput(a, b InboundEdge) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	return a.Ordinal < b.Ordinal
}

// ID implements Tasklet.ID.
func (t *ProcessorTasklet) ID() string {
	return t.id
}

// Key returns the snapshot key of the tasklet.
func (t *ProcessorTasklet) Key() snapshot.TaskletKey {
	return t.key
}

// Vertex returns the name of the vertex the tasklet belongs to.
func (t *ProcessorTasklet) Vertex() string {
	return t.ctx.Vertex
}

// Progress returns the number of items the processor consumed and the
// number of items delivered downstream. It is safe for concurrent use.
func (t *ProcessorTasklet) Progress() (in, out int64) {
	return t.inCount.Load(), t.outCount.Load()
}

// IsCooperative implements Tasklet.IsCooperative.
func (t *ProcessorTasklet) IsCooperative() bool {
	return t.proc.IsCooperative()
}

// Init implements Tasklet.Init.
func (t *ProcessorTasklet) Init() error {
	if err := t.proc.Init(t.ctx, t.outbox); err != nil {
		return t.wrap(err)
	}
	if len(t.inputs) == 0 {
		t.state = stateComplete
	}
	if t.restore == nil {
		return nil
	}

	id := t.restore.SnapshotID
	t.lastSnapshot = id
	t.committedSeen = id
	t.ctx.SetSnapshotID(id)
	if t.restore.Record.Done {
		t.logger.Info("tasklet finished before the snapshot, skip it", logutil.SnapshotID(id))
		t.state = stateEmitDone
		return nil
	}
	if s, ok := t.proc.(processor.Snapshotter); ok {
		if err := s.RestoreSnapshot(t.restore.Record.State); err != nil {
			return t.wrap(err)
		}
	}
	t.logger.Info("tasklet restored", logutil.SnapshotID(id))
	return nil
}

// Call implements Tasklet.Call.
func (t *ProcessorTasklet) Call() (ProgressState, error) {
	if t.state == stateDone {
		return ProgressState{Done: true}, nil
	}
	if err := t.notifyCommitted(); err != nil {
		return ProgressState{}, t.wrap(err)
	}

	progress := t.flushOutbox()
	if !t.outbox.IsEmpty() {
		return ProgressState{MadeProgress: progress}, nil
	}
	if t.state == stateEmitDone && t.control == nil {
		t.startControl(transport.Done)
	}
	if t.control != nil {
		if !t.emitControl() {
			return ProgressState{MadeProgress: progress}, nil
		}
		progress = true
		if t.state == stateEmitDone {
			t.finish()
			return ProgressState{MadeProgress: true, Done: true}, nil
		}
	}

	var (
		madeProgress bool
		err          error
	)
	switch t.state {
	case stateProcessInput:
		madeProgress, err = t.processInput()
	case stateComplete:
		madeProgress, err = t.complete()
	}
	if err != nil {
		return ProgressState{MadeProgress: progress}, t.wrap(err)
	}
	return ProgressState{MadeProgress: progress || madeProgress}, nil
}

// Status implements Tasklet.Status.
func (t *ProcessorTasklet) Status() Status {
	st := Status{
		PendingInput:  !t.inbox.IsEmpty(),
		OutputBlocked: !t.outbox.IsEmpty() || t.control != nil,
	}
	if st.PendingInput {
		return st
	}
	for _, in := range t.inputs {
		for i, q := range in.queues {
			if !in.done[i] && q.Len() > 0 {
				st.PendingInput = true
				return st
			}
		}
	}
	return st
}

// Close implements Tasklet.Close.
func (t *ProcessorTasklet) Close() error {
	if err := t.proc.Close(); err != nil {
		return t.wrap(err)
	}
	return nil
}

func (t *ProcessorTasklet) wrap(err error) error {
	if errors.Is(err, errors.ErrProcessorFailed) {
		return err
	}
	return errors.WrapError(errors.ErrProcessorFailed, err, t.id)
}

func (t *ProcessorTasklet) notifyCommitted() error {
	if t.snapshots == nil {
		return nil
	}
	committer, ok := t.proc.(processor.SnapshotCommitter)
	if !ok {
		return nil
	}
	id := t.snapshots.CommittedSnapshot()
	if id <= t.committedSeen {
		return nil
	}
	t.committedSeen = id
	return committer.OnSnapshotCompleted(id)
}

func (t *ProcessorTasklet) flushOutbox() bool {
	moved := 0
	for ordinal, c := range t.outputs {
		for {
			item, ok := t.outbox.Peek(ordinal)
			if !ok || !c.Offer(item) {
				break
			}
			t.outbox.Pop(ordinal)
			moved++
		}
	}
	if moved > 0 {
		t.itemsOut.Add(float64(moved))
		t.outCount.Add(int64(moved))
	}
	return moved > 0
}

func (t *ProcessorTasklet) startControl(item any) {
	t.control = item
	for i := range t.controlSent {
		t.controlSent[i] = false
	}
}

func (t *ProcessorTasklet) emitControl() bool {
	done := true
	for i, c := range t.outputs {
		if t.controlSent[i] {
			continue
		}
		if c.OfferControl(t.control) {
			t.controlSent[i] = true
		} else {
			done = false
		}
	}
	if done {
		t.control = nil
	}
	return done
}

func (t *ProcessorTasklet) finish() {
	t.state = stateDone
	if t.snapshots != nil {
		t.snapshots.TaskletDone(t.key)
	}
	t.logger.Debug("tasklet done")
}

func (t *ProcessorTasklet) processInput() (bool, error) {
	if !t.inbox.IsEmpty() {
		return t.process()
	}
	if t.pendingBarrier != 0 && t.aligned() {
		return true, t.takeSnapshot(t.pendingBarrier)
	}
	for _, in := range t.inputs {
		if in.live > 0 || in.completed {
			continue
		}
		done, err := t.proc.CompleteEdge(in.Ordinal)
		if err != nil {
			return false, err
		}
		in.completed = done
		return done || !t.outbox.IsEmpty(), nil
	}
	if t.allInputsCompleted() {
		t.state = stateComplete
		return true, nil
	}

	consumed := t.fillInbox()
	if !t.inbox.IsEmpty() {
		if _, err := t.process(); err != nil {
			return true, err
		}
		return true, nil
	}
	return consumed, nil
}

func (t *ProcessorTasklet) process() (bool, error) {
	before := t.inbox.Len()
	err := t.proc.Process(t.inboxOrdinal, t.inbox)
	consumed := before - t.inbox.Len()
	if consumed > 0 {
		t.itemsIn.Add(float64(consumed))
		t.inCount.Add(int64(consumed))
	}
	return consumed > 0 || !t.outbox.IsEmpty(), err
}

func (t *ProcessorTasklet) allInputsCompleted() bool {
	for _, in := range t.inputs {
		if !in.completed {
			return false
		}
	}
	return true
}

// aligned reports whether every live queue delivered the pending barrier.
func (t *ProcessorTasklet) aligned() bool {
	for _, in := range t.inputs {
		for i := range in.queues {
			if !in.done[i] && in.barrier[i] < t.pendingBarrier {
				return false
			}
		}
	}
	return true
}

// holdBack reports whether a queue has to wait for the other queues to
// deliver the pending barrier.
func (t *ProcessorTasklet) holdBack(in *inputEdge, queue int) bool {
	return t.exactlyOnce && t.pendingBarrier != 0 && in.barrier[queue] >= t.pendingBarrier
}

// readable reports whether the input has a live queue that is not held
// back by the pending barrier.
func (t *ProcessorTasklet) readable(in *inputEdge) bool {
	if in.live == 0 {
		return false
	}
	for i := range in.queues {
		if !in.done[i] && !t.holdBack(in, i) {
			return true
		}
	}
	return false
}

// fillInbox moves items of the readable input with the lowest priority to
// the inbox. Inputs of the same priority take turns. While a barrier is
// pending, a priority level whose queues are all held back is skipped so
// the lower levels can deliver the barrier too. It reports whether
// anything, including control items, was consumed.
func (t *ProcessorTasklet) fillInbox() bool {
	priority := math.MaxInt
	for _, in := range t.inputs {
		if in.Priority < priority && t.readable(in) {
			priority = in.Priority
		}
	}
	if priority == math.MaxInt {
		return false
	}

	consumed := false
	n := len(t.inputs)
	for i := 0; i < n; i++ {
		idx := (t.nextInput + i) % n
		in := t.inputs[idx]
		if in.Priority != priority || !t.readable(in) {
			continue
		}
		added, control := t.drainEdge(in)
		consumed = consumed || control
		if added > 0 {
			t.nextInput = (idx + 1) % n
			t.inboxOrdinal = in.Ordinal
			return true
		}
	}
	return consumed
}

func (t *ProcessorTasklet) drainEdge(in *inputEdge) (int, bool) {
	control := false
	m := len(in.queues)
	for j := 0; j < m; j++ {
		qi := (in.nextQueue + j) % m
		if in.done[qi] || t.holdBack(in, qi) {
			continue
		}
		q := in.queues[qi]
		added := q.DrainTo(t.batchSize-t.inbox.Len(), func(item any) bool {
			if transport.IsControl(item) {
				return false
			}
			t.inbox.Add(item)
			return true
		})
		if added > 0 {
			in.nextQueue = (qi + 1) % m
			return added, control
		}
		if item, ok := q.Peek(); ok && transport.IsControl(item) {
			q.Poll()
			t.onControl(in, qi, item)
			control = true
		}
	}
	return 0, control
}

func (t *ProcessorTasklet) onControl(in *inputEdge, queue int, item any) {
	barrier, ok := item.(transport.Barrier)
	if !ok {
		in.done[queue] = true
		in.live--
		return
	}
	id := barrier.SnapshotID
	if id > in.barrier[queue] {
		in.barrier[queue] = id
	}
	// A newer barrier means the pending snapshot was given up.
	if id > t.pendingBarrier && id > t.lastSnapshot {
		t.pendingBarrier = id
	}
}

func (t *ProcessorTasklet) complete() (bool, error) {
	if t.snapshots != nil {
		if id := t.snapshots.RequestedSnapshot(); id > t.lastSnapshot {
			return true, t.takeSnapshot(id)
		}
	}
	done, err := t.proc.Complete()
	if err != nil {
		return false, err
	}
	if done {
		t.state = stateEmitDone
	}
	return done || !t.outbox.IsEmpty(), nil
}

// takeSnapshot saves the processor state for snapshot id and starts
// forwarding the barrier. The outbox is empty at this point.
func (t *ProcessorTasklet) takeSnapshot(id uint64) error {
	t.ctx.SetSnapshotID(id)
	var state []byte
	if s, ok := t.proc.(processor.Snapshotter); ok {
		var err error
		if state, err = s.SaveSnapshot(); err != nil {
			return err
		}
	}
	if err := t.snapshots.SaveState(id, t.key, state); err != nil {
		return err
	}
	t.lastSnapshot = id
	t.pendingBarrier = 0
	t.startControl(transport.Barrier{SnapshotID: id})
	t.logger.Debug("tasklet snapshot saved", logutil.SnapshotID(id), zap.Int("size", len(state)))
	return nil
}
