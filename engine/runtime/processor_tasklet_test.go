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
	"sync"
	"testing"

	"github.com/pingcap/dagflow/engine/dag"
	"github.com/pingcap/dagflow/engine/processor"
	"github.com/pingcap/dagflow/engine/snapshot"
	"github.com/pingcap/dagflow/engine/transport"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

type fakeSnapshots struct {
	requested atomic.Uint64
	committed atomic.Uint64

	mu     sync.Mutex
	states map[uint64]map[snapshot.TaskletKey][]byte
	done   map[snapshot.TaskletKey]struct{}
}

func newFakeSnapshots() *fakeSnapshots {
	return &fakeSnapshots{
		states: make(map[uint64]map[snapshot.TaskletKey][]byte),
		done:   make(map[snapshot.TaskletKey]struct{}),
	}
}

func (f *fakeSnapshots) RequestedSnapshot() uint64 { return f.requested.Load() }

func (f *fakeSnapshots) CommittedSnapshot() uint64 { return f.committed.Load() }

func (f *fakeSnapshots) SaveState(id uint64, key snapshot.TaskletKey, state []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.states[id] == nil {
		f.states[id] = make(map[snapshot.TaskletKey][]byte)
	}
	f.states[id][key] = state
	return nil
}

func (f *fakeSnapshots) TaskletDone(key snapshot.TaskletKey) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.done[key] = struct{}{}
}

func (f *fakeSnapshots) state(id uint64, key snapshot.TaskletKey) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	state, ok := f.states[id][key]
	return state, ok
}

func (f *fakeSnapshots) isDone(key snapshot.TaskletKey) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.done[key]
	return ok
}

// recordingP records every item and edge completion it sees.
type recordingP struct {
	processor.Base
	events []string
}

func (p *recordingP) Process(ordinal int, inbox processor.Inbox) error {
	inbox.Drain(func(item any) {
		p.events = append(p.events, fmt.Sprintf("%d:%v", ordinal, item))
	})
	return nil
}

func (p *recordingP) CompleteEdge(ordinal int) (bool, error) {
	p.events = append(p.events, fmt.Sprintf("complete-%d", ordinal))
	return true, nil
}

func (p *recordingP) SaveSnapshot() ([]byte, error) {
	return []byte(fmt.Sprint(p.events)), nil
}

func (p *recordingP) RestoreSnapshot([]byte) error {
	return nil
}

func testContext(vertex string, slot, total int, guarantee processor.Guarantee) *processor.Context {
	return &processor.Context{
		JobID:            "job-runtime",
		JobName:          "runtime",
		Vertex:           vertex,
		GlobalSlot:       slot,
		LocalSlot:        slot,
		TotalParallelism: total,
		LocalParallelism: total,
		Guarantee:        guarantee,
		Logger:           zap.NewNop(),
	}
}

// callUntil calls the tasklets in turn until cond holds.
func callUntil(t *testing.T, cond func() bool, tasklets ...*ProcessorTasklet) {
	for i := 0; i < 10000; i++ {
		if cond() {
			return
		}
		for _, tl := range tasklets {
			_, err := tl.Call()
			require.NoError(t, err)
		}
	}
	require.FailNow(t, "condition is not met")
}

func callN(t *testing.T, n int, tl *ProcessorTasklet) {
	for i := 0; i < n; i++ {
		_, err := tl.Call()
		require.NoError(t, err)
	}
}

func isDone(tl *ProcessorTasklet) func() bool {
	return func() bool {
		return tl.state == stateDone
	}
}

func TestTaskletSourceToSink(t *testing.T) {
	t.Parallel()

	var items []any
	for i := 1; i <= 10; i++ {
		items = append(items, i)
	}
	conveyor := transport.NewConveyor(1, 3)
	source := NewProcessorTasklet(TaskletConfig{
		Processor:      processor.ListSource(items)(),
		Context:        testContext("source", 0, 1, processor.GuaranteeNone),
		Outputs:        []*transport.Collector{transport.NewCollector(dag.Unicast, nil, []*transport.Queue{conveyor.Queue(0)})},
		OutboxCapacity: 2,
	})
	results := processor.NewCollector()
	sink := NewProcessorTasklet(TaskletConfig{
		Processor:      processor.CollectSink(results)(),
		Context:        testContext("sink", 0, 1, processor.GuaranteeNone),
		Inputs:         []InboundEdge{{Ordinal: 0, Conveyor: conveyor}},
		InboxBatchSize: 2,
	})
	require.NoError(t, source.Init())
	require.NoError(t, sink.Init())
	require.Equal(t, "source#0", source.ID())
	require.True(t, source.IsCooperative())

	callUntil(t, isDone(sink), source, sink)
	require.Equal(t, stateDone, source.state)
	require.Equal(t, items, results.Items())
	in, out := sink.Progress()
	require.Equal(t, int64(10), in)
	require.Equal(t, int64(0), out)
	_, out = source.Progress()
	require.Equal(t, int64(10), out)

	state, err := sink.Call()
	require.NoError(t, err)
	require.Equal(t, ProgressState{Done: true}, state)
	require.NoError(t, source.Close())
	require.NoError(t, sink.Close())
}

func TestTaskletBarrierAlignment(t *testing.T) {
	t.Parallel()

	for _, guarantee := range []processor.Guarantee{processor.GuaranteeAtLeastOnce, processor.GuaranteeExactlyOnce} {
		guarantee := guarantee
		t.Run(guarantee.String(), func(t *testing.T) {
			t.Parallel()

			conveyor := transport.NewConveyor(2, 16)
			q0, q1 := conveyor.Queue(0), conveyor.Queue(1)
			for _, item := range []any{"a", transport.Barrier{SnapshotID: 1}, "b"} {
				require.True(t, q0.Offer(item))
			}
			for _, item := range []any{"x", "y"} {
				require.True(t, q1.Offer(item))
			}

			p := &recordingP{}
			snapshots := newFakeSnapshots()
			snapshots.requested.Store(1)
			tl := NewProcessorTasklet(TaskletConfig{
				Processor: p,
				Context:   testContext("agg", 0, 1, guarantee),
				Inputs:    []InboundEdge{{Ordinal: 0, Conveyor: conveyor}},
				Snapshots: snapshots,
			})
			require.NoError(t, tl.Init())

			callN(t, 10, tl)
			_, saved := snapshots.state(1, tl.Key())
			require.False(t, saved)
			if guarantee == processor.GuaranteeExactlyOnce {
				require.ElementsMatch(t, []string{"0:a", "0:x", "0:y"}, p.events)
				st := tl.Status()
				require.True(t, st.PendingInput)
			} else {
				require.ElementsMatch(t, []string{"0:a", "0:b", "0:x", "0:y"}, p.events)
			}

			require.True(t, q1.Offer(transport.Barrier{SnapshotID: 1}))
			require.True(t, q1.Offer("z"))
			callUntil(t, func() bool {
				_, ok := snapshots.state(1, tl.Key())
				return ok
			}, tl)
			state, _ := snapshots.state(1, tl.Key())
			if guarantee == processor.GuaranteeExactlyOnce {
				// b is after the barrier, it must not be part of the state
				require.NotContains(t, string(state), "0:b")
			} else {
				require.Contains(t, string(state), "0:b")
			}

			require.True(t, q0.Offer(transport.Done))
			require.True(t, q1.Offer(transport.Done))
			callUntil(t, isDone(tl), tl)
			require.ElementsMatch(t, []string{"0:a", "0:b", "0:x", "0:y", "0:z", "complete-0"}, p.events)
			require.True(t, snapshots.isDone(tl.Key()))
		})
	}
}

func TestTaskletForwardsBarrier(t *testing.T) {
	t.Parallel()

	in := transport.NewConveyor(1, 8)
	out := transport.NewConveyor(1, 8)
	snapshots := newFakeSnapshots()
	snapshots.requested.Store(3)
	tl := NewProcessorTasklet(TaskletConfig{
		Processor: processor.Map(func(item any) (any, error) { return item, nil })(),
		Context:   testContext("map", 0, 1, processor.GuaranteeExactlyOnce),
		Inputs:    []InboundEdge{{Ordinal: 0, Conveyor: in}},
		Outputs:   []*transport.Collector{transport.NewCollector(dag.Unicast, nil, []*transport.Queue{out.Queue(0)})},
		Snapshots: snapshots,
	})
	require.NoError(t, tl.Init())
	for _, item := range []any{1, transport.Barrier{SnapshotID: 3}, 2, transport.Done} {
		require.True(t, in.Queue(0).Offer(item))
	}
	callUntil(t, isDone(tl), tl)

	var got []any
	for {
		item, ok := out.Queue(0).Poll()
		if !ok {
			break
		}
		got = append(got, item)
	}
	require.Equal(t, []any{1, transport.Barrier{SnapshotID: 3}, 2, transport.Done}, got)
	state, ok := snapshots.state(3, tl.Key())
	require.True(t, ok)
	require.Nil(t, state)
}

func TestTaskletInputPriority(t *testing.T) {
	t.Parallel()

	low := transport.NewConveyor(1, 8)
	high := transport.NewConveyor(1, 8)
	for _, item := range []any{"a1", "a2", transport.Done} {
		require.True(t, low.Queue(0).Offer(item))
	}
	for _, item := range []any{"b1", "b2", transport.Done} {
		require.True(t, high.Queue(0).Offer(item))
	}

	p := &recordingP{}
	tl := NewProcessorTasklet(TaskletConfig{
		Processor: p,
		Context:   testContext("join", 0, 1, processor.GuaranteeNone),
		Inputs: []InboundEdge{
			{Ordinal: 0, Priority: 1, Conveyor: low},
			{Ordinal: 1, Priority: 0, Conveyor: high},
		},
	})
	require.NoError(t, tl.Init())
	callUntil(t, isDone(tl), tl)
	require.Equal(t, []string{"1:b1", "1:b2", "complete-1", "0:a1", "0:a2", "complete-0"}, p.events)
}

func TestTaskletBarrierAlignmentAcrossPriorities(t *testing.T) {
	t.Parallel()

	low := transport.NewConveyor(1, 8)
	high := transport.NewConveyor(1, 8)
	for _, item := range []any{"a1", transport.Barrier{SnapshotID: 1}, "a2"} {
		require.True(t, high.Queue(0).Offer(item))
	}
	for _, item := range []any{"b1", transport.Barrier{SnapshotID: 1}, "b2"} {
		require.True(t, low.Queue(0).Offer(item))
	}

	p := &recordingP{}
	snapshots := newFakeSnapshots()
	snapshots.requested.Store(1)
	tl := NewProcessorTasklet(TaskletConfig{
		Processor: p,
		Context:   testContext("join", 0, 1, processor.GuaranteeExactlyOnce),
		Inputs: []InboundEdge{
			{Ordinal: 0, Priority: 1, Conveyor: low},
			{Ordinal: 1, Priority: 0, Conveyor: high},
		},
		Snapshots: snapshots,
	})
	require.NoError(t, tl.Init())

	// the barrier holds back the high priority input, the low priority
	// input still has to deliver its barrier
	callUntil(t, func() bool {
		_, ok := snapshots.state(1, tl.Key())
		return ok
	}, tl)
	state, _ := snapshots.state(1, tl.Key())
	require.Equal(t, "[1:a1 0:b1]", string(state))

	require.True(t, high.Queue(0).Offer(transport.Done))
	require.True(t, low.Queue(0).Offer(transport.Done))
	callUntil(t, isDone(tl), tl)
	require.Equal(t, []string{"1:a1", "0:b1", "1:a2", "complete-1", "0:b2", "complete-0"}, p.events)
}

func TestTaskletSourceSnapshot(t *testing.T) {
	t.Parallel()

	out := transport.NewConveyor(1, 16)
	snapshots := newFakeSnapshots()
	snapshots.requested.Store(1)
	tl := NewProcessorTasklet(TaskletConfig{
		Processor: processor.ListSource([]any{"a", "b"})(),
		Context:   testContext("source", 0, 1, processor.GuaranteeExactlyOnce),
		Outputs:   []*transport.Collector{transport.NewCollector(dag.Unicast, nil, []*transport.Queue{out.Queue(0)})},
		Snapshots: snapshots,
	})
	require.NoError(t, tl.Init())
	callUntil(t, isDone(tl), tl)

	var got []any
	for {
		item, ok := out.Queue(0).Poll()
		if !ok {
			break
		}
		got = append(got, item)
	}
	require.Equal(t, []any{transport.Barrier{SnapshotID: 1}, "a", "b", transport.Done}, got)
	_, ok := snapshots.state(1, tl.Key())
	require.True(t, ok)
	require.True(t, snapshots.isDone(tl.Key()))
}

func TestTaskletRestore(t *testing.T) {
	t.Parallel()

	// The source stopped after emitting "a".
	source := processor.ListSource([]any{"a", "b", "c"})()
	ctx := testContext("source", 0, 1, processor.GuaranteeExactlyOnce)
	require.NoError(t, source.Init(ctx, processor.NewBucketOutbox(1, 1)))
	_, err := source.Complete()
	require.NoError(t, err)
	state, err := source.(processor.Snapshotter).SaveSnapshot()
	require.NoError(t, err)

	out := transport.NewConveyor(1, 16)
	snapshots := newFakeSnapshots()
	snapshots.requested.Store(7)
	snapshots.committed.Store(7)
	tl := NewProcessorTasklet(TaskletConfig{
		Processor: processor.ListSource([]any{"a", "b", "c"})(),
		Context:   testContext("source", 0, 1, processor.GuaranteeExactlyOnce),
		Outputs:   []*transport.Collector{transport.NewCollector(dag.Unicast, nil, []*transport.Queue{out.Queue(0)})},
		Snapshots: snapshots,
		Restore:   &RestoreState{SnapshotID: 7, Record: snapshot.Record{State: state}},
	})
	require.NoError(t, tl.Init())
	callUntil(t, isDone(tl), tl)

	var got []any
	for {
		item, ok := out.Queue(0).Poll()
		if !ok {
			break
		}
		got = append(got, item)
	}
	require.Equal(t, []any{"b", "c", transport.Done}, got)
}

func TestTaskletRestoreDone(t *testing.T) {
	t.Parallel()

	in := transport.NewConveyor(1, 4)
	out := transport.NewConveyor(1, 4)
	p := &recordingP{}
	snapshots := newFakeSnapshots()
	tl := NewProcessorTasklet(TaskletConfig{
		Processor: p,
		Context:   testContext("map", 0, 1, processor.GuaranteeAtLeastOnce),
		Inputs:    []InboundEdge{{Ordinal: 0, Conveyor: in}},
		Outputs:   []*transport.Collector{transport.NewCollector(dag.Unicast, nil, []*transport.Queue{out.Queue(0)})},
		Snapshots: snapshots,
		Restore:   &RestoreState{SnapshotID: 2, Record: snapshot.Record{Done: true}},
	})
	require.NoError(t, tl.Init())

	state, err := tl.Call()
	require.NoError(t, err)
	require.Equal(t, ProgressState{MadeProgress: true, Done: true}, state)
	item, ok := out.Queue(0).Poll()
	require.True(t, ok)
	require.Equal(t, transport.Done, item)
	require.Empty(t, p.events)
	require.True(t, snapshots.isDone(tl.Key()))
}

func TestTaskletNotifiesCommit(t *testing.T) {
	t.Parallel()

	in := transport.NewConveyor(1, 8)
	for _, item := range []any{1, 2, transport.Barrier{SnapshotID: 1}, 3} {
		require.True(t, in.Queue(0).Offer(item))
	}
	results := processor.NewCollector()
	snapshots := newFakeSnapshots()
	snapshots.requested.Store(1)
	tl := NewProcessorTasklet(TaskletConfig{
		Processor: processor.CollectSink(results)(),
		Context:   testContext("sink", 0, 1, processor.GuaranteeExactlyOnce),
		Inputs:    []InboundEdge{{Ordinal: 0, Conveyor: in}},
		Snapshots: snapshots,
	})
	require.NoError(t, tl.Init())
	callUntil(t, func() bool {
		_, ok := snapshots.state(1, tl.Key())
		return ok
	}, tl)
	callN(t, 5, tl)
	require.Equal(t, 0, results.Len())

	snapshots.committed.Store(1)
	callN(t, 1, tl)
	require.Equal(t, []any{1, 2}, results.Items())

	require.True(t, in.Queue(0).Offer(transport.Done))
	callUntil(t, isDone(tl), tl)
	require.Equal(t, []any{1, 2, 3}, results.Items())
}

func TestTaskletBackpressure(t *testing.T) {
	t.Parallel()

	out := transport.NewConveyor(1, 1)
	tl := NewProcessorTasklet(TaskletConfig{
		Processor:      processor.ListSource([]any{"a", "b", "c"})(),
		Context:        testContext("source", 0, 1, processor.GuaranteeNone),
		Outputs:        []*transport.Collector{transport.NewCollector(dag.Unicast, nil, []*transport.Queue{out.Queue(0)})},
		OutboxCapacity: 1,
	})
	require.NoError(t, tl.Init())

	callN(t, 5, tl)
	require.Equal(t, 1, out.Queue(0).Len())
	require.True(t, tl.Status().OutputBlocked)
	state, err := tl.Call()
	require.NoError(t, err)
	require.False(t, state.MadeProgress)

	var got []any
	callUntil(t, func() bool {
		item, ok := out.Queue(0).Poll()
		if ok {
			got = append(got, item)
		}
		return ok && item == transport.Done
	}, tl)
	require.Equal(t, []any{"a", "b", "c", transport.Done}, got)
}
