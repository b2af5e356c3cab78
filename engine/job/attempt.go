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

	"github.com/pingcap/dagflow/engine/cluster"
	"github.com/pingcap/dagflow/engine/dag"
	"github.com/pingcap/dagflow/engine/pkg/logutil"
	"github.com/pingcap/dagflow/engine/processor"
	"github.com/pingcap/dagflow/engine/runtime"
	"github.com/pingcap/dagflow/engine/snapshot"
	"github.com/pingcap/dagflow/engine/transport"
	"github.com/pingcap/dagflow/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type memberExecution struct {
	member *cluster.Member
	exec   *runtime.Execution
}

// attempt is one execution of a job, from start or from a snapshot,
// spread over the members of its plan.
type attempt struct {
	plan       *plan
	restoredID uint64

	ctx    context.Context
	cancel context.CancelFunc

	// snapshots is nil when the job runs without a guarantee.
	snapshots  *snapshot.Coordinator
	tasklets   []*runtime.ProcessorTasklet
	executions []memberExecution
	eg         errgroup.Group
	stopOnce   sync.Once
}

type slotKey struct {
	vertex string
	slot   int
}

// wiring holds the queues of an attempt before tasklets are created.
type wiring struct {
	inputs  map[slotKey][]runtime.InboundEdge
	outputs map[slotKey][]*transport.Collector
}

// wire creates one conveyor per consumer slot and edge, and one collector
// per producer slot and edge.
func wire(g *dag.Graph, p *plan, defaultCapacity int) *wiring {
	w := &wiring{
		inputs:  make(map[slotKey][]runtime.InboundEdge),
		outputs: make(map[slotKey][]*transport.Collector),
	}
	for _, e := range g.Edges() {
		srcTotal, dstTotal := p.total(e.Source()), p.total(e.Dest())
		capacity := e.GetCapacity()
		if capacity <= 0 {
			capacity = defaultCapacity
		}

		// queues[src][dst] is nil if src does not feed dst
		queues := make([][]*transport.Queue, srcTotal)
		for src := range queues {
			queues[src] = make([]*transport.Queue, dstTotal)
		}
		for dst := 0; dst < dstTotal; dst++ {
			var producers []int
			for src := 0; src < srcTotal; src++ {
				if p.connected(e, src, dst) {
					producers = append(producers, src)
				}
			}
			conveyor := transport.NewConveyor(len(producers), capacity)
			for i, src := range producers {
				queues[src][dst] = conveyor.Queue(i)
			}
			key := slotKey{vertex: e.Dest(), slot: dst}
			w.inputs[key] = append(w.inputs[key], runtime.InboundEdge{
				Ordinal:  e.DestOrdinal(),
				Priority: e.GetPriority(),
				Conveyor: conveyor,
			})
		}

		outbound := len(g.OutboundEdges(e.Source()))
		for src := 0; src < srcTotal; src++ {
			var targets []*transport.Queue
			for _, q := range queues[src] {
				if q != nil {
					targets = append(targets, q)
				}
			}
			key := slotKey{vertex: e.Source(), slot: src}
			outputs := w.outputs[key]
			if outputs == nil {
				outputs = make([]*transport.Collector, outbound)
				w.outputs[key] = outputs
			}
			outputs[e.SourceOrdinal()] = transport.NewCollector(e.Policy(), e.KeyFn(), targets)
		}
	}
	return w
}

// startAttempt builds the tasklets of js according to p and starts them
// on their members. The attempt restores from restoredID unless it is 0.
func (c *Coordinator) startAttempt(js *jobState, p *plan, restoredID uint64) (*attempt, error) {
	members := make(map[string]*cluster.Member)
	for _, m := range c.cluster.Members() {
		members[m.ID()] = m
	}
	order, err := js.graph.TopologicalOrder()
	if err != nil {
		return nil, err
	}

	var keys []snapshot.TaskletKey
	for _, v := range order {
		for slot := 0; slot < p.total(v.Name()); slot++ {
			keys = append(keys, snapshot.TaskletKey{Vertex: v.Name(), Slot: slot})
		}
	}

	att := &attempt{plan: p, restoredID: restoredID}
	if js.cfg.Guarantee != processor.GuaranteeNone {
		att.snapshots = snapshot.NewCoordinator(snapshot.Config{
			JobID:      js.id,
			JobName:    js.name,
			Interval:   js.cfg.SnapshotInterval,
			Timeout:    js.cfg.SnapshotTimeout,
			Tasklets:   keys,
			RestoredID: restoredID,
		}, c.snapshots, c.clock)
	}

	w := wire(js.graph, p, js.cfg.QueueCapacity)
	byMember := make(map[string][]runtime.Tasklet)
	var memberOrder []string
	for _, v := range order {
		total := p.total(v.Name())
		localIndex := make(map[string]int)
		for slot := 0; slot < total; slot++ {
			memberID := p.memberOf(v.Name(), slot)
			if _, ok := members[memberID]; !ok {
				att.closeSnapshots()
				return nil, errors.ErrMemberLost.GenWithStackByArgs(memberID)
			}
			ctx := &processor.Context{
				JobID:            js.id,
				JobName:          js.name,
				Vertex:           v.Name(),
				MemberID:         memberID,
				GlobalSlot:       slot,
				LocalSlot:        localIndex[memberID],
				TotalParallelism: total,
				LocalParallelism: len(p.localSlots(v.Name(), memberID)),
				Guarantee:        js.cfg.Guarantee,
				Logger:           logutil.NewLogger4Tasklet(js.id, v.Name(), slot),
			}
			localIndex[memberID]++

			key := slotKey{vertex: v.Name(), slot: slot}
			cfg := runtime.TaskletConfig{
				Processor:      v.Supplier()(),
				Context:        ctx,
				Inputs:         w.inputs[key],
				Outputs:        w.outputs[key],
				InboxBatchSize: c.cfg.InboxBatchSize,
				OutboxCapacity: c.cfg.OutboxCapacity,
			}
			if att.snapshots != nil {
				cfg.Snapshots = att.snapshots
			}
			if restoredID > 0 {
				rec, err := c.snapshots.Get(js.id, restoredID, snapshot.TaskletKey{Vertex: v.Name(), Slot: slot})
				if err != nil {
					att.closeSnapshots()
					return nil, err
				}
				cfg.Restore = &runtime.RestoreState{SnapshotID: restoredID, Record: rec}
			}

			t := runtime.NewProcessorTasklet(cfg)
			att.tasklets = append(att.tasklets, t)
			if _, ok := byMember[memberID]; !ok {
				memberOrder = append(memberOrder, memberID)
			}
			byMember[memberID] = append(byMember[memberID], t)
		}
	}

	att.ctx, att.cancel = context.WithCancel(c.ctx)
	for _, memberID := range memberOrder {
		m := members[memberID]
		exec, err := m.Service().Execute(att.ctx, js.id, byMember[memberID])
		if err != nil {
			if m.IsLost() {
				err = errors.WrapError(errors.ErrMemberLost, err, memberID)
			}
			js.logger.Warn("start execution failed", zap.String("member-id", memberID), zap.Error(err))
			att.abort()
			return nil, err
		}
		att.executions = append(att.executions, memberExecution{member: m, exec: exec})
	}

	if att.snapshots != nil {
		events := att.snapshots.Events()
		att.eg.Go(func() error {
			return att.snapshots.Run(att.ctx)
		})
		att.eg.Go(func() error {
			defer events.Close()
			for {
				select {
				case <-att.ctx.Done():
					return nil
				case ev, ok := <-events.C:
					if !ok {
						return nil
					}
					if ev.Err == nil {
						c.onSnapshotCommitted(js, ev.SnapshotID)
					}
				}
			}
		})
	}
	js.logger.Info("execution attempt started",
		zap.Int("tasklets", len(att.tasklets)),
		zap.Int("members", len(att.executions)),
		logutil.SnapshotID(restoredID))
	return att, nil
}

// done is closed once every member execution finished. The first failing
// execution cancels the others.
func (att *attempt) done() <-chan struct{} {
	ch := make(chan struct{})
	var wg sync.WaitGroup
	for _, me := range att.executions {
		me := me
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-me.exec.Done()
			if me.exec.Err() != nil {
				att.cancel()
			}
		}()
	}
	go func() {
		wg.Wait()
		close(ch)
	}()
	return ch
}

// err returns the failure of a finished attempt. A failure on a lost
// member is reported as ErrMemberLost, plain cancellations come last.
func (att *attempt) err() error {
	var cancelled error
	for _, me := range att.executions {
		err := me.exec.Err()
		if err == nil {
			continue
		}
		if me.member.IsLost() {
			return errors.WrapError(errors.ErrMemberLost, err, me.member.ID())
		}
		if errors.Is(err, errors.ErrExecutionCancelled) {
			if cancelled == nil {
				cancelled = err
			}
			continue
		}
		return err
	}
	return cancelled
}

func (att *attempt) progress() map[string]VertexMetrics {
	ret := make(map[string]VertexMetrics)
	for _, t := range att.tasklets {
		in, out := t.Progress()
		m := ret[t.Vertex()]
		m.ItemsIn += in
		m.ItemsOut += out
		ret[t.Vertex()] = m
	}
	return ret
}

// abort cancels the started executions of an attempt that failed to
// start and waits for them.
func (att *attempt) abort() {
	att.cancel()
	for _, me := range att.executions {
		<-me.exec.Done()
	}
	att.closeSnapshots()
}

// stop releases the goroutines of an attempt whose executions are done.
func (att *attempt) stop() {
	att.stopOnce.Do(func() {
		att.cancel()
		_ = att.eg.Wait()
		att.closeSnapshots()
	})
}

func (att *attempt) closeSnapshots() {
	if att.snapshots != nil {
		att.snapshots.Close()
	}
}
