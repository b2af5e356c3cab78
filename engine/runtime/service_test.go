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
	"context"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/pingcap/dagflow/engine/dag"
	"github.com/pingcap/dagflow/engine/pkg/clock"
	"github.com/pingcap/dagflow/engine/processor"
	"github.com/pingcap/dagflow/engine/transport"
	"github.com/pingcap/dagflow/pkg/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

type stage struct {
	name        string
	parallelism int
	supplier    processor.Supplier
}

// buildChain wires the stages into a linear pipeline with unicast edges.
func buildChain(guarantee processor.Guarantee, capacity int, stages ...stage) []Tasklet {
	var (
		tasklets []Tasklet
		inputs   []*transport.Conveyor
	)
	for i, st := range stages {
		var outputs []*transport.Conveyor
		if i+1 < len(stages) {
			for slot := 0; slot < stages[i+1].parallelism; slot++ {
				outputs = append(outputs, transport.NewConveyor(st.parallelism, capacity))
			}
		}
		for slot := 0; slot < st.parallelism; slot++ {
			cfg := TaskletConfig{
				Processor:      st.supplier(),
				Context:        testContext(st.name, slot, st.parallelism, guarantee),
				InboxBatchSize: 4,
				OutboxCapacity: 2,
			}
			if inputs != nil {
				cfg.Inputs = []InboundEdge{{Ordinal: 0, Conveyor: inputs[slot]}}
			}
			if outputs != nil {
				targets := make([]*transport.Queue, 0, len(outputs))
				for _, c := range outputs {
					targets = append(targets, c.Queue(slot))
				}
				cfg.Outputs = []*transport.Collector{transport.NewCollector(dag.Unicast, nil, targets)}
			}
			tasklets = append(tasklets, NewProcessorTasklet(cfg))
		}
		inputs = outputs
	}
	return tasklets
}

func newTestService(t *testing.T, cfg Config) *ExecutionService {
	s := NewExecutionService(cfg, clock.New(), "member-test")
	t.Cleanup(s.Close)
	return s
}

func numbers(n int) []any {
	items := make([]any, 0, n)
	for i := 0; i < n; i++ {
		items = append(items, i)
	}
	return items
}

func TestExecutionServiceRunsPipeline(t *testing.T) {
	t.Parallel()

	s := newTestService(t, Config{CooperativeThreadCount: 2})
	results := processor.NewCollector()
	tasklets := buildChain(processor.GuaranteeNone, 2,
		stage{"source", 2, processor.ListSource(numbers(1000))},
		stage{"double", 3, processor.Map(func(item any) (any, error) { return item.(int) * 2, nil })},
		stage{"sink", 1, processor.CollectSink(results)},
	)
	exec, err := s.Execute(context.Background(), "job-pipeline", tasklets)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, exec.Wait(ctx))
	require.NoError(t, exec.Err())

	var got []int
	for _, item := range results.Items() {
		got = append(got, item.(int))
	}
	sort.Ints(got)
	require.Len(t, got, 1000)
	for i, v := range got {
		require.Equal(t, i*2, v)
	}
}

// testP is a configurable processor.
type testP struct {
	processor.Base
	cooperative bool
	process     func(inbox processor.Inbox) error
	complete    func() (bool, error)
	closed      *atomic.Int32
}

func (p *testP) IsCooperative() bool { return p.cooperative }

func (p *testP) Process(_ int, inbox processor.Inbox) error {
	if p.process == nil {
		inbox.Drain(func(any) {})
		return nil
	}
	return p.process(inbox)
}

func (p *testP) Complete() (bool, error) {
	if p.complete == nil {
		return true, nil
	}
	return p.complete()
}

func (p *testP) Close() error {
	if p.closed != nil {
		p.closed.Inc()
	}
	return nil
}

func TestExecutionServiceFailure(t *testing.T) {
	t.Parallel()

	s := newTestService(t, Config{CooperativeThreadCount: 2})
	closed := atomic.NewInt32(0)
	tasklets := buildChain(processor.GuaranteeNone, 4,
		stage{"source", 1, func() processor.Processor {
			p := &testP{cooperative: true, closed: closed}
			p.complete = func() (bool, error) {
				p.Outbox.Offer(1)
				return false, nil
			}
			return p
		}},
		stage{"fail", 1, func() processor.Processor {
			return &testP{cooperative: true, closed: closed, process: func(processor.Inbox) error {
				return errors.New("boom")
			}}
		}},
	)
	exec, err := s.Execute(context.Background(), "job-failure", tasklets)
	require.NoError(t, err)

	<-exec.Done()
	require.True(t, errors.Is(exec.Err(), errors.ErrProcessorFailed))
	require.Equal(t, "boom", errors.RootCause(exec.Err()).Error())
	require.Equal(t, int32(2), closed.Load())
}

func TestExecutionServicePanic(t *testing.T) {
	t.Parallel()

	s := newTestService(t, Config{CooperativeThreadCount: 1})
	tasklets := buildChain(processor.GuaranteeNone, 4,
		stage{"panic", 1, func() processor.Processor {
			return &testP{cooperative: true, complete: func() (bool, error) { panic("unexpected") }}
		}},
	)
	exec, err := s.Execute(context.Background(), "job-panic", tasklets)
	require.NoError(t, err)

	<-exec.Done()
	require.True(t, errors.Is(exec.Err(), errors.ErrProcessorFailed))
	require.True(t, errors.Is(exec.Err(), errors.ErrProcessorPanic))
}

func TestExecutionServiceCancel(t *testing.T) {
	t.Parallel()

	s := newTestService(t, Config{CooperativeThreadCount: 1})
	closed := atomic.NewInt32(0)
	tasklets := buildChain(processor.GuaranteeNone, 4,
		stage{"source", 2, func() processor.Processor {
			return &testP{cooperative: true, closed: closed, complete: func() (bool, error) { return false, nil }}
		}},
		stage{"sink", 1, func() processor.Processor {
			return &testP{cooperative: false, closed: closed}
		}},
	)
	ctx, cancel := context.WithCancel(context.Background())
	exec, err := s.Execute(ctx, "job-cancel", tasklets)
	require.NoError(t, err)
	require.Nil(t, exec.Err())

	cancel()
	<-exec.Done()
	require.True(t, errors.Is(exec.Err(), errors.ErrExecutionCancelled))
	require.True(t, exec.IsCancelled())
	require.Equal(t, int32(3), closed.Load())
}

func TestExecutionServiceBlockingSink(t *testing.T) {
	t.Parallel()

	s := newTestService(t, Config{CooperativeThreadCount: 1})
	results := processor.NewCollector()
	tasklets := buildChain(processor.GuaranteeNone, 2,
		stage{"source", 1, processor.ListSource(numbers(100))},
		stage{"sink", 1, func() processor.Processor {
			return &testP{process: func(inbox processor.Inbox) error {
				// a blocking processor may wait inside a call
				time.Sleep(time.Millisecond)
				return processor.CollectSink(results)().Process(0, inbox)
			}}
		}},
	)
	require.False(t, tasklets[1].IsCooperative())
	exec, err := s.Execute(context.Background(), "job-blocking", tasklets)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, exec.Wait(ctx))
	require.Equal(t, numbers(100), results.Items())
}

func TestExecutionServiceStallHook(t *testing.T) {
	t.Parallel()

	s := newTestService(t, Config{CooperativeThreadCount: 1, StallRounds: 10})
	stalled := make(chan string, 16)
	s.SetStallHook(func(jobID string, taskletID string, rounds int) {
		select {
		case stalled <- fmt.Sprintf("%s/%s/%d", jobID, taskletID, rounds):
		default:
		}
	})
	tasklets := buildChain(processor.GuaranteeNone, 4,
		stage{"source", 1, processor.ListSource(numbers(3))},
		stage{"stuck", 1, func() processor.Processor {
			// never consumes its input
			return &testP{cooperative: true, process: func(processor.Inbox) error { return nil }}
		}},
	)
	exec, err := s.Execute(context.Background(), "job-stall", tasklets)
	require.NoError(t, err)

	select {
	case msg := <-stalled:
		require.Equal(t, "job-stall/stuck#0/10", msg)
	case <-time.After(10 * time.Second):
		require.FailNow(t, "stall is not detected")
	}
	exec.Cancel()
	<-exec.Done()
}

func TestExecutionServiceRejects(t *testing.T) {
	t.Parallel()

	s := NewExecutionService(Config{CooperativeThreadCount: 1}, clock.New(), "member-test")
	closed := atomic.NewInt32(0)
	dup := buildChain(processor.GuaranteeNone, 4,
		stage{"source", 1, processor.ListSource(numbers(3))},
	)
	_, err := s.Execute(context.Background(), "job-dup", append(dup, dup[0]))
	require.True(t, errors.Is(err, errors.ErrRuntimeDuplicateTaskletID))

	failInit := buildChain(processor.GuaranteeNone, 4,
		stage{"source", 2, func() processor.Processor {
			return &testP{cooperative: true, closed: closed}
		}},
	)
	failInit[1].(*ProcessorTasklet).proc = &initFailP{testP: testP{closed: closed}}
	_, err = s.Execute(context.Background(), "job-init", failInit)
	require.True(t, errors.Is(err, errors.ErrProcessorFailed))
	require.Equal(t, int32(2), closed.Load())

	s.Close()
	_, err = s.Execute(context.Background(), "job-closed", buildChain(processor.GuaranteeNone, 4,
		stage{"source", 1, processor.ListSource(numbers(3))},
	))
	require.True(t, errors.Is(err, errors.ErrRuntimeIsClosed))
}

type initFailP struct {
	testP
}

func (p *initFailP) Init(*processor.Context, processor.Outbox) error {
	return errors.New("init failed")
}

func TestExecutionEmpty(t *testing.T) {
	t.Parallel()

	s := newTestService(t, Config{CooperativeThreadCount: 1})
	exec, err := s.Execute(context.Background(), "job-empty", nil)
	require.NoError(t, err)
	<-exec.Done()
	require.NoError(t, exec.Err())
}
