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
	"sync"
	"time"

	"github.com/pingcap/dagflow/engine/metrics"
	"github.com/pingcap/dagflow/engine/pkg/clock"
	"github.com/pingcap/dagflow/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const stallLogInterval = 10 * time.Second

// tracker is a scheduled tasklet. It is only accessed by the goroutine
// running the tasklet.
type tracker struct {
	Tasklet
	exec *Execution

	stalledRounds int
	stallLog      rate.Sometimes
	slowCallLog   rate.Sometimes
}

func newTracker(t Tasklet, exec *Execution) *tracker {
	return &tracker{
		Tasklet:     t,
		exec:        exec,
		stallLog:    rate.Sometimes{First: 1, Interval: stallLogInterval},
		slowCallLog: rate.Sometimes{First: 1, Interval: stallLogInterval},
	}
}

// call runs one Call of the tasklet and converts a panic into an error.
func (tr *tracker) call() (state ProgressState, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.WrapError(errors.ErrProcessorFailed,
				errors.ErrProcessorPanic.GenWithStackByArgs(tr.ID(), r), tr.ID())
		}
	}()
	return tr.Call()
}

// step calls the tasklet once. It returns whether the tasklet made
// progress and whether it is finished, in which case it was already
// closed and reported to its execution.
func (s *ExecutionService) step(tr *tracker) (progress bool, finished bool) {
	if tr.exec.IsCancelled() {
		tr.exec.finishTasklet(tr.Tasklet, nil)
		return false, true
	}

	watch := clock.StartStopwatch(s.clock)
	state, err := tr.call()
	elapsed := watch.Elapsed()
	if tr.IsCooperative() && elapsed > s.cfg.CallWarning {
		tr.slowCallLog.Do(func() {
			s.logger.Warn("cooperative tasklet call is slow",
				zap.String("job-id", tr.exec.JobID()),
				zap.String("tasklet", tr.ID()),
				zap.Duration("duration", elapsed))
		})
	}
	if err != nil {
		tr.exec.finishTasklet(tr.Tasklet, err)
		return true, true
	}
	if state.Done {
		tr.exec.finishTasklet(tr.Tasklet, nil)
		return true, true
	}
	s.detectStall(tr, state.MadeProgress)
	return state.MadeProgress, false
}

func (s *ExecutionService) detectStall(tr *tracker, progress bool) {
	if progress {
		tr.stalledRounds = 0
		return
	}
	st := tr.Status()
	if !st.PendingInput || st.OutputBlocked {
		tr.stalledRounds = 0
		return
	}
	tr.stalledRounds++
	if tr.stalledRounds < s.cfg.StallRounds {
		return
	}

	rounds := tr.stalledRounds
	tr.stalledRounds = 0
	jobID := tr.exec.JobID()
	metrics.StallCounter.WithLabelValues(jobID, tr.ID()).Inc()
	tr.stallLog.Do(func() {
		s.logger.Warn("tasklet makes no progress although it has input and free output",
			zap.String("job-id", jobID),
			zap.String("tasklet", tr.ID()),
			zap.Int("rounds", rounds))
	})
	if hook := s.getStallHook(); hook != nil {
		hook(jobID, tr.ID(), rounds)
	}
}

// idler backs off exponentially while no tasklet makes progress.
type idler struct {
	clock   clock.Clock
	max     time.Duration
	current time.Duration
}

func (i *idler) reset() {
	i.current = 0
}

func (i *idler) idle(ctx context.Context, wake <-chan struct{}) {
	switch {
	case i.current == 0:
		i.current = minIdle
	case i.current < i.max:
		i.current *= 2
	}
	if i.current > i.max {
		i.current = i.max
	}
	timer := i.clock.Timer(i.current)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-wake:
	case <-timer.C:
	}
}

// cooperativeWorker round-robins over the cooperative tasklets assigned
// to it.
type cooperativeWorker struct {
	id  int
	svc *ExecutionService

	mu       sync.Mutex
	incoming []*tracker
	wakeCh   chan struct{}

	tasklets []*tracker
}

func newCooperativeWorker(id int, svc *ExecutionService) *cooperativeWorker {
	return &cooperativeWorker{
		id:     id,
		svc:    svc,
		wakeCh: make(chan struct{}, 1),
	}
}

func (w *cooperativeWorker) add(tr *tracker) {
	w.mu.Lock()
	w.incoming = append(w.incoming, tr)
	w.mu.Unlock()

	select {
	case w.wakeCh <- struct{}{}:
	default:
	}
}

func (w *cooperativeWorker) takeIncoming() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.tasklets = append(w.tasklets, w.incoming...)
	w.incoming = nil
}

func (w *cooperativeWorker) run(ctx context.Context) error {
	defer w.abortAll()

	idle := &idler{clock: w.svc.clock, max: w.svc.cfg.MaxIdle}
	for {
		w.takeIncoming()
		if len(w.tasklets) == 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-w.wakeCh:
			}
			continue
		}
		if ctx.Err() != nil {
			return nil
		}

		progress := false
		kept := w.tasklets[:0]
		for _, tr := range w.tasklets {
			p, finished := w.svc.step(tr)
			progress = progress || p
			if !finished {
				kept = append(kept, tr)
			}
		}
		for i := len(kept); i < len(w.tasklets); i++ {
			w.tasklets[i] = nil
		}
		w.tasklets = kept

		if progress {
			idle.reset()
		} else {
			idle.idle(ctx, w.wakeCh)
		}
	}
}

func (w *cooperativeWorker) abortAll() {
	w.takeIncoming()
	for _, tr := range w.tasklets {
		tr.exec.finishTasklet(tr.Tasklet, errors.ErrRuntimeIsClosed.GenWithStackByArgs())
	}
	w.tasklets = nil
}

// runBlocking drives a blocking tasklet on the calling goroutine.
func runBlocking(ctx context.Context, s *ExecutionService, tr *tracker) {
	idle := &idler{clock: s.clock, max: s.cfg.MaxIdle}
	for {
		if ctx.Err() != nil {
			tr.exec.finishTasklet(tr.Tasklet, errors.ErrRuntimeIsClosed.GenWithStackByArgs())
			return
		}
		progress, finished := s.step(tr)
		if finished {
			return
		}
		if progress {
			idle.reset()
		} else {
			idle.idle(ctx, nil)
		}
	}
}
