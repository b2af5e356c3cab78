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

	"github.com/pingcap/dagflow/engine/pkg/clock"
	"github.com/pingcap/dagflow/engine/pkg/logutil"
	"github.com/pingcap/dagflow/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// StallHook is called when a tasklet made no progress for
// Config.StallRounds rounds although it has input and free output.
type StallHook func(jobID string, taskletID string, rounds int)

// ExecutionService runs the tasklets of all executions on one member.
// Cooperative tasklets share a fixed set of worker goroutines, every
// blocking tasklet gets a goroutine of its own.
type ExecutionService struct {
	cfg    Config
	clock  clock.Clock
	logger *zap.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	eg      *errgroup.Group
	workers []*cooperativeWorker

	mu         sync.Mutex
	closed     bool
	nextWorker int
	stallHook  StallHook
}

// NewExecutionService creates an ExecutionService and starts its
// cooperative workers.
func NewExecutionService(cfg Config, clk clock.Clock, memberID string) *ExecutionService {
	cfg.adjust()
	ctx, cancel := context.WithCancel(context.Background())
	eg, egCtx := errgroup.WithContext(ctx)
	s := &ExecutionService{
		cfg:    cfg,
		clock:  clk,
		logger: logutil.NewLogger4Member(memberID),
		ctx:    egCtx,
		cancel: cancel,
		eg:     eg,
	}
	for i := 0; i < cfg.CooperativeThreadCount; i++ {
		w := newCooperativeWorker(i, s)
		s.workers = append(s.workers, w)
		eg.Go(func() error {
			return w.run(egCtx)
		})
	}
	s.logger.Info("execution service started", zap.Int("cooperative-workers", cfg.CooperativeThreadCount))
	return s
}

// SetStallHook installs a hook called on stall detection.
func (s *ExecutionService) SetStallHook(hook StallHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stallHook = hook
}

func (s *ExecutionService) getStallHook() StallHook {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stallHook
}

// Execute initializes the tasklets and schedules them. When ctx is done
// the execution is cancelled. If any tasklet fails to initialize, all
// tasklets are closed and nothing is scheduled.
func (s *ExecutionService) Execute(ctx context.Context, jobID string, tasklets []Tasklet) (*Execution, error) {
	ids := make(map[string]struct{}, len(tasklets))
	for _, t := range tasklets {
		if _, ok := ids[t.ID()]; ok {
			return nil, errors.ErrRuntimeDuplicateTaskletID.GenWithStackByArgs(t.ID())
		}
		ids[t.ID()] = struct{}{}
	}

	for i, t := range tasklets {
		if err := t.Init(); err != nil {
			var closeErr error
			for _, toClose := range tasklets {
				closeErr = multierr.Append(closeErr, toClose.Close())
			}
			if closeErr != nil {
				s.logger.Warn("close tasklets failed", zap.String("job-id", jobID), zap.Error(closeErr))
			}
			s.logger.Warn("init tasklet failed",
				zap.String("job-id", jobID), zap.Int("index", i), zap.Error(err))
			return nil, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		for _, t := range tasklets {
			_ = t.Close()
		}
		return nil, errors.ErrRuntimeIsClosed.GenWithStackByArgs()
	}

	exec := newExecution(jobID, len(tasklets), s.logger.With(zap.String("job-id", jobID)))
	for _, t := range tasklets {
		tr := newTracker(t, exec)
		if t.IsCooperative() {
			w := s.workers[s.nextWorker]
			s.nextWorker = (s.nextWorker + 1) % len(s.workers)
			w.add(tr)
			continue
		}
		s.eg.Go(func() error {
			runBlocking(s.ctx, s, tr)
			return nil
		})
	}

	go func() {
		select {
		case <-ctx.Done():
			exec.Cancel()
		case <-exec.Done():
		}
	}()
	s.logger.Info("execution started", zap.String("job-id", jobID), zap.Int("tasklets", len(tasklets)))
	return exec, nil
}

// Close aborts every running tasklet and waits for all goroutines.
func (s *ExecutionService) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	err := s.eg.Wait()
	s.logger.Info("execution service closed", zap.Error(err))
}
