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

	"github.com/pingcap/dagflow/engine/pkg/errctx"
	"github.com/pingcap/dagflow/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// Execution is the set of tasklets of one job running on one member.
type Execution struct {
	jobID  string
	logger *zap.Logger

	errCenter *errctx.ErrCenter
	cancelled atomic.Bool
	remaining atomic.Int64

	doneCh chan struct{}
	err    error
}

func newExecution(jobID string, tasklets int, logger *zap.Logger) *Execution {
	e := &Execution{
		jobID:     jobID,
		logger:    logger,
		errCenter: errctx.NewErrCenter(),
		doneCh:    make(chan struct{}),
	}
	e.remaining.Store(int64(tasklets))
	if tasklets == 0 {
		close(e.doneCh)
	}
	return e
}

// JobID returns the id of the job being executed.
func (e *Execution) JobID() string {
	return e.jobID
}

// Done is closed once every tasklet finished or was aborted.
func (e *Execution) Done() <-chan struct{} {
	return e.doneCh
}

// Err returns the outcome of the execution after Done is closed. It is
// nil when all tasklets completed, the first tasklet failure otherwise,
// or ErrExecutionCancelled when the execution was cancelled.
func (e *Execution) Err() error {
	select {
	case <-e.doneCh:
		return e.err
	default:
		return nil
	}
}

// Wait blocks until the execution finished or ctx is done.
func (e *Execution) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return errors.Trace(ctx.Err())
	case <-e.doneCh:
		return e.err
	}
}

// Cancel aborts all tasklets of the execution. Tasklets are closed by the
// goroutine running them.
func (e *Execution) Cancel() {
	if e.cancelled.CompareAndSwap(false, true) {
		e.logger.Info("execution cancelled")
	}
}

// IsCancelled reports whether the execution was cancelled or failed.
func (e *Execution) IsCancelled() bool {
	return e.cancelled.Load()
}

// finishTasklet is called exactly once per tasklet by the goroutine
// owning it.
func (e *Execution) finishTasklet(t Tasklet, err error) {
	if err != nil {
		e.logger.Warn("tasklet failed", zap.String("tasklet", t.ID()), zap.Error(err))
		e.errCenter.OnError(err)
		e.cancelled.Store(true)
	}
	if closeErr := t.Close(); closeErr != nil {
		e.logger.Warn("close tasklet failed", zap.String("tasklet", t.ID()), zap.Error(closeErr))
		e.errCenter.OnError(closeErr)
	}
	if e.remaining.Dec() > 0 {
		return
	}

	e.err = e.errCenter.CheckError()
	if e.err == nil && e.cancelled.Load() {
		e.err = errors.ErrExecutionCancelled.GenWithStackByArgs(e.jobID)
	}
	close(e.doneCh)
}
