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

package errctx

import (
	"context"
	"sync"
	"time"

	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// ErrCenter collects the errors raised by the tasklets of one execution
// and remembers the first one. Every context derived from it is cancelled
// as soon as that first error arrives.
type ErrCenter struct {
	errMu  sync.RWMutex
	errVal error

	doneCh chan struct{}
}

// NewErrCenter creates a new ErrCenter.
func NewErrCenter() *ErrCenter {
	return &ErrCenter{
		doneCh: make(chan struct{}),
	}
}

// OnError records err. Only the first non-nil error is kept.
func (c *ErrCenter) OnError(err error) {
	if err == nil {
		return
	}

	c.errMu.Lock()
	defer c.errMu.Unlock()

	if c.errVal != nil {
		log.L().Debug("error dropped, ErrCenter already failed",
			zap.NamedError("first", c.errVal),
			zap.Error(err))
		return
	}
	c.errVal = err
	close(c.doneCh)
}

// CheckError returns the first error received, or nil.
func (c *ErrCenter) CheckError() error {
	c.errMu.RLock()
	defer c.errMu.RUnlock()

	return c.errVal
}

// Done is closed once an error has been received.
func (c *ErrCenter) Done() <-chan struct{} {
	return c.doneCh
}

// WithCancelOnFirstError returns a context that is cancelled when either
// ctx is done or the center receives its first error. In the latter case
// ctx.Err() returns that error.
func (c *ErrCenter) WithCancelOnFirstError(ctx context.Context) context.Context {
	return newErrCtx(ctx, c)
}

type errCtx struct {
	context.Context
	center *ErrCenter

	doneCh chan struct{}
	err    error
	mu     sync.Mutex
}

func newErrCtx(parent context.Context, center *ErrCenter) *errCtx {
	ret := &errCtx{
		Context: parent,
		center:  center,
		doneCh:  make(chan struct{}),
	}
	go ret.watch()
	return ret
}

func (c *errCtx) watch() {
	var err error
	select {
	case <-c.Context.Done():
		err = c.Context.Err()
	case <-c.center.Done():
		err = c.center.CheckError()
	}
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
	close(c.doneCh)
}

func (c *errCtx) Deadline() (time.Time, bool) {
	return c.Context.Deadline()
}

func (c *errCtx) Done() <-chan struct{} {
	return c.doneCh
}

func (c *errCtx) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}
