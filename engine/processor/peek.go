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

package processor

import (
	"fmt"

	"go.uber.org/zap"
)

type peekInputP struct {
	inner    Processor
	toString func(item any) string
	logger   *zap.Logger
}

// peekInputSnapshotter additionally forwards snapshots to the wrapped
// processor.
type peekInputSnapshotter struct {
	*peekInputP
}

// PeekInput wraps the processors of supplier so that every item they
// consume is logged at info level.
func PeekInput(toString func(item any) string, supplier Supplier) Supplier {
	if toString == nil {
		toString = func(item any) string { return fmt.Sprint(item) }
	}
	return func() Processor {
		p := &peekInputP{inner: supplier(), toString: toString}
		if _, ok := p.inner.(Snapshotter); ok {
			return peekInputSnapshotter{p}
		}
		return p
	}
}

func (p *peekInputP) Init(ctx *Context, outbox Outbox) error {
	p.logger = ctx.Logger
	if p.logger == nil {
		p.logger = zap.NewNop()
	}
	return p.inner.Init(ctx, outbox)
}

func (p *peekInputP) IsCooperative() bool {
	return p.inner.IsCooperative()
}

func (p *peekInputP) Process(ordinal int, inbox Inbox) error {
	return p.inner.Process(ordinal, &peekingInbox{Inbox: inbox, p: p, ordinal: ordinal})
}

func (p *peekInputP) CompleteEdge(ordinal int) (bool, error) {
	return p.inner.CompleteEdge(ordinal)
}

func (p *peekInputP) Complete() (bool, error) {
	return p.inner.Complete()
}

func (p *peekInputP) Close() error {
	return p.inner.Close()
}

func (p *peekInputP) IsStateless() bool {
	return IsStateless(p.inner)
}

func (p *peekInputP) OnSnapshotCompleted(snapshotID uint64) error {
	if c, ok := p.inner.(SnapshotCommitter); ok {
		return c.OnSnapshotCompleted(snapshotID)
	}
	return nil
}

func (p peekInputSnapshotter) SaveSnapshot() ([]byte, error) {
	return p.inner.(Snapshotter).SaveSnapshot()
}

func (p peekInputSnapshotter) RestoreSnapshot(state []byte) error {
	return p.inner.(Snapshotter).RestoreSnapshot(state)
}

// peekingInbox logs every item the wrapped processor takes out of it.
type peekingInbox struct {
	Inbox
	p       *peekInputP
	ordinal int
}

func (b *peekingInbox) log(item any) {
	b.p.logger.Info("input", zap.Int("ordinal", b.ordinal),
		zap.String("item", b.p.toString(item)))
}

func (b *peekingInbox) Poll() (any, bool) {
	item, ok := b.Inbox.Poll()
	if ok {
		b.log(item)
	}
	return item, ok
}

func (b *peekingInbox) Remove() {
	if item, ok := b.Inbox.Peek(); ok {
		b.log(item)
		b.Inbox.Remove()
	}
}

func (b *peekingInbox) Drain(fn func(item any)) int {
	return b.Inbox.Drain(func(item any) {
		b.log(item)
		fn(item)
	})
}
