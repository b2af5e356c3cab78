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

	"github.com/pingcap/dagflow/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// Processor is the unit of work attached to one vertex instance. The
// runtime drives it from a single goroutine, so implementations need no
// locking.
//
// A cooperative processor must return from every call quickly and must
// never block. When Offer on the outbox returns false it has to return and
// retry the same item on a later call.
type Processor interface {
	// Init is called once before any other method.
	Init(ctx *Context, outbox Outbox) error
	// IsCooperative reports whether the processor may share a worker
	// goroutine with others.
	IsCooperative() bool
	// Process consumes items from inbox that arrived on the given input
	// ordinal. Items left in the inbox are handed back on the next call.
	Process(ordinal int, inbox Inbox) error
	// CompleteEdge is called after every producer of the ordinal is done.
	// It is called again until it returns true.
	CompleteEdge(ordinal int) (bool, error)
	// Complete is called after all inputs are done, or repeatedly for a
	// source. It is called again until it returns true.
	Complete() (bool, error)
	// Close releases resources. It is called exactly once, also when the
	// execution fails.
	Close() error
}

// Snapshotter is implemented by processors that keep state across items.
type Snapshotter interface {
	// SaveSnapshot returns the opaque state of the processor. The runtime
	// calls it only when the outbox is empty.
	SaveSnapshot() ([]byte, error)
	// RestoreSnapshot is called after Init and before the first Process
	// or Complete call when the execution restarts from a snapshot.
	RestoreSnapshot(state []byte) error
}

// Stateless is implemented by processors that can be restarted from
// scratch without losing anything.
type Stateless interface {
	IsStateless() bool
}

// SnapshotCommitter is notified on its own goroutine once a snapshot the
// processor took part in is committed.
type SnapshotCommitter interface {
	OnSnapshotCompleted(snapshotID uint64) error
}

// Supplier creates one Processor per vertex slot.
type Supplier func() Processor

// Guarantee is the processing guarantee of a job.
type Guarantee int

// All processing guarantees.
const (
	GuaranteeNone Guarantee = iota
	GuaranteeAtLeastOnce
	GuaranteeExactlyOnce
)

func (g Guarantee) String() string {
	switch g {
	case GuaranteeNone:
		return "none"
	case GuaranteeAtLeastOnce:
		return "at-least-once"
	case GuaranteeExactlyOnce:
		return "exactly-once"
	default:
		return fmt.Sprintf("guarantee(%d)", int(g))
	}
}

// ParseGuarantee is the inverse of Guarantee.String.
func ParseGuarantee(s string) (Guarantee, error) {
	for _, g := range []Guarantee{GuaranteeNone, GuaranteeAtLeastOnce, GuaranteeExactlyOnce} {
		if g.String() == s {
			return g, nil
		}
	}
	return GuaranteeNone, errors.ErrInvalidArgument.GenWithStackByArgs("unknown guarantee " + s)
}

// Context describes where a processor instance runs.
type Context struct {
	JobID    string
	JobName  string
	Vertex   string
	MemberID string

	// GlobalSlot is unique among all instances of the vertex in the job.
	GlobalSlot int
	// LocalSlot is unique among the instances on the same member.
	LocalSlot        int
	TotalParallelism int
	LocalParallelism int

	Guarantee Guarantee
	Logger    *zap.Logger

	snapshotID atomic.Uint64
}

// SnapshotID returns the id of the snapshot being taken, or of the last
// one taken.
func (c *Context) SnapshotID() uint64 {
	return c.snapshotID.Load()
}

// SetSnapshotID is called by the runtime before SaveSnapshot and
// RestoreSnapshot.
func (c *Context) SetSnapshotID(id uint64) {
	c.snapshotID.Store(id)
}

// NewTestContext returns a context of a single instance job.
func NewTestContext(vertex string) *Context {
	return &Context{
		JobID:            "test-job",
		Vertex:           vertex,
		TotalParallelism: 1,
		LocalParallelism: 1,
		Logger:           zap.NewNop(),
	}
}

// IsStateless reports whether p declared itself stateless.
func IsStateless(p Processor) bool {
	s, ok := p.(Stateless)
	return ok && s.IsStateless()
}

// SupportsSnapshots reports whether p can take part in snapshots, either
// by saving its state or by having none.
func SupportsSnapshots(p Processor) bool {
	if _, ok := p.(Snapshotter); ok {
		return true
	}
	return IsStateless(p)
}

// Base carries the default implementation of the optional Processor
// methods. Processors embed it and implement Process.
type Base struct {
	Ctx    *Context
	Outbox Outbox
}

// Init stores ctx and outbox.
func (b *Base) Init(ctx *Context, outbox Outbox) error {
	b.Ctx = ctx
	b.Outbox = outbox
	return nil
}

// IsCooperative returns true.
func (b *Base) IsCooperative() bool { return true }

// CompleteEdge returns true.
func (b *Base) CompleteEdge(int) (bool, error) { return true, nil }

// Complete returns true.
func (b *Base) Complete() (bool, error) { return true, nil }

// Close does nothing.
func (b *Base) Close() error { return nil }

// Logger returns the processor logger, never nil.
func (b *Base) Logger() *zap.Logger {
	if b.Ctx == nil || b.Ctx.Logger == nil {
		return zap.NewNop()
	}
	return b.Ctx.Logger
}
