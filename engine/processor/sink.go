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
	"sync"

	"github.com/pingcap/dagflow/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
)

// Collector gathers the output of CollectSink processors. It outlives job
// executions, so under the exactly-once guarantee it keeps the staged
// batches of every slot and publishes a batch only once the snapshot that
// covers it is committed.
type Collector struct {
	mu    sync.Mutex
	items []any

	// staged batches per slot, keyed by the sink's local sequence number
	staged map[int]map[uint64][]any
	// committed is the highest published sequence number per slot
	committed map[int]uint64
}

// NewCollector creates an empty Collector.
func NewCollector() *Collector {
	return &Collector{
		staged:    make(map[int]map[uint64][]any),
		committed: make(map[int]uint64),
	}
}

// Items returns a copy of the published items.
func (c *Collector) Items() []any {
	c.mu.Lock()
	defer c.mu.Unlock()

	ret := make([]any, len(c.items))
	copy(ret, c.items)
	return ret
}

// Len returns the number of published items.
func (c *Collector) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *Collector) publish(items []any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = append(c.items, items...)
}

func (c *Collector) stage(slot int, seq uint64, items []any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	batches, ok := c.staged[slot]
	if !ok {
		batches = make(map[uint64][]any)
		c.staged[slot] = batches
	}
	batches[seq] = items
}

// commit publishes the staged batches of slot up to seq and forgets the
// ones after it. Committing an already committed seq is a no-op.
func (c *Collector) commit(slot int, seq uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	batches := c.staged[slot]
	for s := c.committed[slot] + 1; s <= seq; s++ {
		c.items = append(c.items, batches[s]...)
		delete(batches, s)
	}
	if seq > c.committed[slot] {
		c.committed[slot] = seq
	}
	for s := range batches {
		if s <= c.committed[slot] {
			delete(batches, s)
		}
	}
}

// abort forgets the staged batches of slot after seq.
func (c *Collector) abort(slot int, seq uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for s := range c.staged[slot] {
		if s > seq {
			delete(c.staged[slot], s)
		}
	}
}

type collectSinkP struct {
	Base
	c *Collector

	exactlyOnce bool
	// seq numbers the batches sealed by snapshots
	seq    uint64
	buffer []any
	// sealed maps snapshot ids to the seq of the batch they sealed
	sealed map[uint64]uint64
}

// CollectSink returns a supplier of sink processors that hand their input
// to c.
func CollectSink(c *Collector) Supplier {
	return func() Processor {
		return &collectSinkP{c: c, sealed: make(map[uint64]uint64)}
	}
}

func (p *collectSinkP) Init(ctx *Context, outbox Outbox) error {
	if err := p.Base.Init(ctx, outbox); err != nil {
		return err
	}
	p.exactlyOnce = ctx.Guarantee == GuaranteeExactlyOnce
	return nil
}

func (p *collectSinkP) Process(_ int, inbox Inbox) error {
	if !p.exactlyOnce {
		var batch []any
		inbox.Drain(func(item any) { batch = append(batch, item) })
		p.c.publish(batch)
		return nil
	}
	inbox.Drain(func(item any) { p.buffer = append(p.buffer, item) })
	return nil
}

func (p *collectSinkP) Complete() (bool, error) {
	if p.exactlyOnce {
		p.seq++
		p.c.stage(p.Ctx.GlobalSlot, p.seq, p.buffer)
		p.c.commit(p.Ctx.GlobalSlot, p.seq)
		p.buffer = nil
	}
	return true, nil
}

func (p *collectSinkP) SaveSnapshot() ([]byte, error) {
	if p.exactlyOnce {
		p.seq++
		p.c.stage(p.Ctx.GlobalSlot, p.seq, p.buffer)
		p.sealed[p.Ctx.SnapshotID()] = p.seq
		p.buffer = nil
	}
	data, err := msgpack.Marshal(p.seq)
	return data, errors.Trace(err)
}

func (p *collectSinkP) RestoreSnapshot(data []byte) error {
	if err := msgpack.Unmarshal(data, &p.seq); err != nil {
		return errors.WrapError(errors.ErrSnapshotDecode, err, "collect sink")
	}
	if p.exactlyOnce {
		// The snapshot may be committed while this slot never saw the
		// notification.
		p.c.commit(p.Ctx.GlobalSlot, p.seq)
		p.c.abort(p.Ctx.GlobalSlot, p.seq)
	}
	return nil
}

func (p *collectSinkP) OnSnapshotCompleted(snapshotID uint64) error {
	seq, ok := p.sealed[snapshotID]
	if !ok {
		return nil
	}
	p.c.commit(p.Ctx.GlobalSlot, seq)
	for id := range p.sealed {
		if id <= snapshotID {
			delete(p.sealed, id)
		}
	}
	return nil
}
