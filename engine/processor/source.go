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
	"github.com/pingcap/dagflow/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
)

type listSourceP struct {
	Base
	items []any

	// next is the index in items of the next item this slot emits.
	next int
}

// ListSource returns a supplier of source processors that emit items. The
// items are spread across the slots of the vertex: slot i emits the items
// whose index modulo the total parallelism equals i.
func ListSource(items []any) Supplier {
	return func() Processor {
		return &listSourceP{items: items, next: -1}
	}
}

func (p *listSourceP) Init(ctx *Context, outbox Outbox) error {
	if err := p.Base.Init(ctx, outbox); err != nil {
		return err
	}
	if p.next < 0 {
		p.next = ctx.GlobalSlot
	}
	return nil
}

func (p *listSourceP) Process(int, Inbox) error {
	return errors.ErrProcessorContract.GenWithStackByArgs("list source has no input")
}

func (p *listSourceP) Complete() (bool, error) {
	step := p.Ctx.TotalParallelism
	if step < 1 {
		step = 1
	}
	for p.next < len(p.items) {
		if !p.Outbox.Offer(p.items[p.next]) {
			return false, nil
		}
		p.next += step
	}
	return true, nil
}

func (p *listSourceP) SaveSnapshot() ([]byte, error) {
	data, err := msgpack.Marshal(p.next)
	return data, errors.Trace(err)
}

func (p *listSourceP) RestoreSnapshot(data []byte) error {
	if err := msgpack.Unmarshal(data, &p.next); err != nil {
		return errors.WrapError(errors.ErrSnapshotDecode, err, "list source")
	}
	return nil
}
