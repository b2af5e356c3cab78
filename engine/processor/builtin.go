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
)

// MapFunc transforms one item. A nil result drops the item.
type MapFunc func(item any) (any, error)

type mapP struct {
	Base
	fn MapFunc

	// result of fn waiting for room in the outbox
	pending    any
	hasPending bool
}

// Map returns a supplier of stateless processors that apply fn to every
// item and emit the result to all output ordinals.
func Map(fn MapFunc) Supplier {
	return func() Processor {
		return &mapP{fn: fn}
	}
}

func (p *mapP) IsStateless() bool { return true }

func (p *mapP) Process(_ int, inbox Inbox) error {
	for {
		if p.hasPending {
			if !p.Outbox.Offer(p.pending) {
				return nil
			}
			p.pending, p.hasPending = nil, false
			inbox.Remove()
		}
		item, ok := inbox.Peek()
		if !ok {
			return nil
		}
		out, err := p.fn(item)
		if err != nil {
			return errors.Trace(err)
		}
		if out == nil {
			inbox.Remove()
			continue
		}
		p.pending, p.hasPending = out, true
	}
}

type filterP struct {
	Base
	pred func(item any) bool
}

// Filter returns a supplier of processors that forward the items pred
// accepts.
func Filter(pred func(item any) bool) Supplier {
	return func() Processor {
		return &filterP{pred: pred}
	}
}

func (p *filterP) IsStateless() bool { return true }

func (p *filterP) Process(_ int, inbox Inbox) error {
	for {
		item, ok := inbox.Peek()
		if !ok {
			return nil
		}
		if p.pred(item) && !p.Outbox.Offer(item) {
			return nil
		}
		inbox.Remove()
	}
}

type flatMapP struct {
	Base
	fn func(item any) ([]any, error)

	pending []any
	// expanding is true while the head of the inbox is being emitted
	expanding bool
}

// FlatMap returns a supplier of processors that emit every element fn
// returns for an item.
func FlatMap(fn func(item any) ([]any, error)) Supplier {
	return func() Processor {
		return &flatMapP{fn: fn}
	}
}

func (p *flatMapP) IsStateless() bool { return true }

func (p *flatMapP) Process(_ int, inbox Inbox) error {
	for {
		if !p.expanding {
			item, ok := inbox.Peek()
			if !ok {
				return nil
			}
			out, err := p.fn(item)
			if err != nil {
				return errors.Trace(err)
			}
			p.pending, p.expanding = out, true
		}
		for len(p.pending) > 0 {
			if !p.Outbox.Offer(p.pending[0]) {
				return nil
			}
			p.pending = p.pending[1:]
		}
		p.pending, p.expanding = nil, false
		inbox.Remove()
	}
}

type noopP struct {
	Base
}

// Noop returns a supplier of processors that swallow their input.
func Noop() Supplier {
	return func() Processor {
		return &noopP{}
	}
}

func (p *noopP) IsStateless() bool { return true }

func (p *noopP) Process(_ int, inbox Inbox) error {
	inbox.Drain(func(any) {})
	return nil
}
