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

// Inbox holds the items handed to Process. Items stay in the inbox until
// the processor removes them.
type Inbox interface {
	IsEmpty() bool
	Len() int
	// Peek returns the head item without removing it.
	Peek() (any, bool)
	// Poll removes and returns the head item.
	Poll() (any, bool)
	// Remove drops the head item.
	Remove()
	// Drain removes all items, passing each to fn in order.
	Drain(fn func(item any)) int
}

// ArrayInbox is a slice backed Inbox filled by the runtime in batches.
type ArrayInbox struct {
	items []any
	head  int
}

var _ Inbox = (*ArrayInbox)(nil)

// NewArrayInbox creates an inbox with room for batchSize items.
func NewArrayInbox(batchSize int) *ArrayInbox {
	return &ArrayInbox{items: make([]any, 0, batchSize)}
}

// Add appends an item.
func (b *ArrayInbox) Add(item any) {
	if b.head > 0 && b.head == len(b.items) {
		b.reset()
	}
	b.items = append(b.items, item)
}

// IsEmpty implements Inbox.IsEmpty
func (b *ArrayInbox) IsEmpty() bool {
	return b.head == len(b.items)
}

// Len implements Inbox.Len
func (b *ArrayInbox) Len() int {
	return len(b.items) - b.head
}

// Peek implements Inbox.Peek
func (b *ArrayInbox) Peek() (any, bool) {
	if b.IsEmpty() {
		return nil, false
	}
	return b.items[b.head], true
}

// Poll implements Inbox.Poll
func (b *ArrayInbox) Poll() (any, bool) {
	item, ok := b.Peek()
	if ok {
		b.Remove()
	}
	return item, ok
}

// Remove implements Inbox.Remove
func (b *ArrayInbox) Remove() {
	if b.IsEmpty() {
		return
	}
	b.items[b.head] = nil
	b.head++
	if b.IsEmpty() {
		b.reset()
	}
}

// Drain implements Inbox.Drain
func (b *ArrayInbox) Drain(fn func(item any)) int {
	n := 0
	for !b.IsEmpty() {
		item := b.items[b.head]
		b.Remove()
		fn(item)
		n++
	}
	return n
}

// Clear drops all items.
func (b *ArrayInbox) Clear() {
	for i := b.head; i < len(b.items); i++ {
		b.items[i] = nil
	}
	b.reset()
}

func (b *ArrayInbox) reset() {
	b.items = b.items[:0]
	b.head = 0
}
