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

package transport

import (
	"sync"

	"github.com/edwingeng/deque"
)

// Queue is a bounded FIFO connecting one producer to one consumer. Offer
// never blocks: it reports false when the queue is full and the producer
// retries later, which is how backpressure travels upstream.
type Queue struct {
	mu       sync.Mutex
	items    deque.Deque
	capacity int
}

// NewQueue creates a queue holding at most capacity items.
func NewQueue(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{
		items:    deque.NewDeque(),
		capacity: capacity,
	}
}

// Offer appends item unless the queue is full.
func (q *Queue) Offer(item any) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.items.Len() >= q.capacity {
		return false
	}
	q.items.PushBack(item)
	return true
}

// Poll removes and returns the head item.
func (q *Queue) Poll() (any, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.items.Empty() {
		return nil, false
	}
	return q.items.PopFront(), true
}

// Peek returns the head item without removing it.
func (q *Queue) Peek() (any, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.items.Empty() {
		return nil, false
	}
	return q.items.Front(), true
}

// DrainTo removes up to limit items from the head and passes them to fn.
// Draining stops early, leaving the item in the queue, when fn returns
// false. It returns the number of removed items.
func (q *Queue) DrainTo(limit int, fn func(item any) bool) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for n < limit && !q.items.Empty() {
		if !fn(q.items.Front()) {
			break
		}
		q.items.PopFront()
		n++
	}
	return n
}

// Len returns the number of queued items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// IsFull reports whether Offer would fail.
func (q *Queue) IsFull() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len() >= q.capacity
}

// Capacity returns the maximum number of items.
func (q *Queue) Capacity() int {
	return q.capacity
}
