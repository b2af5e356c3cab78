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


package notifier

import (
	"context"
	"sync"
	"time"

	"github.com/pingcap/dagflow/engine/pkg/containers"
	"github.com/pingcap/dagflow/pkg/errors"
	"go.uber.org/atomic"
)

const (
	defaultReceiverBufferSize = 16
	flushCheckInterval        = 5 * time.Millisecond
)

type receiverID = int64

// Notifier broadcasts a stream of events, such as job status changes or
// snapshot completions, to any number of receivers. Notify never blocks.
// Every receiver owns an unbounded queue that a pump goroutine drains into
// its channel, so a receiver that stops reading only delays itself.
type Notifier[T any] struct {
	// mu serializes Notify, all receivers observe the same order.
	mu        sync.Mutex
	receivers map[receiverID]*Receiver[T]
	nextID    receiverID
	closed    bool
}

// Receiver is the receiving endpoint of a Notifier.
type Receiver[T any] struct {
	// C is closed once the receiver or its notifier is closed. Events
	// still queued at that point are dropped.
	C <-chan T

	id      receiverID
	ch      chan T
	pending *containers.Deque[T]
	// queued counts events not yet handed to ch.
	queued atomic.Int64

	closeOnce sync.Once
	closeCh   chan struct{}
	doneCh    chan struct{}

	notifier *Notifier[T]
}

// NewNotifier creates a new Notifier.
func NewNotifier[T any]() *Notifier[T] {
	return &Notifier[T]{
		receivers: make(map[receiverID]*Receiver[T]),
	}
}

// NewReceiver creates a new Receiver that gets every event notified after
// this call. The receiver of a closed notifier is closed already.
func (n *Notifier[T]) NewReceiver() *Receiver[T] {
	ch := make(chan T, defaultReceiverBufferSize)
	r := &Receiver[T]{
		C:        ch,
		ch:       ch,
		pending:  containers.NewDeque[T](),
		closeCh:  make(chan struct{}),
		doneCh:   make(chan struct{}),
		notifier: n,
	}

	n.mu.Lock()
	n.nextID++
	r.id = n.nextID
	closed := n.closed
	if !closed {
		n.receivers[r.id] = r
	}
	n.mu.Unlock()

	go r.pump()
	if closed {
		r.Close()
	}
	return r
}

// Notify sends a new notification event.
func (n *Notifier[T]) Notify(event T) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return
	}
	for _, r := range n.receivers {
		r.queued.Inc()
		r.pending.Push(event)
	}
}

// Close closes the notifier and all receivers.
func (n *Notifier[T]) Close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	receivers := make([]*Receiver[T], 0, len(n.receivers))
	for _, r := range n.receivers {
		receivers = append(receivers, r)
	}
	n.mu.Unlock()

	for _, r := range receivers {
		r.Close()
	}
}

// Flush waits until every event notified so far has been handed to the
// channels of the open receivers.
func (n *Notifier[T]) Flush(ctx context.Context) error {
	ticker := time.NewTicker(flushCheckInterval)
	defer ticker.Stop()

	for n.queued() > 0 {
		select {
		case <-ctx.Done():
			return errors.Trace(ctx.Err())
		case <-ticker.C:
		}
	}
	return nil
}

func (n *Notifier[T]) queued() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()

	var total int64
	for _, r := range n.receivers {
		total += r.queued.Load()
	}
	return total
}

func (n *Notifier[T]) remove(id receiverID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.receivers, id)
}

// Close closes the receiver. It is safe to call more than once and after
// the notifier is closed.
func (r *Receiver[T]) Close() {
	r.closeOnce.Do(func() {
		close(r.closeCh)
		<-r.doneCh
		r.notifier.remove(r.id)
	})
}

// pump is the only goroutine sending to and closing ch.
func (r *Receiver[T]) pump() {
	defer close(r.doneCh)
	defer close(r.ch)

	for {
		event, ok := r.pending.Pop()
		if !ok {
			select {
			case <-r.pending.C:
				continue
			case <-r.closeCh:
				return
			}
		}
		select {
		case r.ch <- event:
			r.queued.Dec()
		case <-r.closeCh:
			return
		}
	}
}
