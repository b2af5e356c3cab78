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
	"github.com/edwingeng/deque"
)

// Outbox receives the items a processor emits. Every output ordinal has a
// bucket of bounded capacity. A false return value means the bucket is
// full and the item was not accepted.
type Outbox interface {
	// BucketCount is the number of output ordinals.
	BucketCount() int
	// Offer emits item to all ordinals. It accepts the item either
	// everywhere or nowhere.
	Offer(item any) bool
	// OfferTo emits item to a single ordinal.
	OfferTo(ordinal int, item any) bool
}

// BucketOutbox is the Outbox used by the runtime and the test harness.
// The owner drains the buckets after every processor call.
type BucketOutbox struct {
	buckets  []deque.Deque
	capacity int
}

var _ Outbox = (*BucketOutbox)(nil)

// NewBucketOutbox creates an outbox with bucketCount buckets holding at
// most capacity items each.
func NewBucketOutbox(bucketCount, capacity int) *BucketOutbox {
	if capacity < 1 {
		capacity = 1
	}
	buckets := make([]deque.Deque, bucketCount)
	for i := range buckets {
		buckets[i] = deque.NewDeque()
	}
	return &BucketOutbox{buckets: buckets, capacity: capacity}
}

// BucketCount implements Outbox.BucketCount
func (o *BucketOutbox) BucketCount() int {
	return len(o.buckets)
}

// Offer implements Outbox.Offer
func (o *BucketOutbox) Offer(item any) bool {
	for _, b := range o.buckets {
		if b.Len() >= o.capacity {
			return false
		}
	}
	for _, b := range o.buckets {
		b.PushBack(item)
	}
	return true
}

// OfferTo implements Outbox.OfferTo
func (o *BucketOutbox) OfferTo(ordinal int, item any) bool {
	b := o.buckets[ordinal]
	if b.Len() >= o.capacity {
		return false
	}
	b.PushBack(item)
	return true
}

// Peek returns the head of the bucket of ordinal.
func (o *BucketOutbox) Peek(ordinal int) (any, bool) {
	b := o.buckets[ordinal]
	if b.Empty() {
		return nil, false
	}
	return b.Front(), true
}

// Pop removes the head of the bucket of ordinal.
func (o *BucketOutbox) Pop(ordinal int) {
	if !o.buckets[ordinal].Empty() {
		o.buckets[ordinal].PopFront()
	}
}

// Len returns the number of pending items in the bucket of ordinal.
func (o *BucketOutbox) Len(ordinal int) int {
	return o.buckets[ordinal].Len()
}

// IsEmpty reports whether all buckets are drained.
func (o *BucketOutbox) IsEmpty() bool {
	for _, b := range o.buckets {
		if !b.Empty() {
			return false
		}
	}
	return true
}

// Clear drops all pending items.
func (o *BucketOutbox) Clear() {
	for i := range o.buckets {
		o.buckets[i] = deque.NewDeque()
	}
}
