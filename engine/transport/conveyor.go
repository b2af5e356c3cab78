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

// Conveyor feeds one input ordinal of one consumer. It has a queue per
// upstream producer, so the order of each producer is preserved while
// nothing is promised across producers.
type Conveyor struct {
	queues []*Queue
}

// NewConveyor creates a conveyor with one queue per producer.
func NewConveyor(producers, capacity int) *Conveyor {
	queues := make([]*Queue, producers)
	for i := range queues {
		queues[i] = NewQueue(capacity)
	}
	return &Conveyor{queues: queues}
}

// QueueCount returns the number of producers.
func (c *Conveyor) QueueCount() int {
	return len(c.queues)
}

// Queue returns the queue of the i-th producer.
func (c *Conveyor) Queue(i int) *Queue {
	return c.queues[i]
}

// IsEmpty reports whether all queues are empty.
func (c *Conveyor) IsEmpty() bool {
	for _, q := range c.queues {
		if q.Len() > 0 {
			return false
		}
	}
	return true
}
