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
	"github.com/cespare/xxhash/v2"
	"github.com/pingcap/dagflow/engine/dag"
)

// Collector routes the items one producer emits on one output ordinal to
// the queues of the consumer slots. The targets are ordered by consumer
// slot, which every producer of the edge agrees on.
//
// Offer may deliver an item to some targets and report false; the caller
// must offer the very same item again until Offer returns true.
type Collector struct {
	policy  dag.RoutingPolicy
	keyFn   dag.KeyFunc
	targets []*Queue

	// next is the round-robin cursor of unicast routing
	next int
	// delivered tracks the targets that already got the item being
	// broadcast
	delivered []bool
	inFlight  bool
}

// NewCollector creates a Collector.
func NewCollector(policy dag.RoutingPolicy, keyFn dag.KeyFunc, targets []*Queue) *Collector {
	return &Collector{
		policy:    policy,
		keyFn:     keyFn,
		targets:   targets,
		delivered: make([]bool, len(targets)),
	}
}

// PartitionOf returns the index of the target owning key among n targets.
func PartitionOf(key string, n int) int {
	return int(xxhash.Sum64String(key) % uint64(n))
}

// Offer routes a data item.
func (c *Collector) Offer(item any) bool {
	if len(c.targets) == 0 {
		return true
	}
	switch c.policy {
	case dag.Broadcast:
		return c.broadcast(item)
	case dag.Partitioned:
		return c.targets[PartitionOf(c.keyFn(item), len(c.targets))].Offer(item)
	case dag.AllToOne:
		return c.targets[0].Offer(item)
	default:
		return c.unicast(item)
	}
}

// OfferControl sends a Barrier or Done to every target.
func (c *Collector) OfferControl(item any) bool {
	return c.broadcast(item)
}

// Targets returns the number of consumer queues.
func (c *Collector) Targets() int {
	return len(c.targets)
}

// IsBlocked reports whether every target is full.
func (c *Collector) IsBlocked() bool {
	if len(c.targets) == 0 {
		return false
	}
	for _, q := range c.targets {
		if !q.IsFull() {
			return false
		}
	}
	return true
}

func (c *Collector) unicast(item any) bool {
	n := len(c.targets)
	for i := 0; i < n; i++ {
		idx := (c.next + i) % n
		if c.targets[idx].Offer(item) {
			c.next = (idx + 1) % n
			return true
		}
	}
	return false
}

func (c *Collector) broadcast(item any) bool {
	if !c.inFlight {
		c.inFlight = true
		for i := range c.delivered {
			c.delivered[i] = false
		}
	}
	done := true
	for i, q := range c.targets {
		if c.delivered[i] {
			continue
		}
		if q.Offer(item) {
			c.delivered[i] = true
		} else {
			done = false
		}
	}
	if done {
		c.inFlight = false
	}
	return done
}
