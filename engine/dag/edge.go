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

package dag

import (
	"fmt"
)

// RoutingPolicy decides which consumer slots receive an item.
type RoutingPolicy int

// All routing policies.
const (
	// Unicast sends each item to one consumer, round-robin.
	Unicast RoutingPolicy = iota
	// Broadcast sends each item to every consumer.
	Broadcast
	// Partitioned sends each item to the consumer owning its key.
	Partitioned
	// AllToOne sends every item to the consumer with the lowest slot.
	AllToOne
)

func (p RoutingPolicy) String() string {
	switch p {
	case Unicast:
		return "unicast"
	case Broadcast:
		return "broadcast"
	case Partitioned:
		return "partitioned"
	case AllToOne:
		return "all-to-one"
	default:
		return fmt.Sprintf("routing(%d)", int(p))
	}
}

// KeyFunc extracts the partitioning key of an item.
type KeyFunc func(item any) string

// Edge connects an output ordinal of one vertex to an input ordinal of
// another.
type Edge struct {
	source      string
	sourceOrd   int
	dest        string
	destOrd     int
	policy      RoutingPolicy
	keyFn       KeyFunc
	priority    int
	distributed bool
	capacity    int
}

// From starts an edge at the given output ordinal of v.
func From(v *Vertex, ordinal int) *Edge {
	return &Edge{source: v.Name(), sourceOrd: ordinal}
}

// Between connects ordinal 0 of a to ordinal 0 of b.
func Between(a, b *Vertex) *Edge {
	return From(a, 0).To(b, 0)
}

// To sets the destination of the edge.
func (e *Edge) To(v *Vertex, ordinal int) *Edge {
	e.dest = v.Name()
	e.destOrd = ordinal
	return e
}

// Partitioned routes items by the hash of the key returned by keyFn.
func (e *Edge) Partitioned(keyFn KeyFunc) *Edge {
	e.policy = Partitioned
	e.keyFn = keyFn
	return e
}

// Broadcast sends every item to all consumers.
func (e *Edge) Broadcast() *Edge {
	e.policy = Broadcast
	return e
}

// AllToOne sends every item to a single consumer.
func (e *Edge) AllToOne() *Edge {
	e.policy = AllToOne
	return e
}

// Priority sets the draining priority. Edges with a lower value are
// drained completely before the others.
func (e *Edge) Priority(p int) *Edge {
	e.priority = p
	return e
}

// Distributed lets the edge cross member boundaries.
func (e *Edge) Distributed() *Edge {
	e.distributed = true
	return e
}

// Capacity overrides the queue capacity of the edge.
func (e *Edge) Capacity(n int) *Edge {
	e.capacity = n
	return e
}

// Source returns the name of the source vertex.
func (e *Edge) Source() string { return e.source }

// SourceOrdinal returns the output ordinal on the source vertex.
func (e *Edge) SourceOrdinal() int { return e.sourceOrd }

// Dest returns the name of the destination vertex.
func (e *Edge) Dest() string { return e.dest }

// DestOrdinal returns the input ordinal on the destination vertex.
func (e *Edge) DestOrdinal() int { return e.destOrd }

// Policy returns the routing policy.
func (e *Edge) Policy() RoutingPolicy { return e.policy }

// KeyFn returns the partitioning function, nil unless Partitioned.
func (e *Edge) KeyFn() KeyFunc { return e.keyFn }

// GetPriority returns the draining priority.
func (e *Edge) GetPriority() int { return e.priority }

// IsDistributed reports whether the edge crosses member boundaries.
func (e *Edge) IsDistributed() bool { return e.distributed }

// GetCapacity returns the queue capacity, 0 means the engine default.
func (e *Edge) GetCapacity() int { return e.capacity }

func (e *Edge) String() string {
	return fmt.Sprintf("%s#%d->%s#%d", e.source, e.sourceOrd, e.dest, e.destOrd)
}
