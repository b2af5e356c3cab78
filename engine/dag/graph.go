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
	"sort"
	"strings"
	"sync"

	"github.com/pingcap/dagflow/engine/processor"
	"github.com/pingcap/dagflow/pkg/errors"
)

// Graph describes a job: vertices and the edges between them. It is built
// incrementally, validated once at submission and frozen afterwards.
type Graph struct {
	mu sync.RWMutex

	vertices map[string]*Vertex
	// order keeps the insertion order of vertices
	order []*Vertex
	edges []*Edge

	inbound  map[string][]*Edge
	outbound map[string][]*Edge

	frozen bool
}

// NewGraph creates an empty Graph.
func NewGraph() *Graph {
	return &Graph{
		vertices: make(map[string]*Vertex),
		inbound:  make(map[string][]*Edge),
		outbound: make(map[string][]*Edge),
	}
}

// AddVertex adds a vertex with the given local parallelism.
func (g *Graph) AddVertex(name string, supplier processor.Supplier, parallelism int) (*Vertex, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.frozen {
		return nil, errors.ErrGraphFrozen.GenWithStackByArgs()
	}
	if name == "" {
		return nil, errors.ErrInvalidVertex.GenWithStackByArgs(name, "empty name")
	}
	if supplier == nil {
		return nil, errors.ErrInvalidVertex.GenWithStackByArgs(name, "nil processor supplier")
	}
	if parallelism < 1 {
		return nil, errors.ErrInvalidVertex.GenWithStackByArgs(name,
			fmt.Sprintf("local parallelism %d is less than 1", parallelism))
	}
	if _, ok := g.vertices[name]; ok {
		return nil, errors.ErrDuplicateVertex.GenWithStackByArgs(name)
	}

	v := &Vertex{
		name:             name,
		supplier:         supplier,
		localParallelism: parallelism,
	}
	g.vertices[name] = v
	g.order = append(g.order, v)
	return v, nil
}

// MustAddVertex is like AddVertex but panics on error. It is meant for
// graphs built from constants.
func (g *Graph) MustAddVertex(name string, supplier processor.Supplier, parallelism int) *Vertex {
	v, err := g.AddVertex(name, supplier, parallelism)
	if err != nil {
		panic(err)
	}
	return v
}

// AddEdge adds e to the graph. Cycles are detected by Validate.
func (g *Graph) AddEdge(e *Edge) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.frozen {
		return errors.ErrGraphFrozen.GenWithStackByArgs()
	}
	if _, ok := g.vertices[e.source]; !ok {
		return errors.ErrUnknownVertex.GenWithStackByArgs(e.source)
	}
	if _, ok := g.vertices[e.dest]; !ok {
		return errors.ErrUnknownVertex.GenWithStackByArgs(e.dest)
	}
	if e.source == e.dest {
		return errors.ErrCycle.GenWithStackByArgs("vertices involved: " + e.source)
	}
	if e.sourceOrd < 0 || e.destOrd < 0 {
		return errors.ErrInvalidEdge.GenWithStackByArgs(e, "negative ordinal")
	}
	if e.policy == Partitioned && e.keyFn == nil {
		return errors.ErrInvalidEdge.GenWithStackByArgs(e, "partitioned edge without key function")
	}
	if e.capacity < 0 {
		return errors.ErrInvalidEdge.GenWithStackByArgs(e, "negative capacity")
	}
	for _, other := range g.outbound[e.source] {
		if other.sourceOrd == e.sourceOrd {
			return errors.ErrInvalidEdge.GenWithStackByArgs(e,
				fmt.Sprintf("output ordinal %d is already connected", e.sourceOrd))
		}
	}
	for _, other := range g.inbound[e.dest] {
		if other.destOrd == e.destOrd {
			return errors.ErrInvalidEdge.GenWithStackByArgs(e,
				fmt.Sprintf("input ordinal %d is already connected", e.destOrd))
		}
	}

	g.edges = append(g.edges, e)
	g.outbound[e.source] = append(g.outbound[e.source], e)
	g.inbound[e.dest] = append(g.inbound[e.dest], e)
	return nil
}

// Vertex returns the vertex with the given name.
func (g *Graph) Vertex(name string) (*Vertex, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	v, ok := g.vertices[name]
	return v, ok
}

// Vertices returns all vertices in insertion order.
func (g *Graph) Vertices() []*Vertex {
	g.mu.RLock()
	defer g.mu.RUnlock()

	ret := make([]*Vertex, len(g.order))
	copy(ret, g.order)
	return ret
}

// Edges returns all edges in insertion order.
func (g *Graph) Edges() []*Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()

	ret := make([]*Edge, len(g.edges))
	copy(ret, g.edges)
	return ret
}

// InboundEdges returns the edges entering vertex, sorted by input ordinal.
func (g *Graph) InboundEdges(vertex string) []*Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return sortEdges(g.inbound[vertex], (*Edge).DestOrdinal)
}

// OutboundEdges returns the edges leaving vertex, sorted by output ordinal.
func (g *Graph) OutboundEdges(vertex string) []*Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return sortEdges(g.outbound[vertex], (*Edge).SourceOrdinal)
}

// Sources returns the vertices without inbound edges.
func (g *Graph) Sources() []*Vertex {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var ret []*Vertex
	for _, v := range g.order {
		if len(g.inbound[v.name]) == 0 {
			ret = append(ret, v)
		}
	}
	return ret
}

// Sinks returns the vertices without outbound edges.
func (g *Graph) Sinks() []*Vertex {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var ret []*Vertex
	for _, v := range g.order {
		if len(g.outbound[v.name]) == 0 {
			ret = append(ret, v)
		}
	}
	return ret
}

// Freeze makes the graph immutable.
func (g *Graph) Freeze() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.frozen = true
}

// IsFrozen reports whether the graph was frozen.
func (g *Graph) IsFrozen() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.frozen
}

// Validate checks that the graph is a connected DAG that can be executed.
func (g *Graph) Validate() error {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if len(g.order) == 0 {
		return errors.ErrDisconnectedGraph.GenWithStackByArgs("graph has no vertices")
	}
	for _, v := range g.order {
		if v.localParallelism < 1 {
			return errors.ErrInvalidVertex.GenWithStackByArgs(v.name,
				fmt.Sprintf("local parallelism %d is less than 1", v.localParallelism))
		}
	}
	if _, err := g.topologicalOrderLocked(); err != nil {
		return err
	}
	if err := g.checkOrdinalsLocked(); err != nil {
		return err
	}
	return g.checkReachabilityLocked()
}

// TopologicalOrder returns the vertices so that every edge points forward.
// Vertices without ordering constraints keep their insertion order.
func (g *Graph) TopologicalOrder() ([]*Vertex, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.topologicalOrderLocked()
}

// topologicalOrderLocked runs Kahn's algorithm.
func (g *Graph) topologicalOrderLocked() ([]*Vertex, error) {
	inDegree := make(map[string]int, len(g.order))
	for _, e := range g.edges {
		inDegree[e.dest]++
	}

	var ready []*Vertex
	for _, v := range g.order {
		if inDegree[v.name] == 0 {
			ready = append(ready, v)
		}
	}

	ret := make([]*Vertex, 0, len(g.order))
	for len(ready) > 0 {
		v := ready[0]
		ready = ready[1:]
		ret = append(ret, v)
		for _, e := range g.outbound[v.name] {
			inDegree[e.dest]--
			if inDegree[e.dest] == 0 {
				ready = append(ready, g.vertices[e.dest])
			}
		}
	}

	if len(ret) < len(g.order) {
		var cyclic []string
		for _, v := range g.order {
			if inDegree[v.name] > 0 {
				cyclic = append(cyclic, v.name)
			}
		}
		return nil, errors.ErrCycle.GenWithStackByArgs(
			"vertices involved: " + strings.Join(cyclic, ", "))
	}
	return ret, nil
}

// checkOrdinalsLocked makes sure ordinals of every vertex are 0..n-1.
func (g *Graph) checkOrdinalsLocked() error {
	check := func(v string, edges []*Edge, ordinal func(*Edge) int, kind string) error {
		ords := make([]int, 0, len(edges))
		for _, e := range edges {
			ords = append(ords, ordinal(e))
		}
		sort.Ints(ords)
		for i, ord := range ords {
			if ord != i {
				return errors.ErrDisconnectedGraph.GenWithStackByArgs(
					fmt.Sprintf("%s ordinals of vertex %s are not contiguous: %v", kind, v, ords))
			}
		}
		return nil
	}
	for _, v := range g.order {
		if err := check(v.name, g.inbound[v.name], (*Edge).DestOrdinal, "input"); err != nil {
			return err
		}
		if err := check(v.name, g.outbound[v.name], (*Edge).SourceOrdinal, "output"); err != nil {
			return err
		}
	}
	return nil
}

// checkReachabilityLocked makes sure every vertex is reachable from a
// source vertex.
func (g *Graph) checkReachabilityLocked() error {
	visited := make(map[string]struct{}, len(g.order))
	walker := newWalker(func(v *Vertex) error {
		visited[v.name] = struct{}{}
		return nil
	}, func(v *Vertex) []*Vertex {
		var next []*Vertex
		for _, e := range g.outbound[v.name] {
			next = append(next, g.vertices[e.dest])
		}
		return next
	})
	for _, v := range g.order {
		if len(g.inbound[v.name]) > 0 {
			continue
		}
		if err := walker.walk(v); err != nil {
			return err
		}
	}
	for _, v := range g.order {
		if _, ok := visited[v.name]; !ok {
			return errors.ErrDisconnectedGraph.GenWithStackByArgs(
				fmt.Sprintf("vertex %s is not reachable from any source", v.name))
		}
	}
	return nil
}
