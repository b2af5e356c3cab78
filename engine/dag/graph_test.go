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
	"testing"

	"github.com/pingcap/dagflow/engine/processor"
	"github.com/pingcap/dagflow/pkg/errors"
	"github.com/stretchr/testify/require"
)

func names(vertices []*Vertex) []string {
	ret := make([]string, 0, len(vertices))
	for _, v := range vertices {
		ret = append(ret, v.Name())
	}
	return ret
}

func TestAddVertex(t *testing.T) {
	t.Parallel()

	g := NewGraph()
	_, err := g.AddVertex("source", processor.Noop(), 1)
	require.NoError(t, err)

	_, err = g.AddVertex("source", processor.Noop(), 1)
	require.True(t, errors.Is(err, errors.ErrDuplicateVertex))
	require.True(t, errors.IsValidationError(err))

	_, err = g.AddVertex("nil-supplier", nil, 1)
	require.True(t, errors.Is(err, errors.ErrInvalidVertex))

	_, err = g.AddVertex("zero", processor.Noop(), 0)
	require.True(t, errors.Is(err, errors.ErrInvalidVertex))

	v, ok := g.Vertex("source")
	require.True(t, ok)
	require.Equal(t, 1, v.LocalParallelism())
	require.Equal(t, []string{"source"}, names(g.Vertices()))
}

func TestAddEdge(t *testing.T) {
	t.Parallel()

	g := NewGraph()
	a := g.MustAddVertex("a", processor.Noop(), 1)
	b := g.MustAddVertex("b", processor.Noop(), 1)
	c := g.MustAddVertex("c", processor.Noop(), 1)
	unknown := &Vertex{name: "unknown"}

	require.NoError(t, g.AddEdge(Between(a, b)))

	err := g.AddEdge(Between(a, unknown))
	require.True(t, errors.Is(err, errors.ErrUnknownVertex))

	// a self loop is the smallest cycle
	err = g.AddEdge(Between(a, a))
	require.True(t, errors.Is(err, errors.ErrCycle))
	require.True(t, errors.IsValidationError(err))
	require.Contains(t, err.Error(), "vertices involved: a")
	require.Empty(t, g.OutboundEdges("a"))

	// output ordinal 0 of a is taken
	err = g.AddEdge(Between(a, c))
	require.True(t, errors.Is(err, errors.ErrInvalidEdge))
	// input ordinal 0 of b is taken
	err = g.AddEdge(From(c, 0).To(b, 0))
	require.True(t, errors.Is(err, errors.ErrInvalidEdge))

	err = g.AddEdge(From(a, 1).To(c, 0).Partitioned(nil))
	require.True(t, errors.Is(err, errors.ErrInvalidEdge))

	e := From(a, 1).To(c, 0).Partitioned(func(item any) string { return "k" }).
		Distributed().Priority(-1).Capacity(16)
	require.NoError(t, g.AddEdge(e))
	require.Equal(t, Partitioned, e.Policy())
	require.True(t, e.IsDistributed())
	require.Equal(t, -1, e.GetPriority())
	require.Equal(t, 16, e.GetCapacity())
	require.Equal(t, "a#1->c#0", e.String())

	out := g.OutboundEdges("a")
	require.Len(t, out, 2)
	require.Equal(t, 0, out[0].SourceOrdinal())
	require.Equal(t, 1, out[1].SourceOrdinal())
	require.Equal(t, []string{"a"}, names(g.Sources()))
	require.Equal(t, []string{"b", "c"}, names(g.Sinks()))
	require.NoError(t, g.Validate())
}

func TestValidateCycle(t *testing.T) {
	t.Parallel()

	g := NewGraph()
	src := g.MustAddVertex("source", processor.Noop(), 1)
	a := g.MustAddVertex("a", processor.Noop(), 1)
	b := g.MustAddVertex("b", processor.Noop(), 1)
	require.NoError(t, g.AddEdge(Between(src, a)))
	require.NoError(t, g.AddEdge(From(a, 0).To(b, 0)))
	// adding the edge that closes the cycle is cheap and succeeds
	require.NoError(t, g.AddEdge(From(b, 0).To(a, 1)))

	err := g.Validate()
	require.True(t, errors.Is(err, errors.ErrCycle))
	require.True(t, errors.IsValidationError(err))
	require.Contains(t, err.Error(), "a, b")

	_, err = g.TopologicalOrder()
	require.True(t, errors.Is(err, errors.ErrCycle))
}

func TestValidateDisconnected(t *testing.T) {
	t.Parallel()

	err := NewGraph().Validate()
	require.True(t, errors.Is(err, errors.ErrDisconnectedGraph))

	g := NewGraph()
	a := g.MustAddVertex("a", processor.Noop(), 1)
	b := g.MustAddVertex("b", processor.Noop(), 1)
	require.NoError(t, g.AddEdge(From(a, 0).To(b, 1)))
	err = g.Validate()
	require.True(t, errors.Is(err, errors.ErrDisconnectedGraph))

	g = NewGraph()
	v := g.MustAddVertex("a", processor.Noop(), 1)
	v.SetLocalParallelism(0)
	err = g.Validate()
	require.True(t, errors.Is(err, errors.ErrInvalidVertex))
}

func TestTopologicalOrder(t *testing.T) {
	t.Parallel()

	g := NewGraph()
	sink := g.MustAddVertex("sink", processor.Noop(), 1)
	mapper := g.MustAddVertex("map", processor.Noop(), 2)
	src := g.MustAddVertex("source", processor.Noop(), 1)
	other := g.MustAddVertex("other-source", processor.Noop(), 1)
	require.NoError(t, g.AddEdge(Between(src, mapper)))
	require.NoError(t, g.AddEdge(Between(mapper, sink)))
	require.NoError(t, g.AddEdge(From(other, 0).To(sink, 1).Priority(1)))

	order, err := g.TopologicalOrder()
	require.NoError(t, err)
	require.Equal(t, []string{"source", "other-source", "map", "sink"}, names(order))
	require.NoError(t, g.Validate())

	in := g.InboundEdges("sink")
	require.Equal(t, "map", in[0].Source())
	require.Equal(t, "other-source", in[1].Source())
}

func TestFreeze(t *testing.T) {
	t.Parallel()

	g := NewGraph()
	a := g.MustAddVertex("a", processor.Noop(), 1)
	g.Freeze()
	require.True(t, g.IsFrozen())

	_, err := g.AddVertex("b", processor.Noop(), 1)
	require.True(t, errors.Is(err, errors.ErrGraphFrozen))
	err = g.AddEdge(Between(a, a))
	require.True(t, errors.Is(err, errors.ErrGraphFrozen))
}

func TestPlacement(t *testing.T) {
	t.Parallel()

	g := NewGraph()
	v := g.MustAddVertex("a", processor.Noop(), 1)
	require.True(t, v.Accepts(nil))

	v.SetPlacement(map[string]string{"zone": "east"})
	require.True(t, v.Accepts(map[string]string{"zone": "east", "disk": "ssd"}))
	require.False(t, v.Accepts(map[string]string{"zone": "west"}))
	require.Equal(t, map[string]string{"zone": "east"}, v.Placement())
}
