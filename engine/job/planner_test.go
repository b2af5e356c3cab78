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


package job

import (
	"testing"

	"github.com/pingcap/dagflow/engine/cluster"
	"github.com/pingcap/dagflow/engine/dag"
	"github.com/pingcap/dagflow/engine/pkg/clock"
	"github.com/pingcap/dagflow/engine/processor"
	"github.com/pingcap/dagflow/engine/runtime"
	"github.com/pingcap/dagflow/pkg/errors"
	"github.com/pingcap/dagflow/pkg/uuid"
	"github.com/stretchr/testify/require"
)

func newTestCluster(t *testing.T, labels ...map[string]string) *cluster.Cluster {
	cl := cluster.New(runtime.DefaultConfig(), clock.New(), uuid.NewSequenceGenerator("member"))
	t.Cleanup(cl.Close)
	for _, l := range labels {
		_, err := cl.AddMember(l, 0)
		require.NoError(t, err)
	}
	return cl
}

func TestPlanPlacement(t *testing.T) {
	t.Parallel()

	cl := newTestCluster(t,
		map[string]string{"zone": "a"},
		map[string]string{"zone": "b"},
		map[string]string{"zone": "a"},
	)
	g := dag.NewGraph()
	src := g.MustAddVertex("source", processor.Noop(), 2)
	sink := g.MustAddVertex("sink", processor.Noop(), 1).SetPlacement(map[string]string{"zone": "a"})
	require.NoError(t, g.AddEdge(dag.Between(src, sink)))

	p, err := newPlan("job-1", g, cl.Members())
	require.NoError(t, err)
	require.Equal(t, 6, p.total("source"))
	require.Equal(t, 2, p.total("sink"))
	require.Equal(t, []string{"member-1", "member-1", "member-2", "member-2", "member-3", "member-3"}, p.slots["source"])
	require.Equal(t, []string{"member-1", "member-3"}, p.slots["sink"])
	require.Equal(t, []int{2, 3}, p.localSlots("source", "member-2"))
	require.Nil(t, p.localSlots("sink", "member-2"))
}

func TestPlanReassign(t *testing.T) {
	t.Parallel()

	cl := newTestCluster(t, nil, nil, nil)
	g := dag.NewGraph()
	g.MustAddVertex("source", processor.Noop(), 2)

	p, err := newPlan("job-1", g, cl.Members())
	require.NoError(t, err)
	require.NoError(t, cl.RemoveMember("member-2"))

	next, err := p.reassign("job-1", g, cl.Members())
	require.NoError(t, err)
	// the slot count is stable and lost slots move to the members with
	// the fewest slots
	require.Equal(t, []string{"member-1", "member-1", "member-1", "member-3", "member-3", "member-3"}, next.slots["source"])
	// the old plan is untouched
	require.Equal(t, "member-2", p.memberOf("source", 2))

	require.NoError(t, cl.RemoveMember("member-1"))
	require.NoError(t, cl.RemoveMember("member-3"))
	_, err = next.reassign("job-1", g, cl.Members())
	require.True(t, errors.Is(err, errors.ErrNoCapacity))
}

func TestPlanCapacity(t *testing.T) {
	t.Parallel()

	cl := cluster.New(runtime.DefaultConfig(), clock.New(), uuid.NewSequenceGenerator("member"))
	defer cl.Close()
	_, err := cl.AddMember(nil, 3)
	require.NoError(t, err)

	g := dag.NewGraph()
	g.MustAddVertex("source", processor.Noop(), 2)
	_, err = newPlan("job-1", g, cl.Members())
	require.NoError(t, err)

	g.MustAddVertex("other", processor.Noop(), 2)
	_, err = newPlan("job-1", g, cl.Members())
	require.True(t, errors.Is(err, errors.ErrNoCapacity))

	_, err = newPlan("job-1", g, nil)
	require.True(t, errors.Is(err, errors.ErrNoCapacity))
}

func TestPlanConnected(t *testing.T) {
	t.Parallel()

	g := dag.NewGraph()
	a := g.MustAddVertex("a", processor.Noop(), 1)
	b := g.MustAddVertex("b", processor.Noop(), 1)
	p := &plan{slots: map[string][]string{
		"a": {"m1", "m2", "m3"},
		"b": {"m1", "m2"},
	}}
	cases := []struct {
		edge     *dag.Edge
		src, dst int
		expected bool
	}{
		{edge: dag.Between(a, b), src: 0, dst: 0, expected: true},
		{edge: dag.Between(a, b), src: 0, dst: 1, expected: false},
		// m3 hosts no consumer, its producer feeds all of them
		{edge: dag.Between(a, b), src: 2, dst: 0, expected: true},
		{edge: dag.Between(a, b), src: 2, dst: 1, expected: true},
		{edge: dag.Between(a, b).Broadcast(), src: 1, dst: 0, expected: false},
		{edge: dag.Between(a, b).Distributed(), src: 0, dst: 1, expected: true},
		{edge: dag.Between(a, b).Partitioned(nil), src: 0, dst: 1, expected: true},
		{edge: dag.Between(a, b).AllToOne(), src: 1, dst: 0, expected: true},
	}
	for i, tc := range cases {
		require.Equal(t, tc.expected, p.connected(tc.edge, tc.src, tc.dst), "case %d", i)
	}
}
