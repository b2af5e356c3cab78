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
	"fmt"

	"github.com/pingcap/dagflow/engine/cluster"
	"github.com/pingcap/dagflow/engine/dag"
	"github.com/pingcap/dagflow/pkg/errors"
)

// plan maps every slot of every vertex to a member. The number of slots
// of a vertex is fixed when the job is submitted, restarts only move slots
// of lost members.
type plan struct {
	// slots[vertex][slot] is the id of the member hosting the slot
	slots map[string][]string
}

func (p *plan) total(vertex string) int {
	return len(p.slots[vertex])
}

func (p *plan) memberOf(vertex string, slot int) string {
	return p.slots[vertex][slot]
}

// localSlots returns the slots of vertex hosted by member, ascending.
func (p *plan) localSlots(vertex, member string) []int {
	var ret []int
	for slot, m := range p.slots[vertex] {
		if m == member {
			ret = append(ret, slot)
		}
	}
	return ret
}

func eligibleMembers(v *dag.Vertex, members []*cluster.Member) []*cluster.Member {
	var ret []*cluster.Member
	for _, m := range members {
		if v.Accepts(m.Labels()) {
			ret = append(ret, m)
		}
	}
	return ret
}

// newPlan places LocalParallelism slots of every vertex on each member
// that accepts it.
func newPlan(jobID string, g *dag.Graph, members []*cluster.Member) (*plan, error) {
	p := &plan{slots: make(map[string][]string)}
	for _, v := range g.Vertices() {
		eligible := eligibleMembers(v, members)
		if len(eligible) == 0 {
			return nil, errors.ErrNoCapacity.GenWithStackByArgs(jobID,
				fmt.Sprintf("no member can host vertex %s", v.Name()))
		}
		slots := make([]string, 0, len(eligible)*v.LocalParallelism())
		for _, m := range eligible {
			for i := 0; i < v.LocalParallelism(); i++ {
				slots = append(slots, m.ID())
			}
		}
		p.slots[v.Name()] = slots
	}
	if err := p.checkCapacity(jobID, members); err != nil {
		return nil, err
	}
	return p, nil
}

// reassign moves the slots hosted by members that are gone to the
// eligible live members with the fewest slots of the vertex.
func (p *plan) reassign(jobID string, g *dag.Graph, members []*cluster.Member) (*plan, error) {
	live := make(map[string]struct{}, len(members))
	for _, m := range members {
		live[m.ID()] = struct{}{}
	}

	ret := &plan{slots: make(map[string][]string)}
	for _, v := range g.Vertices() {
		old := p.slots[v.Name()]
		slots := make([]string, len(old))
		copy(slots, old)

		var eligible []*cluster.Member
		count := make(map[string]int)
		for _, m := range eligibleMembers(v, members) {
			eligible = append(eligible, m)
			count[m.ID()] = 0
		}
		for _, m := range slots {
			if _, ok := count[m]; ok {
				count[m]++
			}
		}
		for slot, m := range slots {
			if _, ok := live[m]; ok {
				continue
			}
			if len(eligible) == 0 {
				return nil, errors.ErrNoCapacity.GenWithStackByArgs(jobID,
					fmt.Sprintf("no member can host vertex %s", v.Name()))
			}
			target := eligible[0]
			for _, e := range eligible[1:] {
				if count[e.ID()] < count[target.ID()] {
					target = e
				}
			}
			slots[slot] = target.ID()
			count[target.ID()]++
		}
		ret.slots[v.Name()] = slots
	}
	if err := ret.checkCapacity(jobID, members); err != nil {
		return nil, err
	}
	return ret, nil
}

func (p *plan) checkCapacity(jobID string, members []*cluster.Member) error {
	used := make(map[string]int)
	for _, slots := range p.slots {
		for _, m := range slots {
			used[m]++
		}
	}
	for _, m := range members {
		if m.Capacity() > 0 && used[m.ID()] > m.Capacity() {
			return errors.ErrNoCapacity.GenWithStackByArgs(jobID,
				fmt.Sprintf("member %s needs %d tasklets but has capacity %d", m.ID(), used[m.ID()], m.Capacity()))
		}
	}
	return nil
}

// connected reports whether producer slot src of e feeds consumer slot
// dst. Local edges only connect slots on the same member, unless the
// member hosts no consumer at all. Partitioned and all-to-one edges
// always reach every consumer so that routing stays global.
func (p *plan) connected(e *dag.Edge, src, dst int) bool {
	if e.IsDistributed() || e.Policy() == dag.Partitioned || e.Policy() == dag.AllToOne {
		return true
	}
	srcMember := p.memberOf(e.Source(), src)
	if p.memberOf(e.Dest(), dst) == srcMember {
		return true
	}
	for _, m := range p.slots[e.Dest()] {
		if m == srcMember {
			return false
		}
	}
	return true
}
