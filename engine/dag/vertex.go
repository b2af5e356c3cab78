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
	"sort"

	"github.com/pingcap/dagflow/engine/processor"
)

// Vertex is a named processing stage of a job.
type Vertex struct {
	name             string
	supplier         processor.Supplier
	localParallelism int
	placement        map[string]string
}

// Name returns the vertex name.
func (v *Vertex) Name() string { return v.name }

// Supplier returns the factory of the vertex processors.
func (v *Vertex) Supplier() processor.Supplier { return v.supplier }

// LocalParallelism returns the number of instances per hosting member.
func (v *Vertex) LocalParallelism() int { return v.localParallelism }

// SetLocalParallelism changes the number of instances per member.
// Values below one are rejected by Validate.
func (v *Vertex) SetLocalParallelism(n int) *Vertex {
	v.localParallelism = n
	return v
}

// SetPlacement restricts the vertex to members carrying all labels.
func (v *Vertex) SetPlacement(labels map[string]string) *Vertex {
	v.placement = make(map[string]string, len(labels))
	for k, val := range labels {
		v.placement[k] = val
	}
	return v
}

// Placement returns a copy of the placement labels.
func (v *Vertex) Placement() map[string]string {
	ret := make(map[string]string, len(v.placement))
	for k, val := range v.placement {
		ret[k] = val
	}
	return ret
}

// Accepts reports whether a member with the given labels may host v.
func (v *Vertex) Accepts(labels map[string]string) bool {
	for k, val := range v.placement {
		if labels[k] != val {
			return false
		}
	}
	return true
}

func sortEdges(edges []*Edge, ordinal func(*Edge) int) []*Edge {
	ret := make([]*Edge, len(edges))
	copy(ret, edges)
	sort.Slice(ret, func(i, j int) bool {
		return ordinal(ret[i]) < ordinal(ret[j])
	})
	return ret
}
