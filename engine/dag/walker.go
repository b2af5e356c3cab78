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
	"github.com/pingcap/dagflow/pkg/errors"
	"github.com/pingcap/log"
)

// walker visits every vertex reachable from a start vertex once.
type walker struct {
	visited  map[string]struct{}
	onVertex func(*Vertex) error
	next     func(*Vertex) []*Vertex
}

func newWalker(onVertex func(*Vertex) error, next func(*Vertex) []*Vertex) *walker {
	return &walker{
		visited:  make(map[string]struct{}),
		onVertex: onVertex,
		next:     next,
	}
}

func (w *walker) walk(v *Vertex) error {
	if v == nil {
		log.Panic("unexpected nil vertex")
		return nil // to make the linter happy
	}

	if _, ok := w.visited[v.name]; ok {
		return nil
	}
	if err := w.onVertex(v); err != nil {
		return errors.Trace(err)
	}
	w.visited[v.name] = struct{}{}
	for _, next := range w.next(v) {
		if err := w.walk(next); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}
