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
	"time"

	"github.com/google/btree"
)

// JobFilter selects jobs in ListJobs. Zero fields match everything.
type JobFilter struct {
	Name string
	// SubmittedAfter keeps jobs submitted strictly after the given time.
	SubmittedAfter time.Time
}

type indexEntry struct {
	name        string
	submittedAt time.Time
	id          string
}

func indexEntryLessByTime(a, b indexEntry) bool {
	if !a.submittedAt.Equal(b.submittedAt) {
		return a.submittedAt.Before(b.submittedAt)
	}
	return a.id < b.id
}

func indexEntryLessByName(a, b indexEntry) bool {
	if a.name != b.name {
		return a.name < b.name
	}
	return indexEntryLessByTime(a, b)
}

// jobIndex orders jobs by submission time, globally and per name.
type jobIndex struct {
	byTime *btree.BTreeG[indexEntry]
	byName *btree.BTreeG[indexEntry]
}

func newJobIndex() *jobIndex {
	return &jobIndex{
		byTime: btree.NewG(16, indexEntryLessByTime),
		byName: btree.NewG(16, indexEntryLessByName),
	}
}

func (ix *jobIndex) add(e indexEntry) {
	ix.byTime.ReplaceOrInsert(e)
	ix.byName.ReplaceOrInsert(e)
}

func (ix *jobIndex) remove(e indexEntry) {
	ix.byTime.Delete(e)
	ix.byName.Delete(e)
}

func (ix *jobIndex) len() int {
	return ix.byTime.Len()
}

// query returns the ids matching f, latest submission first.
func (ix *jobIndex) query(f JobFilter) []string {
	var ids []string
	if f.Name == "" {
		ix.byTime.DescendGreaterThan(indexEntry{submittedAt: f.SubmittedAfter}, func(e indexEntry) bool {
			if !e.submittedAt.After(f.SubmittedAfter) {
				return false
			}
			ids = append(ids, e.id)
			return true
		})
		return ids
	}

	pivot := indexEntry{name: f.Name, submittedAt: f.SubmittedAfter}
	ix.byName.AscendGreaterOrEqual(pivot, func(e indexEntry) bool {
		if e.name != f.Name {
			return false
		}
		if e.submittedAt.After(f.SubmittedAfter) {
			ids = append(ids, e.id)
		}
		return true
	})
	for i, j := 0, len(ids)-1; i < j; i, j = i+1, j-1 {
		ids[i], ids[j] = ids[j], ids[i]
	}
	return ids
}
