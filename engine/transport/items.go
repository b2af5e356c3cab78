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

import "fmt"

// Barrier separates the items before snapshot SnapshotID from the items
// after it.
type Barrier struct {
	SnapshotID uint64
}

func (b Barrier) String() string {
	return fmt.Sprintf("barrier(%d)", b.SnapshotID)
}

// doneItem is the last item a producer puts into each of its queues.
type doneItem struct{}

func (doneItem) String() string { return "done" }

// Done marks the end of the stream of one producer.
var Done any = doneItem{}

// IsControl reports whether item is a Barrier or Done.
func IsControl(item any) bool {
	switch item.(type) {
	case Barrier, doneItem:
		return true
	default:
		return false
	}
}
