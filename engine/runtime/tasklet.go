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

package runtime

import (
	"github.com/pingcap/dagflow/engine/snapshot"
)

// ProgressState is the outcome of one Tasklet.Call.
type ProgressState struct {
	// MadeProgress is set when the call consumed or emitted anything.
	MadeProgress bool
	// Done is set once the tasklet finished and must not be called again.
	Done bool
}

// Status is used to tell a stalled tasklet from one held back by
// backpressure.
type Status struct {
	// PendingInput is set when input is waiting to be processed.
	PendingInput bool
	// OutputBlocked is set when emitted items wait for room downstream.
	OutputBlocked bool
}

// Tasklet is a unit of work the scheduler calls repeatedly. A tasklet is
// only ever called from one goroutine at a time.
type Tasklet interface {
	ID() string
	// Init prepares the tasklet, it is called once before Call.
	Init() error
	IsCooperative() bool
	// Call does a bounded amount of work. Cooperative tasklets must not
	// block inside Call.
	Call() (ProgressState, error)
	Status() Status
	// Close releases the resources of the tasklet. It is called exactly
	// once, whether the tasklet finished or not.
	Close() error
}

// SnapshotHandler connects tasklets to the snapshot coordinator of their
// job execution.
type SnapshotHandler interface {
	// RequestedSnapshot is polled by tasklets without live inputs.
	RequestedSnapshot() uint64
	// CommittedSnapshot is polled to notify snapshot committers.
	CommittedSnapshot() uint64
	SaveState(id uint64, key snapshot.TaskletKey, state []byte) error
	TaskletDone(key snapshot.TaskletKey)
}

// RestoreState is the state a tasklet resumes from.
type RestoreState struct {
	SnapshotID uint64
	Record     snapshot.Record
}
