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

	"github.com/pingcap/dagflow/pkg/errors"
)

// Status is the lifecycle state of a job.
type Status int

// All job statuses. Adding one requires updating every switch below, they
// panic on unknown values.
const (
	StatusNotRunning Status = iota + 1
	StatusStarting
	StatusRunning
	StatusSuspended
	StatusCompleting
	StatusCompleted
	StatusFailed
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []Status{
	StatusNotRunning,
	StatusStarting,
	StatusRunning,
	StatusSuspended,
	StatusCompleting,
	StatusCompleted,
	StatusFailed,
}

func (s Status) String() string {
	switch s {
	case StatusNotRunning:
		return "NOT_RUNNING"
	case StatusStarting:
		return "STARTING"
	case StatusRunning:
		return "RUNNING"
	case StatusSuspended:
		return "SUSPENDED"
	case StatusCompleting:
		return "COMPLETING"
	case StatusCompleted:
		return "COMPLETED"
	case StatusFailed:
		return "FAILED"
	default:
		panic(fmt.Sprintf("unknown job status %d", int(s)))
	}
}

// ParseStatus is the inverse of Status.String.
func ParseStatus(s string) (Status, error) {
	for _, st := range AllStatuses {
		if st.String() == s {
			return st, nil
		}
	}
	return 0, errors.ErrInvalidArgument.GenWithStackByArgs("unknown job status " + s)
}

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed:
		return true
	case StatusNotRunning, StatusStarting, StatusRunning, StatusSuspended, StatusCompleting:
		return false
	default:
		panic(fmt.Sprintf("unknown job status %d", int(s)))
	}
}

// CanTransitTo reports whether the lifecycle allows moving from s to next.
func (s Status) CanTransitTo(next Status) bool {
	switch s {
	case StatusNotRunning:
		return next == StatusStarting
	case StatusStarting:
		return next == StatusRunning || next == StatusFailed
	case StatusRunning:
		return next == StatusSuspended || next == StatusCompleting || next == StatusFailed
	case StatusSuspended:
		return next == StatusRunning || next == StatusFailed
	case StatusCompleting:
		return next == StatusCompleted || next == StatusFailed
	case StatusCompleted, StatusFailed:
		return false
	default:
		panic(fmt.Sprintf("unknown job status %d", int(s)))
	}
}
