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


// Package clock is the time source of the engine. Code that waits or
// measures durations takes a Clock, tests drive it with a Mock.
package clock

import (
	"time"

	bclock "github.com/benbjohnson/clock"
	"github.com/gavv/monotime"
)

type (
	// Timer is returned by Clock.Timer.
	Timer = bclock.Timer
	// Ticker is returned by Clock.Ticker.
	Ticker = bclock.Ticker
)

// MonotonicTime is a reading of a monotonic clock. Readings of different
// clocks are not comparable.
type MonotonicTime time.Duration

// Sub returns m-other.
func (m MonotonicTime) Sub(other MonotonicTime) time.Duration {
	return time.Duration(m - other)
}

// Clock extends the wall clock with a monotonic reading used to measure
// processor calls and snapshot durations.
type Clock interface {
	bclock.Clock
	Mono() MonotonicTime
}

type systemClock struct {
	bclock.Clock
}

func (systemClock) Mono() MonotonicTime {
	return MonotonicTime(monotime.Now())
}

// New returns a Clock backed by the system clock.
func New() Clock {
	return systemClock{Clock: bclock.New()}
}

// Mock is a Clock that only moves when Add or Set is called. Its
// monotonic reading follows the mocked wall clock.
type Mock struct {
	*bclock.Mock
}

// NewMock returns a Mock set to the unix epoch.
func NewMock() *Mock {
	return &Mock{Mock: bclock.NewMock()}
}

// Mono implements Clock.
func (m *Mock) Mono() MonotonicTime {
	return MonotonicTime(m.Now().Sub(time.Unix(0, 0)))
}

// Stopwatch measures the time elapsed on a Clock since it was started.
type Stopwatch struct {
	clock Clock
	start MonotonicTime
}

// StartStopwatch starts a Stopwatch on c.
func StartStopwatch(c Clock) Stopwatch {
	return Stopwatch{clock: c, start: c.Mono()}
}

// Elapsed returns the time since the Stopwatch was started.
func (s Stopwatch) Elapsed() time.Duration {
	return s.clock.Mono().Sub(s.start)
}
