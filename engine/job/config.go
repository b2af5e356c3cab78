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

	"github.com/pingcap/dagflow/engine/processor"
)

// Config is the per-job configuration given on submission.
type Config struct {
	// Name is optional, several jobs may share it.
	Name      string
	Guarantee processor.Guarantee
	// SnapshotInterval is the period of automatic snapshots, 0 disables
	// them. It is ignored without a processing guarantee.
	SnapshotInterval time.Duration
	// SnapshotTimeout defaults to CoordinatorConfig.SnapshotTimeout.
	SnapshotTimeout time.Duration
	RestartPolicy   RestartPolicy
	// QueueCapacity is the capacity of edges without an explicit one, it
	// defaults to CoordinatorConfig.QueueCapacity.
	QueueCapacity int
}

// RestartPolicy decides whether a failed execution is restarted from the
// latest snapshot.
type RestartPolicy struct {
	// MaxRestarts is the number of restarts before the job fails.
	MaxRestarts int
	// RestartOnProcessorFailure also restarts on processor errors, not
	// only on member loss.
	RestartOnProcessorFailure bool
	InitialBackoff            time.Duration
	MaxBackoff                time.Duration
	Multiplier                float64
}

// Default values of RestartPolicy.
const (
	DefaultMaxRestarts    = 3
	DefaultInitialBackoff = 100 * time.Millisecond
	DefaultMaxBackoff     = 10 * time.Second
	DefaultMultiplier     = 2.0
)

// DefaultRestartPolicy returns the default restart policy.
func DefaultRestartPolicy() RestartPolicy {
	return RestartPolicy{
		MaxRestarts:    DefaultMaxRestarts,
		InitialBackoff: DefaultInitialBackoff,
		MaxBackoff:     DefaultMaxBackoff,
		Multiplier:     DefaultMultiplier,
	}
}

func (p *RestartPolicy) adjust() {
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = DefaultInitialBackoff
	}
	if p.MaxBackoff < p.InitialBackoff {
		p.MaxBackoff = p.InitialBackoff
	}
	if p.Multiplier < 1 {
		p.Multiplier = DefaultMultiplier
	}
}

func (c *Config) adjust(defaults CoordinatorConfig) {
	if c.SnapshotTimeout <= 0 {
		c.SnapshotTimeout = defaults.SnapshotTimeout
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = defaults.QueueCapacity
	}
	c.RestartPolicy.adjust()
}

// CoordinatorConfig configures a Coordinator.
type CoordinatorConfig struct {
	// QueueCapacity is the default capacity of edge queues.
	QueueCapacity int
	// SnapshotTimeout is the default time a snapshot may take.
	SnapshotTimeout time.Duration
	// InboxBatchSize and OutboxCapacity are passed to every tasklet.
	InboxBatchSize int
	OutboxCapacity int
}

// Default values of CoordinatorConfig.
const (
	DefaultQueueCapacity   = 1024
	DefaultSnapshotTimeout = time.Minute
)

func (c *CoordinatorConfig) adjust() {
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = DefaultQueueCapacity
	}
	if c.SnapshotTimeout <= 0 {
		c.SnapshotTimeout = DefaultSnapshotTimeout
	}
}
