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
	"runtime"
	"time"
)

// Config configures an ExecutionService.
type Config struct {
	// CooperativeThreadCount is the number of cooperative worker
	// goroutines.
	CooperativeThreadCount int
	// InboxBatchSize limits the items handed to one Process call.
	InboxBatchSize int
	// OutboxCapacity is the capacity of every outbox bucket.
	OutboxCapacity int
	// StallRounds is the number of consecutive rounds without progress
	// after which a tasklet with pending input and free output is reported
	// as stalled.
	StallRounds int
	// MaxIdle bounds the sleep of a worker that made no progress.
	MaxIdle time.Duration
	// CallWarning is the duration after which a cooperative call is logged.
	CallWarning time.Duration
}

// Default values of Config.
const (
	DefaultInboxBatchSize = 1024
	DefaultOutboxCapacity = 2048
	DefaultStallRounds    = 1000
	DefaultMaxIdle        = time.Millisecond
	DefaultCallWarning    = 5 * time.Second
	minIdle               = 25 * time.Microsecond
)

// DefaultConfig returns the default Config.
func DefaultConfig() Config {
	return Config{
		CooperativeThreadCount: runtime.NumCPU(),
		InboxBatchSize:         DefaultInboxBatchSize,
		OutboxCapacity:         DefaultOutboxCapacity,
		StallRounds:            DefaultStallRounds,
		MaxIdle:                DefaultMaxIdle,
		CallWarning:            DefaultCallWarning,
	}
}

func (c *Config) adjust() {
	def := DefaultConfig()
	if c.CooperativeThreadCount <= 0 {
		c.CooperativeThreadCount = def.CooperativeThreadCount
	}
	if c.InboxBatchSize <= 0 {
		c.InboxBatchSize = def.InboxBatchSize
	}
	if c.OutboxCapacity <= 0 {
		c.OutboxCapacity = def.OutboxCapacity
	}
	if c.StallRounds <= 0 {
		c.StallRounds = def.StallRounds
	}
	if c.MaxIdle <= 0 {
		c.MaxIdle = def.MaxIdle
	}
	if c.CallWarning <= 0 {
		c.CallWarning = def.CallWarning
	}
}
