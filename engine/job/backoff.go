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

	"github.com/cenkalti/backoff/v4"
	"github.com/pingcap/dagflow/engine/pkg/clock"
	"go.uber.org/zap"
)

// restartBackoff counts the restarts of a job and computes the wait
// before the next one.
type restartBackoff struct {
	policy RestartPolicy
	logger *zap.Logger

	errBackoff      *backoff.ExponentialBackOff
	restarts        int
	backoffInterval time.Duration
}

func newRestartBackoff(policy RestartPolicy, clk clock.Clock, logger *zap.Logger) *restartBackoff {
	errBackoff := backoff.NewExponentialBackOff()
	errBackoff.InitialInterval = policy.InitialBackoff
	errBackoff.MaxInterval = policy.MaxBackoff
	errBackoff.Multiplier = policy.Multiplier
	errBackoff.Clock = clk
	// MaxElapsedTime=0 means the backoff never stops, the number of
	// restarts is bounded by the policy instead.
	errBackoff.MaxElapsedTime = 0
	errBackoff.Reset()

	return &restartBackoff{
		policy:     policy,
		logger:     logger,
		errBackoff: errBackoff,
	}
}

// Terminate returns whether the job has used up its restarts.
func (b *restartBackoff) Terminate() bool {
	return b.restarts >= b.policy.MaxRestarts
}

// Restarts returns the number of restarts so far.
func (b *restartBackoff) Restarts() int {
	return b.restarts
}

// Fail records a failure and returns the wait before the restart.
func (b *restartBackoff) Fail() time.Duration {
	b.restarts++
	oldInterval := b.backoffInterval
	b.backoffInterval = b.errBackoff.NextBackOff()
	b.logger.Info("job backoff interval is changed",
		zap.Int("restarts", b.restarts),
		zap.Duration("old-interval", oldInterval),
		zap.Duration("new-interval", b.backoffInterval))
	return b.backoffInterval
}
