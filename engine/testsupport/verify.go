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


// Package testsupport drives a single processor outside of the engine and
// checks that it honors the processor contract.
package testsupport

import (
	"fmt"
	"reflect"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/pingcap/dagflow/engine/pkg/clock"
	"github.com/pingcap/dagflow/engine/processor"
	"github.com/pingcap/dagflow/pkg/errors"
	"github.com/pingcap/log"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// OutputComparison decides how the output is matched against the
// expected output.
type OutputComparison int

// All output comparison modes.
const (
	ExactOrder OutputComparison = iota
	SameItemsAnyOrder
)

func (c OutputComparison) String() string {
	switch c {
	case ExactOrder:
		return "exact order"
	case SameItemsAnyOrder:
		return "same items in any order"
	default:
		return fmt.Sprintf("comparison(%d)", int(c))
	}
}

// Default values of Config.
const (
	DefaultCooperativeTimeout = time.Second
	DefaultOutboxCapacity     = 1
	DefaultInboxBatchSize     = 16

	// idleCallLimit ends a run that makes no progress even when the
	// progress assertion is disabled.
	idleCallLimit = 10000
)

// Config is the input and the knobs of VerifyProcessor.
type Config struct {
	// Input is fed to input ordinal 0. Leave it empty for sources.
	Input          []any
	ExpectedOutput []any

	// CooperativeTimeout is the time budget of one call of a cooperative
	// processor. 0 means DefaultCooperativeTimeout, a negative value
	// disables the check.
	CooperativeTimeout time.Duration
	// DisableCompleteCall skips CompleteEdge and Complete.
	DisableCompleteCall bool
	DisableLogging      bool
	// DisableProgressAssertion allows calls that neither consume input
	// nor emit output.
	DisableProgressAssertion bool
	// DisableSnapshots skips the run that snapshots the processor after
	// every call and restores the snapshot into a new instance.
	DisableSnapshots bool
	OutputComparison OutputComparison
	// OutboxCapacity defaults to DefaultOutboxCapacity, which forces the
	// processor through backpressure on every emitted item.
	OutboxCapacity int
	// InboxBatchSize defaults to DefaultInboxBatchSize.
	InboxBatchSize int
	// MaxIdleCalls is the number of consecutive calls without progress
	// that are tolerated.
	MaxIdleCalls int
}

func (c Config) adjusted() Config {
	if c.CooperativeTimeout == 0 {
		c.CooperativeTimeout = DefaultCooperativeTimeout
	}
	if c.OutboxCapacity <= 0 {
		c.OutboxCapacity = DefaultOutboxCapacity
	}
	if c.InboxBatchSize <= 0 {
		c.InboxBatchSize = DefaultInboxBatchSize
	}
	if c.MaxIdleCalls < 0 {
		c.MaxIdleCalls = 0
	}
	return c
}

// VerifyProcessor runs processors created by supplier over cfg.Input and
// compares their output with cfg.ExpectedOutput. Unless snapshots are
// disabled, a second run saves the processor state after every call and
// continues on a fresh instance restored from it.
func VerifyProcessor(supplier processor.Supplier, cfg Config) error {
	cfg = cfg.adjusted()
	logger := zap.NewNop()
	if !cfg.DisableLogging {
		logger = log.L().With(zap.String("component", "verify-processor"))
	}

	snapshottable, err := verifyRun(supplier, cfg, false, logger)
	if err != nil {
		return err
	}
	if cfg.DisableSnapshots || !snapshottable {
		return nil
	}
	if _, err := verifyRun(supplier, cfg, true, logger.With(zap.Bool("snapshots", true))); err != nil {
		return errors.Annotate(err, "run with snapshot and restore after every call")
	}
	return nil
}

// AssertProcessor fails t if VerifyProcessor fails.
func AssertProcessor(t testing.TB, supplier processor.Supplier, cfg Config) {
	t.Helper()
	require.NoError(t, VerifyProcessor(supplier, cfg))
}

// verifyRun reports whether the processor implements Snapshotter.
func verifyRun(
	supplier processor.Supplier, cfg Config, snapshots bool, logger *zap.Logger,
) (snapshottable bool, err error) {
	r := &run{
		cfg:       cfg,
		supplier:  supplier,
		snapshots: snapshots,
		logger:    logger,
		clock:     clock.New(),
		inbox:     processor.NewArrayInbox(cfg.InboxBatchSize),
	}
	if err := r.newInstance(nil); err != nil {
		return false, err
	}
	_, snapshottable = r.p.(processor.Snapshotter)
	defer func() {
		if r.p == nil {
			return
		}
		if closeErr := r.p.Close(); closeErr != nil && err == nil {
			err = errors.Trace(closeErr)
		}
	}()

	if err := r.feedInput(); err != nil {
		return snapshottable, err
	}
	if !cfg.DisableCompleteCall {
		if err := r.complete(); err != nil {
			return snapshottable, err
		}
	}
	return snapshottable, compareOutput(cfg.ExpectedOutput, r.output, cfg.OutputComparison)
}

type run struct {
	cfg       Config
	supplier  processor.Supplier
	snapshots bool
	logger    *zap.Logger
	clock     clock.Clock

	p          processor.Processor
	ctx        *processor.Context
	inbox      *processor.ArrayInbox
	outbox     *processor.BucketOutbox
	output     []any
	idle       int
	snapshotID uint64
}

// newInstance creates and initializes a processor, restoring state when
// it is not nil.
func (r *run) newInstance(state []byte) error {
	r.p = r.supplier()
	if r.p == nil {
		return errors.ErrProcessorContract.GenWithStackByArgs("supplier returned nil")
	}
	r.ctx = processor.NewTestContext("verified")
	r.ctx.Logger = r.logger
	if r.snapshots {
		r.ctx.Guarantee = processor.GuaranteeExactlyOnce
	}
	r.outbox = processor.NewBucketOutbox(1, r.cfg.OutboxCapacity)
	if err := r.p.Init(r.ctx, r.outbox); err != nil {
		return errors.Trace(err)
	}
	if state == nil {
		return nil
	}
	r.ctx.SetSnapshotID(r.snapshotID)
	return errors.Trace(r.p.(processor.Snapshotter).RestoreSnapshot(state))
}

// call runs one processor call, enforces the cooperative time budget and
// drains the outbox. It returns the number of emitted items.
func (r *run) call(name string, fn func(p processor.Processor) error) (int, error) {
	budget := r.cfg.CooperativeTimeout
	p := r.p
	if budget <= 0 || !p.IsCooperative() {
		if err := fn(p); err != nil {
			return 0, errors.Trace(err)
		}
		return r.drainOutbox(name), nil
	}

	watch := clock.StartStopwatch(r.clock)
	result := make(chan error, 1)
	go func() {
		result <- fn(p)
	}()
	select {
	case err := <-result:
		if err != nil {
			return 0, errors.Trace(err)
		}
	case <-r.clock.After(budget):
		// the call still owns the processor, it is not closed
		r.p = nil
		r.logger.Warn("cooperative call did not return within the timeout",
			zap.String("call", name), zap.Duration("timeout", budget))
		return 0, errors.ErrCooperativeTimeout.GenWithStackByArgs(name, watch.Elapsed(), budget)
	}
	if elapsed := watch.Elapsed(); elapsed > budget {
		return 0, errors.ErrCooperativeTimeout.GenWithStackByArgs(name, elapsed, budget)
	}
	return r.drainOutbox(name), nil
}

func (r *run) drainOutbox(name string) int {

	emitted := 0
	for {
		item, ok := r.outbox.Peek(0)
		if !ok {
			break
		}
		r.outbox.Pop(0)
		r.output = append(r.output, item)
		emitted++
		r.logger.Info("processor emitted", zap.String("call", name), zap.Any("item", item))
	}
	return emitted
}

func (r *run) checkProgress(name string, progress bool) error {
	if progress {
		r.idle = 0
		return nil
	}
	r.idle++
	if r.idle > idleCallLimit || (!r.cfg.DisableProgressAssertion && r.idle > r.cfg.MaxIdleCalls) {
		return errors.ErrProcessorNoProgress.GenWithStackByArgs(r.idle, name)
	}
	return nil
}

func (r *run) feedInput() error {
	next := 0
	for next < len(r.cfg.Input) || !r.inbox.IsEmpty() {
		for r.inbox.Len() < r.cfg.InboxBatchSize && next < len(r.cfg.Input) {
			r.inbox.Add(r.cfg.Input[next])
			next++
		}
		before := r.inbox.Len()
		emitted, err := r.call("Process", func(p processor.Processor) error {
			return p.Process(0, r.inbox)
		})
		if err != nil {
			return err
		}
		if err := r.checkProgress("Process", emitted > 0 || r.inbox.Len() < before); err != nil {
			return err
		}
		if err := r.snapshotAndRestore(); err != nil {
			return err
		}
	}
	return nil
}

func (r *run) complete() error {
	if len(r.cfg.Input) > 0 {
		if err := r.callUntilDone("CompleteEdge", func(p processor.Processor) (bool, error) {
			return p.CompleteEdge(0)
		}); err != nil {
			return err
		}
	}
	return r.callUntilDone("Complete", func(p processor.Processor) (bool, error) {
		return p.Complete()
	})
}

// callUntilDone repeats fn on the current instance, which changes on
// every restore, until it reports done.
func (r *run) callUntilDone(name string, fn func(p processor.Processor) (bool, error)) error {
	r.idle = 0
	for {
		var done bool
		emitted, err := r.call(name, func(p processor.Processor) (err error) {
			done, err = fn(p)
			return err
		})
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if err := r.checkProgress(name, emitted > 0); err != nil {
			return err
		}
		if err := r.snapshotAndRestore(); err != nil {
			return err
		}
	}
}

// snapshotAndRestore replaces the processor with a new instance restored
// from a snapshot of the current one.
func (r *run) snapshotAndRestore() error {
	if !r.snapshots {
		return nil
	}
	s, ok := r.p.(processor.Snapshotter)
	if !ok {
		return nil
	}

	r.snapshotID++
	r.ctx.SetSnapshotID(r.snapshotID)
	var state []byte
	if _, err := r.call("SaveSnapshot", func(processor.Processor) (err error) {
		state, err = s.SaveSnapshot()
		return err
	}); err != nil {
		return err
	}
	if c, ok := r.p.(processor.SnapshotCommitter); ok {
		if err := c.OnSnapshotCompleted(r.snapshotID); err != nil {
			return errors.Trace(err)
		}
	}
	if err := r.p.Close(); err != nil {
		return errors.Trace(err)
	}
	if state == nil {
		state = []byte{}
	}
	r.logger.Debug("restore processor from snapshot", zap.Uint64("snapshot-id", r.snapshotID), zap.Int("bytes", len(state)))
	return r.newInstance(state)
}

func compareOutput(expected, actual []any, mode OutputComparison) error {
	opts := []cmp.Option{
		cmpopts.EquateEmpty(),
		cmp.Exporter(func(reflect.Type) bool { return true }),
	}
	switch mode {
	case ExactOrder:
	case SameItemsAnyOrder:
		opts = append(opts, cmpopts.SortSlices(func(a, b any) bool {
			return fmt.Sprintf("%T%v", a, a) < fmt.Sprintf("%T%v", b, b)
		}))
	default:
		return errors.ErrInvalidArgument.GenWithStackByArgs(mode.String())
	}
	if diff := cmp.Diff(expected, actual, opts...); diff != "" {
		return errors.ErrProcessorOutputMismatch.GenWithStackByArgs(mode, diff)
	}
	return nil
}
