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


package testsupport

import (
	"strings"
	"testing"
	"time"

	"github.com/pingcap/dagflow/engine/processor"
	"github.com/pingcap/dagflow/pkg/errors"
	"github.com/stretchr/testify/require"
)

func upper() processor.Supplier {
	return processor.Map(func(item any) (any, error) {
		return strings.ToUpper(item.(string)), nil
	})
}

func TestVerifyMap(t *testing.T) {
	t.Parallel()

	AssertProcessor(t, upper(), Config{
		Input:            []any{"foo", "bar"},
		ExpectedOutput:   []any{"BAR", "FOO"},
		OutputComparison: SameItemsAnyOrder,
		DisableLogging:   true,
	})

	err := VerifyProcessor(upper(), Config{
		Input:          []any{"foo", "bar"},
		ExpectedOutput: []any{"BAR", "FOO"},
		DisableLogging: true,
	})
	require.True(t, errors.Is(err, errors.ErrProcessorOutputMismatch), "%+v", err)
}

func TestVerifyCombineWithSnapshots(t *testing.T) {
	t.Parallel()

	count := processor.CombineByKey(func(item any) string { return item.(string) }, processor.Counting())
	AssertProcessor(t, count, Config{
		Input:          []any{"b", "a", "c", "a", "b", "a"},
		ExpectedOutput: []any{processor.Entry{Key: "a", Value: 3}, processor.Entry{Key: "b", Value: 2}, processor.Entry{Key: "c", Value: 1}},
		InboxBatchSize: 2,
	})

	AssertProcessor(t, count, Config{
		Input:               []any{"a", "b"},
		DisableCompleteCall: true,
		DisableLogging:      true,
	})
}

func TestVerifySource(t *testing.T) {
	t.Parallel()

	AssertProcessor(t, processor.ListSource([]any{1, 2, 3}), Config{
		ExpectedOutput: []any{1, 2, 3},
		DisableLogging: true,
	})
}

type sleepyP struct {
	processor.Base
}

func (p *sleepyP) Process(_ int, inbox processor.Inbox) error {
	time.Sleep(50 * time.Millisecond)
	inbox.Drain(func(any) {})
	return nil
}

func TestVerifyCooperativeTimeout(t *testing.T) {
	t.Parallel()

	err := VerifyProcessor(func() processor.Processor { return &sleepyP{} }, Config{
		Input:              []any{1},
		CooperativeTimeout: 10 * time.Millisecond,
		DisableLogging:     true,
	})
	require.True(t, errors.Is(err, errors.ErrCooperativeTimeout), "%+v", err)

	err = VerifyProcessor(func() processor.Processor { return &sleepyP{} }, Config{
		Input:              []any{1},
		CooperativeTimeout: -1,
		DisableLogging:     true,
	})
	require.NoError(t, err)
}

// hangingP blocks in Process until release is closed.
type hangingP struct {
	processor.Base
	release chan struct{}
}

func (p *hangingP) Process(_ int, inbox processor.Inbox) error {
	<-p.release
	inbox.Drain(func(any) {})
	return nil
}

func TestVerifyCooperativeCallNeverReturns(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	start := time.Now()
	err := VerifyProcessor(func() processor.Processor { return &hangingP{release: release} }, Config{
		Input:              []any{1},
		CooperativeTimeout: 20 * time.Millisecond,
		DisableLogging:     true,
	})
	require.True(t, errors.Is(err, errors.ErrCooperativeTimeout), "%+v", err)
	require.Contains(t, err.Error(), "Process")
	require.Less(t, time.Since(start), 5*time.Second)
}

// stuckP never takes items out of its inbox.
type stuckP struct {
	processor.Base
}

func (p *stuckP) Process(int, processor.Inbox) error { return nil }

func TestVerifyNoProgress(t *testing.T) {
	t.Parallel()

	err := VerifyProcessor(func() processor.Processor { return &stuckP{} }, Config{
		Input:          []any{1},
		MaxIdleCalls:   2,
		DisableLogging: true,
	})
	require.True(t, errors.Is(err, errors.ErrProcessorNoProgress), "%+v", err)
	require.Contains(t, err.Error(), "3 consecutive Process calls")
}

// forgetfulSumP sums its input but loses the sum on restore.
type forgetfulSumP struct {
	processor.Base
	sum int
}

func (p *forgetfulSumP) Process(_ int, inbox processor.Inbox) error {
	inbox.Drain(func(item any) { p.sum += item.(int) })
	return nil
}

func (p *forgetfulSumP) Complete() (bool, error) {
	return p.Outbox.Offer(p.sum), nil
}

func (p *forgetfulSumP) SaveSnapshot() ([]byte, error) { return nil, nil }

func (p *forgetfulSumP) RestoreSnapshot([]byte) error { return nil }

func TestVerifyDetectsLostState(t *testing.T) {
	t.Parallel()

	supplier := func() processor.Processor { return &forgetfulSumP{} }
	cfg := Config{
		Input:          []any{1, 2, 3, 4},
		ExpectedOutput: []any{10},
		InboxBatchSize: 2,
		DisableLogging: true,
	}
	err := VerifyProcessor(supplier, cfg)
	require.True(t, errors.Is(err, errors.ErrProcessorOutputMismatch), "%+v", err)
	require.Contains(t, err.Error(), "snapshot and restore")

	cfg.DisableSnapshots = true
	require.NoError(t, VerifyProcessor(supplier, cfg))
}

func TestVerifyNilSupplier(t *testing.T) {
	t.Parallel()

	err := VerifyProcessor(func() processor.Processor { return nil }, Config{DisableLogging: true})
	require.True(t, errors.Is(err, errors.ErrProcessorContract), "%+v", err)
}
