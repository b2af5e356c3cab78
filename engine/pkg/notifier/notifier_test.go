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


package notifier

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/pingcap/dagflow/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestNotifierBasics(t *testing.T) {
	t.Parallel()

	n := NewNotifier[int]()
	defer n.Close()

	const (
		numReceivers = 10
		numEvents    = 10000
		finEv        = math.MaxInt
	)
	var wg sync.WaitGroup

	for i := 0; i < numReceivers; i++ {
		r := n.NewReceiver()
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer r.Close()

			lastEv := 0
			for ev := range r.C {
				if ev == finEv {
					return
				}
				require.Equal(t, lastEv+1, ev)
				lastEv = ev
			}
		}()
	}

	for i := 1; i <= numEvents; i++ {
		n.Notify(i)
	}
	n.Notify(finEv)
	require.NoError(t, n.Flush(context.Background()))

	wg.Wait()
}

func TestSlowReceiverDoesNotBlockOthers(t *testing.T) {
	t.Parallel()

	n := NewNotifier[int]()
	defer n.Close()

	stuck := n.NewReceiver()
	defer stuck.Close()
	r := n.NewReceiver()
	defer r.Close()

	const numEvents = 10 * defaultReceiverBufferSize
	for i := 0; i < numEvents; i++ {
		n.Notify(i)
	}
	for i := 0; i < numEvents; i++ {
		select {
		case ev := <-r.C:
			require.Equal(t, i, ev)
		case <-time.After(5 * time.Second):
			require.FailNow(t, "receiver is blocked by a slow receiver")
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.Equal(t, context.DeadlineExceeded, errors.Cause(n.Flush(ctx)))
}

func TestNotifierClose(t *testing.T) {
	t.Parallel()

	n := NewNotifier[int]()

	const numReceivers = 100
	var wg sync.WaitGroup
	for i := 0; i < numReceivers; i++ {
		r := n.NewReceiver()
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer r.Close()

			_, ok := <-r.C
			require.False(t, ok)
		}()
	}

	n.Close()
	wg.Wait()

	n.Notify(1)
	r := n.NewReceiver()
	_, ok := <-r.C
	require.False(t, ok)
	r.Close()
	n.Close()
}
