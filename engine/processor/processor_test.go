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

package processor

import (
	"os"
	"strings"
	"testing"

	"github.com/pingcap/dagflow/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestArrayInbox(t *testing.T) {
	t.Parallel()

	inbox := NewArrayInbox(4)
	require.True(t, inbox.IsEmpty())
	_, ok := inbox.Peek()
	require.False(t, ok)

	inbox.Add("a")
	inbox.Add("b")
	inbox.Add("c")
	require.Equal(t, 3, inbox.Len())

	item, ok := inbox.Peek()
	require.True(t, ok)
	require.Equal(t, "a", item)
	inbox.Remove()

	item, ok = inbox.Poll()
	require.True(t, ok)
	require.Equal(t, "b", item)

	var drained []any
	require.Equal(t, 1, inbox.Drain(func(item any) { drained = append(drained, item) }))
	require.Equal(t, []any{"c"}, drained)
	require.True(t, inbox.IsEmpty())

	inbox.Add("d")
	inbox.Clear()
	require.True(t, inbox.IsEmpty())
}

func TestBucketOutbox(t *testing.T) {
	t.Parallel()

	outbox := NewBucketOutbox(2, 2)
	require.Equal(t, 2, outbox.BucketCount())
	require.True(t, outbox.Offer(1))
	require.True(t, outbox.OfferTo(0, 2))
	// bucket 0 is full, so a broadcast offer must not land anywhere
	require.False(t, outbox.Offer(3))
	require.Equal(t, 2, outbox.Len(0))
	require.Equal(t, 1, outbox.Len(1))
	require.False(t, outbox.OfferTo(0, 4))

	item, ok := outbox.Peek(0)
	require.True(t, ok)
	require.Equal(t, 1, item)
	outbox.Pop(0)
	require.True(t, outbox.Offer(3))
	require.False(t, outbox.IsEmpty())

	outbox.Clear()
	require.True(t, outbox.IsEmpty())

	sinkOutbox := NewBucketOutbox(0, 1)
	require.True(t, sinkOutbox.Offer("dropped"))
}

func TestMapRetriesOnFullOutbox(t *testing.T) {
	t.Parallel()

	calls := 0
	p := Map(func(item any) (any, error) {
		calls++
		return strings.ToUpper(item.(string)), nil
	})()
	outbox := NewBucketOutbox(1, 1)
	require.NoError(t, p.Init(NewTestContext("map"), outbox))
	require.True(t, IsStateless(p))
	require.True(t, SupportsSnapshots(p))

	inbox := NewArrayInbox(2)
	inbox.Add("foo")
	inbox.Add("bar")
	require.NoError(t, p.Process(0, inbox))
	require.Equal(t, 1, inbox.Len())
	require.NoError(t, p.Process(0, inbox))
	require.Equal(t, 1, inbox.Len())

	item, _ := outbox.Peek(0)
	require.Equal(t, "FOO", item)
	outbox.Pop(0)
	require.NoError(t, p.Process(0, inbox))
	require.True(t, inbox.IsEmpty())
	item, _ = outbox.Peek(0)
	require.Equal(t, "BAR", item)
	require.Equal(t, 2, calls)
}

func TestMapError(t *testing.T) {
	t.Parallel()

	p := Map(func(item any) (any, error) {
		return nil, errors.New("boom")
	})()
	require.NoError(t, p.Init(NewTestContext("map"), NewBucketOutbox(1, 1)))
	inbox := NewArrayInbox(1)
	inbox.Add("x")
	require.ErrorContains(t, p.Process(0, inbox), "boom")
}

func TestCombineByKeySnapshot(t *testing.T) {
	t.Parallel()

	supplier := CombineByKey(func(item any) string { return item.(string) }, Counting())
	p := supplier()
	require.False(t, IsStateless(p))
	require.True(t, SupportsSnapshots(p))
	outbox := NewBucketOutbox(1, 1)
	require.NoError(t, p.Init(NewTestContext("combine"), outbox))

	inbox := NewArrayInbox(8)
	for _, w := range []string{"b", "a", "b"} {
		inbox.Add(w)
	}
	require.NoError(t, p.Process(0, inbox))

	done, err := p.Complete()
	require.NoError(t, err)
	require.False(t, done)
	item, _ := outbox.Peek(0)
	require.Equal(t, Entry{Key: "a", Value: 1}, item)
	outbox.Pop(0)

	state, err := p.(Snapshotter).SaveSnapshot()
	require.NoError(t, err)

	restored := supplier()
	restoredOutbox := NewBucketOutbox(1, 4)
	require.NoError(t, restored.Init(NewTestContext("combine"), restoredOutbox))
	require.NoError(t, restored.(Snapshotter).RestoreSnapshot(state))
	done, err = restored.Complete()
	require.NoError(t, err)
	require.True(t, done)
	require.Equal(t, 1, restoredOutbox.Len(0))
	item, _ = restoredOutbox.Peek(0)
	require.Equal(t, Entry{Key: "b", Value: 2}, item)
	require.Equal(t, "b=2", item.(Entry).String())

	err = restored.(Snapshotter).RestoreSnapshot([]byte{0xc1})
	require.True(t, errors.Is(err, errors.ErrSnapshotDecode))
}

func TestListSourceSlots(t *testing.T) {
	t.Parallel()

	items := []any{0, 1, 2, 3, 4}
	ctx := NewTestContext("source")
	ctx.GlobalSlot = 1
	ctx.TotalParallelism = 2

	p := ListSource(items)()
	outbox := NewBucketOutbox(1, 10)
	require.NoError(t, p.Init(ctx, outbox))
	done, err := p.Complete()
	require.NoError(t, err)
	require.True(t, done)

	var got []any
	for !outbox.IsEmpty() {
		item, _ := outbox.Peek(0)
		got = append(got, item)
		outbox.Pop(0)
	}
	require.Equal(t, []any{1, 3}, got)
}

func TestCollectSinkExactlyOnce(t *testing.T) {
	t.Parallel()

	c := NewCollector()
	ctx := NewTestContext("sink")
	ctx.Guarantee = GuaranteeExactlyOnce
	p := CollectSink(c)()
	require.NoError(t, p.Init(ctx, NewBucketOutbox(0, 1)))

	inbox := NewArrayInbox(4)
	inbox.Add("a")
	require.NoError(t, p.Process(0, inbox))
	require.Equal(t, 0, c.Len())

	ctx.SetSnapshotID(1)
	state1, err := p.(Snapshotter).SaveSnapshot()
	require.NoError(t, err)
	require.Equal(t, 0, c.Len())
	require.NoError(t, p.(SnapshotCommitter).OnSnapshotCompleted(1))
	require.Equal(t, []any{"a"}, c.Items())

	inbox.Add("b")
	require.NoError(t, p.Process(0, inbox))
	ctx.SetSnapshotID(2)
	_, err = p.(Snapshotter).SaveSnapshot()
	require.NoError(t, err)

	// snapshot 2 never completes and the job restarts from snapshot 1
	restartCtx := NewTestContext("sink")
	restartCtx.Guarantee = GuaranteeExactlyOnce
	restarted := CollectSink(c)()
	require.NoError(t, restarted.Init(restartCtx, NewBucketOutbox(0, 1)))
	require.NoError(t, restarted.(Snapshotter).RestoreSnapshot(state1))
	require.Equal(t, []any{"a"}, c.Items())

	inbox.Add("b")
	require.NoError(t, restarted.Process(0, inbox))
	done, err := restarted.Complete()
	require.NoError(t, err)
	require.True(t, done)
	require.Equal(t, []any{"a", "b"}, c.Items())
}

func TestCollectSinkNoGuarantee(t *testing.T) {
	t.Parallel()

	c := NewCollector()
	p := CollectSink(c)()
	require.NoError(t, p.Init(NewTestContext("sink"), NewBucketOutbox(0, 1)))
	inbox := NewArrayInbox(2)
	inbox.Add(1)
	inbox.Add(2)
	require.NoError(t, p.Process(0, inbox))
	require.Equal(t, []any{1, 2}, c.Items())
}

func TestWriteFileRestoreTruncates(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	supplier := WriteFile(dir, nil)
	ctx := NewTestContext("file")

	p := supplier()
	require.False(t, p.IsCooperative())
	require.NoError(t, p.Init(ctx, NewBucketOutbox(0, 1)))
	inbox := NewArrayInbox(4)
	inbox.Add("line1")
	require.NoError(t, p.Process(0, inbox))
	state, err := p.(Snapshotter).SaveSnapshot()
	require.NoError(t, err)
	inbox.Add("line2")
	require.NoError(t, p.Process(0, inbox))
	require.NoError(t, p.Close())

	content, err := os.ReadFile(FileName(dir, "file", 0))
	require.NoError(t, err)
	require.Equal(t, "line1\nline2\n", string(content))

	restarted := supplier()
	require.NoError(t, restarted.Init(ctx, NewBucketOutbox(0, 1)))
	require.NoError(t, restarted.(Snapshotter).RestoreSnapshot(state))
	inbox.Add("line2")
	require.NoError(t, restarted.Process(0, inbox))
	done, err := restarted.Complete()
	require.NoError(t, err)
	require.True(t, done)
	require.NoError(t, restarted.Close())

	content, err = os.ReadFile(FileName(dir, "file", 0))
	require.NoError(t, err)
	require.Equal(t, "line1\nline2\n", string(content))
}

func TestPeekInputKeepsCapabilities(t *testing.T) {
	t.Parallel()

	stateless := PeekInput(nil, Map(func(item any) (any, error) { return item, nil }))()
	_, ok := stateless.(Snapshotter)
	require.False(t, ok)
	require.True(t, IsStateless(stateless))

	stateful := PeekInput(nil, CombineByKey(func(item any) string { return "k" }, Counting()))()
	_, ok = stateful.(Snapshotter)
	require.True(t, ok)
	require.False(t, IsStateless(stateful))

	outbox := NewBucketOutbox(1, 4)
	require.NoError(t, stateless.Init(NewTestContext("peek"), outbox))
	inbox := NewArrayInbox(2)
	inbox.Add("x")
	require.NoError(t, stateless.Process(0, inbox))
	item, _ := outbox.Peek(0)
	require.Equal(t, "x", item)
}

func TestParseGuarantee(t *testing.T) {
	t.Parallel()

	for _, g := range []Guarantee{GuaranteeNone, GuaranteeAtLeastOnce, GuaranteeExactlyOnce} {
		parsed, err := ParseGuarantee(g.String())
		require.NoError(t, err)
		require.Equal(t, g, parsed)
	}
	_, err := ParseGuarantee("twice")
	require.True(t, errors.Is(err, errors.ErrInvalidArgument))
}
