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
	"fmt"
	"sort"

	"github.com/pingcap/dagflow/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
)

// Entry is a key-value pair emitted by aggregating processors.
type Entry struct {
	Key   string `msgpack:"k"`
	Value int64  `msgpack:"v"`
}

func (e Entry) String() string {
	return fmt.Sprintf("%s=%d", e.Key, e.Value)
}

// Aggregation folds items into an int64 accumulator.
type Aggregation struct {
	Name       string
	Accumulate func(acc int64, item any) int64
}

// Counting counts items.
func Counting() Aggregation {
	return Aggregation{
		Name: "counting",
		Accumulate: func(acc int64, _ any) int64 {
			return acc + 1
		},
	}
}

// Summing adds up the value fn extracts from each item.
func Summing(fn func(item any) int64) Aggregation {
	return Aggregation{
		Name: "summing",
		Accumulate: func(acc int64, item any) int64 {
			return acc + fn(item)
		},
	}
}

type combineState struct {
	Accs map[string]int64 `msgpack:"accs"`
	// Emitted is the number of entries already emitted by Complete.
	Emitted  int  `msgpack:"emitted"`
	Emitting bool `msgpack:"emitting"`
}

type combineByKeyP struct {
	Base
	keyFn func(item any) string
	agg   Aggregation

	state combineState
	keys  []string
}

// CombineByKey returns a supplier of processors that group items by key,
// aggregate each group and emit one Entry per key, ordered by key, once
// the input is exhausted.
func CombineByKey(keyFn func(item any) string, agg Aggregation) Supplier {
	return func() Processor {
		return &combineByKeyP{
			keyFn: keyFn,
			agg:   agg,
			state: combineState{Accs: make(map[string]int64)},
		}
	}
}

func (p *combineByKeyP) Process(_ int, inbox Inbox) error {
	inbox.Drain(func(item any) {
		key := p.keyFn(item)
		p.state.Accs[key] = p.agg.Accumulate(p.state.Accs[key], item)
	})
	return nil
}

func (p *combineByKeyP) Complete() (bool, error) {
	if !p.state.Emitting {
		p.state.Emitting = true
		p.state.Emitted = 0
	}
	if p.keys == nil {
		p.keys = make([]string, 0, len(p.state.Accs))
		for k := range p.state.Accs {
			p.keys = append(p.keys, k)
		}
		sort.Strings(p.keys)
	}
	for p.state.Emitted < len(p.keys) {
		key := p.keys[p.state.Emitted]
		if !p.Outbox.Offer(Entry{Key: key, Value: p.state.Accs[key]}) {
			return false, nil
		}
		p.state.Emitted++
	}
	return true, nil
}

func (p *combineByKeyP) SaveSnapshot() ([]byte, error) {
	data, err := msgpack.Marshal(&p.state)
	return data, errors.Trace(err)
}

func (p *combineByKeyP) RestoreSnapshot(data []byte) error {
	var state combineState
	if err := msgpack.Unmarshal(data, &state); err != nil {
		return errors.WrapError(errors.ErrSnapshotDecode, err, p.agg.Name)
	}
	if state.Accs == nil {
		state.Accs = make(map[string]int64)
	}
	p.state = state
	p.keys = nil
	return nil
}
