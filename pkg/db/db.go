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

package db

import (
	"github.com/pingcap/dagflow/pkg/errors"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("db: key not found")

// DB is an interface of a leveldb-like ordered key-value store. The
// snapshot store keeps processor state in it, so implementations must
// iterate keys in bytewise order.
type DB interface {
	// Get returns a copy of the value stored under key, or ErrNotFound.
	Get(key []byte) ([]byte, error)
	// Iterator creates an iterator over [lowerBound, upperBound).
	// A nil upperBound means no upper limit.
	Iterator(lowerBound, upperBound []byte) Iterator
	Batch(cap int) Batch
	// DeleteRange removes every key in [start, end).
	DeleteRange(start, end []byte) error
	Close() error
	// CollectMetrics refreshes the db metrics labelled with the id of the db.
	CollectMetrics()
}

// A Batch is a sequence of Puts and Deletes that Commit to DB atomically.
type Batch interface {
	Put(key, value []byte)
	Delete(key []byte)
	Commit() error
	Count() uint32
	Reset()
}

// Iterator is an interface of an iterator of a DB.
type Iterator interface {
	First() bool
	Valid() bool
	Seek([]byte) bool
	Next() bool
	Key() []byte
	Value() []byte
	Error() error
	Release() error
}
