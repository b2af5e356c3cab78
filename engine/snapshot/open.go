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

package snapshot

import (
	"github.com/pingcap/dagflow/pkg/db"
	"github.com/pingcap/dagflow/pkg/errors"
)

// Snapshot store backends.
const (
	BackendMemory  = "memory"
	BackendPebble  = "pebble"
	BackendLevelDB = "leveldb"
)

// Open opens a Store on the given backend. dir is ignored by the memory
// backend.
func Open(backend, dir string) (*Store, error) {
	var (
		kv  db.DB
		err error
	)
	switch backend {
	case BackendMemory, "":
		kv, err = db.OpenMemory(0)
	case BackendPebble:
		kv, err = db.OpenPebble(0, dir, db.PebbleConfig{Sync: true})
	case BackendLevelDB:
		kv, err = db.OpenLevelDB(0, dir, true)
	default:
		return nil, errors.ErrConfigInvalid.GenWithStackByArgs("snapshot.backend", backend)
	}
	if err != nil {
		return nil, errors.WrapError(errors.ErrSnapshotStoreFailed, err)
	}
	return NewStore(kv), nil
}
