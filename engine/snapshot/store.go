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
	"encoding/binary"
	"time"

	"github.com/pingcap/dagflow/engine/metrics"
	"github.com/pingcap/dagflow/pkg/db"
	"github.com/pingcap/dagflow/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
)

// Key layout, all keys of a job share the prefix of the job:
//
//	'r' jobID 0x00 snapshotID(8 bytes BE) vertex 0x00 slot(4 bytes BE) -> Record
//	'c' jobID 0x00 snapshotID(8 bytes BE)                             -> commitMarker
//
// Big endian ids keep the snapshots of a job in ascending order.
const (
	recordPrefix = 'r'
	commitPrefix = 'c'
)

// Record is the state one tasklet saved for one snapshot.
type Record struct {
	// Done is set for tasklets that had finished before the snapshot.
	Done  bool   `msgpack:"done"`
	State []byte `msgpack:"state"`
}

type commitMarker struct {
	Tasklets    int   `msgpack:"tasklets"`
	CommittedAt int64 `msgpack:"committed_at"`
}

// TaskletKey identifies a tasklet within a job.
type TaskletKey struct {
	Vertex string
	Slot   int
}

// Store persists snapshot records in an ordered key-value DB. A snapshot
// is visible to LatestComplete only after Commit.
type Store struct {
	db db.DB
}

// NewStore creates a Store over kv. The store owns kv afterwards.
func NewStore(kv db.DB) *Store {
	return &Store{db: kv}
}

func jobPrefix(prefix byte, jobID string) []byte {
	key := make([]byte, 0, len(jobID)+2)
	key = append(key, prefix)
	key = append(key, jobID...)
	return append(key, 0)
}

func snapshotPrefix(prefix byte, jobID string, id uint64) []byte {
	return binary.BigEndian.AppendUint64(jobPrefix(prefix, jobID), id)
}

func recordKey(jobID string, id uint64, vertex string, slot int) []byte {
	key := snapshotPrefix(recordPrefix, jobID, id)
	key = append(key, vertex...)
	key = append(key, 0)
	return binary.BigEndian.AppendUint32(key, uint32(slot))
}

// prefixEnd returns the smallest key greater than every key starting with
// prefix.
func prefixEnd(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

// Put stores the record of one tasklet.
func (s *Store) Put(jobID string, id uint64, key TaskletKey, rec Record) error {
	value, err := msgpack.Marshal(&rec)
	if err != nil {
		return errors.Trace(err)
	}
	batch := s.db.Batch(1)
	batch.Put(recordKey(jobID, id, key.Vertex, key.Slot), value)
	if err := batch.Commit(); err != nil {
		return errors.WrapError(errors.ErrSnapshotStoreFailed, err)
	}
	metrics.SnapshotStateBytes.WithLabelValues(jobID, key.Vertex).Observe(float64(len(rec.State)))
	return nil
}

// Get loads the record of one tasklet.
func (s *Store) Get(jobID string, id uint64, key TaskletKey) (Record, error) {
	value, err := s.db.Get(recordKey(jobID, id, key.Vertex, key.Slot))
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return Record{}, errors.ErrSnapshotNotFound.GenWithStackByArgs(id, jobID)
		}
		return Record{}, errors.WrapError(errors.ErrSnapshotStoreFailed, err)
	}
	var rec Record
	if err := msgpack.Unmarshal(value, &rec); err != nil {
		return Record{}, errors.WrapError(errors.ErrSnapshotDecode, err, jobID)
	}
	return rec, nil
}

// Commit marks snapshot id complete. The done markers of finished
// tasklets are written in the same batch.
func (s *Store) Commit(jobID string, id uint64, tasklets int, done []TaskletKey, now time.Time) error {
	doneValue, err := msgpack.Marshal(&Record{Done: true})
	if err != nil {
		return errors.Trace(err)
	}
	marker, err := msgpack.Marshal(&commitMarker{Tasklets: tasklets, CommittedAt: now.UnixMilli()})
	if err != nil {
		return errors.Trace(err)
	}

	batch := s.db.Batch(len(done) + 1)
	for _, key := range done {
		batch.Put(recordKey(jobID, id, key.Vertex, key.Slot), doneValue)
	}
	batch.Put(snapshotPrefix(commitPrefix, jobID, id), marker)
	return errors.WrapError(errors.ErrSnapshotStoreFailed, batch.Commit())
}

// LatestComplete returns the highest committed snapshot id of the job.
func (s *Store) LatestComplete(jobID string) (uint64, bool, error) {
	prefix := jobPrefix(commitPrefix, jobID)
	iter := s.db.Iterator(prefix, prefixEnd(prefix))
	var (
		latest uint64
		found  bool
	)
	for ok := iter.First(); ok; ok = iter.Next() {
		key := iter.Key()
		latest = binary.BigEndian.Uint64(key[len(prefix):])
		found = true
	}
	if err := iter.Error(); err != nil {
		_ = iter.Release()
		return 0, false, errors.WrapError(errors.ErrSnapshotStoreFailed, err)
	}
	if err := iter.Release(); err != nil {
		return 0, false, errors.WrapError(errors.ErrSnapshotStoreFailed, err)
	}
	return latest, found, nil
}

// Discard removes the records of an incomplete snapshot.
func (s *Store) Discard(jobID string, id uint64) error {
	prefix := snapshotPrefix(recordPrefix, jobID, id)
	return errors.WrapError(errors.ErrSnapshotStoreFailed,
		s.db.DeleteRange(prefix, prefixEnd(prefix)))
}

// PurgeBefore removes every snapshot of the job older than id.
func (s *Store) PurgeBefore(jobID string, id uint64) error {
	for _, prefix := range []byte{recordPrefix, commitPrefix} {
		err := s.db.DeleteRange(jobPrefix(prefix, jobID), snapshotPrefix(prefix, jobID, id))
		if err != nil {
			return errors.WrapError(errors.ErrSnapshotStoreFailed, err)
		}
	}
	return nil
}

// PurgeJob removes every snapshot of the job.
func (s *Store) PurgeJob(jobID string) error {
	for _, prefix := range []byte{recordPrefix, commitPrefix} {
		start := jobPrefix(prefix, jobID)
		if err := s.db.DeleteRange(start, prefixEnd(start)); err != nil {
			return errors.WrapError(errors.ErrSnapshotStoreFailed, err)
		}
	}
	return nil
}

// CollectMetrics refreshes the metrics of the underlying DB.
func (s *Store) CollectMetrics() {
	s.db.CollectMetrics()
}

// Close closes the underlying DB.
func (s *Store) Close() error {
	return errors.Trace(s.db.Close())
}
