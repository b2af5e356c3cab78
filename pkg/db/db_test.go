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
	"fmt"
	"path/filepath"
	"testing"

	"github.com/pingcap/dagflow/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestDB(t *testing.T) {
	t.Parallel()

	db, err := OpenLevelDB(1, filepath.Join(t.TempDir(), "1"), false)
	require.Nil(t, err)
	testDB(t, db)

	db, err = OpenPebble(2, filepath.Join(t.TempDir(), "2"), PebbleConfig{})
	require.Nil(t, err)
	testDB(t, db)

	db, err = OpenMemory(3)
	require.Nil(t, err)
	testDB(t, db)
}

func testDB(t *testing.T, db DB) {
	defer func() { require.Nil(t, db.Close()) }()

	db.CollectMetrics()

	batch := db.Batch(0)
	batch.Put([]byte("k1"), []byte("v1"))
	batch.Put([]byte("k2"), []byte("v2"))
	batch.Put([]byte("k3"), []byte("v3"))
	batch.Delete([]byte("k2"))
	require.EqualValues(t, 4, batch.Count())
	require.Nil(t, batch.Commit())
	batch.Reset()
	require.EqualValues(t, 0, batch.Count())

	value, err := db.Get([]byte("k1"))
	require.Nil(t, err)
	require.Equal(t, []byte("v1"), value)
	_, err = db.Get([]byte("k2"))
	require.True(t, errors.Is(err, ErrNotFound))

	require.Equal(t, []string{"k1", "k3"}, collectKeys(t, db, []byte(""), []byte("k4")))
	require.Equal(t, []string{"k1"}, collectKeys(t, db, []byte("k0"), []byte("k2")))

	iter := db.Iterator([]byte(""), nil)
	require.True(t, iter.Seek([]byte("k2")))
	require.Equal(t, []byte("k3"), iter.Key())
	require.Equal(t, []byte("v3"), iter.Value())
	require.False(t, iter.Next())
	require.Nil(t, iter.Error())
	require.Nil(t, iter.Release())

	// DeleteRange
	batch = db.Batch(0)
	for i := 0; i < 2000; i++ {
		batch.Put([]byte(fmt.Sprintf("r%05d", i)), []byte("v"))
	}
	require.Nil(t, batch.Commit())
	require.Nil(t, db.DeleteRange([]byte("r00010"), []byte("r01990")))
	keys := collectKeys(t, db, []byte("r"), []byte("s"))
	require.Len(t, keys, 20)
	require.Equal(t, "r00009", keys[9])
	require.Equal(t, "r01990", keys[10])

	db.CollectMetrics()
}

func collectKeys(t *testing.T, db DB, lower, upper []byte) []string {
	var keys []string
	iter := db.Iterator(lower, upper)
	for ok := iter.First(); ok; ok = iter.Next() {
		keys = append(keys, string(iter.Key()))
	}
	require.Nil(t, iter.Error())
	require.Nil(t, iter.Release())
	return keys
}

func TestInitMetrics(t *testing.T) {
	t.Parallel()

	registry := prometheus.NewRegistry()
	InitMetrics(registry)
	require.Panics(t, func() { InitMetrics(registry) })
}

func TestDBMetrics(t *testing.T) {
	t.Parallel()

	pebbleDB, err := OpenPebble(10, filepath.Join(t.TempDir(), "10"), PebbleConfig{})
	require.Nil(t, err)
	levelDB, err := OpenLevelDB(11, filepath.Join(t.TempDir(), "11"), false)
	require.Nil(t, err)
	memDB, err := OpenMemory(12)
	require.Nil(t, err)

	for _, tc := range []struct {
		db      DB
		backend string
		id      string
	}{
		{db: pebbleDB, backend: "pebble", id: "10"},
		{db: levelDB, backend: "leveldb", id: "11"},
		{db: memDB, backend: "memory", id: "12"},
	} {
		batch := tc.db.Batch(0)
		batch.Put([]byte("key"), []byte("value"))
		batch.Delete([]byte("gone"))
		require.Nil(t, batch.Commit())
		// a reset batch starts counting from zero
		batch.Reset()
		batch.Put([]byte("k"), []byte("v"))
		require.Nil(t, batch.Commit())
		require.Nil(t, tc.db.DeleteRange([]byte("a"), []byte("z")))
		tc.db.CollectMetrics()

		require.Equal(t, float64(14), testutil.ToFloat64(dbCommitBytes.WithLabelValues(tc.backend, tc.id)), tc.backend)
		require.Equal(t, float64(1), testutil.ToFloat64(dbRangeDeletes.WithLabelValues(tc.backend, tc.id)), tc.backend)
		require.Nil(t, tc.db.Close())
	}
}
