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
	"strconv"
	"time"

	"github.com/pingcap/dagflow/pkg/errors"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// deleteRangeBatchSize bounds the memory used by DeleteRange.
const deleteRangeBatchSize = 1024

type levelDB struct {
	db      *leveldb.DB
	metrics *dbMetrics
	sync    bool
}

var _ DB = (*levelDB)(nil)

// OpenLevelDB opens (or creates) a leveldb database under dir.
func OpenLevelDB(id int, dir string, sync bool) (DB, error) {
	var option opt.Options
	option.Compression = opt.SnappyCompression
	option.NoSync = !sync
	db, err := leveldb.OpenFile(dir, &option)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &levelDB{db: db, metrics: newDBMetrics("leveldb", strconv.Itoa(id)), sync: sync}, nil
}

// OpenMemory opens a leveldb database that lives in memory only.
func OpenMemory(id int) (DB, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), &opt.Options{})
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &levelDB{db: db, metrics: newDBMetrics("memory", strconv.Itoa(id))}, nil
}

func (p *levelDB) Get(key []byte) ([]byte, error) {
	value, err := p.db.Get(key, nil)
	if err != nil {
		if err == leveldb.ErrNotFound {
			return nil, ErrNotFound
		}
		return nil, errors.Trace(err)
	}
	return value, nil
}

func (p *levelDB) Iterator(lowerBound, upperBound []byte) Iterator {
	return leveldbIter{Iterator: p.db.NewIterator(&util.Range{
		Start: lowerBound,
		Limit: upperBound,
	}, nil)}
}

func (p *levelDB) Batch(cap int) Batch {
	return &leveldbBatch{
		db:      p.db,
		batch:   leveldb.MakeBatch(cap),
		sync:    p.sync,
		metrics: p.metrics,
	}
}

func (p *levelDB) DeleteRange(start, end []byte) error {
	p.metrics.rangeDeletes.Inc()
	iter := p.db.NewIterator(&util.Range{Start: start, Limit: end}, nil)
	defer iter.Release()

	batch := leveldb.MakeBatch(deleteRangeBatchSize)
	for iter.Next() {
		batch.Delete(iter.Key())
		if batch.Len() >= deleteRangeBatchSize {
			if err := p.db.Write(batch, nil); err != nil {
				return errors.Trace(err)
			}
			batch.Reset()
		}
	}
	if err := iter.Error(); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(p.db.Write(batch, nil))
}

func (p *levelDB) Close() error {
	return errors.Trace(p.db.Close())
}

func (p *levelDB) CollectMetrics() {
	stats := leveldb.DBStats{}
	if err := p.db.Stats(&stats); err != nil {
		return
	}
	var size int64
	for _, s := range stats.LevelSizes {
		size += s
	}
	p.metrics.diskUsage.Set(float64(size))
	for level, count := range stats.LevelTablesCounts {
		p.metrics.levelCount.WithLabelValues(strconv.Itoa(level)).Set(float64(count))
	}
}

type leveldbBatch struct {
	db      *leveldb.DB
	batch   *leveldb.Batch
	sync    bool
	metrics *dbMetrics
	bytes   int
}

func (b *leveldbBatch) Put(key, value []byte) {
	b.batch.Put(key, value)
	b.bytes += len(key) + len(value)
}

func (b *leveldbBatch) Delete(key []byte) {
	b.batch.Delete(key)
	b.bytes += len(key)
}

func (b *leveldbBatch) Commit() error {
	start := time.Now()
	if err := b.db.Write(b.batch, &opt.WriteOptions{Sync: b.sync}); err != nil {
		return errors.Trace(err)
	}
	b.metrics.observeCommit(b.bytes, start)
	return nil
}

func (b *leveldbBatch) Count() uint32 {
	return uint32(b.batch.Len())
}

func (b *leveldbBatch) Reset() {
	b.batch.Reset()
	b.bytes = 0
}

type leveldbIter struct {
	iterator.Iterator
}

func (i leveldbIter) Release() error {
	i.Iterator.Release()
	return nil
}
