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
	"strconv"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/bloom"
	"github.com/pingcap/dagflow/pkg/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// PebbleConfig configures a pebble backed DB.
type PebbleConfig struct {
	// CacheSize is the block cache size in bytes, 0 disables the cache.
	CacheSize int64
	// Sync makes every batch commit fsync the WAL.
	Sync bool
}

type pebbleDB struct {
	db        *pebble.DB
	metrics   *dbMetrics
	writeOpts *pebble.WriteOptions
}

var _ DB = (*pebbleDB)(nil)

// OpenPebble opens (or creates) a pebble database under dir.
func OpenPebble(id int, dir string, cfg PebbleConfig) (DB, error) {
	opts := buildPebbleOption(cfg)
	if cfg.CacheSize > 0 {
		opts.Cache = pebble.NewCache(cfg.CacheSize)
		defer opts.Cache.Unref()
	}
	el := pebble.MakeLoggingEventListener(&pebbleLogger{id: id})
	opts.EventListener = &el

	db, err := pebble.Open(dir, opts)
	if err != nil {
		log.Error("open pebble fails", zap.String("dir", dir), zap.Int("id", id), zap.Error(err))
		return nil, errors.Trace(err)
	}
	return &pebbleDB{
		db:        db,
		metrics:   newDBMetrics("pebble", strconv.Itoa(id)),
		writeOpts: &pebble.WriteOptions{Sync: cfg.Sync},
	}, nil
}

func buildPebbleOption(cfg PebbleConfig) *pebble.Options {
	opts := new(pebble.Options)
	opts.DisableWAL = false // Delete range requires WAL.
	opts.Levels = make([]pebble.LevelOptions, 7)
	for i := 0; i < len(opts.Levels); i++ {
		l := &opts.Levels[i]
		l.FilterPolicy = bloom.FilterPolicy(10)
		l.FilterType = pebble.TableFilter
		l.EnsureDefaults()
	}
	opts.Levels[6].FilterPolicy = nil
	opts.EnsureDefaults()
	return opts
}

func (p *pebbleDB) Get(key []byte) ([]byte, error) {
	value, closer, err := p.db.Get(key)
	if err != nil {
		if err == pebble.ErrNotFound {
			return nil, ErrNotFound
		}
		return nil, errors.Trace(err)
	}
	defer closer.Close()

	ret := make([]byte, len(value))
	copy(ret, value)
	return ret, nil
}

func (p *pebbleDB) Iterator(lowerBound, upperBound []byte) Iterator {
	opts := &pebble.IterOptions{
		LowerBound: lowerBound,
		UpperBound: upperBound,
	}
	// NewIter gained an error return in later pebble releases.
	switch newIter := any(p.db.NewIter).(type) {
	case func(*pebble.IterOptions) *pebble.Iterator:
		return pebbleIter{Iterator: newIter(opts)}
	case func(*pebble.IterOptions) (*pebble.Iterator, error):
		iter, err := newIter(opts)
		if err != nil {
			return errIter{err: errors.Trace(err)}
		}
		return pebbleIter{Iterator: iter}
	default:
		log.Panic("unsupported pebble iterator constructor")
		return nil
	}
}

func (p *pebbleDB) Batch(_ int) Batch {
	return &pebbleBatch{
		db:        p.db,
		batch:     p.db.NewBatch(),
		writeOpts: p.writeOpts,
		metrics:   p.metrics,
	}
}

func (p *pebbleDB) DeleteRange(start, end []byte) error {
	p.metrics.rangeDeletes.Inc()
	return errors.Trace(p.db.DeleteRange(start, end, p.writeOpts))
}

func (p *pebbleDB) Close() error {
	return errors.Trace(p.db.Close())
}

func (p *pebbleDB) CollectMetrics() {
	stats := p.db.Metrics()
	p.metrics.diskUsage.Set(float64(stats.DiskSpaceUsage()))
	for level, metric := range stats.Levels {
		p.metrics.levelCount.WithLabelValues(fmt.Sprint(level)).Set(float64(metric.NumFiles))
	}
}

type pebbleBatch struct {
	db        *pebble.DB
	batch     *pebble.Batch
	writeOpts *pebble.WriteOptions
	metrics   *dbMetrics
	bytes     int
}

func (b *pebbleBatch) Put(key, value []byte) {
	_ = b.batch.Set(key, value, nil)
	b.bytes += len(key) + len(value)
}

func (b *pebbleBatch) Delete(key []byte) {
	_ = b.batch.Delete(key, nil)
	b.bytes += len(key)
}

func (b *pebbleBatch) Commit() error {
	start := time.Now()
	if err := b.batch.Commit(b.writeOpts); err != nil {
		return errors.Trace(err)
	}
	b.metrics.observeCommit(b.bytes, start)
	return nil
}

func (b *pebbleBatch) Count() uint32 {
	return b.batch.Count()
}

func (b *pebbleBatch) Reset() {
	b.batch.Reset()
	b.bytes = 0
}

type pebbleIter struct {
	*pebble.Iterator
}

func (i pebbleIter) Seek(key []byte) bool {
	return i.SeekGE(key)
}

func (i pebbleIter) Release() error {
	return i.Close()
}

// errIter is an empty iterator that reports err.
type errIter struct{ err error }

func (i errIter) First() bool { return false }
func (i errIter) Valid() bool { return false }
func (i errIter) Seek([]byte) bool { return false }
func (i errIter) Next() bool { return false }
func (i errIter) Key() []byte { return nil }
func (i errIter) Value() []byte { return nil }
func (i errIter) Error() error { return i.err }
func (i errIter) Release() error { return nil }

type pebbleLogger struct{ id int }

var _ pebble.Logger = (*pebbleLogger)(nil)

func (logger *pebbleLogger) Infof(format string, args ...interface{}) {
	// Low level pebble logs are noisy.
	log.Debug(fmt.Sprintf(format, args...), zap.Int("db", logger.id))
}

func (logger *pebbleLogger) Fatalf(format string, args ...interface{}) {
	log.Panic(fmt.Sprintf(format, args...), zap.Int("db", logger.id))
}
