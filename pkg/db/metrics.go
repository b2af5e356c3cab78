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
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Series are labelled by backend and by the id the DB was opened with.
var (
	dbCommitBytes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dagflow",
		Subsystem: "db",
		Name:      "commit_bytes_total",
		Help:      "The total number of key and value bytes committed in batches",
	}, []string{"backend", "id"})

	dbCommitDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "dagflow",
		Subsystem: "db",
		Name:      "commit_duration_seconds",
		Help:      "Bucketed histogram of batch commit duration",
		Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 16),
	}, []string{"backend", "id"})

	dbRangeDeletes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dagflow",
		Subsystem: "db",
		Name:      "range_deletes_total",
		Help:      "The total number of range deletions, one per purge",
	}, []string{"backend", "id"})

	// the gauges are refreshed by CollectMetrics
	dbDiskUsage = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "dagflow",
		Subsystem: "db",
		Name:      "disk_usage_bytes",
		Help:      "The space used by the tables of the db",
	}, []string{"backend", "id"})

	dbLevelCount = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "dagflow",
		Subsystem: "db",
		Name:      "level_count",
		Help:      "The number of table files in each level of the db",
	}, []string{"backend", "id", "level"})
)

// InitMetrics registers all metrics in this file
func InitMetrics(registry *prometheus.Registry) {
	registry.MustRegister(dbCommitBytes)
	registry.MustRegister(dbCommitDuration)
	registry.MustRegister(dbRangeDeletes)
	registry.MustRegister(dbDiskUsage)
	registry.MustRegister(dbLevelCount)
}

// dbMetrics holds the series of one DB.
type dbMetrics struct {
	commitBytes    prometheus.Counter
	commitDuration prometheus.Observer
	rangeDeletes   prometheus.Counter
	diskUsage      prometheus.Gauge
	levelCount     *prometheus.GaugeVec
}

func newDBMetrics(backend, id string) *dbMetrics {
	return &dbMetrics{
		commitBytes:    dbCommitBytes.WithLabelValues(backend, id),
		commitDuration: dbCommitDuration.WithLabelValues(backend, id),
		rangeDeletes:   dbRangeDeletes.WithLabelValues(backend, id),
		diskUsage:      dbDiskUsage.WithLabelValues(backend, id),
		levelCount:     dbLevelCount.MustCurryWith(prometheus.Labels{"backend": backend, "id": id}),
	}
}

func (m *dbMetrics) observeCommit(bytes int, start time.Time) {
	m.commitBytes.Add(float64(bytes))
	m.commitDuration.Observe(time.Since(start).Seconds())
}
