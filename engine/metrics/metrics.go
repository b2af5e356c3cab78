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

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// ItemsInCounter counts the items processors took from their inboxes.
	ItemsInCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dagflow",
		Subsystem: "tasklet",
		Name:      "items_in_total",
		Help:      "The total number of items consumed by processors",
	}, []string{"job_id", "vertex"})

	// ItemsOutCounter counts the items delivered to outbound queues.
	ItemsOutCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dagflow",
		Subsystem: "tasklet",
		Name:      "items_out_total",
		Help:      "The total number of items emitted by processors",
	}, []string{"job_id", "vertex"})

	// StallCounter counts stall diagnostics.
	StallCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dagflow",
		Subsystem: "scheduler",
		Name:      "stalls_total",
		Help:      "The total number of tasklet stalls detected",
	}, []string{"job_id", "tasklet"})

	// SnapshotDuration observes the time from trigger to commit.
	SnapshotDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "dagflow",
		Subsystem: "snapshot",
		Name:      "duration_seconds",
		Help:      "Bucketed histogram of snapshot duration",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 16),
	}, []string{"job_id"})

	// SnapshotStateBytes observes the size of the state a tasklet saves
	// for one snapshot.
	SnapshotStateBytes = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "dagflow",
		Subsystem: "snapshot",
		Name:      "state_bytes",
		Help:      "Bucketed histogram of the state size saved by a tasklet",
		Buckets:   prometheus.ExponentialBuckets(64, 4, 12),
	}, []string{"job_id", "vertex"})

	// SnapshotCounter counts finished snapshots by result.
	SnapshotCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dagflow",
		Subsystem: "snapshot",
		Name:      "total",
		Help:      "The total number of snapshots by result",
	}, []string{"job_id", "result"})

	// JobStatusGauge is the number of jobs in every status.
	JobStatusGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "dagflow",
		Subsystem: "coordinator",
		Name:      "job_num",
		Help:      "number of jobs by status",
	}, []string{"status"})

	// JobRestartCounter counts job restarts.
	JobRestartCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dagflow",
		Subsystem: "coordinator",
		Name:      "job_restarts_total",
		Help:      "The total number of job restarts",
	}, []string{"job_id"})
)

// InitMetrics registers all metrics in this file
func InitMetrics(registry *prometheus.Registry) {
	registry.MustRegister(ItemsInCounter)
	registry.MustRegister(ItemsOutCounter)
	registry.MustRegister(StallCounter)
	registry.MustRegister(SnapshotDuration)
	registry.MustRegister(SnapshotStateBytes)
	registry.MustRegister(SnapshotCounter)
	registry.MustRegister(JobStatusGauge)
	registry.MustRegister(JobRestartCounter)
}

// RemoveJob drops the series of a purged job.
func RemoveJob(jobID string) {
	labels := prometheus.Labels{"job_id": jobID}
	ItemsInCounter.DeletePartialMatch(labels)
	ItemsOutCounter.DeletePartialMatch(labels)
	StallCounter.DeletePartialMatch(labels)
	SnapshotDuration.DeletePartialMatch(labels)
	SnapshotStateBytes.DeletePartialMatch(labels)
	SnapshotCounter.DeletePartialMatch(labels)
	JobRestartCounter.DeletePartialMatch(labels)
}
