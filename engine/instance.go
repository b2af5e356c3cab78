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


package engine

import (
	"context"
	"sync"
	"time"

	"github.com/pingcap/dagflow/engine/cluster"
	"github.com/pingcap/dagflow/engine/config"
	"github.com/pingcap/dagflow/engine/job"
	"github.com/pingcap/dagflow/engine/meta"
	"github.com/pingcap/dagflow/engine/metrics"
	"github.com/pingcap/dagflow/engine/pkg/clock"
	"github.com/pingcap/dagflow/engine/pkg/logutil"
	"github.com/pingcap/dagflow/engine/runtime"
	"github.com/pingcap/dagflow/engine/snapshot"
	"github.com/pingcap/dagflow/pkg/db"
	"github.com/pingcap/dagflow/pkg/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const storeMetricsInterval = 10 * time.Second

// Instance is an engine running in the current process: a cluster of
// members, the snapshot store, the job history and the job coordinator.
type Instance struct {
	cfg      *config.Config
	registry *prometheus.Registry
	logger   *zap.Logger

	cluster     *cluster.Cluster
	snapshots   *snapshot.Store
	meta        meta.JobStore
	coordinator *job.Coordinator

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewInstance starts an Instance. cfg must have been adjusted.
func NewInstance(ctx context.Context, cfg *config.Config) (_ *Instance, err error) {
	inst := &Instance{
		cfg:      cfg,
		registry: prometheus.NewRegistry(),
		logger:   logutil.NewLogger4Engine(),
	}
	inst.registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	inst.registry.MustRegister(collectors.NewGoCollector())
	metrics.InitMetrics(inst.registry)
	db.InitMetrics(inst.registry)

	defer func() {
		if err != nil {
			inst.logger.Warn("start engine instance failed", zap.Error(err))
			if closeErr := inst.Close(); closeErr != nil {
				inst.logger.Warn("close engine instance failed", zap.Error(closeErr))
			}
		}
	}()

	clk := clock.New()
	inst.cluster = cluster.New(cfg.ExecutionConfig(), clk, uuid.NewSequenceGenerator("member"))
	for i := 0; i < cfg.Cluster.MemberCount; i++ {
		if _, err = inst.cluster.AddMember(cfg.Cluster.Labels(i), cfg.Cluster.MemberCapacity); err != nil {
			return nil, err
		}
	}

	if inst.snapshots, err = snapshot.Open(cfg.Snapshot.Backend, cfg.Snapshot.Dir); err != nil {
		return nil, err
	}
	if inst.meta, err = meta.Open(ctx, cfg.Meta.Backend, cfg.Meta.DSN); err != nil {
		return nil, err
	}
	inst.coordinator, err = job.NewCoordinator(ctx, cfg.CoordinatorConfig(),
		inst.cluster, inst.snapshots, inst.meta, clk, uuid.NewGenerator())
	if err != nil {
		return nil, err
	}

	var metricsCtx context.Context
	metricsCtx, inst.cancel = context.WithCancel(context.Background())
	inst.wg.Add(1)
	go func() {
		defer inst.wg.Done()
		inst.collectStoreMetrics(metricsCtx, clk)
	}()

	inst.logger.Info("engine instance started",
		zap.Int("members", cfg.Cluster.MemberCount),
		zap.String("snapshot-backend", cfg.Snapshot.Backend),
		zap.String("meta-backend", cfg.Meta.Backend))
	return inst, nil
}

// collectStoreMetrics refreshes the snapshot store metrics until ctx is
// done.
func (i *Instance) collectStoreMetrics(ctx context.Context, clk clock.Clock) {
	ticker := clk.Ticker(storeMetricsInterval)
	defer ticker.Stop()
	for {
		i.snapshots.CollectMetrics()
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Coordinator returns the job coordinator of the instance.
func (i *Instance) Coordinator() *job.Coordinator {
	return i.coordinator
}

// Cluster returns the members of the instance.
func (i *Instance) Cluster() *cluster.Cluster {
	return i.cluster
}

// Registry returns the registry holding the engine metrics.
func (i *Instance) Registry() *prometheus.Registry {
	return i.registry
}

// SetStallHook installs hook on the execution service of every member.
func (i *Instance) SetStallHook(hook runtime.StallHook) {
	for _, m := range i.cluster.Members() {
		m.Service().SetStallHook(hook)
	}
}

// Close stops all jobs and releases the stores.
func (i *Instance) Close() error {
	if i.cancel != nil {
		i.cancel()
		i.wg.Wait()
	}
	if i.coordinator != nil {
		i.coordinator.Close()
	}
	if i.cluster != nil {
		i.cluster.Close()
	}
	var err error
	if i.snapshots != nil {
		err = multierr.Append(err, i.snapshots.Close())
	}
	if i.meta != nil {
		err = multierr.Append(err, i.meta.Close())
	}
	return err
}
