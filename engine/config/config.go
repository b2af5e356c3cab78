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


package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pingcap/dagflow/engine/job"
	"github.com/pingcap/dagflow/engine/meta"
	"github.com/pingcap/dagflow/engine/pkg/logutil"
	"github.com/pingcap/dagflow/engine/runtime"
	"github.com/pingcap/dagflow/engine/snapshot"
	"github.com/pingcap/dagflow/pkg/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

const (
	defaultMaxIdle         = "1ms"
	defaultCallWarning     = "5s"
	defaultSnapshotTimeout = "1m"
	defaultMemberCount     = 1
)

// Config is the configuration of an engine instance.
type Config struct {
	LogConf logutil.Config `toml:"log" json:"log"`

	ConfigFile string `toml:"config-file" json:"config-file"`

	Runtime  *RuntimeConfig  `toml:"runtime" json:"runtime"`
	Snapshot *SnapshotConfig `toml:"snapshot" json:"snapshot"`
	Cluster  *ClusterConfig  `toml:"cluster" json:"cluster"`
	Meta     *MetaConfig     `toml:"meta" json:"meta"`
}

// RuntimeConfig configures the execution service of every member.
type RuntimeConfig struct {
	CooperativeThreadCount int `toml:"cooperative-thread-count" json:"cooperative-thread-count"`
	// QueueCapacity is the capacity of edges without an explicit one.
	QueueCapacity  int `toml:"queue-capacity" json:"queue-capacity"`
	OutboxCapacity int `toml:"outbox-capacity" json:"outbox-capacity"`
	InboxBatchSize int `toml:"inbox-batch-size" json:"inbox-batch-size"`
	StallRounds    int `toml:"stall-rounds" json:"stall-rounds"`

	MaxIdleStr     string `toml:"max-idle" json:"max-idle"`
	CallWarningStr string `toml:"call-warning" json:"call-warning"`

	MaxIdle     time.Duration `toml:"-" json:"-"`
	CallWarning time.Duration `toml:"-" json:"-"`
}

// SnapshotConfig configures the snapshot store.
type SnapshotConfig struct {
	Backend string `toml:"backend" json:"backend"`
	// Dir is required by the on-disk backends.
	Dir        string `toml:"dir" json:"dir"`
	TimeoutStr string `toml:"timeout" json:"timeout"`

	Timeout time.Duration `toml:"-" json:"-"`
}

// ClusterConfig describes the members started by the instance.
type ClusterConfig struct {
	MemberCount int `toml:"member-count" json:"member-count"`
	// MemberCapacity is the maximum number of tasklets per member, 0 means
	// unlimited.
	MemberCapacity int `toml:"member-capacity" json:"member-capacity"`
	// MemberLabels holds "key=value,key=value" label sets, the i-th one
	// applies to the i-th member.
	MemberLabels []string `toml:"member-labels" json:"member-labels"`

	labels []map[string]string
}

// MetaConfig configures the job history store.
type MetaConfig struct {
	Backend string `toml:"backend" json:"backend"`
	DSN     string `toml:"dsn" json:"dsn"`
}

func (c *Config) String() string {
	cfg, err := json.Marshal(c)
	if err != nil {
		log.L().Error("marshal to json", zap.Reflect("engine config", c), logutil.ShortError(err))
	}
	return string(cfg)
}

// Toml returns TOML format representation of config.
func (c *Config) Toml() (string, error) {
	var b bytes.Buffer

	err := toml.NewEncoder(&b).Encode(c)
	if err != nil {
		log.L().Error("fail to marshal config to toml", logutil.ShortError(err))
	}

	return b.String(), nil
}

// Adjust validates the configuration and fills the derived items.
func (c *Config) Adjust() (err error) {
	switch c.LogConf.Format {
	case "", "text", "json":
	default:
		return errors.ErrConfigInvalid.GenWithStackByArgs("log.format", c.LogConf.Format)
	}

	if c.Runtime.MaxIdle, err = parseDuration("runtime.max-idle", c.Runtime.MaxIdleStr); err != nil {
		return err
	}
	if c.Runtime.CallWarning, err = parseDuration("runtime.call-warning", c.Runtime.CallWarningStr); err != nil {
		return err
	}
	if c.Snapshot.Timeout, err = parseDuration("snapshot.timeout", c.Snapshot.TimeoutStr); err != nil {
		return err
	}
	for name, v := range map[string]int{
		"runtime.cooperative-thread-count": c.Runtime.CooperativeThreadCount,
		"runtime.queue-capacity":           c.Runtime.QueueCapacity,
		"runtime.outbox-capacity":          c.Runtime.OutboxCapacity,
		"runtime.inbox-batch-size":         c.Runtime.InboxBatchSize,
		"runtime.stall-rounds":             c.Runtime.StallRounds,
		"cluster.member-capacity":          c.Cluster.MemberCapacity,
	} {
		if v < 0 {
			return errors.ErrConfigInvalid.GenWithStackByArgs(name, "must not be negative")
		}
	}

	switch c.Snapshot.Backend {
	case snapshot.BackendMemory:
	case snapshot.BackendPebble, snapshot.BackendLevelDB:
		if c.Snapshot.Dir == "" {
			return errors.ErrConfigInvalid.GenWithStackByArgs("snapshot.dir",
				"required by backend "+c.Snapshot.Backend)
		}
	default:
		return errors.ErrConfigInvalid.GenWithStackByArgs("snapshot.backend", c.Snapshot.Backend)
	}

	switch c.Meta.Backend {
	case meta.BackendMemory, meta.BackendSQLite:
	default:
		return errors.ErrConfigInvalid.GenWithStackByArgs("meta.backend", c.Meta.Backend)
	}

	if c.Cluster.MemberCount < 1 {
		return errors.ErrConfigInvalid.GenWithStackByArgs("cluster.member-count", "at least one member is required")
	}
	if len(c.Cluster.MemberLabels) > c.Cluster.MemberCount {
		return errors.ErrConfigInvalid.GenWithStackByArgs("cluster.member-labels",
			fmt.Sprintf("%d label sets for %d members", len(c.Cluster.MemberLabels), c.Cluster.MemberCount))
	}
	c.Cluster.labels = c.Cluster.labels[:0]
	for _, s := range c.Cluster.MemberLabels {
		labels, err := parseLabels(s)
		if err != nil {
			return err
		}
		c.Cluster.labels = append(c.Cluster.labels, labels)
	}
	return nil
}

func parseDuration(name, s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, errors.WrapError(errors.ErrConfigInvalid, err, name, s)
	}
	if d < 0 {
		return 0, errors.ErrConfigInvalid.GenWithStackByArgs(name, "must not be negative")
	}
	return d, nil
}

func parseLabels(s string) (map[string]string, error) {
	labels := make(map[string]string)
	if strings.TrimSpace(s) == "" {
		return labels, nil
	}
	for _, pair := range strings.Split(s, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || k == "" {
			return nil, errors.ErrConfigInvalid.GenWithStackByArgs("cluster.member-labels", "malformed label "+pair)
		}
		labels[k] = v
	}
	return labels, nil
}

// Labels returns the labels of the i-th member. Adjust must have
// been called.
func (c *ClusterConfig) Labels(i int) map[string]string {
	if i < len(c.labels) {
		return c.labels[i]
	}
	return nil
}

// ExecutionConfig returns the configuration of the execution services.
func (c *Config) ExecutionConfig() runtime.Config {
	return runtime.Config{
		CooperativeThreadCount: c.Runtime.CooperativeThreadCount,
		InboxBatchSize:         c.Runtime.InboxBatchSize,
		OutboxCapacity:         c.Runtime.OutboxCapacity,
		StallRounds:            c.Runtime.StallRounds,
		MaxIdle:                c.Runtime.MaxIdle,
		CallWarning:            c.Runtime.CallWarning,
	}
}

// CoordinatorConfig returns the configuration of the job coordinator.
func (c *Config) CoordinatorConfig() job.CoordinatorConfig {
	return job.CoordinatorConfig{
		QueueCapacity:   c.Runtime.QueueCapacity,
		SnapshotTimeout: c.Snapshot.Timeout,
		InboxBatchSize:  c.Runtime.InboxBatchSize,
		OutboxCapacity:  c.Runtime.OutboxCapacity,
	}
}

// ConfigFromFile loads config from file and merges items into Config.
func (c *Config) ConfigFromFile(path string) error {
	metaData, err := toml.DecodeFile(path, c)
	if err != nil {
		return errors.WrapError(errors.ErrDecodeConfigFile, err)
	}
	return checkUndecodedItems(metaData)
}

// ConfigFromString loads config from a TOML string.
func (c *Config) ConfigFromString(data string) error {
	metaData, err := toml.Decode(data, c)
	if err != nil {
		return errors.WrapError(errors.ErrDecodeConfigFile, err)
	}
	return checkUndecodedItems(metaData)
}

// GetDefaultConfig returns a default engine config. Zero numeric items
// are replaced by the defaults of the runtime.
func GetDefaultConfig() *Config {
	return &Config{
		LogConf: logutil.Config{
			Level: "info",
			File:  "",
		},
		Runtime: &RuntimeConfig{
			QueueCapacity:  job.DefaultQueueCapacity,
			OutboxCapacity: runtime.DefaultOutboxCapacity,
			InboxBatchSize: runtime.DefaultInboxBatchSize,
			StallRounds:    runtime.DefaultStallRounds,
			MaxIdleStr:     defaultMaxIdle,
			CallWarningStr: defaultCallWarning,
		},
		Snapshot: &SnapshotConfig{
			Backend:    snapshot.BackendMemory,
			TimeoutStr: defaultSnapshotTimeout,
		},
		Cluster: &ClusterConfig{
			MemberCount: defaultMemberCount,
		},
		Meta: &MetaConfig{
			Backend: meta.BackendMemory,
		},
	}
}

func checkUndecodedItems(metaData toml.MetaData) error {
	undecoded := metaData.Undecoded()
	if len(undecoded) > 0 {
		var undecodedItems []string
		for _, item := range undecoded {
			undecodedItems = append(undecodedItems, item.String())
		}
		return errors.ErrConfigUnknownItem.GenWithStackByArgs(strings.Join(undecodedItems, ","))
	}
	return nil
}
