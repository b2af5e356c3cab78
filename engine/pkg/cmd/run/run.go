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


package run

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/pingcap/dagflow/engine"
	"github.com/pingcap/dagflow/engine/config"
	"github.com/pingcap/dagflow/engine/job"
	"github.com/pingcap/dagflow/engine/pkg/cmd/util"
	"github.com/pingcap/dagflow/engine/pkg/logutil"
	"github.com/pingcap/dagflow/engine/processor"
	"github.com/pingcap/dagflow/pkg/errors"
	"github.com/pingcap/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

// options defines flags for the `run` command.
type options struct {
	engineConfig   *config.Config
	configFilePath string

	jobName          string
	parallelism      int
	guarantee        string
	snapshotInterval time.Duration
	maxRestarts      int
	outputDir        string

	inputs []string
}

// newOptions creates new options for the `run` command.
func newOptions() *options {
	return &options{
		engineConfig: config.GetDefaultConfig(),
		jobName:      "word-count",
		parallelism:  2,
		guarantee:    processor.GuaranteeNone.String(),
		maxRestarts:  job.DefaultMaxRestarts,
	}
}

// addFlags receives a *cobra.Command reference and binds
// flags related to template printing to it.
func (o *options) addFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.configFilePath, "config", "", "Path of the configuration file")
	cmd.Flags().StringVar(&o.engineConfig.LogConf.File, "log-file", o.engineConfig.LogConf.File, "log file path")
	cmd.Flags().StringVar(&o.engineConfig.LogConf.Level, "log-level", o.engineConfig.LogConf.Level, "log level (etc: debug|info|warn|error)")
	cmd.Flags().IntVar(&o.engineConfig.Cluster.MemberCount, "members", o.engineConfig.Cluster.MemberCount, "number of members started by the engine")
	cmd.Flags().StringVar(&o.engineConfig.Snapshot.Backend, "snapshot-backend", o.engineConfig.Snapshot.Backend, "snapshot store backend (memory|pebble|leveldb)")
	cmd.Flags().StringVar(&o.engineConfig.Snapshot.Dir, "snapshot-dir", o.engineConfig.Snapshot.Dir, "directory of the on-disk snapshot store")
	cmd.Flags().StringVar(&o.engineConfig.Meta.Backend, "meta-backend", o.engineConfig.Meta.Backend, "job history backend (memory|sqlite)")
	cmd.Flags().StringVar(&o.engineConfig.Meta.DSN, "meta-dsn", o.engineConfig.Meta.DSN, "sqlite database of the job history")

	cmd.Flags().StringVar(&o.jobName, "name", o.jobName, "name of the job")
	cmd.Flags().IntVar(&o.parallelism, "parallelism", o.parallelism, "local parallelism of every vertex but the sink")
	cmd.Flags().StringVar(&o.guarantee, "guarantee", o.guarantee, "processing guarantee (none|at-least-once|exactly-once)")
	cmd.Flags().DurationVar(&o.snapshotInterval, "snapshot-interval", 0, "interval of automatic snapshots")
	cmd.Flags().IntVar(&o.maxRestarts, "max-restarts", o.maxRestarts, "restarts of the job before it fails")
	cmd.Flags().StringVar(&o.outputDir, "output-dir", "", "write the counts to files in this directory instead of stdout")
}

// complete adapts from the command line args and config file to the data required.
func (o *options) complete(cmd *cobra.Command, args []string) error {
	cfg := config.GetDefaultConfig()

	if len(o.configFilePath) > 0 {
		if err := cfg.ConfigFromFile(o.configFilePath); err != nil {
			return err
		}
	}

	cmd.Flags().Visit(func(flag *pflag.Flag) {
		switch flag.Name {
		case "log-file":
			cfg.LogConf.File = o.engineConfig.LogConf.File
		case "log-level":
			cfg.LogConf.Level = o.engineConfig.LogConf.Level
		case "members":
			cfg.Cluster.MemberCount = o.engineConfig.Cluster.MemberCount
		case "snapshot-backend":
			cfg.Snapshot.Backend = o.engineConfig.Snapshot.Backend
		case "snapshot-dir":
			cfg.Snapshot.Dir = o.engineConfig.Snapshot.Dir
		case "meta-backend":
			cfg.Meta.Backend = o.engineConfig.Meta.Backend
		case "meta-dsn":
			cfg.Meta.DSN = o.engineConfig.Meta.DSN
		case "config", "name", "parallelism", "guarantee", "snapshot-interval", "max-restarts", "output-dir":
			// not part of the engine config
		default:
			log.Panic("unknown flag, please report a bug", zap.String("flagName", flag.Name))
		}
	})

	if err := cfg.Adjust(); err != nil {
		return errors.Trace(err)
	}
	if _, err := processor.ParseGuarantee(o.guarantee); err != nil {
		return err
	}
	if o.parallelism < 1 {
		return errors.ErrInvalidArgument.GenWithStackByArgs("parallelism must be positive")
	}

	o.engineConfig = cfg
	o.inputs = args
	return nil
}

// run runs the word count job and waits for it.
func (o *options) run(cmd *cobra.Command) error {
	err := logutil.InitLogger(&o.engineConfig.LogConf)
	if err != nil {
		return errors.Trace(err)
	}

	ctx, cancel := util.InitCmd(cmd)
	defer cancel()

	lines, err := readLines(o.inputs, cmd.InOrStdin())
	if err != nil {
		return err
	}

	inst, err := engine.NewInstance(ctx, o.engineConfig)
	if err != nil {
		return err
	}
	defer func() {
		if err := inst.Close(); err != nil {
			log.Warn("close engine instance failed", zap.Error(err))
		}
	}()

	results := processor.NewCollector()
	g, err := wordCountGraph(lines, o.parallelism, o.outputDir, results)
	if err != nil {
		return err
	}
	guarantee, _ := processor.ParseGuarantee(o.guarantee)
	policy := job.DefaultRestartPolicy()
	policy.MaxRestarts = o.maxRestarts
	j, err := inst.Coordinator().Submit(ctx, g, job.Config{
		Name:             o.jobName,
		Guarantee:        guarantee,
		SnapshotInterval: o.snapshotInterval,
		RestartPolicy:    policy,
	})
	if err != nil {
		return err
	}

	if err := j.Join(ctx); err != nil {
		if ctx.Err() != nil {
			_ = j.Cancel()
		}
		log.Error("job failed", zap.String("job-id", j.ID()), zap.Error(err))
		return err
	}
	log.Info("job completed", zap.String("job-id", j.ID()), zap.Int("lines", len(lines)))

	if o.outputDir == "" {
		return printCounts(cmd.OutOrStdout(), results.Items())
	}
	return nil
}

// readLines reads the lines of every file, or of r without files.
func readLines(paths []string, r io.Reader) ([]any, error) {
	var lines []any
	scan := func(r io.Reader) error {
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			lines = append(lines, scanner.Text())
		}
		return errors.Trace(scanner.Err())
	}

	if len(paths) == 0 {
		return lines, scan(r)
	}
	for _, path := range paths {
		f, err := os.Open(path)
		if err != nil {
			return nil, errors.Trace(err)
		}
		err = scan(f)
		_ = f.Close()
		if err != nil {
			return nil, err
		}
	}
	return lines, nil
}

func printCounts(w io.Writer, items []any) error {
	entries := make([]processor.Entry, 0, len(items))
	for _, item := range items {
		entries = append(entries, item.(processor.Entry))
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Key < entries[j].Key
	})
	for _, e := range entries {
		if _, err := fmt.Fprintln(w, e.String()); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

// NewCmdRun creates the `run` command.
func NewCmdRun() *cobra.Command {
	o := newOptions()

	command := &cobra.Command{
		Use:   "run [file...]",
		Short: "Count the words of the given files, or of stdin, on an embedded engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := o.complete(cmd, args); err != nil {
				return err
			}
			return o.run(cmd)
		},
	}

	o.addFlags(command)

	return command
}
