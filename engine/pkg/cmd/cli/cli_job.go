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


package cli

import (
	"context"
	"time"

	"github.com/pingcap/dagflow/engine/config"
	"github.com/pingcap/dagflow/engine/meta"
	"github.com/pingcap/dagflow/engine/pkg/cmd/util"
	"github.com/pingcap/dagflow/pkg/errors"
	"github.com/pingcap/log"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// jobGeneralOptions defines some general options of job management
type jobGeneralOptions struct {
	configFilePath string
	metaDSN        string
	timeout        time.Duration

	store meta.JobStore
}

func newJobGeneralOptions() *jobGeneralOptions {
	return &jobGeneralOptions{}
}

// addFlags receives a *cobra.Command reference and binds
// flags related to template printing to it.
func (o *jobGeneralOptions) addFlags(cmd *cobra.Command) {
	if o == nil {
		return
	}

	cmd.PersistentFlags().StringVar(&o.configFilePath, "config", "", "Path of the engine configuration file")
	cmd.PersistentFlags().StringVar(&o.metaDSN, "meta-dsn", "", "sqlite database of the job history, overrides the config file")
	cmd.PersistentFlags().DurationVar(&o.timeout, "timeout", 30*time.Second, "timeout of every operation on the job history")
}

// validate opens the job history store.
func (o *jobGeneralOptions) validate(ctx context.Context) error {
	cfg := config.GetDefaultConfig()
	if o.configFilePath != "" {
		if err := cfg.ConfigFromFile(o.configFilePath); err != nil {
			return err
		}
	}
	dsn := cfg.Meta.DSN
	if o.metaDSN != "" {
		dsn = o.metaDSN
	} else if cfg.Meta.Backend != meta.BackendSQLite {
		return errors.ErrInvalidArgument.GenWithStackByArgs("job history is only kept by the sqlite meta backend")
	}
	if dsn == "" {
		return errors.ErrInvalidArgument.GenWithStackByArgs("meta-dsn can't be empty")
	}

	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()
	store, err := meta.NewSQLiteStore(ctx, dsn)
	if err != nil {
		return err
	}
	o.store = store
	return nil
}

func (o *jobGeneralOptions) close() {
	if o.store == nil {
		return
	}
	if err := o.store.Close(); err != nil {
		log.Warn("close job history store failed", zap.Error(err))
	}
	o.store = nil
}

// runE opens the store, runs fn with a timeout context and closes the
// store.
func (o *jobGeneralOptions) runE(
	fn func(ctx context.Context, cmd *cobra.Command) error,
) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx, cancel := util.InitCmd(cmd)
		defer cancel()
		if err := o.validate(ctx); err != nil {
			return err
		}
		defer o.close()

		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
		return fn(ctx, cmd)
	}
}

// newCmdJob creates the `cli job` command.
func newCmdJob() *cobra.Command {
	o := newJobGeneralOptions()

	cmds := &cobra.Command{
		Use:   "job",
		Short: "Query and manage the job history",
	}

	o.addFlags(cmds)

	cmds.AddCommand(newCmdListJobs(o))
	cmds.AddCommand(newCmdQueryJob(o))
	cmds.AddCommand(newCmdDeleteJob(o))

	return cmds
}
