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

	"github.com/pingcap/dagflow/engine/job"
	"github.com/pingcap/dagflow/pkg/errors"
	"github.com/pingcap/log"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// deleteJobOptions defines flags for job delete.
type deleteJobOptions struct {
	generalOpts *jobGeneralOptions

	jobID string
}

func newDeleteJobOptions(generalOpts *jobGeneralOptions) *deleteJobOptions {
	return &deleteJobOptions{generalOpts: generalOpts}
}

// addFlags receives a *cobra.Command reference and binds
// flags related to template printing to it.
func (o *deleteJobOptions) addFlags(cmd *cobra.Command) {
	if o == nil {
		return
	}

	cmd.Flags().StringVar(&o.jobID, "job-id", "", "job id")
	_ = cmd.MarkFlagRequired("job-id")
}

// run the `cli job delete` command. Only terminated jobs are deleted.
func (o *deleteJobOptions) run(ctx context.Context, cmd *cobra.Command) error {
	rec, err := o.generalOpts.store.GetJob(ctx, o.jobID)
	if err != nil {
		return err
	}
	status, err := job.ParseStatus(rec.Status)
	if err != nil {
		return err
	}
	if !status.IsTerminal() {
		return errors.ErrJobNotTerminated.GenWithStackByArgs(o.jobID)
	}
	if err := o.generalOpts.store.DeleteJob(ctx, o.jobID); err != nil {
		return err
	}
	log.Info("job record deleted", zap.String("job-id", o.jobID), zap.String("status", rec.Status))
	return nil
}

// newCmdDeleteJob creates the `cli job delete` command.
func newCmdDeleteJob(generalOpts *jobGeneralOptions) *cobra.Command {
	o := newDeleteJobOptions(generalOpts)

	command := &cobra.Command{
		Use:   "delete",
		Short: "Delete the record of a terminated job",
		Args:  cobra.NoArgs,
		RunE:  generalOpts.runE(o.run),
	}

	o.addFlags(command)

	return command
}
