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
	"encoding/json"
	"fmt"

	"github.com/pingcap/dagflow/pkg/errors"
	"github.com/spf13/cobra"
)

// queryJobOptions defines flags for job query.
type queryJobOptions struct {
	generalOpts *jobGeneralOptions

	jobID string
}

// newQueryJobOptions creates new query job options.
func newQueryJobOptions(generalOpts *jobGeneralOptions) *queryJobOptions {
	return &queryJobOptions{generalOpts: generalOpts}
}

// addFlags receives a *cobra.Command reference and binds
// flags related to template printing to it.
func (o *queryJobOptions) addFlags(cmd *cobra.Command) {
	if o == nil {
		return
	}

	cmd.Flags().StringVar(&o.jobID, "job-id", "", "job id")
	_ = cmd.MarkFlagRequired("job-id")
}

// run the `cli job query` command.
func (o *queryJobOptions) run(ctx context.Context, cmd *cobra.Command) error {
	rec, err := o.generalOpts.store.GetJob(ctx, o.jobID)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return errors.Trace(err)
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return errors.Trace(err)
}

// newCmdQueryJob creates the `cli job query` command.
func newCmdQueryJob(generalOpts *jobGeneralOptions) *cobra.Command {
	o := newQueryJobOptions(generalOpts)

	command := &cobra.Command{
		Use:   "query",
		Short: "Query a job",
		Args:  cobra.NoArgs,
		RunE:  generalOpts.runE(o.run),
	}

	o.addFlags(command)

	return command
}
