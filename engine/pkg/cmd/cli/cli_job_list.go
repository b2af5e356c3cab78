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
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/pingcap/dagflow/engine/job"
	"github.com/pingcap/dagflow/pkg/errors"
	"github.com/spf13/cobra"
)

// listJobsOptions defines flags for job list.
type listJobsOptions struct {
	generalOpts *jobGeneralOptions

	name   string
	status string
}

func newListJobsOptions(generalOpts *jobGeneralOptions) *listJobsOptions {
	return &listJobsOptions{generalOpts: generalOpts}
}

// addFlags receives a *cobra.Command reference and binds
// flags related to template printing to it.
func (o *listJobsOptions) addFlags(cmd *cobra.Command) {
	if o == nil {
		return
	}

	cmd.Flags().StringVar(&o.name, "name", "", "only list jobs with this name")
	cmd.Flags().StringVar(&o.status, "status", "", "only list jobs in this status")
}

// run the `cli job list` command.
func (o *listJobsOptions) run(ctx context.Context, cmd *cobra.Command) error {
	if o.status != "" {
		if _, err := job.ParseStatus(o.status); err != nil {
			return err
		}
	}
	recs, err := o.generalOpts.store.ListJobs(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSTATUS\tSUBMITTED\tRESTARTS\tLAST SNAPSHOT")
	for _, rec := range recs {
		if o.name != "" && rec.Name != o.name {
			continue
		}
		if o.status != "" && rec.Status != o.status {
			continue
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\n",
			rec.ID, rec.Name, rec.Status, rec.SubmittedAt.Format(time.RFC3339), rec.Restarts, rec.LastSnapshot)
	}
	return errors.Trace(w.Flush())
}

// newCmdListJobs creates the `cli job list` command.
func newCmdListJobs(generalOpts *jobGeneralOptions) *cobra.Command {
	o := newListJobsOptions(generalOpts)

	command := &cobra.Command{
		Use:   "list",
		Short: "List jobs, latest submission first",
		Args:  cobra.NoArgs,
		RunE:  generalOpts.runE(o.run),
	}

	o.addFlags(command)

	return command
}
