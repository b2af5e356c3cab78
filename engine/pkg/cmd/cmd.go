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


// Package cmd is the command line of the engine.
package cmd

import (
	"os"

	"github.com/pingcap/dagflow/engine/pkg/cmd/cli"
	"github.com/pingcap/dagflow/engine/pkg/cmd/run"
	"github.com/spf13/cobra"
)

// NewCmd creates the root command.
func NewCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "dagflow",
		Short:        "Run dataflow jobs on an embedded engine",
		SilenceUsage: true,
	}
	cmd.CompletionOptions.DisableDefaultCmd = true
	cmd.AddCommand(run.NewCmdRun())
	cmd.AddCommand(cli.NewCmdCli())
	return cmd
}

// Run runs the root command and exits on error.
func Run() {
	if err := NewCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
