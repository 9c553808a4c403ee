// Copyright 2026 PingCAP, Inc.
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

package node

import (
	"github.com/spf13/cobra"
)

// NewCmd creates the root `batch-node` command.
func NewCmd() *cobra.Command {
	cmds := &cobra.Command{
		Use:   "batch-node",
		Short: "A node of a database coordinated batch cluster",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
		SilenceUsage: true,
	}
	cmds.AddCommand(NewCmdRun())
	cmds.AddCommand(NewCmdMigrate())
	cmds.AddCommand(NewCmdNodes())
	return cmds
}
