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
	"time"

	"github.com/pingcap/batchcluster/pkg/clustermeta"
	cmdutil "github.com/pingcap/batchcluster/pkg/cmd/util"
	"github.com/pingcap/batchcluster/pkg/orm"
	"github.com/spf13/cobra"
)

// nodeView is the printed form of a cluster node.
type nodeView struct {
	NodeID          string    `json:"node-id"`
	HostIdentifier  string    `json:"host-identifier"`
	Status          string    `json:"status"`
	CurrentLoad     int64     `json:"current-load"`
	CreatedTime     time.Time `json:"created-time"`
	LastUpdatedTime time.Time `json:"last-updated-time"`
}

// NewCmdNodes creates the `nodes` command.
func NewCmdNodes() *cobra.Command {
	o := &options{}
	command := &cobra.Command{
		Use:   "nodes",
		Short: "List the nodes of the batch cluster",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := o.loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := cmdutil.InitCmd(cmd, &cfg.LogConf)
			defer cancel()

			db, err := orm.OpenDB(ctx, cfg.Store)
			if err != nil {
				return err
			}
			defer orm.CloseDB(db) //nolint:errcheck
			cli, err := clustermeta.NewClient(db)
			if err != nil {
				return err
			}
			nodes, err := cli.QueryNodes(ctx)
			if err != nil {
				return err
			}
			views := make([]nodeView, 0, len(nodes))
			for _, n := range nodes {
				views = append(views, nodeView{
					NodeID:          n.NodeID,
					HostIdentifier:  n.HostIdentifier,
					Status:          string(n.Status),
					CurrentLoad:     n.CurrentLoad,
					CreatedTime:     n.CreatedTime,
					LastUpdatedTime: n.LastUpdatedTime,
				})
			}
			return cmdutil.JSONPrint(cmd, views)
		},
	}
	o.addFlags(command)
	return command
}
