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
	cmdutil "github.com/pingcap/batchcluster/pkg/cmd/util"
	"github.com/pingcap/batchcluster/pkg/errors"
	"github.com/pingcap/batchcluster/pkg/orm"
	"github.com/pingcap/batchcluster/pkg/orm/model"
	"github.com/pingcap/log"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// NewCmdMigrate creates the `migrate` command.
func NewCmdMigrate() *cobra.Command {
	o := &options{}
	command := &cobra.Command{
		Use:   "migrate",
		Short: "Create the cluster and job repository tables",
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
			if err := model.AutoMigrate(db.WithContext(ctx), true); err != nil {
				return errors.Trace(err)
			}
			log.Info("tables migrated", zap.String("store-type", cfg.Store.StoreType))
			cmd.Println("migrate done")
			return nil
		},
	}
	o.addFlags(command)
	return command
}
