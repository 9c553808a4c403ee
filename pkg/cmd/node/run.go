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
	"context"

	"github.com/pingcap/batchcluster/pkg/cluster"
	cmdutil "github.com/pingcap/batchcluster/pkg/cmd/util"
	"github.com/pingcap/batchcluster/pkg/errors"
	"github.com/pingcap/batchcluster/pkg/orm"
	"github.com/pingcap/batchcluster/pkg/orm/model"
	"github.com/pingcap/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type runOptions struct {
	options
	statusAddr string
}

// NewCmdRun creates the `run` command.
func NewCmdRun() *cobra.Command {
	o := &runOptions{}
	command := &cobra.Command{
		Use:   "run",
		Short: "Join the batch cluster and run assigned partitions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.run(cmd)
		},
	}
	o.addFlags(command)
	command.Flags().StringVar(&o.statusAddr, "status-addr", "", "Address to serve /metrics on, disabled when empty")
	return command
}

func (o *runOptions) run(cmd *cobra.Command) error {
	cfg, err := o.loadConfig(cmd)
	if err != nil {
		return err
	}
	ctx, cancel := cmdutil.InitCmd(cmd, &cfg.LogConf)
	defer cancel()

	if !cfg.Enabled {
		log.Info("batch cluster is disabled, set enabled = true to join the cluster")
		return nil
	}
	cmdutil.InitSignalHandling(ctx, cancel)
	log.Info("starting batch node", zap.Stringer("config", cfg))

	db, err := orm.OpenDB(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer func() {
		if err := orm.CloseDB(db); err != nil {
			log.Warn("close db failed", zap.Error(err))
		}
	}()
	if err := model.AutoMigrate(db.WithContext(ctx), true); err != nil {
		return errors.Trace(err)
	}

	rt, err := cluster.NewRuntime(cfg, db)
	if err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	if o.statusAddr != "" {
		registry := prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		cluster.InitMetrics(registry)
		g.Go(func() error {
			return cmdutil.ServeStatus(gctx, o.statusAddr, registry)
		})
	}
	g.Go(func() error {
		return rt.Run(gctx)
	})
	err = g.Wait()
	if err != nil && errors.Cause(err) != context.Canceled {
		log.Error("run batch node", zap.Error(err))
		return err
	}
	log.Info("batch node exits successfully", zap.String("node-id", rt.Info().NodeID))
	return nil
}
