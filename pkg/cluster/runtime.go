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

package cluster

import (
	"context"
	"time"

	"github.com/pingcap/batchcluster/pkg/batch"
	"github.com/pingcap/batchcluster/pkg/clock"
	"github.com/pingcap/batchcluster/pkg/clustermeta"
	"github.com/pingcap/batchcluster/pkg/config"
	"github.com/pingcap/batchcluster/pkg/errors"
	"github.com/pingcap/batchcluster/pkg/logutil"
	"github.com/pingcap/batchcluster/pkg/master"
	"github.com/pingcap/batchcluster/pkg/membership"
	"github.com/pingcap/batchcluster/pkg/orm"
	"github.com/pingcap/batchcluster/pkg/partition"
	"github.com/pingcap/batchcluster/pkg/worker"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

const deregisterTimeout = 5 * time.Second

type runtimeOptions struct {
	clock clock.Clock
	repo  batch.JobRepository
}

// Option configures a Runtime.
type Option func(*runtimeOptions)

// WithClock sets the clock of every component.
func WithClock(c clock.Clock) Option {
	return func(o *runtimeOptions) {
		o.clock = c
	}
}

// WithJobRepository replaces the gorm job repository.
func WithJobRepository(repo batch.JobRepository) Option {
	return func(o *runtimeOptions) {
		o.repo = repo
	}
}

// Runtime is one cluster node: it keeps the membership of the node, runs the
// partitions assigned to it and acts as master for the partitioned steps it
// runs.
type Runtime struct {
	cfg      *config.Config
	cli      clustermeta.Client
	repo     batch.JobRepository
	registry *batch.MapStepRegistry
	manager  *membership.Manager
	runner   *worker.TaskRunner
	handler  *master.Handler
	clock    clock.Clock
	logger   *zap.Logger
}

// NewRuntime creates the node described by cfg on db.
func NewRuntime(cfg *config.Config, db *gorm.DB, opts ...Option) (*Runtime, error) {
	options := runtimeOptions{clock: clock.New()}
	for _, opt := range opts {
		opt(&options)
	}

	nodeID, hostIdentifier, err := cfg.ResolveNodeID()
	if err != nil {
		return nil, err
	}
	cli, err := clustermeta.NewClient(db, clustermeta.WithClock(options.clock))
	if err != nil {
		return nil, err
	}
	repo := options.repo
	if repo == nil {
		repo, err = batch.NewGormJobRepository(db, options.clock)
		if err != nil {
			return nil, err
		}
	}

	info := membership.NewNodeInfo(nodeID, hostIdentifier, membership.NewNodeLoad())
	manager := membership.NewManager(cli, info, membership.Config{
		HeartbeatInterval:            cfg.HeartbeatInterval,
		ActiveNodesRefreshInterval:   cfg.ActiveNodesRefreshInterval,
		UnreachableNodeCheckInterval: cfg.UnreachableNodeCheckInterval,
		NodeCleanupInterval:          cfg.NodeCleanupInterval,
		UnreachableNodeThreshold:     cfg.UnreachableNodeThreshold,
		NodeCleanupThreshold:         cfg.NodeCleanupThreshold,
		TracingEnabled:               cfg.TracingEnabled,
	}, options.clock)
	registry := batch.NewMapStepRegistry()
	runner := worker.NewTaskRunner(cli, repo, registry, info, worker.Config{
		PollingInterval:         cfg.TaskPollingInterval,
		CleanupInterval:         cfg.CompletedTasksCleanupInterval,
		InFlightRefreshInterval: cfg.InFlightRefreshInterval,
		ConcurrencyLimit:        cfg.ConcurrencyLimitPerNode,
		TracingEnabled:          cfg.TracingEnabled,
	}, options.clock)
	manager.AddListener(runner)
	handler := master.NewHandler(cli, repo, nodeID, master.Config{
		StatusCheckInterval:   cfg.MasterTaskStatusCheckInterval,
		OrphanPollingInterval: cfg.OrphanedTasksPollingInterval,
		TracingEnabled:        cfg.TracingEnabled,
	}, options.clock)

	return &Runtime{
		cfg:      cfg,
		cli:      cli,
		repo:     repo,
		registry: registry,
		manager:  manager,
		runner:   runner,
		handler:  handler,
		clock:    options.clock,
		logger:   logutil.NewLogger4Node("runtime", nodeID),
	}, nil
}

// InitMetrics registers the metrics of all cluster components.
func InitMetrics(registry *prometheus.Registry) {
	orm.InitMetrics(registry)
	membership.InitMetrics(registry)
	worker.InitMetrics(registry)
	master.InitMetrics(registry)
}

// Info returns the membership info of this node.
func (r *Runtime) Info() *membership.NodeInfo {
	return r.manager.Info()
}

// Client returns the cluster meta client of this node.
func (r *Runtime) Client() clustermeta.Client {
	return r.cli
}

// JobRepository returns the job repository of this node.
func (r *Runtime) JobRepository() batch.JobRepository {
	return r.repo
}

// RefreshActiveNodes reloads the cached active nodes used for partitioning.
func (r *Runtime) RefreshActiveNodes(ctx context.Context) {
	r.manager.RefreshActiveNodes(ctx)
}

// RegisterStep makes this node able to run the partitions of the master
// step named name with step.
func (r *Runtime) RegisterStep(name string, step batch.Step) {
	r.registry.Register(name, step)
}

// NewPartitionStep creates a partitioned step named name and registers
// workerStep to run its partitions on this node. Other nodes must register
// the same worker step under name.
func (r *Runtime) NewPartitionStep(
	name string, p partition.Partitioner, workerStep batch.Step, aggregator partition.AggregatorCallback,
) *master.PartitionStep {
	r.RegisterStep(name, workerStep)
	return &master.PartitionStep{
		Partitioner: p,
		Nodes:       r.manager,
		Handler:     r.handler,
		Aggregator:  aggregator,
	}
}

// RunStep runs step as the step named name of a job execution on this node
// and records its execution.
func (r *Runtime) RunStep(
	ctx context.Context, jobExecutionID int64, name string, step batch.Step,
) (*batch.StepExecution, error) {
	start := r.clock.Now()
	execution := &batch.StepExecution{
		JobExecutionID: jobExecutionID,
		StepName:       name,
		Status:         batch.StatusStarted,
		StartTime:      &start,
	}
	if err := r.repo.AddStepExecutions(ctx, []*batch.StepExecution{execution}); err != nil {
		return nil, errors.Trace(err)
	}

	runErr := step.Execute(ctx, execution)
	end := r.clock.Now()
	execution.EndTime = &end
	execution.Status = batch.StatusCompleted
	if runErr != nil {
		execution.Status = batch.StatusFailed
		execution.ExitMessage = runErr.Error()
	}
	if err := r.repo.UpdateStepExecution(ctx, execution); err != nil {
		return execution, multierr.Append(runErr, errors.Trace(err))
	}
	r.logger.Info("step finished",
		zap.Int64("job-execution-id", jobExecutionID),
		zap.String("step", name),
		zap.String("status", string(execution.Status)),
		zap.Duration("duration", end.Sub(start)))
	return execution, runErr
}

// Run registers the node and runs membership and the task runner until ctx
// is done. Membership keeps heartbeating until the runner has drained its
// executing partitions. On return the node row is deleted so other nodes can
// recover its partitions at once.
func (r *Runtime) Run(ctx context.Context) error {
	if err := r.manager.Register(ctx); err != nil {
		return err
	}

	memberCtx, stopMembership := context.WithCancel(context.WithoutCancel(ctx))
	runnerCtx, stopRunner := context.WithCancel(ctx)
	defer stopRunner()
	var g errgroup.Group
	g.Go(func() error {
		defer stopRunner()
		return r.manager.Run(memberCtx)
	})
	g.Go(func() error {
		defer stopMembership()
		return r.runner.Run(runnerCtx)
	})
	err := g.Wait()

	dctx, cancel := context.WithTimeout(context.Background(), deregisterTimeout)
	defer cancel()
	if derr := r.manager.Deregister(dctx); derr != nil {
		r.logger.Warn("failed to deregister node", zap.Error(derr))
		err = multierr.Append(err, derr)
	}
	return err
}
