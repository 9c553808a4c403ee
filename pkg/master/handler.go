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

package master

import (
	"context"
	"fmt"
	"time"

	"github.com/pingcap/batchcluster/pkg/batch"
	"github.com/pingcap/batchcluster/pkg/clock"
	"github.com/pingcap/batchcluster/pkg/clustermeta"
	"github.com/pingcap/batchcluster/pkg/errors"
	"github.com/pingcap/batchcluster/pkg/logutil"
	"github.com/pingcap/batchcluster/pkg/orm/model"
	"github.com/pingcap/batchcluster/pkg/partition"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Config holds the polling cadences of the Handler.
type Config struct {
	StatusCheckInterval   time.Duration
	OrphanPollingInterval time.Duration
	TracingEnabled        bool
}

// Handler is the master side of a partitioned step. It persists the
// partitions of a step, waits for workers to finish them and moves partitions
// of dead nodes to live ones.
type Handler struct {
	cli    clustermeta.Client
	repo   batch.JobRepository
	nodeID string
	cfg    Config
	clock  clock.Clock
}

// NewHandler creates a Handler that acts as master on nodeID.
func NewHandler(cli clustermeta.Client, repo batch.JobRepository, nodeID string, cfg Config, clk clock.Clock) *Handler {
	if clk == nil {
		clk = clock.New()
	}
	return &Handler{
		cli:    cli,
		repo:   repo,
		nodeID: nodeID,
		cfg:    cfg,
		clock:  clk,
	}
}

// PartitionKey returns the step name of the index-th partition of a master
// step.
func PartitionKey(masterStepName string, index int) string {
	return fmt.Sprintf("%s:partition%d", masterStepName, index)
}

// Handle creates a step execution per unit, persists the partition plan under
// master, and blocks until no partition is PENDING or CLAIMED. It returns the
// partition executions as persisted by the workers. Errors leave the
// coordination row STARTED.
func (h *Handler) Handle(
	ctx context.Context, master *batch.StepExecution, units []partition.Unit,
) ([]*batch.StepExecution, error) {
	logger := logutil.NewLogger4Job(h.nodeID, master.JobExecutionID, master.ID).
		With(zap.String("step", master.StepName))
	if len(units) == 0 {
		logger.Warn("partitioner returned no work, nothing to distribute")
		return []*batch.StepExecution{}, nil
	}

	executions, err := h.persist(ctx, logger, master, units)
	if err != nil {
		return nil, err
	}

	start := h.clock.Now()
	err = h.wait(ctx, logger, master)
	if err != nil {
		handleDuration.WithLabelValues(master.StepName, "error").Observe(h.clock.Since(start).Seconds())
		logger.Error("failed to wait for partitions", zap.Error(err))
		return nil, err
	}
	handleDuration.WithLabelValues(master.StepName, "ok").Observe(h.clock.Since(start).Seconds())

	if err := h.cli.UpdateJobCoordinationStatus(ctx, master.JobExecutionID, master.ID,
		model.CoordinationStatusCompleted); err != nil {
		return nil, errors.Trace(err)
	}
	logger.Info("all partitions finished", zap.Duration("duration", h.clock.Since(start)))

	reloaded := make([]*batch.StepExecution, 0, len(executions))
	for _, e := range executions {
		loaded, err := h.repo.GetStepExecution(ctx, e.JobExecutionID, e.ID)
		if err != nil {
			return nil, errors.Trace(err)
		}
		reloaded = append(reloaded, loaded)
	}
	if err := h.reconcile(ctx, logger, master, reloaded); err != nil {
		return nil, err
	}
	return reloaded, nil
}

// reconcile marks the execution of every FAILED partition row as FAILED. A
// worker that could not write its execution record still reports the row, so
// the row is the source of truth for failures.
func (h *Handler) reconcile(
	ctx context.Context, logger *zap.Logger, master *batch.StepExecution, executions []*batch.StepExecution,
) error {
	partitions, err := h.cli.QueryPartitions(ctx, master.ID)
	if err != nil {
		return errors.Trace(err)
	}
	rows := make(map[int64]*model.PartitionDO, len(partitions))
	for _, p := range partitions {
		rows[p.StepExecutionID] = p
	}
	for _, e := range executions {
		row, ok := rows[e.ID]
		if !ok || row.Status != model.PartitionStatusFailed || e.Status == batch.StatusFailed {
			continue
		}
		logger.Warn("partition failed but its execution is not, mark it failed",
			zap.String("partition-key", row.PartitionKey),
			zap.String("node", row.AssignedNode),
			zap.String("execution-status", string(e.Status)))
		e.Status = batch.StatusFailed
		if e.ExitMessage == "" {
			e.ExitMessage = fmt.Sprintf("partition failed on node %s", row.AssignedNode)
		}
		if e.EndTime == nil {
			end := h.clock.Now()
			e.EndTime = &end
		}
		if err := h.repo.UpdateStepExecution(ctx, e); err != nil {
			logger.Warn("failed to persist reconciled step execution",
				zap.Int64("step-execution-id", e.ID), zap.Error(err))
		}
	}
	return nil
}

// persist writes the coordination row as CREATED, the partitions as PENDING,
// and then flips the coordination row to STARTED so workers never see a
// partial plan.
func (h *Handler) persist(
	ctx context.Context, logger *zap.Logger, master *batch.StepExecution, units []partition.Unit,
) ([]*batch.StepExecution, error) {
	executions := make([]*batch.StepExecution, 0, len(units))
	for _, u := range units {
		e := &batch.StepExecution{
			JobExecutionID: master.JobExecutionID,
			StepName:       PartitionKey(master.StepName, u.Index),
			Status:         batch.StatusStarting,
		}
		for k, v := range u.Work {
			e.Put(k, v)
		}
		executions = append(executions, e)
	}
	if err := h.repo.AddStepExecutions(ctx, executions); err != nil {
		return nil, errors.Trace(err)
	}
	logger.Info("partition step executions created", zap.Int("partitions", len(executions)))

	if err := h.cli.SaveJobCoordination(ctx, &model.JobCoordinationDO{
		JobExecutionID:        master.JobExecutionID,
		MasterStepExecutionID: master.ID,
		MasterNodeID:          h.nodeID,
		MasterStepName:        master.StepName,
		Status:                model.CoordinationStatusCreated,
	}); err != nil {
		return nil, errors.Trace(err)
	}

	partitions := make([]*model.PartitionDO, 0, len(units))
	for i, u := range units {
		partitions = append(partitions, &model.PartitionDO{
			StepExecutionID:       executions[i].ID,
			JobExecutionID:        master.JobExecutionID,
			PartitionKey:          executions[i].StepName,
			AssignedNode:          u.NodeID,
			Status:                model.PartitionStatusPending,
			MasterStepExecutionID: master.ID,
			IsTransferable:        u.Transferable,
		})
	}
	if err := h.cli.SavePartitions(ctx, partitions); err != nil {
		return nil, errors.Trace(err)
	}

	if err := h.cli.UpdateJobCoordinationStatus(ctx, master.JobExecutionID, master.ID,
		model.CoordinationStatusStarted); err != nil {
		return nil, errors.Trace(err)
	}
	logger.Info("partitions persisted, waiting for workers", zap.Int("partitions", len(partitions)))
	return executions, nil
}

// wait runs the completion monitor and the orphan monitor under one context.
// The orphan monitor stops once the completion monitor is done, and a failure
// of either cancels the other.
func (h *Handler) wait(ctx context.Context, logger *zap.Logger, master *batch.StepExecution) error {
	g, ctx := errgroup.WithContext(ctx)
	completed := make(chan struct{})
	g.Go(func() error {
		defer close(completed)
		return h.waitForCompletion(ctx, logger, master)
	})
	g.Go(func() error {
		return h.monitorOrphans(ctx, logger, master, completed)
	})
	if err := g.Wait(); err != nil {
		return errors.WrapError(errors.ErrPartitionWaitFailed, err, master.ID)
	}
	return nil
}

func (h *Handler) waitForCompletion(ctx context.Context, logger *zap.Logger, master *batch.StepExecution) error {
	gauge := pendingPartitionsGauge.WithLabelValues(master.StepName)
	defer gauge.Set(0)
	for {
		pending, err := h.cli.PendingCount(ctx, master.ID)
		if err != nil {
			return errors.Trace(err)
		}
		gauge.Set(float64(pending))
		if pending == 0 {
			return nil
		}
		if h.cfg.TracingEnabled {
			logger.Info("waiting for partitions", zap.Int64("pending", pending))
		}
		select {
		case <-ctx.Done():
			return errors.Trace(ctx.Err())
		case <-h.clock.After(h.cfg.StatusCheckInterval):
		}
	}
}

func (h *Handler) monitorOrphans(
	ctx context.Context, logger *zap.Logger, master *batch.StepExecution, completed <-chan struct{},
) error {
	for {
		select {
		case <-completed:
			return nil
		case <-ctx.Done():
			return errors.Trace(ctx.Err())
		case <-h.clock.After(h.cfg.OrphanPollingInterval):
		}
		// the completion monitor may have finished while this one slept
		select {
		case <-completed:
			return nil
		default:
		}
		if err := h.ReassignOrphans(ctx, logger, master); err != nil {
			return err
		}
	}
}

// ReassignOrphans moves the PENDING or CLAIMED partitions of master whose
// node is gone to active nodes, walking the active nodes in order and
// wrapping around. It fails with ErrNoActiveNodes if there is no target.
func (h *Handler) ReassignOrphans(ctx context.Context, logger *zap.Logger, master *batch.StepExecution) error {
	orphans, err := h.cli.FindOrphanedPartitions(ctx, master.ID)
	if err != nil {
		return errors.WrapError(errors.ErrOrphanReassignFailed, err, master.ID)
	}
	if len(orphans) == 0 {
		if h.cfg.TracingEnabled {
			logger.Info("no orphaned partitions")
		}
		return nil
	}
	nodes, err := h.cli.ActiveNodes(ctx)
	if err != nil {
		return errors.WrapError(errors.ErrOrphanReassignFailed, err, master.ID)
	}
	if len(nodes) == 0 {
		logger.Error("orphaned partitions found but no active node to take them",
			zap.Int("orphans", len(orphans)))
		return errors.ErrNoActiveNodes.GenWithStackByArgs()
	}

	reassignments := make([]clustermeta.Reassignment, 0, len(orphans))
	cursor := 0
	for _, o := range orphans {
		reassignments = append(reassignments, clustermeta.Reassignment{
			From:   clustermeta.RefOf(o),
			ToNode: nodes[cursor].NodeID,
		})
		logger.Info("reassigning orphaned partition",
			zap.String("partition-key", o.PartitionKey),
			zap.String("from-node", o.AssignedNode),
			zap.String("to-node", nodes[cursor].NodeID))
		cursor++
		if cursor == len(nodes) {
			cursor = 0
		}
	}
	rows, err := h.cli.ReassignPartitions(ctx, reassignments)
	if err != nil {
		return errors.WrapError(errors.ErrOrphanReassignFailed, err, master.ID)
	}
	orphansReassignedCounter.WithLabelValues(master.StepName).Add(float64(rows))
	logger.Info("orphaned partitions reassigned",
		zap.Int("orphans", len(orphans)), zap.Int64("reassigned", rows))
	return nil
}
