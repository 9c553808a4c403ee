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

package worker

import (
	"context"
	"sync"
	"time"

	"github.com/pingcap/batchcluster/pkg/batch"
	"github.com/pingcap/batchcluster/pkg/clock"
	"github.com/pingcap/batchcluster/pkg/clustermeta"
	"github.com/pingcap/batchcluster/pkg/errors"
	"github.com/pingcap/batchcluster/pkg/logutil"
	"github.com/pingcap/batchcluster/pkg/membership"
	"github.com/pingcap/batchcluster/pkg/orm/model"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Config holds the schedules and limits of the TaskRunner.
type Config struct {
	PollingInterval         time.Duration
	CleanupInterval         time.Duration
	InFlightRefreshInterval time.Duration
	ConcurrencyLimit        int
	TracingEnabled          bool
	// CancelOnHeartbeatFail cancels transferable in-flight partitions when
	// this node loses its membership. Off by default.
	CancelOnHeartbeatFail bool
}

// TaskRunner polls the partitions assigned to this node, claims them and
// runs them with bounded concurrency.
type TaskRunner struct {
	cli      clustermeta.PartitionClient
	repo     batch.JobRepository
	registry batch.StepRegistry
	info     *membership.NodeInfo
	cfg      Config
	clock    clock.Clock
	logger   *zap.Logger

	sem *semaphore.Weighted
	// tasks is the in-flight set, keyed by step execution id.
	tasks sync.Map
	wg    sync.WaitGroup

	submittedMu sync.Mutex
	submitted   []*taskEntry

	cancelMu    sync.RWMutex
	canceled    bool
	queueCtx    context.Context
	queueCancel context.CancelFunc

	taskCount atomic.Int64
}

type taskEntry struct {
	partition *model.AssignedPartition
	cancel    context.CancelFunc
	done      chan struct{}
}

func (e *taskEntry) finished() bool {
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}

// NewTaskRunner creates a TaskRunner for the node described by info.
func NewTaskRunner(
	cli clustermeta.PartitionClient,
	repo batch.JobRepository,
	registry batch.StepRegistry,
	info *membership.NodeInfo,
	cfg Config,
	clk clock.Clock,
) *TaskRunner {
	if clk == nil {
		clk = clock.New()
	}
	if cfg.ConcurrencyLimit <= 0 {
		cfg.ConcurrencyLimit = 1
	}
	queueCtx, queueCancel := context.WithCancel(context.Background())
	return &TaskRunner{
		cli:         cli,
		repo:        repo,
		registry:    registry,
		info:        info,
		cfg:         cfg,
		clock:       clk,
		logger:      logutil.NewLogger4Node("task-runner", info.NodeID),
		sem:         semaphore.NewWeighted(int64(cfg.ConcurrencyLimit)),
		queueCtx:    queueCtx,
		queueCancel: queueCancel,
	}
}

// Run runs the polling, liveness refresh and cleanup loops until ctx is
// done, then waits for executing partitions to finish.
func (r *TaskRunner) Run(ctx context.Context) error {
	defer r.Close()

	r.logger.Info("task runner started",
		zap.Int("concurrency-limit", r.cfg.ConcurrencyLimit),
		zap.Duration("polling-interval", r.cfg.PollingInterval))
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		clock.RunEvery(ctx, r.clock, r.cfg.PollingInterval, r.Poll)
		return nil
	})
	g.Go(func() error {
		clock.RunEvery(ctx, r.clock, r.cfg.InFlightRefreshInterval, r.RefreshInFlight)
		return nil
	})
	g.Go(func() error {
		clock.RunEvery(ctx, r.clock, r.cfg.CleanupInterval, func(context.Context) {
			r.CleanupFinished()
		})
		return nil
	})
	return g.Wait()
}

// Close stops accepting partitions. Queued partitions that have not started
// are dropped and stay CLAIMED, executing ones are waited for.
func (r *TaskRunner) Close() {
	r.cancelMu.Lock()
	if r.canceled {
		r.cancelMu.Unlock()
		return
	}
	r.canceled = true
	r.queueCancel()
	r.cancelMu.Unlock()

	r.wg.Wait()
	r.CleanupFinished()
	r.logger.Info("task runner closed")
}

// InFlightCount returns the number of claimed partitions that are queued or
// executing.
func (r *TaskRunner) InFlightCount() int64 {
	return r.taskCount.Load()
}

// Poll claims the partitions assigned to this node and submits them. It does
// nothing unless this node is ACTIVE.
func (r *TaskRunner) Poll(ctx context.Context) {
	if !r.info.IsActive() {
		if r.cfg.TracingEnabled {
			r.logger.Info("node is not active, skip polling", zap.String("status", string(r.info.Status())))
		}
		return
	}
	assigned, err := r.cli.FetchAssignedPartitions(ctx, r.info.NodeID)
	if err != nil {
		r.logger.Warn("failed to fetch assigned partitions", zap.Error(err))
		return
	}
	candidates := assigned[:0]
	for _, p := range assigned {
		if _, running := r.tasks.Load(p.StepExecutionID); running {
			// an older copy reassigned back to this node is still running
			continue
		}
		candidates = append(candidates, p)
	}
	if len(candidates) == 0 {
		if r.cfg.TracingEnabled {
			r.logger.Info("no partitions assigned")
		}
		return
	}

	claimed, err := r.cli.ClaimPartitions(ctx, r.info.NodeID, candidates)
	if err != nil {
		r.logger.Warn("failed to claim partitions", zap.Error(err))
		return
	}
	claimedPartitionsCounter.Add(float64(len(claimed)))
	r.logger.Info("partitions claimed",
		zap.Int("assigned", len(candidates)),
		zap.Int("claimed", len(claimed)))
	for _, p := range claimed {
		if err := r.submit(p); err != nil {
			r.logger.Warn("failed to submit partition",
				zap.Int64("step-execution-id", p.StepExecutionID),
				zap.Error(err))
		}
	}
}

func (r *TaskRunner) submit(p *model.AssignedPartition) error {
	r.cancelMu.RLock()
	defer r.cancelMu.RUnlock()
	if r.canceled {
		return errors.ErrRunnerClosed.GenWithStackByArgs()
	}

	taskCtx, cancel := context.WithCancel(context.Background())
	entry := &taskEntry{
		partition: p,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	if _, exists := r.tasks.LoadOrStore(p.StepExecutionID, entry); exists {
		cancel()
		return errors.ErrDuplicateTask.GenWithStackByArgs(p.PartitionKey)
	}
	r.submittedMu.Lock()
	r.submitted = append(r.submitted, entry)
	r.submittedMu.Unlock()

	r.wg.Add(1)
	inFlightGauge.Set(float64(r.taskCount.Inc()))
	go func() {
		defer r.wg.Done()
		defer func() {
			cancel()
			r.tasks.Delete(p.StepExecutionID)
			inFlightGauge.Set(float64(r.taskCount.Dec()))
			close(entry.done)
		}()

		if err := r.sem.Acquire(r.queueCtx, 1); err != nil {
			r.logger.Info("runner closed before partition started",
				zap.Int64("step-execution-id", p.StepExecutionID))
			return
		}
		defer r.sem.Release(1)
		r.execute(taskCtx, p)
	}()
	return nil
}

func (r *TaskRunner) execute(ctx context.Context, p *model.AssignedPartition) {
	ref := clustermeta.RefOf(&p.PartitionDO)
	logger := r.logger.With(
		zap.Int64("job-execution-id", p.JobExecutionID),
		zap.Int64("step-execution-id", p.StepExecutionID),
		zap.String("partition-key", p.PartitionKey),
		zap.Int64("epoch", p.AssignmentEpoch))

	execution, err := r.repo.GetStepExecution(ctx, p.JobExecutionID, p.StepExecutionID)
	if err != nil {
		logger.Error("failed to load step execution", zap.Error(err))
		r.reportStatus(ctx, logger, ref, model.PartitionStatusFailed)
		return
	}
	// all partitions of a master step share one step implementation
	step, err := r.registry.GetStep(p.MasterStepName)
	if err != nil {
		logger.Error("no step registered for master step", zap.String("master-step", p.MasterStepName), zap.Error(err))
		r.finish(ctx, logger, ref, execution, err)
		return
	}

	start := r.clock.Now()
	execution.StartTime = &start
	execution.EndTime = nil
	execution.Status = batch.StatusStarted
	execution.ExitMessage = ""
	if err := r.repo.UpdateStepExecution(ctx, execution); err != nil {
		logger.Error("failed to mark step execution started", zap.Error(err))
		r.reportStatus(ctx, logger, ref, model.PartitionStatusFailed)
		return
	}

	if !r.info.IsActive() {
		logger.Error("node is not active, abort partition execution",
			zap.String("status", string(r.info.Status())))
		r.release(logger, ref)
		return
	}

	load := r.info.Load()
	load.Inc()
	defer load.Dec()

	logger.Info("partition execution started")
	runErr := runStep(ctx, step, execution)
	if runErr != nil && ctx.Err() != nil {
		// canceled on heartbeat failure
		end := r.clock.Now()
		execution.EndTime = &end
		execution.Status = batch.StatusFailed
		execution.ExitMessage = runErr.Error()
		if err := r.repo.UpdateStepExecution(context.Background(), execution); err != nil {
			logger.Error("failed to persist step execution", zap.Error(err))
		}
		logger.Warn("partition execution canceled", zap.Error(runErr))
		r.release(logger, ref)
		return
	}
	r.finish(ctx, logger, ref, execution, runErr)
}

func runStep(ctx context.Context, step batch.Step, execution *batch.StepExecution) (err error) {
	defer func() {
		if v := recover(); v != nil {
			err = errors.Errorf("panic: %v", v)
		}
	}()
	return step.Execute(ctx, execution)
}

// finish persists the terminal execution record before the partition status,
// so a master that sees no pending partitions reads terminal records.
func (r *TaskRunner) finish(
	ctx context.Context, logger *zap.Logger, ref clustermeta.PartitionRef,
	execution *batch.StepExecution, runErr error,
) {
	status := model.PartitionStatusCompleted
	execution.Status = batch.StatusCompleted
	if runErr != nil {
		status = model.PartitionStatusFailed
		execution.Status = batch.StatusFailed
		execution.ExitMessage = runErr.Error()
	}
	end := r.clock.Now()
	execution.EndTime = &end
	if err := r.repo.UpdateStepExecution(ctx, execution); err != nil {
		logger.Error("failed to persist step execution", zap.Error(err))
	}
	executedPartitionsCounter.WithLabelValues(string(status)).Inc()
	logger.Info("partition execution finished",
		zap.String("status", string(status)),
		zap.Error(runErr))
	r.reportStatus(ctx, logger, ref, status)
}

func (r *TaskRunner) reportStatus(
	ctx context.Context, logger *zap.Logger, ref clustermeta.PartitionRef, status model.PartitionStatus,
) {
	err := r.cli.UpdatePartitionStatus(ctx, ref, status)
	if err == nil {
		return
	}
	if errors.Is(err, errors.ErrPartitionFenced) {
		fencedWritesCounter.Inc()
		logger.Warn("partition was reassigned, status is discarded",
			zap.String("status", string(status)), zap.Error(err))
		return
	}
	logger.Error("failed to update partition status",
		zap.String("status", string(status)), zap.Error(err))
}

// release hands an aborted partition back as PENDING on this node. If the
// node recovers it polls the partition again, if the node is swept the orphan
// recovery moves it, PENDING and CLAIMED rows being treated alike there.
func (r *TaskRunner) release(logger *zap.Logger, ref clustermeta.PartitionRef) {
	err := r.cli.ReleasePartition(context.Background(), ref)
	if err == nil {
		releasedPartitionsCounter.Inc()
		logger.Info("partition released")
		return
	}
	if errors.Is(err, errors.ErrPartitionFenced) {
		fencedWritesCounter.Inc()
		logger.Warn("partition was reassigned, release is discarded", zap.Error(err))
		return
	}
	logger.Error("failed to release partition", zap.Error(err))
}

// RefreshInFlight refreshes the liveness of every in-flight partition.
func (r *TaskRunner) RefreshInFlight(ctx context.Context) {
	var ids []int64
	r.tasks.Range(func(key, _ interface{}) bool {
		ids = append(ids, key.(int64))
		return true
	})
	if len(ids) == 0 {
		return
	}
	rows, err := r.cli.TouchPartitions(ctx, r.info.NodeID, ids)
	if err != nil {
		r.logger.Warn("failed to refresh in-flight partitions", zap.Error(err))
		return
	}
	if r.cfg.TracingEnabled {
		r.logger.Info("in-flight partitions refreshed",
			zap.Int("in-flight", len(ids)), zap.Int64("rows", rows))
	}
}

// CleanupFinished drops finished tasks from the submitted list.
func (r *TaskRunner) CleanupFinished() int {
	r.submittedMu.Lock()
	defer r.submittedMu.Unlock()
	kept := r.submitted[:0]
	for _, e := range r.submitted {
		if !e.finished() {
			kept = append(kept, e)
		}
	}
	removed := len(r.submitted) - len(kept)
	for i := len(kept); i < len(r.submitted); i++ {
		r.submitted[i] = nil
	}
	r.submitted = kept
	return removed
}

// OnHeartbeatFail implements membership.HeartbeatFailListener. Unless
// CancelOnHeartbeatFail is set it only logs.
func (r *TaskRunner) OnHeartbeatFail() {
	if !r.cfg.CancelOnHeartbeatFail {
		r.logger.Warn("node heartbeat failed, in-flight partitions keep running",
			zap.Int64("in-flight", r.taskCount.Load()))
		return
	}
	r.tasks.Range(func(_, value interface{}) bool {
		entry := value.(*taskEntry)
		if entry.partition.IsTransferable && !entry.finished() {
			r.logger.Warn("node heartbeat failed, cancel transferable partition",
				zap.Int64("step-execution-id", entry.partition.StepExecutionID))
			entry.cancel()
		}
		return true
	})
}
