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
	"fmt"
	"testing"
	"time"

	"github.com/pingcap/batchcluster/pkg/batch"
	"github.com/pingcap/batchcluster/pkg/clock"
	"github.com/pingcap/batchcluster/pkg/clustermeta"
	"github.com/pingcap/batchcluster/pkg/errors"
	"github.com/pingcap/batchcluster/pkg/membership"
	"github.com/pingcap/batchcluster/pkg/orm"
	"github.com/pingcap/batchcluster/pkg/orm/model"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

const (
	testNodeID      = "node-a"
	testMasterStep  = "doubleStep"
	testJobExecID   = int64(1)
	testMasterExecI = int64(100)
)

type testEnv struct {
	cli       clustermeta.Client
	repo      *batch.MemoryJobRepository
	registry  *batch.MapStepRegistry
	info      *membership.NodeInfo
	mockClock *clock.Mock
}

func newTestEnv(t *testing.T, register bool) *testEnv {
	db, err := orm.NewMockDB()
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = orm.CloseDB(db)
	})
	mockClock := clock.NewMockAt(time.Now())
	cli, err := clustermeta.NewClient(db, clustermeta.WithClock(mockClock))
	require.NoError(t, err)

	info := membership.NewNodeInfo(testNodeID, "host-a", nil)
	if register {
		m := membership.NewManager(cli, info, membership.Config{}, mockClock)
		require.NoError(t, m.Register(context.Background()))
	} else {
		// the master node row must exist for partitions to be visible
		_, err = cli.RegisterNode(context.Background(), testNodeID, "host-a")
		require.NoError(t, err)
	}
	return &testEnv{
		cli:       cli,
		repo:      batch.NewMemoryJobRepository(),
		registry:  batch.NewMapStepRegistry(),
		info:      info,
		mockClock: mockClock,
	}
}

// seed creates n partitions of one STARTED master step, all assigned to
// testNodeID, and returns their executions.
func (e *testEnv) seed(t *testing.T, n int) []*batch.StepExecution {
	ctx := context.Background()
	executions := make([]*batch.StepExecution, 0, n)
	for i := 0; i < n; i++ {
		exec := &batch.StepExecution{
			JobExecutionID: testJobExecID,
			StepName:       fmt.Sprintf("%s:partition%d", testMasterStep, i),
			Status:         batch.StatusStarting,
		}
		exec.Put("value", int64(i+1))
		executions = append(executions, exec)
	}
	require.NoError(t, e.repo.AddStepExecutions(ctx, executions))

	require.NoError(t, e.cli.SaveJobCoordination(ctx, &model.JobCoordinationDO{
		JobExecutionID:        testJobExecID,
		MasterStepExecutionID: testMasterExecI,
		MasterNodeID:          testNodeID,
		MasterStepName:        testMasterStep,
		Status:                model.CoordinationStatusCreated,
	}))
	partitions := make([]*model.PartitionDO, 0, n)
	for _, exec := range executions {
		partitions = append(partitions, &model.PartitionDO{
			StepExecutionID:       exec.ID,
			JobExecutionID:        testJobExecID,
			PartitionKey:          exec.StepName,
			AssignedNode:          testNodeID,
			Status:                model.PartitionStatusPending,
			MasterStepExecutionID: testMasterExecI,
			IsTransferable:        true,
		})
	}
	require.NoError(t, e.cli.SavePartitions(ctx, partitions))
	require.NoError(t, e.cli.UpdateJobCoordinationStatus(ctx, testJobExecID, testMasterExecI,
		model.CoordinationStatusStarted))
	return executions
}

func (e *testEnv) newRunner(t *testing.T, cfg Config) *TaskRunner {
	r := NewTaskRunner(e.cli, e.repo, e.registry, e.info, cfg, e.mockClock)
	t.Cleanup(r.Close)
	return r
}

func (e *testEnv) partitionStatuses(t *testing.T) []model.PartitionStatus {
	partitions, err := e.cli.QueryPartitions(context.Background(), testMasterExecI)
	require.NoError(t, err)
	statuses := make([]model.PartitionStatus, 0, len(partitions))
	for _, p := range partitions {
		statuses = append(statuses, p.Status)
	}
	return statuses
}

func (e *testEnv) allPartitions(t *testing.T, status model.PartitionStatus) func() bool {
	return func() bool {
		for _, s := range e.partitionStatuses(t) {
			if s != status {
				return false
			}
		}
		return true
	}
}

var doubleStep = batch.StepFunc(func(ctx context.Context, e *batch.StepExecution) error {
	v, ok := e.GetInt64("value")
	if !ok {
		return errors.New("value not found")
	}
	if v == 13 {
		return errors.New("unlucky value")
	}
	e.Put("result", v*2)
	return nil
})

func TestPollExecutesAssignedPartitions(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, true)
	env.registry.Register(testMasterStep, doubleStep)
	executions := env.seed(t, 4)
	r := env.newRunner(t, Config{ConcurrencyLimit: 2})

	r.Poll(context.Background())
	require.Eventually(t, env.allPartitions(t, model.PartitionStatusCompleted), 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return r.InFlightCount() == 0 }, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, int64(0), env.info.Load().Load())

	for i, exec := range executions {
		loaded, err := env.repo.GetStepExecution(context.Background(), testJobExecID, exec.ID)
		require.NoError(t, err)
		require.Equal(t, batch.StatusCompleted, loaded.Status)
		require.NotNil(t, loaded.StartTime)
		require.NotNil(t, loaded.EndTime)
		result, ok := loaded.GetInt64("result")
		require.True(t, ok)
		require.Equal(t, int64(2*(i+1)), result)
	}
	require.Equal(t, 4, r.CleanupFinished())
	require.Equal(t, 0, r.CleanupFinished())

	// nothing left to claim
	r.Poll(context.Background())
	require.Equal(t, int64(0), r.InFlightCount())
}

func TestFailedStepMarksPartitionFailed(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, true)
	env.registry.Register(testMasterStep, doubleStep)
	executions := env.seed(t, 13)
	r := env.newRunner(t, Config{ConcurrencyLimit: 4})

	r.Poll(context.Background())
	require.Eventually(t, func() bool {
		for _, s := range env.partitionStatuses(t) {
			if !s.IsTerminal() {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)

	statuses := env.partitionStatuses(t)
	for i, s := range statuses {
		if i == 12 {
			require.Equal(t, model.PartitionStatusFailed, s)
		} else {
			require.Equal(t, model.PartitionStatusCompleted, s)
		}
	}
	loaded, err := env.repo.GetStepExecution(context.Background(), testJobExecID, executions[12].ID)
	require.NoError(t, err)
	require.Equal(t, batch.StatusFailed, loaded.Status)
	require.Contains(t, loaded.ExitMessage, "unlucky value")
	require.NotNil(t, loaded.EndTime)
}

func TestUnknownStepMarksPartitionFailed(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, true)
	executions := env.seed(t, 1)
	r := env.newRunner(t, Config{ConcurrencyLimit: 1})

	r.Poll(context.Background())
	require.Eventually(t, env.allPartitions(t, model.PartitionStatusFailed), 5*time.Second, 10*time.Millisecond)
	loaded, err := env.repo.GetStepExecution(context.Background(), testJobExecID, executions[0].ID)
	require.NoError(t, err)
	require.Equal(t, batch.StatusFailed, loaded.Status)
	require.Contains(t, loaded.ExitMessage, testMasterStep)
}

func TestPanickingStepMarksPartitionFailed(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, true)
	env.registry.Register(testMasterStep, batch.StepFunc(func(context.Context, *batch.StepExecution) error {
		panic("boom")
	}))
	env.seed(t, 2)
	r := env.newRunner(t, Config{ConcurrencyLimit: 2})

	r.Poll(context.Background())
	require.Eventually(t, env.allPartitions(t, model.PartitionStatusFailed), 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return env.info.Load().Load() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestInactiveNodeSkipsPolling(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, false)
	env.registry.Register(testMasterStep, doubleStep)
	env.seed(t, 2)
	r := env.newRunner(t, Config{ConcurrencyLimit: 2})

	r.Poll(context.Background())
	require.Equal(t, int64(0), r.InFlightCount())
	require.Equal(t, []model.PartitionStatus{
		model.PartitionStatusPending, model.PartitionStatusPending,
	}, env.partitionStatuses(t))
}

// blockingStep blocks every execution until release is closed.
type blockingStep struct {
	running    atomic.Int64
	maxRunning atomic.Int64
	release    chan struct{}
}

func newBlockingStep() *blockingStep {
	return &blockingStep{release: make(chan struct{})}
}

func (s *blockingStep) Execute(ctx context.Context, _ *batch.StepExecution) error {
	n := s.running.Inc()
	defer s.running.Dec()
	for {
		cur := s.maxRunning.Load()
		if n <= cur || s.maxRunning.CompareAndSwap(cur, n) {
			break
		}
	}
	select {
	case <-s.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestConcurrencyLimit(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, true)
	step := newBlockingStep()
	env.registry.Register(testMasterStep, step)
	env.seed(t, 5)
	r := env.newRunner(t, Config{ConcurrencyLimit: 2})

	r.Poll(context.Background())
	require.Equal(t, int64(5), r.InFlightCount())
	require.Equal(t, []model.PartitionStatus{
		model.PartitionStatusClaimed, model.PartitionStatusClaimed, model.PartitionStatusClaimed,
		model.PartitionStatusClaimed, model.PartitionStatusClaimed,
	}, env.partitionStatuses(t))
	require.Eventually(t, func() bool { return step.running.Load() == 2 }, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, int64(2), env.info.Load().Load())
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, int64(2), step.maxRunning.Load())

	close(step.release)
	require.Eventually(t, env.allPartitions(t, model.PartitionStatusCompleted), 5*time.Second, 10*time.Millisecond)
	require.Equal(t, int64(2), step.maxRunning.Load())
}

func TestRefreshInFlight(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, true)
	step := newBlockingStep()
	env.registry.Register(testMasterStep, step)
	env.seed(t, 2)
	r := env.newRunner(t, Config{ConcurrencyLimit: 2})

	r.Poll(context.Background())
	require.Eventually(t, func() bool { return step.running.Load() == 2 }, 5*time.Second, 10*time.Millisecond)

	env.mockClock.Add(time.Minute)
	r.RefreshInFlight(context.Background())
	partitions, err := env.cli.QueryPartitions(context.Background(), testMasterExecI)
	require.NoError(t, err)
	expected := clock.UTCNow(env.mockClock)
	for _, p := range partitions {
		require.True(t, expected.Equal(p.LastUpdatedTime), "%s != %s", expected, p.LastUpdatedTime)
	}
	close(step.release)
	require.Eventually(t, env.allPartitions(t, model.PartitionStatusCompleted), 5*time.Second, 10*time.Millisecond)
}

func TestReassignedPartitionIsFenced(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, true)
	step := newBlockingStep()
	env.registry.Register(testMasterStep, step)
	env.seed(t, 1)
	r := env.newRunner(t, Config{ConcurrencyLimit: 1})

	r.Poll(context.Background())
	require.Eventually(t, func() bool { return step.running.Load() == 1 }, 5*time.Second, 10*time.Millisecond)

	partitions, err := env.cli.QueryPartitions(context.Background(), testMasterExecI)
	require.NoError(t, err)
	rows, err := env.cli.ReassignPartitions(context.Background(), []clustermeta.Reassignment{
		{From: clustermeta.RefOf(partitions[0]), ToNode: "node-b"},
	})
	require.NoError(t, err)
	require.Equal(t, int64(1), rows)

	close(step.release)
	require.Eventually(t, func() bool { return r.InFlightCount() == 0 }, 5*time.Second, 10*time.Millisecond)
	partitions, err = env.cli.QueryPartitions(context.Background(), testMasterExecI)
	require.NoError(t, err)
	require.Equal(t, model.PartitionStatusPending, partitions[0].Status)
	require.Equal(t, "node-b", partitions[0].AssignedNode)
	require.Equal(t, int64(2), partitions[0].AssignmentEpoch)
}

func TestHeartbeatFailHook(t *testing.T) {
	t.Parallel()

	for _, cancelOnFail := range []bool{false, true} {
		cancelOnFail := cancelOnFail
		t.Run(fmt.Sprintf("cancel=%v", cancelOnFail), func(t *testing.T) {
			env := newTestEnv(t, true)
			step := newBlockingStep()
			env.registry.Register(testMasterStep, step)
			executions := env.seed(t, 1)
			r := env.newRunner(t, Config{ConcurrencyLimit: 1, CancelOnHeartbeatFail: cancelOnFail})

			r.Poll(context.Background())
			require.Eventually(t, func() bool { return step.running.Load() == 1 }, 5*time.Second, 10*time.Millisecond)
			r.OnHeartbeatFail()

			if !cancelOnFail {
				time.Sleep(50 * time.Millisecond)
				require.Equal(t, int64(1), step.running.Load())
				close(step.release)
				require.Eventually(t, env.allPartitions(t, model.PartitionStatusCompleted), 5*time.Second, 10*time.Millisecond)
				return
			}

			require.Eventually(t, func() bool { return r.InFlightCount() == 0 }, 5*time.Second, 10*time.Millisecond)
			require.Equal(t, []model.PartitionStatus{model.PartitionStatusPending}, env.partitionStatuses(t))
			loaded, err := env.repo.GetStepExecution(context.Background(), testJobExecID, executions[0].ID)
			require.NoError(t, err)
			require.Equal(t, batch.StatusFailed, loaded.Status)
			require.Contains(t, loaded.ExitMessage, "context canceled")
		})
	}
}

func TestCanceledPartitionRunsAgainAfterRecovery(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, true)
	step := newBlockingStep()
	env.registry.Register(testMasterStep, step)
	executions := env.seed(t, 1)
	r := env.newRunner(t, Config{ConcurrencyLimit: 1, CancelOnHeartbeatFail: true})

	r.Poll(context.Background())
	require.Eventually(t, func() bool { return step.running.Load() == 1 }, 5*time.Second, 10*time.Millisecond)
	r.OnHeartbeatFail()
	require.Eventually(t, func() bool { return r.InFlightCount() == 0 }, 5*time.Second, 10*time.Millisecond)

	// the node row was never removed, so nothing treats the partition as an
	// orphan and this node has to pick it up again
	orphans, err := env.cli.FindOrphanedPartitions(context.Background(), testMasterExecI)
	require.NoError(t, err)
	require.Empty(t, orphans)
	pending, err := env.cli.PendingCount(context.Background(), testMasterExecI)
	require.NoError(t, err)
	require.Equal(t, int64(1), pending)

	close(step.release)
	r.Poll(context.Background())
	require.Eventually(t, env.allPartitions(t, model.PartitionStatusCompleted), 5*time.Second, 10*time.Millisecond)
	loaded, err := env.repo.GetStepExecution(context.Background(), testJobExecID, executions[0].ID)
	require.NoError(t, err)
	require.Equal(t, batch.StatusCompleted, loaded.Status)
	require.Empty(t, loaded.ExitMessage)
}

func TestRunAndClose(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, true)
	env.registry.Register(testMasterStep, doubleStep)
	env.seed(t, 3)
	r := NewTaskRunner(env.cli, env.repo, env.registry, env.info, Config{
		PollingInterval:         10 * time.Millisecond,
		CleanupInterval:         10 * time.Millisecond,
		InFlightRefreshInterval: 10 * time.Millisecond,
		ConcurrencyLimit:        2,
	}, clock.New())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- r.Run(ctx)
	}()
	require.Eventually(t, env.allPartitions(t, model.PartitionStatusCompleted), 5*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	// a closed runner accepts nothing
	err := r.submit(&model.AssignedPartition{})
	require.True(t, errors.Is(err, errors.ErrRunnerClosed))
}
