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
	"sync"
	"testing"
	"time"

	"github.com/pingcap/batchcluster/pkg/batch"
	"github.com/pingcap/batchcluster/pkg/config"
	"github.com/pingcap/batchcluster/pkg/errors"
	"github.com/pingcap/batchcluster/pkg/orm"
	"github.com/pingcap/batchcluster/pkg/orm/model"
	"github.com/pingcap/batchcluster/pkg/partition"
	"github.com/pingcap/batchcluster/pkg/strategy"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"gorm.io/gorm"
)

const sumStepName = "sumStep"

// rangeSum splits 1..total into chunks contiguous ranges.
type rangeSum struct {
	total  int64
	chunks int
}

func (p rangeSum) SplitWork(int) ([]partition.WorkDescriptor, error) {
	size := p.total / int64(p.chunks)
	works := make([]partition.WorkDescriptor, 0, p.chunks)
	for i := 0; i < p.chunks; i++ {
		from := int64(i)*size + 1
		to := from + size - 1
		if i == p.chunks-1 {
			to = p.total
		}
		works = append(works, partition.WorkDescriptor{"from": from, "to": to})
	}
	return works, nil
}

func (rangeSum) Transferable() bool        { return true }
func (rangeSum) Strategy() strategy.Config { return strategy.Config{} }

var sumStep = batch.StepFunc(func(_ context.Context, e *batch.StepExecution) error {
	from, ok := e.GetInt64("from")
	if !ok {
		return errors.New("missing from")
	}
	to, ok := e.GetInt64("to")
	if !ok {
		return errors.New("missing to")
	}
	var sum int64
	for i := from; i <= to; i++ {
		sum += i
	}
	e.Put("sum", sum)
	return nil
})

func sumAggregator(total *atomic.Int64) partition.AggregatorCallback {
	return partition.AggregatorFuncs{
		Success: func(executions []*batch.StepExecution) {
			for _, e := range executions {
				sum, _ := e.GetInt64("sum")
				total.Add(sum)
			}
		},
	}
}

func newTestConfig(t *testing.T, nodeID string) *config.Config {
	cfg := config.GetDefaultConfig()
	cfg.NodeID = nodeID
	cfg.HeartbeatIntervalStr = "50ms"
	cfg.ActiveNodesRefreshIntervalStr = "50ms"
	cfg.TaskPollingIntervalStr = "20ms"
	cfg.InFlightRefreshIntervalStr = "100ms"
	cfg.CompletedTasksCleanupIntervalStr = "100ms"
	cfg.MasterTaskStatusCheckIntervalStr = "20ms"
	cfg.OrphanedTasksPollingIntervalStr = "50ms"
	cfg.UnreachableNodeCheckIntervalStr = "200ms"
	cfg.NodeCleanupIntervalStr = "200ms"
	cfg.UnreachableNodeThresholdStr = "10s"
	cfg.NodeCleanupThresholdStr = "30s"
	require.NoError(t, cfg.Adjust())
	return cfg
}

func newTestDB(t *testing.T) *gorm.DB {
	db, err := orm.NewMockDB()
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = orm.CloseDB(db)
	})
	return db
}

// startRuntime runs rt until the test ends.
func startRuntime(t *testing.T, rt *Runtime) {
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = rt.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})
}

func waitActiveNodes(t *testing.T, rt *Runtime, n int) {
	require.Eventually(t, func() bool {
		nodes, err := rt.Client().ActiveNodes(context.Background())
		return err == nil && len(nodes) == n
	}, 5*time.Second, 20*time.Millisecond)
	rt.RefreshActiveNodes(context.Background())
}

func TestRangeSumOverTwoNodes(t *testing.T) {
	db := newTestDB(t)
	rtA, err := NewRuntime(newTestConfig(t, "A"), db)
	require.NoError(t, err)
	rtB, err := NewRuntime(newTestConfig(t, "B"), db)
	require.NoError(t, err)
	startRuntime(t, rtA)
	startRuntime(t, rtB)
	waitActiveNodes(t, rtA, 2)

	var total atomic.Int64
	step := rtA.NewPartitionStep(sumStepName, rangeSum{total: 1000, chunks: 4}, sumStep, sumAggregator(&total))
	rtB.RegisterStep(sumStepName, sumStep)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	masterExec, err := rtA.RunStep(ctx, 1, sumStepName, step)
	require.NoError(t, err)
	require.Equal(t, batch.StatusCompleted, masterExec.Status)
	require.NotNil(t, masterExec.EndTime)
	require.Equal(t, int64(500500), total.Load())

	partitions, err := rtA.Client().QueryPartitions(ctx, masterExec.ID)
	require.NoError(t, err)
	require.Len(t, partitions, 4)
	for i, p := range partitions {
		require.Equal(t, model.PartitionStatusCompleted, p.Status)
		require.Equal(t, []string{"A", "B"}[i%2], p.AssignedNode)
	}
	coord, err := rtA.Client().GetJobCoordination(ctx, 1, masterExec.ID)
	require.NoError(t, err)
	require.Equal(t, model.CoordinationStatusCompleted, coord.Status)

	loaded, err := rtA.JobRepository().GetStepExecution(ctx, 1, masterExec.ID)
	require.NoError(t, err)
	require.Equal(t, batch.StatusCompleted, loaded.Status)
}

func TestOrphanedPartitionsMoveToLiveNode(t *testing.T) {
	db := newTestDB(t)
	rtA, err := NewRuntime(newTestConfig(t, "A"), db)
	require.NoError(t, err)
	cfgB := newTestConfig(t, "B")
	cfgB.HeartbeatIntervalStr = "1h"
	cfgB.UnreachableNodeThresholdStr = "2h"
	cfgB.NodeCleanupThresholdStr = "3h"
	require.NoError(t, cfgB.Adjust())
	rtB, err := NewRuntime(cfgB, db)
	require.NoError(t, err)

	// B hangs in its step until released, as if its process had frozen.
	release := make(chan struct{})
	var startedOnB atomic.Int64
	rtB.RegisterStep(sumStepName, batch.StepFunc(func(ctx context.Context, e *batch.StepExecution) error {
		startedOnB.Inc()
		<-release
		return sumStep.Execute(ctx, e)
	}))
	startRuntime(t, rtA)
	startRuntime(t, rtB)
	// registered after startRuntime so it runs first on cleanup
	t.Cleanup(func() { close(release) })
	waitActiveNodes(t, rtA, 2)

	var total atomic.Int64
	step := rtA.NewPartitionStep(sumStepName, rangeSum{total: 1000, chunks: 4}, sumStep, sumAggregator(&total))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	type result struct {
		exec *batch.StepExecution
		err  error
	}
	done := make(chan result, 1)
	go func() {
		exec, err := rtA.RunStep(ctx, 7, sumStepName, step)
		done <- result{exec, err}
	}()

	require.Eventually(t, func() bool {
		return startedOnB.Load() == 2
	}, 5*time.Second, 10*time.Millisecond)
	rows, err := rtA.Client().DeleteNode(ctx, "B")
	require.NoError(t, err)
	require.Equal(t, int64(1), rows)

	var res result
	select {
	case res = <-done:
	case <-ctx.Done():
		require.FailNow(t, "partitioned step did not finish")
	}
	require.NoError(t, res.err)
	require.Equal(t, int64(500500), total.Load())

	partitions, err := rtA.Client().QueryPartitions(ctx, res.exec.ID)
	require.NoError(t, err)
	require.Len(t, partitions, 4)
	for i, p := range partitions {
		require.Equal(t, model.PartitionStatusCompleted, p.Status)
		require.Equal(t, "A", p.AssignedNode)
		require.Equal(t, model.InitialAssignmentEpoch+int64(i%2), p.AssignmentEpoch)
	}
}

func TestRunStepRecordsFailure(t *testing.T) {
	db := newTestDB(t)
	rt, err := NewRuntime(newTestConfig(t, "A"), db, WithJobRepository(batch.NewMemoryJobRepository()))
	require.NoError(t, err)

	ctx := context.Background()
	exec, err := rt.RunStep(ctx, 3, "broken", batch.StepFunc(func(context.Context, *batch.StepExecution) error {
		return errors.New("boom")
	}))
	require.Error(t, err)
	require.Equal(t, batch.StatusFailed, exec.Status)

	loaded, err := rt.JobRepository().GetStepExecution(ctx, 3, exec.ID)
	require.NoError(t, err)
	require.Equal(t, batch.StatusFailed, loaded.Status)
	require.Contains(t, loaded.ExitMessage, "boom")
}

func TestPartitionStepWithoutNodes(t *testing.T) {
	db := newTestDB(t)
	rt, err := NewRuntime(newTestConfig(t, "A"), db)
	require.NoError(t, err)

	var total atomic.Int64
	step := rt.NewPartitionStep(sumStepName, rangeSum{total: 10, chunks: 2}, sumStep, sumAggregator(&total))
	// the node never registered, so nothing can take the work
	_, err = rt.RunStep(context.Background(), 4, sumStepName, step)
	require.True(t, errors.Is(err, errors.ErrNoActiveNodes))
	require.Equal(t, int64(0), total.Load())
}

func TestRunDeregistersOnExit(t *testing.T) {
	db := newTestDB(t)
	rt, err := NewRuntime(newTestConfig(t, "A"), db)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- rt.Run(ctx)
	}()
	waitActiveNodes(t, rt, 1)
	require.True(t, rt.Info().IsActive())

	cancel()
	require.NoError(t, <-done)
	nodes, err := rt.Client().QueryNodes(context.Background())
	require.NoError(t, err)
	require.Empty(t, nodes)
	require.False(t, rt.Info().IsActive())
}

func nodeHeartbeat(t *testing.T, rt *Runtime, nodeID string) (time.Time, bool) {
	nodes, err := rt.Client().QueryNodes(context.Background())
	require.NoError(t, err)
	for _, n := range nodes {
		if n.NodeID == nodeID {
			return n.LastUpdatedTime, true
		}
	}
	return time.Time{}, false
}

func TestHeartbeatContinuesWhileRunnerDrains(t *testing.T) {
	db := newTestDB(t)
	rt, err := NewRuntime(newTestConfig(t, "A"), db)
	require.NoError(t, err)

	release := make(chan struct{})
	var started atomic.Int64
	workerStep := batch.StepFunc(func(ctx context.Context, e *batch.StepExecution) error {
		started.Inc()
		<-release
		return sumStep.Execute(ctx, e)
	})
	var total atomic.Int64
	step := rt.NewPartitionStep(sumStepName, rangeSum{total: 100, chunks: 1}, workerStep, sumAggregator(&total))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- rt.Run(ctx)
	}()
	waitActiveNodes(t, rt, 1)

	stepDone := make(chan error, 1)
	go func() {
		_, err := rt.RunStep(context.Background(), 1, sumStepName, step)
		stepDone <- err
	}()
	require.Eventually(t, func() bool { return started.Load() == 1 }, 5*time.Second, 10*time.Millisecond)

	// shut down while the partition is still executing
	cancel()
	before, ok := nodeHeartbeat(t, rt, "A")
	require.True(t, ok)
	require.Eventually(t, func() bool {
		last, ok := nodeHeartbeat(t, rt, "A")
		return ok && last.After(before)
	}, 5*time.Second, 20*time.Millisecond)
	select {
	case err := <-done:
		require.FailNow(t, "runtime returned before the partition finished", "err: %v", err)
	default:
	}

	close(release)
	require.NoError(t, <-done)
	require.NoError(t, <-stepDone)
	require.Equal(t, int64(5050), total.Load())
	_, ok = nodeHeartbeat(t, rt, "A")
	require.False(t, ok)
}
