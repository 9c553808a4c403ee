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

package partition

import (
	"context"

	"github.com/pingcap/batchcluster/pkg/batch"
	"github.com/pingcap/batchcluster/pkg/errors"
	"github.com/pingcap/batchcluster/pkg/orm/model"
	"github.com/pingcap/batchcluster/pkg/strategy"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// WorkDescriptor describes the input of one partition. It becomes the
// execution context of the partition's step execution.
type WorkDescriptor map[string]interface{}

// Partitioner splits the work of a partitioned step.
type Partitioner interface {
	// SplitWork returns the chunks of work given the number of active nodes.
	SplitWork(availableNodeCount int) ([]WorkDescriptor, error)
	// Transferable reports whether partitions may move to another node when
	// their node dies.
	Transferable() bool
	// Strategy returns the assignment strategy, the zero value is round-robin.
	Strategy() strategy.Config
}

// NodeLister lists the active nodes of the cluster, ordered the way
// strategies expect.
type NodeLister interface {
	ActiveNodes(ctx context.Context) ([]model.ClusterNode, error)
}

// Unit is one chunk of work bound to a node.
type Unit struct {
	Index        int
	Work         WorkDescriptor
	NodeID       string
	Transferable bool
}

// Split asks the lister for active nodes, lets p split the work, and assigns
// every chunk to a node with the strategy of p. It fails with ErrNoActiveNodes
// when the cluster has no active node.
func Split(ctx context.Context, lister NodeLister, p Partitioner) ([]Unit, error) {
	nodes, err := lister.ActiveNodes(ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if len(nodes) == 0 {
		log.Error("no active nodes available for partitioning, check node registration and heartbeat")
		return nil, errors.ErrNoActiveNodes.GenWithStackByArgs()
	}

	chunks, err := p.SplitWork(len(nodes))
	if err != nil {
		return nil, errors.Trace(err)
	}

	cfg := p.Strategy().Normalize()
	s, err := strategy.New(cfg)
	if err != nil {
		return nil, err
	}
	log.Info("distributing step workload",
		zap.String("strategy", string(s.Mode())),
		zap.Int("chunks", len(chunks)),
		zap.Int("active-nodes", len(nodes)))

	assignments, err := strategy.Assign(s, chunks, model.NodeIDs(nodes))
	if err != nil {
		return nil, err
	}
	transferable := p.Transferable()
	units := make([]Unit, 0, len(assignments))
	for _, a := range assignments {
		units = append(units, Unit{
			Index:        a.Index,
			Work:         a.Chunk,
			NodeID:       a.NodeID,
			Transferable: transferable,
		})
	}
	return units, nil
}

// AggregatorCallback receives the partition executions of a finished
// partitioned step.
type AggregatorCallback interface {
	OnSuccess(executions []*batch.StepExecution)
	OnFailure(executions []*batch.StepExecution)
}

// AggregatorFuncs adapts two functions to an AggregatorCallback. Nil
// functions are skipped.
type AggregatorFuncs struct {
	Success func(executions []*batch.StepExecution)
	Failure func(executions []*batch.StepExecution)
}

// OnSuccess implements AggregatorCallback.
func (a AggregatorFuncs) OnSuccess(executions []*batch.StepExecution) {
	if a.Success != nil {
		a.Success(executions)
	}
}

// OnFailure implements AggregatorCallback.
func (a AggregatorFuncs) OnFailure(executions []*batch.StepExecution) {
	if a.Failure != nil {
		a.Failure(executions)
	}
}

// Aggregate calls cb with executions, OnFailure when any of them failed, and
// returns the number of failed executions. An execution that never reached a
// terminal status counts as failed.
func Aggregate(cb AggregatorCallback, executions []*batch.StepExecution) int {
	failed := 0
	for _, e := range executions {
		if e.Status != batch.StatusCompleted {
			failed++
		}
	}
	if cb == nil {
		return failed
	}
	if failed > 0 {
		cb.OnFailure(executions)
	} else {
		cb.OnSuccess(executions)
	}
	return failed
}
