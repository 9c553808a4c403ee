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

	"github.com/pingcap/batchcluster/pkg/batch"
	"github.com/pingcap/batchcluster/pkg/errors"
	"github.com/pingcap/batchcluster/pkg/partition"
)

// PartitionStep is a batch.Step that splits its work over the cluster and
// aggregates the results of the partitions.
type PartitionStep struct {
	Partitioner partition.Partitioner
	Nodes       partition.NodeLister
	Handler     *Handler
	// Aggregator is optional.
	Aggregator partition.AggregatorCallback
}

var _ batch.Step = (*PartitionStep)(nil)

// Execute implements batch.Step. It fails if the split or the wait fails, or
// if any partition failed.
func (s *PartitionStep) Execute(ctx context.Context, master *batch.StepExecution) error {
	units, err := partition.Split(ctx, s.Nodes, s.Partitioner)
	if err != nil {
		return err
	}
	executions, err := s.Handler.Handle(ctx, master, units)
	if err != nil {
		return err
	}
	if failed := partition.Aggregate(s.Aggregator, executions); failed > 0 {
		return errors.ErrPartitionStepFailed.GenWithStackByArgs(master.StepName, failed)
	}
	return nil
}
