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

package model

import (
	"time"
)

// CoordinationStatus is the status of a partitioned step invocation.
type CoordinationStatus string

// Coordination statuses
const (
	CoordinationStatusCreated   CoordinationStatus = "CREATED"
	CoordinationStatusStarted   CoordinationStatus = "STARTED"
	CoordinationStatusCompleted CoordinationStatus = "COMPLETED"
)

// JobCoordinationDO is written only by the master of a partitioned step.
type JobCoordinationDO struct {
	JobExecutionID        int64              `gorm:"column:job_execution_id;primaryKey;autoIncrement:false"`
	MasterStepExecutionID int64              `gorm:"column:master_step_execution_id;primaryKey;autoIncrement:false"`
	MasterNodeID          string             `gorm:"column:master_node_id;type:varchar(128);not null"`
	MasterStepName        string             `gorm:"column:master_step_name;type:varchar(255);not null"`
	Status                CoordinationStatus `gorm:"column:status;type:varchar(16);not null"`
	CreatedTime           time.Time          `gorm:"column:created_time;not null"`
	LastUpdated           time.Time          `gorm:"column:last_updated;not null"`
}

// TableName implements the gorm Tabler interface.
func (JobCoordinationDO) TableName() string {
	return JobCoordinationTableName
}

// PartitionStatus is the status of one partition row.
type PartitionStatus string

// Partition statuses
const (
	PartitionStatusPending   PartitionStatus = "PENDING"
	PartitionStatusClaimed   PartitionStatus = "CLAIMED"
	PartitionStatusCompleted PartitionStatus = "COMPLETED"
	PartitionStatusFailed    PartitionStatus = "FAILED"
)

// IsTerminal returns whether no one will update the partition any more.
func (s PartitionStatus) IsTerminal() bool {
	return s == PartitionStatusCompleted || s == PartitionStatusFailed
}

// InitialAssignmentEpoch is the epoch of a partition that has never been
// reassigned.
const InitialAssignmentEpoch int64 = 1

// PartitionDO is one unit of distributed work. AssignedNode and
// AssignmentEpoch together fence writes of a worker: a reassignment bumps the
// epoch so a worker holding an older epoch can no longer change the row.
type PartitionDO struct {
	StepExecutionID       int64           `gorm:"column:step_execution_id;primaryKey;autoIncrement:false"`
	JobExecutionID        int64           `gorm:"column:job_execution_id;not null"`
	PartitionKey          string          `gorm:"column:partition_key;type:varchar(255);not null"`
	AssignedNode          string          `gorm:"column:assigned_node;type:varchar(128);not null;index:idx_partition_node_status,priority:1"`
	Status                PartitionStatus `gorm:"column:status;type:varchar(16);not null;index:idx_partition_node_status,priority:2;index:idx_partition_master_status,priority:2"`
	MasterStepExecutionID int64           `gorm:"column:master_step_execution_id;not null;index:idx_partition_master_status,priority:1"`
	IsTransferable        bool            `gorm:"column:is_transferable;not null"`
	AssignmentEpoch       int64           `gorm:"column:assignment_epoch;not null;default:1"`
	LastUpdatedTime       time.Time       `gorm:"column:last_updated_time;not null"`
}

// TableName implements the gorm Tabler interface.
func (PartitionDO) TableName() string {
	return PartitionTableName
}

// AssignedPartition is a pending partition of this node together with the
// master step name needed to resolve the step implementation.
type AssignedPartition struct {
	PartitionDO
	MasterStepName string `gorm:"column:master_step_name"`
}
