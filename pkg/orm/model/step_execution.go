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

// StepExecutionDO persists a step execution record for the gorm backed job
// repository.
type StepExecutionDO struct {
	ID               int64                  `gorm:"column:id;primaryKey;autoIncrement"`
	JobExecutionID   int64                  `gorm:"column:job_execution_id;not null;index"`
	StepName         string                 `gorm:"column:step_name;type:varchar(255);not null"`
	Status           string                 `gorm:"column:status;type:varchar(16);not null"`
	StartTime        *time.Time             `gorm:"column:start_time"`
	EndTime          *time.Time             `gorm:"column:end_time"`
	ExitMessage      string                 `gorm:"column:exit_message;type:varchar(2500)"`
	ExecutionContext map[string]interface{} `gorm:"column:execution_context;type:text;serializer:json"`
	LastUpdated      time.Time              `gorm:"column:last_updated;not null"`
}

// TableName implements the gorm Tabler interface.
func (StepExecutionDO) TableName() string {
	return StepExecutionTableName
}
