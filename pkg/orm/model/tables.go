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
	"github.com/pingcap/batchcluster/pkg/errors"
	"gorm.io/gorm"
)

// Table names
const (
	NodeTableName            = "batch_nodes"
	JobCoordinationTableName = "batch_job_coordination"
	PartitionTableName       = "batch_partitions"
	StepExecutionTableName   = "batch_step_executions"
)

// ClusterModels are the tables needed by cluster coordination.
var ClusterModels = []interface{}{
	&NodeDO{},
	&JobCoordinationDO{},
	&PartitionDO{},
}

// AutoMigrate creates or updates the cluster tables, and the step execution
// table when withJobRepository is true.
func AutoMigrate(db *gorm.DB, withJobRepository bool) error {
	if db == nil {
		return errors.ErrMetaParamsInvalid.GenWithStackByArgs("input db is nil")
	}
	models := append([]interface{}{}, ClusterModels...)
	if withJobRepository {
		models = append(models, &StepExecutionDO{})
	}
	if err := db.AutoMigrate(models...); err != nil {
		return errors.ErrMetaOpFail.Wrap(err)
	}
	return nil
}
