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

package batch

import (
	"context"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/pingcap/batchcluster/pkg/clock"
	"github.com/pingcap/batchcluster/pkg/errors"
	"github.com/pingcap/batchcluster/pkg/orm/model"
	"go.uber.org/atomic"
	"gorm.io/gorm"
)

// JobRepository persists step execution records.
type JobRepository interface {
	// AddStepExecutions inserts executions and fills their ids.
	AddStepExecutions(ctx context.Context, executions []*StepExecution) error
	// GetStepExecution loads an execution, it returns ErrExecutionNotFound if
	// the record does not exist.
	GetStepExecution(ctx context.Context, jobExecutionID, stepExecutionID int64) (*StepExecution, error)
	UpdateStepExecution(ctx context.Context, execution *StepExecution) error
}

type memoryKey struct {
	jobExecutionID  int64
	stepExecutionID int64
}

// MemoryJobRepository keeps executions in process memory. It is only useful
// when every node shares the same process, e.g. in tests.
type MemoryJobRepository struct {
	mu         sync.RWMutex
	executions map[memoryKey]*StepExecution
	nextID     atomic.Int64
}

// NewMemoryJobRepository creates an empty MemoryJobRepository.
func NewMemoryJobRepository() *MemoryJobRepository {
	return &MemoryJobRepository{executions: make(map[memoryKey]*StepExecution)}
}

// AddStepExecutions implements JobRepository.
func (r *MemoryJobRepository) AddStepExecutions(_ context.Context, executions []*StepExecution) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range executions {
		if e.ID == 0 {
			e.ID = r.nextID.Inc()
		}
		r.executions[memoryKey{e.JobExecutionID, e.ID}] = e.Clone()
	}
	return nil
}

// GetStepExecution implements JobRepository.
func (r *MemoryJobRepository) GetStepExecution(_ context.Context, jobExecutionID, stepExecutionID int64) (*StepExecution, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.executions[memoryKey{jobExecutionID, stepExecutionID}]
	if !ok {
		return nil, errors.ErrExecutionNotFound.GenWithStackByArgs(jobExecutionID, stepExecutionID)
	}
	return e.Clone(), nil
}

// UpdateStepExecution implements JobRepository.
func (r *MemoryJobRepository) UpdateStepExecution(_ context.Context, execution *StepExecution) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := memoryKey{execution.JobExecutionID, execution.ID}
	if _, ok := r.executions[key]; !ok {
		return errors.ErrExecutionNotFound.GenWithStackByArgs(execution.JobExecutionID, execution.ID)
	}
	r.executions[key] = execution.Clone()
	return nil
}

// gormJobRepository stores executions in the batch_step_executions table.
type gormJobRepository struct {
	db    *gorm.DB
	clock clock.Clock
}

// NewGormJobRepository creates a JobRepository on db. The table must exist,
// see model.AutoMigrate.
func NewGormJobRepository(db *gorm.DB, clk clock.Clock) (JobRepository, error) {
	if db == nil {
		return nil, errors.ErrMetaParamsInvalid.GenWithStackByArgs("input db is nil")
	}
	if clk == nil {
		clk = clock.New()
	}
	return &gormJobRepository{db: db, clock: clk}, nil
}

func (r *gormJobRepository) AddStepExecutions(ctx context.Context, executions []*StepExecution) error {
	if len(executions) == 0 {
		return nil
	}
	now := clock.UTCNow(r.clock)
	dos := make([]*model.StepExecutionDO, 0, len(executions))
	for _, e := range executions {
		dos = append(dos, toStepExecutionDO(e, now))
	}
	if err := r.db.WithContext(ctx).CreateInBatches(dos, 100).Error; err != nil {
		return errors.ErrMetaOpFail.Wrap(err)
	}
	for i, do := range dos {
		executions[i].ID = do.ID
	}
	return nil
}

func (r *gormJobRepository) GetStepExecution(ctx context.Context, jobExecutionID, stepExecutionID int64) (*StepExecution, error) {
	var do model.StepExecutionDO
	if err := r.db.WithContext(ctx).
		Where("id = ? AND job_execution_id = ?", stepExecutionID, jobExecutionID).
		First(&do).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.ErrExecutionNotFound.GenWithStackByArgs(jobExecutionID, stepExecutionID)
		}
		return nil, errors.ErrMetaOpFail.Wrap(err)
	}
	return fromStepExecutionDO(&do), nil
}

func (r *gormJobRepository) UpdateStepExecution(ctx context.Context, execution *StepExecution) error {
	do := toStepExecutionDO(execution, clock.UTCNow(r.clock))
	result := r.db.WithContext(ctx).
		Model(&model.StepExecutionDO{}).
		Where("id = ? AND job_execution_id = ?", execution.ID, execution.JobExecutionID).
		Select("step_name", "status", "start_time", "end_time", "exit_message", "execution_context", "last_updated").
		Updates(do)
	if result.Error != nil {
		return errors.ErrMetaOpFail.Wrap(result.Error)
	}
	if result.RowsAffected == 0 {
		return errors.ErrExecutionNotFound.GenWithStackByArgs(execution.JobExecutionID, execution.ID)
	}
	return nil
}

const maxExitMessageLen = 2500

// truncateExitMessage cuts msg to at most maxExitMessageLen bytes without
// splitting a multi-byte character.
func truncateExitMessage(msg string) string {
	if len(msg) <= maxExitMessageLen {
		return msg
	}
	n := maxExitMessageLen
	for n > 0 && !utf8.RuneStart(msg[n]) {
		n--
	}
	return msg[:n]
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func toStepExecutionDO(e *StepExecution, now time.Time) *model.StepExecutionDO {
	return &model.StepExecutionDO{
		ID:               e.ID,
		JobExecutionID:   e.JobExecutionID,
		StepName:         e.StepName,
		Status:           string(e.Status),
		StartTime:        utcPtr(e.StartTime),
		EndTime:          utcPtr(e.EndTime),
		ExitMessage:      truncateExitMessage(e.ExitMessage),
		ExecutionContext: e.ExecutionContext,
		LastUpdated:      now,
	}
}

func fromStepExecutionDO(do *model.StepExecutionDO) *StepExecution {
	return &StepExecution{
		ID:               do.ID,
		JobExecutionID:   do.JobExecutionID,
		StepName:         do.StepName,
		Status:           Status(do.Status),
		StartTime:        do.StartTime,
		EndTime:          do.EndTime,
		ExitMessage:      do.ExitMessage,
		ExecutionContext: do.ExecutionContext,
	}
}
