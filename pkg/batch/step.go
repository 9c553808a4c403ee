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
	"encoding/json"
	"sync"
	"time"

	"github.com/pingcap/batchcluster/pkg/errors"
)

// Status is the status of a step execution.
type Status string

// Step execution statuses
const (
	StatusStarting  Status = "STARTING"
	StatusStarted   Status = "STARTED"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// IsTerminal returns whether the execution has finished.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// StepExecution is the execution record of one step, either a master step or
// one of its partitions.
type StepExecution struct {
	ID               int64
	JobExecutionID   int64
	StepName         string
	Status           Status
	StartTime        *time.Time
	EndTime          *time.Time
	ExitMessage      string
	ExecutionContext map[string]interface{}
}

// Clone returns a copy of the execution. The execution context is copied
// shallowly.
func (e *StepExecution) Clone() *StepExecution {
	cloned := *e
	if e.StartTime != nil {
		t := *e.StartTime
		cloned.StartTime = &t
	}
	if e.EndTime != nil {
		t := *e.EndTime
		cloned.EndTime = &t
	}
	if e.ExecutionContext != nil {
		cloned.ExecutionContext = make(map[string]interface{}, len(e.ExecutionContext))
		for k, v := range e.ExecutionContext {
			cloned.ExecutionContext[k] = v
		}
	}
	return &cloned
}

// Put sets a value in the execution context.
func (e *StepExecution) Put(key string, value interface{}) {
	if e.ExecutionContext == nil {
		e.ExecutionContext = make(map[string]interface{})
	}
	e.ExecutionContext[key] = value
}

// GetString returns a string value of the execution context.
func (e *StepExecution) GetString(key string) (string, bool) {
	v, ok := e.ExecutionContext[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// GetInt64 returns an integer value of the execution context. Values decoded
// from JSON are accepted as well.
func (e *StepExecution) GetInt64(key string) (int64, bool) {
	v, ok := e.ExecutionContext[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	default:
		return 0, false
	}
}

// Step is a unit of work of a batch job.
type Step interface {
	// Execute runs the step for the given execution. A returned error marks
	// the execution FAILED.
	Execute(ctx context.Context, execution *StepExecution) error
}

// StepFunc adapts a function to a Step.
type StepFunc func(ctx context.Context, execution *StepExecution) error

// Execute implements Step.
func (f StepFunc) Execute(ctx context.Context, execution *StepExecution) error {
	return f(ctx, execution)
}

// StepRegistry resolves the step implementation of a partition by the name
// of its master step.
type StepRegistry interface {
	GetStep(name string) (Step, error)
}

// MapStepRegistry is a StepRegistry backed by a map.
type MapStepRegistry struct {
	mu    sync.RWMutex
	steps map[string]Step
}

// NewMapStepRegistry creates an empty registry.
func NewMapStepRegistry() *MapStepRegistry {
	return &MapStepRegistry{steps: make(map[string]Step)}
}

// Register binds name to step, replacing any previous binding.
func (r *MapStepRegistry) Register(name string, step Step) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.steps[name] = step
}

// GetStep implements StepRegistry.
func (r *MapStepRegistry) GetStep(name string) (Step, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	step, ok := r.steps[name]
	if !ok {
		return nil, errors.ErrStepNotFound.GenWithStackByArgs(name)
	}
	return step, nil
}
