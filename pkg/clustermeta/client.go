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

package clustermeta

import (
	"context"
	"time"

	"github.com/pingcap/batchcluster/pkg/clock"
	"github.com/pingcap/batchcluster/pkg/errors"
	"github.com/pingcap/batchcluster/pkg/orm"
	"github.com/pingcap/batchcluster/pkg/orm/model"
	"github.com/pingcap/batchcluster/pkg/retry"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// NodeClient manages the membership table.
type NodeClient interface {
	// RegisterNode inserts the node row. Zero rows affected means the node
	// id is already taken.
	RegisterNode(ctx context.Context, nodeID, hostIdentifier string) (int64, error)
	// UpdateHeartbeat refreshes the timestamp and load of a node. Zero rows
	// affected means the row is gone.
	UpdateHeartbeat(ctx context.Context, nodeID string, load int64) (int64, error)
	// MarkUnreachable flips ACTIVE nodes whose last heartbeat is at least
	// threshold old to UNREACHABLE.
	MarkUnreachable(ctx context.Context, threshold time.Duration) (int64, error)
	// DeleteUnreachable removes UNREACHABLE nodes whose last heartbeat is at
	// least threshold old.
	DeleteUnreachable(ctx context.Context, threshold time.Duration) (int64, error)
	DeleteNode(ctx context.Context, nodeID string) (int64, error)
	// ActiveNodes returns ACTIVE nodes ordered by load descending, ties are
	// ordered by node id.
	ActiveNodes(ctx context.Context) ([]model.ClusterNode, error)
	QueryNodes(ctx context.Context) ([]*model.NodeDO, error)
}

// CoordinationClient manages job coordination rows, written by masters only.
type CoordinationClient interface {
	SaveJobCoordination(ctx context.Context, coord *model.JobCoordinationDO) error
	UpdateJobCoordinationStatus(ctx context.Context, jobExecutionID, masterStepExecutionID int64,
		status model.CoordinationStatus) error
	GetJobCoordination(ctx context.Context, jobExecutionID, masterStepExecutionID int64) (*model.JobCoordinationDO, error)
}

// PartitionClient manages partition rows.
type PartitionClient interface {
	SavePartitions(ctx context.Context, partitions []*model.PartitionDO) error
	// ReassignPartitions moves orphaned partitions to new nodes, resets them to
	// PENDING and bumps their assignment epoch. A reassignment only applies if
	// the row is still owned by the node it was found on.
	ReassignPartitions(ctx context.Context, reassignments []Reassignment) (int64, error)
	// PendingCount counts PENDING and CLAIMED partitions of a master step.
	PendingCount(ctx context.Context, masterStepExecutionID int64) (int64, error)
	// FetchAssignedPartitions returns the PENDING partitions of nodeID whose
	// master step is STARTED and whose master node still exists.
	FetchAssignedPartitions(ctx context.Context, nodeID string) ([]*model.AssignedPartition, error)
	// ClaimPartitions marks partitions CLAIMED and returns the ones that were
	// still PENDING and owned by nodeID at the fetched epoch.
	ClaimPartitions(ctx context.Context, nodeID string, partitions []*model.AssignedPartition) ([]*model.AssignedPartition, error)
	// UpdatePartitionStatus writes a status fenced by the owner and epoch of
	// ref, it returns ErrPartitionFenced if the partition has moved on.
	UpdatePartitionStatus(ctx context.Context, ref PartitionRef, status model.PartitionStatus) error
	// ReleasePartition puts a CLAIMED partition of ref back to PENDING so its
	// owner or the orphan recovery can pick it up again. It returns
	// ErrPartitionFenced if the partition has moved on.
	ReleasePartition(ctx context.Context, ref PartitionRef) error
	// TouchPartitions refreshes last_updated_time of partitions owned by nodeID.
	TouchPartitions(ctx context.Context, nodeID string, stepExecutionIDs []int64) (int64, error)
	// FindOrphanedPartitions returns PENDING or CLAIMED partitions of a master
	// step whose assigned node no longer exists.
	FindOrphanedPartitions(ctx context.Context, masterStepExecutionID int64) ([]*model.PartitionDO, error)
	QueryPartitions(ctx context.Context, masterStepExecutionID int64) ([]*model.PartitionDO, error)
}

// Client is the gateway to all persisted cluster state.
type Client interface {
	NodeClient
	CoordinationClient
	PartitionClient
}

// PartitionRef identifies a partition row as seen by its owner.
type PartitionRef struct {
	JobExecutionID        int64
	MasterStepExecutionID int64
	StepExecutionID       int64
	NodeID                string
	Epoch                 int64
}

// RefOf returns the ref of a partition row.
func RefOf(p *model.PartitionDO) PartitionRef {
	return PartitionRef{
		JobExecutionID:        p.JobExecutionID,
		MasterStepExecutionID: p.MasterStepExecutionID,
		StepExecutionID:       p.StepExecutionID,
		NodeID:                p.AssignedNode,
		Epoch:                 p.AssignmentEpoch,
	}
}

// Reassignment moves a partition from From.NodeID to ToNode.
type Reassignment struct {
	From   PartitionRef
	ToNode string
}

var inFlightPartitionStatuses = []model.PartitionStatus{
	model.PartitionStatusPending,
	model.PartitionStatusClaimed,
}

const (
	defaultMaxExecTime = 5 * time.Second
	txnMaxTries        = 3
)

type clientOptions struct {
	clock       clock.Clock
	maxExecTime time.Duration
}

// ClientOption configures the client.
type ClientOption func(*clientOptions)

// WithClock sets the clock used for persisted timestamps.
func WithClock(c clock.Clock) ClientOption {
	return func(o *clientOptions) {
		o.clock = c
	}
}

// WithMaxExecTime bounds the execution time of every statement.
func WithMaxExecTime(d time.Duration) ClientOption {
	return func(o *clientOptions) {
		o.maxExecTime = d
	}
}

type clientImpl struct {
	db      *gorm.DB
	dialect *orm.Dialect
	options clientOptions
}

// NewClient creates a cluster meta client on db. The SQL dialect is detected
// from the gorm dialector.
func NewClient(db *gorm.DB, opts ...ClientOption) (Client, error) {
	if db == nil {
		return nil, errors.ErrMetaParamsInvalid.GenWithStackByArgs("input db is nil")
	}
	dialect, err := orm.DialectOf(db)
	if err != nil {
		return nil, err
	}
	options := clientOptions{
		clock:       clock.New(),
		maxExecTime: defaultMaxExecTime,
	}
	for _, opt := range opts {
		opt(&options)
	}
	return &clientImpl{db: db, dialect: dialect, options: options}, nil
}

func (c *clientImpl) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.options.maxExecTime <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.options.maxExecTime)
}

func (c *clientImpl) now() time.Time {
	return clock.UTCNow(c.options.clock)
}

// transaction runs fn in a transaction and retries it when the database
// aborted it for a lock conflict. fn must reset its outputs on entry.
func (c *clientImpl) transaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return retry.Do(ctx, func() error {
		return c.db.WithContext(ctx).Transaction(fn)
	},
		retry.WithBackoffBaseDelay(20*time.Millisecond),
		retry.WithBackoffMaxDelay(200*time.Millisecond),
		retry.WithMaxTries(txnMaxTries),
		retry.WithIsRetryableErr(orm.IsRetryableError),
	)
}

// ///////////////////////////// Node Operation

func (c *clientImpl) RegisterNode(ctx context.Context, nodeID, hostIdentifier string) (int64, error) {
	if nodeID == "" {
		return 0, errors.ErrMetaParamsInvalid.GenWithStackByArgs("node id is empty")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	now := c.now()
	result := c.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&model.NodeDO{
			NodeID:          nodeID,
			CreatedTime:     now,
			LastUpdatedTime: now,
			Status:          model.NodeStatusActive,
			HostIdentifier:  hostIdentifier,
		})
	if result.Error != nil {
		return 0, errors.ErrMetaOpFail.Wrap(result.Error)
	}
	return result.RowsAffected, nil
}

func (c *clientImpl) UpdateHeartbeat(ctx context.Context, nodeID string, load int64) (int64, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	result := c.db.WithContext(ctx).
		Model(&model.NodeDO{}).
		Where("node_id = ?", nodeID).
		Updates(map[string]interface{}{
			"last_updated_time": c.now(),
			"current_load":      load,
			"status":            model.NodeStatusActive,
		})
	if result.Error != nil {
		return 0, errors.ErrMetaOpFail.Wrap(result.Error)
	}
	return result.RowsAffected, nil
}

func (c *clientImpl) MarkUnreachable(ctx context.Context, threshold time.Duration) (int64, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	result := c.db.WithContext(ctx).Exec(c.dialect.MarkUnreachableSQL,
		model.NodeStatusUnreachable, model.NodeStatusActive, threshold.Milliseconds())
	if result.Error != nil {
		return 0, errors.ErrMetaOpFail.Wrap(result.Error)
	}
	return result.RowsAffected, nil
}

func (c *clientImpl) DeleteUnreachable(ctx context.Context, threshold time.Duration) (int64, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	result := c.db.WithContext(ctx).Exec(c.dialect.DeleteUnreachableSQL,
		model.NodeStatusUnreachable, threshold.Milliseconds())
	if result.Error != nil {
		return 0, errors.ErrMetaOpFail.Wrap(result.Error)
	}
	return result.RowsAffected, nil
}

func (c *clientImpl) DeleteNode(ctx context.Context, nodeID string) (int64, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	result := c.db.WithContext(ctx).
		Where("node_id = ?", nodeID).
		Delete(&model.NodeDO{})
	if result.Error != nil {
		return 0, errors.ErrMetaOpFail.Wrap(result.Error)
	}
	return result.RowsAffected, nil
}

func (c *clientImpl) ActiveNodes(ctx context.Context) ([]model.ClusterNode, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	var nodes []model.ClusterNode
	if err := c.db.WithContext(ctx).
		Model(&model.NodeDO{}).
		Select("node_id", "current_load").
		Where("status = ?", model.NodeStatusActive).
		Order("current_load DESC").
		Order("node_id").
		Scan(&nodes).Error; err != nil {
		return nil, errors.ErrMetaOpFail.Wrap(err)
	}
	return nodes, nil
}

func (c *clientImpl) QueryNodes(ctx context.Context) ([]*model.NodeDO, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	var nodes []*model.NodeDO
	if err := c.db.WithContext(ctx).
		Order("node_id").
		Find(&nodes).Error; err != nil {
		return nil, errors.ErrMetaOpFail.Wrap(err)
	}
	return nodes, nil
}

// ///////////////////////////// Job Coordination Operation

func (c *clientImpl) SaveJobCoordination(ctx context.Context, coord *model.JobCoordinationDO) error {
	if coord == nil {
		return errors.ErrMetaParamsInvalid.GenWithStackByArgs("input job coordination is nil")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	now := c.now()
	coord.CreatedTime = now
	coord.LastUpdated = now
	if err := c.db.WithContext(ctx).Create(coord).Error; err != nil {
		return errors.ErrMetaOpFail.Wrap(err)
	}
	return nil
}

func (c *clientImpl) UpdateJobCoordinationStatus(
	ctx context.Context, jobExecutionID, masterStepExecutionID int64, status model.CoordinationStatus,
) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	result := c.db.WithContext(ctx).
		Model(&model.JobCoordinationDO{}).
		Where("job_execution_id = ? AND master_step_execution_id = ?", jobExecutionID, masterStepExecutionID).
		Updates(map[string]interface{}{
			"status":       status,
			"last_updated": c.now(),
		})
	if result.Error != nil {
		return errors.ErrMetaOpFail.Wrap(result.Error)
	}
	if result.RowsAffected == 0 {
		return errors.ErrMetaEntryNotFound.GenWithStackByArgs()
	}
	return nil
}

func (c *clientImpl) GetJobCoordination(
	ctx context.Context, jobExecutionID, masterStepExecutionID int64,
) (*model.JobCoordinationDO, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	var coord model.JobCoordinationDO
	if err := c.db.WithContext(ctx).
		Where("job_execution_id = ? AND master_step_execution_id = ?", jobExecutionID, masterStepExecutionID).
		First(&coord).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.ErrMetaEntryNotFound.Wrap(err)
		}
		return nil, errors.ErrMetaOpFail.Wrap(err)
	}
	return &coord, nil
}

// ///////////////////////////// Partition Operation

func (c *clientImpl) SavePartitions(ctx context.Context, partitions []*model.PartitionDO) error {
	if len(partitions) == 0 {
		return nil
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	now := c.now()
	for _, p := range partitions {
		p.LastUpdatedTime = now
		if p.AssignmentEpoch == 0 {
			p.AssignmentEpoch = model.InitialAssignmentEpoch
		}
	}
	err := c.transaction(ctx, func(tx *gorm.DB) error {
		return tx.CreateInBatches(partitions, 100).Error
	})
	if err != nil {
		return errors.ErrMetaOpFail.Wrap(err)
	}
	return nil
}

func (c *clientImpl) ReassignPartitions(ctx context.Context, reassignments []Reassignment) (int64, error) {
	if len(reassignments) == 0 {
		return 0, nil
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	var total int64
	now := c.now()
	err := c.transaction(ctx, func(tx *gorm.DB) error {
		total = 0
		for _, r := range reassignments {
			result := tx.Model(&model.PartitionDO{}).
				Where("job_execution_id = ? AND master_step_execution_id = ? AND step_execution_id = ?",
					r.From.JobExecutionID, r.From.MasterStepExecutionID, r.From.StepExecutionID).
				Where("assigned_node = ? AND status IN ?", r.From.NodeID, inFlightPartitionStatuses).
				Updates(map[string]interface{}{
					"assigned_node":     r.ToNode,
					"status":            model.PartitionStatusPending,
					"assignment_epoch":  gorm.Expr("assignment_epoch + ?", 1),
					"last_updated_time": now,
				})
			if result.Error != nil {
				return result.Error
			}
			total += result.RowsAffected
		}
		return nil
	})
	if err != nil {
		return 0, errors.ErrMetaOpFail.Wrap(err)
	}
	return total, nil
}

func (c *clientImpl) PendingCount(ctx context.Context, masterStepExecutionID int64) (int64, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	var count int64
	if err := c.db.WithContext(ctx).
		Model(&model.PartitionDO{}).
		Where("master_step_execution_id = ? AND status IN ?", masterStepExecutionID, inFlightPartitionStatuses).
		Count(&count).Error; err != nil {
		return 0, errors.ErrMetaOpFail.Wrap(err)
	}
	return count, nil
}

func (c *clientImpl) FetchAssignedPartitions(ctx context.Context, nodeID string) ([]*model.AssignedPartition, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	var partitions []*model.AssignedPartition
	if err := c.db.WithContext(ctx).
		Table(model.PartitionTableName+" AS bp").
		Select("bp.*, bc.master_step_name").
		Joins("JOIN "+model.JobCoordinationTableName+" bc ON bp.job_execution_id = bc.job_execution_id"+
			" AND bp.master_step_execution_id = bc.master_step_execution_id").
		Joins("JOIN "+model.NodeTableName+" bn ON bc.master_node_id = bn.node_id").
		Where("bp.assigned_node = ? AND bp.status = ? AND bc.status = ?",
			nodeID, model.PartitionStatusPending, model.CoordinationStatusStarted).
		Order("bp.step_execution_id").
		Scan(&partitions).Error; err != nil {
		return nil, errors.ErrMetaOpFail.Wrap(err)
	}
	return partitions, nil
}

func (c *clientImpl) ClaimPartitions(
	ctx context.Context, nodeID string, partitions []*model.AssignedPartition,
) ([]*model.AssignedPartition, error) {
	if len(partitions) == 0 {
		return nil, nil
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	var claimed []*model.AssignedPartition
	now := c.now()
	err := c.transaction(ctx, func(tx *gorm.DB) error {
		claimed = claimed[:0]
		for _, p := range partitions {
			result := tx.Model(&model.PartitionDO{}).
				Where("step_execution_id = ? AND assigned_node = ? AND assignment_epoch = ? AND status = ?",
					p.StepExecutionID, nodeID, p.AssignmentEpoch, model.PartitionStatusPending).
				Updates(map[string]interface{}{
					"status":            model.PartitionStatusClaimed,
					"last_updated_time": now,
				})
			if result.Error != nil {
				return result.Error
			}
			if result.RowsAffected == 1 {
				p.Status = model.PartitionStatusClaimed
				p.LastUpdatedTime = now
				claimed = append(claimed, p)
			}
		}
		return nil
	})
	if err != nil {
		return nil, errors.ErrMetaOpFail.Wrap(err)
	}
	return claimed, nil
}

func (c *clientImpl) UpdatePartitionStatus(ctx context.Context, ref PartitionRef, status model.PartitionStatus) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	result := c.db.WithContext(ctx).
		Model(&model.PartitionDO{}).
		Where("job_execution_id = ? AND master_step_execution_id = ? AND step_execution_id = ?",
			ref.JobExecutionID, ref.MasterStepExecutionID, ref.StepExecutionID).
		Where("assigned_node = ? AND assignment_epoch = ?", ref.NodeID, ref.Epoch).
		Updates(map[string]interface{}{
			"status":            status,
			"last_updated_time": c.now(),
		})
	if result.Error != nil {
		return errors.ErrMetaOpFail.Wrap(result.Error)
	}
	if result.RowsAffected == 0 {
		return errors.ErrPartitionFenced.GenWithStackByArgs(ref.StepExecutionID, ref.NodeID, ref.Epoch)
	}
	return nil
}

func (c *clientImpl) ReleasePartition(ctx context.Context, ref PartitionRef) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	result := c.db.WithContext(ctx).
		Model(&model.PartitionDO{}).
		Where("job_execution_id = ? AND master_step_execution_id = ? AND step_execution_id = ?",
			ref.JobExecutionID, ref.MasterStepExecutionID, ref.StepExecutionID).
		Where("assigned_node = ? AND assignment_epoch = ? AND status = ?",
			ref.NodeID, ref.Epoch, model.PartitionStatusClaimed).
		Updates(map[string]interface{}{
			"status":            model.PartitionStatusPending,
			"last_updated_time": c.now(),
		})
	if result.Error != nil {
		return errors.ErrMetaOpFail.Wrap(result.Error)
	}
	if result.RowsAffected == 0 {
		return errors.ErrPartitionFenced.GenWithStackByArgs(ref.StepExecutionID, ref.NodeID, ref.Epoch)
	}
	return nil
}

func (c *clientImpl) TouchPartitions(ctx context.Context, nodeID string, stepExecutionIDs []int64) (int64, error) {
	if len(stepExecutionIDs) == 0 {
		return 0, nil
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	result := c.db.WithContext(ctx).
		Model(&model.PartitionDO{}).
		Where("assigned_node = ? AND step_execution_id IN ?", nodeID, stepExecutionIDs).
		Update("last_updated_time", c.now())
	if result.Error != nil {
		return 0, errors.ErrMetaOpFail.Wrap(result.Error)
	}
	return result.RowsAffected, nil
}

func (c *clientImpl) FindOrphanedPartitions(ctx context.Context, masterStepExecutionID int64) ([]*model.PartitionDO, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	var partitions []*model.PartitionDO
	if err := c.db.WithContext(ctx).
		Where("master_step_execution_id = ? AND status IN ?", masterStepExecutionID, inFlightPartitionStatuses).
		Where("NOT EXISTS (SELECT 1 FROM " + model.NodeTableName + " bn WHERE bn.node_id = " +
			model.PartitionTableName + ".assigned_node)").
		Order("step_execution_id").
		Find(&partitions).Error; err != nil {
		return nil, errors.ErrMetaOpFail.Wrap(err)
	}
	return partitions, nil
}

func (c *clientImpl) QueryPartitions(ctx context.Context, masterStepExecutionID int64) ([]*model.PartitionDO, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	var partitions []*model.PartitionDO
	if err := c.db.WithContext(ctx).
		Where("master_step_execution_id = ?", masterStepExecutionID).
		Order("step_execution_id").
		Find(&partitions).Error; err != nil {
		return nil, errors.ErrMetaOpFail.Wrap(err)
	}
	return partitions, nil
}
