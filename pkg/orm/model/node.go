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

// NodeStatus is the liveness status of a cluster node.
type NodeStatus string

// Node statuses
const (
	NodeStatusActive      NodeStatus = "ACTIVE"
	NodeStatusUnreachable NodeStatus = "UNREACHABLE"
)

// NodeDO is the persisted membership row of a cluster node.
type NodeDO struct {
	NodeID          string     `gorm:"column:node_id;type:varchar(128);primaryKey"`
	CreatedTime     time.Time  `gorm:"column:created_time;not null"`
	LastUpdatedTime time.Time  `gorm:"column:last_updated_time;not null;index:idx_node_status_updated,priority:2"`
	Status          NodeStatus `gorm:"column:status;type:varchar(16);not null;index:idx_node_status_updated,priority:1"`
	HostIdentifier  string     `gorm:"column:host_identifier;type:varchar(255)"`
	CurrentLoad     int64      `gorm:"column:current_load;not null;default:0"`
}

// TableName implements the gorm Tabler interface.
func (NodeDO) TableName() string {
	return NodeTableName
}

// ClusterNode is a lightweight view of an active node used for assignment
// decisions.
type ClusterNode struct {
	NodeID      string `gorm:"column:node_id"`
	CurrentLoad int64  `gorm:"column:current_load"`
}

// NodeIDs returns the ids of nodes, keeping their order.
func NodeIDs(nodes []ClusterNode) []string {
	ids := make([]string, 0, len(nodes))
	for _, n := range nodes {
		ids = append(ids, n.NodeID)
	}
	return ids
}
