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

package membership

import (
	"time"

	"github.com/pingcap/batchcluster/pkg/orm/model"
	"go.uber.org/atomic"
)

// StatusUnregistered is the local status of a node before its first
// successful registration.
const StatusUnregistered model.NodeStatus = "UNREGISTERED"

// NodeLoad counts the partitions executing on this node. One instance is
// shared by the worker runner, which changes it, and the heartbeat, which
// publishes it.
type NodeLoad struct {
	count atomic.Int64
}

// NewNodeLoad creates a zero NodeLoad.
func NewNodeLoad() *NodeLoad {
	return &NodeLoad{}
}

// Inc increases the load by one.
func (l *NodeLoad) Inc() int64 {
	v := l.count.Inc()
	nodeLoadGauge.Set(float64(v))
	return v
}

// Dec decreases the load by one.
func (l *NodeLoad) Dec() int64 {
	v := l.count.Dec()
	nodeLoadGauge.Set(float64(v))
	return v
}

// Load returns the current load.
func (l *NodeLoad) Load() int64 {
	return l.count.Load()
}

// NodeInfo is this process's view of its own membership. Only the Manager
// changes the status and heartbeat time.
type NodeInfo struct {
	NodeID         string
	HostIdentifier string
	StartTime      time.Time

	load          *NodeLoad
	status        atomic.String
	lastHeartbeat atomic.Time
}

// NewNodeInfo creates the info of an unregistered node.
func NewNodeInfo(nodeID, hostIdentifier string, load *NodeLoad) *NodeInfo {
	if load == nil {
		load = NewNodeLoad()
	}
	info := &NodeInfo{
		NodeID:         nodeID,
		HostIdentifier: hostIdentifier,
		load:           load,
	}
	info.status.Store(string(StatusUnregistered))
	return info
}

// Status returns the local status.
func (n *NodeInfo) Status() model.NodeStatus {
	return model.NodeStatus(n.status.Load())
}

// IsActive returns whether the node believes it is an ACTIVE member.
func (n *NodeInfo) IsActive() bool {
	return n.Status() == model.NodeStatusActive
}

// LastHeartbeat returns the time of the last successful heartbeat.
func (n *NodeInfo) LastHeartbeat() time.Time {
	return n.lastHeartbeat.Load()
}

// Load returns the load counter of the node.
func (n *NodeInfo) Load() *NodeLoad {
	return n.load
}

func (n *NodeInfo) setStatus(status model.NodeStatus) (old model.NodeStatus) {
	return model.NodeStatus(n.status.Swap(string(status)))
}

func (n *NodeInfo) markActive(now time.Time) (old model.NodeStatus) {
	n.lastHeartbeat.Store(now)
	return n.setStatus(model.NodeStatusActive)
}
