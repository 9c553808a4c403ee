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
	"context"
	"sync"
	"time"

	"github.com/pingcap/batchcluster/pkg/clock"
	"github.com/pingcap/batchcluster/pkg/clustermeta"
	"github.com/pingcap/batchcluster/pkg/errors"
	"github.com/pingcap/batchcluster/pkg/logutil"
	"github.com/pingcap/batchcluster/pkg/orm/model"
	"github.com/pingcap/batchcluster/pkg/retry"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// HeartbeatFailListener is notified when this node could neither heartbeat
// nor re-register and considers itself UNREACHABLE.
type HeartbeatFailListener interface {
	OnHeartbeatFail()
}

// Config holds the schedules and thresholds of the Manager.
type Config struct {
	HeartbeatInterval            time.Duration
	ActiveNodesRefreshInterval   time.Duration
	UnreachableNodeCheckInterval time.Duration
	NodeCleanupInterval          time.Duration
	UnreachableNodeThreshold     time.Duration
	NodeCleanupThreshold         time.Duration
	TracingEnabled               bool
}

// Manager owns the membership of this process: registration, heartbeat,
// the cached view of active nodes and the two sweeps over other nodes.
type Manager struct {
	cli    clustermeta.NodeClient
	info   *NodeInfo
	cfg    Config
	clock  clock.Clock
	logger *zap.Logger

	listenerMu sync.RWMutex
	listeners  []HeartbeatFailListener

	activeMu    sync.RWMutex
	activeNodes []model.ClusterNode

	heartbeatLogLimiter *rate.Limiter
}

// NewManager creates a Manager for info.
func NewManager(cli clustermeta.NodeClient, info *NodeInfo, cfg Config, clk clock.Clock) *Manager {
	if clk == nil {
		clk = clock.New()
	}
	return &Manager{
		cli:                 cli,
		info:                info,
		cfg:                 cfg,
		clock:               clk,
		logger:              logutil.NewLogger4Node("membership", info.NodeID),
		heartbeatLogLimiter: rate.NewLimiter(rate.Every(5*time.Second), 1),
	}
}

// Info returns the node info managed by m.
func (m *Manager) Info() *NodeInfo {
	return m.info
}

// AddListener registers l for heartbeat failures.
func (m *Manager) AddListener(l HeartbeatFailListener) {
	m.listenerMu.Lock()
	defer m.listenerMu.Unlock()
	m.listeners = append(m.listeners, l)
}

// Register inserts the node row. Transient store errors are retried, but a
// registration that inserts nothing means the node id is taken and fails
// with ErrNodeRegisterFailed.
func (m *Manager) Register(ctx context.Context) error {
	start := m.clock.Now()
	m.info.StartTime = start
	var rows int64
	err := retry.Do(ctx, func() error {
		var err error
		rows, err = m.cli.RegisterNode(ctx, m.info.NodeID, m.info.HostIdentifier)
		return err
	},
		retry.WithBackoffBaseDelay(100*time.Millisecond),
		retry.WithBackoffMaxDelay(2*time.Second),
		retry.WithMaxTries(5),
		retry.WithIsRetryableErr(func(err error) bool {
			return errors.Is(err, errors.ErrMetaOpFail)
		}),
	)
	if err != nil {
		return errors.Trace(err)
	}
	if rows == 0 {
		m.logger.Error("failed to register node, node id may be used by another process")
		return errors.ErrNodeRegisterFailed.GenWithStackByArgs(m.info.NodeID)
	}
	m.info.markActive(m.clock.Now())
	m.logger.Info("node registered",
		zap.String("host-identifier", m.info.HostIdentifier),
		zap.Duration("duration", m.clock.Since(start)))
	m.RefreshActiveNodes(ctx)
	return nil
}

// Deregister deletes the node row, it is called on graceful shutdown.
func (m *Manager) Deregister(ctx context.Context) error {
	rows, err := m.cli.DeleteNode(ctx, m.info.NodeID)
	if err != nil {
		return errors.Trace(err)
	}
	m.info.setStatus(StatusUnregistered)
	m.logger.Info("node deregistered", zap.Int64("rows", rows))
	return nil
}

// Run starts the periodic tasks and blocks until ctx is done. A failing tick
// never stops later ticks.
func (m *Manager) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		clock.RunEvery(ctx, m.clock, m.cfg.HeartbeatInterval, m.Heartbeat)
		return nil
	})
	g.Go(func() error {
		clock.RunEvery(ctx, m.clock, m.cfg.ActiveNodesRefreshInterval, m.RefreshActiveNodes)
		return nil
	})
	g.Go(func() error {
		clock.RunEvery(ctx, m.clock, m.cfg.UnreachableNodeCheckInterval, m.MarkUnreachableNodes)
		return nil
	})
	g.Go(func() error {
		clock.RunEvery(ctx, m.clock, m.cfg.NodeCleanupInterval, m.DeleteUnreachableNodes)
		return nil
	})
	return g.Wait()
}

// Heartbeat publishes the liveness and load of this node. If the node row is
// gone it re-registers exactly once, and if that fails as well the node turns
// UNREACHABLE and listeners are notified.
func (m *Manager) Heartbeat(ctx context.Context) {
	start := m.clock.Now()
	load := m.info.load.Load()
	rows, err := m.cli.UpdateHeartbeat(ctx, m.info.NodeID, load)
	if err != nil {
		heartbeatCounter.WithLabelValues("error").Inc()
		m.logger.Error("failed to update heartbeat", zap.Error(err))
		m.becomeUnreachable()
		return
	}
	if rows > 0 {
		heartbeatCounter.WithLabelValues("ok").Inc()
		old := m.info.markActive(m.clock.Now())
		if old != model.NodeStatusActive {
			m.logger.Info("node is active again", zap.String("old-status", string(old)))
		}
		if m.cfg.TracingEnabled || m.heartbeatLogLimiter.Allow() {
			m.logger.Info("heartbeat updated",
				zap.Int64("load", load),
				zap.Duration("duration", m.clock.Since(start)))
		}
		return
	}

	m.logger.Warn("node row not found on heartbeat, registering again")
	rows, err = m.cli.RegisterNode(ctx, m.info.NodeID, m.info.HostIdentifier)
	if err == nil && rows > 0 {
		heartbeatCounter.WithLabelValues("reregistered").Inc()
		m.info.markActive(m.clock.Now())
		m.logger.Info("node registered again", zap.Duration("duration", m.clock.Since(start)))
		return
	}
	heartbeatCounter.WithLabelValues("lost").Inc()
	m.logger.Error("failed to register node again", zap.Int64("rows", rows), zap.Error(err))
	m.becomeUnreachable()
}

func (m *Manager) becomeUnreachable() {
	m.info.setStatus(model.NodeStatusUnreachable)
	m.listenerMu.RLock()
	defer m.listenerMu.RUnlock()
	for _, l := range m.listeners {
		l.OnHeartbeatFail()
	}
}

// RefreshActiveNodes reloads the cached list of active nodes.
func (m *Manager) RefreshActiveNodes(ctx context.Context) {
	nodes, err := m.cli.ActiveNodes(ctx)
	if err != nil {
		m.logger.Warn("failed to refresh active nodes", zap.Error(err))
		return
	}
	m.activeMu.Lock()
	m.activeNodes = nodes
	m.activeMu.Unlock()
	activeNodesGauge.Set(float64(len(nodes)))
	if m.cfg.TracingEnabled {
		m.logger.Info("active nodes refreshed", zap.Strings("nodes", model.NodeIDs(nodes)))
	}
}

// CachedActiveNodes returns the active nodes seen by the last refresh.
func (m *Manager) CachedActiveNodes() []model.ClusterNode {
	m.activeMu.RLock()
	defer m.activeMu.RUnlock()
	return append([]model.ClusterNode(nil), m.activeNodes...)
}

// ActiveNodes returns the cached active nodes, it reads the store when the
// cache is empty.
func (m *Manager) ActiveNodes(ctx context.Context) ([]model.ClusterNode, error) {
	if nodes := m.CachedActiveNodes(); len(nodes) > 0 {
		return nodes, nil
	}
	nodes, err := m.cli.ActiveNodes(ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}
	m.activeMu.Lock()
	m.activeNodes = nodes
	m.activeMu.Unlock()
	return append([]model.ClusterNode(nil), nodes...), nil
}

// MarkUnreachableNodes flips stale ACTIVE nodes to UNREACHABLE.
func (m *Manager) MarkUnreachableNodes(ctx context.Context) {
	start := m.clock.Now()
	rows, err := m.cli.MarkUnreachable(ctx, m.cfg.UnreachableNodeThreshold)
	if err != nil {
		m.logger.Error("failed to mark unreachable nodes", zap.Error(err))
		return
	}
	sweptNodesCounter.WithLabelValues("unreachable").Add(float64(rows))
	if rows > 0 || m.cfg.TracingEnabled {
		m.logger.Info("marked stale nodes unreachable",
			zap.Int64("nodes", rows),
			zap.Duration("threshold", m.cfg.UnreachableNodeThreshold),
			zap.Duration("duration", m.clock.Since(start)))
	}
}

// DeleteUnreachableNodes removes nodes that stayed UNREACHABLE past the
// cleanup threshold.
func (m *Manager) DeleteUnreachableNodes(ctx context.Context) {
	start := m.clock.Now()
	rows, err := m.cli.DeleteUnreachable(ctx, m.cfg.NodeCleanupThreshold)
	if err != nil {
		m.logger.Error("failed to delete unreachable nodes", zap.Error(err))
		return
	}
	sweptNodesCounter.WithLabelValues("deleted").Add(float64(rows))
	if rows > 0 || m.cfg.TracingEnabled {
		m.logger.Info("deleted unreachable nodes",
			zap.Int64("nodes", rows),
			zap.Duration("threshold", m.cfg.NodeCleanupThreshold),
			zap.Duration("duration", m.clock.Since(start)))
	}
}
