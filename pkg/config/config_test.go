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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pingcap/batchcluster/pkg/errors"
	"github.com/pingcap/batchcluster/pkg/orm"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	t.Parallel()

	cfg := GetDefaultConfig()
	require.False(t, cfg.Enabled)
	require.False(t, cfg.TracingEnabled)
	require.Equal(t, HostIdentifierHostName, cfg.HostIdentifier)
	require.Equal(t, 10, cfg.ConcurrencyLimitPerNode)
	require.Equal(t, 3*time.Second, cfg.HeartbeatInterval)
	require.Equal(t, 5*time.Second, cfg.UnreachableNodeCheckInterval)
	require.Equal(t, 5*time.Second, cfg.NodeCleanupInterval)
	require.Equal(t, 10*time.Second, cfg.UnreachableNodeThreshold)
	require.Equal(t, 30*time.Second, cfg.NodeCleanupThreshold)
	require.Equal(t, time.Second, cfg.TaskPollingInterval)
	require.Equal(t, 5*time.Second, cfg.CompletedTasksCleanupInterval)
	require.Equal(t, time.Second, cfg.OrphanedTasksPollingInterval)
	require.Equal(t, 500*time.Millisecond, cfg.MasterTaskStatusCheckInterval)
}

func TestConfigFromString(t *testing.T) {
	t.Parallel()

	cfg := GetDefaultConfig()
	err := cfg.ConfigFromString(`
enabled = true
node-id = "node-a"
host-identifier = "IP_ADDRESS"
tracing-enabled = true
concurrency-limit-per-node = 4
heartbeat-interval = "1s"
unreachable-node-threshold = "4s"
node-cleanup-threshold = "12s"
master-task-status-check-interval = "100ms"

[log]
level = "debug"

[store]
type = "sqlite"
schema = "cluster.db"
`)
	require.NoError(t, err)
	require.NoError(t, cfg.Adjust())
	require.True(t, cfg.Enabled)
	require.True(t, cfg.TracingEnabled)
	require.True(t, cfg.Store.TraceStatements)
	require.Equal(t, "node-a", cfg.NodeID)
	require.Equal(t, HostIdentifierIPAddress, cfg.HostIdentifier)
	require.Equal(t, 4, cfg.ConcurrencyLimitPerNode)
	require.Equal(t, time.Second, cfg.HeartbeatInterval)
	require.Equal(t, 4*time.Second, cfg.UnreachableNodeThreshold)
	require.Equal(t, 12*time.Second, cfg.NodeCleanupThreshold)
	require.Equal(t, 100*time.Millisecond, cfg.MasterTaskStatusCheckInterval)
	require.Equal(t, "debug", cfg.LogConf.Level)
	require.Equal(t, orm.StoreTypeSQLite, cfg.Store.StoreType)
}

func TestConfigUnknownItem(t *testing.T) {
	t.Parallel()

	cfg := GetDefaultConfig()
	err := cfg.ConfigFromString(`heartbeat-intervals = "1s"`)
	require.True(t, errors.Is(err, errors.ErrConfigUnknownItem))
	require.Contains(t, err.Error(), "heartbeat-intervals")
}

func TestConfigFromFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "node.toml")
	require.NoError(t, os.WriteFile(path, []byte("node-id = \"from-file\"\n"), 0o644))
	cfg := GetDefaultConfig()
	require.NoError(t, cfg.ConfigFromFile(path))
	require.Equal(t, "from-file", cfg.NodeID)

	err := cfg.ConfigFromFile(filepath.Join(t.TempDir(), "missing.toml"))
	require.True(t, errors.Is(err, errors.ErrDecodeConfigFile))
}

func TestAdjustInvalid(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name   string
		modify func(c *Config)
	}{
		{"bad duration", func(c *Config) { c.HeartbeatIntervalStr = "three seconds" }},
		{"negative duration", func(c *Config) { c.TaskPollingIntervalStr = "-1s" }},
		{"cleanup below unreachable", func(c *Config) {
			c.UnreachableNodeThresholdStr = "30s"
			c.NodeCleanupThresholdStr = "20s"
		}},
		{"unreachable below heartbeat", func(c *Config) {
			c.HeartbeatIntervalStr = "20s"
			c.UnreachableNodeThresholdStr = "10s"
		}},
		{"concurrency", func(c *Config) { c.ConcurrencyLimitPerNode = -1 }},
		{"host identifier", func(c *Config) { c.HostIdentifier = "MAC" }},
	}
	for _, tc := range testCases {
		cfg := GetDefaultConfig()
		tc.modify(cfg)
		err := cfg.Adjust()
		require.Error(t, err, tc.name)
		require.True(t, errors.Is(err, errors.ErrConfigInvalid), tc.name)
	}
}

func TestResolveNodeID(t *testing.T) {
	t.Parallel()

	cfg := GetDefaultConfig()
	host, err := os.Hostname()
	require.NoError(t, err)

	nodeID, hostIdentifier, err := cfg.ResolveNodeID()
	require.NoError(t, err)
	require.Equal(t, host, nodeID)
	require.Equal(t, host, hostIdentifier)

	cfg.NodeID = "explicit"
	nodeID, _, err = cfg.ResolveNodeID()
	require.NoError(t, err)
	require.Equal(t, "explicit", nodeID)
}

func TestToml(t *testing.T) {
	t.Parallel()

	cfg := GetDefaultConfig()
	s, err := cfg.Toml()
	require.NoError(t, err)
	require.Contains(t, s, `heartbeat-interval = "3s"`)

	decoded := &Config{}
	require.NoError(t, decoded.ConfigFromString(s))
	require.NoError(t, decoded.Adjust())
	require.Equal(t, cfg.HeartbeatInterval, decoded.HeartbeatInterval)
}
