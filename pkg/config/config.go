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
	"bytes"
	"encoding/json"
	"net"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pingcap/batchcluster/pkg/errors"
	"github.com/pingcap/batchcluster/pkg/logutil"
	"github.com/pingcap/batchcluster/pkg/orm"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// HostIdentifierSource decides how a node identifies its host.
type HostIdentifierSource string

// Host identifier sources
const (
	HostIdentifierHostName  HostIdentifierSource = "HOST_NAME"
	HostIdentifierIPAddress HostIdentifierSource = "IP_ADDRESS"
)

const (
	defaultConcurrencyLimitPerNode       = 10
	defaultHeartbeatInterval             = "3s"
	defaultUnreachableNodeCheckInterval  = "5s"
	defaultNodeCleanupInterval           = "5s"
	defaultUnreachableNodeThreshold      = "10s"
	defaultNodeCleanupThreshold          = "30s"
	defaultTaskPollingInterval           = "1s"
	defaultCompletedTasksCleanupInterval = "5s"
	defaultInFlightRefreshInterval       = "5s"
	defaultOrphanedTasksPollingInterval  = "1s"
	defaultMasterTaskStatusCheckInterval = "500ms"
	defaultActiveNodesRefreshInterval    = "3s"
)

// Config is the configuration of a batch cluster node.
type Config struct {
	LogConf logutil.Config   `toml:"log" json:"log"`
	Store   *orm.StoreConfig `toml:"store" json:"store"`

	Enabled        bool                 `toml:"enabled" json:"enabled"`
	NodeID         string               `toml:"node-id" json:"node-id"`
	HostIdentifier HostIdentifierSource `toml:"host-identifier" json:"host-identifier"`
	TracingEnabled bool                 `toml:"tracing-enabled" json:"tracing-enabled"`

	ConcurrencyLimitPerNode int `toml:"concurrency-limit-per-node" json:"concurrency-limit-per-node"`

	HeartbeatIntervalStr             string `toml:"heartbeat-interval" json:"heartbeat-interval"`
	UnreachableNodeCheckIntervalStr  string `toml:"unreachable-node-check-interval" json:"unreachable-node-check-interval"`
	NodeCleanupIntervalStr           string `toml:"node-cleanup-interval" json:"node-cleanup-interval"`
	UnreachableNodeThresholdStr      string `toml:"unreachable-node-threshold" json:"unreachable-node-threshold"`
	NodeCleanupThresholdStr          string `toml:"node-cleanup-threshold" json:"node-cleanup-threshold"`
	TaskPollingIntervalStr           string `toml:"task-polling-interval" json:"task-polling-interval"`
	CompletedTasksCleanupIntervalStr string `toml:"completed-tasks-cleanup-interval" json:"completed-tasks-cleanup-interval"`
	InFlightRefreshIntervalStr       string `toml:"in-flight-refresh-interval" json:"in-flight-refresh-interval"`
	OrphanedTasksPollingIntervalStr  string `toml:"orphaned-tasks-polling-interval" json:"orphaned-tasks-polling-interval"`
	MasterTaskStatusCheckIntervalStr string `toml:"master-task-status-check-interval" json:"master-task-status-check-interval"`
	ActiveNodesRefreshIntervalStr    string `toml:"active-nodes-refresh-interval" json:"active-nodes-refresh-interval"`

	HeartbeatInterval             time.Duration `toml:"-" json:"-"`
	UnreachableNodeCheckInterval  time.Duration `toml:"-" json:"-"`
	NodeCleanupInterval           time.Duration `toml:"-" json:"-"`
	UnreachableNodeThreshold      time.Duration `toml:"-" json:"-"`
	NodeCleanupThreshold          time.Duration `toml:"-" json:"-"`
	TaskPollingInterval           time.Duration `toml:"-" json:"-"`
	CompletedTasksCleanupInterval time.Duration `toml:"-" json:"-"`
	InFlightRefreshInterval       time.Duration `toml:"-" json:"-"`
	OrphanedTasksPollingInterval  time.Duration `toml:"-" json:"-"`
	MasterTaskStatusCheckInterval time.Duration `toml:"-" json:"-"`
	ActiveNodesRefreshInterval    time.Duration `toml:"-" json:"-"`
}

// GetDefaultConfig returns a config with all default values, Adjust is
// already applied.
func GetDefaultConfig() *Config {
	cfg := &Config{
		LogConf: logutil.Config{
			Level: "info",
		},
		Store:                            orm.NewDefaultStoreConfig(),
		HostIdentifier:                   HostIdentifierHostName,
		ConcurrencyLimitPerNode:          defaultConcurrencyLimitPerNode,
		HeartbeatIntervalStr:             defaultHeartbeatInterval,
		UnreachableNodeCheckIntervalStr:  defaultUnreachableNodeCheckInterval,
		NodeCleanupIntervalStr:           defaultNodeCleanupInterval,
		UnreachableNodeThresholdStr:      defaultUnreachableNodeThreshold,
		NodeCleanupThresholdStr:          defaultNodeCleanupThreshold,
		TaskPollingIntervalStr:           defaultTaskPollingInterval,
		CompletedTasksCleanupIntervalStr: defaultCompletedTasksCleanupInterval,
		InFlightRefreshIntervalStr:       defaultInFlightRefreshInterval,
		OrphanedTasksPollingIntervalStr:  defaultOrphanedTasksPollingInterval,
		MasterTaskStatusCheckIntervalStr: defaultMasterTaskStatusCheckInterval,
		ActiveNodesRefreshIntervalStr:    defaultActiveNodesRefreshInterval,
	}
	if err := cfg.Adjust(); err != nil {
		log.L().Panic("default config is invalid", zap.Error(err))
	}
	return cfg
}

func (c *Config) String() string {
	cfg, err := json.Marshal(c)
	if err != nil {
		log.L().Error("marshal to json", zap.Reflect("cluster config", c), logutil.ShortError(err))
	}
	return string(cfg)
}

// Toml returns TOML format representation of config.
func (c *Config) Toml() (string, error) {
	var b bytes.Buffer
	if err := toml.NewEncoder(&b).Encode(c); err != nil {
		return "", errors.Trace(err)
	}
	return b.String(), nil
}

// Adjust parses duration items and fills defaults, then validates the config.
func (c *Config) Adjust() (err error) {
	c.LogConf.Adjust()
	if c.HostIdentifier == "" {
		c.HostIdentifier = HostIdentifierHostName
	}
	if c.ConcurrencyLimitPerNode == 0 {
		c.ConcurrencyLimitPerNode = defaultConcurrencyLimitPerNode
	}

	durations := []struct {
		name string
		str  *string
		def  string
		dest *time.Duration
	}{
		{"heartbeat-interval", &c.HeartbeatIntervalStr, defaultHeartbeatInterval, &c.HeartbeatInterval},
		{"unreachable-node-check-interval", &c.UnreachableNodeCheckIntervalStr, defaultUnreachableNodeCheckInterval, &c.UnreachableNodeCheckInterval},
		{"node-cleanup-interval", &c.NodeCleanupIntervalStr, defaultNodeCleanupInterval, &c.NodeCleanupInterval},
		{"unreachable-node-threshold", &c.UnreachableNodeThresholdStr, defaultUnreachableNodeThreshold, &c.UnreachableNodeThreshold},
		{"node-cleanup-threshold", &c.NodeCleanupThresholdStr, defaultNodeCleanupThreshold, &c.NodeCleanupThreshold},
		{"task-polling-interval", &c.TaskPollingIntervalStr, defaultTaskPollingInterval, &c.TaskPollingInterval},
		{"completed-tasks-cleanup-interval", &c.CompletedTasksCleanupIntervalStr, defaultCompletedTasksCleanupInterval, &c.CompletedTasksCleanupInterval},
		{"in-flight-refresh-interval", &c.InFlightRefreshIntervalStr, defaultInFlightRefreshInterval, &c.InFlightRefreshInterval},
		{"orphaned-tasks-polling-interval", &c.OrphanedTasksPollingIntervalStr, defaultOrphanedTasksPollingInterval, &c.OrphanedTasksPollingInterval},
		{"master-task-status-check-interval", &c.MasterTaskStatusCheckIntervalStr, defaultMasterTaskStatusCheckInterval, &c.MasterTaskStatusCheckInterval},
		{"active-nodes-refresh-interval", &c.ActiveNodesRefreshIntervalStr, defaultActiveNodesRefreshInterval, &c.ActiveNodesRefreshInterval},
	}
	for _, d := range durations {
		if *d.str == "" {
			*d.str = d.def
		}
		*d.dest, err = time.ParseDuration(*d.str)
		if err != nil {
			return errors.WrapError(errors.ErrConfigInvalid, err, d.name)
		}
		if *d.dest <= 0 {
			return errors.ErrConfigInvalid.GenWithStackByArgs(d.name + " must be positive")
		}
	}

	return c.validate()
}

func (c *Config) validate() error {
	switch c.HostIdentifier {
	case HostIdentifierHostName, HostIdentifierIPAddress:
	default:
		return errors.ErrConfigInvalid.GenWithStackByArgs("unknown host-identifier " + string(c.HostIdentifier))
	}
	if c.ConcurrencyLimitPerNode < 1 {
		return errors.ErrConfigInvalid.GenWithStackByArgs("concurrency-limit-per-node must be at least 1")
	}
	if c.NodeCleanupThreshold <= c.UnreachableNodeThreshold {
		return errors.ErrConfigInvalid.GenWithStackByArgs(
			"node-cleanup-threshold must be greater than unreachable-node-threshold")
	}
	if c.UnreachableNodeThreshold <= c.HeartbeatInterval {
		return errors.ErrConfigInvalid.GenWithStackByArgs(
			"unreachable-node-threshold must be greater than heartbeat-interval")
	}
	if c.Store != nil {
		c.Store.TraceStatements = c.TracingEnabled
		return c.Store.Validate()
	}
	return nil
}

// ConfigFromFile loads config from file and merges items into Config.
func (c *Config) ConfigFromFile(path string) error {
	metaData, err := toml.DecodeFile(path, c)
	if err != nil {
		return errors.WrapError(errors.ErrDecodeConfigFile, err)
	}
	return checkUndecodedItems(metaData)
}

// ConfigFromString loads config from a TOML string.
func (c *Config) ConfigFromString(data string) error {
	metaData, err := toml.Decode(data, c)
	if err != nil {
		return errors.WrapError(errors.ErrDecodeConfigFile, err)
	}
	return checkUndecodedItems(metaData)
}

func checkUndecodedItems(metaData toml.MetaData) error {
	undecoded := metaData.Undecoded()
	if len(undecoded) > 0 {
		var undecodedItems []string
		for _, item := range undecoded {
			undecodedItems = append(undecodedItems, item.String())
		}
		return errors.ErrConfigUnknownItem.GenWithStackByArgs(strings.Join(undecodedItems, ","))
	}
	return nil
}

// ResolveHostIdentifier returns the host name or the first non loopback IPv4
// address, depending on the configured source.
func (c *Config) ResolveHostIdentifier() (string, error) {
	switch c.HostIdentifier {
	case HostIdentifierIPAddress:
		addrs, err := net.InterfaceAddrs()
		if err != nil {
			return "", errors.WrapError(errors.ErrResolveHostIdentifier, err, c.HostIdentifier)
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok || ipNet.IP.IsLoopback() {
				continue
			}
			if ip4 := ipNet.IP.To4(); ip4 != nil {
				return ip4.String(), nil
			}
		}
		return "", errors.ErrResolveHostIdentifier.GenWithStackByArgs(c.HostIdentifier)
	default:
		host, err := os.Hostname()
		if err != nil {
			return "", errors.WrapError(errors.ErrResolveHostIdentifier, err, c.HostIdentifier)
		}
		return host, nil
	}
}

// ResolveNodeID returns the configured node id, or the host identifier when
// none is configured.
func (c *Config) ResolveNodeID() (nodeID string, hostIdentifier string, err error) {
	hostIdentifier, err = c.ResolveHostIdentifier()
	if err != nil {
		return "", "", err
	}
	nodeID = c.NodeID
	if nodeID == "" {
		nodeID = hostIdentifier
	}
	return nodeID, hostIdentifier, nil
}
