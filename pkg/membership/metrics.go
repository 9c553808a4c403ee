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
	"github.com/prometheus/client_golang/prometheus"
)

var (
	nodeLoadGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "batch_cluster",
		Subsystem: "membership",
		Name:      "node_load",
		Help:      "The number of partitions executing on this node",
	})

	heartbeatCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "batch_cluster",
		Subsystem: "membership",
		Name:      "heartbeat_total",
		Help:      "The number of heartbeats by outcome",
	}, []string{"result"})

	sweptNodesCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "batch_cluster",
		Subsystem: "membership",
		Name:      "swept_nodes_total",
		Help:      "The number of nodes marked unreachable or deleted by sweeps of this node",
	}, []string{"type"})

	activeNodesGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "batch_cluster",
		Subsystem: "membership",
		Name:      "active_nodes",
		Help:      "The number of active nodes in the cached cluster view",
	})
)

// InitMetrics registers all metrics in this file
func InitMetrics(registry *prometheus.Registry) {
	registry.MustRegister(nodeLoadGauge)
	registry.MustRegister(heartbeatCounter)
	registry.MustRegister(sweptNodesCounter)
	registry.MustRegister(activeNodesGauge)
}
