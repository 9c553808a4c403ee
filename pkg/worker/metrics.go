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

package worker

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	claimedPartitionsCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "batch_cluster",
		Subsystem: "worker",
		Name:      "claimed_partitions_total",
		Help:      "The number of partitions claimed by this node",
	})

	executedPartitionsCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "batch_cluster",
		Subsystem: "worker",
		Name:      "executed_partitions_total",
		Help:      "The number of partitions executed by this node by terminal status",
	}, []string{"status"})

	fencedWritesCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "batch_cluster",
		Subsystem: "worker",
		Name:      "fenced_writes_total",
		Help:      "The number of partition status writes rejected because the partition was reassigned",
	})

	releasedPartitionsCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "batch_cluster",
		Subsystem: "worker",
		Name:      "released_partitions_total",
		Help:      "The number of aborted partitions handed back as pending",
	})

	inFlightGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "batch_cluster",
		Subsystem: "worker",
		Name:      "in_flight_partitions",
		Help:      "The number of claimed partitions queued or executing on this node",
	})
)

// InitMetrics registers all metrics in this file
func InitMetrics(registry *prometheus.Registry) {
	registry.MustRegister(claimedPartitionsCounter)
	registry.MustRegister(executedPartitionsCounter)
	registry.MustRegister(fencedWritesCounter)
	registry.MustRegister(releasedPartitionsCounter)
	registry.MustRegister(inFlightGauge)
}
