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

package master

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	pendingPartitionsGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "batch_cluster",
		Subsystem: "master",
		Name:      "pending_partitions",
		Help:      "The number of PENDING or CLAIMED partitions of a partitioned step",
	}, []string{"step"})

	orphansReassignedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "batch_cluster",
		Subsystem: "master",
		Name:      "orphans_reassigned_total",
		Help:      "The number of orphaned partitions moved to another node",
	}, []string{"step"})

	handleDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "batch_cluster",
		Subsystem: "master",
		Name:      "handle_duration_seconds",
		Help:      "Bucketed histogram of the time a partitioned step waited for its partitions",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 16),
	}, []string{"step", "result"})
)

// InitMetrics registers all metrics in this file
func InitMetrics(registry *prometheus.Registry) {
	registry.MustRegister(pendingPartitionsGauge)
	registry.MustRegister(orphansReassignedCounter)
	registry.MustRegister(handleDuration)
}
