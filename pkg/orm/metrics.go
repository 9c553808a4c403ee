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

package orm

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	slowStatementsCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "batch_cluster",
		Subsystem: "store",
		Name:      "slow_statements_total",
		Help:      "The number of statements slower than the slow threshold",
	})

	statementErrorsCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "batch_cluster",
		Subsystem: "store",
		Name:      "statement_errors_total",
		Help:      "The number of failed statements by kind",
	}, []string{"kind"})
)

// InitMetrics registers all metrics in this file
func InitMetrics(registry *prometheus.Registry) {
	registry.MustRegister(slowStatementsCounter)
	registry.MustRegister(statementErrorsCounter)
}
