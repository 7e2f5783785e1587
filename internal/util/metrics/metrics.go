// Copyright 2023 The Cockroach Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// SPDX-License-Identifier: Apache-2.0

// Package metrics holds the Prometheus collectors shared across the
// gateway, so every package reports under consistent names, label
// sets, and bucket boundaries instead of defining its own.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// TableLabels is used by per-table counters and histograms.
var TableLabels = []string{"table"}

// GatewayLabels is used by per-gateway counters and histograms.
var GatewayLabels = []string{"gateway"}

// LatencyBuckets covers sub-millisecond to multi-minute operations,
// appropriate for both in-memory buffer operations and object-store
// round trips.
var LatencyBuckets = []float64{
	.001, .002, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 180,
}

// ByteSizeBuckets covers small deltas through multi-hundred-megabyte
// flush files.
var ByteSizeBuckets = []float64{
	1 << 10, 1 << 14, 1 << 16, 1 << 18, 1 << 20, 1 << 22, 1 << 24, 1 << 26, 1 << 28,
}

// DeltasIngested counts deltas accepted by the push path, labeled by
// table.
var DeltasIngested = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "lakesync",
	Subsystem: "ingest",
	Name:      "deltas_total",
	Help:      "Row deltas accepted through the push path.",
}, TableLabels)

// FlushDuration observes wall-clock time spent persisting one buffer
// drain, labeled by gateway.
var FlushDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "lakesync",
	Subsystem: "flush",
	Name:      "duration_seconds",
	Help:      "Time spent flushing the delta buffer to durable storage.",
	Buckets:   LatencyBuckets,
}, GatewayLabels)

// FlushBytes observes the encoded size of one flush, labeled by
// gateway.
var FlushBytes = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "lakesync",
	Subsystem: "flush",
	Name:      "bytes",
	Help:      "Encoded size of one flush file or batch.",
	Buckets:   ByteSizeBuckets,
}, GatewayLabels)

// MaintenanceCycles counts completed maintenance runs, labeled by
// gateway and outcome ("ok" or "error").
var MaintenanceCycles = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "lakesync",
	Subsystem: "maintenance",
	Name:      "cycles_total",
	Help:      "Completed maintenance cycles, by outcome.",
}, []string{"gateway", "outcome"})

// MustRegister registers every collector in this package against reg.
// Deployments that embed more than one gateway in a process should
// call this once against a shared registry.
func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(DeltasIngested, FlushDuration, FlushBytes, MaintenanceCycles)
}
