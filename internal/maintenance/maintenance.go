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

// Package maintenance orchestrates one background cycle of compaction,
// checkpoint generation, and orphan sweeping for a single table.
package maintenance

import (
	"context"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/cockroachdb/lakesync/internal/adapter"
	"github.com/cockroachdb/lakesync/internal/checkpoint"
	"github.com/cockroachdb/lakesync/internal/compact"
	"github.com/cockroachdb/lakesync/internal/types"
	"github.com/cockroachdb/lakesync/internal/util/hlc"
	"github.com/cockroachdb/lakesync/internal/util/metrics"
)

// Result summarizes one maintenance cycle.
type Result struct {
	Compaction       compact.Stats
	SnapshotsExpired int
	OrphansRemoved   int
	Checkpoint       *checkpoint.Stats
}

// Runner ties the compactor, an optional checkpoint generator, and the
// orphan sweep into a single cycle, per spec.md §4.11.
type Runner struct {
	GatewayID  string
	Store      adapter.ObjectStore
	Compactor  *compact.Compactor
	Checkpoint *checkpoint.Generator
	Config     types.MaintenanceConfig

	NowFn func() time.Time
}

func (r *Runner) now() time.Time {
	if r.NowFn != nil {
		return r.NowFn()
	}
	return time.Now()
}

func (r *Runner) orphanAgeMs() int64 {
	if r.Config.OrphanAgeMs > 0 {
		return r.Config.OrphanAgeMs
	}
	return types.DefaultMaintenanceConfig().OrphanAgeMs
}

// Run executes one maintenance cycle: compact deltaFileKeys into
// outputPrefix, optionally checkpoint the freshly-written base files,
// then sweep storagePrefix for orphaned delta files.
func (r *Runner) Run(ctx context.Context, deltaFileKeys []string, outputPrefix, storagePrefix string) (Result, error) {
	result, err := r.run(ctx, deltaFileKeys, outputPrefix, storagePrefix)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.MaintenanceCycles.WithLabelValues(r.GatewayID, outcome).Inc()
	return result, err
}

func (r *Runner) run(ctx context.Context, deltaFileKeys []string, outputPrefix, storagePrefix string) (Result, error) {
	compaction, err := r.Compactor.Compact(ctx, deltaFileKeys, outputPrefix)
	if err != nil {
		return Result{}, &types.MaintenanceError{Code: "MAINTENANCE_COMPACTION_ERROR", Err: err}
	}

	maxFiles := r.Compactor.Config.MaxDeltaFiles
	if maxFiles <= 0 {
		maxFiles = types.DefaultCompactionConfig().MaxDeltaFiles
	}
	var unconsumed []string
	if len(deltaFileKeys) > maxFiles {
		unconsumed = deltaFileKeys[maxFiles:]
	}

	outputObjects, err := r.Store.ListObjects(ctx, outputPrefix)
	if err != nil {
		return Result{}, &types.CompactionError{Kind: "read", Err: err}
	}

	activeKeys := make(map[string]struct{}, len(unconsumed)+len(outputObjects))
	for _, k := range unconsumed {
		activeKeys[k] = struct{}{}
	}
	for _, o := range outputObjects {
		activeKeys[o.Key] = struct{}{}
	}

	result := Result{Compaction: compaction}

	if r.Checkpoint != nil && compaction.BaseFilesWritten > 0 {
		baseKeys := make([]string, 0, len(outputObjects))
		for _, o := range outputObjects {
			if strings.Contains(o.Key, "/base-") && strings.HasSuffix(o.Key, ".parquet") {
				baseKeys = append(baseKeys, o.Key)
			}
		}
		snapshotHLC := hlc.New(r.now().UnixMilli(), 0)
		stats, err := r.Checkpoint.Generate(ctx, baseKeys, snapshotHLC)
		if err != nil {
			log.WithError(err).Warn("maintenance: checkpoint generation failed")
		} else {
			result.Checkpoint = &stats
			for _, k := range r.Checkpoint.GetCheckpointKeys(stats.ChunkCount) {
				activeKeys[k] = struct{}{}
			}
		}
	}

	removed, err := r.removeOrphans(ctx, storagePrefix, activeKeys)
	if err != nil {
		return Result{}, err
	}
	result.OrphansRemoved = removed

	return result, nil
}

// removeOrphans deletes every object under prefix that is both absent
// from activeKeys and at least orphanAgeMs old. An object is eligible
// only when both conditions hold simultaneously, so an in-flight flush
// writing a new file under prefix is never mistaken for an orphan.
func (r *Runner) removeOrphans(ctx context.Context, prefix string, activeKeys map[string]struct{}) (int, error) {
	objects, err := r.Store.ListObjects(ctx, prefix)
	if err != nil {
		return 0, &types.CompactionError{Kind: "read", Err: err}
	}

	now := r.now()
	ageLimit := r.orphanAgeMs()
	var toDelete []string
	for _, o := range objects {
		if _, active := activeKeys[o.Key]; active {
			continue
		}
		ageMs := now.Sub(o.LastModified).Milliseconds()
		if ageMs >= ageLimit {
			toDelete = append(toDelete, o.Key)
		}
	}
	if len(toDelete) == 0 {
		return 0, nil
	}
	if err := r.Store.DeleteObjects(ctx, toDelete); err != nil {
		return 0, &types.CompactionError{Kind: "store", Err: err}
	}
	log.WithField("count", len(toDelete)).Debug("maintenance: removed orphaned objects")
	return len(toDelete), nil
}
