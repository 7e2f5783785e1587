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

// Package gateway wires the push, pull, flush, action, and maintenance
// paths into a single instance, the unit one replicated client talks
// to and one scheduler drives.
package gateway

import (
	"context"
	"time"

	"github.com/cockroachdb/lakesync/internal/action"
	"github.com/cockroachdb/lakesync/internal/adapter"
	"github.com/cockroachdb/lakesync/internal/buffer"
	"github.com/cockroachdb/lakesync/internal/catalogue"
	"github.com/cockroachdb/lakesync/internal/checkpoint"
	"github.com/cockroachdb/lakesync/internal/codec/parquet"
	"github.com/cockroachdb/lakesync/internal/compact"
	"github.com/cockroachdb/lakesync/internal/flush"
	"github.com/cockroachdb/lakesync/internal/flushqueue"
	"github.com/cockroachdb/lakesync/internal/ingest"
	"github.com/cockroachdb/lakesync/internal/maintenance"
	"github.com/cockroachdb/lakesync/internal/pull"
	"github.com/cockroachdb/lakesync/internal/scheduler"
	"github.com/cockroachdb/lakesync/internal/schema"
	"github.com/cockroachdb/lakesync/internal/source"
	"github.com/cockroachdb/lakesync/internal/syncrules"
	"github.com/cockroachdb/lakesync/internal/types"
	"github.com/cockroachdb/lakesync/internal/util/hlc"
	"github.com/cockroachdb/lakesync/internal/validate"
)

// Deps collects every external collaborator a Gateway is built from.
// ObjectStore and DatabaseAdapter are mutually exclusive persistence
// backends; at least one must be set.
type Deps struct {
	Config         types.GatewayConfig
	Schema         types.TableSchema
	MaxDrift       time.Duration
	ObjectStore    adapter.ObjectStore
	Database       adapter.DatabaseAdapter
	Catalogue      catalogue.Client
	CatalogueNS    []string
	Handlers       map[string]action.Handler
	Materialisers  []flushqueue.Materialiser
	SourceRegistry *source.Registry
	Rules          *syncrules.Rules
}

// Gateway is one replicated table's sync endpoint: ingest, pull,
// flush, imperative actions, and the background maintenance cycle, all
// sharing one HLC clock, buffer, and schema manager.
type Gateway struct {
	Config types.GatewayConfig

	Clock  *hlc.Clock
	Buffer *buffer.Buffer
	Schema *schema.Manager

	Ingest      *ingest.Coordinator
	Pull        *pull.Coordinator
	Flush       *flush.Coordinator
	Dispatcher  *action.Dispatcher
	Compactor   *compact.Compactor
	Checkpoint  *checkpoint.Generator
	Maintenance *maintenance.Runner
	Scheduler   *scheduler.Scheduler
	Rules       *syncrules.Rules
}

// New builds a Gateway from Deps, wiring the shared clock, buffer, and
// schema manager through every sub-coordinator the way spec.md's data
// flow diagram describes: push -> ingest -> buffer; timer/backpressure
// -> flush -> adapter/catalogue/queue; scheduler -> maintenance ->
// compactor -> checkpoint -> orphan sweep.
func New(deps Deps) (*Gateway, error) {
	schemaMgr, err := schema.NewManager(deps.Schema)
	if err != nil {
		return nil, err
	}

	clock := hlc.NewClock(deps.MaxDrift)
	buf := buffer.New()

	ingestCoord := &ingest.Coordinator{
		Clock:                clock,
		Buffer:               buf,
		Pipeline:             validate.Default(schemaMgr.ValidateDelta),
		MaxBackpressureBytes: deps.Config.EffectiveMaxBackpressureBytes(),
	}

	registry := deps.SourceRegistry
	if registry == nil {
		registry = source.NewRegistry()
	}
	pullCoord := &pull.Coordinator{Clock: clock, Buffer: buf, Registry: registry}

	schemas := map[string]types.TableSchema{deps.Schema.Table: deps.Schema}

	var queue flush.QueuePublisher
	if len(deps.Materialisers) > 0 {
		queue = &flushqueue.Memory{Materialisers: deps.Materialisers}
	} else if deps.ObjectStore != nil {
		queue = &flushqueue.ObjectStore{Store: deps.ObjectStore}
	}

	parquetCodec, err := parquet.NewReferenceCodec()
	if err != nil {
		return nil, err
	}

	flushCoord := &flush.Coordinator{
		GatewayID:       deps.Config.GatewayID,
		Buffer:          buf,
		ObjectStore:     deps.ObjectStore,
		DatabaseAdapter: deps.Database,
		ParquetCodec:    parquetCodec,
		Format:          deps.Config.FlushFormat,
		KeyPrefix:       "deltas/",
		Schemas:         schemas,
		Catalogue:       deps.Catalogue,
		CatalogueNS:     deps.CatalogueNS,
		Queue:           queue,
	}

	dispatcher := &action.Dispatcher{
		Clock:    clock,
		Handlers: deps.Handlers,
		Cache:    action.NewCache(action.DefaultCacheTTL, action.DefaultCacheSize),
	}

	var compactor *compact.Compactor
	var checkpointGen *checkpoint.Generator
	var maintenanceRunner *maintenance.Runner
	if deps.ObjectStore != nil {
		compactor = &compact.Compactor{
			Store:  deps.ObjectStore,
			Codec:  parquetCodec,
			Config: types.DefaultCompactionConfig(),
			Schema: deps.Schema,
		}
		checkpointGen = &checkpoint.Generator{
			Store:        deps.ObjectStore,
			ParquetCodec: parquetCodec,
			GatewayID:    deps.Config.GatewayID,
		}
		maintenanceRunner = &maintenance.Runner{
			GatewayID:  deps.Config.GatewayID,
			Store:      deps.ObjectStore,
			Compactor:  compactor,
			Checkpoint: checkpointGen,
			Config:     types.DefaultMaintenanceConfig(),
		}
	}

	g := &Gateway{
		Config:      deps.Config,
		Clock:       clock,
		Buffer:      buf,
		Schema:      schemaMgr,
		Ingest:      ingestCoord,
		Pull:        pullCoord,
		Flush:       flushCoord,
		Dispatcher:  dispatcher,
		Compactor:   compactor,
		Checkpoint:  checkpointGen,
		Maintenance: maintenanceRunner,
		Rules:       deps.Rules,
	}

	if maintenanceRunner != nil {
		g.Scheduler = &scheduler.Scheduler{
			Runner:       maintenanceRunner,
			TaskProvider: g.defaultMaintenanceTask,
			Config:       types.DefaultSchedulerConfig(),
		}
	}

	return g, nil
}

// ShouldFlush reports whether the buffer has crossed this gateway's
// configured size/age threshold, applying the adaptive reduction when
// configured and the buffer's average delta size is wide.
func (g *Gateway) ShouldFlush() bool {
	maxBytes := g.Config.MaxBufferBytes
	if a := g.Config.Adaptive; a != nil {
		if avg := g.averageDeltaBytes(); avg > a.WideColumnThresholdBytes {
			maxBytes = int64(float64(maxBytes) * a.ReductionFactor)
		}
	}
	return g.Buffer.ShouldFlush(buffer.ShouldFlushParams{
		MaxBytes: maxBytes,
		MaxAgeMs: g.Config.MaxBufferAgeMs,
	})
}

func (g *Gateway) averageDeltaBytes() int64 {
	snap := g.Buffer.Snapshot()
	if len(snap.Log) == 0 {
		return 0
	}
	return snap.EstimatedBytes / int64(len(snap.Log))
}

// defaultMaintenanceTask is the Gateway's built-in scheduler
// TaskProvider: it has no durable record of which delta file keys
// belong to this table, since that bookkeeping lives with whatever
// catalogue or metadata store the deployment wires in. Deployments
// that need scheduled maintenance should supply their own
// TaskProvider on g.Scheduler; this default always reports nothing to
// do so Start/Stop still function for deployments that only call
// RunMaintenance directly.
func (g *Gateway) defaultMaintenanceTask(ctx context.Context) (*scheduler.Task, error) {
	return nil, nil
}

// RunMaintenance runs one maintenance cycle directly, bypassing the
// scheduler's single-flight guard (the caller is responsible for not
// overlapping calls).
func (g *Gateway) RunMaintenance(ctx context.Context, deltaFileKeys []string, outputPrefix, storagePrefix string) (maintenance.Result, error) {
	return g.Maintenance.Run(ctx, deltaFileKeys, outputPrefix, storagePrefix)
}

// PullRequest builds a pull.Request for a client pulling since sinceHLC,
// threading claims through syncrules.Context using this gateway's
// configured rules. RulesCtx is left nil (no filtering) when the
// gateway has no rules configured, matching FilterStream's permissive
// default. Embedding deployments that add their own transport layer
// (see cmd/lakesync's doc comment) should build requests through this
// method rather than constructing pull.Request directly, so a
// gateway's sync rules are never accidentally bypassed.
func (g *Gateway) PullRequest(clientID string, sinceHLC hlc.Time, maxDeltas int, source string, claims map[string]any) pull.Request {
	req := pull.Request{
		ClientID:  clientID,
		SinceHLC:  sinceHLC,
		MaxDeltas: maxDeltas,
		Source:    source,
	}
	if g.Rules != nil {
		req.RulesCtx = &syncrules.Context{Claims: claims, Rules: *g.Rules}
	}
	return req
}
