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

// Package flush implements the gateway's durable flush path: draining
// the delta buffer, serializing it in the configured format, persisting
// it through whichever adapter the gateway is wired to, and best-effort
// recording the new file with an Iceberg-style catalogue and the flush
// queue.
package flush

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/cockroachdb/lakesync/internal/adapter"
	"github.com/cockroachdb/lakesync/internal/buffer"
	"github.com/cockroachdb/lakesync/internal/catalogue"
	"github.com/cockroachdb/lakesync/internal/codec/parquet"
	"github.com/cockroachdb/lakesync/internal/types"
	"github.com/cockroachdb/lakesync/internal/util/metrics"
)

// errAlreadyFlushing is returned when Flush or FlushTable is called
// while a prior invocation on the same Coordinator is still running.
var errAlreadyFlushing = &types.FlushError{Err: fmt.Errorf("flush already in progress")}

// PublishMeta carries the context a QueuePublisher needs to route and
// log a published batch.
type PublishMeta struct {
	GatewayID string
	Schemas   map[string]types.TableSchema
}

// QueuePublisher is the flush queue's contract: publish a drained batch
// for downstream materialisation. Implementations must treat an empty
// entries slice as a no-op success.
type QueuePublisher interface {
	Publish(ctx context.Context, entries []types.RowDelta, meta PublishMeta) error
}

// Result summarizes one flush invocation.
type Result struct {
	Skipped    bool
	DeltaCount int
	ByteSize   int64
	ObjectKey  string
	HLCRange   types.HLCRange
}

// Coordinator drives a single gateway's flush path. Exactly one of
// ObjectStore or DatabaseAdapter should be set; ObjectStore takes
// precedence if both are non-nil, matching the "dispatch by adapter
// kind" design note.
type Coordinator struct {
	GatewayID       string
	Buffer          *buffer.Buffer
	ObjectStore     adapter.ObjectStore
	DatabaseAdapter adapter.DatabaseAdapter
	ParquetCodec    parquet.Codec
	Format          types.FlushFormat
	KeyPrefix       string
	Schemas         map[string]types.TableSchema
	Catalogue       catalogue.Client
	CatalogueNS     []string
	Queue           QueuePublisher

	flushing atomic.Bool
}

// Flush drains the entire buffer and persists it as one file (or one
// InsertDeltas call, for a database adapter).
func (c *Coordinator) Flush(ctx context.Context) (Result, error) {
	return c.flush(ctx, "", func() []types.RowDelta { return c.Buffer.Drain() })
}

// FlushTable drains only table's entries from the buffer, embedding
// "{table}-" in the derived object key.
func (c *Coordinator) FlushTable(ctx context.Context, table string) (Result, error) {
	return c.flush(ctx, table, func() []types.RowDelta { return c.Buffer.DrainTable(table) })
}

func (c *Coordinator) flush(ctx context.Context, table string, drain func() []types.RowDelta) (Result, error) {
	if !c.flushing.CompareAndSwap(false, true) {
		return Result{}, errAlreadyFlushing
	}
	defer c.flushing.Store(false)

	if c.Buffer.Snapshot().EstimatedBytes == 0 {
		return Result{Skipped: true}, nil
	}

	entries := drain()
	if len(entries) == 0 {
		return Result{Skipped: true}, nil
	}

	start := time.Now()
	result, err := c.persist(ctx, table, entries)
	metrics.FlushDuration.WithLabelValues(c.GatewayID).Observe(time.Since(start).Seconds())
	if err != nil {
		c.Buffer.Restore(entries)
		return Result{}, err
	}
	metrics.FlushBytes.WithLabelValues(c.GatewayID).Observe(float64(result.ByteSize))

	if c.Queue != nil {
		if err := c.Queue.Publish(ctx, entries, PublishMeta{GatewayID: c.GatewayID, Schemas: c.Schemas}); err != nil {
			log.WithError(err).Warn("flush: queue publish failed, file already persisted")
		}
	}

	return result, nil
}

func (c *Coordinator) persist(ctx context.Context, table string, entries []types.RowDelta) (Result, error) {
	var byteSize int64
	for _, d := range entries {
		byteSize += d.EstimatedBytes()
	}
	rng := hlcRange(entries)

	if c.DatabaseAdapter != nil && c.ObjectStore == nil {
		if err := c.DatabaseAdapter.InsertDeltas(ctx, entries); err != nil {
			return Result{}, &types.FlushError{Err: err}
		}
		return Result{DeltaCount: len(entries), ByteSize: byteSize, HLCRange: rng}, nil
	}

	key := objectKey(c.KeyPrefix, c.GatewayID, table, rng, c.Format)

	body, contentType, err := c.serialize(entries, table)
	if err != nil {
		return Result{}, &types.FlushError{Err: err}
	}

	if err := c.ObjectStore.PutObject(ctx, key, body, contentType); err != nil {
		return Result{}, &types.FlushError{Err: err}
	}

	if c.Catalogue != nil && c.Format == types.FlushFormatParquet {
		c.commitToCatalogue(ctx, table, key, int64(len(body)), len(entries))
	}

	return Result{
		DeltaCount: len(entries),
		ByteSize:   byteSize,
		ObjectKey:  key,
		HLCRange:   rng,
	}, nil
}

func (c *Coordinator) serialize(entries []types.RowDelta, table string) ([]byte, string, error) {
	switch c.Format {
	case types.FlushFormatJSON:
		env := types.FlushEnvelope{
			GatewayID:  c.GatewayID,
			CreatedAt:  time.Now().UnixMilli(),
			HLCRange:   hlcRange(entries),
			DeltaCount: len(entries),
			Deltas:     entries,
		}
		for _, d := range entries {
			env.ByteSize += d.EstimatedBytes()
		}
		body, err := types.EncodeFlushEnvelope(env)
		return body, "application/json", err
	default:
		if c.ParquetCodec == nil {
			return nil, "", fmt.Errorf("parquet flush format requires a ParquetCodec")
		}
		schema := c.Schemas[table]
		if schema.Table == "" && table != "" {
			schema.Table = table
		}
		body, err := c.ParquetCodec.Encode(entries, schema)
		return body, "application/vnd.apache.parquet", err
	}
}

// commitToCatalogue performs the best-effort createNamespace → createTable
// → appendFiles sequence. Any failure is logged, never returned: §4.7
// step 6 treats the whole catalogue commit as non-fatal.
func (c *Coordinator) commitToCatalogue(ctx context.Context, table, key string, size int64, records int) {
	if table == "" {
		return
	}
	if err := c.Catalogue.CreateNamespace(ctx, c.CatalogueNS); err != nil {
		log.WithError(err).Debug("flush: catalogue createNamespace failed (continuing)")
	}
	schema := c.Schemas[table]
	if err := c.Catalogue.CreateTable(ctx, c.CatalogueNS, table, schema, schema.PrimaryKey); err != nil {
		if ce, ok := err.(*types.CatalogueError); !ok || ce.StatusCode != 409 {
			log.WithError(err).Debug("flush: catalogue createTable failed (continuing)")
		}
	}

	files := []catalogue.DataFile{{Path: key, SizeBytes: size, RecordCount: int64(records)}}
	err := c.Catalogue.AppendFiles(ctx, c.CatalogueNS, table, files)
	if ce, ok := err.(*types.CatalogueError); ok && ce.StatusCode == 409 {
		err = c.Catalogue.AppendFiles(ctx, c.CatalogueNS, table, files)
	}
	if err != nil {
		log.WithError(err).Warn("flush: catalogue appendFiles failed (continuing)")
	}
}

func hlcRange(entries []types.RowDelta) types.HLCRange {
	r := types.HLCRange{Min: entries[0].HLC, Max: entries[0].HLC}
	for _, d := range entries[1:] {
		if d.HLC < r.Min {
			r.Min = d.HLC
		}
		if d.HLC > r.Max {
			r.Max = d.HLC
		}
	}
	return r
}

func objectKey(prefix, gatewayID, table string, r types.HLCRange, format types.FlushFormat) string {
	day := time.UnixMilli(r.Max.WallMs()).UTC().Format("2006-01-02")
	ext := "parquet"
	if format == types.FlushFormatJSON {
		ext = "json"
	}
	tablePrefix := ""
	if table != "" {
		tablePrefix = table + "-"
	}
	return fmt.Sprintf("deltas/%s/%s/%s%s%s-%s.%s", day, gatewayID, prefix, tablePrefix, r.Min, r.Max, ext)
}
