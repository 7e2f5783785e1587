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

// Package checkpoint generates chunked, byte-bounded snapshots of a
// compacted table's base files, so a fresh client can bootstrap without
// replaying the gateway's full delta history.
package checkpoint

import (
	"context"
	"fmt"
	"time"

	"github.com/cockroachdb/lakesync/internal/adapter"
	"github.com/cockroachdb/lakesync/internal/codec/parquet"
	"github.com/cockroachdb/lakesync/internal/codec/protobuf"
	"github.com/cockroachdb/lakesync/internal/types"
	"github.com/cockroachdb/lakesync/internal/util/hlc"
)

// bytesPerDelta and bytesPerColumn estimate a delta's size in the
// protobuf-encoded chunk, per spec.md §4.10 ("sized for the protobuf
// encoding, not the source").
const (
	bytesPerDelta  = 200
	bytesPerColumn = 50
)

// Stats summarizes one Generate invocation.
type Stats struct {
	ChunkCount   int
	TotalDeltas  int
	BytesRead    int64
	BytesWritten int64
}

// Generator produces chunked protobuf checkpoint files plus a JSON
// manifest from a set of compacted base files.
type Generator struct {
	Store        adapter.ObjectStore
	ParquetCodec parquet.Codec
	GatewayID    string
	ChunkBytes   int64

	// NowFn is overridable for deterministic tests; it defaults to
	// real wall-clock time.
	NowFn func() time.Time
}

func (g *Generator) chunkBytes() int64 {
	if g.ChunkBytes > 0 {
		return g.ChunkBytes
	}
	return types.DefaultCheckpointConfig().ChunkBytes
}

func (g *Generator) now() time.Time {
	if g.NowFn != nil {
		return g.NowFn()
	}
	return time.Now()
}

// Generate reads baseFileKeys sequentially, accumulates deltas until
// the estimated chunk size crosses ChunkBytes, and writes each chunk as
// a protobuf-encoded SyncResponse. A manifest listing every chunk is
// written last.
func (g *Generator) Generate(ctx context.Context, baseFileKeys []string, snapshotHLC hlc.Time) (Stats, error) {
	var stats Stats
	var chunks []string
	var accumulated []types.RowDelta
	var accumulatedBytes int64

	flush := func() error {
		if len(accumulated) == 0 {
			return nil
		}
		key := chunkKey(g.GatewayID, len(chunks))
		body, err := protobuf.Encode(protobuf.SyncResponse{Deltas: accumulated, ServerHLC: snapshotHLC})
		if err != nil {
			return &types.CheckpointError{Kind: "encode", Err: err}
		}
		if err := g.Store.PutObject(ctx, key, body, "application/octet-stream"); err != nil {
			return &types.CheckpointError{Kind: "write", Err: err}
		}
		stats.ChunkCount++
		stats.BytesWritten += int64(len(body))
		chunks = append(chunks, key)
		accumulated = nil
		accumulatedBytes = 0
		return nil
	}

	for _, key := range baseFileKeys {
		body, err := g.Store.GetObject(ctx, key)
		if err != nil {
			return Stats{}, &types.CheckpointError{Kind: "read", Err: err}
		}
		stats.BytesRead += int64(len(body))

		deltas, err := g.ParquetCodec.Decode(body)
		if err != nil {
			return Stats{}, &types.CheckpointError{Kind: "parse", Err: err}
		}

		for _, d := range deltas {
			accumulated = append(accumulated, d)
			accumulatedBytes += bytesPerDelta + bytesPerColumn*int64(len(d.Columns))
			stats.TotalDeltas++
			if accumulatedBytes >= g.chunkBytes() {
				if err := flush(); err != nil {
					return Stats{}, err
				}
			}
		}
	}
	if err := flush(); err != nil {
		return Stats{}, err
	}

	manifest := types.CheckpointManifest{
		SnapshotHLC: snapshotHLC,
		GeneratedAt: g.now().UnixMilli(),
		ChunkCount:  stats.ChunkCount,
		TotalDeltas: stats.TotalDeltas,
		Chunks:      chunks,
	}
	manifestBody, err := types.EncodeCheckpointManifest(manifest)
	if err != nil {
		return Stats{}, &types.CheckpointError{Kind: "encode", Err: err}
	}
	if err := g.Store.PutObject(ctx, manifestKey(g.GatewayID), manifestBody, "application/json"); err != nil {
		return Stats{}, &types.CheckpointError{Kind: "write", Err: err}
	}

	return stats, nil
}

// GetCheckpointKeys returns the manifest key plus every chunk key for a
// checkpoint with chunkCount chunks, so the maintenance runner can
// protect them from the orphan sweep.
func (g *Generator) GetCheckpointKeys(chunkCount int) []string {
	keys := make([]string, 0, chunkCount+1)
	keys = append(keys, manifestKey(g.GatewayID))
	for i := 0; i < chunkCount; i++ {
		keys = append(keys, chunkKey(g.GatewayID, i))
	}
	return keys
}

func manifestKey(gatewayID string) string {
	return fmt.Sprintf("checkpoints/%s/manifest.json", gatewayID)
}

func chunkKey(gatewayID string, index int) string {
	return fmt.Sprintf("checkpoints/%s/chunk-%03d.bin", gatewayID, index)
}
