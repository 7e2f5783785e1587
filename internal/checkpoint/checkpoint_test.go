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

package checkpoint

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cockroachdb/lakesync/internal/adapter"
	"github.com/cockroachdb/lakesync/internal/codec/parquet"
	"github.com/cockroachdb/lakesync/internal/codec/protobuf"
	"github.com/cockroachdb/lakesync/internal/types"
)

func writeBaseFile(t *testing.T, store adapter.ObjectStore, codec parquet.Codec, key string, n int) {
	t.Helper()
	deltas := make([]types.RowDelta, 0, n)
	for i := 0; i < n; i++ {
		deltas = append(deltas, types.RowDelta{
			Op:    types.OpInsert,
			Table: "widgets",
			RowID: string(rune('a' + i)),
			HLC:   100,
			Columns: []types.ColumnValue{
				{Column: "name", Value: types.StringValue("x")},
			},
		})
	}
	body, err := codec.Encode(deltas, types.TableSchema{Table: "widgets"})
	require.NoError(t, err)
	require.NoError(t, store.PutObject(context.Background(), key, body, "application/vnd.apache.parquet"))
}

func newGenerator(t *testing.T, store adapter.ObjectStore, chunkBytes int64) *Generator {
	codec, err := parquet.NewReferenceCodec()
	require.NoError(t, err)
	return &Generator{
		Store:        store,
		ParquetCodec: codec,
		GatewayID:    "gw1",
		ChunkBytes:   chunkBytes,
		NowFn:        func() time.Time { return time.UnixMilli(5000) },
	}
}

func TestGenerateSingleChunkWritesManifestAndOneChunk(t *testing.T) {
	store := adapter.NewMemoryObjectStore()
	codec, err := parquet.NewReferenceCodec()
	require.NoError(t, err)
	writeBaseFile(t, store, codec, "base1", 2)

	g := newGenerator(t, store, 16<<20)
	stats, err := g.Generate(context.Background(), []string{"base1"}, 42)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.ChunkCount)
	assert.Equal(t, 2, stats.TotalDeltas)

	manifestBody, err := store.GetObject(context.Background(), "checkpoints/gw1/manifest.json")
	require.NoError(t, err)
	manifest, err := types.DecodeCheckpointManifest(manifestBody)
	require.NoError(t, err)
	assert.Equal(t, 1, manifest.ChunkCount)
	assert.Equal(t, 2, manifest.TotalDeltas)
	assert.Equal(t, []string{"checkpoints/gw1/chunk-000.bin"}, manifest.Chunks)
	assert.EqualValues(t, 42, manifest.SnapshotHLC)
	assert.Equal(t, int64(5000), manifest.GeneratedAt)

	chunkBody, err := store.GetObject(context.Background(), "checkpoints/gw1/chunk-000.bin")
	require.NoError(t, err)
	assert.NotEmpty(t, chunkBody)
}

func TestGenerateSmallChunkBytesSplitsAcrossMultipleChunks(t *testing.T) {
	store := adapter.NewMemoryObjectStore()
	codec, err := parquet.NewReferenceCodec()
	require.NoError(t, err)
	writeBaseFile(t, store, codec, "base1", 5)

	// One delta with one column estimates to 200 + 50 = 250 bytes; a
	// 250-byte budget forces a new chunk on every delta.
	g := newGenerator(t, store, 250)
	stats, err := g.Generate(context.Background(), []string{"base1"}, 7)
	require.NoError(t, err)
	assert.Equal(t, 5, stats.ChunkCount)
	assert.Equal(t, 5, stats.TotalDeltas)

	keys := g.GetCheckpointKeys(stats.ChunkCount)
	require.Len(t, keys, 6)
	assert.Equal(t, "checkpoints/gw1/manifest.json", keys[0])
	assert.Equal(t, "checkpoints/gw1/chunk-004.bin", keys[5])
	for _, k := range keys {
		_, err := store.GetObject(context.Background(), k)
		assert.NoError(t, err)
	}
}

func TestGenerateAcrossMultipleBaseFiles(t *testing.T) {
	store := adapter.NewMemoryObjectStore()
	codec, err := parquet.NewReferenceCodec()
	require.NoError(t, err)
	writeBaseFile(t, store, codec, "base1", 2)
	writeBaseFile(t, store, codec, "base2", 3)

	g := newGenerator(t, store, 16<<20)
	stats, err := g.Generate(context.Background(), []string{"base1", "base2"}, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.ChunkCount)
	assert.Equal(t, 5, stats.TotalDeltas)
}

func TestGenerateReadFailureWrapsCheckpointError(t *testing.T) {
	store := adapter.NewMemoryObjectStore()
	g := newGenerator(t, store, 16<<20)
	_, err := g.Generate(context.Background(), []string{"missing"}, 1)
	require.Error(t, err)
	var cerr *types.CheckpointError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "read", cerr.Kind)
}

func TestGetCheckpointKeysWithZeroChunks(t *testing.T) {
	store := adapter.NewMemoryObjectStore()
	g := newGenerator(t, store, 16<<20)
	keys := g.GetCheckpointKeys(0)
	assert.Equal(t, []string{"checkpoints/gw1/manifest.json"}, keys)
}

func TestChunkPayloadDecodesAsSyncResponse(t *testing.T) {
	store := adapter.NewMemoryObjectStore()
	codec, err := parquet.NewReferenceCodec()
	require.NoError(t, err)
	writeBaseFile(t, store, codec, "base1", 1)

	g := newGenerator(t, store, 16<<20)
	_, err = g.Generate(context.Background(), []string{"base1"}, 99)
	require.NoError(t, err)

	chunkBody, err := store.GetObject(context.Background(), "checkpoints/gw1/chunk-000.bin")
	require.NoError(t, err)
	resp, err := protobuf.Decode(chunkBody)
	require.NoError(t, err)
	assert.EqualValues(t, 99, resp.ServerHLC)
	require.Len(t, resp.Deltas, 1)
}
