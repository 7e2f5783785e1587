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

package maintenance

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cockroachdb/lakesync/internal/adapter"
	"github.com/cockroachdb/lakesync/internal/checkpoint"
	"github.com/cockroachdb/lakesync/internal/codec/parquet"
	"github.com/cockroachdb/lakesync/internal/compact"
	"github.com/cockroachdb/lakesync/internal/types"
)

func writeDelta(t *testing.T, store adapter.ObjectStore, codec parquet.Codec, key, rowID string) {
	t.Helper()
	body, err := codec.Encode([]types.RowDelta{
		{Op: types.OpInsert, Table: "widgets", RowID: rowID, HLC: 100,
			Columns: []types.ColumnValue{{Column: "n", Value: types.StringValue("x")}}},
	}, types.TableSchema{Table: "widgets"})
	require.NoError(t, err)
	require.NoError(t, store.PutObject(context.Background(), key, body, "application/vnd.apache.parquet"))
}

func TestRunCompactsChecksAndSweepsOrphans(t *testing.T) {
	store := adapter.NewMemoryObjectStore()
	codec, err := parquet.NewReferenceCodec()
	require.NoError(t, err)

	writeDelta(t, store, codec, "deltas/d1", "1")
	writeDelta(t, store, codec, "deltas/d2", "2")
	require.NoError(t, store.PutObject(context.Background(), "deltas/old-orphan", []byte("x"), "text/plain"))

	compactor := &compact.Compactor{
		Store:  store,
		Codec:  codec,
		Config: types.CompactionConfig{MinDeltaFiles: 2, MaxDeltaFiles: 20},
		Schema: types.TableSchema{Table: "widgets"},
		NowFn:  func() time.Time { return time.UnixMilli(1000) },
		RandFn: func() string { return "abc" },
	}
	cpGen := &checkpoint.Generator{
		Store:        store,
		ParquetCodec: codec,
		GatewayID:    "gw1",
		NowFn:        func() time.Time { return time.UnixMilli(2000) },
	}

	runner := &Runner{
		Store:      store,
		Compactor:  compactor,
		Checkpoint: cpGen,
		Config:     types.MaintenanceConfig{RetainSnapshots: 5, OrphanAgeMs: 3_600_000},
		NowFn:      func() time.Time { return time.Now().Add(2 * time.Hour) },
	}

	result, err := runner.Run(context.Background(), []string{"deltas/d1", "deltas/d2"}, "out", "deltas/")
	require.NoError(t, err)
	assert.Equal(t, 1, result.Compaction.BaseFilesWritten)
	require.NotNil(t, result.Checkpoint)
	assert.Equal(t, 1, result.Checkpoint.ChunkCount)
	assert.Equal(t, 3, result.OrphansRemoved, "consumed source deltas and old-orphan are all unreferenced and old")

	_, err = store.GetObject(context.Background(), "deltas/old-orphan")
	require.Error(t, err)
	_, err = store.GetObject(context.Background(), "deltas/d1")
	require.Error(t, err, "consumed delta files become orphans once compacted")

	manifestBody, err := store.GetObject(context.Background(), "checkpoints/gw1/manifest.json")
	require.NoError(t, err)
	require.NotEmpty(t, manifestBody)
}

func TestRunSkipsCheckpointWhenNoBaseFilesWritten(t *testing.T) {
	store := adapter.NewMemoryObjectStore()
	codec, err := parquet.NewReferenceCodec()
	require.NoError(t, err)

	writeDelta(t, store, codec, "deltas/d1", "1")

	compactor := &compact.Compactor{
		Store:  store,
		Codec:  codec,
		Config: types.CompactionConfig{MinDeltaFiles: 5, MaxDeltaFiles: 20},
		Schema: types.TableSchema{Table: "widgets"},
	}
	cpGen := &checkpoint.Generator{Store: store, ParquetCodec: codec, GatewayID: "gw1"}

	runner := &Runner{Store: store, Compactor: compactor, Checkpoint: cpGen, Config: types.DefaultMaintenanceConfig()}
	result, err := runner.Run(context.Background(), []string{"deltas/d1"}, "out", "deltas/")
	require.NoError(t, err)
	assert.Nil(t, result.Checkpoint, "below MinDeltaFiles, compaction is a no-op, so no checkpoint runs")

	_, err = store.GetObject(context.Background(), "checkpoints/gw1/manifest.json")
	require.Error(t, err, "no checkpoint should have been written")
}

func TestRemoveOrphansSkipsActiveKeysRegardlessOfAge(t *testing.T) {
	store := adapter.NewMemoryObjectStore()
	require.NoError(t, store.PutObject(context.Background(), "p/active.bin", []byte("a"), "text/plain"))
	require.NoError(t, store.PutObject(context.Background(), "p/old.bin", []byte("b"), "text/plain"))

	now := time.Now().Add(2 * time.Hour)
	runner := &Runner{
		Store:  store,
		Config: types.MaintenanceConfig{OrphanAgeMs: 3_600_000},
		NowFn:  func() time.Time { return now },
	}

	removed, err := runner.removeOrphans(context.Background(), "p/", map[string]struct{}{"p/active.bin": {}})
	require.NoError(t, err)
	assert.Equal(t, 1, removed, "only old.bin is both unreferenced and past orphanAgeMs")

	_, err = store.GetObject(context.Background(), "p/active.bin")
	require.NoError(t, err, "active.bin must survive regardless of age")
	_, err = store.GetObject(context.Background(), "p/old.bin")
	require.Error(t, err)
}

func TestRemoveOrphansSkipsObjectsYoungerThanOrphanAge(t *testing.T) {
	store := adapter.NewMemoryObjectStore()
	require.NoError(t, store.PutObject(context.Background(), "p/young.bin", []byte("c"), "text/plain"))

	runner := &Runner{
		Store:  store,
		Config: types.MaintenanceConfig{OrphanAgeMs: 3_600_000},
		NowFn:  func() time.Time { return time.Now() },
	}

	removed, err := runner.removeOrphans(context.Background(), "p/", map[string]struct{}{})
	require.NoError(t, err)
	assert.Equal(t, 0, removed, "young.bin has not yet crossed orphanAgeMs")
}
