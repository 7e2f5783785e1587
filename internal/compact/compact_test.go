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

package compact

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cockroachdb/lakesync/internal/adapter"
	"github.com/cockroachdb/lakesync/internal/codec/parquet"
	"github.com/cockroachdb/lakesync/internal/types"
)

func writeDeltaFile(t *testing.T, store adapter.ObjectStore, codec parquet.Codec, key string, deltas []types.RowDelta) {
	t.Helper()
	body, err := codec.Encode(deltas, types.TableSchema{Table: "widgets"})
	require.NoError(t, err)
	require.NoError(t, store.PutObject(context.Background(), key, body, "application/vnd.apache.parquet"))
}

func newCompactor(t *testing.T, store adapter.ObjectStore, minFiles int) *Compactor {
	codec, err := parquet.NewReferenceCodec()
	require.NoError(t, err)
	return &Compactor{
		Store:  store,
		Codec:  codec,
		Config: types.CompactionConfig{MinDeltaFiles: minFiles, MaxDeltaFiles: 20},
		Schema: types.TableSchema{Table: "widgets"},
		NowFn:  func() time.Time { return time.UnixMilli(1000) },
		RandFn: func() string { return "abc123" },
	}
}

func TestCompactBelowMinFilesIsNoop(t *testing.T) {
	store := adapter.NewMemoryObjectStore()
	c := newCompactor(t, store, 5)
	stats, err := c.Compact(context.Background(), []string{"a", "b"}, "out")
	require.NoError(t, err)
	assert.Equal(t, Stats{}, stats)
}

func TestCompactMergesColumnLWWAcrossFiles(t *testing.T) {
	store := adapter.NewMemoryObjectStore()
	codec, err := parquet.NewReferenceCodec()
	require.NoError(t, err)

	writeDeltaFile(t, store, codec, "d1", []types.RowDelta{
		{Op: types.OpInsert, Table: "widgets", RowID: "1", ClientID: "c1", HLC: 100,
			Columns: []types.ColumnValue{{Column: "name", Value: types.StringValue("old")}, {Column: "qty", Value: types.IntValue(1)}}},
	})
	writeDeltaFile(t, store, codec, "d2", []types.RowDelta{
		{Op: types.OpUpdate, Table: "widgets", RowID: "1", ClientID: "c2", HLC: 200,
			Columns: []types.ColumnValue{{Column: "name", Value: types.StringValue("new")}}},
	})

	c := newCompactor(t, store, 2)
	stats, err := c.Compact(context.Background(), []string{"d1", "d2"}, "out")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.BaseFilesWritten)
	assert.Equal(t, 0, stats.DeleteFilesWritten)
	assert.Equal(t, 2, stats.DeltaFilesCompacted)

	body, err := store.GetObject(context.Background(), "out/base-1000-abc123.parquet")
	require.NoError(t, err)
	rows, err := codec.Decode(body)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "c2", rows[0].ClientID, "clientId must follow the latest-touching delta")

	var names []string
	for _, col := range rows[0].Columns {
		names = append(names, col.Column)
	}
	assert.ElementsMatch(t, []string{"name", "qty"}, names)
	for _, col := range rows[0].Columns {
		if col.Column == "name" {
			assert.Equal(t, "new", col.Value.Any())
		}
	}
}

func TestCompactDeadRowEmitsDeleteFile(t *testing.T) {
	store := adapter.NewMemoryObjectStore()
	codec, err := parquet.NewReferenceCodec()
	require.NoError(t, err)

	writeDeltaFile(t, store, codec, "d1", []types.RowDelta{
		{Op: types.OpInsert, Table: "widgets", RowID: "1", HLC: 100,
			Columns: []types.ColumnValue{{Column: "name", Value: types.StringValue("x")}}},
		{Op: types.OpDelete, Table: "widgets", RowID: "1", HLC: 200},
	})

	c := newCompactor(t, store, 1)
	stats, err := c.Compact(context.Background(), []string{"d1"}, "out")
	require.NoError(t, err)
	assert.Equal(t, 0, stats.BaseFilesWritten)
	assert.Equal(t, 1, stats.DeleteFilesWritten)

	body, err := store.GetObject(context.Background(), "out/delete-1000-abc123.parquet")
	require.NoError(t, err)
	rows, err := codec.Decode(body)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, types.OpDelete, rows[0].Op)
	assert.Empty(t, rows[0].Columns)
}

func TestCompactResurrectionAfterDeleteKeepsOnlyPostDeleteColumns(t *testing.T) {
	store := adapter.NewMemoryObjectStore()
	codec, err := parquet.NewReferenceCodec()
	require.NoError(t, err)

	writeDeltaFile(t, store, codec, "d1", []types.RowDelta{
		{Op: types.OpInsert, Table: "widgets", RowID: "1", HLC: 100,
			Columns: []types.ColumnValue{{Column: "name", Value: types.StringValue("pre-delete")}}},
		{Op: types.OpDelete, Table: "widgets", RowID: "1", HLC: 200},
		{Op: types.OpUpdate, Table: "widgets", RowID: "1", HLC: 300,
			Columns: []types.ColumnValue{{Column: "name", Value: types.StringValue("resurrected")}}},
	})

	c := newCompactor(t, store, 1)
	stats, err := c.Compact(context.Background(), []string{"d1"}, "out")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.BaseFilesWritten)
	assert.Equal(t, 0, stats.DeleteFilesWritten)

	body, err := store.GetObject(context.Background(), "out/base-1000-abc123.parquet")
	require.NoError(t, err)
	rows, err := codec.Decode(body)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Len(t, rows[0].Columns, 1)
	assert.Equal(t, "resurrected", rows[0].Columns[0].Value.Any())
}

func TestCompactTruncatesToMaxFiles(t *testing.T) {
	store := adapter.NewMemoryObjectStore()
	codec, err := parquet.NewReferenceCodec()
	require.NoError(t, err)

	keys := make([]string, 0, 3)
	for i := 0; i < 3; i++ {
		key := string(rune('a' + i))
		writeDeltaFile(t, store, codec, key, []types.RowDelta{
			{Op: types.OpInsert, Table: "widgets", RowID: key, HLC: 100, Columns: []types.ColumnValue{{Column: "n", Value: types.IntValue(int64(i))}}},
		})
		keys = append(keys, key)
	}

	c := newCompactor(t, store, 1)
	c.Config.MaxDeltaFiles = 2
	stats, err := c.Compact(context.Background(), keys, "out")
	require.NoError(t, err)
	assert.Equal(t, 2, stats.DeltaFilesCompacted)
}
