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

package adapter

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cockroachdb/lakesync/internal/types"
)

func TestMemoryObjectStorePutGetHead(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryObjectStore()

	require.NoError(t, s.PutObject(ctx, "deltas/a.json", []byte("hello"), "application/json"))

	body, err := s.GetObject(ctx, "deltas/a.json")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(body))

	info, err := s.HeadObject(ctx, "deltas/a.json")
	require.NoError(t, err)
	assert.Equal(t, int64(5), info.Size)

	_, err = s.GetObject(ctx, "missing")
	assert.Error(t, err)
}

func TestMemoryObjectStoreListAndDelete(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryObjectStore()
	require.NoError(t, s.PutObject(ctx, "deltas/2026-01-01/a.json", []byte("x"), ""))
	require.NoError(t, s.PutObject(ctx, "deltas/2026-01-01/b.json", []byte("y"), ""))
	require.NoError(t, s.PutObject(ctx, "checkpoints/manifest.json", []byte("z"), ""))

	list, err := s.ListObjects(ctx, "deltas/2026-01-01/")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "deltas/2026-01-01/a.json", list[0].Key)

	require.NoError(t, s.DeleteObjects(ctx, []string{"deltas/2026-01-01/a.json", "deltas/2026-01-01/b.json"}))
	list, err = s.ListObjects(ctx, "deltas/2026-01-01/")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestMemoryDatabaseAdapterInsertAndQuery(t *testing.T) {
	ctx := context.Background()
	a := NewMemoryDatabaseAdapter()

	deltas := []types.RowDelta{
		{Table: "widgets", RowID: "1", HLC: 10, Columns: []types.ColumnValue{{Column: "n", Value: types.IntValue(1)}}},
		{Table: "widgets", RowID: "2", HLC: 20, Columns: []types.ColumnValue{{Column: "n", Value: types.IntValue(2)}}},
	}
	require.NoError(t, a.InsertDeltas(ctx, deltas))

	got, err := a.QueryDeltasSince(ctx, 5, 0)
	require.NoError(t, err)
	require.Len(t, got, 2)

	got, err = a.QueryDeltasSince(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "2", got[0].RowID)

	state, ok, err := a.GetLatestState(ctx, "widgets", "1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(10), state.HLC)

	_, ok, err = a.GetLatestState(ctx, "widgets", "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}
