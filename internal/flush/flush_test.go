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

package flush

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cockroachdb/lakesync/internal/adapter"
	"github.com/cockroachdb/lakesync/internal/buffer"
	"github.com/cockroachdb/lakesync/internal/codec/parquet"
	"github.com/cockroachdb/lakesync/internal/types"
	"github.com/cockroachdb/lakesync/internal/util/hlc"
)

func hlcFromMillis(ms uint64) hlc.Time {
	return hlc.New(int64(ms), 0)
}

func TestFlushJSONToObjectStoreWritesOneKeyAndClearsBuffer(t *testing.T) {
	buf := buffer.New()
	buf.Append(mustDelta("widgets", "1", 100))
	buf.Append(mustDelta("widgets", "2", 200))

	store := adapter.NewMemoryObjectStore()
	coord := &Coordinator{
		GatewayID:   "gw1",
		Buffer:      buf,
		ObjectStore: store,
		Format:      types.FlushFormatJSON,
	}

	result, err := coord.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, result.DeltaCount)
	assert.Contains(t, result.ObjectKey, "deltas/")
	assert.Contains(t, result.ObjectKey, "gw1")
	assert.True(t, strings.HasSuffix(result.ObjectKey, ".json"))

	body, err := store.GetObject(context.Background(), result.ObjectKey)
	require.NoError(t, err)
	env, err := types.DecodeFlushEnvelope(body)
	require.NoError(t, err)
	assert.Len(t, env.Deltas, 2)

	assert.Equal(t, int64(0), buf.Snapshot().EstimatedBytes)
}

func TestFlushParquetRequiresCodec(t *testing.T) {
	buf := buffer.New()
	buf.Append(mustDelta("widgets", "1", 100))

	coord := &Coordinator{
		GatewayID:   "gw1",
		Buffer:      buf,
		ObjectStore: adapter.NewMemoryObjectStore(),
		Format:      types.FlushFormatParquet,
	}

	_, err := coord.Flush(context.Background())
	require.Error(t, err)
	assert.NotEmpty(t, buf.Snapshot().Log, "entries must be restored when persist fails")
}

func TestFlushParquetWithCodec(t *testing.T) {
	codec, err := parquet.NewReferenceCodec()
	require.NoError(t, err)

	buf := buffer.New()
	buf.Append(mustDelta("widgets", "1", 100))

	coord := &Coordinator{
		GatewayID:    "gw1",
		Buffer:       buf,
		ObjectStore:  adapter.NewMemoryObjectStore(),
		ParquetCodec: codec,
		Format:       types.FlushFormatParquet,
		Schemas:      map[string]types.TableSchema{"widgets": {Table: "widgets"}},
	}

	result, err := coord.Flush(context.Background())
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(result.ObjectKey, ".parquet"))
}

func TestFlushToDatabaseAdapter(t *testing.T) {
	buf := buffer.New()
	buf.Append(mustDelta("widgets", "1", 100))

	db := adapter.NewMemoryDatabaseAdapter()
	coord := &Coordinator{GatewayID: "gw1", Buffer: buf, DatabaseAdapter: db}

	result, err := coord.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.DeltaCount)

	got, err := db.QueryDeltasSince(context.Background(), 0, 10)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestFlushRestoresBufferOnPersistFailure(t *testing.T) {
	buf := buffer.New()
	buf.Append(mustDelta("widgets", "1", 100))
	buf.Append(mustDelta("widgets", "2", 200))

	chaos := WithChaosObjectStore(adapter.NewMemoryObjectStore(), 1) // always fails
	coord := &Coordinator{GatewayID: "gw1", Buffer: buf, ObjectStore: chaos, Format: types.FlushFormatJSON}

	_, err := coord.Flush(context.Background())
	require.Error(t, err)
	assert.Len(t, buf.Snapshot().Log, 2)
}

func TestFlushEmptyBufferIsNoop(t *testing.T) {
	buf := buffer.New()
	coord := &Coordinator{GatewayID: "gw1", Buffer: buf, ObjectStore: adapter.NewMemoryObjectStore(), Format: types.FlushFormatJSON}

	result, err := coord.Flush(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Skipped)
}

func TestFlushTableOnlyDrainsOneTable(t *testing.T) {
	buf := buffer.New()
	buf.Append(mustDelta("widgets", "1", 100))
	buf.Append(mustDelta("gadgets", "1", 100))

	store := adapter.NewMemoryObjectStore()
	coord := &Coordinator{GatewayID: "gw1", Buffer: buf, ObjectStore: store, Format: types.FlushFormatJSON}

	result, err := coord.FlushTable(context.Background(), "widgets")
	require.NoError(t, err)
	assert.Contains(t, result.ObjectKey, "widgets-")
	assert.Equal(t, 1, result.DeltaCount)

	assert.Len(t, buf.Snapshot().Log, 1)
	assert.Equal(t, "gadgets", buf.Snapshot().Log[0].Table)
}

type fakePublisher struct {
	published []types.RowDelta
}

func (p *fakePublisher) Publish(ctx context.Context, entries []types.RowDelta, meta PublishMeta) error {
	p.published = entries
	return nil
}

func TestFlushPublishesToQueueOnSuccess(t *testing.T) {
	buf := buffer.New()
	buf.Append(mustDelta("widgets", "1", 100))

	pub := &fakePublisher{}
	coord := &Coordinator{
		GatewayID:   "gw1",
		Buffer:      buf,
		ObjectStore: adapter.NewMemoryObjectStore(),
		Format:      types.FlushFormatJSON,
		Queue:       pub,
	}

	_, err := coord.Flush(context.Background())
	require.NoError(t, err)
	assert.Len(t, pub.published, 1)
}

func mustDelta(table, rowID string, ts uint64) types.RowDelta {
	return types.RowDelta{
		Op:      types.OpInsert,
		Table:   table,
		RowID:   rowID,
		HLC:     hlcFromMillis(ts),
		Columns: []types.ColumnValue{{Column: "name", Value: types.StringValue("x")}},
		DeltaID: table + "-" + rowID,
	}
}
