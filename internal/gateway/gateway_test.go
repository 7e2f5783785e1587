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

package gateway

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cockroachdb/lakesync/internal/adapter"
	"github.com/cockroachdb/lakesync/internal/ingest"
	"github.com/cockroachdb/lakesync/internal/syncrules"
	"github.com/cockroachdb/lakesync/internal/types"
)

func testSchema() types.TableSchema {
	return types.TableSchema{
		Table:   "widgets",
		Columns: []types.ColumnDef{{Name: "name", Type: types.ColumnTypeString}},
	}
}

func TestNewWiresPushThroughToBuffer(t *testing.T) {
	store := adapter.NewMemoryObjectStore()
	g, err := New(Deps{
		Config:      types.GatewayConfig{GatewayID: "gw1", MaxBufferBytes: 1 << 20, MaxBufferAgeMs: 60_000},
		Schema:      testSchema(),
		ObjectStore: store,
	})
	require.NoError(t, err)
	require.NotNil(t, g.Scheduler, "an object store must wire maintenance and its scheduler")

	res, err := g.Ingest.Push(ingest.PushRequest{
		ClientID: "c1",
		Deltas: []types.RowDelta{
			{Op: types.OpInsert, Table: "widgets", RowID: "1", ClientID: "c1", DeltaID: "d1",
				Columns: []types.ColumnValue{{Column: "name", Value: types.StringValue("x")}}},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Accepted)
	assert.Equal(t, 1, len(g.Buffer.Snapshot().Log))
}

func TestNewWithoutObjectStoreOrDatabaseSkipsMaintenance(t *testing.T) {
	g, err := New(Deps{
		Config: types.GatewayConfig{GatewayID: "gw1"},
		Schema: testSchema(),
	})
	require.NoError(t, err)
	assert.Nil(t, g.Maintenance)
	assert.Nil(t, g.Scheduler)
}

func TestShouldFlushAppliesAdaptiveReduction(t *testing.T) {
	g, err := New(Deps{
		Config: types.GatewayConfig{
			GatewayID:      "gw1",
			MaxBufferBytes: 1000,
			Adaptive:       &types.AdaptiveBufferConfig{WideColumnThresholdBytes: 10, ReductionFactor: 0.1},
		},
		Schema: testSchema(),
	})
	require.NoError(t, err)

	_, err = g.Ingest.Push(ingest.PushRequest{
		ClientID: "c1",
		Deltas: []types.RowDelta{
			{Op: types.OpInsert, Table: "widgets", RowID: "1", ClientID: "c1", DeltaID: "d1",
				Columns: []types.ColumnValue{{Column: "name", Value: types.StringValue("a long string value")}}},
		},
	})
	require.NoError(t, err)

	assert.True(t, g.ShouldFlush(), "adaptive reduction should drop the effective threshold below the buffered size")
}

func TestPullRequestAppliesConfiguredRules(t *testing.T) {
	rules := &syncrules.Rules{Buckets: []syncrules.Bucket{
		{Name: "own-rows", Tables: []string{"widgets"}, Filters: []syncrules.Filter{
			syncrules.NewFilter("name", syncrules.OpEq, "jwt:allowedName"),
		}},
	}}
	g, err := New(Deps{
		Config: types.GatewayConfig{GatewayID: "gw1"},
		Schema: testSchema(),
		Rules:  rules,
	})
	require.NoError(t, err)

	_, err = g.Ingest.Push(ingest.PushRequest{
		ClientID: "c1",
		Deltas: []types.RowDelta{
			{Op: types.OpInsert, Table: "widgets", RowID: "1", ClientID: "c1", DeltaID: "d1",
				Columns: []types.ColumnValue{{Column: "name", Value: types.StringValue("allowed")}}},
			{Op: types.OpInsert, Table: "widgets", RowID: "2", ClientID: "c1", DeltaID: "d2",
				Columns: []types.ColumnValue{{Column: "name", Value: types.StringValue("blocked")}}},
		},
	})
	require.NoError(t, err)

	req := g.PullRequest("c2", 0, 10, "", map[string]any{"allowedName": "allowed"})
	require.NotNil(t, req.RulesCtx, "a gateway with configured rules must populate RulesCtx")

	res, err := g.Pull.Pull(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, res.Deltas, 1)
	assert.Equal(t, "1", res.Deltas[0].RowID)
}

func TestRunMaintenanceDelegatesToRunner(t *testing.T) {
	store := adapter.NewMemoryObjectStore()
	g, err := New(Deps{
		Config:      types.GatewayConfig{GatewayID: "gw1"},
		Schema:      testSchema(),
		ObjectStore: store,
	})
	require.NoError(t, err)

	result, err := g.RunMaintenance(context.Background(), nil, "out", "deltas/")
	require.NoError(t, err)
	assert.Equal(t, 0, result.Compaction.BaseFilesWritten)
}
