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
	"sort"
	"sync"

	"github.com/cockroachdb/lakesync/internal/types"
)

// MemoryDatabaseAdapter is a mutex-guarded, in-memory DatabaseAdapter
// used by tests in place of a live Postgres/MySQL target.
type MemoryDatabaseAdapter struct {
	mu      sync.RWMutex
	deltas  []types.RowDelta
	schemas map[string]types.TableSchema
	latest  map[types.RowKey]TableState
}

// NewMemoryDatabaseAdapter constructs an empty MemoryDatabaseAdapter.
func NewMemoryDatabaseAdapter() *MemoryDatabaseAdapter {
	return &MemoryDatabaseAdapter{
		schemas: make(map[string]types.TableSchema),
		latest:  make(map[types.RowKey]TableState),
	}
}

// InsertDeltas appends deltas to the adapter's log and updates the
// latest-state index for each row.
func (a *MemoryDatabaseAdapter) InsertDeltas(_ context.Context, deltas []types.RowDelta) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, d := range deltas {
		a.deltas = append(a.deltas, d)
		a.latest[d.Key()] = TableState{RowID: d.RowID, Columns: d.Columns, HLC: uint64(d.HLC)}
	}
	return nil
}

// QueryDeltasSince returns deltas with HLC strictly greater than
// since, across every table, sorted by HLC, bounded by limit (0 means
// unbounded).
func (a *MemoryDatabaseAdapter) QueryDeltasSince(_ context.Context, since uint64, limit int) ([]types.RowDelta, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	matches := make([]types.RowDelta, 0)
	for _, d := range a.deltas {
		if uint64(d.HLC) > since {
			matches = append(matches, d)
		}
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].HLC < matches[j].HLC })
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

// GetLatestState returns the most recently inserted state for
// (table, rowId).
func (a *MemoryDatabaseAdapter) GetLatestState(_ context.Context, table, rowID string) (TableState, bool, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	st, ok := a.latest[types.RowKey{Table: table, RowID: rowID}]
	return st, ok, nil
}

// EnsureSchema records schema as the known shape for its table. A
// subsequent call with a different schema for the same table
// overwrites the prior one; the adapter does not itself enforce
// forward-only evolution, which is the schema manager's job.
func (a *MemoryDatabaseAdapter) EnsureSchema(_ context.Context, schema types.TableSchema) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.schemas[schema.Table] = schema
	return nil
}

// Close is a no-op for the in-memory adapter.
func (a *MemoryDatabaseAdapter) Close() error { return nil }
