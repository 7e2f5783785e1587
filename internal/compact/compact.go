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

// Package compact implements the background compactor: streaming
// column-level LWW resolution across many small delta files, emitting
// one consolidated base file and one equality-delete file per run.
package compact

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	"github.com/cockroachdb/lakesync/internal/adapter"
	"github.com/cockroachdb/lakesync/internal/codec/parquet"
	"github.com/cockroachdb/lakesync/internal/types"
	"github.com/cockroachdb/lakesync/internal/util/hlc"
)

// columnEntry is one column's surviving value, tracked with the HLC of
// whichever delta last wrote it.
type columnEntry struct {
	value types.Value
	hlc   hlc.Time
}

// rowState accumulates one row's column-level LWW state across every
// delta file the compactor streams through, per spec.md §4.9.
type rowState struct {
	table         string
	rowID         string
	clientID      string
	columns       map[string]columnEntry
	latestHLC     hlc.Time
	latestDeltaID string
	deleteHLC     hlc.Time
}

// Stats summarizes one Compact invocation.
type Stats struct {
	BaseFilesWritten    int
	DeleteFilesWritten  int
	DeltaFilesCompacted int
	BytesRead           int64
	BytesWritten        int64
}

// Compactor streams delta files from an object store, merges them with
// column-level LWW, and writes consolidated base/delete files back.
type Compactor struct {
	Store  adapter.ObjectStore
	Codec  parquet.Codec
	Config types.CompactionConfig
	Schema types.TableSchema

	// NowFn and RandFn are overridable for deterministic tests; both
	// default to real wall-clock time and crypto/rand.
	NowFn  func() time.Time
	RandFn func() string
}

func (c *Compactor) now() time.Time {
	if c.NowFn != nil {
		return c.NowFn()
	}
	return time.Now()
}

func (c *Compactor) rand6() string {
	if c.RandFn != nil {
		return c.RandFn()
	}
	var b [3]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

// Compact reads deltaFileKeys (bounded to Config.MaxDeltaFiles), merges
// them row-by-row, and writes at most one base file and one delete file
// under outputPrefix.
func (c *Compactor) Compact(ctx context.Context, deltaFileKeys []string, outputPrefix string) (Stats, error) {
	minFiles := c.Config.MinDeltaFiles
	if minFiles <= 0 {
		minFiles = types.DefaultCompactionConfig().MinDeltaFiles
	}
	if len(deltaFileKeys) < minFiles {
		return Stats{}, nil
	}

	maxFiles := c.Config.MaxDeltaFiles
	if maxFiles <= 0 {
		maxFiles = types.DefaultCompactionConfig().MaxDeltaFiles
	}
	keys := deltaFileKeys
	if len(keys) > maxFiles {
		keys = keys[:maxFiles]
	}

	rows := make(map[types.RowKey]*rowState)
	var bytesRead int64

	for _, key := range keys {
		body, err := c.Store.GetObject(ctx, key)
		if err != nil {
			return Stats{}, &types.CompactionError{Kind: "read", Err: err}
		}
		bytesRead += int64(len(body))

		it, err := c.Codec.DecodeStream(body)
		if err != nil {
			return Stats{}, &types.CompactionError{Kind: "parse", Err: err}
		}
		for {
			d, ok, err := it.Next()
			if err != nil {
				return Stats{}, &types.CompactionError{Kind: "parse", Err: err}
			}
			if !ok {
				break
			}
			mergeInto(rows, d)
		}
	}

	liveRows, deadRows := classify(rows, c.Schema.Columns)

	stats := Stats{DeltaFilesCompacted: len(keys), BytesRead: bytesRead}
	timestamp := fmt.Sprintf("%d-%s", c.now().UnixMilli(), c.rand6())

	if len(liveRows) > 0 {
		n, err := c.writeFile(ctx, fmt.Sprintf("%s/base-%s.parquet", outputPrefix, timestamp), liveRows)
		if err != nil {
			return Stats{}, err
		}
		stats.BaseFilesWritten = 1
		stats.BytesWritten += n
	}
	if len(deadRows) > 0 {
		n, err := c.writeFile(ctx, fmt.Sprintf("%s/delete-%s.parquet", outputPrefix, timestamp), deadRows)
		if err != nil {
			return Stats{}, err
		}
		stats.DeleteFilesWritten = 1
		stats.BytesWritten += n
	}

	return stats, nil
}

func (c *Compactor) writeFile(ctx context.Context, key string, deltas []types.RowDelta) (int64, error) {
	body, err := c.Codec.Encode(deltas, c.Schema)
	if err != nil {
		return 0, &types.CompactionError{Kind: "write", Err: err}
	}
	if err := c.Store.PutObject(ctx, key, body, "application/vnd.apache.parquet"); err != nil {
		return 0, &types.CompactionError{Kind: "store", Err: err}
	}
	return int64(len(body)), nil
}

func mergeInto(rows map[types.RowKey]*rowState, d types.RowDelta) {
	key := d.Key()
	state, ok := rows[key]
	if !ok {
		state = &rowState{table: d.Table, rowID: d.RowID, columns: make(map[string]columnEntry)}
		rows[key] = state
	}

	if d.HLC > state.latestHLC {
		state.latestHLC = d.HLC
		state.latestDeltaID = d.DeltaID
		state.clientID = d.ClientID
	}

	if d.Op == types.OpDelete {
		if d.HLC > state.deleteHLC {
			state.deleteHLC = d.HLC
		}
		return
	}

	for _, col := range d.Columns {
		existing, has := state.columns[col.Column]
		if !has || d.HLC > existing.hlc {
			state.columns[col.Column] = columnEntry{value: col.Value, hlc: d.HLC}
		}
	}
}

// classify partitions merged row state into live rows (projected to
// schema column order, with post-delete-only columns dropped) and dead
// rows (synthetic DELETE deltas carrying only table+rowId).
func classify(rows map[types.RowKey]*rowState, schemaColumns []types.ColumnDef) (live []types.RowDelta, dead []types.RowDelta) {
	keys := make([]types.RowKey, 0, len(rows))
	for k := range rows {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Table != keys[j].Table {
			return keys[i].Table < keys[j].Table
		}
		return keys[i].RowID < keys[j].RowID
	})

	for _, key := range keys {
		state := rows[key]
		if isDead(state) {
			dead = append(dead, types.RowDelta{
				Op:    types.OpDelete,
				Table: state.table,
				RowID: state.rowID,
			})
			continue
		}

		live = append(live, types.RowDelta{
			Op:       types.OpInsert,
			Table:    state.table,
			RowID:    state.rowID,
			ClientID: state.clientID,
			Columns:  liveColumns(state, state.deleteHLC, schemaColumns),
			HLC:      state.latestHLC,
			DeltaID:  state.latestDeltaID,
		})
	}
	return live, dead
}

func isDead(state *rowState) bool {
	if len(state.columns) == 0 {
		return true
	}
	if state.deleteHLC == 0 {
		return false
	}
	for _, entry := range state.columns {
		if entry.hlc > state.deleteHLC {
			return false
		}
	}
	return true
}

// liveColumns projects a row's surviving columns (those last written
// after deleteHLC) into schema column order. Columns the schema
// doesn't declare are appended afterward in alphabetical order, so the
// output is still fully deterministic.
func liveColumns(state *rowState, deleteHLC hlc.Time, schemaColumns []types.ColumnDef) []types.ColumnValue {
	live := make(map[string]struct{}, len(state.columns))
	for name, entry := range state.columns {
		if entry.hlc > deleteHLC {
			live[name] = struct{}{}
		}
	}

	cols := make([]types.ColumnValue, 0, len(live))
	for _, def := range schemaColumns {
		if _, ok := live[def.Name]; ok {
			cols = append(cols, types.ColumnValue{Column: def.Name, Value: state.columns[def.Name].value})
			delete(live, def.Name)
		}
	}

	extra := make([]string, 0, len(live))
	for name := range live {
		extra = append(extra, name)
	}
	sort.Strings(extra)
	for _, name := range extra {
		cols = append(cols, types.ColumnValue{Column: name, Value: state.columns[name].value})
	}

	return cols
}
