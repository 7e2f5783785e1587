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

// Package buffer implements the gateway's in-memory staging area: a
// dual append-only log and row index held under one immutable
// snapshot, swapped atomically on every mutation.
package buffer

import (
	"sort"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/lakesync/internal/types"
	"github.com/cockroachdb/lakesync/internal/util/hlc"
)

// Snapshot is an immutable view of the buffer's contents at a point in
// time. Every field is treated as read-only once published; mutations
// always build a new Snapshot.
type Snapshot struct {
	Log            []types.RowDelta
	Index          map[types.RowKey]types.RowDelta
	DeltaIDs       map[string]struct{}
	EstimatedBytes int64
	CreatedAt      time.Time
	TableBytes     map[string]int64
	TableLog       map[string][]types.RowDelta
}

func emptySnapshot() *Snapshot {
	return &Snapshot{
		Index:      make(map[types.RowKey]types.RowDelta),
		DeltaIDs:   make(map[string]struct{}),
		CreatedAt:  time.Now(),
		TableBytes: make(map[string]int64),
		TableLog:   make(map[string][]types.RowDelta),
	}
}

// Buffer is a gateway's delta staging area. It is safe for concurrent
// use; Append serializes concurrent writers with a compare-and-swap
// retry loop over an atomic snapshot pointer, so readers never observe
// a torn/intermediate state.
type Buffer struct {
	ptr atomic.Pointer[Snapshot]
}

// New constructs an empty Buffer.
func New() *Buffer {
	b := &Buffer{}
	b.ptr.Store(emptySnapshot())
	return b
}

// Snapshot returns the buffer's current immutable snapshot.
func (b *Buffer) Snapshot() *Snapshot {
	return b.ptr.Load()
}

// Append adds a delta to the log, overwrites the row index entry for
// its key, and records its deltaId. Appending the same deltaId twice
// is permitted: the append-only log reflects the physical call, and
// the index is overwritten by the later append. Duplicate detection at
// the push level is the ingestion coordinator's responsibility, not
// the buffer's.
func (b *Buffer) Append(d types.RowDelta) {
	for {
		cur := b.ptr.Load()
		next := appendOne(cur, d)
		if b.ptr.CompareAndSwap(cur, next) {
			return
		}
	}
}

func appendOne(cur *Snapshot, d types.RowDelta) *Snapshot {
	next := &Snapshot{
		Log:            make([]types.RowDelta, len(cur.Log), len(cur.Log)+1),
		Index:          make(map[types.RowKey]types.RowDelta, len(cur.Index)+1),
		DeltaIDs:       make(map[string]struct{}, len(cur.DeltaIDs)+1),
		EstimatedBytes: cur.EstimatedBytes + d.EstimatedBytes(),
		CreatedAt:      cur.CreatedAt,
		TableBytes:     make(map[string]int64, len(cur.TableBytes)+1),
		TableLog:       make(map[string][]types.RowDelta, len(cur.TableLog)+1),
	}
	copy(next.Log, cur.Log)
	next.Log = append(next.Log, d)

	for k, v := range cur.Index {
		next.Index[k] = v
	}
	next.Index[d.Key()] = d

	for k := range cur.DeltaIDs {
		next.DeltaIDs[k] = struct{}{}
	}
	next.DeltaIDs[d.DeltaID] = struct{}{}

	for k, v := range cur.TableBytes {
		next.TableBytes[k] = v
	}
	next.TableBytes[d.Table] += d.EstimatedBytes()

	for k, v := range cur.TableLog {
		next.TableLog[k] = v
	}
	tableLog := make([]types.RowDelta, len(cur.TableLog[d.Table]), len(cur.TableLog[d.Table])+1)
	copy(tableLog, cur.TableLog[d.Table])
	next.TableLog[d.Table] = append(tableLog, d)

	if len(cur.Log) == 0 {
		next.CreatedAt = time.Now()
	}

	return next
}

// GetRow returns the current row delta for key, if any.
func (b *Buffer) GetRow(key types.RowKey) (types.RowDelta, bool) {
	d, ok := b.ptr.Load().Index[key]
	return d, ok
}

// HasDelta reports whether deltaId has already been appended.
func (b *Buffer) HasDelta(deltaID string) bool {
	_, ok := b.ptr.Load().DeltaIDs[deltaID]
	return ok
}

// GetEventsSince returns up to limit log entries whose HLC is
// strictly greater than since, plus whether more entries remain beyond
// the returned page. The log is assumed sorted in non-decreasing HLC
// order, which holds as long as every appended delta has passed
// through HLC.Recv first (see spec §4.2 and the Open Questions note in
// spec.md §9: per-adapter pulls bypass the buffer, so this invariant
// does not apply there).
func (b *Buffer) GetEventsSince(since types.RowDelta, limit int) ([]types.RowDelta, bool) {
	return getEventsSinceHLC(b.ptr.Load().Log, since.HLC, limit)
}

// GetEventsSinceHLC is the HLC-keyed variant of GetEventsSince, used
// directly by the pull coordinator.
func (b *Buffer) GetEventsSinceHLC(since hlc.Time, limit int) ([]types.RowDelta, bool) {
	return getEventsSinceHLC(b.ptr.Load().Log, since, limit)
}

func getEventsSinceHLC(log []types.RowDelta, since hlc.Time, limit int) ([]types.RowDelta, bool) {
	idx := sort.Search(len(log), func(i int) bool {
		return log[i].HLC > since
	})
	remaining := log[idx:]
	if limit <= 0 || len(remaining) <= limit {
		return remaining, false
	}
	return remaining[:limit], true
}

// TableStats summarizes the buffer's per-table footprint.
type TableStats struct {
	Table    string
	LogSize  int
	ByteSize int64
}

// TableStatsAll returns per-table stats for every table with buffered
// data.
func (b *Buffer) TableStatsAll() []TableStats {
	snap := b.ptr.Load()
	out := make([]TableStats, 0, len(snap.TableLog))
	for table, log := range snap.TableLog {
		out = append(out, TableStats{Table: table, LogSize: len(log), ByteSize: snap.TableBytes[table]})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Table < out[j].Table })
	return out
}

// ShouldFlushParams bundles the thresholds shouldFlush checks against.
type ShouldFlushParams struct {
	MaxBytes int64
	MaxAgeMs int64
}

// ShouldFlush reports whether the buffer has accumulated enough data
// (or aged enough) to warrant a flush: true when the log is non-empty
// and either the byte size or age threshold has been crossed.
func (b *Buffer) ShouldFlush(p ShouldFlushParams) bool {
	snap := b.ptr.Load()
	if len(snap.Log) == 0 {
		return false
	}
	if snap.EstimatedBytes >= p.MaxBytes {
		return true
	}
	ageMs := time.Since(snap.CreatedAt).Milliseconds()
	return ageMs >= p.MaxAgeMs
}

// Drain atomically swaps in an empty snapshot and returns the prior
// one's log. Callers that need to restore the buffer on a downstream
// failure should call Restore with the returned log.
func (b *Buffer) Drain() []types.RowDelta {
	prior := b.ptr.Swap(emptySnapshot())
	return prior.Log
}

// DrainTable atomically removes a single table's entries from the
// buffer, returning them, and rebuilds the snapshot without that
// table's contribution.
func (b *Buffer) DrainTable(table string) []types.RowDelta {
	for {
		cur := b.ptr.Load()
		tableLog := cur.TableLog[table]
		if len(tableLog) == 0 {
			return nil
		}
		next := &Snapshot{
			Log:            make([]types.RowDelta, 0, len(cur.Log)-len(tableLog)),
			Index:          make(map[types.RowKey]types.RowDelta, len(cur.Index)),
			DeltaIDs:       make(map[string]struct{}, len(cur.DeltaIDs)),
			EstimatedBytes: cur.EstimatedBytes - cur.TableBytes[table],
			CreatedAt:      cur.CreatedAt,
			TableBytes:     make(map[string]int64, len(cur.TableBytes)),
			TableLog:       make(map[string][]types.RowDelta, len(cur.TableLog)),
		}
		for _, d := range cur.Log {
			if d.Table == table {
				continue
			}
			next.Log = append(next.Log, d)
			next.DeltaIDs[d.DeltaID] = struct{}{}
		}
		for k, v := range cur.Index {
			if k.Table != table {
				next.Index[k] = v
			}
		}
		for k, v := range cur.TableBytes {
			if k != table {
				next.TableBytes[k] = v
			}
		}
		for k, v := range cur.TableLog {
			if k != table {
				next.TableLog[k] = v
			}
		}
		if b.ptr.CompareAndSwap(cur, next) {
			return tableLog
		}
	}
}

// Clear discards all buffered data, replacing it with an empty
// snapshot.
func (b *Buffer) Clear() {
	b.ptr.Store(emptySnapshot())
}

// Restore re-appends a slice of previously-drained deltas, used by the
// flush coordinator to undo a drain when persistence fails. Entries
// are appended in their original order so that log order is preserved.
func (b *Buffer) Restore(entries []types.RowDelta) {
	for _, d := range entries {
		b.Append(d)
	}
}
