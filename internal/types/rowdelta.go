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

package types

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"

	"github.com/cockroachdb/lakesync/internal/util/hlc"
	"github.com/cockroachdb/lakesync/internal/util/ident"
)

// Op identifies the kind of change a RowDelta carries.
type Op int

const (
	// OpInsert represents a new or fully-replaced row.
	OpInsert Op = iota
	// OpUpdate represents a partial column update.
	OpUpdate
	// OpDelete represents a tombstone for a row.
	OpDelete
)

// String renders the Op for logging.
func (o Op) String() string {
	switch o {
	case OpInsert:
		return "INSERT"
	case OpUpdate:
		return "UPDATE"
	case OpDelete:
		return "DELETE"
	default:
		return "UNKNOWN"
	}
}

// ColumnValue is one (column, value) pair within a RowDelta.
type ColumnValue struct {
	Column string
	Value  Value
}

// RowDelta is the fundamental change record flowing through the
// gateway: a single row-level INSERT, UPDATE, or DELETE tagged with an
// HLC timestamp and a stable fingerprint used for idempotency.
type RowDelta struct {
	Op       Op
	Table    string
	RowID    string
	ClientID string
	Columns  []ColumnValue
	HLC      hlc.Time
	DeltaID  string
}

// RowKey identifies a row uniquely within the gateway's buffer: the
// pair (table, rowId).
type RowKey struct {
	Table string
	RowID string
}

// Key returns the RowKey identifying this delta's row.
func (d RowDelta) Key() RowKey {
	return RowKey{Table: d.Table, RowID: d.RowID}
}

// Validate checks the structural invariants of a RowDelta: a safe
// table identifier, a non-empty row id, and (for non-DELETE ops) safe
// column identifiers.
func (d RowDelta) Validate() error {
	if err := ident.Validate(d.Table); err != nil {
		return err
	}
	if d.RowID == "" {
		return errRowIDEmpty
	}
	if d.Op == OpDelete {
		return nil
	}
	for _, col := range d.Columns {
		if err := ident.Validate(col.Column); err != nil {
			return err
		}
	}
	return nil
}

// EstimatedBytes sums the type-aware per-column heuristic plus a fixed
// overhead for the row's identifying fields.
func (d RowDelta) EstimatedBytes() int64 {
	const overhead = 64 // table, rowId, clientId, op, hlc, deltaId bookkeeping
	total := int64(overhead)
	for _, col := range d.Columns {
		total += int64(2*len(col.Column)) + col.Value.EstimatedBytes()
	}
	return total
}

// Fingerprint computes the stable SHA-256 fingerprint used as the
// DeltaID for a record whose columns are already known, such as an
// LWW-merged record that must not reuse either input's DeltaID.
//
// The canonical form sorts columns by name so that two deltas with the
// same logical content but different column ordering fingerprint
// identically.
func Fingerprint(table, rowID string, op Op, columns []ColumnValue, ts hlc.Time) string {
	sorted := make([]ColumnValue, len(columns))
	copy(sorted, columns)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Column < sorted[j].Column })

	h := sha256.New()
	h.Write([]byte(op.String()))
	h.Write([]byte{0})
	h.Write([]byte(table))
	h.Write([]byte{0})
	h.Write([]byte(rowID))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatUint(uint64(ts), 10)))
	for _, col := range sorted {
		h.Write([]byte{0})
		h.Write([]byte(col.Column))
		h.Write([]byte{0})
		marshaled, _ := col.Value.MarshalJSON()
		h.Write(marshaled)
	}
	return hex.EncodeToString(h.Sum(nil))
}
