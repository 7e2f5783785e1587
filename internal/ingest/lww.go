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

package ingest

import (
	"sort"

	"github.com/cockroachdb/lakesync/internal/types"
	"github.com/cockroachdb/lakesync/internal/util/hlc"
)

// mergedColumn tracks which delta last won a column, so ties can be
// broken by clientId the same way a fresh column assignment would be.
type mergedColumn struct {
	value    types.Value
	hlc      hlc.Time
	clientID string
}

// Merge resolves an incoming delta against the row's existing buffered
// state using column-level last-writer-wins. A RowDelta only carries
// one hlc for all of its columns, so a column's effective timestamp is
// the hlc of whichever delta last touched it; merging two deltas means
// comparing those per-delta timestamps column by column rather than
// tracking a separate clock per column.
func Merge(existing, incoming types.RowDelta) types.RowDelta {
	cols := make(map[string]mergedColumn, len(existing.Columns)+len(incoming.Columns))
	for _, c := range existing.Columns {
		cols[c.Column] = mergedColumn{value: c.Value, hlc: existing.HLC, clientID: existing.ClientID}
	}
	for _, c := range incoming.Columns {
		cur, ok := cols[c.Column]
		if !ok || wins(incoming.HLC, incoming.ClientID, cur.hlc, cur.clientID) {
			cols[c.Column] = mergedColumn{value: c.Value, hlc: incoming.HLC, clientID: incoming.ClientID}
		}
	}

	existingDeleteHLC, existingDeleteClient := deleteHLC(existing)
	incomingDeleteHLC, incomingDeleteClient := deleteHLC(incoming)

	deleteAt := existingDeleteHLC
	deleteClient := existingDeleteClient
	if wins(incomingDeleteHLC, incomingDeleteClient, deleteAt, deleteClient) {
		deleteAt = incomingDeleteHLC
		deleteClient = incomingDeleteClient
	}

	var maxColHLC hlc.Time
	for _, c := range cols {
		if c.hlc > maxColHLC {
			maxColHLC = c.hlc
		}
	}

	dead := deleteAt > 0 && (len(cols) == 0 || deleteAt >= maxColHLC)

	merged := types.RowDelta{Table: existing.Table, RowID: existing.RowID}

	if dead {
		merged.Op = types.OpDelete
		merged.HLC = deleteAt
		merged.ClientID = deleteClient
	} else {
		merged.Op = types.OpInsert
		merged.HLC = maxColHLC
		if deleteAt > maxColHLC {
			merged.HLC = deleteAt
		}
		merged.ClientID = winningClientID(cols, maxColHLC)
		merged.Columns = liveColumns(cols, deleteAt)
	}

	merged.DeltaID = types.Fingerprint(merged.Table, merged.RowID, merged.Op, merged.Columns, merged.HLC)
	return merged
}

// wins reports whether (hlcA, clientA) should be preferred over
// (hlcB, clientB): a strictly later hlc always wins; a tie is broken
// lexicographically on clientId.
func wins(hlcA hlc.Time, clientA string, hlcB hlc.Time, clientB string) bool {
	if hlcA != hlcB {
		return hlcA > hlcB
	}
	return clientA > clientB
}

func deleteHLC(d types.RowDelta) (hlc.Time, string) {
	if d.Op == types.OpDelete {
		return d.HLC, d.ClientID
	}
	return 0, ""
}

func liveColumns(cols map[string]mergedColumn, deleteAt hlc.Time) []types.ColumnValue {
	names := make([]string, 0, len(cols))
	for name, c := range cols {
		if c.hlc > deleteAt {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	out := make([]types.ColumnValue, 0, len(names))
	for _, name := range names {
		out = append(out, types.ColumnValue{Column: name, Value: cols[name].value})
	}
	return out
}

func winningClientID(cols map[string]mergedColumn, maxColHLC hlc.Time) string {
	best := ""
	for _, c := range cols {
		if c.hlc == maxColHLC && c.clientID > best {
			best = c.clientID
		}
	}
	return best
}
