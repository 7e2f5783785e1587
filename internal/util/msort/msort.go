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

// Package msort contains utility functions for sorting and
// de-duplicating batches of row deltas.
package msort

import "github.com/cockroachdb/lakesync/internal/types"

// UniqueByKey implements a "last one wins" approach to removing row
// deltas with duplicate (table, rowId) keys from the input slice. If
// two deltas share the same RowKey, the one with the later HLC is
// kept. If two deltas share both the same key and HLC, exactly one of
// the values is chosen arbitrarily.
//
// The modified slice is returned; the input slice's backing array is
// reused and its tail beyond the result is left in an unspecified
// state.
func UniqueByKey(x []types.RowDelta) []types.RowDelta {
	// For any given key, we're going to track the index in the slice
	// that holds data for the key.
	seenIdx := make(map[types.RowKey]int, len(x))

	// We want to iterate backwards over the input slice, moving
	// elements to the rear when their HLC time is greater than the
	// value currently tracked for that key.
	dest := len(x)
	for src := len(x) - 1; src >= 0; src-- {
		key := x[src].Key()

		if curIdx, found := seenIdx[key]; found {
			if x[src].HLC > x[curIdx].HLC {
				x[curIdx] = x[src]
			}
		} else {
			dest--
			seenIdx[key] = dest
			x[dest] = x[src]
		}
	}

	// Return the compacted view of the slice.
	return x[dest:]
}
