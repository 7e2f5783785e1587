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

// Package schema implements the column whitelist and forward-only
// evolution rules that validate incoming row deltas.
package schema

import (
	"sync/atomic"

	"github.com/cockroachdb/lakesync/internal/types"
)

// Snapshot is an immutable view of a schema manager's current state.
// Mutations to the manager build a new Snapshot and swap the pointer,
// so readers always observe a consistent version.
type Snapshot struct {
	Schema         types.TableSchema
	Version        int
	AllowedColumns map[string]types.ColumnType
}

// Manager tracks the evolving schema for a single table. It is safe
// for concurrent use: Validate reads an atomically-swapped snapshot,
// and Evolve builds a new one under the same swap.
type Manager struct {
	current atomic.Pointer[Snapshot]
}

// NewManager constructs a Manager seeded with an initial schema at
// version 1.
func NewManager(initial types.TableSchema) (*Manager, error) {
	if err := initial.Validate(); err != nil {
		return nil, err
	}
	m := &Manager{}
	m.current.Store(&Snapshot{
		Schema:         initial,
		Version:        1,
		AllowedColumns: initial.AllowedColumns(),
	})
	return m, nil
}

// Current returns the manager's current snapshot.
func (m *Manager) Current() *Snapshot {
	return m.current.Load()
}

// ValidateDelta checks a RowDelta against the current schema
// snapshot. A DELETE with no columns is always valid. Otherwise, every
// column name must be present in the allowed set.
func (m *Manager) ValidateDelta(d types.RowDelta) error {
	if d.Op == types.OpDelete && len(d.Columns) == 0 {
		return nil
	}
	snap := m.Current()
	if snap.Schema.Table != "" && d.Table != snap.Schema.Table {
		return &types.SchemaMismatchError{Table: d.Table, Column: ""}
	}
	for _, col := range d.Columns {
		if _, ok := snap.AllowedColumns[col.Column]; !ok {
			return &types.SchemaMismatchError{Table: d.Table, Column: col.Column}
		}
	}
	return nil
}

// evolutionError is returned by Evolve when the proposed schema
// changes the table name or removes or retypes an existing column.
type evolutionError struct{ msg string }

func (e *evolutionError) Error() string { return e.msg }

// Evolve atomically replaces the current schema with a new one,
// allowing only additive changes: existing columns must remain present
// with their original type, and the table name must match. Success
// bumps Version and swaps the snapshot.
func (m *Manager) Evolve(next types.TableSchema) error {
	if err := next.Validate(); err != nil {
		return err
	}
	cur := m.Current()
	if cur.Schema.Table != "" && next.Table != cur.Schema.Table {
		return &evolutionError{msg: "evolveSchema: table name must match"}
	}

	nextAllowed := next.AllowedColumns()
	for name, typ := range cur.AllowedColumns {
		newTyp, ok := nextAllowed[name]
		if !ok {
			return &evolutionError{msg: "evolveSchema: cannot remove column " + name}
		}
		if newTyp != typ {
			return &evolutionError{msg: "evolveSchema: cannot change type of column " + name}
		}
	}

	m.current.Store(&Snapshot{
		Schema:         next,
		Version:        cur.Version + 1,
		AllowedColumns: nextAllowed,
	})
	return nil
}
