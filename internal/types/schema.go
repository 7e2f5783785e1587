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

import "github.com/cockroachdb/lakesync/internal/util/ident"

// ColumnType is the declared type of a schema column.
type ColumnType int

// The column types a TableSchema may declare.
const (
	ColumnTypeString ColumnType = iota
	ColumnTypeNumber
	ColumnTypeBoolean
	ColumnTypeJSON
	ColumnTypeNull
)

// ColumnDef declares one column of a TableSchema.
type ColumnDef struct {
	Name string
	Type ColumnType
}

// TableSchema describes the columns a table accepts.
type TableSchema struct {
	Table            string
	Columns          []ColumnDef
	PrimaryKey       []string
	SoftDelete       bool
	ExternalIDColumn string
}

// AllowedColumns returns the set of column names this schema permits,
// used to build an immutable schema snapshot.
func (s TableSchema) AllowedColumns() map[string]ColumnType {
	out := make(map[string]ColumnType, len(s.Columns))
	for _, c := range s.Columns {
		out[c.Name] = c.Type
	}
	return out
}

// Validate checks that the table name and every column name are safe
// identifiers.
func (s TableSchema) Validate() error {
	if err := ident.Validate(s.Table); err != nil {
		return err
	}
	for _, c := range s.Columns {
		if err := ident.Validate(c.Name); err != nil {
			return err
		}
	}
	return nil
}
