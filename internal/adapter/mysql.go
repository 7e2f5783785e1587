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
	"database/sql"
	"encoding/json"

	_ "github.com/go-sql-driver/mysql" // register driver
	"github.com/pkg/errors"

	"github.com/cockroachdb/lakesync/internal/types"
	"github.com/cockroachdb/lakesync/internal/util/hlc"
)

// MySQLDatabaseAdapter is a database/sql + go-sql-driver/mysql backed
// DatabaseAdapter, mirroring the Postgres adapter's schema-agnostic
// JSON payload storage.
type MySQLDatabaseAdapter struct {
	db *sql.DB
}

// NewMySQLDatabaseAdapter opens dataSourceName and ensures the backing
// table exists.
func NewMySQLDatabaseAdapter(ctx context.Context, dataSourceName string) (*MySQLDatabaseAdapter, error) {
	db, err := sql.Open("mysql", dataSourceName)
	if err != nil {
		return nil, errors.Wrap(err, "opening mysql connection")
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "pinging mysql")
	}
	a := &MySQLDatabaseAdapter{db: db}
	if err := a.ensureTable(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return a, nil
}

func (a *MySQLDatabaseAdapter) ensureTable(ctx context.Context) error {
	_, err := a.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS lakesync_deltas (
	table_name VARCHAR(64) NOT NULL,
	row_id     VARCHAR(255) NOT NULL,
	hlc        BIGINT UNSIGNED NOT NULL,
	delta_id   VARCHAR(64) NOT NULL,
	payload    JSON NOT NULL,
	PRIMARY KEY (table_name, row_id, hlc, delta_id)
)`)
	if err != nil {
		return errors.Wrap(err, "ensuring lakesync_deltas table")
	}
	return nil
}

// InsertDeltas inserts each delta within a single transaction; INSERT
// IGNORE skips deltas that are already stored.
func (a *MySQLDatabaseAdapter) InsertDeltas(ctx context.Context, deltas []types.RowDelta) error {
	if len(deltas) == 0 {
		return nil
	}
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return &types.AdapterError{Op: "insertDeltas", Err: errors.WithStack(err)}
	}
	defer tx.Rollback()

	for _, d := range deltas {
		payload, err := json.Marshal(d.Columns)
		if err != nil {
			return &types.AdapterError{Op: "insertDeltas", Err: errors.WithStack(err)}
		}
		_, err = tx.ExecContext(ctx, `
INSERT IGNORE INTO lakesync_deltas (table_name, row_id, hlc, delta_id, payload)
VALUES (?, ?, ?, ?, ?)`, d.Table, d.RowID, uint64(d.HLC), d.DeltaID, payload)
		if err != nil {
			return &types.AdapterError{Op: "insertDeltas", Err: errors.WithStack(err)}
		}
	}

	if err := tx.Commit(); err != nil {
		return &types.AdapterError{Op: "insertDeltas", Err: errors.WithStack(err)}
	}
	return nil
}

// QueryDeltasSince returns rows with hlc > since across every table,
// ordered by hlc, bounded by limit (0 means unbounded).
func (a *MySQLDatabaseAdapter) QueryDeltasSince(ctx context.Context, since uint64, limit int) ([]types.RowDelta, error) {
	query := `SELECT table_name, row_id, hlc, delta_id, payload FROM lakesync_deltas WHERE hlc > ? ORDER BY hlc ASC`
	args := []any{since}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &types.AdapterError{Op: "queryDeltasSince", Err: errors.WithStack(err)}
	}
	defer rows.Close()

	out := make([]types.RowDelta, 0)
	for rows.Next() {
		var table, rowID, deltaID string
		var hlcValue uint64
		var payload []byte
		if err := rows.Scan(&table, &rowID, &hlcValue, &deltaID, &payload); err != nil {
			return nil, &types.AdapterError{Op: "queryDeltasSince", Err: errors.WithStack(err)}
		}
		d := types.RowDelta{Table: table, RowID: rowID, DeltaID: deltaID, HLC: hlc.Time(hlcValue)}
		if err := json.Unmarshal(payload, &d.Columns); err != nil {
			return nil, &types.AdapterError{Op: "queryDeltasSince", Err: errors.WithStack(err)}
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, &types.AdapterError{Op: "queryDeltasSince", Err: errors.WithStack(err)}
	}
	return out, nil
}

// GetLatestState returns the row with the highest hlc for
// (table, rowId).
func (a *MySQLDatabaseAdapter) GetLatestState(ctx context.Context, table, rowID string) (TableState, bool, error) {
	var hlcValue uint64
	var payload []byte
	err := a.db.QueryRowContext(ctx, `
SELECT hlc, payload FROM lakesync_deltas
WHERE table_name = ? AND row_id = ?
ORDER BY hlc DESC LIMIT 1`, table, rowID).Scan(&hlcValue, &payload)
	if err != nil {
		if err == sql.ErrNoRows {
			return TableState{}, false, nil
		}
		return TableState{}, false, &types.AdapterError{Op: "getLatestState", Err: errors.WithStack(err)}
	}

	var columns []types.ColumnValue
	if err := json.Unmarshal(payload, &columns); err != nil {
		return TableState{}, false, &types.AdapterError{Op: "getLatestState", Err: errors.WithStack(err)}
	}
	return TableState{RowID: rowID, Columns: columns, HLC: hlcValue}, true, nil
}

// EnsureSchema is a no-op beyond the shared lakesync_deltas table; see
// PostgresDatabaseAdapter.EnsureSchema.
func (a *MySQLDatabaseAdapter) EnsureSchema(_ context.Context, _ types.TableSchema) error {
	return nil
}

// Close releases the underlying *sql.DB.
func (a *MySQLDatabaseAdapter) Close() error {
	return a.db.Close()
}
