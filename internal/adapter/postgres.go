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
	"encoding/json"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/cockroachdb/lakesync/internal/types"
	"github.com/cockroachdb/lakesync/internal/util/hlc"
)

// PostgresDatabaseAdapter is a pgx/v5-backed DatabaseAdapter. Every row
// delta is persisted into a single `lakesync_deltas` table as a JSON
// payload alongside its indexed (table, row_id, hlc) columns; this
// keeps the adapter schema-agnostic of the destination tables it
// mirrors, at the cost of not projecting columns into native SQL types.
type PostgresDatabaseAdapter struct {
	pool *pgxpool.Pool
}

// NewPostgresDatabaseAdapter connects to connString and ensures the
// backing table exists.
func NewPostgresDatabaseAdapter(ctx context.Context, connString string) (*PostgresDatabaseAdapter, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, errors.Wrap(err, "parsing postgres connection string")
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "opening postgres pool")
	}
	a := &PostgresDatabaseAdapter{pool: pool}
	if err := a.ensureTable(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return a, nil
}

func (a *PostgresDatabaseAdapter) ensureTable(ctx context.Context) error {
	_, err := a.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS lakesync_deltas (
	table_name  TEXT NOT NULL,
	row_id      TEXT NOT NULL,
	hlc         BIGINT NOT NULL,
	delta_id    TEXT NOT NULL,
	payload     JSONB NOT NULL,
	PRIMARY KEY (table_name, row_id, hlc, delta_id)
)`)
	if err != nil {
		return errors.Wrap(err, "ensuring lakesync_deltas table")
	}
	return nil
}

// InsertDeltas inserts each delta into lakesync_deltas within a single
// transaction; ON CONFLICT DO NOTHING skips deltas that are already
// stored.
func (a *PostgresDatabaseAdapter) InsertDeltas(ctx context.Context, deltas []types.RowDelta) error {
	if len(deltas) == 0 {
		return nil
	}
	tx, err := a.pool.Begin(ctx)
	if err != nil {
		return &types.AdapterError{Op: "insertDeltas", Err: errors.WithStack(err)}
	}
	defer func() {
		if err := tx.Rollback(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.WithError(err).Trace("postgres adapter: rollback after commit is a no-op")
		}
	}()

	for _, d := range deltas {
		payload, err := json.Marshal(d.Columns)
		if err != nil {
			return &types.AdapterError{Op: "insertDeltas", Err: errors.WithStack(err)}
		}
		_, err = tx.Exec(ctx, `
INSERT INTO lakesync_deltas (table_name, row_id, hlc, delta_id, payload)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (table_name, row_id, hlc, delta_id) DO NOTHING`,
			d.Table, d.RowID, int64(d.HLC), d.DeltaID, payload)
		if err != nil {
			return &types.AdapterError{Op: "insertDeltas", Err: errors.WithStack(err)}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return &types.AdapterError{Op: "insertDeltas", Err: errors.WithStack(err)}
	}
	return nil
}

// QueryDeltasSince returns rows with hlc > since across every table,
// ordered by hlc, bounded by limit (0 means unbounded).
func (a *PostgresDatabaseAdapter) QueryDeltasSince(ctx context.Context, since uint64, limit int) ([]types.RowDelta, error) {
	query := `SELECT table_name, row_id, hlc, delta_id, payload FROM lakesync_deltas WHERE hlc > $1 ORDER BY hlc ASC`
	args := []any{int64(since)}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}

	rows, err := a.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, &types.AdapterError{Op: "queryDeltasSince", Err: errors.WithStack(err)}
	}
	defer rows.Close()

	out := make([]types.RowDelta, 0)
	for rows.Next() {
		var d types.RowDelta
		var hlcValue int64
		var payload []byte
		if err := rows.Scan(&d.Table, &d.RowID, &hlcValue, &d.DeltaID, &payload); err != nil {
			return nil, &types.AdapterError{Op: "queryDeltasSince", Err: errors.WithStack(err)}
		}
		d.HLC = hlc.Time(hlcValue)
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
func (a *PostgresDatabaseAdapter) GetLatestState(ctx context.Context, table, rowID string) (TableState, bool, error) {
	var hlc int64
	var payload []byte
	err := a.pool.QueryRow(ctx, `
SELECT hlc, payload FROM lakesync_deltas
WHERE table_name = $1 AND row_id = $2
ORDER BY hlc DESC LIMIT 1`, table, rowID).Scan(&hlc, &payload)
	if err != nil {
		if isNoRows(err) {
			return TableState{}, false, nil
		}
		return TableState{}, false, &types.AdapterError{Op: "getLatestState", Err: errors.WithStack(err)}
	}

	var columns []types.ColumnValue
	if err := json.Unmarshal(payload, &columns); err != nil {
		return TableState{}, false, &types.AdapterError{Op: "getLatestState", Err: errors.WithStack(err)}
	}
	return TableState{RowID: rowID, Columns: columns, HLC: uint64(hlc)}, true, nil
}

// EnsureSchema is a no-op beyond the shared lakesync_deltas table: the
// Postgres adapter stores row payloads as JSONB and does not project
// per-table columns into native SQL schema.
func (a *PostgresDatabaseAdapter) EnsureSchema(_ context.Context, _ types.TableSchema) error {
	return nil
}

// Close releases the underlying connection pool.
func (a *PostgresDatabaseAdapter) Close() error {
	a.pool.Close()
	return nil
}

func isNoRows(err error) bool {
	return err != nil && err.Error() == "no rows in result set"
}
