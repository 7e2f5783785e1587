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

package syncrules

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cockroachdb/lakesync/internal/types"
)

func rowDelta(table string, orgID string) types.RowDelta {
	return types.RowDelta{
		Op:    types.OpInsert,
		Table: table,
		RowID: "1",
		Columns: []types.ColumnValue{
			{Column: "org_id", Value: types.StringValue(orgID)},
		},
	}
}

func TestAllowsMatchingClaim(t *testing.T) {
	ctx := Context{
		Claims: map[string]any{"org_id": "acme"},
		Rules: Rules{Buckets: []Bucket{{
			Name:   "default",
			Tables: []string{"widgets"},
			Filters: []Filter{
				NewFilter("org_id", OpEq, "jwt:org_id"),
			},
		}}},
	}

	ok, err := ctx.Allows(rowDelta("widgets", "acme"))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = ctx.Allows(rowDelta("widgets", "other"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAllowsRejectsOutOfScopeTable(t *testing.T) {
	ctx := Context{
		Rules: Rules{Buckets: []Bucket{{Name: "default", Tables: []string{"widgets"}}}},
	}
	ok, err := ctx.Allows(rowDelta("gadgets", "acme"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAllowsUnknownClaimErrors(t *testing.T) {
	ctx := Context{
		Claims: map[string]any{},
		Rules: Rules{Buckets: []Bucket{{
			Name:    "default",
			Tables:  []string{"widgets"},
			Filters: []Filter{NewFilter("org_id", OpEq, "jwt:org_id")},
		}}},
	}
	_, err := ctx.Allows(rowDelta("widgets", "acme"))
	assert.Error(t, err)
}

func TestInOperator(t *testing.T) {
	ctx := Context{
		Rules: Rules{Buckets: []Bucket{{
			Name:    "default",
			Tables:  []string{"widgets"},
			Filters: []Filter{NewFilter("org_id", OpIn, []any{"acme", "globex"})},
		}}},
	}
	ok, err := ctx.Allows(rowDelta("widgets", "globex"))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = ctx.Allows(rowDelta("widgets", "initech"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFilterStreamNilContextPassesThrough(t *testing.T) {
	deltas := []types.RowDelta{rowDelta("widgets", "acme"), rowDelta("gadgets", "acme")}
	out, err := FilterStream(nil, deltas)
	require.NoError(t, err)
	assert.Equal(t, deltas, out)
}

func TestFilterStreamAppliesPerDelta(t *testing.T) {
	ctx := &Context{
		Rules: Rules{Buckets: []Bucket{{Name: "default", Tables: []string{"widgets"}}}},
	}
	deltas := []types.RowDelta{rowDelta("widgets", "acme"), rowDelta("gadgets", "acme")}
	out, err := FilterStream(ctx, deltas)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "widgets", out[0].Table)
}
