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

// Package syncrules post-filters delta streams by bucket membership and
// JWT-claim-driven row predicates, independent of how the deltas were
// sourced (buffer or adapter pull).
package syncrules

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/cockroachdb/lakesync/internal/types"
)

// Op identifies a filter's comparison operator.
type Op string

// The operators a Filter may use, matching spec.md's SyncRulesContext
// grammar.
const (
	OpEq  Op = "eq"
	OpNeq Op = "neq"
	OpIn  Op = "in"
	OpGt  Op = "gt"
	OpLt  Op = "lt"
	OpGte Op = "gte"
	OpLte Op = "lte"
)

// Filter is a single column predicate within a bucket. Value holds a
// literal, except when ClaimRef is set, in which case the comparand is
// looked up from the evaluating client's JWT claims at filter time.
type Filter struct {
	Column   string
	Op       Op
	Value    any
	ClaimRef string // "" unless Value was specified as "jwt:<claim>"
}

// claimPrefix is the sigil recognised when parsing a filter's literal
// value as a claim reference.
const claimPrefix = "jwt:"

// NewFilter builds a Filter, recognising a "jwt:<claim>" value string as
// a claim reference rather than a literal.
func NewFilter(column string, op Op, value any) Filter {
	f := Filter{Column: column, Op: op, Value: value}
	if s, ok := value.(string); ok && strings.HasPrefix(s, claimPrefix) {
		f.ClaimRef = strings.TrimPrefix(s, claimPrefix)
		f.Value = nil
	}
	return f
}

// Bucket is a named subset of tables and filters a client is authorised
// to see.
type Bucket struct {
	Name    string
	Tables  []string
	Filters []Filter
}

// Rules is a client's full sync-rules configuration: a set of buckets,
// each gating access to a subset of tables.
type Rules struct {
	Buckets []Bucket
}

// Context bundles a client's JWT claims with the Rules evaluated
// against them, matching spec.md's SyncRulesContext.
type Context struct {
	Claims map[string]any
	Rules  Rules
}

// errUnknownClaim is returned when a filter references a claim the
// context doesn't carry.
func errUnknownClaim(claim string) error {
	return errors.Errorf("syncrules: unknown claim %q", claim)
}

// errUnsupportedOp is returned for a Filter.Op this package doesn't
// recognise.
func errUnsupportedOp(op Op) error {
	return errors.Errorf("syncrules: unsupported operator %q", op)
}

// Allows reports whether delta passes at least one bucket's table scope
// and every filter within that bucket. A Context with no buckets allows
// nothing; this matches the fail-closed posture expected of an
// authorization post-filter.
func (c Context) Allows(d types.RowDelta) (bool, error) {
	for _, b := range c.Rules.Buckets {
		if !containsTable(b.Tables, d.Table) {
			continue
		}
		ok, err := evalFilters(b.Filters, d, c.Claims)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func containsTable(tables []string, table string) bool {
	for _, t := range tables {
		if t == table {
			return true
		}
	}
	return false
}

func evalFilters(filters []Filter, d types.RowDelta, claims map[string]any) (bool, error) {
	for _, f := range filters {
		ok, err := evalFilter(f, d, claims)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func evalFilter(f Filter, d types.RowDelta, claims map[string]any) (bool, error) {
	want := f.Value
	if f.ClaimRef != "" {
		v, ok := claims[f.ClaimRef]
		if !ok {
			return false, errUnknownClaim(f.ClaimRef)
		}
		want = v
	}

	got, ok := columnAny(d, f.Column)
	if !ok {
		return false, nil
	}

	switch f.Op {
	case OpEq:
		return equal(got, want), nil
	case OpNeq:
		return !equal(got, want), nil
	case OpIn:
		return containsAny(want, got), nil
	case OpGt, OpLt, OpGte, OpLte:
		return compareOrdered(f.Op, got, want)
	default:
		return false, errUnsupportedOp(f.Op)
	}
}

func columnAny(d types.RowDelta, column string) (any, bool) {
	for _, c := range d.Columns {
		if c.Column == column {
			return c.Value.Any(), true
		}
	}
	return nil, false
}

func equal(a, b any) bool {
	af, aok := asFloat(a)
	bf, bok := asFloat(b)
	if aok && bok {
		return af == bf
	}
	return a == b
}

func containsAny(list any, want any) bool {
	items, ok := list.([]any)
	if !ok {
		return false
	}
	for _, item := range items {
		if equal(item, want) {
			return true
		}
	}
	return false
}

func compareOrdered(op Op, got, want any) (bool, error) {
	gf, gok := asFloat(got)
	wf, wok := asFloat(want)
	if !gok || !wok {
		return false, errors.Errorf("syncrules: operator %q requires numeric operands", op)
	}
	switch op {
	case OpGt:
		return gf > wf, nil
	case OpLt:
		return gf < wf, nil
	case OpGte:
		return gf >= wf, nil
	case OpLte:
		return gf <= wf, nil
	default:
		return false, errUnsupportedOp(op)
	}
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int64:
		return float64(t), true
	case int:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(t, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// FilterStream applies Allows across a slice of deltas, returning only
// those that pass. A nil Context (no sync rules configured) passes
// everything through unfiltered.
func FilterStream(ctx *Context, deltas []types.RowDelta) ([]types.RowDelta, error) {
	if ctx == nil {
		return deltas, nil
	}
	out := make([]types.RowDelta, 0, len(deltas))
	for _, d := range deltas {
		ok, err := ctx.Allows(d)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, d)
		}
	}
	return out, nil
}
