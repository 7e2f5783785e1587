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

// Package pull implements the gateway's pull path: serving incremental
// change streams from the in-memory buffer, or from a named source
// adapter, with optional sync-rules filtering and pagination.
package pull

import (
	"context"

	"github.com/cockroachdb/lakesync/internal/buffer"
	"github.com/cockroachdb/lakesync/internal/source"
	"github.com/cockroachdb/lakesync/internal/syncrules"
	"github.com/cockroachdb/lakesync/internal/types"
	"github.com/cockroachdb/lakesync/internal/util/hlc"
)

// overFetchFactor and maxRounds bound how hard buffer-mode retries to
// fill a page when sync-rules filtering thins out a round's raw yield.
const (
	overFetchFactor = 3
	maxRounds       = 5
)

// Request is a SyncPull request.
type Request struct {
	ClientID  string
	SinceHLC  hlc.Time
	MaxDeltas int
	Source    string // empty means buffer mode
	RulesCtx  *syncrules.Context
}

// Result is the outcome of a SyncPull call.
type Result struct {
	Deltas    []types.RowDelta
	ServerHLC hlc.Time
	HasMore   bool
}

// Coordinator serves pulls either from an in-memory Buffer or from a
// named adapter in the source Registry.
type Coordinator struct {
	Clock    *hlc.Clock
	Buffer   *buffer.Buffer
	Registry *source.Registry
}

// Pull dispatches to buffer mode or adapter mode depending on whether
// req.Source is set.
func (c *Coordinator) Pull(ctx context.Context, req Request) (Result, error) {
	if req.Source != "" {
		return c.pullFromAdapter(ctx, req)
	}
	return c.pullFromBuffer(req)
}

func (c *Coordinator) pullFromBuffer(req Request) (Result, error) {
	cursor := req.SinceHLC
	collected := make([]types.RowDelta, 0, req.MaxDeltas)

	for round := 0; round < maxRounds; round++ {
		raw, rawHasMore := c.Buffer.GetEventsSinceHLC(cursor, req.MaxDeltas*overFetchFactor)
		if len(raw) == 0 {
			return Result{Deltas: collected, ServerHLC: c.Clock.Now(), HasMore: false}, nil
		}

		filtered, err := syncrules.FilterStream(req.RulesCtx, raw)
		if err != nil {
			return Result{}, err
		}
		collected = append(collected, filtered...)
		cursor = raw[len(raw)-1].HLC

		if len(collected) >= req.MaxDeltas {
			trimmed := collected[:req.MaxDeltas]
			return Result{Deltas: trimmed, ServerHLC: c.Clock.Now(), HasMore: true}, nil
		}
		if !rawHasMore {
			return Result{Deltas: collected, ServerHLC: c.Clock.Now(), HasMore: false}, nil
		}
	}

	return Result{Deltas: collected, ServerHLC: c.Clock.Now(), HasMore: true}, nil
}

func (c *Coordinator) pullFromAdapter(ctx context.Context, req Request) (Result, error) {
	db, ok := c.Registry.Get(req.Source)
	if !ok {
		return Result{}, &types.AdapterNotFoundError{Name: req.Source}
	}

	raw, err := db.QueryDeltasSince(ctx, uint64(req.SinceHLC), req.MaxDeltas*overFetchFactor)
	if err != nil {
		return Result{}, &types.AdapterError{Op: "queryDeltasSince", Err: err}
	}

	filtered, err := syncrules.FilterStream(req.RulesCtx, raw)
	if err != nil {
		return Result{}, err
	}

	hasMore := len(filtered) > req.MaxDeltas
	if hasMore {
		filtered = filtered[:req.MaxDeltas]
	}

	return Result{Deltas: filtered, ServerHLC: c.Clock.Now(), HasMore: hasMore}, nil
}
