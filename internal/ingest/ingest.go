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

// Package ingest implements the gateway's push path: deduplication,
// validation, clock-drift detection, column-level LWW merge, and
// backpressure-bounded buffering of incoming row deltas.
package ingest

import (
	log "github.com/sirupsen/logrus"

	"github.com/cockroachdb/lakesync/internal/buffer"
	"github.com/cockroachdb/lakesync/internal/types"
	"github.com/cockroachdb/lakesync/internal/util/hlc"
	"github.com/cockroachdb/lakesync/internal/util/metrics"
	"github.com/cockroachdb/lakesync/internal/validate"
)

// maxDeltasPerPush bounds the size of a single SyncPush request.
const maxDeltasPerPush = 10_000

// RejectedSink receives each delta that fails the validation pipeline,
// so operators have somewhere to route it instead of silently dropping
// it. The push then stops with that error; deltas earlier in the same
// push stay buffered. A nil sink is valid; rejections are simply not
// routed anywhere beyond the returned error.
type RejectedSink interface {
	Reject(d types.RowDelta, err error)
}

// PushRequest is a SyncPush request: a client's row deltas, its
// identity, and the last server hlc it observed.
type PushRequest struct {
	ClientID       string
	HeaderClientID string
	Deltas         []types.RowDelta
	LastSeenHLC    hlc.Time
}

// PushResult is the outcome of a successful Push call.
type PushResult struct {
	ServerHLC hlc.Time
	Accepted  int
	Ingested  []types.RowDelta
}

// Coordinator implements the push path against a single buffer and
// clock, with an optional validation pipeline and rejected-delta sink.
type Coordinator struct {
	Clock                *hlc.Clock
	Buffer               *buffer.Buffer
	Pipeline             validate.Pipeline
	MaxBackpressureBytes int64
	RejectedSink         RejectedSink
}

// Push runs a full SyncPush: identity check, size check, backpressure
// check, then per-delta dedup/validate/drift-check/merge/append.
func (c *Coordinator) Push(req PushRequest) (PushResult, error) {
	if req.HeaderClientID != "" && req.HeaderClientID != req.ClientID {
		return PushResult{}, &types.ForbiddenError{Msg: "clientId header does not match request body"}
	}
	if len(req.Deltas) > maxDeltasPerPush {
		return PushResult{}, &types.ValidationError{Msg: "too many deltas in a single push"}
	}

	projected := c.Buffer.Snapshot().EstimatedBytes
	for _, d := range req.Deltas {
		projected += d.EstimatedBytes()
	}
	if limit := c.MaxBackpressureBytes; limit > 0 && projected > limit {
		return PushResult{}, &types.BackpressureError{CurrentBytes: projected, LimitBytes: limit}
	}

	ingested := make([]types.RowDelta, 0, len(req.Deltas))
	accepted := 0

	for _, d := range req.Deltas {
		if c.Buffer.HasDelta(d.DeltaID) {
			accepted++
			continue
		}

		if c.Pipeline != nil {
			if err := c.Pipeline.Check(d); err != nil {
				if c.RejectedSink != nil {
					c.RejectedSink.Reject(d, err)
				}
				return PushResult{}, err
			}
		}

		recvHLC, err := c.Clock.Recv(d.HLC)
		if err != nil {
			return PushResult{}, driftError(err)
		}
		d.HLC = recvHLC

		if existing, ok := c.Buffer.GetRow(d.Key()); ok {
			merged := Merge(existing, d)
			c.Buffer.Append(merged)
			ingested = append(ingested, merged)
		} else {
			c.Buffer.Append(d)
			ingested = append(ingested, d)
		}
		accepted++
		metrics.DeltasIngested.WithLabelValues(d.Table).Inc()

		log.WithFields(log.Fields{
			"table": d.Table,
			"rowId": d.RowID,
			"hlc":   recvHLC.String(),
		}).Trace("ingest: buffered delta")
	}

	return PushResult{
		ServerHLC: c.Clock.Now(),
		Accepted:  accepted,
		Ingested:  ingested,
	}, nil
}

func driftError(err error) error {
	if drift, ok := err.(*hlc.DriftError); ok {
		return &types.ClockDriftError{RemoteMs: drift.Remote.WallMs(), WallMs: drift.WallMs}
	}
	return err
}
