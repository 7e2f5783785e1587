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

// Package flushqueue implements the post-flush materialisation handoff:
// something to tell downstream consumers a new batch of deltas landed,
// without the flush coordinator itself knowing or caring how they get
// processed.
package flushqueue

import (
	"context"
	"encoding/json"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/cockroachdb/lakesync/internal/adapter"
	"github.com/cockroachdb/lakesync/internal/flush"
	"github.com/cockroachdb/lakesync/internal/types"
)

// Materialiser receives a published batch synchronously. Implementations
// are grouped by table so a single failing table doesn't block the rest.
type Materialiser interface {
	Materialise(ctx context.Context, table string, entries []types.RowDelta, schema types.TableSchema) error
}

// Memory is a flush.QueuePublisher that synchronously invokes every
// registered Materialiser, grouped by table, and reports per-table
// failures through OnFailure rather than failing the publish as a
// whole (per §4.13, publish failures are non-fatal to the flush that
// triggered them).
type Memory struct {
	Materialisers []Materialiser
	OnFailure     func(table string, count int, err error)
}

var _ flush.QueuePublisher = (*Memory)(nil)

// Publish groups entries by table and runs every materialiser against
// each group in turn.
func (m *Memory) Publish(ctx context.Context, entries []types.RowDelta, meta flush.PublishMeta) error {
	if len(entries) == 0 {
		return nil
	}
	byTable := make(map[string][]types.RowDelta)
	for _, d := range entries {
		byTable[d.Table] = append(byTable[d.Table], d)
	}

	for table, group := range byTable {
		schema := meta.Schemas[table]
		for _, mat := range m.Materialisers {
			if err := mat.Materialise(ctx, table, group, schema); err != nil {
				log.WithError(err).WithField("table", table).Warn("flushqueue: materialiser failed")
				if m.OnFailure != nil {
					m.OnFailure(table, len(group), err)
				}
			}
		}
	}
	return nil
}

// materialiseJob is the JSON shape written by ObjectStore.Publish for a
// later, out-of-process polling consumer to pick up.
type materialiseJob struct {
	Entries []types.RowDelta             `json:"entries"`
	Schemas map[string]types.TableSchema `json:"schemas"`
}

// ObjectStore is a flush.QueuePublisher that durably records the
// published batch as a job file under an object store, for an
// out-of-process poller (out of scope for this repository) to consume
// and delete.
type ObjectStore struct {
	Store adapter.ObjectStore
	// NowUnixMs and RandSuffix let tests control the generated key
	// deterministically; production code leaves both nil and gets
	// wall-clock/random defaults.
	NowUnixMs  func() int64
	RandSuffix func() string
}

var _ flush.QueuePublisher = (*ObjectStore)(nil)

// Publish writes materialise-jobs/{gatewayId}/{unixMs}-{rand}.json.
func (o *ObjectStore) Publish(ctx context.Context, entries []types.RowDelta, meta flush.PublishMeta) error {
	if len(entries) == 0 {
		return nil
	}
	job := materialiseJob{Entries: entries, Schemas: meta.Schemas}
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encoding materialise job: %w", err)
	}

	key := fmt.Sprintf("materialise-jobs/%s/%d-%s.json", meta.GatewayID, o.nowUnixMs(), o.randSuffix())
	return o.Store.PutObject(ctx, key, body, "application/json")
}

func (o *ObjectStore) nowUnixMs() int64 {
	if o.NowUnixMs != nil {
		return o.NowUnixMs()
	}
	return nowUnixMs()
}

func (o *ObjectStore) randSuffix() string {
	if o.RandSuffix != nil {
		return o.RandSuffix()
	}
	return randSuffix()
}
