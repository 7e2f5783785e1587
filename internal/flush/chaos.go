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

package flush

import (
	"context"
	"math/rand"

	"github.com/pkg/errors"

	"github.com/cockroachdb/lakesync/internal/adapter"
	"github.com/cockroachdb/lakesync/internal/types"
)

// ErrChaos is the error injected by the WithChaos wrappers in this file.
var ErrChaos = errors.New("chaos")

// WithChaosObjectStore returns a wrapper around delegate that fails
// PutObject with probability prob, so tests can exercise the restore-
// on-failure path (buffer.Restore after a failed persist) without a
// real flaky object store. delegate is returned unwrapped if prob <= 0.
func WithChaosObjectStore(delegate adapter.ObjectStore, prob float32) adapter.ObjectStore {
	if prob <= 0 {
		return delegate
	}
	return &chaosObjectStore{delegate: delegate, prob: prob}
}

type chaosObjectStore struct {
	delegate adapter.ObjectStore
	prob     float32
}

var _ adapter.ObjectStore = (*chaosObjectStore)(nil)

func (c *chaosObjectStore) PutObject(ctx context.Context, key string, body []byte, contentType string) error {
	if rand.Float32() < c.prob {
		return errors.WithMessage(ErrChaos, "PutObject")
	}
	return c.delegate.PutObject(ctx, key, body, contentType)
}

func (c *chaosObjectStore) GetObject(ctx context.Context, key string) ([]byte, error) {
	if rand.Float32() < c.prob {
		return nil, errors.WithMessage(ErrChaos, "GetObject")
	}
	return c.delegate.GetObject(ctx, key)
}

func (c *chaosObjectStore) HeadObject(ctx context.Context, key string) (adapter.ObjectInfo, error) {
	return c.delegate.HeadObject(ctx, key)
}

func (c *chaosObjectStore) ListObjects(ctx context.Context, prefix string) ([]adapter.ObjectInfo, error) {
	return c.delegate.ListObjects(ctx, prefix)
}

func (c *chaosObjectStore) DeleteObject(ctx context.Context, key string) error {
	return c.delegate.DeleteObject(ctx, key)
}

func (c *chaosObjectStore) DeleteObjects(ctx context.Context, keys []string) error {
	return c.delegate.DeleteObjects(ctx, keys)
}

// WithChaosDatabaseAdapter is the DatabaseAdapter analogue of
// WithChaosObjectStore, injecting failures into InsertDeltas.
func WithChaosDatabaseAdapter(delegate adapter.DatabaseAdapter, prob float32) adapter.DatabaseAdapter {
	if prob <= 0 {
		return delegate
	}
	return &chaosDatabaseAdapter{delegate: delegate, prob: prob}
}

type chaosDatabaseAdapter struct {
	delegate adapter.DatabaseAdapter
	prob     float32
}

var _ adapter.DatabaseAdapter = (*chaosDatabaseAdapter)(nil)

func (c *chaosDatabaseAdapter) InsertDeltas(ctx context.Context, deltas []types.RowDelta) error {
	if rand.Float32() < c.prob {
		return errors.WithMessage(ErrChaos, "InsertDeltas")
	}
	return c.delegate.InsertDeltas(ctx, deltas)
}

func (c *chaosDatabaseAdapter) QueryDeltasSince(ctx context.Context, since uint64, limit int) ([]types.RowDelta, error) {
	return c.delegate.QueryDeltasSince(ctx, since, limit)
}

func (c *chaosDatabaseAdapter) GetLatestState(ctx context.Context, table, rowID string) (adapter.TableState, bool, error) {
	return c.delegate.GetLatestState(ctx, table, rowID)
}

func (c *chaosDatabaseAdapter) EnsureSchema(ctx context.Context, schema types.TableSchema) error {
	return c.delegate.EnsureSchema(ctx, schema)
}

func (c *chaosDatabaseAdapter) Close() error {
	return c.delegate.Close()
}
