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

package action

import (
	"strings"
	"sync/atomic"
	"time"
)

// DefaultCacheTTL and DefaultCacheSize match spec.md §4.8's stated
// defaults for the idempotency cache.
const (
	DefaultCacheTTL  = 5 * time.Minute
	DefaultCacheSize = 10_000
)

const idemPrefix = "idem:"

// CacheEntry is one cached action outcome.
type CacheEntry struct {
	Result    any
	Err       error
	Retryable bool
}

type cacheRecord struct {
	CacheEntry
	expiresAt time.Time
}

// cacheSnapshot is an immutable view of the cache, keyed by raw actionId
// or "idem:<key>". order tracks insertion order so Set can evict the
// oldest non-idempotency-prefixed entries once the cache grows past
// maxSize.
type cacheSnapshot struct {
	entries map[string]cacheRecord
	order   []string
}

// Cache is a TTL- and size-bounded idempotency cache, implemented as a
// copy-on-write immutable snapshot swapped under a CAS loop, matching
// the buffer package's concurrency pattern.
type Cache struct {
	ptr     atomic.Pointer[cacheSnapshot]
	ttl     time.Duration
	maxSize int
	nowFn   func() time.Time
}

// NewCache constructs a Cache. Zero ttl/maxSize fall back to the
// package defaults.
func NewCache(ttl time.Duration, maxSize int) *Cache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if maxSize <= 0 {
		maxSize = DefaultCacheSize
	}
	c := &Cache{ttl: ttl, maxSize: maxSize, nowFn: time.Now}
	c.ptr.Store(&cacheSnapshot{entries: make(map[string]cacheRecord)})
	return c
}

// idemKey renders an idempotency key's cache key, "idem:<key>".
func idemKey(key string) string {
	return idemPrefix + key
}

// GetByActionID looks up a cached result by raw actionId.
func (c *Cache) GetByActionID(actionID string) (CacheEntry, bool) {
	return c.get(actionID)
}

// GetByIdempotencyKey looks up a cached result by idempotency key.
func (c *Cache) GetByIdempotencyKey(key string) (CacheEntry, bool) {
	return c.get(idemKey(key))
}

func (c *Cache) get(key string) (CacheEntry, bool) {
	snap := c.ptr.Load()
	rec, ok := snap.entries[key]
	if !ok || c.nowFn().After(rec.expiresAt) {
		return CacheEntry{}, false
	}
	return rec.CacheEntry, true
}

// SetByActionID caches entry under the raw actionId.
func (c *Cache) SetByActionID(actionID string, entry CacheEntry) {
	c.set(actionID, entry)
}

// SetByIdempotencyKey caches entry under "idem:<key>", in addition to
// whatever actionId key the caller also sets.
func (c *Cache) SetByIdempotencyKey(key string, entry CacheEntry) {
	c.set(idemKey(key), entry)
}

// set rebuilds the snapshot: expired entries are dropped, the new
// record is inserted (or refreshes its position if the key already
// existed), and then the oldest non-"idem:"-prefixed keys are trimmed
// until at most maxSize remain.
func (c *Cache) set(key string, entry CacheEntry) {
	for {
		cur := c.ptr.Load()
		next := c.buildNext(cur, key, entry)
		if c.ptr.CompareAndSwap(cur, next) {
			return
		}
	}
}

func (c *Cache) buildNext(cur *cacheSnapshot, key string, entry CacheEntry) *cacheSnapshot {
	now := c.nowFn()
	next := &cacheSnapshot{entries: make(map[string]cacheRecord, len(cur.entries)+1)}

	order := make([]string, 0, len(cur.order)+1)
	for _, k := range cur.order {
		if k == key {
			continue
		}
		rec, ok := cur.entries[k]
		if !ok || now.After(rec.expiresAt) {
			continue
		}
		next.entries[k] = rec
		order = append(order, k)
	}

	order = append(order, key)
	next.entries[key] = cacheRecord{CacheEntry: entry, expiresAt: now.Add(c.ttl)}

	plainCount := 0
	for _, k := range order {
		if !strings.HasPrefix(k, idemPrefix) {
			plainCount++
		}
	}
	excess := plainCount - c.maxSize
	if excess > 0 {
		trimmed := make([]string, 0, len(order))
		for _, k := range order {
			if excess > 0 && !strings.HasPrefix(k, idemPrefix) {
				delete(next.entries, k)
				excess--
				continue
			}
			trimmed = append(trimmed, k)
		}
		order = trimmed
	}

	next.order = order
	return next
}
