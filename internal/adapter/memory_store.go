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
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/lakesync/internal/types"
)

// MemoryObjectStore is a mutex-guarded, in-memory ObjectStore used by
// tests and the in-process demo mode, in place of an S3/R2/MinIO
// driver.
type MemoryObjectStore struct {
	mu      sync.RWMutex
	objects map[string]memoryObject
}

type memoryObject struct {
	body        []byte
	contentType string
	modified    time.Time
}

// NewMemoryObjectStore constructs an empty MemoryObjectStore.
func NewMemoryObjectStore() *MemoryObjectStore {
	return &MemoryObjectStore{objects: make(map[string]memoryObject)}
}

// PutObject stores body under key, overwriting any prior contents.
func (s *MemoryObjectStore) PutObject(_ context.Context, key string, body []byte, contentType string) error {
	cp := make([]byte, len(body))
	copy(cp, body)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = memoryObject{body: cp, contentType: contentType, modified: time.Now()}
	return nil
}

// GetObject returns the object's body, or an AdapterError if key does
// not exist.
func (s *MemoryObjectStore) GetObject(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[key]
	if !ok {
		return nil, &types.AdapterError{Op: "getObject", Err: errNotFound(key)}
	}
	out := make([]byte, len(obj.body))
	copy(out, obj.body)
	return out, nil
}

// HeadObject returns size and last-modified metadata without the body.
func (s *MemoryObjectStore) HeadObject(_ context.Context, key string) (ObjectInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[key]
	if !ok {
		return ObjectInfo{}, &types.AdapterError{Op: "headObject", Err: errNotFound(key)}
	}
	return ObjectInfo{Key: key, Size: int64(len(obj.body)), LastModified: obj.modified}, nil
}

// ListObjects returns every key with the given prefix, sorted
// lexically.
func (s *MemoryObjectStore) ListObjects(_ context.Context, prefix string) ([]ObjectInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]ObjectInfo, 0)
	for key, obj := range s.objects {
		if strings.HasPrefix(key, prefix) {
			out = append(out, ObjectInfo{Key: key, Size: int64(len(obj.body)), LastModified: obj.modified})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// DeleteObject removes key. Deleting a missing key is not an error.
func (s *MemoryObjectStore) DeleteObject(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, key)
	return nil
}

// DeleteObjects removes every key in keys.
func (s *MemoryObjectStore) DeleteObjects(_ context.Context, keys []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range keys {
		delete(s.objects, key)
	}
	return nil
}

func errNotFound(key string) error {
	return &notFoundError{key: key}
}

type notFoundError struct{ key string }

func (e *notFoundError) Error() string { return "object not found: " + e.key }
