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

// Package source holds the named registry of external database
// adapters used for pull-through reads, decoupling the pull
// coordinator from how many source systems a gateway is wired to.
package source

import (
	"sort"
	"sync"

	"github.com/cockroachdb/lakesync/internal/adapter"
)

// Registry is a string name to adapter.DatabaseAdapter map, safe for
// concurrent use.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]adapter.DatabaseAdapter
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]adapter.DatabaseAdapter)}
}

// Register adds or replaces the adapter registered under name.
func (r *Registry) Register(name string, a adapter.DatabaseAdapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[name] = a
}

// Unregister removes name from the registry, if present.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.adapters, name)
}

// Get returns the adapter registered under name.
func (r *Registry) Get(name string) (adapter.DatabaseAdapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	return a, ok
}

// List returns every registered name, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
