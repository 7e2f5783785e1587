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

// Package diag provides a small registry of named health-checkable
// components (pools, caches, schedulers) that a health endpoint can
// consult without each component needing to know about HTTP.
package diag

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// A Diagnostic reports its own health. Implementations should return
// quickly; Ping is expected to be called frequently by a health
// endpoint.
type Diagnostic interface {
	Ping(ctx context.Context) error
}

// Diagnostics is a registry of named Diagnostic implementations.
type Diagnostics struct {
	mu    sync.Mutex
	named map[string]Diagnostic
}

// New constructs an empty Diagnostics registry. The context argument is
// accepted for symmetry with the teacher's diag.New(ctx) constructor,
// which ties the registry's lifetime to a stopper.Context; it is
// unused here since the registry itself holds no background state.
func New(_ context.Context) (*Diagnostics, func()) {
	d := &Diagnostics{named: make(map[string]Diagnostic)}
	return d, func() {}
}

// Register associates a name with a Diagnostic. It returns an error if
// the name is already registered.
func (d *Diagnostics) Register(name string, diagnostic Diagnostic) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, found := d.named[name]; found {
		return errors.Errorf("diagnostic %q already registered", name)
	}
	d.named[name] = diagnostic
	return nil
}

// Unregister removes a previously-registered name, if present.
func (d *Diagnostics) Unregister(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.named, name)
}

// CheckAll pings every registered Diagnostic and returns a map of name
// to error (nil entries indicate success). This is the shape consumed
// by an out-of-scope HTTP /healthz handler.
func (d *Diagnostics) CheckAll(ctx context.Context) map[string]error {
	d.mu.Lock()
	named := make(map[string]Diagnostic, len(d.named))
	for k, v := range d.named {
		named[k] = v
	}
	d.mu.Unlock()

	results := make(map[string]error, len(named))
	for name, diagnostic := range named {
		results[name] = diagnostic.Ping(ctx)
	}
	return results
}
