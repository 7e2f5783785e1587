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

package types

import (
	"fmt"

	"github.com/pkg/errors"
)

// errRowIDEmpty is returned by RowDelta.Validate when RowID is empty.
var errRowIDEmpty = errors.New("rowId must not be empty")

// ValidationError represents malformed input or a size bound being
// exceeded. Callers should surface this as HTTP 400.
type ValidationError struct{ Msg string }

func (e *ValidationError) Error() string  { return e.Msg }
func (e *ValidationError) StatusCode() int { return 400 }

// ForbiddenError represents a clientId/identity mismatch. HTTP 403.
type ForbiddenError struct{ Msg string }

func (e *ForbiddenError) Error() string  { return e.Msg }
func (e *ForbiddenError) StatusCode() int { return 403 }

// SchemaMismatchError represents an unknown column or a rejected
// schema evolution. HTTP 422.
type SchemaMismatchError struct {
	Table, Column string
}

func (e *SchemaMismatchError) Error() string {
	return fmt.Sprintf("schema mismatch: table %q has no column %q", e.Table, e.Column)
}
func (e *SchemaMismatchError) StatusCode() int { return 422 }

// ClockDriftError represents a remote HLC too far ahead of wall time.
// HTTP 409.
type ClockDriftError struct {
	RemoteMs, WallMs int64
}

func (e *ClockDriftError) Error() string {
	return fmt.Sprintf("clock drift: remote %d ms vs local wall %d ms", e.RemoteMs, e.WallMs)
}
func (e *ClockDriftError) StatusCode() int { return 409 }

// BackpressureError represents a buffer at or beyond its backpressure
// limit. HTTP 503.
type BackpressureError struct {
	CurrentBytes, LimitBytes int64
}

func (e *BackpressureError) Error() string {
	return fmt.Sprintf("backpressure: %d bytes buffered exceeds limit of %d", e.CurrentBytes, e.LimitBytes)
}
func (e *BackpressureError) StatusCode() int { return 503 }

// AdapterError wraps a failure from an injected object-store or
// database adapter.
type AdapterError struct {
	Op  string
	Err error
}

func (e *AdapterError) Error() string { return fmt.Sprintf("adapter: %s: %v", e.Op, e.Err) }
func (e *AdapterError) Unwrap() error { return e.Err }

// FlushError wraps a failed drain/serialize/persist cycle. HTTP 500;
// the buffer is restored before this error is returned.
type FlushError struct{ Err error }

func (e *FlushError) Error() string  { return fmt.Sprintf("flush failed: %v", e.Err) }
func (e *FlushError) Unwrap() error  { return e.Err }
func (e *FlushError) StatusCode() int { return 500 }

// CatalogueError wraps a best-effort, non-fatal catalogue call
// failure.
type CatalogueError struct {
	StatusCode int
	Err        error
}

func (e *CatalogueError) Error() string {
	return fmt.Sprintf("catalogue error (status %d): %v", e.StatusCode, e.Err)
}
func (e *CatalogueError) Unwrap() error { return e.Err }

// CompactionError wraps a failure in the compaction pipeline. Kind is
// one of "read", "parse", "write", "store".
type CompactionError struct {
	Kind string
	Err  error
}

func (e *CompactionError) Error() string {
	return fmt.Sprintf("compaction %s error: %v", e.Kind, e.Err)
}
func (e *CompactionError) Unwrap() error { return e.Err }

// CheckpointError wraps a failure in checkpoint generation. Kind is
// one of "read", "parse", "encode", "write".
type CheckpointError struct {
	Kind string
	Err  error
}

func (e *CheckpointError) Error() string {
	return fmt.Sprintf("checkpoint %s error: %v", e.Kind, e.Err)
}
func (e *CheckpointError) Unwrap() error { return e.Err }

// ActionValidationError fails an entire action batch due to a
// structural problem with one request.
type ActionValidationError struct{ Msg string }

func (e *ActionValidationError) Error() string  { return e.Msg }
func (e *ActionValidationError) StatusCode() int { return 400 }

// ActionExecutionError wraps a single action handler's failure.
// Retryable actions are not cached.
type ActionExecutionError struct {
	Retryable bool
	Err       error
}

func (e *ActionExecutionError) Error() string { return fmt.Sprintf("action failed: %v", e.Err) }
func (e *ActionExecutionError) Unwrap() error { return e.Err }

// MaintenanceError wraps a failure surfaced by the maintenance runner.
// Code is a stable identifier such as MAINTENANCE_COMPACTION_ERROR.
type MaintenanceError struct {
	Code string
	Err  error
}

func (e *MaintenanceError) Error() string { return fmt.Sprintf("%s: %v", e.Code, e.Err) }
func (e *MaintenanceError) Unwrap() error { return e.Err }

// AdapterNotFoundError is returned when a named source adapter does
// not exist in the registry. HTTP 404.
type AdapterNotFoundError struct{ Name string }

func (e *AdapterNotFoundError) Error() string  { return fmt.Sprintf("adapter not found: %q", e.Name) }
func (e *AdapterNotFoundError) StatusCode() int { return 404 }
