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

// Package action implements the gateway's imperative-action path: a
// connector-name-keyed handler map plus an idempotency cache, so a
// client retrying the same action (or the same idempotency key) never
// re-executes it.
package action

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/cockroachdb/lakesync/internal/types"
	"github.com/cockroachdb/lakesync/internal/util/hlc"
)

// actionNotSupported is the cached result for an action whose connector
// has no registered handler, or whose actionType the handler rejects.
const actionNotSupported = "ACTION_NOT_SUPPORTED"

// Action is a single imperative request routed to a connector handler.
type Action struct {
	ActionID       string
	ClientID       string
	HLC            hlc.Time
	Connector      string
	ActionType     string
	Params         map[string]any
	IdempotencyKey string
}

// Handler executes actions for one connector. Supports reports whether
// the handler recognizes actionType before ExecuteAction is invoked, so
// the dispatcher can short-circuit unsupported action types without a
// handler-specific error convention.
type Handler interface {
	Supports(actionType string) bool
	ExecuteAction(ctx context.Context, action Action, authCtx any) (any, error)
}

// Result is one action's outcome within a dispatch batch.
type Result struct {
	ActionID  string
	Value     any
	Err       string
	Retryable bool
}

// DispatchResult is the outcome of a full Dispatch call.
type DispatchResult struct {
	Results   []Result
	ServerHLC hlc.Time
}

// Dispatcher routes actions to connector handlers, de-duplicating by
// actionId and, optionally, a client-supplied idempotency key.
type Dispatcher struct {
	Clock    *hlc.Clock
	Handlers map[string]Handler
	Cache    *Cache
}

// Dispatch validates, dedups, executes, and caches a batch of actions.
// A structural validation failure on any single action fails the whole
// request; downstream per-action failures do not.
func (d *Dispatcher) Dispatch(ctx context.Context, actions []Action, authCtx any) (DispatchResult, error) {
	for _, a := range actions {
		if err := validateAction(a); err != nil {
			return DispatchResult{}, err
		}
	}

	results := make([]Result, 0, len(actions))
	for _, a := range actions {
		results = append(results, d.dispatchOne(ctx, a, authCtx))
	}

	return DispatchResult{Results: results, ServerHLC: d.Clock.Now()}, nil
}

func (d *Dispatcher) dispatchOne(ctx context.Context, a Action, authCtx any) Result {
	if entry, ok := d.Cache.GetByActionID(a.ActionID); ok {
		return toResult(a.ActionID, entry)
	}
	if a.IdempotencyKey != "" {
		if entry, ok := d.Cache.GetByIdempotencyKey(a.IdempotencyKey); ok {
			d.Cache.SetByActionID(a.ActionID, entry)
			return toResult(a.ActionID, entry)
		}
	}

	handler, ok := d.Handlers[a.Connector]
	if !ok || !handler.Supports(a.ActionType) {
		entry := CacheEntry{Err: errActionNotSupported(a)}
		d.cache(a, entry)
		return toResult(a.ActionID, entry)
	}

	value, err := handler.ExecuteAction(ctx, a, authCtx)
	if err != nil {
		retryable := true
		if execErr, ok := err.(*types.ActionExecutionError); ok {
			retryable = execErr.Retryable
		}
		entry := CacheEntry{Err: err, Retryable: retryable}
		if !retryable {
			d.cache(a, entry)
		}
		log.WithError(err).WithFields(log.Fields{
			"actionId":  a.ActionID,
			"connector": a.Connector,
			"retryable": retryable,
		}).Debug("action: handler failed")
		return toResult(a.ActionID, entry)
	}

	entry := CacheEntry{Result: value}
	d.cache(a, entry)
	return toResult(a.ActionID, entry)
}

func (d *Dispatcher) cache(a Action, entry CacheEntry) {
	d.Cache.SetByActionID(a.ActionID, entry)
	if a.IdempotencyKey != "" {
		d.Cache.SetByIdempotencyKey(a.IdempotencyKey, entry)
	}
}

func toResult(actionID string, entry CacheEntry) Result {
	r := Result{ActionID: actionID, Value: entry.Result, Retryable: entry.Retryable}
	if entry.Err != nil {
		r.Err = entry.Err.Error()
	}
	return r
}

func errActionNotSupported(a Action) error {
	return &types.ActionExecutionError{Retryable: false, Err: &types.ValidationError{Msg: actionNotSupported + ": " + a.Connector + "/" + a.ActionType}}
}

func validateAction(a Action) error {
	switch {
	case a.ActionID == "":
		return &types.ActionValidationError{Msg: "actionId must not be empty"}
	case a.ClientID == "":
		return &types.ActionValidationError{Msg: "clientId must not be empty"}
	case a.Connector == "":
		return &types.ActionValidationError{Msg: "connector must not be empty"}
	case a.ActionType == "":
		return &types.ActionValidationError{Msg: "actionType must not be empty"}
	default:
		return nil
	}
}
