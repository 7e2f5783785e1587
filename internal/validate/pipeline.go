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

// Package validate composes pure validation functions over a RowDelta,
// short-circuiting on the first failure.
package validate

import (
	"github.com/cockroachdb/lakesync/internal/types"
	"github.com/cockroachdb/lakesync/internal/util/ident"
)

// A Validator checks one aspect of a RowDelta and returns a non-nil
// error describing the first problem found, if any.
type Validator func(types.RowDelta) error

// Pipeline is an ordered list of Validators, run in sequence.
type Pipeline []Validator

// Check runs every Validator in order, returning the first error
// encountered.
func (p Pipeline) Check(d types.RowDelta) error {
	for _, v := range p {
		if err := v(d); err != nil {
			return err
		}
	}
	return nil
}

// IdentifierSafety checks that a delta's table name matches the safe
// identifier grammar.
func IdentifierSafety(d types.RowDelta) error {
	return ident.Validate(d.Table)
}

// SchemaValidator adapts a schema manager's ValidateDelta method into
// a Validator.
func SchemaValidator(validateDelta func(types.RowDelta) error) Validator {
	return func(d types.RowDelta) error { return validateDelta(d) }
}

// Default builds the standard validation pipeline: identifier safety
// followed by schema validation, if a validateDelta function is
// supplied (nil means "no schema manager configured").
func Default(validateDelta func(types.RowDelta) error) Pipeline {
	p := Pipeline{IdentifierSafety}
	if validateDelta != nil {
		p = append(p, SchemaValidator(validateDelta))
	}
	return p
}
