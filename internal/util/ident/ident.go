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

// Package ident provides safe-identifier validation for table and
// column names flowing through the gateway.
package ident

import (
	"regexp"

	"github.com/pkg/errors"
)

var safeIdentifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,63}$`)

// Table is a validated table name.
type Table string

// Column is a validated column name.
type Column string

// ErrUnsafeIdentifier is returned by Validate when a name fails the
// safe-identifier pattern.
var ErrUnsafeIdentifier = errors.New("unsafe identifier")

// Validate checks name against the safe-identifier grammar
// ^[A-Za-z_][A-Za-z0-9_]{0,63}$.
func Validate(name string) error {
	if !safeIdentifier.MatchString(name) {
		return errors.Wrapf(ErrUnsafeIdentifier, "%q", name)
	}
	return nil
}

// NewTable validates and constructs a Table.
func NewTable(name string) (Table, error) {
	if err := Validate(name); err != nil {
		return "", err
	}
	return Table(name), nil
}

// NewColumn validates and constructs a Column.
func NewColumn(name string) (Column, error) {
	if err := Validate(name); err != nil {
		return "", err
	}
	return Column(name), nil
}
