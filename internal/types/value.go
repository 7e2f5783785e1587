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

// Package types contains the data types shared across the gateway and
// compactor: row deltas, column values, schemas, and the wire
// envelopes they're serialized into.
package types

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// ValueKind tags the variant held by a Value.
type ValueKind int

// The set of variants a column value may hold. A dynamically-typed
// "any JSON value" in the original design is replaced by this tagged
// sum so that Go code can switch exhaustively instead of relying on
// type assertions against interface{}.
const (
	ValueKindNull ValueKind = iota
	ValueKindBool
	ValueKindInt
	ValueKindFloat
	ValueKindString
	ValueKindJSON
)

// Value is a column value of one of the kinds enumerated by ValueKind.
// Exactly one of the typed fields is meaningful, selected by Kind.
type Value struct {
	Kind ValueKind
	Bool bool
	Int  int64
	Float float64
	Str  string
	JSON json.RawMessage
}

// NullValue is the canonical null column value.
var NullValue = Value{Kind: ValueKindNull}

// BoolValue constructs a bool Value.
func BoolValue(b bool) Value { return Value{Kind: ValueKindBool, Bool: b} }

// IntValue constructs an integer Value.
func IntValue(i int64) Value { return Value{Kind: ValueKindInt, Int: i} }

// FloatValue constructs a floating-point Value.
func FloatValue(f float64) Value { return Value{Kind: ValueKindFloat, Float: f} }

// StringValue constructs a string Value.
func StringValue(s string) Value { return Value{Kind: ValueKindString, Str: s} }

// JSONValue constructs a Value wrapping an arbitrary JSON document,
// used as the fallback for nested objects and arrays.
func JSONValue(raw json.RawMessage) Value { return Value{Kind: ValueKindJSON, JSON: raw} }

// ValueFromAny converts a decoded JSON value (as produced by
// json.Unmarshal into interface{}) into a Value.
func ValueFromAny(v any) (Value, error) {
	switch t := v.(type) {
	case nil:
		return NullValue, nil
	case bool:
		return BoolValue(t), nil
	case float64:
		return FloatValue(t), nil
	case string:
		return StringValue(t), nil
	default:
		raw, err := json.Marshal(t)
		if err != nil {
			return Value{}, errors.Wrap(err, "marshaling nested column value")
		}
		return JSONValue(raw), nil
	}
}

// Any returns the value as an interface{}, the inverse of ValueFromAny
// for the scalar kinds.
func (v Value) Any() any {
	switch v.Kind {
	case ValueKindNull:
		return nil
	case ValueKindBool:
		return v.Bool
	case ValueKindInt:
		return v.Int
	case ValueKindFloat:
		return v.Float
	case ValueKindString:
		return v.Str
	case ValueKindJSON:
		var out any
		_ = json.Unmarshal(v.JSON, &out)
		return out
	default:
		return nil
	}
}

// MarshalJSON implements json.Marshaler, encoding the Value as a plain
// JSON scalar/object/array rather than as a tagged struct, so that the
// FlushEnvelope's column values look like ordinary JSON to external
// consumers.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case ValueKindNull:
		return []byte("null"), nil
	case ValueKindBool:
		if v.Bool {
			return []byte("true"), nil
		}
		return []byte("false"), nil
	case ValueKindInt:
		return json.Marshal(v.Int)
	case ValueKindFloat:
		return json.Marshal(v.Float)
	case ValueKindString:
		return json.Marshal(v.Str)
	case ValueKindJSON:
		if len(v.JSON) == 0 {
			return []byte("null"), nil
		}
		return v.JSON, nil
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON implements json.Unmarshaler.
func (v *Value) UnmarshalJSON(data []byte) error {
	var generic any
	if err := json.Unmarshal(data, &generic); err != nil {
		return errors.Wrap(err, "decoding column value")
	}
	parsed, err := ValueFromAny(generic)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// EstimatedBytes implements the type-aware byte heuristic used by the
// buffer to size itself: booleans count as 4 bytes, numbers as 8,
// strings as 2 bytes per rune (a crude UTF-16-ish estimate), and
// nested JSON falls back to its serialized length.
func (v Value) EstimatedBytes() int64 {
	switch v.Kind {
	case ValueKindNull:
		return 0
	case ValueKindBool:
		return 4
	case ValueKindInt, ValueKindFloat:
		return 8
	case ValueKindString:
		return 2 * int64(len([]rune(v.Str)))
	case ValueKindJSON:
		return int64(len(v.JSON))
	default:
		return 0
	}
}
