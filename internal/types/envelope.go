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
	"encoding/json"

	"github.com/cockroachdb/lakesync/internal/util/hlc"
	"github.com/pkg/errors"
)

// HLCRange bounds the timestamps of the deltas held in a flush file.
type HLCRange struct {
	Min hlc.Time `json:"min"`
	Max hlc.Time `json:"max"`
}

// wireColumnValue is the JSON shape of one (column, value) pair.
type wireColumnValue struct {
	Column string `json:"column"`
	Value  Value  `json:"value"`
}

// wireRowDelta is the JSON wire shape of a RowDelta: HLC as a decimal
// string, per the "BigInt HLCs across JSON" design note.
type wireRowDelta struct {
	Op       string            `json:"op"`
	Table    string            `json:"table"`
	RowID    string            `json:"rowId"`
	ClientID string            `json:"clientId"`
	Columns  []wireColumnValue `json:"columns"`
	HLC      hlc.Time          `json:"hlc"`
	DeltaID  string            `json:"deltaId"`
}

func opFromString(s string) (Op, error) {
	switch s {
	case "INSERT":
		return OpInsert, nil
	case "UPDATE":
		return OpUpdate, nil
	case "DELETE":
		return OpDelete, nil
	default:
		return 0, errors.Errorf("unknown op %q", s)
	}
}

func (d RowDelta) toWire() wireRowDelta {
	cols := make([]wireColumnValue, len(d.Columns))
	for i, c := range d.Columns {
		cols[i] = wireColumnValue{Column: c.Column, Value: c.Value}
	}
	return wireRowDelta{
		Op:       d.Op.String(),
		Table:    d.Table,
		RowID:    d.RowID,
		ClientID: d.ClientID,
		Columns:  cols,
		HLC:      d.HLC,
		DeltaID:  d.DeltaID,
	}
}

func (w wireRowDelta) toDelta() (RowDelta, error) {
	op, err := opFromString(w.Op)
	if err != nil {
		return RowDelta{}, err
	}
	cols := make([]ColumnValue, len(w.Columns))
	for i, c := range w.Columns {
		cols[i] = ColumnValue{Column: c.Column, Value: c.Value}
	}
	return RowDelta{
		Op:       op,
		Table:    w.Table,
		RowID:    w.RowID,
		ClientID: w.ClientID,
		Columns:  cols,
		HLC:      w.HLC,
		DeltaID:  w.DeltaID,
	}, nil
}

// MarshalJSON implements json.Marshaler for RowDelta using the wire
// shape above.
func (d RowDelta) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.toWire())
}

// UnmarshalJSON implements json.Unmarshaler for RowDelta.
func (d *RowDelta) UnmarshalJSON(data []byte) error {
	var w wireRowDelta
	if err := json.Unmarshal(data, &w); err != nil {
		return errors.Wrap(err, "decoding row delta")
	}
	parsed, err := w.toDelta()
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// FlushEnvelope is the JSON-format flush file: the full contents of a
// buffer drain, plus enough metadata for a downstream consumer to
// locate and validate the file without decoding every delta.
type FlushEnvelope struct {
	Version    int        `json:"version"`
	GatewayID  string     `json:"gatewayId"`
	CreatedAt  int64      `json:"createdAt"`
	HLCRange   HLCRange   `json:"hlcRange"`
	DeltaCount int        `json:"deltaCount"`
	ByteSize   int64      `json:"byteSize"`
	Deltas     []RowDelta `json:"deltas"`
}

// EncodeFlushEnvelope serializes a FlushEnvelope to its JSON wire
// format.
func EncodeFlushEnvelope(env FlushEnvelope) ([]byte, error) {
	env.Version = 1
	out, err := json.Marshal(env)
	if err != nil {
		return nil, errors.Wrap(err, "encoding flush envelope")
	}
	return out, nil
}

// DecodeFlushEnvelope parses a FlushEnvelope from its JSON wire format.
func DecodeFlushEnvelope(data []byte) (FlushEnvelope, error) {
	var env FlushEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return FlushEnvelope{}, errors.Wrap(err, "decoding flush envelope")
	}
	return env, nil
}

// CheckpointManifest indexes the chunk files produced by a checkpoint
// generation run.
type CheckpointManifest struct {
	SnapshotHLC  hlc.Time `json:"snapshotHlc"`
	GeneratedAt  int64    `json:"generatedAt"`
	ChunkCount   int      `json:"chunkCount"`
	TotalDeltas  int      `json:"totalDeltas"`
	Chunks       []string `json:"chunks"`
}

// EncodeCheckpointManifest serializes a manifest to JSON.
func EncodeCheckpointManifest(m CheckpointManifest) ([]byte, error) {
	out, err := json.Marshal(m)
	if err != nil {
		return nil, errors.Wrap(err, "encoding checkpoint manifest")
	}
	return out, nil
}

// DecodeCheckpointManifest parses a manifest from JSON.
func DecodeCheckpointManifest(data []byte) (CheckpointManifest, error) {
	var m CheckpointManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return CheckpointManifest{}, errors.Wrap(err, "decoding checkpoint manifest")
	}
	return m, nil
}
