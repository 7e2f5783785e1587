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

// Package parquet defines the flush coordinator and compactor's
// Parquet encode/decode boundary, plus a reference codec (a
// zstd-compressed, row-oriented JSON array) that stands in for a full
// Apache Parquet encoder when no external one is injected.
package parquet

import (
	"bytes"
	"encoding/binary"
	"encoding/json"

	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"

	"github.com/cockroachdb/lakesync/internal/types"
)

// magic identifies the reference codec's on-disk format.
var magic = [4]byte{'L', 'S', 'P', 'Q'}

const formatVersion = 1

// Codec is the boundary the flush coordinator and compactor program
// against; a production deployment injects a real Apache Parquet
// implementation satisfying this interface.
type Codec interface {
	Encode(deltas []types.RowDelta, schema types.TableSchema) ([]byte, error)
	Decode(data []byte) ([]types.RowDelta, error)
	DecodeStream(data []byte) (RowIterator, error)
}

// RowIterator yields decoded RowDeltas one at a time, so a caller
// processing many files can avoid holding every file's full decode in
// memory at once.
type RowIterator interface {
	Next() (types.RowDelta, bool, error)
}

// ReferenceCodec implements Codec as a zstd-compressed JSON array
// behind a small fixed header. It is not wire-compatible with Apache
// Parquet; it exists so the flush/compaction paths have something
// concrete to exercise without an external encoder.
type ReferenceCodec struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// NewReferenceCodec constructs a ReferenceCodec with shared zstd
// encoder/decoder instances.
func NewReferenceCodec() (*ReferenceCodec, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, errors.Wrap(err, "constructing zstd encoder")
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, errors.Wrap(err, "constructing zstd decoder")
	}
	return &ReferenceCodec{encoder: enc, decoder: dec}, nil
}

// Encode serializes deltas as JSON, compresses the result with zstd,
// and wraps it in a small header recording the format version and
// schema table name. schema may be the zero value when no schema is
// tracked for the flushed table.
func (c *ReferenceCodec) Encode(deltas []types.RowDelta, schema types.TableSchema) ([]byte, error) {
	body, err := json.Marshal(deltas)
	if err != nil {
		return nil, errors.Wrap(err, "marshaling deltas")
	}
	compressed := c.encoder.EncodeAll(body, nil)

	var buf bytes.Buffer
	buf.Write(magic[:])
	_ = binary.Write(&buf, binary.BigEndian, uint32(formatVersion))
	tableBytes := []byte(schema.Table)
	_ = binary.Write(&buf, binary.BigEndian, uint32(len(tableBytes)))
	buf.Write(tableBytes)
	buf.Write(compressed)
	return buf.Bytes(), nil
}

// Decode reverses Encode, returning every row delta in the file.
func (c *ReferenceCodec) Decode(data []byte) ([]types.RowDelta, error) {
	body, err := c.decodeBody(data)
	if err != nil {
		return nil, err
	}
	var deltas []types.RowDelta
	if err := json.Unmarshal(body, &deltas); err != nil {
		return nil, errors.Wrap(err, "unmarshaling deltas")
	}
	return deltas, nil
}

// DecodeStream decodes the whole file eagerly (the reference codec has
// no native streaming format) but exposes it through a RowIterator so
// callers written against streaming semantics work unmodified against
// a future real Parquet reader.
func (c *ReferenceCodec) DecodeStream(data []byte) (RowIterator, error) {
	deltas, err := c.Decode(data)
	if err != nil {
		return nil, err
	}
	return &sliceIterator{deltas: deltas}, nil
}

func (c *ReferenceCodec) decodeBody(data []byte) ([]byte, error) {
	if len(data) < 4+4+4 || !bytes.Equal(data[:4], magic[:]) {
		return nil, errors.New("not a lakesync reference-parquet file")
	}
	version := binary.BigEndian.Uint32(data[4:8])
	if version != formatVersion {
		return nil, errors.Errorf("unsupported reference-parquet version %d", version)
	}
	tableLen := binary.BigEndian.Uint32(data[8:12])
	offset := 12 + int(tableLen)
	if offset > len(data) {
		return nil, errors.New("truncated reference-parquet header")
	}

	body, err := c.decoder.DecodeAll(data[offset:], nil)
	if err != nil {
		return nil, errors.Wrap(err, "decompressing reference-parquet body")
	}
	return body, nil
}

type sliceIterator struct {
	deltas []types.RowDelta
	pos    int
}

func (it *sliceIterator) Next() (types.RowDelta, bool, error) {
	if it.pos >= len(it.deltas) {
		return types.RowDelta{}, false, nil
	}
	d := it.deltas[it.pos]
	it.pos++
	return d, true, nil
}
