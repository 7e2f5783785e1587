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

package hlc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeCompare(t *testing.T) {
	a := New(1_000_000, 0)
	b := New(1_000_000, 1)
	c := New(1_000_001, 0)

	assert.Equal(t, -1, Compare(a, b))
	assert.Equal(t, -1, Compare(b, c))
	assert.Equal(t, 0, Compare(a, a))
	assert.Equal(t, 1, Compare(c, a))
}

func TestNowMonotonic(t *testing.T) {
	clk := NewClock(0)
	clk.nowFn = func() time.Time { return time.UnixMilli(1_000_000) }

	first := clk.Now()
	second := clk.Now()
	assert.Less(t, first, second)
	assert.Equal(t, first.WallMs(), second.WallMs())
	assert.Equal(t, first.Counter()+1, second.Counter())
}

func TestRecvAdvancesAndDetectsDrift(t *testing.T) {
	clk := NewClock(time.Second)
	clk.nowFn = func() time.Time { return time.UnixMilli(1_000_000) }

	remote := New(1_000_000, 5)
	got, err := clk.Recv(remote)
	require.NoError(t, err)
	assert.Greater(t, got, remote)

	future := New(1_000_000+10_000, 0)
	_, err = clk.Recv(future)
	require.Error(t, err)
	var driftErr *DriftError
	assert.ErrorAs(t, err, &driftErr)
}

func TestMarshalTextRoundTrip(t *testing.T) {
	ts := New(1_700_000_000_123, 42)
	text, err := ts.MarshalText()
	require.NoError(t, err)

	var out Time
	require.NoError(t, out.UnmarshalText(text))
	assert.Equal(t, ts, out)
}
