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

package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cockroachdb/lakesync/internal/compact"
	"github.com/cockroachdb/lakesync/internal/maintenance"
	"github.com/cockroachdb/lakesync/internal/types"
)

type fakeRunner struct {
	mu      sync.Mutex
	calls   int
	result  maintenance.Result
	err     error
	started chan struct{}
	release chan struct{}
}

func (r *fakeRunner) Run(ctx context.Context, deltaFileKeys []string, outputPrefix, storagePrefix string) (maintenance.Result, error) {
	r.mu.Lock()
	r.calls++
	r.mu.Unlock()

	if r.started != nil {
		close(r.started)
	}
	if r.release != nil {
		<-r.release
	}
	return r.result, r.err
}

func TestRunOnceExecutesTaskAndReportsResult(t *testing.T) {
	runner := &fakeRunner{result: maintenance.Result{Compaction: compact.Stats{BaseFilesWritten: 1}}}
	var reported maintenance.Result
	s := &Scheduler{
		Runner:       runner,
		TaskProvider: func(ctx context.Context) (*Task, error) { return &Task{OutputPrefix: "out"}, nil },
		Config:       types.SchedulerConfig{IntervalMs: 60_000, Enabled: true},
		OnResult:     func(r maintenance.Result) { reported = r },
	}

	err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, runner.calls)
	assert.Equal(t, 1, reported.Compaction.BaseFilesWritten)
}

func TestRunOnceNilTaskEmitsZeroResultWithoutRunning(t *testing.T) {
	runner := &fakeRunner{}
	called := false
	s := &Scheduler{
		Runner:       runner,
		TaskProvider: func(ctx context.Context) (*Task, error) { return nil, nil },
		OnResult:     func(r maintenance.Result) { called = true },
	}

	err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, runner.calls)
	assert.True(t, called)
}

func TestRunOnceReturnsErrAlreadyRunningWhileInFlight(t *testing.T) {
	runner := &fakeRunner{started: make(chan struct{}), release: make(chan struct{})}
	s := &Scheduler{
		Runner:       runner,
		TaskProvider: func(ctx context.Context) (*Task, error) { return &Task{}, nil },
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = s.RunOnce(context.Background())
	}()

	<-runner.started
	err := s.RunOnce(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	close(runner.release)
	wg.Wait()
}

func TestStartRejectsWhenDisabled(t *testing.T) {
	s := &Scheduler{Config: types.SchedulerConfig{Enabled: false}}
	err := s.Start(context.Background())
	assert.ErrorIs(t, err, ErrDisabled)
}

func TestStartRejectsWhenAlreadyRunning(t *testing.T) {
	s := &Scheduler{
		Runner:       &fakeRunner{},
		TaskProvider: func(ctx context.Context) (*Task, error) { return nil, nil },
		Config:       types.SchedulerConfig{IntervalMs: 60_000, Enabled: true},
	}
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	err := s.Start(context.Background())
	assert.ErrorIs(t, err, errAlreadyStarted)
}

func TestStopOnIdleSchedulerIsNoop(t *testing.T) {
	s := &Scheduler{}
	s.Stop()
	s.Stop()
}

func TestStopAwaitsInFlightMaintenanceCycle(t *testing.T) {
	runner := &fakeRunner{started: make(chan struct{}), release: make(chan struct{})}
	s := &Scheduler{
		Runner:       runner,
		TaskProvider: func(ctx context.Context) (*Task, error) { return &Task{}, nil },
		Config:       types.SchedulerConfig{IntervalMs: 5, Enabled: true},
	}
	require.NoError(t, s.Start(context.Background()))

	<-runner.started

	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned before the in-flight cycle released")
	case <-time.After(20 * time.Millisecond):
	}

	close(runner.release)
	<-stopped
}
