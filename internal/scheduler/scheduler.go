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

// Package scheduler drives the background maintenance cycle on a
// fixed interval, with a single-flight guarantee: a tick that arrives
// while a previous cycle is still running is dropped silently.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/cockroachdb/lakesync/internal/maintenance"
	"github.com/cockroachdb/lakesync/internal/types"
)

// ErrAlreadyRunning is returned by RunOnce when a maintenance cycle is
// already in flight.
var ErrAlreadyRunning = errors.New("scheduler: maintenance cycle already in progress")

// ErrDisabled is returned by Start when the scheduler was constructed
// with SchedulerConfig.Enabled == false. Disabled is terminal: Start
// never succeeds afterward.
var ErrDisabled = errors.New("scheduler: disabled")

// errAlreadyStarted is returned by Start when the timer is already
// ticking.
var errAlreadyStarted = errors.New("scheduler: already running")

// Task describes one maintenance cycle's inputs.
type Task struct {
	DeltaFileKeys []string
	OutputPrefix  string
	StoragePrefix string
}

// TaskProvider supplies the next maintenance task, or nil if there is
// nothing to do this tick.
type TaskProvider func(ctx context.Context) (*Task, error)

// Runner is the subset of maintenance.Runner the scheduler depends on.
type Runner interface {
	Run(ctx context.Context, deltaFileKeys []string, outputPrefix, storagePrefix string) (maintenance.Result, error)
}

type state int32

const (
	stateIdle state = iota
	stateRunning
	stateStopping
)

// Scheduler ticks at Config.IntervalMs, pulling a Task from
// TaskProvider and running it through Runner. At most one cycle runs
// at a time.
type Scheduler struct {
	Runner       Runner
	TaskProvider TaskProvider
	Config       types.SchedulerConfig
	OnResult     func(maintenance.Result)
	OnError      func(error)

	mu     sync.Mutex
	state  state
	ticker *time.Ticker
	stopCh chan struct{}
	wg     sync.WaitGroup

	inFlight atomic.Bool
}

func (s *Scheduler) interval() time.Duration {
	ms := s.Config.IntervalMs
	if ms <= 0 {
		ms = types.DefaultSchedulerConfig().IntervalMs
	}
	return time.Duration(ms) * time.Millisecond
}

// Start begins the periodic timer. It fails if the scheduler was
// constructed disabled, or if it is already running.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Config.Enabled {
		return ErrDisabled
	}
	if s.state != stateIdle {
		return errAlreadyStarted
	}

	s.ticker = time.NewTicker(s.interval())
	s.stopCh = make(chan struct{})
	s.state = stateRunning

	s.wg.Add(1)
	go s.loop(ctx)
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-s.ticker.C:
			s.tick(ctx, true)
		case <-s.stopCh:
			return
		}
	}
}

// tick runs one maintenance cycle. When silent is true (periodic
// ticks), an already-in-flight cycle is dropped without error; when
// false (RunOnce), it is surfaced as ErrAlreadyRunning.
func (s *Scheduler) tick(ctx context.Context, silent bool) error {
	if !s.inFlight.CompareAndSwap(false, true) {
		if silent {
			log.Debug("scheduler: tick skipped, maintenance already in flight")
			return nil
		}
		return ErrAlreadyRunning
	}
	defer s.inFlight.Store(false)

	task, err := s.TaskProvider(ctx)
	if err != nil {
		if s.OnError != nil {
			s.OnError(err)
		}
		return err
	}
	if task == nil {
		if s.OnResult != nil {
			s.OnResult(maintenance.Result{})
		}
		return nil
	}

	result, err := s.Runner.Run(ctx, task.DeltaFileKeys, task.OutputPrefix, task.StoragePrefix)
	if err != nil {
		log.WithError(err).Warn("scheduler: maintenance cycle failed")
		if s.OnError != nil {
			s.OnError(err)
		}
		return err
	}
	if s.OnResult != nil {
		s.OnResult(result)
	}
	return nil
}

// RunOnce executes a single maintenance cycle outside the periodic
// timer. It returns ErrAlreadyRunning if a cycle (scheduled or
// RunOnce) is already in flight.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	return s.tick(ctx, false)
}

// Stop clears the timer and blocks until any in-flight cycle
// completes. Calling Stop on an idle or already-stopped scheduler is a
// no-op.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.state != stateRunning {
		s.mu.Unlock()
		return
	}
	s.state = stateStopping
	s.ticker.Stop()
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()

	s.mu.Lock()
	s.state = stateIdle
	s.mu.Unlock()
}
