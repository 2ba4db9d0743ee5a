/*
Copyright 2025 The CloudPaste Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package scheduler runs recurring tasks off a tick source. The tick
// either comes from an internal loop (long-lived daemon) or from an
// external caller hitting the tick endpoint, so the due computation
// never assumes a reliable wall-clock cadence.
package scheduler

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron"

	"cloudpaste.org/pkg/store"
	"cloudpaste.org/pkg/types"
)

// DefaultTickInterval is the internal loop cadence.
const DefaultTickInterval = time.Minute

// Submitter hands a due task to the job runtime. *jobs.Runner
// satisfies it.
type Submitter interface {
	Submit(ctx context.Context, kind string, payload json.RawMessage, createdBy string, trigger types.TriggerType) (*types.Job, error)
}

// Scheduler computes due tasks on every tick and submits them.
type Scheduler struct {
	db     *store.Store
	runner Submitter

	mu       sync.Mutex
	lastTick time.Time
	internal bool
	interval time.Duration

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func New(db *store.Store, runner Submitter) *Scheduler {
	return &Scheduler{db: db, runner: runner, closed: make(chan struct{})}
}

// StartInternal spawns the internal tick loop. Callers on platforms
// with an external cron skip this and call Tick directly.
func (s *Scheduler) StartInternal(interval time.Duration) {
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	s.mu.Lock()
	s.internal = true
	s.interval = interval
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-s.closed:
				return
			case now := <-t.C:
				if _, err := s.Tick(context.Background(), now); err != nil {
					log.Printf("scheduler: tick: %v", err)
				}
			}
		}
	}()
}

func (s *Scheduler) Close() {
	s.closeOnce.Do(func() { close(s.closed) })
	s.wg.Wait()
}

// TickResult says what one tick did.
type TickResult struct {
	Checked   int      `json:"checked"`
	Triggered []string `json:"triggered,omitempty"`
}

// Tick runs every enabled task whose next trigger is at or before now.
// A task that fails to submit is recorded and does not block the rest.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) (*TickResult, error) {
	s.mu.Lock()
	s.lastTick = now
	s.mu.Unlock()

	tasks, err := s.db.ListScheduledJobs(ctx)
	if err != nil {
		return nil, err
	}
	res := &TickResult{}
	for _, task := range tasks {
		if !task.Enabled {
			continue
		}
		res.Checked++
		if task.NextRunAt != nil && now.Before(*task.NextRunAt) {
			continue
		}
		if err := s.runTask(ctx, task, now, "ticker", types.TriggerScheduled); err != nil {
			log.Printf("scheduler: task %s (%s): %v", task.ID, task.Name, err)
			continue
		}
		res.Triggered = append(res.Triggered, task.ID)
	}
	return res, nil
}

// RunNow triggers one task out of schedule. The next scheduled trigger
// is recomputed from now, so a manual run delays the automatic one.
func (s *Scheduler) RunNow(ctx context.Context, id string) (*types.ScheduledRun, error) {
	task, err := s.db.ScheduledJob(ctx, id)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	if err := s.runTask(ctx, task, now, "manual", types.TriggerManual); err != nil {
		return nil, err
	}
	runs, err := s.db.ScheduledRuns(ctx, id, 1)
	if err != nil || len(runs) == 0 {
		return nil, err
	}
	return runs[0], nil
}

func (s *Scheduler) runTask(ctx context.Context, task *types.ScheduledJob, now time.Time, triggeredBy string, trigger types.TriggerType) error {
	run := &types.ScheduledRun{ScheduledJobID: task.ID, TriggeredBy: triggeredBy, StartedAt: now}
	if err := s.db.CreateScheduledRun(ctx, run); err != nil {
		return err
	}
	_, submitErr := s.runner.Submit(ctx, task.HandlerID, task.Config, "scheduler", trigger)

	status, errMsg := "success", ""
	if submitErr != nil {
		status, errMsg = "error", submitErr.Error()
	}
	if err := s.db.FinishScheduledRun(ctx, run.ID, status, errMsg, time.Now()); err != nil {
		return err
	}

	task.LastRunAt = &now
	next, err := NextRun(task, now)
	if err == nil {
		task.NextRunAt = &next
	}
	if err := s.db.UpdateScheduledJob(ctx, task); err != nil {
		return err
	}
	return submitErr
}

// NextRun computes the trigger after base per the task's schedule.
func NextRun(task *types.ScheduledJob, base time.Time) (time.Time, error) {
	switch task.ScheduleType {
	case types.ScheduleInterval:
		if task.IntervalSec <= 0 {
			return time.Time{}, types.NewInvalidInput("intervalSec must be positive").WithField("intervalSec")
		}
		return base.Add(time.Duration(task.IntervalSec) * time.Second), nil
	case types.ScheduleCron:
		sched, err := parseCron(task.CronExpr)
		if err != nil {
			return time.Time{}, err
		}
		return sched.Next(base), nil
	}
	return time.Time{}, types.NewInvalidInput("unknown schedule type %q", task.ScheduleType).WithField("scheduleType")
}

// parseCron accepts the standard 5-field form and the 6-field
// seconds-first form.
func parseCron(expr string) (cron.Schedule, error) {
	sched, err := cron.ParseStandard(expr)
	if err == nil {
		return sched, nil
	}
	sched, err6 := cron.Parse(expr)
	if err6 == nil {
		return sched, nil
	}
	return nil, types.NewInvalidInput("bad cron expression %q: %v", expr, err).WithField("cronExpression")
}

// Create validates and persists a new task definition, seeding its
// first trigger.
func (s *Scheduler) Create(ctx context.Context, task *types.ScheduledJob) error {
	if err := validateTask(task); err != nil {
		return err
	}
	next, err := NextRun(task, time.Now())
	if err != nil {
		return err
	}
	task.NextRunAt = &next
	return s.db.CreateScheduledJob(ctx, task)
}

// Update validates and rewrites a task definition, recomputing the
// next trigger when the schedule changed.
func (s *Scheduler) Update(ctx context.Context, task *types.ScheduledJob) error {
	if err := validateTask(task); err != nil {
		return err
	}
	next, err := NextRun(task, time.Now())
	if err != nil {
		return err
	}
	task.NextRunAt = &next
	return s.db.UpdateScheduledJob(ctx, task)
}

func validateTask(task *types.ScheduledJob) error {
	if task.Name == "" {
		return types.NewInvalidInput("task name is required").WithField("name")
	}
	if task.HandlerID == "" {
		return types.NewInvalidInput("handlerId is required").WithField("handlerId")
	}
	switch task.ScheduleType {
	case types.ScheduleInterval:
		if task.IntervalSec <= 0 {
			return types.NewInvalidInput("intervalSec must be positive").WithField("intervalSec")
		}
	case types.ScheduleCron:
		if _, err := parseCron(task.CronExpr); err != nil {
			return err
		}
	default:
		return types.NewInvalidInput("scheduleType must be interval or cron").WithField("scheduleType")
	}
	return nil
}

// TickInfo is one timestamp of the ticker status payload.
type TickInfo struct {
	Ms int64  `json:"ms,omitempty"`
	At string `json:"at,omitempty"`
}

// TickerStatus is the /scheduler/ticker payload.
type TickerStatus struct {
	Runtime string `json:"runtime"` // internal|external
	Cron    struct {
		Active bool `json:"active"`
	} `json:"cron"`
	LastTick *TickInfo `json:"lastTick,omitempty"`
	NextTick *TickInfo `json:"nextTick,omitempty"`
}

// TickerStatus reports how the scheduler is being driven.
func (s *Scheduler) TickerStatus() *TickerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := &TickerStatus{Runtime: "external"}
	if s.internal {
		st.Runtime = "internal"
		st.Cron.Active = true
	}
	if !s.lastTick.IsZero() {
		st.LastTick = &TickInfo{Ms: s.lastTick.UnixMilli(), At: s.lastTick.UTC().Format(time.RFC3339)}
		if s.internal {
			next := s.lastTick.Add(s.interval)
			st.NextTick = &TickInfo{At: next.UTC().Format(time.RFC3339)}
		}
	}
	return st
}
