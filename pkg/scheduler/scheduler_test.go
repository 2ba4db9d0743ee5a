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

package scheduler

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"cloudpaste.org/pkg/store"
	"cloudpaste.org/pkg/types"
)

type submission struct {
	kind    string
	trigger types.TriggerType
}

type fakeSubmitter struct {
	subs []submission
	err  error
}

func (f *fakeSubmitter) Submit(ctx context.Context, kind string, payload json.RawMessage, createdBy string, trigger types.TriggerType) (*types.Job, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.subs = append(f.subs, submission{kind, trigger})
	return &types.Job{ID: "j1", Kind: kind}, nil
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(context.Background(), "sqlite:"+filepath.Join(t.TempDir(), "cloudpaste.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestTickRunsDueTasks(t *testing.T) {
	db := newTestStore(t)
	sub := &fakeSubmitter{}
	s := New(db, sub)
	ctx := context.Background()

	due := &types.ScheduledJob{Name: "drain", HandlerID: "fs_index_apply_dirty",
		ScheduleType: types.ScheduleInterval, IntervalSec: 300, Enabled: true}
	if err := s.Create(ctx, due); err != nil {
		t.Fatalf("Create: %v", err)
	}
	// NextRunAt seeded in the future; force it due.
	past := time.Now().Add(-time.Minute)
	due.NextRunAt = &past
	if err := db.UpdateScheduledJob(ctx, due); err != nil {
		t.Fatal(err)
	}

	notDue := &types.ScheduledJob{Name: "later", HandlerID: "fs_index_rebuild",
		ScheduleType: types.ScheduleInterval, IntervalSec: 3600, Enabled: true}
	if err := s.Create(ctx, notDue); err != nil {
		t.Fatal(err)
	}
	disabled := &types.ScheduledJob{Name: "off", HandlerID: "copy",
		ScheduleType: types.ScheduleInterval, IntervalSec: 60, Enabled: false}
	if err := s.Create(ctx, disabled); err != nil {
		t.Fatal(err)
	}

	now := time.Now()
	res, err := s.Tick(ctx, now)
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if res.Checked != 2 {
		t.Errorf("checked = %d, want 2", res.Checked)
	}
	if len(res.Triggered) != 1 || res.Triggered[0] != due.ID {
		t.Fatalf("triggered = %v", res.Triggered)
	}
	if len(sub.subs) != 1 || sub.subs[0].kind != "fs_index_apply_dirty" || sub.subs[0].trigger != types.TriggerScheduled {
		t.Fatalf("submissions = %+v", sub.subs)
	}

	got, err := db.ScheduledJob(ctx, due.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.LastRunAt == nil || got.NextRunAt == nil {
		t.Fatal("run timestamps not advanced")
	}
	if got.NextRunAt.Before(now.Add(299 * time.Second)) {
		t.Errorf("nextRunAt = %v, want ~now+300s", got.NextRunAt)
	}
	runs, err := db.ScheduledRuns(ctx, due.ID, 5)
	if err != nil || len(runs) != 1 {
		t.Fatalf("runs = %+v, err = %v", runs, err)
	}
	if runs[0].Status != "success" || runs[0].TriggeredBy != "ticker" {
		t.Errorf("run = %+v", runs[0])
	}
}

func TestRunNowRecordsManualTrigger(t *testing.T) {
	db := newTestStore(t)
	sub := &fakeSubmitter{}
	s := New(db, sub)
	ctx := context.Background()

	task := &types.ScheduledJob{Name: "rebuild", HandlerID: "fs_index_rebuild",
		ScheduleType: types.ScheduleCron, CronExpr: "0 3 * * *", Enabled: true}
	if err := s.Create(ctx, task); err != nil {
		t.Fatalf("Create: %v", err)
	}

	run, err := s.RunNow(ctx, task.ID)
	if err != nil {
		t.Fatalf("RunNow: %v", err)
	}
	if run.TriggeredBy != "manual" || run.Status != "success" {
		t.Fatalf("run = %+v", run)
	}
	if len(sub.subs) != 1 || sub.subs[0].trigger != types.TriggerManual {
		t.Fatalf("submissions = %+v", sub.subs)
	}
}

func TestNextRunCron(t *testing.T) {
	task := &types.ScheduledJob{ScheduleType: types.ScheduleCron, CronExpr: "30 2 * * *"}
	base := time.Date(2026, 8, 25, 1, 0, 0, 0, time.UTC)
	next, err := NextRun(task, base)
	if err != nil {
		t.Fatalf("NextRun: %v", err)
	}
	want := time.Date(2026, 8, 25, 2, 30, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("next = %v, want %v", next, want)
	}

	// Seconds-first form parses too.
	task.CronExpr = "0 30 2 * * *"
	if _, err := NextRun(task, base); err != nil {
		t.Errorf("6-field cron rejected: %v", err)
	}
}

func TestValidateTask(t *testing.T) {
	s := New(newTestStore(t), &fakeSubmitter{})
	ctx := context.Background()
	bad := []*types.ScheduledJob{
		{HandlerID: "copy", ScheduleType: types.ScheduleInterval, IntervalSec: 60},                        // no name
		{Name: "x", ScheduleType: types.ScheduleInterval, IntervalSec: 60},                                // no handler
		{Name: "x", HandlerID: "copy", ScheduleType: types.ScheduleInterval},                              // no interval
		{Name: "x", HandlerID: "copy", ScheduleType: types.ScheduleCron, CronExpr: "not a cron"},          // bad expr
		{Name: "x", HandlerID: "copy", ScheduleType: types.ScheduleType("hourly"), IntervalSec: 3600},     // bad type
	}
	for i, task := range bad {
		if err := s.Create(ctx, task); !types.IsKind(err, types.KindInvalidInput) {
			t.Errorf("case %d: err = %v, want InvalidInput", i, err)
		}
	}
}

func TestTickerStatus(t *testing.T) {
	s := New(newTestStore(t), &fakeSubmitter{})
	st := s.TickerStatus()
	if st.Runtime != "external" || st.Cron.Active || st.LastTick != nil {
		t.Fatalf("fresh status = %+v", st)
	}

	now := time.Now()
	if _, err := s.Tick(context.Background(), now); err != nil {
		t.Fatal(err)
	}
	st = s.TickerStatus()
	if st.LastTick == nil || st.LastTick.Ms != now.UnixMilli() {
		t.Fatalf("lastTick = %+v", st.LastTick)
	}
	if st.NextTick != nil {
		t.Error("external runtime has no predicted next tick")
	}
}
