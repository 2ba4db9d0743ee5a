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

package jobs

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"cloudpaste.org/pkg/store"
	"cloudpaste.org/pkg/types"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(context.Background(), "sqlite:"+filepath.Join(t.TempDir(), "cloudpaste.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func waitTerminal(t *testing.T, db *store.Store, id string) *types.Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		j, err := db.Job(context.Background(), id)
		if err != nil {
			t.Fatalf("Job: %v", err)
		}
		if j.Status.Terminal() {
			return j
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("job never reached a terminal status")
	return nil
}

func TestJobLifecycle(t *testing.T) {
	db := newTestStore(t)
	r := New(db)
	r.Register(Handler{
		Kind:        "echo",
		Concurrency: 1,
		Run: func(ctx context.Context, rc *Run) error {
			rc.SetTotals(ctx, 2, 0)
			rc.Item(ctx, types.ItemResult{SourcePath: "/a", Status: types.ItemSuccess})
			rc.Item(ctx, types.ItemResult{SourcePath: "/b", Status: types.ItemSuccess})
			return nil
		},
	})
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer r.Close()

	j, err := r.Submit(context.Background(), "echo", nil, "admin", types.TriggerAPI)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	j = waitTerminal(t, db, j.ID)
	if j.Status != types.JobCompleted {
		t.Fatalf("status = %s (%s)", j.Status, j.ErrorMessage)
	}
	if j.Stats.ProcessedItems != 2 || j.Stats.SuccessCount != 2 {
		t.Errorf("stats = %+v", j.Stats)
	}
	if j.StartedAt == nil || j.FinishedAt == nil {
		t.Error("missing run timestamps")
	}
	runs, err := db.JobRuns(context.Background(), j.ID)
	if err != nil || len(runs) != 1 || runs[0].Attempt != 1 {
		t.Fatalf("runs = %+v, err = %v", runs, err)
	}
}

func TestJobPartialAndRetry(t *testing.T) {
	db := newTestStore(t)
	r := New(db)
	// Fails every item whose payload bit says so; the retry payload
	// keeps only the failed ones.
	type payload struct {
		Items []string `json:"items"`
	}
	r.Register(Handler{
		Kind: "flaky",
		Run: func(ctx context.Context, rc *Run) error {
			var p payload
			if err := json.Unmarshal(rc.Job.Payload, &p); err != nil {
				return err
			}
			rc.SetTotals(ctx, len(p.Items), 0)
			for _, it := range p.Items {
				res := types.ItemResult{SourcePath: it, Status: types.ItemSuccess}
				if it == "/bad" {
					res.Status = types.ItemFailed
					res.Error = "boom"
				}
				rc.Item(ctx, res)
			}
			return nil
		},
		RetryPayload: func(raw json.RawMessage, failed []types.ItemResult) (json.RawMessage, error) {
			var keep []string
			for _, f := range failed {
				keep = append(keep, f.SourcePath)
			}
			return json.Marshal(payload{Items: keep})
		},
	})
	if err := r.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	raw, _ := json.Marshal(payload{Items: []string{"/ok", "/bad"}})
	j, err := r.Submit(context.Background(), "flaky", raw, "admin", types.TriggerAPI)
	if err != nil {
		t.Fatal(err)
	}
	j = waitTerminal(t, db, j.ID)
	if j.Status != types.JobPartial {
		t.Fatalf("status = %s, want partial", j.Status)
	}
	got := j.AllowedActions()
	if len(got) != 2 || got[0] != "retry" {
		t.Fatalf("allowedActions = %v", got)
	}

	retry, err := r.Retry(context.Background(), j.ID)
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	var p payload
	if err := json.Unmarshal(retry.Payload, &p); err != nil {
		t.Fatal(err)
	}
	if len(p.Items) != 1 || p.Items[0] != "/bad" {
		t.Fatalf("retry payload = %+v", p)
	}
	waitTerminal(t, db, retry.ID)
}

func TestJobCancelRunning(t *testing.T) {
	db := newTestStore(t)
	r := New(db)
	started := make(chan struct{})
	r.Register(Handler{
		Kind: "slow",
		Run: func(ctx context.Context, rc *Run) error {
			close(started)
			<-ctx.Done()
			return types.NewCancelled("stopped")
		},
	})
	if err := r.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	j, err := r.Submit(context.Background(), "slow", nil, "admin", types.TriggerAPI)
	if err != nil {
		t.Fatal(err)
	}
	<-started
	if _, err := r.Cancel(context.Background(), j.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	j = waitTerminal(t, db, j.ID)
	if j.Status != types.JobCancelled {
		t.Fatalf("status = %s, want cancelled", j.Status)
	}
	// Terminal jobs cannot be cancelled again.
	if _, err := r.Cancel(context.Background(), j.ID); !types.IsKind(err, types.KindConflict) {
		t.Fatalf("second cancel: err = %v, want Conflict", err)
	}
}

func TestProgressFlushPreservesStatus(t *testing.T) {
	db := newTestStore(t)
	ctx := context.Background()
	j := &types.Job{Kind: "copy", CreatedBy: "admin"}
	if err := db.CreateJob(ctx, j); err != nil {
		t.Fatal(err)
	}
	j.Status = types.JobCancelling
	j.CancelRequested = true
	if err := db.UpdateJob(ctx, j); err != nil {
		t.Fatal(err)
	}

	// The handler's snapshot predates the cancel; a progress flush must
	// not write that stale status back.
	stale := *j
	stale.Status = types.JobRunning
	stale.CancelRequested = false
	rc := &Run{Job: &stale, runner: New(db)}
	rc.SetTotals(ctx, 5, 0)

	got, err := db.Job(ctx, j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != types.JobCancelling || !got.CancelRequested {
		t.Fatalf("flush rewrote job state: status = %s, cancel = %v", got.Status, got.CancelRequested)
	}
	if got.Stats.TotalItems != 5 {
		t.Fatalf("stats not flushed: %+v", got.Stats)
	}
}

func TestSubmitBackpressure(t *testing.T) {
	db := newTestStore(t)
	r := New(db)
	r.SetMaxLivePerUser(2)
	r.Register(Handler{
		Kind: "idle",
		Run:  func(ctx context.Context, rc *Run) error { return nil },
	})
	// Not started: jobs stay pending.
	for i := 0; i < 2; i++ {
		if _, err := r.Submit(context.Background(), "idle", nil, "key1", types.TriggerAPI); err != nil {
			t.Fatalf("Submit %d: %v", i, err)
		}
	}
	if _, err := r.Submit(context.Background(), "idle", nil, "key1", types.TriggerAPI); !types.IsKind(err, types.KindTooBusy) {
		t.Fatalf("third submit: err = %v, want TooBusy", err)
	}
	// Another creator is not affected.
	if _, err := r.Submit(context.Background(), "idle", nil, "key2", types.TriggerAPI); err != nil {
		t.Fatalf("other creator: %v", err)
	}
}

func TestOrphanReconciliation(t *testing.T) {
	db := newTestStore(t)
	ctx := context.Background()
	j := &types.Job{Kind: "copy", Status: types.JobPending, CreatedBy: "admin"}
	if err := db.CreateJob(ctx, j); err != nil {
		t.Fatal(err)
	}
	now := time.Now()
	j.Status = types.JobRunning
	j.StartedAt = &now
	if err := db.UpdateJob(ctx, j); err != nil {
		t.Fatal(err)
	}

	r := New(db)
	r.Register(Handler{Kind: "copy", Run: func(ctx context.Context, rc *Run) error { return nil }})
	if err := r.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	got, err := db.Job(ctx, j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != types.JobFailed || got.ErrorMessage != "worker lost" {
		t.Fatalf("reconciled job = %s / %q", got.Status, got.ErrorMessage)
	}
}

func TestUnknownKindRejected(t *testing.T) {
	r := New(newTestStore(t))
	if _, err := r.Submit(context.Background(), "nope", nil, "admin", types.TriggerAPI); !types.IsKind(err, types.KindInvalidInput) {
		t.Fatalf("err = %v, want InvalidInput", err)
	}
}
