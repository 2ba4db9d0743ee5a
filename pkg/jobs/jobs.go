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

// Package jobs is the async job runtime: persisted jobs consumed by
// per-kind worker pools, with cooperative cancellation, debounced
// progress, per-item results in completion order, and retry of failed
// items as a fresh job.
package jobs

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"cloudpaste.org/pkg/store"
	"cloudpaste.org/pkg/types"
)

const (
	// DefaultMaxLivePerUser bounds a creator's pending+running jobs;
	// past it Submit answers TooBusy.
	DefaultMaxLivePerUser = 50

	// progressDebounce is the floor between persisted stat updates.
	progressDebounce = 500 * time.Millisecond

	queueDepth = 1024
)

// Job kinds known to the gateway.
const (
	KindCopy         = "copy"
	KindIndexRebuild = "fs_index_rebuild"
	KindApplyDirty   = "fs_index_apply_dirty"
)

// A Handler executes one kind of job.
type Handler struct {
	Kind        string
	Concurrency int
	Run         func(ctx context.Context, rc *Run) error
	// RetryPayload trims a payload down to its failed items for a retry
	// job. Nil reuses the payload unchanged.
	RetryPayload func(payload json.RawMessage, failed []types.ItemResult) (json.RawMessage, error)
}

// Runner owns the worker pools. One Runner per process; jobs left in
// running state at startup had their worker die with the old process.
type Runner struct {
	db      *store.Store
	maxLive int

	mu       sync.Mutex
	handlers map[string]*Handler
	queues   map[string]chan string
	live     map[string]context.CancelFunc

	wg        sync.WaitGroup
	closed    chan struct{}
	closeOnce sync.Once
}

func New(db *store.Store) *Runner {
	return &Runner{
		db:       db,
		maxLive:  DefaultMaxLivePerUser,
		handlers: make(map[string]*Handler),
		queues:   make(map[string]chan string),
		live:     make(map[string]context.CancelFunc),
		closed:   make(chan struct{}),
	}
}

// SetMaxLivePerUser overrides the per-creator backpressure bound.
func (r *Runner) SetMaxLivePerUser(n int) {
	if n > 0 {
		r.maxLive = n
	}
}

// Register installs a handler. Must happen before Start.
func (r *Runner) Register(h Handler) {
	if h.Concurrency <= 0 {
		h.Concurrency = 1
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[h.Kind] = &h
	r.queues[h.Kind] = make(chan string, queueDepth)
}

// Start reconciles orphans, re-enqueues pending jobs, and spawns the
// worker pools.
func (r *Runner) Start(ctx context.Context) error {
	if n, err := r.db.ReapOrphanedJobs(ctx); err != nil {
		return err
	} else if n > 0 {
		log.Printf("jobs: reconciled %d orphaned job(s) to failed", n)
	}

	pending, err := r.db.ListJobs(ctx, "", types.JobPending, 0)
	if err != nil {
		return err
	}
	// ListJobs is newest first; enqueue oldest first.
	for i := len(pending) - 1; i >= 0; i-- {
		r.enqueue(pending[i])
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for kind, h := range r.handlers {
		q := r.queues[kind]
		for i := 0; i < h.Concurrency; i++ {
			r.wg.Add(1)
			go r.worker(h, q)
		}
	}
	return nil
}

// Close stops the workers. Running handlers observe cancellation
// through their context.
func (r *Runner) Close() {
	r.closeOnce.Do(func() { close(r.closed) })
	r.mu.Lock()
	for _, cancel := range r.live {
		cancel()
	}
	r.mu.Unlock()
	r.wg.Wait()
}

// Submit persists a new pending job and hands it to the kind's pool.
func (r *Runner) Submit(ctx context.Context, kind string, payload json.RawMessage, createdBy string, trigger types.TriggerType) (*types.Job, error) {
	r.mu.Lock()
	_, ok := r.handlers[kind]
	r.mu.Unlock()
	if !ok {
		return nil, types.NewInvalidInput("unknown job kind %q", kind).WithField("task_type")
	}
	if createdBy != "" {
		n, err := r.db.CountLiveJobs(ctx, createdBy)
		if err != nil {
			return nil, err
		}
		if n >= r.maxLive {
			return nil, types.NewTooBusy("too many queued jobs (%d); wait for some to finish", n)
		}
	}
	j := &types.Job{Kind: kind, Payload: payload, CreatedBy: createdBy, TriggerType: trigger}
	if err := r.db.CreateJob(ctx, j); err != nil {
		return nil, err
	}
	r.enqueue(j)
	return j, nil
}

func (r *Runner) enqueue(j *types.Job) {
	r.mu.Lock()
	q := r.queues[j.Kind]
	r.mu.Unlock()
	if q == nil {
		return
	}
	select {
	case q <- j.ID:
	case <-r.closed:
	}
}

// Cancel requests cooperative cancellation. Pending jobs go terminal
// immediately; running jobs move to cancelling and finish on their own.
func (r *Runner) Cancel(ctx context.Context, id string) (*types.Job, error) {
	j, err := r.db.Job(ctx, id)
	if err != nil {
		return nil, err
	}
	switch j.Status {
	case types.JobPending:
		now := time.Now()
		j.Status = types.JobCancelled
		j.CancelRequested = true
		j.FinishedAt = &now
		if err := r.db.UpdateJob(ctx, j); err != nil {
			return nil, err
		}
	case types.JobRunning:
		j.Status = types.JobCancelling
		j.CancelRequested = true
		if err := r.db.UpdateJob(ctx, j); err != nil {
			return nil, err
		}
		r.mu.Lock()
		if cancel := r.live[id]; cancel != nil {
			cancel()
		}
		r.mu.Unlock()
	case types.JobCancelling:
		// Already on its way out.
	default:
		return nil, types.NewConflict("job %q is %s and cannot be cancelled", id, j.Status)
	}
	return j, nil
}

// Retry submits a new job carrying only the failed items of a finished
// one.
func (r *Runner) Retry(ctx context.Context, id string) (*types.Job, error) {
	j, err := r.db.Job(ctx, id)
	if err != nil {
		return nil, err
	}
	if !j.Status.Terminal() {
		return nil, types.NewConflict("job %q is still %s", id, j.Status)
	}
	if !j.HasFailedItems() {
		return nil, types.NewInvalidInput("job %q has no failed items to retry", id)
	}
	var failed []types.ItemResult
	for _, it := range j.Stats.ItemResults {
		if it.Status == types.ItemFailed {
			failed = append(failed, it)
		}
	}
	payload := j.Payload
	r.mu.Lock()
	h := r.handlers[j.Kind]
	r.mu.Unlock()
	if h == nil {
		return nil, types.NewInvalidInput("unknown job kind %q", j.Kind)
	}
	if h.RetryPayload != nil {
		payload, err = h.RetryPayload(j.Payload, failed)
		if err != nil {
			return nil, err
		}
	}
	return r.Submit(ctx, j.Kind, payload, j.CreatedBy, j.TriggerType)
}

func (r *Runner) worker(h *Handler, q chan string) {
	defer r.wg.Done()
	for {
		select {
		case <-r.closed:
			return
		case id := <-q:
			r.runOne(h, id)
		}
	}
}

func (r *Runner) runOne(h *Handler, id string) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	j, err := r.db.Job(ctx, id)
	if err != nil || j.Status != types.JobPending {
		return // cancelled or deleted while queued
	}
	if j.CancelRequested {
		now := time.Now()
		j.Status = types.JobCancelled
		j.FinishedAt = &now
		r.db.UpdateJob(ctx, j)
		return
	}

	r.mu.Lock()
	r.live[id] = cancel
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.live, id)
		r.mu.Unlock()
	}()

	now := time.Now()
	j.Status = types.JobRunning
	j.StartedAt = &now
	if err := r.db.UpdateJob(ctx, j); err != nil {
		log.Printf("jobs: job %s: mark running: %v", id, err)
		return
	}
	prev, _ := r.db.JobRuns(ctx, id)
	run := &types.JobRun{JobID: id, Attempt: len(prev) + 1, Status: types.JobRunning}
	if err := r.db.CreateJobRun(ctx, run); err != nil {
		log.Printf("jobs: job %s: create run: %v", id, err)
	}

	rc := &Run{Job: j, runner: r, lastFlush: time.Now()}
	runErr := h.Run(ctx, rc)

	finish := time.Now()
	// The finish write must land even when the handler's ctx is gone.
	fctx, fcancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer fcancel()

	switch {
	case ctx.Err() != nil || types.IsKind(runErr, types.KindCancelled):
		j.Status = types.JobCancelled
	case runErr != nil:
		j.Status = types.JobFailed
		j.ErrorMessage = runErr.Error()
	case j.Stats.FailedCount > 0:
		j.Status = types.JobPartial
	default:
		j.Status = types.JobCompleted
	}
	j.FinishedAt = &finish
	if err := r.db.UpdateJob(fctx, j); err != nil {
		log.Printf("jobs: job %s: finish: %v", id, err)
	}
	errMsg := ""
	if runErr != nil {
		errMsg = runErr.Error()
	}
	if err := r.db.FinishJobRun(fctx, run.ID, j.Status, errMsg, finish); err != nil {
		log.Printf("jobs: job %s: finish run: %v", id, err)
	}
}

// Run is the handler's view of a running job. Its methods are safe for
// concurrent item workers.
type Run struct {
	Job    *types.Job
	runner *Runner

	mu        sync.Mutex
	lastFlush time.Time
}

// SetTotals seeds the progress denominators.
func (rc *Run) SetTotals(ctx context.Context, items int, bytes int64) {
	rc.mu.Lock()
	rc.Job.Stats.TotalItems = items
	rc.Job.Stats.TotalBytes = bytes
	rc.mu.Unlock()
	rc.Flush(ctx)
}

// AddBytes advances the transferred-bytes counter.
func (rc *Run) AddBytes(ctx context.Context, n int64) {
	rc.mu.Lock()
	rc.Job.Stats.BytesTransferred += n
	rc.mu.Unlock()
	rc.flush(ctx, false)
}

// Item appends one item result in completion order and advances the
// counters.
func (rc *Run) Item(ctx context.Context, item types.ItemResult) {
	rc.mu.Lock()
	s := &rc.Job.Stats
	s.ProcessedItems++
	switch item.Status {
	case types.ItemSuccess:
		s.SuccessCount++
	case types.ItemFailed:
		s.FailedCount++
	case types.ItemSkipped:
		s.SkippedCount++
	}
	s.ItemResults = append(s.ItemResults, item)
	rc.mu.Unlock()
	rc.flush(ctx, false)
}

// Flush persists the stats now, skipping the debounce.
func (rc *Run) Flush(ctx context.Context) { rc.flush(ctx, true) }

func (rc *Run) flush(ctx context.Context, force bool) {
	rc.mu.Lock()
	if !force && time.Since(rc.lastFlush) < progressDebounce {
		rc.mu.Unlock()
		return
	}
	rc.lastFlush = time.Now()
	rc.mu.Unlock()
	// Stats only: the handler's in-memory status may lag a cancel that
	// already landed in the row.
	if err := rc.runner.db.UpdateJobStats(ctx, rc.Job); err != nil && ctx.Err() == nil {
		log.Printf("jobs: job %s: progress: %v", rc.Job.ID, err)
	}
}
