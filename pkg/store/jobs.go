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

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"cloudpaste.org/pkg/types"
)

const jobCols = `id, kind, status, payload, created_by, trigger_type, stats,
 error, cancel_requested, created_at, started_at, finished_at, updated_at_ms`

func scanJob(sc interface{ Scan(...any) error }) (*types.Job, error) {
	var j types.Job
	var payload, stats string
	var cancelReq int
	var created int64
	var started, finished sql.NullInt64
	err := sc.Scan(&j.ID, &j.Kind, &j.Status, &payload, &j.CreatedBy, &j.TriggerType,
		&stats, &j.ErrorMessage, &cancelReq, &created, &started, &finished, &j.UpdatedAtMs)
	if err != nil {
		return nil, err
	}
	if payload != "" {
		j.Payload = json.RawMessage(payload)
	}
	j.CancelRequested = cancelReq != 0
	j.CreatedAt = timeOf(created)
	j.StartedAt = timePtr(started)
	j.FinishedAt = timePtr(finished)
	if stats != "" {
		if err := json.Unmarshal([]byte(stats), &j.Stats); err != nil {
			return nil, fmt.Errorf("store: job %s stats: %w", j.ID, err)
		}
	}
	return &j, nil
}

// CreateJob inserts j in status pending.
func (s *Store) CreateJob(ctx context.Context, j *types.Job) error {
	if j.ID == "" {
		j.ID = NewID()
	}
	if j.Status == "" {
		j.Status = types.JobPending
	}
	if j.TriggerType == "" {
		j.TriggerType = types.TriggerAPI
	}
	now := time.Now()
	j.CreatedAt = now
	j.UpdatedAtMs = now.UnixMilli()
	stats, err := json.Marshal(j.Stats)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, `INSERT INTO jobs (`+jobCols+`)
 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.Kind, string(j.Status), string(j.Payload), j.CreatedBy, string(j.TriggerType),
		string(stats), j.ErrorMessage, boolInt(j.CancelRequested),
		tsOf(j.CreatedAt), tsPtr(j.StartedAt), tsPtr(j.FinishedAt), j.UpdatedAtMs)
	return err
}

// Job returns the job with the given id.
func (s *Store) Job(ctx context.Context, id string) (*types.Job, error) {
	j, err := scanJob(s.queryRow(ctx, `SELECT `+jobCols+` FROM jobs WHERE id = ?`, id))
	if err != nil {
		return nil, notFound(err, "job %q not found", id)
	}
	return j, nil
}

// UpdateJob rewrites the job's mutable state: status, stats, error,
// timestamps, cancel flag.
func (s *Store) UpdateJob(ctx context.Context, j *types.Job) error {
	j.UpdatedAtMs = time.Now().UnixMilli()
	stats, err := json.Marshal(j.Stats)
	if err != nil {
		return err
	}
	res, err := s.exec(ctx, `UPDATE jobs SET status = ?, stats = ?, error = ?,
 cancel_requested = ?, started_at = ?, finished_at = ?, updated_at_ms = ?
 WHERE id = ?`,
		string(j.Status), string(stats), j.ErrorMessage, boolInt(j.CancelRequested),
		tsPtr(j.StartedAt), tsPtr(j.FinishedAt), j.UpdatedAtMs, j.ID)
	if err != nil {
		return err
	}
	return mustAffect(res, "job %q not found", j.ID)
}

// UpdateJobStats persists only the progress counters. Status and the
// cancel flag stay whatever the row already says, so a debounced
// progress flush cannot race a concurrent cancel back to running.
func (s *Store) UpdateJobStats(ctx context.Context, j *types.Job) error {
	j.UpdatedAtMs = time.Now().UnixMilli()
	stats, err := json.Marshal(j.Stats)
	if err != nil {
		return err
	}
	res, err := s.exec(ctx, `UPDATE jobs SET stats = ?, updated_at_ms = ? WHERE id = ?`,
		string(stats), j.UpdatedAtMs, j.ID)
	if err != nil {
		return err
	}
	return mustAffect(res, "job %q not found", j.ID)
}

// RequestJobCancel sets the cancel flag so a running worker can
// observe it between batches.
func (s *Store) RequestJobCancel(ctx context.Context, id string) error {
	res, err := s.exec(ctx, `UPDATE jobs SET cancel_requested = 1, updated_at_ms = ? WHERE id = ?`,
		time.Now().UnixMilli(), id)
	if err != nil {
		return err
	}
	return mustAffect(res, "job %q not found", id)
}

// DeleteJob removes a terminal job and its run records. Deleting a
// live job is a Conflict.
func (s *Store) DeleteJob(ctx context.Context, id string) error {
	j, err := s.Job(ctx, id)
	if err != nil {
		return err
	}
	if !j.Status.Terminal() && j.Status != types.JobPending {
		return types.NewConflict("job %q is %s; only pending or finished jobs can be deleted", id, j.Status)
	}
	if _, err := s.exec(ctx, `DELETE FROM job_runs WHERE job_id = ?`, id); err != nil {
		return err
	}
	_, err = s.exec(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	return err
}

// ListJobs returns jobs newest first, optionally filtered by creator
// and/or status.
func (s *Store) ListJobs(ctx context.Context, createdBy string, status types.JobStatus, limit int) ([]*types.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT ` + jobCols + ` FROM jobs`
	var where []string
	var args []any
	if createdBy != "" {
		where = append(where, `created_by = ?`)
		args = append(args, createdBy)
	}
	if status != "" {
		where = append(where, `status = ?`)
		args = append(args, string(status))
	}
	for i, w := range where {
		if i == 0 {
			q += ` WHERE ` + w
		} else {
			q += ` AND ` + w
		}
	}
	q += ` ORDER BY created_at DESC, updated_at_ms DESC LIMIT ?`
	args = append(args, limit)
	rows, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*types.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// CountLiveJobs counts a user's pending+running+cancelling jobs, the
// number bounded by the per-user backpressure limit.
func (s *Store) CountLiveJobs(ctx context.Context, createdBy string) (int, error) {
	var n int
	err := s.queryRow(ctx, `SELECT COUNT(*) FROM jobs
 WHERE created_by = ? AND status IN ('pending', 'running', 'cancelling')`, createdBy).Scan(&n)
	return n, err
}

// ReapOrphanedJobs marks running/cancelling jobs as failed with
// "worker lost". Called once at startup: any job still marked running
// then has no live owner.
func (s *Store) ReapOrphanedJobs(ctx context.Context) (int, error) {
	now := time.Now()
	res, err := s.exec(ctx, `UPDATE jobs SET status = 'failed', error = 'worker lost',
 finished_at = ?, updated_at_ms = ? WHERE status IN ('running', 'cancelling')`,
		now.Unix(), now.UnixMilli())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

const jobRunCols = `id, job_id, attempt, status, error, started_at, finished_at`

// CreateJobRun records the start of an execution attempt.
func (s *Store) CreateJobRun(ctx context.Context, r *types.JobRun) error {
	if r.ID == "" {
		r.ID = NewID()
	}
	if r.StartedAt.IsZero() {
		r.StartedAt = time.Now()
	}
	_, err := s.exec(ctx, `INSERT INTO job_runs (`+jobRunCols+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.JobID, r.Attempt, string(r.Status), r.Error, tsOf(r.StartedAt), tsPtr(r.FinishedAt))
	return err
}

// FinishJobRun records the attempt's outcome.
func (s *Store) FinishJobRun(ctx context.Context, id string, status types.JobStatus, errMsg string, when time.Time) error {
	res, err := s.exec(ctx, `UPDATE job_runs SET status = ?, error = ?, finished_at = ? WHERE id = ?`,
		string(status), errMsg, when.Unix(), id)
	if err != nil {
		return err
	}
	return mustAffect(res, "job run %q not found", id)
}

// JobRuns returns the attempts of a job in order.
func (s *Store) JobRuns(ctx context.Context, jobID string) ([]*types.JobRun, error) {
	rows, err := s.query(ctx, `SELECT `+jobRunCols+` FROM job_runs WHERE job_id = ? ORDER BY attempt`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*types.JobRun
	for rows.Next() {
		var r types.JobRun
		var started int64
		var finished sql.NullInt64
		if err := rows.Scan(&r.ID, &r.JobID, &r.Attempt, &r.Status, &r.Error, &started, &finished); err != nil {
			return nil, err
		}
		r.StartedAt = timeOf(started)
		r.FinishedAt = timePtr(finished)
		out = append(out, &r)
	}
	return out, rows.Err()
}
