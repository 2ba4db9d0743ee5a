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
	"time"

	"cloudpaste.org/pkg/types"
)

const scheduledCols = `id, name, handler_id, schedule_type, cron_expr, interval_sec,
 config, enabled, last_run_at, next_run_at, created_at, updated_at`

func scanScheduled(sc interface{ Scan(...any) error }) (*types.ScheduledJob, error) {
	var job types.ScheduledJob
	var config string
	var enabled int
	var lastRun, nextRun sql.NullInt64
	var created, updated int64
	err := sc.Scan(&job.ID, &job.Name, &job.HandlerID, &job.ScheduleType, &job.CronExpr,
		&job.IntervalSec, &config, &enabled, &lastRun, &nextRun, &created, &updated)
	if err != nil {
		return nil, err
	}
	if config != "" {
		job.Config = json.RawMessage(config)
	}
	job.Enabled = enabled != 0
	job.LastRunAt = timePtr(lastRun)
	job.NextRunAt = timePtr(nextRun)
	job.CreatedAt = timeOf(created)
	job.UpdatedAt = timeOf(updated)
	return &job, nil
}

// ListScheduledJobs returns every scheduled job definition.
func (s *Store) ListScheduledJobs(ctx context.Context) ([]*types.ScheduledJob, error) {
	rows, err := s.query(ctx, `SELECT `+scheduledCols+` FROM scheduled_jobs ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*types.ScheduledJob
	for rows.Next() {
		job, err := scanScheduled(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// ScheduledJob returns the definition with the given id.
func (s *Store) ScheduledJob(ctx context.Context, id string) (*types.ScheduledJob, error) {
	job, err := scanScheduled(s.queryRow(ctx, `SELECT `+scheduledCols+` FROM scheduled_jobs WHERE id = ?`, id))
	if err != nil {
		return nil, notFound(err, "scheduled job %q not found", id)
	}
	return job, nil
}

// CreateScheduledJob inserts job.
func (s *Store) CreateScheduledJob(ctx context.Context, job *types.ScheduledJob) error {
	if job.ID == "" {
		job.ID = NewID()
	}
	now := time.Now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	_, err := s.exec(ctx, `INSERT INTO scheduled_jobs (`+scheduledCols+`)
 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.Name, job.HandlerID, string(job.ScheduleType), job.CronExpr,
		job.IntervalSec, string(job.Config), boolInt(job.Enabled),
		tsPtr(job.LastRunAt), tsPtr(job.NextRunAt), tsOf(job.CreatedAt), tsOf(job.UpdatedAt))
	return err
}

// UpdateScheduledJob rewrites job's definition and schedule state.
func (s *Store) UpdateScheduledJob(ctx context.Context, job *types.ScheduledJob) error {
	job.UpdatedAt = time.Now()
	res, err := s.exec(ctx, `UPDATE scheduled_jobs SET name = ?, handler_id = ?,
 schedule_type = ?, cron_expr = ?, interval_sec = ?, config = ?, enabled = ?,
 last_run_at = ?, next_run_at = ?, updated_at = ? WHERE id = ?`,
		job.Name, job.HandlerID, string(job.ScheduleType), job.CronExpr,
		job.IntervalSec, string(job.Config), boolInt(job.Enabled),
		tsPtr(job.LastRunAt), tsPtr(job.NextRunAt), tsOf(job.UpdatedAt), job.ID)
	if err != nil {
		return err
	}
	return mustAffect(res, "scheduled job %q not found", job.ID)
}

// DeleteScheduledJob removes the definition and its run history.
func (s *Store) DeleteScheduledJob(ctx context.Context, id string) error {
	res, err := s.exec(ctx, `DELETE FROM scheduled_jobs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if err := mustAffect(res, "scheduled job %q not found", id); err != nil {
		return err
	}
	_, err = s.exec(ctx, `DELETE FROM scheduled_runs WHERE scheduled_job_id = ?`, id)
	return err
}

const scheduledRunCols = `id, scheduled_job_id, status, triggered_by, error, started_at, finished_at`

// CreateScheduledRun records the start of one execution.
func (s *Store) CreateScheduledRun(ctx context.Context, r *types.ScheduledRun) error {
	if r.ID == "" {
		r.ID = NewID()
	}
	if r.StartedAt.IsZero() {
		r.StartedAt = time.Now()
	}
	_, err := s.exec(ctx, `INSERT INTO scheduled_runs (`+scheduledRunCols+`)
 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.ScheduledJobID, r.Status, r.TriggeredBy, r.Error,
		tsOf(r.StartedAt), tsPtr(r.FinishedAt))
	return err
}

// FinishScheduledRun records the run's outcome.
func (s *Store) FinishScheduledRun(ctx context.Context, id, status, errMsg string, when time.Time) error {
	res, err := s.exec(ctx, `UPDATE scheduled_runs SET status = ?, error = ?, finished_at = ?
 WHERE id = ?`, status, errMsg, when.Unix(), id)
	if err != nil {
		return err
	}
	return mustAffect(res, "scheduled run %q not found", id)
}

// ScheduledRuns returns the newest run records for a definition.
func (s *Store) ScheduledRuns(ctx context.Context, scheduledJobID string, limit int) ([]*types.ScheduledRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.query(ctx, `SELECT `+scheduledRunCols+` FROM scheduled_runs
 WHERE scheduled_job_id = ? ORDER BY started_at DESC LIMIT ?`, scheduledJobID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*types.ScheduledRun
	for rows.Next() {
		var r types.ScheduledRun
		var started int64
		var finished sql.NullInt64
		if err := rows.Scan(&r.ID, &r.ScheduledJobID, &r.Status, &r.TriggeredBy, &r.Error, &started, &finished); err != nil {
			return nil, err
		}
		r.StartedAt = timeOf(started)
		r.FinishedAt = timePtr(finished)
		out = append(out, &r)
	}
	return out, rows.Err()
}
