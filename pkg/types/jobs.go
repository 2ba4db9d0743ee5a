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

package types

import (
	"encoding/json"
	"time"
)

// JobStatus is the lifecycle state of an async job. Terminal statuses
// are final: no transition ever leaves them.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobRunning    JobStatus = "running"
	JobCancelling JobStatus = "cancelling"
	JobCompleted  JobStatus = "completed"
	JobPartial    JobStatus = "partial" // finished with some failed items
	JobFailed     JobStatus = "failed"
	JobCancelled  JobStatus = "cancelled"
)

// Terminal reports whether the status is final.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobPartial, JobFailed, JobCancelled:
		return true
	}
	return false
}

// TriggerType records what started a job.
type TriggerType string

const (
	TriggerManual    TriggerType = "manual"
	TriggerScheduled TriggerType = "scheduled"
	TriggerAPI       TriggerType = "api"
)

// Item result statuses.
const (
	ItemSuccess = "success"
	ItemFailed  = "failed"
	ItemSkipped = "skipped"
)

// ItemResult is the outcome of one item inside a batch job, appended
// in completion order.
type ItemResult struct {
	SourcePath string `json:"sourcePath"`
	TargetPath string `json:"targetPath,omitempty"`
	Status     string `json:"status"`
	Error      string `json:"error,omitempty"`
	RetryCount int    `json:"retryCount,omitempty"`
}

// JobStats is the progress block of a job. Every field is monotonic
// while the job runs; ProcessedItems never exceeds TotalItems.
type JobStats struct {
	TotalItems       int          `json:"totalItems"`
	ProcessedItems   int          `json:"processedItems"`
	SuccessCount     int          `json:"successCount"`
	FailedCount      int          `json:"failedCount"`
	SkippedCount     int          `json:"skippedCount"`
	BytesTransferred int64        `json:"bytesTransferred"`
	TotalBytes       int64        `json:"totalBytes"`
	ItemResults      []ItemResult `json:"itemResults,omitempty"`
}

// Job is an async unit of work (copy, index rebuild, apply-dirty).
type Job struct {
	ID              string          `json:"job_id"`
	Kind            string          `json:"task_type"`
	Status          JobStatus       `json:"status"`
	Stats           JobStats        `json:"stats"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	TriggerType     TriggerType     `json:"triggerType"`
	ErrorMessage    string          `json:"errorMessage,omitempty"`
	CreatedBy       string          `json:"created_by,omitempty"`
	CancelRequested bool            `json:"-"`
	CreatedAt       time.Time       `json:"created_at"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	FinishedAt      *time.Time      `json:"finished_at,omitempty"`
	UpdatedAtMs     int64           `json:"updatedAtMs"`
}

// HasFailedItems reports whether any item result failed, which is what
// makes a retry meaningful.
func (j *Job) HasFailedItems() bool {
	return j.Stats.FailedCount > 0
}

// AllowedActions returns the actions a client may invoke on the job in
// its current status.
func (j *Job) AllowedActions() []string {
	switch j.Status {
	case JobPending:
		return []string{"cancel", "delete"}
	case JobRunning:
		return []string{"cancel"}
	case JobCancelling:
		return []string{}
	}
	// Terminal.
	if j.HasFailedItems() {
		return []string{"retry", "delete"}
	}
	return []string{"delete"}
}

// JobRun is one execution attempt of a job.
type JobRun struct {
	ID         string     `json:"id"`
	JobID      string     `json:"job_id"`
	Attempt    int        `json:"attempt"`
	Status     JobStatus  `json:"status"`
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// ScheduleType selects how a scheduled job computes its next trigger.
type ScheduleType string

const (
	ScheduleInterval ScheduleType = "interval"
	ScheduleCron     ScheduleType = "cron"
)

// ScheduledJob is a recurring task definition driven by the ticker.
type ScheduledJob struct {
	ID           string          `json:"taskId"`
	Name         string          `json:"name"`
	HandlerID    string          `json:"handlerId"`
	ScheduleType ScheduleType    `json:"scheduleType"`
	IntervalSec  int             `json:"intervalSec,omitempty"`
	CronExpr     string          `json:"cronExpression,omitempty"`
	Config       json.RawMessage `json:"config,omitempty"`
	Enabled      bool            `json:"enabled"`
	LastRunAt    *time.Time      `json:"last_run_at,omitempty"`
	NextRunAt    *time.Time      `json:"next_run_at,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// ScheduledRun is one execution record of a scheduled job.
type ScheduledRun struct {
	ID             string     `json:"id"`
	ScheduledJobID string     `json:"taskId"`
	Status         string     `json:"status"` // success|error
	TriggeredBy    string     `json:"triggeredBy"`
	Error          string     `json:"error,omitempty"`
	StartedAt      time.Time  `json:"started_at"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
}
