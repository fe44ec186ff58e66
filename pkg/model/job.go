// pkg/model/job.go
package model

import (
	"time"

	"github.com/google/uuid"
)

// JobType identifies what kind of run a job is.
type JobType string

const (
	JobFull           JobType = "full"
	JobIncremental    JobType = "incremental"
	JobPropertyExport JobType = "property_export" // file import/export runs
)

// JobStatus is the lifecycle state of a job. Terminal states are absorbing.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// ErrorMode controls how row-level errors affect the rest of the job.
type ErrorMode string

const (
	ErrorModeFail          ErrorMode = "fail"
	ErrorModeContinue      ErrorMode = "continue"
	ErrorModeContinueLog   ErrorMode = "continue_with_reporting"
)

// Job is one run of the sync engine.
type Job struct {
	ID          string         `db:"id"`
	Type        JobType        `db:"job_type"`
	Status      JobStatus      `db:"status"`
	StartTime   *time.Time     `db:"start_time"`
	EndTime     *time.Time     `db:"end_time"`
	Source      string         `db:"source"`
	Target      string         `db:"target"`
	Total       int64          `db:"total_records"`
	Processed   int64          `db:"processed_records"`
	Errors      int64          `db:"error_records"`
	ErrorDetail map[string]any `db:"-"` // persisted as JSON
	UserID      string         `db:"user_id"`
	CreatedAt   time.Time      `db:"created_at"`
}

// NewJob creates a pending job with a fresh UUID.
func NewJob(jobType JobType, source, target, userID string) *Job {
	return &Job{
		ID:        uuid.New().String(),
		Type:      jobType,
		Status:    JobPending,
		Source:    source,
		Target:    target,
		UserID:    userID,
		CreatedAt: time.Now().UTC(),
	}
}

// ProgressPercent returns processed/total as a percentage, 0 when the total
// is unknown.
func (j *Job) ProgressPercent() float64 {
	if j.Total <= 0 {
		return 0
	}
	return float64(j.Processed) / float64(j.Total) * 100
}

// JobStatusView is the job-management API's status document.
type JobStatusView struct {
	JobID           string     `json:"job_id"`
	Name            string     `json:"name"`
	Status          JobStatus  `json:"status"`
	StartTime       *time.Time `json:"start_time"`
	EndTime         *time.Time `json:"end_time"`
	Processed       int64      `json:"processed"`
	Total           int64      `json:"total"`
	ProgressPercent float64    `json:"progress_percent"`
	ErrorCount      int64      `json:"error_count"`
	HasErrors       bool       `json:"has_errors"`
}

// StatusView projects the job into its API form.
func (j *Job) StatusView() *JobStatusView {
	return &JobStatusView{
		JobID:           j.ID,
		Name:            string(j.Type),
		Status:          j.Status,
		StartTime:       j.StartTime,
		EndTime:         j.EndTime,
		Processed:       j.Processed,
		Total:           j.Total,
		ProgressPercent: j.ProgressPercent(),
		ErrorCount:      j.Errors,
		HasErrors:       j.Errors > 0,
	}
}

// LogLevel is the severity of a durable log entry.
type LogLevel string

const (
	LogDebug   LogLevel = "DEBUG"
	LogInfo    LogLevel = "INFO"
	LogWarning LogLevel = "WARNING"
	LogError   LogLevel = "ERROR"
)

// LogEntry is an append-only observation from a component. Entries are
// written through the orchestrator's log facade and never mutated.
type LogEntry struct {
	JobID       string    `db:"job_id" json:"job_id"`
	Timestamp   time.Time `db:"ts" json:"timestamp_iso"`
	Level       LogLevel  `db:"level" json:"level"`
	Component   string    `db:"component" json:"component"`
	Table       string    `db:"table_name" json:"table,omitempty"`
	RecordCount *int64    `db:"record_count" json:"record_count,omitempty"`
	DurationMS  *int64    `db:"duration_ms" json:"duration_ms,omitempty"`
	Message     string    `db:"message" json:"message"`
}

// GlobalState is the process-wide sync state persisted as a single row.
type GlobalState struct {
	LastSyncTime *time.Time `db:"last_sync_time"`
	LastJobID    string     `db:"last_job_id"`
}
