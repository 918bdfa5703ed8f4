package domain

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether no further lifecycle transition is valid
// from this status. Retry creates a sibling job, not a transition.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Job is the single persistent entity of the orchestration core.
// InputData is write-once at creation; ResultData is written on
// completion and may additionally receive late child-job references
// when the job is a pipeline parent.
type Job struct {
	JobID           string          `db:"job_id"`
	UserID          string          `db:"user_id"`
	ProjectID       *string         `db:"project_id"`
	JobType         string          `db:"job_type"`
	Status          Status          `db:"status"`
	Progress        int             `db:"progress"`
	CurrentStep     *int            `db:"current_step"`
	TotalSteps      *int            `db:"total_steps"`
	ProgressMessage string          `db:"progress_message"`
	InputData       json.RawMessage `db:"input_data"`
	ResultData      json.RawMessage `db:"result_data"`
	ErrorMessage    string          `db:"error_message"`
	ParentJobID     *string         `db:"parent_job_id"`
	CreatedAt       time.Time       `db:"created_at"`
	StartedAt       *time.Time      `db:"started_at"`
	CompletedAt     *time.Time      `db:"completed_at"`
	UpdatedAt       time.Time       `db:"updated_at"`
}

// Retryable reports whether a new job may be cloned from this one.
func (j *Job) Retryable() bool {
	return j.Status == StatusFailed || j.Status == StatusCancelled
}

// Cancellable reports whether the owning user may still cancel this job.
func (j *Job) Cancellable() bool {
	return j.Status == StatusPending || j.Status == StatusProcessing
}
