package dto

import "encoding/json"

type CreateJobRequest struct {
	JobType    string          `json:"job_type" binding:"required"`
	InputData  json.RawMessage `json:"input_data" binding:"required"`
	ProjectID  *string         `json:"project_id"`
	TotalSteps *int            `json:"total_steps"`
}

type ListJobsRequest struct {
	JobType  string `form:"job_type"`
	Status   string `form:"status"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

type ListJobsResponse struct {
	Jobs       []JobDTO `json:"jobs"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

type JobDTO struct {
	JobID           string          `json:"job_id"`
	UserID          string          `json:"user_id"`
	ProjectID       *string         `json:"project_id,omitempty"`
	JobType         string          `json:"job_type"`
	Status          string          `json:"status"`
	Progress        int             `json:"progress"`
	CurrentStep     *int            `json:"current_step,omitempty"`
	TotalSteps      *int            `json:"total_steps,omitempty"`
	ProgressMessage string          `json:"progress_message,omitempty"`
	InputData       json.RawMessage `json:"input_data,omitempty"`
	ResultData      json.RawMessage `json:"result_data,omitempty"`
	ErrorMessage    string          `json:"error_message,omitempty"`
	ParentJobID     *string         `json:"parent_job_id,omitempty"`
	CreatedAt       string          `json:"created_at"`
	StartedAt       *string         `json:"started_at,omitempty"`
	CompletedAt     *string         `json:"completed_at,omitempty"`
	UpdatedAt       string          `json:"updated_at"`
}

type UpdateProgressRequest struct {
	Progress    int    `json:"progress" binding:"min=0,max=100"`
	CurrentStep *int   `json:"current_step"`
	Message     string `json:"message"`
}

type CompleteJobRequest struct {
	ResultData json.RawMessage `json:"result_data" binding:"required"`
}

type FailJobRequest struct {
	ErrorMessage string `json:"error_message" binding:"required"`
}
