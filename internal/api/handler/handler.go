package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/storyforge/storyforge-be/internal/api/dto"
	"github.com/storyforge/storyforge-be/internal/jobs/domain"
	"github.com/storyforge/storyforge-be/internal/jobs/service"
	"github.com/storyforge/storyforge-be/internal/jobs/storage"
)

// JobService is the slice of the job core the HTTP layer exposes.
type JobService interface {
	Create(ctx context.Context, params service.CreateParams) (*domain.Job, error)
	Get(ctx context.Context, userID, jobID string) (*domain.Job, error)
	List(ctx context.Context, filter storage.JobFilter) ([]domain.Job, *storage.JobCursor, error)
	ListActive(ctx context.Context, userID string) ([]domain.Job, error)
	Cancel(ctx context.Context, userID, jobID string) error
	Retry(ctx context.Context, userID, jobID string) (*domain.Job, error)
	ClaimPending(ctx context.Context, cred string, limit int) ([]domain.Job, error)
	Start(ctx context.Context, cred, jobID string) error
	UpdateProgress(ctx context.Context, cred, jobID string, progress int, currentStep *int, message string) error
	Complete(ctx context.Context, cred, jobID string, result json.RawMessage) error
	Fail(ctx context.Context, cred, jobID, errorMessage string) error
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger  *slog.Logger
	Service JobService
}

// JobHandler handles the end-user job endpoints.
type JobHandler struct {
	logger  *slog.Logger
	service JobService
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{
		logger:  deps.Logger,
		service: deps.Service,
	}
}

// WorkerHandler handles the worker-credentialed endpoints.
type WorkerHandler struct {
	logger  *slog.Logger
	service JobService
}

// NewWorkerHandler creates a new WorkerHandler instance
func NewWorkerHandler(deps *Dependencies) *WorkerHandler {
	return &WorkerHandler{
		logger:  deps.Logger,
		service: deps.Service,
	}
}

// respondError maps domain errors to HTTP status codes. Admission,
// ownership, and authorization failures surface synchronously here;
// processor failures never do - they land in the job row.
func respondError(c *gin.Context, logger *slog.Logger, err error) {
	switch {
	case errors.Is(err, domain.ErrUnauthorized):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid worker credential"})
	case errors.Is(err, domain.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": "job not owned by caller"})
	case errors.Is(err, domain.ErrJobNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
	case errors.Is(err, domain.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, domain.ErrRateLimited):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": err.Error()})
	case errors.Is(err, domain.ErrInvalidPayload):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		logger.Error("Request failed", slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func toJobDTO(job *domain.Job) dto.JobDTO {
	d := dto.JobDTO{
		JobID:           job.JobID,
		UserID:          job.UserID,
		ProjectID:       job.ProjectID,
		JobType:         job.JobType,
		Status:          string(job.Status),
		Progress:        job.Progress,
		CurrentStep:     job.CurrentStep,
		TotalSteps:      job.TotalSteps,
		ProgressMessage: job.ProgressMessage,
		InputData:       job.InputData,
		ResultData:      job.ResultData,
		ErrorMessage:    job.ErrorMessage,
		ParentJobID:     job.ParentJobID,
		CreatedAt:       job.CreatedAt.Format(time.RFC3339),
		UpdatedAt:       job.UpdatedAt.Format(time.RFC3339),
	}
	if job.StartedAt != nil {
		s := job.StartedAt.Format(time.RFC3339)
		d.StartedAt = &s
	}
	if job.CompletedAt != nil {
		s := job.CompletedAt.Format(time.RFC3339)
		d.CompletedAt = &s
	}
	return d
}
