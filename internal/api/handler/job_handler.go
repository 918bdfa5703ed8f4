package handler

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/storyforge/storyforge-be/internal/api/dto"
	"github.com/storyforge/storyforge-be/internal/api/identity"
	"github.com/storyforge/storyforge-be/internal/jobs/domain"
	"github.com/storyforge/storyforge-be/internal/jobs/service"
	"github.com/storyforge/storyforge-be/internal/jobs/storage"
)

// CreateJob handles POST /api/v1/jobs
// Enqueues a new background job for the calling user.
func (h *JobHandler) CreateJob(c *gin.Context) {
	userID := identity.UserID(c)

	var req dto.CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	job, err := h.service.Create(c.Request.Context(), service.CreateParams{
		UserID:     userID,
		JobType:    req.JobType,
		InputData:  req.InputData,
		ProjectID:  req.ProjectID,
		TotalSteps: req.TotalSteps,
	})
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusCreated, toJobDTO(job))
}

// GetJob handles GET /api/v1/jobs/:job_id
// Retrieves a job owned by the calling user.
func (h *JobHandler) GetJob(c *gin.Context) {
	userID := identity.UserID(c)
	jobID := c.Param("job_id")

	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
		return
	}

	job, err := h.service.Get(c.Request.Context(), userID, jobID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, toJobDTO(job))
}

// ListJobs handles GET /api/v1/jobs
// Lists the calling user's jobs with optional filtering and pagination.
func (h *JobHandler) ListJobs(c *gin.Context) {
	userID := identity.UserID(c)

	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.logger.Error("Invalid query parameters", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	if req.Status != "" && !domain.Status(req.Status).Valid() {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "unknown status filter",
		})
		return
	}

	if req.PageSize <= 0 {
		req.PageSize = 20
	}
	if req.PageSize > 100 {
		req.PageSize = 100
	}

	cursor, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid cursor",
		})
		return
	}

	jobs, next, err := h.service.List(c.Request.Context(), storage.JobFilter{
		UserID:   userID,
		JobType:  req.JobType,
		Status:   domain.Status(req.Status),
		PageSize: req.PageSize,
		Cursor:   cursor,
	})
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	resp := dto.ListJobsResponse{
		Jobs: make([]dto.JobDTO, len(jobs)),
	}
	for i := range jobs {
		resp.Jobs[i] = toJobDTO(&jobs[i])
	}
	if next != nil {
		resp.NextCursor, err = EncodeJobCursor(next)
		if err != nil {
			respondError(c, h.logger, err)
			return
		}
	}

	c.JSON(http.StatusOK, resp)
}

// GetActiveJobs handles GET /api/v1/jobs/active
// Returns the calling user's pending and processing jobs.
func (h *JobHandler) GetActiveJobs(c *gin.Context) {
	userID := identity.UserID(c)

	jobs, err := h.service.ListActive(c.Request.Context(), userID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	resp := make([]dto.JobDTO, len(jobs))
	for i := range jobs {
		resp[i] = toJobDTO(&jobs[i])
	}

	c.JSON(http.StatusOK, gin.H{"jobs": resp})
}

// CancelJob handles POST /api/v1/jobs/:job_id/cancel
// Cancels a pending or processing job owned by the calling user. The
// cancellation is cooperative: a worker already executing the job is
// not interrupted, and its later terminal report is dropped.
func (h *JobHandler) CancelJob(c *gin.Context) {
	userID := identity.UserID(c)
	jobID := c.Param("job_id")

	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
		return
	}

	if err := h.service.Cancel(c.Request.Context(), userID, jobID); err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"job_id": jobID,
		"status": string(domain.StatusCancelled),
	})
}

// RetryJob handles POST /api/v1/jobs/:job_id/retry
// Clones a failed or cancelled job into a fresh pending job; the
// original row is preserved.
func (h *JobHandler) RetryJob(c *gin.Context) {
	userID := identity.UserID(c)
	jobID := c.Param("job_id")

	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
		return
	}

	job, err := h.service.Retry(c.Request.Context(), userID, jobID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusCreated, toJobDTO(job))
}
