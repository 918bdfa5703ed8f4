package handler

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/storyforge/storyforge-be/internal/api/dto"
	"github.com/storyforge/storyforge-be/internal/api/identity"
)

// GetPendingJobs handles GET /api/v1/worker/jobs/pending
// Returns up to ?limit= pending jobs, oldest first. Concurrent callers
// receive disjoint sets; the limit is clamped server-side.
func (h *WorkerHandler) GetPendingJobs(c *gin.Context) {
	cred := identity.WorkerCredential(c)

	limit := 10
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "limit must be an integer",
			})
			return
		}
		limit = parsed
	}

	jobs, err := h.service.ClaimPending(c.Request.Context(), cred, limit)
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

// StartJob handles POST /api/v1/worker/jobs/:job_id/start
func (h *WorkerHandler) StartJob(c *gin.Context) {
	cred := identity.WorkerCredential(c)
	jobID := c.Param("job_id")

	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
		return
	}

	if err := h.service.Start(c.Request.Context(), cred, jobID); err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"job_id": jobID})
}

// UpdateJobProgress handles POST /api/v1/worker/jobs/:job_id/progress
// Overwrites the progress fields; safe to repeat with the same values.
func (h *WorkerHandler) UpdateJobProgress(c *gin.Context) {
	cred := identity.WorkerCredential(c)
	jobID := c.Param("job_id")

	var req dto.UpdateProgressRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	err := h.service.UpdateProgress(c.Request.Context(), cred, jobID, req.Progress, req.CurrentStep, req.Message)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"job_id": jobID})
}

// CompleteJob handles POST /api/v1/worker/jobs/:job_id/complete
func (h *WorkerHandler) CompleteJob(c *gin.Context) {
	cred := identity.WorkerCredential(c)
	jobID := c.Param("job_id")

	var req dto.CompleteJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	if err := h.service.Complete(c.Request.Context(), cred, jobID, req.ResultData); err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"job_id": jobID})
}

// FailJob handles POST /api/v1/worker/jobs/:job_id/fail
func (h *WorkerHandler) FailJob(c *gin.Context) {
	cred := identity.WorkerCredential(c)
	jobID := c.Param("job_id")

	var req dto.FailJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	if err := h.service.Fail(c.Request.Context(), cred, jobID, req.ErrorMessage); err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"job_id": jobID})
}
