package router

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/storyforge/storyforge-be/internal/api/handler"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "job-api-service",
		})
	})

	jobHandler := handler.NewJobHandler(deps)
	workerHandler := handler.NewWorkerHandler(deps)

	v1 := r.Group("/api/v1")
	{
		// End-user routes: identity resolved upstream, ownership
		// enforced in the service layer.
		jobs := v1.Group("/jobs")
		jobs.Use(UserIdentityMiddleware())
		{
			jobs.POST("", jobHandler.CreateJob)
			jobs.GET("", jobHandler.ListJobs)
			jobs.GET("/active", jobHandler.GetActiveJobs)
			jobs.GET("/:job_id", jobHandler.GetJob)
			jobs.POST("/:job_id/cancel", jobHandler.CancelJob)
			jobs.POST("/:job_id/retry", jobHandler.RetryJob)
		}

		// Worker routes: credentialed with a worker token, never a
		// user session. Ownership scoping is bypassed.
		worker := v1.Group("/worker")
		worker.Use(WorkerCredentialMiddleware())
		{
			worker.GET("/jobs/pending", workerHandler.GetPendingJobs)
			worker.POST("/jobs/:job_id/start", workerHandler.StartJob)
			worker.POST("/jobs/:job_id/progress", workerHandler.UpdateJobProgress)
			worker.POST("/jobs/:job_id/complete", workerHandler.CompleteJob)
			worker.POST("/jobs/:job_id/fail", workerHandler.FailJob)
		}
	}

	return r
}
