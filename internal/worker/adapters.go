package worker

import (
	"context"

	"github.com/storyforge/storyforge-be/internal/jobs/domain"
)

// workerReads is the credentialed read surface of the job service.
type workerReads interface {
	GetForWorker(ctx context.Context, cred, jobID string) (*domain.Job, error)
}

// ServiceJobReader adapts the job service's credentialed read to the
// JobReader interface processors consume.
type ServiceJobReader struct {
	service workerReads
	cred    string
}

// NewServiceJobReader binds the worker credential to the service read.
func NewServiceJobReader(service workerReads, cred string) *ServiceJobReader {
	return &ServiceJobReader{
		service: service,
		cred:    cred,
	}
}

// GetJob reads a job without ownership scoping.
func (r *ServiceJobReader) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	return r.service.GetForWorker(ctx, r.cred, jobID)
}
