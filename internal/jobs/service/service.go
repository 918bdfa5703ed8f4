// Package service implements the job lifecycle mutators. All writes to
// a job row go through here: user-facing calls are ownership-scoped,
// worker-facing calls require a worker credential distinct from the
// end-user session.
package service

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/storyforge/storyforge-be/internal/jobs/domain"
	"github.com/storyforge/storyforge-be/internal/jobs/storage"
)

const (
	// MinClaimLimit and MaxClaimLimit clamp the batch size of a claim call.
	MinClaimLimit = 1
	MaxClaimLimit = 100
)

// Store is the persistence surface the service drives. Implemented by
// storage.Storage; faked in tests.
type Store interface {
	Insert(ctx context.Context, job *domain.Job) error
	GetByID(ctx context.Context, jobID string) (*domain.Job, error)
	List(ctx context.Context, filter storage.JobFilter) ([]domain.Job, error)
	ListActive(ctx context.Context, userID string) ([]domain.Job, error)
	ListChildren(ctx context.Context, parentJobID string) ([]domain.Job, error)
	SelectPending(ctx context.Context, limit int) ([]domain.Job, error)
	ClaimPending(ctx context.Context, limit int) ([]domain.Job, error)
	MarkStarted(ctx context.Context, jobID string) (bool, error)
	UpdateProgress(ctx context.Context, jobID string, progress int, currentStep *int, message string) (bool, error)
	MarkCompleted(ctx context.Context, jobID string, result json.RawMessage) (bool, error)
	MarkFailed(ctx context.Context, jobID string, errorMessage string) (bool, error)
	MarkCancelled(ctx context.Context, jobID, userID string) (bool, error)
	AttachChildResult(ctx context.Context, parentJobID, childJobID string) error
}

// Limiter is the admission guard consulted before an insert.
type Limiter interface {
	Allow(ctx context.Context, userID string) error
}

// Notifier publishes a wakeup hint after a job is inserted. The poll
// loop works without it; deliveries only shorten claim latency.
type Notifier interface {
	NotifyJobCreated(ctx context.Context, jobID string) error
}

// Config holds service configuration.
type Config struct {
	// WorkerTokens are the credentials accepted on privileged calls.
	WorkerTokens []string
	// AtomicClaim selects the single-statement claim that marks rows
	// processing inside the selecting statement. When false the claim
	// is the two-step select-then-start behavior, which leaves a narrow
	// window in which a second worker can re-select a still-pending row.
	AtomicClaim bool
}

// Service exposes the lifecycle operations of the job core.
type Service struct {
	store        Store
	limiter      Limiter
	notifier     Notifier
	logger       *slog.Logger
	workerTokens []string
	atomicClaim  bool
}

// NewService creates a Service. notifier may be nil.
func NewService(store Store, limiter Limiter, notifier Notifier, cfg Config, logger *slog.Logger) *Service {
	return &Service{
		store:        store,
		limiter:      limiter,
		notifier:     notifier,
		logger:       logger,
		workerTokens: cfg.WorkerTokens,
		atomicClaim:  cfg.AtomicClaim,
	}
}

// CreateParams are the caller-supplied fields of a new job.
type CreateParams struct {
	UserID      string
	JobType     string
	InputData   json.RawMessage
	ProjectID   *string
	TotalSteps  *int
	ParentJobID *string
}

// Create runs the admission check and inserts a pending job. Returns
// the new job. The input payload is immutable after this point.
func (s *Service) Create(ctx context.Context, params CreateParams) (*domain.Job, error) {
	if params.UserID == "" || params.JobType == "" {
		return nil, fmt.Errorf("%w: user id and job type are required", domain.ErrInvalidPayload)
	}

	// Known job types get their payload shape checked up front, before
	// a worker trips over it; unknown types stay opaque to the store.
	if len(params.InputData) > 0 {
		if _, err := domain.DecodeInput(params.JobType, params.InputData); err != nil {
			return nil, err
		}
	}

	if err := s.limiter.Allow(ctx, params.UserID); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	job := &domain.Job{
		JobID:       uuid.New().String(),
		UserID:      params.UserID,
		ProjectID:   params.ProjectID,
		JobType:     params.JobType,
		Status:      domain.StatusPending,
		Progress:    0,
		TotalSteps:  params.TotalSteps,
		InputData:   params.InputData,
		ParentJobID: params.ParentJobID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := s.store.Insert(ctx, job); err != nil {
		return nil, err
	}

	s.logger.Info("Job created",
		slog.String("job_id", job.JobID),
		slog.String("user_id", job.UserID),
		slog.String("job_type", job.JobType),
	)

	if s.notifier != nil {
		if err := s.notifier.NotifyJobCreated(ctx, job.JobID); err != nil {
			// Wakeup hints are best-effort; the poll loop still picks
			// the job up on its next tick.
			s.logger.Warn("Failed to publish job-created notification",
				slog.String("job_id", job.JobID),
				slog.Any("error", err),
			)
		}
	}

	return job, nil
}

// Get returns a job owned by userID.
func (s *Service) Get(ctx context.Context, userID, jobID string) (*domain.Job, error) {
	job, err := s.store.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.UserID != userID {
		return nil, domain.ErrForbidden
	}
	return job, nil
}

// List returns a page of the user's jobs plus the cursor for the next
// page, empty when no more results exist.
func (s *Service) List(ctx context.Context, filter storage.JobFilter) ([]domain.Job, *storage.JobCursor, error) {
	jobs, err := s.store.List(ctx, filter)
	if err != nil {
		return nil, nil, err
	}

	var next *storage.JobCursor
	if len(jobs) > filter.PageSize {
		jobs = jobs[:filter.PageSize]
		last := jobs[len(jobs)-1]
		next = &storage.JobCursor{CreatedAt: last.CreatedAt, JobID: last.JobID}
	}

	return jobs, next, nil
}

// ListActive returns the user's pending and processing jobs.
func (s *Service) ListActive(ctx context.Context, userID string) ([]domain.Job, error) {
	return s.store.ListActive(ctx, userID)
}

// Cancel flips a pending or processing job owned by userID to
// cancelled. A job that already finished yields ErrInvalidTransition.
// The worker that may be executing the job is not signalled; its later
// terminal report lands as a no-op.
func (s *Service) Cancel(ctx context.Context, userID, jobID string) error {
	ok, err := s.store.MarkCancelled(ctx, jobID, userID)
	if err != nil {
		return err
	}
	if ok {
		s.logger.Info("Job cancelled",
			slog.String("job_id", jobID),
			slog.String("user_id", userID),
		)
		return nil
	}

	// The conditional update matched nothing: missing row, foreign
	// owner, or a job that already finished.
	job, err := s.store.GetByID(ctx, jobID)
	if err != nil {
		return err
	}
	if job.UserID != userID {
		return domain.ErrForbidden
	}
	return fmt.Errorf("%w: status is %s", domain.ErrInvalidTransition, job.Status)
}

// Retry clones a failed or cancelled job owned by userID into a fresh
// pending job with the same type, input and total steps. The original
// row is preserved for audit.
func (s *Service) Retry(ctx context.Context, userID, jobID string) (*domain.Job, error) {
	job, err := s.store.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.UserID != userID {
		return nil, domain.ErrForbidden
	}
	if !job.Retryable() {
		return nil, fmt.Errorf("%w: cannot retry a %s job", domain.ErrInvalidTransition, job.Status)
	}

	// Rate limits apply to retries the same as to fresh creations.
	return s.Create(ctx, CreateParams{
		UserID:     userID,
		JobType:    job.JobType,
		InputData:  job.InputData,
		ProjectID:  job.ProjectID,
		TotalSteps: job.TotalSteps,
	})
}

// ValidCredential reports whether cred matches a configured worker
// token. Comparison is constant-time.
func (s *Service) ValidCredential(cred string) bool {
	if cred == "" {
		return false
	}
	valid := false
	for _, token := range s.workerTokens {
		if subtle.ConstantTimeCompare([]byte(cred), []byte(token)) == 1 {
			valid = true
		}
	}
	return valid
}

func (s *Service) authorizeWorker(cred, operation string) error {
	if !s.ValidCredential(cred) {
		// Security event: privileged call with a bad credential.
		s.logger.Warn("Rejected worker call - invalid credential",
			slog.String("operation", operation),
		)
		return domain.ErrUnauthorized
	}
	return nil
}

// ClaimPending returns up to limit pending jobs, oldest first, for the
// calling worker. The limit is clamped to [MinClaimLimit, MaxClaimLimit].
// In atomic mode the returned jobs are already processing; in compat
// mode the caller must follow up with Start per job.
func (s *Service) ClaimPending(ctx context.Context, cred string, limit int) ([]domain.Job, error) {
	if err := s.authorizeWorker(cred, "ClaimPending"); err != nil {
		return nil, err
	}

	if limit < MinClaimLimit {
		limit = MinClaimLimit
	}
	if limit > MaxClaimLimit {
		limit = MaxClaimLimit
	}

	if s.atomicClaim {
		return s.store.ClaimPending(ctx, limit)
	}
	return s.store.SelectPending(ctx, limit)
}

// AtomicClaim reports which claim mode the service runs in.
func (s *Service) AtomicClaim() bool {
	return s.atomicClaim
}

// Start moves a claimed job to processing and stamps started_at. A row
// the user cancelled in the meantime is left untouched and reported as
// a no-op, not an error.
func (s *Service) Start(ctx context.Context, cred, jobID string) error {
	if err := s.authorizeWorker(cred, "Start"); err != nil {
		return err
	}

	ok, err := s.store.MarkStarted(ctx, jobID)
	if err != nil {
		return err
	}
	if !ok {
		return s.reconcileNoop(ctx, jobID, "Start")
	}
	return nil
}

// UpdateProgress overwrites the job's progress fields. Idempotent;
// no-op on rows that already reached a terminal status.
func (s *Service) UpdateProgress(ctx context.Context, cred, jobID string, progress int, currentStep *int, message string) error {
	if err := s.authorizeWorker(cred, "UpdateProgress"); err != nil {
		return err
	}

	ok, err := s.store.UpdateProgress(ctx, jobID, progress, currentStep, message)
	if err != nil {
		return err
	}
	if !ok {
		return s.reconcileNoop(ctx, jobID, "UpdateProgress")
	}
	return nil
}

// Complete records a successful terminal transition with the result
// payload. A report against a cancelled row is a no-op.
func (s *Service) Complete(ctx context.Context, cred, jobID string, result json.RawMessage) error {
	if err := s.authorizeWorker(cred, "Complete"); err != nil {
		return err
	}

	ok, err := s.store.MarkCompleted(ctx, jobID, result)
	if err != nil {
		return err
	}
	if !ok {
		return s.reconcileNoop(ctx, jobID, "Complete")
	}

	s.logger.Info("Job completed", slog.String("job_id", jobID))
	return nil
}

// Fail records a failed terminal transition with the error message.
// A report against a cancelled row is a no-op.
func (s *Service) Fail(ctx context.Context, cred, jobID, errorMessage string) error {
	if err := s.authorizeWorker(cred, "Fail"); err != nil {
		return err
	}

	ok, err := s.store.MarkFailed(ctx, jobID, errorMessage)
	if err != nil {
		return err
	}
	if !ok {
		return s.reconcileNoop(ctx, jobID, "Fail")
	}

	s.logger.Info("Job failed",
		slog.String("job_id", jobID),
		slog.String("error_message", errorMessage),
	)
	return nil
}

// GetForWorker returns a job without ownership scoping. Pipeline stages
// read their predecessor's result through here.
func (s *Service) GetForWorker(ctx context.Context, cred, jobID string) (*domain.Job, error) {
	if err := s.authorizeWorker(cred, "GetForWorker"); err != nil {
		return nil, err
	}
	return s.store.GetByID(ctx, jobID)
}

// CreateChild inserts a pipeline stage on behalf of a worker. The
// child inherits the parent's owner; admission checks still apply.
func (s *Service) CreateChild(ctx context.Context, cred string, params CreateParams) (*domain.Job, error) {
	if err := s.authorizeWorker(cred, "CreateChild"); err != nil {
		return nil, err
	}
	return s.Create(ctx, params)
}

// AttachChildResult appends a child job id to the parent's result
// payload. This is the one sanctioned post-completion write.
func (s *Service) AttachChildResult(ctx context.Context, cred, parentJobID, childJobID string) error {
	if err := s.authorizeWorker(cred, "AttachChildResult"); err != nil {
		return err
	}
	return s.store.AttachChildResult(ctx, parentJobID, childJobID)
}

// ListChildren returns a pipeline parent's children, oldest first.
func (s *Service) ListChildren(ctx context.Context, cred, parentJobID string) ([]domain.Job, error) {
	if err := s.authorizeWorker(cred, "ListChildren"); err != nil {
		return nil, err
	}
	return s.store.ListChildren(ctx, parentJobID)
}

// reconcileNoop resolves a conditional update that matched no row:
// a cancelled (or otherwise finished) job swallows the report, a
// missing job surfaces as not found.
func (s *Service) reconcileNoop(ctx context.Context, jobID, operation string) error {
	job, err := s.store.GetByID(ctx, jobID)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			return domain.ErrJobNotFound
		}
		return err
	}

	s.logger.Info("Lifecycle report ignored - job already finished",
		slog.String("job_id", jobID),
		slog.String("operation", operation),
		slog.String("status", string(job.Status)),
	)
	return nil
}
