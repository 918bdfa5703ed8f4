package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/storyforge/storyforge-be/internal/jobs/domain"
)

const jobColumns = `
	job_id, user_id, project_id, job_type, status, progress,
	current_step, total_steps, progress_message,
	input_data, result_data, error_message, parent_job_id,
	created_at, started_at, completed_at, updated_at`

// Storage handles all database operations on the jobs table.
type Storage struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStorage creates a new Storage instance.
func NewStorage(db *sqlx.DB, logger *slog.Logger) *Storage {
	return &Storage{
		db:     db,
		logger: logger,
	}
}

// Insert persists a new job row. All lifecycle fields must already be
// set by the caller (status pending, progress 0, timestamps).
func (s *Storage) Insert(ctx context.Context, job *domain.Job) error {
	query := `
		INSERT INTO jobs (
			job_id, user_id, project_id, job_type, status, progress,
			current_step, total_steps, progress_message,
			input_data, result_data, error_message, parent_job_id,
			created_at, started_at, completed_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9,
			$10, $11, $12, $13,
			$14, $15, $16, $17
		)
	`

	_, err := s.db.ExecContext(
		ctx,
		query,
		job.JobID,
		job.UserID,
		job.ProjectID,
		job.JobType,
		job.Status,
		job.Progress,
		job.CurrentStep,
		job.TotalSteps,
		job.ProgressMessage,
		job.InputData,
		job.ResultData,
		job.ErrorMessage,
		job.ParentJobID,
		job.CreatedAt,
		job.StartedAt,
		job.CompletedAt,
		job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}

	return nil
}

// GetByID retrieves a job without ownership scoping. Worker-side reads
// go through here after the service has validated the credential.
func (s *Storage) GetByID(ctx context.Context, jobID string) (*domain.Job, error) {
	query := `SELECT` + jobColumns + ` FROM jobs WHERE job_id = $1`

	var job domain.Job
	err := s.db.GetContext(ctx, &job, query, jobID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	return &job, nil
}

// JobFilter narrows List results. UserID is mandatory for end-user
// reads; the other fields are optional.
type JobFilter struct {
	UserID   string
	JobType  string
	Status   domain.Status
	PageSize int
	Cursor   *JobCursor
}

// JobCursor is the keyset pagination position (created_at, job_id).
type JobCursor struct {
	CreatedAt time.Time
	JobID     string
}

// List returns the user's jobs, newest first, using keyset pagination.
// One extra row beyond PageSize is fetched so the caller can detect
// whether more results exist.
func (s *Storage) List(ctx context.Context, filter JobFilter) ([]domain.Job, error) {
	query := `SELECT` + jobColumns + ` FROM jobs WHERE user_id = $1`
	args := []interface{}{filter.UserID}
	argIdx := 2

	if filter.JobType != "" {
		query += fmt.Sprintf(" AND job_type = $%d", argIdx)
		args = append(args, filter.JobType)
		argIdx++
	}

	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, filter.Status)
		argIdx++
	}

	if filter.Cursor != nil {
		query += fmt.Sprintf(" AND (created_at, job_id) < ($%d, $%d)", argIdx, argIdx+1)
		args = append(args, filter.Cursor.CreatedAt, filter.Cursor.JobID)
		argIdx += 2
	}

	query += " ORDER BY created_at DESC, job_id DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, filter.PageSize+1)

	var jobs []domain.Job
	if err := s.db.SelectContext(ctx, &jobs, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	return jobs, nil
}

// ListActive returns the user's pending and processing jobs, oldest first.
func (s *Storage) ListActive(ctx context.Context, userID string) ([]domain.Job, error) {
	query := `SELECT` + jobColumns + `
		FROM jobs
		WHERE user_id = $1 AND status IN ($2, $3)
		ORDER BY created_at ASC`

	var jobs []domain.Job
	err := s.db.SelectContext(ctx, &jobs, query, userID, domain.StatusPending, domain.StatusProcessing)
	if err != nil {
		return nil, fmt.Errorf("failed to list active jobs: %w", err)
	}

	return jobs, nil
}

// CountActive returns how many of the user's jobs are currently
// pending or processing. Consumed by the rate limiter.
func (s *Storage) CountActive(ctx context.Context, userID string) (int, error) {
	query := `SELECT COUNT(*) FROM jobs WHERE user_id = $1 AND status IN ($2, $3)`

	var count int
	err := s.db.GetContext(ctx, &count, query, userID, domain.StatusPending, domain.StatusProcessing)
	if err != nil {
		return 0, fmt.Errorf("failed to count active jobs: %w", err)
	}

	return count, nil
}

// CountCreatedSince returns how many jobs the user has created at or
// after the given instant. Consumed by the rate limiter's daily cap.
func (s *Storage) CountCreatedSince(ctx context.Context, userID string, since time.Time) (int, error) {
	query := `SELECT COUNT(*) FROM jobs WHERE user_id = $1 AND created_at >= $2`

	var count int
	err := s.db.GetContext(ctx, &count, query, userID, since)
	if err != nil {
		return 0, fmt.Errorf("failed to count created jobs: %w", err)
	}

	return count, nil
}

// SelectPending returns up to limit pending jobs, oldest first, using
// FOR UPDATE SKIP LOCKED so concurrent selectors skip each other's rows.
//
// The row locks only live for the duration of this statement: a caller
// that does not transition the job before the next SelectPending can
// see the same still-pending row handed to another worker. MarkStarted
// closes that window with its conditional update; ClaimPending folds
// select and transition into one statement and has no window at all.
func (s *Storage) SelectPending(ctx context.Context, limit int) ([]domain.Job, error) {
	query := `SELECT` + jobColumns + `
		FROM jobs
		WHERE status = $1
		ORDER BY created_at ASC
		FOR UPDATE SKIP LOCKED
		LIMIT $2`

	var jobs []domain.Job
	if err := s.db.SelectContext(ctx, &jobs, query, domain.StatusPending, limit); err != nil {
		return nil, fmt.Errorf("failed to select pending jobs: %w", err)
	}

	return jobs, nil
}

// ClaimPending atomically selects up to limit pending jobs, oldest
// first, marks them processing with started_at set, and returns them.
// Two workers calling concurrently receive disjoint sets.
func (s *Storage) ClaimPending(ctx context.Context, limit int) ([]domain.Job, error) {
	query := `
		WITH claimed AS (
			SELECT job_id
			FROM jobs
			WHERE status = $1
			ORDER BY created_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT $2
		)
		UPDATE jobs j
		SET status = $3, started_at = NOW(), updated_at = NOW()
		FROM claimed c
		WHERE j.job_id = c.job_id
		RETURNING` + jobColumnsPrefixed

	var jobs []domain.Job
	err := s.db.SelectContext(ctx, &jobs, query, domain.StatusPending, limit, domain.StatusProcessing)
	if err != nil {
		return nil, fmt.Errorf("failed to claim pending jobs: %w", err)
	}

	if len(jobs) > 0 {
		s.logger.Info("Claimed pending jobs",
			slog.Int("count", len(jobs)),
		)
	}

	return jobs, nil
}

const jobColumnsPrefixed = `
	j.job_id, j.user_id, j.project_id, j.job_type, j.status, j.progress,
	j.current_step, j.total_steps, j.progress_message,
	j.input_data, j.result_data, j.error_message, j.parent_job_id,
	j.created_at, j.started_at, j.completed_at, j.updated_at`

// MarkStarted moves a job to processing and stamps started_at. A row
// already cancelled (or otherwise finished) is left untouched; the
// returned bool reports whether the update applied.
func (s *Storage) MarkStarted(ctx context.Context, jobID string) (bool, error) {
	query := `
		UPDATE jobs
		SET status = $1, started_at = NOW(), updated_at = NOW()
		WHERE job_id = $2 AND status NOT IN ($3, $4, $5)
	`

	result, err := s.db.ExecContext(ctx, query,
		domain.StatusProcessing, jobID,
		domain.StatusCompleted, domain.StatusFailed, domain.StatusCancelled,
	)
	if err != nil {
		return false, fmt.Errorf("failed to mark job started: %w", err)
	}

	return rowsAffected(result)
}

// UpdateProgress overwrites the progress fields. Terminal rows are left
// untouched. Safe to call repeatedly with the same values.
func (s *Storage) UpdateProgress(ctx context.Context, jobID string, progress int, currentStep *int, message string) (bool, error) {
	query := `
		UPDATE jobs
		SET progress = $1,
			current_step = COALESCE($2, current_step),
			progress_message = $3,
			updated_at = NOW()
		WHERE job_id = $4 AND status NOT IN ($5, $6, $7)
	`

	result, err := s.db.ExecContext(ctx, query,
		progress, currentStep, message, jobID,
		domain.StatusCompleted, domain.StatusFailed, domain.StatusCancelled,
	)
	if err != nil {
		return false, fmt.Errorf("failed to update job progress: %w", err)
	}

	return rowsAffected(result)
}

// MarkCompleted records a successful terminal transition with the
// result payload. Progress is forced to 100. Rows already cancelled
// (or otherwise terminal) are left untouched.
func (s *Storage) MarkCompleted(ctx context.Context, jobID string, result json.RawMessage) (bool, error) {
	query := `
		UPDATE jobs
		SET status = $1, progress = 100, result_data = $2,
			completed_at = NOW(), updated_at = NOW()
		WHERE job_id = $3 AND status NOT IN ($4, $5, $6)
	`

	res, err := s.db.ExecContext(ctx, query,
		domain.StatusCompleted, result, jobID,
		domain.StatusCompleted, domain.StatusFailed, domain.StatusCancelled,
	)
	if err != nil {
		return false, fmt.Errorf("failed to mark job completed: %w", err)
	}

	return rowsAffected(res)
}

// MarkFailed records a failed terminal transition with the error
// message. Rows already terminal are left untouched.
func (s *Storage) MarkFailed(ctx context.Context, jobID string, errorMessage string) (bool, error) {
	query := `
		UPDATE jobs
		SET status = $1, error_message = $2,
			completed_at = NOW(), updated_at = NOW()
		WHERE job_id = $3 AND status NOT IN ($4, $5, $6)
	`

	res, err := s.db.ExecContext(ctx, query,
		domain.StatusFailed, errorMessage, jobID,
		domain.StatusCompleted, domain.StatusFailed, domain.StatusCancelled,
	)
	if err != nil {
		return false, fmt.Errorf("failed to mark job failed: %w", err)
	}

	return rowsAffected(res)
}

// MarkCancelled flips a pending or processing job owned by userID to
// cancelled. The conditional WHERE serializes against concurrent
// lifecycle writes on the same row.
func (s *Storage) MarkCancelled(ctx context.Context, jobID, userID string) (bool, error) {
	query := `
		UPDATE jobs
		SET status = $1, completed_at = NOW(), updated_at = NOW()
		WHERE job_id = $2 AND user_id = $3 AND status IN ($4, $5)
	`

	res, err := s.db.ExecContext(ctx, query,
		domain.StatusCancelled, jobID, userID,
		domain.StatusPending, domain.StatusProcessing,
	)
	if err != nil {
		return false, fmt.Errorf("failed to mark job cancelled: %w", err)
	}

	return rowsAffected(res)
}

// AttachChildResult appends childJobID to the parent's result_data
// under the "childJobIds" key. The row is locked for the duration of
// the read-modify-write so concurrent children on the same parent do
// not drop each other's linkage.
func (s *Storage) AttachChildResult(ctx context.Context, parentJobID, childJobID string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var raw []byte
	err = tx.GetContext(ctx, &raw,
		`SELECT COALESCE(result_data, '{}'::jsonb) FROM jobs WHERE job_id = $1 FOR UPDATE`,
		parentJobID,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrJobNotFound
		}
		return fmt.Errorf("failed to read parent result: %w", err)
	}

	var result map[string]json.RawMessage
	if err := json.Unmarshal(raw, &result); err != nil {
		return fmt.Errorf("failed to decode parent result: %w", err)
	}

	var childIDs []string
	if existing, ok := result["childJobIds"]; ok {
		if err := json.Unmarshal(existing, &childIDs); err != nil {
			return fmt.Errorf("failed to decode child job ids: %w", err)
		}
	}
	childIDs = append(childIDs, childJobID)

	encoded, err := json.Marshal(childIDs)
	if err != nil {
		return fmt.Errorf("failed to encode child job ids: %w", err)
	}
	result["childJobIds"] = encoded

	merged, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to encode parent result: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE jobs SET result_data = $1, updated_at = NOW() WHERE job_id = $2`,
		merged, parentJobID,
	)
	if err != nil {
		return fmt.Errorf("failed to write parent result: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit parent result: %w", err)
	}

	s.logger.Info("Attached child job to parent result",
		slog.String("parent_job_id", parentJobID),
		slog.String("child_job_id", childJobID),
	)

	return nil
}

// ListChildren returns the jobs whose parent_job_id is the given id,
// oldest first. Backed by the parent_job_id index.
func (s *Storage) ListChildren(ctx context.Context, parentJobID string) ([]domain.Job, error) {
	query := `SELECT` + jobColumns + `
		FROM jobs
		WHERE parent_job_id = $1
		ORDER BY created_at ASC`

	var jobs []domain.Job
	if err := s.db.SelectContext(ctx, &jobs, query, parentJobID); err != nil {
		return nil, fmt.Errorf("failed to list child jobs: %w", err)
	}

	return jobs, nil
}

func rowsAffected(result sql.Result) (bool, error) {
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n > 0, nil
}
