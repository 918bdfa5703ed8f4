package service

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storyforge/storyforge-be/internal/jobs/domain"
	"github.com/storyforge/storyforge-be/internal/jobs/storage"
)

const workerToken = "test-worker-token"

// fakeStore is an in-memory Store with the same conditional-update
// semantics as the Postgres implementation: lifecycle updates match
// only rows in the right prior status and report whether they applied.
type fakeStore struct {
	mu   sync.Mutex
	jobs map[string]*domain.Job

	insertErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{jobs: make(map[string]*domain.Job)}
}

func (f *fakeStore) Insert(ctx context.Context, job *domain.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return f.insertErr
	}
	clone := *job
	f.jobs[job.JobID] = &clone
	return nil
}

func (f *fakeStore) GetByID(ctx context.Context, jobID string) (*domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[jobID]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	clone := *job
	return &clone, nil
}

func (f *fakeStore) List(ctx context.Context, filter storage.JobFilter) ([]domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var jobs []domain.Job
	for _, job := range f.jobs {
		if job.UserID != filter.UserID {
			continue
		}
		if filter.JobType != "" && job.JobType != filter.JobType {
			continue
		}
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		if filter.Cursor != nil {
			// Keyset: strictly older than the cursor position.
			if !job.CreatedAt.Before(filter.Cursor.CreatedAt) &&
				!(job.CreatedAt.Equal(filter.Cursor.CreatedAt) && job.JobID < filter.Cursor.JobID) {
				continue
			}
		}
		jobs = append(jobs, *job)
	}

	sort.Slice(jobs, func(i, j int) bool {
		if !jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
		}
		return jobs[i].JobID > jobs[j].JobID
	})

	if len(jobs) > filter.PageSize+1 {
		jobs = jobs[:filter.PageSize+1]
	}
	return jobs, nil
}

func (f *fakeStore) ListActive(ctx context.Context, userID string) ([]domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var jobs []domain.Job
	for _, job := range f.jobs {
		if job.UserID == userID && !job.Status.Terminal() {
			jobs = append(jobs, *job)
		}
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.Before(jobs[j].CreatedAt) })
	return jobs, nil
}

func (f *fakeStore) ListChildren(ctx context.Context, parentJobID string) ([]domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var jobs []domain.Job
	for _, job := range f.jobs {
		if job.ParentJobID != nil && *job.ParentJobID == parentJobID {
			jobs = append(jobs, *job)
		}
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.Before(jobs[j].CreatedAt) })
	return jobs, nil
}

func (f *fakeStore) pendingOldestFirst(limit int) []*domain.Job {
	var pending []*domain.Job
	for _, job := range f.jobs {
		if job.Status == domain.StatusPending {
			pending = append(pending, job)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].CreatedAt.Before(pending[j].CreatedAt) })
	if len(pending) > limit {
		pending = pending[:limit]
	}
	return pending
}

func (f *fakeStore) SelectPending(ctx context.Context, limit int) ([]domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var jobs []domain.Job
	for _, job := range f.pendingOldestFirst(limit) {
		jobs = append(jobs, *job)
	}
	return jobs, nil
}

func (f *fakeStore) ClaimPending(ctx context.Context, limit int) ([]domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := time.Now().UTC()
	var jobs []domain.Job
	for _, job := range f.pendingOldestFirst(limit) {
		job.Status = domain.StatusProcessing
		started := now
		job.StartedAt = &started
		job.UpdatedAt = now
		jobs = append(jobs, *job)
	}
	return jobs, nil
}

func (f *fakeStore) MarkStarted(ctx context.Context, jobID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	job, ok := f.jobs[jobID]
	if !ok || job.Status.Terminal() {
		return false, nil
	}
	now := time.Now().UTC()
	job.Status = domain.StatusProcessing
	job.StartedAt = &now
	job.UpdatedAt = now
	return true, nil
}

func (f *fakeStore) UpdateProgress(ctx context.Context, jobID string, progress int, currentStep *int, message string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	job, ok := f.jobs[jobID]
	if !ok || job.Status.Terminal() {
		return false, nil
	}
	job.Progress = progress
	if currentStep != nil {
		job.CurrentStep = currentStep
	}
	job.ProgressMessage = message
	job.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (f *fakeStore) MarkCompleted(ctx context.Context, jobID string, result json.RawMessage) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	job, ok := f.jobs[jobID]
	if !ok || job.Status.Terminal() {
		return false, nil
	}
	now := time.Now().UTC()
	job.Status = domain.StatusCompleted
	job.Progress = 100
	job.ResultData = result
	job.CompletedAt = &now
	job.UpdatedAt = now
	return true, nil
}

func (f *fakeStore) MarkFailed(ctx context.Context, jobID string, errorMessage string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	job, ok := f.jobs[jobID]
	if !ok || job.Status.Terminal() {
		return false, nil
	}
	now := time.Now().UTC()
	job.Status = domain.StatusFailed
	job.ErrorMessage = errorMessage
	job.CompletedAt = &now
	job.UpdatedAt = now
	return true, nil
}

func (f *fakeStore) MarkCancelled(ctx context.Context, jobID, userID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	job, ok := f.jobs[jobID]
	if !ok || job.UserID != userID || !job.Cancellable() {
		return false, nil
	}
	now := time.Now().UTC()
	job.Status = domain.StatusCancelled
	job.CompletedAt = &now
	job.UpdatedAt = now
	return true, nil
}

func (f *fakeStore) AttachChildResult(ctx context.Context, parentJobID, childJobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	job, ok := f.jobs[parentJobID]
	if !ok {
		return domain.ErrJobNotFound
	}

	result := map[string]json.RawMessage{}
	if len(job.ResultData) > 0 {
		if err := json.Unmarshal(job.ResultData, &result); err != nil {
			return err
		}
	}

	var childIDs []string
	if existing, ok := result["childJobIds"]; ok {
		if err := json.Unmarshal(existing, &childIDs); err != nil {
			return err
		}
	}
	childIDs = append(childIDs, childJobID)

	encoded, err := json.Marshal(childIDs)
	if err != nil {
		return err
	}
	result["childJobIds"] = encoded

	merged, err := json.Marshal(result)
	if err != nil {
		return err
	}
	job.ResultData = merged
	return nil
}

// allowAll is a Limiter that admits everything.
type allowAll struct{}

func (allowAll) Allow(ctx context.Context, userID string) error { return nil }

// denyAll is a Limiter that rejects everything.
type denyAll struct{}

func (denyAll) Allow(ctx context.Context, userID string) error {
	return domain.ErrRateLimited
}

type recordingNotifier struct {
	mu     sync.Mutex
	jobIDs []string
	err    error
}

func (n *recordingNotifier) NotifyJobCreated(ctx context.Context, jobID string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.jobIDs = append(n.jobIDs, jobID)
	return nil
}

func newTestService(store Store, limiter Limiter, notifier Notifier, atomicClaim bool) *Service {
	return NewService(store, limiter, notifier, Config{
		WorkerTokens: []string{workerToken},
		AtomicClaim:  atomicClaim,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func createJob(t *testing.T, svc *Service, userID, jobType string) *domain.Job {
	t.Helper()
	job, err := svc.Create(context.Background(), CreateParams{
		UserID:    userID,
		JobType:   jobType,
		InputData: json.RawMessage(`{"script":"INT. LAB - NIGHT"}`),
	})
	require.NoError(t, err)
	return job
}

func TestService_Create(t *testing.T) {
	ctx := context.Background()

	t.Run("creates pending job with defaults", func(t *testing.T) {
		store := newFakeStore()
		notifier := &recordingNotifier{}
		svc := newTestService(store, allowAll{}, notifier, false)

		steps := 5
		projectID := "project-1"
		job, err := svc.Create(ctx, CreateParams{
			UserID:     "user-1",
			JobType:    domain.TypeScriptAnalysis,
			InputData:  json.RawMessage(`{"script":"..."}`),
			ProjectID:  &projectID,
			TotalSteps: &steps,
		})
		require.NoError(t, err)

		assert.NotEmpty(t, job.JobID)
		assert.Equal(t, "user-1", job.UserID)
		assert.Equal(t, domain.StatusPending, job.Status)
		assert.Equal(t, 0, job.Progress)
		assert.Equal(t, &steps, job.TotalSteps)
		assert.Nil(t, job.StartedAt)
		assert.Nil(t, job.CompletedAt)
		assert.False(t, job.CreatedAt.IsZero())

		// Wakeup hint published for the new job.
		assert.Equal(t, []string{job.JobID}, notifier.jobIDs)

		stored, err := store.GetByID(ctx, job.JobID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusPending, stored.Status)
	})

	t.Run("missing user id or job type", func(t *testing.T) {
		svc := newTestService(newFakeStore(), allowAll{}, nil, false)

		_, err := svc.Create(ctx, CreateParams{JobType: domain.TypeScriptAnalysis})
		assert.ErrorIs(t, err, domain.ErrInvalidPayload)

		_, err = svc.Create(ctx, CreateParams{UserID: "user-1"})
		assert.ErrorIs(t, err, domain.ErrInvalidPayload)
	})

	t.Run("malformed input for a known job type", func(t *testing.T) {
		store := newFakeStore()
		svc := newTestService(store, allowAll{}, nil, false)

		_, err := svc.Create(ctx, CreateParams{
			UserID:    "user-1",
			JobType:   domain.TypeScriptAnalysis,
			InputData: json.RawMessage(`{not json`),
		})
		assert.ErrorIs(t, err, domain.ErrInvalidPayload)
		assert.Empty(t, store.jobs)
	})

	t.Run("unknown job type keeps input opaque", func(t *testing.T) {
		svc := newTestService(newFakeStore(), allowAll{}, nil, false)

		job, err := svc.Create(ctx, CreateParams{
			UserID:    "user-1",
			JobType:   "custom_export",
			InputData: json.RawMessage(`{"anything":true}`),
		})
		require.NoError(t, err)
		assert.JSONEq(t, `{"anything":true}`, string(job.InputData))
	})

	t.Run("rate limited creation inserts nothing", func(t *testing.T) {
		store := newFakeStore()
		svc := newTestService(store, denyAll{}, nil, false)

		_, err := svc.Create(ctx, CreateParams{
			UserID:  "user-1",
			JobType: domain.TypeScriptAnalysis,
		})
		assert.ErrorIs(t, err, domain.ErrRateLimited)
		assert.Empty(t, store.jobs)
	})

	t.Run("notifier failure does not fail creation", func(t *testing.T) {
		store := newFakeStore()
		notifier := &recordingNotifier{err: errors.New("broker down")}
		svc := newTestService(store, allowAll{}, notifier, false)

		job, err := svc.Create(ctx, CreateParams{
			UserID:  "user-1",
			JobType: domain.TypeScriptAnalysis,
		})
		require.NoError(t, err)

		stored, err := store.GetByID(ctx, job.JobID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusPending, stored.Status)
	})
}

func TestService_Get(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(newFakeStore(), allowAll{}, nil, false)
	job := createJob(t, svc, "user-1", domain.TypeScriptAnalysis)

	t.Run("owner reads own job", func(t *testing.T) {
		got, err := svc.Get(ctx, "user-1", job.JobID)
		require.NoError(t, err)
		assert.Equal(t, job.JobID, got.JobID)
	})

	t.Run("foreign owner is forbidden", func(t *testing.T) {
		_, err := svc.Get(ctx, "user-2", job.JobID)
		assert.ErrorIs(t, err, domain.ErrForbidden)
	})

	t.Run("missing job", func(t *testing.T) {
		_, err := svc.Get(ctx, "user-1", "nonexistent")
		assert.ErrorIs(t, err, domain.ErrJobNotFound)
	})
}

func TestService_List_Pagination(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	svc := newTestService(store, allowAll{}, nil, false)

	// Spread creation times so the keyset order is deterministic.
	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		job := createJob(t, svc, "user-1", domain.TypeScriptAnalysis)
		store.mu.Lock()
		store.jobs[job.JobID].CreatedAt = base.Add(time.Duration(i) * time.Minute)
		store.mu.Unlock()
	}

	page1, cursor, err := svc.List(ctx, storage.JobFilter{UserID: "user-1", PageSize: 2})
	require.NoError(t, err)
	require.Len(t, page1, 2)
	require.NotNil(t, cursor, "more pages should remain")

	page2, cursor, err := svc.List(ctx, storage.JobFilter{UserID: "user-1", PageSize: 2, Cursor: cursor})
	require.NoError(t, err)
	require.Len(t, page2, 2)
	require.NotNil(t, cursor)

	page3, cursor, err := svc.List(ctx, storage.JobFilter{UserID: "user-1", PageSize: 2, Cursor: cursor})
	require.NoError(t, err)
	require.Len(t, page3, 1)
	assert.Nil(t, cursor, "last page should have no cursor")

	// Newest first and no duplicates across pages.
	seen := map[string]bool{}
	var all []domain.Job
	all = append(all, page1...)
	all = append(all, page2...)
	all = append(all, page3...)
	for i, job := range all {
		assert.False(t, seen[job.JobID], "job %s appeared twice", job.JobID)
		seen[job.JobID] = true
		if i > 0 {
			assert.False(t, job.CreatedAt.After(all[i-1].CreatedAt))
		}
	}
}

func TestService_Cancel(t *testing.T) {
	ctx := context.Background()

	t.Run("cancels pending job", func(t *testing.T) {
		store := newFakeStore()
		svc := newTestService(store, allowAll{}, nil, false)
		job := createJob(t, svc, "user-1", domain.TypeScriptAnalysis)

		require.NoError(t, svc.Cancel(ctx, "user-1", job.JobID))

		got, err := store.GetByID(ctx, job.JobID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusCancelled, got.Status)
		assert.NotNil(t, got.CompletedAt)
	})

	t.Run("cancels processing job", func(t *testing.T) {
		store := newFakeStore()
		svc := newTestService(store, allowAll{}, nil, false)
		job := createJob(t, svc, "user-1", domain.TypeScriptAnalysis)
		require.NoError(t, svc.Start(ctx, workerToken, job.JobID))

		require.NoError(t, svc.Cancel(ctx, "user-1", job.JobID))

		got, err := store.GetByID(ctx, job.JobID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusCancelled, got.Status)
	})

	t.Run("cancel of finished job is an invalid transition", func(t *testing.T) {
		store := newFakeStore()
		svc := newTestService(store, allowAll{}, nil, false)
		job := createJob(t, svc, "user-1", domain.TypeScriptAnalysis)
		require.NoError(t, svc.Complete(ctx, workerToken, job.JobID, json.RawMessage(`{}`)))

		err := svc.Cancel(ctx, "user-1", job.JobID)
		assert.ErrorIs(t, err, domain.ErrInvalidTransition)

		got, _ := store.GetByID(ctx, job.JobID)
		assert.Equal(t, domain.StatusCompleted, got.Status)
	})

	t.Run("foreign owner cannot cancel", func(t *testing.T) {
		svc := newTestService(newFakeStore(), allowAll{}, nil, false)
		job := createJob(t, svc, "user-1", domain.TypeScriptAnalysis)

		err := svc.Cancel(ctx, "user-2", job.JobID)
		assert.ErrorIs(t, err, domain.ErrForbidden)
	})

	t.Run("missing job", func(t *testing.T) {
		svc := newTestService(newFakeStore(), allowAll{}, nil, false)
		err := svc.Cancel(ctx, "user-1", "nonexistent")
		assert.ErrorIs(t, err, domain.ErrJobNotFound)
	})
}

func TestService_Retry(t *testing.T) {
	ctx := context.Background()

	t.Run("retry of failed job clones input into a fresh pending job", func(t *testing.T) {
		store := newFakeStore()
		svc := newTestService(store, allowAll{}, nil, false)
		job := createJob(t, svc, "user-1", domain.TypeScriptAnalysis)
		require.NoError(t, svc.Fail(ctx, workerToken, job.JobID, "provider timeout"))

		retried, err := svc.Retry(ctx, "user-1", job.JobID)
		require.NoError(t, err)

		assert.NotEqual(t, job.JobID, retried.JobID, "retry must be a new row")
		assert.Equal(t, domain.StatusPending, retried.Status)
		assert.Equal(t, job.JobType, retried.JobType)
		assert.JSONEq(t, string(job.InputData), string(retried.InputData))
		assert.Empty(t, retried.ErrorMessage)

		// The original row is untouched.
		original, err := store.GetByID(ctx, job.JobID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusFailed, original.Status)
		assert.Equal(t, "provider timeout", original.ErrorMessage)
	})

	t.Run("retry of cancelled job", func(t *testing.T) {
		svc := newTestService(newFakeStore(), allowAll{}, nil, false)
		job := createJob(t, svc, "user-1", domain.TypeScriptAnalysis)
		require.NoError(t, svc.Cancel(ctx, "user-1", job.JobID))

		retried, err := svc.Retry(ctx, "user-1", job.JobID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusPending, retried.Status)
	})

	t.Run("retry of completed job is rejected", func(t *testing.T) {
		svc := newTestService(newFakeStore(), allowAll{}, nil, false)
		job := createJob(t, svc, "user-1", domain.TypeScriptAnalysis)
		require.NoError(t, svc.Complete(ctx, workerToken, job.JobID, json.RawMessage(`{}`)))

		_, err := svc.Retry(ctx, "user-1", job.JobID)
		assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	})

	t.Run("retry of pending job is rejected", func(t *testing.T) {
		svc := newTestService(newFakeStore(), allowAll{}, nil, false)
		job := createJob(t, svc, "user-1", domain.TypeScriptAnalysis)

		_, err := svc.Retry(ctx, "user-1", job.JobID)
		assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	})

	t.Run("foreign owner cannot retry", func(t *testing.T) {
		svc := newTestService(newFakeStore(), allowAll{}, nil, false)
		job := createJob(t, svc, "user-1", domain.TypeScriptAnalysis)
		require.NoError(t, svc.Fail(ctx, workerToken, job.JobID, "boom"))

		_, err := svc.Retry(ctx, "user-2", job.JobID)
		assert.ErrorIs(t, err, domain.ErrForbidden)
	})

	t.Run("retries count against rate limits", func(t *testing.T) {
		store := newFakeStore()
		svc := newTestService(store, allowAll{}, nil, false)
		job := createJob(t, svc, "user-1", domain.TypeScriptAnalysis)
		require.NoError(t, svc.Fail(ctx, workerToken, job.JobID, "boom"))

		limited := newTestService(store, denyAll{}, nil, false)
		_, err := limited.Retry(ctx, "user-1", job.JobID)
		assert.ErrorIs(t, err, domain.ErrRateLimited)
	})
}

func TestService_WorkerCredential(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	svc := newTestService(store, allowAll{}, nil, false)
	job := createJob(t, svc, "user-1", domain.TypeScriptAnalysis)

	t.Run("valid credential accepted", func(t *testing.T) {
		assert.True(t, svc.ValidCredential(workerToken))
	})

	t.Run("invalid credentials rejected", func(t *testing.T) {
		assert.False(t, svc.ValidCredential(""))
		assert.False(t, svc.ValidCredential("wrong-token"))
		assert.False(t, svc.ValidCredential(workerToken+"x"))
	})

	t.Run("privileged calls reject bad credential without state change", func(t *testing.T) {
		_, err := svc.ClaimPending(ctx, "wrong", 10)
		assert.ErrorIs(t, err, domain.ErrUnauthorized)

		assert.ErrorIs(t, svc.Start(ctx, "wrong", job.JobID), domain.ErrUnauthorized)
		assert.ErrorIs(t, svc.UpdateProgress(ctx, "wrong", job.JobID, 50, nil, ""), domain.ErrUnauthorized)
		assert.ErrorIs(t, svc.Complete(ctx, "wrong", job.JobID, nil), domain.ErrUnauthorized)
		assert.ErrorIs(t, svc.Fail(ctx, "wrong", job.JobID, "x"), domain.ErrUnauthorized)

		_, err = svc.GetForWorker(ctx, "wrong", job.JobID)
		assert.ErrorIs(t, err, domain.ErrUnauthorized)

		got, err := store.GetByID(ctx, job.JobID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusPending, got.Status)
		assert.Equal(t, 0, got.Progress)
	})
}

func TestService_ClaimPending(t *testing.T) {
	ctx := context.Background()

	t.Run("compat mode returns still-pending jobs oldest first", func(t *testing.T) {
		store := newFakeStore()
		svc := newTestService(store, allowAll{}, nil, false)

		first := createJob(t, svc, "user-1", domain.TypeScriptAnalysis)
		store.mu.Lock()
		store.jobs[first.JobID].CreatedAt = time.Now().UTC().Add(-time.Minute)
		store.mu.Unlock()
		second := createJob(t, svc, "user-1", domain.TypeScriptAnalysis)

		jobs, err := svc.ClaimPending(ctx, workerToken, 10)
		require.NoError(t, err)
		require.Len(t, jobs, 2)
		assert.Equal(t, first.JobID, jobs[0].JobID)
		assert.Equal(t, second.JobID, jobs[1].JobID)

		// Compat selection does not transition the rows.
		for _, job := range jobs {
			assert.Equal(t, domain.StatusPending, job.Status)
		}
	})

	t.Run("atomic mode returns jobs already processing", func(t *testing.T) {
		store := newFakeStore()
		svc := newTestService(store, allowAll{}, nil, true)
		job := createJob(t, svc, "user-1", domain.TypeScriptAnalysis)

		jobs, err := svc.ClaimPending(ctx, workerToken, 10)
		require.NoError(t, err)
		require.Len(t, jobs, 1)
		assert.Equal(t, domain.StatusProcessing, jobs[0].Status)
		assert.NotNil(t, jobs[0].StartedAt)

		stored, err := store.GetByID(ctx, job.JobID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusProcessing, stored.Status)

		// A second claim finds nothing pending.
		jobs, err = svc.ClaimPending(ctx, workerToken, 10)
		require.NoError(t, err)
		assert.Empty(t, jobs)
	})

	t.Run("limit is clamped", func(t *testing.T) {
		store := newFakeStore()
		svc := newTestService(store, allowAll{}, nil, false)
		createJob(t, svc, "user-1", domain.TypeScriptAnalysis)

		jobs, err := svc.ClaimPending(ctx, workerToken, 0)
		require.NoError(t, err)
		assert.Len(t, jobs, 1)

		jobs, err = svc.ClaimPending(ctx, workerToken, -5)
		require.NoError(t, err)
		assert.Len(t, jobs, 1)
	})
}

func TestService_LifecycleTransitions(t *testing.T) {
	ctx := context.Background()

	t.Run("pending to processing to completed", func(t *testing.T) {
		store := newFakeStore()
		svc := newTestService(store, allowAll{}, nil, false)
		job := createJob(t, svc, "user-1", domain.TypeScriptAnalysis)

		require.NoError(t, svc.Start(ctx, workerToken, job.JobID))
		got, _ := store.GetByID(ctx, job.JobID)
		assert.Equal(t, domain.StatusProcessing, got.Status)
		assert.NotNil(t, got.StartedAt)

		step := 2
		require.NoError(t, svc.UpdateProgress(ctx, workerToken, job.JobID, 40, &step, "matching scenes"))
		got, _ = store.GetByID(ctx, job.JobID)
		assert.Equal(t, 40, got.Progress)
		assert.Equal(t, &step, got.CurrentStep)
		assert.Equal(t, "matching scenes", got.ProgressMessage)

		result := json.RawMessage(`{"scenes":[]}`)
		require.NoError(t, svc.Complete(ctx, workerToken, job.JobID, result))
		got, _ = store.GetByID(ctx, job.JobID)
		assert.Equal(t, domain.StatusCompleted, got.Status)
		assert.Equal(t, 100, got.Progress)
		assert.JSONEq(t, string(result), string(got.ResultData))
		assert.NotNil(t, got.CompletedAt)
	})

	t.Run("fail records error message", func(t *testing.T) {
		store := newFakeStore()
		svc := newTestService(store, allowAll{}, nil, false)
		job := createJob(t, svc, "user-1", domain.TypeScriptAnalysis)

		require.NoError(t, svc.Fail(ctx, workerToken, job.JobID, "model unavailable"))
		got, _ := store.GetByID(ctx, job.JobID)
		assert.Equal(t, domain.StatusFailed, got.Status)
		assert.Equal(t, "model unavailable", got.ErrorMessage)
		assert.NotNil(t, got.CompletedAt)
	})

	t.Run("terminal report on cancelled row is a no-op", func(t *testing.T) {
		store := newFakeStore()
		svc := newTestService(store, allowAll{}, nil, false)
		job := createJob(t, svc, "user-1", domain.TypeScriptAnalysis)
		require.NoError(t, svc.Start(ctx, workerToken, job.JobID))

		// User cancels while the worker is still executing.
		require.NoError(t, svc.Cancel(ctx, "user-1", job.JobID))

		// The worker's reports land without error and without effect.
		require.NoError(t, svc.UpdateProgress(ctx, workerToken, job.JobID, 90, nil, "late"))
		require.NoError(t, svc.Complete(ctx, workerToken, job.JobID, json.RawMessage(`{"late":true}`)))
		require.NoError(t, svc.Fail(ctx, workerToken, job.JobID, "late failure"))

		got, _ := store.GetByID(ctx, job.JobID)
		assert.Equal(t, domain.StatusCancelled, got.Status)
		assert.Empty(t, got.ResultData)
		assert.Empty(t, got.ErrorMessage)
		assert.NotEqual(t, 90, got.Progress)
	})

	t.Run("report on missing job surfaces not found", func(t *testing.T) {
		svc := newTestService(newFakeStore(), allowAll{}, nil, false)

		assert.ErrorIs(t, svc.Start(ctx, workerToken, "nonexistent"), domain.ErrJobNotFound)
		assert.ErrorIs(t, svc.Complete(ctx, workerToken, "nonexistent", nil), domain.ErrJobNotFound)
		assert.ErrorIs(t, svc.Fail(ctx, workerToken, "nonexistent", "x"), domain.ErrJobNotFound)
	})

	t.Run("completed row rejects further terminal reports", func(t *testing.T) {
		store := newFakeStore()
		svc := newTestService(store, allowAll{}, nil, false)
		job := createJob(t, svc, "user-1", domain.TypeScriptAnalysis)

		require.NoError(t, svc.Complete(ctx, workerToken, job.JobID, json.RawMessage(`{"v":1}`)))
		require.NoError(t, svc.Fail(ctx, workerToken, job.JobID, "late"))

		got, _ := store.GetByID(ctx, job.JobID)
		assert.Equal(t, domain.StatusCompleted, got.Status)
		assert.JSONEq(t, `{"v":1}`, string(got.ResultData))
		assert.Empty(t, got.ErrorMessage)
	})
}

func TestService_Pipeline(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	svc := newTestService(store, allowAll{}, nil, false)

	parent := createJob(t, svc, "user-1", domain.TypeScriptAnalysis)
	require.NoError(t, svc.Complete(ctx, workerToken, parent.JobID, json.RawMessage(`{"scenes":[]}`)))

	child, err := svc.CreateChild(ctx, workerToken, CreateParams{
		UserID:      parent.UserID,
		JobType:     domain.TypeShotMatching,
		InputData:   json.RawMessage(`{"parentJobId":"` + parent.JobID + `"}`),
		ParentJobID: &parent.JobID,
	})
	require.NoError(t, err)
	assert.Equal(t, parent.UserID, child.UserID)
	require.NotNil(t, child.ParentJobID)
	assert.Equal(t, parent.JobID, *child.ParentJobID)

	t.Run("attach child result appends to parent payload", func(t *testing.T) {
		require.NoError(t, svc.AttachChildResult(ctx, workerToken, parent.JobID, child.JobID))

		got, err := store.GetByID(ctx, parent.JobID)
		require.NoError(t, err)

		var result struct {
			ChildJobIDs []string `json:"childJobIds"`
		}
		require.NoError(t, json.Unmarshal(got.ResultData, &result))
		assert.Equal(t, []string{child.JobID}, result.ChildJobIDs)

		// Parent stays completed; the linkage is the only change.
		assert.Equal(t, domain.StatusCompleted, got.Status)
	})

	t.Run("list children", func(t *testing.T) {
		children, err := svc.ListChildren(ctx, workerToken, parent.JobID)
		require.NoError(t, err)
		require.Len(t, children, 1)
		assert.Equal(t, child.JobID, children[0].JobID)
	})

	t.Run("child failure does not touch the parent", func(t *testing.T) {
		require.NoError(t, svc.Fail(ctx, workerToken, child.JobID, "no matching shots"))

		got, err := store.GetByID(ctx, parent.JobID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusCompleted, got.Status)
	})
}

// TestService_EndToEnd walks one job through the whole lifecycle the
// way the API and worker services drive it in production.
func TestService_EndToEnd(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	notifier := &recordingNotifier{}
	svc := newTestService(store, allowAll{}, notifier, false)

	job, err := svc.Create(ctx, CreateParams{
		UserID:    "user-1",
		JobType:   domain.TypeScriptAnalysis,
		InputData: json.RawMessage(`{"script":"INT. LAB - NIGHT"}`),
	})
	require.NoError(t, err)

	// Worker polls, claims, starts.
	claimed, err := svc.ClaimPending(ctx, workerToken, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.NoError(t, svc.Start(ctx, workerToken, claimed[0].JobID))

	// Owner sees it as active.
	active, err := svc.ListActive(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, domain.StatusProcessing, active[0].Status)

	// Progress, then completion.
	require.NoError(t, svc.UpdateProgress(ctx, workerToken, job.JobID, 70, nil, "analyzing"))
	require.NoError(t, svc.Complete(ctx, workerToken, job.JobID, json.RawMessage(`{"scenes":[{"number":1}]}`)))

	got, err := svc.Get(ctx, "user-1", job.JobID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, got.Status)
	assert.Equal(t, 100, got.Progress)

	// Nothing left to claim.
	claimed, err = svc.ClaimPending(ctx, workerToken, 10)
	require.NoError(t, err)
	assert.Empty(t, claimed)
}
