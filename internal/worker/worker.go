// Package worker implements the out-of-process job runtime: a poll
// loop that claims batches of pending jobs and a goroutine pool that
// executes them through registered processors. Coordination between
// worker processes happens only through the job store.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/storyforge/storyforge-be/internal/jobs/domain"
)

// Lifecycle is the slice of the job service the runtime drives.
type Lifecycle interface {
	ClaimPending(ctx context.Context, cred string, limit int) ([]domain.Job, error)
	Start(ctx context.Context, cred, jobID string) error
	UpdateProgress(ctx context.Context, cred, jobID string, progress int, currentStep *int, message string) error
	Complete(ctx context.Context, cred, jobID string, result json.RawMessage) error
	Fail(ctx context.Context, cred, jobID, errorMessage string) error
}

// Config holds worker runtime configuration.
type Config struct {
	Logger       *slog.Logger
	Service      Lifecycle
	Registry     *Registry
	Credential   string
	Concurrency  int
	PollInterval time.Duration
	BatchSize    int
	// AtomicClaim mirrors the service's claim mode: when true, claimed
	// jobs arrive already processing and Start is skipped.
	AtomicClaim bool
	// Wakeups optionally shortens claim latency; nil means poll only.
	Wakeups <-chan struct{}
}

// Worker is the poll-and-process runtime.
type Worker struct {
	logger       *slog.Logger
	service      Lifecycle
	registry     *Registry
	credential   string
	concurrency  int
	pollInterval time.Duration
	batchSize    int
	atomicClaim  bool
	wakeups      <-chan struct{}

	jobsChan chan domain.Job
	wg       sync.WaitGroup
	stopChan chan struct{}
	stopOnce sync.Once
}

// NewWorker creates a new worker instance.
func NewWorker(cfg *Config) *Worker {
	return &Worker{
		logger:       cfg.Logger,
		service:      cfg.Service,
		registry:     cfg.Registry,
		credential:   cfg.Credential,
		concurrency:  cfg.Concurrency,
		pollInterval: cfg.PollInterval,
		batchSize:    cfg.BatchSize,
		atomicClaim:  cfg.AtomicClaim,
		wakeups:      cfg.Wakeups,
		jobsChan:     make(chan domain.Job),
		stopChan:     make(chan struct{}),
	}
}

// Start spawns the processing pool and runs the claim loop until the
// context is cancelled or Stop is called.
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting worker",
		slog.Int("concurrency", w.concurrency),
		slog.Duration("poll_interval", w.pollInterval),
		slog.Int("batch_size", w.batchSize),
		slog.Bool("atomic_claim", w.atomicClaim),
	)

	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.processLoop(ctx, i)
	}

	// The claim loop is the only sender on jobsChan; closing it on the
	// way out lets the pool drain everything already handed over.
	defer close(w.jobsChan)

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		if err := w.claimBatch(ctx); err != nil {
			w.logger.Error("Claim failed",
				slog.Any("error", err),
			)
		}

		select {
		case <-ctx.Done():
			w.logger.Info("Worker context canceled, stopping...")
			return nil
		case <-w.stopChan:
			return nil
		case <-ticker.C:
		case _, ok := <-w.wakeups:
			if !ok {
				// The broker dropped and the hint channel was closed. A
				// closed channel fires on every select, which would turn
				// this loop into a claim storm; poll only from here on.
				w.logger.Warn("Wakeup channel closed, claiming on poll interval only")
				w.wakeups = nil
			}
			// A job was just created (or the hints just went away);
			// claim ahead of the next tick either way.
		}
	}
}

// Stop gracefully stops the worker: the claim loop hands over the
// batch it already claimed, then the pool drains it before Stop
// returns.
func (w *Worker) Stop() {
	w.logger.Info("Stopping worker...")
	w.stopOnce.Do(func() {
		close(w.stopChan)
	})
	w.wg.Wait()
	w.logger.Info("Worker stopped")
}

// claimBatch pulls up to batchSize pending jobs and hands them to the
// pool. Claimed jobs are dispatched before the next claim so a slow
// pool applies backpressure to claiming. A stop request does not
// interrupt the handover: in atomic mode the claimed rows are already
// processing, and dropping them here would abandon them the same way a
// crash does. Only context cancellation cuts the batch short.
func (w *Worker) claimBatch(ctx context.Context) error {
	jobs, err := w.service.ClaimPending(ctx, w.credential, w.batchSize)
	if err != nil {
		return err
	}

	for _, job := range jobs {
		select {
		case w.jobsChan <- job:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return nil
}

// processLoop is the main processing loop for each pool goroutine.
func (w *Worker) processLoop(ctx context.Context, workerNum int) {
	defer w.wg.Done()

	logger := w.logger.With(slog.Int("worker_num", workerNum))
	logger.Info("Worker goroutine started")

	for {
		select {
		case <-ctx.Done():
			logger.Info("Worker goroutine stopping - context canceled")
			return
		case job, ok := <-w.jobsChan:
			if !ok {
				logger.Info("Worker goroutine stopping")
				return
			}
			w.processJob(ctx, &job, logger)
		}
	}
}

// processJob runs one claimed job end to end: start (unless the claim
// already started it), execute, report the terminal status. Terminal
// reports against a job the user cancelled mid-flight land as no-ops.
func (w *Worker) processJob(ctx context.Context, job *domain.Job, logger *slog.Logger) {
	logger.Info("Processing job",
		slog.String("job_id", job.JobID),
		slog.String("job_type", job.JobType),
	)

	if !w.atomicClaim {
		if err := w.service.Start(ctx, w.credential, job.JobID); err != nil {
			logger.Error("Failed to start job",
				slog.String("job_id", job.JobID),
				slog.Any("error", err),
			)
			return
		}
	}

	processor, ok := w.registry.Lookup(job.JobType)
	if !ok {
		logger.Error("No processor for job type",
			slog.String("job_id", job.JobID),
			slog.String("job_type", job.JobType),
		)
		w.reportFailure(ctx, job.JobID, fmt.Errorf("%w: %s", domain.ErrUnknownJobType, job.JobType), logger)
		return
	}

	rep := &progressReporter{
		service:    w.service,
		credential: w.credential,
		jobID:      job.JobID,
	}

	result, err := processor.Process(ctx, job, rep)
	if err != nil {
		logger.Error("Job execution failed",
			slog.String("job_id", job.JobID),
			slog.String("job_type", job.JobType),
			slog.Any("error", err),
		)
		w.reportFailure(ctx, job.JobID, err, logger)
		return
	}

	if err := w.service.Complete(ctx, w.credential, job.JobID, result); err != nil {
		logger.Error("Failed to mark job completed",
			slog.String("job_id", job.JobID),
			slog.Any("error", err),
		)
		return
	}

	logger.Info("Job completed successfully",
		slog.String("job_id", job.JobID),
		slog.String("job_type", job.JobType),
	)
}

func (w *Worker) reportFailure(ctx context.Context, jobID string, cause error, logger *slog.Logger) {
	// A cancelled context cannot carry the Fail call; fall back to a
	// short detached deadline so the failure is still recorded.
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}

	if err := w.service.Fail(ctx, w.credential, jobID, cause.Error()); err != nil &&
		!errors.Is(err, domain.ErrJobNotFound) {
		logger.Error("Failed to mark job failed",
			slog.String("job_id", jobID),
			slog.Any("error", err),
		)
	}
}

// progressReporter forwards progress updates through the lifecycle API.
type progressReporter struct {
	service    Lifecycle
	credential string
	jobID      string
}

func (r *progressReporter) Progress(ctx context.Context, progress int, currentStep *int, message string) error {
	return r.service.UpdateProgress(ctx, r.credential, r.jobID, progress, currentStep, message)
}
