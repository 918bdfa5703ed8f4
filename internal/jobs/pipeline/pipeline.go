// Package pipeline implements the multi-stage job convention: a stage
// enqueues the next stage as a child job carrying a reference to the
// pipeline parent, and a completing stage links its own id back into
// the parent's result payload for traceability.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/storyforge/storyforge-be/internal/jobs/domain"
	"github.com/storyforge/storyforge-be/internal/jobs/service"
)

// Stager is the slice of the job service the orchestrator drives.
type Stager interface {
	CreateChild(ctx context.Context, cred string, params service.CreateParams) (*domain.Job, error)
	AttachChildResult(ctx context.Context, cred, parentJobID, childJobID string) error
}

// Orchestrator spawns and links pipeline stages on behalf of a worker.
type Orchestrator struct {
	stager Stager
	cred   string
	logger *slog.Logger
}

// NewOrchestrator creates an Orchestrator using the worker credential
// for all privileged calls.
func NewOrchestrator(stager Stager, cred string, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		stager: stager,
		cred:   cred,
		logger: logger,
	}
}

// SpawnStage enqueues the next stage of a pipeline as a child of
// parent. The child inherits the parent's owner and project, records
// the parent id in its own row, and carries the typed input payload.
// Failure of a spawned stage later surfaces only as that stage's own
// failed status; siblings and the parent are not rolled back.
func (o *Orchestrator) SpawnStage(ctx context.Context, parent *domain.Job, jobType string, input any) (*domain.Job, error) {
	encoded, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("failed to encode stage input: %w", err)
	}

	parentID := parent.JobID
	child, err := o.stager.CreateChild(ctx, o.cred, service.CreateParams{
		UserID:      parent.UserID,
		JobType:     jobType,
		InputData:   encoded,
		ProjectID:   parent.ProjectID,
		ParentJobID: &parentID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to spawn stage %s: %w", jobType, err)
	}

	o.logger.Info("Pipeline stage spawned",
		slog.String("parent_job_id", parent.JobID),
		slog.String("child_job_id", child.JobID),
		slog.String("job_type", jobType),
	)

	return child, nil
}

// LinkChild appends childJobID to the parent's result payload. Called
// by a completing stage so the parent records every stage spawned on
// its behalf, including ones that finished after the parent completed.
func (o *Orchestrator) LinkChild(ctx context.Context, parentJobID, childJobID string) error {
	return o.stager.AttachChildResult(ctx, o.cred, parentJobID, childJobID)
}

// ParentRef identifies the pipeline ancestry carried inside a stage's
// input payload. Kept alongside the parent_job_id column for payload
// compatibility with readers that only see the blobs.
type ParentRef struct {
	ParentJobID string `json:"parentJobId"`
	SourceJobID string `json:"sourceJobId,omitempty"`
}

// DecodeParentRef extracts the ancestry references from a stage input.
func DecodeParentRef(input json.RawMessage) (ParentRef, error) {
	var ref ParentRef
	if err := json.Unmarshal(input, &ref); err != nil {
		return ParentRef{}, fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
	}
	if ref.ParentJobID == "" {
		return ParentRef{}, fmt.Errorf("%w: missing parentJobId", domain.ErrInvalidPayload)
	}
	return ref, nil
}
