package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/storyforge/storyforge-be/internal/jobs/domain"
	"github.com/storyforge/storyforge-be/internal/jobs/pipeline"
)

// JobReader reads jobs without ownership scoping, already bound to a
// worker credential. Pipeline stages use it to consume a predecessor's
// result as their own input.
type JobReader interface {
	GetJob(ctx context.Context, jobID string) (*domain.Job, error)
}

// ShotInventory resolves an extracted scene against the project's
// existing shots. The shot CRUD itself lives outside this core.
type ShotInventory interface {
	MatchScene(ctx context.Context, projectID string, scene domain.Scene) (shotID string, matched bool, err error)
}

// ShotMatchingProcessor is stage 2 of the script-to-shot-list
// pipeline: it cross-references the stage-1 scene list against the
// project's shots and links itself back into the parent's result.
type ShotMatchingProcessor struct {
	jobs      JobReader
	inventory ShotInventory
	orch      *pipeline.Orchestrator
	logger    *slog.Logger
}

// NewShotMatchingProcessor creates the stage-2 processor.
func NewShotMatchingProcessor(jobs JobReader, inventory ShotInventory, orch *pipeline.Orchestrator, logger *slog.Logger) *ShotMatchingProcessor {
	return &ShotMatchingProcessor{
		jobs:      jobs,
		inventory: inventory,
		orch:      orch,
		logger:    logger,
	}
}

func (p *ShotMatchingProcessor) Type() string {
	return domain.TypeShotMatching
}

func (p *ShotMatchingProcessor) Process(ctx context.Context, job *domain.Job, rep Reporter) (json.RawMessage, error) {
	var input domain.ShotMatchingInput
	if err := json.Unmarshal(job.InputData, &input); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
	}
	if input.SourceJobID == "" || input.ParentJobID == "" {
		return nil, fmt.Errorf("%w: missing pipeline references", domain.ErrInvalidPayload)
	}

	source, err := p.jobs.GetJob(ctx, input.SourceJobID)
	if err != nil {
		return nil, fmt.Errorf("failed to read source stage %s: %w", input.SourceJobID, err)
	}
	if source.Status != domain.StatusCompleted || len(source.ResultData) == 0 {
		return nil, fmt.Errorf("source stage %s has no result (status %s)", source.JobID, source.Status)
	}

	var analysis domain.ScriptAnalysisResult
	if err := json.Unmarshal(source.ResultData, &analysis); err != nil {
		return nil, fmt.Errorf("%w: source result: %v", domain.ErrInvalidPayload, err)
	}

	matches := make([]domain.ShotMatch, 0, len(analysis.Scenes))
	total := len(analysis.Scenes)
	for i, scene := range analysis.Scenes {
		shotID, matched, err := p.inventory.MatchScene(ctx, input.ProjectID, scene)
		if err != nil {
			return nil, fmt.Errorf("shot lookup failed for scene %d: %w", scene.Number, err)
		}

		matches = append(matches, domain.ShotMatch{
			SceneNumber: scene.Number,
			ShotID:      shotID,
			Matched:     matched,
		})

		if total > 0 {
			step := i + 1
			progress := step * 90 / total
			if err := rep.Progress(ctx, progress, &step, fmt.Sprintf("Matched %d/%d scenes", step, total)); err != nil {
				return nil, err
			}
		}
	}

	// Link this stage into the pipeline parent's result. The parent
	// completed long ago; this is the sanctioned post-completion write.
	if err := p.orch.LinkChild(ctx, input.ParentJobID, job.JobID); err != nil {
		p.logger.Warn("Failed to link stage into parent result",
			slog.String("parent_job_id", input.ParentJobID),
			slog.String("job_id", job.JobID),
			slog.Any("error", err),
		)
	}

	return json.Marshal(domain.ShotMatchingResult{Matches: matches})
}
