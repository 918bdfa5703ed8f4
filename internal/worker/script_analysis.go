package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/storyforge/storyforge-be/internal/jobs/domain"
	"github.com/storyforge/storyforge-be/internal/jobs/pipeline"
)

// TextProvider performs the external script analysis call. The AI
// provider behind it is out of scope here.
type TextProvider interface {
	AnalyzeScript(ctx context.Context, script string) ([]domain.Scene, error)
}

// ScriptAnalysisProcessor is stage 1 of the script-to-shot-list
// pipeline: it extracts a structured scene list from free text, then
// enqueues the shot-matching stage as a child job and records the
// child id in its own result.
type ScriptAnalysisProcessor struct {
	provider TextProvider
	orch     *pipeline.Orchestrator
	logger   *slog.Logger
}

// NewScriptAnalysisProcessor creates the stage-1 processor.
func NewScriptAnalysisProcessor(provider TextProvider, orch *pipeline.Orchestrator, logger *slog.Logger) *ScriptAnalysisProcessor {
	return &ScriptAnalysisProcessor{
		provider: provider,
		orch:     orch,
		logger:   logger,
	}
}

func (p *ScriptAnalysisProcessor) Type() string {
	return domain.TypeScriptAnalysis
}

func (p *ScriptAnalysisProcessor) Process(ctx context.Context, job *domain.Job, rep Reporter) (json.RawMessage, error) {
	var input domain.ScriptAnalysisInput
	if err := json.Unmarshal(job.InputData, &input); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
	}
	if input.ScriptText == "" {
		return nil, fmt.Errorf("%w: empty script text", domain.ErrInvalidPayload)
	}

	if err := rep.Progress(ctx, 10, nil, "Analyzing script"); err != nil {
		return nil, err
	}

	scenes, err := p.provider.AnalyzeScript(ctx, input.ScriptText)
	if err != nil {
		return nil, fmt.Errorf("script analysis failed: %w", err)
	}

	if err := rep.Progress(ctx, 70, nil, fmt.Sprintf("Extracted %d scenes", len(scenes))); err != nil {
		return nil, err
	}

	child, err := p.orch.SpawnStage(ctx, job, domain.TypeShotMatching, domain.ShotMatchingInput{
		ProjectID:   input.ProjectID,
		ParentJobID: job.JobID,
		SourceJobID: job.JobID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue shot matching: %w", err)
	}

	p.logger.Info("Shot matching stage enqueued",
		slog.String("parent_job_id", job.JobID),
		slog.String("child_job_id", child.JobID),
	)

	result := domain.ScriptAnalysisResult{
		Scenes:      scenes,
		ChildJobIDs: []string{child.JobID},
	}

	return json.Marshal(result)
}
