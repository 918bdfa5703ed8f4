package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/storyforge/storyforge-be/internal/credits"
	"github.com/storyforge/storyforge-be/internal/jobs/domain"
)

// ImageProvider performs the external paid generation call.
type ImageProvider interface {
	GenerateImage(ctx context.Context, prompt string) (assetURL string, err error)
}

// ImageGenerationProcessor generates a batch of images. Credits are
// reserved per item before the paid call and refunded per item when
// the call fails. A batch with some failed items still completes; the
// result enumerates every item's outcome. The whole job fails only
// when nothing succeeded.
type ImageGenerationProcessor struct {
	ledger   credits.Ledger
	provider ImageProvider
	logger   *slog.Logger
}

// NewImageGenerationProcessor creates the batch generation processor.
func NewImageGenerationProcessor(ledger credits.Ledger, provider ImageProvider, logger *slog.Logger) *ImageGenerationProcessor {
	return &ImageGenerationProcessor{
		ledger:   ledger,
		provider: provider,
		logger:   logger,
	}
}

func (p *ImageGenerationProcessor) Type() string {
	return domain.TypeImageGeneration
}

func (p *ImageGenerationProcessor) Process(ctx context.Context, job *domain.Job, rep Reporter) (json.RawMessage, error) {
	var input domain.ImageGenerationInput
	if err := json.Unmarshal(job.InputData, &input); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
	}
	if len(input.Prompts) == 0 {
		return nil, fmt.Errorf("%w: no prompts", domain.ErrInvalidPayload)
	}
	if input.CreditsPerImage <= 0 {
		return nil, fmt.Errorf("%w: creditsPerImage must be positive", domain.ErrInvalidPayload)
	}

	items := make([]domain.GenerationItem, 0, len(input.Prompts))
	succeeded := 0
	total := len(input.Prompts)

	for i, prompt := range input.Prompts {
		items = append(items, p.generateOne(ctx, job, input.CreditsPerImage, prompt))
		if items[i].Succeeded {
			succeeded++
		}

		step := i + 1
		if err := rep.Progress(ctx, step*100/total, &step, fmt.Sprintf("Generated %d/%d images", step, total)); err != nil {
			return nil, err
		}
	}

	if succeeded == 0 {
		return nil, fmt.Errorf("all %d generation items failed", total)
	}

	p.logger.Info("Image batch finished",
		slog.String("job_id", job.JobID),
		slog.Int("succeeded", succeeded),
		slog.Int("total", total),
	)

	return json.Marshal(domain.ImageGenerationResult{Items: items})
}

// generateOne runs the spend-call-refund sequence for a single prompt.
// Spend happens strictly before the paid call; a failed call refunds
// the recorded transaction before the item is reported failed.
func (p *ImageGenerationProcessor) generateOne(ctx context.Context, job *domain.Job, amount int64, prompt string) domain.GenerationItem {
	metadata := map[string]string{
		"job_id":   job.JobID,
		"job_type": job.JobType,
	}

	txID, err := p.ledger.Spend(ctx, job.UserID, amount, "image generation", metadata)
	if err != nil {
		return domain.GenerationItem{
			Prompt:    prompt,
			Error:     fmt.Sprintf("credit reservation failed: %v", err),
			Succeeded: false,
		}
	}

	assetURL, err := p.provider.GenerateImage(ctx, prompt)
	if err != nil {
		if refundErr := p.ledger.Refund(ctx, job.UserID, amount, txID, "image generation failed", metadata); refundErr != nil {
			// The spend stands until the ledger reconciles; record both
			// failures on the item rather than dropping either.
			p.logger.Error("Refund failed after generation error",
				slog.String("job_id", job.JobID),
				slog.String("transaction_id", txID),
				slog.Any("error", refundErr),
			)
		}
		return domain.GenerationItem{
			Prompt:        prompt,
			TransactionID: txID,
			Error:         err.Error(),
			Succeeded:     false,
		}
	}

	return domain.GenerationItem{
		Prompt:        prompt,
		AssetURL:      assetURL,
		TransactionID: txID,
		Succeeded:     true,
	}
}
