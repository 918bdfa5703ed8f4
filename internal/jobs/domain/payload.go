package domain

import (
	"encoding/json"
	"fmt"
)

// Job types shipped with the worker runtime. The store itself is
// agnostic to these values; they select which processor interprets
// InputData and produces ResultData.
const (
	TypeScriptAnalysis  = "script_analysis"
	TypeShotMatching    = "shot_matching"
	TypeImageGeneration = "image_generation"
)

// ScriptAnalysisInput is the stage-1 payload of the script-to-shot-list
// pipeline: free text in, structured scene list out.
type ScriptAnalysisInput struct {
	ProjectID  string `json:"projectId"`
	ScriptText string `json:"scriptText"`
}

// Scene is one extracted unit of a script analysis result.
type Scene struct {
	Number      int    `json:"number"`
	Heading     string `json:"heading"`
	Description string `json:"description"`
	Characters  []string `json:"characters,omitempty"`
}

// ScriptAnalysisResult is the stage-1 result. ChildJobIDs carries the
// ids of follow-up stages appended after this job has completed.
type ScriptAnalysisResult struct {
	Scenes      []Scene  `json:"scenes"`
	ChildJobIDs []string `json:"childJobIds,omitempty"`
}

// ShotMatchingInput is the stage-2 payload. ParentJobID points at the
// pipeline parent; SourceJobID at the stage whose result this stage
// consumes as its own input.
type ShotMatchingInput struct {
	ProjectID   string `json:"projectId"`
	ParentJobID string `json:"parentJobId"`
	SourceJobID string `json:"sourceJobId"`
}

// ShotMatch pairs an extracted scene with an existing shot, if any.
type ShotMatch struct {
	SceneNumber int    `json:"sceneNumber"`
	ShotID      string `json:"shotId,omitempty"`
	Matched     bool   `json:"matched"`
}

// ShotMatchingResult is the stage-2 result.
type ShotMatchingResult struct {
	Matches []ShotMatch `json:"matches"`
}

// ImageGenerationInput describes a batch of paid generation calls.
// CreditsPerImage is reserved against the ledger before each call.
type ImageGenerationInput struct {
	ProjectID       string   `json:"projectId"`
	Prompts         []string `json:"prompts"`
	CreditsPerImage int64    `json:"creditsPerImage"`
}

// GenerationItem records the per-prompt outcome. A batch with some
// failed items still completes the job; the result enumerates them.
type GenerationItem struct {
	Prompt        string `json:"prompt"`
	AssetURL      string `json:"assetUrl,omitempty"`
	TransactionID string `json:"transactionId,omitempty"`
	Error         string `json:"error,omitempty"`
	Succeeded     bool   `json:"succeeded"`
}

// ImageGenerationResult is the batch outcome payload.
type ImageGenerationResult struct {
	Items []GenerationItem `json:"items"`
}

// DecodeInput unmarshals raw input data into the typed payload for the
// given job type. Unknown types pass through as raw JSON so the store
// stays agnostic to processor-private types.
func DecodeInput(jobType string, raw json.RawMessage) (any, error) {
	var (
		v   any
		err error
	)
	switch jobType {
	case TypeScriptAnalysis:
		var in ScriptAnalysisInput
		err = json.Unmarshal(raw, &in)
		v = in
	case TypeShotMatching:
		var in ShotMatchingInput
		err = json.Unmarshal(raw, &in)
		v = in
	case TypeImageGeneration:
		var in ImageGenerationInput
		err = json.Unmarshal(raw, &in)
		v = in
	default:
		return raw, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, jobType, err)
	}
	return v, nil
}
