// Package gateway is the client for the internal content gateway that
// fronts the AI providers and the entity CRUD services. Those systems
// are external collaborators of the job core; this client only carries
// the calls processors need.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/storyforge/storyforge-be/internal/jobs/domain"
)

// Config holds gateway client configuration.
type Config struct {
	BaseURL string
	Timeout time.Duration
}

// Client talks to the content gateway over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

// NewClient creates a gateway client.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}

	return &Client{
		baseURL: cfg.BaseURL,
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

type analyzeScriptRequest struct {
	Script string `json:"script"`
}

type analyzeScriptResponse struct {
	Scenes []domain.Scene `json:"scenes"`
}

// AnalyzeScript extracts a structured scene list from free script text.
func (c *Client) AnalyzeScript(ctx context.Context, script string) ([]domain.Scene, error) {
	body, err := c.post(ctx, "/v1/script/analyze", analyzeScriptRequest{Script: script})
	if err != nil {
		return nil, err
	}

	var resp analyzeScriptResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode analysis response: %w", err)
	}

	return resp.Scenes, nil
}

type generateImageRequest struct {
	Prompt string `json:"prompt"`
}

type generateImageResponse struct {
	AssetURL string `json:"asset_url"`
}

// GenerateImage issues a single paid generation call.
func (c *Client) GenerateImage(ctx context.Context, prompt string) (string, error) {
	body, err := c.post(ctx, "/v1/images/generate", generateImageRequest{Prompt: prompt})
	if err != nil {
		return "", err
	}

	var resp generateImageResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("failed to decode generation response: %w", err)
	}
	if resp.AssetURL == "" {
		return "", fmt.Errorf("gateway returned empty asset url")
	}

	return resp.AssetURL, nil
}

type matchSceneResponse struct {
	ShotID  string `json:"shot_id"`
	Matched bool   `json:"matched"`
}

// MatchScene resolves a scene against the project's existing shots.
func (c *Client) MatchScene(ctx context.Context, projectID string, scene domain.Scene) (string, bool, error) {
	path := fmt.Sprintf("/v1/projects/%s/shots/match?scene=%d&heading=%s",
		url.PathEscape(projectID), scene.Number, url.QueryEscape(scene.Heading))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return "", false, err
	}

	raw, err := c.do(req)
	if err != nil {
		return "", false, err
	}

	var resp matchSceneResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", false, fmt.Errorf("failed to decode match response: %w", err)
	}

	return resp.ShotID, resp.Matched, nil
}

func (c *Client) post(ctx context.Context, path string, payload any) ([]byte, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	return c.do(req)
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gateway request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read gateway response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("gateway returned status %d: %s", resp.StatusCode, body)
	}

	return body, nil
}
