package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	geminiAPIURL         = "https://generativelanguage.googleapis.com/v1beta"
	geminiMaxRetries     = 3
	geminiInitialBackoff = 2 * time.Second

	// DefaultGeminiModel is used when no model is configured.
	DefaultGeminiModel = "gemini-2.0-flash"
	// DefaultVideoModel is used for video generation when none is configured.
	DefaultVideoModel = "veo-2.0-generate-001"
)

// GeminiConfig configures a GeminiClient.
type GeminiConfig struct {
	APIKey     string
	Model      string
	VideoModel string
	BaseURL    string
	// Timeout is per request; zero means five minutes.
	Timeout time.Duration
	// InitialBackoff overrides the first retry delay.
	InitialBackoff time.Duration
}

// GeminiClient calls the Gemini generateContent and long-running video APIs.
type GeminiClient struct {
	apiKey     string
	model      string
	videoModel string
	baseURL    string
	backoff    time.Duration
	client     *http.Client
}

// NewGeminiClient creates a Gemini client.
func NewGeminiClient(cfg GeminiConfig) *GeminiClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = geminiAPIURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultGeminiModel
	}
	if cfg.VideoModel == "" {
		cfg.VideoModel = DefaultVideoModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = geminiInitialBackoff
	}
	return &GeminiClient{
		apiKey:     cfg.APIKey,
		model:      strings.TrimPrefix(cfg.Model, "gemini:"),
		videoModel: cfg.VideoModel,
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		backoff:    cfg.InitialBackoff,
		client:     newHTTPClient(cfg.Timeout),
	}
}

// Name returns the provider name.
func (c *GeminiClient) Name() string {
	return "gemini"
}

type geminiRequest struct {
	Contents          []geminiContent         `json:"contents"`
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text,omitempty"`
}

type geminiGenerationConfig struct {
	MaxOutputTokens  int     `json:"maxOutputTokens,omitempty"`
	Temperature      float64 `json:"temperature,omitempty"`
	ResponseMimeType string  `json:"responseMimeType,omitempty"`
	ResponseSchema   Schema  `json:"responseSchema,omitempty"`
}

type geminiResponse struct {
	Candidates     []geminiCandidate     `json:"candidates"`
	UsageMetadata  *geminiUsageMetadata  `json:"usageMetadata"`
	PromptFeedback *geminiPromptFeedback `json:"promptFeedback,omitempty"`
}

type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason"`
}

type geminiPromptFeedback struct {
	BlockReason string `json:"blockReason,omitempty"`
}

type geminiUsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
}

type geminiError struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// Generate sends one prompt to generateContent. A schema switches the response
// to JSON mode.
func (c *GeminiClient) Generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error) {
	model := c.model
	if req.Model != "" {
		model = strings.TrimPrefix(req.Model, "gemini:")
	}

	body := geminiRequest{
		Contents: []geminiContent{{Role: "user", Parts: []geminiPart{{Text: req.Prompt}}}},
	}
	if req.System != "" {
		body.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: req.System}}}
	}
	if req.MaxTokens > 0 || req.Temperature > 0 || req.Schema != nil {
		body.GenerationConfig = &geminiGenerationConfig{
			MaxOutputTokens: req.MaxTokens,
			Temperature:     req.Temperature,
		}
		if req.Schema != nil {
			body.GenerationConfig.ResponseMimeType = "application/json"
			body.GenerationConfig.ResponseSchema = req.Schema
		}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", c.baseURL, model, c.apiKey)
	log.Debug().Str("model", model).Bool("structured", req.Schema != nil).Msg("Gemini generate request")

	respBody, err := c.do(ctx, http.MethodPost, url, payload)
	if err != nil {
		return nil, err
	}

	var resp geminiResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
		log.Warn().Str("block_reason", resp.PromptFeedback.BlockReason).Msg("Gemini blocked the prompt")
		return nil, fmt.Errorf("prompt blocked by Gemini: %s", resp.PromptFeedback.BlockReason)
	}
	if len(resp.Candidates) == 0 {
		return nil, errors.New("no response candidates returned")
	}
	candidate := resp.Candidates[0]
	if candidate.FinishReason == "SAFETY" {
		return nil, errors.New("response blocked by Gemini safety filters")
	}

	var text strings.Builder
	for _, part := range candidate.Content.Parts {
		text.WriteString(part.Text)
	}
	out := &GenerateResponse{Text: text.String(), Model: model}
	if resp.UsageMetadata != nil {
		out.InputTokens = resp.UsageMetadata.PromptTokenCount
		out.OutputTokens = resp.UsageMetadata.CandidatesTokenCount
	}
	return out, nil
}

type videoRequest struct {
	Instances  []videoInstance `json:"instances"`
	Parameters videoParameters `json:"parameters"`
}

type videoInstance struct {
	Prompt string `json:"prompt"`
}

type videoParameters struct {
	AspectRatio     string `json:"aspectRatio,omitempty"`
	DurationSeconds int    `json:"durationSeconds,omitempty"`
}

type operationResponse struct {
	Name     string `json:"name"`
	Done     bool   `json:"done"`
	Error    *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
	Response *struct {
		GenerateVideoResponse struct {
			GeneratedSamples []struct {
				Video struct {
					URI string `json:"uri"`
				} `json:"video"`
			} `json:"generatedSamples"`
		} `json:"generateVideoResponse"`
	} `json:"response,omitempty"`
}

// StartVideo begins a long-running video generation and returns its operation name.
func (c *GeminiClient) StartVideo(ctx context.Context, prompt string) (string, error) {
	payload, err := json.Marshal(videoRequest{
		Instances:  []videoInstance{{Prompt: prompt}},
		Parameters: videoParameters{AspectRatio: "16:9"},
	})
	if err != nil {
		return "", err
	}
	url := fmt.Sprintf("%s/models/%s:predictLongRunning?key=%s", c.baseURL, c.videoModel, c.apiKey)
	body, err := c.do(ctx, http.MethodPost, url, payload)
	if err != nil {
		return "", err
	}
	var op operationResponse
	if err := json.Unmarshal(body, &op); err != nil {
		return "", fmt.Errorf("failed to parse operation: %w", err)
	}
	if op.Name == "" {
		return "", errors.New("video operation has no name")
	}
	log.Info().Str("operation", op.Name).Str("model", c.videoModel).Msg("Video generation started")
	return op.Name, nil
}

// VideoStatus fetches a video operation.
func (c *GeminiClient) VideoStatus(ctx context.Context, operation string) (*VideoStatus, error) {
	url := fmt.Sprintf("%s/%s?key=%s", c.baseURL, strings.TrimPrefix(operation, "/"), c.apiKey)
	body, err := c.do(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	var op operationResponse
	if err := json.Unmarshal(body, &op); err != nil {
		return nil, fmt.Errorf("failed to parse operation: %w", err)
	}
	status := &VideoStatus{Done: op.Done}
	if op.Error != nil {
		status.Done = true
		status.Error = op.Error.Message
	}
	if op.Response != nil {
		if samples := op.Response.GenerateVideoResponse.GeneratedSamples; len(samples) > 0 {
			status.URI = samples[0].Video.URI
		}
	}
	return status, nil
}

// do performs a request, retrying transient failures with exponential backoff.
func (c *GeminiClient) do(ctx context.Context, method, url string, payload []byte) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= geminiMaxRetries; attempt++ {
		if attempt > 0 {
			backoff := c.backoff * time.Duration(1<<(attempt-1))
			log.Warn().
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Str("last_error", lastErr.Error()).
				Msg("Retrying Gemini API request after transient error")
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, reader)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = fmt.Errorf("connection error: %w", err)
			continue
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("failed to read response: %w", err)
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			lastErr = fmt.Errorf("API error (%d): %s", resp.StatusCode, errorMessage(body))
			continue
		}
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, errorMessage(body))
		}
		return body, nil
	}
	return nil, fmt.Errorf("request failed after %d retries: %w", geminiMaxRetries, lastErr)
}

func errorMessage(body []byte) string {
	var e geminiError
	if err := json.Unmarshal(body, &e); err == nil && e.Error.Message != "" {
		return e.Error.Message
	}
	return string(body)
}
