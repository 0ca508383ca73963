// Package ai wraps the hosted text-generation model used by the learning flows.
package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidOutput is returned when structured output does not decode.
var ErrInvalidOutput = errors.New("model returned invalid structured output")

// Schema is a JSON-schema style description of structured output, in the
// subset accepted by the model API.
type Schema map[string]interface{}

// GenerateRequest is a single prompt to the model.
type GenerateRequest struct {
	Prompt string `json:"prompt"`
	System string `json:"system,omitempty"`
	// Model overrides the provider default.
	Model       string  `json:"model,omitempty"`
	Schema      Schema  `json:"schema,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
}

// GenerateResponse is the model output.
type GenerateResponse struct {
	Text         string `json:"text"`
	Model        string `json:"model"`
	InputTokens  int    `json:"input_tokens,omitempty"`
	OutputTokens int    `json:"output_tokens,omitempty"`
}

// Provider generates text from a prompt.
type Provider interface {
	Generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error)
	Name() string
}

// VideoProvider starts long-running video generations and reports on them.
type VideoProvider interface {
	StartVideo(ctx context.Context, prompt string) (operation string, err error)
	VideoStatus(ctx context.Context, operation string) (*VideoStatus, error)
}

// VideoStatus is the state of a video operation.
type VideoStatus struct {
	Done  bool   `json:"done"`
	URI   string `json:"uri,omitempty"`
	Error string `json:"error,omitempty"`
}

// GenerateObject requests JSON output matching req.Schema and decodes it into out.
func GenerateObject(ctx context.Context, p Provider, req GenerateRequest, out interface{}) (*GenerateResponse, error) {
	if req.Schema == nil {
		return nil, errors.New("structured generation requires a schema")
	}
	resp, err := p.Generate(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(stripFence(resp.Text)), out); err != nil {
		return resp, fmt.Errorf("%w: %v", ErrInvalidOutput, err)
	}
	return resp, nil
}

// stripFence removes a markdown code fence some models wrap JSON in.
func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "```"))
}
