package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// FakeProvider returns deterministic output without calling a model. Structured
// requests get a minimal document that satisfies the schema.
type FakeProvider struct {
	mu       sync.Mutex
	requests []GenerateRequest
	videos   map[string]int

	// Reply, when set, overrides the generated text.
	Reply func(GenerateRequest) (string, error)
	// VideoPolls is how many status checks a fake video takes to finish.
	VideoPolls int
}

// NewFakeProvider creates a fake provider.
func NewFakeProvider() *FakeProvider {
	return &FakeProvider{videos: make(map[string]int), VideoPolls: 1}
}

// Name returns the provider name.
func (f *FakeProvider) Name() string { return "fake" }

// Generate records req and returns canned output.
func (f *FakeProvider) Generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()

	if f.Reply != nil {
		text, err := f.Reply(req)
		if err != nil {
			return nil, err
		}
		return &GenerateResponse{Text: text, Model: "fake"}, nil
	}
	if req.Schema == nil {
		return &GenerateResponse{Text: "Sample response for: " + firstLine(req.Prompt), Model: "fake"}, nil
	}
	doc, err := json.Marshal(sampleFor(req.Schema))
	if err != nil {
		return nil, err
	}
	return &GenerateResponse{Text: string(doc), Model: "fake"}, nil
}

// Requests returns the prompts received so far.
func (f *FakeProvider) Requests() []GenerateRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]GenerateRequest(nil), f.requests...)
}

// StartVideo starts a fake operation.
func (f *FakeProvider) StartVideo(ctx context.Context, prompt string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	name := fmt.Sprintf("operations/fake-%d", len(f.videos)+1)
	f.videos[name] = 0
	return name, nil
}

// VideoStatus reports done after VideoPolls checks.
func (f *FakeProvider) VideoStatus(ctx context.Context, operation string) (*VideoStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.videos[operation]
	if !ok {
		return &VideoStatus{Done: true, Error: "unknown operation"}, nil
	}
	n++
	f.videos[operation] = n
	if n < f.VideoPolls {
		return &VideoStatus{}, nil
	}
	return &VideoStatus{Done: true, URI: "https://example.invalid/" + strings.TrimPrefix(operation, "operations/") + ".mp4"}, nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 80 {
		s = s[:80]
	}
	return s
}

func sampleFor(schema Schema) interface{} {
	switch schema["type"] {
	case "object":
		props, _ := asSchema(schema["properties"])
		keys := make([]string, 0, len(props))
		for k := range props {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make(map[string]interface{}, len(props))
		for _, k := range keys {
			if sub, ok := asSchema(props[k]); ok {
				out[k] = sampleFor(sub)
			}
		}
		return out
	case "array":
		if items, ok := asSchema(schema["items"]); ok {
			return []interface{}{sampleFor(items)}
		}
		return []interface{}{}
	case "integer", "number":
		return 1
	case "boolean":
		return true
	default:
		return "sample"
	}
}

func asSchema(v interface{}) (Schema, bool) {
	switch m := v.(type) {
	case Schema:
		return m, true
	case map[string]interface{}:
		return Schema(m), true
	}
	return nil, false
}
