package ai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGemini(url string) *GeminiClient {
	return NewGeminiClient(GeminiConfig{
		APIKey:         "test-key",
		Model:          "gemini:test-model",
		VideoModel:     "test-video",
		BaseURL:        url,
		InitialBackoff: time.Millisecond,
	})
}

func TestGeminiGenerateStructured(t *testing.T) {
	var got geminiRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/models/test-model:generateContent", r.URL.Path)
		assert.Equal(t, "test-key", r.URL.Query().Get("key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{
			"candidates":[{"content":{"parts":[{"text":"{\"reply\":"},{"text":"\"hi\"}"}]},"finishReason":"STOP"}],
			"usageMetadata":{"promptTokenCount":12,"candidatesTokenCount":3}
		}`))
	}))
	defer srv.Close()

	c := newTestGemini(srv.URL)
	var out struct {
		Reply string `json:"reply"`
	}
	resp, err := GenerateObject(context.Background(), c, GenerateRequest{
		Prompt: "hello",
		System: "be brief",
		Schema: Schema{"type": "object"},
	}, &out)
	require.NoError(t, err)

	assert.Equal(t, "hi", out.Reply)
	assert.Equal(t, "test-model", resp.Model)
	assert.Equal(t, 12, resp.InputTokens)
	assert.Equal(t, 3, resp.OutputTokens)

	require.NotNil(t, got.GenerationConfig)
	assert.Equal(t, "application/json", got.GenerationConfig.ResponseMimeType)
	assert.Equal(t, "object", got.GenerationConfig.ResponseSchema["type"])
	require.NotNil(t, got.SystemInstruction)
	assert.Equal(t, "be brief", got.SystemInstruction.Parts[0].Text)
	assert.Equal(t, "hello", got.Contents[0].Parts[0].Text)
}

func TestGeminiRetriesTransientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":{"code":429,"message":"slow down"}}`))
			return
		}
		_, _ = w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"ok"}]}}]}`))
	}))
	defer srv.Close()

	resp, err := newTestGemini(srv.URL).Generate(context.Background(), GenerateRequest{Prompt: "x"})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Text)
	assert.Equal(t, int32(3), calls.Load())
}

func TestGeminiGivesUpAfterRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := newTestGemini(srv.URL).Generate(context.Background(), GenerateRequest{Prompt: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 3 retries")
	assert.Equal(t, int32(geminiMaxRetries+1), calls.Load())
}

func TestGeminiClientErrorsAreNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"code":400,"message":"API key not valid"}}`))
	}))
	defer srv.Close()

	_, err := newTestGemini(srv.URL).Generate(context.Background(), GenerateRequest{Prompt: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "API key not valid")
	assert.Equal(t, int32(1), calls.Load())
}

func TestGeminiBlockedResponses(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"prompt_blocked", `{"promptFeedback":{"blockReason":"SAFETY"}}`, "prompt blocked"},
		{"no_candidates", `{"candidates":[]}`, "no response candidates"},
		{"safety_finish", `{"candidates":[{"content":{"parts":[]},"finishReason":"SAFETY"}]}`, "safety filters"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := newTestGemini(srv.URL).Generate(context.Background(), GenerateRequest{Prompt: "x"})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestGeminiVideoOperations(t *testing.T) {
	var polls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/models/test-video:predictLongRunning":
			var req videoRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "a cat learning Go", req.Instances[0].Prompt)
			_, _ = w.Write([]byte(`{"name":"models/test-video/operations/op1"}`))
		case r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/operations/op1"):
			if polls.Add(1) == 1 {
				_, _ = w.Write([]byte(`{"name":"op1","done":false}`))
				return
			}
			_, _ = w.Write([]byte(`{"name":"op1","done":true,"response":{"generateVideoResponse":{"generatedSamples":[{"video":{"uri":"https://files/v.mp4"}}]}}}`))
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := newTestGemini(srv.URL)
	ctx := context.Background()
	op, err := c.StartVideo(ctx, "a cat learning Go")
	require.NoError(t, err)
	assert.Equal(t, "models/test-video/operations/op1", op)

	status, err := c.VideoStatus(ctx, op)
	require.NoError(t, err)
	assert.False(t, status.Done)

	status, err = c.VideoStatus(ctx, op)
	require.NoError(t, err)
	assert.True(t, status.Done)
	assert.Equal(t, "https://files/v.mp4", status.URI)
}

func TestGeminiVideoOperationError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"name":"op","done":true,"error":{"message":"quota"}}`))
	}))
	defer srv.Close()

	status, err := newTestGemini(srv.URL).VideoStatus(context.Background(), "operations/op")
	require.NoError(t, err)
	assert.True(t, status.Done)
	assert.Equal(t, "quota", status.Error)
}

func TestGenerateObjectInvalidOutput(t *testing.T) {
	fake := NewFakeProvider()
	fake.Reply = func(GenerateRequest) (string, error) { return "not json", nil }

	var out map[string]interface{}
	_, err := GenerateObject(context.Background(), fake, GenerateRequest{Prompt: "x", Schema: Schema{"type": "object"}}, &out)
	assert.ErrorIs(t, err, ErrInvalidOutput)

	_, err = GenerateObject(context.Background(), fake, GenerateRequest{Prompt: "x"}, &out)
	assert.Error(t, err, "schema is required")
}

func TestStripFence(t *testing.T) {
	assert.Equal(t, `{"a":1}`, stripFence("```json\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, stripFence(`  {"a":1} `))
}
