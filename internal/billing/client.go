package billing

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

	"github.com/codexlearn/codex/pkg/entitlements"
)

// Client requests plan changes from the billing endpoints on behalf of one
// user. It holds no subscription state: callers observe the outcome through
// the live entitlement stream.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient creates a client for baseURL authenticated with a bearer token.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	if hc != nil {
		c.httpClient = hc
	}
	return c
}

// UpgradeRequest is the body of POST /api/subscription/upgrade.
type UpgradeRequest struct {
	PlanID   string `json:"planId" validate:"required"`
	Interval string `json:"interval" validate:"required,oneof=monthly yearly month year annual"`
}

// Result is the response of the mutation endpoints.
type Result struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// RemoteError is a failure reported by the billing endpoint.
type RemoteError struct {
	StatusCode int
	Message    string
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("billing request failed with status %d", e.StatusCode)
	}
	return fmt.Sprintf("billing request failed with status %d: %s", e.StatusCode, e.Message)
}

// Upgrade asks the server to move the user to planID.
func (c *Client) Upgrade(ctx context.Context, planID string, interval entitlements.Interval) error {
	body, err := json.Marshal(UpgradeRequest{PlanID: planID, Interval: string(interval)})
	if err != nil {
		return err
	}
	return c.post(ctx, "/api/subscription/upgrade", body)
}

// Cancel asks the server to cancel the user's subscription.
func (c *Client) Cancel(ctx context.Context) error {
	return c.post(ctx, "/api/subscription/cancel", nil)
}

func (c *Client) post(ctx context.Context, path string, body []byte) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("billing request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read billing response: %w", err)
	}

	var result Result
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &result); err != nil && resp.StatusCode < 300 {
			return fmt.Errorf("decode billing response: %w", err)
		}
	}
	if resp.StatusCode >= 300 {
		return &RemoteError{StatusCode: resp.StatusCode, Message: result.Error}
	}
	if !result.Success {
		if result.Error == "" {
			return errors.New("billing request was not successful")
		}
		return &RemoteError{StatusCode: resp.StatusCode, Message: result.Error}
	}
	return nil
}
