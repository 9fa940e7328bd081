package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Config holds the configuration for connecting to the metering API.
type Config struct {
	APIURL string // Base URL, e.g. "http://localhost:8080"
	APIKey string // Service API key
}

// MeteringClient is a pure HTTP client for the metering API.
type MeteringClient struct {
	cfg        Config
	httpClient *http.Client
}

// NewMeteringClient creates a new client for the metering API.
func NewMeteringClient(cfg Config) *MeteringClient {
	return &MeteringClient{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// apiError represents an error response from the API.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest makes an HTTP request to the API and returns the response body.
func (c *MeteringClient) doRequest(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

func userPath(userID, suffix string) string {
	return "/v1/users/" + url.PathEscape(userID) + suffix
}

// CheckAccess asks whether userID may use feature once. creditCost < 0
// leaves the catalog cost in effect.
func (c *MeteringClient) CheckAccess(ctx context.Context, userID, feature string, creditCost int64) (json.RawMessage, error) {
	body := map[string]any{"feature": feature}
	if creditCost >= 0 {
		body["creditCost"] = creditCost
	}
	return c.doRequest(ctx, http.MethodPost, userPath(userID, "/access/check"), body)
}

// GetUsage returns the user's usage summary.
func (c *MeteringClient) GetUsage(ctx context.Context, userID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, userPath(userID, "/usage"), nil)
}

// ListPlans returns the plan catalog.
func (c *MeteringClient) ListPlans(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/plans", nil)
}
