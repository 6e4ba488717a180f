package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HTTPClient talks to a remote execution gateway over its JSON HTTP API:
//
//	POST {base}/v1/sessions      -> {"session_handle": "..."}
//	GET  {base}/v1/sessions      -> {"sessions": [{...}, ...]}
type HTTPClient struct {
	baseURL      string
	client       *http.Client
	spawnTimeout time.Duration
}

// HTTPConfig contains configuration for creating an HTTPClient.
type HTTPConfig struct {
	// BaseURL is the gateway's base URL, e.g. "http://localhost:7433".
	BaseURL string
	// SpawnTimeout bounds a single spawn call. Expiry is classified as
	// ErrUnavailable so the caller retries.
	SpawnTimeout time.Duration
	// RequestTimeout bounds listing calls.
	RequestTimeout time.Duration
}

// NewHTTPClient creates a gateway client for the given base URL.
func NewHTTPClient(cfg HTTPConfig) *HTTPClient {
	if cfg.SpawnTimeout <= 0 {
		cfg.SpawnTimeout = 30 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	return &HTTPClient{
		baseURL:      cfg.BaseURL,
		client:       &http.Client{Timeout: cfg.RequestTimeout},
		spawnTimeout: cfg.SpawnTimeout,
	}
}

type spawnResponse struct {
	SessionHandle string `json:"session_handle"`
}

type listResponse struct {
	Sessions []SessionSnapshot `json:"sessions"`
}

// Spawn asks the gateway to launch one worker session for the directive.
func (c *HTTPClient) Spawn(ctx context.Context, d Directive) (string, error) {
	if err := validateDirective(d); err != nil {
		return "", err
	}

	body, err := json.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("%w: encode directive: %v", ErrRejected, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.spawnTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/sessions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("%w: build request: %v", ErrUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		// Network errors and timeout expiry are both transient.
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp.StatusCode); err != nil {
		return "", fmt.Errorf("%w: spawn returned %d", err, resp.StatusCode)
	}

	var out spawnResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("%w: decode spawn response: %v", ErrUnavailable, err)
	}
	if out.SessionHandle == "" {
		return "", fmt.Errorf("%w: spawn response missing session handle", ErrUnavailable)
	}
	return out.SessionHandle, nil
}

// ListSessions enumerates the sessions the gateway currently reports live.
func (c *HTTPClient) ListSessions(ctx context.Context) ([]SessionSnapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/sessions", nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list sessions returned %d", resp.StatusCode)
	}

	var out listResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode session list: %w", err)
	}
	return out.Sessions, nil
}

// classifyStatus maps an HTTP status to the gateway error taxonomy.
// 4xx means the directive itself was refused; everything else that isn't
// a success is treated as transient.
func classifyStatus(status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusTooManyRequests:
		// Remote backpressure, safe to retry later.
		return ErrUnavailable
	case status >= 400 && status < 500:
		return ErrRejected
	default:
		return ErrUnavailable
	}
}
