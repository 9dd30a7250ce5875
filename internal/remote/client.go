// Package remote replays queued mutations against the backend HTTP API.
package remote

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

	"github.com/hyperengineering/waypoint/internal/types"
)

// DefaultTimeout bounds a single replay or ping.
const DefaultTimeout = 30 * time.Second

var (
	// ErrReplayFailed matches every unsuccessful replay, whether the remote
	// answered with a non-2xx status or could not be reached.
	ErrReplayFailed = errors.New("replay failed")
	// ErrNotConfigured is returned when no remote base URL is set.
	ErrNotConfigured = errors.New("remote not configured")
)

// StatusError is returned when the remote answers a replay with a non-2xx status.
type StatusError struct {
	Action     types.ActionKind
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("replay %s: remote returned %d", e.Action, e.StatusCode)
	}
	return fmt.Sprintf("replay %s: remote returned %d: %s", e.Action, e.StatusCode, e.Body)
}

// Is makes errors.Is(err, ErrReplayFailed) true for status failures.
func (e *StatusError) Is(target error) bool {
	return target == ErrReplayFailed
}

// Config holds remote client settings.
type Config struct {
	// BaseURL is prefixed to every action path, e.g. https://api.example.com/v1.
	BaseURL string
	// HealthURL is probed by Ping. Relative values are joined to BaseURL.
	HealthURL string
	// APIKey, when set, is sent as a bearer token.
	APIKey  string
	Timeout time.Duration
}

// Client replays pending actions over HTTP.
type Client struct {
	baseURL   string
	healthURL string
	apiKey    string
	client    *http.Client
}

// NewClient creates a remote client. A zero Timeout means DefaultTimeout.
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	base := strings.TrimRight(cfg.BaseURL, "/")
	health := cfg.HealthURL
	if health == "" {
		health = "/health"
	}
	if !strings.HasPrefix(health, "http://") && !strings.HasPrefix(health, "https://") {
		health = base + "/" + strings.TrimLeft(health, "/")
	}

	return &Client{
		baseURL:   base,
		healthURL: health,
		apiKey:    cfg.APIKey,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

// Replay posts a to <base>/<action>. Only a 2xx status counts as success.
func (c *Client) Replay(ctx context.Context, a types.PendingAction) error {
	if c.baseURL == "" {
		return fmt.Errorf("%w: %w", ErrReplayFailed, ErrNotConfigured)
	}

	data, err := json.Marshal(a.Body())
	if err != nil {
		return fmt.Errorf("marshal replay body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+string(a.Action), bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("%w: build request: %w", ErrReplayFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrReplayFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{
			Action:     a.Action,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(body)),
		}
	}

	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Ping checks that the remote health endpoint answers 200.
func (c *Client) Ping(ctx context.Context) error {
	if c.baseURL == "" && !strings.HasPrefix(c.healthURL, "http") {
		return ErrNotConfigured
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.healthURL, nil)
	if err != nil {
		return fmt.Errorf("build health request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("health check: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed: %d", resp.StatusCode)
	}
	return nil
}
