package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pixelmint/pixelmint/internal/ratelimit"
	"go.uber.org/zap"
)

// ErrInvalidResponse marks a create response without a poll handle. This is
// a permanent submission failure and is never retried at this layer.
var ErrInvalidResponse = errors.New("provider response missing poll handle")

// Job is the provider-issued handle for a submitted generation.
type Job struct {
	ProviderID string
	PollHandle string
}

type createResponse struct {
	Data struct {
		ID     string `json:"id"`
		Status string `json:"status"`
		URLs   struct {
			Get string `json:"get"`
		} `json:"urls"`
	} `json:"data"`
}

type pollResponse struct {
	Data struct {
		Status  string   `json:"status"`
		Output  string   `json:"output"`
		Outputs []string `json:"outputs"`
		Error   string   `json:"error"`
	} `json:"data"`
}

// Client submits generation jobs and polls them to a terminal state. All
// outbound calls go through the shared rate limiter; the client itself holds
// no retry logic beyond what the limiter provides.
type Client struct {
	apiKey     string
	httpClient *http.Client
	limiter    *ratelimit.Limiter
	logger     *zap.Logger
	sleep      func(ctx context.Context, d time.Duration) error
}

type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithSleepFunc replaces the inter-poll sleep, used by tests to simulate time.
func WithSleepFunc(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Client) { c.sleep = sleep }
}

func NewClient(apiKey string, limiter *ratelimit.Limiter, logger *zap.Logger, opts ...Option) (*Client, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("provider api key is required")
	}
	c := &Client{
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 120 * time.Second},
		limiter:    limiter,
		logger:     logger,
		sleep: func(ctx context.Context, d time.Duration) error {
			timer := time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-timer.C:
				return nil
			}
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) doPostRequest(ctx context.Context, url string, payload interface{}) ([]byte, error) {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		c.logger.Error("failed to marshal payload", zap.Error(err))
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Key "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	return c.doRequest(req)
}

func (c *Client) doGetRequest(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Key "+c.apiKey)
	req.Header.Set("Accept", "application/json")

	return c.doRequest(req)
}

func (c *Client) doRequest(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("failed to send request", zap.Error(err))
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		c.logger.Warn("provider request failed", zap.Int("status", resp.StatusCode), zap.String("body", string(body)))
		return nil, &ratelimit.StatusError{Code: resp.StatusCode, Message: string(body)}
	}

	c.logger.Debug("provider request successful", zap.Int("status", resp.StatusCode))
	return body, nil
}

// CreateJob submits payload to the kind-specific create endpoint as one
// limiter-scheduled call. A response without data.urls.get fails fast with
// ErrInvalidResponse; the limiter's own 429/5xx retries still apply underneath.
func (c *Client) CreateJob(ctx context.Context, class, endpoint string, payload interface{}) (*Job, error) {
	var body []byte
	err := c.limiter.Do(ctx, class, func(ctx context.Context) error {
		var err error
		body, err = c.doPostRequest(ctx, endpoint, payload)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("job submission failed: %w", err)
	}

	var resp createResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal submission response: %w, body: %s", err, string(body))
	}
	if resp.Data.URLs.Get == "" {
		return nil, fmt.Errorf("%w, body: %s", ErrInvalidResponse, string(body))
	}

	job := &Job{ProviderID: resp.Data.ID, PollHandle: resp.Data.URLs.Get}
	c.logger.Info("submitted provider job",
		zap.String("provider_id", job.ProviderID),
		zap.String("status", resp.Data.Status))
	return job, nil
}

func (c *Client) fetchStatus(ctx context.Context, job *Job) (*pollResponse, error) {
	var body []byte
	err := c.limiter.Do(ctx, ClassPoll, func(ctx context.Context) error {
		var err error
		body, err = c.doGetRequest(ctx, job.PollHandle)
		return err
	})
	if err != nil {
		return nil, err
	}
	var resp pollResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal poll response: %w, body: %s", err, string(body))
	}
	return &resp, nil
}
