// Package resilient wraps every outbound collaborator call with timeout,
// retry with exponential backoff, and idempotency policy.
package resilient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	defaultTimeout = 30 * time.Second

	// Non-retryable calls get one attempt with more headroom instead of
	// blind retries.
	defaultNonRetryableTimeout = 60 * time.Second
)

// BackoffPolicy controls retry pacing: BaseDelay, then BaseDelay*Multiplier,
// and so on, up to MaxAttempts total attempts.
type BackoffPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
}

// DefaultBackoff retries up to three times with a doubling delay.
var DefaultBackoff = BackoffPolicy{
	MaxAttempts: 3,
	BaseDelay:   500 * time.Millisecond,
	Multiplier:  2,
}

// Delay returns the pause before the given retry attempt (attempt 2 is the
// first retry).
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	delay := p.BaseDelay
	for i := 2; i < attempt; i++ {
		delay = time.Duration(float64(delay) * p.Multiplier)
	}

	return delay
}

// StatusError is a non-2xx response from a collaborator. 4xx responses are
// permanent and never retried; 5xx are transient.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}

func (e *StatusError) Transient() bool {
	return e.StatusCode >= http.StatusInternalServerError
}

// IsStatus reports whether err carries the given HTTP status code.
func IsStatus(err error, code int) bool {
	var statusErr *StatusError

	return errors.As(err, &statusErr) && statusErr.StatusCode == code
}

// Request describes one outbound call.
type Request struct {
	Method  string
	Body    any
	Headers map[string]string

	// Timeout bounds each attempt. Zero picks the client default.
	Timeout time.Duration

	// NonRetryable marks calls whose side effects are not idempotent, such
	// as consuming a lead from a buffer. They get a single attempt with a
	// longer timeout.
	NonRetryable bool
}

// Response is a successful (2xx) collaborator response.
type Response struct {
	StatusCode int
	Body       []byte
}

// DecodeJSON unmarshals the response body.
func (r *Response) DecodeJSON(v any) error {
	if len(r.Body) == 0 {
		return nil
	}

	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}

	return nil
}

// SleepFunc pauses between attempts; tests inject a no-op.
type SleepFunc func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Client performs resilient HTTP calls against collaborator services.
type Client struct {
	httpClient *http.Client
	backoff    BackoffPolicy
	sleep      SleepFunc
	logger     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithBackoff overrides the retry policy.
func WithBackoff(p BackoffPolicy) Option {
	return func(c *Client) { c.backoff = p }
}

// WithSleep overrides the inter-attempt pause, for tests.
func WithSleep(sleep SleepFunc) Option {
	return func(c *Client) { c.sleep = sleep }
}

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func NewClient(logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{},
		backoff:    DefaultBackoff,
		sleep:      sleepContext,
		logger:     logger.With("module", "resilient_client"),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Call performs the request against serviceURL+path. Transport errors,
// timeouts, and 5xx responses are retried with backoff unless the request is
// marked NonRetryable; 4xx responses surface immediately as *StatusError.
func (c *Client) Call(ctx context.Context, serviceURL, path string, req Request) (*Response, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	url := strings.TrimSuffix(serviceURL, "/") + path

	attempts := c.backoff.MaxAttempts
	timeout := req.Timeout

	if req.NonRetryable {
		attempts = 1

		if timeout == 0 {
			timeout = defaultNonRetryableTimeout
		}
	} else if timeout == 0 {
		timeout = defaultTimeout
	}

	var lastErr error

	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			delay := c.backoff.Delay(attempt)
			c.logger.DebugContext(ctx, "Retrying call",
				"url", url, "attempt", attempt, "max_attempts", attempts, "delay", delay)

			if err := c.sleep(ctx, delay); err != nil {
				return nil, err
			}
		}

		resp, err := c.attempt(ctx, method, url, req, timeout)
		if err == nil {
			return resp, nil
		}

		lastErr = err

		var statusErr *StatusError
		if errors.As(err, &statusErr) && !statusErr.Transient() {
			return nil, err
		}
	}

	return nil, fmt.Errorf("call %s %s failed after %d attempt(s): %w", method, url, attempts, lastErr)
}

func (c *Client) attempt(ctx context.Context, method, url string, req Request, timeout time.Duration) (*Response, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var bodyReader io.Reader

	if req.Body != nil {
		payload, err := json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}

		bodyReader = bytes.NewReader(payload)
	}

	httpReq, err := http.NewRequestWithContext(attemptCtx, method, url, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	if req.Body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	for key, value := range req.Headers {
		httpReq.Header.Set(key, value)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	return &Response{StatusCode: resp.StatusCode, Body: body}, nil
}
