// Package httpclient is the shared, scoped HTTP utility used by every
// collector (§4.1). It wraps net/http with a closed error taxonomy, an
// exponential-backoff retry wrapper, and leaves rate limiting and circuit
// breaking to the caller (internal/ratelimit, internal/circuitbreaker) so
// each concern stays independently testable, following the layering the
// teacher uses for client.OpenWeatherClient / circuitbreaker.CircuitBreaker.
package httpclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"os"
	"time"
)

// HTTPError wraps a non-2xx response or a transport-level failure.
type HTTPError struct {
	Status int // 0 for transport failures that never got a response
	Cause  error
}

func (e *HTTPError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("http: status %d: %v", e.Status, e.Cause)
	}
	return fmt.Sprintf("http: %v", e.Cause)
}

func (e *HTTPError) Unwrap() error { return e.Cause }

// RetryExhausted is raised by Retry once all attempts are spent.
type RetryExhausted struct {
	Attempts int
	Last     error
}

func (e *RetryExhausted) Error() string {
	return fmt.Sprintf("retry exhausted after %d attempts: %v", e.Attempts, e.Last)
}

func (e *RetryExhausted) Unwrap() error { return e.Last }

// RetryConfig configures the exponential-backoff retry wrapper.
type RetryConfig struct {
	Attempts  int // N, default 3
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// Retryable reports whether err should trigger another attempt. Defaults
	// to retrying any *HTTPError whose Status is 0, 429, or >= 500, and any
	// context.DeadlineExceeded.
	Retryable func(err error) bool
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.Attempts <= 0 {
		c.Attempts = 3
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 200 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 5 * time.Second
	}
	if c.Retryable == nil {
		c.Retryable = defaultRetryable
	}
	return c
}

func defaultRetryable(err error) bool {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Status == 0 || httpErr.Status >= 500 || httpErr.Status == http.StatusTooManyRequests
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// Retry runs op up to cfg.Attempts times, delaying base*2^k (capped at
// MaxDelay, jittered 10%) between attempts that cfg.Retryable accepts.
// On exhaustion it returns *RetryExhausted wrapping the last error.
func Retry(ctx context.Context, cfg RetryConfig, op func(ctx context.Context) error) error {
	cfg = cfg.withDefaults()
	var lastErr error
	for attempt := 0; attempt < cfg.Attempts; attempt++ {
		if attempt > 0 {
			delay := backoff(cfg.BaseDelay, cfg.MaxDelay, attempt)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
		err := op(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !cfg.Retryable(err) {
			return err
		}
	}
	return &RetryExhausted{Attempts: cfg.Attempts, Last: lastErr}
}

func backoff(base, max time.Duration, attempt int) time.Duration {
	d := float64(base) * math.Pow(2, float64(attempt-1))
	if d > float64(max) {
		d = float64(max)
	}
	jitter := d * 0.1 * rand.Float64()
	return time.Duration(d + jitter)
}

// Client is the scoped HTTP utility. It owns a connection-pooled transport
// that must be released via Close on every exit path.
type Client struct {
	http *http.Client
}

// New returns a Client with the given per-request timeout.
func New(timeout time.Duration) *Client {
	return &Client{http: &http.Client{Timeout: timeout}}
}

// Close releases the underlying transport's idle connections.
func (c *Client) Close() {
	c.http.CloseIdleConnections()
}

// GetJSON performs a GET and decodes the JSON body into out.
func (c *Client) GetJSON(ctx context.Context, url string, headers map[string]string, out interface{}) error {
	body, err := c.GetBytes(ctx, url, headers)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &HTTPError{Cause: fmt.Errorf("decode json: %w", err)}
	}
	return nil
}

// GetText performs a GET and returns the response body as a string.
func (c *Client) GetText(ctx context.Context, url string, headers map[string]string) (string, error) {
	body, err := c.GetBytes(ctx, url, headers)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// GetBytes performs a GET and returns the raw response body. Non-2xx
// responses and transport failures are wrapped as *HTTPError.
func (c *Client) GetBytes(ctx context.Context, url string, headers map[string]string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &HTTPError{Cause: fmt.Errorf("build request: %w", err)}
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &HTTPError{Cause: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &HTTPError{Status: resp.StatusCode, Cause: fmt.Errorf("read body: %w", err)}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &HTTPError{Status: resp.StatusCode, Cause: fmt.Errorf("unexpected status")}
	}
	return body, nil
}

// GetFile performs a GET and streams the response body to a temporary file,
// returning its path. Used by the gridded-binary collector (§6: "parsed off
// disk via a temporary file"). Callers must remove the file on every exit
// path.
func (c *Client) GetFile(ctx context.Context, url string, headers map[string]string, tmpPattern string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", &HTTPError{Cause: fmt.Errorf("build request: %w", err)}
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", &HTTPError{Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &HTTPError{Status: resp.StatusCode, Cause: fmt.Errorf("unexpected status")}
	}

	f, err := os.CreateTemp("", tmpPattern)
	if err != nil {
		return "", &HTTPError{Cause: fmt.Errorf("create temp file: %w", err)}
	}
	defer f.Close()

	if _, err := io.Copy(f, resp.Body); err != nil {
		os.Remove(f.Name())
		return "", &HTTPError{Cause: fmt.Errorf("write temp file: %w", err)}
	}
	return f.Name(), nil
}
