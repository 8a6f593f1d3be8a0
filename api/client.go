// Package api implements the authenticated JSON client for the Autoblocks API.
//
// All outbound traffic from the CLI funnels through one Client. In-flight
// requests are capped by a weighted semaphore with FIFO admission, and each
// request is retried with exponential backoff on transient failures. The
// concurrency cap is global, not per test run, so parameter sweeps that open
// dozens of runs concurrently cannot fan out unbounded requests.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/sync/semaphore"

	"github.com/autoblocksai/cli/metrics"
)

const (
	DefaultBaseURL        = "https://api.autoblocks.ai"
	DefaultMaxConcurrency = 10
	DefaultMaxRetries     = 3
	DefaultTimeout        = 30 * time.Second

	initialBackoff = 200 * time.Millisecond
)

// ErrorStatus is returned once retries are exhausted or a request is rejected
// outright. It carries the HTTP status and the response body so callers can
// distinguish validation failures from transient ones.
type ErrorStatus struct {
	Status int
	Body   string
}

func (e *ErrorStatus) Error() string {
	return fmt.Sprintf("autoblocks api returned status %d: %s", e.Status, e.Body)
}

// IsRetryable reports whether a response status is worth retrying.
// 4xx responses other than 429 are the caller's fault and retried never.
func (e *ErrorStatus) IsRetryable() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

// Config configures a Client.
type Config struct {
	BaseURL        string
	APIKey         string
	MaxConcurrency int64
	MaxRetries     int
	Timeout        time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.BaseURL == "" {
		out.BaseURL = DefaultBaseURL
	}
	if out.MaxConcurrency == 0 {
		out.MaxConcurrency = DefaultMaxConcurrency
	}
	if out.MaxRetries == 0 {
		out.MaxRetries = DefaultMaxRetries
	}
	if out.Timeout == 0 {
		out.Timeout = DefaultTimeout
	}
	return out
}

// Client posts JSON to the Autoblocks API.
type Client struct {
	baseURL    string
	apiKey     string
	maxRetries int
	timeout    time.Duration
	sem        *semaphore.Weighted
	httpClient *http.Client
}

func NewClient(cfg Config) *Client {
	cfg = cfg.withDefaults()
	return &Client{
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		maxRetries: cfg.MaxRetries,
		timeout:    cfg.Timeout,
		sem:        semaphore.NewWeighted(cfg.MaxConcurrency),
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// Post sends body to path and decodes the JSON response into out when out is
// non-nil. It blocks until a concurrency slot is available, then retries
// transient failures up to the configured bound with exponential backoff.
func (c *Client) Post(ctx context.Context, path string, body any, out any) error {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("failed to acquire request slot: %w", err)
	}
	defer c.sem.Release(1)

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request body for %s: %w", path, err)
	}

	var lastErr error
	backoff := initialBackoff
	// <= to account for the first attempt not technically being a retry
	for i := 0; i <= c.maxRetries; i++ {
		if i > 0 {
			metrics.RecordAPIRetry(path)
			log.Debug("Retrying request",
				"path", path,
				"attempt_count", i+1,
				"max_attempts", c.maxRetries+1,
				"backoff", backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			backoff *= 2
		}

		start := time.Now()
		err := c.doPost(ctx, path, payload, out)
		if err == nil {
			metrics.RecordAPIPost(path, "ok", time.Since(start))
			return nil
		}
		metrics.RecordAPIPost(path, "error", time.Since(start))
		lastErr = err

		if statusErr, ok := err.(*ErrorStatus); ok && !statusErr.IsRetryable() {
			return err
		}
		if ctx.Err() != nil {
			return lastErr
		}
	}

	log.Error("Request failed after retries",
		"path", path,
		"attempts", c.maxRetries+1,
		"err", lastErr)
	return lastErr
}

func (c *Client) doPost(ctx context.Context, path string, payload []byte, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request for %s: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	res, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", path, err)
	}
	defer res.Body.Close()

	resBody, err := io.ReadAll(res.Body)
	if err != nil {
		return fmt.Errorf("failed to read response from %s: %w", path, err)
	}

	if res.StatusCode >= 400 {
		return &ErrorStatus{
			Status: res.StatusCode,
			Body:   formatErrorBody(resBody),
		}
	}

	if out != nil && len(resBody) > 0 {
		if err := json.Unmarshal(resBody, out); err != nil {
			return fmt.Errorf("failed to decode response from %s: %w", path, err)
		}
	}
	return nil
}

// formatErrorBody compacts a JSON error body, falling back to the raw text
// when the body is not parseable.
func formatErrorBody(body []byte) string {
	var compact bytes.Buffer
	if err := json.Compact(&compact, body); err != nil {
		return strings.TrimSpace(string(body))
	}
	return compact.String()
}
