// Package retryhttp wraps outbound provider calls with bounded exponential
// backoff and jitter. Transport failures and retryable statuses are retried;
// other 4xx responses are client errors that retrying cannot fix.
package retryhttp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"time"
)

const (
	// DefaultMaxRetries is the number of retries after the first attempt.
	DefaultMaxRetries = 3

	// DefaultBaseDelay is the backoff delay before the first retry.
	DefaultBaseDelay = 1 * time.Second

	// DefaultMaxDelay clamps the exponential backoff.
	DefaultMaxDelay = 30 * time.Second

	// jitterFraction is the fraction of the exponential term added as random
	// jitter, to avoid synchronized retry storms across concurrent callers.
	jitterFraction = 0.1
)

// ExhaustedError is returned after the retry budget is spent. Callers can
// distinguish it from a single-attempt failure with errors.As when deciding
// user-facing messaging.
type ExhaustedError struct {
	// Attempts is the total number of attempts made (maxRetries + 1).
	Attempts int

	// LastStatus is the status code of the final response, or 0 if the final
	// attempt failed in transport.
	LastStatus int

	// Err is the final underlying transport error, if any.
	Err error
}

func (e *ExhaustedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("retryhttp: %d attempts exhausted: %v", e.Attempts, e.Err)
	}
	return fmt.Sprintf("retryhttp: %d attempts exhausted, last status %d", e.Attempts, e.LastStatus)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Config holds retry client configuration. Zero values use the defaults.
type Config struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration

	// RetryableStatuses are statuses retried in addition to all 5xx.
	RetryableStatuses []int

	// HTTPClient is the underlying transport (default: 30s-timeout client).
	HTTPClient *http.Client

	// Logger is the optional structured logger (default slog.Default()).
	Logger *slog.Logger

	// OnRetry is called before each retry wait with the 1-based retry
	// number. Callers wire it to their metrics; it must not block.
	OnRetry func(ctx context.Context, attempt int)
}

// Client is a retrying HTTP client.
type Client struct {
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	retryable  map[int]bool
	httpClient *http.Client
	logger     *slog.Logger
	onRetry    func(ctx context.Context, attempt int)

	// sleep and jitter are injectable for deterministic tests
	sleep  func(time.Duration)
	jitter func(max time.Duration) time.Duration
}

// New creates a retry client.
func New(cfg Config) *Client {
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	baseDelay := cfg.BaseDelay
	if baseDelay <= 0 {
		baseDelay = DefaultBaseDelay
	}
	maxDelay := cfg.MaxDelay
	if maxDelay <= 0 {
		maxDelay = DefaultMaxDelay
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	retryable := make(map[int]bool, len(cfg.RetryableStatuses))
	for _, status := range cfg.RetryableStatuses {
		retryable[status] = true
	}

	return &Client{
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
		retryable:  retryable,
		httpClient: httpClient,
		logger:     logger,
		onRetry:    cfg.OnRetry,
		sleep:      time.Sleep,
		jitter: func(max time.Duration) time.Duration {
			if max <= 0 {
				return 0
			}
			return time.Duration(rand.Int63n(int64(max)))
		},
	}
}

// Do sends the request, retrying on transport errors and retryable statuses.
// Requests with a body must carry GetBody (http.NewRequest sets it for common
// body types) so the body can be replayed on retry.
//
// The response body of a retried attempt is drained and closed before the
// next attempt; the returned response's body is the caller's to close.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	var lastErr error
	lastStatus := 0
	attempts := 0

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			if req.Body != nil {
				if req.GetBody == nil {
					return nil, fmt.Errorf("retryhttp: request body is not replayable")
				}
				body, err := req.GetBody()
				if err != nil {
					return nil, fmt.Errorf("retryhttp: failed to rewind request body: %w", err)
				}
				req.Body = body
			}
			if c.onRetry != nil {
				c.onRetry(req.Context(), attempt)
			}
			delay := c.Delay(attempt - 1)
			c.logger.Debug("retrying request",
				"method", req.Method,
				"url", req.URL.Redacted(),
				"attempt", attempt+1,
				"delay", delay)
			c.sleep(delay)
		}
		attempts++

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctxErr := req.Context().Err(); ctxErr != nil {
				return nil, ctxErr
			}
			lastErr = err
			lastStatus = 0
			continue
		}

		if !c.shouldRetry(resp.StatusCode) {
			return resp, nil
		}

		lastErr = nil
		lastStatus = resp.StatusCode
		drain(resp)
	}

	return nil, &ExhaustedError{Attempts: attempts, LastStatus: lastStatus, Err: lastErr}
}

// Delay computes the backoff delay for retry n (zero-based):
// min(baseDelay * 2^n + jitter, maxDelay), jitter up to 10% of the
// exponential term.
func (c *Client) Delay(n int) time.Duration {
	exp := c.baseDelay
	for i := 0; i < n; i++ {
		exp *= 2
		if exp >= c.maxDelay {
			return c.maxDelay
		}
	}

	delay := exp + c.jitter(time.Duration(float64(exp)*jitterFraction))
	if delay > c.maxDelay {
		return c.maxDelay
	}
	return delay
}

// shouldRetry reports whether a response status is retryable: any configured
// status, or any 5xx.
func (c *Client) shouldRetry(status int) bool {
	if status >= 500 && status <= 599 {
		return true
	}
	return c.retryable[status]
}

// IsExhausted reports whether err is a retry-budget exhaustion.
func IsExhausted(err error) bool {
	var exhausted *ExhaustedError
	return errors.As(err, &exhausted)
}

func drain(resp *http.Response) {
	if resp.Body == nil {
		return
	}
	// Drain a bounded amount so the connection can be reused.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()
}
