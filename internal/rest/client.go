package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/foxwhite25/qq-go/internal/version"
)

// Client dispatches REST calls under the per-bucket and global rate-limit
// contract. It is safe for arbitrary concurrent callers.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *slog.Logger
	userAgent  string

	maxRetries          int
	retryBackoff        time.Duration
	maxRetryBackoff     time.Duration
	maxRateLimitWait    time.Duration
	maxRateLimitRetries int

	mu      sync.Mutex
	buckets map[string]*bucket
	global  globalGate
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// NewClient creates a dispatcher for the given API base URL.
func NewClient(baseURL, token string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: baseURL,
		token:   token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger:              slog.Default(),
		userAgent:           version.UserAgent(),
		maxRetries:          3,
		retryBackoff:        time.Second,
		maxRetryBackoff:     30 * time.Second,
		maxRateLimitWait:    30 * time.Minute,
		maxRateLimitRetries: 5,
		buckets:             make(map[string]*bucket),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = d
	}
}

// WithRetries sets the transient-failure retry budget and base backoff.
func WithRetries(max int, backoff time.Duration) ClientOption {
	return func(c *Client) {
		c.maxRetries = max
		c.retryBackoff = backoff
	}
}

// WithRateLimitCeiling sets the longest server-demanded wait the
// dispatcher will honor before giving up.
func WithRateLimitCeiling(d time.Duration) ClientOption {
	return func(c *Client) {
		c.maxRateLimitWait = d
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// Do dispatches one request under the rate-limit contract and returns its
// terminal result. Rate-limit waits and transient retries happen inside;
// the caller only ever sees success, a terminal *HTTPError, or a
// cancellation/exhaustion error.
func (c *Client) Do(ctx context.Context, r Route, body any) (*Response, error) {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("rest: marshal request body: %w", err)
		}
	}

	b := c.bucket(r.Bucket())
	if err := b.acquire(ctx); err != nil {
		return nil, err
	}
	defer b.release()

	reqID := uuid.NewString()
	logger := c.logger.With(
		"request_id", reqID,
		"method", r.Method,
		"path", r.Path,
	)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.retryBackoff
	bo.MaxInterval = c.maxRetryBackoff

	attempts := 0     // transport failures and 5xx
	limitReplays := 0 // 429 replays
	for {
		if cerr := ctx.Err(); cerr != nil {
			return nil, cerr
		}

		// Bucket exhaustion first, then the global gate: a request must
		// pass both before dispatching.
		if d := b.delay(time.Now()); d > 0 {
			logger.Debug("bucket exhausted, waiting", "bucket", b.key, "wait", d)
			if err := sleep(ctx, d); err != nil {
				return nil, err
			}
		}
		if err := c.global.wait(ctx); err != nil {
			return nil, err
		}

		b.consume()
		resp, err := c.doOnce(ctx, r, payload, reqID)
		if cerr := ctx.Err(); cerr != nil {
			// The exchange was not aborted, but the caller no longer wants
			// the result.
			return nil, cerr
		}
		if err != nil {
			attempts++
			if attempts > c.maxRetries {
				return nil, fmt.Errorf("rest: giving up after %d attempts: %w", attempts, err)
			}
			wait := bo.NextBackOff()
			logger.Debug("transport failure, retrying",
				"attempt", attempts,
				"backoff", wait,
				"error", err,
			)
			if serr := sleep(ctx, wait); serr != nil {
				return nil, serr
			}
			continue
		}

		b.update(resp.RateLimit, time.Now())

		switch {
		case resp.Status < 300:
			return resp, nil

		case resp.Status == http.StatusTooManyRequests:
			rl := resp.RateLimit
			wait := rl.RetryAfter
			if wait <= 0 {
				wait = rl.ResetAfter
			}
			if wait <= 0 {
				wait = time.Second
			}
			if wait > c.maxRateLimitWait {
				return nil, fmt.Errorf("%w: server asked for %s", ErrRateLimitCeiling, wait)
			}
			limitReplays++
			if limitReplays > c.maxRateLimitRetries {
				return nil, newHTTPError(resp.Status, resp.Body)
			}

			if rl.Global {
				logger.Warn("globally rate limited", "retry_after", wait)
				c.global.lock(time.Now(), wait)
			} else {
				logger.Info("bucket rate limited", "bucket", b.key, "retry_after", wait)
				b.exhaust(time.Now().Add(wait))
			}
			// Replayed on the next loop pass once the wait elapses.
			continue

		case resp.Status >= 500:
			attempts++
			if attempts > c.maxRetries {
				return nil, newHTTPError(resp.Status, resp.Body)
			}
			wait := bo.NextBackOff()
			logger.Debug("server error, retrying",
				"status", resp.Status,
				"attempt", attempts,
				"backoff", wait,
			)
			if serr := sleep(ctx, wait); serr != nil {
				return nil, serr
			}
			continue

		default:
			herr := newHTTPError(resp.Status, resp.Body)
			if herr.AuthFailure() {
				logger.Error("authentication rejected", "status", resp.Status)
			}
			return nil, herr
		}
	}
}

// doJSON dispatches a request and unmarshals the response body.
func (c *Client) doJSON(ctx context.Context, r Route, body, result any) error {
	resp, err := c.Do(ctx, r, body)
	if err != nil {
		return err
	}
	if result == nil || len(resp.Body) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Body, result); err != nil {
		return fmt.Errorf("rest: unmarshal response: %w", err)
	}
	return nil
}

// doOnce performs a single HTTP exchange. Once in flight the call is not
// aborted by caller cancellation; Do suppresses the result afterwards.
func (c *Client) doOnce(ctx context.Context, r Route, payload []byte, reqID string) (*Response, error) {
	reqCtx := context.WithoutCancel(ctx)

	var rd io.Reader
	if payload != nil {
		rd = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(reqCtx, r.Method, r.url(c.baseURL), rd)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("X-Request-ID", reqID)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bot "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	return &Response{
		Status:    resp.StatusCode,
		Body:      body,
		RateLimit: parseRateLimit(resp.Header),
	}, nil
}

// bucket returns the bucket for a key, creating it lazily.
func (c *Client) bucket(key string) *bucket {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.buckets[key]
	if !ok {
		b = newBucket(key)
		c.buckets[key] = b
	}
	return b
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
