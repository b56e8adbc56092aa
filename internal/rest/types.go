package rest

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// Errors.
var (
	// ErrRateLimitCeiling is returned when the server demands a wait longer
	// than the configured sanity ceiling.
	ErrRateLimitCeiling = errors.New("rest: rate limit wait exceeds sanity ceiling")
)

// HTTPError is a non-2xx response from the API.
type HTTPError struct {
	Status  int
	Code    int // vendor business code from the error body, 0 if absent
	Message string
	Body    []byte
}

func (e *HTTPError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("rest: api error %d (code %d): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("rest: api error %d: %s", e.Status, e.Message)
}

// Retryable reports whether the dispatcher may retry the request.
func (e *HTTPError) Retryable() bool {
	return e.Status >= 500
}

// AuthFailure reports whether the error is an authentication/authorization
// rejection. These are terminal: retrying cannot help.
func (e *HTTPError) AuthFailure() bool {
	return e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden
}

// errorBody is the vendor's error response shape.
type errorBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func newHTTPError(status int, body []byte) *HTTPError {
	e := &HTTPError{
		Status:  status,
		Message: http.StatusText(status),
		Body:    body,
	}
	var eb errorBody
	if json.Unmarshal(body, &eb) == nil && eb.Message != "" {
		e.Code = eb.Code
		e.Message = eb.Message
	}
	return e
}

// RateLimit is the rate-limit metadata carried on a response.
type RateLimit struct {
	Limit      int
	Remaining  int
	HasState   bool // true when the limit/remaining/reset headers were present
	ResetAfter time.Duration
	Bucket     string
	RetryAfter time.Duration // 429 only
	Global     bool          // 429 only
}

// parseRateLimit extracts rate-limit metadata from response headers.
func parseRateLimit(h http.Header) RateLimit {
	var rl RateLimit

	if v := h.Get("X-RateLimit-Limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			rl.Limit = n
			rl.HasState = true
		}
	}
	if v := h.Get("X-RateLimit-Remaining"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			rl.Remaining = n
		}
	}
	if v := h.Get("X-RateLimit-Reset-After"); v != "" {
		if secs, err := strconv.ParseFloat(v, 64); err == nil {
			rl.ResetAfter = time.Duration(secs * float64(time.Second))
		}
	}
	rl.Bucket = h.Get("X-RateLimit-Bucket")

	if v := h.Get("Retry-After"); v != "" {
		if secs, err := strconv.ParseFloat(v, 64); err == nil {
			rl.RetryAfter = time.Duration(secs * float64(time.Second))
		}
	}
	rl.Global = h.Get("X-RateLimit-Global") == "true"

	return rl
}

// Response is the terminal result of a dispatched request.
type Response struct {
	Status    int
	Body      []byte
	RateLimit RateLimit
}
