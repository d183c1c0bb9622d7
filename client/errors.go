package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"
)

// ErrNotFound matches APIError values with status 404.
var ErrNotFound = errors.New("github: not found")

// APIError is a non-success response from GitHub.
type APIError struct {
	Method     string
	Path       string
	Status     int
	Message    string
	RetryAfter time.Duration

	rateLimited bool
}

func (e *APIError) Error() string {
	return fmt.Sprintf("github: %s %s: status %d: %s", e.Method, e.Path, e.Status, e.Message)
}

func (e *APIError) Is(target error) bool {
	return target == ErrNotFound && e.Status == http.StatusNotFound
}

// RateLimited reports primary or secondary rate limiting.
func (e *APIError) RateLimited() bool {
	return e.Status == http.StatusTooManyRequests || e.rateLimited
}

// Temporary reports whether the request may succeed when retried later.
func (e *APIError) Temporary() bool {
	if e.RateLimited() {
		return true
	}
	_, ok := retryStatuses[e.Status]
	return ok || e.Status >= 500
}

// IsRateLimited reports whether err is a rate limit response.
func IsRateLimited(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.RateLimited()
}

// IsTemporary reports whether err is a retryable upstream failure:
// timeouts, transport errors and retryable statuses.
func IsTemporary(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Temporary()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

func isRateLimitResponse(resp *http.Response, message string) bool {
	if resp.StatusCode == http.StatusTooManyRequests {
		return true
	}
	if resp.StatusCode != http.StatusForbidden {
		return false
	}
	return resp.Header.Get("X-RateLimit-Remaining") == "0" ||
		resp.Header.Get(retryAfterHeader) != "" ||
		strings.Contains(strings.ToLower(message), "rate limit")
}
