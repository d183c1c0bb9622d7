package client

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/jpillora/backoff"
	log "github.com/sirupsen/logrus"
)

const (
	backOffMinDelay      = 200 * time.Millisecond
	backOffMaxDelay      = 10 * time.Second
	backOffDelayFactor   = 2.0
	defaultMaxAttempts   = 3
	retryAfterHeader     = "Retry-After"
	rateLimitResetHeader = "X-RateLimit-Reset"
)

var retryStatuses = map[int]struct{}{
	http.StatusRequestTimeout:      {},
	http.StatusTooManyRequests:     {},
	http.StatusInternalServerError: {},
	http.StatusBadGateway:          {},
	http.StatusServiceUnavailable:  {},
	http.StatusGatewayTimeout:      {},
}

type requester interface {
	Do(req *http.Request) (*http.Response, error)
}

// retryRequester retries retryable statuses with exponential backoff. A
// server requested wait longer than the backoff ceiling is not honoured;
// the response is returned so callers can defer the work instead.
type retryRequester struct {
	client      requester
	collector   *APIRequestsCollector
	maxAttempts int
	now         func() time.Time
}

func newRetryRequester(client requester, collector *APIRequestsCollector, maxAttempts int) *retryRequester {
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	return &retryRequester{
		client:      client,
		collector:   collector,
		maxAttempts: maxAttempts,
		now:         time.Now,
	}
}

func (r *retryRequester) Do(req *http.Request) (*http.Response, error) {
	logger := log.WithFields(log.Fields{
		"context": "github-request",
		"path":    req.URL.Path,
		"method":  req.Method,
	})
	bo := &backoff.Backoff{
		Min:    backOffMinDelay,
		Max:    backOffMaxDelay,
		Factor: backOffDelayFactor,
		Jitter: true,
	}

	attempts := 0
	defer func() {
		r.collector.AddAttempts(req.URL.Path, req.Method, float64(attempts))
	}()

	for {
		start := r.now()
		resp, err := r.client.Do(req)
		attempts++
		if err != nil {
			r.collector.Observe(req.URL.Path, req.Method, 0, time.Since(start))
			return nil, fmt.Errorf("couldn't execute %s against %s: %w", req.Method, req.URL.Path, err)
		}
		r.collector.Observe(req.URL.Path, req.Method, resp.StatusCode, time.Since(start))

		if !shouldRetry(resp) || attempts >= r.maxAttempts {
			return resp, nil
		}

		wait := r.waitTime(resp, bo)
		if wait > backOffMaxDelay {
			return resp, nil
		}

		drain(resp)
		logger.WithField("duration", wait).
			WithField("status", resp.StatusCode).
			Debugln("retrying github request")

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-req.Context().Done():
			timer.Stop()
			return nil, req.Context().Err()
		}

		if req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, fmt.Errorf("failed to get body: %w", err)
			}
			req.Body = body
		}
	}
}

func shouldRetry(resp *http.Response) bool {
	if _, ok := retryStatuses[resp.StatusCode]; ok {
		return true
	}
	// secondary rate limits are reported as 403 with Retry-After
	return resp.StatusCode == http.StatusForbidden && resp.Header.Get(retryAfterHeader) != ""
}

func (r *retryRequester) waitTime(resp *http.Response, bo *backoff.Backoff) time.Duration {
	if d := parseRetryAfter(resp); d > 0 {
		return d
	}
	if resp.Header.Get("X-RateLimit-Remaining") == "0" {
		if d := parseReset(resp, r.now()); d > 0 {
			return d
		}
	}
	return bo.Duration()
}

func parseRetryAfter(resp *http.Response) time.Duration {
	v := resp.Header.Get(retryAfterHeader)
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		log.WithError(err).WithField("header", retryAfterHeader).Warnln("couldn't parse retry after header")
		return 0
	}
	return time.Duration(secs) * time.Second
}

func parseReset(resp *http.Response, now time.Time) time.Duration {
	v := resp.Header.Get(rateLimitResetHeader)
	if v == "" {
		return 0
	}
	unix, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0
	}
	return time.Unix(unix, 0).Sub(now)
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
	_ = resp.Body.Close()
}
