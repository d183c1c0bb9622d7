package client

import (
	"net/http"
	"time"
)

type config struct {
	httpClient  *http.Client
	apiURL      string
	webURL      string
	timeout     time.Duration
	maxAttempts int
	collector   *APIRequestsCollector
}

// An Option configures the client.
type Option interface {
	apply(*config)
}

// OptionFunc is a function that configure a value.
type OptionFunc func(*config)

// Apply calls f(option)
func (f OptionFunc) apply(cfg *config) {
	f(cfg)
}

// WithHTTPClient replaces the default http client.
func WithHTTPClient(c *http.Client) Option {
	return OptionFunc(func(cfg *config) {
		if c != nil {
			cfg.httpClient = c
		}
	})
}

// WithAPIURL sets the REST API base, for GitHub Enterprise Server.
func WithAPIURL(u string) Option {
	return OptionFunc(func(cfg *config) {
		if u != "" {
			cfg.apiURL = u
		}
	})
}

// WithWebURL sets the web base used in runner configuration URLs.
func WithWebURL(u string) Option {
	return OptionFunc(func(cfg *config) {
		if u != "" {
			cfg.webURL = u
		}
	})
}

// WithTimeout bounds every API call, including retries.
func WithTimeout(d time.Duration) Option {
	return OptionFunc(func(cfg *config) {
		if d > 0 {
			cfg.timeout = d
		}
	})
}

// WithMaxAttempts caps attempts per request.
func WithMaxAttempts(n int) Option {
	return OptionFunc(func(cfg *config) {
		cfg.maxAttempts = n
	})
}

// WithCollector records request metrics.
func WithCollector(c *APIRequestsCollector) Option {
	return OptionFunc(func(cfg *config) {
		cfg.collector = c
	})
}
