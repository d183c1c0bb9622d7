package client

import (
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	_ prometheus.Collector = new(APIRequestsCollector)

	requestDurationBuckets = []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}
)

// APIRequestsCollector exposes GitHub API request metrics.
type APIRequestsCollector struct {
	statuses  *prometheus.CounterVec
	durations *prometheus.HistogramVec
	attempts  *prometheus.CounterVec
}

func NewAPIRequestsCollector() *APIRequestsCollector {
	return &APIRequestsCollector{
		statuses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "runner_broker_github_request_statuses_total",
				Help: "The total number of GitHub API requests, partitioned by endpoint, status and method.",
			},
			[]string{"endpoint", "status", "method"},
		),
		durations: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "runner_broker_github_request_duration_seconds",
				Help:    "Latency histogram of GitHub API requests, partitioned by endpoint and method.",
				Buckets: requestDurationBuckets,
			},
			[]string{"endpoint", "method"},
		),
		attempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "runner_broker_github_request_attempts_total",
				Help: "The total number of attempts made to complete GitHub API requests, partitioned by endpoint and method.",
			},
			[]string{"endpoint", "method"},
		),
	}
}

// Observe records one attempt. status 0 means a transport error.
func (c *APIRequestsCollector) Observe(path, method string, status int, d time.Duration) {
	if c == nil {
		return
	}
	endpoint := normalizedURI(path)
	c.statuses.WithLabelValues(endpoint, strconv.Itoa(status), method).Inc()
	c.durations.WithLabelValues(endpoint, method).Observe(d.Seconds())
}

// AddAttempts records the attempts made for one logical request.
func (c *APIRequestsCollector) AddAttempts(path, method string, n float64) {
	if c == nil {
		return
	}
	c.attempts.WithLabelValues(normalizedURI(path), method).Add(n)
}

func (c *APIRequestsCollector) Describe(ch chan<- *prometheus.Desc) {
	c.statuses.Describe(ch)
	c.durations.Describe(ch)
	c.attempts.Describe(ch)
}

func (c *APIRequestsCollector) Collect(ch chan<- prometheus.Metric) {
	c.statuses.Collect(ch)
	c.durations.Collect(ch)
	c.attempts.Collect(ch)
}

// normalizedURI replaces numeric path segments and the organization
// segment to keep label cardinality bounded.
func normalizedURI(path string) string {
	segments := strings.Split(path, "/")
	for i, segment := range segments {
		if segment == "" {
			continue
		}
		if _, err := strconv.ParseInt(segment, 10, 64); err == nil {
			segments[i] = "{id}"
			continue
		}
		if i > 0 && (segments[i-1] == "orgs" || segments[i-1] == "repos") {
			segments[i] = "{owner}"
		} else if i > 1 && segments[i-2] == "repos" {
			segments[i] = "{repo}"
		}
	}
	return strings.Join(segments, "/")
}
