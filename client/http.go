package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	defaultAPIURL  = "https://api.github.com"
	defaultWebURL  = "https://github.com"
	defaultTimeout = 15 * time.Second
	perPage        = 100
	apiVersion     = "2022-11-28"
)

var _ Client = (*HTTPClient)(nil)

// New returns a client for the runners of org, authenticated by tokens.
func New(org string, tokens TokenSource, opts ...Option) *HTTPClient {
	cfg := &config{
		httpClient:  &http.Client{},
		apiURL:      defaultAPIURL,
		webURL:      defaultWebURL,
		timeout:     defaultTimeout,
		maxAttempts: defaultMaxAttempts,
	}
	for _, opt := range opts {
		opt.apply(cfg)
	}
	return &HTTPClient{
		Org:       org,
		APIURL:    strings.TrimSuffix(cfg.apiURL, "/"),
		WebURL:    strings.TrimSuffix(cfg.webURL, "/"),
		tokens:    tokens,
		timeout:   cfg.timeout,
		requester: newRetryRequester(cfg.httpClient, cfg.collector, cfg.maxAttempts),
	}
}

// An HTTPClient manages communication with the GitHub REST API.
type HTTPClient struct {
	Org    string
	APIURL string
	WebURL string

	tokens    TokenSource
	timeout   time.Duration
	requester requester
}

func (c *HTTPClient) OrgURL() string {
	return c.WebURL + "/" + c.Org
}

func (c *HTTPClient) orgPath(format string, args ...any) string {
	return "/orgs/" + url.PathEscape(c.Org) + fmt.Sprintf(format, args...)
}

func (c *HTTPClient) CreateRegistrationToken(ctx context.Context) (*RegistrationToken, error) {
	var out RegistrationToken
	if err := c.do(ctx, http.MethodPost, c.orgPath("/actions/runners/registration-token"), nil, &out, http.StatusCreated); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) GenerateJITConfig(ctx context.Context, req JITConfigRequest) (*JITConfig, error) {
	if req.WorkFolder == "" {
		req.WorkFolder = "_work"
	}
	var out JITConfig
	if err := c.do(ctx, http.MethodPost, c.orgPath("/actions/runners/generate-jitconfig"), req, &out, http.StatusCreated); err != nil {
		return nil, err
	}
	return &out, nil
}

type runnerList struct {
	TotalCount int      `json:"total_count"`
	Runners    []Runner `json:"runners"`
}

func (c *HTTPClient) ListRunners(ctx context.Context) ([]Runner, error) {
	var all []Runner
	for page := 1; ; page++ {
		var out runnerList
		path := c.orgPath("/actions/runners?per_page=%d&page=%d", perPage, page)
		if err := c.do(ctx, http.MethodGet, path, nil, &out, http.StatusOK); err != nil {
			return nil, err
		}
		all = append(all, out.Runners...)
		if len(out.Runners) < perPage || len(all) >= out.TotalCount {
			return all, nil
		}
	}
}

func (c *HTTPClient) GetRunner(ctx context.Context, id int64) (*Runner, error) {
	var out Runner
	if err := c.do(ctx, http.MethodGet, c.orgPath("/actions/runners/%d", id), nil, &out, http.StatusOK); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) DeleteRunner(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodDelete, c.orgPath("/actions/runners/%d", id), nil, nil, http.StatusNoContent)
}

// CancelWorkflowRun cancels a run of repository ("owner/name"). A run that
// can no longer be cancelled is not an error.
func (c *HTTPClient) CancelWorkflowRun(ctx context.Context, repository string, runID int64) error {
	owner, name, ok := strings.Cut(repository, "/")
	if !ok {
		owner, name = c.Org, repository
	}
	path := "/repos/" + url.PathEscape(owner) + "/" + url.PathEscape(name) + "/actions/runs/" + strconv.FormatInt(runID, 10) + "/cancel"
	err := c.do(ctx, http.MethodPost, path, nil, nil, http.StatusAccepted)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusConflict {
		return nil
	}
	return err
}

func (c *HTTPClient) do(ctx context.Context, method, path string, in, out any, expected int) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	token, err := c.tokens.Token(ctx)
	if err != nil {
		return err
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.APIURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", apiVersion)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.requester.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode != expected && resp.StatusCode/100 != 2 {
		return newAPIError(req, resp, data)
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("github: decode %s %s: %w", method, req.URL.Path, err)
	}
	return nil
}

func newAPIError(req *http.Request, resp *http.Response, body []byte) *APIError {
	var payload struct {
		Message string `json:"message"`
	}
	_ = json.Unmarshal(body, &payload)
	if payload.Message == "" {
		payload.Message = http.StatusText(resp.StatusCode)
	}
	return &APIError{
		Method:      req.Method,
		Path:        req.URL.Path,
		Status:      resp.StatusCode,
		Message:     payload.Message,
		RetryAfter:  parseRetryAfter(resp),
		rateLimited: isRateLimitResponse(resp, payload.Message),
	}
}
