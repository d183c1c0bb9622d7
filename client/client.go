package client

import (
	"context"
	"time"
)

// A Client manages communication with the GitHub runner API of one
// organization.
type Client interface {
	CreateRegistrationToken(ctx context.Context) (*RegistrationToken, error)
	GenerateJITConfig(ctx context.Context, req JITConfigRequest) (*JITConfig, error)
	// ListRunners returns every runner of the organization.
	ListRunners(ctx context.Context) ([]Runner, error)
	GetRunner(ctx context.Context, id int64) (*Runner, error)
	// DeleteRunner returns ErrNotFound when the runner is already gone.
	DeleteRunner(ctx context.Context, id int64) error
	CancelWorkflowRun(ctx context.Context, repository string, runID int64) error
	// OrgURL is the URL runner agents register against.
	OrgURL() string
}

// A TokenSource supplies the bearer token for API calls.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

type RegistrationToken struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

type JITConfigRequest struct {
	Name          string   `json:"name"`
	RunnerGroupID int64    `json:"runner_group_id"`
	Labels        []string `json:"labels"`
	WorkFolder    string   `json:"work_folder"`
}

type JITConfig struct {
	Runner           Runner `json:"runner"`
	EncodedJITConfig string `json:"encoded_jit_config"`
}

type Label struct {
	ID   int64  `json:"id,omitempty"`
	Name string `json:"name"`
	Type string `json:"type,omitempty"`
}

// Runner is a runner as reported by GitHub.
type Runner struct {
	ID     int64   `json:"id"`
	Name   string  `json:"name"`
	OS     string  `json:"os"`
	Status string  `json:"status"`
	Busy   bool    `json:"busy"`
	Labels []Label `json:"labels"`
}

// Online reports whether GitHub considers the runner connected.
func (r *Runner) Online() bool {
	return r.Status == "online"
}

// LabelNames returns the label names in reported order.
func (r *Runner) LabelNames() []string {
	names := make([]string, 0, len(r.Labels))
	for _, l := range r.Labels {
		names = append(names, l.Name)
	}
	return names
}
