package provision

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ChristopherHX/gh-runner-broker/client"
	"github.com/ChristopherHX/gh-runner-broker/core"
)

// Spec is what a strategy is asked to issue.
type Spec struct {
	Name          string
	Labels        []string
	Ephemeral     bool
	DisableUpdate bool
	RunnerGroupID int64
}

// Issued is the upstream material produced for one runner.
type Issued struct {
	Secret     string
	ExpiresAt  *time.Time
	ExternalID *int64
	// Persist keeps Secret on the runner record until registration.
	Persist      bool
	Ephemeral    bool
	Instructions string
}

// An IssuanceStrategy mints runner credentials after the policy gate
// passed. Revoke undoes an issuance whose record could not be stored.
type IssuanceStrategy interface {
	Method() core.Method
	Issue(ctx context.Context, spec Spec) (*Issued, error)
	Revoke(ctx context.Context, issued *Issued) error
}

var (
	_ IssuanceStrategy = (*RegistrationTokenStrategy)(nil)
	_ IssuanceStrategy = (*JITStrategy)(nil)
)

// RegistrationTokenStrategy hands out a single use registration token.
// The agent reports its own labels, so verification is the only check
// on what it registers with.
type RegistrationTokenStrategy struct {
	Client client.Client
}

func (s *RegistrationTokenStrategy) Method() core.Method {
	return core.MethodRegistrationToken
}

func (s *RegistrationTokenStrategy) Issue(ctx context.Context, spec Spec) (*Issued, error) {
	tok, err := s.Client.CreateRegistrationToken(ctx)
	if err != nil {
		return nil, upstream("create registration token", err)
	}
	var expires *time.Time
	if !tok.ExpiresAt.IsZero() {
		e := tok.ExpiresAt.UTC()
		expires = &e
	}
	return &Issued{
		Secret:       tok.Token,
		ExpiresAt:    expires,
		Persist:      true,
		Ephemeral:    spec.Ephemeral,
		Instructions: ConfigCommand(s.Client.OrgURL(), tok.Token, spec),
	}, nil
}

// Revoke is a no-op: registration tokens cannot be revoked and expire
// on their own.
func (s *RegistrationTokenStrategy) Revoke(context.Context, *Issued) error {
	return nil
}

// ConfigCommand renders the agent configuration command line.
func ConfigCommand(orgURL, token string, spec Spec) string {
	var b strings.Builder
	fmt.Fprintf(&b, "./config.sh --url %s --token %s --name %s --unattended", orgURL, token, spec.Name)
	if len(spec.Labels) > 0 {
		fmt.Fprintf(&b, " --labels %s", strings.Join(spec.Labels, ","))
	}
	if spec.Ephemeral {
		b.WriteString(" --ephemeral")
	}
	if spec.DisableUpdate {
		b.WriteString(" --disableupdate")
	}
	return b.String()
}

// JITStrategy asks GitHub to pre-register the runner with its labels and
// returns the one-shot configuration. JIT runners are always ephemeral.
type JITStrategy struct {
	Client client.Client
}

func (s *JITStrategy) Method() core.Method {
	return core.MethodJIT
}

func (s *JITStrategy) Issue(ctx context.Context, spec Spec) (*Issued, error) {
	cfg, err := s.Client.GenerateJITConfig(ctx, client.JITConfigRequest{
		Name:          spec.Name,
		RunnerGroupID: spec.RunnerGroupID,
		Labels:        spec.Labels,
		WorkFolder:    "_work",
	})
	if err != nil {
		return nil, upstream("generate jit config", err)
	}
	id := cfg.Runner.ID
	return &Issued{
		Secret:       cfg.EncodedJITConfig,
		ExternalID:   &id,
		Ephemeral:    true,
		Instructions: "./run.sh --jitconfig " + cfg.EncodedJITConfig,
	}, nil
}

// Revoke deletes the pre-registered upstream runner.
func (s *JITStrategy) Revoke(ctx context.Context, issued *Issued) error {
	if issued == nil || issued.ExternalID == nil {
		return nil
	}
	err := s.Client.DeleteRunner(ctx, *issued.ExternalID)
	if errors.Is(err, client.ErrNotFound) {
		return nil
	}
	return err
}
