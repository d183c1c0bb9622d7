package provision

import (
	"context"
	"errors"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/ChristopherHX/gh-runner-broker/audit"
	"github.com/ChristopherHX/gh-runner-broker/client"
	"github.com/ChristopherHX/gh-runner-broker/core"
	"github.com/ChristopherHX/gh-runner-broker/policy"
	"github.com/ChristopherHX/gh-runner-broker/store"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

const (
	maxNameLength   = 100
	maxPrefixLength = 50
	prefixAttempts  = 5
	suffixLength    = 6
	deleteAttempts  = 3
)

var nameRe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Authorizer is the policy gate.
type Authorizer interface {
	Authorize(ctx context.Context, caller core.Identity, subject core.Subject, requested []string) (*policy.Decision, error)
}

// Syncer refreshes one runner from upstream.
type Syncer interface {
	SyncRunner(ctx context.Context, id string) (*core.Runner, error)
}

// Request is a provisioning request.
type Request struct {
	Name          string   `json:"runner_name"`
	NamePrefix    string   `json:"runner_name_prefix"`
	Labels        []string `json:"labels"`
	Ephemeral     *bool    `json:"ephemeral"`
	DisableUpdate bool     `json:"disable_update"`
	RunnerGroupID int64    `json:"runner_group_id"`
	Group         string   `json:"group"`
}

// Result is returned to the caller exactly once.
type Result struct {
	Runner       *core.Runner
	Secret       string
	ExpiresAt    *time.Time
	Instructions string
}

// Options configures an Orchestrator.
type Options struct {
	DefaultRunnerGroupID int64
	// PendingTimeout bounds the registration window when upstream does not
	// report an expiry.
	PendingTimeout time.Duration
	Admins         []string
	// Audit receives provisioning and deletion records. Optional.
	Audit *audit.Log
}

// Orchestrator turns authorized requests into runner records.
type Orchestrator struct {
	store      store.RunnerStore
	gate       Authorizer
	client     client.Client
	syncer     Syncer
	strategies map[core.Method]IssuanceStrategy
	opts       Options
	admins     map[string]struct{}
	now        func() time.Time
	log        *log.Entry
}

func New(s store.RunnerStore, gate Authorizer, cli client.Client, syncer Syncer, opts Options, strategies ...IssuanceStrategy) *Orchestrator {
	if opts.DefaultRunnerGroupID == 0 {
		opts.DefaultRunnerGroupID = 1
	}
	if opts.PendingTimeout <= 0 {
		opts.PendingTimeout = time.Hour
	}
	o := &Orchestrator{
		store:      s,
		gate:       gate,
		client:     cli,
		syncer:     syncer,
		strategies: map[core.Method]IssuanceStrategy{},
		opts:       opts,
		admins:     map[string]struct{}{},
		now:        time.Now,
		log:        log.WithField("component", "provision"),
	}
	for _, st := range strategies {
		o.strategies[st.Method()] = st
	}
	for _, a := range opts.Admins {
		o.admins[a] = struct{}{}
	}
	return o
}

// IsAdmin reports whether the caller may use administrative operations,
// either as a configured administrator or through its account.
func (o *Orchestrator) IsAdmin(caller core.Identity) bool {
	if caller.Account != nil && caller.Account.Admin {
		return true
	}
	_, ok := o.admins[caller.ID]
	return ok
}

func validateRequest(req *Request) error {
	switch {
	case req.Name != "" && req.NamePrefix != "":
		return invalid("runner_name and runner_name_prefix are mutually exclusive")
	case req.Name == "" && req.NamePrefix == "":
		return invalid("one of runner_name or runner_name_prefix is required")
	case req.Name != "" && (len(req.Name) > maxNameLength || !nameRe.MatchString(req.Name)):
		return invalid("runner_name must be 1-%d characters of letters, digits, '-' and '_'", maxNameLength)
	case req.NamePrefix != "" && (len(req.NamePrefix) > maxPrefixLength || !nameRe.MatchString(req.NamePrefix)):
		return invalid("runner_name_prefix must be 1-%d characters of letters, digits, '-' and '_'", maxPrefixLength)
	case req.RunnerGroupID < 0:
		return invalid("runner_group_id must be positive")
	}
	if err := policy.ValidateLabels(req.Labels); err != nil {
		return invalid("%v", err)
	}
	return nil
}

// Subject resolves the policy subject of a request. Group subjects require
// the caller to carry the group claim.
func (o *Orchestrator) Subject(caller core.Identity, group string) (core.Subject, error) {
	if group == "" {
		return core.UserSubject(caller.ID), nil
	}
	if !caller.InGroup(group) {
		return core.Subject{}, ErrForbidden
	}
	return core.GroupSubject(group), nil
}

// Provision runs the policy gate and issues a runner with the given method.
// No upstream call is made unless the policy allows the request. Every
// attempt is written to the audit log.
func (o *Orchestrator) Provision(ctx context.Context, caller core.Identity, method core.Method, req Request) (*Result, error) {
	res, err := o.provision(ctx, caller, method, req)

	e := core.AuditEntry{
		Kind:     core.AuditProvision,
		Identity: caller.ID,
		Data: map[string]any{
			"method": string(method),
			"labels": req.Labels,
		},
		Success: err == nil,
		Error:   audit.ErrString(err),
	}
	if res != nil {
		e.RunnerID = res.Runner.ID
		e.RunnerName = res.Runner.Name
		e.Data["labels"] = res.Runner.Labels
	} else {
		e.RunnerName = req.Name
	}
	o.opts.Audit.Record(ctx, e)
	return res, err
}

func (o *Orchestrator) provision(ctx context.Context, caller core.Identity, method core.Method, req Request) (*Result, error) {
	if err := validateRequest(&req); err != nil {
		return nil, err
	}
	strategy, ok := o.strategies[method]
	if !ok {
		return nil, ErrMethodDisabled
	}
	if caller.Account != nil && !caller.Account.Allows(method) {
		return nil, ErrMethodForbidden
	}
	subject, err := o.Subject(caller, req.Group)
	if err != nil {
		return nil, err
	}

	if req.Name != "" {
		if _, err := o.store.GetLiveRunnerByName(ctx, req.Name); err == nil {
			return nil, ErrNameConflict
		} else if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}

	decision, err := o.gate.Authorize(ctx, caller, subject, req.Labels)
	if err != nil {
		return nil, err
	}

	ephemeral := true
	if req.Ephemeral != nil {
		ephemeral = *req.Ephemeral
	}
	groupID := req.RunnerGroupID
	if groupID == 0 {
		groupID = o.opts.DefaultRunnerGroupID
	}

	attempts := 1
	if req.NamePrefix != "" {
		attempts = prefixAttempts
	}
	for i := 0; i < attempts; i++ {
		name := req.Name
		if name == "" {
			name = req.NamePrefix + "-" + suffix()
			if _, err := o.store.GetLiveRunnerByName(ctx, name); err == nil {
				continue
			} else if !errors.Is(err, store.ErrNotFound) {
				return nil, err
			}
		}

		spec := Spec{
			Name:          name,
			Labels:        decision.EffectiveLabels,
			Ephemeral:     ephemeral,
			DisableUpdate: req.DisableUpdate,
			RunnerGroupID: groupID,
		}
		result, err := o.issue(ctx, caller, subject, req.Group, strategy, spec)
		if errors.Is(err, ErrNameConflict) && req.Name == "" {
			continue
		}
		return result, err
	}
	return nil, ErrNameConflict
}

func (o *Orchestrator) issue(ctx context.Context, caller core.Identity, subject core.Subject, group string, strategy IssuanceStrategy, spec Spec) (*Result, error) {
	issued, err := strategy.Issue(ctx, spec)
	if err != nil {
		var apiErr *client.APIError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusConflict {
			return nil, ErrNameConflict
		}
		return nil, err
	}

	now := o.now().UTC()
	expires := issued.ExpiresAt
	if expires == nil {
		e := now.Add(o.opts.PendingTimeout)
		expires = &e
	}
	r := &core.Runner{
		ID:                  uuid.NewString(),
		ExternalID:          issued.ExternalID,
		Name:                spec.Name,
		Labels:              spec.Labels,
		Ephemeral:           issued.Ephemeral,
		DisableUpdate:       spec.DisableUpdate,
		RunnerGroupID:       spec.RunnerGroupID,
		Owner:               caller.ID,
		Group:               group,
		Subject:             subject,
		Method:              strategy.Method(),
		Status:              core.StatusPending,
		CredentialExpiresAt: expires,
		Compliance:          core.ComplianceUnknown,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if issued.Persist {
		r.Credential = issued.Secret
	}

	if err := o.store.CreateRunner(ctx, r); err != nil {
		if revokeErr := strategy.Revoke(context.WithoutCancel(ctx), issued); revokeErr != nil {
			o.log.WithError(revokeErr).WithField("runner", spec.Name).
				Errorln("cannot revoke upstream runner after failed insert")
		}
		if errors.Is(err, store.ErrNameConflict) {
			return nil, ErrNameConflict
		}
		return nil, err
	}

	o.log.WithField("runner", r.Name).
		WithField("id", r.ID).
		WithField("method", r.Method).
		WithField("subject", subject.String()).
		Infoln("runner issued")

	return &Result{
		Runner:       r,
		Secret:       issued.Secret,
		ExpiresAt:    expires,
		Instructions: issued.Instructions,
	}, nil
}

func suffix() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:suffixLength]
}

func (o *Orchestrator) visible(caller core.Identity, r *core.Runner) bool {
	if r.Owner == caller.ID || o.IsAdmin(caller) {
		return true
	}
	return r.Group != "" && caller.InGroup(r.Group)
}

// List returns the caller's runners. Admins may pass all to list every
// runner.
func (o *Orchestrator) List(ctx context.Context, caller core.Identity, filter core.RunnerFilter, all bool) ([]*core.Runner, int, error) {
	if all {
		if !o.IsAdmin(caller) {
			return nil, 0, ErrForbidden
		}
	} else {
		filter.Owner = caller.ID
	}
	return o.store.ListRunners(ctx, filter)
}

// Get returns a runner visible to the caller.
func (o *Orchestrator) Get(ctx context.Context, caller core.Identity, id string) (*core.Runner, error) {
	r, err := o.store.GetRunner(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if !o.visible(caller, r) {
		return nil, ErrNotFound
	}
	return r, nil
}

// Refresh reconciles one runner with upstream and returns its new state.
func (o *Orchestrator) Refresh(ctx context.Context, caller core.Identity, id string) (*core.Runner, error) {
	if _, err := o.Get(ctx, caller, id); err != nil {
		return nil, err
	}
	r, err := o.syncer.SyncRunner(ctx, id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return nil, ErrNotFound
	case err != nil:
		return nil, upstream("refresh runner", err)
	}
	return r, nil
}

// Delete removes the runner upstream and marks it deleted. Deleting an
// already deleted runner is a no-op.
func (o *Orchestrator) Delete(ctx context.Context, caller core.Identity, id string) (*core.Runner, error) {
	r, err := o.Get(ctx, caller, id)
	if err != nil {
		return nil, err
	}
	if !r.Live() {
		return r, nil
	}

	name := r.Name
	r, err = o.remove(ctx, r)
	o.opts.Audit.Record(ctx, core.AuditEntry{
		Kind:       core.AuditDeprovision,
		Identity:   caller.ID,
		RunnerID:   id,
		RunnerName: name,
		Success:    err == nil,
		Error:      audit.ErrString(err),
	})
	if err != nil {
		return nil, err
	}
	o.log.WithField("runner", r.Name).WithField("id", r.ID).Infoln("runner deleted by caller")
	return r, nil
}

// remove deletes r upstream and then marks the record deleted. The record
// stays live when the upstream call fails.
func (o *Orchestrator) remove(ctx context.Context, r *core.Runner) (*core.Runner, error) {
	var err error
	externalID := r.ExternalID
	if externalID == nil {
		if externalID, err = o.findUpstream(ctx, r.Name); err != nil {
			return nil, err
		}
	}
	if externalID != nil {
		if err := o.client.DeleteRunner(ctx, *externalID); err != nil && !errors.Is(err, client.ErrNotFound) {
			return nil, upstream("delete runner", err)
		}
	}

	id := r.ID
	for i := 0; i < deleteAttempts; i++ {
		now := o.now().UTC()
		r.Status = core.StatusDeleted
		r.DeletedAt = &now
		r.UpdatedAt = now
		r.Credential = ""
		err = o.store.UpdateRunner(ctx, r, r.Version)
		if !errors.Is(err, store.ErrStale) {
			break
		}
		if r, err = o.store.GetRunner(ctx, id); err != nil {
			return nil, err
		}
		if !r.Live() {
			return r, nil
		}
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (o *Orchestrator) findUpstream(ctx context.Context, name string) (*int64, error) {
	runners, err := o.client.ListRunners(ctx)
	if err != nil {
		return nil, upstream("list runners", err)
	}
	for _, u := range runners {
		if u.Name == name {
			id := u.ID
			return &id, nil
		}
	}
	return nil, nil
}
