package policy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ChristopherHX/gh-runner-broker/core"
	"github.com/ChristopherHX/gh-runner-broker/store"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// Default decides what happens to subjects without a policy record.
type Default string

const (
	DefaultDeny  Default = "deny"
	DefaultAllow Default = "allow"
)

// Store is the persistence the engine needs.
type Store interface {
	store.PolicyStore
	store.EventStore
	CountLiveRunners(ctx context.Context, subject core.Subject) (int, error)
}

// Decision is the outcome of a successful authorization.
type Decision struct {
	Subject         core.Subject
	EffectiveLabels []string
	Current         int
}

// Engine evaluates policies in validation and verification mode and
// records the resulting security events.
type Engine struct {
	store    Store
	fallback Default
	now      func() time.Time
	log      *log.Entry
}

func NewEngine(s Store, fallback Default) *Engine {
	if fallback == "" {
		fallback = DefaultDeny
	}
	return &Engine{
		store:    s,
		fallback: fallback,
		now:      time.Now,
		log:      log.WithField("component", "policy"),
	}
}

// Load returns the compiled policy for subject. It returns (nil, nil)
// when no record exists and the engine allows by default.
func (e *Engine) Load(ctx context.Context, subject core.Subject) (*Policy, error) {
	rec, err := e.store.GetPolicy(ctx, subject)
	if errors.Is(err, store.ErrNotFound) {
		if e.fallback == DefaultAllow {
			return nil, nil
		}
		return nil, ErrNoPolicy
	}
	if err != nil {
		return nil, err
	}
	return Compile(rec)
}

// Authorize runs validation mode for a provisioning request. Violations
// are recorded as security events before they are returned.
func (e *Engine) Authorize(ctx context.Context, caller core.Identity, subject core.Subject, requested []string) (*Decision, error) {
	p, err := e.Load(ctx, subject)
	if err != nil {
		return nil, err
	}
	current, err := e.store.CountLiveRunners(ctx, subject)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return &Decision{Subject: subject, EffectiveLabels: Effective(nil, requested), Current: current}, nil
	}

	labels, err := p.Validate(requested, current)
	if err != nil {
		var v Violation
		if errors.As(err, &v) {
			if recErr := e.recordRejection(ctx, caller, subject, v); recErr != nil {
				e.log.WithError(recErr).Errorln("cannot record security event")
			}
		}
		return nil, err
	}
	return &Decision{Subject: subject, EffectiveLabels: labels, Current: current}, nil
}

func (e *Engine) recordRejection(ctx context.Context, caller core.Identity, subject core.Subject, v Violation) error {
	ev := &core.SecurityEvent{
		Subject:  subject,
		Identity: caller.ID,
		Action:   core.ActionRequestRejected,
	}
	switch v := v.(type) {
	case *LabelViolation:
		ev.Kind = core.EventValidationDenied
		ev.Severity = core.SeverityMedium
		ev.Detail = core.EventDetail{Labels: v.Labels, AllowedPatterns: v.AllowedPatterns}
	case *QuotaExceeded:
		limit, current := v.Max, v.Current
		ev.Kind = core.EventQuotaExceeded
		ev.Severity = core.SeverityLow
		ev.Detail = core.EventDetail{Max: &limit, Current: &current}
	case *PolicyInactive:
		ev.Kind = core.EventValidationDenied
		ev.Severity = core.SeverityLow
		ev.Detail = core.EventDetail{Reason: v.Reason}
	default:
		return fmt.Errorf("unexpected violation %T", v)
	}
	e.log.WithField("subject", subject.String()).
		WithField("kind", ev.Kind).
		Warnln("provisioning request rejected by policy")
	return e.Record(ctx, ev)
}

// VerifyRunner runs verification mode for a registered runner against the
// labels observed upstream. Subjects without a policy are held to the
// labels recorded at issuance.
func (e *Engine) VerifyRunner(ctx context.Context, r *core.Runner, observed []string) (*VerificationViolation, error) {
	rec, err := e.store.GetPolicy(ctx, r.Subject)
	var p *Policy
	switch {
	case errors.Is(err, store.ErrNotFound):
		p = Recorded(r)
	case err != nil:
		return nil, err
	default:
		if p, err = Compile(rec); err != nil {
			return nil, err
		}
	}
	return p.Verify(r.Labels, observed), nil
}

// RecordViolation stores the high severity event for a runner that failed
// verification.
func (e *Engine) RecordViolation(ctx context.Context, r *core.Runner, v *VerificationViolation, action core.Action, detail core.EventDetail) error {
	detail.Expected = v.Expected
	detail.Actual = v.Actual
	detail.Mismatched = v.Mismatched
	return e.Record(ctx, &core.SecurityEvent{
		Kind:       core.EventVerificationViolation,
		Severity:   core.SeverityHigh,
		Subject:    r.Subject,
		Identity:   r.Owner,
		RunnerID:   r.ID,
		RunnerName: r.Name,
		Detail:     detail,
		Action:     action,
	})
}

// Record appends ev to the security event log.
func (e *Engine) Record(ctx context.Context, ev *core.SecurityEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = e.now().UTC()
	}
	return e.store.AppendEvent(ctx, ev)
}

// Events lists recorded security events.
func (e *Engine) Events(ctx context.Context, filter core.EventFilter) ([]*core.SecurityEvent, error) {
	return e.store.ListEvents(ctx, filter)
}

// Get returns the stored policy record for subject.
func (e *Engine) Get(ctx context.Context, subject core.Subject) (*core.PolicyRecord, error) {
	return e.store.GetPolicy(ctx, subject)
}

// List returns all stored policy records.
func (e *Engine) List(ctx context.Context) ([]*core.PolicyRecord, error) {
	return e.store.ListPolicies(ctx)
}

// Put validates and stores a policy record.
func (e *Engine) Put(ctx context.Context, rec *core.PolicyRecord) error {
	if _, err := core.ParseSubject(rec.Subject.String()); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPolicy, err)
	}
	for _, l := range rec.RequiredLabels {
		if err := ValidateLabel(l); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidPolicy, err)
		}
	}
	if _, err := Compile(rec); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPolicy, err)
	}
	now := e.now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	if err := e.store.PutPolicy(ctx, rec); err != nil {
		return err
	}
	e.log.WithField("subject", rec.Subject.String()).Infoln("policy stored")
	return nil
}

// Delete removes the policy record for subject.
func (e *Engine) Delete(ctx context.Context, subject core.Subject) error {
	return e.store.DeletePolicy(ctx, subject)
}
