package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ChristopherHX/gh-runner-broker/client"
	"github.com/ChristopherHX/gh-runner-broker/core"
	"github.com/ChristopherHX/gh-runner-broker/policy"
	"github.com/ChristopherHX/gh-runner-broker/store"

	"github.com/avast/retry-go/v4"
	"github.com/hashicorp/go-multierror"
	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"
)

// ErrRateLimited aborts a cycle; the next tick retries.
var ErrRateLimited = errors.New("reconcile: upstream rate limited")

const updateAttempts = 3

// Verifier is the verification half of the policy engine.
type Verifier interface {
	VerifyRunner(ctx context.Context, r *core.Runner, observed []string) (*policy.VerificationViolation, error)
	RecordViolation(ctx context.Context, r *core.Runner, v *policy.VerificationViolation, action core.Action, detail core.EventDetail) error
}

// Summary counts what one cycle did.
type Summary struct {
	Upstream   int `json:"upstream"`
	Checked    int `json:"checked"`
	Registered int `json:"registered"`
	Updated    int `json:"updated"`
	Deleted    int `json:"deleted"`
	Verified   int `json:"verified"`
	Violations int `json:"violations"`
	Unchanged  int `json:"unchanged"`
	Skipped    int `json:"skipped"`
	Errors     int `json:"errors"`
}

// Status describes the most recent cycle and the loop configuration.
type Status struct {
	Running        bool       `json:"running"`
	Cycles         int        `json:"cycles"`
	LastStarted    *time.Time `json:"last_started_at,omitempty"`
	LastFinished   *time.Time `json:"last_finished_at,omitempty"`
	LastResult     string     `json:"last_result,omitempty"`
	LastError      string     `json:"last_error,omitempty"`
	LastSummary    *Summary   `json:"last_summary,omitempty"`
	Interval       string     `json:"interval"`
	PendingTimeout string     `json:"pending_timeout"`
	OnStartup      bool       `json:"on_startup"`
}

// Config configures a Service.
type Config struct {
	Interval       time.Duration
	PendingTimeout time.Duration
	OnStartup      bool
	Metric         Metric
}

// Service compares local runner records with upstream and applies
// corrections. Every per-runner change is a conditional update, so a
// cycle can race request handlers and webhooks safely.
type Service struct {
	store    store.RunnerStore
	verifier Verifier
	client   client.Client
	cfg      Config
	trigger  chan struct{}
	now      func() time.Time
	log      *log.Entry

	// one cycle at a time
	mu sync.Mutex

	statusMu sync.RWMutex
	status   Status
}

func New(s store.RunnerStore, v Verifier, cli client.Client, cfg Config) *Service {
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Minute
	}
	if cfg.PendingTimeout <= 0 {
		cfg.PendingTimeout = time.Hour
	}
	if cfg.Metric == nil {
		cfg.Metric = NewMetric()
	}
	return &Service{
		store:    s,
		verifier: v,
		client:   cli,
		cfg:      cfg,
		trigger:  make(chan struct{}, 1),
		now:      time.Now,
		log:      log.WithField("component", "reconcile"),
	}
}

// Metric returns the collector the service reports to.
func (s *Service) Metric() Metric {
	return s.cfg.Metric
}

// Status returns a snapshot of the last cycle.
func (s *Service) Status() Status {
	s.statusMu.RLock()
	st := s.status
	s.statusMu.RUnlock()
	st.Interval = s.cfg.Interval.String()
	st.PendingTimeout = s.cfg.PendingTimeout.String()
	st.OnStartup = s.cfg.OnStartup
	return st
}

// Trigger requests a cycle without waiting for the next tick.
func (s *Service) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Run executes cycles on the configured interval and on Trigger until ctx
// is done.
func (s *Service) Run(ctx context.Context) error {
	s.log.WithField("interval", s.cfg.Interval).Infoln("reconciliation loop started")
	if s.cfg.OnStartup {
		s.runCycle(ctx)
	}
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.log.Infoln("reconciliation loop stopped")
			return nil
		case <-ticker.C:
		case <-s.trigger:
		}
		s.runCycle(ctx)
	}
}

func (s *Service) runCycle(ctx context.Context) {
	if _, err := s.Cycle(ctx); err != nil {
		if errors.Is(err, ErrRateLimited) {
			s.log.WithError(err).Warnln("cycle aborted, retrying next tick")
			return
		}
		s.log.WithError(err).Errorln("cycle finished with errors")
	}
}

// Cycle runs one reconciliation pass over all live runners.
func (s *Service) Cycle(ctx context.Context) (*Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := s.now()
	s.statusMu.Lock()
	s.status.Running = true
	s.status.LastStarted = &start
	s.statusMu.Unlock()

	sum := &Summary{}
	err := s.cycle(ctx, sum)

	result := "ok"
	switch {
	case errors.Is(err, ErrRateLimited):
		result = "rate_limited"
	case err != nil:
		result = "error"
	}
	end := s.now()
	s.cfg.Metric.ObserveCycle(result, end.Sub(start))

	last := *sum
	s.statusMu.Lock()
	s.status.Running = false
	s.status.Cycles++
	s.status.LastFinished = &end
	s.status.LastResult = result
	s.status.LastError = ""
	if err != nil {
		s.status.LastError = err.Error()
	}
	s.status.LastSummary = &last
	s.statusMu.Unlock()

	s.log.WithField("upstream", sum.Upstream).
		WithField("checked", sum.Checked).
		WithField("registered", sum.Registered).
		WithField("updated", sum.Updated).
		WithField("deleted", sum.Deleted).
		WithField("verified", sum.Verified).
		WithField("violations", sum.Violations).
		WithField("skipped", sum.Skipped).
		WithField("errors", sum.Errors).
		Infoln("reconciliation cycle finished")
	return sum, err
}

func (s *Service) cycle(ctx context.Context, sum *Summary) error {
	upstream, err := s.client.ListRunners(ctx)
	if err != nil {
		if client.IsRateLimited(err) {
			return fmt.Errorf("%w: %v", ErrRateLimited, err)
		}
		return fmt.Errorf("list upstream runners: %w", err)
	}
	sum.Upstream = len(upstream)
	byName := lo.KeyBy(upstream, func(u client.Runner) string { return u.Name })

	runners, _, err := s.store.ListRunners(ctx, core.RunnerFilter{})
	if err != nil {
		return err
	}

	var errs *multierror.Error
	for _, r := range runners {
		if err := ctx.Err(); err != nil {
			errs = multierror.Append(errs, err)
			break
		}
		sum.Checked++
		var u *client.Runner
		if found, ok := byName[r.Name]; ok {
			u = &found
		}
		if err := s.sync(ctx, r, u, sum); err != nil {
			if client.IsRateLimited(err) {
				return fmt.Errorf("%w: %v", ErrRateLimited, err)
			}
			sum.Errors++
			errs = multierror.Append(errs, fmt.Errorf("runner %s: %w", r.Name, err))
		}
	}
	return errs.ErrorOrNil()
}

// SyncRunner reconciles a single runner immediately.
func (s *Service) SyncRunner(ctx context.Context, id string) (*core.Runner, error) {
	r, err := s.store.GetRunner(ctx, id)
	if err != nil {
		return nil, err
	}
	if !r.Live() {
		return r, nil
	}

	u, err := s.lookup(ctx, r)
	if err != nil {
		return nil, err
	}
	if err := s.sync(ctx, r, u, &Summary{}); err != nil {
		return nil, err
	}
	return s.store.GetRunner(ctx, id)
}

func (s *Service) lookup(ctx context.Context, r *core.Runner) (*client.Runner, error) {
	if r.ExternalID != nil {
		u, err := s.client.GetRunner(ctx, *r.ExternalID)
		if err == nil && u.Name == r.Name {
			return u, nil
		}
		if err != nil && !errors.Is(err, client.ErrNotFound) {
			return nil, err
		}
	}
	upstream, err := s.client.ListRunners(ctx)
	if err != nil {
		return nil, err
	}
	for i := range upstream {
		if upstream[i].Name == r.Name {
			return &upstream[i], nil
		}
	}
	return nil, nil
}

func (s *Service) sync(ctx context.Context, r *core.Runner, u *client.Runner, sum *Summary) error {
	t := Observe(r, u, s.now().UTC(), s.cfg.PendingTimeout)

	if t.DeleteUpstream && u != nil {
		if err := s.deleteUpstream(ctx, u.ID); err != nil {
			return err
		}
	}

	current := r
	if t.Next != nil {
		if err := s.store.UpdateRunner(ctx, t.Next, r.Version); err != nil {
			if errors.Is(err, store.ErrStale) {
				s.log.WithField("runner", r.Name).Debugln("runner changed concurrently, skipped")
				sum.Skipped++
				return nil
			}
			return err
		}
		s.log.WithField("runner", r.Name).
			WithField("from", r.Status).
			WithField("to", t.Next.Status).
			WithField("reason", t.Reason).
			Debugln("runner updated")
		if r.Status != t.Next.Status {
			s.cfg.Metric.IncTransition(r.Status, t.Next.Status)
		}
		switch {
		case t.Next.Status == core.StatusDeleted:
			sum.Deleted++
		case r.Status == core.StatusPending && t.Next.Status != core.StatusPending:
			sum.Registered++
		default:
			sum.Updated++
		}
		current = t.Next
	} else {
		sum.Unchanged++
	}

	if u == nil || current.Status == core.StatusPending || !current.Live() {
		return nil
	}
	return s.verify(ctx, current, u, sum)
}

func (s *Service) verify(ctx context.Context, r *core.Runner, u *client.Runner, sum *Summary) error {
	observed := u.LabelNames()
	digest := LabelDigest(observed)
	if r.Compliance == core.ComplianceCompliant && r.LabelsDigest == digest {
		return nil
	}

	v, err := s.verifier.VerifyRunner(ctx, r, observed)
	if err != nil {
		return err
	}
	if v == nil {
		n := r.Clone()
		n.Compliance = core.ComplianceCompliant
		n.LabelsDigest = digest
		n.UpdatedAt = s.now().UTC()
		if err := s.store.UpdateRunner(ctx, n, r.Version); err != nil && !errors.Is(err, store.ErrStale) {
			return err
		}
		sum.Verified++
		return nil
	}

	won, err := s.Remediate(ctx, r, u.ID, v, core.EventDetail{Source: "reconcile"})
	if err != nil {
		return err
	}
	if won {
		sum.Violations++
		sum.Deleted++
	}
	return nil
}

// Remediate deletes a violating runner upstream and locally and records
// the security event. It reports false when a concurrent path already
// deleted the runner, in which case no event is recorded.
func (s *Service) Remediate(ctx context.Context, r *core.Runner, externalID int64, v *policy.VerificationViolation, detail core.EventDetail) (bool, error) {
	if err := s.deleteUpstream(ctx, externalID); err != nil {
		return false, err
	}

	current := r
	for i := 0; ; i++ {
		now := s.now().UTC()
		n := current.Clone()
		markDeleted(n, now)
		n.Compliance = core.ComplianceViolating
		err := s.store.UpdateRunner(ctx, n, current.Version)
		if err == nil {
			current = n
			break
		}
		if !errors.Is(err, store.ErrStale) || i == updateAttempts-1 {
			return false, err
		}
		if current, err = s.store.GetRunner(ctx, r.ID); err != nil {
			return false, err
		}
		if !current.Live() {
			return false, nil
		}
	}

	s.cfg.Metric.IncTransition(r.Status, core.StatusDeleted)
	s.cfg.Metric.IncViolation(detail.Source)
	s.log.WithField("runner", r.Name).
		WithField("mismatched", v.Mismatched).
		Warnln("runner deleted for label policy violation")
	if err := s.verifier.RecordViolation(ctx, current, v, core.ActionRunnerDeleted, detail); err != nil {
		return true, err
	}
	return true, nil
}

func (s *Service) deleteUpstream(ctx context.Context, id int64) error {
	return retry.Do(func() error {
		err := s.client.DeleteRunner(ctx, id)
		switch {
		case err == nil, errors.Is(err, client.ErrNotFound):
			return nil
		case client.IsRateLimited(err), !client.IsTemporary(err):
			return retry.Unrecoverable(err)
		}
		return err
	},
		retry.Context(ctx),
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.LastErrorOnly(true),
	)
}
