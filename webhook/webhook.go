// Package webhook ingests GitHub workflow_job deliveries and verifies the
// labels of the runner a job started on.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/ChristopherHX/gh-runner-broker/client"
	"github.com/ChristopherHX/gh-runner-broker/core"
	"github.com/ChristopherHX/gh-runner-broker/reconcile"
	"github.com/ChristopherHX/gh-runner-broker/store"

	lru "github.com/hashicorp/golang-lru/v2"
	log "github.com/sirupsen/logrus"
)

const (
	signatureHeader = "X-Hub-Signature-256"
	eventHeader     = "X-GitHub-Event"
	deliveryHeader  = "X-GitHub-Delivery"

	maxBodySize    = 25 << 20
	deliveryMemory = 4096
	updateAttempts = 3
)

// Posture decides what happens to a job that started on a violating runner.
type Posture string

const (
	// PostureAudit records the violation only.
	PostureAudit Posture = "audit"
	// PostureEnforce also cancels the workflow run.
	PostureEnforce Posture = "enforce"
)

// ParsePosture validates a configured posture. Empty means audit.
func ParsePosture(s string) (Posture, error) {
	switch p := Posture(strings.ToLower(s)); p {
	case "":
		return PostureAudit, nil
	case PostureAudit, PostureEnforce:
		return p, nil
	}
	return "", fmt.Errorf("unknown webhook posture %q", s)
}

// Job is the part of a workflow_job delivery that matters here.
type Job struct {
	ID         int64  `json:"id"`
	RunID      int64  `json:"run_id"`
	RunnerID   int64  `json:"runner_id"`
	RunnerName string `json:"runner_name"`
}

type payload struct {
	Action      string `json:"action"`
	WorkflowJob Job    `json:"workflow_job"`
	Repository  struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
}

// Result is the body returned to GitHub.
type Result struct {
	Status  string      `json:"status"`
	Reason  string      `json:"reason,omitempty"`
	Event   string      `json:"event,omitempty"`
	Posture Posture     `json:"posture,omitempty"`
	Action  core.Action `json:"action,omitempty"`
}

// Verifier is what the handler needs from the policy engine.
type Verifier = reconcile.Verifier

// Handler is the webhook receiver.
type Handler struct {
	secret   []byte
	posture  Posture
	store    store.RunnerStore
	verifier Verifier
	client   client.Client
	trigger  func()
	seen     *lru.Cache[string, struct{}]
	log      *log.Entry
}

// New returns a handler. trigger, when set, is called after a violation so
// reconciliation can remediate without waiting for its next tick.
func New(secret string, posture Posture, s store.RunnerStore, v Verifier, cli client.Client, trigger func()) (*Handler, error) {
	if secret == "" {
		return nil, errors.New("webhook secret is required")
	}
	seen, err := lru.New[string, struct{}](deliveryMemory)
	if err != nil {
		return nil, err
	}
	if trigger == nil {
		trigger = func() {}
	}
	return &Handler{
		secret:   []byte(secret),
		posture:  posture,
		store:    s,
		verifier: v,
		client:   cli,
		trigger:  trigger,
		seen:     seen,
		log:      log.WithField("component", "webhook"),
	}, nil
}

// Sign returns the signature header value GitHub sends for body.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func (h *Handler) validSignature(body []byte, header string) bool {
	if !strings.HasPrefix(header, "sha256=") {
		return false
	}
	return hmac.Equal([]byte(Sign(h.secret, body)), []byte(header))
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, Result{Status: "error", Reason: "cannot read body"})
		return
	}

	event := r.Header.Get(eventHeader)
	delivery := r.Header.Get(deliveryHeader)
	l := h.log.WithField("event", event).WithField("delivery", delivery)

	if !h.validSignature(body, r.Header.Get(signatureHeader)) {
		l.Warnln("rejected delivery with invalid signature")
		writeJSON(w, http.StatusUnauthorized, Result{Status: "error", Reason: "invalid signature"})
		return
	}

	if delivery != "" && h.seen.Contains(delivery) {
		writeJSON(w, http.StatusOK, Result{Status: "duplicate"})
		return
	}

	status, res := h.handle(r.Context(), event, body)
	if delivery != "" && status < http.StatusInternalServerError {
		h.seen.Add(delivery, struct{}{})
	}
	l.WithField("status", res.Status).Debugln("delivery handled")
	writeJSON(w, status, res)
}

func (h *Handler) handle(ctx context.Context, event string, body []byte) (int, Result) {
	switch event {
	case "ping":
		return http.StatusOK, Result{Status: "pong"}
	case "workflow_job":
	default:
		return http.StatusOK, Result{Status: "ignored", Event: event}
	}

	var p payload
	if err := json.Unmarshal(body, &p); err != nil {
		return http.StatusBadRequest, Result{Status: "error", Reason: "invalid JSON payload"}
	}
	if p.Action != "in_progress" {
		return http.StatusOK, Result{Status: "ignored", Reason: "action=" + p.Action}
	}
	if p.WorkflowJob.RunnerName == "" || p.WorkflowJob.RunnerID == 0 {
		return http.StatusOK, Result{Status: "ignored", Reason: "missing runner info"}
	}

	res, err := h.VerifyJob(ctx, p.WorkflowJob, p.Repository.FullName)
	if err != nil {
		h.log.WithError(err).WithField("runner", p.WorkflowJob.RunnerName).Errorln("cannot verify runner")
		return http.StatusBadGateway, Result{Status: "error", Reason: "verification failed, retry later"}
	}
	return http.StatusOK, res
}

// VerifyJob verifies the runner a job started on against its policy using
// the labels GitHub currently reports for it.
func (h *Handler) VerifyJob(ctx context.Context, job Job, repository string) (Result, error) {
	r, err := h.store.GetLiveRunnerByName(ctx, job.RunnerName)
	if errors.Is(err, store.ErrNotFound) {
		return Result{Status: "ignored", Reason: "runner not managed by this service"}, nil
	}
	if err != nil {
		return Result{}, err
	}

	u, err := h.client.GetRunner(ctx, job.RunnerID)
	if errors.Is(err, client.ErrNotFound) {
		return Result{Status: "ignored", Reason: "runner not found upstream"}, nil
	}
	if err != nil {
		return Result{}, err
	}
	if u.Name != r.Name {
		return Result{Status: "ignored", Reason: "runner id does not match name"}, nil
	}

	observed := u.LabelNames()
	digest := reconcile.LabelDigest(observed)
	v, err := h.verifier.VerifyRunner(ctx, r, observed)
	if err != nil {
		return Result{}, err
	}
	if v == nil {
		return Result{Status: "ok"}, nil
	}

	l := h.log.WithField("runner", r.Name).
		WithField("run_id", job.RunID).
		WithField("repository", repository).
		WithField("mismatched", v.Mismatched)

	detail := core.EventDetail{
		Source:        "webhook",
		WorkflowRunID: job.RunID,
		Repository:    repository,
	}
	action := core.ActionNone
	if h.posture == PostureEnforce {
		if err := h.client.CancelWorkflowRun(ctx, repository, job.RunID); err != nil {
			l.WithError(err).Errorln("cannot cancel workflow run")
			detail.Reason = "cancel failed"
		} else {
			action = core.ActionJobCancelled
			l.Infoln("workflow run cancelled")
		}
	}

	flagged, err := h.markViolating(ctx, r, digest)
	if err != nil {
		return Result{}, err
	}
	res := Result{Status: "violation_detected", Posture: h.posture, Action: action}
	if !flagged {
		l.Debugln("violation already recorded for these labels")
		res.Reason = "already recorded"
		h.trigger()
		return res, nil
	}

	l.Errorln("job started on runner violating its label policy")
	if err := h.verifier.RecordViolation(ctx, r, v, action, detail); err != nil {
		return Result{}, err
	}
	h.trigger()
	return res, nil
}

// markViolating flags r as violating for the observed label digest. It
// reports false when the runner already carries that flag or is no longer
// live, in which case the violation was recorded by an earlier delivery
// or by reconciliation.
func (h *Handler) markViolating(ctx context.Context, r *core.Runner, digest string) (bool, error) {
	current := r
	for i := 0; ; i++ {
		if !current.Live() || (current.Compliance == core.ComplianceViolating && current.LabelsDigest == digest) {
			return false, nil
		}
		n := current.Clone()
		n.Compliance = core.ComplianceViolating
		n.LabelsDigest = digest
		err := h.store.UpdateRunner(ctx, n, current.Version)
		if err == nil {
			return true, nil
		}
		if !errors.Is(err, store.ErrStale) || i == updateAttempts-1 {
			return false, err
		}
		if current, err = h.store.GetRunner(ctx, r.ID); err != nil {
			return false, err
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
