package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/ChristopherHX/gh-runner-broker/core"
	"github.com/ChristopherHX/gh-runner-broker/provision"
	"github.com/ChristopherHX/gh-runner-broker/reconcile"

	"github.com/go-chi/chi/v5"
)

type policyBody struct {
	RequiredLabels   []string `json:"required_labels"`
	OptionalPatterns []string `json:"optional_patterns"`
	MaxRunners       *int     `json:"max_runners"`
	Active           *bool    `json:"active"`
	InactiveReason   string   `json:"inactive_reason"`
}

func subjectParam(r *http.Request) (core.Subject, error) {
	subject, err := core.ParseSubject(chi.URLParam(r, "kind") + ":" + chi.URLParam(r, "subject"))
	if err != nil {
		return core.Subject{}, badRequest("%v", err)
	}
	return subject, nil
}

func (s *Server) listPolicies(w http.ResponseWriter, r *http.Request) {
	policies, err := s.Policies.List(r.Context())
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	if policies == nil {
		policies = []*core.PolicyRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"policies": policies})
}

func (s *Server) getPolicy(w http.ResponseWriter, r *http.Request) {
	subject, err := subjectParam(r)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	rec, err := s.Policies.Get(r.Context(), subject)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) putPolicy(w http.ResponseWriter, r *http.Request) {
	subject, err := subjectParam(r)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	var body policyBody
	if err := decodeBody(r, &body); err != nil {
		s.writeErr(w, r, err)
		return
	}
	rec := &core.PolicyRecord{
		Subject:          subject,
		RequiredLabels:   body.RequiredLabels,
		OptionalPatterns: body.OptionalPatterns,
		MaxRunners:       body.MaxRunners,
		Active:           body.Active == nil || *body.Active,
		InactiveReason:   body.InactiveReason,
	}
	if existing, err := s.Policies.Get(r.Context(), subject); err == nil {
		rec.CreatedAt = existing.CreatedAt
	}
	if err := s.Policies.Put(r.Context(), rec); err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.log.WithField("subject", subject.String()).
		WithField("admin", Caller(r.Context()).ID).
		Infoln("policy updated")
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) deletePolicy(w http.ResponseWriter, r *http.Request) {
	subject, err := subjectParam(r)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	if err := s.Policies.Delete(r.Context(), subject); err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.log.WithField("subject", subject.String()).
		WithField("admin", Caller(r.Context()).ID).
		Infoln("policy deleted")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, offset, err := pagination(q)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	f := core.EventFilter{
		Kind:     core.EventKind(q.Get("kind")),
		Severity: core.Severity(q.Get("severity")),
		RunnerID: q.Get("runner_id"),
		Limit:    limit,
		Offset:   offset,
	}
	if v := q.Get("subject"); v != "" {
		subject, err := core.ParseSubject(v)
		if err != nil {
			s.writeErr(w, r, badRequest("%v", err))
			return
		}
		f.Subject = &subject
	}
	events, err := s.Policies.Events(r.Context(), f)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	if events == nil {
		events = []*core.SecurityEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events, "limit": limit, "offset": offset})
}

func (s *Server) runReconcile(w http.ResponseWriter, r *http.Request) {
	sum, err := s.Reconciler.Cycle(r.Context())
	if errors.Is(err, reconcile.ErrRateLimited) || (err != nil && (sum == nil || sum.Checked == 0)) {
		s.writeErr(w, r, err)
		return
	}
	resp := map[string]any{"summary": sum}
	if err != nil {
		resp["error"] = "cycle finished with errors"
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) reconcileStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Reconciler.Status())
}

func (s *Server) batchDelete(w http.ResponseWriter, r *http.Request) {
	var req provision.BatchRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeErr(w, r, err)
		return
	}
	res, err := s.Provision.BatchDelete(r.Context(), Caller(r.Context()), req)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) listAudit(w http.ResponseWriter, r *http.Request) {
	if s.Audit == nil {
		writeError(w, http.StatusNotFound, "not_found", "audit log not configured")
		return
	}
	q := r.URL.Query()
	limit, offset, err := pagination(q)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	f := core.AuditFilter{
		Kind:     core.AuditKind(q.Get("kind")),
		Identity: q.Get("identity"),
		RunnerID: q.Get("runner_id"),
		Limit:    limit,
		Offset:   offset,
	}
	if v := q.Get("success"); v != "" {
		ok, err := strconv.ParseBool(v)
		if err != nil {
			s.writeErr(w, r, badRequest("success must be a boolean"))
			return
		}
		f.Success = &ok
	}
	entries, total, err := s.Audit.List(r.Context(), f)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	if entries == nil {
		entries = []*core.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries, "total": total, "limit": limit, "offset": offset})
}
