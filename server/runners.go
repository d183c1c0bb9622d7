package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/ChristopherHX/gh-runner-broker/core"
	"github.com/ChristopherHX/gh-runner-broker/provision"

	"github.com/go-chi/chi/v5"
)

const (
	defaultLimit = 50
	maxLimit     = 200
)

var errBadRequest = errors.New("bad request")

func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errBadRequest, fmt.Sprintf(format, args...))
}

func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return badRequest("invalid JSON body: %v", err)
	}
	return nil
}

// provisionResponse carries the credential material; it is shown once.
type provisionResponse struct {
	RunnerID     string      `json:"runner_id"`
	RunnerName   string      `json:"runner_name"`
	Labels       []string    `json:"labels"`
	Ephemeral    bool        `json:"ephemeral"`
	Method       core.Method `json:"method"`
	Status       core.Status `json:"status"`
	Credential   string      `json:"credential"`
	ExpiresAt    *time.Time  `json:"expires_at,omitempty"`
	Instructions string      `json:"instructions"`
}

func (s *Server) provision(method core.Method) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req provision.Request
		if err := decodeBody(r, &req); err != nil {
			s.writeErr(w, r, err)
			return
		}
		res, err := s.Provision.Provision(r.Context(), Caller(r.Context()), method, req)
		if err != nil {
			s.writeErr(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, provisionResponse{
			RunnerID:     res.Runner.ID,
			RunnerName:   res.Runner.Name,
			Labels:       res.Runner.Labels,
			Ephemeral:    res.Runner.Ephemeral,
			Method:       res.Runner.Method,
			Status:       res.Runner.Status,
			Credential:   res.Secret,
			ExpiresAt:    res.ExpiresAt,
			Instructions: res.Instructions,
		})
	}
}

type runnerList struct {
	Runners []*core.Runner `json:"runners"`
	Total   int            `json:"total"`
	Limit   int            `json:"limit"`
	Offset  int            `json:"offset"`
}

func pagination(q url.Values) (limit, offset int, err error) {
	limit = defaultLimit
	if v := q.Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit < 1 || limit > maxLimit {
			return 0, 0, badRequest("limit must be between 1 and %d", maxLimit)
		}
	}
	if v := q.Get("offset"); v != "" {
		if offset, err = strconv.Atoi(v); err != nil || offset < 0 {
			return 0, 0, badRequest("offset must not be negative")
		}
	}
	return limit, offset, nil
}

func runnerFilter(q url.Values) (core.RunnerFilter, error) {
	var f core.RunnerFilter
	var err error
	if f.Limit, f.Offset, err = pagination(q); err != nil {
		return f, err
	}
	if v := q.Get("status"); v != "" {
		f.Status = core.Status(v)
		if !f.Status.Valid() {
			return f, badRequest("unknown status %q", v)
		}
	}
	if v := q.Get("ephemeral"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return f, badRequest("ephemeral must be a boolean")
		}
		f.Ephemeral = &b
	}
	if v := q.Get("include_deleted"); v != "" {
		if f.IncludeDeleted, err = strconv.ParseBool(v); err != nil {
			return f, badRequest("include_deleted must be a boolean")
		}
	}
	return f, nil
}

func (s *Server) listRunners(all bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f, err := runnerFilter(r.URL.Query())
		if err != nil {
			s.writeErr(w, r, err)
			return
		}
		if all {
			if v := r.URL.Query().Get("owner"); v != "" {
				f.Owner = v
			}
		}
		runners, total, err := s.Provision.List(r.Context(), Caller(r.Context()), f, all)
		if err != nil {
			s.writeErr(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, runnerList{Runners: runners, Total: total, Limit: f.Limit, Offset: f.Offset})
	}
}

func (s *Server) getRunner(w http.ResponseWriter, r *http.Request) {
	runner, err := s.Provision.Get(r.Context(), Caller(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, runner)
}

func (s *Server) refreshRunner(w http.ResponseWriter, r *http.Request) {
	runner, err := s.Provision.Refresh(r.Context(), Caller(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, runner)
}

func (s *Server) deleteRunner(w http.ResponseWriter, r *http.Request) {
	runner, err := s.Provision.Delete(r.Context(), Caller(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, runner)
}
