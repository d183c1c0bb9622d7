package server

import (
	"net/http"

	"github.com/ChristopherHX/gh-runner-broker/account"
	"github.com/ChristopherHX/gh-runner-broker/core"

	"github.com/go-chi/chi/v5"
)

type accountBody struct {
	ID                      string `json:"id"`
	Email                   string `json:"email"`
	DisplayName             string `json:"display_name"`
	Admin                   bool   `json:"is_admin"`
	Active                  *bool  `json:"is_active"`
	CanUseRegistrationToken *bool  `json:"can_use_registration_token"`
	CanUseJIT               *bool  `json:"can_use_jit"`
	DisabledReason          string `json:"disabled_reason"`
}

type deactivateBody struct {
	Reason string `json:"reason"`
}

func orTrue(v *bool) bool {
	return v == nil || *v
}

func (s *Server) listAccounts(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := pagination(r.URL.Query())
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	accounts, total, err := s.Accounts.List(r.Context(), limit, offset)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"accounts": accounts, "total": total, "limit": limit, "offset": offset})
}

func (s *Server) createAccount(w http.ResponseWriter, r *http.Request) {
	var body accountBody
	if err := decodeBody(r, &body); err != nil {
		s.writeErr(w, r, err)
		return
	}
	a := &core.Account{
		ID:                      body.ID,
		Email:                   body.Email,
		DisplayName:             body.DisplayName,
		Admin:                   body.Admin,
		Active:                  orTrue(body.Active),
		CanUseRegistrationToken: orTrue(body.CanUseRegistrationToken),
		CanUseJIT:               orTrue(body.CanUseJIT),
		DisabledReason:          body.DisabledReason,
	}
	if err := s.Accounts.Create(r.Context(), Caller(r.Context()), a); err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

func (s *Server) getAccount(w http.ResponseWriter, r *http.Request) {
	a, err := s.Accounts.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) updateAccount(w http.ResponseWriter, r *http.Request) {
	var p account.Patch
	if err := decodeBody(r, &p); err != nil {
		s.writeErr(w, r, err)
		return
	}
	a, err := s.Accounts.Update(r.Context(), Caller(r.Context()), chi.URLParam(r, "id"), p)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) deleteAccount(w http.ResponseWriter, r *http.Request) {
	if err := s.Accounts.Delete(r.Context(), Caller(r.Context()), chi.URLParam(r, "id")); err != nil {
		s.writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) setAccountActive(active bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body deactivateBody
		if r.ContentLength > 0 {
			if err := decodeBody(r, &body); err != nil {
				s.writeErr(w, r, err)
				return
			}
		}
		a, err := s.Accounts.SetActive(r.Context(), Caller(r.Context()), chi.URLParam(r, "id"), active, body.Reason)
		if err != nil {
			s.writeErr(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, a)
	}
}
