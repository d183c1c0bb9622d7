package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ChristopherHX/gh-runner-broker/account"
	"github.com/ChristopherHX/gh-runner-broker/client"
	"github.com/ChristopherHX/gh-runner-broker/credential"
	"github.com/ChristopherHX/gh-runner-broker/identity"
	"github.com/ChristopherHX/gh-runner-broker/policy"
	"github.com/ChristopherHX/gh-runner-broker/provision"
	"github.com/ChristopherHX/gh-runner-broker/reconcile"
	"github.com/ChristopherHX/gh-runner-broker/store"
)

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error           string   `json:"error"`
	Code            string   `json:"code"`
	Labels          []string `json:"labels,omitempty"`
	AllowedPatterns []string `json:"allowed_patterns,omitempty"`
	Max             *int     `json:"max,omitempty"`
	Current         *int     `json:"current,omitempty"`
	Reason          string   `json:"reason,omitempty"`
	Retryable       *bool    `json:"retryable,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorBody{Error: msg, Code: code})
}

func retryable(v bool) *bool {
	return &v
}

// writeErr maps err to a status and body. Upstream and internal failures
// only expose whether a retry may help.
func (s *Server) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	var (
		labels   *policy.LabelViolation
		quota    *policy.QuotaExceeded
		inactive *policy.PolicyInactive
		up       *provision.UpstreamError
	)
	switch {
	case errors.Is(err, identity.ErrIssuerUnreachable):
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "identity provider unavailable", Code: "issuer_unreachable", Retryable: retryable(true)})
	case errors.Is(err, identity.ErrExpired):
		writeError(w, http.StatusUnauthorized, "token_expired", "bearer token expired")
	case errors.Is(err, identity.ErrAudienceMismatch):
		writeError(w, http.StatusUnauthorized, "audience_mismatch", "bearer token audience mismatch")
	case errors.Is(err, identity.ErrInvalidToken):
		writeError(w, http.StatusUnauthorized, "invalid_token", "missing or invalid bearer token")
	case errors.Is(err, account.ErrNotAuthorized):
		writeError(w, http.StatusForbidden, "not_authorized", "caller is not authorized to use this service")
	case errors.Is(err, account.ErrInactive):
		writeError(w, http.StatusForbidden, "account_inactive", "account is deactivated")

	case errors.Is(err, provision.ErrInvalidRequest), errors.Is(err, policy.ErrInvalidPolicy), errors.Is(err, errBadRequest),
		errors.Is(err, account.ErrInvalid), errors.Is(err, account.ErrSelfLockout):
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.As(err, &labels):
		writeJSON(w, http.StatusForbidden, errorBody{
			Error:           "requested labels not permitted by policy",
			Code:            "label_policy_violation",
			Labels:          labels.Labels,
			AllowedPatterns: labels.AllowedPatterns,
		})
	case errors.As(err, &quota):
		limit, current := quota.Max, quota.Current
		writeJSON(w, http.StatusTooManyRequests, errorBody{
			Error:   "runner quota exceeded",
			Code:    "quota_exceeded",
			Max:     &limit,
			Current: &current,
		})
	case errors.As(err, &inactive):
		writeJSON(w, http.StatusForbidden, errorBody{Error: "policy inactive", Code: "policy_inactive", Reason: inactive.Reason})
	case errors.Is(err, policy.ErrNoPolicy):
		writeError(w, http.StatusForbidden, "no_policy", "no runner policy configured")
	case errors.Is(err, provision.ErrMethodDisabled):
		writeError(w, http.StatusForbidden, "method_disabled", "issuance method disabled")
	case errors.Is(err, provision.ErrMethodForbidden):
		writeError(w, http.StatusForbidden, "method_forbidden", "issuance method not permitted for this account")
	case errors.Is(err, provision.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden", "not permitted")
	case errors.Is(err, provision.ErrNotFound), errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "not found")
	case errors.Is(err, provision.ErrNameConflict):
		writeError(w, http.StatusConflict, "name_conflict", "runner name already in use")
	case errors.Is(err, account.ErrExists):
		writeError(w, http.StatusConflict, "already_exists", "account already exists")

	case errors.As(err, &up):
		s.logUpstream(r, err)
		if up.Temporary() {
			writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "upstream temporarily unavailable", Code: "upstream_unavailable", Retryable: retryable(true)})
			return
		}
		writeJSON(w, http.StatusBadGateway, errorBody{Error: "upstream request failed", Code: "upstream_error", Retryable: retryable(false)})
	case credential.IsFatal(err):
		s.logUpstream(r, err)
		writeJSON(w, http.StatusBadGateway, errorBody{Error: "upstream request failed", Code: "upstream_error", Retryable: retryable(false)})
	case errors.Is(err, reconcile.ErrRateLimited), client.IsTemporary(err):
		s.logUpstream(r, err)
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "upstream temporarily unavailable", Code: "upstream_unavailable", Retryable: retryable(true)})

	default:
		s.log.WithError(err).WithField("path", r.URL.Path).Errorln("request failed")
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error", Code: "internal_error", Retryable: retryable(false)})
	}
}

func (s *Server) logUpstream(r *http.Request, err error) {
	s.log.WithError(err).WithField("path", r.URL.Path).Warnln("upstream failure")
}
