package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ChristopherHX/gh-runner-broker/account"
	"github.com/ChristopherHX/gh-runner-broker/audit"
	"github.com/ChristopherHX/gh-runner-broker/client"
	"github.com/ChristopherHX/gh-runner-broker/client/clienttest"
	"github.com/ChristopherHX/gh-runner-broker/core"
	"github.com/ChristopherHX/gh-runner-broker/identity"
	"github.com/ChristopherHX/gh-runner-broker/policy"
	"github.com/ChristopherHX/gh-runner-broker/provision"
	"github.com/ChristopherHX/gh-runner-broker/reconcile"
	"github.com/ChristopherHX/gh-runner-broker/store"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type tokens map[string]core.Identity

func (t tokens) Verify(_ context.Context, bearer string) (core.Identity, error) {
	switch bearer {
	case "expired":
		return core.Identity{}, identity.ErrExpired
	case "unreachable":
		return core.Identity{}, identity.ErrIssuerUnreachable
	}
	id, ok := t[bearer]
	if !ok {
		return core.Identity{}, identity.ErrInvalidToken
	}
	return id, nil
}

type testServer struct {
	*httptest.Server
	gh     *clienttest.Fake
	engine *policy.Engine
	store  *store.MemoryStore
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	st := store.NewMemoryStore()
	gh := clienttest.New()
	engine := policy.NewEngine(st, policy.DefaultDeny)
	limit := 1
	require.NoError(t, engine.Put(context.Background(), &core.PolicyRecord{
		Subject:          core.UserSubject("alice@example.com"),
		RequiredLabels:   []string{"self-hosted", "linux"},
		OptionalPatterns: []string{"dev-.*"},
		MaxRunners:       &limit,
		Active:           true,
	}))

	registry := prometheus.NewRegistry()
	rec := reconcile.New(st, engine, gh, reconcile.Config{})
	registry.MustRegister(rec.Metric())
	admins := []string{"root@example.com"}
	auditLog := audit.New(st)
	orch := provision.New(st, engine, gh, rec, provision.Options{Admins: admins, Audit: auditLog},
		&provision.RegistrationTokenStrategy{Client: gh}, &provision.JITStrategy{Client: gh})

	s := &Server{
		Verifier: tokens{
			"alice": {ID: "alice@example.com"},
			"bob":   {ID: "bob@example.com"},
			"root":  {ID: "root@example.com"},
		},
		Provision:  orch,
		Policies:   engine,
		Reconciler: rec,
		Accounts:   account.NewDirectory(st, auditLog, admins),
		Audit:      auditLog,
		Gatherer:   registry,
	}
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return &testServer{Server: ts, gh: gh, engine: engine, store: st}
}

func (ts *testServer) do(t *testing.T, method, path, token string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, ts.URL+path, &buf)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := map[string]any{}
	if resp.StatusCode != http.StatusNoContent && strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp, out
}

func TestAuthentication(t *testing.T) {
	ts := newTestServer(t)

	resp, body := ts.do(t, http.MethodGet, "/api/v1/runners", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "invalid_token", body["code"])

	resp, body = ts.do(t, http.MethodGet, "/api/v1/runners", "expired", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "token_expired", body["code"])

	resp, body = ts.do(t, http.MethodGet, "/api/v1/runners", "unreachable", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, true, body["retryable"])

	resp, _ = ts.do(t, http.MethodGet, "/api/v1/runners", "alice", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestProvisionLifecycle(t *testing.T) {
	ts := newTestServer(t)

	resp, body := ts.do(t, http.MethodPost, "/api/v1/runners/provision", "alice", map[string]any{
		"runner_name": "alice-1",
		"labels":      []string{"dev-x"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "AREG1", body["credential"])
	assert.Equal(t, []any{"self-hosted", "linux", "dev-x"}, body["labels"])
	assert.Contains(t, body["instructions"], "./config.sh --url https://github.com/acme")
	id := body["runner_id"].(string)

	resp, body = ts.do(t, http.MethodGet, "/api/v1/runners/"+id, "alice", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "pending", body["status"])
	assert.NotContains(t, body, "credential")

	resp, _ = ts.do(t, http.MethodGet, "/api/v1/runners/"+id, "bob", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	ts.gh.Register("alice-1", "self-hosted", "linux", "dev-x")
	resp, body = ts.do(t, http.MethodPost, "/api/v1/runners/"+id+"/refresh", "alice", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "active", body["status"])
	assert.Equal(t, "compliant", body["compliance"])

	resp, body = ts.do(t, http.MethodGet, "/api/v1/runners?status=active", "alice", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), body["total"])
	assert.Equal(t, float64(50), body["limit"])

	resp, body = ts.do(t, http.MethodDelete, "/api/v1/runners/"+id, "alice", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "deleted", body["status"])
	assert.Len(t, ts.gh.Deleted, 1)
}

func TestProvisionErrors(t *testing.T) {
	ts := newTestServer(t)

	resp, body := ts.do(t, http.MethodPost, "/api/v1/runners/jit", "alice", map[string]any{
		"runner_name": "alice-1",
		"labels":      []string{"dev-x", "docker"},
	})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "label_policy_violation", body["code"])
	assert.Equal(t, []any{"docker"}, body["labels"])
	assert.Equal(t, []any{"dev-.*"}, body["allowed_patterns"])

	resp, body = ts.do(t, http.MethodPost, "/api/v1/runners/jit", "alice", map[string]any{"runner_name": "alice-1"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.True(t, strings.HasPrefix(body["credential"].(string), "jit-"))

	resp, body = ts.do(t, http.MethodPost, "/api/v1/runners/jit", "alice", map[string]any{"runner_name": "alice-2"})
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, float64(1), body["max"])
	assert.Equal(t, float64(1), body["current"])

	resp, body = ts.do(t, http.MethodPost, "/api/v1/runners/jit", "bob", map[string]any{"runner_name": "alice-1"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "name_conflict", body["code"])

	resp, body = ts.do(t, http.MethodPost, "/api/v1/runners/jit", "bob", map[string]any{"runner_name": "bob-1"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "no_policy", body["code"])

	resp, _ = ts.do(t, http.MethodPost, "/api/v1/runners/jit", "alice", map[string]any{"runner_name": "bad name"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = ts.do(t, http.MethodGet, "/api/v1/runners?limit=500", "alice", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestProvisionUpstreamUnavailable(t *testing.T) {
	ts := newTestServer(t)
	ts.gh.TokenErr = &client.APIError{Status: http.StatusServiceUnavailable, Message: "unavailable"}

	resp, body := ts.do(t, http.MethodPost, "/api/v1/runners/provision", "alice", map[string]any{"runner_name": "alice-1"})
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, true, body["retryable"])
	assert.NotContains(t, fmt.Sprint(body["error"]), "unavailable:")
}

func TestAdminEndpoints(t *testing.T) {
	ts := newTestServer(t)

	resp, _ := ts.do(t, http.MethodGet, "/api/v1/admin/policies", "alice", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, body := ts.do(t, http.MethodPut, "/api/v1/admin/policies/group/ml", "root", map[string]any{
		"required_labels":   []string{"ml"},
		"optional_patterns": []string{"gpu-.*"},
		"max_runners":       3,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["active"])

	resp, _ = ts.do(t, http.MethodPut, "/api/v1/admin/policies/group/ml", "root", map[string]any{
		"optional_patterns": []string{"gpu-("},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = ts.do(t, http.MethodPut, "/api/v1/admin/policies/team/ml", "root", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = ts.do(t, http.MethodGet, "/api/v1/admin/policies", "root", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["policies"], 2)

	resp, _ = ts.do(t, http.MethodDelete, "/api/v1/admin/policies/group/ml", "root", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = ts.do(t, http.MethodGet, "/api/v1/admin/policies/group/ml", "root", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// a rejected request shows up in the event log
	ts.do(t, http.MethodPost, "/api/v1/runners/provision", "alice", map[string]any{
		"runner_name": "alice-1",
		"labels":      []string{"docker"},
	})
	resp, body = ts.do(t, http.MethodGet, "/api/v1/admin/security-events?kind=validation-denied", "root", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["events"], 1)

	resp, body = ts.do(t, http.MethodPost, "/api/v1/admin/reconcile", "root", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "summary")

	resp, _ = ts.do(t, http.MethodGet, "/api/v1/admin/runners", "root", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestOpsEndpoints(t *testing.T) {
	ts := newTestServer(t)

	resp, body := ts.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])

	ts.do(t, http.MethodPost, "/api/v1/admin/reconcile", "root", nil)
	resp, err := ts.Client().Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = ts.do(t, http.MethodPost, "/api/v1/webhooks/github", "", map[string]any{})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAccountEndpoints(t *testing.T) {
	ts := newTestServer(t)

	// no accounts yet: every verified caller is admitted
	resp, _ := ts.do(t, http.MethodGet, "/api/v1/runners", "bob", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = ts.do(t, http.MethodPost, "/api/v1/admin/accounts", "alice", map[string]any{"id": "alice@example.com"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, body := ts.do(t, http.MethodPost, "/api/v1/admin/accounts", "root", map[string]any{
		"id":          "alice@example.com",
		"can_use_jit": false,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, true, body["is_active"])
	assert.Equal(t, true, body["can_use_registration_token"])
	assert.Equal(t, false, body["can_use_jit"])
	assert.Equal(t, "root@example.com", body["created_by"])

	resp, body = ts.do(t, http.MethodPost, "/api/v1/admin/accounts", "root", map[string]any{"id": "alice@example.com"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "already_exists", body["code"])

	resp, body = ts.do(t, http.MethodGet, "/api/v1/runners", "bob", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "not_authorized", body["code"])

	resp, body = ts.do(t, http.MethodPost, "/api/v1/runners/jit", "alice", map[string]any{"runner_name": "alice-1"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "method_forbidden", body["code"])
	assert.Zero(t, ts.gh.Calls())

	resp, body = ts.do(t, http.MethodPost, "/api/v1/admin/accounts/alice@example.com/deactivate", "root", map[string]any{"reason": "on leave"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["is_active"])
	assert.Equal(t, "on leave", body["disabled_reason"])

	resp, body = ts.do(t, http.MethodGet, "/api/v1/runners", "alice", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "account_inactive", body["code"])

	resp, _ = ts.do(t, http.MethodPost, "/api/v1/admin/accounts/alice@example.com/activate", "root", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = ts.do(t, http.MethodGet, "/api/v1/runners", "alice", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// account administrators reach the admin API
	resp, _ = ts.do(t, http.MethodPut, "/api/v1/admin/accounts/alice@example.com", "root", map[string]any{"is_admin": true})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, body = ts.do(t, http.MethodGet, "/api/v1/admin/accounts", "alice", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), body["total"])

	resp, _ = ts.do(t, http.MethodGet, "/api/v1/admin/accounts/nobody@example.com", "root", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = ts.do(t, http.MethodDelete, "/api/v1/admin/accounts/alice@example.com", "alice", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = ts.do(t, http.MethodDelete, "/api/v1/admin/accounts/alice@example.com", "root", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, body = ts.do(t, http.MethodGet, "/api/v1/admin/audit?kind=account-change", "root", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(6), body["total"])
}

func TestBatchDeleteAndAuditEndpoints(t *testing.T) {
	ts := newTestServer(t)

	resp, _ := ts.do(t, http.MethodPost, "/api/v1/runners/provision", "alice", map[string]any{"runner_name": "alice-1"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, _ = ts.do(t, http.MethodPost, "/api/v1/admin/runners/batch-delete", "alice", map[string]any{
		"comment": "decommission old fleet", "all": true,
	})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = ts.do(t, http.MethodPost, "/api/v1/admin/runners/batch-delete", "root", map[string]any{
		"comment": "too short", "all": true,
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body := ts.do(t, http.MethodPost, "/api/v1/admin/runners/batch-delete", "root", map[string]any{
		"comment": "decommission old fleet", "owner": "alice@example.com",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), body["affected_count"])
	assert.Equal(t, float64(0), body["failed_count"])

	resp, body = ts.do(t, http.MethodGet, "/api/v1/runners", "alice", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, body["runners"])

	resp, body = ts.do(t, http.MethodGet, "/api/v1/admin/audit?kind=provision&success=true", "root", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	entries := body["entries"].([]any)
	require.Len(t, entries, 1)
	entry := entries[0].(map[string]any)
	assert.Equal(t, "alice@example.com", entry["identity"])
	assert.Equal(t, "alice-1", entry["runner_name"])
	assert.Equal(t, "127.0.0.1", entry["request_ip"])
	assert.NotEmpty(t, entry["user_agent"])

	resp, body = ts.do(t, http.MethodGet, "/api/v1/admin/audit?kind=batch-delete", "root", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), body["total"])

	resp, _ = ts.do(t, http.MethodGet, "/api/v1/admin/audit?success=maybe", "root", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestReconcileStatusEndpoint(t *testing.T) {
	ts := newTestServer(t)

	resp, body := ts.do(t, http.MethodGet, "/api/v1/admin/reconcile/status", "root", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(0), body["cycles"])
	assert.Equal(t, "2m0s", body["interval"])

	ts.do(t, http.MethodPost, "/api/v1/admin/reconcile", "root", nil)
	resp, body = ts.do(t, http.MethodGet, "/api/v1/admin/reconcile/status", "root", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), body["cycles"])
	assert.Equal(t, "ok", body["last_result"])
	assert.Contains(t, body, "last_summary")

	resp, _ = ts.do(t, http.MethodGet, "/api/v1/admin/reconcile/status", "alice", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}
