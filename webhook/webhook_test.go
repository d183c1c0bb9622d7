package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ChristopherHX/gh-runner-broker/client/clienttest"
	"github.com/ChristopherHX/gh-runner-broker/core"
	"github.com/ChristopherHX/gh-runner-broker/policy"
	"github.com/ChristopherHX/gh-runner-broker/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "s3cret"

type fixture struct {
	store     *store.MemoryStore
	engine    *policy.Engine
	gh        *clienttest.Fake
	triggered int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{store: store.NewMemoryStore(), gh: clienttest.New()}
	f.engine = policy.NewEngine(f.store, policy.DefaultDeny)
	require.NoError(t, f.engine.Put(context.Background(), &core.PolicyRecord{
		Subject:          core.UserSubject("alice@example.com"),
		RequiredLabels:   []string{"team-a"},
		OptionalPatterns: []string{"dev-.*"},
		Active:           true,
	}))
	now := time.Now().UTC()
	require.NoError(t, f.store.CreateRunner(context.Background(), &core.Runner{
		ID:         "r1",
		Name:       "alice-1",
		Labels:     []string{"team-a"},
		Owner:      "alice@example.com",
		Subject:    core.UserSubject("alice@example.com"),
		Method:     core.MethodRegistrationToken,
		Status:     core.StatusActive,
		Compliance: core.ComplianceCompliant,
		CreatedAt:  now,
		UpdatedAt:  now,
	}))
	return f
}

func (f *fixture) handler(t *testing.T, posture Posture) *Handler {
	t.Helper()
	h, err := New(secret, posture, f.store, f.engine, f.gh, func() { f.triggered++ })
	require.NoError(t, err)
	return h
}

func jobStarted(runnerID int64, runnerName string) []byte {
	b, _ := json.Marshal(map[string]any{
		"action": "in_progress",
		"workflow_job": map[string]any{
			"id":          9,
			"run_id":      77,
			"runner_id":   runnerID,
			"runner_name": runnerName,
		},
		"repository": map[string]any{"full_name": "acme/app"},
	})
	return b
}

func deliver(h http.Handler, event, delivery string, body []byte, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/github", bytes.NewReader(body))
	req.Header.Set(eventHeader, event)
	req.Header.Set(deliveryHeader, delivery)
	if signature != "" {
		req.Header.Set(signatureHeader, signature)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) Result {
	t.Helper()
	var res Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	return res
}

// Scenario E: a tampered body is rejected before any processing.
func TestTamperedBodyRejected(t *testing.T) {
	f := newFixture(t)
	h := f.handler(t, PostureEnforce)
	id := f.gh.Register("alice-1", "team-a", "prod")

	body := jobStarted(id, "alice-1")
	sig := Sign([]byte(secret), body)
	tampered := bytes.Replace(body, []byte("alice-1"), []byte("alice-2"), 1)

	rec := deliver(h, "workflow_job", "d1", tampered, sig)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = deliver(h, "workflow_job", "d2", body, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = deliver(h, "workflow_job", "d3", body, "sha1=abc")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	events, err := f.engine.Events(context.Background(), core.EventFilter{})
	require.NoError(t, err)
	assert.Empty(t, events)
	assert.Empty(t, f.gh.Cancelled)
	assert.Zero(t, f.triggered)
}

func TestAuditPostureRecordsViolation(t *testing.T) {
	f := newFixture(t)
	h := f.handler(t, PostureAudit)
	id := f.gh.Register("alice-1", "self-hosted", "team-a", "prod")

	body := jobStarted(id, "alice-1")
	rec := deliver(h, "workflow_job", "d1", body, Sign([]byte(secret), body))
	require.Equal(t, http.StatusOK, rec.Code)
	res := decode(t, rec)
	assert.Equal(t, "violation_detected", res.Status)
	assert.Equal(t, core.ActionNone, res.Action)
	assert.Empty(t, f.gh.Cancelled)
	assert.Equal(t, 1, f.triggered)

	events, err := f.engine.Events(context.Background(), core.EventFilter{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, core.SeverityHigh, events[0].Severity)
	assert.Equal(t, []string{"prod"}, events[0].Detail.Mismatched)
	assert.Equal(t, int64(77), events[0].Detail.WorkflowRunID)
	assert.Equal(t, "acme/app", events[0].Detail.Repository)

	r, err := f.store.GetRunner(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, core.ComplianceViolating, r.Compliance)
	assert.True(t, r.Live())

	// redelivery is deduplicated
	rec = deliver(h, "workflow_job", "d1", body, Sign([]byte(secret), body))
	assert.Equal(t, "duplicate", decode(t, rec).Status)
	events, err = f.engine.Events(context.Background(), core.EventFilter{})
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestEnforcePostureCancelsRun(t *testing.T) {
	f := newFixture(t)
	h := f.handler(t, PostureEnforce)
	id := f.gh.Register("alice-1", "team-a", "prod")

	body := jobStarted(id, "alice-1")
	rec := deliver(h, "workflow_job", "d1", body, Sign([]byte(secret), body))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, core.ActionJobCancelled, decode(t, rec).Action)
	assert.Equal(t, []int64{77}, f.gh.Cancelled)

	f.gh.CancelErr = fmt.Errorf("boom")
	rec = deliver(h, "workflow_job", "d2", body, Sign([]byte(secret), body))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, core.ActionNone, decode(t, rec).Action)
}

func TestRepeatedJobsOnFlaggedRunnerRecordOnce(t *testing.T) {
	f := newFixture(t)
	h := f.handler(t, PostureAudit)
	id := f.gh.Register("alice-1", "team-a", "prod")
	ctx := context.Background()

	for _, d := range []string{"d1", "d2", "d3"} {
		body := jobStarted(id, "alice-1")
		rec := deliver(h, "workflow_job", d, body, Sign([]byte(secret), body))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "violation_detected", decode(t, rec).Status, d)
	}
	assert.Equal(t, 3, f.triggered)

	events, err := f.engine.Events(ctx, core.EventFilter{})
	require.NoError(t, err)
	require.Len(t, events, 1)

	// a different label drift is a new violation
	f.gh.SetLabels(id, "team-a", "gpu")
	body := jobStarted(id, "alice-1")
	rec := deliver(h, "workflow_job", "d4", body, Sign([]byte(secret), body))
	require.Equal(t, http.StatusOK, rec.Code)

	events, err = f.engine.Events(ctx, core.EventFilter{})
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestFlaggedRunnerStillCancelledUnderEnforce(t *testing.T) {
	f := newFixture(t)
	h := f.handler(t, PostureEnforce)
	id := f.gh.Register("alice-1", "team-a", "prod")

	for _, d := range []string{"d1", "d2"} {
		body := jobStarted(id, "alice-1")
		rec := deliver(h, "workflow_job", d, body, Sign([]byte(secret), body))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, core.ActionJobCancelled, decode(t, rec).Action)
	}
	assert.Equal(t, []int64{77, 77}, f.gh.Cancelled)

	events, err := f.engine.Events(context.Background(), core.EventFilter{})
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestCompliantRunner(t *testing.T) {
	f := newFixture(t)
	h := f.handler(t, PostureEnforce)
	id := f.gh.Register("alice-1", "self-hosted", "Linux", "team-a")

	body := jobStarted(id, "alice-1")
	rec := deliver(h, "workflow_job", "d1", body, Sign([]byte(secret), body))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode(t, rec).Status)
	assert.Zero(t, f.triggered)
}

func TestIgnoredDeliveries(t *testing.T) {
	f := newFixture(t)
	h := f.handler(t, PostureAudit)
	sign := func(b []byte) string { return Sign([]byte(secret), b) }

	ping := []byte(`{"zen":"hi"}`)
	assert.Equal(t, "pong", decode(t, deliver(h, "ping", "p1", ping, sign(ping))).Status)

	push := []byte(`{}`)
	res := decode(t, deliver(h, "push", "p2", push, sign(push)))
	assert.Equal(t, "ignored", res.Status)
	assert.Equal(t, "push", res.Event)

	queued := []byte(`{"action":"queued","workflow_job":{"runner_id":1,"runner_name":"alice-1"}}`)
	assert.Equal(t, "ignored", decode(t, deliver(h, "workflow_job", "p3", queued, sign(queued))).Status)

	unknown := jobStarted(5, "someone-else")
	res = decode(t, deliver(h, "workflow_job", "p4", unknown, sign(unknown)))
	assert.Equal(t, "ignored", res.Status)
	assert.Equal(t, "runner not managed by this service", res.Reason)

	garbage := []byte(`{not json`)
	rec := deliver(h, "workflow_job", "p5", garbage, sign(garbage))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestParsePosture(t *testing.T) {
	p, err := ParsePosture("")
	require.NoError(t, err)
	assert.Equal(t, PostureAudit, p)

	p, err = ParsePosture("Enforce")
	require.NoError(t, err)
	assert.Equal(t, PostureEnforce, p)

	_, err = ParsePosture("quarantine")
	assert.Error(t, err)
}

func TestNewRequiresSecret(t *testing.T) {
	_, err := New("", PostureAudit, store.NewMemoryStore(), nil, clienttest.New(), nil)
	assert.Error(t, err)
}
