package policy

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/ChristopherHX/gh-runner-broker/core"
	"github.com/ChristopherHX/gh-runner-broker/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intPtr(v int) *int { return &v }

func scenarioPolicy(subject core.Subject) *core.PolicyRecord {
	return &core.PolicyRecord{
		Subject:          subject,
		RequiredLabels:   []string{"self-hosted", "linux"},
		OptionalPatterns: []string{"dev-.*"},
		MaxRunners:       intPtr(2),
		Active:           true,
	}
}

func TestValidateAcceptanceRule(t *testing.T) {
	p, err := Compile(scenarioPolicy(core.UserSubject("alice")))
	require.NoError(t, err)

	tests := []struct {
		name      string
		requested []string
		want      []string
		rejected  []string
	}{
		{name: "empty", requested: nil, want: []string{"self-hosted", "linux"}},
		{name: "optional", requested: []string{"dev-x"}, want: []string{"self-hosted", "linux", "dev-x"}},
		{name: "required duplicate", requested: []string{"linux", "dev-a", "dev-a"}, want: []string{"self-hosted", "linux", "dev-a"}},
		{name: "partial match is not a match", requested: []string{"xdev-a"}, rejected: []string{"xdev-a"}},
		{name: "prefix only", requested: []string{"dev-"}, want: []string{"self-hosted", "linux", "dev-"}},
		{name: "mixed", requested: []string{"dev-x", "docker", "gpu", "docker"}, rejected: []string{"docker", "gpu"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := p.Validate(tt.requested, 0)
			if tt.rejected != nil {
				var lv *LabelViolation
				require.True(t, errors.As(err, &lv))
				assert.Equal(t, tt.rejected, lv.Labels)
				assert.Equal(t, []string{"dev-.*"}, lv.AllowedPatterns)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			for _, r := range p.Required {
				assert.Contains(t, got, r)
			}
		})
	}
}

func TestValidateQuotaAndInactive(t *testing.T) {
	rec := scenarioPolicy(core.UserSubject("alice"))
	p, err := Compile(rec)
	require.NoError(t, err)

	_, err = p.Validate([]string{"dev-x"}, 1)
	assert.NoError(t, err)

	_, err = p.Validate([]string{"dev-x"}, 2)
	var qe *QuotaExceeded
	require.True(t, errors.As(err, &qe))
	assert.Equal(t, QuotaExceeded{Max: 2, Current: 2}, *qe)

	rec.Active = false
	rec.InactiveReason = "offboarded"
	p, err = Compile(rec)
	require.NoError(t, err)
	_, err = p.Validate(nil, 0)
	var pi *PolicyInactive
	require.True(t, errors.As(err, &pi))
	assert.Equal(t, "offboarded", pi.Reason)
}

func TestCompileRejectsInvalid(t *testing.T) {
	_, err := Compile(&core.PolicyRecord{OptionalPatterns: []string{"("}, Active: true})
	assert.Error(t, err)

	_, err = Compile(&core.PolicyRecord{Active: false})
	assert.Error(t, err)

	_, err = Compile(&core.PolicyRecord{Active: true, MaxRunners: intPtr(-1)})
	assert.Error(t, err)
}

func TestVerify(t *testing.T) {
	p, err := Compile(scenarioPolicy(core.UserSubject("alice")))
	require.NoError(t, err)

	expected := []string{"self-hosted", "linux", "dev-x"}
	assert.Nil(t, p.Verify(expected, []string{"self-hosted", "Linux", "X64", "dev-x"}))

	v := p.Verify(expected, []string{"self-hosted", "linux", "dev-x", "gpu"})
	require.NotNil(t, v)
	assert.Equal(t, []string{"gpu"}, v.Mismatched)
	assert.Equal(t, expected, v.Expected)
	assert.Equal(t, []string{"self-hosted", "linux", "dev-x", "gpu"}, v.Actual)

	// idempotent on unchanged input
	assert.Equal(t, v, p.Verify(expected, []string{"self-hosted", "linux", "dev-x", "gpu"}))
}

func TestEngineAuthorizeScenarios(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	e := NewEngine(s, DefaultDeny)
	alice := core.UserSubject("alice")
	caller := core.Identity{ID: "alice", Subject: "alice"}
	require.NoError(t, e.Put(ctx, scenarioPolicy(alice)))

	// Scenario A
	_, err := e.Authorize(ctx, caller, alice, []string{"dev-x", "docker"})
	var lv *LabelViolation
	require.True(t, errors.As(err, &lv))
	assert.Equal(t, []string{"docker"}, lv.Labels)
	assert.Equal(t, []string{"dev-.*"}, lv.AllowedPatterns)

	events, err := s.ListEvents(ctx, core.EventFilter{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, core.EventValidationDenied, events[0].Kind)
	assert.Equal(t, core.SeverityMedium, events[0].Severity)
	assert.Equal(t, core.ActionRequestRejected, events[0].Action)

	// Scenario B
	for _, id := range []string{"r1", "r2"} {
		require.NoError(t, s.CreateRunner(ctx, &core.Runner{ID: id, Name: id, Subject: alice, Status: core.StatusActive}))
	}
	_, err = e.Authorize(ctx, caller, alice, []string{"dev-x"})
	var qe *QuotaExceeded
	require.True(t, errors.As(err, &qe))
	assert.Equal(t, 2, qe.Max)
	assert.Equal(t, 2, qe.Current)

	events, err = s.ListEvents(ctx, core.EventFilter{Kind: core.EventQuotaExceeded})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, core.SeverityLow, events[0].Severity)
	assert.Equal(t, 2, *events[0].Detail.Max)
}

func TestEngineDefaults(t *testing.T) {
	ctx := context.Background()
	bob := core.UserSubject("bob")

	_, err := NewEngine(store.NewMemoryStore(), DefaultDeny).Authorize(ctx, core.Identity{ID: "bob"}, bob, []string{"x"})
	assert.ErrorIs(t, err, ErrNoPolicy)

	d, err := NewEngine(store.NewMemoryStore(), DefaultAllow).Authorize(ctx, core.Identity{ID: "bob"}, bob, []string{"x", "x"})
	require.NoError(t, err)
	assert.Equal(t, []string{"x"}, d.EffectiveLabels)
}

func TestEngineVerifyRunnerWithoutPolicy(t *testing.T) {
	e := NewEngine(store.NewMemoryStore(), DefaultAllow)
	r := &core.Runner{ID: "r", Subject: core.UserSubject("bob"), Labels: []string{"self-hosted", "build"}}

	v, err := e.VerifyRunner(context.Background(), r, []string{"self-hosted", "build", "linux"})
	require.NoError(t, err)
	assert.Nil(t, v)

	v, err = e.VerifyRunner(context.Background(), r, []string{"build", "gpu"})
	require.NoError(t, err)
	require.NotNil(t, v)
	assert.Equal(t, []string{"gpu"}, v.Mismatched)
}

func TestEnginePutValidates(t *testing.T) {
	e := NewEngine(store.NewMemoryStore(), DefaultDeny)
	err := e.Put(context.Background(), &core.PolicyRecord{Subject: core.UserSubject("a"), OptionalPatterns: []string{"["}, Active: true})
	assert.ErrorIs(t, err, ErrInvalidPolicy)

	err = e.Put(context.Background(), &core.PolicyRecord{Subject: core.UserSubject("a"), RequiredLabels: []string{"bad label"}, Active: true})
	assert.ErrorIs(t, err, ErrInvalidPolicy)
}

func TestImportFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policies.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`policies:
  - subject: group:platform
    required_labels: [self-hosted, linux]
    optional_patterns: ["dev-.*"]
    max_runners: 2
  - subject: user:mallory
    active: false
    inactive_reason: suspended
  - subject: nobody
`), 0o600))

	s := store.NewMemoryStore()
	e := NewEngine(s, DefaultDeny)
	n, err := e.ImportFile(context.Background(), path)
	assert.Error(t, err)
	assert.Equal(t, 2, n)

	p, err := s.GetPolicy(context.Background(), core.GroupSubject("platform"))
	require.NoError(t, err)
	assert.True(t, p.Active)
	assert.Equal(t, 2, *p.MaxRunners)

	p, err = s.GetPolicy(context.Background(), core.UserSubject("mallory"))
	require.NoError(t, err)
	assert.False(t, p.Active)
}
