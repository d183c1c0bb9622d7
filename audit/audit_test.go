package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ChristopherHX/gh-runner-broker/core"
	"github.com/ChristopherHX/gh-runner-broker/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordStampsEntry(t *testing.T) {
	s := store.NewMemoryStore()
	l := New(s)
	l.now = func() time.Time { return time.UnixMilli(5000) }

	ctx := core.WithRequestInfo(context.Background(), core.RequestInfo{IP: "192.0.2.7", UserAgent: "runner-cli/1.0"})
	l.Record(ctx, core.AuditEntry{Kind: core.AuditProvision, Identity: "alice", Success: true})
	l.Record(context.Background(), core.AuditEntry{Kind: core.AuditDeprovision, Identity: "bob", RequestIP: "reconciler"})

	entries, total, err := l.List(context.Background(), core.AuditFilter{})
	require.NoError(t, err)
	require.Equal(t, 2, total)

	assert.Equal(t, "bob", entries[0].Identity)
	assert.Equal(t, "reconciler", entries[0].RequestIP)
	assert.Empty(t, entries[0].UserAgent)

	assert.NotEmpty(t, entries[1].ID)
	assert.Equal(t, "192.0.2.7", entries[1].RequestIP)
	assert.Equal(t, "runner-cli/1.0", entries[1].UserAgent)
	assert.Equal(t, time.UnixMilli(5000).UTC(), entries[1].CreatedAt)
	assert.NotEqual(t, entries[0].ID, entries[1].ID)
}

type failingStore struct {
	store.AuditStore
}

func (failingStore) AppendAudit(context.Context, *core.AuditEntry) error {
	return errors.New("disk full")
}

func TestRecordSurvivesStoreFailure(t *testing.T) {
	assert.NotPanics(t, func() {
		New(failingStore{}).Record(context.Background(), core.AuditEntry{Kind: core.AuditProvision})
	})
	var l *Log
	assert.NotPanics(t, func() {
		l.Record(context.Background(), core.AuditEntry{Kind: core.AuditProvision})
	})
}

func TestErrString(t *testing.T) {
	assert.Empty(t, ErrString(nil))
	assert.Equal(t, "boom", ErrString(errors.New("boom")))
}
