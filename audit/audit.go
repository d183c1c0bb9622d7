// Package audit records state-changing broker operations.
package audit

import (
	"context"
	"time"

	"github.com/ChristopherHX/gh-runner-broker/core"
	"github.com/ChristopherHX/gh-runner-broker/store"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// Log appends audit entries to the store.
type Log struct {
	store store.AuditStore
	now   func() time.Time
	log   *log.Entry
}

func New(s store.AuditStore) *Log {
	return &Log{
		store: s,
		now:   time.Now,
		log:   log.WithField("component", "audit"),
	}
}

// Record stamps e with an id, a timestamp and the request info carried by
// ctx, then appends it. The operation being audited has already happened,
// so a failed append is logged rather than returned.
func (l *Log) Record(ctx context.Context, e core.AuditEntry) {
	if l == nil {
		return
	}
	e.ID = uuid.NewString()
	e.CreatedAt = l.now().UTC()
	info := core.RequestInfoFrom(ctx)
	if e.RequestIP == "" {
		e.RequestIP = info.IP
	}
	if e.UserAgent == "" {
		e.UserAgent = info.UserAgent
	}
	if err := l.store.AppendAudit(context.WithoutCancel(ctx), &e); err != nil {
		l.log.WithError(err).
			WithField("kind", e.Kind).
			WithField("identity", e.Identity).
			Errorln("cannot append audit entry")
	}
}

func (l *Log) List(ctx context.Context, filter core.AuditFilter) ([]*core.AuditEntry, int, error) {
	return l.store.ListAudit(ctx, filter)
}

// ErrString returns the message of err, or "" for nil.
func ErrString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
