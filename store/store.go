package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ChristopherHX/gh-runner-broker/core"
)

var (
	ErrNotFound = errors.New("store: not found")
	// ErrNameConflict is returned when a live runner already uses the name.
	ErrNameConflict = errors.New("store: runner name already in use")
	// ErrStale is returned by conditional updates that lost a race.
	ErrStale  = errors.New("store: stale runner version")
	ErrExists = errors.New("store: already exists")
)

// RunnerStore persists runner records.
type RunnerStore interface {
	// CreateRunner inserts r with version 1.
	CreateRunner(ctx context.Context, r *core.Runner) error
	GetRunner(ctx context.Context, id string) (*core.Runner, error)
	GetLiveRunnerByName(ctx context.Context, name string) (*core.Runner, error)
	// ListRunners returns the matching page and the total match count.
	ListRunners(ctx context.Context, filter core.RunnerFilter) ([]*core.Runner, int, error)
	CountLiveRunners(ctx context.Context, subject core.Subject) (int, error)
	// UpdateRunner writes r if the stored version still equals
	// expectedVersion and sets r.Version to the new version.
	UpdateRunner(ctx context.Context, r *core.Runner, expectedVersion int64) error
}

// PolicyStore persists policy records keyed by subject.
type PolicyStore interface {
	GetPolicy(ctx context.Context, subject core.Subject) (*core.PolicyRecord, error)
	PutPolicy(ctx context.Context, p *core.PolicyRecord) error
	DeletePolicy(ctx context.Context, subject core.Subject) error
	ListPolicies(ctx context.Context) ([]*core.PolicyRecord, error)
}

// EventStore is the append-only security event log.
type EventStore interface {
	AppendEvent(ctx context.Context, e *core.SecurityEvent) error
	ListEvents(ctx context.Context, filter core.EventFilter) ([]*core.SecurityEvent, error)
}

// AccountStore persists caller authorization records.
type AccountStore interface {
	GetAccount(ctx context.Context, id string) (*core.Account, error)
	// CreateAccount returns ErrExists when the id is taken.
	CreateAccount(ctx context.Context, a *core.Account) error
	UpdateAccount(ctx context.Context, a *core.Account) error
	DeleteAccount(ctx context.Context, id string) error
	ListAccounts(ctx context.Context, limit, offset int) ([]*core.Account, int, error)
	CountAccounts(ctx context.Context) (int, error)
	TouchAccountLogin(ctx context.Context, id string, at time.Time) error
}

// AuditStore is the append-only audit log.
type AuditStore interface {
	AppendAudit(ctx context.Context, e *core.AuditEntry) error
	ListAudit(ctx context.Context, filter core.AuditFilter) ([]*core.AuditEntry, int, error)
}

// A Store manages all persisted broker state.
type Store interface {
	RunnerStore
	PolicyStore
	EventStore
	AccountStore
	AuditStore
	Close() error
}

// Open returns the store for the given driver name.
func Open(ctx context.Context, driver, dsn string) (Store, error) {
	switch driver {
	case "memory":
		return NewMemoryStore(), nil
	case "sqlite", "postgres":
		return OpenSQL(ctx, driver, dsn)
	}
	return nil, fmt.Errorf("store: unknown driver %q", driver)
}
