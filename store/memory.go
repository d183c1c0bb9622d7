package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ChristopherHX/gh-runner-broker/core"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore keeps all state in process memory. Used by tests and the
// "memory" driver.
type MemoryStore struct {
	mu       sync.RWMutex
	runners  map[string]*core.Runner
	policies map[string]*core.PolicyRecord
	events   []*core.SecurityEvent
	accounts map[string]*core.Account
	audit    []*core.AuditEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runners:  map[string]*core.Runner{},
		policies: map[string]*core.PolicyRecord{},
		accounts: map[string]*core.Account{},
	}
}

func (m *MemoryStore) CreateRunner(_ context.Context, r *core.Runner) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runners[r.ID]; ok {
		return ErrNameConflict
	}
	if r.Live() && m.liveNameTaken(r.Name, r.ID) {
		return ErrNameConflict
	}
	r.Version = 1
	m.runners[r.ID] = r.Clone()
	return nil
}

func (m *MemoryStore) liveNameTaken(name, exceptID string) bool {
	for id, r := range m.runners {
		if id != exceptID && r.Name == name && r.Live() {
			return true
		}
	}
	return false
}

func (m *MemoryStore) GetRunner(_ context.Context, id string) (*core.Runner, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.runners[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r.Clone(), nil
}

func (m *MemoryStore) GetLiveRunnerByName(_ context.Context, name string) (*core.Runner, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.runners {
		if r.Name == name && r.Live() {
			return r.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) ListRunners(_ context.Context, filter core.RunnerFilter) ([]*core.Runner, int, error) {
	m.mu.RLock()
	var matched []*core.Runner
	for _, r := range m.runners {
		if matchRunner(r, filter) {
			matched = append(matched, r.Clone())
		}
	}
	m.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	return page(matched, filter.Offset, filter.Limit), len(matched), nil
}

func matchRunner(r *core.Runner, f core.RunnerFilter) bool {
	if f.Status != "" {
		if r.Status != f.Status {
			return false
		}
	} else if !f.IncludeDeleted && !r.Live() {
		return false
	}
	if f.Owner != "" && r.Owner != f.Owner {
		return false
	}
	if f.Subject != nil && r.Subject != *f.Subject {
		return false
	}
	if f.Ephemeral != nil && r.Ephemeral != *f.Ephemeral {
		return false
	}
	return true
}

func page[T any](items []T, offset, limit int) []T {
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

func (m *MemoryStore) CountLiveRunners(_ context.Context, subject core.Subject) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, r := range m.runners {
		if r.Subject == subject && r.Live() {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) UpdateRunner(_ context.Context, r *core.Runner, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.runners[r.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != expectedVersion {
		return ErrStale
	}
	if r.Live() && m.liveNameTaken(r.Name, r.ID) {
		return ErrNameConflict
	}
	r.Version = expectedVersion + 1
	m.runners[r.ID] = r.Clone()
	return nil
}

func (m *MemoryStore) GetPolicy(_ context.Context, subject core.Subject) (*core.PolicyRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.policies[subject.String()]
	if !ok {
		return nil, ErrNotFound
	}
	return clonePolicy(p), nil
}

func (m *MemoryStore) PutPolicy(_ context.Context, p *core.PolicyRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := p.Subject.String()
	if cur, ok := m.policies[key]; ok {
		p.CreatedAt = cur.CreatedAt
	}
	m.policies[key] = clonePolicy(p)
	return nil
}

func (m *MemoryStore) DeletePolicy(_ context.Context, subject core.Subject) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := subject.String()
	if _, ok := m.policies[key]; !ok {
		return ErrNotFound
	}
	delete(m.policies, key)
	return nil
}

func (m *MemoryStore) ListPolicies(_ context.Context) ([]*core.PolicyRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*core.PolicyRecord, 0, len(m.policies))
	for _, p := range m.policies {
		out = append(out, clonePolicy(p))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Subject.String() < out[j].Subject.String()
	})
	return out, nil
}

func (m *MemoryStore) AppendEvent(_ context.Context, e *core.SecurityEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *e
	m.events = append(m.events, &c)
	return nil
}

func (m *MemoryStore) ListEvents(_ context.Context, filter core.EventFilter) ([]*core.SecurityEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*core.SecurityEvent
	// newest first
	for i := len(m.events) - 1; i >= 0; i-- {
		e := m.events[i]
		if filter.Kind != "" && e.Kind != filter.Kind {
			continue
		}
		if filter.Severity != "" && e.Severity != filter.Severity {
			continue
		}
		if filter.Subject != nil && e.Subject != *filter.Subject {
			continue
		}
		if filter.RunnerID != "" && e.RunnerID != filter.RunnerID {
			continue
		}
		c := *e
		out = append(out, &c)
	}
	return page(out, filter.Offset, filter.Limit), nil
}

func (m *MemoryStore) GetAccount(_ context.Context, id string) (*core.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.accounts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return a.Clone(), nil
}

func (m *MemoryStore) CreateAccount(_ context.Context, a *core.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accounts[a.ID]; ok {
		return ErrExists
	}
	m.accounts[a.ID] = a.Clone()
	return nil
}

func (m *MemoryStore) UpdateAccount(_ context.Context, a *core.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.accounts[a.ID]
	if !ok {
		return ErrNotFound
	}
	c := a.Clone()
	c.CreatedAt = cur.CreatedAt
	c.CreatedBy = cur.CreatedBy
	c.LastLoginAt = cur.LastLoginAt
	m.accounts[a.ID] = c
	return nil
}

func (m *MemoryStore) DeleteAccount(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accounts[id]; !ok {
		return ErrNotFound
	}
	delete(m.accounts, id)
	return nil
}

func (m *MemoryStore) ListAccounts(_ context.Context, limit, offset int) ([]*core.Account, int, error) {
	m.mu.RLock()
	out := make([]*core.Account, 0, len(m.accounts))
	for _, a := range m.accounts {
		out = append(out, a.Clone())
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return page(out, offset, limit), len(out), nil
}

func (m *MemoryStore) CountAccounts(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.accounts), nil
}

func (m *MemoryStore) TouchAccountLogin(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	if !ok {
		return ErrNotFound
	}
	a.LastLoginAt = &at
	return nil
}

func (m *MemoryStore) AppendAudit(_ context.Context, e *core.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *e
	m.audit = append(m.audit, &c)
	return nil
}

func (m *MemoryStore) ListAudit(_ context.Context, filter core.AuditFilter) ([]*core.AuditEntry, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*core.AuditEntry
	// newest first
	for i := len(m.audit) - 1; i >= 0; i-- {
		e := m.audit[i]
		if filter.Kind != "" && e.Kind != filter.Kind {
			continue
		}
		if filter.Identity != "" && e.Identity != filter.Identity {
			continue
		}
		if filter.RunnerID != "" && e.RunnerID != filter.RunnerID {
			continue
		}
		if filter.Success != nil && e.Success != *filter.Success {
			continue
		}
		c := *e
		out = append(out, &c)
	}
	return page(out, filter.Offset, filter.Limit), len(out), nil
}

func (m *MemoryStore) Close() error {
	return nil
}

func clonePolicy(p *core.PolicyRecord) *core.PolicyRecord {
	c := *p
	c.RequiredLabels = append([]string(nil), p.RequiredLabels...)
	c.OptionalPatterns = append([]string(nil), p.OptionalPatterns...)
	if p.MaxRunners != nil {
		v := *p.MaxRunners
		c.MaxRunners = &v
	}
	return &c
}
