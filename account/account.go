// Package account resolves verified identities to local authorization
// records and manages those records.
package account

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ChristopherHX/gh-runner-broker/audit"
	"github.com/ChristopherHX/gh-runner-broker/core"
	"github.com/ChristopherHX/gh-runner-broker/store"

	log "github.com/sirupsen/logrus"
)

var (
	// ErrNotAuthorized is returned for callers without an account once at
	// least one account exists.
	ErrNotAuthorized = errors.New("account: caller not authorized")
	ErrInactive      = errors.New("account: account deactivated")
	ErrExists        = errors.New("account: already exists")
	ErrInvalid       = errors.New("account: invalid request")
	// ErrSelfLockout is returned when an administrator tries to disable or
	// remove their own account.
	ErrSelfLockout = errors.New("account: cannot disable own account")
)

const maxReasonLength = 500

// Patch carries the fields an administrator may change. Nil fields are
// left untouched.
type Patch struct {
	Email                   *string `json:"email"`
	DisplayName             *string `json:"display_name"`
	Admin                   *bool   `json:"is_admin"`
	Active                  *bool   `json:"is_active"`
	CanUseRegistrationToken *bool   `json:"can_use_registration_token"`
	CanUseJIT               *bool   `json:"can_use_jit"`
	DisabledReason          *string `json:"disabled_reason"`
}

// Directory decides which verified callers may use the broker.
//
// While no account exists the broker runs in bootstrap mode and every
// verified caller is admitted without an account. Configured administrators
// are always admitted unless their own account is deactivated.
type Directory struct {
	store  store.AccountStore
	audit  *audit.Log
	admins map[string]struct{}
	now    func() time.Time
	log    *log.Entry
}

func NewDirectory(s store.AccountStore, auditLog *audit.Log, admins []string) *Directory {
	d := &Directory{
		store:  s,
		audit:  auditLog,
		admins: map[string]struct{}{},
		now:    time.Now,
		log:    log.WithField("component", "account"),
	}
	for _, a := range admins {
		d.admins[a] = struct{}{}
	}
	return d
}

// Resolve attaches the caller's account to id.
func (d *Directory) Resolve(ctx context.Context, id core.Identity) (core.Identity, error) {
	a, err := d.store.GetAccount(ctx, id.ID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		if _, ok := d.admins[id.ID]; ok {
			return id, nil
		}
		n, err := d.store.CountAccounts(ctx)
		if err != nil {
			return id, err
		}
		if n == 0 {
			return id, nil
		}
		return id, ErrNotAuthorized
	case err != nil:
		return id, err
	}
	if !a.Active {
		return id, ErrInactive
	}

	now := d.now().UTC()
	if err := d.store.TouchAccountLogin(ctx, a.ID, now); err != nil {
		d.log.WithError(err).WithField("account", a.ID).Warnln("cannot record login")
	} else {
		a.LastLoginAt = &now
	}
	id.Account = a
	return id, nil
}

func (d *Directory) List(ctx context.Context, limit, offset int) ([]*core.Account, int, error) {
	return d.store.ListAccounts(ctx, limit, offset)
}

func (d *Directory) Get(ctx context.Context, id string) (*core.Account, error) {
	return d.store.GetAccount(ctx, id)
}

// Create adds a. Timestamps and CreatedBy are set here.
func (d *Directory) Create(ctx context.Context, admin core.Identity, a *core.Account) error {
	a.ID = strings.TrimSpace(a.ID)
	if a.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalid)
	}
	if len(a.DisabledReason) > maxReasonLength {
		return fmt.Errorf("%w: disabled_reason exceeds %d characters", ErrInvalid, maxReasonLength)
	}
	now := d.now().UTC()
	a.CreatedBy = admin.ID
	a.CreatedAt = now
	a.UpdatedAt = now
	a.LastLoginAt = nil

	err := d.store.CreateAccount(ctx, a)
	if errors.Is(err, store.ErrExists) {
		err = ErrExists
	}
	d.record(ctx, admin, "create", a.ID, err)
	if err != nil {
		return err
	}
	d.log.WithField("account", a.ID).WithField("admin", admin.ID).Infoln("account created")
	return nil
}

// Update applies p to the account id.
func (d *Directory) Update(ctx context.Context, admin core.Identity, id string, p Patch) (*core.Account, error) {
	a, err := d.store.GetAccount(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.DisabledReason != nil && len(*p.DisabledReason) > maxReasonLength {
		return nil, fmt.Errorf("%w: disabled_reason exceeds %d characters", ErrInvalid, maxReasonLength)
	}
	if id == admin.ID && ((p.Active != nil && !*p.Active) || (p.Admin != nil && !*p.Admin)) {
		return nil, ErrSelfLockout
	}
	apply(a, p)
	a.UpdatedAt = d.now().UTC()

	err = d.store.UpdateAccount(ctx, a)
	d.record(ctx, admin, "update", id, err)
	if err != nil {
		return nil, err
	}
	d.log.WithField("account", id).WithField("admin", admin.ID).Infoln("account updated")
	return a, nil
}

func apply(a *core.Account, p Patch) {
	if p.Email != nil {
		a.Email = *p.Email
	}
	if p.DisplayName != nil {
		a.DisplayName = *p.DisplayName
	}
	if p.Admin != nil {
		a.Admin = *p.Admin
	}
	if p.Active != nil {
		a.Active = *p.Active
		if a.Active {
			a.DisabledReason = ""
		}
	}
	if p.CanUseRegistrationToken != nil {
		a.CanUseRegistrationToken = *p.CanUseRegistrationToken
	}
	if p.CanUseJIT != nil {
		a.CanUseJIT = *p.CanUseJIT
	}
	if p.DisabledReason != nil {
		a.DisabledReason = *p.DisabledReason
	}
}

// SetActive activates or deactivates the account id.
func (d *Directory) SetActive(ctx context.Context, admin core.Identity, id string, active bool, reason string) (*core.Account, error) {
	p := Patch{Active: &active}
	if !active && reason != "" {
		p.DisabledReason = &reason
	}
	return d.Update(ctx, admin, id, p)
}

func (d *Directory) Delete(ctx context.Context, admin core.Identity, id string) error {
	if id == admin.ID {
		return ErrSelfLockout
	}
	err := d.store.DeleteAccount(ctx, id)
	d.record(ctx, admin, "delete", id, err)
	if err != nil {
		return err
	}
	d.log.WithField("account", id).WithField("admin", admin.ID).Infoln("account deleted")
	return nil
}

func (d *Directory) record(ctx context.Context, admin core.Identity, action, id string, err error) {
	if errors.Is(err, store.ErrNotFound) {
		return
	}
	d.audit.Record(ctx, core.AuditEntry{
		Kind:     core.AuditAccountChange,
		Identity: admin.ID,
		Data:     map[string]any{"action": action, "account": id},
		Success:  err == nil,
		Error:    audit.ErrString(err),
	})
}
