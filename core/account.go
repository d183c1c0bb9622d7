package core

import "time"

// Account is the local authorization record of a caller. Identities are
// verified by the token provider; accounts decide what a verified caller
// may do.
type Account struct {
	// ID matches Identity.ID.
	ID                      string     `json:"id"`
	Email                   string     `json:"email,omitempty"`
	DisplayName             string     `json:"display_name,omitempty"`
	Admin                   bool       `json:"is_admin"`
	Active                  bool       `json:"is_active"`
	CanUseRegistrationToken bool       `json:"can_use_registration_token"`
	CanUseJIT               bool       `json:"can_use_jit"`
	DisabledReason          string     `json:"disabled_reason,omitempty"`
	CreatedBy               string     `json:"created_by,omitempty"`
	CreatedAt               time.Time  `json:"created_at"`
	UpdatedAt               time.Time  `json:"updated_at"`
	LastLoginAt             *time.Time `json:"last_login_at,omitempty"`
}

// Allows reports whether the account may provision with the method.
func (a *Account) Allows(m Method) bool {
	switch m {
	case MethodRegistrationToken:
		return a.CanUseRegistrationToken
	case MethodJIT:
		return a.CanUseJIT
	}
	return false
}

func (a *Account) Clone() *Account {
	c := *a
	if a.LastLoginAt != nil {
		t := *a.LastLoginAt
		c.LastLoginAt = &t
	}
	return &c
}
