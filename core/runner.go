package core

import (
	"time"
)

// Status is the lifecycle state of a runner record.
type Status string

const (
	StatusPending Status = "pending"
	StatusActive  Status = "active"
	StatusOffline Status = "offline"
	StatusDeleted Status = "deleted"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusActive, StatusOffline, StatusDeleted:
		return true
	}
	return false
}

// Method is the issuance flow that produced a runner.
type Method string

const (
	MethodRegistrationToken Method = "registration_token"
	MethodJIT               Method = "jit"
)

// Compliance is the result of the last label verification of a runner.
type Compliance string

const (
	ComplianceUnknown   Compliance = "unknown"
	ComplianceCompliant Compliance = "compliant"
	ComplianceViolating Compliance = "violating"
)

// Runner struct
type Runner struct {
	ID            string   `json:"id"`
	ExternalID    *int64   `json:"external_id,omitempty"`
	Name          string   `json:"name"`
	Labels        []string `json:"labels"`
	Ephemeral     bool     `json:"ephemeral"`
	DisableUpdate bool     `json:"disable_update"`
	RunnerGroupID int64    `json:"runner_group_id"`
	Owner         string   `json:"owner"`
	Group         string   `json:"group,omitempty"`
	Subject       Subject  `json:"subject"`
	Method        Method   `json:"method"`
	Status        Status   `json:"status"`

	// Credential holds the registration token until the runner is
	// observed registered upstream. JIT blobs are never stored.
	Credential          string     `json:"-"`
	CredentialExpiresAt *time.Time `json:"credential_expires_at,omitempty"`

	Compliance   Compliance `json:"compliance"`
	LabelsDigest string     `json:"-"`

	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	RegisteredAt *time.Time `json:"registered_at,omitempty"`
	LastSeenAt   *time.Time `json:"last_seen_at,omitempty"`
	DeletedAt    *time.Time `json:"deleted_at,omitempty"`

	// Version is bumped by every successful conditional update.
	Version int64 `json:"version"`
}

// Live reports whether the runner still counts against its name and quota.
func (r *Runner) Live() bool {
	return r.Status != StatusDeleted
}

// Clone returns a deep copy of the runner.
func (r *Runner) Clone() *Runner {
	if r == nil {
		return nil
	}
	c := *r
	c.Labels = append([]string(nil), r.Labels...)
	c.ExternalID = cloneInt64(r.ExternalID)
	c.CredentialExpiresAt = cloneTime(r.CredentialExpiresAt)
	c.RegisteredAt = cloneTime(r.RegisteredAt)
	c.LastSeenAt = cloneTime(r.LastSeenAt)
	c.DeletedAt = cloneTime(r.DeletedAt)
	return &c
}

// RunnerFilter narrows a runner listing. Zero values match everything.
type RunnerFilter struct {
	Owner     string
	Subject   *Subject
	Status    Status
	Ephemeral *bool
	// IncludeDeleted lists deleted runners when Status is empty.
	IncludeDeleted bool
	Limit          int
	Offset         int
}

func cloneInt64(v *int64) *int64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func cloneTime(v *time.Time) *time.Time {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
