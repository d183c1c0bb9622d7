package core

import (
	"context"
	"time"
)

type AuditKind string

const (
	AuditProvision     AuditKind = "provision"
	AuditDeprovision   AuditKind = "deprovision"
	AuditBatchDelete   AuditKind = "batch-delete"
	AuditAccountChange AuditKind = "account-change"
)

// AuditEntry records one state-changing operation, successful or not.
type AuditEntry struct {
	ID         string         `json:"id"`
	Kind       AuditKind      `json:"kind"`
	Identity   string         `json:"identity"`
	RunnerID   string         `json:"runner_id,omitempty"`
	RunnerName string         `json:"runner_name,omitempty"`
	RequestIP  string         `json:"request_ip,omitempty"`
	UserAgent  string         `json:"user_agent,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
	Success    bool           `json:"success"`
	Error      string         `json:"error,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// AuditFilter narrows an audit log listing.
type AuditFilter struct {
	Kind     AuditKind
	Identity string
	RunnerID string
	Success  *bool
	Limit    int
	Offset   int
}

// RequestInfo describes the HTTP request an operation runs for.
type RequestInfo struct {
	IP        string
	UserAgent string
}

type requestInfoKey struct{}

func WithRequestInfo(ctx context.Context, info RequestInfo) context.Context {
	return context.WithValue(ctx, requestInfoKey{}, info)
}

// RequestInfoFrom returns the request info stored in ctx, if any.
func RequestInfoFrom(ctx context.Context) RequestInfo {
	info, _ := ctx.Value(requestInfoKey{}).(RequestInfo)
	return info
}
