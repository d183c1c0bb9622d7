package core

import "time"

type EventKind string

const (
	EventValidationDenied      EventKind = "validation-denied"
	EventVerificationViolation EventKind = "verification-violation"
	EventQuotaExceeded         EventKind = "quota-exceeded"
)

type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

type Action string

const (
	ActionNone            Action = "none"
	ActionRequestRejected Action = "request-rejected"
	ActionRunnerDeleted   Action = "runner-deleted"
	ActionJobCancelled    Action = "job-cancelled"
)

// EventDetail is the structured payload of a security event. Which fields
// are set depends on the event kind.
type EventDetail struct {
	Labels          []string `json:"labels,omitempty"`
	AllowedPatterns []string `json:"allowed_patterns,omitempty"`
	Max             *int     `json:"max,omitempty"`
	Current         *int     `json:"current,omitempty"`
	Reason          string   `json:"reason,omitempty"`
	Expected        []string `json:"expected,omitempty"`
	Actual          []string `json:"actual,omitempty"`
	Mismatched      []string `json:"mismatched,omitempty"`
	Source          string   `json:"source,omitempty"`
	WorkflowRunID   int64    `json:"workflow_run_id,omitempty"`
	Repository      string   `json:"repository,omitempty"`
}

// SecurityEvent is an append-only record of a denied request or a
// violation found after issuance.
type SecurityEvent struct {
	ID         string      `json:"id"`
	Kind       EventKind   `json:"kind"`
	Severity   Severity    `json:"severity"`
	Subject    Subject     `json:"subject"`
	Identity   string      `json:"identity"`
	RunnerID   string      `json:"runner_id,omitempty"`
	RunnerName string      `json:"runner_name,omitempty"`
	Detail     EventDetail `json:"detail"`
	Action     Action      `json:"action"`
	CreatedAt  time.Time   `json:"created_at"`
}

// EventFilter narrows a security event listing.
type EventFilter struct {
	Kind     EventKind
	Severity Severity
	Subject  *Subject
	RunnerID string
	Limit    int
	Offset   int
}
