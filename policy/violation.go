package policy

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNoPolicy is returned when the subject has no policy record and the
// engine denies by default.
var ErrNoPolicy = errors.New("policy: no policy configured for subject")

// ErrInvalidPolicy wraps validation failures of a policy record.
var ErrInvalidPolicy = errors.New("policy: invalid policy")

// A Violation is one of the closed set of policy decision failures.
type Violation interface {
	error
	violation()
}

var (
	_ Violation = (*LabelViolation)(nil)
	_ Violation = (*QuotaExceeded)(nil)
	_ Violation = (*PolicyInactive)(nil)
	_ Violation = (*VerificationViolation)(nil)
)

// LabelViolation lists requested labels the policy does not allow.
type LabelViolation struct {
	Labels          []string
	AllowedPatterns []string
}

func (v *LabelViolation) Error() string {
	return fmt.Sprintf("labels %s not permitted by policy, allowed patterns: [%s]",
		strings.Join(v.Labels, ","), strings.Join(v.AllowedPatterns, ","))
}

func (*LabelViolation) violation() {}

// QuotaExceeded reports the subject already holds Max live runners.
type QuotaExceeded struct {
	Max     int
	Current int
}

func (v *QuotaExceeded) Error() string {
	return fmt.Sprintf("runner quota exceeded: %d of %d in use", v.Current, v.Max)
}

func (*QuotaExceeded) violation() {}

// PolicyInactive blocks new provisioning for a suspended subject.
type PolicyInactive struct {
	Reason string
}

func (v *PolicyInactive) Error() string {
	return "policy inactive: " + v.Reason
}

func (*PolicyInactive) violation() {}

// VerificationViolation describes observed runner labels that the policy
// cannot explain.
type VerificationViolation struct {
	Expected   []string
	Actual     []string
	Mismatched []string
}

func (v *VerificationViolation) Error() string {
	return fmt.Sprintf("runner carries unauthorized labels: %s", strings.Join(v.Mismatched, ","))
}

func (*VerificationViolation) violation() {}
