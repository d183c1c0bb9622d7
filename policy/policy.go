package policy

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/ChristopherHX/gh-runner-broker/core"

	"github.com/samber/lo"
)

// platformLabels are injected by the runner agent itself and never
// counted against a policy.
var platformLabels = map[string]struct{}{
	"self-hosted": {},
	"linux":       {},
	"windows":     {},
	"macos":       {},
	"x64":         {},
	"x86":         {},
	"arm":         {},
	"arm64":       {},
}

// IsPlatformLabel reports whether label is added by the runner agent.
func IsPlatformLabel(label string) bool {
	_, ok := platformLabels[strings.ToLower(label)]
	return ok
}

// Policy is a compiled policy record.
type Policy struct {
	Subject        core.Subject
	Required       []string
	Patterns       []string
	MaxRunners     *int
	Active         bool
	InactiveReason string

	optional []*regexp.Regexp
}

// Compile validates rec and compiles its optional patterns. Patterns
// must match a whole label.
func Compile(rec *core.PolicyRecord) (*Policy, error) {
	p := &Policy{
		Subject:        rec.Subject,
		Required:       lo.Uniq(rec.RequiredLabels),
		Patterns:       append([]string(nil), rec.OptionalPatterns...),
		MaxRunners:     rec.MaxRunners,
		Active:         rec.Active,
		InactiveReason: rec.InactiveReason,
	}
	for _, pattern := range rec.OptionalPatterns {
		re, err := regexp.Compile(`^(?:` + pattern + `)$`)
		if err != nil {
			return nil, fmt.Errorf("invalid optional pattern %q: %w", pattern, err)
		}
		p.optional = append(p.optional, re)
	}
	if rec.MaxRunners != nil && *rec.MaxRunners < 0 {
		return nil, fmt.Errorf("max_runners must not be negative")
	}
	if !rec.Active && strings.TrimSpace(rec.InactiveReason) == "" {
		return nil, fmt.Errorf("inactive policy requires a reason")
	}
	return p, nil
}

// Allows reports whether label is required or matches an optional pattern.
func (p *Policy) Allows(label string) bool {
	if lo.Contains(p.Required, label) {
		return true
	}
	for _, re := range p.optional {
		if re.MatchString(label) {
			return true
		}
	}
	return false
}

// Validate computes the effective labels for a request by a subject that
// currently holds current live runners. Required labels come first in
// their configured order, followed by accepted requested labels.
func (p *Policy) Validate(requested []string, current int) ([]string, error) {
	if !p.Active {
		return nil, &PolicyInactive{Reason: p.InactiveReason}
	}

	rejected := lo.Uniq(lo.Reject(requested, func(l string, _ int) bool {
		return p.Allows(l)
	}))
	if len(rejected) > 0 {
		return nil, &LabelViolation{
			Labels:          rejected,
			AllowedPatterns: append([]string{}, p.Patterns...),
		}
	}

	if p.MaxRunners != nil && current >= *p.MaxRunners {
		return nil, &QuotaExceeded{Max: *p.MaxRunners, Current: current}
	}

	return Effective(p.Required, requested), nil
}

// Verify checks labels observed on a registered runner. Platform labels
// are ignored. A nil result means every remaining label is explained.
func (p *Policy) Verify(expected, observed []string) *VerificationViolation {
	mismatched := lo.Uniq(lo.Filter(observed, func(l string, _ int) bool {
		return !IsPlatformLabel(l) && !p.Allows(l)
	}))
	if len(mismatched) == 0 {
		return nil
	}
	return &VerificationViolation{
		Expected:   append([]string{}, expected...),
		Actual:     append([]string{}, observed...),
		Mismatched: mismatched,
	}
}

// Effective merges required and requested labels, preserving order and
// dropping duplicates.
func Effective(required, requested []string) []string {
	out := make([]string, 0, len(required)+len(requested))
	out = append(out, required...)
	out = append(out, requested...)
	return lo.Uniq(out)
}

// Recorded builds the policy used to verify a runner whose subject has no
// policy record: only the labels it was issued with are allowed.
func Recorded(r *core.Runner) *Policy {
	return &Policy{
		Subject:  r.Subject,
		Required: lo.Uniq(r.Labels),
		Active:   true,
	}
}
