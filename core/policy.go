package core

import "time"

// PolicyRecord is the persisted authorization unit for a subject.
type PolicyRecord struct {
	Subject          Subject   `json:"subject" yaml:"-"`
	RequiredLabels   []string  `json:"required_labels" yaml:"required_labels"`
	OptionalPatterns []string  `json:"optional_patterns" yaml:"optional_patterns"`
	MaxRunners       *int      `json:"max_runners,omitempty" yaml:"max_runners,omitempty"`
	Active           bool      `json:"active" yaml:"active"`
	InactiveReason   string    `json:"inactive_reason,omitempty" yaml:"inactive_reason,omitempty"`
	CreatedAt        time.Time `json:"created_at" yaml:"-"`
	UpdatedAt        time.Time `json:"updated_at" yaml:"-"`
}
