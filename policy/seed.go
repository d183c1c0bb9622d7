package policy

import (
	"context"
	"fmt"
	"os"

	"github.com/ChristopherHX/gh-runner-broker/core"

	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"
)

// SeedFile is the YAML document accepted by Import.
//
//	policies:
//	  - subject: group:platform
//	    required_labels: [self-hosted, linux]
//	    optional_patterns: ["dev-.*"]
//	    max_runners: 2
type SeedFile struct {
	Policies []SeedPolicy `yaml:"policies"`
}

type SeedPolicy struct {
	Subject          string   `yaml:"subject"`
	RequiredLabels   []string `yaml:"required_labels"`
	OptionalPatterns []string `yaml:"optional_patterns"`
	MaxRunners       *int     `yaml:"max_runners"`
	Active           *bool    `yaml:"active"`
	InactiveReason   string   `yaml:"inactive_reason"`
}

// Record converts the seed entry into a policy record. Active defaults
// to true.
func (s SeedPolicy) Record() (*core.PolicyRecord, error) {
	subject, err := core.ParseSubject(s.Subject)
	if err != nil {
		return nil, err
	}
	active := true
	if s.Active != nil {
		active = *s.Active
	}
	return &core.PolicyRecord{
		Subject:          subject,
		RequiredLabels:   s.RequiredLabels,
		OptionalPatterns: s.OptionalPatterns,
		MaxRunners:       s.MaxRunners,
		Active:           active,
		InactiveReason:   s.InactiveReason,
	}, nil
}

// ParseSeed decodes a seed document.
func ParseSeed(data []byte) (*SeedFile, error) {
	var f SeedFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse policy file: %w", err)
	}
	return &f, nil
}

// ImportFile upserts every policy of the YAML file at path. Invalid
// entries are skipped and reported together.
func (e *Engine) ImportFile(ctx context.Context, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	f, err := ParseSeed(data)
	if err != nil {
		return 0, err
	}
	var (
		result *multierror.Error
		n      int
	)
	for i, sp := range f.Policies {
		rec, err := sp.Record()
		if err == nil {
			err = e.Put(ctx, rec)
		}
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("policy %d (%s): %w", i, sp.Subject, err))
			continue
		}
		n++
	}
	return n, result.ErrorOrNil()
}
