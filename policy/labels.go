package policy

import (
	"fmt"
	"regexp"
)

const (
	maxLabels      = 100
	maxLabelLength = 100
)

var labelRe = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

// ValidateLabel checks the syntax of a single label.
func ValidateLabel(label string) error {
	if label == "" || len(label) > maxLabelLength {
		return fmt.Errorf("label %q must be 1-%d characters", label, maxLabelLength)
	}
	if !labelRe.MatchString(label) {
		return fmt.Errorf("label %q may only contain letters, digits, '.', '_' and '-'", label)
	}
	return nil
}

// ValidateLabels checks the syntax and count of a requested label list.
func ValidateLabels(labels []string) error {
	if len(labels) > maxLabels {
		return fmt.Errorf("at most %d labels may be requested", maxLabels)
	}
	for _, l := range labels {
		if err := ValidateLabel(l); err != nil {
			return err
		}
	}
	return nil
}
