package core

import (
	"fmt"
	"strings"
)

// Identity is a verified caller.
type Identity struct {
	// ID is the stable identifier used for ownership, taken from the
	// first configured identity claim present in the token.
	ID      string   `json:"id"`
	Subject string   `json:"sub"`
	Email   string   `json:"email,omitempty"`
	Name    string   `json:"name,omitempty"`
	Groups  []string `json:"groups,omitempty"`
	// Account is the local authorization record, nil when the broker runs
	// without accounts.
	Account *Account `json:"-"`
}

// InGroup reports whether the identity carries the given group claim.
func (i Identity) InGroup(group string) bool {
	for _, g := range i.Groups {
		if g == group {
			return true
		}
	}
	return false
}

// SubjectKind distinguishes per-caller from per-group policies.
type SubjectKind string

const (
	SubjectUser  SubjectKind = "user"
	SubjectGroup SubjectKind = "group"
)

// Subject keys policy records and quota accounting.
type Subject struct {
	Kind SubjectKind `json:"kind"`
	ID   string      `json:"id"`
}

// UserSubject returns the subject for a single caller.
func UserSubject(id string) Subject {
	return Subject{Kind: SubjectUser, ID: id}
}

// GroupSubject returns the subject shared by members of a group.
func GroupSubject(name string) Subject {
	return Subject{Kind: SubjectGroup, ID: name}
}

func (s Subject) String() string {
	return string(s.Kind) + ":" + s.ID
}

// IsZero reports whether the subject is unset.
func (s Subject) IsZero() bool {
	return s.Kind == "" && s.ID == ""
}

// ParseSubject parses the "kind:id" form produced by String.
func ParseSubject(v string) (Subject, error) {
	kind, id, ok := strings.Cut(v, ":")
	if !ok || id == "" {
		return Subject{}, fmt.Errorf("invalid subject %q", v)
	}
	switch SubjectKind(kind) {
	case SubjectUser, SubjectGroup:
		return Subject{Kind: SubjectKind(kind), ID: id}, nil
	}
	return Subject{}, fmt.Errorf("invalid subject kind %q", kind)
}
