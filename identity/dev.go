package identity

import (
	"context"
	"errors"

	"github.com/ChristopherHX/gh-runner-broker/core"
)

// ErrDevModeUnavailable is returned when verification is disabled in a
// binary built without the devauth tag.
var ErrDevModeUnavailable = errors.New("identity: disabling token verification requires a devauth build")

// DevIdentity is returned for every request while verification is disabled.
var DevIdentity = core.Identity{
	ID:      "dev-user@example.com",
	Subject: "dev-user",
	Email:   "dev-user@example.com",
	Name:    "Development User",
}

type devVerifier struct{}

func (devVerifier) Verify(context.Context, string) (core.Identity, error) {
	return DevIdentity, nil
}

// NewDevVerifier returns a verifier that accepts any bearer token. Only
// binaries built with -tags devauth can construct it.
func NewDevVerifier() (Verifier, error) {
	if !devModeAllowed {
		return nil, ErrDevModeUnavailable
	}
	return devVerifier{}, nil
}
