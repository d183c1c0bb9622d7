package reconcile

import (
	"encoding/hex"
	"sort"
	"strings"
	"time"

	"github.com/ChristopherHX/gh-runner-broker/client"
	"github.com/ChristopherHX/gh-runner-broker/core"

	"github.com/zeebo/blake3"
)

// lastSeenResolution limits how often an unchanged online runner is
// rewritten just to move its last-seen timestamp.
const lastSeenResolution = 5 * time.Minute

// Transition is the outcome of comparing one local runner with upstream.
type Transition struct {
	// Next is the runner to commit, nil when nothing changed.
	Next   *core.Runner
	Reason string
	// DeleteUpstream asks for removal of a pre-registered runner whose
	// window expired before it ever came online.
	DeleteUpstream bool
}

// Observe computes the state of r after seeing u upstream at now. A nil u
// means the runner is absent from the upstream list.
func Observe(r *core.Runner, u *client.Runner, now time.Time, pendingTimeout time.Duration) Transition {
	if !r.Live() {
		return Transition{}
	}
	n := r.Clone()

	switch {
	case u == nil && r.Status == core.StatusPending:
		if !windowExpired(r, now, pendingTimeout) {
			return Transition{}
		}
		markDeleted(n, now)
		return Transition{Next: n, Reason: "registration window expired"}

	case u == nil:
		markDeleted(n, now)
		return Transition{Next: n, Reason: "not found upstream"}

	case r.Status == core.StatusPending && !registered(r, u):
		if windowExpired(r, now, pendingTimeout) {
			markDeleted(n, now)
			return Transition{Next: n, Reason: "registration window expired", DeleteUpstream: true}
		}
		if r.ExternalID != nil && *r.ExternalID == u.ID {
			return Transition{}
		}
		id := u.ID
		n.ExternalID = &id
		n.UpdatedAt = now
		return Transition{Next: n, Reason: "external id observed"}

	case r.Status == core.StatusPending:
		id := u.ID
		n.ExternalID = &id
		n.Status = statusOf(u)
		n.RegisteredAt = &now
		n.Credential = ""
		n.CredentialExpiresAt = nil
		if u.Online() {
			n.LastSeenAt = &now
		}
		n.UpdatedAt = now
		return Transition{Next: n, Reason: "registered"}
	}

	changed := false
	reason := ""
	if status := statusOf(u); status != r.Status {
		n.Status = status
		changed = true
		reason = "status " + string(r.Status) + " -> " + string(status)
	}
	if r.ExternalID == nil || *r.ExternalID != u.ID {
		id := u.ID
		n.ExternalID = &id
		changed = true
		if reason == "" {
			reason = "external id observed"
		}
	}
	if u.Online() && (changed || r.LastSeenAt == nil || now.Sub(*r.LastSeenAt) >= lastSeenResolution) {
		n.LastSeenAt = &now
		changed = true
		if reason == "" {
			reason = "seen"
		}
	}
	if !changed {
		return Transition{}
	}
	n.UpdatedAt = now
	return Transition{Next: n, Reason: reason}
}

// registered reports whether upstream proves the agent registered. JIT
// runners exist upstream from issuance on, so only coming online counts.
func registered(r *core.Runner, u *client.Runner) bool {
	if r.Method == core.MethodJIT {
		return u.Online()
	}
	return true
}

func statusOf(u *client.Runner) core.Status {
	if u.Online() {
		return core.StatusActive
	}
	return core.StatusOffline
}

func windowExpired(r *core.Runner, now time.Time, pendingTimeout time.Duration) bool {
	if r.CredentialExpiresAt != nil {
		return !now.Before(*r.CredentialExpiresAt)
	}
	return !now.Before(r.CreatedAt.Add(pendingTimeout))
}

func markDeleted(r *core.Runner, now time.Time) {
	r.Status = core.StatusDeleted
	r.DeletedAt = &now
	r.UpdatedAt = now
	r.Credential = ""
	r.CredentialExpiresAt = nil
}

// LabelDigest fingerprints an observed label set independent of order.
func LabelDigest(labels []string) string {
	sorted := append([]string(nil), labels...)
	sort.Strings(sorted)
	sum := blake3.Sum256([]byte(strings.Join(sorted, "\n")))
	return hex.EncodeToString(sum[:])
}
