// Package clienttest provides an in-memory GitHub runner API for tests.
package clienttest

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/ChristopherHX/gh-runner-broker/client"
)

var _ client.Client = (*Fake)(nil)

// Fake is an in-memory organization. Errors set on the exported fields are
// returned by the matching call until cleared.
type Fake struct {
	mu      sync.Mutex
	nextID  int64
	runners map[int64]*client.Runner

	TokenErr   error
	JITErr     error
	ListErr    error
	DeleteErr  error
	CancelErr  error
	TokenCalls int
	JITCalls   int
	Deleted    []int64
	Cancelled  []int64
}

func New() *Fake {
	return &Fake{nextID: 100, runners: map[int64]*client.Runner{}}
}

func (f *Fake) OrgURL() string {
	return "https://github.com/acme"
}

func (f *Fake) CreateRegistrationToken(context.Context) (*client.RegistrationToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.TokenCalls++
	if f.TokenErr != nil {
		return nil, f.TokenErr
	}
	return &client.RegistrationToken{
		Token:     fmt.Sprintf("AREG%d", f.TokenCalls),
		ExpiresAt: time.Now().Add(time.Hour).UTC(),
	}, nil
}

func (f *Fake) GenerateJITConfig(_ context.Context, req client.JITConfigRequest) (*client.JITConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.JITCalls++
	if f.JITErr != nil {
		return nil, f.JITErr
	}
	for _, r := range f.runners {
		if r.Name == req.Name {
			return nil, &client.APIError{Method: http.MethodPost, Path: "generate-jitconfig", Status: http.StatusConflict, Message: "Already exists"}
		}
	}
	r := f.add(req.Name, "offline", req.Labels...)
	return &client.JITConfig{Runner: *r, EncodedJITConfig: fmt.Sprintf("jit-%d", r.ID)}, nil
}

// Register simulates an agent registering under name with labels and
// returns its upstream id.
func (f *Fake) Register(name string, labels ...string) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.add(name, "online", labels...).ID
}

func (f *Fake) add(name, status string, labels ...string) *client.Runner {
	f.nextID++
	r := &client.Runner{ID: f.nextID, Name: name, OS: "Linux", Status: status}
	for _, l := range labels {
		r.Labels = append(r.Labels, client.Label{Name: l, Type: "custom"})
	}
	f.runners[r.ID] = r
	return r
}

// SetStatus changes the upstream status of a runner.
func (f *Fake) SetStatus(id int64, status string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.runners[id]; ok {
		r.Status = status
	}
}

// SetLabels replaces the upstream labels of a runner.
func (f *Fake) SetLabels(id int64, labels ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.runners[id]; ok {
		r.Labels = nil
		for _, l := range labels {
			r.Labels = append(r.Labels, client.Label{Name: l, Type: "custom"})
		}
	}
}

// Remove deletes a runner upstream without recording a call.
func (f *Fake) Remove(id int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.runners, id)
}

// Has reports whether the runner still exists upstream.
func (f *Fake) Has(id int64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.runners[id]
	return ok
}

func (f *Fake) ListRunners(context.Context) ([]client.Runner, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ListErr != nil {
		return nil, f.ListErr
	}
	out := make([]client.Runner, 0, len(f.runners))
	for _, r := range f.runners {
		out = append(out, *r)
	}
	return out, nil
}

func (f *Fake) GetRunner(_ context.Context, id int64) (*client.Runner, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.runners[id]
	if !ok {
		return nil, notFound(id)
	}
	cp := *r
	return &cp, nil
}

func (f *Fake) DeleteRunner(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.DeleteErr != nil {
		return f.DeleteErr
	}
	if _, ok := f.runners[id]; !ok {
		return notFound(id)
	}
	delete(f.runners, id)
	f.Deleted = append(f.Deleted, id)
	return nil
}

func (f *Fake) CancelWorkflowRun(_ context.Context, _ string, runID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CancelErr != nil {
		return f.CancelErr
	}
	f.Cancelled = append(f.Cancelled, runID)
	return nil
}

// Calls returns the number of issuance calls made so far.
func (f *Fake) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.TokenCalls + f.JITCalls
}

func notFound(id int64) error {
	return &client.APIError{Method: http.MethodGet, Path: fmt.Sprintf("runners/%d", id), Status: http.StatusNotFound, Message: "Not Found"}
}
