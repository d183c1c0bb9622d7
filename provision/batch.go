package provision

import (
	"context"
	"errors"
	"strings"

	"github.com/ChristopherHX/gh-runner-broker/core"
	"github.com/ChristopherHX/gh-runner-broker/store"
)

const (
	minCommentLength = 10
	maxCommentLength = 500
)

// BatchRequest selects the runners of an administrative bulk delete.
// Exactly one of RunnerIDs, Owner and All must be set.
type BatchRequest struct {
	Comment   string   `json:"comment"`
	RunnerIDs []string `json:"runner_ids"`
	Owner     string   `json:"owner"`
	All       bool     `json:"all"`
}

// BatchItem is the outcome for one selected runner.
type BatchItem struct {
	RunnerID   string `json:"runner_id"`
	RunnerName string `json:"runner_name,omitempty"`
	Deleted    bool   `json:"deleted"`
	Error      string `json:"error,omitempty"`
}

// BatchResult summarizes a bulk delete.
type BatchResult struct {
	Comment  string      `json:"comment"`
	Affected int         `json:"affected_count"`
	Failed   int         `json:"failed_count"`
	Details  []BatchItem `json:"details"`
}

func validateBatch(req *BatchRequest) error {
	req.Comment = strings.TrimSpace(req.Comment)
	if n := len(req.Comment); n < minCommentLength || n > maxCommentLength {
		return invalid("comment must be %d-%d characters", minCommentLength, maxCommentLength)
	}
	selectors := 0
	if len(req.RunnerIDs) > 0 {
		selectors++
	}
	if req.Owner != "" {
		selectors++
	}
	if req.All {
		selectors++
	}
	if selectors != 1 {
		return invalid("exactly one of runner_ids, owner or all is required")
	}
	return nil
}

// BatchDelete removes the selected live runners. A failure on one runner
// does not stop the others; it is reported in the result.
func (o *Orchestrator) BatchDelete(ctx context.Context, caller core.Identity, req BatchRequest) (*BatchResult, error) {
	if !o.IsAdmin(caller) {
		return nil, ErrForbidden
	}
	if err := validateBatch(&req); err != nil {
		return nil, err
	}

	res := &BatchResult{Comment: req.Comment, Details: []BatchItem{}}
	targets, err := o.batchTargets(ctx, req, res)
	if err != nil {
		return nil, err
	}
	for _, r := range targets {
		item := BatchItem{RunnerID: r.ID, RunnerName: r.Name}
		if _, err := o.remove(ctx, r); err != nil {
			item.Error = err.Error()
			res.Failed++
			o.log.WithError(err).WithField("runner", r.Name).Warnln("batch delete failed for runner")
		} else {
			item.Deleted = true
			res.Affected++
		}
		res.Details = append(res.Details, item)
	}

	ids := make([]string, 0, len(res.Details))
	for _, d := range res.Details {
		ids = append(ids, d.RunnerID)
	}
	o.opts.Audit.Record(ctx, core.AuditEntry{
		Kind:     core.AuditBatchDelete,
		Identity: caller.ID,
		Data: map[string]any{
			"comment":    req.Comment,
			"owner":      req.Owner,
			"all":        req.All,
			"runner_ids": ids,
			"affected":   res.Affected,
			"failed":     res.Failed,
		},
		Success: res.Failed == 0,
	})
	o.log.WithField("admin", caller.ID).
		WithField("affected", res.Affected).
		WithField("failed", res.Failed).
		Infoln("batch delete finished")
	return res, nil
}

// batchTargets returns the live runners selected by req. Unknown ids are
// recorded in res as failures.
func (o *Orchestrator) batchTargets(ctx context.Context, req BatchRequest, res *BatchResult) ([]*core.Runner, error) {
	if len(req.RunnerIDs) == 0 {
		runners, _, err := o.store.ListRunners(ctx, core.RunnerFilter{Owner: req.Owner})
		return runners, err
	}
	var out []*core.Runner
	seen := map[string]struct{}{}
	for _, id := range req.RunnerIDs {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		r, err := o.store.GetRunner(ctx, id)
		switch {
		case errors.Is(err, store.ErrNotFound):
			res.Failed++
			res.Details = append(res.Details, BatchItem{RunnerID: id, Error: ErrNotFound.Error()})
			continue
		case err != nil:
			return nil, err
		}
		if r.Live() {
			out = append(out, r)
		}
	}
	return out, nil
}
