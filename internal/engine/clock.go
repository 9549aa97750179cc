package engine

import (
	"context"
	"errors"
	"time"

	"caseline/internal/domain"
	"caseline/internal/repo"
)

// NowTime exposes the engine clock for collaborators that need to compare
// timestamps with the same source the engine stamps rows with.
func (e Engine) NowTime() time.Time { return e.now().UTC() }

// NowString returns the engine clock as an RFC3339 string.
func (e Engine) NowString() string { return e.nowStr() }

// NowAfterDays returns the clock advanced by n days, RFC3339.
func (e Engine) NowAfterDays(n int) string {
	return e.now().UTC().AddDate(0, 0, n).Format(time.RFC3339)
}

// ProposalByKey fetches a proposal by its deterministic key.
func (e Engine) ProposalByKey(ctx context.Context, key string) (domain.Proposal, error) {
	return e.Repo.GetProposalByKey(ctx, key)
}

// LastOutboundAt returns the timestamp of the last successful outbound
// execution for a case, or "" when there is none.
func (e Engine) LastOutboundAt(ctx context.Context, caseID string) (string, error) {
	ts, err := e.Repo.LastOutboundAt(ctx, caseID)
	if errors.Is(err, repo.ErrNotFound) {
		return "", nil
	}
	return ts, err
}
