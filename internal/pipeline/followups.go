package pipeline

import (
	"context"
	"errors"

	"caseline/internal/domain"
	"caseline/internal/reducer"
)

// FollowUpResult summarizes what happened to one due follow-up.
type FollowUpResult struct {
	CaseID  string
	Outcome string // started, suspended, paused, cancelled, error
	Err     error
}

// ProcessDueFollowUps sweeps the schedule: eligible cases get a run with the
// followup_due trigger, closed cases get their schedule cancelled, everything
// else is paused until the case returns to the field. One bad case never
// stops the sweep.
func (r *Runner) ProcessDueFollowUps(ctx context.Context, actorID string) ([]FollowUpResult, error) {
	due, err := r.Engine.Repo.ListDueFollowUps(ctx, r.Engine.NowString(), 0)
	if err != nil {
		return nil, err
	}
	var results []FollowUpResult
	for _, f := range due {
		results = append(results, r.processDueFollowUp(ctx, f, actorID))
	}
	return results, nil
}

func (r *Runner) processDueFollowUp(ctx context.Context, f domain.FollowUp, actorID string) FollowUpResult {
	res := FollowUpResult{CaseID: f.CaseID}
	c, err := r.Engine.Repo.GetCase(ctx, f.CaseID)
	if err != nil {
		res.Outcome, res.Err = "error", err
		return res
	}
	switch {
	case domain.IsTerminalCaseStatus(c.Status):
		_, err = r.Engine.ApplyEvent(ctx, c.ID, reducer.Event{Type: reducer.FollowupCancelled}, actorID)
		res.Outcome = "cancelled"
	case !domain.IsFollowUpEligible(c.Status):
		_, err = r.Engine.ApplyEvent(ctx, c.ID, reducer.Event{Type: reducer.FollowupPaused}, actorID)
		res.Outcome = "paused"
	default:
		_, err = r.Run(ctx, c.ID, domain.TriggerFollowupDue, actorID)
		res.Outcome = "started"
		if errors.Is(err, ErrSuspended) {
			res.Outcome, err = "suspended", nil
		}
	}
	res.Err = err
	if err != nil {
		res.Outcome = "error"
	}
	return res
}
