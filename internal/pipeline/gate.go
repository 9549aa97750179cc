package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"

	"caseline/internal/domain"
	"caseline/internal/reducer"
)

// gateOrExecute is the suspension boundary. Approved proposals pass through;
// anything requiring a human runs prepare() and suspends the run.
func (r *Runner) gateOrExecute(ctx context.Context, st *State) error {
	if st.halt || st.Proposal == nil {
		return nil
	}
	if st.Proposal.CanAutoExecute {
		return nil
	}
	gated := st.Proposal.RequiresHuman
	reason := domain.PauseUnspecified
	if st.Analysis != nil {
		var g bool
		g, reason = RequiresHumanGate(r.Engine.Config, *st.Analysis)
		gated = gated || g
	}
	if !gated {
		return nil
	}
	return r.prepareGate(ctx, st, reason)
}

// prepareGate is the idempotent half of the gate: it runs on every
// invocation that reaches a gated proposal, including crash-and-retry. The
// proposal is re-upserted upstream; here the resume token is minted once and
// the case parked for review. Re-preparing with the same inputs re-uses the
// stored token and re-writes the same status, so retries are invisible.
func (r *Runner) prepareGate(ctx context.Context, st *State, pauseReason string) error {
	token := uuid.NewString()
	if st.Proposal.ResumeToken != nil && *st.Proposal.ResumeToken != "" {
		token = *st.Proposal.ResumeToken
	}
	if pauseReason == "" {
		pauseReason = domain.PauseUnspecified
	}
	if _, err := r.Engine.ApplyEvent(ctx, st.Case.ID, reducer.Event{
		Type:        reducer.ProposalGated,
		ProposalID:  st.Proposal.ID,
		ResumeToken: token,
		PauseReason: pauseReason,
	}, st.ActorID); err != nil {
		return err
	}
	suspender := r.Suspender
	if suspender == nil {
		suspender = NopSuspender{}
	}
	// The token is durable before the notification goes out; a failing
	// suspender never loses the gate.
	if err := suspender.Suspend(ctx, st.Case, *st.Proposal, token); err != nil {
		log.Printf("pipeline: suspend notification for proposal %s: %v", st.Proposal.ID, err)
	}
	return ErrSuspended
}

// Resume is onResume: a human decision re-enters the pipeline through the
// opaque token. The action type is rehydrated from the stored proposal, never
// trusted from the request.
func (r *Runner) Resume(ctx context.Context, token, decision, note, actorID string) (*State, error) {
	p, err := r.Engine.Repo.ProposalByResumeToken(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("resolve resume token: %w", err)
	}
	if !domain.IsActiveProposalStatus(p.Status) {
		return nil, fmt.Errorf("proposal %s is %s and cannot be resumed", p.ID, p.Status)
	}
	if _, err := r.Engine.ApplyEvent(ctx, p.CaseID, reducer.Event{
		Type:         reducer.ProposalDecisionReceived,
		ProposalID:   p.ID,
		Decision:     decision,
		DecisionNote: note,
	}, actorID); err != nil {
		return nil, err
	}

	switch decision {
	case domain.DecisionApprove:
		// Leave review first so the dismissal sweep (sparing this
		// proposal) and pause-reason clear land before execution.
		if _, err := r.Engine.ApplyEvent(ctx, p.CaseID, reducer.Event{
			Type:       reducer.CaseReviewResolved,
			ProposalID: p.ID,
		}, actorID); err != nil {
			return nil, err
		}
		return r.Run(ctx, p.CaseID, domain.TriggerHumanResolve, actorID)

	case domain.DecisionAdjust:
		return r.resumeAdjust(ctx, p, note, actorID)

	case domain.DecisionDismiss, domain.DecisionWithdraw:
		if _, err := r.Engine.ApplyEvent(ctx, p.CaseID, reducer.Event{
			Type:       reducer.CaseReviewResolved,
			ProposalID: p.ID,
		}, actorID); err != nil {
			return nil, err
		}
		return &State{Case: domain.Case{ID: p.CaseID}, ActorID: actorID}, nil

	default:
		return nil, fmt.Errorf("unknown review decision %q", decision)
	}
}

// resumeAdjust retires the adjusted proposal and re-enters the decision
// stage with the operator's note fed forward. The bumped adjustment counter
// changes the proposal key, so the redraft is a fresh row; the counter bound
// guarantees the loop terminates.
func (r *Runner) resumeAdjust(ctx context.Context, p domain.Proposal, note, actorID string) (*State, error) {
	stored, err := r.Engine.Repo.GetProposal(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	maxAdj := r.Engine.Config.Decision.MaxAdjustments
	if maxAdj > 0 && stored.AdjustmentCount >= maxAdj {
		if _, derr := r.Engine.ApplyEvent(ctx, p.CaseID, reducer.Event{
			Type:       reducer.ProposalDismissed,
			ProposalID: p.ID,
		}, actorID); derr != nil {
			return nil, derr
		}
		if _, perr := r.Engine.ApplyEvent(ctx, p.CaseID, reducer.Event{
			Type:        reducer.CaseNeedsReview,
			PauseReason: domain.PauseDecisionExhausted,
		}, actorID); perr != nil {
			return nil, perr
		}
		return nil, fmt.Errorf("%w: proposal %s adjusted %d times", ErrAdjustmentsExhausted, p.ID, stored.AdjustmentCount)
	}
	if _, err := r.Engine.ApplyEvent(ctx, p.CaseID, reducer.Event{
		Type:       reducer.ProposalDismissed,
		ProposalID: p.ID,
	}, actorID); err != nil {
		return nil, err
	}
	run, err := r.Engine.StartRun(ctx, p.CaseID, domain.TriggerHumanResolve, actorID)
	if err != nil {
		return nil, err
	}
	st := &State{
		Run:            run,
		Trigger:        domain.TriggerHumanResolve,
		ActorID:        actorID,
		AdjustmentBase: stored.AdjustmentCount,
		AdjustmentNote: note,
	}
	if err := r.drive(ctx, st); err != nil && !errors.Is(err, ErrSuspended) {
		return st, err
	} else if errors.Is(err, ErrSuspended) {
		return st, ErrSuspended
	}
	return st, nil
}
