package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"

	"caseline/internal/domain"
	"caseline/internal/engine"
	"caseline/internal/reducer"
	"caseline/internal/repo"
)

// State is the per-run working set. Everything that must survive a suspend
// lives in storage; State only caches what this invocation loaded or decided.
type State struct {
	Case     domain.Case
	Snapshot domain.Snapshot
	Run      domain.Run
	Trigger  string
	// TriggerRef identifies the specific trigger occurrence: for recurring
	// triggers it folds in what fired this run, so a new occurrence drafts
	// its own proposal instead of colliding with an earlier one that shares
	// the trigger type.
	TriggerRef    string
	ActorID       string
	LatestInbound *domain.Message

	Analysis *Analysis
	Proposal *domain.Proposal

	// AdjustmentBase seeds the proposal key counter when re-entering after
	// an ADJUST decision.
	AdjustmentBase int
	AdjustmentNote string
	Failures       []string

	// halt stops the stage loop without error (skip results, superseded
	// runs, nothing to do).
	halt       bool
	haltReason string
}

func (s *State) haltWith(reason string) {
	s.halt = true
	s.haltReason = reason
}

// Stage is one named pipeline step over persisted state.
type Stage struct {
	Name string
	Fn   func(ctx context.Context, st *State) error
}

// Runner drives a case through the pipeline: load context, classify, update
// constraints, decide, draft, validate, gate-or-execute, execute, commit,
// schedule follow-up.
type Runner struct {
	Engine    engine.Engine
	Analyzer  Analyzer
	Deliverer Deliverer
	Suspender Suspender
}

func (r *Runner) stages() []Stage {
	return []Stage{
		{Name: "load_context", Fn: r.loadContext},
		{Name: "classify", Fn: r.classify},
		{Name: "update_constraints", Fn: r.updateConstraints},
		{Name: "decide", Fn: r.decide},
		{Name: "draft", Fn: r.draft},
		{Name: "validate_safety", Fn: r.validateSafety},
		{Name: "gate_or_execute", Fn: r.gateOrExecute},
		{Name: "execute", Fn: r.execute},
		{Name: "commit", Fn: r.commit},
		{Name: "schedule_followup", Fn: r.scheduleFollowUp},
	}
}

// Run claims the case with a new run and drives it to completion, suspension,
// or failure. Safe to re-invoke after a crash: every stage works off
// persisted state through idempotent upserts and claims.
func (r *Runner) Run(ctx context.Context, caseID, trigger, actorID string) (*State, error) {
	run, err := r.Engine.StartRun(ctx, caseID, trigger, actorID)
	if err != nil {
		return nil, err
	}
	st := &State{Run: run, Trigger: trigger, ActorID: actorID}
	return st, r.drive(ctx, st)
}

// resumeRun continues with an already-claimed run, pre-seeded state.
func (r *Runner) drive(ctx context.Context, st *State) error {
	err := r.executeStages(ctx, st)
	switch {
	case err == nil:
		_, cerr := r.Engine.ApplyEvent(ctx, st.Run.CaseID,
			reducer.Event{Type: reducer.RunCompleted, RunID: st.Run.ID}, st.ActorID)
		return cerr

	case errors.Is(err, ErrSuspended):
		if _, werr := r.Engine.ApplyEvent(ctx, st.Run.CaseID,
			reducer.Event{Type: reducer.RunWaiting, RunID: st.Run.ID}, st.ActorID); werr != nil {
			return werr
		}
		return ErrSuspended

	case IsTransient(err):
		// Leave the run non-terminal; the scheduler retries the step and a
		// fresh heartbeat keeps the reaper away.
		if terr := r.Engine.Repo.TouchRun(ctx, st.Run.ID, r.Engine.NowString()); terr != nil {
			log.Printf("pipeline: touch run %s: %v", st.Run.ID, terr)
		}
		return err

	default:
		if reason, ok := DomainPause(err); ok {
			return r.failRun(ctx, st, reason, err)
		}
		return r.failRun(ctx, st, domain.PauseRunFailed, err)
	}
}

// failRun is the pipeline boundary for unrecoverable errors: the run is
// marked failed and the case always lands in a reviewable state with a
// populated reason.
func (r *Runner) failRun(ctx context.Context, st *State, pauseReason string, cause error) error {
	if _, ferr := r.Engine.ApplyEvent(ctx, st.Run.CaseID, reducer.Event{
		Type:        reducer.RunFailed,
		RunID:       st.Run.ID,
		Reason:      cause.Error(),
		PauseReason: pauseReason,
	}, st.ActorID); ferr != nil {
		return fmt.Errorf("mark run failed: %w (original: %v)", ferr, cause)
	}
	return cause
}

func (r *Runner) executeStages(ctx context.Context, st *State) error {
	for _, stage := range r.stages() {
		if st.halt {
			return nil
		}
		if err := stage.Fn(ctx, st); err != nil {
			if errors.Is(err, ErrSuspended) {
				return err
			}
			return fmt.Errorf("stage %s: %w", stage.Name, err)
		}
	}
	return nil
}

// loadContext rehydrates everything from storage. Nothing downstream reads
// the database for case state again; claims and appends still hit it.
func (r *Runner) loadContext(ctx context.Context, st *State) error {
	tx, err := r.Engine.DB.BeginTx(ctx, nil)
	if err != nil {
		return Transient(err)
	}
	defer tx.Rollback()
	snap, err := r.Engine.Repo.LoadSnapshot(ctx, tx, st.Run.CaseID)
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return Transient(err)
	}
	st.Snapshot = snap
	st.Case = snap.Case
	if p := snap.ActiveProposal(); p != nil {
		st.Proposal = p
		st.AdjustmentBase = p.AdjustmentCount
	}
	msg, err := r.Engine.Repo.LatestMessage(ctx, st.Run.CaseID, "inbound")
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return Transient(err)
	}
	if err == nil {
		st.LatestInbound = &msg
	}
	st.TriggerRef = triggerRef(st)
	return nil
}

// triggerRef derives the occurrence identity that seeds the proposal key.
// Inbound messages and follow-up deadlines recur, so the message id or the
// due timestamp is folded in; a crash retry of the same occurrence still
// lands on the same ref.
func triggerRef(st *State) string {
	switch st.Trigger {
	case domain.TriggerInboundMessage:
		if st.LatestInbound != nil {
			return st.Trigger + ":" + st.LatestInbound.ID
		}
	case domain.TriggerFollowupDue:
		if st.Snapshot.FollowUp != nil {
			return st.Trigger + ":" + st.Snapshot.FollowUp.NextAt
		}
	}
	return st.Trigger
}

// classify decides what kind of invocation this is. An approved proposal
// rehydrated from storage goes straight to execution; the action type comes
// from the stored row, never from the resume request.
func (r *Runner) classify(ctx context.Context, st *State) error {
	if domain.IsTerminalCaseStatus(st.Case.Status) {
		st.haltWith("case closed")
		return nil
	}
	if st.Proposal != nil && st.Proposal.CanAutoExecute &&
		st.Proposal.Status == domain.ProposalDecisionReceived {
		st.Analysis = &Analysis{
			ActionType:    st.Proposal.ActionType,
			Confidence:    st.Proposal.Confidence,
			DraftSubject:  st.Proposal.DraftSubject,
			DraftBody:     st.Proposal.DraftBody,
			ReasoningJSON: st.Proposal.ReasoningJSON,
		}
	}
	return nil
}

// updateConstraints re-checks the run is still the claimed one before any
// expensive or effectful work.
func (r *Runner) updateConstraints(ctx context.Context, st *State) error {
	run, err := r.Engine.Repo.GetRun(ctx, st.Run.ID)
	if err != nil {
		return Transient(err)
	}
	if domain.IsTerminalRunStatus(run.Status) {
		st.haltWith("run superseded")
		return nil
	}
	st.Run = run
	return nil
}

// validateSafety re-validates the drafted proposal with the exhaustive
// action switch. A proposal that fails here is a programming or data error,
// not a chain fallthrough.
func (r *Runner) validateSafety(ctx context.Context, st *State) error {
	if st.Proposal == nil {
		st.haltWith("nothing to execute")
		return nil
	}
	if !domain.KnownActionType(st.Proposal.ActionType) {
		return DomainErr(domain.PauseUnspecified,
			fmt.Errorf("proposal %s has unknown action type %q", st.Proposal.ID, st.Proposal.ActionType))
	}
	switch st.Proposal.ActionType {
	case domain.ActionSendReply, domain.ActionSendFollowup,
		domain.ActionNegotiateFee, domain.ActionAppealDenial:
		if st.Proposal.DraftBody == "" {
			return DomainErr(domain.PauseMissingFields,
				fmt.Errorf("proposal %s has no draft body", st.Proposal.ID))
		}
	case domain.ActionSubmitPortal, domain.ActionEscalate, domain.ActionNoAction:
	}
	return nil
}

// commit moves the case forward after a successful execution.
func (r *Runner) commit(ctx context.Context, st *State) error {
	if st.Proposal == nil {
		return nil
	}
	p, err := r.Engine.Repo.GetProposal(ctx, st.Proposal.ID)
	if err != nil {
		return Transient(err)
	}
	st.Proposal = &p
	if p.Status != domain.ProposalExecuted {
		return nil
	}
	switch p.ActionType {
	case domain.ActionSendReply, domain.ActionSendFollowup,
		domain.ActionNegotiateFee, domain.ActionAppealDenial:
		if _, err := r.Engine.ApplyEvent(ctx, st.Run.CaseID, reducer.Event{
			Type:       reducer.CaseSent,
			ProposalID: p.ID,
			Substatus:  p.ActionType,
		}, st.ActorID); err != nil {
			return err
		}
		st.Case.Status = domain.CaseSent
	case domain.ActionNoAction:
		if st.Case.Status == domain.CaseNeedsHumanReview {
			if _, err := r.Engine.ApplyEvent(ctx, st.Run.CaseID, reducer.Event{
				Type:       reducer.CaseReviewResolved,
				ProposalID: p.ID,
			}, st.ActorID); err != nil {
				return err
			}
			st.Case.Status = domain.CaseAwaitingResponse
		}
	}
	return nil
}

// scheduleFollowUp installs the follow-up schedule when the case is back in
// the field, or advances it when this run was triggered by a due follow-up.
func (r *Runner) scheduleFollowUp(ctx context.Context, st *State) error {
	cfg := r.Engine.Config
	if cfg == nil || cfg.Runtime.FollowupIntervalDays <= 0 {
		return nil
	}
	c, err := r.Engine.Repo.GetCase(ctx, st.Run.CaseID)
	if err != nil {
		return Transient(err)
	}
	st.Case = c
	if !domain.IsFollowUpEligible(c.Status) {
		return nil
	}
	nextAt := r.Engine.NowAfterDays(cfg.Runtime.FollowupIntervalDays)
	if st.Trigger == domain.TriggerFollowupDue {
		_, err = r.Engine.ApplyEvent(ctx, c.ID, reducer.Event{
			Type:   reducer.FollowupSent,
			NextAt: nextAt,
		}, st.ActorID)
		return err
	}
	if st.Snapshot.FollowUp == nil || st.Snapshot.FollowUp.Status == domain.FollowUpCancelled {
		_, err = r.Engine.ApplyEvent(ctx, c.ID, reducer.Event{
			Type:         reducer.FollowupScheduled,
			NextAt:       nextAt,
			IntervalDays: cfg.Runtime.FollowupIntervalDays,
		}, st.ActorID)
		return err
	}
	if st.Snapshot.FollowUp.Status == domain.FollowUpPaused {
		_, err = r.Engine.ApplyEvent(ctx, c.ID, reducer.Event{Type: reducer.FollowupResumed}, st.ActorID)
		return err
	}
	return nil
}
