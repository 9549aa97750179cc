package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"caseline/internal/domain"
	"caseline/internal/reducer"
	"caseline/internal/repo"
)

// execute performs the single real side effect of a run. Order is rigid:
// re-check the run was not reaped, check the outbound cooldown, claim, send,
// record. The claim makes the whole stage at-most-once no matter how many
// invocations race.
func (r *Runner) execute(ctx context.Context, st *State) error {
	if st.halt || st.Proposal == nil {
		return nil
	}
	p := st.Proposal
	if p.Status == domain.ProposalExecuted {
		// Nothing to send. Fall through so commit can apply the case
		// transition an interrupted run never reached.
		return nil
	}

	run, err := r.Engine.Repo.GetRun(ctx, st.Run.ID)
	if err != nil {
		return Transient(err)
	}
	if domain.IsTerminalRunStatus(run.Status) {
		st.haltWith("run superseded before execution")
		return nil
	}

	switch p.ActionType {
	case domain.ActionNoAction:
		return r.executeNoop(ctx, st, `{"reason":"no_action"}`)
	case domain.ActionEscalate:
		// Escalations gate; reaching here means the human already approved
		// doing nothing further automatically.
		return r.executeNoop(ctx, st, `{"reason":"escalated"}`)
	case domain.ActionSubmitPortal:
		return r.executePortal(ctx, st)
	case domain.ActionSendReply, domain.ActionSendFollowup,
		domain.ActionNegotiateFee, domain.ActionAppealDenial:
		return r.executeSend(ctx, st)
	default:
		return DomainErr(domain.PauseUnspecified,
			fmt.Errorf("unknown action type %q reached the executor", p.ActionType))
	}
}

// executeNoop claims and closes a proposal with no real side effect so it
// can never be claimed again.
func (r *Runner) executeNoop(ctx context.Context, st *State, detailJSON string) error {
	if err := r.claim(ctx, st.Proposal.ID, ExecutionKey(st.Proposal.ProposalKey)); err != nil {
		if errors.Is(err, repo.ErrAlreadyClaimed) {
			st.haltWith("execution claimed elsewhere")
			return nil
		}
		return Transient(err)
	}
	if err := r.recordExecution(ctx, st, "skipped", "", detailJSON); err != nil {
		return err
	}
	_, err := r.Engine.ApplyEvent(ctx, st.Case.ID, reducer.Event{
		Type:       reducer.ExecutionSucceeded,
		ProposalID: st.Proposal.ID,
	}, st.ActorID)
	return err
}

func (r *Runner) executeSend(ctx context.Context, st *State) error {
	execKey := ExecutionKey(st.Proposal.ProposalKey)
	if st.Proposal.ExecutionKey != nil {
		// The row already carries a claim from an earlier invocation.
		// Resolve it before the cooldown check so a send that finished but
		// never got marked is not mistaken for a fresh attempt.
		return r.resolveHeldClaim(ctx, st, execKey)
	}

	cooling, err := r.cooldownActive(ctx, st)
	if err != nil {
		return Transient(err)
	}
	if cooling {
		if err := r.recordExecution(ctx, st, "skipped", "", `{"reason":"outbound_cooldown"}`); err != nil {
			return err
		}
		st.haltWith("outbound cooldown active")
		return nil
	}

	if err := r.claim(ctx, st.Proposal.ID, execKey); err != nil {
		if errors.Is(err, repo.ErrAlreadyClaimed) {
			return r.resolveHeldClaim(ctx, st, execKey)
		}
		return Transient(err)
	}

	if r.Deliverer == nil {
		return r.failExecution(ctx, st, errors.New("no deliverer configured"))
	}
	providerID, sendErr := r.Deliverer.Send(ctx, Delivery{Case: st.Case, Proposal: *st.Proposal})
	if sendErr != nil {
		return r.failExecution(ctx, st, sendErr)
	}

	if err := r.recordOutbound(ctx, st, providerID); err != nil {
		return err
	}
	if _, err := r.Engine.ApplyEvent(ctx, st.Case.ID, reducer.Event{
		Type:       reducer.ExecutionSucceeded,
		ProposalID: st.Proposal.ID,
	}, st.ActorID); err != nil {
		return err
	}
	return nil
}

// resolveHeldClaim settles a claim found already installed on the proposal. A
// recorded success means the send happened but the invocation died before
// marking the proposal EXECUTED; finish that bookkeeping here. Anything else
// belongs to a concurrent or abandoned attempt and must never be re-sent.
func (r *Runner) resolveHeldClaim(ctx context.Context, st *State, executionKey string) error {
	if _, err := r.Engine.Repo.SuccessfulExecution(ctx, executionKey); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			st.haltWith("execution claimed elsewhere")
			return nil
		}
		return Transient(err)
	}
	_, err := r.Engine.ApplyEvent(ctx, st.Case.ID, reducer.Event{
		Type:       reducer.ExecutionSucceeded,
		ProposalID: st.Proposal.ID,
	}, st.ActorID)
	return err
}

func (r *Runner) executePortal(ctx context.Context, st *State) error {
	if err := r.claim(ctx, st.Proposal.ID, ExecutionKey(st.Proposal.ProposalKey)); err != nil {
		if errors.Is(err, repo.ErrAlreadyClaimed) {
			st.haltWith("execution claimed elsewhere")
			return nil
		}
		return Transient(err)
	}
	if r.Deliverer == nil {
		return r.failExecution(ctx, st, errors.New("no deliverer configured"))
	}
	portalURL, err := r.Deliverer.CreatePortalTask(ctx, Delivery{Case: st.Case, Proposal: *st.Proposal})
	if err != nil {
		return r.failExecution(ctx, st, err)
	}
	now := r.Engine.NowString()
	task := domain.PortalTask{
		ID:         uuid.NewString(),
		CaseID:     st.Case.ID,
		ProposalID: &st.Proposal.ID,
		Status:     domain.PortalPending,
		PortalURL:  portalURL,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if _, err := r.Engine.ApplyEvent(ctx, st.Case.ID, reducer.Event{
		Type:       reducer.PortalTaskOpened,
		ProposalID: st.Proposal.ID,
		PortalTask: &task,
	}, st.ActorID); err != nil {
		return err
	}
	if err := r.recordExecution(ctx, st, "success", portalURL, `{"portal_task_id":"`+task.ID+`"}`); err != nil {
		return err
	}
	// A portal task is human-completed; this run is done.
	st.haltWith("portal task opened")
	return nil
}

// failExecution records the failed attempt, releases the claim, blocks the
// proposal, and pauses the case. The returned domain error lets the boundary
// mark the run failed.
func (r *Runner) failExecution(ctx context.Context, st *State, cause error) error {
	detail, _ := json.Marshal(map[string]string{"error": cause.Error()})
	if err := r.recordExecution(ctx, st, "failure", "", string(detail)); err != nil {
		return err
	}
	if _, err := r.Engine.ApplyEvent(ctx, st.Case.ID, reducer.Event{
		Type:       reducer.ExecutionFailed,
		ProposalID: st.Proposal.ID,
	}, st.ActorID); err != nil {
		return err
	}
	return DomainErr(domain.PauseDeliveryFailed, cause)
}

// claim installs the execution key in its own transaction so the CAS result
// is durable before the side effect fires.
func (r *Runner) claim(ctx context.Context, proposalID, executionKey string) error {
	tx, err := r.Engine.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := r.Engine.Repo.ClaimExecution(ctx, tx, proposalID, executionKey, r.Engine.NowString()); err != nil {
		return err
	}
	return tx.Commit()
}

func (r *Runner) recordExecution(ctx context.Context, st *State, outcome, providerID, detailJSON string) error {
	tx, err := r.Engine.DB.BeginTx(ctx, nil)
	if err != nil {
		return Transient(err)
	}
	defer tx.Rollback()
	rec := domain.ExecutionRecord{
		ExecutionKey: ExecutionKey(st.Proposal.ProposalKey),
		ProposalID:   st.Proposal.ID,
		CaseID:       st.Case.ID,
		ActionType:   st.Proposal.ActionType,
		Outcome:      outcome,
		ProviderID:   providerID,
		DetailJSON:   detailJSON,
		CreatedAt:    r.Engine.NowString(),
	}
	if err := r.Engine.Repo.InsertExecution(ctx, tx, rec); err != nil {
		return Transient(err)
	}
	return tx.Commit()
}

// recordOutbound writes the audit row and a copy of the sent correspondence
// in one transaction.
func (r *Runner) recordOutbound(ctx context.Context, st *State, providerID string) error {
	tx, err := r.Engine.DB.BeginTx(ctx, nil)
	if err != nil {
		return Transient(err)
	}
	defer tx.Rollback()
	rec := domain.ExecutionRecord{
		ExecutionKey: ExecutionKey(st.Proposal.ProposalKey),
		ProposalID:   st.Proposal.ID,
		CaseID:       st.Case.ID,
		ActionType:   st.Proposal.ActionType,
		Outcome:      "success",
		ProviderID:   providerID,
		CreatedAt:    r.Engine.NowString(),
	}
	if err := r.Engine.Repo.InsertExecution(ctx, tx, rec); err != nil {
		return Transient(err)
	}
	if _, err := r.Engine.RecordOutboundMessage(ctx, tx, st.Case.ID, st.Proposal.DraftSubject, st.Proposal.DraftBody); err != nil {
		return Transient(err)
	}
	return tx.Commit()
}
