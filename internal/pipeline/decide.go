package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"caseline/internal/domain"
	"caseline/internal/reducer"
	"caseline/internal/repo"
)

// keyNamespace seeds the deterministic proposal and execution keys.
var keyNamespace = uuid.MustParse("7f3c1a9e-5b2d-4c68-9e41-0d8a6f2b3c57")

// ProposalKey derives the deterministic upsert key: the same case, trigger
// occurrence, action, and adjustment round always map to the same proposal
// row.
func ProposalKey(caseID, triggerRef, actionType string, adjustment int) string {
	seed := fmt.Sprintf("%s|%s|%s|%d", caseID, triggerRef, actionType, adjustment)
	return uuid.NewSHA1(keyNamespace, []byte(seed)).String()
}

// ExecutionKey derives the claim key for a proposal.
func ExecutionKey(proposalKey string) string {
	return uuid.NewSHA1(keyNamespace, []byte(proposalKey+"|exec")).String()
}

// decide runs the fallback chain: primary analyzer (bounded attempts) ->
// deterministic rule fallback -> safe default (escalate to a human). Policy
// rejections fall through with their reasons fed forward; analyzer
// infrastructure errors propagate as transient.
func (r *Runner) decide(ctx context.Context, st *State) error {
	if st.halt || st.Analysis != nil {
		return nil
	}
	cfg := r.Engine.Config
	attempts := cfg.Decision.MaxAttempts
	if attempts <= 0 {
		attempts = 3
	}
	if st.AdjustmentNote != "" {
		st.Failures = append(st.Failures, "operator adjustment: "+st.AdjustmentNote)
	}
	if r.Analyzer != nil {
		for i := 0; i < attempts; i++ {
			a, err := r.Analyzer.Analyze(ctx, AnalyzeRequest{
				Case:           st.Case,
				LatestInbound:  st.LatestInbound,
				Trigger:        st.Trigger,
				AdjustmentNote: st.AdjustmentNote,
				Failures:       st.Failures,
			})
			if err != nil {
				return Transient(fmt.Errorf("analyzer attempt %d: %w", i+1, err))
			}
			if verr := ValidateDecision(cfg, st.Case.Status, a); verr != nil {
				st.Failures = append(st.Failures, verr.Error())
				continue
			}
			st.Analysis = &a
			return nil
		}
	}
	if a, ok := r.ruleFallback(st); ok {
		if ValidateDecision(cfg, st.Case.Status, a) == nil {
			st.Failures = append(st.Failures, "analyzer exhausted; rule fallback")
			st.Analysis = &a
			return nil
		}
	}
	// Safe default: never guess, hand the case to a human.
	st.Failures = append(st.Failures, "decision chain exhausted; escalating")
	st.Analysis = &Analysis{
		ActionType:    domain.ActionEscalate,
		Confidence:    0,
		RequiresHuman: true,
		ReasoningJSON: failuresJSON(st.Failures),
	}
	return nil
}

// ruleFallback covers the triggers that have an obvious deterministic answer.
func (r *Runner) ruleFallback(st *State) (Analysis, bool) {
	if st.Trigger == domain.TriggerFollowupDue && domain.IsFollowUpEligible(st.Case.Status) {
		return Analysis{
			ActionType:    domain.ActionSendFollowup,
			Confidence:    1,
			DraftSubject:  "Follow-up: " + st.Case.Name,
			DraftBody:     fmt.Sprintf("I am writing to follow up on my records request %q. Please advise on its current status.", st.Case.Name),
			ReasoningJSON: `{"source":"rule_fallback","rule":"followup_due"}`,
		}, true
	}
	return Analysis{}, false
}

func failuresJSON(failures []string) string {
	data, err := json.Marshal(map[string]any{"source": "safe_default", "failures": failures})
	if err != nil {
		return `{"source":"safe_default"}`
	}
	return string(data)
}

// draft persists the decided action as a proposal. The deterministic key
// makes this an upsert: re-running after a crash merges into the existing
// row instead of duplicating it.
func (r *Runner) draft(ctx context.Context, st *State) error {
	if st.halt || st.Analysis == nil {
		return nil
	}
	if st.Proposal != nil && st.Proposal.CanAutoExecute {
		return nil
	}
	a := st.Analysis
	gated, _ := RequiresHumanGate(r.Engine.Config, *a)
	key := ProposalKey(st.Case.ID, st.TriggerRef, a.ActionType, st.AdjustmentBase)
	// A crash between the send and the commit stage leaves this key's row
	// EXECUTED. Adopt it instead of re-drafting; commit applies the case
	// transition the interrupted run never reached.
	if prior, err := r.Engine.ProposalByKey(ctx, key); err == nil {
		if prior.Status == domain.ProposalExecuted {
			st.Proposal = &prior
			return nil
		}
	} else if !errors.Is(err, repo.ErrNotFound) {
		return Transient(err)
	}
	now := r.Engine.NowString()
	row := domain.Proposal{
		ID:              uuid.NewString(),
		CaseID:          st.Case.ID,
		ProposalKey:     key,
		ActionType:      a.ActionType,
		Status:          domain.ProposalDraft,
		DraftSubject:    a.DraftSubject,
		DraftBody:       a.DraftBody,
		ReasoningJSON:   a.ReasoningJSON,
		Confidence:      a.Confidence,
		AdjustmentCount: st.AdjustmentBase,
		CanAutoExecute:  !gated,
		RequiresHuman:   gated,
		RunID:           st.Run.ID,
		TriggerID:       st.TriggerRef,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if _, err := r.Engine.ApplyEvent(ctx, st.Case.ID, reducer.Event{
		Type:     reducer.ProposalCreated,
		Proposal: &row,
	}, st.ActorID); err != nil {
		return err
	}
	// Refetch by key: on conflict the existing row's identity wins.
	stored, err := r.Engine.ProposalByKey(ctx, key)
	if err != nil {
		return Transient(err)
	}
	st.Proposal = &stored
	return nil
}

// cooldownActive reports whether an outbound action landed within the
// configured cooldown window.
func (r *Runner) cooldownActive(ctx context.Context, st *State) (bool, error) {
	cfg := r.Engine.Config
	if cfg.Runtime.OutboundCooldownMinutes <= 0 {
		return false, nil
	}
	last, err := r.Engine.LastOutboundAt(ctx, st.Case.ID)
	if err != nil || last == "" {
		return false, err
	}
	lastAt, perr := time.Parse(time.RFC3339, last)
	if perr != nil {
		return false, nil
	}
	window := time.Duration(cfg.Runtime.OutboundCooldownMinutes) * time.Minute
	return r.Engine.NowTime().Before(lastAt.Add(window)), nil
}
