package reducer_test

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"caseline/internal/domain"
	"caseline/internal/reducer"
)

func strptr(s string) *string { return &s }

func baseSnapshot() domain.Snapshot {
	return domain.Snapshot{
		Case: domain.Case{
			ID:     "case-1",
			Name:   "Police records 2023",
			Status: domain.CaseAwaitingResponse,
		},
	}
}

func rctx() reducer.Context {
	return reducer.Context{
		Now:     time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		ActorID: "tester",
	}
}

func TestComputeIsDeterministic(t *testing.T) {
	snap := baseSnapshot()
	evt := reducer.Event{Type: reducer.CaseSent, Substatus: "send_reply", ProposalID: "prop-1"}
	m1, err := reducer.Compute(snap, evt, rctx())
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	m2, err := reducer.Compute(snap, evt, rctx())
	if err != nil {
		t.Fatalf("compute again: %v", err)
	}
	if !reflect.DeepEqual(m1, m2) {
		t.Fatalf("same inputs produced different mutations:\n%+v\n%+v", m1, m2)
	}
}

func TestUnknownEventType(t *testing.T) {
	_, err := reducer.Compute(baseSnapshot(), reducer.Event{Type: "TOTALLY_NEW"}, rctx())
	if !errors.Is(err, reducer.ErrUnknownEvent) {
		t.Fatalf("expected ErrUnknownEvent, got %v", err)
	}
}

func TestRunFailedParksCaseForReview(t *testing.T) {
	m, err := reducer.Compute(baseSnapshot(), reducer.Event{
		Type:   reducer.RunFailed,
		RunID:  "run-1",
		Reason: "boom",
	}, rctx())
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if m.Run == nil || *m.Run.Status != domain.RunFailed || !m.Run.Ended {
		t.Fatalf("expected ended failed run mutation, got %+v", m.Run)
	}
	if m.Case == nil || *m.Case.Status != domain.CaseNeedsHumanReview {
		t.Fatalf("expected case parked for review, got %+v", m.Case)
	}
	if m.Case.PauseReason == nil || *m.Case.PauseReason != domain.PauseRunFailed {
		t.Fatalf("expected RUN_FAILED pause reason, got %+v", m.Case.PauseReason)
	}
	if m.Case.RequiresHuman == nil || !*m.Case.RequiresHuman {
		t.Fatalf("expected requires_human set")
	}
}

func TestRunFailedKeepsExplicitPauseReason(t *testing.T) {
	m, err := reducer.Compute(baseSnapshot(), reducer.Event{
		Type:        reducer.RunFailed,
		RunID:       "run-1",
		Reason:      "delivery bounced",
		PauseReason: domain.PauseDeliveryFailed,
	}, rctx())
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if *m.Case.PauseReason != domain.PauseDeliveryFailed {
		t.Fatalf("expected DELIVERY_FAILED, got %s", *m.Case.PauseReason)
	}
}

func TestReviewInvariantBackfillsPauseReason(t *testing.T) {
	m, err := reducer.Compute(baseSnapshot(), reducer.Event{Type: reducer.CaseNeedsReview}, rctx())
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if m.Case.PauseReason == nil || *m.Case.PauseReason != domain.PauseUnspecified {
		t.Fatalf("expected UNSPECIFIED backfill, got %+v", m.Case.PauseReason)
	}
	if m.Case.RequiresHuman == nil || !*m.Case.RequiresHuman {
		t.Fatalf("expected requires_human forced on")
	}
}

func TestSentEntryDismissesOtherProposals(t *testing.T) {
	snap := baseSnapshot()
	snap.Case.Status = domain.CaseNeedsHumanReview
	snap.Case.PauseReason = strptr(domain.PauseLowConfidence)
	snap.Proposals = []domain.Proposal{
		{ID: "prop-1", Status: domain.ProposalDecisionReceived},
		{ID: "prop-2", Status: domain.ProposalPendingApproval},
	}
	m, err := reducer.Compute(snap, reducer.Event{
		Type:       reducer.CaseSent,
		ProposalID: "prop-1",
		Substatus:  "send_reply",
	}, rctx())
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if !m.DismissActiveProposals {
		t.Fatalf("expected dismissal sweep on sent entry")
	}
	if m.KeepProposalID != "prop-1" {
		t.Fatalf("expected prop-1 spared, got %q", m.KeepProposalID)
	}
	if m.Case.PauseReason == nil || *m.Case.PauseReason != "" {
		t.Fatalf("expected pause reason cleared, got %+v", m.Case.PauseReason)
	}
}

func TestNoDismissalWhenStatusUnchanged(t *testing.T) {
	snap := baseSnapshot()
	snap.Case.Status = domain.CaseSent
	m, err := reducer.Compute(snap, reducer.Event{Type: reducer.CaseSent, Substatus: "send_reply"}, rctx())
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if m.DismissActiveProposals {
		t.Fatalf("re-entering the same status must not sweep proposals")
	}
}

func TestTerminalEntryAlignsFollowUp(t *testing.T) {
	snap := baseSnapshot()
	snap.FollowUp = &domain.FollowUp{CaseID: "case-1", Status: domain.FollowUpScheduled}
	m, err := reducer.Compute(snap, reducer.Event{Type: reducer.CaseCompleted}, rctx())
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if !m.AlignFollowUp {
		t.Fatalf("expected follow-up alignment on completion")
	}
	if !m.DismissActiveProposals {
		t.Fatalf("completed is a dismissal status")
	}
}

func TestFollowUpStatusFor(t *testing.T) {
	cases := []struct {
		caseStatus string
		current    string
		want       string
	}{
		{domain.CaseCompleted, domain.FollowUpScheduled, domain.FollowUpCancelled},
		{domain.CaseCancelled, domain.FollowUpPaused, domain.FollowUpCancelled},
		{domain.CaseSent, domain.FollowUpPaused, domain.FollowUpScheduled},
		{domain.CaseAwaitingResponse, domain.FollowUpScheduled, domain.FollowUpScheduled},
		{domain.CaseNeedsHumanReview, domain.FollowUpScheduled, domain.FollowUpPaused},
		{domain.CaseDraft, domain.FollowUpCancelled, domain.FollowUpCancelled},
	}
	for _, tc := range cases {
		if got := reducer.FollowUpStatusFor(tc.caseStatus, tc.current); got != tc.want {
			t.Errorf("FollowUpStatusFor(%s,%s) = %s, want %s", tc.caseStatus, tc.current, got, tc.want)
		}
	}
}

func TestDecisionReceivedVariants(t *testing.T) {
	snap := baseSnapshot()
	snap.Case.Status = domain.CaseNeedsHumanReview
	snap.Case.PauseReason = strptr(domain.PauseFeeQuote)

	m, err := reducer.Compute(snap, reducer.Event{
		Type: reducer.ProposalDecisionReceived, ProposalID: "prop-1", Decision: domain.DecisionApprove,
	}, rctx())
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if m.Proposal.CanAutoExecute == nil || !*m.Proposal.CanAutoExecute {
		t.Fatalf("approve must arm auto-execution")
	}
	if *m.Proposal.Status != domain.ProposalDecisionReceived {
		t.Fatalf("approve status = %s", *m.Proposal.Status)
	}
	if m.Case != nil && m.Case.Status != nil {
		t.Fatalf("decision event must not move the case; CASE_REVIEW_RESOLVED does")
	}

	m, err = reducer.Compute(snap, reducer.Event{
		Type: reducer.ProposalDecisionReceived, ProposalID: "prop-1", Decision: domain.DecisionAdjust, DecisionNote: "shorter",
	}, rctx())
	if err != nil {
		t.Fatalf("adjust: %v", err)
	}
	if !m.Proposal.BumpAdjustment {
		t.Fatalf("adjust must bump the adjustment counter")
	}
	if m.Proposal.DecisionNote == nil || *m.Proposal.DecisionNote != "shorter" {
		t.Fatalf("adjust must carry the note")
	}

	m, err = reducer.Compute(snap, reducer.Event{
		Type: reducer.ProposalDecisionReceived, ProposalID: "prop-1", Decision: domain.DecisionDismiss,
	}, rctx())
	if err != nil {
		t.Fatalf("dismiss: %v", err)
	}
	if *m.Proposal.Status != domain.ProposalDismissed {
		t.Fatalf("dismiss status = %s", *m.Proposal.Status)
	}

	m, err = reducer.Compute(snap, reducer.Event{
		Type: reducer.ProposalDecisionReceived, ProposalID: "prop-1", Decision: domain.DecisionWithdraw,
	}, rctx())
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if *m.Proposal.Status != domain.ProposalWithdrawn {
		t.Fatalf("withdraw status = %s", *m.Proposal.Status)
	}

	if _, err := reducer.Compute(snap, reducer.Event{
		Type: reducer.ProposalDecisionReceived, ProposalID: "prop-1", Decision: "MAYBE",
	}, rctx()); err == nil {
		t.Fatalf("unknown decision must error")
	}
}

func TestProposalCreatedRejectsUnknownAction(t *testing.T) {
	_, err := reducer.Compute(baseSnapshot(), reducer.Event{
		Type:     reducer.ProposalCreated,
		Proposal: &domain.Proposal{ID: "p", CaseID: "case-1", ActionType: "teleport"},
	}, rctx())
	if err == nil {
		t.Fatalf("unknown action type must be rejected")
	}
}

func TestExecutionFailedBlocksAndReleasesClaim(t *testing.T) {
	m, err := reducer.Compute(baseSnapshot(), reducer.Event{
		Type:       reducer.ExecutionFailed,
		ProposalID: "prop-1",
	}, rctx())
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if *m.Proposal.Status != domain.ProposalBlocked || !m.Proposal.ClearExecutionKey {
		t.Fatalf("expected blocked proposal with claim released, got %+v", m.Proposal)
	}
	if *m.Case.PauseReason != domain.PauseDeliveryFailed {
		t.Fatalf("expected DELIVERY_FAILED pause, got %s", *m.Case.PauseReason)
	}
}

func TestPortalTaskCancelledFallsBackToSent(t *testing.T) {
	snap := baseSnapshot()
	snap.Case.Status = domain.CasePendingPortal
	m, err := reducer.Compute(snap, reducer.Event{
		Type:         reducer.PortalTaskCancelled,
		PortalTaskID: "task-1",
		Reason:       "portal down",
	}, rctx())
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if *m.Case.Status != domain.CaseSent {
		t.Fatalf("expected fallback to sent, got %s", *m.Case.Status)
	}
	if *m.PortalTask.Status != domain.PortalCancelled {
		t.Fatalf("expected cancelled task, got %s", *m.PortalTask.Status)
	}
}
