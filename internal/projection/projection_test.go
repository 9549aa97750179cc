package projection_test

import (
	"testing"

	"caseline/internal/domain"
	"caseline/internal/projection"
)

func TestDefaultReviewPolicy(t *testing.T) {
	run := &domain.Run{Status: domain.RunRunning}
	cases := []struct {
		name     string
		c        domain.Case
		proposal *domain.Proposal
		run      *domain.Run
		want     projection.ReviewState
	}{
		{"blocked proposal", domain.Case{}, &domain.Proposal{Status: domain.ProposalBlocked}, nil, projection.ReviewBlocked},
		{"portal pending", domain.Case{}, &domain.Proposal{Status: domain.ProposalPendingPortal}, nil, projection.ReviewPortalPending},
		{"awaiting approval", domain.Case{}, &domain.Proposal{Status: domain.ProposalPendingApproval}, nil, projection.ReviewAwaitingHuman},
		{"decision pending", domain.Case{}, &domain.Proposal{Status: domain.ProposalDecisionReceived}, nil, projection.ReviewDecisionPending},
		{"case flag wins without proposal", domain.Case{Status: domain.CaseNeedsHumanReview}, nil, nil, projection.ReviewAwaitingHuman},
		{"requires human flag", domain.Case{RequiresHuman: true}, nil, nil, projection.ReviewAwaitingHuman},
		{"live run", domain.Case{Status: domain.CaseSent}, nil, run, projection.ReviewAutoExecuting},
		{"quiet case", domain.Case{Status: domain.CaseAwaitingResponse}, nil, nil, projection.ReviewNone},
	}
	for _, tc := range cases {
		if got := projection.DefaultReviewPolicy(tc.c, tc.proposal, tc.run); got != tc.want {
			t.Errorf("%s: got %s, want %s", tc.name, got, tc.want)
		}
	}
}

func TestComputePicksActiveProposal(t *testing.T) {
	token := "tok-1"
	snap := domain.Snapshot{
		Case: domain.Case{
			ID:            "case-1",
			Name:          "Budget records",
			Status:        domain.CaseNeedsHumanReview,
			RequiresHuman: true,
		},
		Proposals: []domain.Proposal{
			{ID: "old", Status: domain.ProposalExecuted},
			{ID: "live", Status: domain.ProposalPendingApproval, ResumeToken: &token},
			{ID: "dead", Status: domain.ProposalDismissed},
		},
	}
	v := projection.Compute(snap, nil)
	if v.ActiveProposal == nil || v.ActiveProposal.ID != "live" {
		t.Fatalf("expected live proposal, got %+v", v.ActiveProposal)
	}
	if v.ReviewState != projection.ReviewAwaitingHuman {
		t.Fatalf("expected awaiting_human, got %s", v.ReviewState)
	}
	if v.CaseID != "case-1" || v.Status != domain.CaseNeedsHumanReview {
		t.Fatalf("view header mismatch: %+v", v)
	}
}

func TestComputeIgnoresClosedPortalTasks(t *testing.T) {
	snap := domain.Snapshot{
		Case: domain.Case{ID: "case-1", Status: domain.CaseSent},
		PortalTasks: []domain.PortalTask{
			{ID: "done", Status: domain.PortalCompleted},
			{ID: "open", Status: domain.PortalPending},
		},
	}
	v := projection.Compute(snap, nil)
	if v.ActivePortalTask == nil || v.ActivePortalTask.ID != "open" {
		t.Fatalf("expected open portal task, got %+v", v.ActivePortalTask)
	}
}
