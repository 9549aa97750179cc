package projection

import "caseline/internal/domain"

// ReviewState classifies what, if anything, a human needs to do with a case.
type ReviewState string

const (
	ReviewNone            ReviewState = "none"
	ReviewAwaitingHuman   ReviewState = "awaiting_human"
	ReviewDecisionPending ReviewState = "decision_pending"
	ReviewBlocked         ReviewState = "blocked"
	ReviewPortalPending   ReviewState = "portal_pending"
	ReviewAutoExecuting   ReviewState = "auto_executing"
)

// View is the canonical read model for a case. Derived, never stored.
type View struct {
	CaseID           string             `json:"case_id"`
	Name             string             `json:"name"`
	Status           string             `json:"status"`
	Substatus        string             `json:"substatus,omitempty"`
	PauseReason      *string            `json:"pause_reason,omitempty"`
	RequiresHuman    bool               `json:"requires_human"`
	ReviewState      ReviewState        `json:"review_state"`
	ActiveProposal   *domain.Proposal   `json:"active_proposal,omitempty"`
	ActivePortalTask *domain.PortalTask `json:"active_portal_task,omitempty"`
	ActiveRun        *domain.Run        `json:"active_run,omitempty"`
	FollowUp         *domain.FollowUp   `json:"followup,omitempty"`
	UpdatedAt        string             `json:"updated_at"`
}

// ReviewPolicy reconciles case flags, the active proposal, and the active run
// into one review classification. Pure; pluggable so domain layers can refine
// it without touching the projection.
type ReviewPolicy func(c domain.Case, proposal *domain.Proposal, run *domain.Run) ReviewState

// Compute derives the read model from a snapshot. Pure and lock-free; safe to
// call unboundedly often from read paths.
func Compute(snap domain.Snapshot, policy ReviewPolicy) View {
	if policy == nil {
		policy = DefaultReviewPolicy
	}
	proposal := snap.ActiveProposal()
	task := snap.ActivePortalTask()
	return View{
		CaseID:           snap.Case.ID,
		Name:             snap.Case.Name,
		Status:           snap.Case.Status,
		Substatus:        snap.Case.Substatus,
		PauseReason:      snap.Case.PauseReason,
		RequiresHuman:    snap.Case.RequiresHuman,
		ReviewState:      policy(snap.Case, proposal, snap.ActiveRun),
		ActiveProposal:   proposal,
		ActivePortalTask: task,
		ActiveRun:        snap.ActiveRun,
		FollowUp:         snap.FollowUp,
		UpdatedAt:        snap.Case.UpdatedAt,
	}
}

// DefaultReviewPolicy is the standard reconciliation of case flags against
// the in-flight proposal and run.
func DefaultReviewPolicy(c domain.Case, proposal *domain.Proposal, run *domain.Run) ReviewState {
	if proposal != nil {
		switch proposal.Status {
		case domain.ProposalBlocked:
			return ReviewBlocked
		case domain.ProposalPendingPortal:
			return ReviewPortalPending
		case domain.ProposalPendingApproval:
			return ReviewAwaitingHuman
		case domain.ProposalDecisionReceived:
			return ReviewDecisionPending
		}
	}
	if c.Status == domain.CaseNeedsHumanReview || c.RequiresHuman {
		return ReviewAwaitingHuman
	}
	if run != nil && run.Status == domain.RunRunning {
		return ReviewAutoExecuting
	}
	return ReviewNone
}
