package reducer

import "caseline/internal/domain"

// Mutations is the declarative output of Compute. Each non-nil field targets
// one collection; the whole set is applied in a single transaction. Pointer
// fields mean "set this column"; a pointer to the empty string resets a
// nullable column to NULL.
type Mutations struct {
	Case       *CaseMutation
	Run        *RunMutation
	Proposal   *ProposalMutation
	PortalTask *PortalTaskMutation
	FollowUp   *FollowUpMutation

	// DismissActiveProposals dismisses every in-flight proposal for the
	// case except KeepProposalID.
	DismissActiveProposals bool
	KeepProposalID         string

	// AlignFollowUp re-derives the follow-up status from the new case
	// status via FollowUpStatusFor.
	AlignFollowUp bool
}

// Empty reports whether the mutation set changes nothing.
func (m Mutations) Empty() bool {
	return m.Case == nil && m.Run == nil && m.Proposal == nil &&
		m.PortalTask == nil && m.FollowUp == nil &&
		!m.DismissActiveProposals && !m.AlignFollowUp
}

type CaseMutation struct {
	Status        *string
	Substatus     *string
	PauseReason   *string
	RequiresHuman *bool
	UpdatedAt     string
}

type RunMutation struct {
	RunID     string
	Status    *string
	Marker    *string
	Error     *string
	Ended     bool
	EndedAt   *string
	UpdatedAt string
}

type ProposalMutation struct {
	// Upsert replaces the whole row keyed on proposal_key; all other
	// fields are ignored when set.
	Upsert *domain.Proposal

	ProposalID        string
	Status            *string
	Decision          *string
	DecisionNote      *string
	ResumeToken       *string
	RequiresHuman     *bool
	CanAutoExecute    *bool
	BumpAdjustment    bool
	ClearExecutionKey bool
	UpdatedAt         string
}

type PortalTaskMutation struct {
	Upsert *domain.PortalTask

	TaskID    string
	Status    *string
	Detail    *string
	UpdatedAt string
}

type FollowUpMutation struct {
	Upsert *domain.FollowUp

	Status        *string
	NextAt        *string
	AttemptsDelta int
	UpdatedAt     string
}
