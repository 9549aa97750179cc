package reducer

import (
	"errors"
	"fmt"
	"time"

	"caseline/internal/domain"
)

// EventType enumerates the closed set of case lifecycle events. Compute
// returns ErrUnknownEvent for anything outside this set; events are never
// silently ignored.
type EventType string

const (
	RunStarted      EventType = "RUN_STARTED"
	RunWaiting      EventType = "RUN_WAITING"
	RunCompleted    EventType = "RUN_COMPLETED"
	RunFailed       EventType = "RUN_FAILED"
	RunSuperseded   EventType = "RUN_SUPERSEDED"
	StaleRunCleaned EventType = "STALE_RUN_CLEANED"

	ProposalCreated          EventType = "PROPOSAL_CREATED"
	ProposalGated            EventType = "PROPOSAL_GATED"
	ProposalDecisionReceived EventType = "PROPOSAL_DECISION_RECEIVED"
	ProposalBlocked          EventType = "PROPOSAL_BLOCKED"
	ProposalDismissed        EventType = "PROPOSAL_DISMISSED"
	ProposalWithdrawn        EventType = "PROPOSAL_WITHDRAWN"
	ProposalExpired          EventType = "PROPOSAL_EXPIRED"

	ExecutionSucceeded  EventType = "EXECUTION_SUCCEEDED"
	ExecutionFailed     EventType = "EXECUTION_FAILED"
	PortalTaskOpened    EventType = "PORTAL_TASK_OPENED"
	PortalTaskCompleted EventType = "PORTAL_TASK_COMPLETED"
	PortalTaskFailed    EventType = "PORTAL_TASK_FAILED"
	PortalTaskCancelled EventType = "PORTAL_TASK_CANCELLED"

	CaseSent             EventType = "CASE_SENT"
	CaseResponseRecorded EventType = "CASE_RESPONSE_RECORDED"
	CaseNeedsReview      EventType = "CASE_NEEDS_REVIEW"
	CaseReviewResolved   EventType = "CASE_REVIEW_RESOLVED"
	CaseCompleted        EventType = "CASE_COMPLETED"
	CaseCancelled        EventType = "CASE_CANCELLED"
	CaseReopened         EventType = "CASE_REOPENED"

	FollowupScheduled EventType = "FOLLOWUP_SCHEDULED"
	FollowupSent      EventType = "FOLLOWUP_SENT"
	FollowupPaused    EventType = "FOLLOWUP_PAUSED"
	FollowupResumed   EventType = "FOLLOWUP_RESUMED"
	FollowupCancelled EventType = "FOLLOWUP_CANCELLED"
)

// ErrUnknownEvent marks a programming error: an event type outside the
// closed taxonomy reached the reducer.
var ErrUnknownEvent = errors.New("unknown event type")

// Event carries an event type plus the parameters its handler consumes.
// Fields irrelevant to a given type are ignored.
type Event struct {
	Type EventType

	RunID        string
	ProposalID   string
	PortalTaskID string

	// Proposal is the full row for PROPOSAL_CREATED upserts.
	Proposal *domain.Proposal
	// PortalTask is the full row for PORTAL_TASK_OPENED upserts.
	PortalTask *domain.PortalTask

	PauseReason  string
	Substatus    string
	Reason       string
	Decision     string
	DecisionNote string
	ResumeToken  string
	NextStatus   string
	NextAt       string
	IntervalDays int
}

// Context is the ambient input the reducer needs beyond snapshot and event.
type Context struct {
	Now     time.Time
	ActorID string
}

func (c Context) now() string {
	if c.Now.IsZero() {
		return time.Now().UTC().Format(time.RFC3339)
	}
	return c.Now.UTC().Format(time.RFC3339)
}

// Compute derives the mutation set for one event against a snapshot. Pure:
// same (snapshot, event, context) always yields the same mutations, no I/O.
func Compute(snap domain.Snapshot, evt Event, rctx Context) (Mutations, error) {
	var m Mutations
	now := rctx.now()

	switch evt.Type {
	case RunStarted:
		m.Run = &RunMutation{RunID: evt.RunID, Status: strptr(domain.RunRunning)}

	case RunWaiting:
		m.Run = &RunMutation{RunID: evt.RunID, Status: strptr(domain.RunWaiting)}

	case RunCompleted:
		m.Run = &RunMutation{RunID: evt.RunID, Status: strptr(domain.RunCompleted), Ended: true}

	case RunFailed:
		m.Run = &RunMutation{RunID: evt.RunID, Status: strptr(domain.RunFailed), Error: strptr(evt.Reason), Ended: true}
		reason := evt.PauseReason
		if reason == "" {
			reason = domain.PauseRunFailed
		}
		m.Case = &CaseMutation{
			Status:        strptr(domain.CaseNeedsHumanReview),
			PauseReason:   strptr(reason),
			RequiresHuman: boolptr(true),
		}

	case RunSuperseded:
		m.Run = &RunMutation{
			RunID:  evt.RunID,
			Status: strptr(domain.RunCancelled),
			Marker: strptr(domain.RunMarkerSuperseded),
			Ended:  true,
		}

	case StaleRunCleaned:
		m.Run = &RunMutation{
			RunID:  evt.RunID,
			Status: strptr(domain.RunFailed),
			Marker: strptr(domain.RunMarkerStale),
			Error:  strptr(evt.Reason),
			Ended:  true,
		}

	case ProposalCreated:
		if evt.Proposal == nil {
			return m, fmt.Errorf("%s requires a proposal row", evt.Type)
		}
		if !domain.KnownActionType(evt.Proposal.ActionType) {
			return m, fmt.Errorf("unknown action type %q", evt.Proposal.ActionType)
		}
		m.Proposal = &ProposalMutation{Upsert: evt.Proposal}

	case ProposalGated:
		m.Proposal = &ProposalMutation{
			ProposalID:    evt.ProposalID,
			Status:        strptr(domain.ProposalPendingApproval),
			RequiresHuman: boolptr(true),
			ResumeToken:   strptr(evt.ResumeToken),
		}
		m.Case = &CaseMutation{
			Status:        strptr(domain.CaseNeedsHumanReview),
			PauseReason:   strptr(evt.PauseReason),
			RequiresHuman: boolptr(true),
		}

	case ProposalDecisionReceived:
		pm := &ProposalMutation{
			ProposalID:    evt.ProposalID,
			Status:        strptr(domain.ProposalDecisionReceived),
			Decision:      strptr(evt.Decision),
			RequiresHuman: boolptr(false),
		}
		if evt.DecisionNote != "" {
			pm.DecisionNote = strptr(evt.DecisionNote)
		}
		switch evt.Decision {
		case domain.DecisionApprove:
			pm.CanAutoExecute = boolptr(true)
		case domain.DecisionAdjust:
			pm.BumpAdjustment = true
		case domain.DecisionDismiss:
			pm.Status = strptr(domain.ProposalDismissed)
		case domain.DecisionWithdraw:
			pm.Status = strptr(domain.ProposalWithdrawn)
		default:
			return m, fmt.Errorf("unknown review decision %q", evt.Decision)
		}
		// The case itself leaves review via CASE_REVIEW_RESOLVED, emitted
		// right after this event on the resume path.
		m.Proposal = pm

	case ProposalBlocked:
		reason := evt.PauseReason
		if reason == "" {
			reason = domain.PauseMissingFields
		}
		m.Proposal = &ProposalMutation{
			ProposalID:        evt.ProposalID,
			Status:            strptr(domain.ProposalBlocked),
			ClearExecutionKey: true,
		}
		m.Case = &CaseMutation{
			Status:        strptr(domain.CaseNeedsHumanReview),
			PauseReason:   strptr(reason),
			RequiresHuman: boolptr(true),
		}

	case ProposalDismissed:
		m.Proposal = &ProposalMutation{ProposalID: evt.ProposalID, Status: strptr(domain.ProposalDismissed)}

	case ProposalWithdrawn:
		m.Proposal = &ProposalMutation{ProposalID: evt.ProposalID, Status: strptr(domain.ProposalWithdrawn)}

	case ProposalExpired:
		m.Proposal = &ProposalMutation{ProposalID: evt.ProposalID, Status: strptr(domain.ProposalExpired)}

	case ExecutionSucceeded:
		// Claim stays set forever: the proposal can never be re-executed.
		m.Proposal = &ProposalMutation{ProposalID: evt.ProposalID, Status: strptr(domain.ProposalExecuted)}

	case ExecutionFailed:
		m.Proposal = &ProposalMutation{
			ProposalID:        evt.ProposalID,
			Status:            strptr(domain.ProposalBlocked),
			ClearExecutionKey: true,
		}
		m.Case = &CaseMutation{
			Status:        strptr(domain.CaseNeedsHumanReview),
			PauseReason:   strptr(domain.PauseDeliveryFailed),
			RequiresHuman: boolptr(true),
		}

	case PortalTaskOpened:
		if evt.PortalTask == nil {
			return m, fmt.Errorf("%s requires a portal task row", evt.Type)
		}
		m.PortalTask = &PortalTaskMutation{Upsert: evt.PortalTask}
		if evt.ProposalID != "" {
			m.Proposal = &ProposalMutation{ProposalID: evt.ProposalID, Status: strptr(domain.ProposalPendingPortal)}
		}
		m.Case = &CaseMutation{Status: strptr(domain.CasePendingPortal)}

	case PortalTaskCompleted:
		m.PortalTask = &PortalTaskMutation{TaskID: evt.PortalTaskID, Status: strptr(domain.PortalCompleted), Detail: strptr(evt.Reason)}
		if evt.ProposalID != "" {
			m.Proposal = &ProposalMutation{ProposalID: evt.ProposalID, Status: strptr(domain.ProposalExecuted)}
		}

	case PortalTaskFailed:
		m.PortalTask = &PortalTaskMutation{TaskID: evt.PortalTaskID, Status: strptr(domain.PortalFailed), Detail: strptr(evt.Reason)}
		m.Case = &CaseMutation{
			Status:        strptr(domain.CaseNeedsHumanReview),
			PauseReason:   strptr(domain.PausePortalFailed),
			RequiresHuman: boolptr(true),
		}

	case PortalTaskCancelled:
		// The case falls back to sent with the cancellation recorded as
		// substatus, matching operator expectations for a dead portal.
		m.PortalTask = &PortalTaskMutation{TaskID: evt.PortalTaskID, Status: strptr(domain.PortalCancelled), Detail: strptr(evt.Reason)}
		m.Case = &CaseMutation{Status: strptr(domain.CaseSent), Substatus: strptr(evt.Reason)}

	case CaseSent:
		m.Case = &CaseMutation{
			Status:        strptr(domain.CaseSent),
			Substatus:     strptr(evt.Substatus),
			PauseReason:   clearString(),
			RequiresHuman: boolptr(false),
		}
		m.KeepProposalID = evt.ProposalID

	case CaseResponseRecorded:
		m.Case = &CaseMutation{Status: strptr(domain.CaseResponded), Substatus: strptr(evt.Substatus)}

	case CaseNeedsReview:
		m.Case = &CaseMutation{
			Status:        strptr(domain.CaseNeedsHumanReview),
			PauseReason:   strptr(evt.PauseReason),
			RequiresHuman: boolptr(true),
		}

	case CaseReviewResolved:
		next := evt.NextStatus
		if next == "" {
			next = domain.CaseAwaitingResponse
		}
		m.Case = &CaseMutation{
			Status:        strptr(next),
			PauseReason:   clearString(),
			RequiresHuman: boolptr(false),
		}
		m.KeepProposalID = evt.ProposalID

	case CaseCompleted:
		m.Case = &CaseMutation{
			Status:        strptr(domain.CaseCompleted),
			Substatus:     strptr(evt.Substatus),
			PauseReason:   clearString(),
			RequiresHuman: boolptr(false),
		}

	case CaseCancelled:
		m.Case = &CaseMutation{
			Status:        strptr(domain.CaseCancelled),
			Substatus:     strptr(evt.Substatus),
			PauseReason:   clearString(),
			RequiresHuman: boolptr(false),
		}

	case CaseReopened:
		m.Case = &CaseMutation{
			Status:        strptr(domain.CaseAwaitingResponse),
			Substatus:     strptr(evt.Substatus),
			PauseReason:   clearString(),
			RequiresHuman: boolptr(false),
		}

	case FollowupScheduled:
		m.FollowUp = &FollowUpMutation{Upsert: &domain.FollowUp{
			CaseID:       snap.Case.ID,
			Status:       domain.FollowUpScheduled,
			NextAt:       evt.NextAt,
			IntervalDays: evt.IntervalDays,
			UpdatedAt:    now,
		}}

	case FollowupSent:
		m.FollowUp = &FollowUpMutation{
			Status:        strptr(domain.FollowUpScheduled),
			NextAt:        strptr(evt.NextAt),
			AttemptsDelta: 1,
		}

	case FollowupPaused:
		m.FollowUp = &FollowUpMutation{Status: strptr(domain.FollowUpPaused)}

	case FollowupResumed:
		m.FollowUp = &FollowUpMutation{Status: strptr(domain.FollowUpScheduled)}

	case FollowupCancelled:
		m.FollowUp = &FollowUpMutation{Status: strptr(domain.FollowUpCancelled)}

	default:
		return m, fmt.Errorf("%w: %s", ErrUnknownEvent, evt.Type)
	}

	deriveBulkOps(snap, &m)
	enforceReviewInvariant(snap, &m)
	stampCase(&m, now)
	return m, nil
}

// deriveBulkOps adds the two derived operations: dismissing other active
// proposals on entry into a dismissal status, and aligning the follow-up
// schedule to the new case status.
func deriveBulkOps(snap domain.Snapshot, m *Mutations) {
	if m.Case == nil || m.Case.Status == nil {
		return
	}
	next := *m.Case.Status
	if next == snap.Case.Status {
		return
	}
	if domain.IsDismissalCaseStatus(next) {
		m.DismissActiveProposals = true
	}
	if snap.FollowUp != nil {
		m.AlignFollowUp = true
	}
}

// FollowUpStatusFor maps a case status to the aligned follow-up status.
// Terminal statuses cancel; eligible statuses (re)schedule; anything else
// pauses so the schedule survives a detour through review.
func FollowUpStatusFor(caseStatus, current string) string {
	switch {
	case domain.IsTerminalCaseStatus(caseStatus):
		return domain.FollowUpCancelled
	case domain.IsFollowUpEligible(caseStatus):
		return domain.FollowUpScheduled
	case current == domain.FollowUpCancelled:
		return domain.FollowUpCancelled
	default:
		return domain.FollowUpPaused
	}
}

// enforceReviewInvariant guarantees that no handler, however incomplete, can
// produce needs_human_review with a null pause reason.
func enforceReviewInvariant(snap domain.Snapshot, m *Mutations) {
	status := snap.Case.Status
	if m.Case != nil && m.Case.Status != nil {
		status = *m.Case.Status
	}
	if status != domain.CaseNeedsHumanReview {
		return
	}
	if m.Case == nil {
		m.Case = &CaseMutation{}
	}
	if m.Case.PauseReason != nil {
		if *m.Case.PauseReason == "" {
			m.Case.PauseReason = strptr(domain.PauseUnspecified)
		}
	} else if snap.Case.PauseReason == nil || *snap.Case.PauseReason == "" {
		m.Case.PauseReason = strptr(domain.PauseUnspecified)
	}
	m.Case.RequiresHuman = boolptr(true)
}

func stampCase(m *Mutations, now string) {
	if m.Case != nil {
		m.Case.UpdatedAt = now
	}
	if m.Run != nil {
		m.Run.UpdatedAt = now
		if m.Run.Ended {
			m.Run.EndedAt = strptr(now)
		}
	}
	if m.Proposal != nil {
		m.Proposal.UpdatedAt = now
	}
	if m.PortalTask != nil {
		m.PortalTask.UpdatedAt = now
	}
	if m.FollowUp != nil {
		m.FollowUp.UpdatedAt = now
	}
}

func strptr(s string) *string { return &s }
func boolptr(b bool) *bool    { return &b }

// clearString marks a nullable column for reset to NULL.
func clearString() *string { s := ""; return &s }
