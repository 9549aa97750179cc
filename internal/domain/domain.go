package domain

// Case statuses. A case carries exactly one status; transitions happen only
// through reducer-computed mutations.
const (
	CaseDraft            = "draft"
	CaseNeedsHumanReview = "needs_human_review"
	CasePendingPortal    = "pending_portal"
	CaseSent             = "sent"
	CaseAwaitingResponse = "awaiting_response"
	CaseResponded        = "responded"
	CaseCompleted        = "completed"
	CaseCancelled        = "cancelled"
)

// Run statuses. Non-terminal: running, waiting.
const (
	RunRunning   = "running"
	RunWaiting   = "waiting"
	RunCompleted = "completed"
	RunFailed    = "failed"
	RunCancelled = "cancelled"
)

// Proposal statuses. The uppercase spelling is the wire/storage contract.
const (
	ProposalDraft            = "DRAFT"
	ProposalPendingApproval  = "PENDING_APPROVAL"
	ProposalApproved         = "APPROVED"
	ProposalDecisionReceived = "DECISION_RECEIVED"
	ProposalBlocked          = "BLOCKED"
	ProposalPendingPortal    = "PENDING_PORTAL"
	ProposalExecuted         = "EXECUTED"
	ProposalDismissed        = "DISMISSED"
	ProposalWithdrawn        = "WITHDRAWN"
	ProposalExpired          = "EXPIRED"
)

// Portal task statuses.
const (
	PortalPending    = "PENDING"
	PortalInProgress = "IN_PROGRESS"
	PortalCompleted  = "COMPLETED"
	PortalFailed     = "FAILED"
	PortalCancelled  = "CANCELLED"
)

// Follow-up statuses.
const (
	FollowUpScheduled  = "scheduled"
	FollowUpProcessing = "processing"
	FollowUpPaused     = "paused"
	FollowUpCancelled  = "cancelled"
)

// Action types form a closed set; every consumer switches exhaustively and
// treats unknown values as a hard error.
const (
	ActionSendReply    = "send_reply"
	ActionSendFollowup = "send_followup"
	ActionNegotiateFee = "negotiate_fee"
	ActionAppealDenial = "appeal_denial"
	ActionSubmitPortal = "submit_portal"
	ActionEscalate     = "escalate"
	ActionNoAction     = "no_action"
)

// Pause reasons recorded on a case in needs_human_review.
const (
	PauseFeeQuote          = "FEE_QUOTE"
	PauseDenialReview      = "DENIAL_REVIEW"
	PauseLowConfidence     = "LOW_CONFIDENCE"
	PauseMissingFields     = "MISSING_FIELDS"
	PauseDeliveryFailed    = "DELIVERY_FAILED"
	PausePortalFailed      = "PORTAL_FAILED"
	PauseDecisionExhausted = "DECISION_EXHAUSTED"
	PauseRunFailed         = "RUN_FAILED"
	PauseUnspecified       = "UNSPECIFIED"
)

// Review decisions a human can return when resuming a gated proposal.
const (
	DecisionApprove  = "APPROVE"
	DecisionAdjust   = "ADJUST"
	DecisionDismiss  = "DISMISS"
	DecisionWithdraw = "WITHDRAW"
)

// Run triggers.
const (
	TriggerInboundMessage = "inbound_message"
	TriggerFollowupDue    = "followup_due"
	TriggerHumanResolve   = "human_resolve"
	TriggerManual         = "manual"
)

// Run cancellation markers stored in a run's marker column.
const (
	RunMarkerSuperseded = "superseded"
	RunMarkerStale      = "stale_run_cleaned"
)

// ActiveProposalStatuses is the fixed "in flight" set: a case must never
// carry two proposals in these statuses at once.
var ActiveProposalStatuses = []string{
	ProposalPendingApproval,
	ProposalBlocked,
	ProposalDecisionReceived,
	ProposalPendingPortal,
}

// DismissalCaseStatuses are the case statuses whose entry dismisses all
// other active proposals.
var DismissalCaseStatuses = []string{
	CaseSent,
	CaseAwaitingResponse,
	CaseResponded,
	CaseCompleted,
	CaseCancelled,
}

// FollowUpEligibleStatuses are case statuses in which follow-ups may fire.
var FollowUpEligibleStatuses = []string{CaseSent, CaseAwaitingResponse}

// TerminalCaseStatuses end the lifecycle; follow-ups are cancelled, not paused.
var TerminalCaseStatuses = []string{CaseCompleted, CaseCancelled}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

// IsActiveProposalStatus reports whether a proposal status is in flight.
func IsActiveProposalStatus(status string) bool { return contains(ActiveProposalStatuses, status) }

// IsDismissalCaseStatus reports whether entering the status dismisses
// other active proposals.
func IsDismissalCaseStatus(status string) bool { return contains(DismissalCaseStatuses, status) }

// IsFollowUpEligible reports whether follow-ups may fire in the status.
func IsFollowUpEligible(status string) bool { return contains(FollowUpEligibleStatuses, status) }

// IsTerminalCaseStatus reports whether the case lifecycle has ended.
func IsTerminalCaseStatus(status string) bool { return contains(TerminalCaseStatuses, status) }

// IsTerminalRunStatus reports whether a run can no longer progress.
func IsTerminalRunStatus(status string) bool {
	return status == RunCompleted || status == RunFailed || status == RunCancelled
}

// KnownActionType reports membership in the closed action set.
func KnownActionType(action string) bool {
	switch action {
	case ActionSendReply, ActionSendFollowup, ActionNegotiateFee,
		ActionAppealDenial, ActionSubmitPortal, ActionEscalate, ActionNoAction:
		return true
	}
	return false
}

// Case is the long-lived subject of the workflow. PayloadJSON carries the
// domain record (request text, agency, contact addresses) opaque to the core.
type Case struct {
	ID            string  `json:"id"`
	Name          string  `json:"name"`
	Status        string  `json:"status" enum:"draft,needs_human_review,pending_portal,sent,awaiting_response,responded,completed,cancelled"`
	Substatus     string  `json:"substatus,omitempty"`
	PauseReason   *string `json:"pause_reason,omitempty"`
	RequiresHuman bool    `json:"requires_human"`
	PayloadJSON   string  `json:"payload_json,omitempty"`
	CreatedAt     string  `json:"created_at" format:"date-time"`
	UpdatedAt     string  `json:"updated_at" format:"date-time"`
}

// Run is one execution attempt of the pipeline for a case.
type Run struct {
	ID        string  `json:"id"`
	CaseID    string  `json:"case_id"`
	Status    string  `json:"status" enum:"running,waiting,completed,failed,cancelled"`
	Trigger   string  `json:"trigger"`
	Marker    *string `json:"marker,omitempty"`
	Error     *string `json:"error,omitempty"`
	StartedAt string  `json:"started_at" format:"date-time"`
	UpdatedAt string  `json:"updated_at" format:"date-time"`
	EndedAt   *string `json:"ended_at,omitempty" format:"date-time"`
}

// Proposal is a single candidate next action awaiting or having undergone
// execution. ProposalKey is deterministic so re-creation upserts.
type Proposal struct {
	ID              string  `json:"id"`
	CaseID          string  `json:"case_id"`
	ProposalKey     string  `json:"proposal_key"`
	ActionType      string  `json:"action_type"`
	Status          string  `json:"status"`
	DraftSubject    string  `json:"draft_subject,omitempty"`
	DraftBody       string  `json:"draft_body,omitempty"`
	ReasoningJSON   string  `json:"reasoning_json,omitempty"`
	Confidence      float64 `json:"confidence"`
	ExecutionKey    *string `json:"execution_key,omitempty"`
	ResumeToken     *string `json:"resume_token,omitempty"`
	Decision        *string `json:"decision,omitempty"`
	DecisionNote    *string `json:"decision_note,omitempty"`
	AdjustmentCount int     `json:"adjustment_count"`
	CanAutoExecute  bool    `json:"can_auto_execute"`
	RequiresHuman   bool    `json:"requires_human"`
	RunID           string  `json:"run_id,omitempty"`
	TriggerID       string  `json:"trigger_id,omitempty"`
	CreatedAt       string  `json:"created_at" format:"date-time"`
	UpdatedAt       string  `json:"updated_at" format:"date-time"`
}

// ExecutionRecord is an immutable audit entry per attempted side effect.
type ExecutionRecord struct {
	ID           int64  `json:"id"`
	ExecutionKey string `json:"execution_key"`
	ProposalID   string `json:"proposal_id"`
	CaseID       string `json:"case_id"`
	ActionType   string `json:"action_type"`
	Outcome      string `json:"outcome" enum:"success,failure,skipped"`
	ProviderID   string `json:"provider_id,omitempty"`
	DetailJSON   string `json:"detail_json,omitempty"`
	CreatedAt    string `json:"created_at" format:"date-time"`
}

// PortalTask tracks a manual or semi-automated submission on an agency portal.
type PortalTask struct {
	ID         string  `json:"id"`
	CaseID     string  `json:"case_id"`
	ProposalID *string `json:"proposal_id,omitempty"`
	Status     string  `json:"status" enum:"PENDING,IN_PROGRESS,COMPLETED,FAILED,CANCELLED"`
	PortalURL  string  `json:"portal_url,omitempty"`
	Detail     string  `json:"detail,omitempty"`
	CreatedAt  string  `json:"created_at" format:"date-time"`
	UpdatedAt  string  `json:"updated_at" format:"date-time"`
}

// FollowUp is the per-case follow-up schedule.
type FollowUp struct {
	CaseID       string `json:"case_id"`
	Status       string `json:"status" enum:"scheduled,processing,paused,cancelled"`
	NextAt       string `json:"next_at" format:"date-time"`
	IntervalDays int    `json:"interval_days"`
	Attempts     int    `json:"attempts"`
	UpdatedAt    string `json:"updated_at" format:"date-time"`
}

// Message is an inbound or outbound correspondence item attached to a case.
type Message struct {
	ID        string `json:"id"`
	CaseID    string `json:"case_id"`
	Direction string `json:"direction" enum:"inbound,outbound"`
	Subject   string `json:"subject,omitempty"`
	Body      string `json:"body"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Snapshot is the point-in-time aggregate the reducer and projection operate
// on. It is loaded once per invocation; pure functions never re-read storage.
type Snapshot struct {
	Case        Case         `json:"case"`
	ActiveRun   *Run         `json:"active_run,omitempty"`
	Proposals   []Proposal   `json:"proposals,omitempty"`
	PortalTasks []PortalTask `json:"portal_tasks,omitempty"`
	FollowUp    *FollowUp    `json:"followup,omitempty"`
}

// ActiveProposal returns the first in-flight proposal, or nil.
func (s Snapshot) ActiveProposal() *Proposal {
	for i := range s.Proposals {
		if IsActiveProposalStatus(s.Proposals[i].Status) {
			return &s.Proposals[i]
		}
	}
	return nil
}

// ActivePortalTask returns the first open portal task, or nil.
func (s Snapshot) ActivePortalTask() *PortalTask {
	for i := range s.PortalTasks {
		switch s.PortalTasks[i].Status {
		case PortalPending, PortalInProgress:
			return &s.PortalTasks[i]
		}
	}
	return nil
}

// Event is an append-only activity log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	CaseID     string `json:"case_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// APIKey authenticates an external caller.
type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
