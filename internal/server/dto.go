package server

import "caseline/internal/domain"

// Request payloads

type CreateCaseRequest struct {
	ID          *string `json:"id,omitempty"`
	Name        string  `json:"name"`
	PayloadJSON *string `json:"payload_json,omitempty"`
}

type InboundMessageRequest struct {
	Subject *string `json:"subject,omitempty"`
	Body    string  `json:"body"`
	// StartRun triggers a pipeline run after recording the message.
	// Defaults to true.
	StartRun *bool `json:"start_run,omitempty"`
}

type ResumeRequest struct {
	Token    string  `json:"token"`
	Decision string  `json:"decision" enum:"APPROVE,ADJUST,DISMISS,WITHDRAW"`
	Note     *string `json:"note,omitempty"`
}

type StartRunRequest struct {
	CaseID  string  `json:"case_id"`
	Trigger *string `json:"trigger,omitempty" enum:"inbound_message,followup_due,human_resolve,manual"`
}

type CloseCaseRequest struct {
	Note *string `json:"note,omitempty"`
}

type ScheduleFollowUpRequest struct {
	IntervalDays *int `json:"interval_days,omitempty"`
}

type CancelPortalTaskRequest struct {
	Reason *string `json:"reason,omitempty"`
}

type CreateKeyRequest struct {
	ActorID string  `json:"actor_id"`
	Name    *string `json:"name,omitempty"`
}

// Response payloads

type RunResponse struct {
	Run       domain.Run `json:"run"`
	Suspended bool       `json:"suspended"`
	// Halted carries the skip reason when the run stopped without a side
	// effect (cooldown, claim race, superseded).
	Halted string `json:"halted,omitempty"`
}

type ResumeResponse struct {
	CaseID    string `json:"case_id"`
	Decision  string `json:"decision"`
	Suspended bool   `json:"suspended"`
}

type CreateKeyResponse struct {
	Key domain.APIKey `json:"key"`
	// Raw is shown exactly once; only the hash is stored.
	Raw string `json:"raw"`
}

type FollowUpSweepResponse struct {
	Processed int                 `json:"processed"`
	Results   []FollowUpSweepItem `json:"results,omitempty"`
}

type FollowUpSweepItem struct {
	CaseID  string `json:"case_id"`
	Outcome string `json:"outcome"`
	Error   string `json:"error,omitempty"`
}

func strOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
