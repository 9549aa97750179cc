package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"caseline/internal/config"
	"caseline/internal/domain"
	"caseline/internal/events"
	"caseline/internal/reducer"
	"caseline/internal/repo"
)

// ErrCaseClosed rejects operations on a completed or cancelled case.
var ErrCaseClosed = errors.New("case is closed")

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowStr() string {
	return e.now().UTC().Format(time.RFC3339)
}

// ApplyEvent runs one lifecycle event through the reducer and persists its
// mutation set plus the activity log entry in a single transaction.
func (e Engine) ApplyEvent(ctx context.Context, caseID string, evt reducer.Event, actorID string) (reducer.Mutations, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return reducer.Mutations{}, err
	}
	defer tx.Rollback()

	m, err := e.applyEventTx(ctx, tx, caseID, evt, actorID)
	if err != nil {
		return reducer.Mutations{}, err
	}
	if err := tx.Commit(); err != nil {
		return reducer.Mutations{}, err
	}
	return m, nil
}

// applyEventTx is the in-transaction body of ApplyEvent, shared by operations
// that apply several events atomically.
func (e Engine) applyEventTx(ctx context.Context, tx *sql.Tx, caseID string, evt reducer.Event, actorID string) (reducer.Mutations, error) {
	snap, err := e.Repo.LoadSnapshot(ctx, tx, caseID)
	if err != nil {
		return reducer.Mutations{}, fmt.Errorf("load snapshot: %w", err)
	}
	m, err := reducer.Compute(snap, evt, reducer.Context{Now: e.now(), ActorID: actorID})
	if err != nil {
		return reducer.Mutations{}, err
	}
	if err := e.Repo.ApplyMutations(ctx, tx, caseID, m, snap); err != nil {
		return reducer.Mutations{}, err
	}
	kind, entityID := eventEntity(evt, caseID)
	payload := events.EventPayload{}
	if evt.Reason != "" {
		payload["reason"] = evt.Reason
	}
	if evt.Decision != "" {
		payload["decision"] = evt.Decision
	}
	if evt.PauseReason != "" {
		payload["pause_reason"] = evt.PauseReason
	}
	if evt.Substatus != "" {
		payload["substatus"] = evt.Substatus
	}
	if err := e.Events.Append(ctx, tx, string(evt.Type), caseID, kind, entityID, actorID, payload); err != nil {
		return reducer.Mutations{}, err
	}
	return m, nil
}

func eventEntity(evt reducer.Event, caseID string) (kind, id string) {
	switch {
	case evt.PortalTaskID != "" || evt.PortalTask != nil:
		id = evt.PortalTaskID
		if evt.PortalTask != nil {
			id = evt.PortalTask.ID
		}
		return "portal_task", id
	case evt.ProposalID != "" || evt.Proposal != nil:
		id = evt.ProposalID
		if id == "" && evt.Proposal != nil {
			id = evt.Proposal.ID
		}
		return "proposal", id
	case evt.RunID != "":
		return "run", evt.RunID
	default:
		return "case", caseID
	}
}

// CaseCreateOptions are parameters for creating a case.
type CaseCreateOptions struct {
	ID          string
	Name        string
	PayloadJSON string
	ActorID     string
}

func (e Engine) CreateCase(ctx context.Context, opts CaseCreateOptions) (domain.Case, error) {
	if opts.Name == "" {
		return domain.Case{}, errors.New("name is required")
	}
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Case{}, err
	}
	defer tx.Rollback()

	now := e.nowStr()
	c := domain.Case{
		ID:          opts.ID,
		Name:        opts.Name,
		Status:      domain.CaseDraft,
		PayloadJSON: opts.PayloadJSON,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.Repo.InsertCase(ctx, tx, c); err != nil {
		return domain.Case{}, fmt.Errorf("insert case: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "CASE_CREATED", c.ID, "case", c.ID, opts.ActorID, events.EventPayload{"name": c.Name}); err != nil {
		return domain.Case{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Case{}, err
	}
	return c, nil
}

// StartRun claims the case for a new run: every other non-terminal run is
// cancelled with the superseded marker, then the new run starts as running.
func (e Engine) StartRun(ctx context.Context, caseID, trigger, actorID string) (domain.Run, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Run{}, err
	}
	defer tx.Rollback()

	c, err := e.Repo.GetCaseTx(ctx, tx, caseID)
	if err != nil {
		return domain.Run{}, err
	}
	if domain.IsTerminalCaseStatus(c.Status) {
		return domain.Run{}, fmt.Errorf("%w: %s", ErrCaseClosed, c.Status)
	}

	now := e.nowStr()
	run := domain.Run{
		ID:        uuid.NewString(),
		CaseID:    caseID,
		Status:    domain.RunRunning,
		Trigger:   trigger,
		StartedAt: now,
		UpdatedAt: now,
	}
	if err := e.Repo.InsertRun(ctx, tx, run); err != nil {
		return domain.Run{}, fmt.Errorf("insert run: %w", err)
	}
	superseded, err := e.Repo.CancelOtherRuns(ctx, tx, caseID, run.ID, domain.RunMarkerSuperseded, now)
	if err != nil {
		return domain.Run{}, fmt.Errorf("supersede runs: %w", err)
	}
	if superseded > 0 {
		if err := e.Events.Append(ctx, tx, string(reducer.RunSuperseded), caseID, "run", run.ID, actorID,
			events.EventPayload{"superseded": superseded}); err != nil {
			return domain.Run{}, err
		}
	}
	if err := e.Events.Append(ctx, tx, string(reducer.RunStarted), caseID, "run", run.ID, actorID,
		events.EventPayload{"trigger": trigger}); err != nil {
		return domain.Run{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Run{}, err
	}
	return run, nil
}

// ReapStaleRuns fails every non-terminal run whose heartbeat is older than
// the configured staleness window and parks its case for review. Each run is
// reaped in its own transaction so one bad row cannot wedge the sweep.
func (e Engine) ReapStaleRuns(ctx context.Context, actorID string) ([]domain.Run, error) {
	if e.Config == nil {
		return nil, errors.New("config not loaded")
	}
	cutoff := e.now().UTC().
		Add(-time.Duration(e.Config.Runtime.RunStalenessMinutes) * time.Minute).
		Format(time.RFC3339)
	stale, err := e.Repo.ListStaleRuns(ctx, cutoff, 0)
	if err != nil {
		return nil, err
	}
	var reaped []domain.Run
	for _, run := range stale {
		if err := e.reapRun(ctx, run, actorID); err != nil {
			return reaped, fmt.Errorf("reap run %s: %w", run.ID, err)
		}
		reaped = append(reaped, run)
	}
	return reaped, nil
}

func (e Engine) reapRun(ctx context.Context, run domain.Run, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := e.applyEventTx(ctx, tx, run.CaseID, reducer.Event{
		Type:   reducer.StaleRunCleaned,
		RunID:  run.ID,
		Reason: "no heartbeat within staleness window",
	}, actorID); err != nil {
		return err
	}
	if _, err := e.applyEventTx(ctx, tx, run.CaseID, reducer.Event{
		Type:        reducer.CaseNeedsReview,
		PauseReason: domain.PauseRunFailed,
	}, actorID); err != nil {
		return err
	}
	return tx.Commit()
}

// RecordInboundMessage stores an inbound message and, when the case is out in
// the field, moves it to responded so the next run sees fresh correspondence.
func (e Engine) RecordInboundMessage(ctx context.Context, caseID, subject, body, actorID string) (domain.Message, error) {
	if body == "" {
		return domain.Message{}, errors.New("body is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Message{}, err
	}
	defer tx.Rollback()

	c, err := e.Repo.GetCaseTx(ctx, tx, caseID)
	if err != nil {
		return domain.Message{}, err
	}
	if domain.IsTerminalCaseStatus(c.Status) {
		return domain.Message{}, fmt.Errorf("%w: %s", ErrCaseClosed, c.Status)
	}

	msg := domain.Message{
		ID:        uuid.NewString(),
		CaseID:    caseID,
		Direction: "inbound",
		Subject:   subject,
		Body:      body,
		CreatedAt: e.nowStr(),
	}
	if err := e.Repo.InsertMessage(ctx, tx, msg); err != nil {
		return domain.Message{}, fmt.Errorf("insert message: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "MESSAGE_RECEIVED", caseID, "message", msg.ID, actorID,
		events.EventPayload{"subject": subject}); err != nil {
		return domain.Message{}, err
	}
	if c.Status == domain.CaseSent || c.Status == domain.CaseAwaitingResponse {
		if _, err := e.applyEventTx(ctx, tx, caseID, reducer.Event{
			Type:      reducer.CaseResponseRecorded,
			Substatus: "response_received",
		}, actorID); err != nil {
			return domain.Message{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Message{}, err
	}
	return msg, nil
}

// RecordOutboundMessage stores a copy of correspondence the executor sent.
func (e Engine) RecordOutboundMessage(ctx context.Context, tx *sql.Tx, caseID, subject, body string) (domain.Message, error) {
	msg := domain.Message{
		ID:        uuid.NewString(),
		CaseID:    caseID,
		Direction: "outbound",
		Subject:   subject,
		Body:      body,
		CreatedAt: e.nowStr(),
	}
	if err := e.Repo.InsertMessage(ctx, tx, msg); err != nil {
		return domain.Message{}, fmt.Errorf("insert message: %w", err)
	}
	return msg, nil
}

// CancelPortalTask closes an open portal task; the case falls back to sent
// with the reason recorded as substatus.
func (e Engine) CancelPortalTask(ctx context.Context, taskID, reason, actorID string) (domain.PortalTask, error) {
	task, err := e.Repo.GetPortalTask(ctx, taskID)
	if err != nil {
		return domain.PortalTask{}, err
	}
	switch task.Status {
	case domain.PortalPending, domain.PortalInProgress:
	default:
		return domain.PortalTask{}, fmt.Errorf("portal task %s is %s, not open", taskID, task.Status)
	}
	if reason == "" {
		reason = "portal_cancelled"
	}
	if _, err := e.ApplyEvent(ctx, task.CaseID, reducer.Event{
		Type:         reducer.PortalTaskCancelled,
		PortalTaskID: taskID,
		Reason:       reason,
	}, actorID); err != nil {
		return domain.PortalTask{}, err
	}
	return e.Repo.GetPortalTask(ctx, taskID)
}

// CompleteCase closes a case successfully.
func (e Engine) CompleteCase(ctx context.Context, caseID, note, actorID string) error {
	return e.closeCase(ctx, caseID, reducer.CaseCompleted, note, actorID)
}

// CancelCase abandons a case.
func (e Engine) CancelCase(ctx context.Context, caseID, note, actorID string) error {
	return e.closeCase(ctx, caseID, reducer.CaseCancelled, note, actorID)
}

// closeCase applies a terminal transition, rejecting cases that already ended.
func (e Engine) closeCase(ctx context.Context, caseID string, evtType reducer.EventType, note, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	c, err := e.Repo.GetCaseTx(ctx, tx, caseID)
	if err != nil {
		return err
	}
	if domain.IsTerminalCaseStatus(c.Status) {
		return fmt.Errorf("%w: %s", ErrCaseClosed, c.Status)
	}
	if _, err := e.applyEventTx(ctx, tx, caseID, reducer.Event{Type: evtType, Substatus: note}, actorID); err != nil {
		return err
	}
	return tx.Commit()
}

// ReopenCase moves a paused or closed-by-mistake case back to the field.
func (e Engine) ReopenCase(ctx context.Context, caseID, note, actorID string) error {
	_, err := e.ApplyEvent(ctx, caseID, reducer.Event{Type: reducer.CaseReopened, Substatus: note}, actorID)
	return err
}

// ScheduleFollowUp installs or replaces the follow-up schedule for a case.
func (e Engine) ScheduleFollowUp(ctx context.Context, caseID string, intervalDays int, actorID string) (domain.FollowUp, error) {
	if intervalDays <= 0 && e.Config != nil {
		intervalDays = e.Config.Runtime.FollowupIntervalDays
	}
	if intervalDays <= 0 {
		return domain.FollowUp{}, errors.New("interval_days must be positive")
	}
	nextAt := e.now().UTC().AddDate(0, 0, intervalDays).Format(time.RFC3339)
	if _, err := e.ApplyEvent(ctx, caseID, reducer.Event{
		Type:         reducer.FollowupScheduled,
		NextAt:       nextAt,
		IntervalDays: intervalDays,
	}, actorID); err != nil {
		return domain.FollowUp{}, err
	}
	return e.Repo.GetFollowUp(ctx, caseID)
}

// CreateAPIKey mints a key, stores only its hash, and returns the raw key
// once. There is no way to recover it later.
func (e Engine) CreateAPIKey(ctx context.Context, actorID, name string) (domain.APIKey, string, error) {
	if actorID == "" {
		return domain.APIKey{}, "", errors.New("actor_id is required")
	}
	raw := uuid.NewString() + uuid.NewString()
	key := domain.APIKey{
		ID:        uuid.NewString(),
		ActorID:   actorID,
		Name:      name,
		KeyHash:   repo.HashAPIKey(raw),
		CreatedAt: e.nowStr(),
	}
	if err := e.Repo.InsertAPIKey(ctx, nil, key); err != nil {
		return domain.APIKey{}, "", err
	}
	return key, raw, nil
}

// ImportConfig validates and installs a workspace config.
func (e Engine) ImportConfig(ctx context.Context, cfg *config.Config) error {
	return e.Repo.UpsertWorkspaceConfig(ctx, cfg)
}
