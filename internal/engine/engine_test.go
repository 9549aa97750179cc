package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"caseline/internal/config"
	"caseline/internal/db"
	"caseline/internal/domain"
	"caseline/internal/engine"
	"caseline/internal/migrate"
	"caseline/internal/reducer"
	"caseline/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

var testClock = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	cfg := config.Default("caseline-test")
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return testClock }
	return &testEnv{Engine: eng, Ctx: context.Background()}
}

func (env *testEnv) createCase(t *testing.T, id string) domain.Case {
	t.Helper()
	c, err := env.Engine.CreateCase(env.Ctx, engine.CaseCreateOptions{
		ID:      id,
		Name:    "Records request " + id,
		ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("create case: %v", err)
	}
	return c
}

func TestRunSupersession(t *testing.T) {
	env := newTestEnv(t)
	env.createCase(t, "case-1")

	first, err := env.Engine.StartRun(env.Ctx, "case-1", domain.TriggerManual, "tester")
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	second, err := env.Engine.StartRun(env.Ctx, "case-1", domain.TriggerInboundMessage, "tester")
	if err != nil {
		t.Fatalf("second run: %v", err)
	}

	old, err := env.Engine.Repo.GetRun(env.Ctx, first.ID)
	if err != nil {
		t.Fatalf("get first run: %v", err)
	}
	if old.Status != domain.RunCancelled {
		t.Fatalf("superseded run status = %s", old.Status)
	}
	if old.Marker == nil || *old.Marker != domain.RunMarkerSuperseded {
		t.Fatalf("superseded run marker = %+v", old.Marker)
	}

	runs, err := env.Engine.Repo.ListRuns(env.Ctx, "case-1", 10)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	live := 0
	for _, r := range runs {
		if !domain.IsTerminalRunStatus(r.Status) {
			live++
			if r.ID != second.ID {
				t.Fatalf("unexpected live run %s", r.ID)
			}
		}
	}
	if live != 1 {
		t.Fatalf("expected exactly one live run, got %d", live)
	}
}

func TestStartRunRejectsClosedCase(t *testing.T) {
	env := newTestEnv(t)
	env.createCase(t, "case-1")
	if err := env.Engine.CompleteCase(env.Ctx, "case-1", "done", "tester"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	_, err := env.Engine.StartRun(env.Ctx, "case-1", domain.TriggerManual, "tester")
	if !errors.Is(err, engine.ErrCaseClosed) {
		t.Fatalf("expected ErrCaseClosed, got %v", err)
	}
}

func TestReapStaleRuns(t *testing.T) {
	env := newTestEnv(t)
	env.createCase(t, "case-1")
	run, err := env.Engine.StartRun(env.Ctx, "case-1", domain.TriggerManual, "tester")
	if err != nil {
		t.Fatalf("start run: %v", err)
	}

	// Jump past the staleness window with no heartbeat.
	env.Engine.Now = func() time.Time { return testClock.Add(3 * time.Hour) }
	reaped, err := env.Engine.ReapStaleRuns(env.Ctx, "reaper")
	if err != nil {
		t.Fatalf("reap: %v", err)
	}
	if len(reaped) != 1 || reaped[0].ID != run.ID {
		t.Fatalf("expected one reaped run, got %+v", reaped)
	}

	got, err := env.Engine.Repo.GetRun(env.Ctx, run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got.Status != domain.RunFailed {
		t.Fatalf("reaped run status = %s", got.Status)
	}
	if got.Marker == nil || *got.Marker != domain.RunMarkerStale {
		t.Fatalf("reaped run marker = %+v", got.Marker)
	}

	c, err := env.Engine.Repo.GetCase(env.Ctx, "case-1")
	if err != nil {
		t.Fatalf("get case: %v", err)
	}
	if c.Status != domain.CaseNeedsHumanReview || !c.RequiresHuman {
		t.Fatalf("case not parked for review: %+v", c)
	}
	if c.PauseReason == nil || *c.PauseReason != domain.PauseRunFailed {
		t.Fatalf("pause reason = %+v", c.PauseReason)
	}
}

func TestHeartbeatKeepsRunAlive(t *testing.T) {
	env := newTestEnv(t)
	env.createCase(t, "case-1")
	run, err := env.Engine.StartRun(env.Ctx, "case-1", domain.TriggerManual, "tester")
	if err != nil {
		t.Fatalf("start run: %v", err)
	}
	later := testClock.Add(3 * time.Hour)
	if err := env.Engine.Repo.TouchRun(env.Ctx, run.ID, later.UTC().Format(time.RFC3339)); err != nil {
		t.Fatalf("touch: %v", err)
	}
	env.Engine.Now = func() time.Time { return later }
	reaped, err := env.Engine.ReapStaleRuns(env.Ctx, "reaper")
	if err != nil {
		t.Fatalf("reap: %v", err)
	}
	if len(reaped) != 0 {
		t.Fatalf("touched run must not be reaped: %+v", reaped)
	}
}

func TestInboundMessageMarksResponded(t *testing.T) {
	env := newTestEnv(t)
	env.createCase(t, "case-1")
	if _, err := env.Engine.ApplyEvent(env.Ctx, "case-1", reducer.Event{
		Type: reducer.CaseSent, Substatus: "send_reply",
	}, "tester"); err != nil {
		t.Fatalf("mark sent: %v", err)
	}

	msg, err := env.Engine.RecordInboundMessage(env.Ctx, "case-1", "RE: request", "records attached", "tester")
	if err != nil {
		t.Fatalf("record inbound: %v", err)
	}
	if msg.Direction != "inbound" {
		t.Fatalf("direction = %s", msg.Direction)
	}

	c, err := env.Engine.Repo.GetCase(env.Ctx, "case-1")
	if err != nil {
		t.Fatalf("get case: %v", err)
	}
	if c.Status != domain.CaseResponded {
		t.Fatalf("expected responded, got %s", c.Status)
	}
	msgs, err := env.Engine.Repo.ListMessages(env.Ctx, "case-1", 10)
	if err != nil || len(msgs) != 1 {
		t.Fatalf("expected one stored message, got %d (%v)", len(msgs), err)
	}
}

func TestInboundMessageRejectedOnClosedCase(t *testing.T) {
	env := newTestEnv(t)
	env.createCase(t, "case-1")
	if err := env.Engine.CancelCase(env.Ctx, "case-1", "dup", "tester"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	_, err := env.Engine.RecordInboundMessage(env.Ctx, "case-1", "", "too late", "tester")
	if !errors.Is(err, engine.ErrCaseClosed) {
		t.Fatalf("expected ErrCaseClosed, got %v", err)
	}
}

func TestCompleteCascades(t *testing.T) {
	env := newTestEnv(t)
	env.createCase(t, "case-1")
	if _, err := env.Engine.ApplyEvent(env.Ctx, "case-1", reducer.Event{
		Type: reducer.CaseSent, Substatus: "send_reply",
	}, "tester"); err != nil {
		t.Fatalf("mark sent: %v", err)
	}
	if _, err := env.Engine.ScheduleFollowUp(env.Ctx, "case-1", 7, "tester"); err != nil {
		t.Fatalf("schedule follow-up: %v", err)
	}
	now := testClock.UTC().Format(time.RFC3339)
	if _, err := env.Engine.ApplyEvent(env.Ctx, "case-1", reducer.Event{
		Type: reducer.ProposalCreated,
		Proposal: &domain.Proposal{
			ID: "prop-1", CaseID: "case-1", ProposalKey: "k1",
			ActionType: domain.ActionSendFollowup, Status: domain.ProposalPendingApproval,
			CreatedAt: now, UpdatedAt: now,
		},
	}, "tester"); err != nil {
		t.Fatalf("seed proposal: %v", err)
	}

	if err := env.Engine.CompleteCase(env.Ctx, "case-1", "records received", "tester"); err != nil {
		t.Fatalf("complete: %v", err)
	}

	c, _ := env.Engine.Repo.GetCase(env.Ctx, "case-1")
	if c.Status != domain.CaseCompleted {
		t.Fatalf("case status = %s", c.Status)
	}
	p, err := env.Engine.Repo.GetProposal(env.Ctx, "prop-1")
	if err != nil {
		t.Fatalf("get proposal: %v", err)
	}
	if p.Status != domain.ProposalDismissed {
		t.Fatalf("completion must dismiss active proposals, got %s", p.Status)
	}
	f, err := env.Engine.Repo.GetFollowUp(env.Ctx, "case-1")
	if err != nil {
		t.Fatalf("get follow-up: %v", err)
	}
	if f.Status != domain.FollowUpCancelled {
		t.Fatalf("completion must cancel the follow-up, got %s", f.Status)
	}
}

func TestCancelPortalTaskFallsBack(t *testing.T) {
	env := newTestEnv(t)
	env.createCase(t, "case-1")
	now := testClock.UTC().Format(time.RFC3339)
	if _, err := env.Engine.ApplyEvent(env.Ctx, "case-1", reducer.Event{
		Type: reducer.PortalTaskOpened,
		PortalTask: &domain.PortalTask{
			ID: "task-1", CaseID: "case-1", Status: domain.PortalPending,
			PortalURL: "https://portal.example.gov/req/1", CreatedAt: now, UpdatedAt: now,
		},
	}, "tester"); err != nil {
		t.Fatalf("open portal task: %v", err)
	}

	task, err := env.Engine.CancelPortalTask(env.Ctx, "task-1", "portal unreachable", "tester")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if task.Status != domain.PortalCancelled {
		t.Fatalf("task status = %s", task.Status)
	}
	c, _ := env.Engine.Repo.GetCase(env.Ctx, "case-1")
	if c.Status != domain.CaseSent {
		t.Fatalf("expected fallback to sent, got %s", c.Status)
	}
	// A closed task cannot be cancelled twice.
	if _, err := env.Engine.CancelPortalTask(env.Ctx, "task-1", "again", "tester"); err == nil {
		t.Fatalf("expected error on double cancel")
	}
}

func TestCreateAPIKeyStoresHashOnly(t *testing.T) {
	env := newTestEnv(t)
	key, raw, err := env.Engine.CreateAPIKey(env.Ctx, "ops", "cron")
	if err != nil {
		t.Fatalf("create key: %v", err)
	}
	if raw == "" || raw == key.KeyHash {
		t.Fatalf("raw key must be returned and never stored verbatim")
	}
	got, err := env.Engine.Repo.GetAPIKeyByHash(env.Ctx, repo.HashAPIKey(raw))
	if err != nil {
		t.Fatalf("lookup by hash: %v", err)
	}
	if got.ActorID != "ops" {
		t.Fatalf("actor = %s", got.ActorID)
	}
}

func TestActivityLogAppended(t *testing.T) {
	env := newTestEnv(t)
	env.createCase(t, "case-1")
	if _, err := env.Engine.StartRun(env.Ctx, "case-1", domain.TriggerManual, "tester"); err != nil {
		t.Fatalf("start run: %v", err)
	}
	events, err := env.Engine.Repo.LatestEvents(env.Ctx, 10, "case-1", "", "", "")
	if err != nil {
		t.Fatalf("latest events: %v", err)
	}
	seen := map[string]bool{}
	for _, evt := range events {
		seen[evt.Type] = true
	}
	if !seen["CASE_CREATED"] || !seen["RUN_STARTED"] {
		t.Fatalf("expected CASE_CREATED and RUN_STARTED in the log, got %+v", seen)
	}
}
