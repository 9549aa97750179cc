package repo_test

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"

	"caseline/internal/db"
	"caseline/internal/domain"
	"caseline/internal/migrate"
	"caseline/internal/repo"
)

const testNow = "2024-03-01T12:00:00Z"

func newTestRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return repo.Repo{DB: conn}
}

func inTx(t *testing.T, r repo.Repo, fn func(tx *sql.Tx) error) {
	t.Helper()
	tx, err := r.DB.BeginTx(context.Background(), nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		t.Fatalf("tx body: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func seedCase(t *testing.T, r repo.Repo, id, status string) {
	t.Helper()
	inTx(t, r, func(tx *sql.Tx) error {
		return r.InsertCase(context.Background(), tx, domain.Case{
			ID:        id,
			Name:      "Records request " + id,
			Status:    status,
			CreatedAt: testNow,
			UpdatedAt: testNow,
		})
	})
}

func seedProposal(t *testing.T, r repo.Repo, p domain.Proposal) {
	t.Helper()
	if p.CreatedAt == "" {
		p.CreatedAt = testNow
	}
	if p.UpdatedAt == "" {
		p.UpdatedAt = testNow
	}
	inTx(t, r, func(tx *sql.Tx) error {
		return r.UpsertProposal(context.Background(), tx, p)
	})
}

func TestProposalUpsertKeepsIdentity(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	seedCase(t, r, "case-1", domain.CaseDraft)

	seedProposal(t, r, domain.Proposal{
		ID: "prop-a", CaseID: "case-1", ProposalKey: "key-1",
		ActionType: domain.ActionSendReply, Status: domain.ProposalDraft,
		DraftBody: "first draft", Confidence: 0.8,
	})
	// Re-drafting with the same key must merge, not duplicate.
	seedProposal(t, r, domain.Proposal{
		ID: "prop-b", CaseID: "case-1", ProposalKey: "key-1",
		ActionType: domain.ActionSendReply, Status: domain.ProposalDraft,
		DraftBody: "second draft", Confidence: 0.9,
	})

	all, err := r.ListProposals(ctx, "case-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected one row, got %d", len(all))
	}
	if all[0].ID != "prop-a" {
		t.Fatalf("identity must survive the upsert, got id %s", all[0].ID)
	}
	if all[0].DraftBody != "second draft" || all[0].Confidence != 0.9 {
		t.Fatalf("draft content must refresh, got %+v", all[0])
	}
}

func TestUpsertPreservesResumeTokenAndClaim(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	seedCase(t, r, "case-1", domain.CaseDraft)
	token := "tok-1"
	execKey := "exec-1"
	seedProposal(t, r, domain.Proposal{
		ID: "prop-a", CaseID: "case-1", ProposalKey: "key-1",
		ActionType: domain.ActionSendReply, Status: domain.ProposalPendingApproval,
		ResumeToken: &token, ExecutionKey: &execKey,
	})
	seedProposal(t, r, domain.Proposal{
		ID: "prop-b", CaseID: "case-1", ProposalKey: "key-1",
		ActionType: domain.ActionSendReply, Status: domain.ProposalDraft,
	})
	p, err := r.GetProposalByKey(ctx, "key-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if p.ResumeToken == nil || *p.ResumeToken != "tok-1" {
		t.Fatalf("resume token must survive the upsert, got %+v", p.ResumeToken)
	}
	if p.ExecutionKey == nil || *p.ExecutionKey != "exec-1" {
		t.Fatalf("execution claim must survive the upsert, got %+v", p.ExecutionKey)
	}
}

func TestUpsertNeverRegressesExecuted(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	seedCase(t, r, "case-1", domain.CaseDraft)
	execKey := "exec-1"
	seedProposal(t, r, domain.Proposal{
		ID: "prop-a", CaseID: "case-1", ProposalKey: "key-1",
		ActionType: domain.ActionSendReply, Status: domain.ProposalExecuted,
		DraftBody: "sent text", ExecutionKey: &execKey,
	})
	// A retried run re-drafting onto the same key must find the permanent
	// record untouched, never a claimable draft.
	seedProposal(t, r, domain.Proposal{
		ID: "prop-b", CaseID: "case-1", ProposalKey: "key-1",
		ActionType: domain.ActionSendReply, Status: domain.ProposalDraft,
		DraftBody: "retry draft",
	})

	p, err := r.GetProposalByKey(ctx, "key-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if p.ID != "prop-a" || p.Status != domain.ProposalExecuted {
		t.Fatalf("executed row regressed: %+v", p)
	}
	if p.DraftBody != "sent text" {
		t.Fatalf("executed draft content rewritten: %q", p.DraftBody)
	}
	if p.ExecutionKey == nil || *p.ExecutionKey != "exec-1" {
		t.Fatalf("executed claim lost: %+v", p.ExecutionKey)
	}
}

func TestSuccessfulExecutionFiltersOutcomes(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	seedCase(t, r, "case-1", domain.CaseDraft)
	seedProposal(t, r, domain.Proposal{
		ID: "prop-1", CaseID: "case-1", ProposalKey: "key-1",
		ActionType: domain.ActionSendReply, Status: domain.ProposalDraft,
	})
	rec := func(outcome string) domain.ExecutionRecord {
		return domain.ExecutionRecord{
			ExecutionKey: "exec-1", ProposalID: "prop-1", CaseID: "case-1",
			ActionType: domain.ActionSendReply, Outcome: outcome, CreatedAt: testNow,
		}
	}
	inTx(t, r, func(tx *sql.Tx) error {
		if err := r.InsertExecution(ctx, tx, rec("skipped")); err != nil {
			return err
		}
		return r.InsertExecution(ctx, tx, rec("success"))
	})

	e, err := r.SuccessfulExecution(ctx, "exec-1")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if e.Outcome != "success" {
		t.Fatalf("outcome = %s", e.Outcome)
	}
	if _, err := r.SuccessfulExecution(ctx, "exec-2"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestClaimExecutionAtMostOnce(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	seedCase(t, r, "case-1", domain.CaseDraft)
	seedProposal(t, r, domain.Proposal{
		ID: "prop-1", CaseID: "case-1", ProposalKey: "key-1",
		ActionType: domain.ActionSendReply, Status: domain.ProposalDraft,
	})

	claim := func() error {
		tx, err := r.DB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		if err := r.ClaimExecution(ctx, tx, "prop-1", "exec-1", testNow); err != nil {
			return err
		}
		return tx.Commit()
	}

	if err := claim(); err != nil {
		t.Fatalf("first claim: %v", err)
	}
	if err := claim(); !errors.Is(err, repo.ErrAlreadyClaimed) {
		t.Fatalf("second claim: expected ErrAlreadyClaimed, got %v", err)
	}
}

func TestClaimExecutionConcurrent(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	seedCase(t, r, "case-1", domain.CaseDraft)
	seedProposal(t, r, domain.Proposal{
		ID: "prop-1", CaseID: "case-1", ProposalKey: "key-1",
		ActionType: domain.ActionSendFollowup, Status: domain.ProposalDraft,
	})

	const workers = 8
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tx, err := r.DB.BeginTx(ctx, nil)
			if err != nil {
				errs[i] = err
				return
			}
			defer tx.Rollback()
			if err := r.ClaimExecution(ctx, tx, "prop-1", "exec-1", testNow); err != nil {
				errs[i] = err
				return
			}
			errs[i] = tx.Commit()
		}(i)
	}
	wg.Wait()

	wins := 0
	for i, err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, repo.ErrAlreadyClaimed):
		default:
			t.Fatalf("worker %d: unexpected error %v", i, err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
}

func TestReleaseClaimSkipsExecuted(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	seedCase(t, r, "case-1", domain.CaseDraft)
	execKey := "exec-1"
	seedProposal(t, r, domain.Proposal{
		ID: "prop-1", CaseID: "case-1", ProposalKey: "key-1",
		ActionType: domain.ActionSendReply, Status: domain.ProposalExecuted,
		ExecutionKey: &execKey,
	})
	seedProposal(t, r, domain.Proposal{
		ID: "prop-2", CaseID: "case-1", ProposalKey: "key-2",
		ActionType: domain.ActionSendReply, Status: domain.ProposalBlocked,
		ExecutionKey: &execKey,
	})

	inTx(t, r, func(tx *sql.Tx) error {
		if err := r.ReleaseClaim(ctx, tx, "prop-1", testNow); err != nil {
			return err
		}
		return r.ReleaseClaim(ctx, tx, "prop-2", testNow)
	})

	executed, err := r.GetProposal(ctx, "prop-1")
	if err != nil {
		t.Fatalf("get executed: %v", err)
	}
	if executed.ExecutionKey == nil {
		t.Fatalf("an executed proposal's claim is permanent")
	}
	blocked, err := r.GetProposal(ctx, "prop-2")
	if err != nil {
		t.Fatalf("get blocked: %v", err)
	}
	if blocked.ExecutionKey != nil {
		t.Fatalf("a blocked proposal's claim must release, got %+v", blocked.ExecutionKey)
	}
}

func TestDismissActiveProposalsSparesKept(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	seedCase(t, r, "case-1", domain.CaseNeedsHumanReview)
	seedProposal(t, r, domain.Proposal{
		ID: "keep", CaseID: "case-1", ProposalKey: "k1",
		ActionType: domain.ActionSendReply, Status: domain.ProposalDecisionReceived,
	})
	seedProposal(t, r, domain.Proposal{
		ID: "pending", CaseID: "case-1", ProposalKey: "k2",
		ActionType: domain.ActionEscalate, Status: domain.ProposalPendingApproval,
	})
	seedProposal(t, r, domain.Proposal{
		ID: "done", CaseID: "case-1", ProposalKey: "k3",
		ActionType: domain.ActionSendReply, Status: domain.ProposalExecuted,
	})

	var swept int64
	inTx(t, r, func(tx *sql.Tx) error {
		var err error
		swept, err = r.DismissActiveProposals(ctx, tx, "case-1", "keep", testNow)
		return err
	})
	if swept != 1 {
		t.Fatalf("expected one dismissal, got %d", swept)
	}

	status := func(id string) string {
		p, err := r.GetProposal(ctx, id)
		if err != nil {
			t.Fatalf("get %s: %v", id, err)
		}
		return p.Status
	}
	if s := status("keep"); s != domain.ProposalDecisionReceived {
		t.Fatalf("kept proposal swept: %s", s)
	}
	if s := status("pending"); s != domain.ProposalDismissed {
		t.Fatalf("pending proposal not swept: %s", s)
	}
	if s := status("done"); s != domain.ProposalExecuted {
		t.Fatalf("executed proposal must be untouched: %s", s)
	}
}

func TestLoadSnapshotAggregates(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	seedCase(t, r, "case-1", domain.CaseSent)
	inTx(t, r, func(tx *sql.Tx) error {
		if err := r.InsertRun(ctx, tx, domain.Run{
			ID: "run-1", CaseID: "case-1", Status: domain.RunRunning,
			Trigger: domain.TriggerManual, StartedAt: testNow, UpdatedAt: testNow,
		}); err != nil {
			return err
		}
		if err := r.UpsertProposal(ctx, tx, domain.Proposal{
			ID: "prop-1", CaseID: "case-1", ProposalKey: "k1",
			ActionType: domain.ActionSendFollowup, Status: domain.ProposalPendingApproval,
			CreatedAt: testNow, UpdatedAt: testNow,
		}); err != nil {
			return err
		}
		return r.UpsertFollowUp(ctx, tx, domain.FollowUp{
			CaseID: "case-1", Status: domain.FollowUpScheduled,
			NextAt: "2024-03-08T12:00:00Z", IntervalDays: 7, UpdatedAt: testNow,
		})
	})

	var snap domain.Snapshot
	inTx(t, r, func(tx *sql.Tx) error {
		var err error
		snap, err = r.LoadSnapshot(ctx, tx, "case-1")
		return err
	})
	if snap.Case.ID != "case-1" {
		t.Fatalf("case missing: %+v", snap.Case)
	}
	if snap.ActiveRun == nil || snap.ActiveRun.ID != "run-1" {
		t.Fatalf("active run missing: %+v", snap.ActiveRun)
	}
	if p := snap.ActiveProposal(); p == nil || p.ID != "prop-1" {
		t.Fatalf("active proposal missing: %+v", p)
	}
	if snap.FollowUp == nil || snap.FollowUp.IntervalDays != 7 {
		t.Fatalf("follow-up missing: %+v", snap.FollowUp)
	}
}

func TestCaseFilters(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	seedCase(t, r, "a", domain.CaseDraft)
	seedCase(t, r, "b", domain.CaseSent)
	seedCase(t, r, "c", domain.CaseSent)

	sent, err := r.ListCases(ctx, repo.CaseFilters{Status: domain.CaseSent, Limit: 10})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(sent) != 2 {
		t.Fatalf("expected two sent cases, got %d", len(sent))
	}
	counts, err := r.CountCasesByStatus(ctx)
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts[domain.CaseDraft] != 1 || counts[domain.CaseSent] != 2 {
		t.Fatalf("unexpected counts: %+v", counts)
	}
}
