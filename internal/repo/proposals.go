package repo

import (
	"context"
	"database/sql"
	"errors"

	"caseline/internal/domain"
)

// ErrAlreadyClaimed means another worker holds the execution claim for a
// proposal. Callers must treat this as "do not send".
var ErrAlreadyClaimed = errors.New("execution already claimed")

const proposalColumns = `id,case_id,proposal_key,action_type,status,
COALESCE(draft_subject,''),COALESCE(draft_body,''),COALESCE(reasoning_json,''),confidence,
execution_key,resume_token,decision,decision_note,
adjustment_count,can_auto_execute,requires_human,
COALESCE(run_id,''),COALESCE(trigger_id,''),created_at,updated_at`

func scanProposal(scan func(dest ...any) error) (domain.Proposal, error) {
	var p domain.Proposal
	var execKey, token, decision, note sql.NullString
	err := scan(&p.ID, &p.CaseID, &p.ProposalKey, &p.ActionType, &p.Status,
		&p.DraftSubject, &p.DraftBody, &p.ReasoningJSON, &p.Confidence,
		&execKey, &token, &decision, &note,
		&p.AdjustmentCount, &p.CanAutoExecute, &p.RequiresHuman,
		&p.RunID, &p.TriggerID, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if execKey.Valid {
		p.ExecutionKey = &execKey.String
	}
	if token.Valid {
		p.ResumeToken = &token.String
	}
	if decision.Valid {
		p.Decision = &decision.String
	}
	if note.Valid {
		p.DecisionNote = &note.String
	}
	return p, err
}

// UpsertProposal inserts a proposal or, when a row with the same proposal_key
// exists, refreshes its draft content and status in place. Identity, audit
// fields, and any execution claim on the existing row are preserved, which is
// what makes retried runs idempotent. An EXECUTED row is never rewritten: once
// the side effect fired the row is a permanent record, and a retry must find
// it EXECUTED rather than regress it to a claimable draft.
func (r Repo) UpsertProposal(ctx context.Context, tx *sql.Tx, p domain.Proposal) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO proposals(
id,case_id,proposal_key,action_type,status,draft_subject,draft_body,reasoning_json,confidence,
execution_key,resume_token,decision,decision_note,adjustment_count,can_auto_execute,requires_human,
run_id,trigger_id,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(proposal_key) DO UPDATE SET
  action_type=excluded.action_type,
  status=excluded.status,
  draft_subject=excluded.draft_subject,
  draft_body=excluded.draft_body,
  reasoning_json=excluded.reasoning_json,
  confidence=excluded.confidence,
  can_auto_execute=excluded.can_auto_execute,
  requires_human=excluded.requires_human,
  run_id=excluded.run_id,
  updated_at=excluded.updated_at
WHERE proposals.status != ?`,
		p.ID, p.CaseID, p.ProposalKey, p.ActionType, p.Status,
		nullable(p.DraftSubject), nullable(p.DraftBody), nullable(p.ReasoningJSON), p.Confidence,
		nullableStringPtr(p.ExecutionKey), nullableStringPtr(p.ResumeToken),
		nullableStringPtr(p.Decision), nullableStringPtr(p.DecisionNote),
		p.AdjustmentCount, p.CanAutoExecute, p.RequiresHuman,
		nullable(p.RunID), nullable(p.TriggerID), p.CreatedAt, p.UpdatedAt,
		domain.ProposalExecuted)
	return err
}

func (r Repo) GetProposal(ctx context.Context, id string) (domain.Proposal, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+proposalColumns+` FROM proposals WHERE id=?`, id)
	return scanProposal(row.Scan)
}

func (r Repo) GetProposalByKey(ctx context.Context, key string) (domain.Proposal, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+proposalColumns+` FROM proposals WHERE proposal_key=?`, key)
	return scanProposal(row.Scan)
}

// ProposalByResumeToken resolves an opaque resume token. The partial unique
// index on resume_token guarantees at most one match.
func (r Repo) ProposalByResumeToken(ctx context.Context, token string) (domain.Proposal, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+proposalColumns+` FROM proposals WHERE resume_token=?`, token)
	return scanProposal(row.Scan)
}

func (r Repo) ListProposals(ctx context.Context, caseID string) ([]domain.Proposal, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+proposalColumns+` FROM proposals WHERE case_id=? ORDER BY created_at DESC, id DESC`, caseID)
	if err != nil {
		return nil, err
	}
	return collectProposals(rows)
}

func (r Repo) ListProposalsTx(ctx context.Context, tx *sql.Tx, caseID string) ([]domain.Proposal, error) {
	rows, err := tx.QueryContext(ctx, `SELECT `+proposalColumns+` FROM proposals WHERE case_id=? ORDER BY created_at DESC, id DESC`, caseID)
	if err != nil {
		return nil, err
	}
	return collectProposals(rows)
}

func collectProposals(rows *sql.Rows) ([]domain.Proposal, error) {
	defer rows.Close()
	var res []domain.Proposal
	for rows.Next() {
		p, err := scanProposal(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// ClaimExecution installs the execution key via compare-and-set. Exactly one
// caller per proposal ever gets a nil error; everyone else sees
// ErrAlreadyClaimed. The claim must be installed before the side effect fires.
func (r Repo) ClaimExecution(ctx context.Context, tx *sql.Tx, proposalID, executionKey, now string) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE proposals SET execution_key=?, updated_at=? WHERE id=? AND execution_key IS NULL`,
		executionKey, now, proposalID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrAlreadyClaimed
	}
	return nil
}

// ReleaseClaim clears a claim after a failed attempt so a later retry can
// claim again. Never called once the proposal is EXECUTED.
func (r Repo) ReleaseClaim(ctx context.Context, tx *sql.Tx, proposalID, now string) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE proposals SET execution_key=NULL, updated_at=? WHERE id=? AND status != ?`,
		now, proposalID, domain.ProposalExecuted)
	return err
}

// DismissActiveProposals moves every in-flight proposal for the case to
// DISMISSED, sparing keepID (the proposal that caused the transition).
func (r Repo) DismissActiveProposals(ctx context.Context, tx *sql.Tx, caseID, keepID, now string) (int64, error) {
	query := `UPDATE proposals SET status=?, updated_at=? WHERE case_id=? AND status IN (?,?,?,?)`
	args := []any{domain.ProposalDismissed, now, caseID,
		domain.ProposalPendingApproval, domain.ProposalBlocked,
		domain.ProposalDecisionReceived, domain.ProposalPendingPortal}
	if keepID != "" {
		query += ` AND id != ?`
		args = append(args, keepID)
	}
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
