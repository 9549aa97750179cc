package repo

import (
	"context"
	"database/sql"

	"caseline/internal/domain"
)

// InsertExecution appends to the immutable audit trail. Rows are never
// updated or deleted.
func (r Repo) InsertExecution(ctx context.Context, tx *sql.Tx, e domain.ExecutionRecord) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO executions(execution_key,proposal_id,case_id,action_type,outcome,provider_id,detail_json,created_at)
VALUES (?,?,?,?,?,?,?,?)`,
		e.ExecutionKey, e.ProposalID, e.CaseID, e.ActionType, e.Outcome,
		nullable(e.ProviderID), nullable(e.DetailJSON), e.CreatedAt)
	return err
}

func (r Repo) ListExecutions(ctx context.Context, caseID string, limit int) ([]domain.ExecutionRecord, error) {
	query := `SELECT id,execution_key,proposal_id,case_id,action_type,outcome,COALESCE(provider_id,''),COALESCE(detail_json,''),created_at
FROM executions WHERE case_id=? ORDER BY created_at DESC, id DESC`
	args := []any{caseID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ExecutionRecord
	for rows.Next() {
		var e domain.ExecutionRecord
		if err := rows.Scan(&e.ID, &e.ExecutionKey, &e.ProposalID, &e.CaseID, &e.ActionType, &e.Outcome, &e.ProviderID, &e.DetailJSON, &e.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LastOutboundAt returns the timestamp of the newest successful outbound
// execution for a case. Drives the cooldown check.
func (r Repo) LastOutboundAt(ctx context.Context, caseID string) (string, error) {
	var ts string
	err := r.DB.QueryRowContext(ctx, `SELECT created_at FROM executions
WHERE case_id=? AND outcome='success' AND action_type IN (?,?,?,?)
ORDER BY created_at DESC LIMIT 1`,
		caseID, domain.ActionSendReply, domain.ActionSendFollowup,
		domain.ActionNegotiateFee, domain.ActionAppealDenial).Scan(&ts)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return ts, err
}

// SuccessfulExecution fetches the success audit row for an execution key, if
// one exists. A hit means the side effect fired even if the proposal row was
// never marked; skipped and failed attempts do not count.
func (r Repo) SuccessfulExecution(ctx context.Context, executionKey string) (domain.ExecutionRecord, error) {
	var e domain.ExecutionRecord
	err := r.DB.QueryRowContext(ctx, `SELECT id,execution_key,proposal_id,case_id,action_type,outcome,COALESCE(provider_id,''),COALESCE(detail_json,''),created_at
FROM executions WHERE execution_key=? AND outcome='success' ORDER BY id DESC LIMIT 1`, executionKey).
		Scan(&e.ID, &e.ExecutionKey, &e.ProposalID, &e.CaseID, &e.ActionType, &e.Outcome, &e.ProviderID, &e.DetailJSON, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	return e, err
}
