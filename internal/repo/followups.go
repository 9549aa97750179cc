package repo

import (
	"context"
	"database/sql"

	"caseline/internal/domain"
)

const followUpColumns = `case_id,status,next_at,interval_days,attempts,updated_at`

func scanFollowUp(scan func(dest ...any) error) (domain.FollowUp, error) {
	var f domain.FollowUp
	err := scan(&f.CaseID, &f.Status, &f.NextAt, &f.IntervalDays, &f.Attempts, &f.UpdatedAt)
	if err == sql.ErrNoRows {
		return f, ErrNotFound
	}
	return f, err
}

// UpsertFollowUp installs or replaces the single follow-up row for a case.
func (r Repo) UpsertFollowUp(ctx context.Context, tx *sql.Tx, f domain.FollowUp) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO followups(case_id,status,next_at,interval_days,attempts,updated_at)
VALUES (?,?,?,?,?,?)
ON CONFLICT(case_id) DO UPDATE SET
  status=excluded.status,
  next_at=excluded.next_at,
  interval_days=excluded.interval_days,
  attempts=excluded.attempts,
  updated_at=excluded.updated_at`,
		f.CaseID, f.Status, f.NextAt, f.IntervalDays, f.Attempts, f.UpdatedAt)
	return err
}

func (r Repo) GetFollowUp(ctx context.Context, caseID string) (domain.FollowUp, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+followUpColumns+` FROM followups WHERE case_id=?`, caseID)
	return scanFollowUp(row.Scan)
}

func (r Repo) GetFollowUpTx(ctx context.Context, tx *sql.Tx, caseID string) (domain.FollowUp, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+followUpColumns+` FROM followups WHERE case_id=?`, caseID)
	return scanFollowUp(row.Scan)
}

// ListDueFollowUps returns scheduled follow-ups whose next_at has passed,
// oldest first.
func (r Repo) ListDueFollowUps(ctx context.Context, now string, limit int) ([]domain.FollowUp, error) {
	query := `SELECT ` + followUpColumns + ` FROM followups
WHERE status=? AND next_at <= ? ORDER BY next_at ASC`
	args := []any{domain.FollowUpScheduled, now}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.FollowUp
	for rows.Next() {
		f, err := scanFollowUp(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, f)
	}
	return res, rows.Err()
}
