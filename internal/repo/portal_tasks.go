package repo

import (
	"context"
	"database/sql"

	"caseline/internal/domain"
)

const portalTaskColumns = `id,case_id,proposal_id,status,COALESCE(portal_url,''),COALESCE(detail,''),created_at,updated_at`

func scanPortalTask(scan func(dest ...any) error) (domain.PortalTask, error) {
	var t domain.PortalTask
	var proposalID sql.NullString
	err := scan(&t.ID, &t.CaseID, &proposalID, &t.Status, &t.PortalURL, &t.Detail, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if proposalID.Valid {
		t.ProposalID = &proposalID.String
	}
	return t, err
}

func (r Repo) InsertPortalTask(ctx context.Context, tx *sql.Tx, t domain.PortalTask) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO portal_tasks(id,case_id,proposal_id,status,portal_url,detail,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?)`,
		t.ID, t.CaseID, nullableStringPtr(t.ProposalID), t.Status,
		nullable(t.PortalURL), nullable(t.Detail), t.CreatedAt, t.UpdatedAt)
	return err
}

func (r Repo) GetPortalTask(ctx context.Context, id string) (domain.PortalTask, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+portalTaskColumns+` FROM portal_tasks WHERE id=?`, id)
	return scanPortalTask(row.Scan)
}

func (r Repo) GetPortalTaskTx(ctx context.Context, tx *sql.Tx, id string) (domain.PortalTask, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+portalTaskColumns+` FROM portal_tasks WHERE id=?`, id)
	return scanPortalTask(row.Scan)
}

func (r Repo) ListPortalTasks(ctx context.Context, caseID string) ([]domain.PortalTask, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+portalTaskColumns+` FROM portal_tasks WHERE case_id=? ORDER BY created_at DESC, id DESC`, caseID)
	if err != nil {
		return nil, err
	}
	return collectPortalTasks(rows)
}

func (r Repo) ListPortalTasksTx(ctx context.Context, tx *sql.Tx, caseID string) ([]domain.PortalTask, error) {
	rows, err := tx.QueryContext(ctx, `SELECT `+portalTaskColumns+` FROM portal_tasks WHERE case_id=? ORDER BY created_at DESC, id DESC`, caseID)
	if err != nil {
		return nil, err
	}
	return collectPortalTasks(rows)
}

func collectPortalTasks(rows *sql.Rows) ([]domain.PortalTask, error) {
	defer rows.Close()
	var res []domain.PortalTask
	for rows.Next() {
		t, err := scanPortalTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}
