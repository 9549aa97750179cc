package repo

import (
	"context"
	"database/sql"

	"caseline/internal/domain"
)

const runColumns = `id,case_id,status,trigger_type,marker,error,started_at,updated_at,ended_at`

func scanRun(scan func(dest ...any) error) (domain.Run, error) {
	var run domain.Run
	var marker, runErr, endedAt sql.NullString
	err := scan(&run.ID, &run.CaseID, &run.Status, &run.Trigger, &marker, &runErr, &run.StartedAt, &run.UpdatedAt, &endedAt)
	if err == sql.ErrNoRows {
		return run, ErrNotFound
	}
	if marker.Valid {
		run.Marker = &marker.String
	}
	if runErr.Valid {
		run.Error = &runErr.String
	}
	if endedAt.Valid {
		run.EndedAt = &endedAt.String
	}
	return run, err
}

func (r Repo) InsertRun(ctx context.Context, tx *sql.Tx, run domain.Run) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO runs(id,case_id,status,trigger_type,marker,error,started_at,updated_at,ended_at)
VALUES (?,?,?,?,?,?,?,?,?)`,
		run.ID, run.CaseID, run.Status, run.Trigger,
		nullableStringPtr(run.Marker), nullableStringPtr(run.Error),
		run.StartedAt, run.UpdatedAt, nullableStringPtr(run.EndedAt))
	return err
}

func (r Repo) GetRun(ctx context.Context, id string) (domain.Run, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id=?`, id)
	return scanRun(row.Scan)
}

// ActiveRunTx returns the single non-terminal run for a case, if any.
func (r Repo) ActiveRunTx(ctx context.Context, tx *sql.Tx, caseID string) (domain.Run, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs
WHERE case_id=? AND status IN (?,?) ORDER BY started_at DESC LIMIT 1`,
		caseID, domain.RunRunning, domain.RunWaiting)
	return scanRun(row.Scan)
}

func (r Repo) ListRuns(ctx context.Context, caseID string, limit int) ([]domain.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE case_id=? ORDER BY started_at DESC, id DESC`
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
	var res []domain.Run
	for rows.Next() {
		run, err := scanRun(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, run)
	}
	return res, rows.Err()
}

// CancelOtherRuns marks every non-terminal run for the case except keepID as
// cancelled with the given marker. Part of run claiming: the claimer wins and
// everything else is superseded.
func (r Repo) CancelOtherRuns(ctx context.Context, tx *sql.Tx, caseID, keepID, marker, now string) (int64, error) {
	res, err := tx.ExecContext(ctx, `UPDATE runs SET status=?, marker=?, updated_at=?, ended_at=?
WHERE case_id=? AND id != ? AND status IN (?,?)`,
		domain.RunCancelled, marker, now, now,
		caseID, keepID, domain.RunRunning, domain.RunWaiting)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ListStaleRuns returns non-terminal runs whose last update predates the
// cutoff, oldest first.
func (r Repo) ListStaleRuns(ctx context.Context, cutoff string, limit int) ([]domain.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs
WHERE status IN (?,?) AND updated_at < ? ORDER BY updated_at ASC`
	args := []any{domain.RunRunning, domain.RunWaiting, cutoff}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Run
	for rows.Next() {
		run, err := scanRun(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, run)
	}
	return res, rows.Err()
}

// TouchRun refreshes a run's heartbeat so the staleness reaper leaves it alone.
func (r Repo) TouchRun(ctx context.Context, runID, now string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE runs SET updated_at=? WHERE id=?`, now, runID)
	return err
}
