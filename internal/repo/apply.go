package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"caseline/internal/domain"
	"caseline/internal/reducer"
)

// ApplyMutations writes a reducer mutation set inside the caller's
// transaction. The reducer decides, this function only translates; the two
// must commit or roll back together with the activity log append.
func (r Repo) ApplyMutations(ctx context.Context, tx *sql.Tx, caseID string, m reducer.Mutations, snap domain.Snapshot) error {
	if m.Empty() {
		return nil
	}
	if m.Case != nil {
		if err := r.applyCaseMutation(ctx, tx, caseID, m.Case); err != nil {
			return fmt.Errorf("apply case mutation: %w", err)
		}
	}
	if m.Run != nil {
		if err := r.applyRunMutation(ctx, tx, m.Run); err != nil {
			return fmt.Errorf("apply run mutation: %w", err)
		}
	}
	if m.Proposal != nil {
		if err := r.applyProposalMutation(ctx, tx, m.Proposal); err != nil {
			return fmt.Errorf("apply proposal mutation: %w", err)
		}
	}
	if m.PortalTask != nil {
		if err := r.applyPortalTaskMutation(ctx, tx, m.PortalTask); err != nil {
			return fmt.Errorf("apply portal task mutation: %w", err)
		}
	}
	if m.FollowUp != nil {
		if err := r.applyFollowUpMutation(ctx, tx, caseID, m.FollowUp, snap); err != nil {
			return fmt.Errorf("apply followup mutation: %w", err)
		}
	}
	if m.DismissActiveProposals {
		now := mutationNow(m)
		keep := m.KeepProposalID
		if _, err := r.DismissActiveProposals(ctx, tx, caseID, keep, now); err != nil {
			return fmt.Errorf("dismiss active proposals: %w", err)
		}
	}
	if m.AlignFollowUp {
		if err := r.alignFollowUp(ctx, tx, caseID, m, snap); err != nil {
			return fmt.Errorf("align followup: %w", err)
		}
	}
	return nil
}

// mutationNow picks the stamp to reuse for derived bulk updates so every row
// touched by one event carries the same timestamp.
func mutationNow(m reducer.Mutations) string {
	switch {
	case m.Case != nil:
		return m.Case.UpdatedAt
	case m.Proposal != nil:
		return m.Proposal.UpdatedAt
	case m.Run != nil:
		return m.Run.UpdatedAt
	case m.FollowUp != nil:
		return m.FollowUp.UpdatedAt
	case m.PortalTask != nil:
		return m.PortalTask.UpdatedAt
	}
	return ""
}

func (r Repo) applyCaseMutation(ctx context.Context, tx *sql.Tx, caseID string, cm *reducer.CaseMutation) error {
	var sets []string
	var args []any
	if cm.Status != nil {
		sets = append(sets, "status=?")
		args = append(args, *cm.Status)
	}
	if cm.Substatus != nil {
		sets = append(sets, "substatus=?")
		args = append(args, nullable(*cm.Substatus))
	}
	if cm.PauseReason != nil {
		sets = append(sets, "pause_reason=?")
		args = append(args, nullable(*cm.PauseReason))
	}
	if cm.RequiresHuman != nil {
		sets = append(sets, "requires_human=?")
		args = append(args, *cm.RequiresHuman)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at=?")
	args = append(args, cm.UpdatedAt, caseID)
	res, err := tx.ExecContext(ctx, `UPDATE cases SET `+strings.Join(sets, ", ")+` WHERE id=?`, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) applyRunMutation(ctx context.Context, tx *sql.Tx, rm *reducer.RunMutation) error {
	var sets []string
	var args []any
	if rm.Status != nil {
		sets = append(sets, "status=?")
		args = append(args, *rm.Status)
	}
	if rm.Marker != nil {
		sets = append(sets, "marker=?")
		args = append(args, nullable(*rm.Marker))
	}
	if rm.Error != nil {
		sets = append(sets, "error=?")
		args = append(args, nullable(*rm.Error))
	}
	if rm.Ended {
		ended := rm.UpdatedAt
		if rm.EndedAt != nil {
			ended = *rm.EndedAt
		}
		sets = append(sets, "ended_at=?")
		args = append(args, ended)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at=?")
	args = append(args, rm.UpdatedAt, rm.RunID)
	res, err := tx.ExecContext(ctx, `UPDATE runs SET `+strings.Join(sets, ", ")+` WHERE id=?`, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) applyProposalMutation(ctx context.Context, tx *sql.Tx, pm *reducer.ProposalMutation) error {
	if pm.Upsert != nil {
		return r.UpsertProposal(ctx, tx, *pm.Upsert)
	}
	var sets []string
	var args []any
	if pm.Status != nil {
		sets = append(sets, "status=?")
		args = append(args, *pm.Status)
	}
	if pm.Decision != nil {
		sets = append(sets, "decision=?")
		args = append(args, nullable(*pm.Decision))
	}
	if pm.DecisionNote != nil {
		sets = append(sets, "decision_note=?")
		args = append(args, nullable(*pm.DecisionNote))
	}
	if pm.ResumeToken != nil {
		sets = append(sets, "resume_token=?")
		args = append(args, nullable(*pm.ResumeToken))
	}
	if pm.RequiresHuman != nil {
		sets = append(sets, "requires_human=?")
		args = append(args, *pm.RequiresHuman)
	}
	if pm.CanAutoExecute != nil {
		sets = append(sets, "can_auto_execute=?")
		args = append(args, *pm.CanAutoExecute)
	}
	if pm.BumpAdjustment {
		sets = append(sets, "adjustment_count=adjustment_count+1")
	}
	if pm.ClearExecutionKey {
		sets = append(sets, "execution_key=NULL")
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at=?")
	args = append(args, pm.UpdatedAt, pm.ProposalID)
	res, err := tx.ExecContext(ctx, `UPDATE proposals SET `+strings.Join(sets, ", ")+` WHERE id=?`, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) applyPortalTaskMutation(ctx context.Context, tx *sql.Tx, tm *reducer.PortalTaskMutation) error {
	if tm.Upsert != nil {
		return r.InsertPortalTask(ctx, tx, *tm.Upsert)
	}
	var sets []string
	var args []any
	if tm.Status != nil {
		sets = append(sets, "status=?")
		args = append(args, *tm.Status)
	}
	if tm.Detail != nil {
		sets = append(sets, "detail=?")
		args = append(args, nullable(*tm.Detail))
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at=?")
	args = append(args, tm.UpdatedAt, tm.TaskID)
	res, err := tx.ExecContext(ctx, `UPDATE portal_tasks SET `+strings.Join(sets, ", ")+` WHERE id=?`, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) applyFollowUpMutation(ctx context.Context, tx *sql.Tx, caseID string, fm *reducer.FollowUpMutation, snap domain.Snapshot) error {
	if fm.Upsert != nil {
		return r.UpsertFollowUp(ctx, tx, *fm.Upsert)
	}
	var sets []string
	var args []any
	if fm.Status != nil {
		sets = append(sets, "status=?")
		args = append(args, *fm.Status)
	}
	if fm.NextAt != nil {
		sets = append(sets, "next_at=?")
		args = append(args, *fm.NextAt)
	}
	if fm.AttemptsDelta != 0 {
		sets = append(sets, "attempts=attempts+?")
		args = append(args, fm.AttemptsDelta)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at=?")
	args = append(args, fm.UpdatedAt, caseID)
	res, err := tx.ExecContext(ctx, `UPDATE followups SET `+strings.Join(sets, ", ")+` WHERE case_id=?`, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// alignFollowUp re-derives followups.status from the case status the event
// just installed.
func (r Repo) alignFollowUp(ctx context.Context, tx *sql.Tx, caseID string, m reducer.Mutations, snap domain.Snapshot) error {
	if snap.FollowUp == nil {
		return nil
	}
	caseStatus := snap.Case.Status
	if m.Case != nil && m.Case.Status != nil {
		caseStatus = *m.Case.Status
	}
	next := reducer.FollowUpStatusFor(caseStatus, snap.FollowUp.Status)
	if next == snap.FollowUp.Status {
		return nil
	}
	now := mutationNow(m)
	_, err := tx.ExecContext(ctx, `UPDATE followups SET status=?, updated_at=? WHERE case_id=?`, next, now, caseID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return err
	}
	return nil
}
