package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"bountyline/internal/domain"
)

const taskColumns = `id,installation_id,creator_id,title,issue_json,bounty,bounty_asset,timeline_value,timeline_unit,status,settled,settlement_hold,contributor_id,accepted_at,completed_at,version,created_at,updated_at`

type TaskFilter struct {
	InstallationID string
	Status         domain.TaskStatus
	ContributorID  string
	Limit          int
}

func scanTask(scan func(dest ...any) error) (domain.Task, error) {
	var t domain.Task
	var issue, unit, contributor, acceptedAt, completedAt sql.NullString
	var timelineValue sql.NullInt64
	err := scan(&t.ID, &t.InstallationID, &t.CreatorID, &t.Title, &issue, &t.Bounty, &t.BountyAsset, &timelineValue, &unit,
		&t.Status, &t.Settled, &t.SettlementHold, &contributor, &acceptedAt, &completedAt, &t.Version, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return t, err
	}
	if !t.Status.Valid() {
		return t, fmt.Errorf("task %s has unknown status %q", t.ID, t.Status)
	}
	t.Issue = document(issue)
	if timelineValue.Valid && unit.Valid {
		t.Timeline = &domain.Timeline{Value: int(timelineValue.Int64), Unit: domain.TimelineUnit(unit.String)}
	}
	t.ContributorID = stringPtr(contributor)
	t.AcceptedAt = stringPtr(acceptedAt)
	t.CompletedAt = stringPtr(completedAt)
	return t, nil
}

func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	if !t.Status.Valid() {
		return fmt.Errorf("invalid task status %q", t.Status)
	}
	var timelineValue, timelineUnit any
	if t.Timeline != nil {
		timelineValue, timelineUnit = t.Timeline.Value, string(t.Timeline.Unit)
	}
	_, err := r.conn(tx).ExecContext(ctx, `INSERT INTO tasks(`+taskColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.InstallationID, t.CreatorID, t.Title, nullableDocument(t.Issue), t.Bounty.String(), t.BountyAsset, timelineValue, timelineUnit,
		t.Status, boolInt(t.Settled), boolInt(t.SettlementHold), nullableStringPtr(t.ContributorID), nullableStringPtr(t.AcceptedAt), nullableStringPtr(t.CompletedAt),
		t.Version, t.CreatedAt, t.UpdatedAt)
	return mapConstraint(err)
}

// GetTask loads a task together with its applicant set.
func (r Repo) GetTask(ctx context.Context, tx *sql.Tx, id string) (domain.Task, error) {
	q := r.conn(tx)
	t, err := scanTask(q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id).Scan)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.Applicants, err = r.ListApplicants(ctx, tx, id)
	return t, err
}

// UpdateTask writes the mutable state of t guarded by expectVersion and bumps
// the version. ErrStaleVersion means another writer got there first.
func (r Repo) UpdateTask(ctx context.Context, tx *sql.Tx, t domain.Task, expectVersion int64) error {
	if !t.Status.Valid() {
		return fmt.Errorf("invalid task status %q", t.Status)
	}
	res, err := r.conn(tx).ExecContext(ctx, `UPDATE tasks SET status=?, settled=?, settlement_hold=?, contributor_id=?, accepted_at=?, completed_at=?, version=version+1, updated_at=?
WHERE id=? AND version=?`,
		t.Status, boolInt(t.Settled), boolInt(t.SettlementHold), nullableStringPtr(t.ContributorID), nullableStringPtr(t.AcceptedAt), nullableStringPtr(t.CompletedAt),
		t.UpdatedAt, t.ID, expectVersion)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStaleVersion
	}
	return nil
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilter) ([]domain.Task, error) {
	var (
		where []string
		args  []any
	)
	if f.InstallationID != "" {
		where = append(where, "installation_id=?")
		args = append(args, f.InstallationID)
	}
	if f.Status != "" {
		where = append(where, "status=?")
		args = append(args, f.Status)
	}
	if f.ContributorID != "" {
		where = append(where, "contributor_id=?")
		args = append(args, f.ContributorID)
	}
	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, id LIMIT ?`
	args = append(args, limitOrDefault(f.Limit, 100))
	return r.queryTasks(ctx, r.DB, query, args...)
}

// PendingSettlements lists tasks marked completed but not settled and not on hold, oldest first.
func (r Repo) PendingSettlements(ctx context.Context, limit int) ([]domain.Task, error) {
	return r.queryTasks(ctx, r.DB, `SELECT `+taskColumns+` FROM tasks WHERE status=? AND settled=0 AND settlement_hold=0 ORDER BY updated_at, id LIMIT ?`,
		domain.StatusMarkedAsCompleted, limitOrDefault(limit, 50))
}

func (r Repo) queryTasks(ctx context.Context, q querier, query string, args ...any) ([]domain.Task, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range res {
		apps, err := r.ListApplicants(ctx, nil, res[i].ID)
		if err != nil {
			return nil, err
		}
		res[i].Applicants = apps
	}
	return res, nil
}

// AddApplicant reports whether the applicant set changed.
func (r Repo) AddApplicant(ctx context.Context, tx *sql.Tx, taskID, userID, now string) (bool, error) {
	res, err := r.conn(tx).ExecContext(ctx, `INSERT OR IGNORE INTO task_applicants(task_id,user_id,created_at) VALUES (?,?,?)`, taskID, userID, now)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// RemoveApplicant reports whether the applicant set changed.
func (r Repo) RemoveApplicant(ctx context.Context, tx *sql.Tx, taskID, userID string) (bool, error) {
	res, err := r.conn(tx).ExecContext(ctx, `DELETE FROM task_applicants WHERE task_id=? AND user_id=?`, taskID, userID)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r Repo) ListApplicants(ctx context.Context, tx *sql.Tx, taskID string) ([]string, error) {
	rows, err := r.conn(tx).QueryContext(ctx, `SELECT user_id FROM task_applicants WHERE task_id=? ORDER BY created_at, user_id`, taskID)
	if err != nil {
		return nil, err
	}
	apps, err := scanStrings(rows)
	if err != nil {
		return nil, err
	}
	if apps == nil {
		apps = []string{}
	}
	return apps, nil
}
