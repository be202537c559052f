package repo

import (
	"context"
	"database/sql"

	"bountyline/internal/domain"
)

// InsertActivity appends to the task activity log and returns the new row id.
// The log has no update or delete path.
func (r Repo) InsertActivity(ctx context.Context, tx *sql.Tx, a domain.TaskActivity) (int64, error) {
	res, err := r.conn(tx).ExecContext(ctx, `INSERT INTO task_activities(task_id,kind,user_id,submission_id,payload_json,created_at) VALUES (?,?,?,?,?,?)`,
		a.TaskID, string(a.Kind), nullableStringPtr(a.UserID), nullableStringPtr(a.SubmissionID), nullableDocument(a.Payload), a.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// ListActivities returns the activity log of a task in append order.
func (r Repo) ListActivities(ctx context.Context, tx *sql.Tx, taskID string) ([]domain.TaskActivity, error) {
	rows, err := r.conn(tx).QueryContext(ctx, `SELECT id,task_id,kind,user_id,submission_id,payload_json,created_at FROM task_activities WHERE task_id=? ORDER BY id`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TaskActivity
	for rows.Next() {
		var a domain.TaskActivity
		var user, submission, payload sql.NullString
		if err := rows.Scan(&a.ID, &a.TaskID, &a.Kind, &user, &submission, &payload, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.UserID = stringPtr(user)
		a.SubmissionID = stringPtr(submission)
		a.Payload = document(payload)
		res = append(res, a)
	}
	return res, rows.Err()
}

// CountActivities counts entries of one kind for a task.
func (r Repo) CountActivities(ctx context.Context, tx *sql.Tx, taskID string, kind domain.ActivityKind) (int, error) {
	var n int
	err := r.conn(tx).QueryRowContext(ctx, `SELECT COUNT(1) FROM task_activities WHERE task_id=? AND kind=?`, taskID, string(kind)).Scan(&n)
	return n, err
}
