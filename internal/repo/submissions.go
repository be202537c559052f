package repo

import (
	"context"
	"database/sql"

	"bountyline/internal/domain"
)

const submissionColumns = `id,task_id,user_id,work_ref,attachment,meta_json,created_at,updated_at`

func scanSubmission(scan func(dest ...any) error) (domain.TaskSubmission, error) {
	var s domain.TaskSubmission
	var attachment, meta sql.NullString
	if err := scan(&s.ID, &s.TaskID, &s.UserID, &s.WorkRef, &attachment, &meta, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return s, err
	}
	s.Attachment = stringPtr(attachment)
	s.Meta = document(meta)
	return s, nil
}

// InsertSubmission stores a submission. A second submission for the same
// (task, user) fails with a *ConflictError on task_submissions.
func (r Repo) InsertSubmission(ctx context.Context, tx *sql.Tx, s domain.TaskSubmission) error {
	_, err := r.conn(tx).ExecContext(ctx, `INSERT INTO task_submissions(`+submissionColumns+`) VALUES (?,?,?,?,?,?,?,?)`,
		s.ID, s.TaskID, s.UserID, s.WorkRef, nullableStringPtr(s.Attachment), nullableDocument(s.Meta), s.CreatedAt, s.UpdatedAt)
	return mapConstraint(err)
}

func (r Repo) GetSubmission(ctx context.Context, tx *sql.Tx, id string) (domain.TaskSubmission, error) {
	s, err := scanSubmission(r.conn(tx).QueryRowContext(ctx, `SELECT `+submissionColumns+` FROM task_submissions WHERE id=?`, id).Scan)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	return s, err
}

func (r Repo) CountSubmissions(ctx context.Context, tx *sql.Tx, taskID string) (int, error) {
	var n int
	err := r.conn(tx).QueryRowContext(ctx, `SELECT COUNT(1) FROM task_submissions WHERE task_id=?`, taskID).Scan(&n)
	return n, err
}

func (r Repo) ListSubmissions(ctx context.Context, tx *sql.Tx, taskID string) ([]domain.TaskSubmission, error) {
	rows, err := r.conn(tx).QueryContext(ctx, `SELECT `+submissionColumns+` FROM task_submissions WHERE task_id=? ORDER BY created_at, id`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TaskSubmission
	for rows.Next() {
		s, err := scanSubmission(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}
