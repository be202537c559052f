package repo

import (
	"context"
	"database/sql"

	"github.com/shopspring/decimal"

	"bountyline/internal/domain"
)

// SummaryDelta is applied to a contribution summary row.
type SummaryDelta struct {
	Completed int
	Active    int
	Earnings  decimal.Decimal
}

func (r Repo) GetSummary(ctx context.Context, tx *sql.Tx, userID string) (domain.ContributionSummary, error) {
	var s domain.ContributionSummary
	err := r.conn(tx).QueryRowContext(ctx, `SELECT user_id,tasks_completed,active_tasks,total_earnings,updated_at FROM contribution_summaries WHERE user_id=?`, userID).
		Scan(&s.UserID, &s.TasksCompleted, &s.ActiveTasks, &s.TotalEarnings, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	return s, err
}

// ApplySummaryDelta creates the row on first use. Active tasks never drop below zero.
func (r Repo) ApplySummaryDelta(ctx context.Context, tx *sql.Tx, userID string, d SummaryDelta, now string) error {
	cur, err := r.GetSummary(ctx, tx, userID)
	if err == ErrNotFound {
		cur = domain.ContributionSummary{UserID: userID, TotalEarnings: decimal.Zero}
	} else if err != nil {
		return err
	}
	completed := cur.TasksCompleted + d.Completed
	if completed < 0 {
		completed = 0
	}
	active := cur.ActiveTasks + d.Active
	if active < 0 {
		active = 0
	}
	earnings := cur.TotalEarnings.Add(d.Earnings)
	_, err = r.conn(tx).ExecContext(ctx, `INSERT INTO contribution_summaries(user_id,tasks_completed,active_tasks,total_earnings,updated_at) VALUES (?,?,?,?,?)
ON CONFLICT(user_id) DO UPDATE SET tasks_completed=excluded.tasks_completed, active_tasks=excluded.active_tasks, total_earnings=excluded.total_earnings, updated_at=excluded.updated_at`,
		userID, completed, active, earnings.String(), now)
	return err
}
