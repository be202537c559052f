package repo

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bountyline/internal/db"
	"bountyline/internal/domain"
	"bountyline/internal/migrate"
)

func TestInsertSubmissionMapsUniqueViolation(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()

	mock.ExpectExec("INSERT INTO task_submissions").
		WillReturnError(errors.New("constraint failed: UNIQUE constraint failed: task_submissions.task_id, task_submissions.user_id (2067)"))

	r := Repo{DB: conn}
	err = r.InsertSubmission(context.Background(), nil, domain.TaskSubmission{ID: "s1", TaskID: "t1", UserID: "u1", WorkRef: "pr/1"})

	var ce *ConflictError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "task_submissions.task_id, task_submissions.user_id", ce.Constraint)
	assert.Equal(t, "task_submissions", ce.Table())
	assert.True(t, IsConflict(err, "task_submissions"))
	assert.False(t, IsConflict(err, "transactions"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMapConstraintPassesOtherErrors(t *testing.T) {
	cause := errors.New("disk I/O error")
	assert.Same(t, cause, mapConstraint(cause))
	assert.NoError(t, mapConstraint(nil))
}

func TestUpdateTaskReportsStaleVersion(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()

	mock.ExpectExec("UPDATE tasks SET").WillReturnResult(sqlmock.NewResult(0, 0))

	r := Repo{DB: conn}
	err = r.UpdateTask(context.Background(), nil, domain.Task{ID: "t1", Status: domain.StatusInProgress}, 3)
	assert.ErrorIs(t, err, ErrStaleVersion)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestApplySummaryDeltaFloorsActiveTasks(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()

	mock.ExpectQuery("SELECT user_id,tasks_completed").WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "tasks_completed", "active_tasks", "total_earnings", "updated_at"}).
			AddRow("u1", 1, 0, "10", "2026-01-01T00:00:00Z"))
	mock.ExpectExec("INSERT INTO contribution_summaries").
		WithArgs("u1", 1, 0, "10", "2026-01-02T00:00:00Z").
		WillReturnResult(sqlmock.NewResult(0, 1))

	r := Repo{DB: conn}
	err = r.ApplySummaryDelta(context.Background(), nil, "u1", SummaryDelta{Active: -1}, "2026-01-02T00:00:00Z")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func newSQLiteRepo(t *testing.T) Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	return Repo{DB: conn}
}

func seedTask(t *testing.T, r Repo) domain.Task {
	t.Helper()
	ctx := context.Background()
	now := "2026-01-01T00:00:00Z"
	require.NoError(t, r.InsertUser(ctx, nil, domain.User{ID: "u1", DisplayName: "Ada", WalletAddress: "GU1", WalletSecretRef: "ref", CreatedAt: now}))
	require.NoError(t, r.InsertInstallation(ctx, nil, domain.Installation{
		ID: "i1", Name: "acme", WalletAddress: "GW", WalletSecretRef: "w", EscrowAddress: "GE", EscrowSecretRef: "e", CreatedBy: "u1", CreatedAt: now,
	}))
	task := domain.Task{
		ID: "t1", InstallationID: "i1", CreatorID: "u1", Title: "fix", Issue: domain.Document(`{"number":7}`),
		Bounty: decimal.RequireFromString("12.5"), BountyAsset: "USDC", Status: domain.StatusOpen, Version: 1,
		Timeline: &domain.Timeline{Value: 2, Unit: domain.TimelineWeek}, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, r.InsertTask(ctx, nil, task))
	return task
}

func TestSQLiteConstraintsSurfaceAsConflicts(t *testing.T) {
	r := newSQLiteRepo(t)
	ctx := context.Background()
	task := seedTask(t, r)
	now := task.CreatedAt

	sub := domain.TaskSubmission{ID: "s1", TaskID: task.ID, UserID: "u1", WorkRef: "pr/1", CreatedAt: now, UpdatedAt: now}
	require.NoError(t, r.InsertSubmission(ctx, nil, sub))
	sub.ID = "s2"
	err := r.InsertSubmission(ctx, nil, sub)
	assert.True(t, IsConflict(err, "task_submissions"), "got %v", err)

	taskID := task.ID
	bounty := domain.Transaction{
		ID: "x1", TxHash: "h1", Category: domain.CategoryBounty, Amount: task.Bounty, Asset: "USDC",
		FromAddress: "GE", ToAddress: "GU1", TaskID: &taskID, CreatedAt: now,
	}
	require.NoError(t, r.InsertTransaction(ctx, nil, bounty))
	bounty.ID, bounty.TxHash = "x2", "h2"
	err = r.InsertTransaction(ctx, nil, bounty)
	assert.True(t, IsConflict(err, "transactions"), "got %v", err)

	n, err := r.CountBountyTransactions(ctx, nil, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestTaskRoundTripAndVersionGuard(t *testing.T) {
	r := newSQLiteRepo(t)
	ctx := context.Background()
	task := seedTask(t, r)

	changed, err := r.AddApplicant(ctx, nil, task.ID, "u1", task.CreatedAt)
	require.NoError(t, err)
	assert.True(t, changed)
	changed, err = r.AddApplicant(ctx, nil, task.ID, "u1", task.CreatedAt)
	require.NoError(t, err)
	assert.False(t, changed)

	got, err := r.GetTask(ctx, nil, task.ID)
	require.NoError(t, err)
	assert.True(t, got.Bounty.Equal(decimal.RequireFromString("12.5")))
	assert.Equal(t, []string{"u1"}, got.Applicants)
	assert.JSONEq(t, `{"number":7}`, string(got.Issue))
	require.NotNil(t, got.Timeline)
	assert.Equal(t, domain.TimelineWeek, got.Timeline.Unit)

	got.Status = domain.StatusInProgress
	require.NoError(t, r.UpdateTask(ctx, nil, got, got.Version))
	assert.ErrorIs(t, r.UpdateTask(ctx, nil, got, got.Version), ErrStaleVersion)

	_, err = r.GetTask(ctx, nil, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGrantCodesMirrorJoinTable(t *testing.T) {
	r := newSQLiteRepo(t)
	ctx := context.Background()
	seedTask(t, r)
	for _, p := range []domain.Permission{{Code: "task.view", Name: "View", IsDefault: true}, {Code: "task.manage", Name: "Manage"}} {
		require.NoError(t, r.UpsertPermission(ctx, nil, p))
	}
	now := "2026-01-01T00:00:00Z"
	require.NoError(t, r.SaveGrant(ctx, nil, domain.UserInstallationPermission{
		ID: "g1", UserID: "u1", InstallationID: "i1", Codes: []string{"task.manage"}, CreatedAt: now, UpdatedAt: now,
	}))
	codes, err := r.GrantedCodes(ctx, nil, "u1", "i1")
	require.NoError(t, err)
	assert.Equal(t, []string{"task.manage"}, codes)

	defaults, err := r.DefaultPermissionCodes(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"task.view"}, defaults)

	require.NoError(t, r.DeleteGrant(ctx, nil, "u1", "i1"))
	_, err = r.GetGrant(ctx, nil, "u1", "i1")
	assert.ErrorIs(t, err, ErrNotFound)
	codes, err = r.GrantedCodes(ctx, nil, "u1", "i1")
	require.NoError(t, err)
	assert.Empty(t, codes)
}

func TestSecondWriterSeesBusyLock(t *testing.T) {
	ctx := context.Background()
	conn, err := db.Open(db.Config{Workspace: t.TempDir(), BusyTimeout: 50 * time.Millisecond})
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, migrate.Migrate(conn))

	holder, err := conn.BeginTx(ctx, nil)
	require.NoError(t, err)
	defer holder.Rollback()

	_, err = conn.BeginTx(ctx, nil)
	require.Error(t, err)
	assert.True(t, IsBusy(err), "unexpected error %v", err)
	assert.False(t, IsBusy(errors.New("disk I/O error")))
	assert.False(t, IsBusy(nil))
}
