package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"bountyline/internal/activity"
	"bountyline/internal/config"
	"bountyline/internal/domain"
	"bountyline/internal/engine/auth"
	"bountyline/internal/logger"
	"bountyline/internal/metrics"
	"bountyline/internal/repo"
	"bountyline/internal/secrets"
	"bountyline/internal/wallet"
)

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Auth     auth.Resolver
	Activity activity.Recorder
	Config   *config.Config
	Wallet   wallet.Ledger
	Secrets  secrets.Store
	Log      *logger.Logger
	Metrics  *metrics.Collector
	Now      func() time.Time
}

func New(db *sql.DB, cfg *config.Config, ledger wallet.Ledger, store secrets.Store) Engine {
	r := repo.Repo{DB: db}
	return Engine{
		DB:       db,
		Repo:     r,
		Auth:     auth.Resolver{Repo: r},
		Activity: activity.Recorder{Repo: r},
		Config:   cfg,
		Wallet:   ledger,
		Secrets:  store,
		Log:      logger.Nop(),
		Now:      time.Now,
	}
}

// WithLogger returns a copy of e logging to l.
func (e Engine) WithLogger(l *logger.Logger) Engine {
	e.Log = l
	return e
}

// WithMetrics returns a copy of e reporting to m.
func (e Engine) WithMetrics(m *metrics.Collector) Engine {
	e.Metrics = m
	e.Activity.Metrics = m
	return e
}

// WithClock pins the engine and its recorder to now.
func (e Engine) WithClock(now func() time.Time) Engine {
	e.Now = now
	e.Activity.Now = now
	return e
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) timestamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) requireConfig() error {
	if e.Config == nil {
		return errors.New("config not loaded")
	}
	return nil
}

// begin opens a write transaction. A database lock still held by another
// writer after the driver's busy timeout comes back as ConcurrentModification.
func (e Engine) begin(ctx context.Context) (*sql.Tx, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		if repo.IsBusy(err) {
			return nil, &domain.Error{Code: domain.CodeConcurrentModification, Constraint: "database_lock", Message: "database is busy", Err: err}
		}
		return nil, err
	}
	return tx, nil
}

func notFound(kind, id string) error {
	return &domain.Error{Code: domain.CodeNotFound, Message: fmt.Sprintf("%s %s not found", kind, id)}
}

// loadTask reads a task inside tx, mapping a missing row to NotFound.
func (e Engine) loadTask(ctx context.Context, tx *sql.Tx, id string) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, tx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return t, notFound("task", id)
	}
	if err != nil {
		return t, fmt.Errorf("load task: %w", err)
	}
	return t, nil
}

// saveTask writes t guarded by its loaded version and advances it.
func (e Engine) saveTask(ctx context.Context, tx *sql.Tx, t *domain.Task) error {
	t.UpdatedAt = e.timestamp()
	if err := e.Repo.UpdateTask(ctx, tx, *t, t.Version); err != nil {
		if errors.Is(err, repo.ErrStaleVersion) {
			return domain.TaskError(domain.CodeConcurrentModification, *t, "version")
		}
		return fmt.Errorf("update task: %w", err)
	}
	t.Version++
	return nil
}

func (e Engine) loadUser(ctx context.Context, tx *sql.Tx, id string) (domain.User, error) {
	u, err := e.Repo.GetUser(ctx, tx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return u, notFound("user", id)
	}
	return u, err
}

func (e Engine) loadInstallation(ctx context.Context, tx *sql.Tx, id string) (domain.Installation, error) {
	in, err := e.Repo.GetInstallation(ctx, tx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return in, notFound("installation", id)
	}
	return in, err
}

// GetTask returns a task for a member holding task.view on its installation.
func (e Engine) GetTask(ctx context.Context, taskID, actingUserID string) (domain.Task, error) {
	t, err := e.loadTask(ctx, nil, taskID)
	if err != nil {
		return t, err
	}
	if err := e.Auth.Require(ctx, nil, actingUserID, t.InstallationID, config.PermTaskView); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// ListTasks lists tasks of one installation for a member holding task.view.
func (e Engine) ListTasks(ctx context.Context, f repo.TaskFilter, actingUserID string) ([]domain.Task, error) {
	if f.InstallationID == "" {
		return nil, domain.InvalidInput("installation is required")
	}
	if err := e.Auth.Require(ctx, nil, actingUserID, f.InstallationID, config.PermTaskView); err != nil {
		return nil, err
	}
	return e.Repo.ListTasks(ctx, f)
}

// ListActivities returns a task's activity log in append order.
func (e Engine) ListActivities(ctx context.Context, taskID, actingUserID string) ([]domain.TaskActivity, error) {
	if _, err := e.GetTask(ctx, taskID, actingUserID); err != nil {
		return nil, err
	}
	return e.Repo.ListActivities(ctx, nil, taskID)
}

// ListSubmissions returns the submissions of a task.
func (e Engine) ListSubmissions(ctx context.Context, taskID, actingUserID string) ([]domain.TaskSubmission, error) {
	if _, err := e.GetTask(ctx, taskID, actingUserID); err != nil {
		return nil, err
	}
	return e.Repo.ListSubmissions(ctx, nil, taskID)
}

// ContributionSummary returns the derived counters of a user; zero values if
// the user never contributed.
func (e Engine) ContributionSummary(ctx context.Context, userID string) (domain.ContributionSummary, error) {
	if _, err := e.loadUser(ctx, nil, userID); err != nil {
		return domain.ContributionSummary{}, err
	}
	s, err := e.Repo.GetSummary(ctx, nil, userID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.ContributionSummary{UserID: userID}, nil
	}
	return s, err
}
