package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"bountyline/internal/activity"
	"bountyline/internal/config"
	"bountyline/internal/domain"
	"bountyline/internal/repo"
)

// ensureTaskTransition enforces the status graph. reopen is the only backward edge.
func ensureTaskTransition(t domain.Task, next domain.TaskStatus) error {
	switch t.Status {
	case domain.StatusOpen:
		if next == domain.StatusInProgress {
			return nil
		}
	case domain.StatusInProgress:
		if next == domain.StatusMarkedAsCompleted || next == domain.StatusOpen {
			return nil
		}
	case domain.StatusMarkedAsCompleted:
		if next == domain.StatusCompleted {
			return nil
		}
	}
	err := domain.TaskError(domain.CodeInvalidTransition, t, "status")
	err.Message = fmt.Sprintf("%s -> %s not allowed", t.Status, next)
	return err
}

// TaskCreateOptions are parameters for creating a task.
type TaskCreateOptions struct {
	ID             string
	InstallationID string
	ActorID        string
	Title          string
	Issue          domain.Document
	Bounty         decimal.Decimal
	Asset          string
	Timeline       *domain.Timeline
}

func (e Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (domain.Task, error) {
	if err := e.requireConfig(); err != nil {
		return domain.Task{}, err
	}
	opts.Title = strings.TrimSpace(opts.Title)
	if opts.Title == "" {
		return domain.Task{}, domain.InvalidInput("title is required")
	}
	if opts.InstallationID == "" {
		return domain.Task{}, domain.InvalidInput("installation is required")
	}
	if !opts.Bounty.IsPositive() {
		return domain.Task{}, domain.InvalidInput("bounty must be positive, got %s", opts.Bounty)
	}
	if opts.Asset == "" {
		opts.Asset = e.Config.Bounty.DefaultAsset
	}
	if opts.Timeline != nil && (opts.Timeline.Value <= 0 || !opts.Timeline.Unit.Valid()) {
		return domain.Task{}, domain.InvalidInput("timeline needs a positive value and unit DAY or WEEK")
	}
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}

	tx, err := e.begin(ctx)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	in, err := e.loadInstallation(ctx, tx, opts.InstallationID)
	if err != nil {
		return domain.Task{}, err
	}
	if err := e.Auth.Require(ctx, tx, opts.ActorID, in.ID, config.PermTaskCreate); err != nil {
		return domain.Task{}, err
	}
	if err := e.checkTaskQuota(ctx, tx, in); err != nil {
		return domain.Task{}, err
	}
	now := e.timestamp()
	t := domain.Task{
		ID:             opts.ID,
		InstallationID: in.ID,
		CreatorID:      opts.ActorID,
		Title:          opts.Title,
		Issue:          opts.Issue,
		Bounty:         opts.Bounty,
		BountyAsset:    opts.Asset,
		Timeline:       opts.Timeline,
		Status:         domain.StatusOpen,
		Applicants:     []string{},
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := e.Repo.InsertTask(ctx, tx, t); err != nil {
		if repo.IsConflict(err, "tasks") {
			return domain.Task{}, domain.InvalidInput("task %s already exists", t.ID)
		}
		return domain.Task{}, fmt.Errorf("insert task: %w", err)
	}
	if _, err := e.Activity.Record(ctx, tx, activity.Entry{
		Kind: domain.ActivityCreated, Task: t, ActorID: opts.ActorID,
		Payload: activity.Payload{"bounty": t.Bounty.String(), "asset": t.BountyAsset},
	}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	e.Log.Debugw("task created", "task_id", t.ID, "installation_id", t.InstallationID, "bounty", t.Bounty.String())
	return t, nil
}

func (e Engine) checkTaskQuota(ctx context.Context, tx *sql.Tx, in domain.Installation) error {
	if in.SubscriptionPackageID == nil {
		return nil
	}
	pkg, err := e.Repo.GetPackage(ctx, tx, *in.SubscriptionPackageID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil
		}
		return err
	}
	if pkg.MaxTasks == 0 {
		return nil
	}
	n, err := e.Repo.CountActiveTasks(ctx, tx, in.ID)
	if err != nil {
		return err
	}
	if n >= pkg.MaxTasks {
		return &domain.Error{Code: domain.CodeQuotaExceeded, Constraint: "max_tasks",
			Message: fmt.Sprintf("package %s allows %d open tasks", pkg.ID, pkg.MaxTasks)}
	}
	return nil
}

// Accept assigns contributorID and moves the task to IN_PROGRESS.
func (e Engine) Accept(ctx context.Context, taskID, contributorID, actingUserID string) (domain.Task, error) {
	tx, err := e.begin(ctx)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	t, err := e.loadTask(ctx, tx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	if err := e.Auth.Require(ctx, tx, actingUserID, t.InstallationID, config.PermTaskManage); err != nil {
		return domain.Task{}, err
	}
	if t.Status != domain.StatusOpen {
		return domain.Task{}, domain.TaskError(domain.CodeAlreadyAccepted, t, "status")
	}
	if !t.HasApplicant(contributorID) {
		err := domain.TaskError(domain.CodeInvalidApplicant, t, "applicants")
		err.Message = fmt.Sprintf("user %s has not applied", contributorID)
		return domain.Task{}, err
	}
	if err := ensureTaskTransition(t, domain.StatusInProgress); err != nil {
		return domain.Task{}, err
	}
	now := e.timestamp()
	t.Status = domain.StatusInProgress
	t.ContributorID = &contributorID
	t.AcceptedAt = &now
	if err := e.saveTask(ctx, tx, &t); err != nil {
		return domain.Task{}, err
	}
	if _, err := e.Activity.Record(ctx, tx, activity.Entry{
		Kind: domain.ActivityAccepted, Task: t, ActorID: actingUserID,
		Payload: activity.Payload{"contributor_id": contributorID},
	}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	e.Log.Debugw("task accepted", "task_id", t.ID, "contributor_id", contributorID, "by", actingUserID)
	return t, nil
}

// MarkCompleted moves an IN_PROGRESS task with at least one submission to
// MARKED_AS_COMPLETED and, when settlement.auto is on, settles it right after
// the marking commits. When the mark committed but the settlement did not, the
// marked task is returned together with the settlement error; a failed mark
// returns a zero task. A task another caller settled first is not an error.
func (e Engine) MarkCompleted(ctx context.Context, taskID, actingUserID string) (domain.Task, error) {
	t, err := e.markCompleted(ctx, taskID, actingUserID)
	if err != nil {
		return domain.Task{}, err
	}
	if e.Config == nil || !e.Config.Settlement.Auto {
		return t, nil
	}
	res, err := e.Settle(ctx, t.ID)
	if err == nil {
		return res.Task, nil
	}
	if domain.CodeOf(err) == domain.CodeNotReadyToSettle {
		if cur, lerr := e.loadTask(ctx, nil, t.ID); lerr == nil && cur.Settled {
			return cur, nil
		}
	}
	return t, err
}

func (e Engine) markCompleted(ctx context.Context, taskID, actingUserID string) (domain.Task, error) {
	tx, err := e.begin(ctx)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	t, err := e.loadTask(ctx, tx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	if t.CreatorID == actingUserID {
		if _, err := e.Auth.Resolve(ctx, tx, actingUserID, t.InstallationID); err != nil {
			return domain.Task{}, err
		}
	} else if err := e.Auth.Require(ctx, tx, actingUserID, t.InstallationID, config.PermTaskManage); err != nil {
		return domain.Task{}, err
	}
	if t.Status != domain.StatusInProgress {
		return domain.Task{}, domain.TaskError(domain.CodeInvalidTransition, t, "status")
	}
	n, err := e.Repo.CountSubmissions(ctx, tx, t.ID)
	if err != nil {
		return domain.Task{}, err
	}
	if n == 0 {
		err := domain.TaskError(domain.CodeInvalidTransition, t, "submission_required")
		err.Message = "no submission yet"
		return domain.Task{}, err
	}
	if err := ensureTaskTransition(t, domain.StatusMarkedAsCompleted); err != nil {
		return domain.Task{}, err
	}
	now := e.timestamp()
	t.Status = domain.StatusMarkedAsCompleted
	t.CompletedAt = &now
	if err := e.saveTask(ctx, tx, &t); err != nil {
		return domain.Task{}, err
	}
	if _, err := e.Activity.Record(ctx, tx, activity.Entry{Kind: domain.ActivityMarkedCompleted, Task: t, ActorID: actingUserID}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	e.Log.Debugw("task marked completed", "task_id", t.ID, "by", actingUserID)
	return t, nil
}

// Reopen returns an IN_PROGRESS task without submissions to OPEN and clears
// its contributor. The applicant set is kept.
func (e Engine) Reopen(ctx context.Context, taskID, actingUserID string) (domain.Task, error) {
	tx, err := e.begin(ctx)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	t, err := e.loadTask(ctx, tx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	if err := e.Auth.Require(ctx, tx, actingUserID, t.InstallationID, config.PermTaskManage); err != nil {
		return domain.Task{}, err
	}
	if t.Status != domain.StatusInProgress {
		return domain.Task{}, domain.TaskError(domain.CodeInvalidTransition, t, "status")
	}
	n, err := e.Repo.CountSubmissions(ctx, tx, t.ID)
	if err != nil {
		return domain.Task{}, err
	}
	if n > 0 {
		err := domain.TaskError(domain.CodeInvalidTransition, t, "no_submissions")
		err.Message = "task already has a submission"
		return domain.Task{}, err
	}
	if err := ensureTaskTransition(t, domain.StatusOpen); err != nil {
		return domain.Task{}, err
	}
	previous := t.Contributor()
	t.Status = domain.StatusOpen
	t.ContributorID = nil
	t.AcceptedAt = nil
	if err := e.saveTask(ctx, tx, &t); err != nil {
		return domain.Task{}, err
	}
	if _, err := e.Activity.Record(ctx, tx, activity.Entry{
		Kind: domain.ActivityReopened, Task: t, ActorID: actingUserID, Contributor: previous,
		Payload: activity.Payload{"previous_contributor_id": previous},
	}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	e.Log.Debugw("task reopened", "task_id", t.ID, "previous_contributor_id", previous, "by", actingUserID)
	return t, nil
}

// finalize closes a settled task. Only the settlement path calls it, inside
// the same transaction that recorded the BOUNTY transaction.
func (e Engine) finalize(ctx context.Context, tx *sql.Tx, t domain.Task, txHash string) (domain.Task, error) {
	if err := ensureTaskTransition(t, domain.StatusCompleted); err != nil {
		return t, err
	}
	t.Status = domain.StatusCompleted
	t.Settled = true
	if err := e.saveTask(ctx, tx, &t); err != nil {
		return t, err
	}
	if _, err := e.Activity.Record(ctx, tx, activity.Entry{
		Kind: domain.ActivitySettled, Task: t,
		Payload: activity.Payload{"tx_hash": txHash, "amount": t.Bounty.String(), "asset": t.BountyAsset},
	}); err != nil {
		return t, err
	}
	return t, nil
}
