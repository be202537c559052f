package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"bountyline/internal/activity"
	"bountyline/internal/domain"
	"bountyline/internal/repo"
)

// Apply adds userID to the applicant set of an OPEN task. Re-applying is a no-op.
func (e Engine) Apply(ctx context.Context, taskID, userID string) (domain.Task, error) {
	tx, err := e.begin(ctx)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	if _, err := e.loadUser(ctx, tx, userID); err != nil {
		return domain.Task{}, err
	}
	t, err := e.loadTask(ctx, tx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	if t.Status != domain.StatusOpen {
		return domain.Task{}, domain.TaskError(domain.CodeInvalidTransition, t, "status")
	}
	changed, err := e.Repo.AddApplicant(ctx, tx, t.ID, userID, e.timestamp())
	if err != nil {
		return domain.Task{}, fmt.Errorf("add applicant: %w", err)
	}
	if changed {
		if _, err := e.Activity.Record(ctx, tx, activity.Entry{Kind: domain.ActivityApplied, Task: t, ActorID: userID}); err != nil {
			return domain.Task{}, err
		}
	}
	if t.Applicants, err = e.Repo.ListApplicants(ctx, tx, t.ID); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// WithdrawApplication removes userID from the applicant set of an OPEN task.
func (e Engine) WithdrawApplication(ctx context.Context, taskID, userID string) (domain.Task, error) {
	tx, err := e.begin(ctx)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	t, err := e.loadTask(ctx, tx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	if t.Status != domain.StatusOpen {
		return domain.Task{}, domain.TaskError(domain.CodeInvalidTransition, t, "status")
	}
	changed, err := e.Repo.RemoveApplicant(ctx, tx, t.ID, userID)
	if err != nil {
		return domain.Task{}, fmt.Errorf("remove applicant: %w", err)
	}
	if changed {
		if _, err := e.Activity.Record(ctx, tx, activity.Entry{Kind: domain.ActivityApplicationWithdrawn, Task: t, ActorID: userID}); err != nil {
			return domain.Task{}, err
		}
	}
	if t.Applicants, err = e.Repo.ListApplicants(ctx, tx, t.ID); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// SubmissionInput carries the work reference a contributor hands in.
type SubmissionInput struct {
	WorkRef    string
	Attachment string
	Meta       domain.Document
}

// Submit records the current contributor's work. Status is unchanged.
func (e Engine) Submit(ctx context.Context, taskID, contributorID string, in SubmissionInput) (domain.TaskSubmission, error) {
	if in.WorkRef == "" {
		return domain.TaskSubmission{}, domain.InvalidInput("work reference is required")
	}
	tx, err := e.begin(ctx)
	if err != nil {
		return domain.TaskSubmission{}, err
	}
	defer tx.Rollback()

	t, err := e.loadTask(ctx, tx, taskID)
	if err != nil {
		return domain.TaskSubmission{}, err
	}
	if t.Status != domain.StatusInProgress {
		return domain.TaskSubmission{}, domain.TaskError(domain.CodeInvalidTransition, t, "status")
	}
	if t.Contributor() != contributorID {
		err := domain.TaskError(domain.CodePermissionDenied, t, "contributor")
		err.Message = fmt.Sprintf("user %s is not the contributor", contributorID)
		return domain.TaskSubmission{}, err
	}
	now := e.timestamp()
	sub := domain.TaskSubmission{
		ID:        uuid.NewString(),
		TaskID:    t.ID,
		UserID:    contributorID,
		WorkRef:   in.WorkRef,
		Meta:      in.Meta,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if in.Attachment != "" {
		att := in.Attachment
		sub.Attachment = &att
	}
	if err := e.Repo.InsertSubmission(ctx, tx, sub); err != nil {
		if repo.IsConflict(err, "task_submissions") {
			return domain.TaskSubmission{}, &domain.Error{Code: domain.CodeDuplicateSubmission, TaskID: t.ID, Status: t.Status,
				Constraint: "task_submissions(task_id,user_id)", Err: err}
		}
		return domain.TaskSubmission{}, fmt.Errorf("insert submission: %w", err)
	}
	if _, err := e.Activity.Record(ctx, tx, activity.Entry{
		Kind: domain.ActivitySubmitted, Task: t, ActorID: contributorID, SubmissionID: sub.ID,
		Payload: activity.Payload{"work_ref": sub.WorkRef},
	}); err != nil {
		return domain.TaskSubmission{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.TaskSubmission{}, err
	}
	e.Log.Debugw("work submitted", "task_id", t.ID, "submission_id", sub.ID)
	return sub, nil
}
