package activity

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"bountyline/internal/domain"
	"bountyline/internal/metrics"
	"bountyline/internal/repo"
)

// Recorder appends task activities and keeps contribution summaries in step,
// always inside the caller's transaction.
type Recorder struct {
	Repo    repo.Repo
	Now     func() time.Time
	Metrics *metrics.Collector
}

type Payload map[string]any

// Entry describes one activity. Contributor names the user whose summary the
// entry affects; it defaults to the task's current contributor.
type Entry struct {
	Kind         domain.ActivityKind
	Task         domain.Task
	ActorID      string
	SubmissionID string
	Contributor  string
	Payload      Payload
}

// Record inserts the activity row and applies its summary effect.
func (r Recorder) Record(ctx context.Context, tx *sql.Tx, e Entry) (domain.TaskActivity, error) {
	if tx == nil {
		return domain.TaskActivity{}, fmt.Errorf("record %s: transaction required", e.Kind)
	}
	if r.Now == nil {
		r.Now = time.Now
	}
	ts := r.Now().UTC().Format(time.RFC3339)
	if e.Payload == nil {
		e.Payload = Payload{}
	}
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return domain.TaskActivity{}, fmt.Errorf("marshal activity payload: %w", err)
	}
	act := domain.TaskActivity{
		TaskID:    e.Task.ID,
		Kind:      e.Kind,
		Payload:   domain.Document(data),
		CreatedAt: ts,
	}
	if e.ActorID != "" {
		actor := e.ActorID
		act.UserID = &actor
	}
	if e.SubmissionID != "" {
		sub := e.SubmissionID
		act.SubmissionID = &sub
	}
	id, err := r.Repo.InsertActivity(ctx, tx, act)
	if err != nil {
		return domain.TaskActivity{}, fmt.Errorf("insert activity: %w", err)
	}
	act.ID = id

	contributor := e.Contributor
	if contributor == "" {
		contributor = e.Task.Contributor()
	}
	delta, ok := effect(e.Kind, e.Task, contributor)
	if ok {
		if err := r.Repo.ApplySummaryDelta(ctx, tx, contributor, delta, ts); err != nil {
			return domain.TaskActivity{}, fmt.Errorf("update contribution summary: %w", err)
		}
	}
	r.Metrics.RecordTransition(string(e.Kind))
	return act, nil
}

// effect maps an activity to its contribution summary change.
func effect(kind domain.ActivityKind, t domain.Task, contributor string) (repo.SummaryDelta, bool) {
	if contributor == "" {
		return repo.SummaryDelta{}, false
	}
	switch kind {
	case domain.ActivityAccepted:
		return repo.SummaryDelta{Active: 1, Earnings: decimal.Zero}, true
	case domain.ActivitySettled:
		if t.Status != domain.StatusCompleted || !t.Settled {
			return repo.SummaryDelta{}, false
		}
		return repo.SummaryDelta{Completed: 1, Active: -1, Earnings: t.Bounty}, true
	case domain.ActivityReopened:
		return repo.SummaryDelta{Active: -1, Earnings: decimal.Zero}, true
	}
	return repo.SummaryDelta{}, false
}
