package engine

import (
	"context"
	"time"

	"bountyline/internal/domain"
)

const (
	defaultRetryInterval = 30 * time.Second
	defaultRetryBatch    = 50
)

// Retrier periodically re-runs Settle for tasks stuck in MARKED_AS_COMPLETED.
// Settle is idempotent per task, so overlapping passes are harmless.
type Retrier struct {
	engine   Engine
	interval time.Duration
	batch    int
}

// RetryReport summarizes one pass.
type RetryReport struct {
	Attempted int `json:"attempted"`
	Settled   int `json:"settled"`
	Retryable int `json:"retryable"`
	Failed    int `json:"failed"`
}

func NewRetrier(e Engine) *Retrier {
	r := &Retrier{engine: e, interval: defaultRetryInterval, batch: defaultRetryBatch}
	if e.Config != nil {
		if d := e.Config.Settlement.RetryInterval.Std(); d > 0 {
			r.interval = d
		}
		if e.Config.Settlement.RetryBatch > 0 {
			r.batch = e.Config.Settlement.RetryBatch
		}
	}
	return r
}

// Run blocks until ctx is done.
func (r *Retrier) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
			r.engine.Log.Errorw("settlement retrier pass failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce settles up to one batch of pending tasks.
func (r *Retrier) RunOnce(ctx context.Context) (RetryReport, error) {
	var rep RetryReport
	pending, err := r.engine.PendingSettlements(ctx, r.batch)
	if err != nil {
		return rep, err
	}
	r.engine.Metrics.SetPendingSettlements(len(pending))
	for _, t := range pending {
		if ctx.Err() != nil {
			return rep, ctx.Err()
		}
		rep.Attempted++
		_, err := r.engine.Settle(ctx, t.ID)
		switch code := domain.CodeOf(err); {
		case err == nil:
			rep.Settled++
		case code == domain.CodeNotReadyToSettle:
			// settled by someone else since the listing
		case code == domain.CodeSettlementFailed:
			rep.Failed++
		default:
			rep.Retryable++
		}
	}
	if rep.Attempted > 0 {
		r.engine.Log.Infow("settlement retrier pass", "attempted", rep.Attempted, "settled", rep.Settled, "retryable", rep.Retryable, "failed", rep.Failed)
	}
	return rep, nil
}
