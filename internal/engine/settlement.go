package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"bountyline/internal/activity"
	"bountyline/internal/config"
	"bountyline/internal/domain"
	"bountyline/internal/repo"
	"bountyline/internal/secrets"
	"bountyline/internal/wallet"
)

const defaultTransferTimeout = 15 * time.Second

// SettlementResult describes a completed settlement. Recovered is set when no
// new transfer was issued because an earlier attempt had already cleared.
type SettlementResult struct {
	Task        domain.Task        `json:"task"`
	Transaction domain.Transaction `json:"transaction"`
	Recovered   bool               `json:"recovered"`
}

const (
	resultSettled   = "settled"
	resultRecovered = "recovered"
	resultRetryable = "retryable"
	resultFailed    = "failed"
	resultNotReady  = "not_ready"
	resultError     = "error"
)

func (e Engine) transferTimeout() time.Duration {
	if e.Config != nil && e.Config.Settlement.TransferTimeout.Std() > 0 {
		return e.Config.Settlement.TransferTimeout.Std()
	}
	return defaultTransferTimeout
}

// Settle pays a MARKED_AS_COMPLETED task's bounty from the installation escrow
// to the contributor and finalizes the task. The task id is the idempotency
// key: an existing BOUNTY row or a transfer the ledger already cleared under
// that key is recorded instead of paying twice.
func (e Engine) Settle(ctx context.Context, taskID string) (SettlementResult, error) {
	start := time.Now()
	res, err := e.settle(ctx, taskID)
	result := settlementOutcome(res, err)
	e.Metrics.RecordSettlement(result, time.Since(start))
	log := e.Log.With("task_id", taskID, "result", result)
	switch result {
	case resultSettled, resultRecovered:
		log.Infow("task settled", "tx_hash", res.Transaction.TxHash, "amount", res.Transaction.Amount.String(), "asset", res.Transaction.Asset)
	case resultRetryable:
		log.Warnw("settlement outcome unknown, will retry", "error", err)
	case resultFailed, resultError:
		log.Errorw("settlement failed", "error", err)
	default:
		log.Debugw("settlement skipped", "error", err)
	}
	return res, err
}

func settlementOutcome(res SettlementResult, err error) string {
	switch domain.CodeOf(err) {
	case "":
		if err != nil {
			return resultError
		}
		if res.Recovered {
			return resultRecovered
		}
		return resultSettled
	case domain.CodeSettlementRetryable, domain.CodeConcurrentModification:
		return resultRetryable
	case domain.CodeSettlementFailed:
		return resultFailed
	case domain.CodeNotReadyToSettle:
		return resultNotReady
	}
	return resultError
}

// settle runs in three steps so no storage transaction is open while the
// ledger is called: validate the task, clear the transfer, then record the
// BOUNTY row and finalize under the task's version guard.
func (e Engine) settle(ctx context.Context, taskID string) (SettlementResult, error) {
	if e.Wallet == nil || e.Secrets == nil {
		return SettlementResult{}, errors.New("wallet ledger and secret store must be configured")
	}
	t, err := e.loadTask(ctx, nil, taskID)
	if err != nil {
		return SettlementResult{}, err
	}
	if err := checkSettleable(t); err != nil {
		return SettlementResult{}, err
	}

	// A BOUNTY row means the transfer was recorded but finalize never committed.
	if existing, err := e.Repo.BountyTransaction(ctx, nil, t.ID); err == nil {
		return e.recordSettlement(ctx, t, existing, true)
	} else if !errors.Is(err, repo.ErrNotFound) {
		return SettlementResult{}, fmt.Errorf("check bounty transaction: %w", err)
	}

	in, err := e.loadInstallation(ctx, nil, t.InstallationID)
	if err != nil {
		return SettlementResult{}, err
	}
	contributor, err := e.loadUser(ctx, nil, t.Contributor())
	if err != nil {
		return SettlementResult{}, err
	}

	key := t.ID
	wctx, cancel := context.WithTimeout(ctx, e.transferTimeout())
	defer cancel()
	cleared, found, err := e.Wallet.Lookup(wctx, key)
	if err != nil {
		return SettlementResult{}, retryable(t, "lookup", err)
	}
	if !found {
		cred, err := e.Secrets.Resolve(ctx, in.EscrowSecretRef)
		if err != nil {
			if errors.Is(err, secrets.ErrNotFound) || errors.Is(err, secrets.ErrUnsupported) {
				return e.holdSettlement(ctx, t, "escrow_secret", err)
			}
			return SettlementResult{}, retryable(t, "escrow_secret", err)
		}
		cleared, err = e.Wallet.Transfer(wctx, wallet.TransferRequest{
			From:           in.EscrowAddress,
			To:             contributor.WalletAddress,
			Asset:          t.BountyAsset,
			Amount:         t.Bounty,
			IdempotencyKey: key,
			Credential:     cred,
		})
		if err != nil {
			if wallet.IsPermanent(err) {
				return e.holdSettlement(ctx, t, permanentReason(err), err)
			}
			return SettlementResult{}, retryable(t, "transfer", err)
		}
	}

	taskRef, instRef, userRef := t.ID, in.ID, contributor.ID
	row := domain.Transaction{
		ID:             uuid.NewString(),
		TxHash:         cleared.TxHash,
		Category:       domain.CategoryBounty,
		Amount:         t.Bounty,
		Asset:          t.BountyAsset,
		FromAddress:    in.EscrowAddress,
		ToAddress:      contributor.WalletAddress,
		TaskID:         &taskRef,
		InstallationID: &instRef,
		UserID:         &userRef,
		CreatedAt:      e.timestamp(),
	}
	return e.recordSettlement(ctx, t, row, found)
}

func checkSettleable(t domain.Task) error {
	if t.Status != domain.StatusMarkedAsCompleted || t.Settled {
		return domain.TaskError(domain.CodeNotReadyToSettle, t, "status")
	}
	if t.SettlementHold {
		err := domain.TaskError(domain.CodeSettlementFailed, t, "settlement_hold")
		err.Message = "settlement is on hold until released"
		return err
	}
	if t.Contributor() == "" {
		return domain.TaskError(domain.CodeNotReadyToSettle, t, "contributor")
	}
	return nil
}

// recordSettlement writes the BOUNTY row and finalizes the task. The task is
// reloaded and must still be at the version seen before the ledger call; a
// BOUNTY row written meanwhile is reused instead of inserting a second one.
func (e Engine) recordSettlement(ctx context.Context, seen domain.Task, row domain.Transaction, recovered bool) (SettlementResult, error) {
	tx, err := e.begin(ctx)
	if err != nil {
		return SettlementResult{}, err
	}
	defer tx.Rollback()

	t, err := e.loadTask(ctx, tx, seen.ID)
	if err != nil {
		return SettlementResult{}, err
	}
	if t.Status != domain.StatusMarkedAsCompleted || t.Settled {
		return SettlementResult{}, domain.TaskError(domain.CodeNotReadyToSettle, t, "status")
	}
	if t.Version != seen.Version {
		return SettlementResult{}, domain.TaskError(domain.CodeConcurrentModification, t, "version")
	}
	existing, err := e.Repo.BountyTransaction(ctx, tx, t.ID)
	switch {
	case err == nil:
		row, recovered = existing, true
	case errors.Is(err, repo.ErrNotFound):
		if err := e.Repo.InsertTransaction(ctx, tx, row); err != nil {
			if repo.IsConflict(err, "transactions") {
				return SettlementResult{}, &domain.Error{Code: domain.CodeConcurrentModification, TaskID: t.ID, Status: t.Status, Constraint: "transactions(task_id) BOUNTY", Err: err}
			}
			return SettlementResult{}, fmt.Errorf("insert bounty transaction: %w", err)
		}
	default:
		return SettlementResult{}, fmt.Errorf("check bounty transaction: %w", err)
	}

	t, err = e.finalize(ctx, tx, t, row.TxHash)
	if err != nil {
		return SettlementResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return SettlementResult{}, retryable(t, "commit", err)
	}
	return SettlementResult{Task: t, Transaction: row, Recovered: recovered}, nil
}

// holdSettlement parks a task after a definitive ledger refusal. The hold and
// its activity commit; the task stays MARKED_AS_COMPLETED and unsettled. A
// task that moved on while the ledger answered is left alone.
func (e Engine) holdSettlement(ctx context.Context, seen domain.Task, reason string, cause error) (SettlementResult, error) {
	failed := &domain.Error{Code: domain.CodeSettlementFailed, TaskID: seen.ID, Status: seen.Status, Constraint: reason, Err: cause}
	tx, err := e.begin(ctx)
	if err != nil {
		return SettlementResult{}, err
	}
	defer tx.Rollback()

	t, err := e.loadTask(ctx, tx, seen.ID)
	if err != nil {
		return SettlementResult{}, err
	}
	if t.Version != seen.Version {
		return SettlementResult{}, domain.TaskError(domain.CodeConcurrentModification, t, "version")
	}
	t.SettlementHold = true
	if err := e.saveTask(ctx, tx, &t); err != nil {
		return SettlementResult{}, err
	}
	if _, err := e.Activity.Record(ctx, tx, activity.Entry{
		Kind: domain.ActivitySettlementFailed, Task: t,
		Payload: activity.Payload{"reason": reason, "error": cause.Error()},
	}); err != nil {
		return SettlementResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return SettlementResult{}, retryable(t, "commit", err)
	}
	return SettlementResult{}, failed
}

func retryable(t domain.Task, stage string, cause error) error {
	return &domain.Error{Code: domain.CodeSettlementRetryable, TaskID: t.ID, Status: t.Status, Constraint: stage, Message: "settlement outcome unknown", Err: cause}
}

func permanentReason(err error) string {
	switch {
	case errors.Is(err, wallet.ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, wallet.ErrInvalidAddress):
		return "invalid_address"
	}
	return "rejected"
}

// SettleAs is the manual trigger; the actor needs task.settle.
func (e Engine) SettleAs(ctx context.Context, taskID, actingUserID string) (SettlementResult, error) {
	t, err := e.loadTask(ctx, nil, taskID)
	if err != nil {
		return SettlementResult{}, err
	}
	if err := e.Auth.Require(ctx, nil, actingUserID, t.InstallationID, config.PermTaskSettle); err != nil {
		return SettlementResult{}, err
	}
	return e.Settle(ctx, taskID)
}

// ReleaseSettlementHold lets a held task be settled again, typically after the
// escrow was topped up or the contributor fixed their wallet.
func (e Engine) ReleaseSettlementHold(ctx context.Context, taskID, actingUserID string) (domain.Task, error) {
	tx, err := e.begin(ctx)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	t, err := e.loadTask(ctx, tx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	if err := e.Auth.Require(ctx, tx, actingUserID, t.InstallationID, config.PermTaskSettle); err != nil {
		return domain.Task{}, err
	}
	if !t.SettlementHold {
		err := domain.TaskError(domain.CodeInvalidTransition, t, "settlement_hold")
		err.Message = "task is not on hold"
		return domain.Task{}, err
	}
	t.SettlementHold = false
	if err := e.saveTask(ctx, tx, &t); err != nil {
		return domain.Task{}, err
	}
	if _, err := e.Activity.Record(ctx, tx, activity.Entry{Kind: domain.ActivityHoldReleased, Task: t, ActorID: actingUserID}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	e.Log.Infow("settlement hold released", "task_id", t.ID, "by", actingUserID)
	return t, nil
}

// PendingSettlements lists tasks waiting for settlement, excluding held ones.
func (e Engine) PendingSettlements(ctx context.Context, limit int) ([]domain.Task, error) {
	return e.Repo.PendingSettlements(ctx, limit)
}
