package engine_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bountyline/internal/config"
	"bountyline/internal/db"
	"bountyline/internal/domain"
	"bountyline/internal/engine"
	"bountyline/internal/migrate"
	"bountyline/internal/repo"
	"bountyline/internal/wallet"
)

type testEnv struct {
	Engine  engine.Engine
	Sandbox *wallet.Sandbox
	Inst    domain.Installation
	Ctx     context.Context
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newTestEnv(t *testing.T, tweak func(*config.Config)) testEnv {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	ledgerDB, err := db.Open(db.Config{Workspace: dir, Name: "sandbox.db"})
	require.NoError(t, err)
	t.Cleanup(func() { ledgerDB.Close() })

	cfg := config.Default()
	cfg.Settlement.Auto = false
	if tweak != nil {
		tweak(cfg)
	}
	sb, err := wallet.NewSandbox(ctx, ledgerDB, cfg.Wallet.Rates)
	require.NoError(t, err)
	eng := engine.New(conn, cfg, sb, sb).WithClock(func() time.Time {
		return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	})
	require.NoError(t, eng.SyncCatalog(ctx))
	for _, id := range []string{"owner", "dev", "dev2", "outsider"} {
		_, created, err := eng.EnsureUser(ctx, id, "")
		require.NoError(t, err)
		require.True(t, created)
	}
	inst, err := eng.CreateInstallation(ctx, engine.InstallationCreateOptions{ID: "acme", Name: "Acme", CreatorID: "owner", PackageID: "team"})
	require.NoError(t, err)
	return testEnv{Engine: eng, Sandbox: sb, Inst: inst, Ctx: ctx}
}

func (env testEnv) fundEscrow(t *testing.T, amount string) {
	t.Helper()
	_, err := env.Sandbox.Fund(env.Ctx, env.Inst.EscrowAddress, "USDC", dec(amount))
	require.NoError(t, err)
}

func (env testEnv) balance(t *testing.T, address string) string {
	t.Helper()
	bal, err := env.Sandbox.Balance(env.Ctx, address, "USDC")
	require.NoError(t, err)
	return bal.String()
}

func (env testEnv) wallet(t *testing.T, userID string) string {
	t.Helper()
	u, _, err := env.Engine.EnsureUser(env.Ctx, userID, "")
	require.NoError(t, err)
	return u.WalletAddress
}

func (env testEnv) createTask(t *testing.T, bounty string) domain.Task {
	t.Helper()
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		InstallationID: env.Inst.ID,
		ActorID:        "owner",
		Title:          "Fix the flaky importer",
		Issue:          domain.Document(`{"repo":"acme/api","number":42}`),
		Bounty:         dec(bounty),
		Timeline:       &domain.Timeline{Value: 2, Unit: domain.TimelineWeek},
	})
	require.NoError(t, err)
	return task
}

// inProgress applies and accepts dev on a new task.
func (env testEnv) inProgress(t *testing.T, bounty string) domain.Task {
	t.Helper()
	task := env.createTask(t, bounty)
	_, err := env.Engine.Apply(env.Ctx, task.ID, "dev")
	require.NoError(t, err)
	task, err = env.Engine.Accept(env.Ctx, task.ID, "dev", "owner")
	require.NoError(t, err)
	return task
}

// marked drives a new task to MARKED_AS_COMPLETED with auto settlement off.
func (env testEnv) marked(t *testing.T, bounty string) domain.Task {
	t.Helper()
	task := env.inProgress(t, bounty)
	_, err := env.Engine.Submit(env.Ctx, task.ID, "dev", engine.SubmissionInput{WorkRef: "https://github.com/acme/api/pull/7"})
	require.NoError(t, err)
	task, err = env.Engine.MarkCompleted(env.Ctx, task.ID, "owner")
	require.NoError(t, err)
	require.Equal(t, domain.StatusMarkedAsCompleted, task.Status)
	return task
}

func (env testEnv) bountyRows(t *testing.T, taskID string) int {
	t.Helper()
	n, err := env.Engine.Repo.CountBountyTransactions(env.Ctx, nil, taskID)
	require.NoError(t, err)
	return n
}

func TestBountyLifecycleSettlesOnMark(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Settlement.Auto = true })
	env.fundEscrow(t, "100")

	task := env.createTask(t, "40")
	assert.Equal(t, domain.StatusOpen, task.Status)
	assert.Equal(t, "USDC", task.BountyAsset)

	task, err := env.Engine.Apply(env.Ctx, task.ID, "dev")
	require.NoError(t, err)
	assert.Equal(t, []string{"dev"}, task.Applicants)

	task, err = env.Engine.Accept(env.Ctx, task.ID, "dev", "owner")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInProgress, task.Status)
	assert.Equal(t, "dev", task.Contributor())
	require.NotNil(t, task.AcceptedAt)

	_, err = env.Engine.Submit(env.Ctx, task.ID, "dev", engine.SubmissionInput{WorkRef: "https://github.com/acme/api/pull/7"})
	require.NoError(t, err)

	task, err = env.Engine.MarkCompleted(env.Ctx, task.ID, "owner")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, task.Status)
	assert.True(t, task.Settled)

	assert.Equal(t, "60", env.balance(t, env.Inst.EscrowAddress))
	assert.Equal(t, "40", env.balance(t, env.wallet(t, "dev")))
	assert.Equal(t, 1, env.bountyRows(t, task.ID))

	sum, err := env.Engine.ContributionSummary(env.Ctx, "dev")
	require.NoError(t, err)
	assert.Equal(t, 1, sum.TasksCompleted)
	assert.Equal(t, 0, sum.ActiveTasks)
	assert.Equal(t, "40", sum.TotalEarnings.String())

	acts, err := env.Engine.ListActivities(env.Ctx, task.ID, "owner")
	require.NoError(t, err)
	var kinds []domain.ActivityKind
	for _, a := range acts {
		kinds = append(kinds, a.Kind)
	}
	assert.Equal(t, []domain.ActivityKind{
		domain.ActivityCreated, domain.ActivityApplied, domain.ActivityAccepted,
		domain.ActivitySubmitted, domain.ActivityMarkedCompleted, domain.ActivitySettled,
	}, kinds)

	_, err = env.Engine.Settle(env.Ctx, task.ID)
	assert.ErrorIs(t, err, domain.ErrNotReadyToSettle)
	assert.Equal(t, 1, env.bountyRows(t, task.ID))
}

func TestCreateTaskValidation(t *testing.T) {
	env := newTestEnv(t, nil)

	_, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{InstallationID: env.Inst.ID, ActorID: "owner", Title: "x", Bounty: dec("0")})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{InstallationID: env.Inst.ID, ActorID: "outsider", Title: "x", Bounty: dec("5")})
	assert.ErrorIs(t, err, domain.ErrNotMember)

	_, err = env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{InstallationID: "nope", ActorID: "owner", Title: "x", Bounty: dec("5")})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestApplyIsIdempotent(t *testing.T) {
	env := newTestEnv(t, nil)
	task := env.createTask(t, "10")

	for i := 0; i < 2; i++ {
		got, err := env.Engine.Apply(env.Ctx, task.ID, "dev")
		require.NoError(t, err)
		assert.Equal(t, []string{"dev"}, got.Applicants)
	}
	n, err := env.Engine.Repo.CountActivities(env.Ctx, nil, task.ID, domain.ActivityApplied)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := env.Engine.WithdrawApplication(env.Ctx, task.ID, "dev")
	require.NoError(t, err)
	assert.Empty(t, got.Applicants)
}

func TestAcceptChecksMembershipAndApplicants(t *testing.T) {
	env := newTestEnv(t, nil)
	task := env.createTask(t, "10")
	_, err := env.Engine.Apply(env.Ctx, task.ID, "dev")
	require.NoError(t, err)

	_, err = env.Engine.Accept(env.Ctx, task.ID, "dev", "outsider")
	assert.ErrorIs(t, err, domain.ErrNotMember)

	_, err = env.Engine.GrantPermission(env.Ctx, env.Inst.ID, "dev2", "owner", nil)
	require.NoError(t, err)
	_, err = env.Engine.Accept(env.Ctx, task.ID, "dev", "dev2")
	assert.ErrorIs(t, err, domain.ErrPermissionDenied)

	_, err = env.Engine.Accept(env.Ctx, task.ID, "outsider", "owner")
	assert.ErrorIs(t, err, domain.ErrInvalidApplicant)

	got, err := env.Engine.GetTask(env.Ctx, task.ID, "owner")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusOpen, got.Status)
	assert.Equal(t, task.Version, got.Version)
}

func TestConcurrentAcceptPicksOneContributor(t *testing.T) {
	env := newTestEnv(t, nil)
	task := env.createTask(t, "10")
	for _, u := range []string{"dev", "dev2"} {
		_, err := env.Engine.Apply(env.Ctx, task.ID, u)
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, u := range []string{"dev", "dev2"} {
		wg.Add(1)
		go func(i int, u string) {
			defer wg.Done()
			_, errs[i] = env.Engine.Accept(env.Ctx, task.ID, u, "owner")
		}(i, u)
	}
	wg.Wait()

	var ok, already int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case domain.CodeOf(err) == domain.CodeAlreadyAccepted:
			already++
		default:
			t.Fatalf("unexpected accept error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, already)

	got, err := env.Engine.GetTask(env.Ctx, task.ID, "owner")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInProgress, got.Status)
	n, err := env.Engine.Repo.CountActivities(env.Ctx, nil, task.ID, domain.ActivityAccepted)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSubmitRules(t *testing.T) {
	env := newTestEnv(t, nil)
	open := env.createTask(t, "10")
	_, err := env.Engine.Submit(env.Ctx, open.ID, "dev", engine.SubmissionInput{WorkRef: "pr/1"})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	task := env.inProgress(t, "10")
	_, err = env.Engine.Submit(env.Ctx, task.ID, "dev2", engine.SubmissionInput{WorkRef: "pr/2"})
	assert.ErrorIs(t, err, domain.ErrPermissionDenied)

	_, err = env.Engine.Submit(env.Ctx, task.ID, "dev", engine.SubmissionInput{WorkRef: "pr/3", Attachment: "s3://bucket/demo.mp4"})
	require.NoError(t, err)
	_, err = env.Engine.Submit(env.Ctx, task.ID, "dev", engine.SubmissionInput{WorkRef: "pr/4"})
	assert.ErrorIs(t, err, domain.ErrDuplicateSubmission)

	subs, err := env.Engine.ListSubmissions(env.Ctx, task.ID, "owner")
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, "pr/3", subs[0].WorkRef)

	got, err := env.Engine.GetTask(env.Ctx, task.ID, "owner")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInProgress, got.Status)
}

func TestMarkCompletedNeedsSubmission(t *testing.T) {
	env := newTestEnv(t, nil)
	task := env.inProgress(t, "10")

	_, err := env.Engine.MarkCompleted(env.Ctx, task.ID, "owner")
	require.ErrorIs(t, err, domain.ErrInvalidTransition)
	var derr *domain.Error
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, "submission_required", derr.Constraint)
}

func TestReopenReleasesContributor(t *testing.T) {
	env := newTestEnv(t, nil)
	task := env.inProgress(t, "10")

	sum, err := env.Engine.ContributionSummary(env.Ctx, "dev")
	require.NoError(t, err)
	assert.Equal(t, 1, sum.ActiveTasks)

	task, err = env.Engine.Reopen(env.Ctx, task.ID, "owner")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusOpen, task.Status)
	assert.Nil(t, task.ContributorID)
	assert.Nil(t, task.AcceptedAt)
	assert.Equal(t, []string{"dev"}, task.Applicants)

	sum, err = env.Engine.ContributionSummary(env.Ctx, "dev")
	require.NoError(t, err)
	assert.Equal(t, 0, sum.ActiveTasks)

	// accept again, submit, then reopen must refuse
	_, err = env.Engine.Accept(env.Ctx, task.ID, "dev", "owner")
	require.NoError(t, err)
	_, err = env.Engine.Submit(env.Ctx, task.ID, "dev", engine.SubmissionInput{WorkRef: "pr/9"})
	require.NoError(t, err)
	_, err = env.Engine.Reopen(env.Ctx, task.ID, "owner")
	require.ErrorIs(t, err, domain.ErrInvalidTransition)
	var derr *domain.Error
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, "no_submissions", derr.Constraint)
}

// flakyLedger clears the transfer but reports a timeout, as a network drop
// after the ledger committed would.
type flakyLedger struct {
	*wallet.Sandbox
	mu    sync.Mutex
	drops int
}

func (f *flakyLedger) Transfer(ctx context.Context, req wallet.TransferRequest) (wallet.Transfer, error) {
	tr, err := f.Sandbox.Transfer(ctx, req)
	if err != nil {
		return tr, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.drops > 0 {
		f.drops--
		return wallet.Transfer{}, context.DeadlineExceeded
	}
	return tr, nil
}

func TestSettleRecoversTransferAfterTimeout(t *testing.T) {
	env := newTestEnv(t, nil)
	env.fundEscrow(t, "100")
	task := env.marked(t, "40")

	eng := env.Engine
	eng.Wallet = &flakyLedger{Sandbox: env.Sandbox, drops: 1}

	_, err := eng.Settle(env.Ctx, task.ID)
	require.ErrorIs(t, err, domain.ErrSettlementRetryable)
	var derr *domain.Error
	require.ErrorAs(t, err, &derr)
	assert.True(t, derr.Retryable())

	got, err := eng.GetTask(env.Ctx, task.ID, "owner")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusMarkedAsCompleted, got.Status)
	assert.False(t, got.Settled)
	assert.Equal(t, 0, env.bountyRows(t, task.ID))
	assert.Equal(t, "60", env.balance(t, env.Inst.EscrowAddress))

	res, err := eng.Settle(env.Ctx, task.ID)
	require.NoError(t, err)
	assert.True(t, res.Recovered)
	assert.Equal(t, domain.StatusCompleted, res.Task.Status)
	assert.Equal(t, "60", env.balance(t, env.Inst.EscrowAddress))
	assert.Equal(t, "40", env.balance(t, env.wallet(t, "dev")))
	assert.Equal(t, 1, env.bountyRows(t, task.ID))
}

func TestConcurrentSettleWritesOneBounty(t *testing.T) {
	env := newTestEnv(t, nil)
	env.fundEscrow(t, "100")
	task := env.marked(t, "40")

	const n = 4
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.Engine.Settle(env.Ctx, task.ID)
		}(i)
	}
	wg.Wait()

	settled := 0
	for _, err := range errs {
		if err == nil {
			settled++
			continue
		}
		code := domain.CodeOf(err)
		assert.True(t, code == domain.CodeNotReadyToSettle || code == domain.CodeConcurrentModification, "unexpected error %v", err)
	}
	assert.Equal(t, 1, settled)
	assert.Equal(t, 1, env.bountyRows(t, task.ID))
	assert.Equal(t, "60", env.balance(t, env.Inst.EscrowAddress))

	sum, err := env.Engine.ContributionSummary(env.Ctx, "dev")
	require.NoError(t, err)
	assert.Equal(t, 1, sum.TasksCompleted)
	assert.Equal(t, "40", sum.TotalEarnings.String())
}

func TestPermanentFailureHoldsUntilReleased(t *testing.T) {
	env := newTestEnv(t, nil)
	task := env.marked(t, "40")

	_, err := env.Engine.Settle(env.Ctx, task.ID)
	require.ErrorIs(t, err, domain.ErrSettlementFailed)
	var derr *domain.Error
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, "insufficient_funds", derr.Constraint)
	assert.False(t, derr.Retryable())

	got, err := env.Engine.GetTask(env.Ctx, task.ID, "owner")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusMarkedAsCompleted, got.Status)
	assert.True(t, got.SettlementHold)
	n, err := env.Engine.Repo.CountActivities(env.Ctx, nil, task.ID, domain.ActivitySettlementFailed)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	pending, err := env.Engine.PendingSettlements(env.Ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	_, err = env.Engine.Settle(env.Ctx, task.ID)
	assert.ErrorIs(t, err, domain.ErrSettlementFailed)

	env.fundEscrow(t, "50")
	_, err = env.Engine.ReleaseSettlementHold(env.Ctx, task.ID, "dev")
	assert.ErrorIs(t, err, domain.ErrNotMember)
	released, err := env.Engine.ReleaseSettlementHold(env.Ctx, task.ID, "owner")
	require.NoError(t, err)
	assert.False(t, released.SettlementHold)

	rep, err := engine.NewRetrier(env.Engine).RunOnce(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, engine.RetryReport{Attempted: 1, Settled: 1}, rep)
	assert.Equal(t, 1, env.bountyRows(t, task.ID))
	assert.Equal(t, "10", env.balance(t, env.Inst.EscrowAddress))

	_, err = env.Engine.ReleaseSettlementHold(env.Ctx, task.ID, "owner")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestRetrierSkipsNothingPending(t *testing.T) {
	env := newTestEnv(t, nil)
	rep, err := engine.NewRetrier(env.Engine).RunOnce(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, engine.RetryReport{}, rep)
}

func TestSettleAsRequiresSettlePermission(t *testing.T) {
	env := newTestEnv(t, nil)
	env.fundEscrow(t, "10")
	task := env.marked(t, "10")

	_, err := env.Engine.GrantPermission(env.Ctx, env.Inst.ID, "dev2", "owner", []string{config.PermTaskManage})
	require.NoError(t, err)
	_, err = env.Engine.SettleAs(env.Ctx, task.ID, "dev2")
	assert.ErrorIs(t, err, domain.ErrPermissionDenied)

	res, err := env.Engine.SettleAs(env.Ctx, task.ID, "owner")
	require.NoError(t, err)
	assert.False(t, res.Recovered)
	assert.Equal(t, domain.CategoryBounty, res.Transaction.Category)
}

func TestGrantRevokeAndQuotas(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := env.Ctx
	free, err := env.Engine.CreateInstallation(ctx, engine.InstallationCreateOptions{ID: "tiny", Name: "Tiny", CreatorID: "owner", PackageID: "free"})
	require.NoError(t, err)

	codes, err := env.Engine.Permissions(ctx, free.ID, "owner", "owner")
	require.NoError(t, err)
	assert.Equal(t, config.Default().AllPermissionCodes(), codes)

	_, err = env.Engine.GrantPermission(ctx, free.ID, "dev", "owner", []string{"task.fly"})
	assert.ErrorIs(t, err, domain.ErrUnknownPermission)

	g, err := env.Engine.GrantPermission(ctx, free.ID, "dev", "owner", []string{config.PermTaskCreate})
	require.NoError(t, err)
	assert.Equal(t, []string{config.PermTaskCreate}, g.Codes)
	g, err = env.Engine.GrantPermission(ctx, free.ID, "dev", "owner", []string{config.PermTaskManage, config.PermTaskCreate})
	require.NoError(t, err)
	assert.Equal(t, []string{config.PermTaskCreate, config.PermTaskManage}, g.Codes)

	_, err = env.Engine.GrantPermission(ctx, free.ID, "dev2", "owner", nil)
	require.NoError(t, err)
	_, err = env.Engine.GrantPermission(ctx, free.ID, "outsider", "owner", nil)
	assert.ErrorIs(t, err, domain.ErrQuotaExceeded)

	_, err = env.Engine.GrantPermission(ctx, free.ID, "dev2", "dev", []string{config.PermTaskView})
	assert.ErrorIs(t, err, domain.ErrPermissionDenied)

	codes, err = env.Engine.Permissions(ctx, free.ID, "dev", "dev")
	require.NoError(t, err)
	assert.Equal(t, []string{config.PermTaskCreate, config.PermTaskManage, config.PermTaskView}, codes)

	g, err = env.Engine.RevokePermission(ctx, free.ID, "dev", "owner", []string{config.PermTaskManage})
	require.NoError(t, err)
	assert.Equal(t, []string{config.PermTaskCreate}, g.Codes)

	_, err = env.Engine.RevokePermission(ctx, free.ID, "dev", "owner", nil)
	require.NoError(t, err)
	_, err = env.Engine.Permissions(ctx, free.ID, "dev", "dev")
	assert.ErrorIs(t, err, domain.ErrNotMember)
	_, err = env.Engine.RevokePermission(ctx, free.ID, "dev", "owner", nil)
	assert.ErrorIs(t, err, domain.ErrNotMember)

	for i := 0; i < 5; i++ {
		_, err := env.Engine.CreateTask(ctx, engine.TaskCreateOptions{InstallationID: free.ID, ActorID: "owner", Title: "t", Bounty: dec("1")})
		require.NoError(t, err)
	}
	_, err = env.Engine.CreateTask(ctx, engine.TaskCreateOptions{InstallationID: free.ID, ActorID: "owner", Title: "t", Bounty: dec("1")})
	require.ErrorIs(t, err, domain.ErrQuotaExceeded)
	var derr *domain.Error
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, "max_tasks", derr.Constraint)
}

func TestFundingMovesAndRecordsTransactions(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := env.Ctx
	_, err := env.Sandbox.Fund(ctx, env.Inst.WalletAddress, "USDC", dec("100"))
	require.NoError(t, err)
	_, err = env.Sandbox.Fund(ctx, env.Inst.WalletAddress, "XLM", dec("50"))
	require.NoError(t, err)

	_, err = env.Engine.TopUpEscrow(ctx, env.Inst.ID, "dev", "USDC", dec("10"))
	assert.ErrorIs(t, err, domain.ErrNotMember)

	top, err := env.Engine.TopUpEscrow(ctx, env.Inst.ID, "owner", "USDC", dec("30"))
	require.NoError(t, err)
	assert.Equal(t, domain.CategoryTopUp, top.Category)
	assert.Equal(t, "30", env.balance(t, env.Inst.EscrowAddress))
	assert.Equal(t, "70", env.balance(t, env.Inst.WalletAddress))

	_, err = env.Engine.TopUpEscrow(ctx, env.Inst.ID, "owner", "USDC", dec("500"))
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	assert.ErrorIs(t, err, wallet.ErrInsufficientFunds)

	swap, err := env.Engine.Swap(ctx, env.Inst.ID, "owner", "XLM", "USDC", dec("50"))
	require.NoError(t, err)
	assert.Equal(t, domain.CategorySwapUSDC, swap.Category)
	require.NotNil(t, swap.ToAmount)
	assert.Equal(t, "5", swap.ToAmount.String())
	assert.Equal(t, "75", env.balance(t, env.Inst.WalletAddress))

	_, err = env.Engine.Swap(ctx, env.Inst.ID, "owner", "USDC", "EUR", dec("1"))
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	devWallet := env.wallet(t, "dev")
	_, err = env.Sandbox.Fund(ctx, devWallet, "USDC", dec("20"))
	require.NoError(t, err)
	out, err := env.Engine.Withdraw(ctx, "dev", "GEXTERNALPAYOUT1", "USDC", dec("15"))
	require.NoError(t, err)
	assert.Equal(t, domain.CategoryWithdrawal, out.Category)
	assert.Equal(t, "5", env.balance(t, devWallet))
	book, err := env.Engine.ListAddresses(ctx, "dev")
	require.NoError(t, err)
	require.Len(t, book, 1)
	assert.Equal(t, "GEXTERNALPAYOUT1", book[0].Address)

	_, err = env.Engine.Withdraw(ctx, "dev", "not-an-address", "USDC", dec("1"))
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	rows, err := env.Engine.ListTransactions(ctx, repo.TransactionFilter{InstallationID: env.Inst.ID}, "owner")
	require.NoError(t, err)
	assert.Len(t, rows, 2)
	mine, err := env.Engine.ListTransactions(ctx, repo.TransactionFilter{}, "dev")
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, domain.CategoryWithdrawal, mine[0].Category)
	_, err = env.Engine.ListTransactions(ctx, repo.TransactionFilter{UserID: "owner"}, "dev")
	assert.ErrorIs(t, err, domain.ErrPermissionDenied)
}

func TestEnsureUserIsIdempotentAndKeysAuthenticate(t *testing.T) {
	env := newTestEnv(t, nil)
	u, created, err := env.Engine.EnsureUser(env.Ctx, "dev", "ignored")
	require.NoError(t, err)
	assert.False(t, created)
	assert.True(t, wallet.ValidAddress(u.WalletAddress))

	key, raw, err := env.Engine.CreateAPIKey(env.Ctx, "dev", "ci")
	require.NoError(t, err)
	found, err := env.Engine.Repo.GetAPIKeyByHash(env.Ctx, repo.HashAPIKey(raw))
	require.NoError(t, err)
	assert.Equal(t, key.ID, found.ID)
	assert.Equal(t, "dev", found.UserID)
}

// gatedLedger parks Transfer until released, so a test can act while a
// settlement waits on the ledger.
type gatedLedger struct {
	*wallet.Sandbox
	entered chan struct{}
	release chan struct{}
}

func (g *gatedLedger) Transfer(ctx context.Context, req wallet.TransferRequest) (wallet.Transfer, error) {
	close(g.entered)
	select {
	case <-g.release:
	case <-ctx.Done():
		return wallet.Transfer{}, ctx.Err()
	}
	return g.Sandbox.Transfer(ctx, req)
}

func TestSlowLedgerDoesNotBlockOtherTasks(t *testing.T) {
	env := newTestEnv(t, nil)
	env.fundEscrow(t, "100")
	task := env.marked(t, "40")
	other := env.createTask(t, "10")

	eng := env.Engine
	gate := &gatedLedger{Sandbox: env.Sandbox, entered: make(chan struct{}), release: make(chan struct{})}
	eng.Wallet = gate

	done := make(chan error, 1)
	go func() {
		_, err := eng.Settle(env.Ctx, task.ID)
		done <- err
	}()
	select {
	case <-gate.entered:
	case err := <-done:
		t.Fatalf("settle returned before reaching the ledger: %v", err)
	}

	start := time.Now()
	applied, err := env.Engine.Apply(env.Ctx, other.ID, "dev2")
	require.NoError(t, err)
	assert.Equal(t, []string{"dev2"}, applied.Applicants)
	assert.Less(t, time.Since(start), 2*time.Second)

	close(gate.release)
	require.NoError(t, <-done)
	got, err := env.Engine.GetTask(env.Ctx, task.ID, "owner")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, got.Status)
	assert.True(t, got.Settled)
	assert.Equal(t, 1, env.bountyRows(t, task.ID))
	assert.Equal(t, "60", env.balance(t, env.Inst.EscrowAddress))
}

func TestSettleFinalizesFromRecordedBountyRow(t *testing.T) {
	env := newTestEnv(t, nil)
	env.fundEscrow(t, "100")
	task := env.marked(t, "40")

	taskRef, instRef, userRef := task.ID, env.Inst.ID, "dev"
	require.NoError(t, env.Engine.Repo.InsertTransaction(env.Ctx, nil, domain.Transaction{
		ID:             "bounty-recorded",
		TxHash:         "cleared-earlier",
		Category:       domain.CategoryBounty,
		Amount:         dec("40"),
		Asset:          "USDC",
		FromAddress:    env.Inst.EscrowAddress,
		ToAddress:      env.wallet(t, "dev"),
		TaskID:         &taskRef,
		InstallationID: &instRef,
		UserID:         &userRef,
		CreatedAt:      "2026-03-01T12:00:00Z",
	}))

	res, err := env.Engine.Settle(env.Ctx, task.ID)
	require.NoError(t, err)
	assert.True(t, res.Recovered)
	assert.Equal(t, "cleared-earlier", res.Transaction.TxHash)
	assert.Equal(t, domain.StatusCompleted, res.Task.Status)
	assert.True(t, res.Task.Settled)
	assert.Equal(t, 1, env.bountyRows(t, task.ID))
	assert.Equal(t, "100", env.balance(t, env.Inst.EscrowAddress))

	sum, err := env.Engine.ContributionSummary(env.Ctx, "dev")
	require.NoError(t, err)
	assert.Equal(t, 1, sum.TasksCompleted)
	assert.Equal(t, "40", sum.TotalEarnings.String())

	_, err = env.Engine.Settle(env.Ctx, task.ID)
	assert.ErrorIs(t, err, domain.ErrNotReadyToSettle)
	sum, err = env.Engine.ContributionSummary(env.Ctx, "dev")
	require.NoError(t, err)
	assert.Equal(t, 1, sum.TasksCompleted)
}

// hangupLedger clears the transfer and then cancels the caller's context, as
// a client disconnecting mid-settlement would.
type hangupLedger struct {
	*wallet.Sandbox
	cancel context.CancelFunc
}

func (h *hangupLedger) Transfer(ctx context.Context, req wallet.TransferRequest) (wallet.Transfer, error) {
	tr, err := h.Sandbox.Transfer(ctx, req)
	h.cancel()
	if err != nil {
		return tr, err
	}
	return wallet.Transfer{}, ctx.Err()
}

func TestSettleRecoversTransferAfterCancel(t *testing.T) {
	env := newTestEnv(t, nil)
	env.fundEscrow(t, "100")
	task := env.marked(t, "40")

	ctx, cancel := context.WithCancel(env.Ctx)
	defer cancel()
	eng := env.Engine
	eng.Wallet = &hangupLedger{Sandbox: env.Sandbox, cancel: cancel}

	_, err := eng.Settle(ctx, task.ID)
	require.ErrorIs(t, err, domain.ErrSettlementRetryable)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, env.bountyRows(t, task.ID))
	assert.Equal(t, "60", env.balance(t, env.Inst.EscrowAddress))

	res, err := env.Engine.Settle(env.Ctx, task.ID)
	require.NoError(t, err)
	assert.True(t, res.Recovered)
	assert.Equal(t, domain.StatusCompleted, res.Task.Status)
	assert.Equal(t, 1, env.bountyRows(t, task.ID))
	assert.Equal(t, "60", env.balance(t, env.Inst.EscrowAddress))
	assert.Equal(t, "40", env.balance(t, env.wallet(t, "dev")))
}

// racingLedger lets another engine settle the task first, as a retrier
// running alongside the automatic settlement would.
type racingLedger struct {
	*wallet.Sandbox
	first engine.Engine
	once  sync.Once
}

func (r *racingLedger) Transfer(ctx context.Context, req wallet.TransferRequest) (wallet.Transfer, error) {
	var err error
	r.once.Do(func() { _, err = r.first.Settle(ctx, req.IdempotencyKey) })
	if err != nil {
		return wallet.Transfer{}, err
	}
	return r.Sandbox.Transfer(ctx, req)
}

func TestMarkCompletedAcceptsSettlementFinishedElsewhere(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Settlement.Auto = true })
	env.fundEscrow(t, "100")
	task := env.inProgress(t, "40")
	_, err := env.Engine.Submit(env.Ctx, task.ID, "dev", engine.SubmissionInput{WorkRef: "https://github.com/acme/api/pull/7"})
	require.NoError(t, err)

	eng := env.Engine
	eng.Wallet = &racingLedger{Sandbox: env.Sandbox, first: env.Engine}
	got, err := eng.MarkCompleted(env.Ctx, task.ID, "owner")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, got.Status)
	assert.True(t, got.Settled)
	assert.Equal(t, 1, env.bountyRows(t, task.ID))
	assert.Equal(t, "60", env.balance(t, env.Inst.EscrowAddress))
}

func TestMarkCompletedReturnsMarkedTaskWhenSettlementErrors(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Settlement.Auto = true })
	task := env.inProgress(t, "40")
	_, err := env.Engine.Submit(env.Ctx, task.ID, "dev", engine.SubmissionInput{WorkRef: "https://github.com/acme/api/pull/7"})
	require.NoError(t, err)

	eng := env.Engine
	eng.Secrets = nil
	got, err := eng.MarkCompleted(env.Ctx, task.ID, "owner")
	require.Error(t, err)
	assert.Equal(t, task.ID, got.ID)
	assert.Equal(t, domain.StatusMarkedAsCompleted, got.Status)

	got, err = eng.MarkCompleted(env.Ctx, task.ID, "owner")
	require.ErrorIs(t, err, domain.ErrInvalidTransition)
	assert.Empty(t, got.ID)
}

func TestAPIKeysAreScopedToTheirOwner(t *testing.T) {
	env := newTestEnv(t, nil)
	key, raw, err := env.Engine.CreateAPIKey(env.Ctx, "dev", "ci")
	require.NoError(t, err)
	assert.Equal(t, raw[:repo.APIKeyPrefixLen], key.Prefix)

	keys, err := env.Engine.ListAPIKeys(env.Ctx, "dev")
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, key.ID, keys[0].ID)
	assert.Equal(t, key.Prefix, keys[0].Prefix)
	none, err := env.Engine.ListAPIKeys(env.Ctx, "owner")
	require.NoError(t, err)
	assert.Empty(t, none)

	err = env.Engine.RevokeAPIKey(env.Ctx, "owner", key.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	require.NoError(t, env.Engine.RevokeAPIKey(env.Ctx, "dev", key.ID))
	_, err = env.Engine.Repo.GetAPIKeyByHash(env.Ctx, repo.HashAPIKey(raw))
	assert.ErrorIs(t, err, repo.ErrNotFound)
	err = env.Engine.RevokeAPIKey(env.Ctx, "dev", key.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestGetInstallationRequiresMembership(t *testing.T) {
	env := newTestEnv(t, nil)
	in, err := env.Engine.GetInstallation(env.Ctx, "acme", "owner")
	require.NoError(t, err)
	assert.Equal(t, env.Inst.EscrowAddress, in.EscrowAddress)

	_, err = env.Engine.GetInstallation(env.Ctx, "acme", "outsider")
	assert.ErrorIs(t, err, domain.ErrNotMember)
	_, err = env.Engine.GetInstallation(env.Ctx, "missing", "owner")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
