package wallet

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bountyline/internal/db"
	"bountyline/internal/metrics"
	"bountyline/internal/secrets"
)

func newSandbox(t *testing.T) *Sandbox {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir(), Name: "sandbox.db"})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	sb, err := NewSandbox(context.Background(), conn, map[string]float64{"XLM/USDC": 0.1})
	require.NoError(t, err)
	return sb
}

func provisioned(t *testing.T, sb *Sandbox) (Account, secrets.Credential) {
	t.Helper()
	acct, err := sb.Provision(context.Background(), "test")
	require.NoError(t, err)
	cred, err := sb.Resolve(context.Background(), acct.SecretRef)
	require.NoError(t, err)
	return acct, cred
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestTransferIsIdempotentOnKey(t *testing.T) {
	ctx := context.Background()
	sb := newSandbox(t)
	from, cred := provisioned(t, sb)
	to, _ := provisioned(t, sb)
	_, err := sb.Fund(ctx, from.Address, "USDC", dec("100"))
	require.NoError(t, err)

	req := TransferRequest{From: from.Address, To: to.Address, Asset: "USDC", Amount: dec("30"), IdempotencyKey: "task-1", Credential: cred}
	first, err := sb.Transfer(ctx, req)
	require.NoError(t, err)
	second, err := sb.Transfer(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first.TxHash, second.TxHash)

	bal, err := sb.Balance(ctx, to.Address, "USDC")
	require.NoError(t, err)
	assert.True(t, bal.Equal(dec("30")), "balance %s", bal)

	found, ok, err := sb.Lookup(ctx, "task-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, first.TxHash, found.TxHash)
	_, ok, err = sb.Lookup(ctx, "task-2")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTransferPermanentFailures(t *testing.T) {
	ctx := context.Background()
	sb := newSandbox(t)
	from, cred := provisioned(t, sb)
	to, _ := provisioned(t, sb)

	_, err := sb.Transfer(ctx, TransferRequest{From: from.Address, To: to.Address, Asset: "USDC", Amount: dec("1"), Credential: cred})
	assert.ErrorIs(t, err, ErrInsufficientFunds)
	assert.True(t, IsPermanent(err))

	_, err = sb.Transfer(ctx, TransferRequest{From: from.Address, To: "not an address", Asset: "USDC", Amount: dec("1"), Credential: cred})
	assert.ErrorIs(t, err, ErrInvalidAddress)

	_, err = sb.Fund(ctx, from.Address, "USDC", dec("5"))
	require.NoError(t, err)
	_, err = sb.Transfer(ctx, TransferRequest{From: from.Address, To: to.Address, Asset: "USDC", Amount: dec("1"), Credential: secrets.Credential{Secret: "wrong"}})
	assert.ErrorIs(t, err, ErrRejected)

	assert.False(t, IsPermanent(context.DeadlineExceeded))
}

func TestConvertUsesConfiguredRate(t *testing.T) {
	ctx := context.Background()
	sb := newSandbox(t)
	acct, cred := provisioned(t, sb)
	_, err := sb.Fund(ctx, acct.Address, "XLM", dec("50"))
	require.NoError(t, err)

	conv, err := sb.Convert(ctx, ConvertRequest{Address: acct.Address, FromAsset: "XLM", ToAsset: "USDC", Amount: dec("20"), IdempotencyKey: "swap-1", Credential: cred})
	require.NoError(t, err)
	assert.True(t, conv.ToAmount.Equal(dec("2")), "to amount %s", conv.ToAmount)

	xlm, _ := sb.Balance(ctx, acct.Address, "XLM")
	usdc, _ := sb.Balance(ctx, acct.Address, "USDC")
	assert.True(t, xlm.Equal(dec("30")))
	assert.True(t, usdc.Equal(dec("2")))

	_, err = sb.Convert(ctx, ConvertRequest{Address: acct.Address, FromAsset: "USDC", ToAsset: "XLM", Amount: dec("1"), Credential: cred})
	assert.ErrorIs(t, err, ErrRejected)
}

func TestConvertIsIdempotentOnKey(t *testing.T) {
	ctx := context.Background()
	sb := newSandbox(t)
	acct, cred := provisioned(t, sb)
	_, err := sb.Fund(ctx, acct.Address, "XLM", dec("50"))
	require.NoError(t, err)

	req := ConvertRequest{Address: acct.Address, FromAsset: "XLM", ToAsset: "USDC", Amount: dec("20"), IdempotencyKey: "swap-1", Credential: cred}
	first, err := sb.Convert(ctx, req)
	require.NoError(t, err)
	again, err := sb.Convert(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first.TxHash, again.TxHash)
	assert.True(t, again.ToAmount.Equal(dec("2")), "to amount %s", again.ToAmount)
	assert.Equal(t, "USDC", again.ToAsset)

	xlm, _ := sb.Balance(ctx, acct.Address, "XLM")
	usdc, _ := sb.Balance(ctx, acct.Address, "USDC")
	assert.True(t, xlm.Equal(dec("30")), "xlm %s", xlm)
	assert.True(t, usdc.Equal(dec("2")), "usdc %s", usdc)

	other, _ := provisioned(t, sb)
	_, err = sb.Transfer(ctx, TransferRequest{From: acct.Address, To: other.Address, Asset: "USDC", Amount: dec("1"), IdempotencyKey: "pay-1", Credential: cred})
	require.NoError(t, err)
	req.IdempotencyKey = "pay-1"
	_, err = sb.Convert(ctx, req)
	assert.ErrorIs(t, err, ErrRejected)
}

type slowLedger struct{ Ledger }

func (slowLedger) Transfer(ctx context.Context, _ TransferRequest) (Transfer, error) {
	<-ctx.Done()
	return Transfer{}, ctx.Err()
}

func TestLimitedPassesThroughAndCounts(t *testing.T) {
	ctx := context.Background()
	sb := newSandbox(t)
	m := metrics.NewCollector("test")
	l := NewLimited(sb, 0, 0, m)

	acct, err := l.Provision(ctx, "x")
	require.NoError(t, err)
	bal, err := l.Balance(ctx, acct.Address, "USDC")
	require.NoError(t, err)
	assert.True(t, bal.IsZero())
	assert.Same(t, Ledger(sb), l.Unwrap())

	slow := NewLimited(slowLedger{sb}, 0, 0, nil)
	tctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = slow.Transfer(tctx, TransferRequest{})
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	_, err = slow.Convert(ctx, ConvertRequest{})
	assert.ErrorIs(t, err, ErrUnsupported)
}
