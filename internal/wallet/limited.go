package wallet

import (
	"context"
	"math"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"bountyline/internal/metrics"
)

// Limited throttles outbound calls to an adapter and counts them.
type Limited struct {
	inner   Ledger
	limiter *rate.Limiter
	metrics *metrics.Collector
}

// NewLimited wraps l. A non-positive rps disables throttling.
func NewLimited(l Ledger, rps float64, burst int, m *metrics.Collector) *Limited {
	limit := rate.Limit(rps)
	if rps <= 0 || math.IsInf(rps, 1) {
		limit = rate.Inf
	}
	if burst < 1 {
		burst = 1
	}
	return &Limited{inner: l, limiter: rate.NewLimiter(limit, burst), metrics: m}
}

// Unwrap returns the wrapped adapter.
func (l *Limited) Unwrap() Ledger { return l.inner }

func (l *Limited) wait(ctx context.Context, op string) error {
	if err := l.limiter.Wait(ctx); err != nil {
		l.metrics.RecordWalletCall(op, err)
		return err
	}
	return nil
}

func (l *Limited) Transfer(ctx context.Context, req TransferRequest) (Transfer, error) {
	if err := l.wait(ctx, "transfer"); err != nil {
		return Transfer{}, err
	}
	t, err := l.inner.Transfer(ctx, req)
	l.metrics.RecordWalletCall("transfer", err)
	return t, err
}

func (l *Limited) Balance(ctx context.Context, address, asset string) (decimal.Decimal, error) {
	if err := l.wait(ctx, "balance"); err != nil {
		return decimal.Zero, err
	}
	b, err := l.inner.Balance(ctx, address, asset)
	l.metrics.RecordWalletCall("balance", err)
	return b, err
}

func (l *Limited) Lookup(ctx context.Context, key string) (Transfer, bool, error) {
	if err := l.wait(ctx, "lookup"); err != nil {
		return Transfer{}, false, err
	}
	t, ok, err := l.inner.Lookup(ctx, key)
	l.metrics.RecordWalletCall("lookup", err)
	return t, ok, err
}

func (l *Limited) Provision(ctx context.Context, label string) (Account, error) {
	p, ok := l.inner.(Provisioner)
	if !ok {
		return Account{}, ErrUnsupported
	}
	if err := l.wait(ctx, "provision"); err != nil {
		return Account{}, err
	}
	a, err := p.Provision(ctx, label)
	l.metrics.RecordWalletCall("provision", err)
	return a, err
}

func (l *Limited) Convert(ctx context.Context, req ConvertRequest) (Conversion, error) {
	c, ok := l.inner.(Converter)
	if !ok {
		return Conversion{}, ErrUnsupported
	}
	if err := l.wait(ctx, "convert"); err != nil {
		return Conversion{}, err
	}
	res, err := c.Convert(ctx, req)
	l.metrics.RecordWalletCall("convert", err)
	return res, err
}
