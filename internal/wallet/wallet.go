// Package wallet is the boundary to the settlement network. The engine talks
// to a Ledger; Sandbox implements it locally and Limited throttles any Ledger.
package wallet

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"bountyline/internal/secrets"
)

// Permanent failures. Retrying the same request cannot succeed.
var (
	ErrInsufficientFunds = errors.New("wallet: insufficient funds")
	ErrInvalidAddress    = errors.New("wallet: invalid address")
	ErrRejected          = errors.New("wallet: transfer rejected")
)

// ErrUnsupported is returned when an adapter lacks an optional capability.
var ErrUnsupported = errors.New("wallet: operation not supported by adapter")

// IsPermanent reports whether err is a definitive, non-retryable ledger answer.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrInsufficientFunds) || errors.Is(err, ErrInvalidAddress) || errors.Is(err, ErrRejected)
}

type TransferRequest struct {
	From           string
	To             string
	Asset          string
	Amount         decimal.Decimal
	IdempotencyKey string
	Credential     secrets.Credential
}

// Transfer is a cleared movement of funds.
type Transfer struct {
	TxHash         string
	From           string
	To             string
	Asset          string
	Amount         decimal.Decimal
	IdempotencyKey string
	CreatedAt      time.Time
}

// Ledger moves funds. Transfer must be idempotent on IdempotencyKey, and
// Lookup must find a transfer that cleared even if its caller never saw the reply.
type Ledger interface {
	Transfer(ctx context.Context, req TransferRequest) (Transfer, error)
	Balance(ctx context.Context, address, asset string) (decimal.Decimal, error)
	Lookup(ctx context.Context, idempotencyKey string) (Transfer, bool, error)
}

// Account is a freshly provisioned wallet. Only the secret reference leaves the adapter.
type Account struct {
	Address   string
	SecretRef string
}

type Provisioner interface {
	Provision(ctx context.Context, label string) (Account, error)
}

type ConvertRequest struct {
	Address        string
	FromAsset      string
	ToAsset        string
	Amount         decimal.Decimal
	IdempotencyKey string
	Credential     secrets.Credential
}

type Conversion struct {
	TxHash     string
	Address    string
	FromAsset  string
	FromAmount decimal.Decimal
	ToAsset    string
	ToAmount   decimal.Decimal
	CreatedAt  time.Time
}

type Converter interface {
	Convert(ctx context.Context, req ConvertRequest) (Conversion, error)
}

// ValidAddress applies the shape check every adapter shares: a G-prefixed
// token without whitespace.
func ValidAddress(addr string) bool {
	if len(addr) < 8 || len(addr) > 69 || !strings.HasPrefix(addr, "G") {
		return false
	}
	return !strings.ContainsAny(addr, " \t\r\n")
}
