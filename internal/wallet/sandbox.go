package wallet

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"bountyline/internal/secrets"
)

const sandboxSchema = `
CREATE TABLE IF NOT EXISTS sandbox_accounts(
  address TEXT PRIMARY KEY,
  label TEXT,
  secret TEXT NOT NULL,
  created_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS sandbox_balances(
  address TEXT NOT NULL,
  asset TEXT NOT NULL,
  amount TEXT NOT NULL,
  PRIMARY KEY(address, asset)
);
CREATE TABLE IF NOT EXISTS sandbox_transfers(
  tx_hash TEXT PRIMARY KEY,
  idempotency_key TEXT UNIQUE,
  from_address TEXT NOT NULL,
  to_address TEXT NOT NULL,
  asset TEXT NOT NULL,
  amount TEXT NOT NULL,
  created_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS sandbox_conversions(
  tx_hash TEXT PRIMARY KEY REFERENCES sandbox_transfers(tx_hash),
  to_asset TEXT NOT NULL,
  to_amount TEXT NOT NULL
);`

// SecretScheme prefixes the secret references Sandbox hands out.
const SecretScheme = "sandbox"

// Sandbox is a local ledger on its own sqlite database. It implements Ledger,
// Provisioner, Converter and secrets.Store for its own refs.
type Sandbox struct {
	DB    *sql.DB
	Now   func() time.Time
	Rates map[string]float64
}

// NewSandbox creates the sandbox tables if needed.
func NewSandbox(ctx context.Context, db *sql.DB, rates map[string]float64) (*Sandbox, error) {
	if _, err := db.ExecContext(ctx, sandboxSchema); err != nil {
		return nil, fmt.Errorf("sandbox schema: %w", err)
	}
	return &Sandbox{DB: db, Now: time.Now, Rates: rates}, nil
}

func (s *Sandbox) now() time.Time {
	if s.Now == nil {
		return time.Now().UTC()
	}
	return s.Now().UTC()
}

func newAddress() string {
	return "GSBX" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
}

func (s *Sandbox) Provision(ctx context.Context, label string) (Account, error) {
	addr := newAddress()
	_, err := s.DB.ExecContext(ctx, `INSERT INTO sandbox_accounts(address,label,secret,created_at) VALUES (?,?,?,?)`,
		addr, label, uuid.NewString(), s.now().Format(time.RFC3339))
	if err != nil {
		return Account{}, err
	}
	return Account{Address: addr, SecretRef: SecretScheme + ":" + addr}, nil
}

// Resolve serves "sandbox:<address>" refs.
func (s *Sandbox) Resolve(ctx context.Context, ref string) (secrets.Credential, error) {
	if secrets.Scheme(ref) != SecretScheme {
		return secrets.Credential{}, fmt.Errorf("%w: %s", secrets.ErrUnsupported, ref)
	}
	addr := strings.TrimPrefix(ref, SecretScheme+":")
	var secret string
	err := s.DB.QueryRowContext(ctx, `SELECT secret FROM sandbox_accounts WHERE address=?`, addr).Scan(&secret)
	if errors.Is(err, sql.ErrNoRows) {
		return secrets.Credential{}, fmt.Errorf("%w: %s", secrets.ErrNotFound, ref)
	}
	if err != nil {
		return secrets.Credential{}, err
	}
	return secrets.Credential{Ref: ref, Secret: secret}, nil
}

// Fund mints amount of asset into address. Development only.
func (s *Sandbox) Fund(ctx context.Context, address, asset string, amount decimal.Decimal) (decimal.Decimal, error) {
	if !ValidAddress(address) {
		return decimal.Zero, ErrInvalidAddress
	}
	if !amount.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: amount must be positive", ErrRejected)
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return decimal.Zero, err
	}
	defer tx.Rollback()
	bal, err := s.credit(ctx, tx, address, asset, amount)
	if err != nil {
		return decimal.Zero, err
	}
	return bal, tx.Commit()
}

func (s *Sandbox) Balance(ctx context.Context, address, asset string) (decimal.Decimal, error) {
	return balance(ctx, s.DB, address, asset)
}

type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func balance(ctx context.Context, q rowQuerier, address, asset string) (decimal.Decimal, error) {
	var amount decimal.Decimal
	err := q.QueryRowContext(ctx, `SELECT amount FROM sandbox_balances WHERE address=? AND asset=?`, address, asset).Scan(&amount)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, nil
	}
	return amount, err
}

func (s *Sandbox) credit(ctx context.Context, tx *sql.Tx, address, asset string, amount decimal.Decimal) (decimal.Decimal, error) {
	cur, err := balance(ctx, tx, address, asset)
	if err != nil {
		return decimal.Zero, err
	}
	next := cur.Add(amount)
	if next.IsNegative() {
		return cur, ErrInsufficientFunds
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO sandbox_balances(address,asset,amount) VALUES (?,?,?)
ON CONFLICT(address, asset) DO UPDATE SET amount=excluded.amount`, address, asset, next.String())
	return next, err
}

func (s *Sandbox) authorize(ctx context.Context, tx *sql.Tx, address string, cred secrets.Credential) error {
	var secret string
	err := tx.QueryRowContext(ctx, `SELECT secret FROM sandbox_accounts WHERE address=?`, address).Scan(&secret)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s is not a sandbox account", ErrInvalidAddress, address)
	}
	if err != nil {
		return err
	}
	if cred.Secret != secret {
		return fmt.Errorf("%w: bad credential for %s", ErrRejected, address)
	}
	return nil
}

func (s *Sandbox) Transfer(ctx context.Context, req TransferRequest) (Transfer, error) {
	if !ValidAddress(req.From) || !ValidAddress(req.To) {
		return Transfer{}, ErrInvalidAddress
	}
	if !req.Amount.IsPositive() || req.Asset == "" {
		return Transfer{}, fmt.Errorf("%w: amount and asset required", ErrRejected)
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return Transfer{}, err
	}
	defer tx.Rollback()

	if req.IdempotencyKey != "" {
		if prior, ok, err := lookup(ctx, tx, req.IdempotencyKey); err != nil {
			return Transfer{}, err
		} else if ok {
			return prior, nil
		}
	}
	if err := s.authorize(ctx, tx, req.From, req.Credential); err != nil {
		return Transfer{}, err
	}
	if _, err := s.credit(ctx, tx, req.From, req.Asset, req.Amount.Neg()); err != nil {
		return Transfer{}, err
	}
	if _, err := s.credit(ctx, tx, req.To, req.Asset, req.Amount); err != nil {
		return Transfer{}, err
	}
	t := Transfer{
		TxHash:         strings.ReplaceAll(uuid.NewString(), "-", ""),
		From:           req.From,
		To:             req.To,
		Asset:          req.Asset,
		Amount:         req.Amount,
		IdempotencyKey: req.IdempotencyKey,
		CreatedAt:      s.now(),
	}
	if err := insertTransfer(ctx, tx, t); err != nil {
		return Transfer{}, err
	}
	if err := tx.Commit(); err != nil {
		return Transfer{}, err
	}
	return t, nil
}

func insertTransfer(ctx context.Context, tx *sql.Tx, t Transfer) error {
	var key any
	if t.IdempotencyKey != "" {
		key = t.IdempotencyKey
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO sandbox_transfers(tx_hash,idempotency_key,from_address,to_address,asset,amount,created_at) VALUES (?,?,?,?,?,?,?)`,
		t.TxHash, key, t.From, t.To, t.Asset, t.Amount.String(), t.CreatedAt.Format(time.RFC3339))
	return err
}

func (s *Sandbox) Lookup(ctx context.Context, idempotencyKey string) (Transfer, bool, error) {
	return lookup(ctx, s.DB, idempotencyKey)
}

func lookup(ctx context.Context, q rowQuerier, key string) (Transfer, bool, error) {
	if key == "" {
		return Transfer{}, false, nil
	}
	var t Transfer
	var created string
	err := q.QueryRowContext(ctx, `SELECT tx_hash,idempotency_key,from_address,to_address,asset,amount,created_at FROM sandbox_transfers WHERE idempotency_key=?`, key).
		Scan(&t.TxHash, &t.IdempotencyKey, &t.From, &t.To, &t.Asset, &t.Amount, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return Transfer{}, false, nil
	}
	if err != nil {
		return Transfer{}, false, err
	}
	t.CreatedAt, _ = time.Parse(time.RFC3339, created)
	return t, true, nil
}

// Convert swaps assets within one account at the configured FROM/TO rate.
func (s *Sandbox) Convert(ctx context.Context, req ConvertRequest) (Conversion, error) {
	if !ValidAddress(req.Address) {
		return Conversion{}, ErrInvalidAddress
	}
	rate, ok := s.Rates[req.FromAsset+"/"+req.ToAsset]
	if !ok || req.FromAsset == req.ToAsset {
		return Conversion{}, fmt.Errorf("%w: no rate for %s/%s", ErrRejected, req.FromAsset, req.ToAsset)
	}
	if !req.Amount.IsPositive() {
		return Conversion{}, fmt.Errorf("%w: amount must be positive", ErrRejected)
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return Conversion{}, err
	}
	defer tx.Rollback()
	if req.IdempotencyKey != "" {
		if prior, ok, err := lookup(ctx, tx, req.IdempotencyKey); err != nil {
			return Conversion{}, err
		} else if ok {
			return priorConversion(ctx, tx, prior, req)
		}
	}
	if err := s.authorize(ctx, tx, req.Address, req.Credential); err != nil {
		return Conversion{}, err
	}
	toAmount := req.Amount.Mul(decimal.NewFromFloat(rate)).Round(7)
	if _, err := s.credit(ctx, tx, req.Address, req.FromAsset, req.Amount.Neg()); err != nil {
		return Conversion{}, err
	}
	if _, err := s.credit(ctx, tx, req.Address, req.ToAsset, toAmount); err != nil {
		return Conversion{}, err
	}
	c := Conversion{
		TxHash:     strings.ReplaceAll(uuid.NewString(), "-", ""),
		Address:    req.Address,
		FromAsset:  req.FromAsset,
		FromAmount: req.Amount,
		ToAsset:    req.ToAsset,
		ToAmount:   toAmount,
		CreatedAt:  s.now(),
	}
	err = insertTransfer(ctx, tx, Transfer{
		TxHash: c.TxHash, From: req.Address, To: req.Address, Asset: req.FromAsset, Amount: req.Amount,
		IdempotencyKey: req.IdempotencyKey, CreatedAt: c.CreatedAt,
	})
	if err != nil {
		return Conversion{}, err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO sandbox_conversions(tx_hash,to_asset,to_amount) VALUES (?,?,?)`,
		c.TxHash, c.ToAsset, c.ToAmount.String()); err != nil {
		return Conversion{}, err
	}
	return c, tx.Commit()
}

// priorConversion rebuilds the conversion an idempotency key already
// produced. A key first used for something else is refused.
func priorConversion(ctx context.Context, tx *sql.Tx, prior Transfer, req ConvertRequest) (Conversion, error) {
	c := Conversion{
		TxHash:     prior.TxHash,
		Address:    prior.From,
		FromAsset:  prior.Asset,
		FromAmount: prior.Amount,
		CreatedAt:  prior.CreatedAt,
	}
	err := tx.QueryRowContext(ctx, `SELECT to_asset,to_amount FROM sandbox_conversions WHERE tx_hash=?`, prior.TxHash).Scan(&c.ToAsset, &c.ToAmount)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && (c.Address != req.Address || c.FromAsset != req.FromAsset || c.ToAsset != req.ToAsset)) {
		return Conversion{}, fmt.Errorf("%w: idempotency key %s was used for another movement", ErrRejected, req.IdempotencyKey)
	}
	if err != nil {
		return Conversion{}, err
	}
	return c, nil
}
