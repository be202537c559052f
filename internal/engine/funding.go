package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"bountyline/internal/config"
	"bountyline/internal/domain"
	"bountyline/internal/repo"
	"bountyline/internal/secrets"
	"bountyline/internal/wallet"
)

// walletError surfaces definitive ledger refusals as input errors and leaves
// transport failures wrapped for the caller to retry.
func walletError(op string, err error) error {
	if wallet.IsPermanent(err) || errors.Is(err, wallet.ErrUnsupported) {
		return &domain.Error{Code: domain.CodeInvalidInput, Message: op + " refused by ledger", Err: err}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func checkAmount(amount decimal.Decimal, asset string) error {
	if !amount.IsPositive() {
		return domain.InvalidInput("amount must be positive")
	}
	if strings.TrimSpace(asset) == "" {
		return domain.InvalidInput("asset is required")
	}
	return nil
}

func (e Engine) resolveSecret(ctx context.Context, ref string) (secrets.Credential, error) {
	if e.Wallet == nil || e.Secrets == nil {
		return secrets.Credential{}, errors.New("wallet ledger and secret store must be configured")
	}
	cred, err := e.Secrets.Resolve(ctx, ref)
	if err != nil {
		return secrets.Credential{}, fmt.Errorf("resolve wallet secret: %w", err)
	}
	return cred, nil
}

// TopUpEscrow moves funds from the installation's operating wallet into its
// escrow. Like every wallet movement, the ledger call happens outside any
// storage transaction and the cleared transfer is recorded afterwards.
func (e Engine) TopUpEscrow(ctx context.Context, installationID, actingUserID, asset string, amount decimal.Decimal) (domain.Transaction, error) {
	if err := checkAmount(amount, asset); err != nil {
		return domain.Transaction{}, err
	}
	in, err := e.loadInstallation(ctx, nil, installationID)
	if err != nil {
		return domain.Transaction{}, err
	}
	if err := e.Auth.Require(ctx, nil, actingUserID, in.ID, config.PermWalletManage); err != nil {
		return domain.Transaction{}, err
	}
	cred, err := e.resolveSecret(ctx, in.WalletSecretRef)
	if err != nil {
		return domain.Transaction{}, err
	}
	wctx, cancel := context.WithTimeout(ctx, e.transferTimeout())
	defer cancel()
	cleared, err := e.Wallet.Transfer(wctx, wallet.TransferRequest{
		From:           in.WalletAddress,
		To:             in.EscrowAddress,
		Asset:          asset,
		Amount:         amount,
		IdempotencyKey: "topup:" + uuid.NewString(),
		Credential:     cred,
	})
	if err != nil {
		return domain.Transaction{}, walletError("escrow top up", err)
	}
	instRef, userRef := in.ID, actingUserID
	row := domain.Transaction{
		ID:             uuid.NewString(),
		TxHash:         cleared.TxHash,
		Category:       domain.CategoryTopUp,
		Amount:         amount,
		Asset:          asset,
		FromAddress:    in.WalletAddress,
		ToAddress:      in.EscrowAddress,
		InstallationID: &instRef,
		UserID:         &userRef,
		CreatedAt:      e.timestamp(),
	}
	if err := e.recordTransaction(ctx, row, nil); err != nil {
		return domain.Transaction{}, err
	}
	e.Log.Infow("escrow topped up", "installation_id", in.ID, "amount", amount.String(), "asset", asset, "tx_hash", row.TxHash)
	return row, nil
}

// Swap converts assets held in the installation's operating wallet.
func (e Engine) Swap(ctx context.Context, installationID, actingUserID, fromAsset, toAsset string, amount decimal.Decimal) (domain.Transaction, error) {
	if err := checkAmount(amount, fromAsset); err != nil {
		return domain.Transaction{}, err
	}
	var category domain.TransactionCategory
	switch toAsset {
	case "USDC":
		category = domain.CategorySwapUSDC
	case "XLM":
		category = domain.CategorySwapXLM
	default:
		return domain.Transaction{}, domain.InvalidInput("cannot swap into %q", toAsset)
	}
	if fromAsset == toAsset {
		return domain.Transaction{}, domain.InvalidInput("swap needs two different assets")
	}
	conv, ok := e.Wallet.(wallet.Converter)
	if !ok {
		return domain.Transaction{}, walletError("swap", wallet.ErrUnsupported)
	}
	in, err := e.loadInstallation(ctx, nil, installationID)
	if err != nil {
		return domain.Transaction{}, err
	}
	if err := e.Auth.Require(ctx, nil, actingUserID, in.ID, config.PermWalletManage); err != nil {
		return domain.Transaction{}, err
	}
	cred, err := e.resolveSecret(ctx, in.WalletSecretRef)
	if err != nil {
		return domain.Transaction{}, err
	}
	wctx, cancel := context.WithTimeout(ctx, e.transferTimeout())
	defer cancel()
	c, err := conv.Convert(wctx, wallet.ConvertRequest{
		Address:        in.WalletAddress,
		FromAsset:      fromAsset,
		ToAsset:        toAsset,
		Amount:         amount,
		IdempotencyKey: "swap:" + uuid.NewString(),
		Credential:     cred,
	})
	if err != nil {
		return domain.Transaction{}, walletError("swap", err)
	}
	instRef, userRef := in.ID, actingUserID
	from, to := c.FromAsset, c.ToAsset
	fromAmount, toAmount := c.FromAmount, c.ToAmount
	row := domain.Transaction{
		ID:             uuid.NewString(),
		TxHash:         c.TxHash,
		Category:       category,
		Amount:         toAmount,
		Asset:          to,
		FromAddress:    in.WalletAddress,
		ToAddress:      in.WalletAddress,
		FromAmount:     &fromAmount,
		FromAsset:      &from,
		ToAmount:       &toAmount,
		ToAsset:        &to,
		InstallationID: &instRef,
		UserID:         &userRef,
		CreatedAt:      e.timestamp(),
	}
	if err := e.recordTransaction(ctx, row, nil); err != nil {
		return domain.Transaction{}, err
	}
	e.Log.Infow("assets swapped", "installation_id", in.ID, "from", from, "to", to, "amount", amount.String(), "received", toAmount.String())
	return row, nil
}

// Withdraw sends funds from a user's wallet to an external address and keeps
// the address in their address book.
func (e Engine) Withdraw(ctx context.Context, userID, toAddress, asset string, amount decimal.Decimal) (domain.Transaction, error) {
	if err := checkAmount(amount, asset); err != nil {
		return domain.Transaction{}, err
	}
	if !wallet.ValidAddress(toAddress) {
		return domain.Transaction{}, domain.InvalidInput("invalid address %q", toAddress)
	}
	u, err := e.loadUser(ctx, nil, userID)
	if err != nil {
		return domain.Transaction{}, err
	}
	if u.WalletAddress == toAddress {
		return domain.Transaction{}, domain.InvalidInput("cannot withdraw to the user's own wallet")
	}
	cred, err := e.resolveSecret(ctx, u.WalletSecretRef)
	if err != nil {
		return domain.Transaction{}, err
	}
	wctx, cancel := context.WithTimeout(ctx, e.transferTimeout())
	defer cancel()
	cleared, err := e.Wallet.Transfer(wctx, wallet.TransferRequest{
		From:           u.WalletAddress,
		To:             toAddress,
		Asset:          asset,
		Amount:         amount,
		IdempotencyKey: "withdraw:" + uuid.NewString(),
		Credential:     cred,
	})
	if err != nil {
		return domain.Transaction{}, walletError("withdraw", err)
	}
	now := e.timestamp()
	userRef := u.ID
	row := domain.Transaction{
		ID:          uuid.NewString(),
		TxHash:      cleared.TxHash,
		Category:    domain.CategoryWithdrawal,
		Amount:      amount,
		Asset:       asset,
		FromAddress: u.WalletAddress,
		ToAddress:   toAddress,
		UserID:      &userRef,
		CreatedAt:   now,
	}
	remember := func(tx *sql.Tx) error {
		_, err := e.Repo.AppendAddress(ctx, tx, domain.AddressBookEntry{UserID: u.ID, Address: toAddress, CreatedAt: now})
		return err
	}
	if err := e.recordTransaction(ctx, row, remember); err != nil {
		return domain.Transaction{}, err
	}
	e.Log.Infow("withdrawal sent", "user_id", u.ID, "to", toAddress, "amount", amount.String(), "asset", asset)
	return row, nil
}

// recordTransaction stores a cleared ledger movement, plus whatever extra
// writes belong with it, in a short transaction of its own. The transfer
// already happened, so a failure here is logged with the hash for
// reconciliation.
func (e Engine) recordTransaction(ctx context.Context, row domain.Transaction, extra func(*sql.Tx) error) error {
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		if extra != nil {
			if err := extra(tx); err != nil {
				return err
			}
		}
		return e.Repo.InsertTransaction(ctx, tx, row)
	})
	if err != nil {
		e.Log.Errorw("cleared transfer not recorded", "tx_hash", row.TxHash, "category", string(row.Category), "error", err)
		return fmt.Errorf("record %s transaction: %w", row.Category, err)
	}
	return nil
}

func (e Engine) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := e.begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// Balance reads an address balance from the ledger.
func (e Engine) Balance(ctx context.Context, address, asset string) (decimal.Decimal, error) {
	if e.Wallet == nil {
		return decimal.Zero, errors.New("wallet ledger must be configured")
	}
	if !wallet.ValidAddress(address) {
		return decimal.Zero, domain.InvalidInput("invalid address %q", address)
	}
	return e.Wallet.Balance(ctx, address, asset)
}

// EscrowBalance reads the escrow balance of an installation for a member.
func (e Engine) EscrowBalance(ctx context.Context, installationID, actingUserID, asset string) (decimal.Decimal, error) {
	in, err := e.loadInstallation(ctx, nil, installationID)
	if err != nil {
		return decimal.Zero, err
	}
	if err := e.Auth.Require(ctx, nil, actingUserID, in.ID, config.PermTaskView); err != nil {
		return decimal.Zero, err
	}
	return e.Balance(ctx, in.EscrowAddress, asset)
}

// ListTransactions lists ledger rows of an installation (members) or of the
// acting user.
func (e Engine) ListTransactions(ctx context.Context, f repo.TransactionFilter, actingUserID string) ([]domain.Transaction, error) {
	switch {
	case f.InstallationID != "":
		if err := e.Auth.Require(ctx, nil, actingUserID, f.InstallationID, config.PermTaskView); err != nil {
			return nil, err
		}
	case f.UserID != "":
		if f.UserID != actingUserID {
			return nil, &domain.Error{Code: domain.CodePermissionDenied, Message: "transactions of another user"}
		}
	default:
		f.UserID = actingUserID
	}
	if f.Category != "" && !f.Category.Valid() {
		return nil, domain.InvalidInput("unknown category %q", f.Category)
	}
	return e.Repo.ListTransactions(ctx, f)
}
