package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"bountyline/internal/domain"
)

const transactionColumns = `id,tx_hash,category,amount,asset,from_address,to_address,from_amount,from_asset,to_amount,to_asset,task_id,installation_id,user_id,created_at`

type TransactionFilter struct {
	InstallationID string
	UserID         string
	TaskID         string
	Category       domain.TransactionCategory
	Limit          int
}

func scanTransaction(scan func(dest ...any) error) (domain.Transaction, error) {
	var t domain.Transaction
	var fromAmount, fromAsset, toAmount, toAsset, taskID, installationID, userID sql.NullString
	err := scan(&t.ID, &t.TxHash, &t.Category, &t.Amount, &t.Asset, &t.FromAddress, &t.ToAddress,
		&fromAmount, &fromAsset, &toAmount, &toAsset, &taskID, &installationID, &userID, &t.CreatedAt)
	if err != nil {
		return t, err
	}
	if !t.Category.Valid() {
		return t, fmt.Errorf("transaction %s has unknown category %q", t.ID, t.Category)
	}
	if t.FromAmount, err = decimalPtr(fromAmount); err != nil {
		return t, err
	}
	if t.ToAmount, err = decimalPtr(toAmount); err != nil {
		return t, err
	}
	t.FromAsset = stringPtr(fromAsset)
	t.ToAsset = stringPtr(toAsset)
	t.TaskID = stringPtr(taskID)
	t.InstallationID = stringPtr(installationID)
	t.UserID = stringPtr(userID)
	return t, nil
}

// InsertTransaction records a ledger row. A second BOUNTY row for the same
// task, or a reused tx hash, fails with a *ConflictError on transactions.
func (r Repo) InsertTransaction(ctx context.Context, tx *sql.Tx, t domain.Transaction) error {
	if !t.Category.Valid() {
		return fmt.Errorf("invalid transaction category %q", t.Category)
	}
	_, err := r.conn(tx).ExecContext(ctx, `INSERT INTO transactions(`+transactionColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.TxHash, string(t.Category), t.Amount.String(), t.Asset, t.FromAddress, t.ToAddress,
		nullableDecimalPtr(t.FromAmount), nullableStringPtr(t.FromAsset), nullableDecimalPtr(t.ToAmount), nullableStringPtr(t.ToAsset),
		nullableStringPtr(t.TaskID), nullableStringPtr(t.InstallationID), nullableStringPtr(t.UserID), t.CreatedAt)
	return mapConstraint(err)
}

// BountyTransaction returns the BOUNTY row of a task, or ErrNotFound.
func (r Repo) BountyTransaction(ctx context.Context, tx *sql.Tx, taskID string) (domain.Transaction, error) {
	t, err := scanTransaction(r.conn(tx).QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE task_id=? AND category=?`,
		taskID, string(domain.CategoryBounty)).Scan)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	return t, err
}

func (r Repo) CountBountyTransactions(ctx context.Context, tx *sql.Tx, taskID string) (int, error) {
	var n int
	err := r.conn(tx).QueryRowContext(ctx, `SELECT COUNT(1) FROM transactions WHERE task_id=? AND category=?`, taskID, string(domain.CategoryBounty)).Scan(&n)
	return n, err
}

func (r Repo) ListTransactions(ctx context.Context, f TransactionFilter) ([]domain.Transaction, error) {
	var (
		where []string
		args  []any
	)
	if f.InstallationID != "" {
		where = append(where, "installation_id=?")
		args = append(args, f.InstallationID)
	}
	if f.UserID != "" {
		where = append(where, "user_id=?")
		args = append(args, f.UserID)
	}
	if f.TaskID != "" {
		where = append(where, "task_id=?")
		args = append(args, f.TaskID)
	}
	if f.Category != "" {
		where = append(where, "category=?")
		args = append(args, string(f.Category))
	}
	query := `SELECT ` + transactionColumns + ` FROM transactions`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, id LIMIT ?`
	args = append(args, limitOrDefault(f.Limit, 100))
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}
