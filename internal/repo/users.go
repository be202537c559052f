package repo

import (
	"context"
	"database/sql"

	"bountyline/internal/domain"
)

func (r Repo) InsertUser(ctx context.Context, tx *sql.Tx, u domain.User) error {
	_, err := r.conn(tx).ExecContext(ctx, `INSERT INTO users(id,display_name,wallet_address,wallet_secret_ref,created_at) VALUES (?,?,?,?,?)`,
		u.ID, u.DisplayName, u.WalletAddress, u.WalletSecretRef, u.CreatedAt)
	return mapConstraint(err)
}

func (r Repo) GetUser(ctx context.Context, tx *sql.Tx, id string) (domain.User, error) {
	var u domain.User
	err := r.conn(tx).QueryRowContext(ctx, `SELECT id,display_name,wallet_address,wallet_secret_ref,created_at FROM users WHERE id=?`, id).
		Scan(&u.ID, &u.DisplayName, &u.WalletAddress, &u.WalletSecretRef, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	return u, err
}

func (r Repo) ListUsers(ctx context.Context) ([]domain.User, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,display_name,wallet_address,wallet_secret_ref,created_at FROM users ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.User
	for rows.Next() {
		var u domain.User
		if err := rows.Scan(&u.ID, &u.DisplayName, &u.WalletAddress, &u.WalletSecretRef, &u.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, u)
	}
	return res, rows.Err()
}
