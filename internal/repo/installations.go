package repo

import (
	"context"
	"database/sql"

	"bountyline/internal/domain"
)

const installationColumns = `id,name,wallet_address,wallet_secret_ref,escrow_address,escrow_secret_ref,subscription_package_id,created_by,created_at`

func scanInstallation(scan func(dest ...any) error) (domain.Installation, error) {
	var in domain.Installation
	var pkg sql.NullString
	err := scan(&in.ID, &in.Name, &in.WalletAddress, &in.WalletSecretRef, &in.EscrowAddress, &in.EscrowSecretRef, &pkg, &in.CreatedBy, &in.CreatedAt)
	if err != nil {
		return in, err
	}
	in.SubscriptionPackageID = stringPtr(pkg)
	return in, nil
}

func (r Repo) InsertInstallation(ctx context.Context, tx *sql.Tx, in domain.Installation) error {
	_, err := r.conn(tx).ExecContext(ctx, `INSERT INTO installations(`+installationColumns+`) VALUES (?,?,?,?,?,?,?,?,?)`,
		in.ID, in.Name, in.WalletAddress, in.WalletSecretRef, in.EscrowAddress, in.EscrowSecretRef, nullableStringPtr(in.SubscriptionPackageID), in.CreatedBy, in.CreatedAt)
	return mapConstraint(err)
}

func (r Repo) GetInstallation(ctx context.Context, tx *sql.Tx, id string) (domain.Installation, error) {
	in, err := scanInstallation(r.conn(tx).QueryRowContext(ctx, `SELECT `+installationColumns+` FROM installations WHERE id=?`, id).Scan)
	if err == sql.ErrNoRows {
		return in, ErrNotFound
	}
	return in, err
}

// ListInstallations returns installations, restricted to those userID is a member of when set.
func (r Repo) ListInstallations(ctx context.Context, userID string) ([]domain.Installation, error) {
	query := `SELECT ` + installationColumns + ` FROM installations`
	var args []any
	if userID != "" {
		query += ` WHERE id IN (SELECT installation_id FROM user_installation_permissions WHERE user_id=?)`
		args = append(args, userID)
	}
	query += ` ORDER BY created_at, id`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Installation
	for rows.Next() {
		in, err := scanInstallation(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, in)
	}
	return res, rows.Err()
}

// UpsertPackage seeds or refreshes a subscription package.
func (r Repo) UpsertPackage(ctx context.Context, tx *sql.Tx, p domain.SubscriptionPackage) error {
	_, err := r.conn(tx).ExecContext(ctx, `INSERT INTO subscription_packages(id,name,max_tasks,max_users,price,paid) VALUES (?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET name=excluded.name, max_tasks=excluded.max_tasks, max_users=excluded.max_users, price=excluded.price, paid=excluded.paid`,
		p.ID, p.Name, p.MaxTasks, p.MaxUsers, p.Price.String(), boolInt(p.Paid))
	return err
}

func (r Repo) GetPackage(ctx context.Context, tx *sql.Tx, id string) (domain.SubscriptionPackage, error) {
	var p domain.SubscriptionPackage
	err := r.conn(tx).QueryRowContext(ctx, `SELECT id,name,max_tasks,max_users,price,paid FROM subscription_packages WHERE id=?`, id).
		Scan(&p.ID, &p.Name, &p.MaxTasks, &p.MaxUsers, &p.Price, &p.Paid)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

func (r Repo) ListPackages(ctx context.Context) ([]domain.SubscriptionPackage, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,max_tasks,max_users,price,paid FROM subscription_packages ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.SubscriptionPackage
	for rows.Next() {
		var p domain.SubscriptionPackage
		if err := rows.Scan(&p.ID, &p.Name, &p.MaxTasks, &p.MaxUsers, &p.Price, &p.Paid); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// CountActiveTasks counts tasks of an installation that are not yet COMPLETED.
func (r Repo) CountActiveTasks(ctx context.Context, tx *sql.Tx, installationID string) (int, error) {
	var n int
	err := r.conn(tx).QueryRowContext(ctx, `SELECT COUNT(1) FROM tasks WHERE installation_id=? AND status<>?`, installationID, domain.StatusCompleted).Scan(&n)
	return n, err
}

func (r Repo) CountMembers(ctx context.Context, tx *sql.Tx, installationID string) (int, error) {
	var n int
	err := r.conn(tx).QueryRowContext(ctx, `SELECT COUNT(1) FROM user_installation_permissions WHERE installation_id=?`, installationID).Scan(&n)
	return n, err
}
