package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"sort"

	"bountyline/internal/domain"
)

// UpsertPermission seeds a catalog entry.
func (r Repo) UpsertPermission(ctx context.Context, tx *sql.Tx, p domain.Permission) error {
	_, err := r.conn(tx).ExecContext(ctx, `INSERT INTO permissions(code,name,is_default) VALUES (?,?,?)
ON CONFLICT(code) DO UPDATE SET name=excluded.name, is_default=excluded.is_default`, p.Code, p.Name, boolInt(p.IsDefault))
	return err
}

func (r Repo) ListPermissions(ctx context.Context, tx *sql.Tx) ([]domain.Permission, error) {
	rows, err := r.conn(tx).QueryContext(ctx, `SELECT code,name,is_default FROM permissions ORDER BY code`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Permission
	for rows.Next() {
		var p domain.Permission
		if err := rows.Scan(&p.Code, &p.Name, &p.IsDefault); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) DefaultPermissionCodes(ctx context.Context, tx *sql.Tx) ([]string, error) {
	rows, err := r.conn(tx).QueryContext(ctx, `SELECT code FROM permissions WHERE is_default=1 ORDER BY code`)
	if err != nil {
		return nil, err
	}
	return scanStrings(rows)
}

// GetGrant returns the (user, installation) membership row, or ErrNotFound.
func (r Repo) GetGrant(ctx context.Context, tx *sql.Tx, userID, installationID string) (domain.UserInstallationPermission, error) {
	var g domain.UserInstallationPermission
	var codes string
	var assignedBy sql.NullString
	err := r.conn(tx).QueryRowContext(ctx, `SELECT id,user_id,installation_id,codes_json,assigned_by,created_at,updated_at
FROM user_installation_permissions WHERE user_id=? AND installation_id=?`, userID, installationID).
		Scan(&g.ID, &g.UserID, &g.InstallationID, &codes, &assignedBy, &g.CreatedAt, &g.UpdatedAt)
	if err == sql.ErrNoRows {
		return g, ErrNotFound
	}
	if err != nil {
		return g, err
	}
	if err := json.Unmarshal([]byte(codes), &g.Codes); err != nil {
		return g, err
	}
	if g.Codes == nil {
		g.Codes = []string{}
	}
	g.AssignedBy = stringPtr(assignedBy)
	return g, nil
}

// SaveGrant inserts or replaces a membership row and rewrites its code join rows.
func (r Repo) SaveGrant(ctx context.Context, tx *sql.Tx, g domain.UserInstallationPermission) error {
	codes := append([]string(nil), g.Codes...)
	sort.Strings(codes)
	if codes == nil {
		codes = []string{}
	}
	data, err := json.Marshal(codes)
	if err != nil {
		return err
	}
	q := r.conn(tx)
	_, err = q.ExecContext(ctx, `INSERT INTO user_installation_permissions(id,user_id,installation_id,codes_json,assigned_by,created_at,updated_at) VALUES (?,?,?,?,?,?,?)
ON CONFLICT(user_id, installation_id) DO UPDATE SET codes_json=excluded.codes_json, assigned_by=excluded.assigned_by, updated_at=excluded.updated_at`,
		g.ID, g.UserID, g.InstallationID, string(data), nullableStringPtr(g.AssignedBy), g.CreatedAt, g.UpdatedAt)
	if err != nil {
		return mapConstraint(err)
	}
	var grantID string
	if err := q.QueryRowContext(ctx, `SELECT id FROM user_installation_permissions WHERE user_id=? AND installation_id=?`, g.UserID, g.InstallationID).Scan(&grantID); err != nil {
		return err
	}
	if _, err := q.ExecContext(ctx, `DELETE FROM user_installation_permission_codes WHERE grant_id=?`, grantID); err != nil {
		return err
	}
	for _, code := range codes {
		if _, err := q.ExecContext(ctx, `INSERT INTO user_installation_permission_codes(grant_id,code) VALUES (?,?)`, grantID, code); err != nil {
			return err
		}
	}
	return nil
}

// DeleteGrant removes a membership entirely.
func (r Repo) DeleteGrant(ctx context.Context, tx *sql.Tx, userID, installationID string) error {
	res, err := r.conn(tx).ExecContext(ctx, `DELETE FROM user_installation_permissions WHERE user_id=? AND installation_id=?`, userID, installationID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GrantedCodes reads the explicit codes of a membership from the join table.
func (r Repo) GrantedCodes(ctx context.Context, tx *sql.Tx, userID, installationID string) ([]string, error) {
	rows, err := r.conn(tx).QueryContext(ctx, `SELECT c.code FROM user_installation_permission_codes c
JOIN user_installation_permissions g ON g.id=c.grant_id
WHERE g.user_id=? AND g.installation_id=? ORDER BY c.code`, userID, installationID)
	if err != nil {
		return nil, err
	}
	return scanStrings(rows)
}

func (r Repo) ListGrants(ctx context.Context, tx *sql.Tx, installationID string) ([]domain.UserInstallationPermission, error) {
	rows, err := r.conn(tx).QueryContext(ctx, `SELECT user_id FROM user_installation_permissions WHERE installation_id=? ORDER BY created_at, user_id`, installationID)
	if err != nil {
		return nil, err
	}
	users, err := scanStrings(rows)
	if err != nil {
		return nil, err
	}
	res := make([]domain.UserInstallationPermission, 0, len(users))
	for _, u := range users {
		g, err := r.GetGrant(ctx, tx, u, installationID)
		if err != nil {
			return nil, err
		}
		res = append(res, g)
	}
	return res, nil
}
