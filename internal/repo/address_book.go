package repo

import (
	"context"
	"database/sql"

	"bountyline/internal/domain"
)

// AppendAddress adds an entry to a user's address book. Entries are never
// rewritten; re-adding a known address keeps the original row and reports false.
func (r Repo) AppendAddress(ctx context.Context, tx *sql.Tx, e domain.AddressBookEntry) (bool, error) {
	res, err := r.conn(tx).ExecContext(ctx, `INSERT OR IGNORE INTO user_addresses(user_id,address,label,meta_json,created_at) VALUES (?,?,?,?,?)`,
		e.UserID, e.Address, nullable(e.Label), nullableDocument(e.Meta), e.CreatedAt)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r Repo) ListAddresses(ctx context.Context, tx *sql.Tx, userID string) ([]domain.AddressBookEntry, error) {
	rows, err := r.conn(tx).QueryContext(ctx, `SELECT user_id,address,COALESCE(label,''),meta_json,created_at FROM user_addresses WHERE user_id=? ORDER BY created_at, address`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AddressBookEntry
	for rows.Next() {
		var e domain.AddressBookEntry
		var meta sql.NullString
		if err := rows.Scan(&e.UserID, &e.Address, &e.Label, &meta, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Meta = document(meta)
		res = append(res, e)
	}
	return res, rows.Err()
}
