package repo

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"strings"

	"bountyline/internal/domain"
)

// APIKeyPrefixLen is how much of a raw key is kept in the clear for listing.
const APIKeyPrefixLen = 12

// HashAPIKey returns the SHA-256 hex digest a raw key is stored and looked up by.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(key)))
	return hex.EncodeToString(sum[:])
}

// APIKeyPrefix returns the displayable head of a raw key.
func APIKeyPrefix(raw string) string {
	raw = strings.TrimSpace(raw)
	if len(raw) > APIKeyPrefixLen {
		return raw[:APIKeyPrefixLen]
	}
	return raw
}

const apiKeyColumns = `id, user_id, COALESCE(name,''), prefix, key_hash, created_at`

func scanAPIKey(row interface{ Scan(...any) error }) (domain.APIKey, error) {
	var k domain.APIKey
	err := row.Scan(&k.ID, &k.UserID, &k.Name, &k.Prefix, &k.KeyHash, &k.CreatedAt)
	return k, err
}

func (r Repo) InsertAPIKey(ctx context.Context, tx *sql.Tx, key domain.APIKey) error {
	if key.ID == "" || key.UserID == "" || key.KeyHash == "" || key.CreatedAt == "" {
		return errors.New("api key needs id, user_id, key_hash and created_at")
	}
	_, err := r.conn(tx).ExecContext(ctx, `INSERT INTO api_keys(id, user_id, name, prefix, key_hash, created_at) VALUES (?,?,?,?,?,?)`,
		key.ID, key.UserID, nullable(key.Name), key.Prefix, key.KeyHash, key.CreatedAt)
	return mapConstraint(err)
}

// GetAPIKeyByHash resolves a presented key. Unknown hashes give ErrNotFound.
func (r Repo) GetAPIKeyByHash(ctx context.Context, hash string) (domain.APIKey, error) {
	k, err := scanAPIKey(r.DB.QueryRowContext(ctx, `SELECT `+apiKeyColumns+` FROM api_keys WHERE key_hash=?`, hash))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.APIKey{}, ErrNotFound
	}
	return k, err
}

// ListAPIKeys returns a user's keys, newest first.
func (r Repo) ListAPIKeys(ctx context.Context, userID string) ([]domain.APIKey, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+apiKeyColumns+` FROM api_keys WHERE user_id=? ORDER BY created_at DESC, id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []domain.APIKey
	for rows.Next() {
		k, err := scanAPIKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// DeleteAPIKey removes one of userID's keys. A key owned by someone else is
// reported as ErrNotFound, same as a missing one.
func (r Repo) DeleteAPIKey(ctx context.Context, tx *sql.Tx, userID, id string) error {
	res, err := r.conn(tx).ExecContext(ctx, `DELETE FROM api_keys WHERE id=? AND user_id=?`, id, userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
