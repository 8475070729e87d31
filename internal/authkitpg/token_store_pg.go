package authkitpg

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/tyemirov/entauth/internal/authkit"
)

// PostgresTokenStore persists revocable tokens in PostgreSQL through a pgx
// pool, for deployments that connect without GORM. Both variants honor the
// same TokenStore contract and sentinel errors.
type PostgresTokenStore struct {
	pool  *pgxpool.Pool
	clock authkit.Clock
}

// NewPostgresTokenStore constructs a Postgres store.
func NewPostgresTokenStore(pool *pgxpool.Pool, clock authkit.Clock) *PostgresTokenStore {
	if clock == nil {
		clock = authkit.NewSystemClock()
	}
	return &PostgresTokenStore{pool: pool, clock: clock}
}

// Put upserts a record. The conflict predicate keeps the kind immutable, so
// a colliding value of a different kind updates nothing and is reported.
func (store *PostgresTokenStore) Put(ctx context.Context, token authkit.StoredToken) error {
	tag, execErr := store.pool.Exec(ctx, `
INSERT INTO stored_tokens (token_hash, user_id, enterprise_id, kind, issued_at_unix, expires_unix)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (token_hash) DO UPDATE
SET user_id = EXCLUDED.user_id,
    enterprise_id = EXCLUDED.enterprise_id,
    issued_at_unix = EXCLUDED.issued_at_unix,
    expires_unix = EXCLUDED.expires_unix
WHERE stored_tokens.kind = EXCLUDED.kind
`, store.hash(token.Value), token.UserID, token.EnterpriseID, string(token.Kind), token.IssuedAt.Unix(), token.ExpiresAt.Unix())
	if execErr != nil {
		return fmt.Errorf("token_store.put.pgx: %w", execErr)
	}
	if tag.RowsAffected() == 0 {
		return authkit.ErrTokenKindConflict
	}
	return nil
}

// GetByValue returns a live record. Expired rows report ErrTokenNotFound.
func (store *PostgresTokenStore) GetByValue(ctx context.Context, value string, kind authkit.TokenKind) (authkit.StoredToken, error) {
	row := store.pool.QueryRow(ctx, `
SELECT user_id, enterprise_id, issued_at_unix, expires_unix
FROM stored_tokens
WHERE token_hash = $1 AND kind = $2 AND expires_unix >= $3
`, store.hash(value), string(kind), store.clock.Now().Unix())
	return store.scanStoredToken(row, value, kind)
}

// ConsumeByValue fetches and deletes a live record in one statement.
func (store *PostgresTokenStore) ConsumeByValue(ctx context.Context, value string, kind authkit.TokenKind) (authkit.StoredToken, error) {
	row := store.pool.QueryRow(ctx, `
DELETE FROM stored_tokens
WHERE token_hash = $1 AND kind = $2 AND expires_unix >= $3
RETURNING user_id, enterprise_id, issued_at_unix, expires_unix
`, store.hash(value), string(kind), store.clock.Now().Unix())
	return store.scanStoredToken(row, value, kind)
}

// DeleteByValue removes a record. Absent records are not an error.
func (store *PostgresTokenStore) DeleteByValue(ctx context.Context, value string) error {
	_, execErr := store.pool.Exec(ctx, `
DELETE FROM stored_tokens WHERE token_hash = $1
`, store.hash(value))
	if execErr != nil {
		return fmt.Errorf("token_store.delete.pgx: %w", execErr)
	}
	return nil
}

// DeleteAllForOwner removes every record for the user, optionally restricted to kinds.
func (store *PostgresTokenStore) DeleteAllForOwner(ctx context.Context, userID string, kinds ...authkit.TokenKind) error {
	var execErr error
	if len(kinds) == 0 {
		_, execErr = store.pool.Exec(ctx, `DELETE FROM stored_tokens WHERE user_id = $1`, userID)
	} else {
		kindValues := make([]string, 0, len(kinds))
		for _, kind := range kinds {
			kindValues = append(kindValues, string(kind))
		}
		_, execErr = store.pool.Exec(ctx, `
DELETE FROM stored_tokens WHERE user_id = $1 AND kind = ANY($2)
`, userID, kindValues)
	}
	if execErr != nil {
		return fmt.Errorf("token_store.delete_owner.pgx: %w", execErr)
	}
	return nil
}

// SweepExpired deletes rows whose expiry precedes now.
func (store *PostgresTokenStore) SweepExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, execErr := store.pool.Exec(ctx, `
DELETE FROM stored_tokens WHERE expires_unix < $1
`, now.Unix())
	if execErr != nil {
		return 0, fmt.Errorf("token_store.sweep.pgx: %w", execErr)
	}
	return tag.RowsAffected(), nil
}

func (store *PostgresTokenStore) scanStoredToken(row pgx.Row, value string, kind authkit.TokenKind) (authkit.StoredToken, error) {
	var userID string
	var enterpriseID string
	var issuedAtUnix int64
	var expiresUnix int64
	if scanErr := row.Scan(&userID, &enterpriseID, &issuedAtUnix, &expiresUnix); scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return authkit.StoredToken{}, authkit.ErrTokenNotFound
		}
		return authkit.StoredToken{}, fmt.Errorf("token_store.scan.pgx: %w", scanErr)
	}
	return authkit.StoredToken{
		Value:        value,
		UserID:       userID,
		EnterpriseID: enterpriseID,
		Kind:         kind,
		IssuedAt:     time.Unix(issuedAtUnix, 0).UTC(),
		ExpiresAt:    time.Unix(expiresUnix, 0).UTC(),
	}, nil
}

func (store *PostgresTokenStore) hash(value string) string {
	sum := sha256.Sum256([]byte(value))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
