package authkitpg

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// EnsureSchema creates tables if they do not exist.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS stored_tokens (
    token_hash TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    enterprise_id TEXT NOT NULL,
    kind TEXT NOT NULL,
    issued_at_unix BIGINT NOT NULL,
    expires_unix BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_stored_tokens_owner_kind ON stored_tokens (user_id, kind);
CREATE INDEX IF NOT EXISTS idx_stored_tokens_expiry ON stored_tokens (expires_unix);
`)
	return err
}
