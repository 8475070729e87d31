package authkitpg

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Pool sizing for the token hot path: every query touches at most one
// token row. Connections are recycled before typical LB idle timeouts.
const (
	poolMinConns        = 2
	poolMaxConns        = 16
	poolConnLifetime    = 15 * time.Minute
	poolConnIdleTime    = 5 * time.Minute
	poolHealthInterval  = time.Minute
	poolConnectTimeout = 5 * time.Second
)

// BuildPool creates a pgx pool tuned for short single-row token queries.
func BuildPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	config, parseErr := pgxpool.ParseConfig(databaseURL)
	if parseErr != nil {
		return nil, fmt.Errorf("token_store.pool.parse: %w", parseErr)
	}
	config.MinConns = poolMinConns
	config.MaxConns = poolMaxConns
	config.MaxConnLifetime = poolConnLifetime
	config.MaxConnIdleTime = poolConnIdleTime
	config.HealthCheckPeriod = poolHealthInterval
	config.ConnConfig.ConnectTimeout = poolConnectTimeout

	pool, buildErr := pgxpool.NewWithConfig(ctx, config)
	if buildErr != nil {
		return nil, fmt.Errorf("token_store.pool.build: %w", buildErr)
	}
	return pool, nil
}
