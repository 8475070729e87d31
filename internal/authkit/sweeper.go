package authkit

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Sweeper periodically deletes expired stored tokens. Expiry-aware lookups
// already mask stale rows, so a missed or failed cycle costs nothing but
// storage; failures are logged and retried on the next tick, never fatal.
type Sweeper struct {
	tokens   TokenStore
	interval time.Duration
	clock    Clock
	logger   *zap.Logger
}

// NewSweeper constructs a sweeper over the given store.
func NewSweeper(tokens TokenStore, interval time.Duration, clock Clock, logger *zap.Logger) *Sweeper {
	if clock == nil {
		clock = NewSystemClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{
		tokens:   tokens,
		interval: interval,
		clock:    clock,
		logger:   logger,
	}
}

// Run blocks until the context is cancelled, sweeping once per interval.
func (sweeper *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(sweeper.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweeper.sweepOnce(ctx)
		}
	}
}

func (sweeper *Sweeper) sweepOnce(ctx context.Context) {
	removed, sweepErr := sweeper.tokens.SweepExpired(ctx, sweeper.clock.Now())
	if sweepErr != nil {
		sweeper.logger.Warn("expiry sweep failed",
			zap.String("code", "sweeper.cycle_failed"),
			zap.Error(sweepErr))
		return
	}
	if removed > 0 {
		sweeper.logger.Info("expired tokens swept",
			zap.String("code", "sweeper.cycle_complete"),
			zap.Int64("removed", removed))
	}
}
