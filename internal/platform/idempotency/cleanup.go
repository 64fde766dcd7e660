package idempotency

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const (
	defaultCleanupInterval = 15 * time.Minute
	defaultCleanupBatch    = 200
)

// Janitor periodically removes expired reservations from a Store.
type Janitor struct {
	store    Store
	interval time.Duration
	batch    int
	clock    clockFunc
	logger   *zap.Logger
}

// NewJanitor constructs a cleanup loop. Non-positive interval and batch fall back to defaults.
func NewJanitor(store Store, interval time.Duration, batch int, logger *zap.Logger) *Janitor {
	if interval <= 0 {
		interval = defaultCleanupInterval
	}
	if batch <= 0 {
		batch = defaultCleanupBatch
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Janitor{store: store, interval: interval, batch: batch, clock: time.Now, logger: logger}
}

// Sweep removes expired records until a partial batch is returned.
func (j *Janitor) Sweep(ctx context.Context) (int, error) {
	if j == nil || j.store == nil {
		return 0, nil
	}
	total := 0
	for {
		removed, err := j.store.CleanupExpired(ctx, j.clock().UTC(), j.batch)
		total += removed
		if err != nil {
			return total, err
		}
		if removed < j.batch {
			return total, nil
		}
		if err := ctx.Err(); err != nil {
			return total, err
		}
	}
}

// Run sweeps on every tick until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) {
	if j == nil || j.store == nil {
		return
	}
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := j.Sweep(ctx)
			if err != nil {
				j.logger.Warn("idempotency cleanup failed", zap.Error(err), zap.Int("removed", removed))
				continue
			}
			if removed > 0 {
				j.logger.Debug("idempotency cleanup", zap.Int("removed", removed))
			}
		}
	}
}
