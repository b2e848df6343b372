package engine

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// RunSweeper periodically drives expired commitments to their terminal refund
// states. A missed tick is safe; the next tick catches up. The interval should
// be short relative to the smallest supported term so the refund-latency
// window stays bounded.
func (e *Engine) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	e.log.Info("expiry sweeper started", zap.Duration("interval", interval))

	for {
		select {
		case <-ctx.Done():
			e.log.Info("expiry sweeper stopped")
			return
		case <-ticker.C:
			if _, err := e.Sweep(ctx); err != nil {
				e.log.Error("sweep failed", zap.Error(err))
			}
		}
	}
}

// Sweep runs one pass over all due commitments and returns how many reached a
// terminal state. Safe to invoke concurrently with a running sweeper; every
// tick re-checks its guards under the registry lock.
func (e *Engine) Sweep(ctx context.Context) (int, error) {
	due, err := e.registry.DuePending(ctx, e.Now())
	if err != nil {
		return 0, err
	}

	swept := 0
	for _, h := range due {
		c, err := e.ExpiryTick(ctx, h)
		if err != nil {
			// settlement-action failures are retried on the next tick
			e.log.Error("expiry tick failed", zap.String("hash", h.Hex()), zap.Error(err))
			continue
		}
		if c.State.Terminal() {
			swept++
		}
	}
	if swept > 0 {
		e.log.Info("sweep complete", zap.Int("due", len(due)), zap.Int("swept", swept))
	}
	return swept, nil
}
