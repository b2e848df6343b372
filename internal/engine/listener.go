package engine

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/hashlock-labs/bondlock/internal/commitment"
	"github.com/hashlock-labs/bondlock/internal/watch"
)

const revealRetryDelay = 5 * time.Second

// RunRevealListener is the long-lived consumer of the watcher's reveal
// stream: block on the stream, apply each reveal, advance the checkpoint.
// Permanent rejections are checkpointed past; transient failures leave the
// checkpoint in place so the event redelivers after a delay.
func (e *Engine) RunRevealListener(ctx context.Context, src *watch.RevealSource, block time.Duration) {
	e.log.Info("reveal listener started")

	for {
		if ctx.Err() != nil {
			e.log.Info("reveal listener stopped")
			return
		}

		reveals, err := src.Next(ctx, block)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			e.log.Error("reveal stream read failed", zap.Error(err))
			sleepCtx(ctx, time.Second)
			continue
		}

		for _, r := range reveals {
			if !e.handleReveal(ctx, src, r) {
				// transient failure: stop the batch, redeliver from checkpoint
				sleepCtx(ctx, revealRetryDelay)
				break
			}
		}
	}
}

// handleReveal applies one reveal and reports whether the checkpoint advanced.
func (e *Engine) handleReveal(ctx context.Context, src *watch.RevealSource, r watch.Reveal) bool {
	c, err := e.RevealFor(ctx, r.Hash, r.Preimage)
	switch {
	case err == nil:
		e.log.Info("reveal applied",
			zap.String("hash", r.Hash.Hex()),
			zap.String("state", c.State.String()),
		)

	case permanentRevealError(err):
		// this reveal can never succeed; move on
		e.log.Warn("reveal rejected",
			zap.String("hash", r.Hash.Hex()),
			zap.String("code", commitment.Code(err)),
			zap.Error(err),
		)

	default:
		e.log.Error("reveal deferred for retry",
			zap.String("hash", r.Hash.Hex()),
			zap.Error(err),
		)
		return false
	}

	if err := src.Ack(ctx, r.StreamID); err != nil {
		// checkpoint write failed; the event redelivers, which is safe
		e.log.Error("reveal checkpoint failed", zap.String("stream_id", r.StreamID), zap.Error(err))
		return false
	}
	return true
}

// sleepCtx waits for d or until ctx is cancelled, whichever comes first.
func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func permanentRevealError(err error) bool {
	return errors.Is(err, commitment.ErrNotFound) ||
		errors.Is(err, commitment.ErrInvalidPreimage) ||
		errors.Is(err, commitment.ErrExpired) ||
		errors.Is(err, commitment.ErrIllegalTransition)
}
