package engine

import (
	"context"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/hashlock-labs/bondlock/internal/commitment"
)

// DefaultEventStream is the Redis stream lifecycle events are appended to for
// external indexers.
const DefaultEventStream = "settlement:events"

type EventType string

const (
	EventRegistered       EventType = "CommitmentRegistered"
	EventBonded           EventType = "CommitmentBonded"
	EventPreimageRevealed EventType = "PreimageRevealed"
	EventFulfilled        EventType = "Fulfilled"
	EventRefunded         EventType = "Refunded"
	EventAbandoned        EventType = "Abandoned"
)

// EventSink publishes lifecycle events. Emission is observability only: a
// failed append is logged and never fails the transition that produced it.
type EventSink struct {
	rdb    *redis.Client
	stream string
	log    *zap.Logger
}

func NewEventSink(rdb *redis.Client, stream string, log *zap.Logger) *EventSink {
	if stream == "" {
		stream = DefaultEventStream
	}
	return &EventSink{rdb: rdb, stream: stream, log: log}
}

func (s *EventSink) Emit(ctx context.Context, typ EventType, c *commitment.Commitment) {
	err := s.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]interface{}{
			"type":   string(typ),
			"hash":   c.Hash.Hex(),
			"state":  c.State.String(),
			"amount": c.Amount.String(),
			"ts":     c.UpdatedAt,
		},
	}).Err()
	if err != nil {
		s.log.Warn("event emit failed",
			zap.String("type", string(typ)),
			zap.String("hash", c.Hash.Hex()),
			zap.Error(err),
		)
		return
	}
	s.log.Info("settlement event",
		zap.String("type", string(typ)),
		zap.String("hash", c.Hash.Hex()),
		zap.String("state", c.State.String()),
		zap.String("amount", c.Amount.String()),
	)
}
