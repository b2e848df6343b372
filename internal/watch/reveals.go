package watch

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/hashlock-labs/bondlock/internal/commitment"
)

const (
	// DefaultRevealStream is the Redis stream the watcher XADDs reveal
	// events onto.
	DefaultRevealStream = "btcwatch:reveals"

	checkpointKeyFmt = "btcwatch:reveals:checkpoint:%s"

	readBatchSize = 50
)

// Reveal is one claim observed on the Bitcoin side: the hash lock for Hash
// was spent by presenting Preimage. Delivery is at-least-once; the engine is
// idempotent under redelivery.
type Reveal struct {
	Hash     common.Hash
	Preimage commitment.Preimage
	StreamID string
}

// RevealSource is a restartable cursor over the watcher's reveal stream. The
// cursor position survives restarts via a checkpoint key; entries between the
// checkpoint and the crash point are redelivered.
type RevealSource struct {
	rdb      *redis.Client
	stream   string
	consumer string
	log      *zap.Logger
}

func NewRevealSource(rdb *redis.Client, stream, consumer string, log *zap.Logger) *RevealSource {
	if stream == "" {
		stream = DefaultRevealStream
	}
	return &RevealSource{rdb: rdb, stream: stream, consumer: consumer, log: log}
}

func (s *RevealSource) checkpointKey() string {
	return fmt.Sprintf(checkpointKeyFmt, s.consumer)
}

// Publish appends a reveal event to the stream. Used by the watcher process
// and by the manual reveal path on the API.
func (s *RevealSource) Publish(ctx context.Context, h common.Hash, preimage commitment.Preimage) error {
	return s.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]interface{}{
			"hash":     h.Hex(),
			"preimage": hex.EncodeToString(preimage[:]),
		},
	}).Err()
}

// Next blocks up to block for new reveal events past the checkpoint. A
// timeout returns (nil, nil). Malformed entries are logged, checkpointed past,
// and dropped; they can never become valid.
func (s *RevealSource) Next(ctx context.Context, block time.Duration) ([]Reveal, error) {
	last, err := s.rdb.Get(ctx, s.checkpointKey()).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("reveal checkpoint read: %w", err)
		}
		last = "0"
	}

	streams, err := s.rdb.XRead(ctx, &redis.XReadArgs{
		Streams: []string{s.stream, last},
		Count:   readBatchSize,
		Block:   block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("reveal stream read: %w", err)
	}

	var out []Reveal
	for _, str := range streams {
		for _, msg := range str.Messages {
			r, err := revealFromMessage(msg)
			if err != nil {
				s.log.Warn("dropping malformed reveal event",
					zap.String("stream_id", msg.ID),
					zap.Error(err),
				)
				if err := s.Ack(ctx, msg.ID); err != nil {
					return out, err
				}
				continue
			}
			out = append(out, *r)
		}
	}
	return out, nil
}

// Ack advances the checkpoint past streamID. Called only after the engine has
// fully handled the event (or rejected it permanently); a transient failure
// leaves the checkpoint put so the event redelivers.
func (s *RevealSource) Ack(ctx context.Context, streamID string) error {
	if err := s.rdb.Set(ctx, s.checkpointKey(), streamID, 0).Err(); err != nil {
		return fmt.Errorf("reveal checkpoint write: %w", err)
	}
	return nil
}

func revealFromMessage(msg redis.XMessage) (*Reveal, error) {
	rawHash, _ := msg.Values["hash"].(string)
	rawPreimage, _ := msg.Values["preimage"].(string)
	decoded, err := hex.DecodeString(rawPreimage)
	if err != nil {
		return nil, fmt.Errorf("bad preimage hex %q: %w", rawPreimage, err)
	}
	if len(decoded) != 32 {
		return nil, fmt.Errorf("preimage is %d bytes, want 32", len(decoded))
	}
	r := &Reveal{
		Hash:     common.HexToHash(rawHash),
		StreamID: msg.ID,
	}
	copy(r.Preimage[:], decoded)
	return r, nil
}
