// Package watch is the boundary to the Bitcoin-side watcher. The watcher
// observes hash-timelock scripts on the non-programmable chain and publishes
// two kinds of facts into Redis: funding records (hash lock funded, with value
// and refund timelock) and reveal events (lock claimed with a preimage).
// Nothing in here constructs or broadcasts Bitcoin transactions.
package watch

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"

	"github.com/hashlock-labs/bondlock/internal/commitment"
)

const fundingKeyPrefix = "btcwatch:funding:"

// Funding is the watcher's record of a funded hash-timelock output.
type Funding struct {
	OutPoint   wire.OutPoint
	Value      btcutil.Amount
	TimelockAt int64 // unix time at which the Bitcoin-side refund path opens
	Height     int32 // confirmation height
}

// FundingObserver answers whether the Bitcoin-side lock for a commitment is
// funded well enough to bond against: at least minValue locked, with a refund
// timelock no earlier than noEarlierThan.
type FundingObserver interface {
	ObserveFunding(ctx context.Context, h common.Hash, minValue btcutil.Amount, noEarlierThan int64) (bool, error)
}

// RedisFundingObserver reads funding facts published by the watcher.
type RedisFundingObserver struct {
	rdb *redis.Client
}

func NewRedisFundingObserver(rdb *redis.Client) *RedisFundingObserver {
	return &RedisFundingObserver{rdb: rdb}
}

func fundingKey(h common.Hash) string { return fundingKeyPrefix + h.Hex() }

// PutFunding records a funding fact. Called by the watcher process; exposed
// here so tests and the operator tooling share the layout.
func PutFunding(ctx context.Context, rdb *redis.Client, h common.Hash, f Funding) error {
	return rdb.HSet(ctx, fundingKey(h),
		"txid", f.OutPoint.Hash.String(),
		"vout", f.OutPoint.Index,
		"value_sats", int64(f.Value),
		"timelock_at", f.TimelockAt,
		"height", f.Height,
	).Err()
}

// GetFunding returns the funding record for h, or ErrNotFunded.
func (o *RedisFundingObserver) GetFunding(ctx context.Context, h common.Hash) (*Funding, error) {
	vals, err := o.rdb.HGetAll(ctx, fundingKey(h)).Result()
	if err != nil {
		return nil, fmt.Errorf("funding read: %w", err)
	}
	if len(vals) == 0 {
		return nil, fmt.Errorf("%w: %s", commitment.ErrNotFunded, h.Hex())
	}
	txid, err := chainhash.NewHashFromStr(vals["txid"])
	if err != nil {
		return nil, fmt.Errorf("funding record: bad txid %q: %w", vals["txid"], err)
	}
	vout, _ := strconv.ParseUint(vals["vout"], 10, 32)
	value, _ := strconv.ParseInt(vals["value_sats"], 10, 64)
	timelockAt, _ := strconv.ParseInt(vals["timelock_at"], 10, 64)
	height, _ := strconv.ParseInt(vals["height"], 10, 32)
	return &Funding{
		OutPoint:   wire.OutPoint{Hash: *txid, Index: uint32(vout)},
		Value:      btcutil.Amount(value),
		TimelockAt: timelockAt,
		Height:     int32(height),
	}, nil
}

func (o *RedisFundingObserver) ObserveFunding(ctx context.Context, h common.Hash, minValue btcutil.Amount, noEarlierThan int64) (bool, error) {
	f, err := o.GetFunding(ctx, h)
	if err != nil {
		if errors.Is(err, commitment.ErrNotFunded) {
			return false, nil
		}
		return false, err
	}
	return f.Value >= minValue && f.TimelockAt >= noEarlierThan, nil
}
