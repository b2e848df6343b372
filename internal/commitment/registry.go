package commitment

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/big"
	"strconv"
	"sync"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
)

const (
	recordKeyPrefix = "commitment:"

	// per-state expiry indexes, score = unix expiry; only non-terminal states
	// are indexed because only they can still be swept
	registeredExpiryKey = "commitments:expiry:registered"
	bondedExpiryKey     = "commitments:expiry:bonded"
)

func recordKey(h common.Hash) string {
	return recordKeyPrefix + h.Hex()
}

func expiryIndexKey(s State) string {
	switch s {
	case StateRegistered:
		return registeredExpiryKey
	case StateBonded:
		return bondedExpiryKey
	default:
		return ""
	}
}

// Registry is the single authority over commitment records. Every mutation
// goes through Mutate, which holds a per-hash lock for the full
// load-guard-side-effect-persist cycle, so transitions for one commitment are
// totally ordered while different commitments proceed independently.
type Registry struct {
	rdb *redis.Client

	mu    sync.Mutex
	locks map[common.Hash]*sync.Mutex
}

func NewRegistry(rdb *redis.Client) *Registry {
	return &Registry{
		rdb:   rdb,
		locks: make(map[common.Hash]*sync.Mutex),
	}
}

func (r *Registry) keyLock(h common.Hash) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[h]
	if !ok {
		l = &sync.Mutex{}
		r.locks[h] = l
	}
	return l
}

// Register creates a commitment in StateRegistered. now is caller-supplied so
// guard evaluation and tests share one clock.
func (r *Registry) Register(ctx context.Context, c Commitment, now int64) (*Commitment, error) {
	if c.Expiry <= now {
		return nil, fmt.Errorf("%w: expiry %d, now %d", ErrInvalidExpiry, c.Expiry, now)
	}

	l := r.keyLock(c.Hash)
	l.Lock()
	defer l.Unlock()

	exists, err := r.rdb.Exists(ctx, recordKey(c.Hash)).Result()
	if err != nil {
		return nil, fmt.Errorf("registry exists: %w", err)
	}
	if exists > 0 {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRegistered, c.Hash.Hex())
	}

	c.State = StateRegistered
	c.CreatedAt = now
	c.UpdatedAt = now
	// record and index go in one MULTI/EXEC so a crash cannot leave a
	// registered record the sweeper never sees
	_, err = r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		persistTo(ctx, pipe, &c)
		pipe.ZAdd(ctx, registeredExpiryKey, redis.Z{
			Score:  float64(c.Expiry),
			Member: c.Hash.Hex(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("registry persist: %w", err)
	}
	return &c, nil
}

// Get returns the commitment for h, or ErrNotFound.
func (r *Registry) Get(ctx context.Context, h common.Hash) (*Commitment, error) {
	vals, err := r.rdb.HGetAll(ctx, recordKey(h)).Result()
	if err != nil {
		return nil, fmt.Errorf("registry get: %w", err)
	}
	if len(vals) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, h.Hex())
	}
	return recordFromMap(vals)
}

// Mutate loads h under its key lock, applies fn, validates the state change
// against the lifecycle graph, and persists. fn may perform blocking side
// effects (funding observation, escrow moves); returning an error from fn
// aborts the transition with nothing written. The loaded record is passed to
// fn by pointer; fn mutates it in place.
func (r *Registry) Mutate(ctx context.Context, h common.Hash, now int64, fn func(*Commitment) error) (*Commitment, error) {
	l := r.keyLock(h)
	l.Lock()
	defer l.Unlock()

	c, err := r.Get(ctx, h)
	if err != nil {
		return nil, err
	}
	before := c.State

	if err := fn(c); err != nil {
		return nil, err
	}

	if c.State == before {
		// no transition requested; nothing to write
		return c, nil
	}
	if !legalTransition(before, c.State) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, before, c.State)
	}

	c.UpdatedAt = now
	// record and both index moves commit atomically; a terminal record must
	// leave the expiry index in the same write that persists it
	_, err = r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		persistTo(ctx, pipe, c)
		if key := expiryIndexKey(before); key != "" {
			pipe.ZRem(ctx, key, h.Hex())
		}
		if key := expiryIndexKey(c.State); key != "" {
			pipe.ZAdd(ctx, key, redis.Z{Score: float64(c.Expiry), Member: h.Hex()})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("registry persist: %w", err)
	}
	return c, nil
}

// DuePending returns the hashes of all Registered or Bonded commitments whose
// expiry is at or before now. The sweeper re-checks every guard under Mutate,
// so a stale read here is harmless.
func (r *Registry) DuePending(ctx context.Context, now int64) ([]common.Hash, error) {
	var due []common.Hash
	for _, key := range []string{registeredExpiryKey, bondedExpiryKey} {
		members, err := r.rdb.ZRangeByScore(ctx, key, &redis.ZRangeBy{
			Min: "-inf",
			Max: strconv.FormatInt(now, 10),
		}).Result()
		if err != nil {
			return nil, fmt.Errorf("registry due scan: %w", err)
		}
		for _, m := range members {
			due = append(due, common.HexToHash(m))
		}
	}
	return due, nil
}

func persistTo(ctx context.Context, pipe redis.Pipeliner, c *Commitment) {
	fields := []interface{}{
		"hash", c.Hash.Hex(),
		"beneficiary", c.Beneficiary.Hex(),
		"amount", c.Amount.String(),
		"funding_sats", int64(c.FundingSats),
		"expiry", c.Expiry,
		"solver", c.Solver.Hex(),
		"state", uint8(c.State),
		"revealed", c.Revealed,
		"created_at", c.CreatedAt,
		"updated_at", c.UpdatedAt,
	}
	if c.Revealed {
		fields = append(fields, "preimage", hex.EncodeToString(c.Preimage[:]))
	}
	pipe.HSet(ctx, recordKey(c.Hash), fields...)
}

func recordFromMap(m map[string]string) (*Commitment, error) {
	amount, ok := new(big.Int).SetString(m["amount"], 10)
	if !ok {
		return nil, fmt.Errorf("registry record: bad amount %q", m["amount"])
	}
	fundingSats, _ := strconv.ParseInt(m["funding_sats"], 10, 64)
	expiry, _ := strconv.ParseInt(m["expiry"], 10, 64)
	state, _ := strconv.ParseUint(m["state"], 10, 8)
	createdAt, _ := strconv.ParseInt(m["created_at"], 10, 64)
	updatedAt, _ := strconv.ParseInt(m["updated_at"], 10, 64)
	revealed, _ := strconv.ParseBool(m["revealed"])

	c := &Commitment{
		Hash:        common.HexToHash(m["hash"]),
		Beneficiary: common.HexToAddress(m["beneficiary"]),
		Amount:      amount,
		FundingSats: btcutil.Amount(fundingSats),
		Expiry:      expiry,
		Solver:      common.HexToAddress(m["solver"]),
		State:       State(state),
		Revealed:    revealed,
		CreatedAt:   createdAt,
		UpdatedAt:   updatedAt,
	}
	if revealed {
		raw, err := hex.DecodeString(m["preimage"])
		if err != nil || len(raw) != 32 {
			return nil, fmt.Errorf("registry record: bad preimage %q", m["preimage"])
		}
		copy(c.Preimage[:], raw)
	}
	return c, nil
}
