package escrow

import (
	"context"
	"fmt"
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/hashlock-labs/bondlock/internal/commitment"
)

const (
	holdKeyPrefix     = "escrow:hold:"
	releasedKeyPrefix = "escrow:released:"
)

// Release targets recorded in the released marker.
const (
	releasedToBeneficiary = "beneficiary"
	releasedToSolver      = "solver"
)

// Executor performs the settlement-chain value transfers backing the book.
// Each call either fully succeeds or fully fails; there is no partial
// transfer. chain.Client implements this against the escrow vault contract;
// the nop executor is used when an external custodian holds the funds.
type Executor interface {
	Deposit(ctx context.Context, h common.Hash, solver common.Address, amount *big.Int) error
	Payout(ctx context.Context, h common.Hash, to common.Address, amount *big.Int) error
}

// NopExecutor records nothing on chain; the Redis book is then the sole
// ledger of record.
type NopExecutor struct{}

func (NopExecutor) Deposit(context.Context, common.Hash, common.Address, *big.Int) error {
	return nil
}
func (NopExecutor) Payout(context.Context, common.Hash, common.Address, *big.Int) error {
	return nil
}

// Hold is one escrow book entry.
type Hold struct {
	Solver     common.Address
	Amount     *big.Int
	HeldAt     int64
	ReleasedTo string // empty while held
}

// Ledger tracks solver collateral per commitment. A hold is created exactly
// once per hash and released to exactly one of beneficiary or solver; a second
// release attempt fails closed with ErrAlreadyReleased.
type Ledger struct {
	rdb  *redis.Client
	exec Executor
	log  *zap.Logger
}

func NewLedger(rdb *redis.Client, exec Executor, log *zap.Logger) *Ledger {
	return &Ledger{rdb: rdb, exec: exec, log: log}
}

func holdKey(h common.Hash) string     { return holdKeyPrefix + h.Hex() }
func releasedKey(h common.Hash) string { return releasedKeyPrefix + h.Hex() }

// Debit takes amount from solver into escrow for h. Retrying after a crash
// between the book write and the state transition is safe: a hold already
// claimed by the same solver is treated as success, so the solver is never
// debited twice for one commitment.
func (l *Ledger) Debit(ctx context.Context, h common.Hash, solver common.Address, amount *big.Int, now int64) error {
	claimed, err := l.rdb.HSetNX(ctx, holdKey(h), "solver", solver.Hex()).Result()
	if err != nil {
		return fmt.Errorf("%w: claim hold: %v", commitment.ErrSettlementAction, err)
	}
	if !claimed {
		existing, err := l.rdb.HGet(ctx, holdKey(h), "solver").Result()
		if err != nil {
			return fmt.Errorf("%w: read hold: %v", commitment.ErrSettlementAction, err)
		}
		if common.HexToAddress(existing) != solver {
			return fmt.Errorf("%w: hold owned by %s", commitment.ErrAlreadyBonded, existing)
		}
		// Same solver retrying after a crash. The claim may exist without
		// amount/held_at if the crash hit between the claim and the record
		// write; rewrite them so the hold is always releasable.
		if err := l.rdb.HSet(ctx, holdKey(h),
			"amount", amount.String(),
			"held_at", now,
		).Err(); err != nil {
			return fmt.Errorf("%w: record hold: %v", commitment.ErrSettlementAction, err)
		}
		return nil
	}

	if err := l.exec.Deposit(ctx, h, solver, amount); err != nil {
		// undo the claim so the caller can retry
		l.rdb.HDel(ctx, holdKey(h), "solver") //nolint:errcheck
		return fmt.Errorf("%w: deposit: %v", commitment.ErrSettlementAction, err)
	}

	if err := l.rdb.HSet(ctx, holdKey(h),
		"amount", amount.String(),
		"held_at", now,
	).Err(); err != nil {
		return fmt.Errorf("%w: record hold: %v", commitment.ErrSettlementAction, err)
	}

	l.log.Info("escrow debited",
		zap.String("hash", h.Hex()),
		zap.String("solver", solver.Hex()),
		zap.String("amount", amount.String()),
	)
	return nil
}

// CreditBeneficiary pays the held amount for h to the beneficiary.
func (l *Ledger) CreditBeneficiary(ctx context.Context, h common.Hash, beneficiary common.Address) error {
	return l.release(ctx, h, beneficiary, releasedToBeneficiary)
}

// RefundSolver returns the held amount for h to the solver who posted it.
func (l *Ledger) RefundSolver(ctx context.Context, h common.Hash) error {
	hold, err := l.Holding(ctx, h)
	if err != nil {
		return err
	}
	return l.release(ctx, h, hold.Solver, releasedToSolver)
}

// release is the single payout path. The SETNX marker is taken before the
// transfer so two racing callers cannot both pay out; a transfer failure
// clears the marker and the caller retries.
func (l *Ledger) release(ctx context.Context, h common.Hash, to common.Address, target string) error {
	set, err := l.rdb.SetNX(ctx, releasedKey(h), target, 0).Result()
	if err != nil {
		return fmt.Errorf("%w: mark release: %v", commitment.ErrSettlementAction, err)
	}
	if !set {
		prev, _ := l.rdb.Get(ctx, releasedKey(h)).Result()
		return fmt.Errorf("%w: already paid to %s", commitment.ErrAlreadyReleased, prev)
	}

	hold, err := l.Holding(ctx, h)
	if err != nil {
		l.rdb.Del(ctx, releasedKey(h)) //nolint:errcheck
		return err
	}

	if err := l.exec.Payout(ctx, h, to, hold.Amount); err != nil {
		l.rdb.Del(ctx, releasedKey(h)) //nolint:errcheck
		return fmt.Errorf("%w: payout: %v", commitment.ErrSettlementAction, err)
	}

	l.log.Info("escrow released",
		zap.String("hash", h.Hex()),
		zap.String("to", to.Hex()),
		zap.String("target", target),
		zap.String("amount", hold.Amount.String()),
	)
	return nil
}

// Holding returns the book entry for h, or ErrNotFound if no hold exists.
func (l *Ledger) Holding(ctx context.Context, h common.Hash) (*Hold, error) {
	vals, err := l.rdb.HGetAll(ctx, holdKey(h)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: read hold: %v", commitment.ErrSettlementAction, err)
	}
	if len(vals) == 0 {
		return nil, fmt.Errorf("%w: no escrow hold for %s", commitment.ErrNotFound, h.Hex())
	}
	amount, ok := new(big.Int).SetString(vals["amount"], 10)
	if !ok {
		return nil, fmt.Errorf("%w: bad hold amount %q", commitment.ErrSettlementAction, vals["amount"])
	}
	heldAt, _ := strconv.ParseInt(vals["held_at"], 10, 64)
	releasedTo, _ := l.rdb.Get(ctx, releasedKey(h)).Result()
	return &Hold{
		Solver:     common.HexToAddress(vals["solver"]),
		Amount:     amount,
		HeldAt:     heldAt,
		ReleasedTo: releasedTo,
	}, nil
}
