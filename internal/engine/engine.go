// Package engine implements the per-commitment settlement lifecycle:
// Registered -> Bonded -> Fulfilled | Refunded, and Registered -> Abandoned
// for commitments that expire unbonded. All guards are re-evaluated under the
// registry's per-hash lock at commit time, so a bond or reveal that was valid
// when the caller issued it is still rejected if expiry passed in flight.
package engine

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/hashlock-labs/bondlock/internal/commitment"
	"github.com/hashlock-labs/bondlock/internal/escrow"
	"github.com/hashlock-labs/bondlock/internal/watch"
)

// Engine applies settlement events to the commitment registry. Escrow moves
// happen inside the registry mutation, so a failed settlement-chain action
// aborts the transition with no state written.
type Engine struct {
	registry *commitment.Registry
	ledger   *escrow.Ledger
	funding  watch.FundingObserver
	events   *EventSink
	log      *zap.Logger

	// Now is the engine clock, unix seconds. Overridable in tests; expiry
	// boundary behavior depends on a single clock for all guards.
	Now func() int64
}

func New(registry *commitment.Registry, ledger *escrow.Ledger, funding watch.FundingObserver, events *EventSink, log *zap.Logger) *Engine {
	return &Engine{
		registry: registry,
		ledger:   ledger,
		funding:  funding,
		events:   events,
		log:      log,
		Now:      func() int64 { return time.Now().Unix() },
	}
}

// Register creates a new commitment keyed by h. Fails with AlreadyRegistered
// on a duplicate h and InvalidExpiry unless expiry is strictly in the future.
func (e *Engine) Register(ctx context.Context, h common.Hash, beneficiary common.Address, amount *big.Int, fundingSats btcutil.Amount, expiry int64) (*commitment.Commitment, error) {
	c, err := e.registry.Register(ctx, commitment.Commitment{
		Hash:        h,
		Beneficiary: beneficiary,
		Amount:      amount,
		FundingSats: fundingSats,
		Expiry:      expiry,
	}, e.Now())
	if err != nil {
		return nil, err
	}
	e.events.Emit(ctx, EventRegistered, c)
	return c, nil
}

// Get returns the current record for h.
func (e *Engine) Get(ctx context.Context, h common.Hash) (*commitment.Commitment, error) {
	return e.registry.Get(ctx, h)
}

// Bond moves h from Registered to Bonded on behalf of solver, debiting the
// payout amount from the solver into escrow. The debit happens here, before
// the solver can extract anything on the Bitcoin side; it is only ever
// released by an honest reveal or an expiry refund.
func (e *Engine) Bond(ctx context.Context, h common.Hash, solver common.Address) (*commitment.Commitment, error) {
	now := e.Now()
	c, err := e.registry.Mutate(ctx, h, now, func(c *commitment.Commitment) error {
		switch c.State {
		case commitment.StateRegistered:
			// fallthrough to guards
		case commitment.StateAbandoned:
			return fmt.Errorf("%w: commitment abandoned", commitment.ErrExpired)
		default:
			return fmt.Errorf("%w: state %s", commitment.ErrAlreadyBonded, c.State)
		}
		if now >= c.Expiry {
			return fmt.Errorf("%w: expiry %d, now %d", commitment.ErrExpired, c.Expiry, now)
		}

		funded, err := e.funding.ObserveFunding(ctx, h, c.FundingSats, c.Expiry)
		if err != nil {
			return err
		}
		if !funded {
			return fmt.Errorf("%w: %s", commitment.ErrNotFunded, h.Hex())
		}

		if err := e.ledger.Debit(ctx, h, solver, c.Amount, now); err != nil {
			return err
		}
		c.Solver = solver
		c.State = commitment.StateBonded
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.events.Emit(ctx, EventBonded, c)
	return c, nil
}

// Reveal derives h from the preimage and fulfills the commitment.
func (e *Engine) Reveal(ctx context.Context, preimage commitment.Preimage) (*commitment.Commitment, error) {
	return e.RevealFor(ctx, preimage.Hash(), preimage)
}

// RevealFor fulfills commitment h with preimage, crediting the beneficiary
// from escrow. Redelivering a reveal for an already-fulfilled commitment
// returns the terminal record with no second credit: the reveal feed is
// at-least-once.
func (e *Engine) RevealFor(ctx context.Context, h common.Hash, preimage commitment.Preimage) (*commitment.Commitment, error) {
	if preimage.Hash() != h {
		return nil, fmt.Errorf("%w: sha256(preimage) = %s, want %s",
			commitment.ErrInvalidPreimage, preimage.Hash().Hex(), h.Hex())
	}

	now := e.Now()
	var fulfilled bool
	c, err := e.registry.Mutate(ctx, h, now, func(c *commitment.Commitment) error {
		switch c.State {
		case commitment.StateFulfilled:
			return nil // idempotent redelivery
		case commitment.StateRefunded, commitment.StateAbandoned:
			return fmt.Errorf("%w: state %s", commitment.ErrExpired, c.State)
		case commitment.StateRegistered:
			return fmt.Errorf("%w: reveal before bond", commitment.ErrIllegalTransition)
		}
		// strict cutoff: the sweeper owns t >= expiry
		if now >= c.Expiry {
			return fmt.Errorf("%w: expiry %d, now %d", commitment.ErrExpired, c.Expiry, now)
		}

		if err := e.ledger.CreditBeneficiary(ctx, h, c.Beneficiary); err != nil {
			return err
		}
		c.Preimage = preimage
		c.Revealed = true
		c.State = commitment.StateFulfilled
		fulfilled = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if fulfilled {
		e.events.Emit(ctx, EventPreimageRevealed, c)
		e.events.Emit(ctx, EventFulfilled, c)
	}
	return c, nil
}

// ExpiryTick drives an expired commitment to its terminal refund state:
// Bonded becomes Refunded (escrow back to the solver), Registered becomes
// Abandoned (no funds ever moved). Ticks against commitments that are not yet
// due or already terminal are no-ops, so the sweeper may safely race itself.
func (e *Engine) ExpiryTick(ctx context.Context, h common.Hash) (*commitment.Commitment, error) {
	now := e.Now()
	var result EventType
	c, err := e.registry.Mutate(ctx, h, now, func(c *commitment.Commitment) error {
		if c.State.Terminal() || now < c.Expiry {
			return nil
		}
		switch c.State {
		case commitment.StateBonded:
			if err := e.ledger.RefundSolver(ctx, h); err != nil {
				return err
			}
			c.State = commitment.StateRefunded
			result = EventRefunded
		case commitment.StateRegistered:
			c.State = commitment.StateAbandoned
			result = EventAbandoned
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if result != "" {
		e.events.Emit(ctx, result, c)
	}
	return c, nil
}
