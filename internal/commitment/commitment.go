package commitment

import (
	"crypto/sha256"
	"math/big"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/ethereum/go-ethereum/common"
)

// State is the lifecycle position of a commitment. Transitions only ever move
// forward along the graph enforced by Registry.Mutate.
type State uint8

const (
	StateRegistered State = iota
	StateBonded
	StateFulfilled
	StateRefunded
	StateAbandoned
)

func (s State) String() string {
	switch s {
	case StateRegistered:
		return "REGISTERED"
	case StateBonded:
		return "BONDED"
	case StateFulfilled:
		return "FULFILLED"
	case StateRefunded:
		return "REFUNDED"
	case StateAbandoned:
		return "ABANDONED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether no further transition is legal from s.
func (s State) Terminal() bool {
	return s == StateFulfilled || s == StateRefunded || s == StateAbandoned
}

// legal transitions, keyed by current state
var transitions = map[State][]State{
	StateRegistered: {StateBonded, StateAbandoned},
	StateBonded:     {StateFulfilled, StateRefunded},
}

func legalTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Preimage is the 32-byte secret whose SHA-256 image is the commitment key.
type Preimage [32]byte

// Hash returns the commitment key for the preimage.
func (p Preimage) Hash() common.Hash {
	return sha256.Sum256(p[:])
}

// Commitment is one conditional transfer pair tracked by the engine: a
// Bitcoin-side hash-timelock expected to be funded for FundingSats, matched by
// an Amount payout on the settlement chain. Records are never deleted; terminal
// states are retained so redelivered events resolve idempotently.
type Commitment struct {
	Hash        common.Hash    `json:"hash"`
	Beneficiary common.Address `json:"beneficiary"`
	Amount      *big.Int       `json:"amount"`
	FundingSats btcutil.Amount `json:"funding_sats"`
	Expiry      int64          `json:"expiry"`
	Solver      common.Address `json:"solver"`
	State       State          `json:"state"`
	Preimage    Preimage       `json:"preimage"`
	Revealed    bool           `json:"revealed"`
	CreatedAt   int64          `json:"created_at"`
	UpdatedAt   int64          `json:"updated_at"`
}
