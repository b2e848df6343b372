package commitment

import "errors"

// Guard failures are local, synchronous, and leave no state behind. Callers
// can rely on these sentinels with errors.Is to tell "retry later" apart from
// "this path is permanently closed".
var (
	ErrNotFound          = errors.New("commitment not found")
	ErrAlreadyRegistered = errors.New("commitment already registered")
	ErrAlreadyBonded     = errors.New("commitment already bonded")
	ErrNotFunded         = errors.New("hash lock not funded")
	ErrInvalidPreimage   = errors.New("preimage does not match commitment hash")
	ErrExpired           = errors.New("commitment expired")
	ErrIllegalTransition = errors.New("illegal state transition")
	ErrSettlementAction  = errors.New("settlement action failed")
	ErrAlreadyReleased   = errors.New("escrow already released")
	ErrInvalidExpiry     = errors.New("expiry not in the future")
)

// Code maps an error to its stable wire code for the HTTP surface and the
// event stream. Unknown errors map to INTERNAL.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "NOT_FOUND"
	case errors.Is(err, ErrAlreadyRegistered):
		return "ALREADY_REGISTERED"
	case errors.Is(err, ErrAlreadyBonded):
		return "ALREADY_BONDED"
	case errors.Is(err, ErrNotFunded):
		return "NOT_FUNDED"
	case errors.Is(err, ErrInvalidPreimage):
		return "INVALID_PREIMAGE"
	case errors.Is(err, ErrExpired):
		return "EXPIRED"
	case errors.Is(err, ErrIllegalTransition):
		return "ILLEGAL_TRANSITION"
	case errors.Is(err, ErrSettlementAction):
		return "SETTLEMENT_ACTION_FAILED"
	case errors.Is(err, ErrAlreadyReleased):
		return "ALREADY_RELEASED"
	case errors.Is(err, ErrInvalidExpiry):
		return "INVALID_EXPIRY"
	default:
		return "INTERNAL"
	}
}
