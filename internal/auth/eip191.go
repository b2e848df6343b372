// Package auth authenticates callers by EIP-191 wallet signature. The
// recovered address is the caller's on-chain identity; for the bond call it
// is also the address the escrow debit targets, so the key that signs the
// bond request and the key whose capital is locked are the same.
package auth

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

const signaturePrefix = "\x19Ethereum Signed Message:\n"

// HashMessage returns the EIP-191 digest of the signed request envelope,
// keccak256 over the personal-sign prefix, the message length, and the
// message itself. Wallets apply the same prefix, so a signature produced by
// personal_sign verifies against this digest.
func HashMessage(msg []byte) []byte {
	return crypto.Keccak256(
		[]byte(fmt.Sprintf("%s%d", signaturePrefix, len(msg))),
		msg,
	)
}

// Recover returns the wallet address that signed msg. The signature is the
// 65-byte R || S || V form; V arrives as 27/28 from wallets and as 0/1 from
// raw secp256k1 signers, both are accepted.
func Recover(msg []byte, sig []byte) (common.Address, error) {
	if len(sig) != 65 {
		return common.Address{}, fmt.Errorf("signature is %d bytes, want 65", len(sig))
	}

	normalized := make([]byte, 65)
	copy(normalized, sig)
	if normalized[64] >= 27 {
		normalized[64] -= 27
	}

	pub, err := crypto.SigToPub(HashMessage(msg), normalized)
	if err != nil {
		return common.Address{}, fmt.Errorf("ecrecover: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}
