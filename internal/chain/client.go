// Package chain is the settlement-chain collaborator: a thin client over the
// escrow vault contract. It realizes the debit/credit capabilities the escrow
// ledger needs; each call is a single transaction that either mines
// successfully or fails as a whole.
package chain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/hashlock-labs/bondlock/internal/config"
)

// escrowVaultABI covers the subset of the vault the engine drives. deposit
// pulls solver collateral into a per-hash lock, payout releases a lock to its
// single recipient, locks is the per-hash book view.
const escrowVaultABI = `[
  {"type":"function","name":"deposit","inputs":[{"name":"h","type":"bytes32"},{"name":"solver","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[],"stateMutability":"nonpayable"},
  {"type":"function","name":"payout","inputs":[{"name":"h","type":"bytes32"},{"name":"to","type":"address"}],"outputs":[],"stateMutability":"nonpayable"},
  {"type":"function","name":"locks","inputs":[{"name":"h","type":"bytes32"}],"outputs":[{"name":"solver","type":"address"},{"name":"amount","type":"uint256"},{"name":"released","type":"bool"}],"stateMutability":"view"},
  {"type":"event","name":"Deposited","inputs":[{"name":"h","type":"bytes32","indexed":true},{"name":"solver","type":"address","indexed":true},{"name":"amount","type":"uint256","indexed":false}],"anonymous":false},
  {"type":"event","name":"PaidOut","inputs":[{"name":"h","type":"bytes32","indexed":true},{"name":"to","type":"address","indexed":true},{"name":"amount","type":"uint256","indexed":false}],"anonymous":false}
]`

// Lock mirrors the vault's per-hash storage slot.
type Lock struct {
	Solver   common.Address
	Amount   *big.Int
	Released bool
}

// Client wraps go-ethereum and the escrow vault binding.
type Client struct {
	eth          *ethclient.Client
	bound        *bind.BoundContract
	contractAddr common.Address
	chainID      *big.Int
	operatorKey  *ecdsa.PrivateKey
}

func NewClient(cfg *config.Config) (*Client, error) {
	eth, err := ethclient.Dial(cfg.Chain.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}

	privKey, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.Chain.OperatorKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse operator key: %w", err)
	}

	parsed, err := abi.JSON(strings.NewReader(escrowVaultABI))
	if err != nil {
		return nil, fmt.Errorf("parse vault abi: %w", err)
	}

	addr := common.HexToAddress(cfg.Chain.EscrowContract)
	return &Client{
		eth:          eth,
		bound:        bind.NewBoundContract(addr, parsed, eth, eth, eth),
		contractAddr: addr,
		chainID:      big.NewInt(cfg.Chain.ChainID),
		operatorKey:  privKey,
	}, nil
}

// ContractAddress returns the escrow vault address.
func (c *Client) ContractAddress() common.Address { return c.contractAddr }

// ChainID returns the configured chain ID.
func (c *Client) ChainID() *big.Int { return c.chainID }

// transactOpts builds a *bind.TransactOpts signed by the operator key.
func (c *Client) transactOpts(ctx context.Context) (*bind.TransactOpts, error) {
	auth, err := bind.NewKeyedTransactorWithChainID(c.operatorKey, c.chainID)
	if err != nil {
		return nil, err
	}
	auth.Context = ctx
	return auth, nil
}

// Deposit locks amount of solver collateral under h.
func (c *Client) Deposit(ctx context.Context, h common.Hash, solver common.Address, amount *big.Int) error {
	return c.transact(ctx, "deposit", h, solver, amount)
}

// Payout releases the lock under h to recipient to. The vault pays its own
// recorded amount; the book's amount argument exists only to satisfy the
// Executor signature.
func (c *Client) Payout(ctx context.Context, h common.Hash, to common.Address, _ *big.Int) error {
	return c.transact(ctx, "payout", h, to)
}

func (c *Client) transact(ctx context.Context, method string, args ...interface{}) error {
	opts, err := c.transactOpts(ctx)
	if err != nil {
		return fmt.Errorf("build tx opts: %w", err)
	}

	tx, err := c.bound.Transact(opts, method, args...)
	if err != nil {
		return fmt.Errorf("%s tx: %w", method, err)
	}

	receipt, err := bind.WaitMined(ctx, c.eth, tx)
	if err != nil {
		return fmt.Errorf("wait mined: %w", err)
	}
	if receipt.Status == 0 {
		return fmt.Errorf("%s reverted: %s", method, tx.Hash().Hex())
	}
	return nil
}

// GetLock reads the vault's lock record for h.
func (c *Client) GetLock(ctx context.Context, h common.Hash) (*Lock, error) {
	var out []interface{}
	if err := c.bound.Call(&bind.CallOpts{Context: ctx}, &out, "locks", h); err != nil {
		return nil, fmt.Errorf("locks: %w", err)
	}
	return &Lock{
		Solver:   *abi.ConvertType(out[0], new(common.Address)).(*common.Address),
		Amount:   *abi.ConvertType(out[1], new(*big.Int)).(**big.Int),
		Released: *abi.ConvertType(out[2], new(bool)).(*bool),
	}, nil
}
