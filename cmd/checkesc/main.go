// cmd/checkesc — operator inspector: prints a commitment record, its escrow
// book entry, and the watcher's funding facts.
//
// Usage:
//
//	go run ./cmd/checkesc/ --redis localhost:6379 --hash 0x<32 bytes>
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/hashlock-labs/bondlock/internal/commitment"
	"github.com/hashlock-labs/bondlock/internal/escrow"
	"github.com/hashlock-labs/bondlock/internal/watch"
)

func main() {
	redisAddr := flag.String("redis", "localhost:6379", "Redis address")
	hashHex := flag.String("hash", "", "commitment hash (hex)")
	flag.Parse()

	if *hashHex == "" {
		fmt.Fprintln(os.Stderr, "error: --hash is required")
		os.Exit(1)
	}
	h := common.HexToHash(*hashHex)

	ctx := context.Background()
	rdb := redis.NewClient(&redis.Options{Addr: *redisAddr})

	registry := commitment.NewRegistry(rdb)
	c, err := registry.Get(ctx, h)
	if err != nil {
		fmt.Fprintf(os.Stderr, "commitment: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("hash:        %s\n", c.Hash.Hex())
	fmt.Printf("state:       %s\n", c.State)
	fmt.Printf("beneficiary: %s\n", c.Beneficiary.Hex())
	fmt.Printf("amount:      %s wei\n", c.Amount)
	fmt.Printf("funding:     %d sats expected\n", int64(c.FundingSats))
	fmt.Printf("expiry:      %d\n", c.Expiry)
	if c.State != commitment.StateRegistered {
		fmt.Printf("solver:      %s\n", c.Solver.Hex())
	}

	ledger := escrow.NewLedger(rdb, escrow.NopExecutor{}, zap.NewNop())
	hold, err := ledger.Holding(ctx, h)
	switch {
	case errors.Is(err, commitment.ErrNotFound):
		fmt.Println("escrow:      no hold")
	case err != nil:
		fmt.Fprintf(os.Stderr, "escrow: %v\n", err)
	default:
		fmt.Printf("escrow:      %s wei held by %s", hold.Amount, hold.Solver.Hex())
		if hold.ReleasedTo != "" {
			fmt.Printf(", released to %s", hold.ReleasedTo)
		}
		fmt.Println()
	}

	observer := watch.NewRedisFundingObserver(rdb)
	f, err := observer.GetFunding(ctx, h)
	switch {
	case errors.Is(err, commitment.ErrNotFunded):
		fmt.Println("btc lock:    not observed")
	case err != nil:
		fmt.Fprintf(os.Stderr, "btc lock: %v\n", err)
	default:
		fmt.Printf("btc lock:    %s at %s, timelock %d, height %d\n",
			f.Value, f.OutPoint.String(), f.TimelockAt, f.Height)
	}
}
