// cmd/deploy — deploys the EscrowVault contract.
//
// Usage:
//
//	go run ./cmd/deploy/ --rpc <url> --key <hex> --chain-id <id> \
//	    --artifact contracts/out/EscrowVault.sol/EscrowVault.json
package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

func main() {
	rpcURL := flag.String("rpc", "", "EVM RPC endpoint")
	keyHex := flag.String("key", "", "deployer private key (hex, with or without 0x)")
	chainID := flag.Int64("chain-id", 0, "chain ID")
	artifact := flag.String("artifact", "contracts/out/EscrowVault.sol/EscrowVault.json", "Foundry artifact path")
	flag.Parse()

	if *rpcURL == "" || *keyHex == "" || *chainID == 0 {
		fmt.Fprintln(os.Stderr, "error: --rpc, --key and --chain-id are required")
		os.Exit(1)
	}

	// ── private key ───────────────────────────────────────────────────────────
	privKey, err := crypto.HexToECDSA(strings.TrimPrefix(*keyHex, "0x"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "parse key: %v\n", err)
		os.Exit(1)
	}
	deployer := crypto.PubkeyToAddress(privKey.PublicKey)
	fmt.Printf("Deployer : %s\n", deployer.Hex())

	// ── chain client ──────────────────────────────────────────────────────────
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	client, err := ethclient.DialContext(ctx, *rpcURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dial rpc: %v\n", err)
		os.Exit(1)
	}

	auth, err := bind.NewKeyedTransactorWithChainID(privKey, big.NewInt(*chainID))
	if err != nil {
		fmt.Fprintf(os.Stderr, "transactor: %v\n", err)
		os.Exit(1)
	}
	auth.Context = ctx

	// ── load ABI + bytecode from the Foundry artifact ─────────────────────────
	raw, err := os.ReadFile(*artifact)
	if err != nil {
		fmt.Fprintf(os.Stderr, "read artifact %s: %v\n", *artifact, err)
		os.Exit(1)
	}
	var art struct {
		ABI      json.RawMessage `json:"abi"`
		Bytecode struct {
			Object string `json:"object"`
		} `json:"bytecode"`
	}
	if err := json.Unmarshal(raw, &art); err != nil {
		fmt.Fprintf(os.Stderr, "parse artifact: %v\n", err)
		os.Exit(1)
	}
	vaultABI, err := abi.JSON(strings.NewReader(string(art.ABI)))
	if err != nil {
		fmt.Fprintf(os.Stderr, "parse vault ABI: %v\n", err)
		os.Exit(1)
	}
	bytecode, err := hex.DecodeString(strings.TrimPrefix(art.Bytecode.Object, "0x"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "decode bytecode: %v\n", err)
		os.Exit(1)
	}

	// ── deploy ────────────────────────────────────────────────────────────────
	fmt.Printf("Deploying EscrowVault (chainID=%d)...\n", *chainID)
	addr, tx, _, err := bind.DeployContract(auth, vaultABI, bytecode, client)
	if err != nil {
		fmt.Fprintf(os.Stderr, "deploy: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("  Tx hash : %s\n", tx.Hash().Hex())

	receipt, err := bind.WaitMined(ctx, client, tx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "wait mined: %v\n", err)
		os.Exit(1)
	}
	if receipt.Status == 0 {
		fmt.Fprintln(os.Stderr, "deploy reverted")
		os.Exit(1)
	}

	fmt.Printf("  Address : %s\n", addr.Hex())
	fmt.Println("\nSet ESCROW_CONTRACT to the address above.")
}
