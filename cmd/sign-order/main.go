package main

import (
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/oxrent/rentex/params"
	"github.com/oxrent/rentex/pkg/api"
	"github.com/oxrent/rentex/pkg/core"
	"github.com/oxrent/rentex/pkg/crypto"
)

// Builds and signs a sample maker ask, then prints the payload ready for
// POST /api/v1/settlements/ask. Set PRIVATE_KEY to sign with an existing key.
func main() {
	cfg := params.LoadFromEnv("")

	var signer *crypto.Signer
	var err error
	if pk := os.Getenv("PRIVATE_KEY"); pk != "" {
		signer, err = crypto.FromPrivateKeyHex(pk)
	} else {
		fmt.Println("Generating new keypair...")
		signer, err = crypto.GenerateKey()
	}
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Signer: %s\n", signer.Address().Hex())
	if os.Getenv("PRIVATE_KEY") == "" {
		fmt.Printf("Private Key: %s (KEEP SECRET!)\n", signer.PrivateKeyHex())
	}
	fmt.Println()

	nonce, err := crypto.RandomNonce()
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}

	now := time.Now().Unix()
	order := &core.MakerOrder{
		Config: core.RentalConfig{
			Target: core.Target{
				Collection: common.HexToAddress(os.Getenv("COLLECTION_ADDR")),
				AssetID:    big.NewInt(1),
				Quantity:   big.NewInt(1),
			},
			PricePerHour: big.NewInt(10_000_000_000_000_000), // 0.01 in 18-decimal units
			MinHours:     1,
			MaxHours:     4,
			Currency:     cfg.Protocol.WrappedNative,
		},
		Side:      core.SideAsk,
		Signer:    signer.Address(),
		Strategy:  cfg.Protocol.FixedPriceStrategy,
		Nonce:     nonce,
		StartTime: now,
		EndTime:   now + 24*3600,
	}

	hasher := crypto.NewOrderHasher(crypto.SigningDomain{
		Name:              cfg.Protocol.Name,
		Version:           cfg.Protocol.Version,
		ChainID:           cfg.Protocol.ChainID,
		VerifyingContract: cfg.Protocol.Exchange,
	})

	sig, err := hasher.SignOrder(signer, order)
	if err != nil {
		fmt.Printf("Error signing: %v\n", err)
		os.Exit(1)
	}
	order.Signature = sig

	valid, err := hasher.VerifyOrderSignature(order)
	if err != nil || !valid {
		fmt.Printf("Signature verification failed: valid=%v err=%v\n", valid, err)
		os.Exit(1)
	}

	payload := api.FromMakerOrder(order)
	out, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		fmt.Printf("Error marshaling JSON: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Signed maker order:")
	fmt.Println(string(out))
}
