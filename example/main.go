// Example usage of the airdrop market SDK: claim a whitelisted NFT at the
// discounted price with a single permit multicall.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/big"
	"os"

	"github.com/ethereum/go-ethereum/common"

	airdropmarket "github.com/kaifufi/airdrop-market-sdk-go"
	"github.com/kaifufi/airdrop-market-sdk-go/merkle"
)

func main() {
	env, err := airdropmarket.LoadConfigFromEnv()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Whitelist snapshot the marketplace root was built from
	whitelist := []common.Address{
		common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8"),
		common.HexToAddress("0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC"),
	}
	if env.WhitelistFile != "" {
		f, err := os.Open(env.WhitelistFile)
		if err != nil {
			log.Fatalf("Failed to open whitelist: %v", err)
		}
		whitelist, err = merkle.LoadWhitelist(f)
		f.Close()
		if err != nil {
			log.Fatalf("Failed to read whitelist: %v", err)
		}
	}

	config := env.ClientConfig()
	config.Whitelist = whitelist

	client, err := airdropmarket.NewClient(config)
	if err != nil {
		log.Fatalf("Failed to create client: %v", err)
	}
	defer client.Close()

	ctx := context.Background()
	tokenID := big.NewInt(1)

	root, err := client.WhitelistRoot()
	if err != nil {
		log.Fatalf("Failed to build whitelist: %v", err)
	}
	fmt.Printf("Whitelist root: %s\n", root.Hex())

	// Example: Check the signer against the on-chain root
	if _, err := client.VerifyWhitelist(ctx, client.SignerAddress()); err != nil {
		log.Fatalf("Signer cannot claim: %v", err)
	}

	// Example: Quote the claim price
	quote, err := client.Quote(ctx, tokenID)
	if err != nil {
		log.Fatalf("Failed to quote token %s: %v", tokenID, err)
	}
	decimals, err := client.PaymentTokenDecimals(ctx)
	if err != nil {
		log.Fatalf("Failed to read token decimals: %v", err)
	}
	fmt.Printf("List price %s, claim price %s\n",
		airdropmarket.FormatAmount(quote.Listing.Price, decimals),
		airdropmarket.FormatAmount(quote.DiscountedPrice, decimals))

	// Example: Claim
	record, err := client.ClaimNFT(ctx, tokenID)
	switch {
	case errors.Is(err, airdropmarket.ErrAlreadyClaimed):
		fmt.Println("Already claimed")
	case errors.Is(err, airdropmarket.ErrSignatureRejected):
		fmt.Println("Permit signature rejected")
	case err != nil:
		log.Fatalf("Claim failed: %v", err)
	default:
		fmt.Printf("Claimed token %s in tx %s\n", record.TokenID, record.Transaction.TxHash.Hex())
	}
}
