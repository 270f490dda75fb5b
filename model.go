package airdropmarket

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/kaifufi/airdrop-market-sdk-go/chain"
	"github.com/kaifufi/airdrop-market-sdk-go/claim"
	"github.com/kaifufi/airdrop-market-sdk-go/merkle"
)

// TransactionResult represents the result of a mined transaction
type TransactionResult = chain.TransactionResult

// Listing is a marketplace listing as stored on chain
type Listing = chain.Listing

// MarketEvent is a decoded NFTListed, NFTPurchased or NFTUnlisted log
type MarketEvent = chain.MarketEvent

// Quote is the discounted price of a listed token
type Quote = claim.Quote

// ProofResult is a whitelist proof for one address
type ProofResult struct {
	Address common.Address
	Leaf    common.Hash
	Root    common.Hash
	Proof   merkle.Proof
}

// ClaimRecord summarizes a confirmed claim
type ClaimRecord struct {
	Claimant    common.Address
	NFTContract common.Address
	TokenID     *big.Int
	Paid        *big.Int
	Nonce       *big.Int
	Deadline    *big.Int
	Transaction *TransactionResult
}
