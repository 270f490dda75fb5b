// Package claim composes a permit and a whitelist proof into one multicall
// so that payment and claim either both happen or neither does.
package claim

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"github.com/kaifufi/airdrop-market-sdk-go/chain"
	"github.com/kaifufi/airdrop-market-sdk-go/merkle"
	"github.com/kaifufi/airdrop-market-sdk-go/permit"
)

var (
	// ErrInvalidBatch is returned when an authorization cannot be composed
	// into a claim for this marketplace.
	ErrInvalidBatch = errors.New("invalid claim batch")

	// ErrSenderMismatch is returned when the transaction sender is not the
	// claimant. claimNFT pays from and mints to msg.sender.
	ErrSenderMismatch = errors.New("claimant is not the transaction sender")

	// ErrListingNotActive is returned when quoting a token that is not listed.
	ErrListingNotActive = errors.New("listing not active")
)

// Ledger is the marketplace surface the orchestrator needs.
type Ledger interface {
	GetSignerAddress() common.Address
	MarketplaceAddress() common.Address
	HasClaimed(ctx context.Context, claimant common.Address, tokenID *big.Int) (bool, error)
	GetListing(ctx context.Context, nftContract common.Address, tokenID *big.Int) (*chain.Listing, error)
	GetDiscountedPrice(ctx context.Context, price *big.Int) (*big.Int, error)
	CallMulticall(ctx context.Context, from common.Address, calls [][]byte) error
	SendMulticall(ctx context.Context, calls [][]byte) (*chain.TransactionResult, error)
}

// BatchCall is an ordered permitPrePay + claimNFT pair.
type BatchCall struct {
	Owner    common.Address
	TokenID  *big.Int
	Value    *big.Int
	Deadline *big.Int
	Calls    [][]byte
}

// Calldata returns the multicall(bytes[]) input for the batch.
func (b *BatchCall) Calldata() ([]byte, error) {
	return chain.GetMarketplaceABI().Pack("multicall", b.Calls)
}

// ID identifies the batch by the hash of its calls.
func (b *BatchCall) ID() common.Hash {
	return crypto.Keccak256Hash(b.Calls...)
}

// Quote is the price a whitelisted claimant pays for a listed token.
type Quote struct {
	NFTContract     common.Address
	TokenID         *big.Int
	Listing         chain.Listing
	DiscountedPrice *big.Int
}

// Orchestrator composes and submits claim batches.
type Orchestrator struct {
	ledger Ledger
	now    func() time.Time
	logger *zap.Logger
}

// NewOrchestrator creates an Orchestrator over ledger.
func NewOrchestrator(ledger Ledger, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		ledger: ledger,
		now:    time.Now,
		logger: logger.Named("claim"),
	}
}

// WithClock replaces the clock used for the freshness check.
func (o *Orchestrator) WithClock(now func() time.Time) *Orchestrator {
	o.now = now
	return o
}

// Quote reads the listing of tokenID and the ledger's discounted price for
// it. The discount is never computed locally.
func (o *Orchestrator) Quote(ctx context.Context, nftContract common.Address, tokenID *big.Int) (*Quote, error) {
	listing, err := o.ledger.GetListing(ctx, nftContract, tokenID)
	if err != nil {
		return nil, fmt.Errorf("failed to get listing: %w", err)
	}
	if !listing.IsActive {
		return nil, fmt.Errorf("%w: token %s", ErrListingNotActive, tokenID)
	}

	discounted, err := o.ledger.GetDiscountedPrice(ctx, listing.Price)
	if err != nil {
		return nil, fmt.Errorf("failed to get discounted price: %w", err)
	}

	return &Quote{
		NFTContract:     nftContract,
		TokenID:         new(big.Int).Set(tokenID),
		Listing:         *listing,
		DiscountedPrice: discounted,
	}, nil
}

// Compose encodes permitPrePay(auth) followed by claimNFT(tokenID, proof).
func (o *Orchestrator) Compose(auth *permit.Authorization, tokenID *big.Int, proof merkle.Proof) (*BatchCall, error) {
	if auth == nil || tokenID == nil {
		return nil, fmt.Errorf("%w: missing authorization or token id", ErrInvalidBatch)
	}
	if market := o.ledger.MarketplaceAddress(); auth.Spender != market {
		return nil, fmt.Errorf("%w: permit spender %s is not the marketplace %s", ErrInvalidBatch, auth.Spender.Hex(), market.Hex())
	}
	if err := auth.Verify(); err != nil {
		return nil, err
	}

	marketABI := chain.GetMarketplaceABI()
	permitCall, err := marketABI.Pack("permitPrePay", auth.Owner, auth.Value, auth.Deadline, auth.V, auth.R, auth.S)
	if err != nil {
		return nil, fmt.Errorf("failed to pack permitPrePay: %w", err)
	}
	claimCall, err := marketABI.Pack("claimNFT", tokenID, proof.Bytes32())
	if err != nil {
		return nil, fmt.Errorf("failed to pack claimNFT: %w", err)
	}

	return &BatchCall{
		Owner:    auth.Owner,
		TokenID:  new(big.Int).Set(tokenID),
		Value:    new(big.Int).Set(auth.Value),
		Deadline: new(big.Int).Set(auth.Deadline),
		Calls:    [][]byte{permitCall, claimCall},
	}, nil
}

// Submit sends the batch as one transaction and waits for it. Local checks
// (sender, claim record, deadline) and a dry run come first so that a
// doomed batch is never broadcast. A recorded claim wins over an expired
// deadline.
func (o *Orchestrator) Submit(ctx context.Context, batch *BatchCall) (*chain.TransactionResult, error) {
	if batch == nil || len(batch.Calls) == 0 {
		return nil, fmt.Errorf("%w: empty batch", ErrInvalidBatch)
	}
	if sender := o.ledger.GetSignerAddress(); sender != batch.Owner {
		return nil, fmt.Errorf("%w: sender %s, claimant %s", ErrSenderMismatch, sender.Hex(), batch.Owner.Hex())
	}

	logger := o.logger.With(
		zap.String("batch", batch.ID().Hex()),
		zap.String("claimant", batch.Owner.Hex()),
		zap.String("tokenId", batch.TokenID.String()),
	)

	claimed, err := o.ledger.HasClaimed(ctx, batch.Owner, batch.TokenID)
	if err != nil {
		return nil, fmt.Errorf("failed to read claim record: %w", err)
	}
	if claimed {
		logger.Info("claim already recorded")
		return nil, chain.NewRevertError("Already claimed", common.Hash{})
	}
	if batch.Deadline.Cmp(big.NewInt(o.now().Unix())) < 0 {
		return nil, fmt.Errorf("%w: deadline %s", permit.ErrStaleAuthorization, batch.Deadline)
	}

	if err := o.ledger.CallMulticall(ctx, batch.Owner, batch.Calls); err != nil {
		logger.Warn("claim dry run failed", zap.Error(err))
		return nil, err
	}

	result, err := o.ledger.SendMulticall(ctx, batch.Calls)
	if err != nil {
		logger.Warn("claim transaction failed", zap.Error(err))
		return nil, err
	}

	logger.Info("claim confirmed",
		zap.String("txHash", result.TxHash.Hex()),
		zap.Uint64("block", result.BlockNumber),
	)
	return result, nil
}
