package airdropmarket

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"

	"github.com/kaifufi/airdrop-market-sdk-go/chain"
	"github.com/kaifufi/airdrop-market-sdk-go/claim"
	"github.com/kaifufi/airdrop-market-sdk-go/merkle"
	"github.com/kaifufi/airdrop-market-sdk-go/permit"
)

// MarketLedger is everything the client reads from and sends to the chain.
// *chain.ContractCaller implements it.
type MarketLedger interface {
	claim.Ledger
	permit.TokenReader
	TokenAddress() common.Address
	IsWhitelisted(ctx context.Context, account common.Address, proof [][32]byte) (bool, error)
	OwnerOf(ctx context.Context, nftContract common.Address, tokenID *big.Int) (common.Address, error)
	ERC20BalanceOf(ctx context.Context, token, account common.Address) (*big.Int, error)
	ERC20Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error)
	GetTokenDecimals(ctx context.Context, token common.Address) (uint8, error)
	ApproveNFT(ctx context.Context, nftContract common.Address, tokenID *big.Int) (*chain.TransactionResult, error)
	ApproveERC20(ctx context.Context, token, spender common.Address, amount *big.Int) (*chain.TransactionResult, error)
	ListNFT(ctx context.Context, nftContract common.Address, tokenID *big.Int, paymentToken common.Address, price *big.Int) (*chain.TransactionResult, error)
	UnlistNFT(ctx context.Context, nftContract common.Address, tokenID *big.Int) (*chain.TransactionResult, error)
	PurchaseNFT(ctx context.Context, nftContract common.Address, tokenID *big.Int) (*chain.TransactionResult, error)
}

// Client is the main SDK client
type Client struct {
	ledger       MarketLedger
	authorizer   *permit.Authorizer
	orchestrator *claim.Orchestrator
	tree         *merkle.Tree
	chainID      ChainID
	nftAddr      common.Address
	permitTTL    time.Duration
	logger       *zap.Logger

	listingCache    map[string]cacheEntry
	listingCacheTTL time.Duration
	cacheMutex      sync.RWMutex
	closers         []func()
}

type cacheEntry struct {
	listing   Listing
	timestamp time.Time
}

// ClientConfig holds configuration for creating a Client
type ClientConfig struct {
	ChainID    ChainID
	RPCURL     string
	PrivateKey string
	// WalletRPCURL, when set, signs permits through the wallet's
	// eth_signTypedData_v4 for the PrivateKey account instead of locally.
	WalletRPCURL    string
	MarketplaceAddr string
	TokenAddr       string
	NFTAddr         string
	Whitelist       []common.Address
	PermitTTL       time.Duration
	ReceiptTimeout  time.Duration
	ListingCacheTTL time.Duration
	Logger          *zap.Logger
}

// NewClient creates a new airdrop market SDK client
func NewClient(config ClientConfig) (*Client, error) {
	if !isSupportedChain(config.ChainID) {
		return nil, &InvalidParamError{
			Message: fmt.Sprintf("chain_id must be one of %v", SupportedChainIDs),
		}
	}

	// Use default contract addresses if not provided
	contracts := DefaultContractAddresses[config.ChainID]
	if config.MarketplaceAddr == "" {
		config.MarketplaceAddr = contracts.Marketplace
	}
	if config.TokenAddr == "" {
		config.TokenAddr = contracts.PaymentToken
	}
	if config.NFTAddr == "" {
		config.NFTAddr = contracts.NFT
	}
	for name, addr := range map[string]string{
		"marketplace address":   config.MarketplaceAddr,
		"payment token address": config.TokenAddr,
		"nft address":           config.NFTAddr,
	} {
		if !common.IsHexAddress(addr) || common.HexToAddress(addr) == common.HexToAddress(ZeroAddress) {
			return nil, &InvalidParamError{Message: fmt.Sprintf("%s is missing or invalid: %q", name, addr)}
		}
	}
	if config.PrivateKey == "" {
		return nil, &InvalidParamError{Message: "private key is required"}
	}

	setDefaults(&config)

	contractCaller, err := chain.NewContractCaller(config.RPCURL, config.PrivateKey, chain.ContractCallerConfig{
		MarketplaceAddr:  common.HexToAddress(config.MarketplaceAddr),
		PaymentTokenAddr: common.HexToAddress(config.TokenAddr),
		ReceiptTimeout:   config.ReceiptTimeout,
		ReadRetries:      chain.DefaultReadRetries,
		Logger:           config.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create contract caller: %w", err)
	}

	var signer chain.TypedDataSigner
	var closers []func()
	if config.WalletRPCURL != "" {
		wallet, err := rpc.Dial(config.WalletRPCURL)
		if err != nil {
			contractCaller.Close()
			return nil, fmt.Errorf("failed to connect to wallet: %w", err)
		}
		signer = chain.NewRPCSigner(wallet, contractCaller.GetSignerAddress())
		closers = append(closers, wallet.Close)
	} else {
		signer, err = chain.NewPrivateKeySigner(config.PrivateKey)
		if err != nil {
			contractCaller.Close()
			return nil, err
		}
	}

	c, err := newClient(contractCaller, signer, config)
	if err != nil {
		contractCaller.Close()
		for _, closeFn := range closers {
			closeFn()
		}
		return nil, err
	}
	c.closers = append(closers, contractCaller.Close)
	return c, nil
}

func setDefaults(config *ClientConfig) {
	if config.PermitTTL == 0 {
		config.PermitTTL = DefaultPermitTTL
	}
	if config.ReceiptTimeout == 0 {
		config.ReceiptTimeout = DefaultReceiptTimeout
	}
	if config.ListingCacheTTL == 0 {
		config.ListingCacheTTL = 30 * time.Second
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
}

// NewClientWithLedger creates a client over an existing ledger connection.
// signer must sign permits for the ledger's transaction sender. Connection
// fields of config (RPCURL, PrivateKey, WalletRPCURL and the marketplace and
// token addresses) are ignored.
func NewClientWithLedger(ledger MarketLedger, signer chain.TypedDataSigner, config ClientConfig) (*Client, error) {
	if !isSupportedChain(config.ChainID) {
		return nil, &InvalidParamError{
			Message: fmt.Sprintf("chain_id must be one of %v", SupportedChainIDs),
		}
	}
	if config.NFTAddr == "" {
		config.NFTAddr = DefaultContractAddresses[config.ChainID].NFT
	}
	if !common.IsHexAddress(config.NFTAddr) {
		return nil, &InvalidParamError{Message: fmt.Sprintf("nft address is missing or invalid: %q", config.NFTAddr)}
	}
	return newClient(ledger, signer, config)
}

func newClient(ledger MarketLedger, signer chain.TypedDataSigner, config ClientConfig) (*Client, error) {
	setDefaults(&config)

	if signer.Address() != ledger.GetSignerAddress() {
		return nil, &InvalidParamError{
			Message: fmt.Sprintf("permit signer %s does not match transaction sender %s", signer.Address().Hex(), ledger.GetSignerAddress().Hex()),
		}
	}

	var tree *merkle.Tree
	if len(config.Whitelist) > 0 {
		var err error
		if tree, err = merkle.NewTree(config.Whitelist); err != nil {
			return nil, err
		}
	}

	chainID := big.NewInt(int64(config.ChainID))
	return &Client{
		ledger:          ledger,
		authorizer:      permit.NewAuthorizer(ledger, signer, chainID, ledger.TokenAddress(), config.Logger),
		orchestrator:    claim.NewOrchestrator(ledger, config.Logger),
		tree:            tree,
		chainID:         config.ChainID,
		nftAddr:         common.HexToAddress(config.NFTAddr),
		permitTTL:       config.PermitTTL,
		logger:          config.Logger.Named("client"),
		listingCache:    make(map[string]cacheEntry),
		listingCacheTTL: config.ListingCacheTTL,
	}, nil
}

// Close closes the client and cleans up resources
func (c *Client) Close() {
	for _, closeFn := range c.closers {
		closeFn()
	}
	c.closers = nil
}

// SignerAddress returns the account that signs permits and transactions.
func (c *Client) SignerAddress() common.Address {
	return c.ledger.GetSignerAddress()
}

// NFTAddress returns the NFT contract the client trades.
func (c *Client) NFTAddress() common.Address {
	return c.nftAddr
}

// WhitelistRoot returns the root of the configured whitelist snapshot.
func (c *Client) WhitelistRoot() (common.Hash, error) {
	if c.tree == nil {
		return common.Hash{}, &InvalidParamError{Message: "no whitelist configured"}
	}
	return c.tree.Root(), nil
}

// GetProof returns the whitelist proof for addr.
func (c *Client) GetProof(addr common.Address) (*ProofResult, error) {
	if c.tree == nil {
		return nil, &InvalidParamError{Message: "no whitelist configured"}
	}
	proof, err := c.tree.Proof(addr)
	if err != nil {
		return nil, err
	}
	return &ProofResult{
		Address: addr,
		Leaf:    merkle.LeafHash(addr),
		Root:    c.tree.Root(),
		Proof:   proof,
	}, nil
}

// VerifyWhitelist checks addr against the local snapshot and then against
// the ledger's root.
func (c *Client) VerifyWhitelist(ctx context.Context, addr common.Address) (*ProofResult, error) {
	result, err := c.GetProof(addr)
	if err != nil {
		return nil, err
	}
	ok, err := c.ledger.IsWhitelisted(ctx, addr, result.Proof.Bytes32())
	if err != nil {
		return nil, fmt.Errorf("failed to check whitelist: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: ledger rejects proof for %s under root %s", ErrProofVerificationFailed, addr.Hex(), result.Root.Hex())
	}
	return result, nil
}

// GetTokenDecimals returns the decimals of an ERC20 token.
func (c *Client) GetTokenDecimals(ctx context.Context, token common.Address) (uint8, error) {
	return c.ledger.GetTokenDecimals(ctx, token)
}

// PaymentTokenDecimals returns the decimals of the configured permit token,
// the unit of claim values and listing prices.
func (c *Client) PaymentTokenDecimals(ctx context.Context) (int, error) {
	decimals, err := c.ledger.GetTokenDecimals(ctx, c.ledger.TokenAddress())
	if err != nil {
		return 0, fmt.Errorf("failed to read token decimals: %w", err)
	}
	return int(decimals), nil
}

// HasClaimed reports whether account has claimed tokenID.
func (c *Client) HasClaimed(ctx context.Context, account common.Address, tokenID *big.Int) (bool, error) {
	return c.ledger.HasClaimed(ctx, account, tokenID)
}

// GetListing returns the listing of tokenID.
func (c *Client) GetListing(ctx context.Context, tokenID *big.Int, useCache bool) (*Listing, error) {
	if tokenID == nil || tokenID.Sign() < 0 {
		return nil, &InvalidParamError{Message: "token_id must be a non-negative integer"}
	}
	key := tokenID.String()

	if useCache {
		c.cacheMutex.RLock()
		entry, exists := c.listingCache[key]
		c.cacheMutex.RUnlock()
		if exists && time.Since(entry.timestamp) < c.listingCacheTTL {
			listing := entry.listing
			return &listing, nil
		}
	}

	listing, err := c.ledger.GetListing(ctx, c.nftAddr, tokenID)
	if err != nil {
		return nil, err
	}

	c.cacheMutex.Lock()
	c.listingCache[key] = cacheEntry{listing: *listing, timestamp: time.Now()}
	c.cacheMutex.Unlock()

	return listing, nil
}

func (c *Client) invalidateListing(tokenID *big.Int) {
	c.cacheMutex.Lock()
	delete(c.listingCache, tokenID.String())
	c.cacheMutex.Unlock()
}

// Quote returns the discounted price the signer would pay to claim tokenID.
func (c *Client) Quote(ctx context.Context, tokenID *big.Int) (*Quote, error) {
	if tokenID == nil || tokenID.Sign() < 0 {
		return nil, &InvalidParamError{Message: "token_id must be a non-negative integer"}
	}
	return c.orchestrator.Quote(ctx, c.nftAddr, tokenID)
}

// ClaimNFT claims tokenID for the signer, paying the discounted price.
func (c *Client) ClaimNFT(ctx context.Context, tokenID *big.Int) (*ClaimRecord, error) {
	quote, err := c.Quote(ctx, tokenID)
	if err != nil {
		return nil, err
	}
	return c.ClaimNFTWithValue(ctx, tokenID, quote.DiscountedPrice)
}

// ClaimNFTWithValue claims tokenID with a permit for exactly value. The
// permit and the claim run in one multicall; if the ledger rejects either,
// neither takes effect.
func (c *Client) ClaimNFTWithValue(ctx context.Context, tokenID, value *big.Int) (*ClaimRecord, error) {
	if tokenID == nil || tokenID.Sign() < 0 {
		return nil, &InvalidParamError{Message: "token_id must be a non-negative integer"}
	}
	if value == nil || value.Sign() < 0 {
		return nil, &InvalidParamError{Message: "value must be a non-negative integer"}
	}

	claimant := c.ledger.GetSignerAddress()
	proof, err := c.GetProof(claimant)
	if err != nil {
		return nil, err
	}

	logger := c.logger.With(zap.String("owner", claimant.Hex()), zap.String("token_id", tokenID.String()))

	auth, err := c.authorizer.BuildAuthorization(ctx, claimant, c.ledger.MarketplaceAddress(), value, c.permitTTL)
	if err != nil {
		return nil, err
	}
	batch, err := c.orchestrator.Compose(auth, tokenID, proof.Proof)
	if err != nil {
		return nil, err
	}

	result, err := c.orchestrator.Submit(ctx, batch)
	if err != nil {
		if errors.Is(err, ErrNotWhitelisted) {
			// The local tree produced the proof, so the snapshot and the
			// on-chain root disagree.
			err = fmt.Errorf("%w: %w", ErrProofVerificationFailed, err)
		}
		logger.Warn("claim failed", zap.Error(err))
		return nil, err
	}
	c.invalidateListing(tokenID)

	logger.Info("nft claimed",
		zap.String("tx_hash", result.TxHash.Hex()),
		zap.String("paid", value.String()),
		zap.String("nonce", auth.Nonce.String()),
	)
	return &ClaimRecord{
		Claimant:    claimant,
		NFTContract: c.nftAddr,
		TokenID:     new(big.Int).Set(tokenID),
		Paid:        new(big.Int).Set(value),
		Nonce:       auth.Nonce,
		Deadline:    auth.Deadline,
		Transaction: result,
	}, nil
}

// ListNFT approves the marketplace for tokenID and lists it at price in
// the payment token.
func (c *Client) ListNFT(ctx context.Context, tokenID, price *big.Int) (*TransactionResult, error) {
	if tokenID == nil || tokenID.Sign() < 0 {
		return nil, &InvalidParamError{Message: "token_id must be a non-negative integer"}
	}
	if price == nil || price.Sign() <= 0 {
		return nil, &InvalidParamError{Message: "price must be a positive integer"}
	}

	signer := c.ledger.GetSignerAddress()
	owner, err := c.ledger.OwnerOf(ctx, c.nftAddr, tokenID)
	if err != nil {
		return nil, fmt.Errorf("failed to read owner: %w", err)
	}
	if owner != signer {
		return nil, fmt.Errorf("%w: token %s is owned by %s", ErrNotTokenOwner, tokenID, owner.Hex())
	}

	if _, err := c.ledger.ApproveNFT(ctx, c.nftAddr, tokenID); err != nil {
		return nil, fmt.Errorf("failed to approve marketplace: %w", err)
	}
	result, err := c.ledger.ListNFT(ctx, c.nftAddr, tokenID, c.ledger.TokenAddress(), price)
	if err != nil {
		return nil, err
	}
	c.invalidateListing(tokenID)

	listing, err := c.GetListing(ctx, tokenID, false)
	if err != nil {
		return nil, fmt.Errorf("failed to read back listing: %w", err)
	}
	if !listing.IsActive || listing.Seller != signer || listing.Price.Cmp(price) != 0 {
		return nil, fmt.Errorf("listing for token %s not visible after tx %s", tokenID, result.TxHash.Hex())
	}

	c.logger.Info("nft listed",
		zap.String("token_id", tokenID.String()),
		zap.String("price", price.String()),
		zap.String("tx_hash", result.TxHash.Hex()),
	)
	return result, nil
}

// UnlistNFT removes the signer's listing of tokenID.
func (c *Client) UnlistNFT(ctx context.Context, tokenID *big.Int) (*TransactionResult, error) {
	listing, err := c.GetListing(ctx, tokenID, false)
	if err != nil {
		return nil, err
	}
	if !listing.IsActive {
		return nil, fmt.Errorf("%w: token %s", ErrListingNotActive, tokenID)
	}
	if signer := c.ledger.GetSignerAddress(); listing.Seller != signer {
		return nil, fmt.Errorf("%w: seller is %s", ErrNotListingSeller, listing.Seller.Hex())
	}

	result, err := c.ledger.UnlistNFT(ctx, c.nftAddr, tokenID)
	if err != nil {
		return nil, err
	}
	c.invalidateListing(tokenID)

	c.logger.Info("nft unlisted", zap.String("token_id", tokenID.String()), zap.String("tx_hash", result.TxHash.Hex()))
	return result, nil
}

// PurchaseNFT buys tokenID at its full listing price.
func (c *Client) PurchaseNFT(ctx context.Context, tokenID *big.Int) (*TransactionResult, error) {
	listing, err := c.GetListing(ctx, tokenID, false)
	if err != nil {
		return nil, err
	}
	if !listing.IsActive {
		return nil, fmt.Errorf("%w: token %s", ErrListingNotActive, tokenID)
	}

	buyer := c.ledger.GetSignerAddress()
	if listing.Seller == buyer {
		return nil, ErrOwnListing
	}

	balance, err := c.ledger.ERC20BalanceOf(ctx, listing.PaymentToken, buyer)
	if err != nil {
		return nil, fmt.Errorf("failed to read balance: %w", err)
	}
	if balance.Cmp(listing.Price) < 0 {
		return nil, fmt.Errorf("%w: have %s, need %s", ErrBalanceNotEnough, balance, listing.Price)
	}

	market := c.ledger.MarketplaceAddress()
	allowance, err := c.ledger.ERC20Allowance(ctx, listing.PaymentToken, buyer, market)
	if err != nil {
		return nil, fmt.Errorf("failed to read allowance: %w", err)
	}
	if allowance.Cmp(listing.Price) < 0 {
		if _, err := c.ledger.ApproveERC20(ctx, listing.PaymentToken, market, listing.Price); err != nil {
			return nil, fmt.Errorf("failed to approve payment: %w", err)
		}
	}
	result, err := c.ledger.PurchaseNFT(ctx, c.nftAddr, tokenID)
	if err != nil {
		return nil, err
	}
	c.invalidateListing(tokenID)

	c.logger.Info("nft purchased",
		zap.String("token_id", tokenID.String()),
		zap.String("price", listing.Price.String()),
		zap.String("tx_hash", result.TxHash.Hex()),
	)
	return result, nil
}
