// Package fakeledger is an in-memory marketplace, permit token and NFT used
// by tests. Multicall batches run against a copy of the state and are
// committed only when every call succeeds.
package fakeledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/kaifufi/airdrop-market-sdk-go/chain"
	"github.com/kaifufi/airdrop-market-sdk-go/merkle"
)

// ErrUnsupportedToken is returned for tokens other than the configured one.
var ErrUnsupportedToken = errors.New("fakeledger: unsupported token")

// Config describes the deployed contracts.
type Config struct {
	ChainID   *big.Int
	Market    common.Address
	Token     common.Address
	NFT       common.Address
	TokenName string
	Root      common.Hash

	// Decimals of the payment token; zero means 18.
	Decimals uint8
}

type nftKey struct {
	contract common.Address
	tokenID  string
}

type claimKey struct {
	claimant common.Address
	tokenID  string
}

type allowanceKey struct {
	owner   common.Address
	spender common.Address
}

type state struct {
	balances   map[common.Address]*big.Int
	allowances map[allowanceKey]*big.Int
	nonces     map[common.Address]*big.Int
	owners     map[nftKey]common.Address
	approvals  map[nftKey]common.Address
	listings   map[nftKey]chain.Listing
	claimed    map[claimKey]bool
}

func newState() *state {
	return &state{
		balances:   make(map[common.Address]*big.Int),
		allowances: make(map[allowanceKey]*big.Int),
		nonces:     make(map[common.Address]*big.Int),
		owners:     make(map[nftKey]common.Address),
		approvals:  make(map[nftKey]common.Address),
		listings:   make(map[nftKey]chain.Listing),
		claimed:    make(map[claimKey]bool),
	}
}

func (s *state) clone() *state {
	out := newState()
	for k, v := range s.balances {
		out.balances[k] = new(big.Int).Set(v)
	}
	for k, v := range s.allowances {
		out.allowances[k] = new(big.Int).Set(v)
	}
	for k, v := range s.nonces {
		out.nonces[k] = new(big.Int).Set(v)
	}
	for k, v := range s.owners {
		out.owners[k] = v
	}
	for k, v := range s.approvals {
		out.approvals[k] = v
	}
	for k, v := range s.listings {
		v.Price = new(big.Int).Set(v.Price)
		out.listings[k] = v
	}
	for k, v := range s.claimed {
		out.claimed[k] = v
	}
	return out
}

func bigOrZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}

// Ledger is the fake chain.
type Ledger struct {
	mu sync.Mutex

	cfg    Config
	now    func() time.Time
	sender common.Address
	st     *state

	block  uint64
	txSeq  uint64
	events []chain.MarketEvent
}

// New creates an empty ledger.
func New(cfg Config) *Ledger {
	if cfg.ChainID == nil {
		cfg.ChainID = big.NewInt(31337)
	}
	if cfg.TokenName == "" {
		cfg.TokenName = "MerkleToken"
	}
	if cfg.Decimals == 0 {
		cfg.Decimals = 18
	}
	return &Ledger{
		cfg:   cfg,
		now:   time.Now,
		st:    newState(),
		block: 1,
	}
}

// SetSender selects the account that signs transactions.
func (l *Ledger) SetSender(addr common.Address) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sender = addr
}

// SetRoot replaces the whitelist root.
func (l *Ledger) SetRoot(root common.Hash) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cfg.Root = root
}

// SetClock replaces the block timestamp source.
func (l *Ledger) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

// Fund credits account with amount of the payment token.
func (l *Ledger) Fund(account common.Address, amount *big.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.st.balances[account] = new(big.Int).Add(bigOrZero(l.st.balances[account]), amount)
}

// Mint creates tokenID on the configured NFT contract, owned by owner.
func (l *Ledger) Mint(owner common.Address, tokenID *big.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.st.owners[l.key(l.cfg.NFT, tokenID)] = owner
}

// SeedListing mints tokenID to the marketplace and lists it at price, as
// the marketplace deployment does for airdrop stock.
func (l *Ledger) SeedListing(tokenID, price *big.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	k := l.key(l.cfg.NFT, tokenID)
	l.st.owners[k] = l.cfg.Market
	l.st.listings[k] = chain.Listing{
		Seller:       l.cfg.Market,
		PaymentToken: l.cfg.Token,
		Price:        new(big.Int).Set(price),
		IsActive:     true,
	}
}

// Allowance returns the token allowance owner granted spender.
func (l *Ledger) Allowance(owner, spender common.Address) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return bigOrZero(l.st.allowances[allowanceKey{owner, spender}])
}

// TxCount returns the number of transactions sent, reverted ones included.
func (l *Ledger) TxCount() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.txSeq
}

// Events returns the marketplace events emitted so far.
func (l *Ledger) Events() []chain.MarketEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]chain.MarketEvent(nil), l.events...)
}

func (l *Ledger) key(contract common.Address, tokenID *big.Int) nftKey {
	return nftKey{contract: contract, tokenID: tokenID.String()}
}

// GetSignerAddress returns the current sender.
func (l *Ledger) GetSignerAddress() common.Address {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sender
}

// MarketplaceAddress returns the marketplace address.
func (l *Ledger) MarketplaceAddress() common.Address {
	return l.cfg.Market
}

// TokenAddress returns the payment token address.
func (l *Ledger) TokenAddress() common.Address {
	return l.cfg.Token
}

// TokenName returns the payment token name.
func (l *Ledger) TokenName(ctx context.Context) (string, error) {
	return l.cfg.TokenName, ctx.Err()
}

// TokenNonces returns the permit nonce of owner.
func (l *Ledger) TokenNonces(ctx context.Context, owner common.Address) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return bigOrZero(l.st.nonces[owner]), ctx.Err()
}

// ERC20BalanceOf returns the balance of account.
func (l *Ledger) ERC20BalanceOf(_ context.Context, token, account common.Address) (*big.Int, error) {
	if token != l.cfg.Token {
		return nil, ErrUnsupportedToken
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return bigOrZero(l.st.balances[account]), nil
}

// ERC20Allowance returns what spender may move on behalf of owner.
func (l *Ledger) ERC20Allowance(_ context.Context, token, owner, spender common.Address) (*big.Int, error) {
	if token != l.cfg.Token {
		return nil, ErrUnsupportedToken
	}
	return l.Allowance(owner, spender), nil
}

// GetTokenDecimals returns the configured decimals of the payment token.
func (l *Ledger) GetTokenDecimals(_ context.Context, token common.Address) (uint8, error) {
	if token != l.cfg.Token {
		return 0, ErrUnsupportedToken
	}
	return l.cfg.Decimals, nil
}

// IsWhitelisted checks proof against the current root.
func (l *Ledger) IsWhitelisted(_ context.Context, account common.Address, proof [][32]byte) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return merkle.Verify(l.cfg.Root, account, merkle.ProofFromBytes32(proof)), nil
}

// HasClaimed reports the claim record of (account, tokenID).
func (l *Ledger) HasClaimed(_ context.Context, account common.Address, tokenID *big.Int) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.st.claimed[claimKey{account, tokenID.String()}], nil
}

// GetDiscountedPrice halves price with integer division.
func (l *Ledger) GetDiscountedPrice(_ context.Context, price *big.Int) (*big.Int, error) {
	return new(big.Int).Quo(price, big.NewInt(2)), nil
}

// GetListing returns the listing of an NFT, inactive and zero when absent.
func (l *Ledger) GetListing(_ context.Context, nftContract common.Address, tokenID *big.Int) (*chain.Listing, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	listing, ok := l.st.listings[l.key(nftContract, tokenID)]
	if !ok {
		return &chain.Listing{Price: new(big.Int)}, nil
	}
	listing.Price = new(big.Int).Set(listing.Price)
	return &listing, nil
}

// OwnerOf returns the NFT owner.
func (l *Ledger) OwnerOf(_ context.Context, nftContract common.Address, tokenID *big.Int) (common.Address, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	owner, ok := l.st.owners[l.key(nftContract, tokenID)]
	if !ok {
		return common.Address{}, chain.NewRevertError("ERC721NonexistentToken", common.Hash{})
	}
	return owner, nil
}

// ApproveNFT approves the marketplace for tokenID.
func (l *Ledger) ApproveNFT(_ context.Context, nftContract common.Address, tokenID *big.Int) (*chain.TransactionResult, error) {
	return l.transact(func(st *state, from common.Address) error {
		k := l.key(nftContract, tokenID)
		if st.owners[k] != from {
			return errors.New("ERC721InvalidApprover")
		}
		st.approvals[k] = l.cfg.Market
		return nil
	})
}

// ApproveERC20 sets the sender's allowance for spender.
func (l *Ledger) ApproveERC20(_ context.Context, token, spender common.Address, amount *big.Int) (*chain.TransactionResult, error) {
	if token != l.cfg.Token {
		return nil, ErrUnsupportedToken
	}
	return l.transact(func(st *state, from common.Address) error {
		st.allowances[allowanceKey{from, spender}] = new(big.Int).Set(amount)
		return nil
	})
}

// ListNFT lists an NFT owned by the sender.
func (l *Ledger) ListNFT(_ context.Context, nftContract common.Address, tokenID *big.Int, paymentToken common.Address, price *big.Int) (*chain.TransactionResult, error) {
	return l.transact(func(st *state, from common.Address) error {
		return l.list(st, from, nftContract, tokenID, paymentToken, price)
	})
}

// UnlistNFT removes the sender's listing.
func (l *Ledger) UnlistNFT(_ context.Context, nftContract common.Address, tokenID *big.Int) (*chain.TransactionResult, error) {
	return l.transact(func(st *state, from common.Address) error {
		return l.unlist(st, from, nftContract, tokenID)
	})
}

// PurchaseNFT buys a listing at full price.
func (l *Ledger) PurchaseNFT(_ context.Context, nftContract common.Address, tokenID *big.Int) (*chain.TransactionResult, error) {
	return l.transact(func(st *state, from common.Address) error {
		return l.purchase(st, from, nftContract, tokenID)
	})
}

// CallMulticall simulates the batch as from and discards the result.
func (l *Ledger) CallMulticall(_ context.Context, from common.Address, calls [][]byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	scratch := l.st.clone()
	pending := len(l.events)
	err := l.multicall(scratch, from, calls)
	l.events = l.events[:pending]
	if err != nil {
		return chain.NewRevertError(err.Error(), common.Hash{})
	}
	return nil
}

// SendMulticall executes the batch atomically as the sender.
func (l *Ledger) SendMulticall(_ context.Context, calls [][]byte) (*chain.TransactionResult, error) {
	return l.transact(func(st *state, from common.Address) error {
		return l.multicall(st, from, calls)
	})
}

// transact runs fn on a copy of the state and commits it on success. A
// failed execution still mines a block, as on a real chain.
func (l *Ledger) transact(fn func(st *state, from common.Address) error) (*chain.TransactionResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.txSeq++
	l.block++
	txHash := crypto.Keccak256Hash(l.sender.Bytes(), new(big.Int).SetUint64(l.txSeq).Bytes())

	scratch := l.st.clone()
	pending := len(l.events)
	if err := fn(scratch, l.sender); err != nil {
		l.events = l.events[:pending]
		return nil, chain.NewRevertError(err.Error(), txHash)
	}
	l.st = scratch
	for i := pending; i < len(l.events); i++ {
		l.events[i].TxHash = txHash
		l.events[i].BlockNumber = l.block
		l.events[i].LogIndex = uint(i - pending)
	}

	return chain.NewTransactionResult(&types.Receipt{
		Status:      types.ReceiptStatusSuccessful,
		TxHash:      txHash,
		GasUsed:     21000,
		BlockNumber: new(big.Int).SetUint64(l.block),
	}), nil
}

func (l *Ledger) multicall(st *state, from common.Address, calls [][]byte) error {
	marketABI := chain.GetMarketplaceABI()
	for i, data := range calls {
		if len(data) < 4 {
			return fmt.Errorf("call %d: short calldata", i)
		}
		method, err := marketABI.MethodById(data[:4])
		if err != nil {
			return fmt.Errorf("call %d: unknown selector", i)
		}
		args, err := method.Inputs.Unpack(data[4:])
		if err != nil {
			return fmt.Errorf("call %d: bad arguments for %s", i, method.Name)
		}

		switch method.Name {
		case "permitPrePay":
			err = l.permit(st, args[0].(common.Address), args[1].(*big.Int), args[2].(*big.Int), args[3].(uint8), args[4].([32]byte), args[5].([32]byte))
		case "claimNFT":
			err = l.claim(st, from, args[0].(*big.Int), args[1].([][32]byte))
		case "listNFT":
			err = l.list(st, from, args[0].(common.Address), args[1].(*big.Int), args[2].(common.Address), args[3].(*big.Int))
		case "unlistNFT":
			err = l.unlist(st, from, args[0].(common.Address), args[1].(*big.Int))
		case "purchaseNFT":
			err = l.purchase(st, from, args[0].(common.Address), args[1].(*big.Int))
		default:
			err = fmt.Errorf("%s not allowed in multicall", method.Name)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (l *Ledger) permit(st *state, owner common.Address, value, deadline *big.Int, v uint8, r, s [32]byte) error {
	if deadline.Cmp(big.NewInt(l.now().Unix())) < 0 {
		return fmt.Errorf("ERC2612ExpiredSignature(%s)", deadline)
	}

	domain := chain.NewEIP712Domain(l.cfg.TokenName, l.cfg.ChainID, l.cfg.Token)
	digest := chain.CreatePermitSignHash(domain, &chain.PermitTypedData{
		Owner:    owner,
		Spender:  l.cfg.Market,
		Value:    value,
		Nonce:    bigOrZero(st.nonces[owner]),
		Deadline: deadline,
	})
	signer, err := chain.RecoverSigner(digest, chain.JoinSignature(v, r, s))
	if err != nil || signer != owner {
		return errors.New("ERC2612InvalidSigner")
	}

	st.nonces[owner] = new(big.Int).Add(bigOrZero(st.nonces[owner]), big.NewInt(1))
	st.allowances[allowanceKey{owner, l.cfg.Market}] = new(big.Int).Set(value)
	return nil
}

func (l *Ledger) claim(st *state, from common.Address, tokenID *big.Int, proof [][32]byte) error {
	if !merkle.Verify(l.cfg.Root, from, merkle.ProofFromBytes32(proof)) {
		return errors.New("Not whitelisted")
	}
	ck := claimKey{from, tokenID.String()}
	if st.claimed[ck] {
		return errors.New("Already claimed")
	}
	k := l.key(l.cfg.NFT, tokenID)
	listing, ok := st.listings[k]
	if !ok || !listing.IsActive {
		return errors.New("NFT not listed")
	}

	price := new(big.Int).Quo(listing.Price, big.NewInt(2))
	if err := transferFrom(st, l.cfg.Market, from, listing.Seller, price); err != nil {
		return err
	}

	st.owners[k] = from
	delete(st.approvals, k)
	listing.IsActive = false
	st.listings[k] = listing
	st.claimed[ck] = true
	return nil
}

func (l *Ledger) list(st *state, from, nftContract common.Address, tokenID *big.Int, paymentToken common.Address, price *big.Int) error {
	k := l.key(nftContract, tokenID)
	switch {
	case st.owners[k] != from:
		return errors.New("Not the owner")
	case st.approvals[k] != l.cfg.Market:
		return errors.New("Marketplace not approved")
	case price.Sign() <= 0:
		return errors.New("Price must be greater than zero")
	case st.listings[k].IsActive:
		return errors.New("Already listed")
	}
	st.listings[k] = chain.Listing{
		Seller:       from,
		PaymentToken: paymentToken,
		Price:        new(big.Int).Set(price),
		IsActive:     true,
	}
	l.events = append(l.events, chain.MarketEvent{
		Kind:         chain.EventListed,
		NFTContract:  nftContract,
		TokenID:      new(big.Int).Set(tokenID),
		Seller:       from,
		PaymentToken: paymentToken,
		Price:        new(big.Int).Set(price),
	})
	return nil
}

func (l *Ledger) unlist(st *state, from, nftContract common.Address, tokenID *big.Int) error {
	k := l.key(nftContract, tokenID)
	listing, ok := st.listings[k]
	switch {
	case !ok || !listing.IsActive:
		return errors.New("NFT not listed")
	case listing.Seller != from:
		return errors.New("Not the seller")
	}
	listing.IsActive = false
	st.listings[k] = listing
	l.events = append(l.events, chain.MarketEvent{
		Kind:        chain.EventUnlisted,
		NFTContract: nftContract,
		TokenID:     new(big.Int).Set(tokenID),
		Seller:      from,
	})
	return nil
}

func (l *Ledger) purchase(st *state, from, nftContract common.Address, tokenID *big.Int) error {
	k := l.key(nftContract, tokenID)
	listing, ok := st.listings[k]
	switch {
	case !ok || !listing.IsActive:
		return errors.New("NFT not listed")
	case listing.Seller == from:
		return errors.New("Cannot buy own NFT")
	case listing.PaymentToken != l.cfg.Token:
		return errors.New("Unsupported payment token")
	}
	if err := transferFrom(st, l.cfg.Market, from, listing.Seller, listing.Price); err != nil {
		return err
	}
	st.owners[k] = from
	delete(st.approvals, k)
	listing.IsActive = false
	st.listings[k] = listing
	l.events = append(l.events, chain.MarketEvent{
		Kind:         chain.EventPurchased,
		NFTContract:  nftContract,
		TokenID:      new(big.Int).Set(tokenID),
		Seller:       listing.Seller,
		Buyer:        from,
		PaymentToken: listing.PaymentToken,
		Price:        new(big.Int).Set(listing.Price),
	})
	return nil
}

// transferFrom moves amount from owner to `to`, spending spender's allowance.
func transferFrom(st *state, spender, owner, to common.Address, amount *big.Int) error {
	ak := allowanceKey{owner, spender}
	allowance := bigOrZero(st.allowances[ak])
	if allowance.Cmp(amount) < 0 {
		return fmt.Errorf("ERC20InsufficientAllowance(%s, %s, %s)", spender.Hex(), allowance, amount)
	}
	balance := bigOrZero(st.balances[owner])
	if balance.Cmp(amount) < 0 {
		return fmt.Errorf("ERC20InsufficientBalance(%s, %s, %s)", owner.Hex(), balance, amount)
	}
	st.allowances[ak] = allowance.Sub(allowance, amount)
	st.balances[owner] = balance.Sub(balance, amount)
	st.balances[to] = new(big.Int).Add(bigOrZero(st.balances[to]), amount)
	return nil
}
