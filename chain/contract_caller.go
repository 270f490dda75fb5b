package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"
)

const (
	defaultReceiptTimeout      = 120 * time.Second
	defaultReceiptPollInterval = 2 * time.Second

	// DefaultReadRetries is the read retry budget NewClient configures.
	DefaultReadRetries = 3
)

// Backend is the subset of ethclient.Client used by ContractCaller.
type Backend interface {
	ethereum.ContractCaller
	ethereum.GasEstimator
	ethereum.GasPricer
	ethereum.TransactionSender
	ethereum.LogFilterer
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// ContractCallerConfig holds the contract addresses and timing knobs.
type ContractCallerConfig struct {
	MarketplaceAddr     common.Address
	PaymentTokenAddr    common.Address
	ReceiptTimeout      time.Duration
	ReceiptPollInterval time.Duration
	// ReadRetries bounds retries of read calls that fail with ErrNetworkUnavailable.
	ReadRetries uint64
	Logger      *zap.Logger
}

// ContractCaller handles blockchain contract interactions
type ContractCaller struct {
	backend             Backend
	privateKey          *ecdsa.PrivateKey
	marketplaceAddr     common.Address
	paymentTokenAddr    common.Address
	receiptTimeout      time.Duration
	receiptPollInterval time.Duration
	readRetries         uint64
	logger              *zap.Logger

	mu                 sync.RWMutex
	chainID            *big.Int
	tokenDecimalsCache map[common.Address]uint8

	// serialises nonce allocation
	txMu sync.Mutex
}

// NewContractCaller dials rpcURL and creates a new ContractCaller instance
func NewContractCaller(rpcURL string, privateKeyHex string, cfg ContractCallerConfig) (*ContractCaller, error) {
	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC: %w", err)
	}

	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("invalid private key: %w", err)
	}

	return NewContractCallerWithBackend(client, privateKey, cfg), nil
}

// NewContractCallerWithBackend creates a ContractCaller over an existing backend.
func NewContractCallerWithBackend(backend Backend, privateKey *ecdsa.PrivateKey, cfg ContractCallerConfig) *ContractCaller {
	if cfg.ReceiptTimeout <= 0 {
		cfg.ReceiptTimeout = defaultReceiptTimeout
	}
	if cfg.ReceiptPollInterval <= 0 {
		cfg.ReceiptPollInterval = defaultReceiptPollInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &ContractCaller{
		backend:             backend,
		privateKey:          privateKey,
		marketplaceAddr:     cfg.MarketplaceAddr,
		paymentTokenAddr:    cfg.PaymentTokenAddr,
		receiptTimeout:      cfg.ReceiptTimeout,
		receiptPollInterval: cfg.ReceiptPollInterval,
		readRetries:         cfg.ReadRetries,
		logger:              logger.Named("chain"),
		tokenDecimalsCache:  make(map[common.Address]uint8),
	}
}

// GetSignerAddress returns the address of the signer
func (cc *ContractCaller) GetSignerAddress() common.Address {
	return crypto.PubkeyToAddress(cc.privateKey.PublicKey)
}

// MarketplaceAddress returns the marketplace contract address
func (cc *ContractCaller) MarketplaceAddress() common.Address {
	return cc.marketplaceAddr
}

// TokenAddress returns the permit-enabled payment token address
func (cc *ContractCaller) TokenAddress() common.Address {
	return cc.paymentTokenAddr
}

// Backend exposes the underlying node client.
func (cc *ContractCaller) Backend() Backend {
	return cc.backend
}

// ChainID returns the chain id reported by the node, cached after the first call.
func (cc *ContractCaller) ChainID(ctx context.Context) (*big.Int, error) {
	cc.mu.RLock()
	cached := cc.chainID
	cc.mu.RUnlock()
	if cached != nil {
		return new(big.Int).Set(cached), nil
	}

	var chainID *big.Int
	err := cc.retryRead(ctx, func() error {
		var err error
		chainID, err = cc.backend.ChainID(ctx)
		return wrapRPCError("chain id", err)
	})
	if err != nil {
		return nil, err
	}

	cc.mu.Lock()
	cc.chainID = chainID
	cc.mu.Unlock()
	return new(big.Int).Set(chainID), nil
}

// CheckGasBalance checks if signer has enough gas tokens
func (cc *ContractCaller) CheckGasBalance(ctx context.Context, estimatedGas uint64) error {
	signerAddr := cc.GetSignerAddress()
	balance, err := cc.backend.BalanceAt(ctx, signerAddr, nil)
	if err != nil {
		return wrapRPCError("get balance", err)
	}

	gasPrice, err := cc.backend.SuggestGasPrice(ctx)
	if err != nil {
		return wrapRPCError("get gas price", err)
	}

	// Add 20% safety margin
	estimatedGasWithMargin := new(big.Int).Mul(new(big.Int).SetUint64(estimatedGas), big.NewInt(120))
	estimatedGasWithMargin.Div(estimatedGasWithMargin, big.NewInt(100))

	requiredEth := new(big.Int).Mul(estimatedGasWithMargin, gasPrice)

	if balance.Cmp(requiredEth) < 0 {
		return fmt.Errorf("%w: signer %s has %s wei, but needs approximately %s wei for gas",
			ErrInsufficientGasBalance,
			signerAddr.Hex(),
			balance.String(),
			requiredEth.String(),
		)
	}

	return nil
}

// TokenName returns the payment token's name(), the EIP-712 domain name.
func (cc *ContractCaller) TokenName(ctx context.Context) (string, error) {
	out, err := cc.call(ctx, GetERC20ABI(), cc.paymentTokenAddr, "name")
	if err != nil {
		return "", err
	}
	name, ok := out[0].(string)
	if !ok {
		return "", fmt.Errorf("unexpected name type: %T", out[0])
	}
	return name, nil
}

// TokenNonces returns the current EIP-2612 nonce of owner on the payment token.
func (cc *ContractCaller) TokenNonces(ctx context.Context, owner common.Address) (*big.Int, error) {
	out, err := cc.call(ctx, GetERC20ABI(), cc.paymentTokenAddr, "nonces", owner)
	if err != nil {
		return nil, err
	}
	return asBigInt(out[0])
}

// GetTokenDecimals gets token decimals with caching
func (cc *ContractCaller) GetTokenDecimals(ctx context.Context, tokenAddr common.Address) (uint8, error) {
	cc.mu.RLock()
	decimals, ok := cc.tokenDecimalsCache[tokenAddr]
	cc.mu.RUnlock()
	if ok {
		return decimals, nil
	}

	out, err := cc.call(ctx, GetERC20ABI(), tokenAddr, "decimals")
	if err != nil {
		return 0, err
	}
	decimals, ok = out[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("unexpected decimals type: %T", out[0])
	}

	cc.mu.Lock()
	cc.tokenDecimalsCache[tokenAddr] = decimals
	cc.mu.Unlock()
	return decimals, nil
}

// ERC20BalanceOf returns the ERC20 balance for an account
func (cc *ContractCaller) ERC20BalanceOf(ctx context.Context, token, account common.Address) (*big.Int, error) {
	out, err := cc.call(ctx, GetERC20ABI(), token, "balanceOf", account)
	if err != nil {
		return nil, err
	}
	return asBigInt(out[0])
}

// ERC20Allowance returns the ERC20 allowance for owner to spender
func (cc *ContractCaller) ERC20Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error) {
	out, err := cc.call(ctx, GetERC20ABI(), token, "allowance", owner, spender)
	if err != nil {
		return nil, err
	}
	return asBigInt(out[0])
}

// ApproveERC20 approves spender to move amount of token from the signer.
func (cc *ContractCaller) ApproveERC20(ctx context.Context, token, spender common.Address, amount *big.Int) (*TransactionResult, error) {
	data, err := GetERC20ABI().Pack("approve", spender, amount)
	if err != nil {
		return nil, fmt.Errorf("failed to pack approve: %w", err)
	}
	return cc.transact(ctx, token, data, "approve")
}

// OwnerOf returns the current owner of an NFT.
func (cc *ContractCaller) OwnerOf(ctx context.Context, nftContract common.Address, tokenID *big.Int) (common.Address, error) {
	out, err := cc.call(ctx, GetERC721ABI(), nftContract, "ownerOf", tokenID)
	if err != nil {
		return common.Address{}, err
	}
	owner, ok := out[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("unexpected owner type: %T", out[0])
	}
	return owner, nil
}

// ApproveNFT approves the marketplace to transfer tokenID.
func (cc *ContractCaller) ApproveNFT(ctx context.Context, nftContract common.Address, tokenID *big.Int) (*TransactionResult, error) {
	data, err := GetERC721ABI().Pack("approve", cc.marketplaceAddr, tokenID)
	if err != nil {
		return nil, fmt.Errorf("failed to pack approve: %w", err)
	}
	return cc.transact(ctx, nftContract, data, "approveNFT")
}

// IsWhitelisted asks the marketplace whether proof admits account.
func (cc *ContractCaller) IsWhitelisted(ctx context.Context, account common.Address, proof [][32]byte) (bool, error) {
	out, err := cc.call(ctx, GetMarketplaceABI(), cc.marketplaceAddr, "isWhitelisted", account, proof)
	if err != nil {
		return false, err
	}
	ok, isBool := out[0].(bool)
	if !isBool {
		return false, fmt.Errorf("unexpected isWhitelisted type: %T", out[0])
	}
	return ok, nil
}

// MerkleRoot returns the whitelist root the marketplace currently holds.
func (cc *ContractCaller) MerkleRoot(ctx context.Context) (common.Hash, error) {
	out, err := cc.call(ctx, GetMarketplaceABI(), cc.marketplaceAddr, "merkleRoot")
	if err != nil {
		return common.Hash{}, err
	}
	root, ok := out[0].([32]byte)
	if !ok {
		return common.Hash{}, fmt.Errorf("unexpected merkleRoot type: %T", out[0])
	}
	return common.Hash(root), nil
}

// HasClaimed reports whether account already claimed tokenID.
func (cc *ContractCaller) HasClaimed(ctx context.Context, account common.Address, tokenID *big.Int) (bool, error) {
	out, err := cc.call(ctx, GetMarketplaceABI(), cc.marketplaceAddr, "hasClaimed", account, tokenID)
	if err != nil {
		return false, err
	}
	claimed, ok := out[0].(bool)
	if !ok {
		return false, fmt.Errorf("unexpected hasClaimed type: %T", out[0])
	}
	return claimed, nil
}

// GetDiscountedPrice returns the contract's discounted price for a listing price.
func (cc *ContractCaller) GetDiscountedPrice(ctx context.Context, price *big.Int) (*big.Int, error) {
	out, err := cc.call(ctx, GetMarketplaceABI(), cc.marketplaceAddr, "getDiscountedPrice", price)
	if err != nil {
		return nil, err
	}
	return asBigInt(out[0])
}

// GetListing returns the marketplace listing of an NFT.
func (cc *ContractCaller) GetListing(ctx context.Context, nftContract common.Address, tokenID *big.Int) (*Listing, error) {
	out, err := cc.call(ctx, GetMarketplaceABI(), cc.marketplaceAddr, "getListing", nftContract, tokenID)
	if err != nil {
		return nil, err
	}
	if len(out) != 4 {
		return nil, fmt.Errorf("unexpected getListing result length: %d", len(out))
	}

	seller, ok1 := out[0].(common.Address)
	token, ok2 := out[1].(common.Address)
	price, ok3 := out[2].(*big.Int)
	active, ok4 := out[3].(bool)
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return nil, fmt.Errorf("unexpected getListing result types")
	}

	return &Listing{
		Seller:       seller,
		PaymentToken: token,
		Price:        price,
		IsActive:     active,
	}, nil
}

// ListNFT lists tokenID for sale at price denominated in paymentToken.
func (cc *ContractCaller) ListNFT(ctx context.Context, nftContract common.Address, tokenID *big.Int, paymentToken common.Address, price *big.Int) (*TransactionResult, error) {
	data, err := GetMarketplaceABI().Pack("listNFT", nftContract, tokenID, paymentToken, price)
	if err != nil {
		return nil, fmt.Errorf("failed to pack listNFT: %w", err)
	}
	return cc.transact(ctx, cc.marketplaceAddr, data, "listNFT")
}

// UnlistNFT removes an active listing.
func (cc *ContractCaller) UnlistNFT(ctx context.Context, nftContract common.Address, tokenID *big.Int) (*TransactionResult, error) {
	data, err := GetMarketplaceABI().Pack("unlistNFT", nftContract, tokenID)
	if err != nil {
		return nil, fmt.Errorf("failed to pack unlistNFT: %w", err)
	}
	return cc.transact(ctx, cc.marketplaceAddr, data, "unlistNFT")
}

// PurchaseNFT buys a listed NFT at full price.
func (cc *ContractCaller) PurchaseNFT(ctx context.Context, nftContract common.Address, tokenID *big.Int) (*TransactionResult, error) {
	data, err := GetMarketplaceABI().Pack("purchaseNFT", nftContract, tokenID)
	if err != nil {
		return nil, fmt.Errorf("failed to pack purchaseNFT: %w", err)
	}
	return cc.transact(ctx, cc.marketplaceAddr, data, "purchaseNFT")
}

// CallMulticall dry-runs multicall(calls) as from without sending a transaction.
func (cc *ContractCaller) CallMulticall(ctx context.Context, from common.Address, calls [][]byte) error {
	data, err := GetMarketplaceABI().Pack("multicall", calls)
	if err != nil {
		return fmt.Errorf("failed to pack multicall: %w", err)
	}
	_, err = cc.backend.CallContract(ctx, ethereum.CallMsg{
		From: from,
		To:   &cc.marketplaceAddr,
		Data: data,
	}, nil)
	return wrapRPCError("multicall dry run", err)
}

// SendMulticall submits multicall(calls) as one transaction and waits for it.
func (cc *ContractCaller) SendMulticall(ctx context.Context, calls [][]byte) (*TransactionResult, error) {
	data, err := GetMarketplaceABI().Pack("multicall", calls)
	if err != nil {
		return nil, fmt.Errorf("failed to pack multicall: %w", err)
	}
	return cc.transact(ctx, cc.marketplaceAddr, data, "multicall")
}

// call packs method, runs it with eth_call and unpacks the outputs.
func (cc *ContractCaller) call(ctx context.Context, contractABI abi.ABI, to common.Address, method string, args ...interface{}) ([]interface{}, error) {
	data, err := contractABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s: %w", method, err)
	}

	var result []byte
	err = cc.retryRead(ctx, func() error {
		var callErr error
		result, callErr = cc.backend.CallContract(ctx, ethereum.CallMsg{
			To:   &to,
			Data: data,
		}, nil)
		return wrapRPCError(method, callErr)
	})
	if err != nil {
		return nil, err
	}

	out, err := contractABI.Unpack(method, result)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack %s: %w", method, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("empty result for %s", method)
	}
	return out, nil
}

// retryRead retries op with exponential backoff while it fails with
// ErrNetworkUnavailable. Any other failure stops immediately.
func (cc *ContractCaller) retryRead(ctx context.Context, op func() error) error {
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), cc.readRetries),
		ctx,
	)
	return backoff.Retry(func() error {
		err := op()
		if err != nil && !errors.Is(err, ErrNetworkUnavailable) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
}

// transact signs and sends a legacy transaction to `to`, waits for the
// receipt and replays a failed execution to recover its revert reason.
func (cc *ContractCaller) transact(ctx context.Context, to common.Address, data []byte, method string) (*TransactionResult, error) {
	cc.txMu.Lock()
	defer cc.txMu.Unlock()

	from := cc.GetSignerAddress()
	msg := ethereum.CallMsg{From: from, To: &to, Data: data}

	gas, err := cc.backend.EstimateGas(ctx, msg)
	if err != nil {
		return nil, wrapRPCError("estimate gas for "+method, err)
	}
	gasLimit := gas * 12 / 10

	if err := cc.CheckGasBalance(ctx, gasLimit); err != nil {
		return nil, err
	}

	chainID, err := cc.ChainID(ctx)
	if err != nil {
		return nil, err
	}

	nonce, err := cc.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, wrapRPCError("get nonce", err)
	}

	gasPrice, err := cc.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, wrapRPCError("get gas price", err)
	}

	tx := types.NewTransaction(nonce, to, big.NewInt(0), gasLimit, gasPrice, data)
	signedTx, err := types.SignTx(tx, types.NewEIP155Signer(chainID), cc.privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}

	if err := cc.backend.SendTransaction(ctx, signedTx); err != nil {
		return nil, wrapRPCError("send "+method, err)
	}
	cc.logger.Info("transaction sent",
		zap.String("method", method),
		zap.String("txHash", signedTx.Hash().Hex()),
		zap.Uint64("nonce", nonce),
		zap.Uint64("gasLimit", gasLimit),
	)

	receipt, err := cc.waitForReceipt(ctx, signedTx.Hash())
	if err != nil {
		return nil, err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		revertErr := cc.replayRevert(ctx, msg, receipt)
		cc.logger.Warn("transaction reverted",
			zap.String("method", method),
			zap.String("txHash", receipt.TxHash.Hex()),
			zap.String("reason", revertErr.Reason),
		)
		return nil, revertErr
	}

	cc.logger.Info("transaction mined",
		zap.String("method", method),
		zap.String("txHash", receipt.TxHash.Hex()),
		zap.Uint64("gasUsed", receipt.GasUsed),
	)
	return NewTransactionResult(receipt), nil
}

// replayRevert re-executes msg at the receipt's block to read the revert reason.
func (cc *ContractCaller) replayRevert(ctx context.Context, msg ethereum.CallMsg, receipt *types.Receipt) *RevertError {
	_, err := cc.backend.CallContract(ctx, msg, receipt.BlockNumber)
	if err != nil {
		if revertErr, ok := revertFromError(err, receipt.TxHash); ok {
			return revertErr
		}
	}
	return NewRevertError("unknown reason", receipt.TxHash)
}

// waitForReceipt polls for a transaction receipt until the receipt timeout
func (cc *ContractCaller) waitForReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, cc.receiptTimeout)
	defer cancel()

	var receipt *types.Receipt
	err := backoff.Retry(func() error {
		var err error
		receipt, err = cc.backend.TransactionReceipt(timeoutCtx, txHash)
		if err == nil {
			return nil
		}
		if errors.Is(err, ethereum.NotFound) {
			return err
		}
		wrapped := wrapRPCError("get receipt", err)
		if errors.Is(wrapped, ErrNetworkUnavailable) {
			return wrapped
		}
		return backoff.Permanent(wrapped)
	}, backoff.WithContext(backoff.NewConstantBackOff(cc.receiptPollInterval), timeoutCtx))
	if err != nil {
		if timeoutCtx.Err() != nil && ctx.Err() == nil {
			return nil, fmt.Errorf("timeout waiting for transaction receipt: %s", txHash.Hex())
		}
		return nil, err
	}
	return receipt, nil
}

// Close closes the Ethereum client connection
func (cc *ContractCaller) Close() {
	if closer, ok := cc.backend.(interface{ Close() }); ok {
		closer.Close()
	}
}

func asBigInt(v interface{}) (*big.Int, error) {
	n, ok := v.(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected integer type: %T", v)
	}
	return n, nil
}
