package chain

import (
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Listing mirrors the marketplace getListing() tuple.
type Listing struct {
	Seller       common.Address
	PaymentToken common.Address
	Price        *big.Int
	IsActive     bool
}

// TransactionResult is the outcome of a mined transaction.
type TransactionResult struct {
	TxHash      common.Hash
	BlockNumber uint64
	GasUsed     uint64
	Receipt     *types.Receipt
}

// NewTransactionResult builds a TransactionResult from a receipt.
func NewTransactionResult(receipt *types.Receipt) *TransactionResult {
	result := &TransactionResult{
		TxHash:  receipt.TxHash,
		GasUsed: receipt.GasUsed,
		Receipt: receipt,
	}
	if receipt.BlockNumber != nil {
		result.BlockNumber = receipt.BlockNumber.Uint64()
	}
	return result
}

// Marketplace ABI JSON: airdrop claim surface, listing surface, multicall and events
const marketplaceABIJSON = `[
	{
		"inputs": [
			{"name": "account", "type": "address"},
			{"name": "proof", "type": "bytes32[]"}
		],
		"name": "isWhitelisted",
		"outputs": [{"name": "", "type": "bool"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [
			{"name": "tokenId", "type": "uint256"},
			{"name": "proof", "type": "bytes32[]"}
		],
		"name": "claimNFT",
		"outputs": [],
		"stateMutability": "nonpayable",
		"type": "function"
	},
	{
		"inputs": [
			{"name": "account", "type": "address"},
			{"name": "tokenId", "type": "uint256"}
		],
		"name": "hasClaimed",
		"outputs": [{"name": "", "type": "bool"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [{"name": "price", "type": "uint256"}],
		"name": "getDiscountedPrice",
		"outputs": [{"name": "", "type": "uint256"}],
		"stateMutability": "pure",
		"type": "function"
	},
	{
		"inputs": [],
		"name": "merkleRoot",
		"outputs": [{"name": "", "type": "bytes32"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [
			{"name": "owner", "type": "address"},
			{"name": "value", "type": "uint256"},
			{"name": "deadline", "type": "uint256"},
			{"name": "v", "type": "uint8"},
			{"name": "r", "type": "bytes32"},
			{"name": "s", "type": "bytes32"}
		],
		"name": "permitPrePay",
		"outputs": [],
		"stateMutability": "nonpayable",
		"type": "function"
	},
	{
		"inputs": [{"name": "data", "type": "bytes[]"}],
		"name": "multicall",
		"outputs": [{"name": "results", "type": "bytes[]"}],
		"stateMutability": "nonpayable",
		"type": "function"
	},
	{
		"inputs": [
			{"name": "nftContract", "type": "address"},
			{"name": "tokenId", "type": "uint256"},
			{"name": "token", "type": "address"},
			{"name": "price", "type": "uint256"}
		],
		"name": "listNFT",
		"outputs": [],
		"stateMutability": "nonpayable",
		"type": "function"
	},
	{
		"inputs": [
			{"name": "nftContract", "type": "address"},
			{"name": "tokenId", "type": "uint256"}
		],
		"name": "unlistNFT",
		"outputs": [],
		"stateMutability": "nonpayable",
		"type": "function"
	},
	{
		"inputs": [
			{"name": "nftContract", "type": "address"},
			{"name": "tokenId", "type": "uint256"}
		],
		"name": "purchaseNFT",
		"outputs": [],
		"stateMutability": "nonpayable",
		"type": "function"
	},
	{
		"inputs": [
			{"name": "nftContract", "type": "address"},
			{"name": "tokenId", "type": "uint256"}
		],
		"name": "getListing",
		"outputs": [
			{"name": "seller", "type": "address"},
			{"name": "token", "type": "address"},
			{"name": "price", "type": "uint256"},
			{"name": "isActive", "type": "bool"}
		],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"anonymous": false,
		"inputs": [
			{"indexed": true, "name": "nftContract", "type": "address"},
			{"indexed": true, "name": "tokenId", "type": "uint256"},
			{"indexed": true, "name": "seller", "type": "address"},
			{"indexed": false, "name": "token", "type": "address"},
			{"indexed": false, "name": "price", "type": "uint256"}
		],
		"name": "NFTListed",
		"type": "event"
	},
	{
		"anonymous": false,
		"inputs": [
			{"indexed": true, "name": "nftContract", "type": "address"},
			{"indexed": true, "name": "tokenId", "type": "uint256"},
			{"indexed": true, "name": "buyer", "type": "address"},
			{"indexed": false, "name": "seller", "type": "address"},
			{"indexed": false, "name": "token", "type": "address"},
			{"indexed": false, "name": "price", "type": "uint256"}
		],
		"name": "NFTPurchased",
		"type": "event"
	},
	{
		"anonymous": false,
		"inputs": [
			{"indexed": true, "name": "nftContract", "type": "address"},
			{"indexed": true, "name": "tokenId", "type": "uint256"},
			{"indexed": true, "name": "seller", "type": "address"}
		],
		"name": "NFTUnlisted",
		"type": "event"
	},
	{
		"inputs": [{"name": "deadline", "type": "uint256"}],
		"name": "ERC2612ExpiredSignature",
		"type": "error"
	},
	{
		"inputs": [
			{"name": "signer", "type": "address"},
			{"name": "owner", "type": "address"}
		],
		"name": "ERC2612InvalidSigner",
		"type": "error"
	}
]`

// ERC20 ABI JSON with the EIP-2612 permit extension
const erc20ABIJSON = `[
	{
		"constant": true,
		"inputs": [],
		"name": "name",
		"outputs": [{"name": "", "type": "string"}],
		"type": "function"
	},
	{
		"constant": true,
		"inputs": [{"name": "owner", "type": "address"}],
		"name": "nonces",
		"outputs": [{"name": "", "type": "uint256"}],
		"type": "function"
	},
	{
		"constant": false,
		"inputs": [
			{"name": "owner", "type": "address"},
			{"name": "spender", "type": "address"},
			{"name": "value", "type": "uint256"},
			{"name": "deadline", "type": "uint256"},
			{"name": "v", "type": "uint8"},
			{"name": "r", "type": "bytes32"},
			{"name": "s", "type": "bytes32"}
		],
		"name": "permit",
		"outputs": [],
		"type": "function"
	},
	{
		"constant": true,
		"inputs": [{"name": "account", "type": "address"}],
		"name": "balanceOf",
		"outputs": [{"name": "", "type": "uint256"}],
		"type": "function"
	},
	{
		"constant": true,
		"inputs": [
			{"name": "owner", "type": "address"},
			{"name": "spender", "type": "address"}
		],
		"name": "allowance",
		"outputs": [{"name": "", "type": "uint256"}],
		"type": "function"
	},
	{
		"constant": false,
		"inputs": [
			{"name": "spender", "type": "address"},
			{"name": "amount", "type": "uint256"}
		],
		"name": "approve",
		"outputs": [{"name": "", "type": "bool"}],
		"type": "function"
	},
	{
		"constant": true,
		"inputs": [],
		"name": "decimals",
		"outputs": [{"name": "", "type": "uint8"}],
		"type": "function"
	},
	{
		"inputs": [
			{"name": "spender", "type": "address"},
			{"name": "allowance", "type": "uint256"},
			{"name": "needed", "type": "uint256"}
		],
		"name": "ERC20InsufficientAllowance",
		"type": "error"
	},
	{
		"inputs": [
			{"name": "sender", "type": "address"},
			{"name": "balance", "type": "uint256"},
			{"name": "needed", "type": "uint256"}
		],
		"name": "ERC20InsufficientBalance",
		"type": "error"
	}
]`

// ERC721 ABI JSON for ownership and approvals
const erc721ABIJSON = `[
	{
		"constant": true,
		"inputs": [{"name": "tokenId", "type": "uint256"}],
		"name": "ownerOf",
		"outputs": [{"name": "", "type": "address"}],
		"type": "function"
	},
	{
		"constant": false,
		"inputs": [
			{"name": "to", "type": "address"},
			{"name": "tokenId", "type": "uint256"}
		],
		"name": "approve",
		"outputs": [],
		"type": "function"
	},
	{
		"constant": true,
		"inputs": [{"name": "tokenId", "type": "uint256"}],
		"name": "getApproved",
		"outputs": [{"name": "", "type": "address"}],
		"type": "function"
	},
	{
		"constant": false,
		"inputs": [
			{"name": "operator", "type": "address"},
			{"name": "approved", "type": "bool"}
		],
		"name": "setApprovalForAll",
		"outputs": [],
		"type": "function"
	}
]`

var (
	marketplaceABI     abi.ABI
	marketplaceABIOnce sync.Once
	erc20ABI           abi.ABI
	erc20ABIOnce       sync.Once
	erc721ABI          abi.ABI
	erc721ABIOnce      sync.Once
)

// GetMarketplaceABI returns the parsed marketplace ABI
func GetMarketplaceABI() abi.ABI {
	marketplaceABIOnce.Do(func() {
		marketplaceABI = mustParseABI("marketplace", marketplaceABIJSON)
	})
	return marketplaceABI
}

// GetERC20ABI returns the parsed ERC20 permit ABI
func GetERC20ABI() abi.ABI {
	erc20ABIOnce.Do(func() {
		erc20ABI = mustParseABI("ERC20", erc20ABIJSON)
	})
	return erc20ABI
}

// GetERC721ABI returns the parsed ERC721 ABI
func GetERC721ABI() abi.ABI {
	erc721ABIOnce.Do(func() {
		erc721ABI = mustParseABI("ERC721", erc721ABIJSON)
	})
	return erc721ABI
}

func mustParseABI(name, raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic("failed to parse " + name + " ABI: " + err.Error())
	}
	return parsed
}
