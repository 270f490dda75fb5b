package airdropmarket

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// ChainID represents a blockchain chain ID
type ChainID int

const (
	ChainIDSepolia ChainID = 11155111 // Ethereum Sepolia testnet
	ChainIDHardhat ChainID = 31337    // local hardhat / anvil node
)

// SupportedChainIDs lists all supported chain IDs
var SupportedChainIDs = []ChainID{ChainIDSepolia, ChainIDHardhat}

// ContractAddresses holds contract addresses for each chain
type ContractAddresses struct {
	Marketplace  string
	NFT          string
	PaymentToken string
}

// DefaultContractAddresses maps chain IDs to their deployed contracts.
// Local chains have no defaults; addresses come from config.
var DefaultContractAddresses = map[ChainID]ContractAddresses{
	ChainIDSepolia: {
		Marketplace:  "0xCA50BAf6EAce43891d52124cC1c49E72b9b91991",
		NFT:          "0xD451d14F89F5aA4C8e9B345F2a8D8904b94F7198",
		PaymentToken: "0x7b79995e5f793A07Bc00c21412e50Ecae098E7f9",
	},
}

const (
	DefaultPermitTTL      = time.Hour
	DefaultReceiptTimeout = 120 * time.Second
	DefaultBackendURL     = "http://localhost:8080"
)

// EnvConfig is the process configuration read from the environment.
type EnvConfig struct {
	RPCURL        string
	PrivateKey    string
	ChainID       ChainID
	Marketplace   string
	PaymentToken  string
	NFT           string
	BackendURL    string
	WhitelistFile string
	PermitTTL     time.Duration
}

// LoadConfigFromEnv loads .env files (missing files are ignored) and reads
// the SDK settings from the environment.
func LoadConfigFromEnv(filenames ...string) (*EnvConfig, error) {
	if len(filenames) == 0 {
		filenames = []string{".env"}
	}
	for _, name := range filenames {
		if err := godotenv.Load(name); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load %s: %w", name, err)
		}
	}

	cfg := &EnvConfig{
		RPCURL:        os.Getenv("SEPOLIA_RPC_URL"),
		PrivateKey:    os.Getenv("PRIVATE_KEY"),
		ChainID:       ChainIDSepolia,
		Marketplace:   os.Getenv("MARKET_ADDRESS"),
		PaymentToken:  os.Getenv("TOKEN_ADDRESS"),
		NFT:           os.Getenv("NFT_ADDRESS"),
		BackendURL:    os.Getenv("BACKEND_URL"),
		WhitelistFile: os.Getenv("WHITELIST_FILE"),
		PermitTTL:     DefaultPermitTTL,
	}

	if raw := os.Getenv("CHAIN_ID"); raw != "" {
		id, err := strconv.Atoi(raw)
		if err != nil {
			return nil, &InvalidParamError{Message: fmt.Sprintf("CHAIN_ID must be an integer, got %q", raw)}
		}
		cfg.ChainID = ChainID(id)
	}
	if raw := os.Getenv("PERMIT_TTL"); raw != "" {
		ttl, err := time.ParseDuration(raw)
		if err != nil || ttl <= 0 {
			return nil, &InvalidParamError{Message: fmt.Sprintf("PERMIT_TTL must be a positive duration, got %q", raw)}
		}
		cfg.PermitTTL = ttl
	}
	if cfg.BackendURL == "" {
		cfg.BackendURL = DefaultBackendURL
	}

	return cfg, nil
}

// ClientConfig converts the environment settings into a ClientConfig.
func (e *EnvConfig) ClientConfig() ClientConfig {
	return ClientConfig{
		ChainID:         e.ChainID,
		RPCURL:          e.RPCURL,
		PrivateKey:      e.PrivateKey,
		MarketplaceAddr: e.Marketplace,
		TokenAddr:       e.PaymentToken,
		NFTAddr:         e.NFT,
		PermitTTL:       e.PermitTTL,
	}
}

func isSupportedChain(id ChainID) bool {
	for _, supportedID := range SupportedChainIDs {
		if id == supportedID {
			return true
		}
	}
	return false
}
