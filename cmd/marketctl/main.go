// marketctl drives the airdrop NFT marketplace: whitelist proofs, permit
// claims, listings and event relay.
//
// Usage:
//
//	marketctl [--env-file .env] [--whitelist whitelist.json] <command> [flags]
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	airdropmarket "github.com/kaifufi/airdrop-market-sdk-go"
)

var (
	envFileFlag = &cli.StringFlag{
		Name:  "env-file",
		Usage: "dotenv file to load before reading the environment",
		Value: ".env",
	}
	logLevelFlag = &cli.StringFlag{
		Name:    "log-level",
		Usage:   "debug, info, warn or error",
		Value:   "info",
		EnvVars: []string{"LOG_LEVEL"},
	}
	whitelistFlag = &cli.StringFlag{
		Name:  "whitelist",
		Usage: "JSON array of whitelisted addresses (overrides WHITELIST_FILE)",
	}
	rpcURLFlag = &cli.StringFlag{
		Name:  "rpc-url",
		Usage: "Ethereum JSON-RPC endpoint (overrides SEPOLIA_RPC_URL)",
	}
	walletURLFlag = &cli.StringFlag{
		Name:  "wallet-url",
		Usage: "wallet RPC endpoint that signs permits with eth_signTypedData_v4",
	}
	addressFlag = &cli.StringFlag{
		Name:     "address",
		Usage:    "account address",
		Required: true,
	}
	tokenIDFlag = &cli.StringFlag{
		Name:     "token-id",
		Usage:    "NFT token id",
		Required: true,
	}
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp().RunContext(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "marketctl",
		Usage: "airdrop Merkle NFT market tool",
		Flags: []cli.Flag{envFileFlag, logLevelFlag, whitelistFlag, rpcURLFlag, walletURLFlag},
		Commands: []*cli.Command{
			rootCommand,
			proofCommand,
			verifyCommand,
			quoteCommand,
			claimCommand,
			listCommand,
			unlistCommand,
			purchaseCommand,
			listingCommand,
			watchCommand,
			serveProofsCommand,
		},
	}
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	cfg := zap.NewProductionConfig()
	if os.Getenv("MARKET_ENV") == "development" {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}

// env loads the dotenv file and applies the global flag overrides.
func env(c *cli.Context) (*airdropmarket.EnvConfig, error) {
	cfg, err := airdropmarket.LoadConfigFromEnv(c.String(envFileFlag.Name))
	if err != nil {
		return nil, err
	}
	if c.IsSet(whitelistFlag.Name) {
		cfg.WhitelistFile = c.String(whitelistFlag.Name)
	}
	if c.IsSet(rpcURLFlag.Name) {
		cfg.RPCURL = c.String(rpcURLFlag.Name)
	}
	return cfg, nil
}
