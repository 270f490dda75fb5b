package main

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	airdropmarket "github.com/kaifufi/airdrop-market-sdk-go"
	"github.com/kaifufi/airdrop-market-sdk-go/chain"
	"github.com/kaifufi/airdrop-market-sdk-go/merkle"
	"github.com/kaifufi/airdrop-market-sdk-go/proofserver"
)

// clientFactory connects the SDK client used by chain commands.
var clientFactory = airdropmarket.NewClient

var rootCommand = &cli.Command{
	Name:  "root",
	Usage: "print the Merkle root of the whitelist",
	Action: func(c *cli.Context) error {
		tree, _, err := loadTree(c)
		if err != nil {
			return err
		}
		fmt.Fprintf(c.App.Writer, "root:    %s\nentries: %d\n", tree.Root().Hex(), tree.Len())
		return nil
	},
}

var proofCommand = &cli.Command{
	Name:  "proof",
	Usage: "print the whitelist proof of an address",
	Flags: []cli.Flag{addressFlag},
	Action: func(c *cli.Context) error {
		tree, _, err := loadTree(c)
		if err != nil {
			return err
		}
		addr, err := parseAddress(c.String(addressFlag.Name))
		if err != nil {
			return err
		}
		proof, err := tree.Proof(addr)
		if err != nil {
			return err
		}
		return printJSON(c, proofserver.ProofResponse{
			Address: addr.Hex(),
			Leaf:    merkle.LeafHash(addr).Hex(),
			Root:    tree.Root().Hex(),
			Proof:   proof.Hex(),
		})
	},
}

var verifyCommand = &cli.Command{
	Name:  "verify",
	Usage: "check an address against the whitelist and the marketplace root",
	Flags: []cli.Flag{addressFlag},
	Action: func(c *cli.Context) error {
		client, logger, err := newClient(c)
		if err != nil {
			return err
		}
		defer client.Close()
		defer logger.Sync() //nolint:errcheck

		addr, err := parseAddress(c.String(addressFlag.Name))
		if err != nil {
			return err
		}
		result, err := client.VerifyWhitelist(c.Context, addr)
		if err != nil {
			return err
		}
		fmt.Fprintf(c.App.Writer, "%s is whitelisted under %s\n", addr.Hex(), result.Root.Hex())
		return nil
	},
}

var quoteCommand = &cli.Command{
	Name:  "quote",
	Usage: "print the discounted claim price of a listed token",
	Flags: []cli.Flag{tokenIDFlag},
	Action: func(c *cli.Context) error {
		client, logger, err := newClient(c)
		if err != nil {
			return err
		}
		defer client.Close()
		defer logger.Sync() //nolint:errcheck

		tokenID, err := parseTokenID(c)
		if err != nil {
			return err
		}
		quote, err := client.Quote(c.Context, tokenID)
		if err != nil {
			return err
		}
		decimals, err := tokenDecimals(c.Context, client, quote.Listing.PaymentToken)
		if err != nil {
			return err
		}
		fmt.Fprintf(c.App.Writer, "token %s: list price %s, claim price %s\n",
			tokenID, airdropmarket.FormatAmount(quote.Listing.Price, decimals),
			airdropmarket.FormatAmount(quote.DiscountedPrice, decimals))
		return nil
	},
}

var claimCommand = &cli.Command{
	Name:  "claim",
	Usage: "claim a token at the whitelist price with a permit multicall",
	Flags: []cli.Flag{
		tokenIDFlag,
		&cli.StringFlag{Name: "value", Usage: "permit amount in payment token units (default: the quoted price)"},
	},
	Action: func(c *cli.Context) error {
		client, logger, err := newClient(c)
		if err != nil {
			return err
		}
		defer client.Close()
		defer logger.Sync() //nolint:errcheck

		tokenID, err := parseTokenID(c)
		if err != nil {
			return err
		}
		decimals, err := client.PaymentTokenDecimals(c.Context)
		if err != nil {
			return err
		}

		var record *airdropmarket.ClaimRecord
		if c.IsSet("value") {
			value, err := airdropmarket.ParseAmount(c.String("value"), decimals)
			if err != nil {
				return err
			}
			record, err = client.ClaimNFTWithValue(c.Context, tokenID, value)
			if err != nil {
				return err
			}
		} else {
			record, err = client.ClaimNFT(c.Context, tokenID)
			if err != nil {
				return err
			}
		}

		fmt.Fprintf(c.App.Writer, "claimed token %s for %s in tx %s (block %d)\n",
			record.TokenID, airdropmarket.FormatAmount(record.Paid, decimals),
			record.Transaction.TxHash.Hex(), record.Transaction.BlockNumber)
		return nil
	},
}

var listCommand = &cli.Command{
	Name:  "list",
	Usage: "list an owned token for sale",
	Flags: []cli.Flag{
		tokenIDFlag,
		&cli.StringFlag{Name: "price", Usage: "price in payment token units", Required: true},
	},
	Action: func(c *cli.Context) error {
		client, logger, err := newClient(c)
		if err != nil {
			return err
		}
		defer client.Close()
		defer logger.Sync() //nolint:errcheck

		tokenID, err := parseTokenID(c)
		if err != nil {
			return err
		}
		decimals, err := client.PaymentTokenDecimals(c.Context)
		if err != nil {
			return err
		}
		price, err := airdropmarket.ParseAmount(c.String("price"), decimals)
		if err != nil {
			return err
		}
		result, err := client.ListNFT(c.Context, tokenID, price)
		if err != nil {
			return err
		}
		fmt.Fprintf(c.App.Writer, "listed token %s in tx %s\n", tokenID, result.TxHash.Hex())
		return nil
	},
}

var unlistCommand = &cli.Command{
	Name:  "unlist",
	Usage: "remove one of your listings",
	Flags: []cli.Flag{tokenIDFlag},
	Action: func(c *cli.Context) error {
		client, logger, err := newClient(c)
		if err != nil {
			return err
		}
		defer client.Close()
		defer logger.Sync() //nolint:errcheck

		tokenID, err := parseTokenID(c)
		if err != nil {
			return err
		}
		result, err := client.UnlistNFT(c.Context, tokenID)
		if err != nil {
			return err
		}
		fmt.Fprintf(c.App.Writer, "unlisted token %s in tx %s\n", tokenID, result.TxHash.Hex())
		return nil
	},
}

var purchaseCommand = &cli.Command{
	Name:  "purchase",
	Usage: "buy a listed token at its full price",
	Flags: []cli.Flag{tokenIDFlag},
	Action: func(c *cli.Context) error {
		client, logger, err := newClient(c)
		if err != nil {
			return err
		}
		defer client.Close()
		defer logger.Sync() //nolint:errcheck

		tokenID, err := parseTokenID(c)
		if err != nil {
			return err
		}
		result, err := client.PurchaseNFT(c.Context, tokenID)
		if err != nil {
			return err
		}
		fmt.Fprintf(c.App.Writer, "purchased token %s in tx %s\n", tokenID, result.TxHash.Hex())
		return nil
	},
}

var listingCommand = &cli.Command{
	Name:  "listing",
	Usage: "show the listing of a token",
	Flags: []cli.Flag{tokenIDFlag},
	Action: func(c *cli.Context) error {
		client, logger, err := newClient(c)
		if err != nil {
			return err
		}
		defer client.Close()
		defer logger.Sync() //nolint:errcheck

		tokenID, err := parseTokenID(c)
		if err != nil {
			return err
		}
		listing, err := client.GetListing(c.Context, tokenID, false)
		if err != nil {
			return err
		}
		decimals, err := tokenDecimals(c.Context, client, listing.PaymentToken)
		if err != nil {
			return err
		}
		return printJSON(c, map[string]interface{}{
			"tokenId":      tokenID.String(),
			"seller":       listing.Seller.Hex(),
			"paymentToken": listing.PaymentToken.Hex(),
			"price":        airdropmarket.FormatAmount(listing.Price, decimals),
			"active":       listing.IsActive,
		})
	},
}

var watchCommand = &cli.Command{
	Name:  "watch",
	Usage: "follow marketplace events and relay them to the backend",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "ws-url", Usage: "websocket endpoint; when empty, poll eth_getLogs over --rpc-url", EnvVars: []string{"SEPOLIA_WS_URL"}},
		&cli.Uint64Flag{Name: "from-block", Usage: "first block to poll (default: current head)"},
		&cli.DurationFlag{Name: "poll-interval", Usage: "eth_getLogs polling interval", Value: 12 * time.Second},
		&cli.BoolFlag{Name: "relay", Usage: "post events to BACKEND_URL" + airdropmarket.SaveEventTextPath},
	},
	Action: func(c *cli.Context) error {
		cfg, err := env(c)
		if err != nil {
			return err
		}
		logger, err := newLogger(c.String(logLevelFlag.Name))
		if err != nil {
			return err
		}
		defer logger.Sync() //nolint:errcheck

		// prices are rendered with the payment token's decimals when a
		// signing account is configured, 18 otherwise
		var decimals airdropmarket.DecimalsReader
		if cfg.PrivateKey != "" {
			client, _, err := newClient(c)
			if err != nil {
				return err
			}
			defer client.Close()
			decimals = client
		}

		market := marketAddress(cfg)
		events := make(chan airdropmarket.MarketEvent, 64)
		ctx, cancel := context.WithCancel(c.Context)
		defer cancel()

		var relayDone chan error
		if c.Bool("relay") {
			relay := airdropmarket.NewRelay(airdropmarket.NewBackendClient(cfg.BackendURL), airdropmarket.RelayConfig{
				MaxRetries: 5,
				Logger:     logger,
				Decimals:   decimals,
			})
			relayDone = make(chan error, 1)
			go func() { relayDone <- relay.Run(ctx, events) }()
		} else {
			go printEvents(ctx, c, decimals, events)
		}

		if ws := c.String("ws-url"); ws != "" {
			err = streamEvents(ctx, ws, market, logger, events)
		} else {
			err = pollEvents(ctx, c, cfg.RPCURL, market, logger, events)
		}
		close(events)
		if relayDone != nil {
			<-relayDone
		}
		if ctx.Err() != nil {
			return nil
		}
		return err
	},
}

var serveProofsCommand = &cli.Command{
	Name:  "serve-proofs",
	Usage: "serve whitelist proofs over HTTP",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "listen", Usage: "listen address", Value: ":8090"},
		&cli.StringSliceFlag{
			Name:    "cors-origin",
			Usage:   "browser origin allowed to fetch proofs (repeatable)",
			EnvVars: []string{"CORS_ALLOWED_ORIGINS"},
		},
	},
	Action: func(c *cli.Context) error {
		tree, _, err := loadTree(c)
		if err != nil {
			return err
		}
		logger, err := newLogger(c.String(logLevelFlag.Name))
		if err != nil {
			return err
		}
		defer logger.Sync() //nolint:errcheck

		logger.Info("serving proofs", zap.String("root", tree.Root().Hex()), zap.Int("entries", tree.Len()))
		return proofserver.New(tree, logger, c.StringSlice("cors-origin")...).ListenAndServe(c.Context, c.String("listen"))
	},
}

func streamEvents(ctx context.Context, endpoint string, market common.Address, logger *zap.Logger, out chan<- airdropmarket.MarketEvent) error {
	stream := airdropmarket.NewLogStream(airdropmarket.LogStreamConfig{
		Endpoint: endpoint,
		Market:   market,
		Logger:   logger,
	})
	if err := stream.Connect(ctx); err != nil {
		return err
	}
	defer stream.Disconnect() //nolint:errcheck

	errs := stream.Errors()
	for {
		select {
		case ev, ok := <-stream.Events():
			if !ok {
				return fmt.Errorf("log stream closed")
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return ctx.Err()
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			logger.Warn("log stream", zap.Error(err))
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func pollEvents(ctx context.Context, c *cli.Context, rpcURL string, market common.Address, logger *zap.Logger, out chan<- airdropmarket.MarketEvent) error {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return fmt.Errorf("failed to connect to RPC: %w", err)
	}
	defer client.Close()

	from := c.Uint64("from-block")
	if !c.IsSet("from-block") {
		if from, err = client.BlockNumber(ctx); err != nil {
			return fmt.Errorf("failed to read head: %w", err)
		}
	}

	poller := chain.NewEventPoller(client, market, 0, logger)
	ticker := time.NewTicker(c.Duration("poll-interval"))
	defer ticker.Stop()

	for {
		events, next, err := poller.Poll(ctx, from)
		if err != nil {
			logger.Warn("poll failed", zap.Uint64("from", from), zap.Error(err))
		} else {
			for _, ev := range events {
				select {
				case out <- ev:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			from = next
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func printEvents(ctx context.Context, c *cli.Context, decimals airdropmarket.DecimalsReader, events <-chan airdropmarket.MarketEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			req, err := airdropmarket.RenderEvent(ctx, decimals, ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(c.App.Writer, "[block %d] %s\n", ev.BlockNumber, req.Text)
		}
	}
}

func newClient(c *cli.Context) (*airdropmarket.Client, *zap.Logger, error) {
	cfg, err := env(c)
	if err != nil {
		return nil, nil, err
	}
	logger, err := newLogger(c.String(logLevelFlag.Name))
	if err != nil {
		return nil, nil, err
	}

	clientCfg := cfg.ClientConfig()
	clientCfg.Logger = logger
	clientCfg.WalletRPCURL = c.String(walletURLFlag.Name)
	if cfg.WhitelistFile != "" {
		if clientCfg.Whitelist, err = readWhitelist(cfg.WhitelistFile); err != nil {
			return nil, nil, err
		}
	}

	client, err := clientFactory(clientCfg)
	if err != nil {
		return nil, nil, err
	}
	return client, logger, nil
}

// tokenDecimals returns the decimals of token. An unset listing has the zero
// payment token and falls back to MaxDecimals.
func tokenDecimals(ctx context.Context, client *airdropmarket.Client, token common.Address) (int, error) {
	if token == common.HexToAddress(airdropmarket.ZeroAddress) {
		return airdropmarket.MaxDecimals, nil
	}
	decimals, err := client.GetTokenDecimals(ctx, token)
	if err != nil {
		return 0, fmt.Errorf("failed to read decimals of %s: %w", token.Hex(), err)
	}
	return int(decimals), nil
}

func loadTree(c *cli.Context) (*merkle.Tree, *airdropmarket.EnvConfig, error) {
	cfg, err := env(c)
	if err != nil {
		return nil, nil, err
	}
	if cfg.WhitelistFile == "" {
		return nil, nil, fmt.Errorf("no whitelist: set --whitelist or WHITELIST_FILE")
	}
	entries, err := readWhitelist(cfg.WhitelistFile)
	if err != nil {
		return nil, nil, err
	}
	tree, err := merkle.NewTree(entries)
	if err != nil {
		return nil, nil, err
	}
	return tree, cfg, nil
}

func readWhitelist(path string) ([]common.Address, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open whitelist: %w", err)
	}
	defer f.Close()
	return merkle.LoadWhitelist(f)
}

func marketAddress(cfg *airdropmarket.EnvConfig) common.Address {
	if cfg.Marketplace != "" {
		return common.HexToAddress(cfg.Marketplace)
	}
	return common.HexToAddress(airdropmarket.DefaultContractAddresses[cfg.ChainID].Marketplace)
}

func parseAddress(raw string) (common.Address, error) {
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("invalid address %q", raw)
	}
	return common.HexToAddress(raw), nil
}

func parseTokenID(c *cli.Context) (*big.Int, error) {
	raw := c.String(tokenIDFlag.Name)
	id, ok := new(big.Int).SetString(raw, 0)
	if !ok || id.Sign() < 0 {
		return nil, fmt.Errorf("invalid token id %q", raw)
	}
	return id, nil
}

func printJSON(c *cli.Context, v interface{}) error {
	enc := json.NewEncoder(c.App.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
