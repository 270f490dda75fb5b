package main

import (
	"bytes"
	"context"
	"encoding/json"
	"math/big"
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	airdropmarket "github.com/kaifufi/airdrop-market-sdk-go"
	"github.com/kaifufi/airdrop-market-sdk-go/chain"
	"github.com/kaifufi/airdrop-market-sdk-go/internal/fakeledger"
	"github.com/kaifufi/airdrop-market-sdk-go/merkle"
	"github.com/kaifufi/airdrop-market-sdk-go/proofserver"
)

var whitelist = []string{
	"0x70997970C51812dc3A010C7d01b50e0d17dc79C8",
	"0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC",
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	return runWith(t, whitelist, args...)
}

func runWith(t *testing.T, entries []string, args ...string) (string, error) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "whitelist.json")
	raw, err := json.Marshal(entries)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, raw, 0o600))

	var out bytes.Buffer
	app := newApp()
	app.Writer = &out
	app.ErrWriter = &out
	full := append([]string{"marketctl", "--env-file", filepath.Join(dir, "missing.env"), "--whitelist", path}, args...)
	err = app.RunContext(context.Background(), full)
	return out.String(), err
}

func TestRootCommand(t *testing.T) {
	tree, err := merkle.NewTree([]common.Address{common.HexToAddress(whitelist[0]), common.HexToAddress(whitelist[1])})
	require.NoError(t, err)

	out, err := run(t, "root")
	require.NoError(t, err)
	assert.Contains(t, out, tree.Root().Hex())
	assert.Contains(t, out, "entries: 2")
}

func TestProofCommand(t *testing.T) {
	out, err := run(t, "proof", "--address", whitelist[1])
	require.NoError(t, err)

	var resp proofserver.ProofResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	root := common.HexToHash(resp.Root)
	proof, err := merkle.ParseHexProof(resp.Proof)
	require.NoError(t, err)
	assert.True(t, merkle.Verify(root, common.HexToAddress(whitelist[1]), proof))

	_, err = run(t, "proof", "--address", "0x15d34AAf54267DB7D7c367839AAf71A00a2C6A65")
	assert.ErrorIs(t, err, merkle.ErrNotInWhitelist)

	_, err = run(t, "proof", "--address", "nope")
	assert.Error(t, err)
}

func TestNewLogger(t *testing.T) {
	_, err := newLogger("debug")
	assert.NoError(t, err)
	_, err = newLogger("loud")
	assert.Error(t, err)
}

var (
	testMarket = common.HexToAddress("0xCA50BAf6EAce43891d52124cC1c49E72b9b91991")
	testToken  = common.HexToAddress("0x7b79995e5f793A07Bc00c21412e50Ecae098E7f9")
	testNFT    = common.HexToAddress("0xD451d14F89F5aA4C8e9B345F2a8D8904b94F7198")
)

// marketFixture lists token 1 at one unit of a six-decimals payment token
// and points chain commands at an in-memory ledger signing for claimant.
type marketFixture struct {
	ledger    *fakeledger.Ledger
	claimant  *chain.PrivateKeySigner
	whitelist []string
}

func newMarketFixture(t *testing.T) *marketFixture {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	claimant := chain.NewPrivateKeySignerFromKey(key)

	entries := []common.Address{claimant.Address(), common.HexToAddress(whitelist[0])}
	tree, err := merkle.NewTree(entries)
	require.NoError(t, err)

	ledger := fakeledger.New(fakeledger.Config{
		ChainID:  big.NewInt(int64(airdropmarket.ChainIDHardhat)),
		Market:   testMarket,
		Token:    testToken,
		NFT:      testNFT,
		Root:     tree.Root(),
		Decimals: 6,
	})
	ledger.SeedListing(big.NewInt(1), big.NewInt(1_000_000))
	ledger.Fund(claimant.Address(), big.NewInt(10_000_000))
	ledger.SetSender(claimant.Address())

	t.Setenv("CHAIN_ID", "31337")
	t.Setenv("NFT_ADDRESS", testNFT.Hex())
	prev := clientFactory
	clientFactory = func(cfg airdropmarket.ClientConfig) (*airdropmarket.Client, error) {
		return airdropmarket.NewClientWithLedger(ledger, claimant, cfg)
	}
	t.Cleanup(func() { clientFactory = prev })

	return &marketFixture{
		ledger:    ledger,
		claimant:  claimant,
		whitelist: []string{entries[0].Hex(), entries[1].Hex()},
	}
}

func TestQuoteCommand(t *testing.T) {
	f := newMarketFixture(t)

	out, err := runWith(t, f.whitelist, "quote", "--token-id", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "token 1: list price 1, claim price 0.5")

	_, err = runWith(t, f.whitelist, "quote", "--token-id", "2")
	assert.ErrorIs(t, err, airdropmarket.ErrListingNotActive)
}

func TestClaimCommand(t *testing.T) {
	f := newMarketFixture(t)

	_, err := runWith(t, f.whitelist, "claim", "--token-id", "1", "--value", "0.1")
	assert.ErrorIs(t, err, airdropmarket.ErrInsufficientAllowance)

	out, err := runWith(t, f.whitelist, "claim", "--token-id", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "claimed token 1 for 0.5 in tx 0x")

	owner, err := f.ledger.OwnerOf(context.Background(), testNFT, big.NewInt(1))
	require.NoError(t, err)
	assert.Equal(t, f.claimant.Address(), owner)

	balance, err := f.ledger.ERC20BalanceOf(context.Background(), testToken, f.claimant.Address())
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(9_500_000), balance)

	_, err = runWith(t, f.whitelist, "claim", "--token-id", "1", "--value", "0.5")
	assert.ErrorIs(t, err, airdropmarket.ErrAlreadyClaimed)
}

func TestListingCommand(t *testing.T) {
	f := newMarketFixture(t)

	out, err := runWith(t, f.whitelist, "listing", "--token-id", "1")
	require.NoError(t, err)

	var listing map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(out), &listing))
	assert.Equal(t, "1", listing["price"])
	assert.Equal(t, true, listing["active"])
	assert.Equal(t, testToken.Hex(), listing["paymentToken"])
}
