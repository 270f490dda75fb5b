package airdropmarket

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kaifufi/airdrop-market-sdk-go/chain"
	"github.com/kaifufi/airdrop-market-sdk-go/internal/fakeledger"
)

type savedEvent struct {
	key string
	req SaveEventRequest
}

// backendStub records saveEvenText calls and fails the first failures of them
// with status.
type backendStub struct {
	mu       sync.Mutex
	saved    []savedEvent
	failures int
	status   int
}

func (b *backendStub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != SaveEventTextPath || r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failures > 0 {
		b.failures--
		http.Error(w, "try later", b.status)
		return
	}
	var req SaveEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	b.saved = append(b.saved, savedEvent{key: r.Header.Get("Idempotency-Key"), req: req})
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"code":0,"msg":"ok"}`))
}

func (b *backendStub) calls() []savedEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]savedEvent(nil), b.saved...)
}

var (
	seller = common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")
	buyer  = common.HexToAddress("0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC")
)

func listedEvent() MarketEvent {
	return MarketEvent{
		Kind:         chain.EventListed,
		NFTContract:  testNFT,
		TokenID:      big.NewInt(3),
		Seller:       seller,
		PaymentToken: testToken,
		Price:        big.NewInt(1e17),
		TxHash:       common.HexToHash("0xabc1"),
		LogIndex:     2,
	}
}

func TestBackendClientSaveEventText(t *testing.T) {
	stub := &backendStub{}
	srv := httptest.NewServer(stub)
	defer srv.Close()

	c := NewBackendClient(srv.URL + "/")
	resp, err := c.SaveEventText(context.Background(), SaveEventRequest{Address: seller.Hex(), Text: "hello"}, "key-1")
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"code": float64(0), "msg": "ok"}, resp)

	calls := stub.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "key-1", calls[0].key)
	assert.Equal(t, "hello", calls[0].req.Text)

	_, err = c.SaveEventText(context.Background(), SaveEventRequest{Address: seller.Hex()}, "")
	assert.ErrorIs(t, err, ErrInvalidParam)
}

func TestBackendClientHTTPError(t *testing.T) {
	stub := &backendStub{failures: 1, status: http.StatusBadGateway}
	srv := httptest.NewServer(stub)
	defer srv.Close()

	_, err := NewBackendClient(srv.URL).SaveEventText(context.Background(), SaveEventRequest{Address: "a", Text: "b"}, "")
	var backendErr *BackendError
	require.ErrorAs(t, err, &backendErr)
	assert.Equal(t, http.StatusBadGateway, backendErr.StatusCode)
	assert.True(t, backendErr.Temporary())
}

func TestEventText(t *testing.T) {
	req, err := EventText(listedEvent(), MaxDecimals)
	require.NoError(t, err)
	assert.Equal(t, seller.Hex(), req.Address)
	assert.Contains(t, req.Text, "listed token 3")
	assert.Contains(t, req.Text, "for 0.1 ")

	purchased := listedEvent()
	purchased.Kind = chain.EventPurchased
	purchased.Buyer = buyer
	req, err = EventText(purchased, MaxDecimals)
	require.NoError(t, err)
	assert.Equal(t, buyer.Hex(), req.Address)
	assert.Contains(t, req.Text, "from "+seller.Hex())

	unlisted := listedEvent()
	unlisted.Kind = chain.EventUnlisted
	req, err = EventText(unlisted, MaxDecimals)
	require.NoError(t, err)
	assert.Contains(t, req.Text, "unlisted token 3")

	_, err = EventText(MarketEvent{Kind: "Transfer"}, MaxDecimals)
	assert.ErrorIs(t, err, chain.ErrUnknownEvent)
}

func TestRenderEventUsesTokenDecimals(t *testing.T) {
	ledger := fakeledger.New(fakeledger.Config{Market: testMarket, Token: testToken, NFT: testNFT, Decimals: 6})
	ctx := context.Background()

	ev := listedEvent()
	ev.Price = big.NewInt(2_500_000)
	req, err := RenderEvent(ctx, ledger, ev)
	require.NoError(t, err)
	assert.Contains(t, req.Text, "for 2.5 ")

	req, err = RenderEvent(ctx, nil, listedEvent())
	require.NoError(t, err)
	assert.Contains(t, req.Text, "for 0.1 ")

	unlisted := listedEvent()
	unlisted.Kind = chain.EventUnlisted
	unlisted.PaymentToken = common.Address{}
	_, err = RenderEvent(ctx, ledger, unlisted)
	require.NoError(t, err)

	foreign := listedEvent()
	foreign.PaymentToken = testNFT
	_, err = RenderEvent(ctx, ledger, foreign)
	assert.ErrorIs(t, err, fakeledger.ErrUnsupportedToken)
}

func TestEventIDStable(t *testing.T) {
	a := listedEvent()
	b := listedEvent()
	assert.Equal(t, EventID(a), EventID(b))

	b.LogIndex++
	assert.NotEqual(t, EventID(a), EventID(b))
}

func TestRelayRetriesTemporaryFailures(t *testing.T) {
	stub := &backendStub{failures: 2, status: http.StatusServiceUnavailable}
	srv := httptest.NewServer(stub)
	defer srv.Close()

	r := NewRelay(NewBackendClient(srv.URL), RelayConfig{MaxRetries: 3, InitialInterval: time.Millisecond})
	require.NoError(t, r.Forward(context.Background(), listedEvent()))

	calls := stub.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, EventID(listedEvent()).String(), calls[0].key)
}

func TestRelayStopsOnClientError(t *testing.T) {
	stub := &backendStub{failures: 5, status: http.StatusBadRequest}
	srv := httptest.NewServer(stub)
	defer srv.Close()

	r := NewRelay(NewBackendClient(srv.URL), RelayConfig{MaxRetries: 3, InitialInterval: time.Millisecond})
	err := r.Forward(context.Background(), listedEvent())
	var backendErr *BackendError
	require.ErrorAs(t, err, &backendErr)
	assert.Equal(t, http.StatusBadRequest, backendErr.StatusCode)

	stub.mu.Lock()
	defer stub.mu.Unlock()
	assert.Equal(t, 4, stub.failures)
}

func TestRelayRun(t *testing.T) {
	stub := &backendStub{}
	srv := httptest.NewServer(stub)
	defer srv.Close()

	removed := listedEvent()
	removed.Removed = true
	unlisted := listedEvent()
	unlisted.Kind = chain.EventUnlisted
	unlisted.LogIndex = 3

	events := make(chan MarketEvent, 3)
	events <- listedEvent()
	events <- removed
	events <- unlisted
	close(events)

	ledger := fakeledger.New(fakeledger.Config{Market: testMarket, Token: testToken, NFT: testNFT, Decimals: 6})
	r := NewRelay(NewBackendClient(srv.URL), RelayConfig{InitialInterval: time.Millisecond, Decimals: ledger})
	require.NoError(t, r.Run(context.Background(), events))

	calls := stub.calls()
	require.Len(t, calls, 2)
	assert.Contains(t, calls[0].req.Text, "listed")
	assert.Contains(t, calls[0].req.Text, "for 100000000000 ")
	assert.Contains(t, calls[1].req.Text, "unlisted")
}

func TestRelayRunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := NewRelay(NewBackendClient("http://127.0.0.1:0"), RelayConfig{})
	assert.ErrorIs(t, r.Run(ctx, make(chan MarketEvent)), context.Canceled)
}
