package airdropmarket

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kaifufi/airdrop-market-sdk-go/chain"
)

// nodeStub is a websocket JSON-RPC endpoint that answers eth_subscribe and
// then hands the connection to onConn.
type nodeStub struct {
	upgrader websocket.Upgrader

	mu       sync.Mutex
	requests []rpcRequest
	filters  []logFilter

	onConn func(n int, subID string, conn *websocket.Conn)
}

func (n *nodeStub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := n.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	var raw struct {
		rpcRequest
		Params []json.RawMessage `json:"params"`
	}
	if err := conn.ReadJSON(&raw); err != nil {
		return
	}
	var filter logFilter
	if len(raw.Params) == 2 {
		_ = json.Unmarshal(raw.Params[1], &filter)
	}

	n.mu.Lock()
	n.requests = append(n.requests, raw.rpcRequest)
	n.filters = append(n.filters, filter)
	count := len(n.requests)
	n.mu.Unlock()

	subID := "0xsub" + string(rune('0'+count))
	resp := map[string]interface{}{"jsonrpc": "2.0", "id": raw.ID, "result": subID}
	if err := conn.WriteJSON(resp); err != nil {
		return
	}

	if n.onConn != nil {
		n.onConn(count, subID, conn)
	}
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (n *nodeStub) connections() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.requests)
}

func notify(t *testing.T, conn *websocket.Conn, subID string, log types.Log) {
	t.Helper()
	payload := map[string]interface{}{
		"jsonrpc": "2.0",
		"method":  "eth_subscription",
		"params":  map[string]interface{}{"subscription": subID, "result": log},
	}
	assert.NoError(t, conn.WriteJSON(payload))
}

func marketListedLog(t *testing.T, tokenID int64, block uint64) types.Log {
	t.Helper()
	event := chain.GetMarketplaceABI().Events[string(chain.EventListed)]
	data, err := event.Inputs.NonIndexed().Pack(testToken, big.NewInt(1e18))
	assert.NoError(t, err)
	return types.Log{
		Address: testMarket,
		Topics: []common.Hash{
			event.ID,
			common.BytesToHash(testNFT.Bytes()),
			common.BigToHash(big.NewInt(tokenID)),
			common.BytesToHash(seller.Bytes()),
		},
		Data:        data,
		BlockNumber: block,
		TxHash:      common.BigToHash(big.NewInt(int64(block))),
		BlockHash:   common.HexToHash("0xb10c"),
	}
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func receive(t *testing.T, s *LogStream) MarketEvent {
	t.Helper()
	select {
	case ev, ok := <-s.Events():
		require.True(t, ok, "stream closed")
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("no event")
		return MarketEvent{}
	}
}

func TestLogStreamDeliversEvents(t *testing.T) {
	node := &nodeStub{}
	node.onConn = func(_ int, subID string, conn *websocket.Conn) {
		notify(t, conn, subID, types.Log{
			Address: testMarket,
			Topics:  []common.Hash{common.HexToHash("0xdead")},
			TxHash:  common.HexToHash("0x01"),
		})
		notify(t, conn, subID, marketListedLog(t, 4, 100))
	}
	srv := httptest.NewServer(node)
	defer srv.Close()

	s := NewLogStream(LogStreamConfig{Endpoint: wsURL(srv), Market: testMarket})
	require.NoError(t, s.Connect(context.Background()))
	defer s.Disconnect()

	ev := receive(t, s)
	assert.Equal(t, chain.EventListed, ev.Kind)
	assert.Equal(t, int64(4), ev.TokenID.Int64())
	assert.Equal(t, seller, ev.Seller)
	assert.Equal(t, testToken, ev.PaymentToken)
	assert.Equal(t, uint64(100), ev.BlockNumber)

	require.Eventually(t, func() bool { return s.SubscriptionID() == "0xsub1" }, 5*time.Second, 10*time.Millisecond)
	assert.True(t, s.IsConnected())

	node.mu.Lock()
	defer node.mu.Unlock()
	require.Len(t, node.requests, 1)
	assert.Equal(t, "eth_subscribe", node.requests[0].Method)
	assert.Equal(t, testMarket, node.filters[0].Address)
	require.Len(t, node.filters[0].Topics, 1)
	assert.ElementsMatch(t, chain.MarketEventTopics(), node.filters[0].Topics[0])
}

func TestLogStreamReconnects(t *testing.T) {
	node := &nodeStub{}
	node.onConn = func(n int, subID string, conn *websocket.Conn) {
		if n == 1 {
			conn.Close()
			return
		}
		notify(t, conn, subID, marketListedLog(t, 9, 200))
	}
	srv := httptest.NewServer(node)
	defer srv.Close()

	s := NewLogStream(LogStreamConfig{
		Endpoint:          wsURL(srv),
		Market:            testMarket,
		ReconnectInterval: 10 * time.Millisecond,
	})
	require.NoError(t, s.Connect(context.Background()))
	defer s.Disconnect()

	ev := receive(t, s)
	assert.Equal(t, int64(9), ev.TokenID.Int64())
	assert.Equal(t, 2, node.connections())

	select {
	case err := <-s.Errors():
		assert.Contains(t, err.Error(), "read error")
	case <-time.After(time.Second):
		t.Fatal("expected the dropped connection to be reported")
	}
}

func TestLogStreamDisconnectClosesChannels(t *testing.T) {
	srv := httptest.NewServer(&nodeStub{})
	defer srv.Close()

	s := NewLogStream(LogStreamConfig{Endpoint: wsURL(srv), Market: testMarket})
	require.NoError(t, s.Connect(context.Background()))
	require.Eventually(t, s.IsConnected, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, s.Disconnect())
	_, ok := <-s.Events()
	assert.False(t, ok)
	assert.False(t, s.IsConnected())

	assert.Error(t, s.Connect(context.Background()))
}

func TestLogStreamConnectFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	s := NewLogStream(LogStreamConfig{Endpoint: wsURL(srv), Market: testMarket})
	assert.Error(t, s.Connect(context.Background()))

	_, ok := <-s.Events()
	assert.False(t, ok)
	assert.NoError(t, s.Disconnect())
}
