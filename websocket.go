package airdropmarket

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kaifufi/airdrop-market-sdk-go/chain"
)

const (
	// Heartbeat interval
	HeartbeatInterval = 30 * time.Second

	// Reconnect settings
	DefaultReconnectInterval    = 5 * time.Second
	DefaultMaxReconnectAttempts = 10

	defaultEventBuffer = 64
)

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcMessage struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

type subscriptionParams struct {
	Subscription string    `json:"subscription"`
	Result       types.Log `json:"result"`
}

type logFilter struct {
	Address common.Address  `json:"address"`
	Topics  [][]common.Hash `json:"topics"`
}

// LogStreamConfig holds configuration for the log stream
type LogStreamConfig struct {
	Endpoint             string
	Market               common.Address
	ReconnectInterval    time.Duration
	MaxReconnectAttempts int
	HeartbeatInterval    time.Duration
	BufferSize           int
	Logger               *zap.Logger
}

// LogStream follows marketplace events over a websocket eth_subscribe
// feed, reconnecting and resubscribing when the connection drops. Decoded
// events arrive on Events; both channels close when the stream stops.
type LogStream struct {
	config LogStreamConfig
	logger *zap.Logger

	mu          sync.RWMutex
	isConnected bool
	subID       string
	conn        *websocket.Conn

	reqID  atomic.Uint64
	ctx    context.Context
	cancel context.CancelFunc
	events chan MarketEvent
	errs   chan error
	done   chan struct{}
}

// NewLogStream creates a new log stream
func NewLogStream(config LogStreamConfig) *LogStream {
	if config.ReconnectInterval == 0 {
		config.ReconnectInterval = DefaultReconnectInterval
	}
	if config.MaxReconnectAttempts == 0 {
		config.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if config.HeartbeatInterval == 0 {
		config.HeartbeatInterval = HeartbeatInterval
	}
	if config.BufferSize == 0 {
		config.BufferSize = defaultEventBuffer
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}

	return &LogStream{
		config: config,
		logger: config.Logger.Named("logstream"),
		events: make(chan MarketEvent, config.BufferSize),
		errs:   make(chan error, config.BufferSize),
		done:   make(chan struct{}),
	}
}

// Events returns the decoded marketplace events.
func (s *LogStream) Events() <-chan MarketEvent {
	return s.events
}

// Errors returns connection and subscription errors. Errors are dropped
// when nobody reads them.
func (s *LogStream) Errors() <-chan error {
	return s.errs
}

// Connect dials the endpoint, subscribes and starts streaming. It returns
// once the first subscription request is sent.
func (s *LogStream) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.ctx != nil {
		s.mu.Unlock()
		return fmt.Errorf("log stream already started")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	conn, err := s.dial(s.ctx)
	if err != nil {
		s.cancel()
		close(s.events)
		close(s.errs)
		close(s.done)
		return err
	}

	go s.run(conn)
	return nil
}

// Disconnect stops the stream and waits for it to finish.
func (s *LogStream) Disconnect() error {
	s.mu.RLock()
	cancel := s.cancel
	s.mu.RUnlock()
	if cancel == nil {
		return nil
	}

	cancel()
	<-s.done
	return nil
}

// IsConnected returns the current connection status
func (s *LogStream) IsConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isConnected
}

// SubscriptionID returns the id the node assigned to the current subscription.
func (s *LogStream) SubscriptionID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.subID
}

// dial connects and sends the eth_subscribe request.
func (s *LogStream) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.config.Endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to WebSocket: %w", err)
	}

	req := rpcRequest{
		JSONRPC: "2.0",
		ID:      s.reqID.Add(1),
		Method:  "eth_subscribe",
		Params: []interface{}{"logs", logFilter{
			Address: s.config.Market,
			Topics:  [][]common.Hash{chain.MarketEventTopics()},
		}},
	}
	if err := conn.WriteJSON(req); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to send subscription: %w", err)
	}
	return conn, nil
}

// run owns the connection and is the only sender on the channels.
func (s *LogStream) run(conn *websocket.Conn) {
	defer close(s.done)
	defer close(s.errs)
	defer close(s.events)

	for conn != nil {
		err := s.serve(conn)
		s.setConnected(nil)
		if s.ctx.Err() != nil {
			return
		}
		s.logger.Warn("connection lost", zap.Error(err))
		s.report(fmt.Errorf("read error: %w", err))
		conn = s.reconnect()
	}
}

// serve reads from conn until it fails or the stream is stopped.
func (s *LogStream) serve(conn *websocket.Conn) error {
	connCtx, stop := context.WithCancel(s.ctx)
	defer stop()

	s.setConnected(conn)
	go func() {
		<-connCtx.Done()
		conn.Close()
	}()
	go s.heartbeat(connCtx, conn)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		s.handleMessage(data)
	}
}

func (s *LogStream) setConnected(conn *websocket.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn = conn
	s.isConnected = conn != nil
	if conn == nil {
		s.subID = ""
	}
}

// heartbeat pings the node; a failed ping closes the connection so that
// the read loop reconnects.
func (s *LogStream) heartbeat(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(s.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			deadline := time.Now().Add(s.config.HeartbeatInterval / 2)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				s.logger.Debug("heartbeat failed", zap.Error(err))
				conn.Close()
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// reconnect redials until it succeeds, the attempts run out or the stream
// is stopped.
func (s *LogStream) reconnect() *websocket.Conn {
	for attempt := 1; attempt <= s.config.MaxReconnectAttempts; attempt++ {
		select {
		case <-s.ctx.Done():
			return nil
		case <-time.After(s.config.ReconnectInterval):
		}

		conn, err := s.dial(s.ctx)
		if err != nil {
			s.report(fmt.Errorf("reconnect attempt %d failed: %w", attempt, err))
			continue
		}
		s.logger.Info("reconnected", zap.Int("attempt", attempt))
		return conn
	}

	s.report(fmt.Errorf("max reconnect attempts (%d) reached", s.config.MaxReconnectAttempts))
	return nil
}

func (s *LogStream) handleMessage(data []byte) {
	var msg rpcMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.report(fmt.Errorf("failed to decode message: %w", err))
		return
	}

	switch {
	case msg.Error != nil:
		s.report(fmt.Errorf("subscription error %d: %s", msg.Error.Code, msg.Error.Message))

	case msg.Method == "eth_subscription":
		var params subscriptionParams
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			s.report(fmt.Errorf("failed to decode log: %w", err))
			return
		}
		ev, err := chain.DecodeMarketEvent(params.Result)
		if err != nil {
			s.logger.Debug("skipping log", zap.String("tx_hash", params.Result.TxHash.Hex()), zap.Error(err))
			return
		}
		select {
		case s.events <- *ev:
		case <-s.ctx.Done():
		}

	case len(msg.Result) > 0:
		var id string
		if err := json.Unmarshal(msg.Result, &id); err != nil {
			s.report(fmt.Errorf("unexpected subscription result: %s", msg.Result))
			return
		}
		s.mu.Lock()
		s.subID = id
		s.mu.Unlock()
		s.logger.Info("subscribed", zap.String("subscription", id))
	}
}

func (s *LogStream) report(err error) {
	select {
	case s.errs <- err:
	default:
		s.logger.Warn("error dropped", zap.Error(err))
	}
}
