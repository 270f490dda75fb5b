package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"
)

// MarketEventKind names a marketplace event.
type MarketEventKind string

const (
	EventListed    MarketEventKind = "NFTListed"
	EventPurchased MarketEventKind = "NFTPurchased"
	EventUnlisted  MarketEventKind = "NFTUnlisted"
)

// ErrUnknownEvent is returned for logs that are not marketplace events.
var ErrUnknownEvent = errors.New("unknown marketplace event")

// MarketEvent is a decoded marketplace log.
type MarketEvent struct {
	Kind         MarketEventKind
	NFTContract  common.Address
	TokenID      *big.Int
	Seller       common.Address
	Buyer        common.Address
	PaymentToken common.Address
	Price        *big.Int
	BlockNumber  uint64
	TxHash       common.Hash
	LogIndex     uint
	Removed      bool
}

// MarketEventTopics returns the topic0 values of the marketplace events.
func MarketEventTopics() []common.Hash {
	events := GetMarketplaceABI().Events
	return []common.Hash{
		events[string(EventListed)].ID,
		events[string(EventPurchased)].ID,
		events[string(EventUnlisted)].ID,
	}
}

// MarketEventQuery builds a log filter for marketplace events in [from, to].
// A nil bound is open.
func MarketEventQuery(market common.Address, from, to *big.Int) ethereum.FilterQuery {
	return ethereum.FilterQuery{
		FromBlock: from,
		ToBlock:   to,
		Addresses: []common.Address{market},
		Topics:    [][]common.Hash{MarketEventTopics()},
	}
}

// DecodeMarketEvent decodes a marketplace log.
func DecodeMarketEvent(log types.Log) (*MarketEvent, error) {
	if len(log.Topics) == 0 {
		return nil, ErrUnknownEvent
	}

	marketABI := GetMarketplaceABI()
	event, err := marketABI.EventByID(log.Topics[0])
	if err != nil {
		return nil, ErrUnknownEvent
	}
	if len(log.Topics) != 4 {
		return nil, fmt.Errorf("%s: want 4 topics, got %d", event.Name, len(log.Topics))
	}

	out := &MarketEvent{
		Kind:        MarketEventKind(event.Name),
		NFTContract: common.BytesToAddress(log.Topics[1].Bytes()),
		TokenID:     new(big.Int).SetBytes(log.Topics[2].Bytes()),
		BlockNumber: log.BlockNumber,
		TxHash:      log.TxHash,
		LogIndex:    log.Index,
		Removed:     log.Removed,
	}

	values, err := event.Inputs.NonIndexed().Unpack(log.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack %s: %w", event.Name, err)
	}

	switch out.Kind {
	case EventListed:
		out.Seller = common.BytesToAddress(log.Topics[3].Bytes())
		if len(values) != 2 {
			return nil, fmt.Errorf("%s: unexpected data length %d", event.Name, len(values))
		}
		out.PaymentToken, _ = values[0].(common.Address)
		out.Price, _ = values[1].(*big.Int)
	case EventPurchased:
		out.Buyer = common.BytesToAddress(log.Topics[3].Bytes())
		if len(values) != 3 {
			return nil, fmt.Errorf("%s: unexpected data length %d", event.Name, len(values))
		}
		out.Seller, _ = values[0].(common.Address)
		out.PaymentToken, _ = values[1].(common.Address)
		out.Price, _ = values[2].(*big.Int)
	case EventUnlisted:
		out.Seller = common.BytesToAddress(log.Topics[3].Bytes())
	}

	return out, nil
}

// LogSource is the log access EventPoller needs.
type LogSource interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

// EventPoller reads marketplace events in block ranges with eth_getLogs.
type EventPoller struct {
	source   LogSource
	market   common.Address
	maxRange uint64
	logger   *zap.Logger
}

// NewEventPoller creates a poller over source. maxRange caps the number of
// blocks per eth_getLogs request; zero means 2000.
func NewEventPoller(source LogSource, market common.Address, maxRange uint64, logger *zap.Logger) *EventPoller {
	if maxRange == 0 {
		maxRange = 2000
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventPoller{
		source:   source,
		market:   market,
		maxRange: maxRange,
		logger:   logger.Named("poller"),
	}
}

// Poll returns the events from block `from` up to the current head (capped
// by maxRange) and the next block to poll from.
func (p *EventPoller) Poll(ctx context.Context, from uint64) ([]MarketEvent, uint64, error) {
	head, err := p.source.BlockNumber(ctx)
	if err != nil {
		return nil, from, wrapRPCError("block number", err)
	}
	if from > head {
		return nil, from, nil
	}

	to := head
	if to-from+1 > p.maxRange {
		to = from + p.maxRange - 1
	}

	logs, err := p.source.FilterLogs(ctx, MarketEventQuery(p.market, new(big.Int).SetUint64(from), new(big.Int).SetUint64(to)))
	if err != nil {
		return nil, from, wrapRPCError("get logs", err)
	}

	events := make([]MarketEvent, 0, len(logs))
	for _, l := range logs {
		ev, err := DecodeMarketEvent(l)
		if err != nil {
			p.logger.Warn("skipping undecodable log",
				zap.String("txHash", l.TxHash.Hex()),
				zap.Uint("logIndex", l.Index),
				zap.Error(err),
			)
			continue
		}
		events = append(events, *ev)
	}

	p.logger.Debug("polled marketplace events",
		zap.Uint64("from", from),
		zap.Uint64("to", to),
		zap.Int("events", len(events)),
	)
	return events, to + 1, nil
}
