package airdropmarket

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kaifufi/airdrop-market-sdk-go/chain"
)

var eventNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("airdrop-market/events"))

// EventSink stores event text blobs.
type EventSink interface {
	SaveEventText(ctx context.Context, req SaveEventRequest, idempotencyKey string) (interface{}, error)
}

// DecimalsReader reads the decimals of an ERC20 token. Client implements it.
type DecimalsReader interface {
	GetTokenDecimals(ctx context.Context, token common.Address) (uint8, error)
}

// EventID derives a stable id for an event from its transaction and log
// position, so a log seen twice maps to the same id.
func EventID(ev MarketEvent) uuid.UUID {
	name := fmt.Sprintf("%s:%d", ev.TxHash.Hex(), ev.LogIndex)
	return uuid.NewSHA1(eventNamespace, []byte(name))
}

// EventText renders ev as the text blob stored by the backend, along with
// the address it is filed under. Prices are shown in units of decimals.
func EventText(ev MarketEvent, decimals int) (SaveEventRequest, error) {
	switch ev.Kind {
	case chain.EventListed:
		return SaveEventRequest{
			Address: ev.Seller.Hex(),
			Text: fmt.Sprintf("%s listed token %s of %s for %s (payment token %s)",
				ev.Seller.Hex(), ev.TokenID, ev.NFTContract.Hex(), FormatAmount(ev.Price, decimals), ev.PaymentToken.Hex()),
		}, nil
	case chain.EventPurchased:
		return SaveEventRequest{
			Address: ev.Buyer.Hex(),
			Text: fmt.Sprintf("%s bought token %s of %s from %s for %s (payment token %s)",
				ev.Buyer.Hex(), ev.TokenID, ev.NFTContract.Hex(), ev.Seller.Hex(), FormatAmount(ev.Price, decimals), ev.PaymentToken.Hex()),
		}, nil
	case chain.EventUnlisted:
		return SaveEventRequest{
			Address: ev.Seller.Hex(),
			Text:    fmt.Sprintf("%s unlisted token %s of %s", ev.Seller.Hex(), ev.TokenID, ev.NFTContract.Hex()),
		}, nil
	default:
		return SaveEventRequest{}, fmt.Errorf("%w: %q", chain.ErrUnknownEvent, ev.Kind)
	}
}

// RenderEvent is EventText with the decimals of the event's payment token
// read through decimals. A nil reader assumes MaxDecimals.
func RenderEvent(ctx context.Context, decimals DecimalsReader, ev MarketEvent) (SaveEventRequest, error) {
	places := MaxDecimals
	if decimals != nil && ev.Kind != chain.EventUnlisted && ev.PaymentToken != common.HexToAddress(ZeroAddress) {
		d, err := decimals.GetTokenDecimals(ctx, ev.PaymentToken)
		if err != nil {
			return SaveEventRequest{}, fmt.Errorf("failed to read decimals of %s: %w", ev.PaymentToken.Hex(), err)
		}
		places = int(d)
	}
	return EventText(ev, places)
}

// RelayConfig tunes delivery retries.
type RelayConfig struct {
	MaxRetries      uint64
	InitialInterval time.Duration
	Logger          *zap.Logger

	// Decimals resolves payment token decimals for prices; nil means 18.
	Decimals DecimalsReader
}

// Relay forwards marketplace events to an EventSink.
type Relay struct {
	sink            EventSink
	decimals        DecimalsReader
	maxRetries      uint64
	initialInterval time.Duration
	logger          *zap.Logger
}

// NewRelay creates a Relay.
func NewRelay(sink EventSink, cfg RelayConfig) *Relay {
	if cfg.InitialInterval == 0 {
		cfg.InitialInterval = 500 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Relay{
		sink:            sink,
		decimals:        cfg.Decimals,
		maxRetries:      cfg.MaxRetries,
		initialInterval: cfg.InitialInterval,
		logger:          cfg.Logger.Named("relay"),
	}
}

// Forward delivers one event. Removed (reorged) logs are skipped. Temporary
// backend and transport failures are retried; other failures are returned.
func (r *Relay) Forward(ctx context.Context, ev MarketEvent) error {
	if ev.Removed {
		r.logger.Debug("skipping removed log", zap.String("tx_hash", ev.TxHash.Hex()))
		return nil
	}

	req, err := RenderEvent(ctx, r.decimals, ev)
	if err != nil {
		return err
	}
	id := EventID(ev).String()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.initialInterval
	policy := backoff.WithContext(backoff.WithMaxRetries(b, r.maxRetries), ctx)

	attempt := 0
	err = backoff.Retry(func() error {
		attempt++
		_, err := r.sink.SaveEventText(ctx, req, id)
		if err == nil {
			return nil
		}
		var backendErr *BackendError
		var invalid *InvalidParamError
		if (errors.As(err, &backendErr) && !backendErr.Temporary()) || errors.As(err, &invalid) {
			return backoff.Permanent(err)
		}
		r.logger.Debug("event delivery failed", zap.Int("attempt", attempt), zap.Error(err))
		return err
	}, policy)
	if err != nil {
		return fmt.Errorf("failed to relay %s event %s: %w", ev.Kind, id, err)
	}

	r.logger.Info("event relayed",
		zap.String("event", string(ev.Kind)),
		zap.String("id", id),
		zap.String("tx_hash", ev.TxHash.Hex()),
	)
	return nil
}

// Run forwards events until the channel closes or ctx is done. Delivery
// failures are logged and do not stop the relay.
func (r *Relay) Run(ctx context.Context, events <-chan MarketEvent) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := r.Forward(ctx, ev); err != nil {
				r.logger.Warn("dropping event", zap.Error(err))
			}
		}
	}
}
