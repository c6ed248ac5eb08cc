// Package feed moves prices into the shared price cache: Relay copies
// published ticks from the bus, Poller polls an upstream feed directly.
package feed

import (
	"context"
	"log/slog"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/alanyoungcy/spotguard/internal/domain"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// priceEvent is the JSON shape an external feeder publishes.
type priceEvent struct {
	Instrument string  `json:"instrument"`
	Price      float64 `json:"price"`
	Timestamp  string  `json:"timestamp"`
}

// Relay subscribes to a price channel and writes every tick to the cache.
type Relay struct {
	bus     domain.SignalBus
	cache   domain.PriceCache
	channel string
	logger  *slog.Logger
}

// NewRelay creates a Relay. channel defaults to "prices".
func NewRelay(bus domain.SignalBus, cache domain.PriceCache, channel string, logger *slog.Logger) *Relay {
	if channel == "" {
		channel = "prices"
	}
	return &Relay{
		bus:     bus,
		cache:   cache,
		channel: channel,
		logger:  logger.With(slog.String("component", "price_relay")),
	}
}

// Run relays ticks until ctx is cancelled or the subscription closes.
func (r *Relay) Run(ctx context.Context) error {
	ch, err := r.bus.Subscribe(ctx, r.channel)
	if err != nil {
		return err
	}
	r.logger.Info("price relay started", slog.String("channel", r.channel))
	defer r.logger.Info("price relay stopped")

	for {
		select {
		case <-ctx.Done():
			return nil
		case data, ok := <-ch:
			if !ok {
				return nil
			}
			if err := r.handleMessage(ctx, data); err != nil {
				r.logger.Debug("price relay dropped message",
					slog.String("error", err.Error()),
					slog.Int("payload_len", len(data)),
				)
			}
		}
	}
}

func (r *Relay) handleMessage(ctx context.Context, data []byte) error {
	var ev priceEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return err
	}
	instrument := strings.TrimSpace(ev.Instrument)
	if instrument == "" || ev.Price <= 0 {
		return domain.ErrBadTick
	}
	ts := time.Now()
	if ev.Timestamp != "" {
		if t, err := time.Parse(time.RFC3339Nano, ev.Timestamp); err == nil {
			ts = t
		}
	}
	return r.cache.SetPrice(ctx, instrument, ev.Price, ts)
}
