package feed

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/spotguard/internal/domain"
)

// InstrumentSource lists the instruments to poll, e.g. the monitor
// supervisor.
type InstrumentSource interface {
	Instruments() []string
}

// Poller reads prices from an upstream feed on an interval and stores them in
// the cache. When a bus is set each tick is also published for other
// processes.
type Poller struct {
	upstream    domain.PriceFeed
	cache       domain.PriceCache
	instruments InstrumentSource
	interval    time.Duration
	logger      *slog.Logger

	bus     domain.SignalBus
	channel string
}

// NewPoller creates a Poller. interval defaults to 5s.
func NewPoller(upstream domain.PriceFeed, cache domain.PriceCache, instruments InstrumentSource, interval time.Duration, logger *slog.Logger) *Poller {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Poller{
		upstream:    upstream,
		cache:       cache,
		instruments: instruments,
		interval:    interval,
		logger:      logger.With(slog.String("component", "price_poller")),
	}
}

// SetPublisher publishes every polled tick on channel.
func (p *Poller) SetPublisher(bus domain.SignalBus, channel string) {
	p.bus = bus
	p.channel = channel
}

// Run polls until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		p.PollOnce(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// PollOnce fetches every instrument concurrently and returns how many were
// stored.
func (p *Poller) PollOnce(ctx context.Context) int {
	instruments := p.instruments.Instruments()
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		stored int
	)
	for _, inst := range instruments {
		wg.Add(1)
		go func(inst string) {
			defer wg.Done()
			if p.pollInstrument(ctx, inst) {
				mu.Lock()
				stored++
				mu.Unlock()
			}
		}(inst)
	}
	wg.Wait()
	return stored
}

func (p *Poller) pollInstrument(ctx context.Context, inst string) bool {
	pctx, cancel := context.WithTimeout(ctx, p.interval)
	defer cancel()

	tick, err := p.upstream.LatestPrice(pctx, inst)
	if err != nil {
		p.logger.WarnContext(ctx, "poll price failed",
			slog.String("instrument", inst),
			slog.String("error", err.Error()),
		)
		return false
	}
	ts := tick.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	if err := p.cache.SetPrice(ctx, inst, tick.Price, ts); err != nil {
		p.logger.WarnContext(ctx, "cache price failed",
			slog.String("instrument", inst),
			slog.String("error", err.Error()),
		)
		return false
	}
	if p.bus != nil && p.channel != "" {
		payload, _ := json.Marshal(priceEvent{
			Instrument: inst,
			Price:      tick.Price,
			Timestamp:  ts.UTC().Format(time.RFC3339Nano),
		})
		if err := p.bus.Publish(ctx, p.channel, payload); err != nil {
			p.logger.DebugContext(ctx, "publish price failed", slog.String("error", err.Error()))
		}
	}
	return true
}
