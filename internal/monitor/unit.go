// Package monitor runs one polling unit per instrument that drives open
// positions through the exit state machine, plus the stale-position sweep.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/alanyoungcy/spotguard/internal/domain"
	"github.com/alanyoungcy/spotguard/internal/ledger"
	"github.com/alanyoungcy/spotguard/internal/metrics"
)

// Config controls tick cadence and tick sanity checks.
type Config struct {
	PollInterval     time.Duration
	PriceTimeout     time.Duration
	MaxTickJumpPct   float64 // 0 disables the bad-tick filter
	StopConfirmTicks int
	SweepInterval    time.Duration
	MaxPositionAge   time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 30 * time.Second
	}
	if c.PriceTimeout <= 0 {
		c.PriceTimeout = 10 * time.Second
	}
	if c.StopConfirmTicks <= 0 {
		c.StopConfirmTicks = 1
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 5 * time.Minute
	}
	if c.MaxPositionAge <= 0 {
		c.MaxPositionAge = 24 * time.Hour
	}
	return c
}

// The badTickLimit-th consecutive out-of-range tick is accepted as the new
// reference price.
const badTickLimit = 3

// Unit monitors a single instrument. Ticks are processed strictly one at a
// time, so an exit decision is applied before the next price is read.
type Unit struct {
	instrument string
	ledger     *ledger.Ledger
	feed       domain.PriceFeed
	filler     domain.Filler
	cfg        Config
	logger     *slog.Logger

	lastPrice float64
	badTicks  int
	stopHits  int
}

// NewUnit creates a Unit for instrument.
func NewUnit(instrument string, l *ledger.Ledger, feed domain.PriceFeed, filler domain.Filler, cfg Config, logger *slog.Logger) *Unit {
	return &Unit{
		instrument: instrument,
		ledger:     l,
		feed:       feed,
		filler:     filler,
		cfg:        cfg.withDefaults(),
		logger:     logger.With(slog.String("component", "monitor"), slog.String("instrument", instrument)),
	}
}

// Instrument returns the monitored instrument.
func (u *Unit) Instrument() string { return u.instrument }

// Run ticks until ctx is cancelled. It never closes positions on shutdown.
func (u *Unit) Run(ctx context.Context) error {
	ticker := time.NewTicker(u.cfg.PollInterval)
	defer ticker.Stop()

	u.tickLogged(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			u.tickLogged(ctx)
		}
	}
}

func (u *Unit) tickLogged(ctx context.Context) {
	start := time.Now()
	err := u.Tick(ctx)
	metrics.TickLatency.WithLabelValues(u.instrument).Observe(time.Since(start).Seconds())
	if err == nil || ctx.Err() != nil {
		return
	}
	switch {
	case errors.Is(err, domain.ErrPriceUnavailable), errors.Is(err, domain.ErrBadTick):
		u.logger.WarnContext(ctx, "tick skipped", slog.String("error", err.Error()))
	default:
		u.logger.ErrorContext(ctx, "tick failed", slog.String("error", err.Error()))
	}
}

// Tick runs one monitoring step: read price, update the favorable extreme,
// evaluate exits and close if triggered.
func (u *Unit) Tick(ctx context.Context) error {
	if _, ok := u.ledger.Position(u.instrument); !ok {
		u.reset()
		return nil
	}

	pctx, cancel := context.WithTimeout(ctx, u.cfg.PriceTimeout)
	tick, err := u.feed.LatestPrice(pctx, u.instrument)
	cancel()
	if err != nil {
		if !errors.Is(err, domain.ErrPriceUnavailable) {
			err = fmt.Errorf("%w: %v", domain.ErrPriceUnavailable, err)
		}
		return fmt.Errorf("monitor: %s: %w", u.instrument, err)
	}
	if err := u.checkTick(tick.Price); err != nil {
		metrics.BadTicks.WithLabelValues(u.instrument).Inc()
		return fmt.Errorf("monitor: %s: %w", u.instrument, err)
	}

	pos, err := u.ledger.UpdateFavorableExtreme(ctx, u.instrument, tick.Price)
	if errors.Is(err, domain.ErrNotFound) {
		u.reset()
		return nil
	}
	if err != nil {
		return fmt.Errorf("monitor: %s: %w", u.instrument, err)
	}

	decision := u.ledger.Evaluate(pos)
	if !decision.Exit {
		u.stopHits = 0
		return nil
	}
	if decision.Reason == domain.ExitStopLoss {
		u.stopHits++
		if u.stopHits < u.cfg.StopConfirmTicks {
			u.logger.InfoContext(ctx, "stop breached, awaiting confirmation",
				slog.Float64("price", tick.Price),
				slog.Float64("stop", decision.Level),
				slog.Int("hits", u.stopHits),
				slog.Int("required", u.cfg.StopConfirmTicks),
			)
			return nil
		}
	}

	u.logger.InfoContext(ctx, "exit triggered",
		slog.String("reason", string(decision.Reason)),
		slog.Float64("price", tick.Price),
		slog.Float64("level", decision.Level),
		slog.Float64("extreme", pos.FavorableExtreme),
	)
	return u.close(ctx, pos, tick.Price, decision.Reason)
}

func (u *Unit) close(ctx context.Context, pos domain.Position, price float64, reason domain.ExitReason) error {
	pos, err := u.ledger.BeginClose(ctx, pos.Instrument)
	if errors.Is(err, domain.ErrNotFound) {
		u.reset()
		return nil
	}
	if err != nil {
		return fmt.Errorf("monitor: %s: %w", u.instrument, err)
	}

	fillPrice, err := u.filler.Fill(ctx, domain.FillRequest{
		Instrument: pos.Instrument,
		Side:       pos.Side,
		Quantity:   pos.Quantity,
		Price:      price,
		Closing:    true,
	})
	var res ledger.CloseResult
	if err != nil {
		res, err = u.ledger.CloseFailed(ctx, pos.Instrument, fmt.Errorf("exit fill: %w", err))
	} else {
		res, err = u.ledger.Close(ctx, pos.Instrument, fillPrice, reason)
		if errors.Is(err, domain.ErrNotFound) {
			u.logger.WarnContext(ctx, "position resolved during exit fill",
				slog.String("reason", string(reason)),
				slog.Float64("fill_price", fillPrice),
			)
			u.reset()
			return nil
		}
	}
	if err == nil || res.Forced {
		u.reset()
	}
	if err != nil {
		return fmt.Errorf("monitor: %s: %w", u.instrument, err)
	}
	return nil
}

// checkTick rejects non-finite prices and jumps larger than MaxTickJumpPct
// from the last accepted price.
func (u *Unit) checkTick(price float64) error {
	if price <= 0 || math.IsNaN(price) || math.IsInf(price, 0) {
		return fmt.Errorf("price %v: %w", price, domain.ErrBadTick)
	}
	if u.lastPrice > 0 && u.cfg.MaxTickJumpPct > 0 {
		jump := math.Abs(price-u.lastPrice) / u.lastPrice
		if jump > u.cfg.MaxTickJumpPct && u.badTicks+1 < badTickLimit {
			u.badTicks++
			return fmt.Errorf("price %.8f jumped %.2f%% from %.8f: %w",
				price, jump*100, u.lastPrice, domain.ErrBadTick)
		}
	}
	u.lastPrice = price
	u.badTicks = 0
	return nil
}

func (u *Unit) reset() {
	u.lastPrice = 0
	u.badTicks = 0
	u.stopHits = 0
}
