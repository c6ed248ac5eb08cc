// Package ledger is the authoritative registry of open positions, cooldowns
// and close-attempt counters. Every mutation of one instrument is serialized
// by that instrument's lock; admission checks that span instruments (heat,
// concurrency, daily loss) run under the book lock so they are atomic with
// the insert.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/spotguard/internal/domain"
	"github.com/alanyoungcy/spotguard/internal/metrics"
	"github.com/alanyoungcy/spotguard/internal/risk"
)

// Config holds the ledger's limits.
type Config struct {
	InitialBalance   float64
	HeatCeiling      float64
	CooldownDuration time.Duration
	MaxCloseAttempts int
	MaxPositions     int     // 0 disables the limit
	DailyLossLimit   float64 // fraction of balance, 0 disables the limit
	FeeRate          float64
	Trail            risk.TrailParams
}

// OpenRequest describes a sized, filled entry.
type OpenRequest struct {
	Instrument string
	Side       domain.Side
	EntryPrice float64
	Quantity   float64
	StopLoss   float64
	TakeProfit float64
	Volatility float64
}

// CloseResult reports the outcome of a close attempt. Attempts is the
// consecutive failure count after this attempt; Forced is set when the
// position was removed without its trade being persisted.
type CloseResult struct {
	Trade    *domain.TradeRecord
	Attempts int
	Forced   bool
}

// Ledger owns all open-position state.
type Ledger struct {
	cfg    Config
	trail  risk.Trailing
	store  domain.Persistence
	sink   domain.EventSink
	logger *slog.Logger
	now    func() time.Time

	locks *keyedMutex

	mu        sync.RWMutex
	positions map[string]*domain.Position
	cooldowns map[string]time.Time
	attempts  map[string]int
	flags     map[string]string
	balance   float64
	today     domain.DailyAggregate
	snapSeq   uint64

	snapMu   sync.Mutex
	savedSeq uint64
}

// New creates an empty Ledger. Call Restore before use to load persisted state.
func New(cfg Config, store domain.Persistence, sink domain.EventSink, logger *slog.Logger) *Ledger {
	if cfg.MaxCloseAttempts <= 0 {
		cfg.MaxCloseAttempts = 3
	}
	return &Ledger{
		cfg:       cfg,
		trail:     risk.NewTrailing(cfg.Trail),
		store:     store,
		sink:      sink,
		logger:    logger.With(slog.String("component", "ledger")),
		now:       time.Now,
		locks:     newKeyedMutex(),
		positions: make(map[string]*domain.Position),
		cooldowns: make(map[string]time.Time),
		attempts:  make(map[string]int),
		flags:     make(map[string]string),
		balance:   cfg.InitialBalance,
	}
}

// Restore loads the persisted snapshot and today's aggregate. It returns the
// number of open positions restored.
func (l *Ledger) Restore(ctx context.Context) (int, error) {
	snap, err := l.store.LoadSnapshot(ctx)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return 0, fmt.Errorf("ledger: restore snapshot: %w", err)
	}
	today := domain.DayOf(l.now())
	agg, aggErr := l.store.DailyAggregate(ctx, today)
	if aggErr != nil && !errors.Is(aggErr, domain.ErrNotFound) {
		return 0, fmt.Errorf("ledger: restore daily aggregate: %w", aggErr)
	}
	agg.Date = today

	l.mu.Lock()
	defer l.mu.Unlock()

	l.today = agg
	if err == nil {
		if snap.Balance > 0 {
			l.balance = snap.Balance
		}
		for i := range snap.Positions {
			p := snap.Positions[i]
			// An exit fill cannot survive a restart.
			p.Closing = false
			l.positions[p.Instrument] = &p
		}
		for k, v := range snap.Cooldowns {
			l.cooldowns[k] = v
		}
		for k, v := range snap.Flags {
			l.flags[k] = v
		}
		for k, v := range snap.CloseAttempts {
			l.attempts[k] = v
		}
	}
	l.refreshGaugesLocked()

	l.logger.InfoContext(ctx, "ledger restored",
		slog.Int("positions", len(l.positions)),
		slog.Float64("balance", l.balance),
		slog.Float64("daily_pnl", l.today.RealizedPnL),
	)
	return len(l.positions), nil
}

// CheckEntry reports whether a new entry on instrument would be admitted
// before sizing. It does not mutate the ledger.
func (l *Ledger) CheckEntry(instrument string, now time.Time) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.admitLocked(instrument, now)
}

func (l *Ledger) admitLocked(instrument string, now time.Time) error {
	if _, ok := l.positions[instrument]; ok {
		return fmt.Errorf("ledger: %s: %w", instrument, domain.ErrPositionExists)
	}
	if reason, ok := l.flags[instrument]; ok {
		return fmt.Errorf("ledger: %s (%s): %w", instrument, reason, domain.ErrInstrumentFlagged)
	}
	if until, ok := l.cooldowns[instrument]; ok && now.Before(until) {
		return fmt.Errorf("ledger: %s cooling down for %s: %w",
			instrument, until.Sub(now).Round(time.Second), domain.ErrCooldownActive)
	}
	if l.cfg.MaxPositions > 0 && len(l.positions) >= l.cfg.MaxPositions {
		return fmt.Errorf("ledger: %d/%d open: %w", len(l.positions), l.cfg.MaxPositions, domain.ErrMaxPositions)
	}
	if l.cfg.DailyLossLimit > 0 && l.today.Date == domain.DayOf(now) {
		limit := l.balance * l.cfg.DailyLossLimit
		if l.today.RealizedPnL <= -limit {
			return fmt.Errorf("ledger: daily pnl %.2f at limit -%.2f: %w", l.today.RealizedPnL, limit, domain.ErrDailyLossLimit)
		}
	}
	return nil
}

// Open admits a new position. A second open for an instrument that already
// holds a position is an invariant violation: the existing position is
// force-closed and the instrument is flagged.
func (l *Ledger) Open(ctx context.Context, req OpenRequest) (domain.Position, error) {
	if req.Quantity < 0 || math.IsNaN(req.Quantity) {
		l.Flag(ctx, req.Instrument, "negative quantity")
		l.emit(ctx, domain.EventInvariantViolation, req.Instrument, "open with negative quantity",
			map[string]any{"quantity": req.Quantity})
		return domain.Position{}, fmt.Errorf("ledger: open %s: quantity %.8f: %w",
			req.Instrument, req.Quantity, domain.ErrInvariantViolation)
	}
	if req.Quantity == 0 {
		return domain.Position{}, fmt.Errorf("ledger: open %s: %w", req.Instrument, domain.ErrSizeTooSmall)
	}
	if req.EntryPrice <= 0 || !req.Side.Valid() {
		return domain.Position{}, fmt.Errorf("ledger: open %s: entry %.8f side %q: %w",
			req.Instrument, req.EntryPrice, req.Side, domain.ErrInvalidPrice)
	}

	unlock := l.locks.Lock(req.Instrument)
	defer unlock()

	now := l.now()

	l.mu.Lock()
	if existing, ok := l.positions[req.Instrument]; ok {
		price, closing := existing.CurrentPrice, existing.Closing
		l.mu.Unlock()
		return domain.Position{}, l.duplicateOpen(ctx, req.Instrument, price, closing)
	}
	if err := l.admitLocked(req.Instrument, now); err != nil {
		l.mu.Unlock()
		return domain.Position{}, err
	}

	candidateRisk := req.Quantity * math.Abs(req.EntryPrice-req.StopLoss)
	heat, err := risk.CheckHeat(l.positionsLocked(), candidateRisk, l.balance, l.cfg.HeatCeiling)
	if err != nil {
		l.mu.Unlock()
		return domain.Position{}, fmt.Errorf("ledger: open %s: %w", req.Instrument, err)
	}

	pos := &domain.Position{
		ID:               uuid.NewString(),
		Instrument:       req.Instrument,
		Side:             req.Side,
		EntryPrice:       req.EntryPrice,
		Quantity:         req.Quantity,
		StopLoss:         req.StopLoss,
		TakeProfit:       req.TakeProfit,
		FavorableExtreme: req.EntryPrice,
		CurrentPrice:     req.EntryPrice,
		Volatility:       req.Volatility,
		TrailState:       domain.TrailPreTrail,
		OpenedAt:         now,
		UpdatedAt:        now,
	}
	l.positions[req.Instrument] = pos
	delete(l.attempts, req.Instrument)
	opened := *pos
	snap := l.snapshotLocked()
	l.refreshGaugesLocked()
	l.mu.Unlock()

	l.saveSnapshot(ctx, snap)
	l.logger.InfoContext(ctx, "position opened",
		slog.String("instrument", opened.Instrument),
		slog.String("side", string(opened.Side)),
		slog.Float64("entry", opened.EntryPrice),
		slog.Float64("quantity", opened.Quantity),
		slog.Float64("stop", opened.StopLoss),
		slog.Float64("target", opened.TakeProfit),
		slog.Float64("heat", heat),
	)
	l.emit(ctx, domain.EventPositionOpened, opened.Instrument, "position opened", map[string]any{
		"id":       opened.ID,
		"side":     string(opened.Side),
		"entry":    opened.EntryPrice,
		"quantity": opened.Quantity,
		"stop":     opened.StopLoss,
		"target":   opened.TakeProfit,
		"heat":     heat,
	})
	return opened, nil
}

// duplicateOpen handles an open for an instrument that already has a
// position. A closing position is left to its exit fill. The caller holds the
// instrument lock.
func (l *Ledger) duplicateOpen(ctx context.Context, instrument string, price float64, closing bool) error {
	l.logger.ErrorContext(ctx, "second open for open instrument",
		slog.String("instrument", instrument))
	l.emit(ctx, domain.EventInvariantViolation, instrument, "second open for an already-open instrument", nil)

	if closing {
		l.logger.WarnContext(ctx, "position already closing, not force closed", slog.String("instrument", instrument))
	} else if _, err := l.closeLocked(ctx, instrument, price, domain.ExitForced, 1); err != nil {
		l.logger.ErrorContext(ctx, "force close after duplicate open failed",
			slog.String("instrument", instrument),
			slog.String("error", err.Error()),
		)
	}
	l.Flag(ctx, instrument, "duplicate open")
	return fmt.Errorf("ledger: open %s: %w: %w", instrument, domain.ErrInvariantViolation, domain.ErrPositionExists)
}

// UpdateFavorableExtreme applies a price tick to the instrument's position
// and returns the updated copy.
func (l *Ledger) UpdateFavorableExtreme(ctx context.Context, instrument string, price float64) (domain.Position, error) {
	if price <= 0 || math.IsNaN(price) || math.IsInf(price, 0) {
		return domain.Position{}, fmt.Errorf("ledger: update %s: price %v: %w", instrument, price, domain.ErrInvalidPrice)
	}

	unlock := l.locks.Lock(instrument)
	defer unlock()

	l.mu.Lock()
	pos, ok := l.positions[instrument]
	if !ok {
		l.mu.Unlock()
		return domain.Position{}, fmt.Errorf("ledger: update %s: %w", instrument, domain.ErrNotFound)
	}
	changed, activated := l.trail.Observe(pos, price, l.now())
	updated := *pos
	var snap snapshot
	if changed {
		snap = l.snapshotLocked()
	}
	l.mu.Unlock()

	if changed {
		l.saveSnapshot(ctx, snap)
	}
	if activated {
		l.logger.InfoContext(ctx, "trailing stop activated",
			slog.String("instrument", instrument),
			slog.Float64("extreme", updated.FavorableExtreme),
			slog.Float64("level", l.trail.Level(updated)),
		)
		l.emit(ctx, domain.EventTrailingActivated, instrument, "trailing stop activated", map[string]any{
			"extreme": updated.FavorableExtreme,
			"level":   l.trail.Level(updated),
		})
	}
	return updated, nil
}

// Evaluate runs the exit state machine against pos.
func (l *Ledger) Evaluate(pos domain.Position) risk.ExitDecision {
	return l.trail.Evaluate(pos)
}

// TrailLevel returns the current trailing exit level for pos.
func (l *Ledger) TrailLevel(pos domain.Position) float64 {
	return l.trail.Level(pos)
}

// Flag blocks new entries on instrument until Unflag is called.
func (l *Ledger) Flag(ctx context.Context, instrument, reason string) {
	l.mu.Lock()
	l.flags[instrument] = reason
	snap := l.snapshotLocked()
	l.mu.Unlock()

	l.saveSnapshot(ctx, snap)
	l.logger.WarnContext(ctx, "instrument flagged",
		slog.String("instrument", instrument),
		slog.String("reason", reason),
	)
}

// Unflag clears a flag. It returns ErrNotFound when instrument is not flagged.
func (l *Ledger) Unflag(ctx context.Context, instrument string) error {
	l.mu.Lock()
	if _, ok := l.flags[instrument]; !ok {
		l.mu.Unlock()
		return fmt.Errorf("ledger: unflag %s: %w", instrument, domain.ErrNotFound)
	}
	delete(l.flags, instrument)
	snap := l.snapshotLocked()
	l.mu.Unlock()

	l.saveSnapshot(ctx, snap)
	return nil
}

// Flags returns a copy of the flagged instruments and their reasons.
func (l *Ledger) Flags() map[string]string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[string]string, len(l.flags))
	for k, v := range l.flags {
		out[k] = v
	}
	return out
}

// Positions returns copies of all open positions ordered by instrument.
func (l *Ledger) Positions() []domain.Position {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.positionsLocked()
}

func (l *Ledger) positionsLocked() []domain.Position {
	out := make([]domain.Position, 0, len(l.positions))
	for _, p := range l.positions {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Instrument < out[j].Instrument })
	return out
}

// Position returns a copy of the open position for instrument.
func (l *Ledger) Position(instrument string) (domain.Position, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	p, ok := l.positions[instrument]
	if !ok {
		return domain.Position{}, false
	}
	return *p, true
}

// Heat returns the current portfolio heat.
func (l *Ledger) Heat() float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return risk.Heat(l.positionsLocked(), l.balance)
}

// CheckHeat reports the heat an entry risking candidateRisk would produce
// and whether it stays within the ceiling. Open repeats the check under the
// instrument lock.
func (l *Ledger) CheckHeat(candidateRisk float64) (float64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return risk.CheckHeat(l.positionsLocked(), candidateRisk, l.balance, l.cfg.HeatCeiling)
}

// Balance returns the tracked account balance.
func (l *Ledger) Balance() float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.balance
}

// SetBalance replaces the tracked balance, e.g. after an exchange sync.
func (l *Ledger) SetBalance(ctx context.Context, balance float64) {
	l.mu.Lock()
	l.balance = balance
	snap := l.snapshotLocked()
	l.refreshGaugesLocked()
	l.mu.Unlock()
	l.saveSnapshot(ctx, snap)
}

// Cooldowns returns the active cooldowns at now.
func (l *Ledger) Cooldowns(now time.Time) map[string]time.Time {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[string]time.Time)
	for k, until := range l.cooldowns {
		if now.Before(until) {
			out[k] = until
		}
	}
	return out
}

// CloseAttempts returns the consecutive close failures for instrument.
func (l *Ledger) CloseAttempts(instrument string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.attempts[instrument]
}

// DailyAggregate returns the aggregate for date (YYYY-MM-DD). Today's value
// comes from memory; earlier days are read from persistence.
func (l *Ledger) DailyAggregate(ctx context.Context, date string) (domain.DailyAggregate, error) {
	if _, err := time.Parse(domain.DateLayout, date); err != nil {
		return domain.DailyAggregate{}, fmt.Errorf("ledger: daily aggregate: date %q: %w", date, domain.ErrInvalidDate)
	}
	l.mu.RLock()
	today := l.today
	l.mu.RUnlock()
	if today.Date == date {
		return today, nil
	}
	if date == domain.DayOf(l.now()) {
		return domain.DailyAggregate{Date: date}, nil
	}
	agg, err := l.store.DailyAggregate(ctx, date)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.DailyAggregate{Date: date}, nil
	}
	if err != nil {
		return domain.DailyAggregate{}, fmt.Errorf("ledger: daily aggregate %s: %w", date, err)
	}
	return agg, nil
}

func (l *Ledger) emit(ctx context.Context, typ domain.EventType, instrument, msg string, fields map[string]any) {
	if l.sink == nil {
		return
	}
	l.sink.Emit(ctx, domain.Event{
		Type:       typ,
		Instrument: instrument,
		Message:    msg,
		Fields:     fields,
		At:         l.now(),
	})
}

func (l *Ledger) refreshGaugesLocked() {
	metrics.OpenPositions.Set(float64(len(l.positions)))
	metrics.Balance.Set(l.balance)
	metrics.PortfolioHeat.Set(risk.Heat(l.positionsLocked(), l.balance))
}
