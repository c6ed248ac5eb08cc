package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/spotguard/internal/domain"
	"github.com/alanyoungcy/spotguard/internal/metrics"
	"github.com/alanyoungcy/spotguard/internal/risk"
)

// Close resolves the instrument's position at exitPrice. A failed close keeps
// the position and increments its attempt counter; once the counter reaches
// MaxCloseAttempts the position is removed anyway and a forced_removal event
// is emitted.
func (l *Ledger) Close(ctx context.Context, instrument string, exitPrice float64, reason domain.ExitReason) (CloseResult, error) {
	unlock := l.locks.Lock(instrument)
	defer unlock()
	return l.closeLocked(ctx, instrument, exitPrice, reason, l.cfg.MaxCloseAttempts)
}

// BeginClose marks the instrument's position as closing and returns a copy.
// Call it before sending the exit fill; ForceClose leaves a closing position
// to its owner, which resolves it with Close or CloseFailed.
func (l *Ledger) BeginClose(ctx context.Context, instrument string) (domain.Position, error) {
	unlock := l.locks.Lock(instrument)
	defer unlock()

	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.positions[instrument]
	if !ok {
		return domain.Position{}, fmt.Errorf("ledger: begin close %s: %w", instrument, domain.ErrNotFound)
	}
	if p.Closing {
		return domain.Position{}, fmt.Errorf("ledger: begin close %s: %w", instrument, domain.ErrCloseInProgress)
	}
	p.Closing = true
	l.logger.DebugContext(ctx, "close started", slog.String("instrument", instrument))
	return *p, nil
}

// ForceClose makes a single close attempt and removes the position if it
// fails. A position with an exit fill in flight is not touched and
// domain.ErrCloseInProgress is returned.
func (l *Ledger) ForceClose(ctx context.Context, instrument string, exitPrice float64, reason domain.ExitReason) (CloseResult, error) {
	unlock := l.locks.Lock(instrument)
	defer unlock()

	l.mu.RLock()
	p, ok := l.positions[instrument]
	closing := ok && p.Closing
	l.mu.RUnlock()
	if closing {
		return CloseResult{}, fmt.Errorf("ledger: force close %s: %w", instrument, domain.ErrCloseInProgress)
	}
	return l.closeLocked(ctx, instrument, exitPrice, reason, 1)
}

// CloseFailed counts a close attempt that failed before it reached the
// ledger, such as a rejected exit fill. It follows the same bounded-retry
// rule as Close; a forced removal here books no trade.
func (l *Ledger) CloseFailed(ctx context.Context, instrument string, cause error) (CloseResult, error) {
	unlock := l.locks.Lock(instrument)
	defer unlock()

	l.mu.RLock()
	p, ok := l.positions[instrument]
	var pos domain.Position
	if ok {
		pos = *p
	}
	l.mu.RUnlock()
	if !ok {
		return CloseResult{}, fmt.Errorf("ledger: close %s: %w", instrument, domain.ErrNotFound)
	}
	return l.failClose(ctx, pos, nil, l.cfg.MaxCloseAttempts, cause)
}

// ForceCloseAll closes every open position, bypassing exit evaluation.
// prices overrides the last observed price per instrument. Positions that are
// already closing are skipped.
func (l *Ledger) ForceCloseAll(ctx context.Context, reason domain.ExitReason, prices map[string]float64) ([]domain.TradeRecord, error) {
	if !reason.Valid() {
		reason = domain.ExitManual
	}
	var (
		trades []domain.TradeRecord
		errs   []error
	)
	skipped := 0
	for _, pos := range l.Positions() {
		price := pos.CurrentPrice
		if p, ok := prices[pos.Instrument]; ok && p > 0 {
			price = p
		}
		res, err := l.ForceClose(ctx, pos.Instrument, price, reason)
		if errors.Is(err, domain.ErrNotFound) {
			continue
		}
		if errors.Is(err, domain.ErrCloseInProgress) {
			skipped++
			continue
		}
		if res.Trade != nil {
			trades = append(trades, *res.Trade)
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	l.logger.WarnContext(ctx, "force closed all positions",
		slog.String("reason", string(reason)),
		slog.Int("closed", len(trades)),
		slog.Int("closing", skipped),
		slog.Int("failed", len(errs)),
	)
	return trades, errors.Join(errs...)
}

// SweepStale force-closes positions older than maxAge. Positions that are
// already closing are left to their monitor.
func (l *Ledger) SweepStale(ctx context.Context, maxAge time.Duration, now time.Time) ([]domain.TradeRecord, error) {
	var (
		trades []domain.TradeRecord
		errs   []error
	)
	for _, pos := range l.Positions() {
		age := pos.Age(now)
		if age <= maxAge || pos.Closing {
			continue
		}
		l.logger.WarnContext(ctx, "stale position",
			slog.String("instrument", pos.Instrument),
			slog.Duration("age", age),
		)
		l.emit(ctx, domain.EventStaleSweep, pos.Instrument, "position exceeded max age", map[string]any{
			"age":     age.String(),
			"max_age": maxAge.String(),
		})
		res, err := l.ForceClose(ctx, pos.Instrument, pos.CurrentPrice, domain.ExitForced)
		if errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrCloseInProgress) {
			continue
		}
		if res.Trade != nil {
			trades = append(trades, *res.Trade)
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return trades, errors.Join(errs...)
}

// closeLocked runs one close attempt. The caller holds the instrument lock.
func (l *Ledger) closeLocked(ctx context.Context, instrument string, exitPrice float64, reason domain.ExitReason, ceiling int) (CloseResult, error) {
	l.mu.RLock()
	p, ok := l.positions[instrument]
	var pos domain.Position
	if ok {
		pos = *p
	}
	l.mu.RUnlock()
	if !ok {
		return CloseResult{}, fmt.Errorf("ledger: close %s: %w", instrument, domain.ErrNotFound)
	}

	now := l.now()
	if exitPrice <= 0 {
		return l.failClose(ctx, pos, nil, ceiling,
			fmt.Errorf("exit price %.8f: %w", exitPrice, domain.ErrInvalidPrice))
	}

	trade := l.buildTrade(pos, exitPrice, reason, now)
	if err := l.store.RecordTrade(ctx, trade); err != nil {
		return l.failClose(ctx, pos, &trade, ceiling, err)
	}

	l.mu.Lock()
	l.settleLocked(trade, now)
	snap := l.snapshotLocked()
	l.refreshGaugesLocked()
	l.mu.Unlock()

	l.saveSnapshot(ctx, snap)
	metrics.TradesClosed.WithLabelValues(string(reason)).Inc()
	l.logger.InfoContext(ctx, "position closed",
		slog.String("instrument", instrument),
		slog.String("reason", string(reason)),
		slog.Float64("entry", trade.EntryPrice),
		slog.Float64("exit", trade.ExitPrice),
		slog.Float64("net_pnl", trade.NetPnL),
	)
	l.emit(ctx, domain.EventPositionClosed, instrument, "position closed", tradeFields(trade))
	return CloseResult{Trade: &trade}, nil
}

// failClose records a failed attempt. trade is nil when no trade could be
// built.
func (l *Ledger) failClose(ctx context.Context, pos domain.Position, trade *domain.TradeRecord, ceiling int, cause error) (CloseResult, error) {
	instrument := pos.Instrument
	metrics.CloseFailures.WithLabelValues(instrument).Inc()

	l.mu.Lock()
	l.attempts[instrument]++
	n := l.attempts[instrument]
	if n < ceiling {
		if p, ok := l.positions[instrument]; ok {
			p.Closing = false
		}
		snap := l.snapshotLocked()
		l.mu.Unlock()

		l.saveSnapshot(ctx, snap)
		l.logger.WarnContext(ctx, "close failed, will retry",
			slog.String("instrument", instrument),
			slog.Int("attempt", n),
			slog.Int("max_attempts", ceiling),
			slog.String("error", cause.Error()),
		)
		l.emit(ctx, domain.EventCloseFailed, instrument, "close failed", map[string]any{
			"attempt":      n,
			"max_attempts": ceiling,
			"error":        cause.Error(),
		})
		return CloseResult{Attempts: n}, fmt.Errorf("ledger: close %s (attempt %d/%d): %w", instrument, n, ceiling, cause)
	}

	// Bookkeeping in memory cannot fail; only the durable trade is missing.
	now := l.now()
	if trade != nil {
		l.settleLocked(*trade, now)
	} else {
		delete(l.positions, instrument)
		delete(l.attempts, instrument)
	}
	snap := l.snapshotLocked()
	l.refreshGaugesLocked()
	l.mu.Unlock()

	l.saveSnapshot(ctx, snap)
	metrics.ForcedRemovals.WithLabelValues(instrument).Inc()
	l.logger.ErrorContext(ctx, "position force removed",
		slog.String("instrument", instrument),
		slog.Int("attempts", n),
		slog.String("error", cause.Error()),
	)
	fields := map[string]any{
		"position_id": pos.ID,
		"attempts":    n,
		"error":       cause.Error(),
	}
	if trade != nil {
		for k, v := range tradeFields(*trade) {
			fields[k] = v
		}
	}
	l.emit(ctx, domain.EventForcedRemoval, instrument, "position removed after failed closes", fields)
	return CloseResult{Trade: trade, Attempts: n, Forced: true},
		fmt.Errorf("ledger: close %s: forced removal after %d attempts: %w", instrument, n, cause)
}

// settleLocked applies a resolved trade to in-memory state and removes the
// position. The caller holds l.mu.
func (l *Ledger) settleLocked(trade domain.TradeRecord, now time.Time) {
	delete(l.positions, trade.Instrument)
	delete(l.attempts, trade.Instrument)
	l.balance += trade.NetPnL

	day := domain.DayOf(now)
	if l.today.Date != day {
		l.today = domain.DailyAggregate{Date: day}
	}
	l.today.Apply(trade)

	if trade.NetPnL < 0 && l.cfg.CooldownDuration > 0 {
		l.cooldowns[trade.Instrument] = now.Add(l.cfg.CooldownDuration)
	}
}

func (l *Ledger) buildTrade(pos domain.Position, exitPrice float64, reason domain.ExitReason, now time.Time) domain.TradeRecord {
	gross, fees, net := risk.ComputePnL(pos.Side, pos.EntryPrice, exitPrice, pos.Quantity, l.cfg.FeeRate)
	return domain.TradeRecord{
		ID:         pos.ID,
		PositionID: pos.ID,
		Instrument: pos.Instrument,
		Side:       pos.Side,
		EntryPrice: pos.EntryPrice,
		ExitPrice:  exitPrice,
		Quantity:   pos.Quantity,
		GrossPnL:   gross,
		Fees:       fees,
		NetPnL:     net,
		OpenedAt:   pos.OpenedAt,
		ClosedAt:   now,
		ExitReason: reason,
	}
}

func tradeFields(t domain.TradeRecord) map[string]any {
	return map[string]any{
		"trade_id":  t.ID,
		"side":      string(t.Side),
		"entry":     t.EntryPrice,
		"exit":      t.ExitPrice,
		"quantity":  t.Quantity,
		"gross_pnl": t.GrossPnL,
		"net_pnl":   t.NetPnL,
		"reason":    string(t.ExitReason),
	}
}

// snapshot is a ledger snapshot tagged with its creation order.
type snapshot struct {
	domain.LedgerSnapshot
	seq uint64
}

// snapshotLocked copies open state for persistence. The caller holds l.mu.
func (l *Ledger) snapshotLocked() snapshot {
	l.snapSeq++
	snap := domain.LedgerSnapshot{
		Balance:       l.balance,
		Positions:     l.positionsLocked(),
		Cooldowns:     make(map[string]time.Time, len(l.cooldowns)),
		Flags:         make(map[string]string, len(l.flags)),
		CloseAttempts: make(map[string]int, len(l.attempts)),
		SavedAt:       l.now(),
	}
	now := l.now()
	for k, v := range l.cooldowns {
		if now.Before(v) {
			snap.Cooldowns[k] = v
		}
	}
	for k, v := range l.flags {
		snap.Flags[k] = v
	}
	for k, v := range l.attempts {
		snap.CloseAttempts[k] = v
	}
	return snapshot{LedgerSnapshot: snap, seq: l.snapSeq}
}

// saveSnapshot writes snap unless a newer snapshot has already been written.
// Failures are logged; the in-memory ledger stays authoritative.
func (l *Ledger) saveSnapshot(ctx context.Context, snap snapshot) {
	l.snapMu.Lock()
	defer l.snapMu.Unlock()
	if snap.seq <= l.savedSeq {
		return
	}
	if err := l.store.SaveSnapshot(ctx, snap.LedgerSnapshot); err != nil {
		l.logger.WarnContext(ctx, "save ledger snapshot failed", slog.String("error", err.Error()))
		return
	}
	l.savedSeq = snap.seq
}
