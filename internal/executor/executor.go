// Package executor turns entry signals into sized, filled positions on the
// ledger.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/alanyoungcy/spotguard/internal/domain"
	"github.com/alanyoungcy/spotguard/internal/ledger"
	"github.com/alanyoungcy/spotguard/internal/metrics"
	"github.com/alanyoungcy/spotguard/internal/risk"
)

// VolatilitySource supplies a volatility measure (ATR) for an instrument.
type VolatilitySource interface {
	Volatility(ctx context.Context, instrument string) (float64, error)
}

// Watcher is told about every instrument that receives a position.
type Watcher interface {
	Watch(instrument string)
}

// Config holds the entry gates and sizing parameters.
type Config struct {
	MinConfidence  float64
	DedupTTL       time.Duration
	Instruments    []string // empty allows any instrument
	Sizing         risk.SizingParams
	Levels         risk.LevelParams
	KellyMinTrades int
	MinEdge        float64 // floor for the history-based edge estimate
}

// Executor runs the entry pipeline: validate, gate, size, fill, open.
// Signals are handled one at a time, whether they arrive on the bus or over
// HTTP.
type Executor struct {
	mu      sync.Mutex
	cfg     Config
	ledger  *ledger.Ledger
	feed    domain.PriceFeed
	filler  domain.Filler
	sink    domain.EventSink
	vol     VolatilitySource
	stats   domain.StatsStore
	watcher Watcher
	dedup   *Dedup
	allowed map[string]bool
	logger  *slog.Logger
	now     func() time.Time

	cleanupInterval time.Duration
}

// New creates an Executor. sink may be nil.
func New(cfg Config, l *ledger.Ledger, feed domain.PriceFeed, filler domain.Filler, sink domain.EventSink, logger *slog.Logger) *Executor {
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = 10 * time.Minute
	}
	if cfg.KellyMinTrades <= 0 {
		cfg.KellyMinTrades = 20
	}
	var allowed map[string]bool
	if len(cfg.Instruments) > 0 {
		allowed = make(map[string]bool, len(cfg.Instruments))
		for _, inst := range cfg.Instruments {
			allowed[inst] = true
		}
	}
	return &Executor{
		cfg:             cfg,
		ledger:          l,
		feed:            feed,
		filler:          filler,
		sink:            sink,
		dedup:           NewDedup(cfg.DedupTTL),
		allowed:         allowed,
		logger:          logger.With(slog.String("component", "executor")),
		now:             time.Now,
		cleanupInterval: time.Minute,
	}
}

// SetVolatilitySource enables ATR lookups for signals that carry none.
func (e *Executor) SetVolatilitySource(v VolatilitySource) { e.vol = v }

// SetStats enables the history-based edge multiplier.
func (e *Executor) SetStats(s domain.StatsStore) { e.stats = s }

// SetWatcher registers the monitor to notify after each open.
func (e *Executor) SetWatcher(w Watcher) { e.watcher = w }

// Run handles signals until ctx is cancelled or the channel is closed.
func (e *Executor) Run(ctx context.Context, signals <-chan domain.EntrySignal) error {
	e.logger.Info("executor started")
	defer e.logger.Info("executor stopped")

	cleanup := time.NewTicker(e.cleanupInterval)
	defer cleanup.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case sig, ok := <-signals:
			if !ok {
				return nil
			}
			_, _ = e.Handle(ctx, sig)
		case <-cleanup.C:
			e.dedup.Cleanup()
		}
	}
}

// Handle processes one entry signal. Every rejection is logged, counted and
// emitted before it is returned.
func (e *Executor) Handle(ctx context.Context, sig domain.EntrySignal) (domain.Position, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := sig.Validate(); err != nil {
		return domain.Position{}, e.reject(ctx, sig, err)
	}
	if e.allowed != nil && !e.allowed[sig.Instrument] {
		return domain.Position{}, e.reject(ctx, sig,
			fmt.Errorf("executor: %s not enabled: %w", sig.Instrument, domain.ErrInvalidSignal))
	}
	if sig.Confidence < e.cfg.MinConfidence {
		return domain.Position{}, e.reject(ctx, sig,
			fmt.Errorf("executor: confidence %.4f below %.4f: %w", sig.Confidence, e.cfg.MinConfidence, domain.ErrConfidenceTooLow))
	}
	if sig.ID != "" && e.dedup.IsDuplicate(sig.ID) {
		return domain.Position{}, e.reject(ctx, sig,
			fmt.Errorf("executor: signal %s: %w", sig.ID, domain.ErrDuplicateSignal))
	}
	if err := e.ledger.CheckEntry(sig.Instrument, e.now()); err != nil {
		return domain.Position{}, e.reject(ctx, sig, err)
	}

	pos, err := e.enter(ctx, sig)
	if err != nil {
		if errors.Is(err, domain.ErrPriceUnavailable) || errors.Is(err, errFill) {
			e.dedup.Forget(sig.ID)
		}
		return domain.Position{}, e.reject(ctx, sig, err)
	}
	if e.watcher != nil {
		e.watcher.Watch(pos.Instrument)
	}
	return pos, nil
}

var errFill = errors.New("entry fill failed")

func (e *Executor) enter(ctx context.Context, sig domain.EntrySignal) (domain.Position, error) {
	price := sig.Price
	if price <= 0 {
		tick, err := e.feed.LatestPrice(ctx, sig.Instrument)
		if err != nil {
			return domain.Position{}, fmt.Errorf("executor: price %s: %w", sig.Instrument, err)
		}
		price = tick.Price
	}

	volatility := sig.Volatility
	if volatility <= 0 && e.vol != nil {
		v, err := e.vol.Volatility(ctx, sig.Instrument)
		if err != nil {
			e.logger.WarnContext(ctx, "volatility unavailable, using percentage stop",
				slog.String("instrument", sig.Instrument),
				slog.String("error", err.Error()),
			)
		} else {
			volatility = v
		}
	}

	stop, target, err := risk.Levels(sig.Side, price, volatility, sig.SuggestedStop, sig.SuggestedTarget, e.cfg.Levels)
	if err != nil {
		return domain.Position{}, err
	}

	edge, hasEdge := e.edge(ctx)
	sizing, err := risk.Size(risk.SizingInput{
		Balance:    e.ledger.Balance(),
		EntryPrice: price,
		StopPrice:  stop,
		Volatility: volatility,
		Edge:       edge,
		HasEdge:    hasEdge,
	}, e.cfg.Sizing)
	if err != nil {
		return domain.Position{}, err
	}
	if _, err := e.ledger.CheckHeat(sizing.RiskAmount); err != nil {
		return domain.Position{}, err
	}

	fillPrice, err := e.filler.Fill(ctx, domain.FillRequest{
		Instrument: sig.Instrument,
		Side:       sig.Side,
		Quantity:   sizing.Quantity,
		Price:      price,
	})
	if err != nil {
		return domain.Position{}, fmt.Errorf("executor: %s: %w: %v", sig.Instrument, errFill, err)
	}

	pos, err := e.ledger.Open(ctx, ledger.OpenRequest{
		Instrument: sig.Instrument,
		Side:       sig.Side,
		EntryPrice: fillPrice,
		Quantity:   sizing.Quantity,
		StopLoss:   stop,
		TakeProfit: target,
		Volatility: volatility,
	})
	if err != nil {
		e.unwind(ctx, sig, sizing.Quantity, fillPrice, err)
		return domain.Position{}, err
	}

	e.logger.InfoContext(ctx, "entry filled",
		slog.String("signal_id", sig.ID),
		slog.String("instrument", sig.Instrument),
		slog.Float64("quantity", sizing.Quantity),
		slog.Float64("fill", fillPrice),
		slog.Float64("risk", sizing.RiskAmount),
		slog.Float64("edge_mult", sizing.EdgeMultiplier),
		slog.Float64("vol_adj", sizing.VolatilityAdj),
		slog.Bool("clamped", sizing.Clamped),
	)
	return pos, nil
}

// unwind reverses an entry fill the ledger refused to book.
func (e *Executor) unwind(ctx context.Context, sig domain.EntrySignal, qty, price float64, cause error) {
	e.logger.ErrorContext(ctx, "ledger refused filled entry, unwinding",
		slog.String("instrument", sig.Instrument),
		slog.String("error", cause.Error()),
	)
	if _, err := e.filler.Fill(ctx, domain.FillRequest{
		Instrument: sig.Instrument,
		Side:       sig.Side,
		Quantity:   qty,
		Price:      price,
		Closing:    true,
	}); err != nil {
		e.logger.ErrorContext(ctx, "unwind fill failed",
			slog.String("instrument", sig.Instrument),
			slog.Float64("quantity", qty),
			slog.String("error", err.Error()),
		)
	}
}

func (e *Executor) edge(ctx context.Context) (float64, bool) {
	if e.stats == nil {
		return 0, false
	}
	stats, err := e.stats.LifetimeStats(ctx)
	if err != nil {
		e.logger.WarnContext(ctx, "lifetime stats unavailable", slog.String("error", err.Error()))
		return 0, false
	}
	edge, ok := risk.KellyEdge(stats, e.cfg.KellyMinTrades)
	if !ok {
		return 0, false
	}
	return math.Max(edge, e.cfg.MinEdge), true
}

func (e *Executor) reject(ctx context.Context, sig domain.EntrySignal, err error) error {
	reason := rejectReason(err)
	metrics.EntryRejections.WithLabelValues(reason).Inc()
	e.logger.WarnContext(ctx, "entry rejected",
		slog.String("signal_id", sig.ID),
		slog.String("instrument", sig.Instrument),
		slog.String("reason", reason),
		slog.String("error", err.Error()),
	)

	typ := domain.EventEntryRejected
	switch {
	case errors.Is(err, domain.ErrPortfolioHeatExceeded):
		typ = domain.EventHeatRejected
	case errors.Is(err, domain.ErrCooldownActive):
		typ = domain.EventCooldownRejected
	case errors.Is(err, domain.ErrDuplicateSignal), errors.Is(err, domain.ErrInvariantViolation):
		// Duplicates are noise; invariant violations were reported by the ledger.
		return err
	}
	if e.sink != nil {
		e.sink.Emit(ctx, domain.Event{
			Type:       typ,
			Instrument: sig.Instrument,
			Message:    "entry rejected: " + reason,
			Fields: map[string]any{
				"signal_id":  sig.ID,
				"side":       string(sig.Side),
				"confidence": sig.Confidence,
				"error":      err.Error(),
			},
			At: e.now(),
		})
	}
	return err
}

func rejectReason(err error) string {
	reasons := []struct {
		target error
		label  string
	}{
		{domain.ErrPortfolioHeatExceeded, "heat"},
		{domain.ErrCooldownActive, "cooldown"},
		{domain.ErrMaxPositions, "max_positions"},
		{domain.ErrDailyLossLimit, "daily_loss"},
		{domain.ErrInstrumentFlagged, "flagged"},
		{domain.ErrPositionExists, "position_exists"},
		{domain.ErrInvariantViolation, "invariant"},
		{domain.ErrDuplicateSignal, "duplicate"},
		{domain.ErrConfidenceTooLow, "confidence"},
		{domain.ErrInvalidSignal, "invalid_signal"},
		{domain.ErrInvalidStopDistance, "stop_distance"},
		{domain.ErrSizeTooSmall, "size"},
		{domain.ErrInvalidPrice, "price"},
		{domain.ErrPriceUnavailable, "price_unavailable"},
		{errFill, "fill"},
	}
	for _, r := range reasons {
		if errors.Is(err, r.target) {
			return r.label
		}
	}
	return "other"
}
