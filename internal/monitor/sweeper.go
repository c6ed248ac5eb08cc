package monitor

import (
	"context"
	"log/slog"
	"time"

	"github.com/alanyoungcy/spotguard/internal/ledger"
)

// Sweeper force-closes positions older than MaxPositionAge on its own
// cadence, independent of per-instrument ticks.
type Sweeper struct {
	ledger   *ledger.Ledger
	interval time.Duration
	maxAge   time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

// NewSweeper creates a Sweeper.
func NewSweeper(l *ledger.Ledger, cfg Config, logger *slog.Logger) *Sweeper {
	cfg = cfg.withDefaults()
	return &Sweeper{
		ledger:   l,
		interval: cfg.SweepInterval,
		maxAge:   cfg.MaxPositionAge,
		now:      time.Now,
		logger:   logger.With(slog.String("component", "sweeper")),
	}
}

// Run sweeps every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs a single pass and returns the number of positions closed.
func (s *Sweeper) Sweep(ctx context.Context) int {
	trades, err := s.ledger.SweepStale(ctx, s.maxAge, s.now())
	if err != nil {
		s.logger.ErrorContext(ctx, "stale sweep incomplete", slog.String("error", err.Error()))
	}
	if len(trades) > 0 {
		s.logger.WarnContext(ctx, "stale positions closed", slog.Int("count", len(trades)))
	}
	return len(trades)
}
