package monitor

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/spotguard/internal/domain"
	"github.com/alanyoungcy/spotguard/internal/ledger"
)

// Supervisor runs one Unit per instrument plus the Sweeper. Instruments are
// the configured set, those with restored positions, and any added later
// with Watch.
type Supervisor struct {
	ledger *ledger.Ledger
	feed   domain.PriceFeed
	filler domain.Filler
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	group   *errgroup.Group
	ctx     context.Context
	running map[string]*Unit
	pending map[string]struct{}
}

// NewSupervisor creates a Supervisor watching instruments.
func NewSupervisor(l *ledger.Ledger, feed domain.PriceFeed, filler domain.Filler, instruments []string, cfg Config, logger *slog.Logger) *Supervisor {
	s := &Supervisor{
		ledger:  l,
		feed:    feed,
		filler:  filler,
		cfg:     cfg.withDefaults(),
		logger:  logger,
		running: make(map[string]*Unit),
		pending: make(map[string]struct{}),
	}
	for _, inst := range instruments {
		s.pending[inst] = struct{}{}
	}
	return s
}

// Watch ensures a unit is running for instrument. While the supervisor is
// not running the instrument is queued for the next Run.
func (s *Supervisor) Watch(instrument string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.group == nil {
		s.pending[instrument] = struct{}{}
		return
	}
	s.startLocked(instrument)
}

// Instruments returns the instruments with a running unit.
func (s *Supervisor) Instruments() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.running))
	for inst := range s.running {
		out = append(out, inst)
	}
	sort.Strings(out)
	return out
}

// Run starts all units and blocks until every one of them has returned.
func (s *Supervisor) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	sweeper := NewSweeper(s.ledger, s.cfg, s.logger)
	g.Go(func() error { return sweeper.Run(gctx) })

	s.mu.Lock()
	s.group = g
	s.ctx = gctx
	for _, pos := range s.ledger.Positions() {
		s.pending[pos.Instrument] = struct{}{}
	}
	for inst := range s.pending {
		s.startLocked(inst)
	}
	s.pending = make(map[string]struct{})
	n := len(s.running)
	s.mu.Unlock()

	s.logger.InfoContext(ctx, "monitor supervisor started", slog.Int("units", n))
	err := g.Wait()

	s.mu.Lock()
	s.group = nil
	s.running = make(map[string]*Unit)
	s.mu.Unlock()
	s.logger.InfoContext(ctx, "monitor supervisor stopped")
	return err
}

func (s *Supervisor) startLocked(instrument string) {
	if _, ok := s.running[instrument]; ok || s.ctx.Err() != nil {
		return
	}
	u := NewUnit(instrument, s.ledger, s.feed, s.filler, s.cfg, s.logger)
	s.running[instrument] = u
	ctx := s.ctx
	s.group.Go(func() error { return u.Run(ctx) })
}
