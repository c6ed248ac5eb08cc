package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/spotguard/internal/ledger"
)

// BalanceSource reports the free balance of an asset on the exchange.
type BalanceSource interface {
	Balance(ctx context.Context, asset string) (float64, error)
}

// BalanceService keeps the ledger's balance in line with the exchange.
type BalanceService struct {
	source   BalanceSource
	ledger   *ledger.Ledger
	asset    string
	interval time.Duration
	logger   *slog.Logger
}

// NewBalanceService creates a BalanceService. A zero interval syncs only
// when Sync is called.
func NewBalanceService(source BalanceSource, l *ledger.Ledger, asset string, interval time.Duration, logger *slog.Logger) *BalanceService {
	return &BalanceService{
		source:   source,
		ledger:   l,
		asset:    asset,
		interval: interval,
		logger:   logger.With(slog.String("component", "balance")),
	}
}

// Sync reads the exchange balance and applies it to the ledger. A
// non-positive balance is rejected so a bad read cannot zero the risk budget.
func (s *BalanceService) Sync(ctx context.Context) error {
	bal, err := s.source.Balance(ctx, s.asset)
	if err != nil {
		return fmt.Errorf("balance: fetch %s: %w", s.asset, err)
	}
	if bal <= 0 {
		return fmt.Errorf("balance: exchange reported %s balance %.8f", s.asset, bal)
	}
	prev := s.ledger.Balance()
	s.ledger.SetBalance(ctx, bal)
	s.logger.InfoContext(ctx, "balance synced",
		slog.String("asset", s.asset),
		slog.Float64("previous", prev),
		slog.Float64("balance", bal),
	)
	return nil
}

// Run syncs every interval until ctx is cancelled.
func (s *BalanceService) Run(ctx context.Context) error {
	if s.interval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.Sync(ctx); err != nil {
				s.logger.ErrorContext(ctx, "balance sync failed", slog.String("error", err.Error()))
			}
		}
	}
}
