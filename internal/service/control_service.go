package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/spotguard/internal/domain"
	"github.com/alanyoungcy/spotguard/internal/ledger"
)

// PositionView is an open position with its live protective levels.
type PositionView struct {
	domain.Position
	TrailLevel    float64 `json:"trailLevel,omitempty"`
	UnrealizedPnL float64 `json:"unrealizedPnl"`
	RiskAmount    float64 `json:"riskAmount"`
	CloseAttempts int     `json:"closeAttempts"`
}

// Status summarises the engine for the API and the WebSocket hub.
type Status struct {
	Mode          string               `json:"mode"`
	StartedAt     time.Time            `json:"startedAt"`
	UptimeSeconds int64                `json:"uptimeSeconds"`
	Balance       float64              `json:"balance"`
	OpenPositions int                  `json:"openPositions"`
	Heat          float64              `json:"heat"`
	HeatCeiling   float64              `json:"heatCeiling"`
	Cooldowns     map[string]time.Time `json:"cooldowns"`
	Flags         map[string]string    `json:"flags"`
	LiveClients   int                  `json:"liveClients"`

	Today domain.DailyAggregate `json:"today"`
}

// ControlService is the query and override boundary over the ledger.
type ControlService struct {
	ledger      *ledger.Ledger
	stats       domain.StatsStore
	prices      domain.PriceBatch
	events      *EventService
	audit       domain.AuditStore
	clients     func() int
	mode        string
	heatCeiling float64
	startedAt   time.Time
	logger      *slog.Logger
}

// NewControlService creates a ControlService. prices and events may be nil.
func NewControlService(
	l *ledger.Ledger,
	stats domain.StatsStore,
	prices domain.PriceBatch,
	events *EventService,
	mode string,
	heatCeiling float64,
	logger *slog.Logger,
) *ControlService {
	return &ControlService{
		ledger:      l,
		stats:       stats,
		prices:      prices,
		events:      events,
		mode:        mode,
		heatCeiling: heatCeiling,
		startedAt:   time.Now().UTC(),
		logger:      logger.With(slog.String("component", "control")),
	}
}

// SetAudit enables audit log queries.
func (s *ControlService) SetAudit(a domain.AuditStore) { s.audit = a }

// SetClientCounter reports the number of live stream clients in Status.
func (s *ControlService) SetClientCounter(f func() int) { s.clients = f }

// GetOpenPositions returns every open position sorted by instrument.
func (s *ControlService) GetOpenPositions() []PositionView {
	positions := s.ledger.Positions()
	out := make([]PositionView, 0, len(positions))
	for _, p := range positions {
		v := PositionView{
			Position:      p,
			UnrealizedPnL: p.UnrealizedPnL(),
			RiskAmount:    p.RiskAmount(),
			CloseAttempts: s.ledger.CloseAttempts(p.Instrument),
		}
		if p.Trailing() {
			v.TrailLevel = s.ledger.TrailLevel(p)
		}
		out = append(out, v)
	}
	return out
}

// GetPortfolioHeat returns the current heat.
func (s *ControlService) GetPortfolioHeat() float64 {
	return s.ledger.Heat()
}

// GetDailyAggregate returns the aggregate for date (YYYY-MM-DD).
func (s *ControlService) GetDailyAggregate(ctx context.Context, date string) (domain.DailyAggregate, error) {
	return s.ledger.DailyAggregate(ctx, date)
}

// ForceCloseAll closes every open position at a freshly read price where
// one is available, falling back to the last observed price.
func (s *ControlService) ForceCloseAll(ctx context.Context, reason domain.ExitReason) ([]domain.TradeRecord, error) {
	positions := s.ledger.Positions()
	var prices map[string]float64
	if s.prices != nil && len(positions) > 0 {
		instruments := make([]string, 0, len(positions))
		for _, p := range positions {
			instruments = append(instruments, p.Instrument)
		}
		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		fresh, err := s.prices.GetPrices(pctx, instruments)
		cancel()
		if err != nil {
			s.logger.WarnContext(ctx, "fresh prices unavailable, force closing at last prices",
				slog.String("error", err.Error()))
		}
		for _, inst := range instruments {
			if _, ok := fresh[inst]; !ok && err == nil {
				s.logger.WarnContext(ctx, "force close using last price", slog.String("instrument", inst))
			}
		}
		prices = fresh
	}
	trades, err := s.ledger.ForceCloseAll(ctx, reason, prices)
	if err != nil {
		return trades, fmt.Errorf("control: force close all: %w", err)
	}
	return trades, nil
}

// Status returns the engine summary.
func (s *ControlService) Status(ctx context.Context) Status {
	now := time.Now()
	today, err := s.ledger.DailyAggregate(ctx, domain.DayOf(now))
	if err != nil {
		s.logger.WarnContext(ctx, "today's aggregate unavailable", slog.String("error", err.Error()))
	}
	var clients int
	if s.clients != nil {
		clients = s.clients()
	}
	return Status{
		Mode:          s.mode,
		StartedAt:     s.startedAt,
		UptimeSeconds: int64(now.Sub(s.startedAt).Seconds()),
		Balance:       s.ledger.Balance(),
		OpenPositions: len(s.ledger.Positions()),
		Heat:          s.ledger.Heat(),
		HeatCeiling:   s.heatCeiling,
		Cooldowns:     s.ledger.Cooldowns(now),
		Flags:         s.ledger.Flags(),
		LiveClients:   clients,
		Today:         today,
	}
}

// LifetimeStats returns statistics over the whole trade history.
func (s *ControlService) LifetimeStats(ctx context.Context) (domain.LifetimeStats, error) {
	st, err := s.stats.LifetimeStats(ctx)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.LifetimeStats{}, nil
	}
	if err != nil {
		return domain.LifetimeStats{}, fmt.Errorf("control: lifetime stats: %w", err)
	}
	return st, nil
}

// RecentEvents returns the newest events, optionally of one type.
func (s *ControlService) RecentEvents(limit int, typ domain.EventType) []domain.Event {
	if s.events == nil {
		return nil
	}
	return s.events.Recent(limit, typ)
}

// AuditLog returns audit entries, newest first. It fails with
// domain.ErrNotFound when no audit store is configured.
func (s *ControlService) AuditLog(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	if s.audit == nil {
		return nil, fmt.Errorf("control: audit log: %w", domain.ErrNotFound)
	}
	entries, err := s.audit.List(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("control: audit log: %w", err)
	}
	return entries, nil
}

// Unflag re-enables entries on a flagged instrument.
func (s *ControlService) Unflag(ctx context.Context, instrument string) error {
	return s.ledger.Unflag(ctx, instrument)
}
