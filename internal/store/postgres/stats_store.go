package postgres

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/spotguard/internal/domain"
)

// upsertDailyQuery recomputes one day's row from spot_trades. $1 is the UTC
// date.
const upsertDailyQuery = `
	INSERT INTO daily_stats (
		date, realized_pnl, total_trades, wins, losses,
		total_fees, best_trade, worst_trade, updated_at
	)
	SELECT $1::date,
		COALESCE(SUM(net_pnl), 0),
		COUNT(*),
		COUNT(*) FILTER (WHERE net_pnl > 0),
		COUNT(*) FILTER (WHERE net_pnl <= 0),
		COALESCE(SUM(fees), 0),
		COALESCE(MAX(net_pnl), 0),
		COALESCE(MIN(net_pnl), 0),
		NOW()
	FROM spot_trades
	WHERE (closed_at AT TIME ZONE 'UTC')::date = $1::date
	ON CONFLICT (date) DO UPDATE SET
		realized_pnl = EXCLUDED.realized_pnl,
		total_trades = EXCLUDED.total_trades,
		wins         = EXCLUDED.wins,
		losses       = EXCLUDED.losses,
		total_fees   = EXCLUDED.total_fees,
		best_trade   = EXCLUDED.best_trade,
		worst_trade  = EXCLUDED.worst_trade,
		updated_at   = EXCLUDED.updated_at`

// StatsStore implements domain.StatsStore using PostgreSQL.
type StatsStore struct {
	pool   *pgxpool.Pool
	trades *TradeStore
}

// NewStatsStore creates a new StatsStore backed by the given connection pool.
func NewStatsStore(pool *pgxpool.Pool, trades *TradeStore) *StatsStore {
	return &StatsStore{pool: pool, trades: trades}
}

// DailyAggregate returns the stored aggregate for date or ErrNotFound.
func (s *StatsStore) DailyAggregate(ctx context.Context, date string) (domain.DailyAggregate, error) {
	day, err := time.Parse(domain.DateLayout, date)
	if err != nil {
		return domain.DailyAggregate{}, fmt.Errorf("postgres: daily stats %q: %w", date, domain.ErrInvalidDate)
	}

	agg := domain.DailyAggregate{Date: date}
	err = s.pool.QueryRow(ctx, `
		SELECT realized_pnl, total_trades, wins, losses, total_fees, best_trade, worst_trade
		FROM daily_stats WHERE date = $1`, day,
	).Scan(&agg.RealizedPnL, &agg.TotalTrades, &agg.Wins, &agg.Losses,
		&agg.TotalFees, &agg.BestTrade, &agg.WorstTrade)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.DailyAggregate{}, fmt.Errorf("postgres: daily stats %s: %w", date, domain.ErrNotFound)
	}
	if err != nil {
		return domain.DailyAggregate{}, fmt.Errorf("postgres: daily stats %s: %w", date, err)
	}
	if agg.TotalTrades > 0 {
		agg.WinRate = math.Round(float64(agg.Wins)/float64(agg.TotalTrades)*10000) / 100
	}
	return agg, nil
}

// LifetimeStats derives lifetime statistics from the full trade history.
// Streaks depend on trade order, so they are computed in Go.
func (s *StatsStore) LifetimeStats(ctx context.Context) (domain.LifetimeStats, error) {
	trades, err := s.trades.ListTrades(ctx, domain.ListOpts{})
	if err != nil {
		return domain.LifetimeStats{}, err
	}
	return domain.ComputeLifetime(trades), nil
}

// Recalculate rebuilds daily_stats from spot_trades.
func (s *StatsStore) Recalculate(ctx context.Context) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin recalculate: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM daily_stats`); err != nil {
		return fmt.Errorf("postgres: clear daily stats: %w", err)
	}
	const rebuild = `
		INSERT INTO daily_stats (
			date, realized_pnl, total_trades, wins, losses,
			total_fees, best_trade, worst_trade, updated_at
		)
		SELECT (closed_at AT TIME ZONE 'UTC')::date AS day,
			SUM(net_pnl),
			COUNT(*),
			COUNT(*) FILTER (WHERE net_pnl > 0),
			COUNT(*) FILTER (WHERE net_pnl <= 0),
			SUM(fees),
			MAX(net_pnl),
			MIN(net_pnl),
			NOW()
		FROM spot_trades
		GROUP BY day`
	if _, err := tx.Exec(ctx, rebuild); err != nil {
		return fmt.Errorf("postgres: rebuild daily stats: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit recalculate: %w", err)
	}
	return nil
}
