package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/spotguard/internal/domain"
)

// TradeStore implements domain.TradeStore using PostgreSQL.
type TradeStore struct {
	pool *pgxpool.Pool
}

// NewTradeStore creates a new TradeStore backed by the given connection pool.
func NewTradeStore(pool *pgxpool.Pool) *TradeStore {
	return &TradeStore{pool: pool}
}

const tradeSelectCols = `id, position_id, instrument, side, entry_price, exit_price,
	quantity, gross_pnl, fees, net_pnl, opened_at, closed_at, exit_reason`

func scanTradeRows(rows pgx.Rows) ([]domain.TradeRecord, error) {
	var trades []domain.TradeRecord
	for rows.Next() {
		var (
			t      domain.TradeRecord
			side   string
			reason string
		)
		if err := rows.Scan(
			&t.ID, &t.PositionID, &t.Instrument, &side, &t.EntryPrice, &t.ExitPrice,
			&t.Quantity, &t.GrossPnL, &t.Fees, &t.NetPnL, &t.OpenedAt, &t.ClosedAt, &reason,
		); err != nil {
			return nil, err
		}
		t.Side = domain.Side(side)
		t.ExitReason = domain.ExitReason(reason)
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// RecordTrade inserts t and refreshes the daily aggregate for its close date
// in one transaction. A trade ID seen before is skipped.
func (s *TradeStore) RecordTrade(ctx context.Context, t domain.TradeRecord) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin record trade: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	const insert = `
		INSERT INTO spot_trades (
			id, position_id, instrument, side, entry_price, exit_price,
			quantity, gross_pnl, fees, net_pnl, opened_at, closed_at, exit_reason
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO NOTHING`
	if _, err := tx.Exec(ctx, insert,
		t.ID, t.PositionID, t.Instrument, string(t.Side), t.EntryPrice, t.ExitPrice,
		t.Quantity, t.GrossPnL, t.Fees, t.NetPnL, t.OpenedAt, t.ClosedAt, string(t.ExitReason),
	); err != nil {
		return fmt.Errorf("postgres: insert trade %s: %w", t.ID, err)
	}

	if _, err := tx.Exec(ctx, upsertDailyQuery, t.ClosedAt.UTC().Truncate(24*time.Hour)); err != nil {
		return fmt.Errorf("postgres: refresh daily stats: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit trade %s: %w", t.ID, err)
	}
	return nil
}

// ListTrades returns trades ordered by close time.
func (s *TradeStore) ListTrades(ctx context.Context, opts domain.ListOpts) ([]domain.TradeRecord, error) {
	query := `SELECT ` + tradeSelectCols + ` FROM spot_trades WHERE 1=1`
	args := []any{}
	argIdx := 1

	if opts.Instrument != "" {
		query += fmt.Sprintf(" AND instrument = $%d", argIdx)
		args = append(args, opts.Instrument)
		argIdx++
	}
	if opts.Since != nil {
		query += fmt.Sprintf(" AND closed_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND closed_at < $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY closed_at ASC, id ASC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list trades: %w", err)
	}
	defer rows.Close()

	trades, err := scanTradeRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan trades: %w", err)
	}
	return trades, nil
}
