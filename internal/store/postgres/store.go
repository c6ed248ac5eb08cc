package postgres

import "github.com/jackc/pgx/v5/pgxpool"

// Store bundles the PostgreSQL stores into a domain.Persistence.
type Store struct {
	*TradeStore
	*StatsStore
	*SnapshotStore
}

// NewStore creates a Store backed by pool.
func NewStore(pool *pgxpool.Pool) *Store {
	trades := NewTradeStore(pool)
	return &Store{
		TradeStore:    trades,
		StatsStore:    NewStatsStore(pool, trades),
		SnapshotStore: NewSnapshotStore(pool),
	}
}
