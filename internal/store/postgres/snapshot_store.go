package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/spotguard/internal/domain"
)

// SnapshotStore keeps the ledger snapshot in a single JSONB row.
type SnapshotStore struct {
	pool *pgxpool.Pool
}

// NewSnapshotStore creates a new SnapshotStore backed by the given pool.
func NewSnapshotStore(pool *pgxpool.Pool) *SnapshotStore {
	return &SnapshotStore{pool: pool}
}

// SaveSnapshot replaces the stored snapshot.
func (s *SnapshotStore) SaveSnapshot(ctx context.Context, snap domain.LedgerSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("postgres: marshal snapshot: %w", err)
	}
	const query = `
		INSERT INTO ledger_snapshot (id, snapshot, saved_at) VALUES (1, $1, $2)
		ON CONFLICT (id) DO UPDATE SET snapshot = EXCLUDED.snapshot, saved_at = EXCLUDED.saved_at`
	if _, err := s.pool.Exec(ctx, query, data, snap.SavedAt); err != nil {
		return fmt.Errorf("postgres: save snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot returns the stored snapshot or ErrNotFound.
func (s *SnapshotStore) LoadSnapshot(ctx context.Context) (domain.LedgerSnapshot, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT snapshot FROM ledger_snapshot WHERE id = 1`).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.LedgerSnapshot{}, fmt.Errorf("postgres: load snapshot: %w", domain.ErrNotFound)
	}
	if err != nil {
		return domain.LedgerSnapshot{}, fmt.Errorf("postgres: load snapshot: %w", err)
	}

	var snap domain.LedgerSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return domain.LedgerSnapshot{}, fmt.Errorf("postgres: decode snapshot: %w", err)
	}
	return snap, nil
}
