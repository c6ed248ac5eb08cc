package filestore

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/spotguard/internal/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return s
}

func closedTrade(id, instrument string, closedAt time.Time, net float64) domain.TradeRecord {
	return domain.TradeRecord{
		ID:         id,
		PositionID: id,
		Instrument: instrument,
		Side:       domain.SideLong,
		EntryPrice: 100,
		ExitPrice:  100 + net,
		Quantity:   1,
		GrossPnL:   net,
		NetPnL:     net,
		OpenedAt:   closedAt.Add(-time.Hour),
		ClosedAt:   closedAt,
		ExitReason: domain.ExitManual,
	}
}

func TestWriteAtomicKeepsBackup(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "state.json")

	require.NoError(t, writeAtomic(path, []byte(`{"v":1}`)))
	_, err := os.Stat(path + backupSuffix)
	assert.True(t, os.IsNotExist(err))

	require.NoError(t, writeAtomic(path, []byte(`{"v":2}`)))

	cur, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":2}`, string(cur))

	bak, err := os.ReadFile(path + backupSuffix)
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":1}`, string(bak))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 2, "temp files must not be left behind")
}

func TestRecordTradeIsIdempotent(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	tr := closedTrade("t1", "BTCUSDT", at, 5)
	require.NoError(t, s.RecordTrade(ctx, tr))
	require.NoError(t, s.RecordTrade(ctx, tr))

	trades, err := s.ListTrades(ctx, domain.ListOpts{})
	require.NoError(t, err)
	assert.Len(t, trades, 1)

	agg, err := s.DailyAggregate(ctx, "2026-03-02")
	require.NoError(t, err)
	assert.Equal(t, 1, agg.TotalTrades)
	assert.InDelta(t, 5, agg.RealizedPnL, 1e-9)
}

func TestAggregatesAcrossDays(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	day1 := time.Date(2026, 3, 1, 23, 0, 0, 0, time.UTC)
	day2 := day1.Add(2 * time.Hour)

	require.NoError(t, s.RecordTrade(ctx, closedTrade("a", "BTCUSDT", day1, 10)))
	require.NoError(t, s.RecordTrade(ctx, closedTrade("b", "ETHUSDT", day2, -4)))
	require.NoError(t, s.RecordTrade(ctx, closedTrade("c", "ETHUSDT", day2.Add(time.Minute), 3)))

	agg1, err := s.DailyAggregate(ctx, "2026-03-01")
	require.NoError(t, err)
	assert.Equal(t, 1, agg1.Wins)

	agg2, err := s.DailyAggregate(ctx, "2026-03-02")
	require.NoError(t, err)
	assert.Equal(t, 2, agg2.TotalTrades)
	assert.InDelta(t, -1, agg2.RealizedPnL, 1e-9)

	_, err = s.DailyAggregate(ctx, "2026-03-03")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	stats, err := s.LifetimeStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.TotalTrades)
	assert.InDelta(t, 9, stats.TotalPnL, 1e-9)

	eth, err := s.ListTrades(ctx, domain.ListOpts{Instrument: "ETHUSDT", Limit: 1})
	require.NoError(t, err)
	require.Len(t, eth, 1)
	assert.Equal(t, "b", eth[0].ID)

	until := day2
	before, err := s.ListTrades(ctx, domain.ListOpts{Until: &until})
	require.NoError(t, err)
	require.Len(t, before, 1)
	assert.Equal(t, "a", before[0].ID)
}

func TestReadFallsBackToBackup(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx := context.Background()
	at := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	s, err := New(dir, logger)
	require.NoError(t, err)
	require.NoError(t, s.RecordTrade(ctx, closedTrade("a", "BTCUSDT", at, 1)))
	require.NoError(t, s.RecordTrade(ctx, closedTrade("b", "BTCUSDT", at.Add(time.Minute), 2)))

	// Simulate a torn write of the primary file.
	require.NoError(t, os.WriteFile(filepath.Join(dir, tradesFile), []byte(`[{"id":"a",`), 0o644))

	reopened, err := New(dir, logger)
	require.NoError(t, err)
	trades, err := reopened.ListTrades(ctx, domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, "a", trades[0].ID)
}

func TestCorruptWithoutBackupFails(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ledgerFile), []byte(`{not json`), 0o644))

	s, err := New(dir, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	_, err = s.LoadSnapshot(context.Background())
	assert.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrNotFound)
}

func TestSnapshotRoundTrip(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.LoadSnapshot(ctx)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	snap := domain.LedgerSnapshot{
		Balance: 1234.5,
		Positions: []domain.Position{{
			ID: "p1", Instrument: "BTCUSDT", Side: domain.SideLong,
			EntryPrice: 100, Quantity: 1, StopLoss: 95, FavorableExtreme: 104,
			TrailState: domain.TrailActive, OpenedAt: now,
		}},
		Cooldowns:     map[string]time.Time{"ETHUSDT": now.Add(20 * time.Minute)},
		Flags:         map[string]string{},
		CloseAttempts: map[string]int{"BTCUSDT": 1},
		SavedAt:       now,
	}
	require.NoError(t, s.SaveSnapshot(ctx, snap))

	got, err := s.LoadSnapshot(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 1234.5, got.Balance, 1e-9)
	require.Len(t, got.Positions, 1)
	assert.Equal(t, domain.TrailActive, got.Positions[0].TrailState)
	assert.True(t, got.Cooldowns["ETHUSDT"].Equal(now.Add(20*time.Minute)))
	assert.Equal(t, 1, got.CloseAttempts["BTCUSDT"])
}

func TestRecalculateRebuildsAggregates(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	require.NoError(t, s.RecordTrade(ctx, closedTrade("a", "BTCUSDT", at, 4)))
	require.NoError(t, s.RecordTrade(ctx, closedTrade("b", "BTCUSDT", at.AddDate(0, 0, 1), -2)))

	require.NoError(t, os.Remove(filepath.Join(s.Dir(), dailyFile)))
	require.NoError(t, os.Remove(filepath.Join(s.Dir(), dailyFile+backupSuffix)))
	_, err := s.DailyAggregate(ctx, "2026-03-02")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, s.Recalculate(ctx))
	agg, err := s.DailyAggregate(ctx, "2026-03-03")
	require.NoError(t, err)
	assert.Equal(t, 1, agg.Losses)

	stats, err := s.LifetimeStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalTrades)
}
