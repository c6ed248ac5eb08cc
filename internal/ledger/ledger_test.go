package ledger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/spotguard/internal/domain"
	"github.com/alanyoungcy/spotguard/internal/risk"
)

var errDisk = errors.New("disk full")

type memStore struct {
	mu        sync.Mutex
	trades    map[string]domain.TradeRecord
	snap      *domain.LedgerSnapshot
	failTrade int // remaining RecordTrade failures, -1 fails forever
	calls     int
}

func newMemStore() *memStore {
	return &memStore{trades: make(map[string]domain.TradeRecord)}
}

func (m *memStore) RecordTrade(_ context.Context, t domain.TradeRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.failTrade != 0 {
		if m.failTrade > 0 {
			m.failTrade--
		}
		return errDisk
	}
	if _, ok := m.trades[t.ID]; !ok {
		m.trades[t.ID] = t
	}
	return nil
}

func (m *memStore) ListTrades(context.Context, domain.ListOpts) ([]domain.TradeRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.TradeRecord, 0, len(m.trades))
	for _, t := range m.trades {
		out = append(out, t)
	}
	return out, nil
}

func (m *memStore) DailyAggregate(_ context.Context, date string) (domain.DailyAggregate, error) {
	trades, _ := m.ListTrades(context.Background(), domain.ListOpts{})
	return domain.ComputeDaily(date, trades), nil
}

func (m *memStore) LifetimeStats(context.Context) (domain.LifetimeStats, error) {
	trades, _ := m.ListTrades(context.Background(), domain.ListOpts{})
	return domain.ComputeLifetime(trades), nil
}

func (m *memStore) Recalculate(context.Context) error { return nil }

func (m *memStore) SaveSnapshot(_ context.Context, s domain.LedgerSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap = &s
	return nil
}

func (m *memStore) LoadSnapshot(context.Context) (domain.LedgerSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.snap == nil {
		return domain.LedgerSnapshot{}, domain.ErrNotFound
	}
	return *m.snap, nil
}

func (m *memStore) tradeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.trades)
}

type recordingSink struct {
	mu     sync.Mutex
	events []domain.Event
}

func (s *recordingSink) Emit(_ context.Context, ev domain.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *recordingSink) count(typ domain.EventType) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, ev := range s.events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func testConfig() Config {
	return Config{
		InitialBalance:   1000,
		HeatCeiling:      0.15,
		CooldownDuration: 20 * time.Minute,
		MaxCloseAttempts: 3,
		Trail: risk.TrailParams{
			ActivationPct: 0.015,
			ATRMultiplier: 2,
			FallbackPct:   0.01,
			TightenRate:   10,
			MinScale:      0.5,
		},
	}
}

type fixture struct {
	ledger *Ledger
	store  *memStore
	sink   *recordingSink
	clock  time.Time
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{
		store: newMemStore(),
		sink:  &recordingSink{},
		clock: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC),
	}
	f.ledger = New(cfg, f.store, f.sink, slog.New(slog.NewTextHandler(io.Discard, nil)))
	f.ledger.now = func() time.Time { return f.clock }
	_, err := f.ledger.Restore(context.Background())
	require.NoError(t, err)
	return f
}

func longReq(instrument string, entry, stop, qty float64) OpenRequest {
	return OpenRequest{
		Instrument: instrument,
		Side:       domain.SideLong,
		EntryPrice: entry,
		Quantity:   qty,
		StopLoss:   stop,
		TakeProfit: entry + 2*(entry-stop),
	}
}

func TestOpenAndProfitableClose(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig())
	ctx := context.Background()

	pos, err := f.ledger.Open(ctx, longReq("ETHUSDT", 100, 95, 4))
	require.NoError(t, err)
	assert.Equal(t, domain.TrailPreTrail, pos.TrailState)
	assert.InDelta(t, 100, pos.FavorableExtreme, 1e-9)
	assert.NotEmpty(t, pos.ID)
	assert.InDelta(t, 0.02, f.ledger.Heat(), 1e-9)

	res, err := f.ledger.Close(ctx, "ETHUSDT", 104, domain.ExitManual)
	require.NoError(t, err)
	require.NotNil(t, res.Trade)
	assert.False(t, res.Forced)
	assert.InDelta(t, 16, res.Trade.NetPnL, 1e-9)
	assert.Equal(t, pos.ID, res.Trade.ID)

	_, open := f.ledger.Position("ETHUSDT")
	assert.False(t, open)
	assert.InDelta(t, 1016, f.ledger.Balance(), 1e-9)
	assert.Empty(t, f.ledger.Cooldowns(f.clock))
	assert.NoError(t, f.ledger.CheckEntry("ETHUSDT", f.clock))
	assert.Equal(t, 1, f.sink.count(domain.EventPositionOpened))
	assert.Equal(t, 1, f.sink.count(domain.EventPositionClosed))

	agg, err := f.ledger.DailyAggregate(ctx, "2026-03-02")
	require.NoError(t, err)
	assert.Equal(t, 1, agg.TotalTrades)
	assert.Equal(t, 1, agg.Wins)
}

func TestLosingCloseStartsCooldown(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig())
	ctx := context.Background()

	_, err := f.ledger.Open(ctx, longReq("SOLUSDT", 100, 95, 4))
	require.NoError(t, err)
	_, err = f.ledger.Close(ctx, "SOLUSDT", 95, domain.ExitStopLoss)
	require.NoError(t, err)
	closedAt := f.clock

	err = f.ledger.CheckEntry("SOLUSDT", closedAt.Add(20*time.Minute-time.Second))
	assert.ErrorIs(t, err, domain.ErrCooldownActive)

	f.clock = closedAt.Add(10 * time.Minute)
	_, err = f.ledger.Open(ctx, longReq("SOLUSDT", 100, 95, 1))
	assert.ErrorIs(t, err, domain.ErrCooldownActive)

	// Cooldowns are per instrument.
	assert.NoError(t, f.ledger.CheckEntry("ADAUSDT", closedAt))

	assert.NoError(t, f.ledger.CheckEntry("SOLUSDT", closedAt.Add(20*time.Minute+time.Second)))
}

func TestCloseRetriesAreBounded(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig())
	ctx := context.Background()
	f.store.failTrade = -1

	_, err := f.ledger.Open(ctx, longReq("XRPUSDT", 100, 95, 4))
	require.NoError(t, err)

	for attempt := 1; attempt < 3; attempt++ {
		res, err := f.ledger.Close(ctx, "XRPUSDT", 97, domain.ExitStopLoss)
		require.ErrorIs(t, err, errDisk)
		assert.Equal(t, attempt, res.Attempts)
		assert.False(t, res.Forced)
		_, open := f.ledger.Position("XRPUSDT")
		assert.True(t, open, "position kept after attempt %d", attempt)
	}

	res, err := f.ledger.Close(ctx, "XRPUSDT", 97, domain.ExitStopLoss)
	require.ErrorIs(t, err, errDisk)
	assert.True(t, res.Forced)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, 3, f.store.calls)

	_, open := f.ledger.Position("XRPUSDT")
	assert.False(t, open)
	assert.Zero(t, f.ledger.CloseAttempts("XRPUSDT"))
	assert.Equal(t, 1, f.sink.count(domain.EventForcedRemoval))
	assert.Equal(t, 2, f.sink.count(domain.EventCloseFailed))

	// The loss still reaches the balance and the cooldown.
	assert.InDelta(t, 988, f.ledger.Balance(), 1e-9)
	assert.ErrorIs(t, f.ledger.CheckEntry("XRPUSDT", f.clock), domain.ErrCooldownActive)

	_, err = f.ledger.Close(ctx, "XRPUSDT", 97, domain.ExitStopLoss)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Equal(t, 3, f.store.calls)
}

func TestCloseRetrySucceedsAndResetsCounter(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig())
	ctx := context.Background()
	f.store.failTrade = 1

	_, err := f.ledger.Open(ctx, longReq("LTCUSDT", 100, 95, 4))
	require.NoError(t, err)

	_, err = f.ledger.Close(ctx, "LTCUSDT", 101, domain.ExitManual)
	require.Error(t, err)
	assert.Equal(t, 1, f.ledger.CloseAttempts("LTCUSDT"))

	res, err := f.ledger.Close(ctx, "LTCUSDT", 101, domain.ExitManual)
	require.NoError(t, err)
	assert.Zero(t, res.Attempts)
	assert.Zero(t, f.ledger.CloseAttempts("LTCUSDT"))
	assert.Equal(t, 1, f.store.tradeCount())
	assert.Zero(t, f.sink.count(domain.EventForcedRemoval))
}

func TestHeatCeiling(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig())
	ctx := context.Background()

	_, err := f.ledger.Open(ctx, longReq("A", 100, 95, 20)) // risk 100
	require.NoError(t, err)
	_, err = f.ledger.Open(ctx, longReq("B", 100, 98, 20)) // risk 40
	require.NoError(t, err)
	assert.InDelta(t, 0.14, f.ledger.Heat(), 1e-9)

	_, err = f.ledger.Open(ctx, longReq("C", 100, 98, 10)) // risk 20
	assert.ErrorIs(t, err, domain.ErrPortfolioHeatExceeded)
	_, open := f.ledger.Position("C")
	assert.False(t, open)
	assert.LessOrEqual(t, f.ledger.Heat(), 0.15)

	_, err = f.ledger.Open(ctx, longReq("C", 100, 99, 10)) // risk 10
	require.NoError(t, err)
	assert.InDelta(t, 0.15, f.ledger.Heat(), 1e-9)
}

func TestConcurrentOpensRespectHeat(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig())
	ctx := context.Background()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
	)
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.ledger.Open(ctx, longReq(fmt.Sprintf("SYM%02d", i), 100, 90, 1)) // risk 10
			if err == nil {
				mu.Lock()
				accepted++
				mu.Unlock()
			} else {
				assert.ErrorIs(t, err, domain.ErrPortfolioHeatExceeded)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 15, accepted)
	assert.LessOrEqual(t, f.ledger.Heat(), 0.15+1e-12)
}

func TestConcurrentClosesRemoveExactlyOnce(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig())
	ctx := context.Background()

	_, err := f.ledger.Open(ctx, longReq("DOTUSDT", 100, 95, 1))
	require.NoError(t, err)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.ledger.Close(ctx, "DOTUSDT", 102, domain.ExitTakeProfit)
			if err == nil && res.Trade != nil {
				mu.Lock()
				success++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, domain.ErrNotFound)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, success)
	assert.Equal(t, 1, f.store.tradeCount())
	assert.Equal(t, 1, f.sink.count(domain.EventPositionClosed))
}

func TestDuplicateOpenForceClosesAndFlags(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig())
	ctx := context.Background()

	_, err := f.ledger.Open(ctx, longReq("BNBUSDT", 100, 95, 1))
	require.NoError(t, err)

	_, err = f.ledger.Open(ctx, longReq("BNBUSDT", 101, 96, 1))
	assert.ErrorIs(t, err, domain.ErrInvariantViolation)
	assert.ErrorIs(t, err, domain.ErrPositionExists)

	_, open := f.ledger.Position("BNBUSDT")
	assert.False(t, open)
	assert.Contains(t, f.ledger.Flags(), "BNBUSDT")
	assert.Equal(t, 1, f.sink.count(domain.EventInvariantViolation))
	assert.ErrorIs(t, f.ledger.CheckEntry("BNBUSDT", f.clock), domain.ErrInstrumentFlagged)

	require.NoError(t, f.ledger.Unflag(ctx, "BNBUSDT"))
	assert.NoError(t, f.ledger.CheckEntry("BNBUSDT", f.clock))
	assert.ErrorIs(t, f.ledger.Unflag(ctx, "BNBUSDT"), domain.ErrNotFound)
}

func TestNegativeQuantityIsInvariantViolation(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig())

	_, err := f.ledger.Open(context.Background(), longReq("AVAXUSDT", 100, 95, -2))
	assert.ErrorIs(t, err, domain.ErrInvariantViolation)
	assert.Contains(t, f.ledger.Flags(), "AVAXUSDT")
	assert.Empty(t, f.ledger.Positions())
}

func TestUpdateFavorableExtremeActivatesTrailing(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig())
	ctx := context.Background()

	req := longReq("BNBUSDT", 458.10, 435.20, 0.1)
	req.TakeProfit = 504
	req.Volatility = 4
	_, err := f.ledger.Open(ctx, req)
	require.NoError(t, err)

	pos, err := f.ledger.UpdateFavorableExtreme(ctx, "BNBUSDT", 465.50)
	require.NoError(t, err)
	assert.True(t, pos.Trailing())
	assert.Equal(t, 1, f.sink.count(domain.EventTrailingActivated))

	pos, err = f.ledger.UpdateFavorableExtreme(ctx, "BNBUSDT", 479.87)
	require.NoError(t, err)
	assert.False(t, f.ledger.Evaluate(pos).Exit)

	pos, err = f.ledger.UpdateFavorableExtreme(ctx, "BNBUSDT", 470.00)
	require.NoError(t, err)
	assert.InDelta(t, 479.87, pos.FavorableExtreme, 1e-9)

	d := f.ledger.Evaluate(pos)
	require.True(t, d.Exit)
	assert.Equal(t, domain.ExitTrailingStop, d.Reason)

	res, err := f.ledger.Close(ctx, "BNBUSDT", pos.CurrentPrice, d.Reason)
	require.NoError(t, err)
	assert.Greater(t, res.Trade.NetPnL, 0.0)
	assert.Equal(t, 1, f.sink.count(domain.EventTrailingActivated))

	_, err = f.ledger.UpdateFavorableExtreme(ctx, "BNBUSDT", 470)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSweepStale(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig())
	ctx := context.Background()
	start := f.clock

	_, err := f.ledger.Open(ctx, longReq("OLD", 100, 95, 1))
	require.NoError(t, err)
	f.clock = start.Add(20 * time.Hour)
	_, err = f.ledger.Open(ctx, longReq("NEW", 100, 95, 1))
	require.NoError(t, err)

	f.clock = start.Add(25 * time.Hour)
	trades, err := f.ledger.SweepStale(ctx, 24*time.Hour, f.clock)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, "OLD", trades[0].Instrument)
	assert.Equal(t, domain.ExitForced, trades[0].ExitReason)

	_, open := f.ledger.Position("NEW")
	assert.True(t, open)
	assert.Equal(t, 1, f.sink.count(domain.EventStaleSweep))
}

func TestSweepStaleDoesNotRetry(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig())
	ctx := context.Background()

	_, err := f.ledger.Open(ctx, longReq("OLD", 100, 95, 1))
	require.NoError(t, err)
	f.store.failTrade = -1
	f.clock = f.clock.Add(25 * time.Hour)

	_, err = f.ledger.SweepStale(ctx, 24*time.Hour, f.clock)
	require.ErrorIs(t, err, errDisk)
	assert.Empty(t, f.ledger.Positions())
	assert.Equal(t, 1, f.store.calls)
	assert.Equal(t, 1, f.sink.count(domain.EventForcedRemoval))
}

func TestForceCloseAll(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig())
	ctx := context.Background()

	for _, inst := range []string{"A", "B", "C"} {
		_, err := f.ledger.Open(ctx, longReq(inst, 100, 99, 1))
		require.NoError(t, err)
	}

	trades, err := f.ledger.ForceCloseAll(ctx, domain.ExitManual, map[string]float64{"B": 110})
	require.NoError(t, err)
	require.Len(t, trades, 3)
	assert.Empty(t, f.ledger.Positions())
	for _, tr := range trades {
		assert.Equal(t, domain.ExitManual, tr.ExitReason)
		if tr.Instrument == "B" {
			assert.InDelta(t, 110, tr.ExitPrice, 1e-9)
		} else {
			assert.InDelta(t, 100, tr.ExitPrice, 1e-9)
		}
	}
}

func TestRestoreFromSnapshot(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig())
	ctx := context.Background()

	_, err := f.ledger.Open(ctx, longReq("ETHUSDT", 100, 95, 2))
	require.NoError(t, err)
	_, err = f.ledger.UpdateFavorableExtreme(ctx, "ETHUSDT", 103)
	require.NoError(t, err)
	_, err = f.ledger.Open(ctx, longReq("SOLUSDT", 50, 48, 2))
	require.NoError(t, err)
	_, err = f.ledger.Close(ctx, "SOLUSDT", 49, domain.ExitStopLoss)
	require.NoError(t, err)

	restored := New(testConfig(), f.store, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	restored.now = func() time.Time { return f.clock }
	n, err := restored.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	pos, ok := restored.Position("ETHUSDT")
	require.True(t, ok)
	assert.InDelta(t, 103, pos.FavorableExtreme, 1e-9)
	assert.True(t, pos.Trailing())
	assert.InDelta(t, f.ledger.Balance(), restored.Balance(), 1e-9)
	assert.ErrorIs(t, restored.CheckEntry("SOLUSDT", f.clock), domain.ErrCooldownActive)

	agg, err := restored.DailyAggregate(ctx, domain.DayOf(f.clock))
	require.NoError(t, err)
	assert.Equal(t, 1, agg.Losses)
}

func TestDailyLossLimitAndMaxPositions(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.DailyLossLimit = 0.01
	cfg.MaxPositions = 1
	f := newFixture(t, cfg)
	ctx := context.Background()

	_, err := f.ledger.Open(ctx, longReq("A", 100, 95, 2))
	require.NoError(t, err)
	assert.ErrorIs(t, f.ledger.CheckEntry("B", f.clock), domain.ErrMaxPositions)

	_, err = f.ledger.Close(ctx, "A", 94, domain.ExitStopLoss) // -12
	require.NoError(t, err)
	assert.ErrorIs(t, f.ledger.CheckEntry("B", f.clock), domain.ErrDailyLossLimit)

	// The limit resets on the next UTC day.
	assert.NoError(t, f.ledger.CheckEntry("B", f.clock.Add(24*time.Hour)))
}

func TestDailyAggregateRejectsBadDate(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig())
	_, err := f.ledger.DailyAggregate(context.Background(), "03/02/2026")
	assert.ErrorIs(t, err, domain.ErrInvalidDate)
}

func TestCloseFailedIsBounded(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig())
	ctx := context.Background()

	_, err := f.ledger.Open(ctx, longReq("DOTUSDT", 10, 9.5, 10))
	require.NoError(t, err)

	fillErr := errors.New("venue rejected order")
	for i := 1; i < 3; i++ {
		res, err := f.ledger.CloseFailed(ctx, "DOTUSDT", fillErr)
		require.ErrorIs(t, err, fillErr)
		assert.Equal(t, i, res.Attempts)
		assert.False(t, res.Forced)
	}
	res, err := f.ledger.CloseFailed(ctx, "DOTUSDT", fillErr)
	require.ErrorIs(t, err, fillErr)
	assert.True(t, res.Forced)
	assert.Nil(t, res.Trade)
	assert.Empty(t, f.ledger.Positions())
	assert.InDelta(t, 1000, f.ledger.Balance(), 1e-9)
	assert.Equal(t, 1, f.sink.count(domain.EventForcedRemoval))
}

func TestDailyAggregateRollsOverAtUTCMidnight(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.DailyLossLimit = 0.01
	f := newFixture(t, cfg)
	ctx := context.Background()

	_, err := f.ledger.Open(ctx, longReq("A", 100, 95, 2))
	require.NoError(t, err)
	_, err = f.ledger.Close(ctx, "A", 94, domain.ExitStopLoss) // -12
	require.NoError(t, err)
	assert.ErrorIs(t, f.ledger.CheckEntry("B", f.clock), domain.ErrDailyLossLimit)

	f.clock = f.clock.Add(24 * time.Hour)
	require.NoError(t, f.ledger.CheckEntry("B", f.clock))
	_, err = f.ledger.Open(ctx, longReq("B", 100, 95, 1))
	require.NoError(t, err, "yesterday's loss does not block today's entries")
	_, err = f.ledger.Close(ctx, "B", 103, domain.ExitTakeProfit) // +3
	require.NoError(t, err)

	dayN, err := f.ledger.DailyAggregate(ctx, "2026-03-02")
	require.NoError(t, err)
	assert.Equal(t, 1, dayN.TotalTrades)
	assert.Equal(t, 1, dayN.Losses)
	assert.InDelta(t, -12, dayN.RealizedPnL, 1e-9)

	dayN1, err := f.ledger.DailyAggregate(ctx, "2026-03-03")
	require.NoError(t, err)
	assert.Equal(t, "2026-03-03", dayN1.Date)
	assert.Equal(t, 1, dayN1.TotalTrades)
	assert.Equal(t, 1, dayN1.Wins)
	assert.Zero(t, dayN1.Losses)
	assert.InDelta(t, 3, dayN1.RealizedPnL, 1e-9)
}

func TestClosingPositionIsLeftToItsOwner(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig())
	ctx := context.Background()

	_, err := f.ledger.Open(ctx, longReq("ETHUSDT", 100, 95, 1))
	require.NoError(t, err)
	pos, err := f.ledger.BeginClose(ctx, "ETHUSDT")
	require.NoError(t, err)
	assert.True(t, pos.Closing)

	_, err = f.ledger.BeginClose(ctx, "ETHUSDT")
	assert.ErrorIs(t, err, domain.ErrCloseInProgress)
	_, err = f.ledger.ForceClose(ctx, "ETHUSDT", 90, domain.ExitForced)
	assert.ErrorIs(t, err, domain.ErrCloseInProgress)

	f.clock = f.clock.Add(48 * time.Hour)
	swept, err := f.ledger.SweepStale(ctx, 24*time.Hour, f.clock)
	require.NoError(t, err)
	assert.Empty(t, swept)
	assert.Zero(t, f.sink.count(domain.EventStaleSweep))

	all, err := f.ledger.ForceCloseAll(ctx, domain.ExitManual, nil)
	require.NoError(t, err)
	assert.Empty(t, all)
	_, open := f.ledger.Position("ETHUSDT")
	require.True(t, open)

	// A failed exit fill hands the position back to sweeps.
	_, err = f.ledger.CloseFailed(ctx, "ETHUSDT", errors.New("venue rejected order"))
	require.Error(t, err)
	pos, _ = f.ledger.Position("ETHUSDT")
	assert.False(t, pos.Closing)

	swept, err = f.ledger.SweepStale(ctx, 24*time.Hour, f.clock)
	require.NoError(t, err)
	require.Len(t, swept, 1)
	assert.Equal(t, domain.ExitForced, swept[0].ExitReason)
}

func TestRestoreClearsClosing(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig())
	ctx := context.Background()

	_, err := f.ledger.Open(ctx, longReq("ETHUSDT", 100, 95, 1))
	require.NoError(t, err)
	_, err = f.ledger.BeginClose(ctx, "ETHUSDT")
	require.NoError(t, err)
	// Any later write snapshots the closing marker.
	_, err = f.ledger.Open(ctx, longReq("SOLUSDT", 50, 48, 1))
	require.NoError(t, err)

	restored := New(testConfig(), f.store, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	restored.now = func() time.Time { return f.clock }
	_, err = restored.Restore(ctx)
	require.NoError(t, err)
	pos, ok := restored.Position("ETHUSDT")
	require.True(t, ok)
	assert.False(t, pos.Closing)
}
