package app

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/spotguard/internal/config"
	"github.com/alanyoungcy/spotguard/internal/domain"
	"github.com/alanyoungcy/spotguard/internal/store/filestore"
)

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func testConfig(t *testing.T, mode string) *config.Config {
	t.Helper()
	cfg := config.Defaults()
	cfg.Mode = mode
	cfg.Storage.DataDir = t.TempDir()
	cfg.Guard.MarkerPath = filepath.Join(cfg.Storage.DataDir, "engine.lock")
	cfg.Server.Enabled = false
	require.NoError(t, cfg.Validate())
	return &cfg
}

func trade(id string, closedAt time.Time, net float64) domain.TradeRecord {
	return domain.TradeRecord{
		ID:         id,
		PositionID: id,
		Instrument: "BTCUSDT",
		Side:       domain.SideLong,
		EntryPrice: 100,
		ExitPrice:  100 + net,
		Quantity:   1,
		GrossPnL:   net,
		NetPnL:     net,
		OpenedAt:   closedAt.Add(-time.Hour),
		ClosedAt:   closedAt,
		ExitReason: domain.ExitTakeProfit,
	}
}

func TestNeedsRuntime(t *testing.T) {
	t.Parallel()
	assert.True(t, needsRuntime("trade"))
	assert.True(t, needsRuntime("MONITOR"))
	assert.False(t, needsRuntime("report"))
}

func TestReportMode(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t, "report")

	store, err := filestore.New(cfg.Storage.DataDir, quietLogger())
	require.NoError(t, err)
	now := time.Now().UTC()
	ctx := context.Background()
	require.NoError(t, store.RecordTrade(ctx, trade("t1", now.Add(-48*time.Hour), -2)))
	require.NoError(t, store.RecordTrade(ctx, trade("t2", now, 5)))

	var out bytes.Buffer
	a := New(cfg, quietLogger())
	a.SetOutput(&out)
	a.SetRecalculate(true)
	defer a.Close()

	require.NoError(t, a.Run(ctx))

	report := out.String()
	assert.Contains(t, report, "2 (1 won, 1 lost)")
	assert.Contains(t, report, "3.00")
	assert.Contains(t, report, "TODAY "+domain.DayOf(now))
	assert.Contains(t, report, "1 (1 won, 0 lost)")

	_, err = os.Stat(cfg.Guard.MarkerPath)
	assert.True(t, os.IsNotExist(err), "guard released after recalculation")
}

func TestTradeModeStopsOnCancel(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t, "trade")

	ctx, cancel := context.WithCancel(context.Background())
	a := New(cfg, quietLogger())
	defer a.Close()

	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	require.Eventually(t, func() bool {
		_, err := os.Stat(cfg.Guard.MarkerPath)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond, "guard acquired")

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("trade mode did not stop")
	}

	_, err := os.Stat(cfg.Guard.MarkerPath)
	assert.True(t, os.IsNotExist(err), "guard released on shutdown")
}
