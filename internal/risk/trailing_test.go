package risk

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/spotguard/internal/domain"
)

func testTrailing() Trailing {
	return NewTrailing(TrailParams{
		ActivationPct: 0.015,
		ATRMultiplier: 2,
		FallbackPct:   0.01,
		TightenRate:   10,
		MinScale:      0.5,
	})
}

func openLong(entry, volatility float64) domain.Position {
	return domain.Position{
		Instrument:       "BNBUSDT",
		Side:             domain.SideLong,
		EntryPrice:       entry,
		Quantity:         1,
		StopLoss:         entry * 0.95,
		TakeProfit:       entry * 1.10,
		FavorableExtreme: entry,
		CurrentPrice:     entry,
		Volatility:       volatility,
		TrailState:       domain.TrailPreTrail,
	}
}

func TestTrailingScenario(t *testing.T) {
	t.Parallel()

	tr := testTrailing()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	pos := openLong(458.10, 4)

	_, activated := tr.Observe(&pos, 465.50, now)
	assert.True(t, activated)
	assert.Equal(t, domain.TrailActive, pos.TrailState)
	assert.False(t, tr.Evaluate(pos).Exit)

	tr.Observe(&pos, 479.87, now.Add(time.Minute))
	assert.InDelta(t, 479.87, pos.FavorableExtreme, 1e-9)
	assert.False(t, tr.Evaluate(pos).Exit)

	_, activated = tr.Observe(&pos, 470.00, now.Add(2*time.Minute))
	assert.False(t, activated)
	assert.InDelta(t, 479.87, pos.FavorableExtreme, 1e-9)

	d := tr.Evaluate(pos)
	require.True(t, d.Exit)
	assert.Equal(t, domain.ExitTrailingStop, d.Reason)
	assert.InDelta(t, 479.87-tr.Distance(pos), d.Level, 1e-9)
	assert.Greater(t, d.Level, 470.0)

	gross, _, _ := ComputePnL(pos.Side, pos.EntryPrice, pos.CurrentPrice, pos.Quantity, 0)
	assert.Greater(t, gross, 0.0)
}

func TestTrailingActivationIsOneWay(t *testing.T) {
	t.Parallel()

	tr := testTrailing()
	now := time.Now()
	pos := openLong(458.10, 4)

	tr.Observe(&pos, 465.50, now)
	require.Equal(t, domain.TrailActive, pos.TrailState)
	activatedAt := *pos.TrailActivatedAt

	// Retrace below the activation threshold but above the trail level.
	_, activated := tr.Observe(&pos, 460.00, now.Add(time.Second))
	assert.False(t, activated)
	assert.Equal(t, domain.TrailActive, pos.TrailState)
	assert.Equal(t, activatedAt, *pos.TrailActivatedAt)
	assert.False(t, tr.Evaluate(pos).Exit)
}

func TestStaticStopSupersededOnceTrailing(t *testing.T) {
	t.Parallel()

	tr := NewTrailing(TrailParams{ActivationPct: 0.015, ATRMultiplier: 10})
	pos := openLong(100, 1)
	pos.StopLoss = 99

	tr.Observe(&pos, 102, time.Now())
	require.True(t, pos.Trailing())

	// Trail sits at max(102-10, 99) = 99. A breach reports trailing-stop.
	tr.Observe(&pos, 99.5, time.Now())
	assert.False(t, tr.Evaluate(pos).Exit)

	tr.Observe(&pos, 98, time.Now())
	d := tr.Evaluate(pos)
	require.True(t, d.Exit)
	assert.Equal(t, domain.ExitTrailingStop, d.Reason)
}

func TestEvaluatePriority(t *testing.T) {
	t.Parallel()

	tr := testTrailing()

	pos := openLong(100, 1)
	tr.Observe(&pos, 110, time.Now())
	d := tr.Evaluate(pos)
	assert.Equal(t, domain.ExitTakeProfit, d.Reason)

	pos = openLong(100, 1)
	tr.Observe(&pos, 94, time.Now())
	d = tr.Evaluate(pos)
	assert.Equal(t, domain.ExitStopLoss, d.Reason)
	assert.False(t, pos.Trailing())
}

func TestTrailingShort(t *testing.T) {
	t.Parallel()

	tr := testTrailing()
	pos := domain.Position{
		Side:             domain.SideShort,
		EntryPrice:       200,
		StopLoss:         210,
		TakeProfit:       170,
		FavorableExtreme: 200,
		Volatility:       2,
		TrailState:       domain.TrailPreTrail,
	}

	tr.Observe(&pos, 196, time.Now())
	assert.True(t, pos.Trailing())
	tr.Observe(&pos, 190, time.Now())
	assert.InDelta(t, 190, pos.FavorableExtreme, 1e-9)

	tr.Observe(&pos, 195, time.Now())
	d := tr.Evaluate(pos)
	require.True(t, d.Exit)
	assert.Equal(t, domain.ExitTrailingStop, d.Reason)
	assert.Less(t, d.Level, 195.0)
}

func TestScaleFloor(t *testing.T) {
	t.Parallel()

	tr := NewTrailing(TrailParams{ActivationPct: 0.015, ATRMultiplier: 2, TightenRate: 10, MinScale: 0.1})
	assert.InDelta(t, 0.5, tr.Params().MinScale, 1e-9)

	pos := openLong(100, 1)
	tr.Observe(&pos, 200, time.Now())
	assert.InDelta(t, 0.5, tr.Scale(pos), 1e-9)
	assert.InDelta(t, 1, tr.Distance(pos), 1e-9)
}

func TestFavorableExtremeMonotonic(t *testing.T) {
	t.Parallel()

	tr := testTrailing()
	rng := rand.New(rand.NewSource(7))

	for run := 0; run < 50; run++ {
		pos := openLong(100, 1.5)
		pos.TakeProfit = 0
		pos.StopLoss = 1
		prev := pos.FavorableExtreme
		wasTrailing := false
		price := 100.0

		for i := 0; i < 500; i++ {
			price *= 1 + (rng.Float64()-0.5)*0.02
			tr.Observe(&pos, price, time.Now())

			assert.GreaterOrEqual(t, pos.FavorableExtreme, prev)
			if wasTrailing {
				assert.True(t, pos.Trailing())
			}
			prev = pos.FavorableExtreme
			wasTrailing = pos.Trailing()
		}
	}
}

func TestTrailLevelNeverLoosens(t *testing.T) {
	t.Parallel()

	tr := testTrailing()
	pos := openLong(100, 1.5)
	tr.Observe(&pos, 102, time.Now())
	require.True(t, pos.Trailing())

	prev := tr.Level(pos)
	for _, p := range []float64{103, 101, 104, 100.5, 107, 103, 112} {
		tr.Observe(&pos, p, time.Now())
		level := tr.Level(pos)
		assert.GreaterOrEqual(t, level, prev-1e-12)
		prev = level
	}
}
