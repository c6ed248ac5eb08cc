package risk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/spotguard/internal/domain"
)

func TestSize(t *testing.T) {
	t.Parallel()

	base := SizingParams{RiskPerTrade: 0.02, MaxSinglePosition: 0.5, EdgeCap: 0.2}

	tests := []struct {
		name    string
		in      SizingInput
		params  SizingParams
		want    float64
		clamped bool
		wantErr error
	}{
		{
			name:   "risk budget over stop distance",
			in:     SizingInput{Balance: 1000, EntryPrice: 100, StopPrice: 95},
			params: base,
			want:   4,
		},
		{
			name:    "clamped by single position cap",
			in:      SizingInput{Balance: 1000, EntryPrice: 100, StopPrice: 95},
			params:  SizingParams{RiskPerTrade: 0.02, MaxSinglePosition: 0.2, EdgeCap: 0.2},
			want:    2,
			clamped: true,
		},
		{
			name:   "short side uses absolute distance",
			in:     SizingInput{Balance: 1000, EntryPrice: 100, StopPrice: 105},
			params: base,
			want:   4,
		},
		{
			name:   "edge above ceiling is neutral",
			in:     SizingInput{Balance: 1000, EntryPrice: 100, StopPrice: 95, Edge: 0.9, HasEdge: true},
			params: base,
			want:   4,
		},
		{
			name:   "edge below ceiling shrinks",
			in:     SizingInput{Balance: 1000, EntryPrice: 100, StopPrice: 95, Edge: 0.1, HasEdge: true},
			params: base,
			want:   2,
		},
		{
			name:   "high volatility halves",
			in:     SizingInput{Balance: 1000, EntryPrice: 100, StopPrice: 95, Volatility: 9},
			params: SizingParams{RiskPerTrade: 0.02, MaxSinglePosition: 0.5, VolatilityScaling: true},
			want:   2,
		},
		{
			name:    "zero stop distance",
			in:      SizingInput{Balance: 1000, EntryPrice: 100, StopPrice: 100},
			params:  base,
			wantErr: domain.ErrInvalidStopDistance,
		},
		{
			name:    "no balance",
			in:      SizingInput{Balance: 0, EntryPrice: 100, StopPrice: 95},
			params:  base,
			wantErr: domain.ErrSizeTooSmall,
		},
		{
			name:    "no edge",
			in:      SizingInput{Balance: 1000, EntryPrice: 100, StopPrice: 95, Edge: -0.3, HasEdge: true},
			params:  base,
			wantErr: domain.ErrSizeTooSmall,
		},
		{
			name:    "below minimum quantity",
			in:      SizingInput{Balance: 1000, EntryPrice: 100, StopPrice: 95},
			params:  SizingParams{RiskPerTrade: 0.02, MaxSinglePosition: 0.5, MinQuantity: 5},
			wantErr: domain.ErrSizeTooSmall,
		},
		{
			name:    "non-positive entry",
			in:      SizingInput{Balance: 1000, EntryPrice: 0, StopPrice: 95},
			params:  base,
			wantErr: domain.ErrInvalidPrice,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := Size(tt.in, tt.params)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got.Quantity, 1e-9)
			assert.Equal(t, tt.clamped, got.Clamped)
			assert.LessOrEqual(t, got.Notional, tt.in.Balance*tt.params.MaxSinglePosition+1e-9)
		})
	}
}

func TestSizeRoundsDownToStep(t *testing.T) {
	t.Parallel()

	got, err := Size(
		SizingInput{Balance: 1000, EntryPrice: 30000, StopPrice: 29000},
		SizingParams{RiskPerTrade: 0.02, MaxSinglePosition: 0.5, QuantityStep: 0.001},
	)
	require.NoError(t, err)
	assert.InDelta(t, 0.016, got.Quantity, 1e-12)
	assert.True(t, got.Clamped)
}

func TestLevels(t *testing.T) {
	t.Parallel()

	p := LevelParams{StopATRMultiplier: 2, StopPct: 0.05, RewardRisk: 2}

	stop, target, err := Levels(domain.SideLong, 100, 2.5, 0, 0, p)
	require.NoError(t, err)
	assert.InDelta(t, 95, stop, 1e-9)
	assert.InDelta(t, 110, target, 1e-9)

	stop, target, err = Levels(domain.SideShort, 100, 0, 0, 0, p)
	require.NoError(t, err)
	assert.InDelta(t, 105, stop, 1e-9)
	assert.InDelta(t, 90, target, 1e-9)

	// Suggested levels are honored when on the right side of entry.
	stop, target, err = Levels(domain.SideLong, 100, 2.5, 97, 120, p)
	require.NoError(t, err)
	assert.InDelta(t, 97, stop, 1e-9)
	assert.InDelta(t, 120, target, 1e-9)

	// A long stop above entry is ignored.
	stop, _, err = Levels(domain.SideLong, 100, 2.5, 101, 0, p)
	require.NoError(t, err)
	assert.InDelta(t, 95, stop, 1e-9)

	_, _, err = Levels(domain.SideLong, 100, 0, 0, 0, LevelParams{RewardRisk: 2})
	assert.ErrorIs(t, err, domain.ErrInvalidStopDistance)
}

func TestHeat(t *testing.T) {
	t.Parallel()

	positions := []domain.Position{
		{EntryPrice: 100, StopLoss: 95, Quantity: 4},
		{EntryPrice: 50, StopLoss: 52, Quantity: 10},
	}
	assert.InDelta(t, 0.04, Heat(positions, 1000), 1e-9)
	assert.InDelta(t, 0.14, HeatWith(positions, 100, 1000), 1e-9)

	after, err := CheckHeat(positions, 100, 1000, 0.15)
	require.NoError(t, err)
	assert.InDelta(t, 0.14, after, 1e-9)

	_, err = CheckHeat(positions, 120, 1000, 0.15)
	assert.ErrorIs(t, err, domain.ErrPortfolioHeatExceeded)

	assert.Zero(t, Heat(nil, 0))
}

func TestComputePnL(t *testing.T) {
	t.Parallel()

	gross, fees, net := ComputePnL(domain.SideLong, 100, 110, 2, 0.001)
	assert.InDelta(t, 20, gross, 1e-9)
	assert.InDelta(t, 0.42, fees, 1e-9)
	assert.InDelta(t, 19.58, net, 1e-9)

	gross, _, net = ComputePnL(domain.SideShort, 100, 110, 2, 0)
	assert.InDelta(t, -20, gross, 1e-9)
	assert.InDelta(t, -20, net, 1e-9)
}

func TestATR(t *testing.T) {
	t.Parallel()

	candles := make([]Candle, 30)
	for i := range candles {
		candles[i] = Candle{Open: 100, High: 102, Low: 98, Close: 100}
	}
	atr, err := ATR(candles, 14)
	require.NoError(t, err)
	assert.InDelta(t, 4, atr, 1e-9)

	_, err = ATR(candles[:10], 14)
	assert.Error(t, err)
}

func TestKellyEdge(t *testing.T) {
	t.Parallel()

	_, ok := KellyEdge(domain.LifetimeStats{TotalTrades: 5, Wins: 3, AvgWin: 10, AvgLoss: -5}, 20)
	assert.False(t, ok, "too little history")

	edge, ok := KellyEdge(domain.LifetimeStats{TotalTrades: 40, Wins: 24, Losses: 16, AvgWin: 25, AvgLoss: -15}, 20)
	require.True(t, ok)
	// 0.5 * (0.6 - 0.4/(25/15)) = 0.18
	assert.InDelta(t, 0.18, edge, 1e-9)
	assert.InDelta(t, 0.9, EdgeMultiplier(edge, ok, 0.20), 1e-9)

	edge, ok = KellyEdge(domain.LifetimeStats{TotalTrades: 40, Wins: 10, Losses: 30, AvgWin: 10, AvgLoss: -10}, 20)
	require.True(t, ok)
	assert.Less(t, edge, 0.0)
	assert.InDelta(t, 0, EdgeMultiplier(edge, ok, 0.20), 1e-9)

	_, ok = KellyEdge(domain.LifetimeStats{TotalTrades: 30, Wins: 30, AvgWin: 10}, 20)
	assert.False(t, ok, "no losses, no payoff ratio")
}
