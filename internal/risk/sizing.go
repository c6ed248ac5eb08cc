// Package risk holds the pure sizing, exposure and exit-evaluation rules of
// the engine. Nothing in this package performs I/O or keeps state.
package risk

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/spotguard/internal/domain"
)

// SizingParams are the account-level limits applied to every entry.
type SizingParams struct {
	RiskPerTrade      float64 // fraction of balance risked to the stop
	MaxSinglePosition float64 // max notional as a fraction of balance
	EdgeCap           float64 // ceiling applied to the edge estimate
	VolatilityScaling bool
	MinQuantity       float64
	QuantityStep      float64
}

// SizingInput describes one candidate entry.
type SizingInput struct {
	Balance    float64
	EntryPrice float64
	StopPrice  float64
	Volatility float64
	Edge       float64
	HasEdge    bool
}

// Sizing is the result of Size.
type Sizing struct {
	Quantity       float64 `json:"quantity"`
	RiskBudget     float64 `json:"riskBudget"`
	RiskAmount     float64 `json:"riskAmount"`
	Notional       float64 `json:"notional"`
	EdgeMultiplier float64 `json:"edgeMultiplier"`
	VolatilityAdj  float64 `json:"volatilityAdj"`
	Clamped        bool    `json:"clamped"`
}

// Size computes the quantity whose loss at the stop equals the risk budget,
// clamped so the notional never exceeds the single-position cap.
func Size(in SizingInput, p SizingParams) (Sizing, error) {
	if in.EntryPrice <= 0 || in.StopPrice < 0 || math.IsNaN(in.EntryPrice) || math.IsNaN(in.StopPrice) {
		return Sizing{}, fmt.Errorf("risk: size: entry %.8f stop %.8f: %w", in.EntryPrice, in.StopPrice, domain.ErrInvalidPrice)
	}
	stopDistance := math.Abs(in.EntryPrice - in.StopPrice)
	if stopDistance == 0 {
		return Sizing{}, fmt.Errorf("risk: size: entry equals stop at %.8f: %w", in.EntryPrice, domain.ErrInvalidStopDistance)
	}

	s := Sizing{
		EdgeMultiplier: EdgeMultiplier(in.Edge, in.HasEdge, p.EdgeCap),
		VolatilityAdj:  1,
	}
	if p.VolatilityScaling {
		s.VolatilityAdj = VolatilityAdjustment(in.Volatility, in.EntryPrice)
	}

	s.RiskBudget = in.Balance * p.RiskPerTrade * s.EdgeMultiplier * s.VolatilityAdj
	qty := s.RiskBudget / stopDistance

	if p.MaxSinglePosition > 0 {
		maxQty := in.Balance * p.MaxSinglePosition / in.EntryPrice
		if qty > maxQty {
			qty = maxQty
			s.Clamped = true
		}
	}
	if p.QuantityStep > 0 {
		qty = floorToStep(qty, p.QuantityStep)
	}
	if qty <= 0 || math.IsNaN(qty) || (p.MinQuantity > 0 && qty < p.MinQuantity) {
		return Sizing{}, fmt.Errorf("risk: size: quantity %.8f: %w", qty, domain.ErrSizeTooSmall)
	}

	s.Quantity = qty
	s.RiskAmount = qty * stopDistance
	s.Notional = qty * in.EntryPrice
	return s, nil
}

// EdgeMultiplier maps an edge estimate onto [0, 1]. The estimate is clamped
// to the ceiling first, so an overconfident estimate can never size above the plain
// risk budget. Without an estimate the multiplier is 1.
func EdgeMultiplier(edge float64, has bool, ceiling float64) float64 {
	if !has || ceiling <= 0 {
		return 1
	}
	edge = math.Max(0, math.Min(edge, ceiling))
	return edge / ceiling
}

// VolatilityAdjustment shrinks size for instruments whose volatility is a
// large share of price.
func VolatilityAdjustment(volatility, price float64) float64 {
	if volatility <= 0 || price <= 0 {
		return 1
	}
	switch pct := volatility / price; {
	case pct > 0.08:
		return 0.5
	case pct > 0.05:
		return 0.75
	default:
		return 1
	}
}

func floorToStep(qty, step float64) float64 {
	d := decimal.NewFromFloat(step)
	return decimal.NewFromFloat(qty).Div(d).Floor().Mul(d).InexactFloat64()
}

// LevelParams derive protective levels when the signal does not supply them.
type LevelParams struct {
	StopATRMultiplier float64
	StopPct           float64 // used when no volatility measure is available
	RewardRisk        float64
}

// Levels returns the stop-loss and take-profit for an entry. Suggested levels
// are used when they sit on the protective side of entry.
func Levels(side domain.Side, entry, volatility, suggestedStop, suggestedTarget float64, p LevelParams) (stop, target float64, err error) {
	if entry <= 0 {
		return 0, 0, fmt.Errorf("risk: levels: entry %.8f: %w", entry, domain.ErrInvalidPrice)
	}
	sign := side.Sign()

	stop = suggestedStop
	if stop <= 0 || sign*(entry-stop) <= 0 {
		dist := volatility * p.StopATRMultiplier
		if dist <= 0 {
			dist = entry * p.StopPct
		}
		stop = entry - sign*dist
	}
	if stop <= 0 || stop == entry {
		return 0, 0, fmt.Errorf("risk: levels: stop %.8f for entry %.8f: %w", stop, entry, domain.ErrInvalidStopDistance)
	}

	target = suggestedTarget
	if target <= 0 || sign*(target-entry) <= 0 {
		target = entry + sign*math.Abs(entry-stop)*p.RewardRisk
	}
	if target <= 0 {
		target = 0
	}
	return stop, target, nil
}

// KellyEdge returns half the Kelly fraction implied by trade history. It
// reports false until minTrades trades exist or when the history has no
// wins or no losses to form a payoff ratio.
func KellyEdge(stats domain.LifetimeStats, minTrades int) (float64, bool) {
	if stats.TotalTrades < minTrades || stats.TotalTrades == 0 {
		return 0, false
	}
	avgLoss := math.Abs(stats.AvgLoss)
	if stats.AvgWin <= 0 || avgLoss == 0 {
		return 0, false
	}
	winRate := float64(stats.Wins) / float64(stats.TotalTrades)
	payoff := stats.AvgWin / avgLoss
	return 0.5 * (winRate - (1-winRate)/payoff), true
}
