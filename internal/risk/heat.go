package risk

import (
	"fmt"
	"math"

	"github.com/alanyoungcy/spotguard/internal/domain"
)

// Heat is the capital at risk to the stops of all positions as a fraction of
// balance.
func Heat(positions []domain.Position, balance float64) float64 {
	return HeatWith(positions, 0, balance)
}

// HeatWith is Heat including a candidate entry risking candidateRisk.
func HeatWith(positions []domain.Position, candidateRisk, balance float64) float64 {
	total := candidateRisk
	for _, p := range positions {
		total += p.RiskAmount()
	}
	if balance <= 0 {
		if total > 0 {
			return math.Inf(1)
		}
		return 0
	}
	return total / balance
}

// CheckHeat rejects a candidate whose admission would push heat above ceiling.
func CheckHeat(positions []domain.Position, candidateRisk, balance, ceiling float64) (float64, error) {
	after := HeatWith(positions, candidateRisk, balance)
	if after > ceiling {
		return after, fmt.Errorf("risk: heat %.4f above ceiling %.4f: %w", after, ceiling, domain.ErrPortfolioHeatExceeded)
	}
	return after, nil
}
