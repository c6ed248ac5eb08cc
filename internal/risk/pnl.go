package risk

import (
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/spotguard/internal/domain"
)

// ComputePnL returns gross P&L, fees charged on both legs at feeRate, and
// net P&L, each rounded to 8 decimal places.
func ComputePnL(side domain.Side, entry, exit, qty, feeRate float64) (gross, fees, net float64) {
	e := decimal.NewFromFloat(entry)
	x := decimal.NewFromFloat(exit)
	q := decimal.NewFromFloat(qty)

	g := x.Sub(e).Mul(q)
	if side == domain.SideShort {
		g = g.Neg()
	}
	f := e.Add(x).Mul(q).Mul(decimal.NewFromFloat(feeRate))
	n := g.Sub(f)

	return g.Round(8).InexactFloat64(), f.Round(8).InexactFloat64(), n.Round(8).InexactFloat64()
}
