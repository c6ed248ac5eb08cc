package risk

import (
	"math"
	"time"

	"github.com/alanyoungcy/spotguard/internal/domain"
)

// TrailParams configure the exit state machine.
type TrailParams struct {
	ActivationPct float64 // favorable move from entry that arms the trail
	ATRMultiplier float64
	FallbackPct   float64 // trail distance as a fraction of the extreme when volatility is 0
	TightenRate   float64 // scale reduction per unit of gain beyond activation
	MinScale      float64 // floor on the tightening scale
}

// ExitDecision is the outcome of evaluating a position against its levels.
type ExitDecision struct {
	Exit   bool              `json:"exit"`
	Reason domain.ExitReason `json:"reason,omitempty"`
	Level  float64           `json:"level,omitempty"`
}

// Trailing evaluates the per-position exit state machine:
// pre_trail -> trailing_active, one way.
type Trailing struct {
	p TrailParams
}

// NewTrailing returns a Trailing with the floor on MinScale enforced.
func NewTrailing(p TrailParams) Trailing {
	if p.MinScale < 0.5 {
		p.MinScale = 0.5
	}
	if p.MinScale > 1 {
		p.MinScale = 1
	}
	return Trailing{p: p}
}

// Params returns the effective parameters.
func (t Trailing) Params() TrailParams {
	return t.p
}

// Observe folds a new price into pos. The favorable extreme only moves in the
// profitable direction, and activation is checked against the extreme only
// while the trail is not yet armed.
func (t Trailing) Observe(pos *domain.Position, price float64, now time.Time) (changed, activated bool) {
	pos.CurrentPrice = price
	pos.UpdatedAt = now

	if pos.FavorableExtreme <= 0 {
		pos.FavorableExtreme = pos.EntryPrice
		changed = true
	}
	if pos.Side.Sign()*(price-pos.FavorableExtreme) > 0 {
		pos.FavorableExtreme = price
		changed = true
	}

	if pos.TrailState != domain.TrailActive && pos.FavorableMovePct() >= t.p.ActivationPct {
		pos.TrailState = domain.TrailActive
		at := now
		pos.TrailActivatedAt = &at
		changed, activated = true, true
	}
	return changed, activated
}

// Distance is how far behind the favorable extreme the trail sits.
func (t Trailing) Distance(pos domain.Position) float64 {
	base := pos.Volatility * t.p.ATRMultiplier
	if base <= 0 {
		base = pos.FavorableExtreme * t.p.FallbackPct
	}
	return base * t.Scale(pos)
}

// Scale tightens the trail as the peak gain grows past activation. It is a
// function of the extreme, so the trail level never loosens.
func (t Trailing) Scale(pos domain.Position) float64 {
	beyond := pos.FavorableMovePct() - t.p.ActivationPct
	if beyond <= 0 || t.p.TightenRate <= 0 {
		return 1
	}
	return math.Max(t.p.MinScale, 1-t.p.TightenRate*beyond)
}

// Level is the trailing exit level. It is never worse than the static stop.
func (t Trailing) Level(pos domain.Position) float64 {
	sign := pos.Side.Sign()
	level := pos.FavorableExtreme - sign*t.Distance(pos)
	if pos.StopLoss > 0 && sign*(pos.StopLoss-level) > 0 {
		level = pos.StopLoss
	}
	return level
}

// Evaluate checks exits in priority order: take-profit, then the trailing
// level while armed, then the static stop while not armed.
func (t Trailing) Evaluate(pos domain.Position) ExitDecision {
	sign := pos.Side.Sign()
	price := pos.CurrentPrice

	if pos.TakeProfit > 0 && sign*(price-pos.TakeProfit) >= 0 {
		return ExitDecision{Exit: true, Reason: domain.ExitTakeProfit, Level: pos.TakeProfit}
	}
	if pos.Trailing() {
		if level := t.Level(pos); sign*(price-level) <= 0 {
			return ExitDecision{Exit: true, Reason: domain.ExitTrailingStop, Level: level}
		}
		return ExitDecision{}
	}
	if pos.StopLoss > 0 && sign*(price-pos.StopLoss) <= 0 {
		return ExitDecision{Exit: true, Reason: domain.ExitStopLoss, Level: pos.StopLoss}
	}
	return ExitDecision{}
}
