package domain

import (
	"math"
	"time"
)

// Side is the direction of a spot position.
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// Valid reports whether s is a known side.
func (s Side) Valid() bool {
	return s == SideLong || s == SideShort
}

// Sign returns +1 for long and -1 for short.
func (s Side) Sign() float64 {
	if s == SideShort {
		return -1
	}
	return 1
}

// TrailState is the exit state of an open position.
type TrailState string

const (
	TrailPreTrail TrailState = "pre_trail"
	TrailActive   TrailState = "trailing_active"
)

// Position is a single open position. At most one exists per instrument.
type Position struct {
	ID               string     `json:"id"`
	Instrument       string     `json:"instrument"`
	Side             Side       `json:"side"`
	EntryPrice       float64    `json:"entryPrice"`
	Quantity         float64    `json:"quantity"`
	StopLoss         float64    `json:"stopLoss"`
	TakeProfit       float64    `json:"takeProfit"`
	FavorableExtreme float64    `json:"favorableExtreme"`
	CurrentPrice     float64    `json:"currentPrice"`
	Volatility       float64    `json:"volatility"`
	TrailState       TrailState `json:"trailState"`
	TrailActivatedAt *time.Time `json:"trailActivatedAt,omitempty"`
	// Closing is set while an exit fill for the position is in flight.
	Closing          bool       `json:"closing,omitempty"`
	OpenedAt         time.Time  `json:"openedAt"`
	UpdatedAt        time.Time  `json:"updatedAt"`
}

// Trailing reports whether the trailing stop has been activated.
func (p Position) Trailing() bool {
	return p.TrailState == TrailActive
}

// RiskAmount is the capital lost if the static stop is hit.
func (p Position) RiskAmount() float64 {
	return p.Quantity * math.Abs(p.EntryPrice-p.StopLoss)
}

// Notional is the entry value of the position.
func (p Position) Notional() float64 {
	return p.Quantity * p.EntryPrice
}

// UnrealizedPnL is the gross P&L at CurrentPrice.
func (p Position) UnrealizedPnL() float64 {
	return p.Side.Sign() * (p.CurrentPrice - p.EntryPrice) * p.Quantity
}

// FavorableMovePct is the peak favorable excursion from entry as a fraction.
func (p Position) FavorableMovePct() float64 {
	if p.EntryPrice <= 0 {
		return 0
	}
	return p.Side.Sign() * (p.FavorableExtreme - p.EntryPrice) / p.EntryPrice
}

// Age returns how long the position has been open at now.
func (p Position) Age(now time.Time) time.Duration {
	return now.Sub(p.OpenedAt)
}
