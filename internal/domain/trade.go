package domain

import (
	"math"
	"sort"
	"time"
)

// ExitReason describes why a position was closed.
type ExitReason string

const (
	ExitTakeProfit   ExitReason = "take-profit"
	ExitStopLoss     ExitReason = "stop-loss"
	ExitTrailingStop ExitReason = "trailing-stop"
	ExitForced       ExitReason = "forced"
	ExitManual       ExitReason = "manual"
)

// Valid reports whether r is a known exit reason.
func (r ExitReason) Valid() bool {
	switch r {
	case ExitTakeProfit, ExitStopLoss, ExitTrailingStop, ExitForced, ExitManual:
		return true
	}
	return false
}

// TradeRecord is the immutable record of a closed position.
type TradeRecord struct {
	ID         string     `json:"id"`
	PositionID string     `json:"positionId"`
	Instrument string     `json:"instrument"`
	Side       Side       `json:"side"`
	EntryPrice float64    `json:"entryPrice"`
	ExitPrice  float64    `json:"exitPrice"`
	Quantity   float64    `json:"quantity"`
	GrossPnL   float64    `json:"grossPnl"`
	Fees       float64    `json:"fees"`
	NetPnL     float64    `json:"netPnl"`
	OpenedAt   time.Time  `json:"openedAt"`
	ClosedAt   time.Time  `json:"closedAt"`
	ExitReason ExitReason `json:"exitReason"`
}

// Win reports whether the trade realized a positive net P&L.
func (t TradeRecord) Win() bool {
	return t.NetPnL > 0
}

// Day returns the UTC date the trade closed on, formatted YYYY-MM-DD.
func (t TradeRecord) Day() string {
	return DayOf(t.ClosedAt)
}

// DayOf formats ts as a UTC calendar date.
func DayOf(ts time.Time) string {
	return ts.UTC().Format(DateLayout)
}

// DateLayout is the layout used for aggregate dates.
const DateLayout = "2006-01-02"

// DailyAggregate accumulates realized results for a single UTC day.
type DailyAggregate struct {
	Date        string  `json:"date"`
	RealizedPnL float64 `json:"realizedPnl"`
	TotalTrades int     `json:"totalTrades"`
	Wins        int     `json:"wins"`
	Losses      int     `json:"losses"`
	WinRate     float64 `json:"winRate"`
	TotalFees   float64 `json:"totalFees"`
	BestTrade   float64 `json:"bestTrade"`
	WorstTrade  float64 `json:"worstTrade"`
}

// Apply folds a closed trade into the aggregate.
func (d *DailyAggregate) Apply(t TradeRecord) {
	if d.TotalTrades == 0 {
		d.BestTrade = t.NetPnL
		d.WorstTrade = t.NetPnL
	}
	d.RealizedPnL = round2(d.RealizedPnL + t.NetPnL)
	d.TotalFees = round2(d.TotalFees + t.Fees)
	d.TotalTrades++
	if t.Win() {
		d.Wins++
	} else {
		d.Losses++
	}
	d.BestTrade = math.Max(d.BestTrade, t.NetPnL)
	d.WorstTrade = math.Min(d.WorstTrade, t.NetPnL)
	d.WinRate = round2(float64(d.Wins) / float64(d.TotalTrades) * 100)
}

// ComputeDaily rebuilds the aggregate for date from trade history.
func ComputeDaily(date string, trades []TradeRecord) DailyAggregate {
	agg := DailyAggregate{Date: date}
	for _, t := range trades {
		if t.Day() == date {
			agg.Apply(t)
		}
	}
	return agg
}

// LifetimeStats summarises every trade ever recorded.
type LifetimeStats struct {
	TotalTrades   int        `json:"totalTrades"`
	Wins          int        `json:"wins"`
	Losses        int        `json:"losses"`
	WinRate       float64    `json:"winRate"`
	TotalPnL      float64    `json:"totalPnl"`
	TotalFees     float64    `json:"totalFees"`
	AvgWin        float64    `json:"avgWin"`
	AvgLoss       float64    `json:"avgLoss"`
	ProfitFactor  float64    `json:"profitFactor"`
	LargestWin    float64    `json:"largestWin"`
	LargestLoss   float64    `json:"largestLoss"`
	CurrentStreak int        `json:"currentStreak"`
	MaxWinStreak  int        `json:"maxWinStreak"`
	MaxLossStreak int        `json:"maxLossStreak"`
	BestDay       string     `json:"bestDay,omitempty"`
	BestDayPnL    float64    `json:"bestDayPnl"`
	WorstDay      string     `json:"worstDay,omitempty"`
	WorstDayPnL   float64    `json:"worstDayPnl"`
	FirstTradeAt  *time.Time `json:"firstTradeAt,omitempty"`
	LastTradeAt   *time.Time `json:"lastTradeAt,omitempty"`
}

// ComputeLifetime derives lifetime statistics from trade history. Positive
// CurrentStreak counts consecutive wins, negative counts consecutive losses.
func ComputeLifetime(trades []TradeRecord) LifetimeStats {
	var s LifetimeStats
	if len(trades) == 0 {
		return s
	}

	sorted := make([]TradeRecord, len(trades))
	copy(sorted, trades)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].ClosedAt.Before(sorted[j].ClosedAt)
	})

	var grossWin, grossLoss float64
	days := make(map[string]float64)
	for _, t := range sorted {
		s.TotalTrades++
		s.TotalPnL += t.NetPnL
		s.TotalFees += t.Fees
		days[t.Day()] += t.NetPnL

		if t.Win() {
			s.Wins++
			grossWin += t.NetPnL
			if s.CurrentStreak < 0 {
				s.CurrentStreak = 0
			}
			s.CurrentStreak++
			s.MaxWinStreak = max(s.MaxWinStreak, s.CurrentStreak)
		} else {
			s.Losses++
			grossLoss += -t.NetPnL
			if s.CurrentStreak > 0 {
				s.CurrentStreak = 0
			}
			s.CurrentStreak--
			s.MaxLossStreak = max(s.MaxLossStreak, -s.CurrentStreak)
		}
		s.LargestWin = math.Max(s.LargestWin, t.NetPnL)
		s.LargestLoss = math.Min(s.LargestLoss, t.NetPnL)
	}

	if s.Wins > 0 {
		s.AvgWin = round2(grossWin / float64(s.Wins))
	}
	if s.Losses > 0 {
		s.AvgLoss = round2(-grossLoss / float64(s.Losses))
	}
	if grossLoss > 0 {
		s.ProfitFactor = round2(grossWin / grossLoss)
	}
	s.WinRate = round2(float64(s.Wins) / float64(s.TotalTrades) * 100)
	s.TotalPnL = round2(s.TotalPnL)
	s.TotalFees = round2(s.TotalFees)

	keys := make([]string, 0, len(days))
	for day := range days {
		keys = append(keys, day)
	}
	sort.Strings(keys)
	for i, day := range keys {
		pnl := days[day]
		if i == 0 || pnl > s.BestDayPnL {
			s.BestDay, s.BestDayPnL = day, pnl
		}
		if i == 0 || pnl < s.WorstDayPnL {
			s.WorstDay, s.WorstDayPnL = day, pnl
		}
	}
	s.BestDayPnL = round2(s.BestDayPnL)
	s.WorstDayPnL = round2(s.WorstDayPnL)

	firstAt := sorted[0].ClosedAt
	lastAt := sorted[len(sorted)-1].ClosedAt
	s.FirstTradeAt = &firstAt
	s.LastTradeAt = &lastAt
	return s
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
