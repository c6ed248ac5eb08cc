// Package metrics exposes Prometheus instruments for the position engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "spotguard"

var OpenPositions = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: namespace,
	Subsystem: "ledger",
	Name:      "open_positions",
	Help:      "Number of open positions held by the ledger.",
})

var PortfolioHeat = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: namespace,
	Subsystem: "ledger",
	Name:      "portfolio_heat_ratio",
	Help:      "Capital at risk to the stops as a fraction of balance.",
})

var Balance = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: namespace,
	Subsystem: "ledger",
	Name:      "balance",
	Help:      "Account balance tracked by the ledger.",
})

var TradesClosed = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "ledger",
	Name:      "trades_closed_total",
	Help:      "Closed trades by exit reason.",
}, []string{"reason"})

var CloseFailures = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "ledger",
	Name:      "close_failures_total",
	Help:      "Failed close attempts by instrument.",
}, []string{"instrument"})

var ForcedRemovals = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "ledger",
	Name:      "forced_removals_total",
	Help:      "Positions removed without completed bookkeeping.",
}, []string{"instrument"})

var EntryRejections = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "entry",
	Name:      "rejections_total",
	Help:      "Rejected entry signals by reason.",
}, []string{"reason"})

var BadTicks = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "monitor",
	Name:      "bad_ticks_total",
	Help:      "Price ticks discarded by the sanity filter.",
}, []string{"instrument"})

// TickLatency buckets are in seconds and cover a slow REST poll.
var TickLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: namespace,
	Subsystem: "monitor",
	Name:      "tick_duration_seconds",
	Help:      "Time spent processing one monitor tick.",
	Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
}, []string{"instrument"})
