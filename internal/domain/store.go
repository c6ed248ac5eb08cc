package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit      int
	Offset     int
	Instrument string
	Since      *time.Time
	Until      *time.Time
}

// TradeStore persists closed trades. RecordTrade is idempotent by trade ID so
// a retried close never duplicates history.
type TradeStore interface {
	RecordTrade(ctx context.Context, t TradeRecord) error
	ListTrades(ctx context.Context, opts ListOpts) ([]TradeRecord, error)
}

// StatsStore serves daily and lifetime aggregates derived from trade history.
type StatsStore interface {
	DailyAggregate(ctx context.Context, date string) (DailyAggregate, error)
	LifetimeStats(ctx context.Context) (LifetimeStats, error)
	Recalculate(ctx context.Context) error
}

// SnapshotStore persists the ledger's open state. LoadSnapshot returns
// ErrNotFound when nothing has been saved yet.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, snap LedgerSnapshot) error
	LoadSnapshot(ctx context.Context) (LedgerSnapshot, error)
}

// Persistence is the durable store behind the ledger.
type Persistence interface {
	TradeStore
	StatsStore
	SnapshotStore
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64          `json:"id"`
	Event     string         `json:"event"`
	Detail    map[string]any `json:"detail"`
	CreatedAt time.Time      `json:"createdAt"`
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}

// PriceBatch reads the latest prices of several instruments at once.
// Instruments without a usable price are omitted from the result.
type PriceBatch interface {
	GetPrices(ctx context.Context, instruments []string) (map[string]float64, error)
}

// PriceFeed returns the latest price for an instrument. It is polled.
type PriceFeed interface {
	LatestPrice(ctx context.Context, instrument string) (PriceTick, error)
}

// Filler supplies fill prices for entries and exits.
type Filler interface {
	Fill(ctx context.Context, req FillRequest) (float64, error)
}

// EventSink receives operator-visible events. Emit must not block the
// caller on slow downstream delivery.
type EventSink interface {
	Emit(ctx context.Context, ev Event)
}
