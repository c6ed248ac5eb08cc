package domain

import "time"

// EventType names something the ledger or the entry pipeline reports to
// operators.
type EventType string

const (
	EventPositionOpened     EventType = "position_opened"
	EventPositionClosed     EventType = "position_closed"
	EventCloseFailed        EventType = "close_failed"
	EventForcedRemoval      EventType = "forced_removal"
	EventHeatRejected       EventType = "heat_rejected"
	EventCooldownRejected   EventType = "cooldown_rejected"
	EventEntryRejected      EventType = "entry_rejected"
	EventInvariantViolation EventType = "invariant_violation"
	EventStaleSweep         EventType = "stale_sweep"
	EventTrailingActivated  EventType = "trailing_activated"
)

// Event is a single operator-visible occurrence.
type Event struct {
	Type       EventType      `json:"type"`
	Instrument string         `json:"instrument,omitempty"`
	Message    string         `json:"message"`
	Fields     map[string]any `json:"fields,omitempty"`
	At         time.Time      `json:"at"`
}

// LedgerSnapshot is the durable copy of the ledger's open state, read back
// only at startup.
type LedgerSnapshot struct {
	Balance       float64              `json:"balance"`
	Positions     []Position           `json:"positions"`
	Cooldowns     map[string]time.Time `json:"cooldowns"`
	Flags         map[string]string    `json:"flags"`
	CloseAttempts map[string]int       `json:"closeAttempts"`
	SavedAt       time.Time            `json:"savedAt"`
}
