package domain

import (
	"fmt"
	"strings"
	"time"
)

// EntrySignal is a candidate entry produced by an external signal source.
// Confidence is an opaque ordered score; only its comparison against the
// configured threshold matters. Zero SuggestedStop or SuggestedTarget means
// the engine derives the level itself.
type EntrySignal struct {
	ID              string    `json:"id"`
	Instrument      string    `json:"instrument"`
	Side            Side      `json:"side"`
	Confidence      float64   `json:"confidence"`
	SuggestedStop   float64   `json:"suggestedStop,omitempty"`
	SuggestedTarget float64   `json:"suggestedTarget,omitempty"`
	Price           float64   `json:"price,omitempty"`
	Volatility      float64   `json:"volatility,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
}

// Validate checks the fields every signal must carry.
func (s EntrySignal) Validate() error {
	switch {
	case strings.TrimSpace(s.Instrument) == "":
		return fmt.Errorf("%w: instrument is required", ErrInvalidSignal)
	case !s.Side.Valid():
		return fmt.Errorf("%w: unknown side %q", ErrInvalidSignal, s.Side)
	case s.SuggestedStop < 0 || s.SuggestedTarget < 0 || s.Price < 0 || s.Volatility < 0:
		return fmt.Errorf("%w: negative level", ErrInvalidSignal)
	}
	return nil
}

// PriceTick is a single polled observation from the price feed.
type PriceTick struct {
	Instrument string    `json:"instrument"`
	Price      float64   `json:"price"`
	Timestamp  time.Time `json:"timestamp"`
}

// FillRequest asks the execution collaborator for a fill price.
type FillRequest struct {
	Instrument string
	Side       Side
	Quantity   float64
	Price      float64
	Closing    bool
}
