package domain

import "errors"

var (
	ErrNotFound     = errors.New("not found")
	ErrUnauthorized = errors.New("unauthorized")
	ErrLockHeld     = errors.New("lock already held")
	ErrLockLost     = errors.New("lock lost")

	// Sizing and input validation. Never retried.
	ErrInvalidPrice        = errors.New("invalid price")
	ErrInvalidStopDistance = errors.New("invalid stop distance")
	ErrSizeTooSmall        = errors.New("size too small")
	ErrInvalidSignal       = errors.New("invalid signal")
	ErrConfidenceTooLow    = errors.New("confidence below threshold")
	ErrDuplicateSignal     = errors.New("duplicate signal")
	ErrInvalidDate         = errors.New("invalid date")

	// Admission rejections.
	ErrPortfolioHeatExceeded = errors.New("portfolio heat exceeded")
	ErrCooldownActive        = errors.New("cooldown active")
	ErrMaxPositions          = errors.New("max concurrent positions reached")
	ErrDailyLossLimit        = errors.New("daily loss limit reached")
	ErrInstrumentFlagged     = errors.New("instrument flagged")

	// Transient.
	ErrPriceUnavailable = errors.New("price unavailable")
	ErrBadTick          = errors.New("bad tick")

	// Invariant violations.
	ErrInvariantViolation = errors.New("invariant violation")
	ErrPositionExists     = errors.New("position already open")
	ErrCloseInProgress    = errors.New("close in progress")

	// Process-level conflicts.
	ErrAlreadyRunning = errors.New("already running")
)
