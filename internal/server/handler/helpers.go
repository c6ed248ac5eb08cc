package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	jsoniter "github.com/json-iterator/go"

	"github.com/alanyoungcy/spotguard/internal/domain"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// writeJSON marshals v as JSON and writes it to the response with the given
// HTTP status code. If marshaling fails, it falls back to a plain-text 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(data)
}

// writeError sends a JSON-formatted error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps a domain error to an HTTP status code.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidSignal),
		errors.Is(err, domain.ErrInvalidDate),
		errors.Is(err, domain.ErrInvalidPrice),
		errors.Is(err, domain.ErrInvalidStopDistance),
		errors.Is(err, domain.ErrSizeTooSmall),
		errors.Is(err, domain.ErrConfidenceTooLow):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrDuplicateSignal),
		errors.Is(err, domain.ErrPositionExists),
		errors.Is(err, domain.ErrInvariantViolation):
		return http.StatusConflict
	case errors.Is(err, domain.ErrPortfolioHeatExceeded),
		errors.Is(err, domain.ErrCooldownActive),
		errors.Is(err, domain.ErrMaxPositions),
		errors.Is(err, domain.ErrDailyLossLimit),
		errors.Is(err, domain.ErrInstrumentFlagged):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrPriceUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusUnauthorized
	}
	return http.StatusInternalServerError
}

// writeDomainError logs server-side failures and writes err with its mapped
// status. Client errors are returned verbatim.
func writeDomainError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, op string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logger.ErrorContext(r.Context(), "handler: "+op+" failed", slog.String("error", err.Error()))
		if status == http.StatusInternalServerError {
			writeError(w, status, op+" failed")
			return
		}
	}
	writeError(w, status, err.Error())
}

// parseLimit reads the limit query parameter. Defaults to def, capped at max.
func parseLimit(r *http.Request, def, max int) int {
	limit := def
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > max {
		limit = max
	}
	return limit
}
