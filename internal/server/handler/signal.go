package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/spotguard/internal/domain"
)

// SignalHandlerFunc evaluates an entry signal and opens a position when it
// is admitted.
type SignalHandlerFunc func(ctx context.Context, sig domain.EntrySignal) (domain.Position, error)

// SignalHandler accepts entry signals over HTTP.
type SignalHandler struct {
	handle SignalHandlerFunc
	logger *slog.Logger
}

// NewSignalHandler creates a SignalHandler. A nil handle disables the
// endpoint, e.g. in monitor mode.
func NewSignalHandler(handle SignalHandlerFunc, logger *slog.Logger) *SignalHandler {
	return &SignalHandler{handle: handle, logger: logger}
}

// SubmitSignal runs a signal through the entry pipeline.
// POST /api/signals
func (h *SignalHandler) SubmitSignal(w http.ResponseWriter, r *http.Request) {
	if h.handle == nil {
		writeError(w, http.StatusServiceUnavailable, "entries are disabled in this mode")
		return
	}
	var sig domain.EntrySignal
	if err := json.NewDecoder(r.Body).Decode(&sig); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	pos, err := h.handle(r.Context(), sig)
	if err != nil {
		writeDomainError(w, r, h.logger, "submit signal", err)
		return
	}
	writeJSON(w, http.StatusCreated, pos)
}
