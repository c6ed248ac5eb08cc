package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/spotguard/internal/domain"
	"github.com/alanyoungcy/spotguard/internal/service"
)

// ControlService defines the methods the control handler requires.
type ControlService interface {
	GetOpenPositions() []service.PositionView
	GetPortfolioHeat() float64
	GetDailyAggregate(ctx context.Context, date string) (domain.DailyAggregate, error)
	ForceCloseAll(ctx context.Context, reason domain.ExitReason) ([]domain.TradeRecord, error)
	Status(ctx context.Context) service.Status
	LifetimeStats(ctx context.Context) (domain.LifetimeStats, error)
	RecentEvents(limit int, typ domain.EventType) []domain.Event
	AuditLog(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error)
	Unflag(ctx context.Context, instrument string) error
}

// ControlHandler serves the ledger query and override endpoints.
type ControlHandler struct {
	control     ControlService
	heatCeiling float64
	logger      *slog.Logger
}

// NewControlHandler creates a ControlHandler.
func NewControlHandler(control ControlService, heatCeiling float64, logger *slog.Logger) *ControlHandler {
	return &ControlHandler{
		control:     control,
		heatCeiling: heatCeiling,
		logger:      logger,
	}
}

// GetStatus responds with the engine summary.
// GET /api/status
func (h *ControlHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.control.Status(r.Context()))
}

type listPositionsResponse struct {
	Positions []service.PositionView `json:"positions"`
}

// ListPositions returns every open position.
// GET /api/positions
func (h *ControlHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	positions := h.control.GetOpenPositions()
	if positions == nil {
		positions = []service.PositionView{}
	}
	writeJSON(w, http.StatusOK, listPositionsResponse{Positions: positions})
}

// GetHeat returns the portfolio heat and its ceiling.
// GET /api/heat
func (h *ControlHandler) GetHeat(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]float64{
		"heat":    h.control.GetPortfolioHeat(),
		"ceiling": h.heatCeiling,
	})
}

// GetDaily returns the aggregate for one UTC day.
// GET /api/daily/{date}
func (h *ControlHandler) GetDaily(w http.ResponseWriter, r *http.Request) {
	agg, err := h.control.GetDailyAggregate(r.Context(), r.PathValue("date"))
	if err != nil {
		writeDomainError(w, r, h.logger, "daily aggregate", err)
		return
	}
	writeJSON(w, http.StatusOK, agg)
}

// GetStats returns lifetime statistics.
// GET /api/stats
func (h *ControlHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.control.LifetimeStats(r.Context())
	if err != nil {
		writeDomainError(w, r, h.logger, "lifetime stats", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type listEventsResponse struct {
	Events []domain.Event `json:"events"`
}

// ListEvents returns recent events, newest first.
// GET /api/events?limit=100&type=forced_removal
func (h *ControlHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r, 100, 500)
	typ := domain.EventType(r.URL.Query().Get("type"))
	events := h.control.RecentEvents(limit, typ)
	if events == nil {
		events = []domain.Event{}
	}
	writeJSON(w, http.StatusOK, listEventsResponse{Events: events})
}

type listAuditResponse struct {
	Entries []domain.AuditEntry `json:"entries"`
}

// ListAudit returns audit log entries, newest first.
// GET /api/audit?limit=100&instrument=BTCUSDT&since=2025-03-14T00:00:00Z
func (h *ControlHandler) ListAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := domain.ListOpts{
		Limit:      parseLimit(r, 100, 1000),
		Instrument: q.Get("instrument"),
	}
	if v := q.Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid since: "+err.Error())
			return
		}
		opts.Since = &since
	}
	entries, err := h.control.AuditLog(r.Context(), opts)
	if err != nil {
		writeDomainError(w, r, h.logger, "audit log", err)
		return
	}
	if entries == nil {
		entries = []domain.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, listAuditResponse{Entries: entries})
}

type closeAllRequest struct {
	Reason domain.ExitReason `json:"reason"`
}

type closeAllResponse struct {
	Closed []domain.TradeRecord `json:"closed"`
	Error  string               `json:"error,omitempty"`
}

// CloseAll force-closes every open position.
// POST /api/positions/close-all
func (h *ControlHandler) CloseAll(w http.ResponseWriter, r *http.Request) {
	var req closeAllRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Reason == "" {
		req.Reason = domain.ExitManual
	}
	if !req.Reason.Valid() {
		writeError(w, http.StatusBadRequest, "unknown exit reason "+string(req.Reason))
		return
	}

	h.logger.WarnContext(r.Context(), "handler: close-all requested", slog.String("reason", string(req.Reason)))
	trades, err := h.control.ForceCloseAll(r.Context(), req.Reason)
	if trades == nil {
		trades = []domain.TradeRecord{}
	}
	resp := closeAllResponse{Closed: trades}
	status := http.StatusOK
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: close-all incomplete", slog.String("error", err.Error()))
		resp.Error = err.Error()
		status = http.StatusMultiStatus
	}
	writeJSON(w, status, resp)
}

// Unflag re-enables entries on an instrument.
// DELETE /api/flags/{instrument}
func (h *ControlHandler) Unflag(w http.ResponseWriter, r *http.Request) {
	instrument := r.PathValue("instrument")
	if err := h.control.Unflag(r.Context(), instrument); err != nil {
		writeDomainError(w, r, h.logger, "unflag", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
