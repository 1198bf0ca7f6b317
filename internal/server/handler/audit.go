package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/alanyoungcy/polyledger/internal/domain"
)

// AuditService defines the read-side operations behind the audit, quote and
// event endpoints.
type AuditService interface {
	Audit() error
	AuditTrail(ctx context.Context, limit int) ([]domain.AuditEntry, error)
	Quote(ctx context.Context, key string) (domain.Quote, error)
}

// AuditHandler serves invariant checks, the audit trail, cached quotes and
// the stored event log.
type AuditHandler struct {
	svc    AuditService
	events domain.EventStore
	logger *slog.Logger
}

// NewAuditHandler creates an AuditHandler. events may be nil, in which case
// the event log endpoint reports 404.
func NewAuditHandler(svc AuditService, events domain.EventStore, logger *slog.Logger) *AuditHandler {
	return &AuditHandler{svc: svc, events: events, logger: logHandler(logger, "audit")}
}

// Check verifies every ledger invariant against current state.
// GET /api/audit
func (h *AuditHandler) Check(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Audit(); err != nil {
		h.logger.ErrorContext(r.Context(), "ledger audit failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusOK, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// Trail lists the newest privileged operations.
// GET /api/audit/trail?limit=50
func (h *AuditHandler) Trail(w http.ResponseWriter, r *http.Request) {
	entries, err := h.svc.AuditTrail(r.Context(), queryInt(r, "limit", 50, 500))
	if err != nil {
		writeServiceError(w, r, h.logger, "trail", err)
		return
	}
	if entries == nil {
		entries = []domain.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// Quote returns the cached prices for "market:<id>" or "instrument:<handle>".
// GET /api/quotes/{key}
func (h *AuditHandler) Quote(w http.ResponseWriter, r *http.Request) {
	q, err := h.svc.Quote(r.Context(), pathParam(r, "key"))
	if err != nil {
		writeServiceError(w, r, h.logger, "quote", err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

// Events pages through the stored event log.
// GET /api/events?after=0&limit=100
func (h *AuditHandler) Events(w http.ResponseWriter, r *http.Request) {
	if h.events == nil {
		writeError(w, http.StatusNotFound, "event log not configured")
		return
	}
	var after uint64
	if raw := r.URL.Query().Get("after"); raw != "" {
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid after")
			return
		}
		after = v
	}
	evs, err := h.events.Since(r.Context(), after, queryInt(r, "limit", 100, 1000))
	if err != nil {
		writeServiceError(w, r, h.logger, "events", err)
		return
	}
	if evs == nil {
		evs = []domain.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": evs})
}
