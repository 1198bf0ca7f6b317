package handler

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/alanyoungcy/polyledger/internal/domain"
)

// Checker probes one dependency for the health endpoint.
type Checker func(ctx context.Context) error

// StatusSource exposes the ledger counters reported by /api/status.
type StatusSource interface {
	LastSeq() uint64
	Markets(status domain.MarketStatus) []domain.Market
	Instruments() []domain.Instrument
}

// HealthHandler serves the health-check and status endpoints.
type HealthHandler struct {
	checks    map[string]Checker
	status    StatusSource
	cursor    func() uint64
	startedAt time.Time
	logger    *slog.Logger
}

// NewHealthHandler creates a HealthHandler. cursor reports the last event
// seq the publisher has stored and may be nil.
func NewHealthHandler(status StatusSource, cursor func() uint64, checks map[string]Checker, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{
		checks:    checks,
		status:    status,
		cursor:    cursor,
		startedAt: time.Now().UTC(),
		logger:    logHandler(logger, "health"),
	}
}

// HealthCheck runs every dependency probe and reports 503 if any fails.
// GET /api/health
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	status, code := "ok", http.StatusOK
	results := make(map[string]string, len(names))
	for _, name := range names {
		if err := h.checks[name](ctx); err != nil {
			h.logger.WarnContext(ctx, "health check failed",
				slog.String("check", name),
				slog.String("error", err.Error()),
			)
			results[name] = err.Error()
			status, code = "degraded", http.StatusServiceUnavailable
			continue
		}
		results[name] = "ok"
	}

	writeJSON(w, code, map[string]any{
		"status":    status,
		"checks":    results,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// Status reports ledger counters.
// GET /api/status
func (h *HealthHandler) Status(w http.ResponseWriter, r *http.Request) {
	counts := map[domain.MarketStatus]int{}
	for _, m := range h.status.Markets("") {
		counts[m.Status]++
	}
	resp := map[string]any{
		"last_seq":       h.status.LastSeq(),
		"instruments":    len(h.status.Instruments()),
		"markets":        counts,
		"uptime_seconds": int64(time.Since(h.startedAt).Seconds()),
	}
	if h.cursor != nil {
		resp["stored_seq"] = h.cursor()
	}
	writeJSON(w, http.StatusOK, resp)
}
