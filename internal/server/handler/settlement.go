package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/polyledger/internal/domain"
)

// SettlementService defines the settlement operations the handler needs.
type SettlementService interface {
	ResolveMarket(ctx context.Context, caller common.Address, id domain.MarketID, winner int) (domain.Market, error)
	CancelMarket(ctx context.Context, caller common.Address, id domain.MarketID) (domain.Market, error)
	Claim(ctx context.Context, caller common.Address, id domain.MarketID) (*uint256.Int, error)
	WithdrawLiquidity(ctx context.Context, caller common.Address, id domain.MarketID) (*uint256.Int, error)
	WithdrawCreatorFees(ctx context.Context, caller common.Address, id domain.MarketID) (*uint256.Int, error)
}

// SettlementHandler serves market resolution, cancellation and payouts.
type SettlementHandler struct {
	svc    SettlementService
	logger *slog.Logger
}

// NewSettlementHandler creates a SettlementHandler.
func NewSettlementHandler(svc SettlementService, logger *slog.Logger) *SettlementHandler {
	return &SettlementHandler{svc: svc, logger: logHandler(logger, "settlement")}
}

type resolveRequest struct {
	Winner *int `json:"winner"`
}

// Resolve declares the winning outcome. Requires resolve_market.
// POST /api/markets/{id}/resolve
func (h *SettlementHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	id, err := pathMarket(r)
	if err != nil {
		writeServiceError(w, r, h.logger, "resolve", err)
		return
	}
	var req resolveRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeServiceError(w, r, h.logger, "resolve", err)
		return
	}
	if req.Winner == nil {
		writeError(w, http.StatusBadRequest, "winner is required")
		return
	}
	m, err := h.svc.ResolveMarket(r.Context(), caller, id, *req.Winner)
	if err != nil {
		writeServiceError(w, r, h.logger, "resolve", err)
		return
	}
	writeJSON(w, http.StatusOK, newMarketView(m))
}

// Cancel voids a market and refunds net contributions. Requires
// cancel_market.
// POST /api/markets/{id}/cancel
func (h *SettlementHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	id, err := pathMarket(r)
	if err != nil {
		writeServiceError(w, r, h.logger, "cancel", err)
		return
	}
	m, err := h.svc.CancelMarket(r.Context(), caller, id)
	if err != nil {
		writeServiceError(w, r, h.logger, "cancel", err)
		return
	}
	writeJSON(w, http.StatusOK, newMarketView(m))
}

// Claim pays the caller's winning shares or cancellation refund.
// POST /api/markets/{id}/claim
func (h *SettlementHandler) Claim(w http.ResponseWriter, r *http.Request) {
	h.payout(w, r, "claim", h.svc.Claim)
}

// WithdrawLiquidity returns the creator's residual pool after settlement.
// POST /api/markets/{id}/liquidity/withdraw
func (h *SettlementHandler) WithdrawLiquidity(w http.ResponseWriter, r *http.Request) {
	h.payout(w, r, "withdraw_liquidity", h.svc.WithdrawLiquidity)
}

// WithdrawCreatorFees pays out the fees the creator earned on trades.
// POST /api/markets/{id}/fees/withdraw
func (h *SettlementHandler) WithdrawCreatorFees(w http.ResponseWriter, r *http.Request) {
	h.payout(w, r, "withdraw_creator_fees", h.svc.WithdrawCreatorFees)
}

func (h *SettlementHandler) payout(w http.ResponseWriter, r *http.Request, op string,
	fn func(context.Context, common.Address, domain.MarketID) (*uint256.Int, error),
) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	id, err := pathMarket(r)
	if err != nil {
		writeServiceError(w, r, h.logger, op, err)
		return
	}
	amount, err := fn(r.Context(), caller, id)
	if err != nil {
		writeServiceError(w, r, h.logger, op, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"market": id, "amount": wad(amount)})
}
