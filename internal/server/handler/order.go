package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/polyledger/internal/domain"
)

// OrderService defines the methods that the order handler requires from the
// service layer.
type OrderService interface {
	PlaceOrder(ctx context.Context, caller common.Address, id domain.MarketID, outcome int, side domain.OrderSide, shares, limit *uint256.Int) (domain.OrderReceipt, error)
	CancelOrder(ctx context.Context, caller common.Address, id domain.OrderID) (domain.LimitOrder, error)
	Order(id domain.OrderID) (domain.LimitOrder, error)
	Orders(id domain.MarketID, restingOnly bool) []domain.LimitOrder
	Book(id domain.MarketID, outcome int) (domain.BookView, error)
}

// OrderHandler serves limit-order endpoints.
type OrderHandler struct {
	orders OrderService
	logger *slog.Logger
}

// NewOrderHandler creates an OrderHandler with the given service and logger.
func NewOrderHandler(orders OrderService, logger *slog.Logger) *OrderHandler {
	return &OrderHandler{orders: orders, logger: logHandler(logger, "order")}
}

type placeOrderRequest struct {
	Outcome    int              `json:"outcome"`
	Side       domain.OrderSide `json:"side"`
	Shares     string           `json:"shares"`
	LimitPrice string           `json:"limit_price"`
}

// Place rests a limit order and matches it against the opposite side.
// POST /api/markets/{id}/orders
func (h *OrderHandler) Place(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	id, err := pathMarket(r)
	if err != nil {
		writeServiceError(w, r, h.logger, "place", err)
		return
	}
	var req placeOrderRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeServiceError(w, r, h.logger, "place", err)
		return
	}
	shares, err := parseWad("shares", req.Shares)
	if err != nil {
		writeServiceError(w, r, h.logger, "place", err)
		return
	}
	limit, err := parseWad("limit_price", req.LimitPrice)
	if err != nil {
		writeServiceError(w, r, h.logger, "place", err)
		return
	}
	receipt, err := h.orders.PlaceOrder(r.Context(), caller, id, req.Outcome, req.Side, shares, limit)
	if err != nil {
		writeServiceError(w, r, h.logger, "place", err)
		return
	}
	writeJSON(w, http.StatusCreated, newReceiptView(receipt))
}

// List returns a market's orders; resting=true limits it to the live book.
// GET /api/markets/{id}/orders?resting=true
func (h *OrderHandler) List(w http.ResponseWriter, r *http.Request) {
	id, err := pathMarket(r)
	if err != nil {
		writeServiceError(w, r, h.logger, "list", err)
		return
	}
	list := h.orders.Orders(id, r.URL.Query().Get("resting") == "true")
	out := make([]orderView, len(list))
	for i, o := range list {
		out[i] = newOrderView(o)
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": out})
}

// Book returns the aggregated price levels of one outcome.
// GET /api/markets/{id}/book/{outcome}
func (h *OrderHandler) Book(w http.ResponseWriter, r *http.Request) {
	id, err := pathMarket(r)
	if err != nil {
		writeServiceError(w, r, h.logger, "book", err)
		return
	}
	outcome, err := pathOutcome(r)
	if err != nil {
		writeServiceError(w, r, h.logger, "book", err)
		return
	}
	b, err := h.orders.Book(id, outcome)
	if err != nil {
		writeServiceError(w, r, h.logger, "book", err)
		return
	}
	writeJSON(w, http.StatusOK, newBookView(b))
}

// Get returns one order.
// GET /api/orders/{id}
func (h *OrderHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := pathUint(r, "id")
	if err != nil {
		writeServiceError(w, r, h.logger, "get", err)
		return
	}
	o, err := h.orders.Order(domain.OrderID(id))
	if err != nil {
		writeServiceError(w, r, h.logger, "get", err)
		return
	}
	writeJSON(w, http.StatusOK, newOrderView(o))
}

// Cancel withdraws the caller's resting order and releases its escrow.
// DELETE /api/orders/{id}
func (h *OrderHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	id, err := pathUint(r, "id")
	if err != nil {
		writeServiceError(w, r, h.logger, "cancel", err)
		return
	}
	o, err := h.orders.CancelOrder(r.Context(), caller, domain.OrderID(id))
	if err != nil {
		writeServiceError(w, r, h.logger, "cancel", err)
		return
	}
	writeJSON(w, http.StatusOK, newOrderView(o))
}
