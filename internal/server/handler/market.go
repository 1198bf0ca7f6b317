package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/polyledger/internal/domain"
	"github.com/alanyoungcy/polyledger/internal/pricing"
)

// MarketService defines the methods that the market handler requires from the
// service layer. It is declared locally so the handler package does not depend
// on the concrete service implementation.
type MarketService interface {
	CreateMarket(ctx context.Context, caller common.Address, spec domain.MarketSpec) (domain.Market, error)
	BuyOutcome(ctx context.Context, caller common.Address, id domain.MarketID, outcome int, amount, maxCost *uint256.Int) (domain.OutcomeTrade, error)
	SellOutcome(ctx context.Context, caller common.Address, id domain.MarketID, outcome int, amount, minProceeds *uint256.Int) (domain.OutcomeTrade, error)
	QuoteOutcome(id domain.MarketID, outcome int, side domain.OrderSide, amount *uint256.Int) (domain.OutcomeTrade, error)
	Prices(id domain.MarketID) ([]uint256.Int, error)
	Market(id domain.MarketID) (domain.Market, error)
	Markets(status domain.MarketStatus) []domain.Market
	Position(id domain.MarketID, holder common.Address) (domain.Position, error)
	Positions(id domain.MarketID) []domain.Position
}

// MarketHandler serves prediction-market endpoints.
type MarketHandler struct {
	markets MarketService
	logger  *slog.Logger
}

// NewMarketHandler creates a MarketHandler with the given service and logger.
func NewMarketHandler(markets MarketService, logger *slog.Logger) *MarketHandler {
	return &MarketHandler{markets: markets, logger: logHandler(logger, "market")}
}

type createMarketRequest struct {
	Labels    []string `json:"labels"`
	Algorithm string   `json:"algorithm"`
	// Param is the LMSR liquidity parameter b; CPMM ignores it.
	Param         string `json:"param"`
	Seed          string `json:"seed"`
	Duration      string `json:"duration"`
	CreatorFeeBps uint32 `json:"creator_fee_bps"`
}

func (req createMarketRequest) spec() (domain.MarketSpec, error) {
	algo, err := pricing.ParseAlgorithm(req.Algorithm)
	if err != nil {
		return domain.MarketSpec{}, wrapValidation(err)
	}
	param, err := parseWadOr("param", req.Param, new(uint256.Int))
	if err != nil {
		return domain.MarketSpec{}, err
	}
	seed, err := parseWad("seed", req.Seed)
	if err != nil {
		return domain.MarketSpec{}, err
	}
	dur, err := time.ParseDuration(req.Duration)
	if err != nil {
		return domain.MarketSpec{}, wrapValidation(err)
	}
	return domain.MarketSpec{
		Labels:        req.Labels,
		Algorithm:     algo,
		Param:         *param,
		Seed:          *seed,
		Duration:      dur,
		CreatorFeeBps: req.CreatorFeeBps,
	}, nil
}

// Create opens a market seeded by the caller.
// POST /api/markets
func (h *MarketHandler) Create(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	var req createMarketRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeServiceError(w, r, h.logger, "create", err)
		return
	}
	spec, err := req.spec()
	if err != nil {
		writeServiceError(w, r, h.logger, "create", err)
		return
	}
	m, err := h.markets.CreateMarket(r.Context(), caller, spec)
	if err != nil {
		writeServiceError(w, r, h.logger, "create", err)
		return
	}
	writeJSON(w, http.StatusCreated, newMarketView(m))
}

// List returns markets, optionally filtered by status.
// GET /api/markets?status=open
func (h *MarketHandler) List(w http.ResponseWriter, r *http.Request) {
	status := domain.MarketStatus(r.URL.Query().Get("status"))
	switch status {
	case "", domain.MarketStatusOpen, domain.MarketStatusResolved, domain.MarketStatusCancelled:
	default:
		writeError(w, http.StatusBadRequest, "unknown status "+string(status))
		return
	}
	ms := h.markets.Markets(status)
	out := make([]marketView, len(ms))
	for i, m := range ms {
		out[i] = newMarketView(m)
	}
	writeJSON(w, http.StatusOK, map[string]any{"markets": out, "total": len(out)})
}

// Get returns a single market by its ID.
// GET /api/markets/{id}
func (h *MarketHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := pathMarket(r)
	if err != nil {
		writeServiceError(w, r, h.logger, "get", err)
		return
	}
	m, err := h.markets.Market(id)
	if err != nil {
		writeServiceError(w, r, h.logger, "get", err)
		return
	}
	writeJSON(w, http.StatusOK, newMarketView(m))
}

// Prices returns the current outcome prices.
// GET /api/markets/{id}/prices
func (h *MarketHandler) Prices(w http.ResponseWriter, r *http.Request) {
	id, err := pathMarket(r)
	if err != nil {
		writeServiceError(w, r, h.logger, "prices", err)
		return
	}
	ps, err := h.markets.Prices(id)
	if err != nil {
		writeServiceError(w, r, h.logger, "prices", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"market": id, "prices": wads(ps)})
}

type tradeOutcomeRequest struct {
	Outcome int    `json:"outcome"`
	Amount  string `json:"amount"`
	// Limit is the maximum cost of a buy or the minimum proceeds of a
	// sell. It is required; "0" on a sell accepts any proceeds.
	Limit string `json:"limit"`
}

// Buy purchases outcome shares from the market maker.
// POST /api/markets/{id}/buy
func (h *MarketHandler) Buy(w http.ResponseWriter, r *http.Request) {
	h.trade(w, r, domain.OrderSideBuy)
}

// Sell returns outcome shares to the market maker.
// POST /api/markets/{id}/sell
func (h *MarketHandler) Sell(w http.ResponseWriter, r *http.Request) {
	h.trade(w, r, domain.OrderSideSell)
}

func (h *MarketHandler) trade(w http.ResponseWriter, r *http.Request, side domain.OrderSide) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	op := string(side) + "_outcome"
	id, err := pathMarket(r)
	if err != nil {
		writeServiceError(w, r, h.logger, op, err)
		return
	}
	var req tradeOutcomeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeServiceError(w, r, h.logger, op, err)
		return
	}
	amount, err := parseWad("amount", req.Amount)
	if err != nil {
		writeServiceError(w, r, h.logger, op, err)
		return
	}

	var tr domain.OutcomeTrade
	if side == domain.OrderSideBuy {
		var maxCost *uint256.Int
		if maxCost, err = parseWad("limit", req.Limit); err == nil {
			tr, err = h.markets.BuyOutcome(r.Context(), caller, id, req.Outcome, amount, maxCost)
		}
	} else {
		var minProceeds *uint256.Int
		if minProceeds, err = parseWad("limit", req.Limit); err == nil {
			tr, err = h.markets.SellOutcome(r.Context(), caller, id, req.Outcome, amount, minProceeds)
		}
	}
	if err != nil {
		writeServiceError(w, r, h.logger, op, err)
		return
	}
	writeJSON(w, http.StatusOK, newOutcomeTradeView(tr))
}

// Quote prices a hypothetical outcome trade.
// GET /api/markets/{id}/quote?outcome=0&side=buy&amount=10
func (h *MarketHandler) Quote(w http.ResponseWriter, r *http.Request) {
	id, err := pathMarket(r)
	if err != nil {
		writeServiceError(w, r, h.logger, "quote", err)
		return
	}
	q := r.URL.Query()
	side := domain.OrderSide(q.Get("side"))
	if side == "" {
		side = domain.OrderSideBuy
	}
	if side != domain.OrderSideBuy && side != domain.OrderSideSell {
		writeError(w, http.StatusBadRequest, "side must be buy or sell")
		return
	}
	outcome, err := queryOutcome(r)
	if err != nil {
		writeServiceError(w, r, h.logger, "quote", err)
		return
	}
	amount, err := parseWad("amount", q.Get("amount"))
	if err != nil {
		writeServiceError(w, r, h.logger, "quote", err)
		return
	}
	tr, err := h.markets.QuoteOutcome(id, outcome, side, amount)
	if err != nil {
		writeServiceError(w, r, h.logger, "quote", err)
		return
	}
	writeJSON(w, http.StatusOK, newOutcomeTradeView(tr))
}

// Positions lists every position in a market.
// GET /api/markets/{id}/positions
func (h *MarketHandler) Positions(w http.ResponseWriter, r *http.Request) {
	id, err := pathMarket(r)
	if err != nil {
		writeServiceError(w, r, h.logger, "positions", err)
		return
	}
	if _, err := h.markets.Market(id); err != nil {
		writeServiceError(w, r, h.logger, "positions", err)
		return
	}
	ps := h.markets.Positions(id)
	out := make([]positionView, len(ps))
	for i, p := range ps {
		out[i] = newPositionView(p)
	}
	writeJSON(w, http.StatusOK, map[string]any{"positions": out})
}

// Position returns one holder's position.
// GET /api/markets/{id}/positions/{holder}
func (h *MarketHandler) Position(w http.ResponseWriter, r *http.Request) {
	id, err := pathMarket(r)
	if err != nil {
		writeServiceError(w, r, h.logger, "position", err)
		return
	}
	holder, err := parseAddress("holder", pathParam(r, "holder"))
	if err != nil {
		writeServiceError(w, r, h.logger, "position", err)
		return
	}
	p, err := h.markets.Position(id, holder)
	if err != nil {
		writeServiceError(w, r, h.logger, "position", err)
		return
	}
	writeJSON(w, http.StatusOK, newPositionView(p))
}
