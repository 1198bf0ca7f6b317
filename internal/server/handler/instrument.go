package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/polyledger/internal/curve"
	"github.com/alanyoungcy/polyledger/internal/domain"
	"github.com/alanyoungcy/polyledger/internal/ledger"
)

// InstrumentService defines the methods that the instrument handler requires
// from the service layer.
type InstrumentService interface {
	RegisterInstrument(ctx context.Context, caller common.Address, handle string, cfg curve.Config) (domain.Instrument, error)
	BuyInstrument(ctx context.Context, caller common.Address, handle string, amount uint64, maxCost *uint256.Int) (domain.InstrumentTrade, error)
	SellInstrument(ctx context.Context, caller common.Address, handle string, amount uint64, minProceeds *uint256.Int) (domain.InstrumentTrade, error)
	WithdrawFees(ctx context.Context, caller common.Address, handle string, to common.Address) (*uint256.Int, error)
	OverrideCurve(ctx context.Context, caller common.Address, handle string, cfg curve.Config) error
	QuoteBuy(handle string, amount uint64) (domain.InstrumentTrade, error)
	QuoteSell(handle string, amount uint64) (domain.InstrumentTrade, error)
	Instrument(handle string) (domain.Instrument, error)
	Instruments() []domain.Instrument
	Holders(handle string) ([]ledger.Holding, error)
}

// InstrumentHandler serves bonding-curve instrument endpoints.
type InstrumentHandler struct {
	svc    InstrumentService
	logger *slog.Logger
}

// NewInstrumentHandler creates an InstrumentHandler.
func NewInstrumentHandler(svc InstrumentService, logger *slog.Logger) *InstrumentHandler {
	return &InstrumentHandler{svc: svc, logger: logHandler(logger, "instrument")}
}

// curveRequest is the wire form of a curve configuration.
type curveRequest struct {
	Kind       string `json:"kind"`
	BasePrice  string `json:"base_price"`
	Slope      string `json:"slope"`
	Inflection string `json:"inflection"`
	Steepness  string `json:"steepness"`
	MaxSupply  uint64 `json:"max_supply"`
}

func (c curveRequest) config() (curve.Config, error) {
	kind, err := curve.ParseKind(c.Kind)
	if err != nil {
		return curve.Config{}, wrapValidation(err)
	}
	cfg := curve.Config{Kind: kind, MaxSupply: c.MaxSupply}
	zero := new(uint256.Int)
	for _, f := range []struct {
		name string
		raw  string
		dst  *uint256.Int
	}{
		{"base_price", c.BasePrice, &cfg.BasePrice},
		{"slope", c.Slope, &cfg.Slope},
		{"inflection", c.Inflection, &cfg.Inflection},
		{"steepness", c.Steepness, &cfg.Steepness},
	} {
		v, err := parseWadOr(f.name, f.raw, zero)
		if err != nil {
			return curve.Config{}, err
		}
		f.dst.Set(v)
	}
	return cfg, nil
}

type registerInstrumentRequest struct {
	Handle string       `json:"handle"`
	Curve  curveRequest `json:"curve"`
}

// Register creates an instrument owned by the caller.
// POST /api/instruments
func (h *InstrumentHandler) Register(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	var req registerInstrumentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeServiceError(w, r, h.logger, "register", err)
		return
	}
	cfg, err := req.Curve.config()
	if err != nil {
		writeServiceError(w, r, h.logger, "register", err)
		return
	}
	inst, err := h.svc.RegisterInstrument(r.Context(), caller, req.Handle, cfg)
	if err != nil {
		writeServiceError(w, r, h.logger, "register", err)
		return
	}
	writeJSON(w, http.StatusCreated, newInstrumentView(inst))
}

// List returns every instrument.
// GET /api/instruments
func (h *InstrumentHandler) List(w http.ResponseWriter, r *http.Request) {
	insts := h.svc.Instruments()
	out := make([]instrumentView, len(insts))
	for i, inst := range insts {
		out[i] = newInstrumentView(inst)
	}
	writeJSON(w, http.StatusOK, map[string]any{"instruments": out})
}

// Get returns one instrument.
// GET /api/instruments/{handle}
func (h *InstrumentHandler) Get(w http.ResponseWriter, r *http.Request) {
	inst, err := h.svc.Instrument(pathParam(r, "handle"))
	if err != nil {
		writeServiceError(w, r, h.logger, "get", err)
		return
	}
	writeJSON(w, http.StatusOK, newInstrumentView(inst))
}

type tradeInstrumentRequest struct {
	Amount uint64 `json:"amount"`
	// Limit is the maximum cost of a buy or the minimum proceeds of a
	// sell. It is required; "0" on a sell accepts any proceeds.
	Limit string `json:"limit"`
}

// Buy mints tokens to the caller along the curve.
// POST /api/instruments/{handle}/buy
func (h *InstrumentHandler) Buy(w http.ResponseWriter, r *http.Request) {
	h.trade(w, r, domain.OrderSideBuy)
}

// Sell burns the caller's tokens back into the curve.
// POST /api/instruments/{handle}/sell
func (h *InstrumentHandler) Sell(w http.ResponseWriter, r *http.Request) {
	h.trade(w, r, domain.OrderSideSell)
}

func (h *InstrumentHandler) trade(w http.ResponseWriter, r *http.Request, side domain.OrderSide) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	var req tradeInstrumentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeServiceError(w, r, h.logger, string(side), err)
		return
	}
	handle := pathParam(r, "handle")

	var (
		tr  domain.InstrumentTrade
		err error
	)
	if side == domain.OrderSideBuy {
		var maxCost *uint256.Int
		if maxCost, err = parseWad("limit", req.Limit); err == nil {
			tr, err = h.svc.BuyInstrument(r.Context(), caller, handle, req.Amount, maxCost)
		}
	} else {
		var minProceeds *uint256.Int
		if minProceeds, err = parseWad("limit", req.Limit); err == nil {
			tr, err = h.svc.SellInstrument(r.Context(), caller, handle, req.Amount, minProceeds)
		}
	}
	if err != nil {
		writeServiceError(w, r, h.logger, string(side), err)
		return
	}
	writeJSON(w, http.StatusOK, newInstrumentTradeView(tr))
}

// Quote prices a hypothetical trade without changing state.
// GET /api/instruments/{handle}/quote?side=buy&amount=10
func (h *InstrumentHandler) Quote(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	amount, err := strconv.ParseUint(q.Get("amount"), 10, 64)
	if err != nil {
		writeServiceError(w, r, h.logger, "quote", wrapValidation(err))
		return
	}
	handle := pathParam(r, "handle")

	var tr domain.InstrumentTrade
	switch domain.OrderSide(q.Get("side")) {
	case domain.OrderSideBuy, "":
		tr, err = h.svc.QuoteBuy(handle, amount)
	case domain.OrderSideSell:
		tr, err = h.svc.QuoteSell(handle, amount)
	default:
		writeError(w, http.StatusBadRequest, "side must be buy or sell")
		return
	}
	if err != nil {
		writeServiceError(w, r, h.logger, "quote", err)
		return
	}
	writeJSON(w, http.StatusOK, newInstrumentTradeView(tr))
}

// Holders lists the non-zero balances of an instrument.
// GET /api/instruments/{handle}/holders
func (h *InstrumentHandler) Holders(w http.ResponseWriter, r *http.Request) {
	hs, err := h.svc.Holders(pathParam(r, "handle"))
	if err != nil {
		writeServiceError(w, r, h.logger, "holders", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"holders": newHoldingViews(hs)})
}

type withdrawFeesRequest struct {
	To string `json:"to"`
}

// WithdrawFees pays accrued fees out to an account. Requires withdraw_fees.
// POST /api/instruments/{handle}/fees/withdraw
func (h *InstrumentHandler) WithdrawFees(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	var req withdrawFeesRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeServiceError(w, r, h.logger, "withdraw_fees", err)
		return
	}
	to, err := parseAddress("to", req.To)
	if err != nil {
		writeServiceError(w, r, h.logger, "withdraw_fees", err)
		return
	}
	amount, err := h.svc.WithdrawFees(r.Context(), caller, pathParam(r, "handle"), to)
	if err != nil {
		writeServiceError(w, r, h.logger, "withdraw_fees", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"amount": wad(amount), "to": to.Hex()})
}

// OverrideCurve replaces an instrument's curve. Requires override_curve.
// PUT /api/instruments/{handle}/curve
func (h *InstrumentHandler) OverrideCurve(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	var req curveRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeServiceError(w, r, h.logger, "override_curve", err)
		return
	}
	cfg, err := req.config()
	if err != nil {
		writeServiceError(w, r, h.logger, "override_curve", err)
		return
	}
	handle := pathParam(r, "handle")
	if err := h.svc.OverrideCurve(r.Context(), caller, handle, cfg); err != nil {
		writeServiceError(w, r, h.logger, "override_curve", err)
		return
	}
	inst, err := h.svc.Instrument(handle)
	if err != nil {
		writeServiceError(w, r, h.logger, "override_curve", err)
		return
	}
	writeJSON(w, http.StatusOK, newInstrumentView(inst))
}
