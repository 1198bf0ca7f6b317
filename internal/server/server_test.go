package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polyledger/internal/collateral"
	fp "github.com/alanyoungcy/polyledger/internal/fixedpoint"
	"github.com/alanyoungcy/polyledger/internal/ledger"
	"github.com/alanyoungcy/polyledger/internal/metrics"
	"github.com/alanyoungcy/polyledger/internal/server/handler"
	"github.com/alanyoungcy/polyledger/internal/service"
)

var (
	admin = common.HexToAddress("0x00000000000000000000000000000000000000a0")
	alice = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	carol = common.HexToAddress("0x00000000000000000000000000000000000000c0")
)

type denyAll struct{ calls int }

func (d *denyAll) Allow(context.Context, string, int, time.Duration) (bool, error) {
	d.calls++
	return false, nil
}

func newTestRoutes(t *testing.T, cfg Config, limiter *denyAll) http.Handler {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	token := collateral.NewToken("USDX")
	eng, err := ledger.New(ledger.DefaultConfig(), token)
	require.NoError(t, err)
	eng.Authorizer().Grant(admin, ledger.AllCapabilities()...)
	for _, a := range []common.Address{admin, alice, carol} {
		require.NoError(t, token.Mint(a, fp.MustParse("100000")))
		token.Approve(a, eng.Account(), new(uint256.Int).SetAllOne())
	}

	m := metrics.New()
	svc := service.NewLedgerService(eng, nil, nil, m, logger)
	h := Handlers{
		Health:      handler.NewHealthHandler(svc, nil, nil, logger),
		Instruments: handler.NewInstrumentHandler(svc, logger),
		Markets:     handler.NewMarketHandler(svc, logger),
		Orders:      handler.NewOrderHandler(svc, logger),
		Settlement:  handler.NewSettlementHandler(svc, logger),
		Audit:       handler.NewAuditHandler(svc, nil, logger),
		Metrics:     m.Handler(),
	}
	if limiter == nil {
		return Routes(cfg, h, nil, nil, logger)
	}
	return Routes(cfg, h, nil, limiter, logger)
}

func do(t *testing.T, h http.Handler, method, path string, caller *common.Address, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	if caller != nil {
		req.Header.Set("X-Account", caller.Hex())
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var out map[string]any
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	}
	return rec, out
}

const lmsrMarket = `{"labels":["yes","no"],"algorithm":"lmsr","param":"100","seed":"100","duration":"1h"}`

func TestMarketLifecycleOverHTTP(t *testing.T) {
	h := newTestRoutes(t, Config{}, nil)

	rec, body := do(t, h, http.MethodPost, "/api/markets", &carol, lmsrMarket)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "open", body["status"])
	assert.Equal(t, "lmsr", body["algorithm"])
	assert.Equal(t, carol.Hex(), body["creator"])

	rec, body = do(t, h, http.MethodGet, "/api/markets/1/prices", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []any{"0.5", "0.5"}, body["prices"])

	rec, body = do(t, h, http.MethodPost, "/api/markets/1/buy", &alice, `{"outcome":0,"amount":"10","limit":"1"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "slippage_exceeded", body["kind"])

	rec, body = do(t, h, http.MethodPost, "/api/markets/1/buy", &alice, `{"outcome":0,"amount":"10"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "slippage bound is mandatory")
	assert.Equal(t, "validation", body["kind"])

	rec, body = do(t, h, http.MethodPost, "/api/markets/1/sell", &alice, `{"outcome":0,"amount":"1"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation", body["kind"])

	rec, body = do(t, h, http.MethodPost, "/api/markets/1/buy", &alice, `{"outcome":0,"amount":"10","limit":"100"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, alice.Hex(), body["trader"])
	assert.Equal(t, "10", body["shares"])

	rec, body = do(t, h, http.MethodGet, "/api/markets/1/positions/"+alice.Hex(), nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []any{"10", "0"}, body["shares"])

	rec, body = do(t, h, http.MethodPost, "/api/markets/1/resolve", &alice, `{"winner":0}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "unauthorized", body["kind"])

	rec, body = do(t, h, http.MethodPost, "/api/markets/1/resolve", &admin, `{"winner":0}`)
	assert.Equal(t, http.StatusConflict, rec.Code, "trading window still open")
	assert.Equal(t, "state_conflict", body["kind"])

	rec, body = do(t, h, http.MethodGet, "/api/audit", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["ok"])

	rec, _ = do(t, h, http.MethodGet, "/api/markets/7", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec, _ = do(t, h, http.MethodGet, "/api/markets/abc", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestInstrumentsOverHTTP(t *testing.T) {
	h := newTestRoutes(t, Config{}, nil)

	rec, body := do(t, h, http.MethodPost, "/api/instruments", &alice,
		`{"handle":"alice","curve":{"kind":"linear","base_price":"1","slope":"0.1"}}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "alice", body["handle"])

	rec, body = do(t, h, http.MethodGet, "/api/instruments/alice/quote?side=buy&amount=10", nil, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	quoted := body["settled"]

	rec, body = do(t, h, http.MethodPost, "/api/instruments/alice/buy", &carol, `{"amount":10}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "slippage bound is mandatory")
	assert.Equal(t, "validation", body["kind"])

	rec, body = do(t, h, http.MethodPost, "/api/instruments/alice/buy", &carol, `{"amount":10,"limit":"1000"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, quoted, body["settled"])
	assert.EqualValues(t, 10, body["total_supply"])

	rec, body = do(t, h, http.MethodGet, "/api/instruments/alice/holders", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	holders := body["holders"].([]any)
	require.Len(t, holders, 1)
	assert.Equal(t, carol.Hex(), holders[0].(map[string]any)["holder"])

	rec, body = do(t, h, http.MethodPost, "/api/instruments", &alice, `{"handle":"x","curve":{"kind":"cubic"}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation", body["kind"])
}

func TestOrdersOverHTTP(t *testing.T) {
	h := newTestRoutes(t, Config{}, nil)
	rec, _ := do(t, h, http.MethodPost, "/api/markets", &carol, lmsrMarket)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec, body := do(t, h, http.MethodPost, "/api/markets/1/orders", &alice,
		`{"outcome":0,"side":"buy","shares":"10","limit_price":"0.4"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	order := body["order"].(map[string]any)
	assert.Equal(t, "open", order["status"])
	assert.Equal(t, "4", order["locked_escrow"])
	assert.Empty(t, body["fills"])

	rec, body = do(t, h, http.MethodGet, "/api/markets/1/book/0", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	bids := body["bids"].([]any)
	require.Len(t, bids, 1)
	assert.Equal(t, "0.4", bids[0].(map[string]any)["price"])

	rec, body = do(t, h, http.MethodDelete, "/api/orders/1", &carol, "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "state_conflict", body["kind"])

	rec, body = do(t, h, http.MethodDelete, "/api/orders/1", &alice, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "cancelled", body["status"])
}

func TestCallerAndAuth(t *testing.T) {
	h := newTestRoutes(t, Config{APIKeys: []string{"other", "secret"}}, nil)

	rec, _ := do(t, h, http.MethodGet, "/api/health", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	rec, _ = do(t, h, http.MethodGet, "/metrics", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = do(t, h, http.MethodGet, "/api/markets", nil, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/markets", strings.NewReader(lmsrMarket))
	req.Header.Set("Authorization", "Bearer secret")
	out := httptest.NewRecorder()
	h.ServeHTTP(out, req)
	assert.Equal(t, http.StatusUnauthorized, out.Code, "no caller account")

	req = httptest.NewRequest(http.MethodGet, "/api/markets", nil)
	req.Header.Set("X-API-Key", "secret")
	req.Header.Set("X-Account", "not-an-address")
	out = httptest.NewRecorder()
	h.ServeHTTP(out, req)
	assert.Equal(t, http.StatusBadRequest, out.Code)
}

func TestRateLimitAppliesToMutations(t *testing.T) {
	limiter := &denyAll{}
	h := newTestRoutes(t, Config{RateLimit: 5, RateWindow: time.Minute}, limiter)

	rec, _ := do(t, h, http.MethodGet, "/api/markets", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Zero(t, limiter.calls)

	rec, body := do(t, h, http.MethodPost, "/api/markets", &carol, lmsrMarket)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "rate limited", body["error"])
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
	assert.Equal(t, 1, limiter.calls)
}
