package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/polyledger/internal/domain"
	fp "github.com/alanyoungcy/polyledger/internal/fixedpoint"
	"github.com/alanyoungcy/polyledger/internal/server/middleware"
)

// maxBodyBytes caps request bodies; every request is a small JSON object.
const maxBodyBytes = 64 << 10

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

// errorResponse carries the error kind so clients can branch on it.
type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// statusFor maps a ledger error kind to an HTTP status.
func statusFor(kind string) int {
	switch kind {
	case "validation":
		return http.StatusBadRequest
	case "unauthorized":
		return http.StatusForbidden
	case "not_found":
		return http.StatusNotFound
	case "state_conflict":
		return http.StatusConflict
	case "slippage_exceeded", "insufficient_balance", "insufficient_collateral":
		return http.StatusUnprocessableEntity
	case "rate_limited":
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// writeServiceError classifies err and writes it. Internal errors are
// logged and their text withheld from the client.
func writeServiceError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, op string, err error) {
	kind := domain.ErrorKind(err)
	status := statusFor(kind)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		logger.ErrorContext(r.Context(), "handler: "+op+" failed",
			slog.String("kind", kind),
			slog.String("error", err.Error()),
		)
		msg = "internal error"
	}
	writeJSON(w, status, errorResponse{Error: msg, Kind: kind})
}

// decodeJSON reads a bounded JSON body into v, rejecting unknown fields.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: empty request body", domain.ErrValidation)
		}
		return fmt.Errorf("%w: decode body: %v", domain.ErrValidation, err)
	}
	return nil
}

// requireCaller returns the acting account or writes a 401.
func requireCaller(w http.ResponseWriter, r *http.Request) (common.Address, bool) {
	caller, ok := middleware.CallerFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorResponse{
			Error: "missing " + middleware.CallerHeader + " header",
			Kind:  "unauthorized",
		})
		return common.Address{}, false
	}
	return caller, true
}

// parseWad parses a required decimal amount.
func parseWad(field, s string) (*uint256.Int, error) {
	if s == "" {
		return nil, fmt.Errorf("%w: %s is required", domain.ErrValidation, field)
	}
	v, err := fp.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrValidation, field, err)
	}
	return v, nil
}

// parseWadOr parses an optional decimal amount, returning def when empty.
func parseWadOr(field, s string, def *uint256.Int) (*uint256.Int, error) {
	if s == "" {
		return def, nil
	}
	return parseWad(field, s)
}

// parseAddress parses a required hex account.
func parseAddress(field, s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%w: %s: invalid address %q", domain.ErrValidation, field, s)
	}
	return common.HexToAddress(s), nil
}

// pathParam extracts a named path parameter from the request using Go 1.22+
// built-in routing (http.Request.PathValue).
func pathParam(r *http.Request, name string) string {
	return r.PathValue(name)
}

func pathUint(r *http.Request, name string) (uint64, error) {
	v, err := strconv.ParseUint(pathParam(r, name), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid %s %q", domain.ErrValidation, name, pathParam(r, name))
	}
	return v, nil
}

func pathMarket(r *http.Request) (domain.MarketID, error) {
	id, err := pathUint(r, "id")
	return domain.MarketID(id), err
}

func pathOutcome(r *http.Request) (int, error) {
	v, err := strconv.Atoi(pathParam(r, "outcome"))
	if err != nil {
		return 0, fmt.Errorf("%w: invalid outcome %q", domain.ErrValidation, pathParam(r, "outcome"))
	}
	return v, nil
}

// queryInt reads an optional positive integer query parameter capped at ceiling.
func queryInt(r *http.Request, name string, def, ceiling int) int {
	n, err := strconv.Atoi(r.URL.Query().Get(name))
	if err != nil || n <= 0 {
		return def
	}
	return min(n, ceiling)
}

// logHandler is a convenience to attach slog fields in handler code.
func logHandler(logger *slog.Logger, handler string) *slog.Logger {
	return logger.With(slog.String("handler", handler))
}

// wrapValidation marks a parse failure as a validation error.
func wrapValidation(err error) error {
	return fmt.Errorf("%w: %v", domain.ErrValidation, err)
}

func queryOutcome(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("outcome")
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid outcome %q", domain.ErrValidation, raw)
	}
	return v, nil
}
