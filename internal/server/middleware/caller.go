package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// CallerHeader names the account a request acts as.
const CallerHeader = "X-Account"

type callerKey struct{}

// Caller resolves the acting account from the X-Account header and stores
// it in the request context. Requests without the header continue
// anonymously; read-only endpoints do not need a caller.
func Caller() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			addr, present, ok := headerCaller(r)
			switch {
			case !present:
				next.ServeHTTP(w, r)
			case !ok:
				writeJSONError(w, http.StatusBadRequest, "invalid "+CallerHeader+" header")
			default:
				next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), addr)))
			}
		})
	}
}

// headerCaller parses the X-Account header. present is false when the
// header is absent; ok is false when it is not a hex address.
func headerCaller(r *http.Request) (addr common.Address, present, ok bool) {
	raw := strings.TrimSpace(r.Header.Get(CallerHeader))
	if raw == "" {
		return common.Address{}, false, false
	}
	if !common.IsHexAddress(raw) {
		return common.Address{}, true, false
	}
	return common.HexToAddress(raw), true, true
}

// WithCaller returns a context carrying addr as the acting account.
func WithCaller(ctx context.Context, addr common.Address) context.Context {
	return context.WithValue(ctx, callerKey{}, addr)
}

// CallerFromContext returns the acting account, if the request named one.
func CallerFromContext(ctx context.Context) (common.Address, bool) {
	addr, ok := ctx.Value(callerKey{}).(common.Address)
	return addr, ok
}
