package middleware

import (
	"net/http"

	apperrors "github.com/better-wallet/wallet-core/pkg/errors"
)

// MaxControlBody bounds control route bodies. They carry passwords,
// decisions and account imports; signing payloads travel over /v1/rpc.
const MaxControlBody = 64 << 10

var errBodyTooLarge = apperrors.InvalidParams("Request body too large")

// LimitBody applies MaxControlBody to r.Body
func LimitBody(next http.Handler) http.Handler {
	return LimitBodyTo(MaxControlBody)(next)
}

// LimitBodyTo returns a middleware capping request bodies at n bytes.
// Reads past the cap fail with *http.MaxBytesError.
func LimitBodyTo(n int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > n {
				writeAppError(w, errBodyTooLarge)
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, n)
			next.ServeHTTP(w, r)
		})
	}
}
