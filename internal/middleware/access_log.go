package middleware

import (
	"net/http"
	"time"

	"github.com/better-wallet/wallet-core/internal/logger"
)

// AccessLog logs one line per HTTP request. Headers are only logged at
// debug level and always redacted.
func AccessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := NewStatusRecorder(w)
		logger.Debug(r.Context(), "http request started",
			"method", r.Method,
			"path", r.URL.Path,
			"query", RedactQuery(r.URL),
			"headers", RedactHeaders(r.Header))

		next.ServeHTTP(rec, r)

		logger.Info(r.Context(), "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.StatusCode,
			"duration", time.Since(start))
	})
}
