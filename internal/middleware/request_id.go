package middleware

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/better-wallet/wallet-core/internal/logger"
)

// RequestIDHeader correlates a control call or socket with its log lines
const RequestIDHeader = "X-Request-ID"

const maxRequestIDLength = 64

// RequestID tags the request context with an id for logging and echoes it
// in the response. A caller supplied id is kept when it is short and
// printable; origin pages are untrusted and may send anything.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(RequestIDHeader)
		if !validRequestID(requestID) {
			requestID = uuid.New().String()
		}
		w.Header().Set(RequestIDHeader, requestID)
		next.ServeHTTP(w, r.WithContext(logger.WithRequestID(r.Context(), requestID)))
	})
}

func validRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLength {
		return false
	}
	for _, c := range id {
		ok := c == '-' || c == '_' || c == '.' ||
			(c >= '0' && c <= '9') || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
		if !ok {
			return false
		}
	}
	return true
}
