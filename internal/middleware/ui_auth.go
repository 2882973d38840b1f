package middleware

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	apperrors "github.com/better-wallet/wallet-core/pkg/errors"
)

// UITokenHeader carries the control token for clients that cannot set
// Authorization
const UITokenHeader = "X-Wallet-Token"

// UIAuth guards the wallet control surface (approval UI, session and
// account routes) with a static token. Accepted forms, in order:
//   - Authorization: Bearer <token>
//   - X-Wallet-Token: <token>
//   - ?token=<token> on websocket upgrades, which cannot carry headers
//
// An empty token disables the check.
type UIAuth struct {
	digest  [32]byte
	enabled bool
}

// NewUIAuth creates the middleware for token
func NewUIAuth(token string) *UIAuth {
	if token == "" {
		return &UIAuth{}
	}
	return &UIAuth{digest: sha256.Sum256([]byte(token)), enabled: true}
}

// Authenticate rejects requests without the control token
func (a *UIAuth) Authenticate(next http.Handler) http.Handler {
	if !a.enabled {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		presented := presentedToken(r)
		if presented == "" {
			writeAppError(w, apperrors.New(apperrors.ErrCodeUnauthorized, "Missing control token"))
			return
		}
		sum := sha256.Sum256([]byte(presented))
		if subtle.ConstantTimeCompare(sum[:], a.digest[:]) != 1 {
			writeAppError(w, apperrors.New(apperrors.ErrCodeUnauthorized, "Invalid control token"))
			return
		}

		StripCredentials(r)
		next.ServeHTTP(w, r)
	})
}

func presentedToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if scheme, token, ok := strings.Cut(auth, " "); ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	if token := r.Header.Get(UITokenHeader); token != "" {
		return token
	}
	if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		return r.URL.Query().Get(TokenQueryParam)
	}
	return ""
}

func writeAppError(w http.ResponseWriter, err *apperrors.AppError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.StatusCode)
	_ = json.NewEncoder(w).Encode(err)
}
