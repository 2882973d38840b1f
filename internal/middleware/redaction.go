package middleware

import (
	"net/http"
	"net/url"
	"strings"
)

const redactedValue = "[REDACTED]"

// TokenQueryParam carries the control token on websocket upgrades
const TokenQueryParam = "token"

// sensitiveHeaders never reach a log line in clear. Keys are canonical.
var sensitiveHeaders = map[string]bool{
	"Authorization":                        true,
	"Cookie":                               true,
	"Set-Cookie":                           true,
	http.CanonicalHeaderKey(UITokenHeader): true,
	"Sec-Websocket-Key":                    true,
}

// RedactHeaders returns a copy of h with sensitive values replaced by a
// constant. The scheme of an Authorization value is kept.
func RedactHeaders(h http.Header) http.Header {
	if h == nil {
		return nil
	}
	out := make(http.Header, len(h))
	for key, values := range h {
		copied := make([]string, len(values))
		canonical := http.CanonicalHeaderKey(strings.TrimSpace(key))
		for i, v := range values {
			switch {
			case !sensitiveHeaders[canonical]:
				copied[i] = v
			case canonical == "Authorization":
				if scheme, _, ok := strings.Cut(strings.TrimSpace(v), " "); ok && scheme != "" {
					copied[i] = scheme + " " + redactedValue
				} else {
					copied[i] = redactedValue
				}
			default:
				copied[i] = redactedValue
			}
		}
		out[key] = copied
	}
	return out
}

// RedactQuery returns the encoded query of u with the control token
// replaced
func RedactQuery(u *url.URL) string {
	q := u.Query()
	if _, ok := q[TokenQueryParam]; !ok {
		return u.RawQuery
	}
	q.Set(TokenQueryParam, redactedValue)
	return q.Encode()
}

// StripCredentials removes the control token from r in place, headers and
// query alike, once it has been checked
func StripCredentials(r *http.Request) {
	r.Header.Del("Authorization")
	r.Header.Del(UITokenHeader)
	if q := r.URL.Query(); q.Has(TokenQueryParam) {
		q.Del(TokenQueryParam)
		r.URL.RawQuery = q.Encode()
	}
}
