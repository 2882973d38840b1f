package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUIAuth(t *testing.T) {
	var seen http.Header
	h := NewUIAuth("s3cret").Authenticate(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Clone()
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name   string
		setup  func(r *http.Request)
		status int
	}{
		{name: "missing", setup: func(*http.Request) {}, status: http.StatusUnauthorized},
		{name: "bearer", setup: func(r *http.Request) { r.Header.Set("Authorization", "Bearer s3cret") }, status: http.StatusNoContent},
		{name: "wrong bearer", setup: func(r *http.Request) { r.Header.Set("Authorization", "Bearer nope") }, status: http.StatusUnauthorized},
		{name: "basic scheme", setup: func(r *http.Request) { r.Header.Set("Authorization", "Basic s3cret") }, status: http.StatusUnauthorized},
		{name: "header", setup: func(r *http.Request) { r.Header.Set(UITokenHeader, "s3cret") }, status: http.StatusNoContent},
		{name: "query ignored without upgrade", setup: func(r *http.Request) {
			r.URL.RawQuery = "token=s3cret"
		}, status: http.StatusUnauthorized},
		{name: "query on websocket upgrade", setup: func(r *http.Request) {
			r.URL.RawQuery = "token=s3cret"
			r.Header.Set("Upgrade", "websocket")
		}, status: http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen = nil
			req := httptest.NewRequest(http.MethodPost, "/v1/session/lock", nil)
			tt.setup(req)
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.status, rec.Code)
			if tt.status == http.StatusNoContent {
				assert.Empty(t, seen.Get("Authorization"), "token stripped before handler")
				assert.Empty(t, seen.Get(UITokenHeader))
			}
		})
	}
}

func TestUIAuth_Disabled(t *testing.T) {
	h := NewUIAuth("").Authenticate(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/accounts", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}
