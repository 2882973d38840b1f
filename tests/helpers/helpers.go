// Package helpers provides common test utilities for the wallet test suite.
package helpers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/better-wallet/wallet-core/internal/account"
	"github.com/better-wallet/wallet-core/internal/adapter"
	"github.com/better-wallet/wallet-core/internal/api"
	"github.com/better-wallet/wallet-core/internal/chain"
	"github.com/better-wallet/wallet-core/internal/core"
	"github.com/better-wallet/wallet-core/internal/middleware"
	"github.com/better-wallet/wallet-core/internal/storage"
	apperrors "github.com/better-wallet/wallet-core/pkg/errors"
	"github.com/better-wallet/wallet-core/tests/fixtures"
)

// Token guards the control routes of every harness
const Token = "test-ui-token"

// waitTimeout bounds every frame read
const waitTimeout = 5 * time.Second

// Options configures a Harness
type Options struct {
	Chains   []chain.Descriptor
	Adapters adapter.Set
	// Mnemonic, when set, initializes the wallet and imports one account
	Mnemonic string
}

// Harness is a running wallet core behind a real HTTP server
type Harness struct {
	Core   *core.Core
	Server *httptest.Server
}

// NewHarness starts a core on an in-memory store and serves it. Everything
// is torn down by t.Cleanup.
func NewHarness(t *testing.T, opts Options) *Harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	hub := api.NewHub()
	ui := api.NewUI()
	c, err := core.New(ctx, core.Config{
		Store:     storage.NewMemoryStore(),
		Chains:    opts.Chains,
		Surface:   ui,
		Responder: hub,
		Adapters:  opts.Adapters,
		KDFCost:   1 << 10,
	})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Run(ctx)
	}()

	srv := api.NewServer(api.Options{UIToken: Token, Limiter: middleware.NewRateLimiter(1000, 1000, true)}, c, hub, ui)
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(func() {
		ts.Close()
		cancel()
		<-done
	})

	if opts.Mnemonic != "" {
		require.NoError(t, c.Initialize(ctx, []byte(fixtures.Password)))
		_, err := c.CreateAccount(ctx, account.CreateInput{Name: "Main", Mnemonic: opts.Mnemonic})
		require.NoError(t, err)
	}
	return &Harness{Core: c, Server: ts}
}

func (h *Harness) wsURL(path string) string {
	return "ws" + strings.TrimPrefix(h.Server.URL, "http") + path
}

// Do sends an authenticated control request
func (h *Harness) Do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, h.Server.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(middleware.UITokenHeader, Token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

// =============================================================================
// ORIGIN TABS
// =============================================================================

// Reply is a response frame as a page sees it
type Reply struct {
	ID     string               `json:"id"`
	Result json.RawMessage      `json:"result,omitempty"`
	Error  *apperrors.WireError `json:"error,omitempty"`
}

// Tab is a page connected to /v1/rpc
type Tab struct {
	ws *websocket.Conn
}

// DialTab connects a page whose handshake carries origin
func (h *Harness) DialTab(t *testing.T, origin string) *Tab {
	t.Helper()
	header := http.Header{}
	header.Set("Origin", origin)
	ws, resp, err := websocket.DefaultDialer.Dial(h.wsURL("/v1/rpc"), header)
	require.NoError(t, err)
	_ = resp.Body.Close()
	t.Cleanup(func() { _ = ws.Close() })
	return &Tab{ws: ws}
}

// Send writes a request frame. Extra fields in frame are sent as is.
func (tb *Tab) Send(t *testing.T, frame map[string]any) {
	t.Helper()
	require.NoError(t, tb.ws.WriteJSON(frame))
}

// Call writes a request frame for family and method
func (tb *Tab) Call(t *testing.T, id, family, method string, params any) {
	t.Helper()
	frame := map[string]any{"id": id, "chainFamily": family, "method": method}
	if params != nil {
		frame["params"] = params
	}
	tb.Send(t, frame)
}

// Next reads the next response frame
func (tb *Tab) Next(t *testing.T) Reply {
	t.Helper()
	require.NoError(t, tb.ws.SetReadDeadline(time.Now().Add(waitTimeout)))
	var r Reply
	require.NoError(t, tb.ws.ReadJSON(&r))
	return r
}

// Silent asserts no frame arrives within d
func (tb *Tab) Silent(t *testing.T, d time.Duration) {
	t.Helper()
	require.NoError(t, tb.ws.SetReadDeadline(time.Now().Add(d)))
	_, data, err := tb.ws.ReadMessage()
	require.Error(t, err, "unexpected frame %s", data)
}

// =============================================================================
// APPROVAL SURFACE
// =============================================================================

// UIClient is an approval surface connected to /v1/ui
type UIClient struct {
	ws *websocket.Conn
}

// DialUI attaches an approval surface using the harness token
func (h *Harness) DialUI(t *testing.T) *UIClient {
	t.Helper()
	u := h.wsURL("/v1/ui") + "?token=" + url.QueryEscape(Token)
	ws, resp, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	t.Cleanup(func() { _ = ws.Close() })
	return &UIClient{ws: ws}
}

// WaitFor reads surface events until one of type typ arrives for which
// match returns true. A nil match accepts the first event of that type.
func (u *UIClient) WaitFor(t *testing.T, typ string, match func(api.Event) bool) api.Event {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for {
		require.NoError(t, u.ws.SetReadDeadline(deadline))
		var ev api.Event
		require.NoError(t, u.ws.ReadJSON(&ev), "waiting for %s event", typ)
		if ev.Type == typ && (match == nil || match(ev)) {
			return ev
		}
	}
}

// WaitPending waits until the surface shows exactly n requests
func (u *UIClient) WaitPending(t *testing.T, n int) api.Event {
	t.Helper()
	return u.WaitFor(t, api.EventShow, func(ev api.Event) bool { return len(ev.Requests) == n })
}

// Approve sends an approve frame
func (u *UIClient) Approve(t *testing.T, id string, scopes ...string) {
	t.Helper()
	require.NoError(t, u.ws.WriteJSON(map[string]any{"type": "approve", "id": id, "scopes": scopes}))
}

// Reject sends a reject frame
func (u *UIClient) Reject(t *testing.T, id string) {
	t.Helper()
	require.NoError(t, u.ws.WriteJSON(map[string]any{"type": "reject", "id": id}))
}

// CloseWindow reports the approval window as closed
func (u *UIClient) CloseWindow(t *testing.T, windowID string) {
	t.Helper()
	require.NoError(t, u.ws.WriteJSON(map[string]any{"type": "window_closed", "windowId": windowID}))
}

// Disconnect drops the surface connection
func (u *UIClient) Disconnect() {
	_ = u.ws.Close()
}
