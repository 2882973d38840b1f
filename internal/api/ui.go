package api

import (
	"context"
	"errors"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/better-wallet/wallet-core/internal/approval"
	"github.com/better-wallet/wallet-core/internal/logger"
	"github.com/better-wallet/wallet-core/pkg/types"
)

// ErrNoSurface is returned when no approval UI is connected
var ErrNoSurface = errors.New("no approval surface connected")

// Surface event types
const (
	EventOpen  = "open"
	EventClose = "close"
	EventShow  = "show"
)

// Event is pushed to the approval UI
type Event struct {
	Type     string                 `json:"type"`
	WindowID string                 `json:"windowId"`
	Requests []types.PendingRequest `json:"requests,omitempty"`
}

// UI is the approval surface backed by a single websocket client. Opening
// a window fails while no client is attached; the requests that needed it
// are then answered INTERNAL by the core.
type UI struct {
	mu     sync.Mutex
	client *conn
	window string
	// onDetach is told which window was showing when the client went away
	onDetach func(ctx context.Context, windowID string)
}

var _ approval.Surface = (*UI)(nil)

// NewUI creates a detached surface
func NewUI() *UI {
	return &UI{}
}

// OnDetach registers fn to run when the client disconnects with a window
// open. The server wires it to the window-closed cascade.
func (u *UI) OnDetach(fn func(ctx context.Context, windowID string)) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.onDetach = fn
}

// attach replaces the current client
func (u *UI) attach(ws *websocket.Conn) (*conn, *conn) {
	u.mu.Lock()
	defer u.mu.Unlock()
	prev := u.client
	u.client = &conn{ws: ws}
	return u.client, prev
}

// detach drops c if it is still the current client and reports the window
// it left open
func (u *UI) detach(ctx context.Context, c *conn) {
	u.mu.Lock()
	if u.client != c {
		u.mu.Unlock()
		return
	}
	u.client = nil
	window, fn := u.window, u.onDetach
	u.window = ""
	u.mu.Unlock()

	if window != "" && fn != nil {
		fn(ctx, window)
	}
}

// Attached reports whether a client is connected
func (u *UI) Attached() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.client != nil
}

func (u *UI) send(ctx context.Context, ev Event) error {
	u.mu.Lock()
	c := u.client
	u.mu.Unlock()
	if c == nil {
		return ErrNoSurface
	}
	if err := c.writeJSON(ev); err != nil {
		logger.Warn(ctx, "failed to push approval event", "type", ev.Type, "error", err)
		return err
	}
	return nil
}

// Open implements approval.Surface
func (u *UI) Open(ctx context.Context, windowID string) error {
	if err := u.send(ctx, Event{Type: EventOpen, WindowID: windowID}); err != nil {
		return err
	}
	u.mu.Lock()
	u.window = windowID
	u.mu.Unlock()
	return nil
}

// Close implements approval.Surface
func (u *UI) Close(ctx context.Context, windowID string) error {
	u.mu.Lock()
	if u.window == windowID {
		u.window = ""
	}
	u.mu.Unlock()
	return u.send(ctx, Event{Type: EventClose, WindowID: windowID})
}

// Show implements approval.Surface
func (u *UI) Show(ctx context.Context, windowID string, pending []types.PendingRequest) error {
	return u.send(ctx, Event{Type: EventShow, WindowID: windowID, Requests: pending})
}
