package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/better-wallet/wallet-core/internal/logger"
	"github.com/better-wallet/wallet-core/pkg/types"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	// maxMessage bounds one inbound frame; signing payloads fit comfortably
	maxMessage = 1 << 20
)

// ErrTabGone is returned when a response targets a tab that disconnected
var ErrTabGone = errors.New("tab is no longer connected")

// conn serializes writes to one websocket
type conn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
}

func (c *conn) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.ws.WriteJSON(v)
}

func (c *conn) ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// keepAlive pings until done is closed or a ping fails
func (c *conn) keepAlive(done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := c.ping(); err != nil {
				return
			}
		}
	}
}

// tab is one connected origin page
type tab struct {
	*conn
	id     int
	origin string
}

// Hub tracks connected tabs and routes responses back to them. It is the
// core's Responder.
type Hub struct {
	mu   sync.RWMutex
	tabs map[int]*tab
	next int
}

// NewHub creates an empty hub
func NewHub() *Hub {
	return &Hub{tabs: make(map[int]*tab)}
}

func (h *Hub) register(ws *websocket.Conn, origin string) *tab {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.next++
	t := &tab{conn: &conn{ws: ws}, id: h.next, origin: origin}
	h.tabs[t.id] = t
	return t
}

func (h *Hub) unregister(id int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.tabs, id)
}

// Tabs reports the number of connected tabs
func (h *Hub) Tabs() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.tabs)
}

// Respond writes resp to the tab that sent the request. A response whose
// origin does not match the tab's is refused.
func (h *Hub) Respond(_ context.Context, resp *types.Response) error {
	h.mu.RLock()
	t, ok := h.tabs[resp.TabID]
	h.mu.RUnlock()
	if !ok {
		return ErrTabGone
	}
	if t.origin != resp.Origin {
		return fmt.Errorf("response for %s addressed to tab of %s", resp.Origin, t.origin)
	}
	return t.writeJSON(resp)
}

// inbound is one request frame from a tab
type inbound struct {
	ID     string          `json:"id"`
	Family string          `json:"chainFamily"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// request stamps the tab identity on a frame. The origin is the one seen at
// the handshake and cannot be chosen by the frame.
func (t *tab) request(in inbound) types.Request {
	family, ok := types.ParseFamily(in.Family)
	if !ok {
		// unknown families resolve to METHOD_NOT_SUPPORTED downstream
		family = types.ChainFamily(in.Family)
	}
	return types.Request{
		ID:     in.ID,
		Origin: t.origin,
		TabID:  t.id,
		Family: family,
		Method: in.Method,
		Params: in.Params,
	}
}

func (t *tab) close(ctx context.Context) {
	if err := t.ws.Close(); err != nil {
		logger.Debug(ctx, "tab close", "tab_id", t.id, "error", err)
	}
}
