package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/better-wallet/wallet-core/internal/account"
	"github.com/better-wallet/wallet-core/internal/approval"
	"github.com/better-wallet/wallet-core/internal/logger"
	"github.com/better-wallet/wallet-core/internal/middleware"
	apperrors "github.com/better-wallet/wallet-core/pkg/errors"
	"github.com/better-wallet/wallet-core/pkg/types"
)

// Wallet is the subset of core.Core used by the API layer. It is an
// interface to allow handler-level unit tests without chain adapters.
type Wallet interface {
	Submit(ctx context.Context, req types.Request) error
	Approve(ctx context.Context, requestID string, decision approval.Decision) error
	Reject(ctx context.Context, requestID string) error
	WindowClosed(ctx context.Context, windowID string) error
	PendingRequests() []types.PendingRequest

	Initialize(ctx context.Context, password []byte) error
	Unlock(ctx context.Context, password []byte) error
	Lock(ctx context.Context) error
	Activity(ctx context.Context) error
	SetTimeout(ctx context.Context, d time.Duration) error

	ChangePassword(ctx context.Context, oldPassword, newPassword []byte) error

	ListAccounts(ctx context.Context) ([]types.Account, error)
	CreateAccount(ctx context.Context, in account.CreateInput) (types.Account, error)
	CreateZkLoginAccount(ctx context.Context, in account.ZkLoginInput) (types.Account, error)
	GenerateMnemonic() (string, error)
	RenameAccount(ctx context.Context, id, name string) error
	DeleteAccount(ctx context.Context, id string) error
	SelectAccount(ctx context.Context, id string) error

	ConnectedSites(ctx context.Context) ([]types.ConnectedSite, error)
	DisconnectSite(ctx context.Context, origin string) error

	CurrentBalances(ctx context.Context) ([]types.BalanceRecord, error)
	CurrentDelegations(ctx context.Context) ([]types.DelegationRecord, error)
	ChainTotals(ctx context.Context, chainID string) ([]types.Coin, error)
}

// Options configures a Server
type Options struct {
	Host string
	Port int
	// UIToken guards the control routes; empty disables the check
	UIToken string
	// Limiter throttles the control routes per client IP; nil disables it
	Limiter *middleware.RateLimiter
	// Metrics is served on /metrics when set
	Metrics http.Handler
}

// Server exposes the origin transport (/v1/rpc), the approval surface
// (/v1/ui) and the wallet control routes
type Server struct {
	opts       Options
	wallet     Wallet
	hub        *Hub
	ui         *UI
	upgrader   websocket.Upgrader
	httpServer *http.Server
}

// NewServer creates a new API server. hub and ui must be the Responder and
// Surface the wallet was built with.
func NewServer(opts Options, wallet Wallet, hub *Hub, ui *UI) *Server {
	s := &Server{
		opts:   opts,
		wallet: wallet,
		hub:    hub,
		ui:     ui,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// origins are arbitrary pages; the Origin header is recorded as
			// the caller identity instead of being filtered here
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	ui.OnDetach(func(ctx context.Context, windowID string) {
		if err := wallet.WindowClosed(ctx, windowID); err != nil {
			logger.Warn(ctx, "failed to close detached approval window", "window_id", windowID, "error", err)
		}
	})
	return s
}

// Routes builds the handler tree
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	// Health check endpoint (no auth required)
	mux.HandleFunc("GET /health", s.handleHealth)
	if s.opts.Metrics != nil {
		mux.Handle("GET /metrics", s.opts.Metrics)
	}

	// Origin transport; the handshake Origin is the caller identity
	mux.HandleFunc("GET /v1/rpc", s.handleRPC)

	// Control routes: UI Auth -> Rate Limit -> Body Limit -> Handler
	auth := middleware.NewUIAuth(s.opts.UIToken)
	control := func(h http.HandlerFunc) http.Handler {
		var next http.Handler = middleware.LimitBody(h)
		if s.opts.Limiter != nil {
			next = s.opts.Limiter.Limit(next)
		}
		return auth.Authenticate(next)
	}
	mux.Handle("GET /v1/ui", control(s.handleUI))
	mux.Handle("GET /v1/ui/pending", control(s.handlePending))
	mux.Handle("POST /v1/ui/approve", control(s.handleApprove))
	mux.Handle("POST /v1/ui/reject", control(s.handleReject))
	mux.Handle("POST /v1/ui/window-closed", control(s.handleWindowClosed))

	mux.Handle("POST /v1/session/initialize", control(s.handleInitialize))
	mux.Handle("POST /v1/session/unlock", control(s.handleUnlock))
	mux.Handle("POST /v1/session/lock", control(s.handleLock))
	mux.Handle("POST /v1/session/activity", control(s.handleActivity))
	mux.Handle("PUT /v1/session/timeout", control(s.handleTimeout))
	mux.Handle("POST /v1/session/password", control(s.handleChangePassword))

	mux.Handle("GET /v1/accounts", control(s.handleListAccounts))
	mux.Handle("POST /v1/accounts", control(s.handleCreateAccount))
	mux.Handle("POST /v1/accounts/zklogin", control(s.handleCreateZkLogin))
	mux.Handle("POST /v1/accounts/mnemonic", control(s.handleGenerateMnemonic))
	mux.Handle("PATCH /v1/accounts/{id}", control(s.handleRenameAccount))
	mux.Handle("POST /v1/accounts/{id}/select", control(s.handleSelectAccount))
	mux.Handle("DELETE /v1/accounts/{id}", control(s.handleDeleteAccount))

	mux.Handle("GET /v1/sites", control(s.handleSites))
	mux.Handle("DELETE /v1/sites", control(s.handleDisconnectSite))

	mux.Handle("GET /v1/balances", control(s.handleBalances))
	mux.Handle("GET /v1/balances/{chainId}/totals", control(s.handleTotals))
	mux.Handle("GET /v1/staking", control(s.handleStaking))

	// Chain middleware: RequestID -> AccessLog -> Routes
	return middleware.RequestID(middleware.AccessLog(mux))
}

// Start serves until Shutdown
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              net.JoinHostPort(s.opts.Host, strconv.Itoa(s.opts.Port)),
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	logger.Info(context.Background(), "starting server", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server. Hijacked websockets are not
// tracked by http.Server and close when the process exits.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// handleRPC upgrades an origin page and forwards its request frames
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if origin == "" {
		writeError(r.Context(), w, apperrors.New(apperrors.ErrCodeInvalidRequest, "Origin header is required"))
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader already wrote the HTTP error
		logger.Debug(r.Context(), "rpc upgrade failed", "error", err)
		return
	}

	t := s.hub.register(ws, origin)
	// frames outlive the handshake request
	ctx := context.WithoutCancel(r.Context())
	logger.Debug(ctx, "tab connected", "tab_id", t.id, "origin", origin)
	defer func() {
		s.hub.unregister(t.id)
		t.close(ctx)
		logger.Debug(ctx, "tab disconnected", "tab_id", t.id, "origin", origin)
	}()

	done := make(chan struct{})
	defer close(done)
	go t.keepAlive(done)

	ws.SetReadLimit(maxMessage)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error { return ws.SetReadDeadline(time.Now().Add(pongWait)) })

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debug(ctx, "tab read failed", "tab_id", t.id, "error", err)
			}
			return
		}

		var in inbound
		if err := json.Unmarshal(data, &in); err != nil {
			_ = t.writeJSON(types.NewError(&types.Request{Origin: origin, TabID: t.id},
				apperrors.New(apperrors.ErrCodeInvalidRequest, "Malformed request frame")))
			continue
		}
		req := t.request(in)
		if err := s.wallet.Submit(ctx, req); err != nil {
			_ = t.writeJSON(types.NewError(&req, err))
		}
	}
}

// uiFrame is a decision sent over the approval socket
type uiFrame struct {
	Type     string   `json:"type"`
	ID       string   `json:"id,omitempty"`
	WindowID string   `json:"windowId,omitempty"`
	Scopes   []string `json:"scopes,omitempty"`
}

// handleUI attaches the approval surface. A newer client replaces an older
// one; decisions may be sent as frames or through the POST routes.
func (s *Server) handleUI(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Debug(r.Context(), "ui upgrade failed", "error", err)
		return
	}
	ctx := context.WithoutCancel(r.Context())
	c, prev := s.ui.attach(ws)
	if prev != nil {
		_ = prev.ws.Close()
	}
	logger.Info(ctx, "approval surface attached")
	defer func() {
		s.ui.detach(ctx, c)
		_ = ws.Close()
		logger.Info(ctx, "approval surface detached")
	}()

	done := make(chan struct{})
	defer close(done)
	go c.keepAlive(done)

	ws.SetReadLimit(maxMessage)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error { return ws.SetReadDeadline(time.Now().Add(pongWait)) })

	for {
		var f uiFrame
		if err := ws.ReadJSON(&f); err != nil {
			var syntaxErr *json.SyntaxError
			if errors.As(err, &syntaxErr) {
				continue
			}
			return
		}
		if err := s.decide(ctx, f); err != nil {
			logger.Warn(ctx, "approval decision failed", "type", f.Type, "request_id", f.ID, "error", err)
			_ = c.writeJSON(map[string]any{"type": "error", "id": f.ID, "error": apperrors.ToWire(err)})
		}
	}
}

func (s *Server) decide(ctx context.Context, f uiFrame) error {
	switch f.Type {
	case "approve":
		return s.wallet.Approve(ctx, f.ID, approval.Decision{Scopes: f.Scopes})
	case "reject":
		return s.wallet.Reject(ctx, f.ID)
	case "window_closed":
		return s.wallet.WindowClosed(ctx, f.WindowID)
	default:
		return apperrors.InvalidParams(fmt.Sprintf("unknown frame type %q", f.Type))
	}
}

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"tabs":    s.hub.Tabs(),
		"surface": s.ui.Attached(),
		"pending": len(s.wallet.PendingRequests()),
	})
}
