// Package core assembles the wallet: it owns every component, serializes
// dispatch decisions on one loop, and guarantees each request is answered
// exactly once.
package core

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/better-wallet/wallet-core/internal/account"
	"github.com/better-wallet/wallet-core/internal/adapter"
	"github.com/better-wallet/wallet-core/internal/adapter/aptos"
	"github.com/better-wallet/wallet-core/internal/adapter/bitcoin"
	"github.com/better-wallet/wallet-core/internal/adapter/cosmos"
	"github.com/better-wallet/wallet-core/internal/adapter/evm"
	"github.com/better-wallet/wallet-core/internal/adapter/move"
	"github.com/better-wallet/wallet-core/internal/aggregator"
	"github.com/better-wallet/wallet-core/internal/approval"
	"github.com/better-wallet/wallet-core/internal/chain"
	"github.com/better-wallet/wallet-core/internal/dispatch"
	"github.com/better-wallet/wallet-core/internal/endpoint"
	"github.com/better-wallet/wallet-core/internal/keyexec"
	"github.com/better-wallet/wallet-core/internal/logger"
	"github.com/better-wallet/wallet-core/internal/metrics"
	"github.com/better-wallet/wallet-core/internal/session"
	"github.com/better-wallet/wallet-core/internal/signing"
	"github.com/better-wallet/wallet-core/internal/storage"
	"github.com/better-wallet/wallet-core/internal/trust"
	apperrors "github.com/better-wallet/wallet-core/pkg/errors"
	"github.com/better-wallet/wallet-core/pkg/types"
)

// Responder delivers responses to the tab that sent the request
type Responder interface {
	Respond(ctx context.Context, resp *types.Response) error
}

// Config wires a Core
type Config struct {
	Store storage.KeyValueStore
	// Chains are the built-in descriptors; nil selects chain.Defaults()
	Chains    []chain.Descriptor
	KMS       keyexec.KMSProvider
	Surface   approval.Surface
	Responder Responder
	// Adapters overrides the production chain adapters
	Adapters adapter.Set
	Breakers *endpoint.Breakers
	// Metrics is optional
	Metrics *metrics.Metrics
	// Limiter throttles inbound requests per origin; nil disables it
	Limiter dispatch.Limiter
	// Clock drives the session idle timer; nil uses the wall clock
	Clock session.Clock

	FetchTimeout       time.Duration
	PollInterval       time.Duration
	BalanceConcurrency int
	AddressConcurrency int
	RPCRateLimit       int
	KDFCost            int
}

// Core is the wallet context object
type Core struct {
	Chains     *chain.Registry
	Session    *session.Manager
	Accounts   *account.Manager
	Trust      *trust.Store
	Queue      *approval.Queue
	Signer     *signing.Orchestrator
	Aggregator *aggregator.Aggregator
	Dispatcher *dispatch.Dispatcher

	responder    Responder
	metrics      *metrics.Metrics
	pollInterval time.Duration

	events chan func(context.Context)
	kick   chan struct{}
	jobs   sync.WaitGroup

	mu       sync.Mutex
	inflight map[string]types.Request
}

// DefaultAdapters builds the adapter of every family
func DefaultAdapters(client *http.Client, breakers *endpoint.Breakers) adapter.Set {
	return adapter.NewSet(
		evm.New(breakers),
		cosmos.New(client, breakers),
		bitcoin.New(client, breakers),
		move.NewSui(breakers),
		move.NewIOTA(breakers),
		aptos.New(client, breakers),
	)
}

// New assembles the components and loads persisted state. Call Run to start
// serving.
func New(ctx context.Context, cfg Config) (*Core, error) {
	if cfg.Store == nil || cfg.Surface == nil || cfg.Responder == nil {
		return nil, fmt.Errorf("core requires a store, a surface and a responder")
	}
	if cfg.Chains == nil {
		cfg.Chains = chain.Defaults()
	}
	if cfg.KMS == nil {
		cfg.KMS = keyexec.NoneKMSProvider{}
	}
	if cfg.Breakers == nil {
		cfg.Breakers = endpoint.NewBreakers(0.6, 5)
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 10 * time.Second
	}
	if cfg.Adapters == nil {
		cfg.Adapters = DefaultAdapters(&http.Client{Timeout: cfg.FetchTimeout}, cfg.Breakers)
	}

	registry := chain.NewRegistry(cfg.Store, cfg.Chains)
	if err := registry.Load(ctx); err != nil {
		return nil, fmt.Errorf("failed to load chain registry: %w", err)
	}

	sealer := keyexec.NewSealer(cfg.KMS)
	opts := session.Options{Clock: cfg.Clock, KDFCost: cfg.KDFCost}
	if cfg.KMS.Provider() != string(keyexec.KMSProviderNone) {
		opts.Resume = sealer
	}
	sess := session.NewManager(cfg.Store, opts)
	if err := sess.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start session: %w", err)
	}

	accounts := account.NewManager(account.Config{
		Store:       cfg.Store,
		Chains:      registry,
		Sealer:      sealer,
		Session:     sess,
		Adapters:    cfg.Adapters,
		Concurrency: cfg.AddressConcurrency,
	})
	trustStore := trust.NewStore(cfg.Store)

	c := &Core{
		Chains:       registry,
		Session:      sess,
		Accounts:     accounts,
		Trust:        trustStore,
		Queue:        approval.NewQueue(cfg.Surface),
		responder:    cfg.Responder,
		metrics:      cfg.Metrics,
		pollInterval: cfg.PollInterval,
		events:       make(chan func(context.Context)),
		kick:         make(chan struct{}, 1),
		inflight:     make(map[string]types.Request),
	}

	aggCfg := aggregator.Config{
		Store:       cfg.Store,
		Chains:      registry,
		Adapters:    cfg.Adapters,
		Addresses:   accounts,
		Concurrency: cfg.BalanceConcurrency,
		RateLimit:   cfg.RPCRateLimit,
		Timeout:     cfg.FetchTimeout,
	}
	signCfg := signing.Config{
		Accounts:  accounts,
		Adapters:  cfg.Adapters,
		Breakers:  cfg.Breakers,
		Counter:   trustStore,
		Timeout:   cfg.FetchTimeout,
	}
	if cfg.Metrics != nil {
		aggCfg.Observer = cfg.Metrics
		signCfg.Observer = cfg.Metrics
		cfg.Breakers.OnStateChange(cfg.Metrics.BreakerChanged)
		c.Queue.OnChange(cfg.Metrics.SetQueueDepth)
		cfg.Metrics.SetUnlocked(sess.HasAuth())
		sess.OnLock(func() { cfg.Metrics.SetUnlocked(false) })
	}
	c.Aggregator = aggregator.New(aggCfg)
	signCfg.Refresher = c.Aggregator
	c.Signer = signing.New(signCfg)

	accounts.OnDelete(trustStore)
	accounts.OnDelete(c.Aggregator)

	c.Dispatcher = dispatch.New(dispatch.Config{
		Chains:   registry,
		Accounts: accounts,
		Trust:    trustStore,
		Session:  sess,
		Signer:   c.Signer,
		Adapters: cfg.Adapters,
		Limiter:  cfg.Limiter,
		Timeout:  cfg.FetchTimeout,
	})
	return c, nil
}

// Run processes events until ctx is done. Requests still waiting for a
// decision are then answered with INTERNAL and in-flight executions are
// awaited.
func (c *Core) Run(ctx context.Context) error {
	pollCtx, stopPoll := context.WithCancel(ctx)
	defer stopPoll()
	go c.Aggregator.Poll(pollCtx, c.Accounts, c.pollInterval, c.kick)

	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			return ctx.Err()
		case ev := <-c.events:
			ev(ctx)
		}
	}
}

func (c *Core) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, p := range c.Queue.Drain(ctx) {
		c.respond(ctx, p.Request, nil, apperrors.ErrInternal)
	}
	c.jobs.Wait()
	logger.Info(ctx, "wallet core stopped")
}

// do runs fn on the loop and waits for it
func (c *Core) do(ctx context.Context, fn func(ctx context.Context) error) error {
	done := make(chan error, 1)
	ev := func(loopCtx context.Context) { done <- fn(loopCtx) }
	select {
	case c.events <- ev:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func requestKey(req types.Request) string {
	return fmt.Sprintf("%s|%d|%s", req.Origin, req.TabID, req.ID)
}

// Submit takes an inbound request. Its answer is delivered through the
// Responder, now or after an approval decision.
func (c *Core) Submit(ctx context.Context, req types.Request) error {
	if req.ID == "" {
		return apperrors.New(apperrors.ErrCodeInvalidRequest, "Request id is required")
	}
	key := requestKey(req)
	c.mu.Lock()
	if _, dup := c.inflight[key]; dup {
		c.mu.Unlock()
		c.deliver(ctx, types.NewError(&req, apperrors.New(apperrors.ErrCodeInvalidRequest, "Duplicate request id")))
		return nil
	}
	c.inflight[key] = req
	c.mu.Unlock()

	if !c.Dispatcher.IsPopup(req.Family, req.Method) {
		// no-popup methods may wait on the network and never touch the queue
		c.jobs.Add(1)
		go func() {
			defer c.jobs.Done()
			out := c.Dispatcher.Dispatch(ctx, req)
			c.observe(req, out)
			c.respond(ctx, req, out.Result, out.Err)
		}()
		return nil
	}

	// network checks stay off the loop so other tabs keep moving
	if err := c.Dispatcher.Preflight(ctx, req); err != nil {
		c.observe(req, dispatch.Outcome{Answered: true, Err: err})
		c.respond(ctx, req, nil, err)
		return nil
	}

	err := c.do(ctx, func(loopCtx context.Context) error {
		out := c.Dispatcher.Dispatch(ctx, req)
		c.observe(req, out)
		if out.Answered {
			c.respond(ctx, req, out.Result, out.Err)
			return nil
		}
		dropped, err := c.Queue.Enqueue(loopCtx, *out.Pending)
		if err != nil && dropped == nil {
			c.respond(ctx, req, nil, err)
			return nil
		}
		for _, p := range dropped {
			c.respond(ctx, p.Request, nil, apperrors.ErrInternal)
		}
		return nil
	})
	if err != nil {
		c.respond(context.WithoutCancel(ctx), req, nil, apperrors.ErrInternal)
	}
	return nil
}

func (c *Core) observe(req types.Request, out dispatch.Outcome) {
	if c.metrics == nil {
		return
	}
	outcome := metrics.OutcomeAnswered
	switch {
	case out.Pending != nil:
		outcome = metrics.OutcomeForwarded
	case out.Err != nil:
		outcome = metrics.OutcomeError
	}
	c.metrics.ObserveRequest(req.Family, req.Method, outcome)
}

// Approve executes the active request. The answer is delivered once the
// execution finishes; the request leaves the queue either way.
func (c *Core) Approve(ctx context.Context, requestID string, decision approval.Decision) error {
	var claimed types.PendingRequest
	err := c.do(ctx, func(context.Context) error {
		p, err := c.Queue.Approve(requestID)
		claimed = p
		return err
	})
	if err != nil {
		return err
	}
	if err := c.Session.Activity(ctx); err != nil {
		logger.Debug(ctx, "activity not recorded", "error", err)
	}

	c.jobs.Add(1)
	go func() {
		defer c.jobs.Done()
		// the approval must finish even if the UI call that started it is gone
		jctx := context.WithoutCancel(ctx)
		result, err := c.Dispatcher.Execute(jctx, claimed, decision)
		c.respond(jctx, claimed.Request, result, err)
		c.Queue.Dequeue(jctx, claimed.ID)
	}()
	return nil
}

// Reject answers a pending request with USER_REJECTED_REQUEST
func (c *Core) Reject(ctx context.Context, requestID string) error {
	return c.do(ctx, func(loopCtx context.Context) error {
		p, err := c.Queue.Reject(loopCtx, requestID)
		if err != nil {
			return err
		}
		c.respond(loopCtx, p.Request, nil, apperrors.UserRejected())
		return nil
	})
}

// WindowClosed rejects every undecided request of a closed approval window
func (c *Core) WindowClosed(ctx context.Context, windowID string) error {
	return c.do(ctx, func(loopCtx context.Context) error {
		for _, p := range c.Queue.WindowClosed(loopCtx, windowID) {
			c.respond(loopCtx, p.Request, nil, apperrors.UserRejected())
		}
		return nil
	})
}

// SelectAccount switches the current account and refreshes its balances
func (c *Core) SelectAccount(ctx context.Context, id string) error {
	if err := c.do(ctx, func(loopCtx context.Context) error {
		return c.Accounts.Select(loopCtx, id)
	}); err != nil {
		return err
	}
	c.Refresh()
	return nil
}

// Initialize sets the wallet password and opens the session
func (c *Core) Initialize(ctx context.Context, password []byte) error {
	if err := c.Session.Initialize(ctx, password); err != nil {
		return err
	}
	if c.metrics != nil {
		c.metrics.SetUnlocked(true)
	}
	return nil
}

// Unlock opens the session
func (c *Core) Unlock(ctx context.Context, password []byte) error {
	if err := c.Session.Unlock(ctx, password); err != nil {
		return err
	}
	if c.metrics != nil {
		c.metrics.SetUnlocked(true)
	}
	c.Refresh()
	return nil
}

// Lock erases the session credential
func (c *Core) Lock(ctx context.Context) error {
	return c.Session.Lock(ctx)
}

// Activity restarts the idle timer
func (c *Core) Activity(ctx context.Context) error {
	return c.Session.Activity(ctx)
}

// SetTimeout changes the idle duration; session.Never disables it
func (c *Core) SetTimeout(ctx context.Context, d time.Duration) error {
	return c.Session.SetTimeout(ctx, d)
}

// ListAccounts lists every account
func (c *Core) ListAccounts(ctx context.Context) ([]types.Account, error) {
	return c.Accounts.List(ctx)
}

// CreateAccount imports or creates an account and refreshes balances when
// it became current
func (c *Core) CreateAccount(ctx context.Context, in account.CreateInput) (types.Account, error) {
	var acct types.Account
	err := c.do(ctx, func(loopCtx context.Context) error {
		var err error
		acct, err = c.Accounts.Create(loopCtx, in)
		return err
	})
	if err != nil {
		return types.Account{}, err
	}
	c.Refresh()
	return acct, nil
}

// DeleteAccount removes an account together with its trust grants and
// balance records
func (c *Core) DeleteAccount(ctx context.Context, id string) error {
	return c.do(ctx, func(loopCtx context.Context) error {
		return c.Accounts.Delete(loopCtx, id)
	})
}

// CurrentBalances returns the stored balances of the current account
func (c *Core) CurrentBalances(ctx context.Context) ([]types.BalanceRecord, error) {
	acct, err := c.current(ctx)
	if err != nil {
		return nil, err
	}
	return c.Aggregator.Balances(ctx, acct.ID)
}

// ChangePassword re-seals every account secret under a new password.
// It runs on the loop so no account is created or deleted meanwhile.
func (c *Core) ChangePassword(ctx context.Context, oldPassword, newPassword []byte) error {
	return c.do(ctx, func(loopCtx context.Context) error {
		return c.Session.ChangePassword(loopCtx, oldPassword, newPassword, c.Accounts.Reseal)
	})
}

// RenameAccount changes the display name of an account
func (c *Core) RenameAccount(ctx context.Context, id, name string) error {
	return c.Accounts.Rename(ctx, id, name)
}

// CreateZkLoginAccount stores a zkLogin account for Sui or IOTA
func (c *Core) CreateZkLoginAccount(ctx context.Context, in account.ZkLoginInput) (types.Account, error) {
	var acct types.Account
	err := c.do(ctx, func(loopCtx context.Context) error {
		var err error
		acct, err = c.Accounts.CreateZkLogin(loopCtx, in)
		return err
	})
	if err != nil {
		return types.Account{}, err
	}
	c.Refresh()
	return acct, nil
}

// GenerateMnemonic returns a fresh 12-word phrase for a new account. It is
// not stored until passed back to CreateAccount.
func (c *Core) GenerateMnemonic() (string, error) {
	return keyexec.GenerateMnemonic()
}

// ConnectedSites lists the origins the current account has granted
func (c *Core) ConnectedSites(ctx context.Context) ([]types.ConnectedSite, error) {
	acct, err := c.current(ctx)
	if err != nil {
		return nil, err
	}
	grants, err := c.Trust.Origins(ctx, acct.ID)
	if err != nil {
		return nil, err
	}
	out := make([]types.ConnectedSite, 0, len(grants))
	for _, g := range grants {
		n, err := c.Trust.TxCount(ctx, g.Origin)
		if err != nil {
			return nil, err
		}
		out = append(out, types.ConnectedSite{TrustGrant: g, TxCount: n})
	}
	return out, nil
}

// DisconnectSite revokes every grant origin holds on the current account
func (c *Core) DisconnectSite(ctx context.Context, origin string) error {
	acct, err := c.current(ctx)
	if err != nil {
		return err
	}
	return c.Trust.Revoke(ctx, acct.ID, origin)
}

// CurrentDelegations returns the stored staking records of the current
// account
func (c *Core) CurrentDelegations(ctx context.Context) ([]types.DelegationRecord, error) {
	acct, err := c.current(ctx)
	if err != nil {
		return nil, err
	}
	return c.Aggregator.Delegations(ctx, acct.ID)
}

// ChainTotals sums the current account's balances on one chain per denom
func (c *Core) ChainTotals(ctx context.Context, chainID string) ([]types.Coin, error) {
	acct, err := c.current(ctx)
	if err != nil {
		return nil, err
	}
	return c.Aggregator.Totals(ctx, acct.ID, chainID)
}

func (c *Core) current(ctx context.Context) (types.Account, error) {
	acct, ok, err := c.Accounts.Current(ctx)
	if err != nil {
		return types.Account{}, err
	}
	if !ok {
		return types.Account{}, apperrors.NoAccount()
	}
	return acct, nil
}

// PendingRequests returns the approval queue in display order
func (c *Core) PendingRequests() []types.PendingRequest {
	return c.Queue.Pending()
}

// Refresh asks the poller for an early full refresh
func (c *Core) Refresh() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

// respond answers req unless it was already answered
func (c *Core) respond(ctx context.Context, req types.Request, result any, err error) {
	key := requestKey(req)
	c.mu.Lock()
	_, pending := c.inflight[key]
	delete(c.inflight, key)
	c.mu.Unlock()
	if !pending {
		logger.Warn(ctx, "dropping second answer", "request_id", req.ID, "origin", req.Origin)
		return
	}

	if err != nil {
		c.deliver(ctx, types.NewError(&req, err))
		return
	}
	c.deliver(ctx, types.NewResult(&req, result))
}

func (c *Core) deliver(ctx context.Context, resp *types.Response) {
	if err := c.responder.Respond(ctx, resp); err != nil {
		logger.Warn(ctx, "failed to deliver response", "request_id", resp.ID, "origin", resp.Origin, "error", err)
	}
}

// Pending reports how many requests still wait for an answer
func (c *Core) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inflight)
}
