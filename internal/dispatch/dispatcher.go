// Package dispatch routes inbound requests. Every request ends either
// answered right away or forwarded to the approval queue; approved requests
// come back through Execute.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/better-wallet/wallet-core/internal/adapter"
	"github.com/better-wallet/wallet-core/internal/approval"
	"github.com/better-wallet/wallet-core/internal/chain"
	"github.com/better-wallet/wallet-core/internal/logger"
	"github.com/better-wallet/wallet-core/internal/schema"
	"github.com/better-wallet/wallet-core/internal/signing"
	apperrors "github.com/better-wallet/wallet-core/pkg/errors"
	"github.com/better-wallet/wallet-core/pkg/types"
)

// Accounts resolves the current account and its addresses
type Accounts interface {
	Current(ctx context.Context) (types.Account, bool, error)
	Address(ctx context.Context, acct types.Account, d chain.Descriptor) (types.AccountAddress, error)
	ChainAddresses(ctx context.Context, acct types.Account, d chain.Descriptor) ([]types.AccountAddress, error)
}

// Trust reads and writes origin grants
type Trust interface {
	Get(ctx context.Context, accountID, origin string, family types.ChainFamily) (types.TrustGrant, bool, error)
	Grant(ctx context.Context, accountID, origin string, family types.ChainFamily, scopes []string) error
	Revoke(ctx context.Context, accountID, origin string) error
	Touch(ctx context.Context, accountID, origin string, family types.ChainFamily) error
}

// Session reports whether the wallet is unlocked
type Session interface {
	HasAuth() bool
}

// Signer runs authorized signing jobs. The signing orchestrator satisfies it.
type Signer interface {
	Sign(ctx context.Context, job signing.Job) (*signing.Result, error)
	SignBatch(ctx context.Context, jobs []signing.Job) ([]*signing.Result, error)
	Broadcast(ctx context.Context, d chain.Descriptor, raw []byte) (any, error)
}

// Limiter throttles requests per origin
type Limiter interface {
	Allow(key string) bool
}

// Call is one request being handled
type Call struct {
	Req    types.Request
	Params any
	// Chain is the chain the request targets: the one its params name, or
	// the family's current network
	Chain      chain.Descriptor
	Account    types.Account
	HasAccount bool
	Grant      types.TrustGrant
	Trusted    bool
	Unlocked   bool
	// Decision is set when an approved request is executed
	Decision approval.Decision
}

// authorized reports whether the origin may see the account right now
func (c *Call) authorized() bool {
	return c.HasAccount && c.Trusted && c.Unlocked
}

func (c *Call) hasScope(scope string) bool {
	return c.Trusted && c.Grant.HasScope(scope)
}

// Handler is the entry of one method in a family table
type Handler struct {
	Schema schema.Func
	// Popup methods need an interactive decision unless Check answers them
	Popup bool
	// Connect methods queue even before any account exists
	Connect bool
	// Check runs before a popup method is forwarded. done answers the
	// request with result; an error answers it with the error.
	Check func(ctx context.Context, c *Call) (result any, done bool, err error)
	// Verify checks params against the network. It runs through Preflight,
	// ahead of Dispatch and outside the core's event loop.
	Verify func(ctx context.Context, params any) error
	// Run answers a no-popup method, or executes an approved popup method
	Run func(ctx context.Context, c *Call) (any, error)
}

// Table maps method names to handlers
type Table map[string]Handler

// Outcome is the terminal state of a dispatched request. Exactly one of an
// answer (Result or Err) and Pending is set.
type Outcome struct {
	Answered bool
	Result   any
	Err      error
	Pending  *types.PendingRequest
}

func answer(result any, err error) Outcome {
	return Outcome{Answered: true, Result: result, Err: err}
}

// Config wires a Dispatcher
type Config struct {
	Chains   *chain.Registry
	Accounts Accounts
	Trust    Trust
	Session  Session
	Signer   Signer
	Adapters adapter.Set
	// Limiter is optional; nil disables the per-origin limit
	Limiter Limiter
	// Timeout bounds read-only chain calls of no-popup methods
	Timeout time.Duration
}

// Dispatcher classifies and routes requests
type Dispatcher struct {
	chains   *chain.Registry
	accounts Accounts
	trust    Trust
	session  Session
	signer   Signer
	adapters adapter.Set
	limiter  Limiter
	timeout  time.Duration
	tables   map[types.ChainFamily]Table
	now      func() time.Time
}

// New creates a Dispatcher with the method tables of every family
func New(cfg Config) *Dispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	d := &Dispatcher{
		chains:   cfg.Chains,
		accounts: cfg.Accounts,
		trust:    cfg.Trust,
		session:  cfg.Session,
		signer:   cfg.Signer,
		adapters: cfg.Adapters,
		limiter:  cfg.Limiter,
		timeout:  cfg.Timeout,
		now:      time.Now,
	}
	d.tables = map[types.ChainFamily]Table{
		types.FamilyEVM:     d.evmTable(),
		types.FamilyCosmos:  d.cosmosTable(),
		types.FamilyBitcoin: d.bitcoinTable(),
		types.FamilySui:     d.moveTable("sui"),
		types.FamilyIOTA:    d.moveTable("iota"),
		types.FamilyAptos:   d.aptosTable(),
	}
	return d
}

// SetClock replaces the clock used for enqueue timestamps
func (d *Dispatcher) SetClock(now func() time.Time) {
	d.now = now
}

// Methods lists the methods supported for a family
func (d *Dispatcher) Methods(family types.ChainFamily) []string {
	out := make([]string, 0, len(d.tables[family]))
	for m := range d.tables[family] {
		out = append(out, m)
	}
	return out
}

// IsPopup reports whether method needs an approval decision. Unknown
// methods report false.
func (d *Dispatcher) IsPopup(family types.ChainFamily, method string) bool {
	h, ok := d.lookup(family, method)
	return ok && h.Popup
}

func (d *Dispatcher) lookup(family types.ChainFamily, method string) (Handler, bool) {
	table, ok := d.tables[family]
	if !ok {
		return Handler{}, false
	}
	h, ok := table[method]
	return h, ok
}

// Dispatch takes a request to its terminal state
func (d *Dispatcher) Dispatch(ctx context.Context, req types.Request) Outcome {
	ctx = logger.WithRequest(ctx, req.Origin, string(req.Family), req.Method)

	if d.limiter != nil && !d.limiter.Allow(req.Origin) {
		logger.Warn(ctx, "origin rate limited")
		return answer(nil, apperrors.ErrRateLimited)
	}

	h, ok := d.lookup(req.Family, req.Method)
	if !ok {
		return answer(nil, apperrors.ErrMethodNotSupported)
	}

	current, ok := d.chains.Current(req.Family)
	if !ok {
		return answer(nil, apperrors.UnrecognizedChain(string(req.Family)))
	}
	params, err := h.Schema(schema.Env{Chains: d.chains, Current: current}, req.Params)
	if err != nil {
		logger.Debug(ctx, "params rejected", "error", err)
		return answer(nil, err)
	}

	call, err := d.newCall(ctx, req, params, current)
	if err != nil {
		logger.Error(ctx, "failed to load request context", "error", err)
		return answer(nil, apperrors.ErrInternal)
	}

	if !call.HasAccount {
		if h.Popup && h.Connect {
			return d.forward(call)
		}
		return answer(nil, apperrors.ErrNoAccount)
	}

	if !h.Popup {
		result, err := h.Run(ctx, call)
		return answer(result, err)
	}

	if h.Check != nil {
		result, done, err := h.Check(ctx, call)
		if err != nil {
			return answer(nil, err)
		}
		if done {
			return answer(result, nil)
		}
	}
	return d.forward(call)
}

// Preflight runs the network checks of a method before it is dispatched. A
// failed check answers the request; methods without one, and requests whose
// params Dispatch will reject anyway, pass.
func (d *Dispatcher) Preflight(ctx context.Context, req types.Request) error {
	h, ok := d.lookup(req.Family, req.Method)
	if !ok || h.Verify == nil {
		return nil
	}
	ctx = logger.WithRequest(ctx, req.Origin, string(req.Family), req.Method)
	if d.limiter != nil && !d.limiter.Allow(req.Origin) {
		logger.Warn(ctx, "origin rate limited")
		return apperrors.ErrRateLimited
	}
	current, ok := d.chains.Current(req.Family)
	if !ok {
		return nil
	}
	params, err := h.Schema(schema.Env{Chains: d.chains, Current: current}, req.Params)
	if err != nil {
		return nil
	}
	return h.Verify(ctx, params)
}

func (d *Dispatcher) forward(c *Call) Outcome {
	return Outcome{Pending: &types.PendingRequest{
		Request:    c.Req,
		AccountID:  c.Account.ID,
		ChainID:    c.Chain.ChainID,
		EnqueuedAt: d.now(),
		Normalized: c.Params,
	}}
}

func (d *Dispatcher) newCall(ctx context.Context, req types.Request, params any, current chain.Descriptor) (*Call, error) {
	c := &Call{Req: req, Params: params, Chain: current, Unlocked: d.session.HasAuth()}
	if scoped, ok := params.(schema.ChainScoped); ok {
		c.Chain = scoped.Chain()
	}

	acct, ok, err := d.accounts.Current(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return c, nil
	}
	c.Account, c.HasAccount = acct, true

	grant, trusted, err := d.trust.Get(ctx, acct.ID, req.Origin, req.Family)
	if err != nil {
		return nil, err
	}
	c.Grant, c.Trusted = grant, trusted
	return c, nil
}

// Execute runs an approved request. The request must still belong to the
// current account: approving after an account switch is refused.
func (d *Dispatcher) Execute(ctx context.Context, p types.PendingRequest, decision approval.Decision) (any, error) {
	ctx = logger.WithRequest(ctx, p.Origin, string(p.Family), p.Method)

	h, ok := d.lookup(p.Family, p.Method)
	if !ok || !h.Popup {
		return nil, apperrors.ErrMethodNotSupported
	}
	current, ok := d.chains.Current(p.Family)
	if !ok {
		return nil, apperrors.UnrecognizedChain(string(p.Family))
	}

	c, err := d.newCall(ctx, p.Request, p.Normalized, current)
	if err != nil {
		logger.Error(ctx, "failed to load request context", "error", err)
		return nil, apperrors.ErrInternal
	}
	if !c.HasAccount {
		return nil, apperrors.ErrNoAccount
	}
	if p.AccountID != "" && p.AccountID != c.Account.ID {
		logger.Warn(ctx, "approved request belongs to another account", "request_account", p.AccountID)
		return nil, apperrors.Unauthorized()
	}
	c.Decision = decision

	result, err := h.Run(ctx, c)
	if err != nil {
		logger.Warn(ctx, "approved request failed", "error", err)
	}
	return result, err
}

// address is the current account's default address on the call's chain
func (d *Dispatcher) address(ctx context.Context, c *Call) (types.AccountAddress, error) {
	addr, err := d.accounts.Address(ctx, c.Account, c.Chain)
	if err != nil {
		logger.Error(ctx, "address derivation failed", "chain_id", c.Chain.ChainID, "error", err)
		if _, ok := apperrors.IsAppError(err); ok {
			return types.AccountAddress{}, err
		}
		return types.AccountAddress{}, apperrors.ErrInternal
	}
	return addr, nil
}

// checkSigner refuses a signing request that names an address the current
// account does not own on the chain. It only runs when the origin is trusted
// and the session unlocked; otherwise the request is forwarded and the
// orchestrator resolves the signer after approval.
func (d *Dispatcher) checkSigner(ctx context.Context, c *Call) (any, bool, error) {
	named, ok := c.Params.(schema.Addressed)
	if !ok || named.SignerAddress() == "" || !c.authorized() {
		return nil, false, nil
	}
	addrs, err := d.accounts.ChainAddresses(ctx, c.Account, c.Chain)
	if err != nil {
		logger.Error(ctx, "address derivation failed", "chain_id", c.Chain.ChainID, "error", err)
		return nil, false, apperrors.ErrInternal
	}
	for _, a := range addrs {
		if signing.SameAddress(c.Chain.Family, a.Address, named.SignerAddress()) {
			return nil, false, nil
		}
	}
	return nil, false, apperrors.InvalidAddress()
}

// sign executes an approved signing request and returns what the origin
// sees: the broadcast answer for submitting methods, the signature otherwise.
func (d *Dispatcher) sign(ctx context.Context, c *Call, broadcast bool) (any, error) {
	s, ok := c.Params.(schema.Signable)
	if !ok {
		return nil, fmt.Errorf("%s params are not signable", c.Req.Method)
	}
	res, err := d.signWith(ctx, c, s, broadcast)
	if err != nil {
		return nil, err
	}
	if broadcast {
		return res.Submitted, nil
	}
	return res.Signed.Result, nil
}

func (d *Dispatcher) signWith(ctx context.Context, c *Call, s schema.Signable, broadcast bool) (*signing.Result, error) {
	job, err := d.job(c, s, broadcast)
	if err != nil {
		return nil, err
	}
	return d.signer.Sign(ctx, job)
}

func (d *Dispatcher) job(c *Call, s schema.Signable, broadcast bool) (signing.Job, error) {
	p, err := s.Payload()
	if err != nil {
		return signing.Job{}, apperrors.InvalidParams(err.Error())
	}
	p.Origin = c.Req.Origin
	return signing.Job{
		Account:   c.Account,
		Chain:     c.Chain,
		Origin:    c.Req.Origin,
		Payload:   p,
		Broadcast: broadcast,
	}, nil
}

// connect grants scopes to the origin and returns fn's answer
func (d *Dispatcher) connect(ctx context.Context, c *Call, scopes []string, fn func(types.AccountAddress) any) (any, error) {
	addr, err := d.address(ctx, c)
	if err != nil {
		return nil, err
	}
	if err := d.trust.Grant(ctx, c.Account.ID, c.Req.Origin, c.Req.Family, scopes); err != nil {
		logger.Error(ctx, "failed to record grant", "error", err)
		return nil, apperrors.ErrInternal
	}
	logger.Info(ctx, "origin connected", "account_id", c.Account.ID, "scopes", strings.Join(scopes, ","))
	return fn(addr), nil
}

// reconnect answers a connect request from an existing grant. It returns
// done=false when the origin must be asked.
func (d *Dispatcher) reconnect(ctx context.Context, c *Call, fn func(types.AccountAddress) any) (any, bool, error) {
	if !c.authorized() {
		return nil, false, nil
	}
	addr, err := d.address(ctx, c)
	if err != nil {
		return nil, false, err
	}
	if err := d.trust.Touch(ctx, c.Account.ID, c.Req.Origin, c.Req.Family); err != nil {
		logger.Warn(ctx, "failed to touch grant", "error", err)
	}
	return fn(addr), true, nil
}

func (d *Dispatcher) disconnect(ctx context.Context, c *Call) (any, error) {
	if !c.Trusted {
		return nil, nil
	}
	if err := d.trust.Revoke(ctx, c.Account.ID, c.Req.Origin); err != nil {
		logger.Error(ctx, "failed to revoke grant", "error", err)
		return nil, apperrors.ErrInternal
	}
	logger.Info(ctx, "origin disconnected", "account_id", c.Account.ID)
	return nil, nil
}

// passthrough forwards a read-only method to the chain's RPC endpoints
func (d *Dispatcher) passthrough(ctx context.Context, c *Call) (any, error) {
	caller, err := d.capability(c.Chain.Family)
	if err != nil {
		return nil, err
	}
	rpc, ok := caller.(adapter.RPCCaller)
	if !ok {
		return nil, apperrors.ErrMethodNotSupported
	}
	params, _ := c.Params.(json.RawMessage)

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	out, err := rpc.Call(ctx, c.Chain, c.Req.Method, params)
	if err != nil {
		logger.Warn(ctx, "rpc passthrough failed", "chain_id", c.Chain.ChainID, "error", err)
		return nil, apperrors.ErrInternal
	}
	return out, nil
}

func (d *Dispatcher) capability(family types.ChainFamily) (adapter.ChainAdapter, error) {
	a, err := d.adapters.Get(family)
	if err != nil {
		return nil, apperrors.ErrMethodNotSupported
	}
	return a, nil
}

func addressList(addr types.AccountAddress) any {
	return []string{addr.Address}
}
