// Package signing turns an authorized request into a chain signature and,
// when asked, a broadcast transaction.
package signing

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/better-wallet/wallet-core/internal/adapter"
	"github.com/better-wallet/wallet-core/internal/chain"
	"github.com/better-wallet/wallet-core/internal/endpoint"
	"github.com/better-wallet/wallet-core/internal/keyexec"
	"github.com/better-wallet/wallet-core/internal/logger"
	apperrors "github.com/better-wallet/wallet-core/pkg/errors"
	"github.com/better-wallet/wallet-core/pkg/types"
)

// Errors surfaced to the origin. Adapter and RPC failures collapse into
// these so chain error text never leaves the process.
var (
	ErrSignFailed          = apperrors.New(apperrors.ErrCodeInternal, "Failed to sign the request")
	ErrBroadcastFailed     = apperrors.New(apperrors.ErrCodeInvalidInput, "Failed to submit the transaction")
	ErrPrepareFailed       = apperrors.New(apperrors.ErrCodeInvalidInput, "Failed to build the transaction")
	ErrInsufficientBalance = apperrors.New(apperrors.ErrCodeInvalidInput, "Insufficient balance")
	ErrZkLoginExpired      = apperrors.New(apperrors.ErrCodeUnauthorized, "zkLogin session expired, please log in again")
	ErrZkLoginUnsupported  = apperrors.New(apperrors.ErrCodeInvalidRequest, "zkLogin accounts cannot sign on this chain")
)

// Accounts opens signing material of accounts. The account manager
// satisfies it.
type Accounts interface {
	WithKey(ctx context.Context, acct types.Account, at types.AccountType, fn func(key *keyexec.PrivateKey) error) error
	WithZkLogin(ctx context.Context, acct types.Account, fn func(ephemeral ed25519.PrivateKey, proof adapter.ZkProof) error) error
	ChainAddresses(ctx context.Context, acct types.Account, d chain.Descriptor) ([]types.AccountAddress, error)
}

// Counter records completed transactions per origin
type Counter interface {
	IncrementTxCount(ctx context.Context, origin string) (int, error)
}

// Refresher re-reads balances of one address after a balance-affecting action
type Refresher interface {
	RefreshScoped(ctx context.Context, accountID string, d chain.Descriptor, address string) error
}

// Observer is told the outcome of every operation
type Observer interface {
	ObserveSign(family types.ChainFamily, kind string, err error, took time.Duration)
}

// Config wires an Orchestrator
type Config struct {
	Accounts  Accounts
	Adapters  adapter.Set
	Breakers  *endpoint.Breakers
	Counter   Counter
	Refresher Refresher
	Observer  Observer
	// Timeout bounds preparation and broadcast network calls
	Timeout time.Duration
}

// Orchestrator signs and broadcasts
type Orchestrator struct {
	accounts  Accounts
	adapters  adapter.Set
	breakers  *endpoint.Breakers
	counter   Counter
	refresher Refresher
	observer  Observer
	timeout   time.Duration
}

// New creates an Orchestrator
func New(cfg Config) *Orchestrator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Orchestrator{
		accounts:  cfg.Accounts,
		adapters:  cfg.Adapters,
		breakers:  cfg.Breakers,
		counter:   cfg.Counter,
		refresher: cfg.Refresher,
		observer:  cfg.Observer,
		timeout:   cfg.Timeout,
	}
}

// Job is one authorized signing operation
type Job struct {
	Account types.Account
	Chain   chain.Descriptor
	Origin  string
	Payload adapter.Payload
	// Broadcast submits the signed transaction after signing
	Broadcast bool
}

// Result is the outcome of a Job
type Result struct {
	Signed *adapter.Signed
	// Address is the signer address
	Address string
	// Submitted is the chain's answer to the broadcast
	Submitted any
}

// Sign runs a job: resolve the signer, prepare the payload, check the spend,
// sign with the account's key or zkLogin credential, optionally broadcast.
// The session credential is held only while signing, never across network
// calls.
func (o *Orchestrator) Sign(ctx context.Context, job Job) (res *Result, err error) {
	start := time.Now()
	defer func() {
		if o.observer != nil {
			o.observer.ObserveSign(job.Chain.Family, string(job.Payload.Kind), err, time.Since(start))
		}
	}()

	a, err := o.adapters.Get(job.Chain.Family)
	if err != nil {
		return nil, o.fail(ctx, job, "resolve adapter", err, ErrSignFailed)
	}
	item, err := o.resolve(ctx, a, job)
	if err != nil {
		return nil, err
	}
	if err := o.checkSpend(ctx, a, job.Chain, []step{item}); err != nil {
		return nil, o.fail(ctx, job, "check spend", err, spendError(err))
	}
	res, err = o.execute(ctx, a, item)
	if err != nil {
		return nil, err
	}
	o.count(ctx, job.Origin)
	return res, nil
}

// SignBatch signs jobs for one chain as a unit. Spend is checked once on
// the summed payloads before any job is signed, and the batch counts as a
// single transaction of the origin.
func (o *Orchestrator) SignBatch(ctx context.Context, jobs []Job) (res []*Result, err error) {
	if len(jobs) == 0 {
		return nil, nil
	}
	first := jobs[0]
	start := time.Now()
	defer func() {
		if o.observer != nil {
			o.observer.ObserveSign(first.Chain.Family, string(first.Payload.Kind), err, time.Since(start))
		}
	}()

	a, err := o.adapters.Get(first.Chain.Family)
	if err != nil {
		return nil, o.fail(ctx, first, "resolve adapter", err, ErrSignFailed)
	}
	items := make([]step, 0, len(jobs))
	for _, job := range jobs {
		if job.Chain.ID != first.Chain.ID {
			return nil, apperrors.InvalidParams("a batch must target a single chain")
		}
		item, err := o.resolve(ctx, a, job)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := o.checkSpend(ctx, a, first.Chain, items); err != nil {
		return nil, o.fail(ctx, first, "check spend", err, spendError(err))
	}

	res = make([]*Result, 0, len(items))
	for _, item := range items {
		r, err := o.execute(ctx, a, item)
		if err != nil {
			return nil, err
		}
		res = append(res, r)
	}
	o.count(ctx, first.Origin)
	return res, nil
}

// step is a job with its signer resolved and its payload prepared
type step struct {
	job     Job
	signer  types.AccountAddress
	payload adapter.Payload
}

func (o *Orchestrator) resolve(ctx context.Context, a adapter.ChainAdapter, job Job) (step, error) {
	signer, err := o.signer(ctx, job)
	if err != nil {
		return step{}, o.fail(ctx, job, "resolve signer", err, ErrSignFailed)
	}
	p := job.Payload
	if p.Address == "" {
		p.Address = signer.Address
	}
	if p.Origin == "" {
		p.Origin = job.Origin
	}

	if prep, ok := a.(adapter.Preparer); ok {
		p, err = o.prepare(ctx, prep, job.Chain, signer.Address, p)
		if err != nil {
			return step{}, o.fail(ctx, job, "prepare", err, spendError(err))
		}
	}
	return step{job: job, signer: signer, payload: p}, nil
}

func (o *Orchestrator) execute(ctx context.Context, a adapter.ChainAdapter, item step) (*Result, error) {
	job, p := item.job, item.payload

	var (
		signed *adapter.Signed
		err    error
	)
	if job.Account.Kind == types.AccountZkLogin {
		signed, err = o.signZkLogin(ctx, a, job, p)
	} else {
		err = o.accounts.WithKey(ctx, job.Account, item.signer.AccountType, func(key *keyexec.PrivateKey) error {
			var signErr error
			signed, signErr = a.Sign(ctx, job.Chain, key, p)
			return signErr
		})
	}
	if err != nil {
		return nil, o.fail(ctx, job, "sign", err, ErrSignFailed)
	}

	res := &Result{Signed: signed, Address: item.signer.Address}
	if job.Broadcast {
		res.Submitted, err = o.Broadcast(ctx, job.Chain, signed.Raw)
		if err != nil {
			return nil, err
		}
		o.refresh(ctx, job.Account.ID, job.Chain, item.signer.Address)
	}
	logger.Info(ctx, "request signed",
		"chain_id", job.Chain.ChainID,
		"kind", string(p.Kind),
		"broadcast", job.Broadcast,
	)
	return res, nil
}

func (o *Orchestrator) count(ctx context.Context, origin string) {
	if o.counter == nil || origin == "" {
		return
	}
	if _, err := o.counter.IncrementTxCount(ctx, origin); err != nil {
		logger.Warn(ctx, "failed to count transaction", "origin", origin, "error", err)
	}
}

// signer picks the address and account type that sign the job. A payload
// naming an address must match one of the account's addresses on the chain.
func (o *Orchestrator) signer(ctx context.Context, job Job) (types.AccountAddress, error) {
	addrs, err := o.accounts.ChainAddresses(ctx, job.Account, job.Chain)
	if err != nil {
		return types.AccountAddress{}, err
	}
	if len(addrs) == 0 {
		return types.AccountAddress{}, fmt.Errorf("no address on %s", job.Chain.ChainID)
	}
	want := job.Payload.Address
	if want == "" {
		for _, a := range addrs {
			if a.AccountType.IsDefault {
				return a, nil
			}
		}
		return addrs[0], nil
	}
	for _, a := range addrs {
		if SameAddress(job.Chain.Family, a.Address, want) {
			return a, nil
		}
	}
	return types.AccountAddress{}, apperrors.InvalidAddress()
}

// SameAddress compares addresses the way the family writes them: hex
// families are case-insensitive, bech32 and base58 are exact.
func SameAddress(family types.ChainFamily, a, b string) bool {
	switch family {
	case types.FamilyEVM, types.FamilySui, types.FamilyIOTA, types.FamilyAptos:
		return strings.EqualFold(a, b)
	default:
		return a == b
	}
}

func (o *Orchestrator) prepare(ctx context.Context, prep adapter.Preparer, d chain.Descriptor, from string, p adapter.Payload) (adapter.Payload, error) {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()
	return prep.Prepare(ctx, d, from, p)
}

// checkSpend refuses payloads moving more than the live balance. Amounts
// and fees of payloads from the same address are summed against that
// address's balance. Only adapters that can price a payload take part.
func (o *Orchestrator) checkSpend(ctx context.Context, a adapter.ChainAdapter, d chain.Descriptor, items []step) error {
	checker, ok := a.(adapter.SpendChecker)
	if !ok {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	totals := make(map[string]adapter.Spend)
	var order []string
	for _, item := range items {
		p := item.payload
		if p.Kind != adapter.KindPSBT && p.Kind != adapter.KindTransfer {
			continue
		}
		spend, err := checker.Spend(ctx, d, item.signer.Address, p)
		if err != nil {
			return err
		}
		total, seen := totals[item.signer.Address]
		if !seen {
			order = append(order, item.signer.Address)
			total.Available = spend.Available
		}
		total.Amount = total.Amount.Add(spend.Amount)
		total.Fee = total.Fee.Add(spend.Fee)
		totals[item.signer.Address] = total
	}
	for _, addr := range order {
		if spend := totals[addr]; spend.Exceeds() {
			return fmt.Errorf("%w: spend %s + fee %s exceeds available %s",
				adapter.ErrInsufficientBalance, spend.Amount, spend.Fee, spend.Available)
		}
	}
	return nil
}

func spendError(err error) *apperrors.AppError {
	if errors.Is(err, adapter.ErrInsufficientBalance) {
		return ErrInsufficientBalance
	}
	return ErrPrepareFailed
}

func (o *Orchestrator) signZkLogin(ctx context.Context, a adapter.ChainAdapter, job Job, p adapter.Payload) (*adapter.Signed, error) {
	zk, ok := a.(adapter.ZkLoginSigner)
	if !ok || job.Account.ZkLogin == nil || job.Account.ZkLogin.Family != job.Chain.Family {
		return nil, ErrZkLoginUnsupported
	}
	maxEpoch := job.Account.ZkLogin.MaxEpoch

	epochCtx, cancel := context.WithTimeout(ctx, o.timeout)
	epoch, err := zk.CurrentEpoch(epochCtx, job.Chain)
	cancel()
	if err != nil {
		// the chain decides on submission; an unknown epoch does not block signing
		logger.Warn(ctx, "failed to read current epoch", "chain_id", job.Chain.ChainID, "error", err)
	} else if epoch > maxEpoch {
		return nil, ErrZkLoginExpired
	}

	var signed *adapter.Signed
	err = o.accounts.WithZkLogin(ctx, job.Account, func(eph ed25519.PrivateKey, proof adapter.ZkProof) error {
		var signErr error
		signed, signErr = zk.SignZkLogin(ctx, job.Chain, eph, proof, maxEpoch, p)
		return signErr
	})
	return signed, err
}

// Broadcast submits raw to the chain's endpoints in order. The first
// well-formed answer wins and later endpoints are not tried. Each endpoint
// gets the full fetch timeout.
func (o *Orchestrator) Broadcast(ctx context.Context, d chain.Descriptor, raw []byte) (any, error) {
	a, err := o.adapters.Get(d.Family)
	if err != nil {
		return nil, o.failChain(ctx, d, "resolve adapter", err, ErrBroadcastFailed)
	}
	b, ok := a.(adapter.Broadcaster)
	if !ok || len(raw) == 0 {
		return nil, o.failChain(ctx, d, "broadcast", fmt.Errorf("%s cannot broadcast", d.Family), ErrBroadcastFailed)
	}

	out, err := endpoint.Sequential(ctx, o.breakers, b.BroadcastEndpoints(d), endpoint.PerAttempt(o.timeout, func(ctx context.Context, url string) (any, error) {
		return b.Broadcast(ctx, d, url, raw)
	}))
	if err != nil {
		return nil, o.failChain(ctx, d, "broadcast", err, ErrBroadcastFailed)
	}
	return out, nil
}

func (o *Orchestrator) refresh(ctx context.Context, accountID string, d chain.Descriptor, address string) {
	if o.refresher == nil {
		return
	}
	go func() {
		// detached: the request is answered without waiting for balances
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.timeout)
		defer cancel()
		if err := o.refresher.RefreshScoped(rctx, accountID, d, address); err != nil {
			logger.Warn(rctx, "scoped balance refresh failed", "chain_id", d.ChainID, "error", err)
		}
	}()
}

// fail logs the underlying error and returns what the origin may see.
// AppErrors raised on purpose (locked session, address mismatch, expired
// zkLogin) pass through; anything else becomes generic.
func (o *Orchestrator) fail(ctx context.Context, job Job, stage string, err error, generic *apperrors.AppError) error {
	return o.failChain(ctx, job.Chain, stage, err, generic)
}

func (o *Orchestrator) failChain(ctx context.Context, d chain.Descriptor, stage string, err error, generic *apperrors.AppError) error {
	if appErr, ok := apperrors.IsAppError(err); ok {
		logger.Warn(ctx, "signing rejected", "stage", stage, "chain_id", d.ChainID, "code", appErr.Code)
		return appErr
	}
	logger.Error(ctx, "signing failed", "stage", stage, "chain_id", d.ChainID, "error", err)
	return apperrors.NewWithDetail(generic.Code, generic.Message, err.Error())
}
