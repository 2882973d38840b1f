// Package account owns wallet accounts, the current-account selection and
// the derived address cache.
package account

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/better-wallet/wallet-core/internal/adapter"
	"github.com/better-wallet/wallet-core/internal/chain"
	"github.com/better-wallet/wallet-core/internal/keyexec"
	"github.com/better-wallet/wallet-core/internal/logger"
	"github.com/better-wallet/wallet-core/internal/storage"
	apperrors "github.com/better-wallet/wallet-core/pkg/errors"
	"github.com/better-wallet/wallet-core/pkg/types"
)

const (
	accountsKey = "accounts"
	currentKey  = "currentAccountId"
)

func addressKey(accountID string) string {
	return accountID + "-address"
}

// Errors
var (
	ErrNotFound       = apperrors.New(apperrors.ErrCodeInvalidParams, "Account not found")
	ErrInvalidSecret  = apperrors.New(apperrors.ErrCodeInvalidParams, "Invalid mnemonic or private key")
	ErrNotStandard    = apperrors.New(apperrors.ErrCodeInvalidRequest, "Account has no derivable keys")
	ErrNotZkLogin     = apperrors.New(apperrors.ErrCodeInvalidRequest, "Account is not a zkLogin account")
	ErrNoAccountTypes = apperrors.New(apperrors.ErrCodeInvalidRequest, "Chain has no account types")
)

// CredentialSource yields the live session credential. The session manager
// satisfies it.
type CredentialSource interface {
	WithCredential(fn func(credential []byte) error) error
}

// Forgetter drops per-account state held elsewhere when an account is deleted
type Forgetter interface {
	Forget(ctx context.Context, accountID string) error
}

// Config wires a Manager
type Config struct {
	Store    storage.KeyValueStore
	Chains   *chain.Registry
	Sealer   *keyexec.Sealer
	Session  CredentialSource
	Adapters adapter.Set
	// Concurrency bounds parallel address derivation
	Concurrency int
}

// Manager is the account service
type Manager struct {
	kv          storage.KeyValueStore
	chains      *chain.Registry
	sealer      *keyexec.Sealer
	session     CredentialSource
	adapters    adapter.Set
	concurrency int
	now         func() time.Time

	mu         sync.Mutex
	forgetters []Forgetter
}

// NewManager creates a Manager
func NewManager(cfg Config) *Manager {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 100
	}
	return &Manager{
		kv:          cfg.Store,
		chains:      cfg.Chains,
		sealer:      cfg.Sealer,
		session:     cfg.Session,
		adapters:    cfg.Adapters,
		concurrency: cfg.Concurrency,
		now:         time.Now,
	}
}

// OnDelete registers f to be told about deleted accounts
func (m *Manager) OnDelete(f Forgetter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.forgetters = append(m.forgetters, f)
}

// List returns every account in creation order
func (m *Manager) List(ctx context.Context) ([]types.Account, error) {
	accounts, _, err := storage.GetJSON[[]types.Account](ctx, m.kv, accountsKey)
	if err != nil {
		return nil, fmt.Errorf("failed to load accounts: %w", err)
	}
	return accounts, nil
}

// Get returns one account
func (m *Manager) Get(ctx context.Context, id string) (types.Account, error) {
	accounts, err := m.List(ctx)
	if err != nil {
		return types.Account{}, err
	}
	for _, a := range accounts {
		if a.ID == id {
			return a, nil
		}
	}
	return types.Account{}, ErrNotFound
}

// Current returns the selected account. ok is false before any account exists.
func (m *Manager) Current(ctx context.Context) (acct types.Account, ok bool, err error) {
	accounts, err := m.List(ctx)
	if err != nil || len(accounts) == 0 {
		return types.Account{}, false, err
	}
	id, _, err := storage.GetJSON[string](ctx, m.kv, currentKey)
	if err != nil {
		return types.Account{}, false, fmt.Errorf("failed to load current account: %w", err)
	}
	for _, a := range accounts {
		if a.ID == id {
			return a, true, nil
		}
	}
	return accounts[0], true, nil
}

// Select switches the current account. Trust is evaluated against the
// current account, so grants held by the previous one stop applying.
func (m *Manager) Select(ctx context.Context, id string) error {
	if _, err := m.Get(ctx, id); err != nil {
		return err
	}
	if err := storage.SetJSON(ctx, m.kv, currentKey, id); err != nil {
		return fmt.Errorf("failed to select account: %w", err)
	}
	logger.Info(ctx, "current account switched", "account_id", id)
	return nil
}

// CreateInput describes a standard account to import or create
type CreateInput struct {
	Name       string
	Mnemonic   string
	PrivateKey string
	Index      uint32
}

// Create seals the secret under the session credential and stores a new
// account. The first account becomes current.
func (m *Manager) Create(ctx context.Context, in CreateInput) (types.Account, error) {
	var (
		kind   types.AccountKind
		secret []byte
	)
	switch {
	case in.Mnemonic != "" && in.PrivateKey == "":
		if !keyexec.ValidMnemonic(in.Mnemonic) {
			return types.Account{}, ErrInvalidSecret
		}
		kind, secret = types.AccountMnemonic, []byte(strings.Join(strings.Fields(in.Mnemonic), " "))
	case in.PrivateKey != "" && in.Mnemonic == "":
		raw, err := keyexec.ParsePrivateKey(in.PrivateKey)
		if err != nil {
			return types.Account{}, ErrInvalidSecret
		}
		kind, secret = types.AccountPrivateKey, raw
	default:
		return types.Account{}, ErrInvalidSecret
	}
	defer keyexec.Zero(secret)

	var sealed []byte
	err := m.session.WithCredential(func(cred []byte) error {
		var err error
		sealed, err = m.sealer.Seal(ctx, cred, secret)
		return err
	})
	if err != nil {
		return types.Account{}, err
	}

	acct := types.Account{
		ID:        uuid.NewString(),
		Name:      in.Name,
		Kind:      kind,
		Index:     in.Index,
		Sealed:    sealed,
		CreatedAt: m.now().UTC(),
	}
	return m.add(ctx, acct)
}

// ZkLoginInput describes a zero-knowledge login account
type ZkLoginInput struct {
	Name     string
	Family   types.ChainFamily
	Address  string
	Provider string
	MaxEpoch uint64
	// EphemeralSeed is the 32-byte ed25519 seed of the ephemeral key
	EphemeralSeed []byte
	Proof         adapter.ZkProof
}

// CreateZkLogin seals the ephemeral key and proof and stores a new account
func (m *Manager) CreateZkLogin(ctx context.Context, in ZkLoginInput) (types.Account, error) {
	if in.Family != types.FamilySui && in.Family != types.FamilyIOTA {
		return types.Account{}, apperrors.InvalidParams("zkLogin is only supported on Sui and IOTA")
	}
	if len(in.EphemeralSeed) != ed25519.SeedSize || in.Address == "" {
		return types.Account{}, apperrors.InvalidParams("zkLogin requires an address and a 32-byte ephemeral seed")
	}
	proof, err := json.Marshal(in.Proof)
	if err != nil {
		return types.Account{}, fmt.Errorf("failed to encode proof: %w", err)
	}

	material := &types.ZkLoginMaterial{
		Family:   in.Family,
		Address:  in.Address,
		Provider: in.Provider,
		MaxEpoch: in.MaxEpoch,
	}
	err = m.session.WithCredential(func(cred []byte) error {
		var err error
		if material.SealedEphemeralKey, err = m.sealer.Seal(ctx, cred, in.EphemeralSeed); err != nil {
			return err
		}
		material.SealedProof, err = m.sealer.Seal(ctx, cred, proof)
		return err
	})
	if err != nil {
		return types.Account{}, err
	}

	acct := types.Account{
		ID:        uuid.NewString(),
		Name:      in.Name,
		Kind:      types.AccountZkLogin,
		ZkLogin:   material,
		CreatedAt: m.now().UTC(),
	}
	return m.add(ctx, acct)
}

// add stores acct, naming it after its position when unnamed
func (m *Manager) add(ctx context.Context, acct types.Account) (types.Account, error) {
	first := false
	var stored types.Account
	err := storage.UpdateJSON(ctx, m.kv, accountsKey, func(cur []types.Account, _ bool) ([]types.Account, error) {
		first = len(cur) == 0
		stored = acct
		if stored.Name == "" {
			stored.Name = fmt.Sprintf("Account %d", len(cur)+1)
		}
		return append(cur, stored), nil
	})
	if err != nil {
		return types.Account{}, fmt.Errorf("failed to store account: %w", err)
	}
	if first {
		if err := m.Select(ctx, stored.ID); err != nil {
			return types.Account{}, err
		}
	}
	return stored, nil
}

// Rename changes the display name of an account
func (m *Manager) Rename(ctx context.Context, id, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return apperrors.InvalidParams("Name is required")
	}
	return storage.UpdateJSON(ctx, m.kv, accountsKey, func(cur []types.Account, _ bool) ([]types.Account, error) {
		for i := range cur {
			if cur[i].ID == id {
				cur[i].Name = name
				return cur, nil
			}
		}
		return nil, ErrNotFound
	})
}

// Delete removes an account, its address cache and everything registered
// through OnDelete. Deleting the current account selects the first remaining one.
func (m *Manager) Delete(ctx context.Context, id string) error {
	var remaining []types.Account
	err := storage.UpdateJSON(ctx, m.kv, accountsKey, func(cur []types.Account, _ bool) ([]types.Account, error) {
		next := slices.DeleteFunc(slices.Clone(cur), func(a types.Account) bool { return a.ID == id })
		if len(next) == len(cur) {
			return nil, ErrNotFound
		}
		remaining = next
		return next, nil
	})
	if err != nil {
		return err
	}
	if err := m.kv.Delete(ctx, addressKey(id)); err != nil {
		return fmt.Errorf("failed to delete address cache: %w", err)
	}

	m.mu.Lock()
	forgetters := slices.Clone(m.forgetters)
	m.mu.Unlock()
	for _, f := range forgetters {
		if err := f.Forget(ctx, id); err != nil {
			logger.Warn(ctx, "failed to drop account state", "account_id", id, "error", err)
		}
	}

	current, _, err := storage.GetJSON[string](ctx, m.kv, currentKey)
	if err != nil {
		return err
	}
	if current == id {
		if len(remaining) == 0 {
			return m.kv.Delete(ctx, currentKey)
		}
		return m.Select(ctx, remaining[0].ID)
	}
	return nil
}

// Reseal moves every sealed secret from oldCred to newCred. It is the
// re-seal step of a password change.
func (m *Manager) Reseal(ctx context.Context, oldCred, newCred []byte) error {
	return storage.UpdateJSON(ctx, m.kv, accountsKey, func(cur []types.Account, _ bool) ([]types.Account, error) {
		next := slices.Clone(cur)
		for i := range next {
			a := &next[i]
			var err error
			if len(a.Sealed) > 0 {
				if a.Sealed, err = m.sealer.Reseal(ctx, oldCred, newCred, a.Sealed); err != nil {
					return nil, fmt.Errorf("account %s: %w", a.ID, err)
				}
			}
			if a.ZkLogin != nil {
				z := *a.ZkLogin
				if z.SealedEphemeralKey, err = m.sealer.Reseal(ctx, oldCred, newCred, z.SealedEphemeralKey); err != nil {
					return nil, fmt.Errorf("account %s: %w", a.ID, err)
				}
				if z.SealedProof, err = m.sealer.Reseal(ctx, oldCred, newCred, z.SealedProof); err != nil {
					return nil, fmt.Errorf("account %s: %w", a.ID, err)
				}
				a.ZkLogin = &z
			}
		}
		return next, nil
	})
}

// WithKey opens the account secret, derives the key of account type at and
// runs fn with it. The key is zeroed when fn returns.
func (m *Manager) WithKey(ctx context.Context, acct types.Account, at types.AccountType, fn func(key *keyexec.PrivateKey) error) error {
	if !acct.Kind.Standard() {
		return ErrNotStandard
	}
	return m.session.WithCredential(func(cred []byte) error {
		secret, err := m.sealer.Open(ctx, cred, acct.Sealed)
		if err != nil {
			return fmt.Errorf("failed to open account secret: %w", err)
		}
		defer keyexec.Zero(secret)

		key, err := keyexec.Derive(acct.Kind, secret, at.PubkeyStyle, at.PathFor(acct.Index))
		if err != nil {
			return err
		}
		defer key.Zero()
		return fn(key)
	})
}

// WithZkLogin opens the ephemeral key and proof of a zkLogin account
func (m *Manager) WithZkLogin(ctx context.Context, acct types.Account, fn func(ephemeral ed25519.PrivateKey, proof adapter.ZkProof) error) error {
	if acct.Kind != types.AccountZkLogin || acct.ZkLogin == nil {
		return ErrNotZkLogin
	}
	return m.session.WithCredential(func(cred []byte) error {
		seed, err := m.sealer.Open(ctx, cred, acct.ZkLogin.SealedEphemeralKey)
		if err != nil {
			return fmt.Errorf("failed to open ephemeral key: %w", err)
		}
		defer keyexec.Zero(seed)
		rawProof, err := m.sealer.Open(ctx, cred, acct.ZkLogin.SealedProof)
		if err != nil {
			return fmt.Errorf("failed to open proof: %w", err)
		}
		var proof adapter.ZkProof
		if err := json.Unmarshal(rawProof, &proof); err != nil {
			return fmt.Errorf("malformed proof: %w", err)
		}

		eph := ed25519.NewKeyFromSeed(seed)
		defer keyexec.Zero(eph)
		return fn(eph, proof)
	})
}

// cachedAddresses returns the persisted derivations of an account
func (m *Manager) cachedAddresses(ctx context.Context, accountID string) ([]types.AccountAddress, error) {
	cached, _, err := storage.GetJSON[[]types.AccountAddress](ctx, m.kv, addressKey(accountID))
	if err != nil {
		return nil, fmt.Errorf("failed to load address cache: %w", err)
	}
	return cached, nil
}

// storeAddresses upserts derivations into the cache, replacing entries with
// the same derivation inputs and leaving the rest alone.
func (m *Manager) storeAddresses(ctx context.Context, accountID string, fresh []types.AccountAddress) error {
	if len(fresh) == 0 {
		return nil
	}
	return storage.UpdateJSON(ctx, m.kv, addressKey(accountID), func(cur []types.AccountAddress, _ bool) ([]types.AccountAddress, error) {
		for _, f := range fresh {
			i := slices.IndexFunc(cur, func(c types.AccountAddress) bool {
				return c.SameDerivation(f.ChainID, f.Family, f.AccountType)
			})
			if i >= 0 {
				cur[i] = f
			} else {
				cur = append(cur, f)
			}
		}
		return cur, nil
	})
}

type target struct {
	d  chain.Descriptor
	at types.AccountType
}

func lookup(cached []types.AccountAddress, d chain.Descriptor, at types.AccountType) (types.AccountAddress, bool) {
	for _, c := range cached {
		if c.SameDerivation(d.ChainID, d.Family, at) {
			return c, true
		}
	}
	return types.AccountAddress{}, false
}

// Address returns the default-account-type address of acct on chain d,
// deriving and caching it on first use.
func (m *Manager) Address(ctx context.Context, acct types.Account, d chain.Descriptor) (types.AccountAddress, error) {
	at, ok := d.DefaultAccountType()
	if !ok {
		return types.AccountAddress{}, ErrNoAccountTypes
	}
	if acct.Kind == types.AccountZkLogin {
		return zkAddress(acct, d, at)
	}

	cached, err := m.cachedAddresses(ctx, acct.ID)
	if err != nil {
		return types.AccountAddress{}, err
	}
	if c, ok := lookup(cached, d, at); ok {
		return c, nil
	}
	out, err := m.derive(ctx, acct, []target{{d, at}})
	if err != nil {
		return types.AccountAddress{}, err
	}
	return out[0], nil
}

// ChainAddresses returns the addresses of acct for every account type of
// chain d, in account type order
func (m *Manager) ChainAddresses(ctx context.Context, acct types.Account, d chain.Descriptor) ([]types.AccountAddress, error) {
	if len(d.AccountTypes) == 0 {
		return nil, ErrNoAccountTypes
	}
	if acct.Kind == types.AccountZkLogin {
		at, _ := d.DefaultAccountType()
		a, err := zkAddress(acct, d, at)
		if err != nil {
			return nil, err
		}
		return []types.AccountAddress{a}, nil
	}

	cached, err := m.cachedAddresses(ctx, acct.ID)
	if err != nil {
		return nil, err
	}
	var missing []target
	for _, at := range d.AccountTypes {
		if _, ok := lookup(cached, d, at); !ok {
			missing = append(missing, target{d, at})
		}
	}
	if len(missing) > 0 {
		derived, err := m.derive(ctx, acct, missing)
		if err != nil {
			return nil, err
		}
		cached = append(cached, derived...)
	}

	out := make([]types.AccountAddress, 0, len(d.AccountTypes))
	for _, at := range d.AccountTypes {
		a, _ := lookup(cached, d, at)
		out = append(out, a)
	}
	return out, nil
}

func zkAddress(acct types.Account, d chain.Descriptor, at types.AccountType) (types.AccountAddress, error) {
	if acct.ZkLogin == nil || acct.ZkLogin.Family != d.Family {
		return types.AccountAddress{}, apperrors.New(apperrors.ErrCodeInvalidRequest, "zkLogin account has no address on this chain")
	}
	return types.AccountAddress{
		AccountID:   acct.ID,
		ChainID:     d.ChainID,
		Family:      d.Family,
		Address:     acct.ZkLogin.Address,
		AccountType: at,
	}, nil
}

// Addresses returns the addresses of acct on every active chain and account
// type, deriving whatever the cache does not already hold.
func (m *Manager) Addresses(ctx context.Context, acct types.Account) ([]types.AccountAddress, error) {
	var targets []target
	for _, family := range types.AllFamilies() {
		for _, d := range m.chains.Active(family) {
			if acct.Kind == types.AccountZkLogin {
				if acct.ZkLogin != nil && acct.ZkLogin.Family == family {
					at, _ := d.DefaultAccountType()
					targets = append(targets, target{d, at})
				}
				continue
			}
			for _, at := range d.AccountTypes {
				targets = append(targets, target{d, at})
			}
		}
	}

	if acct.Kind == types.AccountZkLogin {
		out := make([]types.AccountAddress, 0, len(targets))
		for _, t := range targets {
			a, err := zkAddress(acct, t.d, t.at)
			if err != nil {
				return nil, err
			}
			out = append(out, a)
		}
		return out, nil
	}

	cached, err := m.cachedAddresses(ctx, acct.ID)
	if err != nil {
		return nil, err
	}
	out := make([]types.AccountAddress, 0, len(targets))
	var missing []target
	for _, t := range targets {
		if c, ok := lookup(cached, t.d, t.at); ok {
			out = append(out, c)
		} else {
			missing = append(missing, t)
		}
	}
	if len(missing) == 0 {
		return out, nil
	}

	derived, err := m.derive(ctx, acct, missing)
	if err != nil {
		return nil, err
	}
	return append(out, derived...), nil
}

// derive computes and caches the addresses of targets, at most
// m.concurrency at a time.
func (m *Manager) derive(ctx context.Context, acct types.Account, targets []target) ([]types.AccountAddress, error) {
	if !acct.Kind.Standard() {
		return nil, ErrNotStandard
	}
	out := make([]types.AccountAddress, len(targets))

	err := m.session.WithCredential(func(cred []byte) error {
		secret, err := m.sealer.Open(ctx, cred, acct.Sealed)
		if err != nil {
			return fmt.Errorf("failed to open account secret: %w", err)
		}
		defer keyexec.Zero(secret)

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(m.concurrency)
		for i, t := range targets {
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				a, err := m.adapters.Get(t.d.Family)
				if err != nil {
					return err
				}
				key, err := keyexec.Derive(acct.Kind, secret, t.at.PubkeyStyle, t.at.PathFor(acct.Index))
				if err != nil {
					return fmt.Errorf("%s %s: %w", t.d.ID, t.at.HDPath, err)
				}
				pub := key.PublicKey()
				key.Zero()

				addr, err := a.DeriveAddress(t.d, pub, t.at)
				if err != nil {
					return fmt.Errorf("%s: %w", t.d.ID, err)
				}
				out[i] = types.AccountAddress{
					AccountID:   acct.ID,
					ChainID:     t.d.ChainID,
					Family:      t.d.Family,
					Address:     addr,
					PublicKey:   hex.EncodeToString(pub),
					AccountType: t.at,
				}
				return nil
			})
		}
		return g.Wait()
	})
	if err != nil {
		return nil, err
	}

	if err := m.storeAddresses(ctx, acct.ID, out); err != nil {
		return nil, err
	}
	return out, nil
}
