// Package session owns the decrypted session credential and the idle timer
// that erases it.
//
// The credential only ever lives in process memory (and, when a KMS
// provider is configured, as a KMS-wrapped resume record so a restarted
// process inside the timeout window does not force a new unlock). Locking
// zeroes the buffer and deletes the resume record.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/better-wallet/wallet-core/internal/keyexec"
	"github.com/better-wallet/wallet-core/internal/logger"
	"github.com/better-wallet/wallet-core/internal/storage"
	apperrors "github.com/better-wallet/wallet-core/pkg/errors"
)

const stateKey = "session"

// Never disables the idle timer
const Never time.Duration = -1

// DefaultTimeout is the idle duration before the wallet locks itself
const DefaultTimeout = 30 * time.Minute

// Session errors
var (
	ErrWrongPassword      = apperrors.New(apperrors.ErrCodeInvalidInput, "Incorrect password")
	ErrNotInitialized     = apperrors.New(apperrors.ErrCodeInvalidRequest, "Wallet password has not been set")
	ErrAlreadyInitialized = apperrors.New(apperrors.ErrCodeInvalidRequest, "Wallet password is already set")
	ErrInvalidTimeout     = apperrors.New(apperrors.ErrCodeInvalidParams, "Lock timeout must be positive or never")
)

type state struct {
	Verifier     []byte            `json:"verifier,omitempty"`
	KDF          keyexec.KDFParams `json:"kdf"`
	Timeout      time.Duration     `json:"timeout"`
	LastActivity time.Time         `json:"lastActivity"`
	Resume       []byte            `json:"resume,omitempty"`
}

// Options configures a Manager
type Options struct {
	Clock Clock
	// Resume wraps the credential for restart survival. Nil disables resume.
	Resume *keyexec.Sealer
	// KDFCost is the scrypt N used for new passwords; zero selects the default
	KDFCost int
}

// Manager is the Session Lock Manager
type Manager struct {
	kv     storage.KeyValueStore
	clock  Clock
	resume *keyexec.Sealer
	cost   int

	// credMu guards credential. Signers hold it shared for the duration of
	// a sign so Lock cannot erase the key mid-operation.
	credMu     sync.RWMutex
	credential []byte

	mu           sync.Mutex
	initialized  bool
	unlocked     bool
	timeout      time.Duration
	lastActivity time.Time
	timer        Timer
	generation   uint64
	onLock       []func()
}

// NewManager creates a Manager. Call Start before use.
func NewManager(kv storage.KeyValueStore, opts Options) *Manager {
	if opts.Clock == nil {
		opts.Clock = realClock{}
	}
	return &Manager{
		kv:      kv,
		clock:   opts.Clock,
		resume:  opts.Resume,
		cost:    opts.KDFCost,
		timeout: DefaultTimeout,
	}
}

// OnLock registers fn to run after every transition to Locked
func (m *Manager) OnLock(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onLock = append(m.onLock, fn)
}

func (m *Manager) load(ctx context.Context) (state, error) {
	st, found, err := storage.GetJSON[state](ctx, m.kv, stateKey)
	if err != nil {
		return state{}, fmt.Errorf("failed to load session state: %w", err)
	}
	if !found || st.Timeout == 0 {
		st.Timeout = DefaultTimeout
	}
	return st, nil
}

func (m *Manager) save(ctx context.Context, fn func(*state)) error {
	err := storage.UpdateJSON(ctx, m.kv, stateKey, func(cur state, found bool) (state, error) {
		if !found || cur.Timeout == 0 {
			cur.Timeout = DefaultTimeout
		}
		fn(&cur)
		return cur, nil
	})
	if err != nil {
		return fmt.Errorf("failed to save session state: %w", err)
	}
	return nil
}

// Start restores persisted state. A resume record whose last activity is
// at least one timeout old is erased instead of restored.
func (m *Manager) Start(ctx context.Context) error {
	st, err := m.load(ctx)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.initialized = len(st.Verifier) > 0
	m.timeout = st.Timeout
	m.lastActivity = st.LastActivity
	m.mu.Unlock()

	if len(st.Resume) == 0 {
		return nil
	}

	now := m.clock.Now()
	if m.resume == nil || expired(st.Timeout, st.LastActivity, now) {
		logger.Info(ctx, "session expired while stopped, erasing credential")
		return m.save(ctx, func(s *state) { s.Resume = nil })
	}

	cred, err := m.resume.Unwrap(ctx, st.Resume)
	if err != nil {
		logger.Warn(ctx, "failed to restore session, erasing credential", "error", err)
		return m.save(ctx, func(s *state) { s.Resume = nil })
	}

	m.credMu.Lock()
	m.setCredential(ctx, cred)
	m.credMu.Unlock()

	m.mu.Lock()
	m.unlocked = true
	m.armLocked(st.LastActivity)
	m.mu.Unlock()
	return nil
}

// HasInitialized reports whether a password has been set. Pure read.
func (m *Manager) HasInitialized() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.initialized
}

// HasAuth reports whether the session is unlocked and not past its idle
// deadline. Pure read: an elapsed deadline reports false even if the
// timer callback has not run yet.
func (m *Manager) HasAuth() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.liveLocked(m.clock.Now())
}

// Timeout returns the configured idle duration, or Never
func (m *Manager) Timeout() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.timeout
}

// Initialize sets the wallet password and unlocks the session
func (m *Manager) Initialize(ctx context.Context, password []byte) error {
	if len(password) == 0 {
		return apperrors.InvalidParams("Password is required")
	}
	if m.HasInitialized() {
		return ErrAlreadyInitialized
	}

	verifier, err := keyexec.HashPassword(password)
	if err != nil {
		return apperrors.NewWithDetail(apperrors.ErrCodeInvalidInput, "Invalid password", err.Error())
	}
	params, err := keyexec.NewKDFParams(m.cost)
	if err != nil {
		return err
	}
	if err := m.save(ctx, func(s *state) {
		s.Verifier = verifier
		s.KDF = params
	}); err != nil {
		return err
	}

	m.mu.Lock()
	m.initialized = true
	m.mu.Unlock()

	return m.unlockWith(ctx, params, password)
}

// Unlock verifies password and starts the session
func (m *Manager) Unlock(ctx context.Context, password []byte) error {
	st, err := m.load(ctx)
	if err != nil {
		return err
	}
	if len(st.Verifier) == 0 {
		return ErrNotInitialized
	}
	if !keyexec.VerifyPassword(st.Verifier, password) {
		return ErrWrongPassword
	}
	return m.unlockWith(ctx, st.KDF, password)
}

func (m *Manager) unlockWith(ctx context.Context, params keyexec.KDFParams, password []byte) error {
	cred, err := params.Derive(password)
	if err != nil {
		return err
	}

	now := m.clock.Now()
	var resume []byte
	if m.resume != nil {
		if resume, err = m.resume.Wrap(ctx, cred); err != nil {
			keyexec.Zero(cred)
			return fmt.Errorf("failed to wrap session credential: %w", err)
		}
	}
	if err := m.save(ctx, func(s *state) {
		s.LastActivity = now
		s.Resume = resume
	}); err != nil {
		keyexec.Zero(cred)
		return err
	}

	m.credMu.Lock()
	m.setCredential(ctx, cred)
	m.credMu.Unlock()

	m.mu.Lock()
	m.unlocked = true
	m.armLocked(now)
	m.mu.Unlock()

	logger.Info(ctx, "session unlocked")
	return nil
}

// setCredential replaces the credential. Caller holds credMu.
func (m *Manager) setCredential(ctx context.Context, cred []byte) {
	m.eraseCredential(ctx)
	if err := lockMemory(cred); err != nil {
		logger.Debug(ctx, "mlock unavailable for session credential", "error", err)
	}
	m.credential = cred
}

// eraseCredential zeroes and drops the credential. Caller holds credMu.
func (m *Manager) eraseCredential(ctx context.Context) {
	if m.credential == nil {
		return
	}
	keyexec.Zero(m.credential)
	if err := unlockMemory(m.credential); err != nil {
		logger.Debug(ctx, "munlock failed", "error", err)
	}
	m.credential = nil
}

// Lock erases the credential. It waits for in-flight WithCredential calls.
func (m *Manager) Lock(ctx context.Context) error {
	m.credMu.Lock()
	m.eraseCredential(ctx)
	m.credMu.Unlock()

	m.mu.Lock()
	wasUnlocked := m.unlocked
	m.unlocked = false
	m.generation++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	listeners := append([]func(){}, m.onLock...)
	m.mu.Unlock()

	err := m.save(ctx, func(s *state) { s.Resume = nil })

	if wasUnlocked {
		logger.Info(ctx, "session locked")
		for _, fn := range listeners {
			fn()
		}
	}
	return err
}

// Activity records user activity and restarts the idle timer. It is a no-op
// while locked.
func (m *Manager) Activity(ctx context.Context) error {
	now := m.clock.Now()

	m.mu.Lock()
	if !m.liveLocked(now) {
		m.mu.Unlock()
		return nil
	}
	m.armLocked(now)
	m.mu.Unlock()

	return m.save(ctx, func(s *state) { s.LastActivity = now })
}

// SetTimeout changes the idle duration. d must be positive or Never. An
// unlocked session restarts its timer from now.
func (m *Manager) SetTimeout(ctx context.Context, d time.Duration) error {
	if d != Never && d <= 0 {
		return ErrInvalidTimeout
	}
	now := m.clock.Now()

	m.mu.Lock()
	m.timeout = d
	live := m.unlocked
	if live {
		m.armLocked(now)
	}
	m.mu.Unlock()

	return m.save(ctx, func(s *state) {
		s.Timeout = d
		if live {
			s.LastActivity = now
		}
	})
}

// WithCredential runs fn with the live credential. The credential is
// re-checked immediately before fn and cannot be erased until fn returns.
// fn must not retain the slice.
func (m *Manager) WithCredential(fn func(credential []byte) error) error {
	m.credMu.RLock()
	defer m.credMu.RUnlock()

	m.mu.Lock()
	live := m.liveLocked(m.clock.Now())
	m.mu.Unlock()

	if !live || m.credential == nil {
		return apperrors.ErrLocked
	}
	return fn(m.credential)
}

// ChangePassword re-seals every secret from the old credential to a new
// one. reseal is given both credentials and must finish before it returns.
func (m *Manager) ChangePassword(ctx context.Context, oldPassword, newPassword []byte, reseal func(ctx context.Context, oldCred, newCred []byte) error) error {
	if len(newPassword) == 0 {
		return apperrors.InvalidParams("Password is required")
	}
	st, err := m.load(ctx)
	if err != nil {
		return err
	}
	if len(st.Verifier) == 0 {
		return ErrNotInitialized
	}
	if !keyexec.VerifyPassword(st.Verifier, oldPassword) {
		return ErrWrongPassword
	}

	oldCred, err := st.KDF.Derive(oldPassword)
	if err != nil {
		return err
	}
	defer keyexec.Zero(oldCred)

	params, err := keyexec.NewKDFParams(m.cost)
	if err != nil {
		return err
	}
	newCred, err := params.Derive(newPassword)
	if err != nil {
		return err
	}
	verifier, err := keyexec.HashPassword(newPassword)
	if err != nil {
		keyexec.Zero(newCred)
		return apperrors.NewWithDetail(apperrors.ErrCodeInvalidInput, "Invalid password", err.Error())
	}

	// block signers while secrets move between credentials
	m.credMu.Lock()
	defer m.credMu.Unlock()

	if err := reseal(ctx, oldCred, newCred); err != nil {
		keyexec.Zero(newCred)
		return fmt.Errorf("failed to re-seal secrets: %w", err)
	}

	m.mu.Lock()
	live := m.unlocked
	m.mu.Unlock()

	var resume []byte
	if live && m.resume != nil {
		if resume, err = m.resume.Wrap(ctx, newCred); err != nil {
			logger.Warn(ctx, "failed to wrap session credential", "error", err)
		}
	}
	if err := m.save(ctx, func(s *state) {
		s.Verifier = verifier
		s.KDF = params
		s.Resume = resume
	}); err != nil {
		keyexec.Zero(newCred)
		return err
	}

	if live {
		m.setCredential(ctx, newCred)
	} else {
		keyexec.Zero(newCred)
	}
	return nil
}

// armLocked (re)starts the idle timer from last. Caller holds mu.
func (m *Manager) armLocked(last time.Time) {
	m.lastActivity = last
	m.generation++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	if m.timeout == Never {
		return
	}

	remaining := m.timeout - m.clock.Now().Sub(last)
	if remaining < 0 {
		remaining = 0
	}
	gen := m.generation
	m.timer = m.clock.AfterFunc(remaining, func() {
		m.mu.Lock()
		stale := gen != m.generation
		m.mu.Unlock()
		if stale {
			return
		}
		ctx := context.Background()
		logger.Info(ctx, "idle timeout reached")
		if err := m.Lock(ctx); err != nil {
			logger.Error(ctx, "failed to persist idle lock", "error", err)
		}
	})
}

// liveLocked reports whether the session is unlocked at now. Caller holds mu.
func (m *Manager) liveLocked(now time.Time) bool {
	return m.unlocked && !expired(m.timeout, m.lastActivity, now)
}

func expired(timeout time.Duration, last, now time.Time) bool {
	if timeout == Never {
		return false
	}
	return now.Sub(last) >= timeout
}
