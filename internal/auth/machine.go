package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/marcus/spendbook/internal/syncclient"
)

var (
	// ErrNoCredential means there is no usable cached session.
	ErrNoCredential = errors.New("no cached credential")
	// ErrNotAuthenticated means the identity service rejected the session.
	ErrNotAuthenticated = errors.New("not authenticated")
)

// State is a position in the session lifecycle.
type State string

const (
	StateBooting         State = "booting"
	StateCached          State = "cached"
	StateValidating      State = "validating"
	StateAuthenticated   State = "authenticated"
	StateUnauthenticated State = "unauthenticated"
	StateOfflineCached   State = "offline-cached"
	StateExpiring        State = "expiring"
)

// Session is the remote identity service. *syncclient.Client implements it.
type Session interface {
	SetToken(token string)
	ValidateSession(ctx context.Context) (*syncclient.SessionResponse, error)
	Logout(ctx context.Context) error
}

// Wiper erases the local store on sign-out.
type Wiper interface {
	ClearAll(ctx context.Context) error
}

// Config tunes the machine.
type Config struct {
	// ValidateTimeout bounds one validation call; a timeout counts as offline.
	ValidateTimeout time.Duration
	// GracePeriod is the countdown between an invalid session and sign-out.
	GracePeriod time.Duration
	// Online reports connectivity at boot. Nil means online.
	Online func() bool
	Now    func() time.Time
}

// Snapshot is what callers render: the current state and identity.
type Snapshot struct {
	State      State
	Credential *Credential
	// Unconfirmed is set while a cached identity has not been validated.
	Unconfirmed bool
	// Offline is set when the cached identity is served because the
	// network is gone.
	Offline bool
	// SignOutAt is when a pending expiry countdown fires.
	SignOutAt time.Time
}

// Authenticated reports whether an identity is available to the app.
func (s Snapshot) Authenticated() bool {
	return s.Credential != nil
}

// Machine drives the session lifecycle. All methods are safe for
// concurrent use.
type Machine struct {
	cache  *Cache
	remote Session
	store  Wiper
	cfg    Config

	mu        sync.Mutex
	state     State
	cred      *Credential
	signOutAt time.Time
	expiry    *time.Timer
	expiryGen int
	listeners []func(from, to State)

	bg sync.WaitGroup
}

// NewMachine creates a machine in the booting state.
func NewMachine(cache *Cache, remote Session, store Wiper, cfg Config) *Machine {
	if cfg.ValidateTimeout <= 0 {
		cfg.ValidateTimeout = 5 * time.Second
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = 30 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Machine{cache: cache, remote: remote, store: store, cfg: cfg, state: StateBooting}
}

// OnChange registers fn for every state transition. fn runs with no lock
// held, after the transition.
func (m *Machine) OnChange(fn func(from, to State)) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Current returns a snapshot of the state and identity.
func (m *Machine) Current() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Machine) snapshotLocked() Snapshot {
	s := Snapshot{State: m.state, Credential: m.cred.clone()}
	switch m.state {
	case StateCached, StateValidating:
		s.Unconfirmed = m.cred != nil
	case StateOfflineCached:
		s.Unconfirmed = m.cred != nil
		s.Offline = m.cred != nil
	case StateExpiring:
		s.SignOutAt = m.signOutAt
	}
	return s
}

// Wait blocks until background validations have finished.
func (m *Machine) Wait() {
	m.bg.Wait()
}

// setLocked moves to next and returns the listeners to notify.
func (m *Machine) setLocked(next State) (State, []func(from, to State)) {
	prev := m.state
	m.state = next
	if prev == next {
		return prev, nil
	}
	slog.Debug("auth: state", "from", prev, "to", next)
	return prev, append([]func(from, to State){}, m.listeners...)
}

func notify(fns []func(from, to State), from, to State) {
	for _, fn := range fns {
		fn(from, to)
	}
}

func (m *Machine) transition(next State) {
	m.mu.Lock()
	prev, fns := m.setLocked(next)
	m.mu.Unlock()
	notify(fns, prev, next)
}

// Boot reads the cached credential and returns at once; it never waits on
// the network. When online, validation continues in the background.
func (m *Machine) Boot(ctx context.Context) Snapshot {
	cred, err := m.cache.Load()
	if err != nil {
		slog.Warn("auth: load session cache", "err", err)
	}

	m.mu.Lock()
	m.cred = cred
	var next State
	switch {
	case cred == nil:
		next = StateUnauthenticated
	case m.cfg.Online != nil && !m.cfg.Online():
		next = StateOfflineCached
	default:
		next = StateCached
	}
	prev, fns := m.setLocked(next)
	if cred != nil {
		m.remote.SetToken(cred.AccessToken)
	}
	m.mu.Unlock()
	notify(fns, prev, next)

	if next == StateCached {
		m.startValidation(ctx)
	}
	return m.Current()
}

// Online re-validates the cached session after connectivity returns.
func (m *Machine) Online(ctx context.Context) {
	m.mu.Lock()
	hasCred := m.cred != nil
	state := m.state
	m.mu.Unlock()
	if !hasCred || state == StateExpiring || state == StateValidating {
		return
	}
	m.startValidation(ctx)
}

// Offline keeps serving the cached identity while the network is gone.
func (m *Machine) Offline() {
	m.mu.Lock()
	if m.cred == nil || m.state == StateExpiring {
		m.mu.Unlock()
		return
	}
	prev, fns := m.setLocked(StateOfflineCached)
	m.mu.Unlock()
	notify(fns, prev, StateOfflineCached)
}

func (m *Machine) startValidation(ctx context.Context) {
	m.transition(StateValidating)
	m.bg.Add(1)
	go func() {
		defer m.bg.Done()
		m.validate(ctx)
	}()
}

func (m *Machine) validate(ctx context.Context) {
	vctx, cancel := context.WithTimeout(ctx, m.cfg.ValidateTimeout)
	defer cancel()

	resp, err := m.remote.ValidateSession(vctx)
	switch {
	case errors.Is(err, syncclient.ErrUnauthorized), err == nil && !resp.Valid:
		slog.Info("auth: session rejected")
		m.SessionInvalid(ctx)
		return
	case err != nil:
		// Unreachable or too slow: keep the cached identity.
		slog.Debug("auth: validate failed, staying offline", "err", err)
		m.mu.Lock()
		if m.state != StateValidating {
			m.mu.Unlock()
			return
		}
		prev, fns := m.setLocked(StateOfflineCached)
		m.mu.Unlock()
		notify(fns, prev, StateOfflineCached)
		return
	}

	m.mu.Lock()
	if m.state != StateValidating || m.cred == nil {
		m.mu.Unlock()
		return
	}
	cred := m.cred.clone()
	changed := applyIdentity(cred, resp)
	if changed {
		if err := m.cache.Store(cred); err != nil {
			slog.Error("auth: write session cache", "err", err)
		} else {
			m.cred = cred
		}
	}
	prev, fns := m.setLocked(StateAuthenticated)
	m.mu.Unlock()
	notify(fns, prev, StateAuthenticated)
	if changed {
		slog.Info("auth: identity updated", "user", cred.UserID)
	}
}

// applyIdentity copies the identity the service reports into cred and
// reports whether anything changed.
func applyIdentity(cred *Credential, resp *syncclient.SessionResponse) bool {
	changed := false
	if resp.UserID != "" && resp.UserID != cred.UserID {
		cred.UserID = resp.UserID
		changed = true
	}
	if resp.Email != "" && resp.Email != cred.Email {
		cred.Email = resp.Email
		changed = true
	}
	if resp.ExpiresAt != "" {
		if exp, err := time.Parse(time.RFC3339, resp.ExpiresAt); err == nil && !exp.Equal(cred.ExpiresAt) {
			cred.ExpiresAt = exp.UTC()
			changed = true
		}
	}
	return changed
}

// Login validates token with the identity service and, on success, caches
// the resulting identity.
func (m *Machine) Login(ctx context.Context, cred Credential) (Snapshot, error) {
	cred.FillFromToken()
	m.remote.SetToken(cred.AccessToken)

	vctx, cancel := context.WithTimeout(ctx, m.cfg.ValidateTimeout)
	defer cancel()
	resp, err := m.remote.ValidateSession(vctx)
	if err == nil && !resp.Valid {
		err = ErrNotAuthenticated
	}
	if err != nil {
		m.mu.Lock()
		if m.cred != nil {
			m.remote.SetToken(m.cred.AccessToken)
		} else {
			m.remote.SetToken("")
		}
		m.mu.Unlock()
		if errors.Is(err, syncclient.ErrUnauthorized) {
			err = fmt.Errorf("%w: %v", ErrNotAuthenticated, err)
		}
		return m.Current(), fmt.Errorf("login: %w", err)
	}
	applyIdentity(&cred, resp)
	if err := m.cache.Store(&cred); err != nil {
		return m.Current(), fmt.Errorf("login: %w", err)
	}

	m.mu.Lock()
	m.stopExpiryLocked()
	m.cred = cred.clone()
	prev, fns := m.setLocked(StateAuthenticated)
	snap := m.snapshotLocked()
	m.mu.Unlock()
	notify(fns, prev, StateAuthenticated)
	slog.Info("auth: logged in", "user", cred.UserID)
	return snap, nil
}

// SessionInvalid starts the sign-out countdown. The sync engine calls it
// when the remote authority rejects the token.
func (m *Machine) SessionInvalid(ctx context.Context) {
	m.mu.Lock()
	if m.cred == nil || m.state == StateExpiring {
		m.mu.Unlock()
		return
	}
	m.expiryGen++
	gen := m.expiryGen
	m.signOutAt = m.cfg.Now().Add(m.cfg.GracePeriod)
	m.expiry = time.AfterFunc(m.cfg.GracePeriod, func() {
		m.expire(context.WithoutCancel(ctx), gen)
	})
	prev, fns := m.setLocked(StateExpiring)
	m.mu.Unlock()
	notify(fns, prev, StateExpiring)
	slog.Warn("auth: session expired, signing out", "in", m.cfg.GracePeriod)
}

// CancelExpiry aborts a pending countdown and keeps the cached identity.
// It reports whether a countdown was cancelled.
func (m *Machine) CancelExpiry() bool {
	m.mu.Lock()
	if m.state != StateExpiring {
		m.mu.Unlock()
		return false
	}
	m.stopExpiryLocked()
	prev, fns := m.setLocked(StateCached)
	m.mu.Unlock()
	notify(fns, prev, StateCached)
	slog.Info("auth: sign-out cancelled")
	return true
}

func (m *Machine) stopExpiryLocked() {
	if m.expiry != nil {
		m.expiry.Stop()
		m.expiry = nil
	}
	m.expiryGen++
	m.signOutAt = time.Time{}
}

func (m *Machine) expire(ctx context.Context, gen int) {
	m.mu.Lock()
	live := m.state == StateExpiring && m.expiryGen == gen
	m.mu.Unlock()
	if !live {
		return
	}
	if err := m.SignOut(ctx); err != nil {
		slog.Error("auth: sign out after expiry", "err", err)
	}
}

// SignOut ends the session: the remote call is best effort, the cache and
// the local store are always cleared.
func (m *Machine) SignOut(ctx context.Context) error {
	m.mu.Lock()
	m.stopExpiryLocked()
	m.mu.Unlock()

	lctx, cancel := context.WithTimeout(ctx, m.cfg.ValidateTimeout)
	if err := m.remote.Logout(lctx); err != nil {
		slog.Debug("auth: remote logout", "err", err)
	}
	cancel()
	m.remote.SetToken("")

	var errs []error
	if err := m.cache.Clear(); err != nil {
		errs = append(errs, err)
	}
	if m.store != nil {
		if err := m.store.ClearAll(ctx); err != nil {
			errs = append(errs, fmt.Errorf("wipe local store: %w", err))
		}
	}

	m.mu.Lock()
	m.cred = nil
	prev, fns := m.setLocked(StateUnauthenticated)
	m.mu.Unlock()
	notify(fns, prev, StateUnauthenticated)
	slog.Info("auth: signed out")
	return errors.Join(errs...)
}
