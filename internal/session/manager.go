// Package session owns the run's authenticated session: restoring a persisted
// one, probing it, logging in again when needed and persisting the result.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/snapshot-harvester/internal/harvest"
)

// Credentials are the login secrets.
type Credentials struct {
	Email    string
	Password string
}

// Empty reports whether either secret is missing.
func (c Credentials) Empty() bool {
	return c.Email == "" || c.Password == ""
}

// Authenticator performs an interactive credential login.
type Authenticator interface {
	Login(ctx context.Context, creds Credentials) (*harvest.Session, error)
}

// Prober checks a session against a page only authenticated users can reach.
type Prober interface {
	Probe(ctx context.Context, sess *harvest.Session) (bool, error)
}

// Store persists the session blob between runs.
type Store interface {
	Load(ctx context.Context) (*harvest.Session, error)
	Save(ctx context.Context, sess *harvest.Session) error
}

// Config controls login retries.
type Config struct {
	LoginAttempts int
	LoginBackoff  time.Duration
	LoginTimeout  time.Duration
}

// Manager hands out the single live session of a run.
type Manager struct {
	cfg    Config
	creds  Credentials
	auth   Authenticator
	prober Prober
	store  Store
	clock  harvest.Clock
	logger *zap.Logger

	mu      sync.RWMutex
	current *harvest.Session
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// NewManager wires the collaborators. A nil clock uses wall time.
func NewManager(cfg Config, creds Credentials, auth Authenticator, prober Prober, store Store, clock harvest.Clock, logger *zap.Logger) *Manager {
	if cfg.LoginAttempts <= 0 {
		cfg.LoginAttempts = 3
	}
	if cfg.LoginTimeout <= 0 {
		cfg.LoginTimeout = 30 * time.Second
	}
	if clock == nil {
		clock = systemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		cfg:    cfg,
		creds:  creds,
		auth:   auth,
		prober: prober,
		store:  store,
		clock:  clock,
		logger: logger.Named("session"),
	}
}

// Current returns the live session, if any.
func (m *Manager) Current() *harvest.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

func (m *Manager) set(sess *harvest.Session) {
	m.mu.Lock()
	m.current = sess
	m.mu.Unlock()
}

// Start restores and probes the persisted session, logging in when it is
// missing or no longer accepted.
func (m *Manager) Start(ctx context.Context) (*harvest.Session, error) {
	sess, err := m.store.Load(ctx)
	switch {
	case errors.Is(err, ErrNoSession):
		m.logger.Info("no persisted session, logging in")
	case err != nil:
		m.logger.Warn("persisted session unreadable, logging in", zap.Error(err))
	case !sess.Valid(m.clock.Now()):
		m.logger.Info("persisted session expired, logging in")
	default:
		if m.probe(ctx, sess) {
			m.logger.Info("restored persisted session", zap.Time("created_at", sess.CreatedAt))
			m.set(sess)
			return sess, nil
		}
	}
	return m.Authenticate(ctx)
}

// EnsureValid returns sess when it still probes as authenticated and logs in
// again otherwise. Callers invoke it between stages only.
func (m *Manager) EnsureValid(ctx context.Context, sess *harvest.Session) (*harvest.Session, error) {
	if sess.Valid(m.clock.Now()) && m.probe(ctx, sess) {
		return sess, nil
	}
	m.logger.Info("session no longer valid, re-authenticating")
	return m.Authenticate(ctx)
}

func (m *Manager) probe(ctx context.Context, sess *harvest.Session) bool {
	if m.prober == nil {
		return true
	}
	ok, err := m.prober.Probe(ctx, sess)
	if err != nil {
		m.logger.Warn("session probe failed", zap.Error(err))
		return false
	}
	return ok
}

// Authenticate logs in with the configured credentials. Timeouts are retried
// with linear backoff; any other login failure is fatal.
func (m *Manager) Authenticate(ctx context.Context) (*harvest.Session, error) {
	if m.creds.Empty() {
		return nil, harvest.ErrMissingCredentials
	}

	attempt := 0
	op := func() (*harvest.Session, error) {
		attempt++
		loginCtx, cancel := context.WithTimeout(ctx, m.cfg.LoginTimeout)
		defer cancel()

		sess, err := m.auth.Login(loginCtx, m.creds)
		if err == nil {
			return sess, nil
		}
		if ctx.Err() != nil {
			return nil, backoff.Permanent(ctx.Err())
		}
		if errors.Is(loginCtx.Err(), context.DeadlineExceeded) || harvest.KindOf(err) == harvest.KindTimeout {
			return nil, harvest.Wrap(harvest.KindTimeout, "login", err)
		}
		return nil, backoff.Permanent(err)
	}

	sess, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(&linearBackOff{base: m.cfg.LoginBackoff}),
		backoff.WithMaxTries(uint(m.cfg.LoginAttempts)),
		backoff.WithNotify(func(err error, wait time.Duration) {
			m.logger.Warn("login attempt failed, retrying",
				zap.Int("attempt", attempt), zap.Duration("wait", wait), zap.Error(err))
		}),
	)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("login canceled: %w", ctx.Err())
		}
		return nil, harvest.Wrap(harvest.KindAuth, "login", fmt.Errorf("after %d attempt(s): %w", attempt, err))
	}
	if sess == nil {
		return nil, harvest.Errorf(harvest.KindAuth, "login", "authenticator returned no session")
	}
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = m.clock.Now()
	}
	if err := m.store.Save(ctx, sess); err != nil {
		m.logger.Warn("failed to persist session", zap.Error(err))
	}
	m.logger.Info("logged in", zap.Int("attempts", attempt), zap.Int("cookies", len(sess.Cookies)))
	m.set(sess)
	return sess, nil
}

// linearBackOff waits base, 2*base, 3*base, ...
type linearBackOff struct {
	base time.Duration
	n    int
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.n++
	return b.base * time.Duration(b.n)
}

func (b *linearBackOff) Reset() { b.n = 0 }
