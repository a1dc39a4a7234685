// Package session owns the device's authentication session: the token pair,
// the user snapshot and the single-flight refresh that keeps the access
// token valid.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/pders01/quill/internal/api"
	"github.com/pders01/quill/internal/apperr"
	"github.com/pders01/quill/internal/config"
	"github.com/pders01/quill/internal/debuglog"
	"github.com/pders01/quill/internal/securestore"
)

// AuthClient is the backend surface the manager talks to.
type AuthClient interface {
	Login(ctx context.Context, creds api.Credentials) (*api.LoginResponse, error)
	Refresh(ctx context.Context, refreshToken string) (*api.RefreshResponse, error)
	Logout(ctx context.Context, accessToken string) error
}

type State int

const (
	StateAnonymous State = iota
	StateAuthenticating
	StateAuthenticated
	StateRefreshing
)

func (s State) String() string {
	switch s {
	case StateAnonymous:
		return "anonymous"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	case StateRefreshing:
		return "refreshing"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Session is the device's credential set. AccessTokenExpiry always belongs
// to AccessToken.
type Session struct {
	User              api.User
	AccessToken       string
	AccessTokenExpiry time.Time
	RefreshToken      string
}

var errNoSession = errors.New("no active session")

type Manager struct {
	mu      sync.Mutex
	session *Session
	state   State
	// gen increments on every login and teardown; a refresh started under
	// an older generation has its result dropped.
	gen           uint64
	refreshCancel context.CancelFunc
	onLogout      []func(context.Context)

	group  singleflight.Group
	client AuthClient
	store  securestore.Store
	cfg    config.SessionConfig
	now    func() time.Time
	log    *debuglog.FieldLogger
}

type Option func(*Manager)

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func NewManager(client AuthClient, store securestore.Store, cfg config.SessionConfig, opts ...Option) *Manager {
	m := &Manager{
		client: client,
		store:  store,
		cfg:    cfg,
		now:    time.Now,
		log:    debuglog.For("session"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// OnLogout registers fn to run after every teardown, including the one
// forced by a rejected refresh token.
func (m *Manager) OnLogout(fn func(context.Context)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onLogout = append(m.onLogout, fn)
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Current returns a copy of the active session.
func (m *Manager) Current() (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return Session{}, false
	}
	return *m.session, true
}

// UserID returns the signed-in user's id, or "".
func (m *Manager) UserID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return ""
	}
	return m.session.User.ID
}

// Login authenticates and replaces any prior session. A failed login leaves
// the prior session in place. Failing to persist the new session is only a
// warning.
func (m *Manager) Login(ctx context.Context, creds api.Credentials) (Session, error) {
	m.mu.Lock()
	prev := m.state
	m.state = StateAuthenticating
	m.gen++
	gen := m.gen
	m.cancelRefreshLocked()
	m.mu.Unlock()

	resp, err := m.client.Login(ctx, creds)

	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return Session{}, apperr.New(apperr.KindSessionExpired, "login", errors.New("superseded by logout"))
	}
	if err != nil {
		if m.session != nil {
			m.state = StateAuthenticated
		} else {
			m.state = StateAnonymous
		}
		m.mu.Unlock()
		m.log.WithError(err).Warnf("login failed (was %s)", prev)
		return Session{}, err
	}

	now := m.now()
	s := &Session{
		User:              resp.User,
		AccessToken:       resp.AccessToken.Token,
		AccessTokenExpiry: tokenExpiry(resp.AccessToken, now, m.cfg.DefaultTokenTTL),
		RefreshToken:      resp.RefreshToken.Token,
	}
	m.session = s
	m.state = StateAuthenticated
	out := *s
	m.mu.Unlock()

	m.log.With("user", out.User.ID).Infof("logged in, token valid until %s", out.AccessTokenExpiry.Format(time.RFC3339))
	// persist logs storage failures; the session stays usable in memory
	_ = m.persist(ctx, out)
	return out, nil
}

// ValidAccessToken returns an access token with at least the refresh margin
// of life left, refreshing first when needed.
func (m *Manager) ValidAccessToken(ctx context.Context) (string, error) {
	m.mu.Lock()
	s := m.session
	if s == nil {
		m.mu.Unlock()
		return "", apperr.New(apperr.KindSessionExpired, "access token", errNoSession)
	}
	stale := s.AccessToken
	if m.now().Add(m.cfg.RefreshMargin).Before(s.AccessTokenExpiry) {
		m.mu.Unlock()
		return stale, nil
	}
	m.mu.Unlock()

	refreshed, err := m.refresh(ctx, stale)
	if err != nil {
		if apperr.KindOf(err) == apperr.KindRefreshInvalid {
			return "", apperr.New(apperr.KindSessionExpired, "access token", err)
		}
		return "", err
	}
	return refreshed.AccessToken, nil
}

// Refresh exchanges the refresh token for a new access token. Concurrent
// callers share one request. The request runs detached from the callers'
// contexts, bounded by the refresh timeout; a caller whose context ends
// stops waiting without cancelling it for the others.
func (m *Manager) Refresh(ctx context.Context) (Session, error) {
	return m.refresh(ctx, "")
}

// refresh replaces the access token stale, the current one when empty. A
// caller that arrives after stale was already replaced gets the current
// session without another request.
func (m *Manager) refresh(ctx context.Context, stale string) (Session, error) {
	m.mu.Lock()
	if m.session == nil {
		m.mu.Unlock()
		return Session{}, apperr.New(apperr.KindSessionExpired, "refresh", errNoSession)
	}
	gen := m.gen
	if stale == "" {
		stale = m.session.AccessToken
	}
	m.mu.Unlock()

	key := fmt.Sprintf("refresh-%d", gen)
	detached := context.WithoutCancel(ctx)
	ch := m.group.DoChan(key, func() (any, error) {
		return m.doRefresh(detached, gen, stale)
	})

	select {
	case <-ctx.Done():
		return Session{}, apperr.Network("refresh", ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return Session{}, res.Err
		}
		return res.Val.(Session), nil
	}
}

func (m *Manager) doRefresh(ctx context.Context, gen uint64, stale string) (Session, error) {
	m.mu.Lock()
	if m.gen != gen || m.session == nil {
		m.mu.Unlock()
		return Session{}, apperr.New(apperr.KindSessionExpired, "refresh", errNoSession)
	}
	if m.session.AccessToken != stale {
		current := *m.session
		m.mu.Unlock()
		return current, nil
	}
	refreshToken := m.session.RefreshToken
	m.state = StateRefreshing
	timeout := m.cfg.RefreshTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	rctx, cancel := context.WithTimeout(ctx, timeout)
	m.refreshCancel = cancel
	m.mu.Unlock()

	m.log.Debugf("refreshing access token")
	resp, err := m.client.Refresh(rctx, refreshToken)
	cancel()

	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		m.log.Debugf("refresh result discarded, session ended while in flight")
		return Session{}, apperr.New(apperr.KindSessionExpired, "refresh", errors.New("session ended during refresh"))
	}
	m.refreshCancel = nil

	if err != nil {
		if apperr.KindOf(err) == apperr.KindRefreshInvalid {
			m.mu.Unlock()
			m.log.WithError(err).Warnf("refresh token rejected, ending session")
			m.teardown(ctx)
			return Session{}, err
		}
		m.state = StateAuthenticated
		m.mu.Unlock()
		if apperr.KindOf(err) == apperr.KindUnknown {
			err = apperr.Network("refresh", err)
		}
		return Session{}, err
	}

	s := *m.session
	s.AccessToken = resp.AccessToken.Token
	s.AccessTokenExpiry = tokenExpiry(resp.AccessToken, m.now(), m.cfg.DefaultTokenTTL)
	if resp.RefreshToken.Token != "" {
		s.RefreshToken = resp.RefreshToken.Token
	}
	m.session = &s
	m.state = StateAuthenticated
	m.mu.Unlock()

	if err := m.persist(ctx, s); err != nil {
		m.log.WithError(err).Warnf("persisting refreshed session failed, continuing in memory")
	}
	return s, nil
}

// Logout ends the session locally, cancels any refresh in flight and tells
// the backend on a best-effort basis. Local state is always cleared.
func (m *Manager) Logout(ctx context.Context) error {
	ended, err := m.teardown(ctx)
	if ended != nil && ended.AccessToken != "" {
		if lerr := m.client.Logout(ctx, ended.AccessToken); lerr != nil {
			m.log.WithError(lerr).Debugf("server logout failed")
		}
	}
	m.log.Infof("logged out")
	return err
}

func (m *Manager) teardown(ctx context.Context) (*Session, error) {
	m.mu.Lock()
	ended := m.session
	m.session = nil
	m.state = StateAnonymous
	m.gen++
	m.cancelRefreshLocked()
	listeners := append([]func(context.Context){}, m.onLogout...)
	m.mu.Unlock()

	var err error
	if m.store != nil {
		err = securestore.DeleteKeys(ctx, m.store,
			securestore.KeyAccessToken, securestore.KeyRefreshToken, securestore.KeyUser)
		if err != nil {
			m.log.WithError(err).Warnf("clearing stored session failed")
		}
	}
	for _, fn := range listeners {
		fn(ctx)
	}
	return ended, err
}

func (m *Manager) cancelRefreshLocked() {
	if m.refreshCancel != nil {
		m.refreshCancel()
		m.refreshCancel = nil
	}
}

// Authorized runs call with a valid access token. When the backend rejects
// the token, the session is refreshed once and call is retried once.
func (m *Manager) Authorized(ctx context.Context, call func(ctx context.Context, token string) error) error {
	token, err := m.ValidAccessToken(ctx)
	if err != nil {
		return err
	}
	err = call(ctx, token)
	if apperr.KindOf(err) != apperr.KindAuth {
		return err
	}

	m.log.Debugf("access token rejected, refreshing")
	fresh, rerr := m.replaceRejected(ctx, token)
	if rerr != nil {
		return rerr
	}
	return call(ctx, fresh)
}

// replaceRejected returns a token other than rejected, refreshing unless a
// concurrent caller already did.
func (m *Manager) replaceRejected(ctx context.Context, rejected string) (string, error) {
	m.mu.Lock()
	if m.session != nil && m.session.AccessToken != rejected {
		token := m.session.AccessToken
		m.mu.Unlock()
		return token, nil
	}
	m.mu.Unlock()

	s, err := m.refresh(ctx, rejected)
	if err != nil {
		if apperr.KindOf(err) == apperr.KindRefreshInvalid {
			return "", apperr.New(apperr.KindSessionExpired, "authorized call", err)
		}
		return "", err
	}
	return s.AccessToken, nil
}
