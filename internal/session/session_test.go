package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pders01/quill/internal/api"
	"github.com/pders01/quill/internal/apperr"
	"github.com/pders01/quill/internal/config"
	"github.com/pders01/quill/internal/securestore"
)

var epoch = time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)

type fakeAuth struct {
	refreshCalls atomic.Int32
	logoutCalls  atomic.Int32
	// gate, when set, blocks Refresh until closed or ctx is done.
	gate      chan struct{}
	started   chan struct{}
	loginErr  error
	refreshFn func(n int32, refreshToken string) (*api.RefreshResponse, error)
}

func (f *fakeAuth) Login(_ context.Context, creds api.Credentials) (*api.LoginResponse, error) {
	if f.loginErr != nil {
		return nil, f.loginErr
	}
	return &api.LoginResponse{
		User:         api.User{ID: "u1", Email: creds.Email},
		AccessToken:  api.Token{Token: "at-0", Expiry: epoch.Add(10 * time.Second)},
		RefreshToken: api.Token{Token: "rt-0"},
	}, nil
}

func (f *fakeAuth) Refresh(ctx context.Context, refreshToken string) (*api.RefreshResponse, error) {
	n := f.refreshCalls.Add(1)
	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, apperr.Network("refresh", ctx.Err())
		}
	}
	if f.refreshFn != nil {
		return f.refreshFn(n, refreshToken)
	}
	return &api.RefreshResponse{
		AccessToken:  api.Token{Token: "at-1", Expiry: epoch.Add(time.Hour)},
		RefreshToken: api.Token{Token: "rt-1"},
	}, nil
}

func (f *fakeAuth) Logout(context.Context, string) error {
	f.logoutCalls.Add(1)
	return nil
}

func newTestManager(t *testing.T, client *fakeAuth) (*Manager, *securestore.MemoryStore) {
	t.Helper()
	store := securestore.NewMemoryStore()
	m := NewManager(client, store, config.TestConfig().Session, WithClock(func() time.Time { return epoch }))
	return m, store
}

func login(t *testing.T, m *Manager) Session {
	t.Helper()
	s, err := m.Login(context.Background(), api.Credentials{Email: "ana@example.org", Password: "pw"})
	require.NoError(t, err)
	return s
}

func TestLogin(t *testing.T) {
	m, store := newTestManager(t, &fakeAuth{})
	assert.Equal(t, StateAnonymous, m.State())

	s := login(t, m)
	assert.Equal(t, "u1", s.User.ID)
	assert.Equal(t, "at-0", s.AccessToken)
	assert.Equal(t, StateAuthenticated, m.State())
	assert.Equal(t, "u1", m.UserID())

	for _, k := range []string{securestore.KeyAccessToken, securestore.KeyRefreshToken, securestore.KeyUser} {
		assert.True(t, store.Has(k), k)
	}
}

func TestLogin_InvalidCredentials(t *testing.T) {
	m, store := newTestManager(t, &fakeAuth{
		loginErr: apperr.New(apperr.KindInvalidCredentials, "login", errors.New("HTTP 401")),
	})

	_, err := m.Login(context.Background(), api.Credentials{Email: "a", Password: "b"})
	assert.ErrorIs(t, err, apperr.ErrInvalidCredentials)
	assert.Equal(t, StateAnonymous, m.State())
	assert.False(t, store.Has(securestore.KeyRefreshToken))
}

type failingStore struct{ *securestore.MemoryStore }

func (failingStore) Set(context.Context, string, []byte) error { return errors.New("disk full") }

func TestLogin_StorageFailureIsNotFatal(t *testing.T) {
	m := NewManager(&fakeAuth{}, failingStore{securestore.NewMemoryStore()}, config.TestConfig().Session,
		WithClock(func() time.Time { return epoch }))

	s, err := m.Login(context.Background(), api.Credentials{Email: "ana@example.org", Password: "pw"})
	require.NoError(t, err)
	assert.Equal(t, "u1", s.User.ID)
	assert.Equal(t, StateAuthenticated, m.State())
}

func TestValidAccessToken_FreshTokenNoRefresh(t *testing.T) {
	client := &fakeAuth{}
	m, _ := newTestManager(t, client)
	login(t, m)

	m.now = func() time.Time { return epoch.Add(-time.Minute) }
	token, err := m.ValidAccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "at-0", token)
	assert.Equal(t, int32(0), client.refreshCalls.Load())
}

func TestValidAccessToken_SingleFlight(t *testing.T) {
	gate := make(chan struct{})
	client := &fakeAuth{gate: gate, started: make(chan struct{}, 10)}
	m, _ := newTestManager(t, client)
	login(t, m) // 10s of life left, inside the 30s margin

	const callers = 5
	var wg sync.WaitGroup
	tokens := make([]string, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tokens[i], errs[i] = m.ValidAccessToken(context.Background())
		}(i)
	}

	<-client.started
	// let the remaining callers join the refresh already in flight
	time.Sleep(20 * time.Millisecond)
	close(gate)
	wg.Wait()

	assert.Equal(t, int32(1), client.refreshCalls.Load())
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "at-1", tokens[i])
	}

	s, ok := m.Current()
	require.True(t, ok)
	assert.Equal(t, "rt-1", s.RefreshToken)
	assert.Equal(t, StateAuthenticated, m.State())
}

func TestRefresh_CallerCancelDoesNotCancelSharedRefresh(t *testing.T) {
	gate := make(chan struct{})
	client := &fakeAuth{gate: gate, started: make(chan struct{}, 1)}
	m, _ := newTestManager(t, client)
	login(t, m)

	impatient, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := m.Refresh(impatient)
		firstErr <- err
	}()
	<-client.started

	cancel()
	assert.ErrorIs(t, <-firstErr, context.Canceled)

	secondDone := make(chan Session, 1)
	go func() {
		s, err := m.Refresh(context.Background())
		assert.NoError(t, err)
		secondDone <- s
	}()
	time.Sleep(20 * time.Millisecond)
	close(gate)

	s := <-secondDone
	assert.Equal(t, "at-1", s.AccessToken)
	assert.Equal(t, int32(1), client.refreshCalls.Load())
}

func TestValidAccessToken_LateCallerReusesFinishedRefresh(t *testing.T) {
	client := &fakeAuth{}
	m, _ := newTestManager(t, client)
	login(t, m) // at-0 inside the refresh margin

	token, err := m.ValidAccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "at-1", token)

	// a caller that saw at-0 as stale but reaches the flight after it ended
	s, err := m.refresh(context.Background(), "at-0")
	require.NoError(t, err)
	assert.Equal(t, "at-1", s.AccessToken)
	assert.Equal(t, int32(1), client.refreshCalls.Load())
}

func TestRefresh_KeepsRefreshTokenWhenNotRotated(t *testing.T) {
	client := &fakeAuth{refreshFn: func(int32, string) (*api.RefreshResponse, error) {
		return &api.RefreshResponse{AccessToken: api.Token{Token: "at-1", Expiry: epoch.Add(time.Hour)}}, nil
	}}
	m, _ := newTestManager(t, client)
	login(t, m)

	s, err := m.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "at-1", s.AccessToken)
	assert.Equal(t, "rt-0", s.RefreshToken)
}

func TestRefresh_InvalidTokenTearsDownSession(t *testing.T) {
	client := &fakeAuth{refreshFn: func(int32, string) (*api.RefreshResponse, error) {
		return nil, apperr.New(apperr.KindRefreshInvalid, "refresh", errors.New("HTTP 401"))
	}}
	m, store := newTestManager(t, client)
	login(t, m)

	var loggedOut atomic.Int32
	m.OnLogout(func(context.Context) { loggedOut.Add(1) })

	_, err := m.ValidAccessToken(context.Background())
	assert.ErrorIs(t, err, apperr.ErrSessionExpired)
	assert.ErrorIs(t, err, apperr.ErrRefreshInvalid)

	assert.Equal(t, StateAnonymous, m.State())
	assert.Equal(t, int32(1), loggedOut.Load())
	assert.False(t, store.Has(securestore.KeyRefreshToken))

	_, err = m.ValidAccessToken(context.Background())
	assert.ErrorIs(t, err, apperr.ErrSessionExpired)
}

func TestRefresh_NetworkErrorKeepsSession(t *testing.T) {
	client := &fakeAuth{refreshFn: func(int32, string) (*api.RefreshResponse, error) {
		return nil, apperr.Network("refresh", errors.New("timeout"))
	}}
	m, _ := newTestManager(t, client)
	login(t, m)

	_, err := m.ValidAccessToken(context.Background())
	assert.ErrorIs(t, err, apperr.ErrNetwork)
	assert.Equal(t, StateAuthenticated, m.State())

	s, ok := m.Current()
	require.True(t, ok)
	assert.Equal(t, "rt-0", s.RefreshToken)
}

func TestLogout_DuringRefreshDiscardsResult(t *testing.T) {
	gate := make(chan struct{})
	client := &fakeAuth{gate: gate, started: make(chan struct{}, 1)}
	m, store := newTestManager(t, client)
	login(t, m)

	result := make(chan error, 1)
	go func() {
		_, err := m.Refresh(context.Background())
		result <- err
	}()
	<-client.started

	require.NoError(t, m.Logout(context.Background()))
	close(gate)

	err := <-result
	assert.ErrorIs(t, err, apperr.ErrSessionExpired)

	_, ok := m.Current()
	assert.False(t, ok, "late refresh must not resurrect the session")
	assert.Equal(t, StateAnonymous, m.State())
	assert.False(t, store.Has(securestore.KeyAccessToken))
	assert.Equal(t, int32(1), client.logoutCalls.Load())
}

func TestLogout_NotifiesListeners(t *testing.T) {
	m, _ := newTestManager(t, &fakeAuth{})
	login(t, m)

	called := false
	m.OnLogout(func(context.Context) { called = true })

	require.NoError(t, m.Logout(context.Background()))
	assert.True(t, called)
}

func TestAuthorized_RefreshesOnceOnAuthError(t *testing.T) {
	client := &fakeAuth{}
	m, _ := newTestManager(t, client)
	login(t, m)
	m.now = func() time.Time { return epoch.Add(-time.Hour) }

	var seen []string
	err := m.Authorized(context.Background(), func(_ context.Context, token string) error {
		seen = append(seen, token)
		if token == "at-0" {
			return apperr.Auth("get", errors.New("HTTP 401"))
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"at-0", "at-1"}, seen)
	assert.Equal(t, int32(1), client.refreshCalls.Load())
}

func TestAuthorized_SecondAuthErrorSurfaces(t *testing.T) {
	client := &fakeAuth{}
	m, _ := newTestManager(t, client)
	login(t, m)
	m.now = func() time.Time { return epoch.Add(-time.Hour) }

	calls := 0
	err := m.Authorized(context.Background(), func(context.Context, string) error {
		calls++
		return apperr.Auth("get", errors.New("HTTP 401"))
	})
	assert.ErrorIs(t, err, apperr.ErrAuth)
	assert.Equal(t, 2, calls)
}

func TestAuthorized_NoSession(t *testing.T) {
	m, _ := newTestManager(t, &fakeAuth{})

	err := m.Authorized(context.Background(), func(context.Context, string) error {
		t.Fatal("call must not run without a session")
		return nil
	})
	assert.ErrorIs(t, err, apperr.ErrSessionExpired)
}

func TestRestore(t *testing.T) {
	client := &fakeAuth{}
	m, store := newTestManager(t, client)
	login(t, m)

	restored := NewManager(client, store, config.TestConfig().Session, WithClock(func() time.Time { return epoch.Add(-time.Hour) }))
	require.NoError(t, restored.Restore(context.Background()))

	s, ok := restored.Current()
	require.True(t, ok)
	assert.Equal(t, "u1", s.User.ID)
	assert.Equal(t, "at-0", s.AccessToken)
	assert.True(t, s.AccessTokenExpiry.Equal(epoch.Add(10*time.Second)))
	assert.Equal(t, StateAuthenticated, restored.State())
}

func TestRestore_NothingStored(t *testing.T) {
	m, _ := newTestManager(t, &fakeAuth{})
	require.NoError(t, m.Restore(context.Background()))
	assert.Equal(t, StateAnonymous, m.State())
}

func TestRestore_CorruptAccessTokenForcesRefresh(t *testing.T) {
	client := &fakeAuth{}
	m, store := newTestManager(t, client)
	login(t, m)
	require.NoError(t, store.Set(context.Background(), securestore.KeyAccessToken, []byte("{")))

	restored := NewManager(client, store, config.TestConfig().Session, WithClock(func() time.Time { return epoch }))
	err := restored.Restore(context.Background())
	assert.ErrorIs(t, err, apperr.ErrStorage)

	token, err := restored.ValidAccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "at-1", token)
}

func TestTokenExpiry(t *testing.T) {
	exp := epoch.Add(42 * time.Minute).Truncate(time.Second)
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "u1",
		"exp": exp.Unix(),
	}).SignedString([]byte("test-secret"))
	require.NoError(t, err)

	explicit := epoch.Add(time.Hour)
	assert.True(t, tokenExpiry(api.Token{Token: signed, Expiry: explicit}, epoch, time.Minute).Equal(explicit))
	assert.True(t, tokenExpiry(api.Token{Token: signed}, epoch, time.Minute).Equal(exp))
	assert.True(t, tokenExpiry(api.Token{Token: "opaque"}, epoch, time.Minute).Equal(epoch.Add(time.Minute)))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "refreshing", StateRefreshing.String())
	assert.Equal(t, "State(9)", State(9).String())
}
