package session

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/pders01/quill/internal/api"
	"github.com/pders01/quill/internal/securestore"
)

type storedToken struct {
	Token  string    `json:"token"`
	Expiry time.Time `json:"expiry"`
}

// persist writes the session as three independent records.
func (m *Manager) persist(ctx context.Context, s Session) error {
	if m.store == nil {
		return nil
	}
	var errs []error
	if err := securestore.SetJSON(ctx, m.store, securestore.KeyAccessToken, storedToken{Token: s.AccessToken, Expiry: s.AccessTokenExpiry}); err != nil {
		errs = append(errs, err)
	}
	if err := securestore.SetJSON(ctx, m.store, securestore.KeyRefreshToken, s.RefreshToken); err != nil {
		errs = append(errs, err)
	}
	if err := securestore.SetJSON(ctx, m.store, securestore.KeyUser, s.User); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		m.log.WithError(err).Warnf("persisting session failed, continuing in memory")
		return err
	}
	return nil
}

// Restore loads a persisted session. Without a refresh token there is
// nothing to restore. An unreadable access token is treated as expired so
// the next use refreshes it.
func (m *Manager) Restore(ctx context.Context) error {
	if m.store == nil {
		return nil
	}

	var refreshToken string
	if err := securestore.GetJSON(ctx, m.store, securestore.KeyRefreshToken, &refreshToken); err != nil {
		if errors.Is(err, securestore.ErrNotFound) {
			return nil
		}
		return err
	}
	if refreshToken == "" {
		return nil
	}

	var errs []error
	var access storedToken
	if err := securestore.GetJSON(ctx, m.store, securestore.KeyAccessToken, &access); err != nil && !errors.Is(err, securestore.ErrNotFound) {
		errs = append(errs, err)
		access = storedToken{}
	}
	var user api.User
	if err := securestore.GetJSON(ctx, m.store, securestore.KeyUser, &user); err != nil && !errors.Is(err, securestore.ErrNotFound) {
		errs = append(errs, err)
	}

	m.mu.Lock()
	m.gen++
	m.session = &Session{
		User:              user,
		AccessToken:       access.Token,
		AccessTokenExpiry: access.Expiry,
		RefreshToken:      refreshToken,
	}
	m.state = StateAuthenticated
	m.mu.Unlock()

	m.log.With("user", user.ID).Debugf("session restored")
	return errors.Join(errs...)
}

// tokenExpiry picks the server-reported expiry, then the JWT exp claim,
// then now+fallback.
func tokenExpiry(tok api.Token, now time.Time, fallback time.Duration) time.Time {
	if !tok.Expiry.IsZero() {
		return tok.Expiry
	}
	if exp, ok := jwtExpiry(tok.Token); ok {
		return exp
	}
	return now.Add(fallback)
}

// jwtExpiry reads the exp claim without verifying the signature. The token
// is only inspected for scheduling; the backend still verifies it.
func jwtExpiry(token string) (time.Time, bool) {
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return time.Time{}, false
	}
	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}
