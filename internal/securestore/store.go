// Package securestore is the device's durable key/value persistence. Each
// logical record lives under its own key and is written atomically, so a
// corrupt value in one key never blocks reads of the others.
package securestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pders01/quill/internal/apperr"
)

// ErrNotFound is returned by Get when the key holds no value.
var ErrNotFound = errors.New("securestore: key not found")

// Storage-key catalogue. Only the owning component writes each key.
const (
	KeyAccessToken       = "auth.access_token"
	KeyRefreshToken      = "auth.refresh_token"
	KeyUser              = "auth.user"
	KeyOfflineActions    = "queue.actions"
	KeyContentCache      = "cache.content"
	KeyNotifications     = "notify.list"
	KeyNotificationPrefs = "notify.prefs"
	KeyNotificationsSeen = "notify.seen"
)

// Keys lists every key in the catalogue.
var Keys = []string{
	KeyAccessToken,
	KeyRefreshToken,
	KeyUser,
	KeyOfflineActions,
	KeyContentCache,
	KeyNotifications,
	KeyNotificationPrefs,
	KeyNotificationsSeen,
}

// Store is the persistence contract the core depends on.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context) error
}

// GetJSON decodes the value at key into v. It returns ErrNotFound untouched
// and wraps every other failure as a storage error.
func GetJSON(ctx context.Context, s Store, key string, v any) error {
	data, err := s.Get(ctx, key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return err
		}
		return apperr.Storage("get "+key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return apperr.Storage("decode "+key, err)
	}
	return nil
}

// SetJSON encodes v and stores it at key.
func SetJSON(ctx context.Context, s Store, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return apperr.Storage("encode "+key, err)
	}
	if err := s.Set(ctx, key, data); err != nil {
		return apperr.Storage("set "+key, err)
	}
	return nil
}

// DeleteKeys removes several keys, continuing past failures.
func DeleteKeys(ctx context.Context, s Store, keys ...string) error {
	var errs []error
	for _, k := range keys {
		if err := s.Delete(ctx, k); err != nil {
			errs = append(errs, fmt.Errorf("delete %s: %w", k, err))
		}
	}
	if len(errs) > 0 {
		return apperr.Storage("delete", errors.Join(errs...))
	}
	return nil
}
