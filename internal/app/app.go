// Package app builds the client runtime from a config: the encrypted store,
// the API client and every component that sits on top of them.
package app

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/pders01/quill/internal/api"
	"github.com/pders01/quill/internal/cache"
	"github.com/pders01/quill/internal/config"
	"github.com/pders01/quill/internal/debuglog"
	"github.com/pders01/quill/internal/feed"
	"github.com/pders01/quill/internal/notify"
	"github.com/pders01/quill/internal/queue"
	"github.com/pders01/quill/internal/search"
	"github.com/pders01/quill/internal/securestore"
	"github.com/pders01/quill/internal/session"
	"github.com/pders01/quill/internal/syncer"
	"github.com/pders01/quill/internal/validation"
)

type App struct {
	Config   *config.Config
	Store    securestore.Store
	Client   *api.Client
	Session  *session.Manager
	Queue    *queue.Queue
	Cache    *cache.Cache
	Search   *search.Index // nil when cache.search_index is off
	Notify   *notify.Center
	Sync     *syncer.Coordinator
	Prefetch *feed.Prefetcher

	closeStore func() error
	log        *debuglog.FieldLogger
}

type options struct {
	store securestore.Store
}

type Option func(*options)

// WithStore replaces the bbolt store. The caller keeps ownership of s.
func WithStore(s securestore.Store) Option {
	return func(o *options) { o.store = s }
}

// Open wires the components and restores persisted state. Unreadable
// persisted state is logged and skipped; only failures that leave the app
// unusable are returned.
func Open(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	a := &App{Config: cfg, log: debuglog.For("app")}

	if o.store != nil {
		a.Store = o.store
	} else if err := a.openStore(cfg.Database); err != nil {
		return nil, err
	}

	client, err := api.NewClient(cfg.API)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}
	a.Client = client

	a.Session = session.NewManager(client, a.Store, cfg.Session)
	if err := a.Session.Restore(ctx); err != nil {
		a.log.WithError(err).Warnf("restoring session")
	}

	a.Queue = queue.New(cfg.Queue,
		queue.WithStore(a.Store),
		queue.WithSessionUser(a.Session.UserID),
	)
	if err := a.Queue.Load(ctx); err != nil {
		a.log.WithError(err).Warnf("loading offline queue")
	}

	var cacheOpts []cache.Option
	if cfg.Cache.Persist {
		cacheOpts = append(cacheOpts, cache.WithStore(a.Store))
	}
	a.Cache = cache.New(cfg.Cache, cacheOpts...)

	// The index subscribes before the snapshot loads so restored entries
	// are searchable.
	if cfg.Cache.SearchIndex {
		idx, err := search.NewIndex()
		if err != nil {
			a.Close(ctx)
			return nil, fmt.Errorf("creating search index: %w", err)
		}
		a.Search = idx
		a.Cache.AddListener(idx)
	}
	if cfg.Cache.Persist {
		if err := a.Cache.Load(ctx); err != nil {
			a.log.WithError(err).Warnf("loading content cache")
		}
	}

	a.Notify = notify.NewCenter(cfg.Notifications, notify.WithStore(a.Store))
	if err := a.Notify.Load(ctx); err != nil {
		a.log.WithError(err).Warnf("loading notifications")
	}

	a.Sync = syncer.New(*cfg, syncer.Deps{
		Sessions:  a.Session,
		Queue:     a.Queue,
		Cache:     a.Cache,
		Notify:    a.Notify,
		Transport: client,
		Routes:    client.Routes(),
	})
	a.Prefetch = feed.NewPrefetcher(client, a.Cache, 0)

	a.log.With("state", a.Session.State().String()).
		With("queued", a.Queue.Len()).
		With("cached", a.Cache.Len()).
		Debugf("app ready")
	return a, nil
}

func (a *App) openStore(cfg config.DatabaseConfig) error {
	if cfg.Path == ":memory:" {
		a.Store = securestore.NewMemoryStore()
		return nil
	}

	if _, err := validation.EnsurePrivateDir(filepath.Dir(cfg.Path)); err != nil {
		return fmt.Errorf("preparing data directory: %w", err)
	}
	keyFile := cfg.KeyFile
	if keyFile == "" {
		keyFile = filepath.Join(filepath.Dir(cfg.Path), "store.key")
	}
	key, err := securestore.LoadOrCreateKey(keyFile)
	if err != nil {
		return err
	}
	store, err := securestore.OpenBolt(cfg.Path, key, cfg.Timeout)
	if err != nil {
		return err
	}
	a.Store = store
	a.closeStore = store.Close
	return nil
}

// Close saves the content cache and releases the store and index.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.Cache != nil && a.Config.Cache.Persist {
		if err := a.Cache.Save(ctx); err != nil {
			a.log.WithError(err).Warnf("saving content cache")
		}
	}
	if a.Search != nil {
		if err := a.Search.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing search index: %w", err))
		}
	}
	if a.closeStore != nil {
		if err := a.closeStore(); err != nil {
			errs = append(errs, fmt.Errorf("closing store: %w", err))
		}
		a.closeStore = nil
	}
	return errors.Join(errs...)
}
