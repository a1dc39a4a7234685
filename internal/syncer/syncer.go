// Package syncer orchestrates the session, offline queue, content cache and
// notification inbox: it replays queued actions when connectivity returns,
// dispatches new actions immediately while online and keeps the cache from
// serving what those actions made stale.
package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/pders01/quill/internal/api"
	"github.com/pders01/quill/internal/apperr"
	"github.com/pders01/quill/internal/cache"
	"github.com/pders01/quill/internal/config"
	"github.com/pders01/quill/internal/debuglog"
	"github.com/pders01/quill/internal/notify"
	"github.com/pders01/quill/internal/queue"
)

// Sessions is the part of the session manager the coordinator uses.
type Sessions interface {
	ValidAccessToken(ctx context.Context) (string, error)
	Authorized(ctx context.Context, call func(ctx context.Context, token string) error) error
	OnLogout(fn func(context.Context))
}

// Transport sends actions and reads content.
type Transport interface {
	Dispatch(ctx context.Context, accessToken string, req api.DispatchRequest) (*api.Response, error)
	Get(ctx context.Context, accessToken, path string) ([]byte, error)
}

type Reason string

const (
	ReasonReconnect  Reason = "reconnect"
	ReasonForeground Reason = "foreground"
	ReasonPeriodic   Reason = "periodic"
	ReasonManual     Reason = "manual"
)

// Result describes one sync cycle.
type Result struct {
	Reason Reason
	// Coalesced is set when another cycle was already running.
	Coalesced   bool
	Report      queue.Report
	Invalidated int
}

// SubmitResult tells the caller whether an action went out now or was
// queued for later.
type SubmitResult struct {
	ActionID string
	Queued   bool
	Response *api.Response
}

type Coordinator struct {
	sessions  Sessions
	queue     *queue.Queue
	cache     *cache.Cache
	notify    *notify.Center
	transport Transport
	routes    api.Routes
	cfg       config.Config

	online  atomic.Bool
	running atomic.Bool
	wake    chan Reason

	mu   sync.Mutex
	last *Result

	log *debuglog.FieldLogger
}

// Deps groups the coordinator's collaborators.
type Deps struct {
	Sessions  Sessions
	Queue     *queue.Queue
	Cache     *cache.Cache
	Notify    *notify.Center
	Transport Transport
	Routes    api.Routes
}

// New wires a coordinator and registers its logout hook: when the session
// ends the queue is discarded without replay and the inbox is cleared.
func New(cfg config.Config, deps Deps) *Coordinator {
	c := &Coordinator{
		sessions:  deps.Sessions,
		queue:     deps.Queue,
		cache:     deps.Cache,
		notify:    deps.Notify,
		transport: deps.Transport,
		routes:    deps.Routes,
		cfg:       cfg,
		wake:      make(chan Reason, 1),
		log:       debuglog.For("sync"),
	}
	c.online.Store(true)
	c.sessions.OnLogout(c.onLogout)
	return c
}

func (c *Coordinator) onLogout(ctx context.Context) {
	if err := c.queue.Discard(ctx); err != nil {
		c.log.WithError(err).Warnf("discarding queue on logout")
	}
	if c.notify != nil {
		if err := c.notify.Clear(ctx); err != nil {
			c.log.WithError(err).Warnf("clearing notifications on logout")
		}
	}
}

// Online reports the last connectivity state given to SetOnline.
func (c *Coordinator) Online() bool {
	return c.online.Load()
}

// SetOnline records connectivity. Going from offline to online wakes Run
// for a reconnect sync.
func (c *Coordinator) SetOnline(online bool) {
	was := c.online.Swap(online)
	c.log.Debugf("connectivity online=%t", online)
	if online && !was {
		c.signal(ReasonReconnect)
	}
}

// Foreground wakes Run for a sync when the app returns to the foreground.
func (c *Coordinator) Foreground() {
	c.signal(ReasonForeground)
}

func (c *Coordinator) signal(r Reason) {
	select {
	case c.wake <- r:
	default:
		// a wake-up is already pending and will cover this one
	}
}

// Last returns the result of the most recent completed cycle.
func (c *Coordinator) Last() (Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.last == nil {
		return Result{}, false
	}
	return *c.last, true
}

// Trigger runs one sync cycle. A trigger arriving while a cycle runs is a
// no-op reported as Coalesced. Without a valid session the cycle aborts
// before touching the queue.
func (c *Coordinator) Trigger(ctx context.Context, reason Reason) (Result, error) {
	if !c.running.CompareAndSwap(false, true) {
		return Result{Reason: reason, Coalesced: true}, nil
	}
	defer c.running.Store(false)

	log := c.log.With("reason", string(reason))
	log.Debugf("sync cycle starting")

	if _, err := c.sessions.ValidAccessToken(ctx); err != nil {
		log.WithError(err).Infof("sync aborted")
		return Result{Reason: reason}, err
	}

	report, err := c.queue.Drain(ctx, c.dispatchQueued)
	if errors.Is(err, queue.ErrDrainInProgress) {
		return Result{Reason: reason, Coalesced: true}, nil
	}
	if err != nil {
		return Result{Reason: reason}, err
	}

	res := Result{Reason: reason, Report: report}
	for _, a := range report.Actions(queue.ResultDone) {
		res.Invalidated += c.invalidate(string(a.Kind), a.Resource)
	}

	c.mu.Lock()
	c.last = &res
	c.mu.Unlock()

	log.Infof("sync done: %d replayed, %d rejected, %d failed, %d invalidated",
		len(report.Actions(queue.ResultDone)),
		len(report.Actions(queue.ResultRejected)),
		len(report.Actions(queue.ResultFailed)),
		res.Invalidated)
	if report.HaltErr != nil {
		return res, report.HaltErr
	}
	return res, nil
}

func (c *Coordinator) dispatchQueued(ctx context.Context, a queue.Action) error {
	_, err := c.send(ctx, a.ID, string(a.Kind), a.Resource, a.Payload)
	return err
}

func (c *Coordinator) send(ctx context.Context, id, kind, resource string, payload json.RawMessage) (*api.Response, error) {
	var resp *api.Response
	err := c.sessions.Authorized(ctx, func(ctx context.Context, token string) error {
		var err error
		resp, err = c.transport.Dispatch(ctx, token, api.DispatchRequest{
			Kind:           kind,
			Resource:       resource,
			Payload:        payload,
			IdempotencyKey: id,
		})
		return err
	})
	return resp, err
}

func (c *Coordinator) invalidate(kind, resource string) int {
	if c.cache == nil {
		return 0
	}
	n := 0
	for _, key := range c.routes.Invalidations(kind, resource) {
		n += c.cache.Invalidate(key)
	}
	return n
}

// Submit performs an action now when online and nothing older is waiting,
// in flight or blocking the resource, otherwise queues it. An immediate dispatch that fails with a network
// error is queued under the same idempotency key.
func (c *Coordinator) Submit(ctx context.Context, kind queue.Kind, resource string, payload json.RawMessage) (SubmitResult, error) {
	if !kind.Valid() {
		return SubmitResult{}, apperr.Validation("submit", fmt.Errorf("unknown action kind %q", kind))
	}
	if len(payload) > 0 && !json.Valid(payload) {
		return SubmitResult{}, apperr.Validation("submit", errors.New("payload is not valid JSON"))
	}

	if !c.online.Load() || c.queue.Busy(resource) {
		return c.enqueue(ctx, "", kind, resource, payload)
	}

	v7, err := uuid.NewV7()
	if err != nil {
		return SubmitResult{}, fmt.Errorf("generating action id: %w", err)
	}
	id := v7.String()

	dctx := ctx
	if c.cfg.Queue.DispatchTimeout > 0 {
		var cancel context.CancelFunc
		dctx, cancel = context.WithTimeout(ctx, c.cfg.Queue.DispatchTimeout)
		defer cancel()
	}

	resp, err := c.send(dctx, id, string(kind), resource, payload)
	switch {
	case err == nil:
		c.invalidate(string(kind), resource)
		return SubmitResult{ActionID: id, Response: resp}, nil
	case apperr.KindOf(err) == apperr.KindNetwork:
		c.log.WithError(err).Infof("dispatch failed, queueing %s on %s", kind, resource)
		return c.enqueue(ctx, id, kind, resource, payload)
	default:
		return SubmitResult{ActionID: id}, err
	}
}

func (c *Coordinator) enqueue(ctx context.Context, id string, kind queue.Kind, resource string, payload json.RawMessage) (SubmitResult, error) {
	id, err := c.queue.EnqueueWithID(ctx, id, kind, resource, payload)
	if id == "" {
		return SubmitResult{}, err
	}
	return SubmitResult{ActionID: id, Queued: true}, err
}

// Read returns a blog, category or tag, from the cache when fresh and from
// the backend otherwise. Reads fall back to anonymous access when there is
// no session.
func (c *Coordinator) Read(ctx context.Context, resourceType, id string) ([]byte, error) {
	key := cache.Key(resourceType, id)
	if c.cache != nil {
		if data, ok := c.cache.Get(key); ok {
			return data, nil
		}
	}

	path, err := api.ContentPath(resourceType, id)
	if err != nil {
		return nil, apperr.Validation("read", err)
	}

	var data []byte
	err = c.sessions.Authorized(ctx, func(ctx context.Context, token string) error {
		var err error
		data, err = c.transport.Get(ctx, token, path)
		return err
	})
	if apperr.KindOf(err) == apperr.KindSessionExpired {
		data, err = c.transport.Get(ctx, "", path)
	}
	if err != nil {
		return nil, err
	}

	if c.cache != nil {
		if perr := c.cache.Put(key, data, 0); perr != nil {
			c.log.WithError(perr).Debugf("not caching %s", key)
		}
	}
	return data, nil
}

// Run drives the background work until ctx ends: the cache sweep, periodic
// syncs and the syncs woken by SetOnline and Foreground.
func (c *Coordinator) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if c.cache != nil {
		g.Go(func() error {
			return c.cache.Run(ctx, c.cfg.Cache.SweepInterval)
		})
	}

	g.Go(func() error {
		var tick <-chan time.Time
		if c.cfg.Sync.Interval > 0 {
			ticker := time.NewTicker(c.cfg.Sync.Interval)
			defer ticker.Stop()
			tick = ticker.C
		}
		for {
			var reason Reason
			select {
			case <-ctx.Done():
				return nil
			case reason = <-c.wake:
			case <-tick:
				reason = ReasonPeriodic
			}
			if !c.online.Load() {
				continue
			}
			if _, err := c.Trigger(ctx, reason); err != nil {
				c.log.WithError(err).Debugf("background sync")
			}
		}
	})

	return g.Wait()
}
