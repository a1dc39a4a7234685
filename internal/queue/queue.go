// Package queue is the durable log of actions taken while offline. Actions
// replay one at a time in creation order; each carries an idempotency key
// reused on every retry.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/pders01/quill/internal/apperr"
	"github.com/pders01/quill/internal/config"
	"github.com/pders01/quill/internal/debuglog"
	"github.com/pders01/quill/internal/securestore"
)

var (
	ErrDrainInProgress = errors.New("queue: drain already in progress")
	ErrNotFound        = errors.New("queue: action not found")
	ErrNotFailed       = errors.New("queue: only failed actions can be retried")

	// ErrPrerequisiteFailed halts a drain while an earlier prerequisite
	// action sits failed; Retry or Discard lifts it.
	ErrPrerequisiteFailed = errors.New("queue: prerequisite action failed")
)

// Dispatcher sends one action to the backend. It must classify failures
// with apperr kinds so the queue can pick a retry policy.
type Dispatcher func(ctx context.Context, a Action) error

type Queue struct {
	mu       sync.Mutex
	actions  []*Action
	nextSeq  uint64
	gen      uint64
	draining bool
	// cancelDrain aborts the dispatch of the running drain.
	cancelDrain context.CancelFunc

	cfg           config.QueueConfig
	prerequisites map[Kind]bool
	store         securestore.Store
	limiter       *rate.Limiter
	sleep         Sleeper
	now           func() time.Time
	user          func() string
	log           *debuglog.FieldLogger
}

type Option func(*Queue)

func WithStore(s securestore.Store) Option {
	return func(q *Queue) { q.store = s }
}

func WithSleeper(s Sleeper) Option {
	return func(q *Queue) { q.sleep = s }
}

func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// WithSessionUser stamps each enqueued action with the current user id.
func WithSessionUser(user func() string) Option {
	return func(q *Queue) { q.user = user }
}

func New(cfg config.QueueConfig, opts ...Option) *Queue {
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}

	q := &Queue{
		nextSeq:       1,
		cfg:           cfg,
		prerequisites: make(map[Kind]bool, len(cfg.Prerequisites)),
		limiter:       rate.NewLimiter(limit, burst),
		sleep:         sleepContext,
		now:           time.Now,
		user:          func() string { return "" },
		log:           debuglog.For("queue"),
	}
	for _, k := range cfg.Prerequisites {
		q.prerequisites[Kind(k)] = true
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue appends a pending action and returns its id. When persisting
// fails the action is still queued in memory, and the id is returned
// together with a storage error.
func (q *Queue) Enqueue(ctx context.Context, kind Kind, resource string, payload json.RawMessage) (string, error) {
	return q.EnqueueWithID(ctx, "", kind, resource, payload)
}

// EnqueueWithID is Enqueue with a caller-chosen idempotency key, for an
// action whose immediate dispatch already reached the wire. An empty id
// gets a fresh UUIDv7.
func (q *Queue) EnqueueWithID(ctx context.Context, id string, kind Kind, resource string, payload json.RawMessage) (string, error) {
	if !kind.Valid() {
		return "", apperr.Validation("enqueue", fmt.Errorf("unknown action kind %q", kind))
	}
	if resource == "" {
		return "", apperr.Validation("enqueue", errors.New("resource is required"))
	}
	if len(payload) > 0 && !json.Valid(payload) {
		return "", apperr.Validation("enqueue", errors.New("payload is not valid JSON"))
	}

	if id == "" {
		v7, err := uuid.NewV7()
		if err != nil {
			return "", fmt.Errorf("generating action id: %w", err)
		}
		id = v7.String()
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.findLocked(id) != nil {
		return id, nil
	}

	a := &Action{
		ID:          id,
		Seq:         q.nextSeq,
		Kind:        kind,
		Resource:    resource,
		Payload:     append(json.RawMessage(nil), payload...),
		CreatedAt:   q.now(),
		Status:      StatusPending,
		SessionUser: q.user(),
	}
	q.nextSeq++
	q.actions = append(q.actions, a)
	q.log.With("action", a.ID).Debugf("enqueued %s on %s", a.Kind, a.Resource)

	if err := q.persistLocked(ctx); err != nil {
		return a.ID, err
	}
	return a.ID, nil
}

// Drain replays pending actions in seq order, one at a time. Network
// failures are retried with backoff; validation failures drop the action;
// auth failures stop the drain and leave the action pending. An action that
// stays failed keeps later actions on its resource deferred, and a failed
// prerequisite halts every later action, across drains until Retry or
// Discard.
func (q *Queue) Drain(ctx context.Context, dispatch Dispatcher) (Report, error) {
	q.mu.Lock()
	if q.draining {
		q.mu.Unlock()
		return Report{}, ErrDrainInProgress
	}
	q.draining = true
	gen := q.gen
	ctx, cancel := context.WithCancel(ctx)
	q.cancelDrain = cancel
	pending := make([]string, 0, len(q.actions))
	// failed actions from earlier drains keep blocking what comes after them
	deferred := make(map[string]uint64)
	var blocker *Action
	for _, a := range q.actions {
		switch a.Status {
		case StatusPending:
			pending = append(pending, a.ID)
		case StatusFailed:
			if _, ok := deferred[a.Resource]; !ok {
				deferred[a.Resource] = a.Seq
			}
			if blocker == nil && q.prerequisites[a.Kind] {
				b := *a
				blocker = &b
			}
		}
	}
	q.mu.Unlock()

	defer func() {
		cancel()
		q.mu.Lock()
		q.draining = false
		q.cancelDrain = nil
		q.mu.Unlock()
	}()

	var report Report

	for _, id := range pending {
		q.mu.Lock()
		if q.gen != gen {
			q.mu.Unlock()
			report.Discarded = true
			return report, nil
		}
		a := q.findLocked(id)
		if a == nil || a.Status != StatusPending {
			q.mu.Unlock()
			continue
		}
		if blocker != nil && a.Seq > blocker.Seq {
			q.mu.Unlock()
			report.HaltErr = fmt.Errorf("%w: %s on %s (%s)", ErrPrerequisiteFailed, blocker.Kind, blocker.Resource, blocker.ID)
			q.log.With("action", blocker.ID).Infof("drain blocked by failed %s on %s", blocker.Kind, blocker.Resource)
			return report, nil
		}
		if seq, ok := deferred[a.Resource]; ok && a.Seq > seq {
			report.add(*a, ResultDeferred, nil)
			q.mu.Unlock()
			continue
		}
		q.mu.Unlock()

		if err := ctx.Err(); err != nil {
			report.HaltErr = err
			return report, nil
		}

		stop := q.replay(ctx, gen, id, dispatch, &report, deferred)
		if stop {
			return report, nil
		}
	}
	return report, nil
}

// replay runs one action through its retry loop and reports whether the
// drain must stop.
func (q *Queue) replay(ctx context.Context, gen uint64, id string, dispatch Dispatcher, report *Report, deferred map[string]uint64) bool {
	log := q.log.With("action", id)

	for {
		if err := q.limiter.Wait(ctx); err != nil {
			return q.haltPending(ctx, gen, id, err, report)
		}

		q.mu.Lock()
		if q.gen != gen {
			q.mu.Unlock()
			report.Discarded = true
			return true
		}
		a := q.findLocked(id)
		if a == nil {
			q.mu.Unlock()
			return false
		}
		a.Status = StatusInFlight
		q.persistQuietLocked(ctx)
		snapshot := *a
		q.mu.Unlock()

		dctx := ctx
		cancel := func() {}
		if q.cfg.DispatchTimeout > 0 {
			dctx, cancel = context.WithTimeout(ctx, q.cfg.DispatchTimeout)
		}
		err := dispatch(dctx, snapshot)
		cancel()

		q.mu.Lock()
		if q.gen != gen {
			// discarded while in flight; the result goes nowhere
			q.mu.Unlock()
			report.Discarded = true
			return true
		}
		a = q.findLocked(id)
		if a == nil {
			q.mu.Unlock()
			return false
		}

		if err == nil {
			a.Status = StatusDone
			done := *a
			q.removeLocked(id)
			q.persistQuietLocked(ctx)
			q.mu.Unlock()
			report.add(done, ResultDone, nil)
			log.Debugf("%s on %s done", done.Kind, done.Resource)
			return false
		}

		a.LastError = err.Error()

		if ctx.Err() != nil {
			// cancelled by the caller: the outcome is unknown, so retry later
			a.Status = StatusPending
			q.persistQuietLocked(ctx)
			halted := *a
			q.mu.Unlock()
			report.add(halted, ResultHalted, ctx.Err())
			report.HaltErr = ctx.Err()
			return true
		}

		switch apperr.KindOf(err) {
		case apperr.KindAuth, apperr.KindSessionExpired, apperr.KindRefreshInvalid:
			a.Status = StatusPending
			q.persistQuietLocked(ctx)
			halted := *a
			q.mu.Unlock()
			report.add(halted, ResultHalted, err)
			report.HaltErr = err
			log.WithError(err).Warnf("drain halted on %s", halted.Kind)
			return true

		case apperr.KindValidation:
			a.Status = StatusFailed
			rejected := *a
			q.removeLocked(id)
			q.persistQuietLocked(ctx)
			q.mu.Unlock()
			report.add(rejected, ResultRejected, err)
			log.WithError(err).Warnf("%s on %s rejected", rejected.Kind, rejected.Resource)
			if q.prerequisites[rejected.Kind] {
				report.HaltErr = err
				return true
			}
			return false
		}

		a.Attempts++
		if a.Attempts >= q.cfg.MaxAttempts {
			a.Status = StatusFailed
			q.persistQuietLocked(ctx)
			failed := *a
			q.mu.Unlock()
			report.add(failed, ResultFailed, err)
			log.WithError(err).Warnf("%s on %s failed after %d attempts", failed.Kind, failed.Resource, failed.Attempts)
			if q.prerequisites[failed.Kind] {
				report.HaltErr = err
				return true
			}
			if _, ok := deferred[failed.Resource]; !ok {
				deferred[failed.Resource] = failed.Seq
			}
			return false
		}
		a.Status = StatusPending
		q.persistQuietLocked(ctx)
		attempts := a.Attempts
		delay := Backoff(q.cfg.BaseDelay, q.cfg.MaxDelay, attempts-1)
		q.mu.Unlock()

		log.Debugf("retrying in %s (attempt %d)", delay, attempts)
		if err := q.sleep(ctx, delay); err != nil {
			return q.haltPending(ctx, gen, id, err, report)
		}
	}
}

func (q *Queue) haltPending(ctx context.Context, gen uint64, id string, err error, report *Report) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.gen != gen {
		report.Discarded = true
		return true
	}
	if a := q.findLocked(id); a != nil {
		a.Status = StatusPending
		q.persistQuietLocked(ctx)
		report.add(*a, ResultHalted, err)
	}
	report.HaltErr = err
	return true
}

// Discard drops every action without replay. A running drain stops before
// its next dispatch and ignores the result of the current one.
func (q *Queue) Discard(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.gen++
	n := len(q.actions)
	q.actions = nil
	if q.cancelDrain != nil {
		q.cancelDrain()
	}
	q.log.Infof("discarded %d actions", n)

	if q.store == nil {
		return nil
	}
	if err := q.store.Delete(ctx, securestore.KeyOfflineActions); err != nil {
		return apperr.Storage("discard", err)
	}
	return nil
}

// Retry moves a failed action back to pending with a fresh attempt budget.
func (q *Queue) Retry(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	a := q.findLocked(id)
	if a == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if a.Status != StatusFailed {
		return fmt.Errorf("%w: %s is %s", ErrNotFailed, id, a.Status)
	}
	a.Status = StatusPending
	a.Attempts = 0
	a.LastError = ""
	return q.persistLocked(ctx)
}

// List returns a copy of the log in seq order.
func (q *Queue) List() []Action {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Action, 0, len(q.actions))
	for _, a := range q.actions {
		out = append(out, *a)
	}
	return out
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.actions)
}

// Busy reports whether a new action on resource has to wait behind the log
// instead of going out directly. Failed actions count when they share the
// resource or are prerequisites.
func (q *Queue) Busy(resource string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.draining {
		return true
	}
	for _, a := range q.actions {
		switch a.Status {
		case StatusPending, StatusInFlight:
			return true
		case StatusFailed:
			if a.Resource == resource || q.prerequisites[a.Kind] {
				return true
			}
		}
	}
	return false
}

// Pending counts actions waiting for replay.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, a := range q.actions {
		if a.Status == StatusPending {
			n++
		}
	}
	return n
}

type snapshot struct {
	NextSeq uint64   `json:"nextSeq"`
	Actions []Action `json:"actions"`
}

// Load replaces the in-memory log with the persisted one. Actions left
// in_flight by an interrupted process go back to pending.
func (q *Queue) Load(ctx context.Context) error {
	if q.store == nil {
		return nil
	}
	var snap snapshot
	if err := securestore.GetJSON(ctx, q.store, securestore.KeyOfflineActions, &snap); err != nil {
		if errors.Is(err, securestore.ErrNotFound) {
			return nil
		}
		return err
	}

	sort.SliceStable(snap.Actions, func(i, j int) bool {
		return snap.Actions[i].Seq < snap.Actions[j].Seq
	})

	q.mu.Lock()
	defer q.mu.Unlock()

	q.actions = make([]*Action, 0, len(snap.Actions))
	q.nextSeq = snap.NextSeq
	recovered := 0
	for i := range snap.Actions {
		a := snap.Actions[i]
		if a.Status == StatusDone {
			continue
		}
		if a.Status == StatusInFlight {
			a.Status = StatusPending
			recovered++
		}
		if a.Seq >= q.nextSeq {
			q.nextSeq = a.Seq + 1
		}
		q.actions = append(q.actions, &a)
	}
	if q.nextSeq == 0 {
		q.nextSeq = 1
	}
	if recovered > 0 {
		q.log.Infof("recovered %d interrupted actions", recovered)
	}
	return nil
}

func (q *Queue) findLocked(id string) *Action {
	for _, a := range q.actions {
		if a.ID == id {
			return a
		}
	}
	return nil
}

func (q *Queue) removeLocked(id string) {
	for i, a := range q.actions {
		if a.ID == id {
			q.actions = append(q.actions[:i], q.actions[i+1:]...)
			return
		}
	}
}

func (q *Queue) persistLocked(ctx context.Context) error {
	if q.store == nil {
		return nil
	}
	snap := snapshot{NextSeq: q.nextSeq, Actions: make([]Action, 0, len(q.actions))}
	for _, a := range q.actions {
		snap.Actions = append(snap.Actions, *a)
	}
	if err := securestore.SetJSON(ctx, q.store, securestore.KeyOfflineActions, snap); err != nil {
		q.log.WithError(err).Warnf("persisting action log failed, continuing in memory")
		return err
	}
	return nil
}

// persistQuietLocked persists with a context that outlives cancellation of
// the drain, so a halted drain still records where it stopped.
func (q *Queue) persistQuietLocked(ctx context.Context) {
	_ = q.persistLocked(context.WithoutCancel(ctx))
}
