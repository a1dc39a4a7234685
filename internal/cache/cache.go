// Package cache is the bounded content cache for blogs, categories and tags
// fetched from the backend. Entries expire by TTL and are evicted
// least-recently-accessed first when the entry or byte bound is exceeded.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/pders01/quill/internal/config"
	"github.com/pders01/quill/internal/debuglog"
	"github.com/pders01/quill/internal/securestore"
)

// ErrTooLarge is returned by Put for a value that alone exceeds the byte bound.
var ErrTooLarge = errors.New("cache: value exceeds byte bound")

type Entry struct {
	Key            string          `json:"key"`
	Value          json.RawMessage `json:"value"`
	SizeBytes      int64           `json:"sizeBytes"`
	StoredAt       time.Time       `json:"storedAt"`
	ExpiresAt      time.Time       `json:"expiresAt"`
	LastAccessedAt time.Time       `json:"lastAccessedAt"`
	AccessSeq      uint64          `json:"accessSeq"`
}

// Expired reports whether the entry's TTL has passed at now.
func (e Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// Listener observes cache contents. Callbacks run outside the cache lock.
type Listener interface {
	OnPut(key string, value []byte)
	OnRemove(key string)
}

type event struct {
	key    string
	value  []byte
	remove bool
}

type Cache struct {
	mu         sync.Mutex
	entries    map[string]*Entry
	bytes      int64
	seq        uint64
	bounds     Bounds
	defaultTTL time.Duration
	now        func() time.Time
	store      securestore.Store
	listeners  []Listener
	log        *debuglog.FieldLogger
}

type Option func(*Cache)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithStore enables Save and Load against the content-cache key.
func WithStore(s securestore.Store) Option {
	return func(c *Cache) { c.store = s }
}

func New(cfg config.CacheConfig, opts ...Option) *Cache {
	c := &Cache{
		entries:    make(map[string]*Entry),
		bounds:     Bounds{MaxEntries: cfg.MaxEntries, MaxBytes: cfg.MaxBytes},
		defaultTTL: cfg.DefaultTTL,
		now:        time.Now,
		log:        debuglog.For("cache"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// AddListener registers l for put and remove notifications.
func (c *Cache) AddListener(l Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, l)
}

// Get returns the value for key. Expired entries are purged and reported as
// a miss.
func (c *Cache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	now := c.now()
	e, ok := c.entries[key]
	if !ok {
		c.mu.Unlock()
		return nil, false
	}
	if e.Expired(now) {
		c.removeLocked(key)
		listeners := c.listeners
		c.mu.Unlock()
		notify(listeners, []event{{key: key, remove: true}})
		return nil, false
	}
	c.seq++
	e.LastAccessedAt = now
	e.AccessSeq = c.seq
	value := append([]byte(nil), e.Value...)
	c.mu.Unlock()
	return value, true
}

// Put stores value under key for ttl (the configured default when ttl <= 0),
// then evicts until both bounds hold.
func (c *Cache) Put(key string, value []byte, ttl time.Duration) error {
	size := int64(len(value))
	if c.bounds.MaxBytes > 0 && size > c.bounds.MaxBytes {
		return fmt.Errorf("%w: %s is %d bytes", ErrTooLarge, key, size)
	}
	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	c.mu.Lock()
	now := c.now()
	if old, ok := c.entries[key]; ok {
		c.bytes -= old.SizeBytes
	}
	c.seq++
	e := &Entry{
		Key:            key,
		Value:          append(json.RawMessage(nil), value...),
		SizeBytes:      size,
		StoredAt:       now,
		LastAccessedAt: now,
		AccessSeq:      c.seq,
	}
	if ttl > 0 {
		e.ExpiresAt = now.Add(ttl)
	}
	c.entries[key] = e
	c.bytes += size

	events := []event{{key: key, value: e.Value}}
	events = append(events, c.enforceLocked(now)...)
	listeners := c.listeners
	c.mu.Unlock()

	notify(listeners, events)
	return nil
}

// enforceLocked runs the eviction policy over the current entries.
func (c *Cache) enforceLocked(now time.Time) []event {
	if withinBounds(len(c.entries), c.bytes, c.bounds) {
		return nil
	}
	snapshot := make([]Entry, 0, len(c.entries))
	for _, e := range c.entries {
		snapshot = append(snapshot, *e)
	}
	_, evicted := Evict(snapshot, c.bounds, now)

	events := make([]event, 0, len(evicted))
	for _, e := range evicted {
		c.removeLocked(e.Key)
		events = append(events, event{key: e.Key, remove: true})
	}
	if len(evicted) > 0 {
		c.log.Debugf("evicted %d entries", len(evicted))
	}
	return events
}

func (c *Cache) removeLocked(key string) {
	if e, ok := c.entries[key]; ok {
		c.bytes -= e.SizeBytes
		delete(c.entries, key)
	}
}

// Invalidate removes key. An argument ending in ':' is a namespace prefix
// and removes every key under it ("blogs:list:").
func (c *Cache) Invalidate(keyOrPrefix string) int {
	c.mu.Lock()
	var events []event
	if strings.HasSuffix(keyOrPrefix, ":") {
		for k := range c.entries {
			if strings.HasPrefix(k, keyOrPrefix) {
				c.removeLocked(k)
				events = append(events, event{key: k, remove: true})
			}
		}
	} else if _, ok := c.entries[keyOrPrefix]; ok {
		c.removeLocked(keyOrPrefix)
		events = append(events, event{key: keyOrPrefix, remove: true})
	}
	listeners := c.listeners
	c.mu.Unlock()

	notify(listeners, events)
	return len(events)
}

// Sweep purges every expired entry and returns how many were removed.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	now := c.now()
	var events []event
	for k, e := range c.entries {
		if e.Expired(now) {
			c.removeLocked(k)
			events = append(events, event{key: k, remove: true})
		}
	}
	listeners := c.listeners
	c.mu.Unlock()

	notify(listeners, events)
	return len(events)
}

// Run sweeps every interval until ctx is done.
func (c *Cache) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := c.Sweep(); n > 0 {
				c.log.Debugf("sweep removed %d expired entries", n)
			}
		}
	}
}

// Len returns the number of stored entries, expired ones included until
// they are purged.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Bytes returns the total size of stored values.
func (c *Cache) Bytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bytes
}

// Keys returns the stored keys starting with prefix.
func (c *Cache) Keys(prefix string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var keys []string
	for k := range c.entries {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys
}

type snapshot struct {
	Entries []Entry `json:"entries"`
}

// Save persists the live entries.
func (c *Cache) Save(ctx context.Context) error {
	if c.store == nil {
		return nil
	}
	c.mu.Lock()
	now := c.now()
	snap := snapshot{Entries: make([]Entry, 0, len(c.entries))}
	for _, e := range c.entries {
		if !e.Expired(now) {
			snap.Entries = append(snap.Entries, *e)
		}
	}
	c.mu.Unlock()

	return securestore.SetJSON(ctx, c.store, securestore.KeyContentCache, snap)
}

// Load replaces the contents with the persisted snapshot, dropping expired
// entries and re-applying the bounds. A missing snapshot is not an error.
func (c *Cache) Load(ctx context.Context) error {
	if c.store == nil {
		return nil
	}
	var snap snapshot
	if err := securestore.GetJSON(ctx, c.store, securestore.KeyContentCache, &snap); err != nil {
		if errors.Is(err, securestore.ErrNotFound) {
			return nil
		}
		return err
	}

	c.mu.Lock()
	now := c.now()
	survivors, _ := Evict(snap.Entries, c.bounds, now)
	c.entries = make(map[string]*Entry, len(survivors))
	c.bytes = 0
	events := make([]event, 0, len(survivors))
	for i := range survivors {
		e := survivors[i]
		if e.SizeBytes != int64(len(e.Value)) {
			e.SizeBytes = int64(len(e.Value))
		}
		c.entries[e.Key] = &e
		c.bytes += e.SizeBytes
		if e.AccessSeq > c.seq {
			c.seq = e.AccessSeq
		}
		events = append(events, event{key: e.Key, value: e.Value})
	}
	// recorded sizes are not trusted, so bounds are checked again
	events = append(events, c.enforceLocked(now)...)
	listeners := c.listeners
	c.mu.Unlock()

	notify(listeners, events)
	return nil
}

func notify(listeners []Listener, events []event) {
	for _, ev := range events {
		for _, l := range listeners {
			if ev.remove {
				l.OnRemove(ev.key)
			} else {
				l.OnPut(ev.key, ev.value)
			}
		}
	}
}

// GetJSON decodes the cached value for key into a T.
func GetJSON[T any](c *Cache, key string) (T, bool, error) {
	var v T
	data, ok := c.Get(key)
	if !ok {
		return v, false, nil
	}
	if err := json.Unmarshal(data, &v); err != nil {
		c.Invalidate(key)
		return v, false, fmt.Errorf("decoding cached %s: %w", key, err)
	}
	return v, true, nil
}

// PutJSON encodes v and stores it under key.
func PutJSON(c *Cache, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", key, err)
	}
	return c.Put(key, data, ttl)
}

// Key builds the fingerprint for a single resource, e.g. Key("blog", "42").
func Key(resourceType, id string) string {
	return resourceType + ":" + id
}

// ListKey builds the fingerprint for a list query. Parameters are encoded in
// sorted order, so equal queries share a key.
func ListKey(resourceType string, params url.Values) string {
	sum := sha256.Sum256([]byte(params.Encode()))
	return fmt.Sprintf("%ss:list:%x", resourceType, sum[:12])
}
