// Package notify keeps the device's notification inbox: push and in-app
// events deduplicated by id, with per-item read state.
package notify

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pders01/quill/internal/apperr"
	"github.com/pders01/quill/internal/config"
	"github.com/pders01/quill/internal/debuglog"
	"github.com/pders01/quill/internal/securestore"
)

var ErrNotFound = errors.New("notify: notification not found")

const defaultType = "general"

// Notification is immutable once ingested except for Read.
type Notification struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Title     string          `json:"title"`
	Body      string          `json:"body"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Read      bool            `json:"read"`
}

// PushPayload is the shape delivered by the push provider.
type PushPayload struct {
	Title     string         `json:"title"`
	Body      string         `json:"body"`
	Data      map[string]any `json:"data"`
	Badge     *int           `json:"badge,omitempty"`
	Sound     string         `json:"sound,omitempty"`
	Priority  string         `json:"priority"`
	ChannelID string         `json:"channelId,omitempty"`
}

type Preferences struct {
	// Muted types are dropped on ingest.
	Muted []string `json:"muted"`
}

func (p Preferences) muted(kind string) bool {
	for _, m := range p.Muted {
		if m == kind {
			return true
		}
	}
	return false
}

type Center struct {
	mu    sync.Mutex
	items map[string]*Notification
	// trimmed holds ids dropped by retention, oldest first, so a late
	// redelivery is still recognised. It is bounded by maxStored.
	trimmed    []string
	trimmedSet map[string]bool
	prefs      Preferences
	maxStored  int
	store      securestore.Store
	now        func() time.Time
	log        *debuglog.FieldLogger
}

type Option func(*Center)

func WithStore(s securestore.Store) Option {
	return func(c *Center) { c.store = s }
}

func WithClock(now func() time.Time) Option {
	return func(c *Center) { c.now = now }
}

func NewCenter(cfg config.NotificationConfig, opts ...Option) *Center {
	c := &Center{
		items:      make(map[string]*Notification),
		trimmedSet: make(map[string]bool),
		maxStored:  cfg.MaxStored,
		now:        time.Now,
		log:        debuglog.For("notify"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Ingest adds n unless its id was already seen or its type is muted. It
// reports whether n was added and kept; an item older than everything the
// retention cap keeps is dropped straight away and reported as not added.
func (c *Center) Ingest(ctx context.Context, n Notification) (bool, error) {
	if n.ID == "" {
		return false, apperr.Validation("ingest", errors.New("notification id is required"))
	}
	if n.Type == "" {
		n.Type = defaultType
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, seen := c.items[n.ID]; seen || c.trimmedSet[n.ID] {
		return false, nil
	}
	if c.prefs.muted(n.Type) {
		c.log.Debugf("dropping muted %s notification %s", n.Type, n.ID)
		return false, nil
	}
	if n.Timestamp.IsZero() {
		n.Timestamp = c.now()
	}
	n.Payload = append(json.RawMessage(nil), n.Payload...)
	c.items[n.ID] = &n
	c.trimLocked()
	_, kept := c.items[n.ID]

	return kept, c.persistLocked(ctx)
}

// IngestPush maps a push payload to a notification and ingests it. The id
// comes from data.id, or else from a fingerprint of the payload so a
// redelivered push is recognised.
func (c *Center) IngestPush(ctx context.Context, p PushPayload) (Notification, bool, error) {
	n := Notification{
		ID:    stringField(p.Data, "id"),
		Type:  stringField(p.Data, "type"),
		Title: p.Title,
		Body:  p.Body,
	}
	if len(p.Data) > 0 {
		data, err := json.Marshal(p.Data)
		if err != nil {
			return Notification{}, false, apperr.Validation("ingest push", err)
		}
		n.Payload = data
	}
	if n.ID == "" {
		n.ID = fingerprint(p.Title, p.Body, n.Payload)
	}
	if ts := stringField(p.Data, "timestamp"); ts != "" {
		if parsed, err := time.Parse(time.RFC3339, ts); err == nil {
			n.Timestamp = parsed
		}
	}

	if n.Type == "" {
		n.Type = defaultType
	}
	if n.Timestamp.IsZero() {
		n.Timestamp = c.now()
	}

	added, err := c.Ingest(ctx, n)
	return n, added, err
}

func stringField(data map[string]any, key string) string {
	switch v := data[key].(type) {
	case string:
		return v
	case float64:
		return fmt.Sprintf("%.0f", v)
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// fingerprint hashes the visible content; json.Marshal writes map keys in
// sorted order so equal data hashes equal.
func fingerprint(title, body string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(title))
	h.Write([]byte{0})
	h.Write([]byte(body))
	h.Write([]byte{0})
	h.Write(data)
	return "push-" + hex.EncodeToString(h.Sum(nil))[:24]
}

// MarkRead marks one notification read. Marking twice is a no-op.
func (c *Center) MarkRead(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, ok := c.items[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if n.Read {
		return nil
	}
	n.Read = true
	return c.persistLocked(ctx)
}

// MarkAllRead marks every notification read and returns how many changed.
func (c *Center) MarkAllRead(ctx context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	changed := 0
	for _, n := range c.items {
		if !n.Read {
			n.Read = true
			changed++
		}
	}
	if changed == 0 {
		return 0, nil
	}
	return changed, c.persistLocked(ctx)
}

// UnreadCount is derived from the stored items on every call.
func (c *Center) UnreadCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, item := range c.items {
		if !item.Read {
			n++
		}
	}
	return n
}

// List returns notifications newest first, ties broken by id.
func (c *Center) List() []Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sortedLocked()
}

func (c *Center) sortedLocked() []Notification {
	out := make([]Notification, 0, len(c.items))
	for _, n := range c.items {
		out = append(out, *n)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.After(out[j].Timestamp)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// trimLocked drops the oldest items beyond maxStored.
func (c *Center) trimLocked() {
	if c.maxStored <= 0 || len(c.items) <= c.maxStored {
		return
	}
	sorted := c.sortedLocked()
	for _, n := range sorted[c.maxStored:] {
		delete(c.items, n.ID)
		c.rememberTrimmedLocked(n.ID)
	}
}

func (c *Center) rememberTrimmedLocked(id string) {
	if c.trimmedSet[id] {
		return
	}
	c.trimmed = append(c.trimmed, id)
	c.trimmedSet[id] = true
	for c.maxStored > 0 && len(c.trimmed) > c.maxStored {
		delete(c.trimmedSet, c.trimmed[0])
		c.trimmed = c.trimmed[1:]
	}
}

func (c *Center) Preferences() Preferences {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Preferences{Muted: append([]string(nil), c.prefs.Muted...)}
}

// SetPreferences replaces the preferences. Already stored notifications of
// a newly muted type are kept.
func (c *Center) SetPreferences(ctx context.Context, p Preferences) error {
	c.mu.Lock()
	c.prefs = Preferences{Muted: append([]string(nil), p.Muted...)}
	c.mu.Unlock()

	if c.store == nil {
		return nil
	}
	if err := securestore.SetJSON(ctx, c.store, securestore.KeyNotificationPrefs, p); err != nil {
		c.log.WithError(err).Warnf("persisting preferences failed, continuing in memory")
		return err
	}
	return nil
}

// Clear drops every notification, used when the session ends. Preferences
// stay.
func (c *Center) Clear(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*Notification)
	c.trimmed = nil
	c.trimmedSet = make(map[string]bool)
	if c.store == nil {
		return nil
	}
	return securestore.DeleteKeys(ctx, c.store, securestore.KeyNotifications, securestore.KeyNotificationsSeen)
}

// Load reads the persisted list and preferences. Each record loads on its
// own, so a corrupt list does not lose the preferences.
func (c *Center) Load(ctx context.Context) error {
	if c.store == nil {
		return nil
	}

	var errs []error
	var list []Notification
	if err := securestore.GetJSON(ctx, c.store, securestore.KeyNotifications, &list); err != nil && !errors.Is(err, securestore.ErrNotFound) {
		errs = append(errs, err)
		list = nil
	}
	var prefs Preferences
	if err := securestore.GetJSON(ctx, c.store, securestore.KeyNotificationPrefs, &prefs); err != nil && !errors.Is(err, securestore.ErrNotFound) {
		errs = append(errs, err)
		prefs = Preferences{}
	}
	var trimmed []string
	if err := securestore.GetJSON(ctx, c.store, securestore.KeyNotificationsSeen, &trimmed); err != nil && !errors.Is(err, securestore.ErrNotFound) {
		errs = append(errs, err)
		trimmed = nil
	}

	c.mu.Lock()
	c.trimmed = nil
	c.trimmedSet = make(map[string]bool, len(trimmed))
	for _, id := range trimmed {
		c.rememberTrimmedLocked(id)
	}
	c.items = make(map[string]*Notification, len(list))
	for i := range list {
		n := list[i]
		if n.ID == "" {
			continue
		}
		c.items[n.ID] = &n
	}
	c.prefs = prefs
	c.trimLocked()
	c.mu.Unlock()

	return errors.Join(errs...)
}

func (c *Center) persistLocked(ctx context.Context) error {
	if c.store == nil {
		return nil
	}
	err := securestore.SetJSON(ctx, c.store, securestore.KeyNotifications, c.sortedLocked())
	if err == nil && len(c.trimmed) > 0 {
		err = securestore.SetJSON(ctx, c.store, securestore.KeyNotificationsSeen, c.trimmed)
	}
	if err != nil {
		c.log.WithError(err).Warnf("persisting notifications failed, continuing in memory")
		return err
	}
	return nil
}
