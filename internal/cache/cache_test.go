package cache

import (
	"context"
	"net/url"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pders01/quill/internal/config"
	"github.com/pders01/quill/internal/securestore"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingListener struct {
	mu      sync.Mutex
	puts    []string
	removes []string
}

func (l *recordingListener) OnPut(key string, _ []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.puts = append(l.puts, key)
}

func (l *recordingListener) OnRemove(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.removes = append(l.removes, key)
}

func newTestCache(t *testing.T, maxEntries int, maxBytes int64) (*Cache, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	cfg := config.TestConfig().Cache
	cfg.MaxEntries = maxEntries
	cfg.MaxBytes = maxBytes
	cfg.DefaultTTL = time.Minute
	return New(cfg, WithClock(clock.Now)), clock
}

func TestCache_PutGet(t *testing.T) {
	c, _ := newTestCache(t, 10, 1024)

	require.NoError(t, c.Put("blog:1", []byte(`{"id":"1"}`), 0))

	got, ok := c.Get("blog:1")
	require.True(t, ok)
	assert.JSONEq(t, `{"id":"1"}`, string(got))

	_, ok = c.Get("blog:2")
	assert.False(t, ok)
}

func TestCache_ReturnsCopies(t *testing.T) {
	c, _ := newTestCache(t, 10, 1024)
	value := []byte("hello")
	require.NoError(t, c.Put("k", value, 0))
	value[0] = 'j'

	got, _ := c.Get("k")
	got[1] = 'a'

	again, _ := c.Get("k")
	assert.Equal(t, "hello", string(again))
}

func TestCache_TTLExpiry(t *testing.T) {
	c, clock := newTestCache(t, 10, 1024)
	l := &recordingListener{}
	c.AddListener(l)

	require.NoError(t, c.Put("blog:1", []byte("a"), 30*time.Second))
	require.NoError(t, c.Put("blog:2", []byte("b"), 0))

	clock.Advance(30 * time.Second)
	_, ok := c.Get("blog:1")
	assert.False(t, ok, "entry is expired exactly at its ttl")
	assert.Equal(t, 1, c.Len(), "expired entry purged on read")
	assert.Equal(t, []string{"blog:1"}, l.removes)

	_, ok = c.Get("blog:2")
	assert.True(t, ok)

	clock.Advance(time.Minute)
	assert.Equal(t, 1, c.Sweep())
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, int64(0), c.Bytes())
}

func TestCache_EvictsLeastRecentlyAccessed(t *testing.T) {
	c, clock := newTestCache(t, 3, 1024)

	for _, k := range []string{"a", "b", "c"} {
		require.NoError(t, c.Put(k, []byte(k), 0))
		clock.Advance(time.Second)
	}

	// touching "a" makes "b" the oldest
	_, ok := c.Get("a")
	require.True(t, ok)

	require.NoError(t, c.Put("d", []byte("d"), 0))

	_, ok = c.Get("b")
	assert.False(t, ok)
	for _, k := range []string{"a", "c", "d"} {
		_, ok := c.Get(k)
		assert.True(t, ok, k)
	}
	assert.Equal(t, 3, c.Len())
}

func TestCache_SameTickAccessOrder(t *testing.T) {
	c, _ := newTestCache(t, 2, 1024)

	require.NoError(t, c.Put("a", []byte("a"), 0))
	require.NoError(t, c.Put("b", []byte("b"), 0))
	c.Get("a")
	require.NoError(t, c.Put("c", []byte("c"), 0))

	_, okA := c.Get("a")
	_, okB := c.Get("b")
	_, okC := c.Get("c")
	assert.True(t, okA)
	assert.False(t, okB)
	assert.True(t, okC)
}

func TestCache_ByteBound(t *testing.T) {
	c, clock := newTestCache(t, 100, 10)

	require.NoError(t, c.Put("a", []byte("12345"), 0))
	clock.Advance(time.Second)
	require.NoError(t, c.Put("b", []byte("12345"), 0))
	clock.Advance(time.Second)
	require.NoError(t, c.Put("c", []byte("123"), 0))

	assert.LessOrEqual(t, c.Bytes(), int64(10))
	_, ok := c.Get("a")
	assert.False(t, ok)

	err := c.Put("huge", make([]byte, 11), 0)
	assert.ErrorIs(t, err, ErrTooLarge)
}

func TestCache_ReplaceAdjustsBytes(t *testing.T) {
	c, _ := newTestCache(t, 10, 100)

	require.NoError(t, c.Put("a", []byte("1234567890"), 0))
	require.NoError(t, c.Put("a", []byte("12"), 0))

	assert.Equal(t, 1, c.Len())
	assert.Equal(t, int64(2), c.Bytes())
}

func TestCache_Invalidate(t *testing.T) {
	c, _ := newTestCache(t, 10, 1024)
	for _, k := range []string{"blog:1", "blog:10", "blogs:list:aa", "blogs:list:bb", "tag:go"} {
		require.NoError(t, c.Put(k, []byte("x"), 0))
	}

	assert.Equal(t, 1, c.Invalidate("blog:1"))
	_, ok := c.Get("blog:10")
	assert.True(t, ok, "exact key does not act as a prefix")

	assert.Equal(t, 2, c.Invalidate("blogs:list:"))
	assert.Equal(t, 0, c.Invalidate("missing"))

	keys := c.Keys("")
	sort.Strings(keys)
	assert.Equal(t, []string{"blog:10", "tag:go"}, keys)
}

func TestCache_BoundsHoldUnderConcurrency(t *testing.T) {
	c, _ := newTestCache(t, 8, 64)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				key := Key("blog", string(rune('a'+w))+string(rune('a'+i%26)))
				_ = c.Put(key, []byte("payload"), 0)
				c.Get(key)
			}
		}(w)
	}
	wg.Wait()

	assert.LessOrEqual(t, c.Len(), 8)
	assert.LessOrEqual(t, c.Bytes(), int64(64))
}

func TestCache_SaveLoad(t *testing.T) {
	store := securestore.NewMemoryStore()
	clock := newFakeClock()
	cfg := config.TestConfig().Cache
	cfg.DefaultTTL = time.Minute

	c := New(cfg, WithClock(clock.Now), WithStore(store))
	require.NoError(t, c.Put("blog:1", []byte(`"one"`), 0))
	require.NoError(t, c.Put("blog:2", []byte(`"two"`), time.Hour))
	require.NoError(t, c.Save(context.Background()))

	clock.Advance(2 * time.Minute)

	restored := New(cfg, WithClock(clock.Now), WithStore(store))
	l := &recordingListener{}
	restored.AddListener(l)
	require.NoError(t, restored.Load(context.Background()))

	_, ok := restored.Get("blog:1")
	assert.False(t, ok, "expired while persisted")
	got, ok := restored.Get("blog:2")
	require.True(t, ok)
	assert.Equal(t, `"two"`, string(got))
	assert.Equal(t, []string{"blog:2"}, l.puts)
}

func TestCache_LoadMissingSnapshot(t *testing.T) {
	c := New(config.TestConfig().Cache, WithStore(securestore.NewMemoryStore()))
	assert.NoError(t, c.Load(context.Background()))
	assert.Equal(t, 0, c.Len())
}

func TestCache_LoadCorruptSnapshot(t *testing.T) {
	store := securestore.NewMemoryStore()
	require.NoError(t, store.Set(context.Background(), securestore.KeyContentCache, []byte("{")))

	c := New(config.TestConfig().Cache, WithStore(store))
	err := c.Load(context.Background())
	assert.Error(t, err)
	assert.Equal(t, 0, c.Len())
}

func TestCache_JSONHelpers(t *testing.T) {
	c, _ := newTestCache(t, 10, 1024)

	type blog struct {
		ID    string `json:"id"`
		Title string `json:"title"`
	}

	require.NoError(t, PutJSON(c, Key("blog", "7"), blog{ID: "7", Title: "Hello"}, 0))

	got, ok, err := GetJSON[blog](c, "blog:7")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Hello", got.Title)

	_, ok, err = GetJSON[blog](c, "blog:8")
	assert.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Put("blog:9", []byte("not json"), 0))
	_, _, err = GetJSON[blog](c, "blog:9")
	assert.Error(t, err)
	assert.Equal(t, 0, c.Invalidate("blog:9"), "undecodable entry already dropped")
}

func TestListKey(t *testing.T) {
	a := ListKey("blog", url.Values{"page": {"2"}, "tag": {"go"}})
	b := ListKey("blog", url.Values{"tag": {"go"}, "page": {"2"}})
	c := ListKey("blog", url.Values{"page": {"3"}, "tag": {"go"}})

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Contains(t, a, "blogs:list:")
}

func TestCache_RunStopsOnCancel(t *testing.T) {
	c, _ := newTestCache(t, 10, 1024)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- c.Run(ctx, time.Millisecond) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
