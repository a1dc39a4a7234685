// Package feed warms the content cache from the blog's published RSS or
// Atom feed, so recent posts are readable and searchable offline.
package feed

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"sync"
	"time"

	"github.com/pders01/quill/internal/api"
	"github.com/pders01/quill/internal/cache"
	"github.com/pders01/quill/internal/debuglog"
)

// Source returns the raw feed document.
type Source interface {
	FetchFeed(ctx context.Context) ([]byte, error)
}

// Report summarises one warm-up.
type Report struct {
	Items      int
	Blogs      int
	Categories int
	// Unchanged is set when the document matched the previous warm-up and
	// was not parsed again.
	Unchanged bool
}

type Prefetcher struct {
	source Source
	cache  *cache.Cache
	parser *Parser
	ttl    time.Duration

	mu       sync.Mutex
	lastHash [sha256.Size]byte
	log      *debuglog.FieldLogger
}

// NewPrefetcher stores entries with ttl; 0 uses the cache default.
func NewPrefetcher(source Source, c *cache.Cache, ttl time.Duration) *Prefetcher {
	return &Prefetcher{
		source: source,
		cache:  c,
		parser: NewParser(),
		ttl:    ttl,
		log:    debuglog.For("feed"),
	}
}

// Warm fetches the feed and caches every item as blog:<id>, and every
// category label as category:<slug>. Items that do not fit the cache are
// skipped.
func (p *Prefetcher) Warm(ctx context.Context) (Report, error) {
	data, err := p.source.FetchFeed(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("fetching feed: %w", err)
	}

	hash := sha256.Sum256(data)
	p.mu.Lock()
	unchanged := hash == p.lastHash
	p.mu.Unlock()
	if unchanged {
		p.log.Debugf("feed unchanged, skipping parse")
		return Report{Unchanged: true}, nil
	}

	blogs, err := p.parser.Parse(bytes.NewReader(data))
	if err != nil {
		return Report{}, err
	}

	report := Report{Items: len(blogs)}
	seenCategories := make(map[string]bool)
	for _, b := range blogs {
		if err := cache.PutJSON(p.cache, cache.Key("blog", b.ID), b, p.ttl); err != nil {
			p.log.With("blog", b.ID).WithError(err).Debugf("skipping item")
			continue
		}
		report.Blogs++

		for _, name := range b.Categories {
			id := categoryID(name)
			if id == "" || seenCategories[id] {
				continue
			}
			seenCategories[id] = true
			if err := cache.PutJSON(p.cache, cache.Key("category", id), api.Category{ID: id, Name: name}, p.ttl); err == nil {
				report.Categories++
			}
		}
	}

	p.mu.Lock()
	p.lastHash = hash
	p.mu.Unlock()

	p.log.Infof("warmed cache with %d blogs and %d categories", report.Blogs, report.Categories)
	return report, nil
}
