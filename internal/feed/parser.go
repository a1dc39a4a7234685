package feed

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"

	"github.com/mmcdole/gofeed"

	"github.com/pders01/quill/internal/api"
)

type Parser struct {
	parser *gofeed.Parser
}

func NewParser() *Parser {
	return &Parser{
		parser: gofeed.NewParser(),
	}
}

// Parse maps the items of an RSS or Atom document to blogs.
func (p *Parser) Parse(reader io.Reader) ([]api.Blog, error) {
	feed, err := p.parser.Parse(reader)
	if err != nil {
		return nil, fmt.Errorf("parsing feed: %w", err)
	}

	blogs := make([]api.Blog, 0, len(feed.Items))
	for _, item := range feed.Items {
		blog := api.Blog{
			ID:         blogID(item),
			Title:      item.Title,
			Summary:    item.Description,
			Content:    getContent(item),
			URL:        item.Link,
			Author:     authorName(item),
			Categories: uniqueStrings(item.Categories),
		}

		if item.PublishedParsed != nil {
			blog.PublishedAt = *item.PublishedParsed
		} else if item.UpdatedParsed != nil {
			blog.PublishedAt = *item.UpdatedParsed
		}

		blogs = append(blogs, blog)
	}

	return blogs, nil
}

func getContent(item *gofeed.Item) string {
	if item.Content != "" {
		return item.Content
	}
	return item.Description
}

func authorName(item *gofeed.Item) string {
	if item.Author != nil && item.Author.Name != "" {
		return item.Author.Name
	}
	for _, a := range item.Authors {
		if a != nil && a.Name != "" {
			return a.Name
		}
	}
	return ""
}

// blogID prefers the id in a /blogs/<id> link, then the GUID, then a hash
// of the link and title so the same item always maps to the same key.
func blogID(item *gofeed.Item) string {
	if u, err := url.Parse(item.Link); err == nil {
		dir, last := path.Split(strings.TrimSuffix(u.Path, "/"))
		if strings.HasSuffix(dir, "/blogs/") && last != "" {
			return last
		}
	}
	if item.GUID != "" && !strings.Contains(item.GUID, "/") {
		return item.GUID
	}
	key := item.GUID
	if key == "" {
		key = item.Link + "\x00" + item.Title
	}
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:8])
}

// categoryID turns a category label into a stable slug.
func categoryID(name string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		case !dash && b.Len() > 0:
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}

func uniqueStrings(strs []string) []string {
	seen := make(map[string]bool)
	var result []string
	for _, s := range strs {
		if s != "" && !seen[s] {
			seen[s] = true
			result = append(result, s)
		}
	}
	return result
}
