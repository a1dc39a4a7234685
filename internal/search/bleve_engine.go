package search

import (
	"encoding/json"
	"strings"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"
	bleveQuery "github.com/blevesearch/bleve/v2/search/query"

	"github.com/pders01/quill/internal/debuglog"
)

// indexedTypes are the cache namespaces that hold single documents. List
// pages and other keys are not indexed.
var indexedTypes = map[string]bool{
	"blog":     true,
	"category": true,
	"tag":      true,
}

// Index is an in-memory full-text index over cached blogs, categories and
// tags. It implements cache.Listener so it follows the cache's contents.
type Index struct {
	idx bleve.Index
	log *debuglog.FieldLogger
}

func NewIndex() (*Index, error) {
	idx, err := bleve.NewMemOnly(buildIndexMapping())
	if err != nil {
		return nil, err
	}
	return &Index{idx: idx, log: debuglog.For("search")}, nil
}

func buildIndexMapping() mapping.IndexMapping {
	im := bleve.NewIndexMapping()
	im.DefaultAnalyzer = standard.Name

	dm := bleve.NewDocumentMapping()

	title := bleve.NewTextFieldMapping()
	title.Analyzer = standard.Name
	title.Store = true
	title.IncludeTermVectors = true
	title.DocValues = true

	desc := bleve.NewTextFieldMapping()
	desc.Analyzer = standard.Name
	desc.Store = false

	content := bleve.NewTextFieldMapping()
	content.Analyzer = standard.Name
	content.Store = false
	content.IncludeTermVectors = false

	url := bleve.NewTextFieldMapping()
	url.Analyzer = standard.Name
	url.Store = true

	docType := bleve.NewKeywordFieldMapping()
	docType.Store = true

	dm.AddFieldMappingsAt("title", title)
	dm.AddFieldMappingsAt("description", desc)
	dm.AddFieldMappingsAt("content", content)
	dm.AddFieldMappingsAt("url", url)
	dm.AddFieldMappingsAt("type", docType)

	im.DefaultMapping = dm
	return im
}

// document is the union of the content shapes the cache holds.
type document struct {
	Title       string `json:"title"`
	Name        string `json:"name"`
	Summary     string `json:"summary"`
	Description string `json:"description"`
	Content     string `json:"content"`
	Body        string `json:"body"`
	URL         string `json:"url"`
}

func (d document) fields(docType string) map[string]any {
	return map[string]any{
		"type":        docType,
		"title":       firstNonEmpty(d.Title, d.Name),
		"description": firstNonEmpty(d.Summary, d.Description),
		"content":     firstNonEmpty(d.Content, d.Body),
		"url":         d.URL,
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func splitKey(key string) (docType, id string, ok bool) {
	docType, id, ok = strings.Cut(key, ":")
	if !ok || id == "" || !indexedTypes[docType] {
		return "", "", false
	}
	return docType, id, true
}

// OnPut indexes a cached document.
func (b *Index) OnPut(key string, value []byte) {
	docType, _, ok := splitKey(key)
	if !ok {
		return
	}
	var d document
	if err := json.Unmarshal(value, &d); err != nil {
		b.log.With("key", key).Debugf("not indexing undecodable value: %v", err)
		return
	}
	if err := b.idx.Index(key, d.fields(docType)); err != nil {
		b.log.With("key", key).WithError(err).Warnf("index failed")
	}
}

// OnRemove drops an evicted or invalidated document.
func (b *Index) OnRemove(key string) {
	if _, _, ok := splitKey(key); !ok {
		return
	}
	if err := b.idx.Delete(key); err != nil {
		b.log.With("key", key).WithError(err).Warnf("delete failed")
	}
}

func (b *Index) Search(query string, limit int) ([]*Result, error) {
	if len(strings.TrimSpace(query)) < 2 {
		return []*Result{}, nil
	}
	// Tokenize input and build an OR of per-term matches across key fields with boosts
	tokens := tokenize(query)
	var qs []bleveQuery.Query
	for _, tok := range tokens {
		qs = append(qs, fieldQueries(tok, "title", 4.0, 3.5)...)
		qs = append(qs, fieldQueries(tok, "description", 2.0, 1.8)...)
		qs = append(qs, fieldQueries(tok, "content", 1.0, 0.8)...)
		qs = append(qs, fieldQueries(tok, "url", 0.5, 0.3)...)
	}
	if len(qs) == 0 {
		return []*Result{}, nil
	}
	q := bleve.NewDisjunctionQuery(qs...)
	srch := bleve.NewSearchRequestOptions(q, limit, 0, false)
	srch.Fields = []string{"title", "url", "type"}
	res, err := b.idx.Search(srch)
	if err != nil {
		return nil, err
	}
	out := make([]*Result, 0, len(res.Hits))
	for _, h := range res.Hits {
		docType, id, _ := strings.Cut(h.ID, ":")
		r := &Result{Key: h.ID, Type: docType, ID: id, Score: h.Score}
		if t, ok := h.Fields["title"].(string); ok {
			r.Title = t
		}
		if u, ok := h.Fields["url"].(string); ok {
			r.URL = u
		}
		out = append(out, r)
	}
	return out, nil
}

// fieldQueries matches tok in field, whole-term and as a prefix.
func fieldQueries(tok, field string, matchBoost, prefixBoost float64) []bleveQuery.Query {
	qm := bleve.NewMatchQuery(tok)
	qm.SetField(field)
	qm.SetBoost(matchBoost)
	qp := bleve.NewPrefixQuery(strings.ToLower(tok))
	qp.SetField(field)
	qp.SetBoost(prefixBoost)
	return []bleveQuery.Query{qm, qp}
}

// DocCount reports total documents in the index.
func (b *Index) DocCount() (int, error) {
	q := bleve.NewMatchAllQuery()
	req := bleve.NewSearchRequestOptions(q, 0, 0, false)
	res, err := b.idx.Search(req)
	if err != nil {
		return 0, err
	}
	return int(res.Total), nil
}

func (b *Index) Close() error {
	return b.idx.Close()
}
