package search

// Searcher is the offline search API over cached content.
type Searcher interface {
	Search(query string, limit int) ([]*Result, error)
}

// DebugStatser provides lightweight stats for visibility/debugging.
type DebugStatser interface {
	DocCount() (int, error)
}

// Result is one hit. Key is the cache key of the matched document.
type Result struct {
	Key   string
	Type  string
	ID    string
	Title string
	URL   string
	Score float64
}
